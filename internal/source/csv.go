package source

import (
	"fmt"
	"strings"

	"github.com/timmy/claimexport/internal/domain"
)

// exactHeaders are matched case-insensitively against the whole trimmed header.
var exactHeaders = []string{
	"file number", "file #", "file#", "filenumber",
	"claim number", "claim #", "claim#", "claimnumber",
}

// excludedHeaderParts disqualify a loose "file"/"claim" header match.
var excludedHeaderParts = []string{
	"profile", "filed", "filename", "claim status", "claim type", "claim date",
}

// ParseResult is the outcome of reading a claims CSV.
type ParseResult struct {
	Identifiers []domain.ClaimIdentifier
	Column      string
	ColumnIndex int
	DataRows    int
	Malformed   int
	Duplicates  int
}

// Parse turns raw CSV text into ordered, de-duplicated claim identifiers.
// Returns:
//   - *ParseResult: identifiers in first-seen order plus row diagnostics.
//   - error: domain.ErrEmptyOrInvalidInput when fewer than two rows remain,
//     domain.ErrMissingIdentifierColumn when no header qualifies.
func Parse(text string) (*ParseResult, error) {
	// A byte order mark would otherwise stick to the first header
	rows := tokenize(strings.TrimPrefix(text, "\ufeff"))
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: found %d non-empty row(s)", domain.ErrEmptyOrInvalidInput, len(rows))
	}

	header := rows[0].fields
	col := selectColumn(header)
	if col < 0 {
		return nil, fmt.Errorf("%w: headers %q", domain.ErrMissingIdentifierColumn, header)
	}

	result := &ParseResult{
		Column:      header[col],
		ColumnIndex: col,
		DataRows:    len(rows) - 1,
	}

	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows[1:] {
		if len(r.fields) <= col {
			result.Malformed++
			continue
		}
		value := r.fields[col]
		if value == "" {
			result.Malformed++
			continue
		}
		if _, dup := seen[value]; dup {
			result.Duplicates++
			continue
		}
		seen[value] = struct{}{}
		result.Identifiers = append(result.Identifiers, domain.ClaimIdentifier{Value: value, Row: r.line})
	}

	return result, nil
}

// selectColumn returns the index of the identifier column or -1.
// Tiers are tried in order and the first header matching a tier wins.
func selectColumn(header []string) int {
	lower := make([]string, len(header))
	for i, h := range header {
		lower[i] = strings.ToLower(strings.TrimSpace(h))
	}

	for i, h := range lower {
		for _, exact := range exactHeaders {
			if h == exact {
				return i
			}
		}
	}

	for i, h := range lower {
		if (strings.HasPrefix(h, "file") || strings.HasPrefix(h, "claim")) &&
			(strings.Contains(h, "number") || strings.Contains(h, "#") || strings.Contains(h, "no")) {
			return i
		}
	}

	for i, h := range lower {
		if !strings.Contains(h, "file") && !strings.Contains(h, "claim") {
			continue
		}
		excluded := false
		for _, part := range excludedHeaderParts {
			if strings.Contains(h, part) {
				excluded = true
				break
			}
		}
		if !excluded {
			return i
		}
	}

	return -1
}

type row struct {
	fields []string
	line   int
}

// tokenize splits CSV text into rows in a single quote-aware pass.
// Inside quotes, commas and line breaks are literal and "" is an escaped quote.
// Fields are trimmed; rows whose fields are all empty are dropped.
func tokenize(text string) []row {
	var (
		rows     []row
		fields   []string
		field    strings.Builder
		inQuotes bool
		line     = 1
		rowStart = 1
	)

	endField := func() {
		fields = append(fields, strings.TrimSpace(field.String()))
		field.Reset()
	}
	endRow := func() {
		endField()
		for _, f := range fields {
			if f != "" {
				rows = append(rows, row{fields: fields, line: rowStart})
				break
			}
		}
		fields = nil
	}

	for i := 0; i < len(text); i++ {
		c := text[i]

		if inQuotes {
			switch {
			case c == '"' && i+1 < len(text) && text[i+1] == '"':
				field.WriteByte('"')
				i++
			case c == '"':
				inQuotes = false
			default:
				if c == '\n' {
					line++
				}
				field.WriteByte(c)
			}
			continue
		}

		switch c {
		case '"':
			inQuotes = true
		case ',':
			endField()
		case '\r':
			if i+1 < len(text) && text[i+1] == '\n' {
				i++
			}
			endRow()
			line++
			rowStart = line
		case '\n':
			endRow()
			line++
			rowStart = line
		default:
			field.WriteByte(c)
		}
	}

	if field.Len() > 0 || len(fields) > 0 {
		endRow()
	}

	return rows
}
