package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/timmy/claimexport/internal/domain"
)

func TestTokenizeQuotedField(t *testing.T) {
	input := "\"file\",\"note\"\"s\",\"Jones, K.\nmore text\""

	rows := tokenize(input)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d: %v", len(rows), rows)
	}
	want := []string{"file", `note"s`, "Jones, K.\nmore text"}
	if !reflect.DeepEqual(rows[0].fields, want) {
		t.Errorf("fields = %q, want %q", rows[0].fields, want)
	}
}

func TestTokenizeDropsBlankRowsAndTrims(t *testing.T) {
	input := "a , b\r\n\r\n , \n  c,d  \n"

	rows := tokenize(input)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %v", len(rows), rows)
	}
	if !reflect.DeepEqual(rows[0].fields, []string{"a", "b"}) {
		t.Errorf("row 0 = %q", rows[0].fields)
	}
	if !reflect.DeepEqual(rows[1].fields, []string{"c", "d"}) {
		t.Errorf("row 1 = %q", rows[1].fields)
	}
	if rows[1].line != 4 {
		t.Errorf("row 1 line = %d, want 4", rows[1].line)
	}
}

func TestParseDeduplicatesInFirstSeenOrder(t *testing.T) {
	input := "File Number,Name\nB-2,x\nA-1,y\nB-2,z\nC-3,w\nA-1,v\n"

	res, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := IdentifierValues(res.Identifiers)
	want := []string{"B-2", "A-1", "C-3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("identifiers = %v, want %v", got, want)
	}
	if res.Duplicates != 2 {
		t.Errorf("duplicates = %d, want 2", res.Duplicates)
	}
	if res.Identifiers[0].Row != 2 {
		t.Errorf("first identifier row = %d, want 2", res.Identifiers[0].Row)
	}
}

func TestParseExactHeaderBeatsLooseMatch(t *testing.T) {
	input := "Claim Status,Claim #,Adjuster\nOpen,12345,Jane\n"

	res, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.ColumnIndex != 1 {
		t.Errorf("column index = %d, want 1", res.ColumnIndex)
	}
	if got := IdentifierValues(res.Identifiers); !reflect.DeepEqual(got, []string{"12345"}) {
		t.Errorf("identifiers = %v", got)
	}
}

func TestSelectColumnTiers(t *testing.T) {
	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{name: "exact file number", header: []string{"Name", "FILE NUMBER"}, want: 1},
		{name: "exact claim hash", header: []string{"claim#"}, want: 0},
		{name: "prefix with number", header: []string{"Adjuster", "Claim Number (Internal)"}, want: 1},
		{name: "prefix with no", header: []string{"Owner", "File No."}, want: 1},
		{name: "loose contains", header: []string{"Status", "Insurer Claim"}, want: 1},
		{name: "loose excludes profile", header: []string{"Profile", "Name"}, want: -1},
		{name: "loose excludes filename", header: []string{"Filename", "Claim Date", "Claim Type"}, want: -1},
		{name: "loose claimant name", header: []string{"Claimant Name", "Phone"}, want: 0},
		{name: "none", header: []string{"Name", "Phone"}, want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectColumn(tt.header); got != tt.want {
				t.Errorf("selectColumn(%q) = %d, want %d", tt.header, got, tt.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{name: "empty", input: "", want: domain.ErrEmptyOrInvalidInput},
		{name: "header only", input: "File Number\n\n , \n", want: domain.ErrEmptyOrInvalidInput},
		{name: "no column", input: "Name,Phone\nA,1\n", want: domain.ErrMissingIdentifierColumn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseSkipsShortRows(t *testing.T) {
	input := "Name,Phone,File #\nA,1,F-1\nB,2\nC,3,F-2\n"

	res, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Malformed != 1 {
		t.Errorf("malformed = %d, want 1", res.Malformed)
	}
	if got := IdentifierValues(res.Identifiers); !reflect.DeepEqual(got, []string{"F-1", "F-2"}) {
		t.Errorf("identifiers = %v", got)
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.csv")
	if err := os.WriteFile(path, []byte("\ufeffFile Number\nF-9\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := NewFile(path)
	if src.Name() != "claims.csv" {
		t.Errorf("Name = %q", src.Name())
	}
	res, err := src.Identifiers(context.Background())
	if err != nil {
		t.Fatalf("Identifiers: %v", err)
	}
	if res.Column != "File Number" {
		t.Errorf("column = %q, BOM not stripped", res.Column)
	}
	if len(res.Identifiers) != 1 || res.Identifiers[0].Value != "F-9" {
		t.Errorf("identifiers = %v", res.Identifiers)
	}
}
