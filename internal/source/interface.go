package source

import (
	"context"

	"github.com/timmy/claimexport/internal/domain"
)

// Source supplies the ordered identifier list an export job runs over.
type Source interface {
	// Name returns a human-readable name for logs.
	Name() string

	// Identifiers reads and parses the underlying CSV.
	// Parameters:
	//   - ctx: context for cancellation.
	// Returns:
	//   - *ParseResult: identifiers plus row diagnostics.
	//   - error: non-nil if reading or parsing fails.
	Identifiers(ctx context.Context) (*ParseResult, error)
}

// Text is a Source over CSV text already in memory (an uploaded request body).
type Text struct {
	name string
	body string
}

// NewText creates a Source from CSV text.
func NewText(name, body string) *Text {
	return &Text{name: name, body: body}
}

// Name returns the upload name.
func (t *Text) Name() string {
	return t.name
}

// Identifiers parses the in-memory CSV text.
func (t *Text) Identifiers(ctx context.Context) (*ParseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Parse(t.body)
}

// Ensure interface compliance
var _ Source = (*Text)(nil)
var _ Source = (*File)(nil)

// IdentifierValues flattens identifiers to their raw values.
func IdentifierValues(ids []domain.ClaimIdentifier) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Value
	}
	return out
}
