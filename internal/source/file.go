package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"
)

// File is a Source backed by a CSV file on disk.
type File struct {
	path string
}

// NewFile creates a file-backed Source.
// Parameters:
//   - path: CSV file path.
//
// Returns:
//   - *File: initialized source.
func NewFile(path string) *File {
	return &File{path: path}
}

// Name returns the CSV file name.
func (f *File) Name() string {
	return filepath.Base(f.path)
}

// Identifiers reads the file and parses it.
func (f *File) Identifiers(ctx context.Context) (*ParseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read csv %s: %w", f.path, err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("csv %s is not valid UTF-8", f.path)
	}

	return Parse(string(data))
}
