package repository

import "context"

// KVStore is the durable key-value store shared by the export driver (writer) and the
// assembler (reader). Values are opaque JSON documents.
type KVStore interface {
	// Get returns the values of the requested keys. Missing keys are absent from the map.
	Get(ctx context.Context, keys []string) (map[string][]byte, error)

	// Set writes every entry of the mapping, replacing existing values.
	Set(ctx context.Context, entries map[string][]byte) error

	// Remove deletes the given keys. Missing keys are ignored.
	Remove(ctx context.Context, keys []string) error

	// Keys lists every key that starts with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
