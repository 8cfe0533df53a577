package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/claimexport/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormKVStore implements KVStore on the kv_entries table.
type GormKVStore struct {
	db *gorm.DB
}

// NewGormKVStore creates a new GormKVStore.
// Parameters:
//   - db: GORM database handle with kv_entries migrated.
//
// Returns:
//   - *GormKVStore: store bound to db.
func NewGormKVStore(db *gorm.DB) *GormKVStore {
	return &GormKVStore{db: db}
}

// Get loads the requested keys in one query.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - keys: keys to load.
//
// Returns:
//   - map[string][]byte: values of the keys that exist.
//   - error: non-nil if the query fails.
func (s *GormKVStore) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var entries []domain.KVEntry
	if err := s.db.WithContext(ctx).Where("entry_key IN ?", keys).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}
	for _, e := range entries {
		out[e.Key] = []byte(e.Value)
	}
	return out, nil
}

// Set upserts every entry inside a single transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - entries: key to JSON value mapping.
//
// Returns:
//   - error: non-nil if the write fails; no entry is written in that case.
func (s *GormKVStore) Set(ctx context.Context, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}

	now := time.Now()
	rows := make([]domain.KVEntry, 0, len(entries))
	for k, v := range entries {
		rows = append(rows, domain.KVEntry{Key: k, Value: string(v), UpdatedAt: now})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("failed to write keys: %w", err)
	}
	return nil
}

// Remove deletes the given keys.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - keys: keys to delete.
//
// Returns:
//   - error: non-nil if the delete fails.
func (s *GormKVStore) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("entry_key IN ?", keys).Delete(&domain.KVEntry{}).Error; err != nil {
		return fmt.Errorf("failed to remove keys: %w", err)
	}
	return nil
}

// Keys lists keys with the given prefix in lexical order.
func (s *GormKVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&domain.KVEntry{}).
		Where("entry_key LIKE ?", prefix+"%").
		Order("entry_key").
		Pluck("entry_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// Ensure interface compliance
var _ KVStore = (*GormKVStore)(nil)
