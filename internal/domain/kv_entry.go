package domain

import "time"

// KVEntry is one row of the durable key-value store backing checkpoints and the job ledger.
type KVEntry struct {
	Key       string    `gorm:"column:entry_key;type:text;primaryKey" json:"key"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for KVEntry.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (KVEntry) TableName() string {
	return "kv_entries"
}
