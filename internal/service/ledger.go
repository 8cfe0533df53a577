package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/claimexport/internal/domain"
	"github.com/timmy/claimexport/internal/repository"
)

const (
	// jobKey holds the serialized ExportJob.
	jobKey = "exportJob"
	// claimKeyPrefix prefixes per-claim checkpoint keys; the suffix is the job index.
	claimKeyPrefix = "claim:"
)

// ClaimKey returns the store key of the checkpoint at index.
func ClaimKey(index int) string {
	return claimKeyPrefix + strconv.Itoa(index)
}

// Checkpoints reads and writes per-claim records keyed by job index.
type Checkpoints struct {
	store repository.KVStore
}

// NewCheckpoints creates a checkpoint accessor over store.
func NewCheckpoints(store repository.KVStore) *Checkpoints {
	return &Checkpoints{store: store}
}

// Put durably writes the record for index. It returns only after the store accepted it.
func (c *Checkpoints) Put(ctx context.Context, index int, rec *domain.ClaimRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode claim %d: %w", index, err)
	}
	if err := c.store.Set(ctx, map[string][]byte{ClaimKey(index): data}); err != nil {
		return fmt.Errorf("failed to checkpoint claim %d: %w", index, err)
	}
	return nil
}

// LoadRange returns the raw records for indices [from, to). Missing indices are absent.
func (c *Checkpoints) LoadRange(ctx context.Context, from, to int) (map[int]json.RawMessage, error) {
	if to <= from {
		return map[int]json.RawMessage{}, nil
	}
	keys := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		keys = append(keys, ClaimKey(i))
	}

	values, err := c.store.Get(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load claims [%d,%d): %w", from, to, err)
	}

	out := make(map[int]json.RawMessage, len(values))
	for i := from; i < to; i++ {
		if v, ok := values[ClaimKey(i)]; ok {
			out[i] = v
		}
	}
	return out, nil
}

// Indices lists the indices of every stored checkpoint in ascending order.
func (c *Checkpoints) Indices(ctx context.Context) ([]int, error) {
	keys, err := c.store.Keys(ctx, claimKeyPrefix)
	if err != nil {
		return nil, err
	}
	indices := make([]int, 0, len(keys))
	for _, k := range keys {
		i, err := strconv.Atoi(strings.TrimPrefix(k, claimKeyPrefix))
		if err != nil {
			continue
		}
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices, nil
}

// RemoveFrom deletes every checkpoint at index >= from and returns how many were removed.
func (c *Checkpoints) RemoveFrom(ctx context.Context, from int) (int, error) {
	indices, err := c.Indices(ctx)
	if err != nil {
		return 0, err
	}
	var keys []string
	for _, i := range indices {
		if i >= from {
			keys = append(keys, ClaimKey(i))
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.store.Remove(ctx, keys); err != nil {
		return 0, fmt.Errorf("failed to remove checkpoints: %w", err)
	}
	return len(keys), nil
}

// JobReport describes the persisted job for status displays.
type JobReport struct {
	Job          *domain.ExportJob `json:"job"`
	Stale        bool              `json:"stale"`
	StoredClaims int               `json:"storedClaims"`
}

// JobLedger persists the ExportJob record that makes resume possible.
type JobLedger struct {
	store       repository.KVStore
	checkpoints *Checkpoints
	staleAfter  time.Duration
	now         func() time.Time
}

// NewJobLedger creates a ledger over store.
// Parameters:
//   - store: durable key-value store.
//   - staleAfter: age of the last update after which a running job is reported stale.
//
// Returns:
//   - *JobLedger: initialized ledger.
func NewJobLedger(store repository.KVStore, staleAfter time.Duration) *JobLedger {
	return &JobLedger{
		store:       store,
		checkpoints: NewCheckpoints(store),
		staleAfter:  staleAfter,
		now:         time.Now,
	}
}

// Create persists a fresh job with CompletedCount 0.
func (l *JobLedger) Create(ctx context.Context, ids []domain.ClaimIdentifier, testMode bool) (*domain.ExportJob, error) {
	now := l.now()
	job := &domain.ExportJob{
		ID:          uuid.New().String(),
		Identifiers: ids,
		Total:       len(ids),
		TestMode:    testMode,
		Status:      domain.JobStatusRunning,
		StartedAt:   now,
	}
	if err := l.Save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Load returns the persisted job or domain.ErrNoJob.
func (l *JobLedger) Load(ctx context.Context) (*domain.ExportJob, error) {
	values, err := l.store.Get(ctx, []string{jobKey})
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	data, ok := values[jobKey]
	if !ok {
		return nil, domain.ErrNoJob
	}
	var job domain.ExportJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

// Save stamps UpdatedAt and persists job.
func (l *JobLedger) Save(ctx context.Context, job *domain.ExportJob) error {
	job.UpdatedAt = l.now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := l.store.Set(ctx, map[string][]byte{jobKey: data}); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// Inspect loads the job together with its stale flag and stored checkpoint count.
func (l *JobLedger) Inspect(ctx context.Context) (*JobReport, error) {
	job, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	indices, err := l.checkpoints.Indices(ctx)
	if err != nil {
		return nil, err
	}
	return &JobReport{
		Job:          job,
		Stale:        job.IsStale(l.now(), l.staleAfter),
		StoredClaims: len(indices),
	}, nil
}

// SweepOrphans removes checkpoints at or beyond CompletedCount. Such a record was written
// just before an interruption and its counter update never landed; it is re-fetched.
func (l *JobLedger) SweepOrphans(ctx context.Context, job *domain.ExportJob) (int, error) {
	return l.checkpoints.RemoveFrom(ctx, job.CompletedCount)
}

// Reset removes every checkpoint and the job record.
func (l *JobLedger) Reset(ctx context.Context) error {
	if _, err := l.checkpoints.RemoveFrom(ctx, 0); err != nil {
		return err
	}
	if err := l.store.Remove(ctx, []string{jobKey}); err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	return nil
}

// Exists reports whether a job record is stored.
func (l *JobLedger) Exists(ctx context.Context) (bool, error) {
	_, err := l.Load(ctx)
	if errors.Is(err, domain.ErrNoJob) {
		return false, nil
	}
	return err == nil, err
}
