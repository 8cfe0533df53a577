package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/claimexport/internal/domain"
	"github.com/timmy/claimexport/internal/logger"
	"github.com/timmy/claimexport/internal/source"
)

// ExportService drives a job over its identifier list, one claim at a time.
// A claim's record is durably stored before the ledger counter moves past it,
// so an interrupted run resumes at the first unfinished index.
type ExportService struct {
	ledger        *JobLedger
	checkpoints   *Checkpoints
	fetcher       Fetcher
	observer      ProgressObserver
	logger        *logger.Logger
	paceMin       time.Duration
	paceMax       time.Duration
	testModeLimit int
	sleep         sleepFunc
	now           func() time.Time

	mu      sync.Mutex
	running bool
}

// ExportConfig holds configuration for the export driver.
type ExportConfig struct {
	PaceMin       time.Duration
	PaceMax       time.Duration
	TestModeLimit int
}

// ExportOptions holds options for a new export.
type ExportOptions struct {
	TestMode bool // If true, only the first TestModeLimit identifiers are exported
}

// ExportStats holds statistics for one Start or Resume call.
type ExportStats struct {
	JobID      string
	Total      int
	StartIndex int
	Completed  int
	Failed     int
	Resumed    bool
	Status     domain.JobStatus
	Parse      *source.ParseResult
	StartTime  time.Time
	EndTime    time.Time
}

// NewExportService creates a new export driver.
// Parameters:
//   - ledger: job ledger over the durable store.
//   - fetcher: per-claim collector.
//   - observer: progress sink, may be nil.
//   - log: fallback logger.
//   - cfg: pacing and test-mode settings.
//
// Returns:
//   - *ExportService: initialized driver.
func NewExportService(
	ledger *JobLedger,
	fetcher Fetcher,
	observer ProgressObserver,
	log *logger.Logger,
	cfg *ExportConfig,
) *ExportService {
	limit := cfg.TestModeLimit
	if limit <= 0 {
		limit = 3
	}
	return &ExportService{
		ledger:        ledger,
		checkpoints:   ledger.checkpoints,
		fetcher:       fetcher,
		observer:      observer,
		logger:        log,
		paceMin:       cfg.PaceMin,
		paceMax:       cfg.PaceMax,
		testModeLimit: limit,
		sleep:         sleepContext,
		now:           time.Now,
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *ExportService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// Start parses src, discards any previous job and exports every identifier.
// A parse failure leaves the previous job untouched.
func (s *ExportService) Start(ctx context.Context, src source.Source, opts *ExportOptions) (*ExportStats, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()
	return s.start(ctx, src, opts)
}

func (s *ExportService) start(ctx context.Context, src source.Source, opts *ExportOptions) (*ExportStats, error) {
	if opts == nil {
		opts = &ExportOptions{}
	}
	parsed, err := src.Identifiers(ctx)
	if err != nil {
		return nil, err
	}

	ids := parsed.Identifiers
	if opts.TestMode && len(ids) > s.testModeLimit {
		ids = ids[:s.testModeLimit]
	}

	s.log(ctx).WithFields(logger.Fields{
		"source":     src.Name(),
		"column":     parsed.Column,
		"rows":       parsed.DataRows,
		"malformed":  parsed.Malformed,
		"duplicates": parsed.Duplicates,
		"total":      len(ids),
		"test_mode":  opts.TestMode,
	}).Info("Starting export")

	if err := s.ledger.Reset(ctx); err != nil {
		return nil, err
	}
	job, err := s.ledger.Create(ctx, ids, opts.TestMode)
	if err != nil {
		return nil, err
	}

	stats := &ExportStats{JobID: job.ID, Total: job.Total, Parse: parsed, StartTime: s.now()}
	err = s.run(ctx, job, stats)
	return stats, err
}

// Resume continues the persisted job at CompletedCount. Already stored claims are never re-fetched.
func (s *ExportService) Resume(ctx context.Context) (*ExportStats, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()
	return s.resume(ctx)
}

func (s *ExportService) resume(ctx context.Context) (*ExportStats, error) {
	job, err := s.ledger.Load(ctx)
	if err != nil {
		return nil, err
	}

	stats := &ExportStats{
		JobID:      job.ID,
		Total:      job.Total,
		StartIndex: job.CompletedCount,
		Resumed:    true,
		StartTime:  s.now(),
	}

	if job.IsDone() && job.Status == domain.JobStatusCompleted {
		stats.Completed = job.CompletedCount
		stats.Failed = job.FailedClaims
		stats.Status = job.Status
		stats.EndTime = s.now()
		return stats, nil
	}

	removed, err := s.ledger.SweepOrphans(ctx, job)
	if err != nil {
		return nil, err
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID: job.ID,
		"completed":       job.CompletedCount,
		"total":           job.Total,
		"orphans":         removed,
	}).Info("Resuming export")

	job.Status = domain.JobStatusRunning
	job.LastError = ""
	if err := s.ledger.Save(ctx, job); err != nil {
		return nil, err
	}

	err = s.run(ctx, job, stats)
	return stats, err
}

// Reset discards the persisted job and all its checkpoints.
func (s *ExportService) Reset(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()
	return s.ledger.Reset(ctx)
}

// Status reports the persisted job.
func (s *ExportService) Status(ctx context.Context) (*JobReport, error) {
	return s.ledger.Inspect(ctx)
}

// Running reports whether a Start or Resume is in progress in this process.
func (s *ExportService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Reservation holds the run slot between Reserve and a later Start or Resume,
// so a caller can refuse a second run before handing the work to a goroutine.
type Reservation struct {
	svc  *ExportService
	once sync.Once
}

// Reserve claims the run slot or fails with domain.ErrJobRunning.
// The reservation must be consumed by Start or Resume, or given back with Release.
func (s *ExportService) Reserve() (*Reservation, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	return &Reservation{svc: s}, nil
}

// Start runs ExportService.Start on the reserved slot and releases it.
func (r *Reservation) Start(ctx context.Context, src source.Source, opts *ExportOptions) (*ExportStats, error) {
	defer r.Release()
	return r.svc.start(ctx, src, opts)
}

// Resume runs ExportService.Resume on the reserved slot and releases it.
func (r *Reservation) Resume(ctx context.Context) (*ExportStats, error) {
	defer r.Release()
	return r.svc.resume(ctx)
}

// Release gives the slot back. Only the first call has an effect.
func (r *Reservation) Release() {
	r.once.Do(r.svc.release)
}

func (s *ExportService) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return domain.ErrJobRunning
	}
	s.running = true
	return nil
}

func (s *ExportService) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// run processes job from CompletedCount to Total.
// Per claim: fetch, store the record, then advance and persist the counter.
// Cancellation between fetch and store drops the fetched record so the claim is redone on resume.
func (s *ExportService) run(ctx context.Context, job *domain.ExportJob, stats *ExportStats) error {
	ctx = logger.SetJobID(ctx, job.ID)

	for i := job.CompletedCount; i < job.Total; i++ {
		id := job.Identifiers[i]
		claimCtx := logger.SetClaim(ctx, i, id.Value)

		s.notify(claimCtx, job, Progress{
			Index:      i,
			Identifier: id.Value,
			Message:    fmt.Sprintf("Processing claim %d of %d: %s", i+1, job.Total, id.Value),
		})

		rec := s.fetcher.Fetch(claimCtx, id.Value)
		if err := ctx.Err(); err != nil {
			return s.interrupted(ctx, job, stats, err)
		}

		if err := s.checkpoints.Put(ctx, i, rec); err != nil {
			return s.storeFailed(ctx, job, stats, err)
		}

		job.CompletedCount = i + 1
		if rec.Failed() {
			job.FailedClaims++
			s.log(claimCtx).WithField("error", rec.Error).Warn("Claim exported with error")
		}
		if err := s.ledger.Save(ctx, job); err != nil {
			if ctx.Err() != nil {
				// The ledger still holds i; the record at i is an orphan for Resume to sweep.
				job.CompletedCount = i
				if rec.Failed() {
					job.FailedClaims--
				}
			}
			return s.storeFailed(ctx, job, stats, err)
		}

		if i < job.Total-1 {
			if err := s.sleep(ctx, jitter(s.paceMin, s.paceMax)); err != nil {
				return s.interrupted(ctx, job, stats, err)
			}
		}
	}

	now := s.now()
	job.Status = domain.JobStatusCompleted
	job.CompletedAt = &now
	if err := s.ledger.Save(ctx, job); err != nil {
		if ctx.Err() != nil {
			job.Status = domain.JobStatusRunning
			job.CompletedAt = nil
		}
		return s.storeFailed(ctx, job, stats, err)
	}

	s.finish(job, stats)
	s.notify(ctx, job, Progress{
		Index:   job.Total - 1,
		Done:    true,
		Message: fmt.Sprintf("Export complete: %d claims, %d failed", job.CompletedCount, job.FailedClaims),
	})

	s.log(ctx).WithFields(logger.Fields{
		"total":     job.Total,
		"completed": job.CompletedCount,
		"failed":    job.FailedClaims,
		"duration":  stats.EndTime.Sub(stats.StartTime).String(),
	}).Info("Export completed")
	return nil
}

// fail marks the job failed. The counter is persisted as-is; it never exceeds the stored records.
func (s *ExportService) fail(ctx context.Context, job *domain.ExportJob, stats *ExportStats, cause error) error {
	job.Status = domain.JobStatusFailed
	job.LastError = cause.Error()
	if err := s.ledger.Save(context.WithoutCancel(ctx), job); err != nil {
		s.log(ctx).WithError(err).Error("Failed to record job failure")
	}
	s.finish(job, stats)
	s.log(ctx).WithError(cause).Error("Export failed")
	return cause
}

// storeFailed routes a store error caused by cancellation to interrupted, anything else to fail.
func (s *ExportService) storeFailed(ctx context.Context, job *domain.ExportJob, stats *ExportStats, err error) error {
	if cause := ctx.Err(); cause != nil {
		return s.interrupted(ctx, job, stats, cause)
	}
	return s.fail(ctx, job, stats, err)
}

// interrupted leaves the ledger untouched; the job stays running and turns stale.
func (s *ExportService) interrupted(ctx context.Context, job *domain.ExportJob, stats *ExportStats, cause error) error {
	s.finish(job, stats)
	s.log(ctx).WithFields(logger.Fields{
		"completed": job.CompletedCount,
		"total":     job.Total,
	}).Warn("Export interrupted")
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return fmt.Errorf("export interrupted: %w", cause)
}

func (s *ExportService) finish(job *domain.ExportJob, stats *ExportStats) {
	stats.Completed = job.CompletedCount
	stats.Failed = job.FailedClaims
	stats.Status = job.Status
	stats.EndTime = s.now()
}

func (s *ExportService) notify(ctx context.Context, job *domain.ExportJob, p Progress) {
	if s.observer == nil {
		return
	}
	p.JobID = job.ID
	p.Total = job.Total
	p.Completed = job.CompletedCount
	p.Failed = job.FailedClaims
	p.Time = s.now()
	s.observer.OnProgress(ctx, p)
}
