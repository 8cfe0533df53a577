package service

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/timmy/claimexport/internal/domain"
	"github.com/timmy/claimexport/internal/repository"
	"github.com/timmy/claimexport/internal/source"
)

const threeClaimCSV = "File Number,Insured\nCW-1,Ann\nCW-2,Ben\nCW-3,Cat\nCW-1,Ann again\n"

// recordingFetcher remembers every identifier it was asked for.
type recordingFetcher struct {
	inner Fetcher
	mu    sync.Mutex
	ids   []string
}

func (r *recordingFetcher) Fetch(ctx context.Context, identifier string) *domain.ClaimRecord {
	r.mu.Lock()
	r.ids = append(r.ids, identifier)
	r.mu.Unlock()
	return r.inner.Fetch(ctx, identifier)
}

func (r *recordingFetcher) fetched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// flakyStore fails writes to the job record while failJob is set.
type flakyStore struct {
	repository.KVStore
	mu      sync.Mutex
	failJob bool
}

func (s *flakyStore) setFailJob(v bool) {
	s.mu.Lock()
	s.failJob = v
	s.mu.Unlock()
}

func (s *flakyStore) Set(ctx context.Context, entries map[string][]byte) error {
	s.mu.Lock()
	fail := s.failJob
	s.mu.Unlock()
	if _, ok := entries[jobKey]; ok && fail {
		return errors.New("quota exceeded")
	}
	return s.KVStore.Set(ctx, entries)
}

// cancellingStore cancels the run and rejects the write on the nth Set touching key.
type cancellingStore struct {
	repository.KVStore
	key    string
	nth    int
	cancel context.CancelFunc
	mu     sync.Mutex
	seen   int
}

func (s *cancellingStore) Set(ctx context.Context, entries map[string][]byte) error {
	if _, ok := entries[s.key]; ok {
		s.mu.Lock()
		s.seen++
		hit := s.seen == s.nth
		s.mu.Unlock()
		if hit {
			s.cancel()
			return context.Canceled
		}
	}
	return s.KVStore.Set(ctx, entries)
}

type exportFixture struct {
	api     *fakeAPI
	store   repository.KVStore
	ledger  *JobLedger
	fetcher *recordingFetcher
	svc     *ExportService
	pauses  []time.Duration
}

func newExportFixture(t *testing.T, store repository.KVStore, observer ProgressObserver) *exportFixture {
	t.Helper()
	api := newFakeAPI()
	api.addClaim("CW-1", "1", "u-1")
	api.addClaim("CW-3", "3", "u-3")
	api.addClaim("CW-4", "4", "u-4")
	api.addClaim("CW-5", "5", "u-5")

	claimFetcher, _ := newTestFetcher(api)
	fx := &exportFixture{
		api:     api,
		store:   store,
		ledger:  NewJobLedger(store, 2*time.Minute),
		fetcher: &recordingFetcher{inner: claimFetcher},
	}
	fx.svc = NewExportService(fx.ledger, fx.fetcher, observer, nil, &ExportConfig{
		PaceMin:       1500 * time.Millisecond,
		PaceMax:       3500 * time.Millisecond,
		TestModeLimit: 3,
	})
	fx.svc.sleep = func(ctx context.Context, d time.Duration) error {
		fx.pauses = append(fx.pauses, d)
		return ctx.Err()
	}
	return fx
}

func (fx *exportFixture) storedIndices(t *testing.T) []int {
	t.Helper()
	indices, err := NewCheckpoints(fx.store).Indices(context.Background())
	if err != nil {
		t.Fatalf("Indices: %v", err)
	}
	return indices
}

func TestExportEndToEnd(t *testing.T) {
	ctx := context.Background()
	fx := newExportFixture(t, repository.NewMemoryKVStore(), nil)

	stats, err := fx.svc.Start(ctx, source.NewText("upload.csv", threeClaimCSV), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if stats.Total != 3 || stats.Completed != 3 || stats.Failed != 1 || stats.Status != domain.JobStatusCompleted {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Parse.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", stats.Parse.Duplicates)
	}

	if got, want := fx.fetcher.fetched(), []string{"CW-1", "CW-2", "CW-3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("fetched = %v, want %v", got, want)
	}
	if len(fx.pauses) != 2 {
		t.Errorf("pauses = %d, want 2 (none after the last claim)", len(fx.pauses))
	}
	for _, d := range fx.pauses {
		if d < 1500*time.Millisecond || d > 3500*time.Millisecond {
			t.Errorf("pause %v outside the pacing window", d)
		}
	}

	job, err := fx.ledger.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if job.CompletedCount != 3 || job.FailedClaims != 1 || job.Status != domain.JobStatusCompleted || job.CompletedAt == nil {
		t.Errorf("job = %+v", job)
	}
	if got := fx.storedIndices(t); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Errorf("stored indices = %v", got)
	}

	records, err := NewCheckpoints(fx.store).LoadRange(ctx, 0, 3)
	if err != nil {
		t.Fatalf("LoadRange: %v", err)
	}
	var second domain.ClaimRecord
	if err := json.Unmarshal(records[1], &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.FileNumber != "CW-2" || !second.Failed() {
		t.Errorf("record 1 = %+v, want CW-2 error placeholder", second)
	}
}

func TestExportResumeNeverRefetchesCompleted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel as claim index 2 starts; its fetched record must be dropped
	observer := ObserverFunc(func(_ context.Context, p Progress) {
		if p.Index == 2 && !p.Done {
			cancel()
		}
	})
	store := repository.NewMemoryKVStore()
	fx := newExportFixture(t, store, observer)

	csv := "Claim Number\nCW-1\nCW-3\nCW-4\nCW-5\n"
	_, err := fx.svc.Start(ctx, source.NewText("upload.csv", csv), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Start error = %v, want context.Canceled", err)
	}

	job, err := fx.ledger.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if job.CompletedCount != 2 || job.Status != domain.JobStatusRunning {
		t.Fatalf("interrupted job = %+v", job)
	}
	if got := fx.storedIndices(t); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Fatalf("stored indices = %v, want [0 1]", got)
	}

	resumed := newExportFixture(t, store, nil)
	stats, err := resumed.svc.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !stats.Resumed || stats.StartIndex != 2 || stats.Completed != 4 {
		t.Errorf("resume stats = %+v", stats)
	}
	if got, want := resumed.fetcher.fetched(), []string{"CW-4", "CW-5"}; !reflect.DeepEqual(got, want) {
		t.Errorf("resume fetched %v, want %v", got, want)
	}
	if got := resumed.storedIndices(t); !reflect.DeepEqual(got, []int{0, 1, 2, 3}) {
		t.Errorf("stored indices = %v", got)
	}
}

func TestExportLedgerWriteFailureThenResume(t *testing.T) {
	store := &flakyStore{KVStore: repository.NewMemoryKVStore()}
	observer := ObserverFunc(func(_ context.Context, p Progress) {
		if p.Index == 1 && !p.Done {
			store.setFailJob(true)
		}
	})
	fx := newExportFixture(t, store, observer)

	_, err := fx.svc.Start(context.Background(), source.NewText("upload.csv", "File #\nCW-1\nCW-3\nCW-4\n"), nil)
	if err == nil {
		t.Fatal("expected ledger write failure")
	}

	job, err := fx.ledger.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if job.CompletedCount != 1 {
		t.Fatalf("persisted CompletedCount = %d, want 1", job.CompletedCount)
	}
	// The record for index 1 landed but the counter did not: every index below
	// CompletedCount is present, the extra one is an orphan
	if got := fx.storedIndices(t); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Fatalf("stored indices = %v, want [0 1]", got)
	}

	store.setFailJob(false)
	resumed := newExportFixture(t, store, nil)
	stats, err := resumed.svc.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got, want := resumed.fetcher.fetched(), []string{"CW-3", "CW-4"}; !reflect.DeepEqual(got, want) {
		t.Errorf("resume fetched %v, want %v", got, want)
	}
	if stats.Completed != 3 || stats.Status != domain.JobStatusCompleted {
		t.Errorf("stats = %+v", stats)
	}
}

func TestExportCancelledDuringStoreWriteStaysRunning(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		nth         int
		wantIndices []int
	}{
		// Create is the first job write, the save after claim 0 the second
		{name: "claim record write", key: ClaimKey(1), nth: 1, wantIndices: []int{0}},
		{name: "ledger save", key: jobKey, nth: 3, wantIndices: []int{0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			store := &cancellingStore{KVStore: repository.NewMemoryKVStore(), key: tt.key, nth: tt.nth, cancel: cancel}
			fx := newExportFixture(t, store, nil)

			stats, err := fx.svc.Start(ctx, source.NewText("upload.csv", "File #\nCW-1\nCW-3\nCW-4\n"), nil)
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("Start error = %v, want context.Canceled", err)
			}
			if stats.Completed != 1 {
				t.Errorf("stats.Completed = %d, want 1", stats.Completed)
			}

			job, err := fx.ledger.Load(context.Background())
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if job.Status != domain.JobStatusRunning || job.LastError != "" {
				t.Errorf("job status = %s (%q), want running with no error", job.Status, job.LastError)
			}
			if job.CompletedCount != 1 {
				t.Errorf("CompletedCount = %d, want 1", job.CompletedCount)
			}
			if got := fx.storedIndices(t); !reflect.DeepEqual(got, tt.wantIndices) {
				t.Errorf("stored indices = %v, want %v", got, tt.wantIndices)
			}

			resumed := newExportFixture(t, store, nil)
			stats, err = resumed.svc.Resume(context.Background())
			if err != nil {
				t.Fatalf("Resume: %v", err)
			}
			if got, want := resumed.fetcher.fetched(), []string{"CW-3", "CW-4"}; !reflect.DeepEqual(got, want) {
				t.Errorf("resume fetched %v, want %v", got, want)
			}
			if stats.Completed != 3 || stats.Status != domain.JobStatusCompleted {
				t.Errorf("stats = %+v", stats)
			}
		})
	}
}

func TestExportResumeAfterFailedStatus(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryKVStore()
	ledger := NewJobLedger(store, time.Minute)
	job, err := ledger.Create(ctx, []domain.ClaimIdentifier{{Value: "CW-1", Row: 2}, {Value: "CW-3", Row: 3}}, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	job.Status = domain.JobStatusFailed
	job.LastError = "quota exceeded"
	if err := ledger.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fx := newExportFixture(t, store, nil)
	stats, err := fx.svc.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if stats.Completed != 2 || stats.Status != domain.JobStatusCompleted {
		t.Errorf("stats = %+v", stats)
	}
	got, _ := fx.ledger.Load(ctx)
	if got.LastError != "" {
		t.Errorf("LastError = %q, want cleared", got.LastError)
	}
}

func TestExportResumeEdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("no job", func(t *testing.T) {
		fx := newExportFixture(t, repository.NewMemoryKVStore(), nil)
		if _, err := fx.svc.Resume(ctx); !errors.Is(err, domain.ErrNoJob) {
			t.Errorf("Resume error = %v, want ErrNoJob", err)
		}
	})

	t.Run("completed job", func(t *testing.T) {
		store := repository.NewMemoryKVStore()
		fx := newExportFixture(t, store, nil)
		if _, err := fx.svc.Start(ctx, source.NewText("a.csv", "File Number\nCW-1\n"), nil); err != nil {
			t.Fatalf("Start: %v", err)
		}
		again := newExportFixture(t, store, nil)
		stats, err := again.svc.Resume(ctx)
		if err != nil {
			t.Fatalf("Resume: %v", err)
		}
		if len(again.fetcher.fetched()) != 0 || stats.Completed != 1 {
			t.Errorf("completed job was re-run: stats=%+v fetched=%v", stats, again.fetcher.fetched())
		}
	})

	t.Run("already running", func(t *testing.T) {
		fx := newExportFixture(t, repository.NewMemoryKVStore(), nil)
		fx.svc.running = true
		if _, err := fx.svc.Resume(ctx); !errors.Is(err, domain.ErrJobRunning) {
			t.Errorf("Resume error = %v, want ErrJobRunning", err)
		}
		if _, err := fx.svc.Start(ctx, source.NewText("a.csv", "File Number\nCW-1\n"), nil); !errors.Is(err, domain.ErrJobRunning) {
			t.Errorf("Start error = %v, want ErrJobRunning", err)
		}
	})
}

func TestExportStartParseFailureKeepsPreviousJob(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryKVStore()
	fx := newExportFixture(t, store, nil)
	if _, err := fx.svc.Start(ctx, source.NewText("a.csv", "File Number\nCW-1\n"), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := fx.svc.Start(ctx, source.NewText("b.csv", "Name,Amount\nAnn,5\n"), nil)
	if !errors.Is(err, domain.ErrMissingIdentifierColumn) {
		t.Fatalf("Start error = %v, want ErrMissingIdentifierColumn", err)
	}
	job, err := fx.ledger.Load(ctx)
	if err != nil || job.Total != 1 {
		t.Errorf("previous job lost: job=%+v err=%v", job, err)
	}
}

func TestExportTestModeLimit(t *testing.T) {
	fx := newExportFixture(t, repository.NewMemoryKVStore(), nil)
	csv := "File Number\nCW-1\nCW-3\nCW-4\nCW-5\nCW-6\n"
	stats, err := fx.svc.Start(context.Background(), source.NewText("a.csv", csv), &ExportOptions{TestMode: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	job, _ := fx.ledger.Load(context.Background())
	if !job.TestMode || len(job.Identifiers) != 3 {
		t.Errorf("job = %+v", job)
	}
}

func TestExportStartReplacesPreviousJob(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryKVStore()
	fx := newExportFixture(t, store, nil)
	if _, err := fx.svc.Start(ctx, source.NewText("a.csv", "File Number\nCW-1\nCW-3\nCW-4\n"), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first, _ := fx.ledger.Load(ctx)

	if _, err := fx.svc.Start(ctx, source.NewText("b.csv", "File Number\nCW-5\n"), nil); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	second, _ := fx.ledger.Load(ctx)
	if second.ID == first.ID || second.Total != 1 {
		t.Errorf("second job = %+v", second)
	}
	if got := fx.storedIndices(t); !reflect.DeepEqual(got, []int{0}) {
		t.Errorf("stored indices = %v, want only the new job's record", got)
	}
}

func TestExportProgressNotifications(t *testing.T) {
	obs := NewChannelObserver(16)
	latest := &LatestObserver{}
	fx := newExportFixture(t, repository.NewMemoryKVStore(), Observers{obs, latest, LogObserver{}})

	if _, err := fx.svc.Start(context.Background(), source.NewText("a.csv", "File Number\nCW-1\nCW-3\n"), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var msgs []string
	for len(obs.C()) > 0 {
		msgs = append(msgs, (<-obs.C()).Message)
	}
	want := []string{
		"Processing claim 1 of 2: CW-1",
		"Processing claim 2 of 2: CW-3",
		"Export complete: 2 claims, 0 failed",
	}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("messages = %q, want %q", msgs, want)
	}
	if p, ok := latest.Latest(); !ok || !p.Done || p.Completed != 2 {
		t.Errorf("latest = %+v, %v", p, ok)
	}
}

func TestChannelObserverDropsWhenFull(t *testing.T) {
	obs := NewChannelObserver(1)
	obs.OnProgress(context.Background(), Progress{Message: "a"})
	obs.OnProgress(context.Background(), Progress{Message: "b"})
	if got := (<-obs.C()).Message; got != "a" {
		t.Errorf("first = %q, want a", got)
	}
	if len(obs.C()) != 0 {
		t.Error("second notification should have been dropped")
	}
}

func TestExportReservationHoldsRunSlot(t *testing.T) {
	ctx := context.Background()
	fx := newExportFixture(t, repository.NewMemoryKVStore(), nil)

	slot, err := fx.svc.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !fx.svc.Running() {
		t.Error("Running = false while reserved")
	}
	if _, err := fx.svc.Reserve(); !errors.Is(err, domain.ErrJobRunning) {
		t.Errorf("second Reserve error = %v, want ErrJobRunning", err)
	}
	if _, err := fx.svc.Start(ctx, source.NewText("upload.csv", threeClaimCSV), nil); !errors.Is(err, domain.ErrJobRunning) {
		t.Errorf("Start while reserved error = %v, want ErrJobRunning", err)
	}

	stats, err := slot.Start(ctx, source.NewText("upload.csv", threeClaimCSV), nil)
	if err != nil {
		t.Fatalf("reserved Start: %v", err)
	}
	if stats.Completed != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if fx.svc.Running() {
		t.Error("slot not released after Start")
	}

	// A second Release must not free a slot taken by someone else
	other, err := fx.svc.Reserve()
	if err != nil {
		t.Fatalf("Reserve after run: %v", err)
	}
	slot.Release()
	if !fx.svc.Running() {
		t.Error("stale Release freed another reservation")
	}
	other.Release()
	if fx.svc.Running() {
		t.Error("Release did not free the slot")
	}
}
