package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/timmy/claimexport/internal/domain"
	"github.com/timmy/claimexport/internal/logger"
	"golang.org/x/sync/errgroup"
)

// Fetcher collects one claim. It never fails: errors are folded into the returned record.
type Fetcher interface {
	Fetch(ctx context.Context, identifier string) *domain.ClaimRecord
}

// FetcherConfig holds configuration for the claim fetcher.
type FetcherConfig struct {
	FolderPace        time.Duration
	MaxFolderDepth    int
	ReservedFolderKey string
}

// ClaimFetcher runs the three-phase collection protocol for a single claim:
// resolve the identifier, load the claim document, then fan out to the section endpoints.
type ClaimFetcher struct {
	api               ClaimAPI
	folderPace        time.Duration
	maxFolderDepth    int
	reservedFolderKey string
	sleep             sleepFunc
}

// claimRef is the id/UUID pair found by search. Some endpoints key by id, others by UUID.
type claimRef struct {
	id   string
	uuid string
}

// activityQuery zeroes the activity feed filters so every entry type is returned.
var activityQuery = url.Values{
	"sc_notes":  {"0"},
	"sc_files":  {"0"},
	"sc_emails": {"0"},
	"sc_tasks":  {"0"},
	"sc_system": {"0"},
}

// NewClaimFetcher creates a new claim fetcher.
// Parameters:
//   - api: platform client.
//   - cfg: file-tree walk settings.
//
// Returns:
//   - *ClaimFetcher: initialized fetcher.
func NewClaimFetcher(api ClaimAPI, cfg *FetcherConfig) *ClaimFetcher {
	depth := cfg.MaxFolderDepth
	if depth <= 0 {
		depth = 5
	}
	return &ClaimFetcher{
		api:               api,
		folderPace:        cfg.FolderPace,
		maxFolderDepth:    depth,
		reservedFolderKey: cfg.ReservedFolderKey,
		sleep:             sleepContext,
	}
}

// Fetch collects the claim for identifier.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - identifier: raw claim/file number from the CSV.
//
// Returns:
//   - *domain.ClaimRecord: aggregated record, or an error-tagged placeholder.
func (f *ClaimFetcher) Fetch(ctx context.Context, identifier string) *domain.ClaimRecord {
	start := time.Now()

	rec, err := f.fetch(ctx, identifier)
	if err != nil {
		logger.With(logger.Fields{
			logger.FieldDurationMs: time.Since(start).Milliseconds(),
			logger.FieldStatus:     "failed",
		}).Warn(ctx, "Claim collection failed: identifier=%s, error=%v", identifier, err)
		return domain.NewFailedRecord(identifier, err)
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldStatus:     "ok",
		logger.FieldCount:      len(rec.Files),
	}).Debug(ctx, "Claim collected: identifier=%s, uuid=%s", identifier, rec.ClaimUUID)
	return rec
}

func (f *ClaimFetcher) fetch(ctx context.Context, identifier string) (*domain.ClaimRecord, error) {
	// Phase 1: resolve identifier to the id/UUID pair
	hit, ref, err := f.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}

	rec := &domain.ClaimRecord{
		FileNumber:   identifier,
		ClaimID:      hit.id,
		ClaimUUID:    ref.uuid,
		ClaimDetails: hit.raw,
	}

	// Phase 2: full claim document
	raw, err := f.api.Get(ctx, "/api/claim/"+url.PathEscape(ref.uuid), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDetailFetchFailed, err)
	}
	claim, ok := decodeObject(raw)
	if !ok {
		return nil, fmt.Errorf("%w: claim document is not an object", domain.ErrDetailFetchFailed)
	}
	rec.FullClaimData = raw
	rec.Contacts = extractContacts(claim)
	if v := claim["personnel"]; present(v) {
		rec.Personnel = v
	}
	if v := claim["phases"]; present(v) {
		rec.Phases = v
	}

	// Phase 3: independent sections
	f.fanOut(ctx, ref, rec)

	return rec, nil
}

// searchHit is the first search result, kept verbatim for the record.
type searchHit struct {
	raw json.RawMessage
	id  json.RawMessage
}

func (f *ClaimFetcher) resolve(ctx context.Context, identifier string) (searchHit, claimRef, error) {
	raw, err := f.api.Search(ctx, identifier)
	if err != nil {
		return searchHit{}, claimRef{}, fmt.Errorf("%w: %v", domain.ErrSearchFailed, err)
	}
	hits, ok := decodeList(raw)
	if !ok {
		return searchHit{}, claimRef{}, fmt.Errorf("%w: unexpected search payload", domain.ErrSearchFailed)
	}
	if len(hits) == 0 {
		return searchHit{}, claimRef{}, fmt.Errorf("%w: %s", domain.ErrClaimNotFound, identifier)
	}

	first, ok := decodeObject(hits[0])
	if !ok {
		return searchHit{}, claimRef{}, fmt.Errorf("%w: search result is not an object", domain.ErrSearchFailed)
	}
	ref := claimRef{
		id:   idText(first["id"]),
		uuid: first.text("uuid"),
	}
	if ref.id == "" || ref.uuid == "" {
		return searchHit{}, claimRef{}, fmt.Errorf("%w: search result missing id or uuid", domain.ErrSearchFailed)
	}
	return searchHit{raw: hits[0], id: first["id"]}, ref, nil
}

// fanOut issues the eight section requests concurrently and merges whichever succeed.
// A failed or malformed section is left out without affecting the others.
func (f *ClaimFetcher) fanOut(ctx context.Context, ref claimRef, rec *domain.ClaimRecord) {
	id := url.PathEscape(ref.id)
	uuid := url.PathEscape(ref.uuid)

	var g errgroup.Group
	var insurance, ledger json.RawMessage
	var mortgages, external, actions, notes, activity json.RawMessage
	var files []domain.FileEntry

	g.Go(func() error {
		insurance = f.section(ctx, "insurance", "/api/claim/"+id+"/insurance", nil, decodeObjectRaw)
		return nil
	})
	g.Go(func() error {
		mortgages = f.section(ctx, "mortgages", "/api/claim/"+id+"/mortgages/", nil, listPayload)
		return nil
	})
	g.Go(func() error {
		external = f.section(ctx, "externalPersonnel", "/api/claim/"+id+"/personnel/external/1", url.Values{"ip": {"1"}}, listPayload)
		return nil
	})
	g.Go(func() error {
		actions = f.section(ctx, "actionItems", "/api/actions/1/"+uuid, nil, listPayload)
		return nil
	})
	g.Go(func() error {
		ledger = f.section(ctx, "ledger", "/api/claim/"+id+"/ledger", nil, decodeObjectRaw)
		return nil
	})
	g.Go(func() error {
		list, err := f.listFiles(ctx, ref)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Debug("Section unavailable: files")
			return nil
		}
		files = list
		return nil
	})
	g.Go(func() error {
		notes = f.section(ctx, "notes", "/api/claim/"+id+"/notes", nil, listPayload)
		return nil
	})
	g.Go(func() error {
		activity = f.section(ctx, "activity", "/api/claim/"+uuid+"/activity", activityQuery, listPayload)
		return nil
	})

	// Every branch returns nil; Wait is only the join point
	_ = g.Wait()

	rec.Insurance = insurance
	rec.Mortgages = mortgages
	rec.ExternalPersonnel = external
	rec.ActionItems = actions
	rec.Ledger = ledger
	rec.Files = files
	rec.Notes = notes
	rec.Activity = activity

	if obj, ok := decodeObject(ledger); ok {
		if v, ok := obj["notes"]; ok && jsonKind(v) == '[' {
			rec.LedgerNotes = v
		}
		if v, ok := obj["invoices"]; ok && jsonKind(v) == '[' {
			rec.LedgerInvoices = v
		}
	}
}

// section fetches one optional section and returns it only if shape accepts it.
func (f *ClaimFetcher) section(ctx context.Context, name, path string, query url.Values, shape func(json.RawMessage) (json.RawMessage, bool)) json.RawMessage {
	raw, err := f.api.Get(ctx, path, query)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Debugf("Section unavailable: %s", name)
		return nil
	}
	v, ok := shape(raw)
	if !ok {
		logger.CtxDebug(ctx, "Section has unexpected shape, omitted: %s", name)
		return nil
	}
	return v
}

func decodeObjectRaw(raw json.RawMessage) (json.RawMessage, bool) {
	if _, ok := decodeObject(raw); !ok {
		return nil, false
	}
	return raw, true
}

// Ensure interface compliance
var _ Fetcher = (*ClaimFetcher)(nil)
