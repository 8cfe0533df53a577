package domain

import "errors"

// CSV phase errors abort the whole job.
var (
	ErrEmptyOrInvalidInput     = errors.New("csv has no data rows")
	ErrMissingIdentifierColumn = errors.New("no file number or claim number column found")
)

// Per-claim errors are recorded on the claim's record and never abort the job.
var (
	ErrClaimNotFound     = errors.New("claim not found")
	ErrSearchFailed      = errors.New("claim search failed")
	ErrDetailFetchFailed = errors.New("claim detail fetch failed")
)

// Job lifecycle errors.
var (
	ErrNoJob             = errors.New("no export job to resume")
	ErrJobRunning        = errors.New("an export job is already running")
	ErrCheckpointMissing = errors.New("checkpointed claim record missing from store")
)
