package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/timmy/claimexport/internal/domain"
	"github.com/timmy/claimexport/internal/logger"
)

const (
	documentPreamble = `{"claimWizardData":{"claims":[`
	defaultBatchSize = 100
)

// AssemblerConfig holds configuration for the export assembler.
type AssemblerConfig struct {
	BatchSize    int
	Version      string
	Source       string
	ExportMethod string
}

// AssembleStats summarizes one assembled document.
type AssembleStats struct {
	Claims        int
	Batches       int
	Bytes         int64
	Partial       bool
	OriginalTotal int
}

// exportInfo is the trailing metadata block. Field order is the wire order.
type exportInfo struct {
	Date          string `json:"date"`
	Version       string `json:"version"`
	Source        string `json:"source"`
	TotalClaims   int    `json:"totalClaims"`
	Partial       bool   `json:"partial,omitempty"`
	OriginalTotal int    `json:"originalTotal,omitempty"`
	Note          string `json:"note,omitempty"`
}

// ExportAssembler streams stored checkpoints into the final export document.
// Only one batch of decoded records is held in memory at a time.
type ExportAssembler struct {
	ledger       *JobLedger
	checkpoints  *Checkpoints
	batchSize    int
	version      string
	source       string
	exportMethod string
	now          func() time.Time
}

// NewExportAssembler creates a new assembler.
func NewExportAssembler(ledger *JobLedger, cfg *AssemblerConfig) *ExportAssembler {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &ExportAssembler{
		ledger:       ledger,
		checkpoints:  ledger.checkpoints,
		batchSize:    batch,
		version:      cfg.Version,
		source:       cfg.Source,
		exportMethod: cfg.ExportMethod,
		now:          time.Now,
	}
}

// AssembleCurrent writes the document for the persisted job.
// The document is marked partial when the job has not checkpointed every identifier.
func (a *ExportAssembler) AssembleCurrent(ctx context.Context, w io.Writer) (*AssembleStats, error) {
	job, err := a.ledger.Load(ctx)
	if err != nil {
		return nil, err
	}
	return a.assemble(ctx, w, job.CompletedCount, job.CompletedCount < job.Total, job.Total)
}

// Assemble writes the document covering records [0, completedCount).
// Parameters:
//   - ctx: context for cancellation between batches.
//   - w: destination; bytes are written in batch-sized chunks.
//   - completedCount: number of leading records to include.
//   - isPartial: whether to mark the document partial, with originalTotal read from the ledger.
//
// Returns:
//   - *AssembleStats: counts for the written document.
//   - error: domain.ErrCheckpointMissing if a record below completedCount is absent.
func (a *ExportAssembler) Assemble(ctx context.Context, w io.Writer, completedCount int, isPartial bool) (*AssembleStats, error) {
	originalTotal := completedCount
	if isPartial {
		job, err := a.ledger.Load(ctx)
		if err != nil {
			return nil, err
		}
		originalTotal = job.Total
	}
	return a.assemble(ctx, w, completedCount, isPartial, originalTotal)
}

func (a *ExportAssembler) assemble(ctx context.Context, w io.Writer, count int, isPartial bool, originalTotal int) (*AssembleStats, error) {
	start := a.now()
	cw := &countingWriter{w: w}
	stats := &AssembleStats{Claims: count, Partial: isPartial}
	if isPartial {
		stats.OriginalTotal = originalTotal
	}

	if _, err := io.WriteString(cw, documentPreamble); err != nil {
		return nil, err
	}

	for from := 0; from < count; from += a.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		to := min(from+a.batchSize, count)
		if err := a.writeBatch(ctx, cw, from, to); err != nil {
			return nil, err
		}
		stats.Batches++
		runtime.Gosched()
	}

	trailer, err := a.trailer(start, count, isPartial, originalTotal)
	if err != nil {
		return nil, err
	}
	if _, err := cw.Write(trailer); err != nil {
		return nil, err
	}
	stats.Bytes = cw.n

	logger.With(logger.Fields{
		logger.FieldCount: count,
		logger.FieldSize:  cw.n,
		"partial":         isPartial,
		"batches":         stats.Batches,
	}).WithDuration(time.Since(start).Milliseconds()).Info(ctx, "Export document assembled")
	return stats, nil
}

// writeBatch loads records [from, to), re-encodes them and writes them as one chunk.
func (a *ExportAssembler) writeBatch(ctx context.Context, w io.Writer, from, to int) error {
	raw, err := a.checkpoints.LoadRange(ctx, from, to)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for i := from; i < to; i++ {
		data, ok := raw[i]
		if !ok {
			return fmt.Errorf("%w: index %d", domain.ErrCheckpointMissing, i)
		}
		var rec domain.ClaimRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to decode claim %d: %w", i, err)
		}
		enc, err := marshalNoEscape(&rec)
		if err != nil {
			return fmt.Errorf("failed to encode claim %d: %w", i, err)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(enc)
	}

	_, err = w.Write(buf.Bytes())
	return err
}

func (a *ExportAssembler) trailer(at time.Time, count int, isPartial bool, originalTotal int) ([]byte, error) {
	date := at.UTC().Format(time.RFC3339)
	info := exportInfo{
		Date:        date,
		Version:     a.version,
		Source:      a.source,
		TotalClaims: count,
	}
	if isPartial {
		info.Partial = true
		info.OriginalTotal = originalTotal
		info.Note = fmt.Sprintf("Partial export: %d of %d claims", count, originalTotal)
	}

	dateJSON, err := marshalNoEscape(date)
	if err != nil {
		return nil, err
	}
	methodJSON, err := marshalNoEscape(a.exportMethod)
	if err != nil {
		return nil, err
	}
	infoJSON, err := marshalNoEscape(info)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`],"exportDate":`)
	buf.Write(dateJSON)
	buf.WriteString(`,"exportMethod":`)
	buf.Write(methodJSON)
	buf.WriteString(`},"exportInfo":`)
	buf.Write(infoJSON)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalNoEscape encodes v without HTML escaping, so text fields keep their original bytes.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
