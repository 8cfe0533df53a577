package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/timmy/claimexport/internal/logger"
	"github.com/timmy/claimexport/internal/storage"
)

// PublishResult describes one uploaded export document.
type PublishResult struct {
	Key     string `json:"key"`
	URL     string `json:"url"`
	Claims  int    `json:"claims"`
	Partial bool   `json:"partial"`
	Size    int64  `json:"size"`
}

// Publisher assembles the current job into a temp file and uploads it to object storage.
type Publisher struct {
	assembler *ExportAssembler
	storage   storage.ObjectStorage
	prefix    string
	now       func() time.Time
}

// NewPublisher creates a publisher writing under prefix.
func NewPublisher(assembler *ExportAssembler, objectStorage storage.ObjectStorage, prefix string) *Publisher {
	return &Publisher{
		assembler: assembler,
		storage:   objectStorage,
		prefix:    prefix,
		now:       time.Now,
	}
}

// ExportKey returns the object key for a document published at t.
func ExportKey(prefix string, t time.Time) string {
	return path.Join(prefix, fmt.Sprintf("claims-export-%s.json", t.UTC().Format("20060102-150405")))
}

// Publish assembles the persisted job and uploads it.
func (p *Publisher) Publish(ctx context.Context) (*PublishResult, error) {
	tmp, err := os.CreateTemp("", "claims-export-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	bw := bufio.NewWriter(tmp)
	stats, err := p.assembler.AssembleCurrent(ctx, bw)
	if err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind temp file: %w", err)
	}

	if err := p.storage.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	key := ExportKey(p.prefix, p.now())
	if err := p.storage.Upload(ctx, key, tmp, stats.Bytes, "application/json"); err != nil {
		return nil, err
	}

	result := &PublishResult{
		Key:     key,
		URL:     p.storage.GetURL(key),
		Claims:  stats.Claims,
		Partial: stats.Partial,
		Size:    stats.Bytes,
	}
	logger.With(logger.Fields{
		"key":             key,
		logger.FieldCount: stats.Claims,
		logger.FieldSize:  stats.Bytes,
	}).Info(ctx, "Export published")
	return result, nil
}
