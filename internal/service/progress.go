package service

import (
	"context"
	"sync"
	"time"

	"github.com/timmy/claimexport/internal/logger"
)

// Progress is one notification emitted by the export driver.
type Progress struct {
	JobID      string    `json:"jobId"`
	Index      int       `json:"index"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Identifier string    `json:"identifier,omitempty"`
	Message    string    `json:"message"`
	Done       bool      `json:"done"`
	Time       time.Time `json:"time"`
}

// ProgressObserver receives progress notifications. Implementations must not block.
type ProgressObserver interface {
	OnProgress(ctx context.Context, p Progress)
}

// ObserverFunc adapts a function to ProgressObserver.
type ObserverFunc func(ctx context.Context, p Progress)

// OnProgress calls f.
func (f ObserverFunc) OnProgress(ctx context.Context, p Progress) {
	f(ctx, p)
}

// LogObserver writes every notification to the context logger.
type LogObserver struct{}

// OnProgress logs p.
func (LogObserver) OnProgress(ctx context.Context, p Progress) {
	logger.With(logger.Fields{
		logger.FieldClaimIndex: p.Index,
		"completed":            p.Completed,
		"total":                p.Total,
		"failed":               p.Failed,
	}).Info(ctx, "%s", p.Message)
}

// ChannelObserver forwards notifications to a buffered channel, dropping them when it is full.
type ChannelObserver struct {
	ch chan Progress
}

// NewChannelObserver creates an observer with the given buffer size.
func NewChannelObserver(buffer int) *ChannelObserver {
	return &ChannelObserver{ch: make(chan Progress, buffer)}
}

// C returns the receive side of the channel.
func (o *ChannelObserver) C() <-chan Progress {
	return o.ch
}

// OnProgress enqueues p without blocking.
func (o *ChannelObserver) OnProgress(_ context.Context, p Progress) {
	select {
	case o.ch <- p:
	default:
	}
}

// LatestObserver keeps the most recent notification for polling clients.
type LatestObserver struct {
	mu   sync.RWMutex
	last *Progress
}

// OnProgress records p.
func (o *LatestObserver) OnProgress(_ context.Context, p Progress) {
	o.mu.Lock()
	o.last = &p
	o.mu.Unlock()
}

// Latest returns the last recorded notification, if any.
func (o *LatestObserver) Latest() (Progress, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return Progress{}, false
	}
	return *o.last, true
}

// Observers fans one notification out to several observers.
type Observers []ProgressObserver

// OnProgress notifies each observer in order.
func (obs Observers) OnProgress(ctx context.Context, p Progress) {
	for _, o := range obs {
		if o != nil {
			o.OnProgress(ctx, p)
		}
	}
}
