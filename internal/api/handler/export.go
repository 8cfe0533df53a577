package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/timmy/claimexport/internal/domain"
	"github.com/timmy/claimexport/internal/logger"
	"github.com/timmy/claimexport/internal/service"
	"github.com/timmy/claimexport/internal/source"
)

// maxUploadBytes caps the CSV request body.
const maxUploadBytes = 32 << 20

// ExportHandler exposes the export pipeline over HTTP.
// Start and Resume return immediately; the job runs in the background and is observed through Status.
type ExportHandler struct {
	exports   *service.ExportService
	assembler *service.ExportAssembler
	publisher *service.Publisher
	progress  *service.LatestObserver
	logger    *logger.Logger

	// Background run state
	mu            sync.RWMutex
	wg            sync.WaitGroup
	lastRunTime   time.Time
	lastRunStatus string
}

// NewExportHandler creates a new export handler.
// Parameters:
//   - exports: export driver.
//   - assembler: document assembler for downloads.
//   - publisher: uploader for published documents, may be nil.
//   - progress: latest progress notification, may be nil.
//   - log: logger instance.
//
// Returns:
//   - *ExportHandler: initialized handler.
func NewExportHandler(
	exports *service.ExportService,
	assembler *service.ExportAssembler,
	publisher *service.Publisher,
	progress *service.LatestObserver,
	log *logger.Logger,
) *ExportHandler {
	return &ExportHandler{
		exports:   exports,
		assembler: assembler,
		publisher: publisher,
		progress:  progress,
		logger:    log,
	}
}

// StartResponse acknowledges a started or resumed job.
type StartResponse struct {
	Message    string `json:"message"`
	Total      int    `json:"total,omitempty"`
	Column     string `json:"column,omitempty"`
	DataRows   int    `json:"dataRows,omitempty"`
	Malformed  int    `json:"malformed,omitempty"`
	Duplicates int    `json:"duplicates,omitempty"`
	TestMode   bool   `json:"testMode,omitempty"`
}

// StatusResponse reports the persisted job and the in-process run state.
type StatusResponse struct {
	Running       bool               `json:"running"`
	Report        *service.JobReport `json:"report,omitempty"`
	Progress      *service.Progress  `json:"progress,omitempty"`
	LastRunTime   string             `json:"lastRunTime,omitempty"`
	LastRunStatus string             `json:"lastRunStatus,omitempty"`
}

// Start handles POST /api/v1/exports. The CSV is the raw body or a multipart "file" field.
func (h *ExportHandler) Start(c *gin.Context) {
	ctx := c.Request.Context()

	text, name, err := readCSV(c)
	if err != nil {
		logger.CtxWarn(ctx, "Invalid export upload: client_ip=%s, error=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	parsed, err := source.Parse(text)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	slot, err := h.exports.Reserve()
	if err != nil {
		h.writeError(c, err)
		return
	}

	testMode, _ := strconv.ParseBool(c.Query("test_mode"))
	src := source.NewText(name, text)
	h.runInBackground(ctx, "start", func(runCtx context.Context) error {
		_, err := slot.Start(runCtx, src, &service.ExportOptions{TestMode: testMode})
		return err
	})

	c.JSON(http.StatusAccepted, StartResponse{
		Message:    "Export started",
		Total:      len(parsed.Identifiers),
		Column:     parsed.Column,
		DataRows:   parsed.DataRows,
		Malformed:  parsed.Malformed,
		Duplicates: parsed.Duplicates,
		TestMode:   testMode,
	})
}

// Resume handles POST /api/v1/exports/resume.
func (h *ExportHandler) Resume(c *gin.Context) {
	ctx := c.Request.Context()

	slot, err := h.exports.Reserve()
	if err != nil {
		h.writeError(c, err)
		return
	}
	report, err := h.exports.Status(ctx)
	if err != nil {
		slot.Release()
		h.writeError(c, err)
		return
	}

	h.runInBackground(ctx, "resume", func(runCtx context.Context) error {
		_, err := slot.Resume(runCtx)
		return err
	})

	c.JSON(http.StatusAccepted, StartResponse{
		Message: fmt.Sprintf("Export resumed at claim %d of %d", report.Job.CompletedCount+1, report.Job.Total),
		Total:   report.Job.Total,
	})
}

// Status handles GET /api/v1/exports/status.
func (h *ExportHandler) Status(c *gin.Context) {
	resp := StatusResponse{Running: h.exports.Running()}

	report, err := h.exports.Status(c.Request.Context())
	switch {
	case err == nil:
		resp.Report = report
	case errors.Is(err, domain.ErrNoJob):
	default:
		h.writeError(c, err)
		return
	}

	if h.progress != nil {
		if p, ok := h.progress.Latest(); ok {
			resp.Progress = &p
		}
	}

	h.mu.RLock()
	if !h.lastRunTime.IsZero() {
		resp.LastRunTime = h.lastRunTime.Format(time.RFC3339)
	}
	resp.LastRunStatus = h.lastRunStatus
	h.mu.RUnlock()

	c.JSON(http.StatusOK, resp)
}

// Download handles GET /api/v1/exports/download. An unfinished job needs partial=true.
func (h *ExportHandler) Download(c *gin.Context) {
	ctx := c.Request.Context()

	report, err := h.exports.Status(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	partial, _ := strconv.ParseBool(c.Query("partial"))
	if !report.Job.IsDone() && !partial {
		c.JSON(http.StatusConflict, gin.H{
			"error":     "export is incomplete; request partial=true to download the claims collected so far",
			"completed": report.Job.CompletedCount,
			"total":     report.Job.Total,
		})
		return
	}

	filename := service.ExportKey("", time.Now())
	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Status(http.StatusOK)

	if _, err := h.assembler.AssembleCurrent(ctx, c.Writer); err != nil {
		// Headers are already sent; the truncated body is the only signal left
		_ = c.Error(err)
		logger.FromContext(ctx).WithError(err).Error("Export download aborted")
	}
}

// Publish handles POST /api/v1/exports/publish.
func (h *ExportHandler) Publish(c *gin.Context) {
	if h.publisher == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no output storage configured"})
		return
	}
	result, err := h.publisher.Publish(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Reset handles DELETE /api/v1/exports.
func (h *ExportHandler) Reset(c *gin.Context) {
	if err := h.exports.Reset(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	logger.CtxInfo(c.Request.Context(), "Export job reset: client_ip=%s", c.ClientIP())
	c.Status(http.StatusNoContent)
}

// Wait blocks until background runs started by this handler return.
func (h *ExportHandler) Wait() {
	h.wg.Wait()
}

// runInBackground runs fn detached from the request's cancellation but keeping its log fields.
func (h *ExportHandler) runInBackground(ctx context.Context, op string, fn func(context.Context) error) {
	runCtx := context.WithoutCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		start := time.Now()
		err := fn(runCtx)

		h.mu.Lock()
		h.lastRunTime = time.Now()
		if err != nil {
			h.lastRunStatus = op + " failed: " + err.Error()
		} else {
			h.lastRunStatus = op + " succeeded"
		}
		h.mu.Unlock()

		entry := logger.With(logger.Fields{logger.FieldDurationMs: time.Since(start).Milliseconds()})
		if err != nil {
			entry.Error(runCtx, "Export %s failed: error=%v", op, err)
			return
		}
		entry.Info(runCtx, "Export %s finished", op)
	}()
}

func (h *ExportHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNoJob):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrJobRunning):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrEmptyOrInvalidInput), errors.Is(err, domain.ErrMissingIdentifierColumn):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).WithError(err).Error("Export request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// readCSV returns the uploaded CSV text and a name for logs.
func readCSV(c *gin.Context) (string, string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			return "", "", fmt.Errorf("multipart upload needs a file field: %w", err)
		}
		f, err := fh.Open()
		if err != nil {
			return "", "", fmt.Errorf("open upload: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return "", "", fmt.Errorf("read upload: %w", err)
		}
		return checkText(data, fh.Filename)
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", "", fmt.Errorf("read body: %w", err)
	}
	return checkText(data, "request-body")
}

func checkText(data []byte, name string) (string, string, error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("%w: empty upload", domain.ErrEmptyOrInvalidInput)
	}
	if !utf8.Valid(data) {
		return "", "", fmt.Errorf("%w: upload is not UTF-8 text", domain.ErrEmptyOrInvalidInput)
	}
	return string(data), name, nil
}
