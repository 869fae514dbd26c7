package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/txn2/update-hub/pkg/analytics"
	"github.com/txn2/update-hub/pkg/apperr"
	"github.com/txn2/update-hub/pkg/blob"
	"github.com/txn2/update-hub/pkg/ratelimit"
	"github.com/txn2/update-hub/pkg/version"
)

// Request describes one download attempt.
type Request struct {
	ClientID      string
	ClientIP      string
	UserAgent     string
	VersionNumber string

	// RangeOffset is the byte offset the client asked to resume from, zero
	// for a full download.
	RangeOffset int64
}

// Handle is an admitted, positioned transfer. The caller streams from
// Reader and must finish with Coordinator.Complete.
type Handle struct {
	Session *Session
	Version *version.Version
	Reader  blob.Reader

	// Size is the total package size; Offset is where this transfer starts.
	Size    int64
	Offset  int64
	Resumed bool

	startedAt time.Time
}

// Coordinator admits, positions, and accounts for package transfers.
type Coordinator struct {
	registry *version.Registry
	sessions Store
	blobs    blob.Store
	limiter  ratelimit.Limiter
	recorder analytics.Recorder
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	registry *version.Registry,
	sessions Store,
	blobs blob.Store,
	limiter ratelimit.Limiter,
	recorder analytics.Recorder,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		sessions: sessions,
		blobs:    blobs,
		limiter:  limiter,
		recorder: recorder,
		logger:   logger,
	}
}

// Initiate validates the request, consults the rate limiter before any I/O,
// arbitrates the resume offset against the session's recorded watermark,
// and opens the content positioned for transfer.
//
// Offset arbitration: a requested offset below the recorded watermark is
// raised to the watermark so already-confirmed bytes are never resent. The
// effective offset always travels back to the client in Content-Range, so
// the adjustment is explicit, never silent.
func (c *Coordinator) Initiate(ctx context.Context, req Request) (*Handle, error) {
	v, err := c.registry.Get(ctx, req.VersionNumber)
	if err != nil {
		return nil, err
	}

	decision, err := c.limiter.Check(ctx, req.ClientID, ratelimit.CategoryDownload)
	if err != nil {
		return nil, fmt.Errorf("checking download rate limit: %w", err)
	}
	if !decision.Allowed {
		return nil, apperr.RateLimited(decision.RetryAfter)
	}

	sess, err := c.sessions.GetOrCreate(ctx, req.ClientID, v.ID, v.VersionNumber, req.ClientIP, req.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("resolving download session: %w", err)
	}

	// The watermark only binds unfinished transfers; a client fetching a
	// version it already completed starts over.
	offset := req.RangeOffset
	resumed := offset > 0
	if sess.Status != StatusCompleted && sess.BytesTransferred > offset {
		offset = sess.BytesTransferred
		resumed = true
	}

	reader, size, err := c.blobs.Open(ctx, v.DownloadLocator)
	if err != nil {
		return nil, err
	}
	if offset >= size && size > 0 {
		_ = reader.Close()
		return nil, apperr.Newf(apperr.KindValidation,
			"offset %d is beyond the %d byte package", offset, size)
	}
	if offset > 0 {
		if _, err := reader.Seek(offset, io.SeekStart); err != nil {
			_ = reader.Close()
			return nil, apperr.Wrap(apperr.KindTransport, "seeking package content", err)
		}
	}

	event := analytics.NewEvent(analytics.EventDownloadStarted).
		WithClient(req.ClientID, v.VersionNumber)
	event.Resumed = resumed
	event.RetryCount = sess.Attempts
	if err := c.recorder.Record(ctx, *event); err != nil {
		c.logger.Warn("recording download start failed", "error", err)
	}

	return &Handle{
		Session:   sess,
		Version:   v,
		Reader:    reader,
		Size:      size,
		Offset:    offset,
		Resumed:   resumed,
		startedAt: time.Now(),
	}, nil
}

// Complete closes the handle and records the outcome. bytesSent is how many
// bytes this transfer actually wrote past the handle's offset.
//
// A transfer error leaves the session IN_PROGRESS with its watermark
// advanced; the sweep reclassifies it later. The request path never marks a
// session FAILED itself, so a slow but live client is never raced.
func (c *Coordinator) Complete(ctx context.Context, h *Handle, bytesSent int64, transferErr error) {
	_ = h.Reader.Close()

	total := h.Offset + bytesSent
	durationMS := time.Since(h.startedAt).Milliseconds()

	if transferErr == nil && total >= h.Size {
		if err := c.sessions.MarkCompleted(ctx, h.Session.ID, total); err != nil {
			c.logger.Error("marking download completed failed",
				"session_id", h.Session.ID, "error", err)
		}
		event := analytics.NewEvent(analytics.EventDownloadCompleted).
			WithClient(h.Session.ClientID, h.Version.VersionNumber).
			WithTransfer(bytesSent, durationMS, h.Resumed, h.Session.Attempts).
			WithResult(true, "")
		if err := c.recorder.Record(ctx, *event); err != nil {
			c.logger.Warn("recording download completion failed", "error", err)
		}
		return
	}

	// Partial or failed transfer: keep the watermark, leave status
	// non-terminal for the sweep.
	if err := c.sessions.RecordProgress(ctx, h.Session.ID, total); err != nil {
		c.logger.Error("recording download progress failed",
			"session_id", h.Session.ID, "error", err)
	}

	detail := "transfer incomplete"
	if transferErr != nil {
		detail = transferErr.Error()
	}
	event := analytics.NewEvent(analytics.EventDownloadFailed).
		WithClient(h.Session.ClientID, h.Version.VersionNumber).
		WithTransfer(bytesSent, durationMS, h.Resumed, h.Session.Attempts).
		WithResult(false, detail)
	if err := c.recorder.Record(ctx, *event); err != nil {
		c.logger.Warn("recording download failure failed", "error", err)
	}
}

// StartSweepRoutine starts a background goroutine that periodically marks
// stale non-terminal sessions FAILED. The goroutine is stopped when Close
// is called.
func (c *Coordinator) StartSweepRoutine(interval, staleAfter time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := c.sessions.SweepStale(ctx, staleAfter)
				if err != nil {
					c.logger.Error("download session sweep failed", "error", err)
					continue
				}
				if swept > 0 {
					c.logger.Info("stale download sessions failed", "count", swept)
				}
			}
		}
	}()
}

// Close stops the sweep goroutine and waits for it to exit.
// It is safe to call Close even if StartSweepRoutine was never called.
func (c *Coordinator) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}
