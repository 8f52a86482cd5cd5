package mcpconn

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/mcpconn/mcp-conn-go/jsonrpc"
	"github.com/mcpconn/mcp-conn-go/mcp"
)

// ProgressReporter reports progress of a long-running operation back to the
// requester. The core injects one into the handler context whenever the
// inbound request carried a progress token.
type ProgressReporter interface {
	// Report emits a progress update. Values must be monotonically
	// non-decreasing; a non-increasing value is suppressed. Updates faster
	// than the connection's progress interval are coalesced.
	Report(ctx context.Context, progress, total float64) error
}

type progressReporterKey struct{}

func withProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	return context.WithValue(ctx, progressReporterKey{}, pr)
}

// ProgressFrom retrieves the ProgressReporter for the current request, if
// the requester asked for progress.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	if pr, ok := ctx.Value(progressReporterKey{}).(ProgressReporter); ok && pr != nil {
		return pr, true
	}
	return nil, false
}

// progressWaiter receives inbound progress for one outstanding call.
type progressWaiter struct {
	mu   sync.Mutex
	fn   func(progress, total float64)
	last float64
	seen bool
}

func (c *Conn) addProgressWaiter(tokenKey string, fn func(progress, total float64)) {
	if tokenKey == "" || fn == nil {
		return
	}
	c.progressMu.Lock()
	c.progressWaiters[tokenKey] = &progressWaiter{fn: fn}
	c.progressMu.Unlock()
}

func (c *Conn) releaseProgress(tokenKey string) {
	if tokenKey == "" {
		return
	}
	c.progressMu.Lock()
	delete(c.progressWaiters, tokenKey)
	c.progressMu.Unlock()
}

func (c *Conn) releaseAllProgress() {
	c.progressMu.Lock()
	clear(c.progressWaiters)
	c.progressMu.Unlock()
}

// handleProgress routes an inbound progress notification to the call that
// owns the token. Unknown tokens are dropped silently: the request already
// completed or was cancelled. Non-increasing values are filtered so waiters
// only ever observe forward movement.
func (c *Conn) handleProgress(ctx context.Context, req *Request) (any, error) {
	var params mcp.ProgressNotificationParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, err
	}
	tokenKey := mcp.ProgressTokenKey(params.ProgressToken)

	c.progressMu.Lock()
	w, ok := c.progressWaiters[tokenKey]
	c.progressMu.Unlock()
	if !ok {
		c.log.Debug("conn.progress.unknown_token", slog.String("token", tokenKey))
		return nil, nil
	}

	w.mu.Lock()
	if w.seen && params.Progress <= w.last {
		w.mu.Unlock()
		c.log.Debug("conn.progress.non_monotonic",
			slog.String("token", tokenKey),
			slog.Float64("progress", params.Progress),
			slog.Float64("last", w.last))
		return nil, nil
	}
	w.last = params.Progress
	w.seen = true
	fn := w.fn
	w.mu.Unlock()

	fn(params.Progress, params.Total)

	if params.Total > 0 && params.Progress >= params.Total {
		c.releaseProgress(tokenKey)
	}
	return nil, nil
}

// progressReporter is the outbound side: it forwards handler progress to the
// peer, suppressing non-increasing values and rate-limiting emission so a
// chatty handler cannot flood the transport. The terminal update
// (progress >= total) always goes out.
type progressReporter struct {
	c       *Conn
	token   mcp.ProgressToken
	limiter *rate.Limiter

	mu   sync.Mutex
	last float64
	seen bool
}

func (c *Conn) newProgressReporter(tok mcp.ProgressToken) *progressReporter {
	return &progressReporter{
		c:       c,
		token:   tok,
		limiter: rate.NewLimiter(rate.Every(c.cfg.progressInterval), 1),
	}
}

func (r *progressReporter) Report(ctx context.Context, progress, total float64) error {
	final := total > 0 && progress >= total

	r.mu.Lock()
	if r.seen && progress <= r.last {
		r.mu.Unlock()
		return nil
	}
	if !final && !r.limiter.Allow() {
		r.mu.Unlock()
		return nil
	}
	r.last = progress
	r.seen = true
	r.mu.Unlock()

	note, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), &mcp.ProgressNotificationParams{
		ProgressToken: r.token,
		Progress:      progress,
		Total:         total,
	})
	if err != nil {
		return err
	}
	return r.c.send(ctx, note.AsAny())
}
