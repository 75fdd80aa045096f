// Package health serves liveness and readiness probes backed by periodic
// checks. A check flips to unhealthy only after FailureThreshold consecutive
// failures and back after SuccessThreshold consecutive successes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CheckFunc returns nil when the checked dependency is usable.
type CheckFunc func(ctx context.Context) error

// Kind tells which probe a check belongs to.
type Kind string

const (
	Liveness  Kind = "liveness"
	Readiness Kind = "readiness"
)

// Options tune a Health instance.
type Options struct {
	FailureThreshold int // default 3
	SuccessThreshold int // default 1
	Logger           *zap.Logger
}

type check struct {
	name    string
	kind    Kind
	timeout time.Duration
	fn      CheckFunc

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	// owned by the single goroutine calling probe
	fails int
	oks   int
}

func (c *check) err() error {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// probe runs the check once and reports whether its state changed.
func (c *check) probe(ctx context.Context, failAfter, okAfter int) (changed bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(ctx)
	c.lastErr.Store(&err)

	was := c.healthy.Load()
	if err != nil {
		c.oks = 0
		c.fails++
		if c.fails >= failAfter {
			c.healthy.Store(false)
		}
	} else {
		c.fails = 0
		c.oks++
		if c.oks >= okAfter {
			c.healthy.Store(true)
		}
	}
	return was != c.healthy.Load()
}

// Health tracks registered checks and the manual readiness switch.
type Health struct {
	ready     atomic.Bool
	failAfter int
	okAfter   int
	lg        *zap.Logger

	mu     sync.RWMutex
	checks []*check
	cancel context.CancelFunc
}

// New creates a Health that starts not ready.
func New(opts ...Options) *Health {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	h := &Health{
		failAfter: o.FailureThreshold,
		okAfter:   o.SuccessThreshold,
		lg:        o.Logger,
	}
	if h.failAfter <= 0 {
		h.failAfter = 3
	}
	if h.okAfter <= 0 {
		h.okAfter = 1
	}
	if h.lg == nil {
		h.lg = zap.NewNop()
	}
	return h
}

func (h *Health) add(kind Kind, name string, timeout time.Duration, fn CheckFunc) {
	c := &check{name: name, kind: kind, timeout: timeout, fn: fn}
	c.healthy.Store(true)

	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

// AddLivenessCheck registers a check guarding /livez.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.add(Liveness, name, timeout, fn)
}

// AddReadinessCheck registers a check guarding /readyz.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.add(Readiness, name, timeout, fn)
}

func (h *Health) snapshot(kind Kind) []*check {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*check
	for _, c := range h.checks {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Start probes every check immediately and then every interval until Stop or
// ctx cancellation.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	checks := append([]*check(nil), h.checks...)
	h.mu.Unlock()

	for _, c := range checks {
		go h.loop(ctx, c, interval)
	}
}

func (h *Health) loop(ctx context.Context, c *check, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		h.run(ctx, c)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Health) run(ctx context.Context, c *check) {
	if !c.probe(ctx, h.failAfter, h.okAfter) {
		return
	}
	if c.healthy.Load() {
		h.lg.Info("Check recovered", zap.String("check", c.name), zap.String("kind", string(c.kind)))
		return
	}
	h.lg.Warn("Check failing",
		zap.String("check", c.name),
		zap.String("kind", string(c.kind)),
		zap.Error(c.err()),
	)
}

// Stop cancels the background probes. Safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness switch.
func (h *Health) SetReady(ready bool) { h.ready.Store(ready) }

// IsReady reports the switch and all readiness checks.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(failures(h.snapshot(Readiness))) == 0
}

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	respond(w, failures(h.snapshot(Liveness)))
}

// ReadyEndpoint serves /readyz. It fails while the switch is off.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failed := failures(h.snapshot(Readiness))
	if !h.ready.Load() {
		failed["_readiness"] = "service is not ready"
	}
	respond(w, failed)
}

func failures(checks []*check) map[string]string {
	out := make(map[string]string)
	for _, c := range checks {
		if c.healthy.Load() {
			continue
		}
		if err := c.err(); err != nil {
			out[c.name] = err.Error()
		} else {
			out[c.name] = "check is unhealthy"
		}
	}
	return out
}

func respond(w http.ResponseWriter, failed map[string]string) {
	resp := statusResponse{Status: "ok"}
	code := http.StatusOK
	if len(failed) > 0 {
		resp = statusResponse{Status: "unhealthy", Checks: failed}
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
