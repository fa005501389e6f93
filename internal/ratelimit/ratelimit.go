// Package ratelimit is the Rate Limiter (spec.md C7): per-client sliding
// window request counters plus a token bucket for LM token consumption,
// matching infrastructure/rate_limiter.py exactly rather than reaching for
// a generic limiter library — this is a named, tested algorithm the spec
// defines structurally, not an interchangeable admission gate.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/you/pgmcp/internal/config"
	"github.com/you/pgmcp/internal/errs"
)

// slidingWindow counts events within a rolling duration, evicting entries
// older than the window on every call — mirrors SlidingWindowCounter.
type slidingWindow struct {
	mu       sync.Mutex
	window   time.Duration
	times    []time.Time
}

func newSlidingWindow(window time.Duration) *slidingWindow {
	return &slidingWindow{window: window}
}

func (w *slidingWindow) cleanup(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.times) && w.times[i].Before(cutoff) {
		i++
	}
	w.times = w.times[i:]
}

func (w *slidingWindow) increment(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanup(now)
	w.times = append(w.times, now)
	return len(w.times)
}

// pop removes the most recently added timestamp, used to roll back the
// minute counter when the hour counter rejects the same request —
// matching RateLimiter.check_request's rollback via list.pop().
func (w *slidingWindow) pop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.times) > 0 {
		w.times = w.times[:len(w.times)-1]
	}
}

func (w *slidingWindow) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanup(now)
	return len(w.times)
}

func (w *slidingWindow) resetTime(now time.Time) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanup(now)
	if len(w.times) == 0 {
		return now
	}
	return w.times[0].Add(w.window)
}

// tokenBucket refills continuously at rate tokens/sec up to capacity,
// mirroring TokenBucket._refill/consume.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(capacityPerMinute int, now time.Time) *tokenBucket {
	capacity := float64(capacityPerMinute)
	return &tokenBucket{capacity: capacity, tokens: capacity, refillRate: capacity / 60.0, lastRefill: now}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min64(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

func (b *tokenBucket) consume(now time.Time, n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

func (b *tokenBucket) available(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	return int(b.tokens)
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

type clientState struct {
	minuteWindow *slidingWindow
	hourWindow   *slidingWindow
	tokens       *tokenBucket
	lastSeen     time.Time
}

// Limiter tracks one clientState per caller identity, matching
// RateLimiter's internal dict keyed by client_id.
type Limiter struct {
	cfg    config.RateLimitConfig
	mu     sync.Mutex
	byClient map[string]*clientState
	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{cfg: cfg, byClient: make(map[string]*clientState), now: time.Now}
}

func (l *Limiter) stateFor(client string) *clientState {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs, ok := l.byClient[client]
	if !ok {
		now := l.now()
		cs = &clientState{
			minuteWindow: newSlidingWindow(time.Minute),
			hourWindow:   newSlidingWindow(time.Hour),
			tokens:       newTokenBucket(l.cfg.OpenAITokensPerMin, now),
			lastSeen:     now,
		}
		l.byClient[client] = cs
	}
	cs.lastSeen = l.now()
	return cs
}

// CheckRequest admits or denies one request for client, incrementing both
// windows together and rolling back the minute window if the hour limit is
// the one that rejects — matching check_request's semantics exactly.
func (l *Limiter) CheckRequest(client string) error {
	if !l.cfg.Enabled {
		return nil
	}
	cs := l.stateFor(client)
	now := l.now()

	minuteCount := cs.minuteWindow.increment(now)
	if minuteCount > l.cfg.RequestsPerMinute {
		cs.minuteWindow.pop()
		return errs.RateLimitErr("minute", "requests", l.cfg.RequestsPerMinute,
			0, cs.minuteWindow.resetTime(now).Unix())
	}

	hourCount := cs.hourWindow.increment(now)
	if hourCount > l.cfg.RequestsPerHour {
		cs.hourWindow.pop()
		cs.minuteWindow.pop()
		return errs.RateLimitErr("hour", "requests", l.cfg.RequestsPerHour,
			0, cs.hourWindow.resetTime(now).Unix())
	}
	return nil
}

// CheckTokens reports whether n LM tokens are available without consuming
// them — the orchestrator calls this before a generation attempt whose
// cost it can't know in advance, then RecordTokens after the fact.
func (l *Limiter) CheckTokens(client string, n int) bool {
	if !l.cfg.Enabled {
		return true
	}
	cs := l.stateFor(client)
	return cs.tokens.available(l.now()) >= n
}

// RecordTokens consumes n tokens for monitoring/backpressure purposes only;
// it never itself denies a request (matching record_tokens in
// rate_limiter.py, which is documented as monitoring-only).
func (l *Limiter) RecordTokens(client string, n int) {
	if !l.cfg.Enabled {
		return
	}
	cs := l.stateFor(client)
	cs.tokens.consume(l.now(), n)
}

// Status is the point-in-time view GetStatus returns, matching get_status.
type Status struct {
	RequestsThisMinute int
	RequestsThisHour   int
	TokensAvailable    int
}

func (l *Limiter) GetStatus(client string) Status {
	cs := l.stateFor(client)
	now := l.now()
	return Status{
		RequestsThisMinute: cs.minuteWindow.count(now),
		RequestsThisHour:   cs.hourWindow.count(now),
		TokensAvailable:    cs.tokens.available(now),
	}
}

func (l *Limiter) Reset(client string) {
	l.mu.Lock()
	delete(l.byClient, client)
	l.mu.Unlock()
}

// Start launches the stale-bucket eviction loop (spec.md §4.7); Stop
// blocks until it exits. Both are safe to call even when Enabled is false.
func (l *Limiter) Start(ctx context.Context) {
	l.stopCh = make(chan struct{})
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.evictStale()
			}
		}
	}()
}

func (l *Limiter) evictStale() {
	idle := time.Duration(l.cfg.IdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		return
	}
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for client, cs := range l.byClient {
		if cs.lastSeen.Before(cutoff) {
			delete(l.byClient, client)
		}
	}
}

func (l *Limiter) Stop() {
	if l.stopCh == nil {
		return
	}
	close(l.stopCh)
	l.wg.Wait()
}
