package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quailyquaily/smartops/internal/metrics"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var ErrCircuitOpen = errors.New("circuit open")

type Config struct {
	RatePerSecond    float64
	Burst            int
	MaxConcurrent    int
	FailureThreshold int
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{
		RatePerSecond:    15,
		Burst:            30,
		MaxConcurrent:    8,
		FailureThreshold: 100,
		Cooldown:         10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Outcome is what a caller reports back through Permit.Done.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeThrottled marks a remote rate-limit response. It does not count
	// toward opening the circuit.
	OutcomeThrottled
)

type Option func(*Limiter)

func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter bounds calls per remote server: a token bucket for request rate,
// a weighted semaphore for concurrency and a circuit breaker for failures.
type Limiter struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	servers map[string]*serverState
}

type serverState struct {
	bucket *rate.Limiter
	sem    *semaphore.Weighted

	mu      sync.Mutex
	breaker breaker

	inFlight  atomic.Int64
	total     atomic.Uint64
	failures  atomic.Uint64
	throttled atomic.Uint64
	rejected  atomic.Uint64
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg.withDefaults(),
		log:     slog.Default(),
		now:     time.Now,
		servers: make(map[string]*serverState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Limiter) state(server string) *serverState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.servers[server]
	if !ok {
		st = &serverState{
			bucket: rate.NewLimiter(rate.Limit(l.cfg.RatePerSecond), l.cfg.Burst),
			sem:    semaphore.NewWeighted(int64(l.cfg.MaxConcurrent)),
			breaker: breaker{
				threshold: l.cfg.FailureThreshold,
				cooldown:  l.cfg.Cooldown,
			},
		}
		l.servers[server] = st
	}
	return st
}

// Acquire waits for a token and a concurrency slot for server. It fails
// immediately with ErrCircuitOpen while the server's circuit is open.
func (l *Limiter) Acquire(ctx context.Context, server string) (*Permit, error) {
	server = strings.TrimSpace(server)
	st := l.state(server)

	st.mu.Lock()
	allowed := st.breaker.allow(l.now())
	st.mu.Unlock()
	if !allowed {
		st.rejected.Add(1)
		l.metrics.Rejected(server, "circuit_open")
		return nil, fmt.Errorf("%w for server %q", ErrCircuitOpen, server)
	}

	if err := st.bucket.Wait(ctx); err != nil {
		st.releaseProbe()
		return nil, err
	}
	if err := st.sem.Acquire(ctx, 1); err != nil {
		st.releaseProbe()
		return nil, err
	}
	st.inFlight.Add(1)
	st.total.Add(1)
	return &Permit{l: l, st: st, server: server}, nil
}

func (st *serverState) releaseProbe() {
	st.mu.Lock()
	st.breaker.release()
	st.mu.Unlock()
}

// Permit is held for the duration of one remote call.
type Permit struct {
	l      *Limiter
	st     *serverState
	server string
	once   sync.Once
}

// Done releases the concurrency slot and records the outcome. Calling it
// more than once has no further effect.
func (p *Permit) Done(outcome Outcome) {
	if p == nil {
		return
	}
	p.once.Do(func() {
		st := p.st
		st.inFlight.Add(-1)
		st.sem.Release(1)

		st.mu.Lock()
		var opened bool
		switch outcome {
		case OutcomeSuccess:
			st.breaker.success()
		case OutcomeFailure:
			st.failures.Add(1)
			opened = st.breaker.failure(p.l.now())
		case OutcomeThrottled:
			st.throttled.Add(1)
			st.breaker.release()
		}
		st.mu.Unlock()

		if opened {
			p.l.log.Warn("circuit_opened", "server", p.server, "cooldown", p.l.cfg.Cooldown.String())
			p.l.metrics.CircuitOpened(p.server)
		}
	})
}

type ServerStats struct {
	Server              string  `json:"server"`
	State               string  `json:"state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	InFlight            int64   `json:"in_flight"`
	TokensAvailable     float64 `json:"tokens_available"`
	Total               uint64  `json:"total"`
	Failures            uint64  `json:"failures"`
	Throttled           uint64  `json:"throttled"`
	Rejected            uint64  `json:"rejected"`
}

func (l *Limiter) Stats() []ServerStats {
	l.mu.Lock()
	names := make([]string, 0, len(l.servers))
	states := make(map[string]*serverState, len(l.servers))
	for name, st := range l.servers {
		names = append(names, name)
		states[name] = st
	}
	l.mu.Unlock()
	sort.Strings(names)

	out := make([]ServerStats, 0, len(names))
	for _, name := range names {
		st := states[name]
		st.mu.Lock()
		state := st.breaker.state
		failures := st.breaker.failures
		st.mu.Unlock()
		out = append(out, ServerStats{
			Server:              name,
			State:               state.String(),
			ConsecutiveFailures: failures,
			InFlight:            st.inFlight.Load(),
			TokensAvailable:     st.bucket.Tokens(),
			Total:               st.total.Load(),
			Failures:            st.failures.Load(),
			Throttled:           st.throttled.Load(),
			Rejected:            st.rejected.Load(),
		})
	}
	return out
}

// State returns the breaker state for server without creating it.
func (l *Limiter) State(server string) BreakerState {
	l.mu.Lock()
	st, ok := l.servers[strings.TrimSpace(server)]
	l.mu.Unlock()
	if !ok {
		return StateClosed
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.breaker.state
}
