package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Request is a single routed model call.
type Request struct {
	Prompt Prompt
	// Preferred is tried first when set and available.
	Preferred Tier
	// Exclude removes tiers from consideration, e.g. the tier whose answer could not be parsed.
	Exclude []Tier
}

type tierState struct {
	cfg     TierConfig
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	inFlight atomic.Int64

	mu            sync.RWMutex
	degradedUntil time.Time
}

func (s *tierState) degraded(now time.Time) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degradedUntil, !s.degradedUntil.IsZero() && now.Before(s.degradedUntil)
}

func (s *tierState) degrade(until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degradedUntil = until
}

// Router is the gateway for every model call. It picks a tier, meters credits
// through the ledger and falls back across tiers on transport failures.
type Router struct {
	ledger   *Ledger
	tiers    map[Tier]*tierState
	cooldown time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithCooldown sets how long a failed tier is skipped.
func WithCooldown(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// WithTimeout sets the per-call timeout for tiers that do not configure one.
func WithTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		r.now = now
	}
}

// WithLogger sets the logger used for routing decisions.
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRouter builds a router over the configured tiers, sharing ledger.
func NewRouter(ledger *Ledger, tiers []TierConfig, opts ...RouterOption) (*Router, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if len(tiers) == 0 {
		return nil, errors.New("at least one tier is required")
	}

	r := &Router{
		ledger:   ledger,
		tiers:    make(map[Tier]*tierState, len(tiers)),
		cooldown: 30 * time.Second,
		timeout:  60 * time.Second,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}

	for _, cfg := range tiers {
		if !slices.Contains(Precedence, cfg.Tier) {
			return nil, fmt.Errorf("unknown tier %d", cfg.Tier)
		}
		if _, dup := r.tiers[cfg.Tier]; dup {
			return nil, fmt.Errorf("tier %s configured twice", cfg.Tier)
		}
		if cfg.Invoker == nil {
			return nil, fmt.Errorf("tier %s has no backend", cfg.Tier)
		}
		if cfg.Cost < 0 {
			return nil, fmt.Errorf("tier %s has negative cost", cfg.Tier)
		}
		if cfg.MaxConcurrent <= 0 {
			cfg.MaxConcurrent = 1
		}
		st := &tierState{
			cfg: cfg,
			sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		}
		if cfg.RequestsPerSecond > 0 {
			st.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
		}
		r.tiers[cfg.Tier] = st
	}

	return r, nil
}

// Submit routes req to the best available tier. Credits are debited only when
// a tier answers. A tier that fails in transport or times out is marked
// degraded for the cooldown and the next tier in precedence is tried.
func (r *Router) Submit(ctx context.Context, req Request) (*Response, error) {
	remaining := r.candidates(req)
	if len(remaining) == 0 {
		return nil, fmt.Errorf("%w: no configured tier matches the request", ErrAllTiersUnavailable)
	}

	var (
		failures    []error
		creditShort bool
	)

	for len(remaining) > 0 {
		now := r.now()
		eligible := remaining[:0:0]
		for _, st := range remaining {
			if until, down := st.degraded(now); down {
				r.logger.Debug("Skipping degraded tier", "tier", st.cfg.Tier, "until", until)
				continue
			}
			if !r.ledger.CanAfford(st.cfg.Cost) {
				r.logger.Debug("Skipping unaffordable tier", "tier", st.cfg.Tier, "cost", st.cfg.Cost, "available", r.ledger.Available())
				creditShort = true
				continue
			}
			eligible = append(eligible, st)
		}
		if len(eligible) == 0 {
			break
		}

		st, err := r.acquire(ctx, eligible)
		if err != nil {
			return nil, err
		}
		remaining = slices.DeleteFunc(eligible, func(s *tierState) bool { return s == st })

		reservation, err := r.ledger.Reserve(st.cfg.Tier, st.cfg.Cost)
		if err != nil {
			st.sem.Release(1)
			creditShort = true
			continue
		}

		resp, err := r.call(ctx, st, req.Prompt)
		if err == nil {
			txn := r.ledger.Commit(reservation)
			resp.Tier = st.cfg.Tier
			resp.Cost = st.cfg.Cost
			r.logger.Info("Model call succeeded",
				"tier", st.cfg.Tier,
				"provider", resp.Provider,
				"latency_ms", resp.Latency.Milliseconds(),
				"cost", st.cfg.Cost,
				"balance", txn.BalanceAfter,
			)
			return resp, nil
		}

		r.ledger.Release(reservation)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		until := r.now().Add(r.cooldown)
		st.degrade(until)
		r.logger.Warn("Model tier failed, falling back",
			"tier", st.cfg.Tier,
			"provider", st.cfg.Invoker.Provider(),
			"degraded_until", until,
			"error", err,
		)
		failures = append(failures, &TierError{Tier: st.cfg.Tier, Err: err})
	}

	if len(failures) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrAllTiersUnavailable, errors.Join(failures...))
	}
	if creditShort {
		return nil, fmt.Errorf("%w: %d credits available", ErrInsufficientCredits, r.ledger.Available())
	}
	return nil, fmt.Errorf("%w: every tier is cooling down", ErrAllTiersUnavailable)
}

// candidates orders configured tiers: the preferred tier first, then precedence.
func (r *Router) candidates(req Request) []*tierState {
	var out []*tierState
	add := func(t Tier) {
		st, ok := r.tiers[t]
		if !ok || slices.Contains(req.Exclude, t) || slices.Contains(out, st) {
			return
		}
		out = append(out, st)
	}
	if req.Preferred != AnyTier {
		add(req.Preferred)
	}
	for _, t := range Precedence {
		add(t)
	}
	return out
}

// acquire takes a concurrency slot on the first eligible tier with spare
// capacity. When every tier is saturated it blocks on the first one.
func (r *Router) acquire(ctx context.Context, eligible []*tierState) (*tierState, error) {
	for _, st := range eligible {
		if st.sem.TryAcquire(1) {
			return st, nil
		}
	}
	st := eligible[0]
	r.logger.Debug("Waiting for a free slot", "tier", st.cfg.Tier, "max_concurrent", st.cfg.MaxConcurrent)
	if err := st.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return st, nil
}

func (r *Router) call(ctx context.Context, st *tierState, prompt Prompt) (*Response, error) {
	defer st.sem.Release(1)

	st.inFlight.Add(1)
	defer st.inFlight.Add(-1)

	if st.limiter != nil {
		if err := st.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	timeout := st.cfg.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	resp, err := st.cfg.Invoker.Invoke(callCtx, prompt)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("backend returned no response")
	}
	resp.Latency = r.now().Sub(start)
	return resp, nil
}

// Status reports every configured tier in precedence order.
func (r *Router) Status() []TierStatus {
	now := r.now()
	out := make([]TierStatus, 0, len(r.tiers))
	for _, t := range Precedence {
		st, ok := r.tiers[t]
		if !ok {
			continue
		}
		status := TierStatus{
			Tier:          t,
			Provider:      st.cfg.Invoker.Provider(),
			Model:         st.cfg.Invoker.Model(),
			Cost:          st.cfg.Cost,
			MaxConcurrent: st.cfg.MaxConcurrent,
			InFlight:      int(st.inFlight.Load()),
			Availability:  Available,
		}
		if until, down := st.degraded(now); down {
			status.Availability = Degraded
			status.DegradedUntil = &until
		}
		out = append(out, status)
	}
	return out
}

// Close releases every backend.
func (r *Router) Close() error {
	var errs []error
	for _, t := range Precedence {
		if st, ok := r.tiers[t]; ok {
			if err := st.cfg.Invoker.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", t, err))
			}
		}
	}
	return errors.Join(errs...)
}
