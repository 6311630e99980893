package backoff

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMinSpacing is the minimum interval between requests to one
// source, enforced regardless of violation state to avoid
// burst-triggered limits.
const DefaultMinSpacing = 500 * time.Millisecond

// Coordinator combines the shared backoff store with per-source
// request spacing. One coordinator serves all sources in a process;
// the store makes the backoff windows visible across processes.
type Coordinator struct {
	store      *Store
	minSpacing time.Duration
	now        func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewCoordinator builds a coordinator over the store. nowFn injects the
// clock; pass nil for time.Now.
func NewCoordinator(store *Store, minSpacing time.Duration, nowFn func() time.Time) *Coordinator {
	if minSpacing <= 0 {
		minSpacing = DefaultMinSpacing
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Coordinator{
		store:      store,
		minSpacing: minSpacing,
		now:        nowFn,
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (c *Coordinator) limiter(source string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[source]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.minSpacing), 1)
		c.limiters[source] = l
	}
	return l
}

// Check reports whether a request to the source is currently allowed.
// A denied check returns the time the backoff window closes.
func (c *Coordinator) Check(ctx context.Context, source string) (Decision, error) {
	st, err := c.store.Get(ctx, source)
	if err != nil {
		return Decision{}, err
	}
	return Decide(st, c.now()), nil
}

// Wait blocks until the source's minimum inter-request spacing allows
// another request. Called immediately before each fetch attempt.
func (c *Coordinator) Wait(ctx context.Context, source string) error {
	return c.limiter(source).Wait(ctx)
}

// RecordViolation registers a rate-limit response from the source and
// returns the new state.
func (c *Coordinator) RecordViolation(ctx context.Context, source string) (State, error) {
	return c.store.Update(ctx, source, func(st State) State {
		return st.OnViolation(c.now())
	})
}

// RecordSuccess registers a fully successful request, resetting the
// violation streak.
func (c *Coordinator) RecordSuccess(ctx context.Context, source string) (State, error) {
	return c.store.Update(ctx, source, func(st State) State {
		return st.OnSuccess(c.now())
	})
}
