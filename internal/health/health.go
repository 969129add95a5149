// Package health runs named readiness checks for the dependencies Hearth
// talks to: Postgres, Redis and the background timers.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds each check so one hung dependency cannot stall /health/ready.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker reports the health of one subsystem.
type Checker func(ctx context.Context) Status

// Ping adapts a ping-style call, like (*sql.DB).PingContext, into a Checker.
func Ping(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a registry using DefaultTimeout per check.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-check deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a named checker. Registering a name twice replaces the first.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.checkers {
		if r.checkers[i].name == name {
			r.checkers[i].check = check
			return
		}
	}
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
}

// CheckAll runs every checker concurrently and returns the aggregate result
// plus per-subsystem statuses in registration order. A checker that misses
// its deadline is reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = run(ctx, nc, timeout)
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func run(ctx context.Context, nc namedChecker, timeout time.Duration) Status {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Status, 1)
	go func() { done <- nc.check(cctx) }()

	var s Status
	select {
	case s = <-done:
	case <-cctx.Done():
		s = Status{Healthy: false, Detail: "timed out"}
	}
	s.Name = nc.name
	s.LatencyMs = time.Since(start).Milliseconds()
	return s
}
