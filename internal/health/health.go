// Package health runs periodic dependency checks and exposes liveness
// and readiness endpoints for the quarryd service.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckStatus is the outcome of one health check.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is the recorded outcome of a checker run.
type CheckResult struct {
	Component string        `json:"component"`
	Status    CheckStatus   `json:"-"`
	StatusStr string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// Checker probes one dependency.
type Checker interface {
	// Name is the unique component name.
	Name() string
	// Check probes the dependency; ctx carries the per-check timeout.
	Check(ctx context.Context) error
	// Critical marks checks whose failure makes the service not ready.
	Critical() bool
}

// DefaultInterval is the background check period.
const DefaultInterval = 15 * time.Second

// checkTimeout bounds one checker invocation.
const checkTimeout = 5 * time.Second

// Manager runs registered checkers on a timer and caches the latest
// results for the HTTP endpoints.
type Manager struct {
	logger   *zap.Logger
	interval time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
	results  map[string]CheckResult

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a manager with the default check interval.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger,
		interval: DefaultInterval,
		checkers: make(map[string]Checker),
		results:  make(map[string]CheckResult),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a checker. Registering the same name again replaces it.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers[c.Name()] = c
	m.mu.Unlock()
}

// Start runs an immediate pass then checks on the interval until Stop
// or ctx cancellation.
func (m *Manager) Start(ctx context.Context) {
	m.runChecks(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runChecks(ctx)
			}
		}
	}()
}

// Stop ends background checking.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) runChecks(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		err := c.Check(checkCtx)
		cancel()

		result := CheckResult{
			Component: c.Name(),
			Status:    StatusHealthy,
			Duration:  time.Since(start),
			Timestamp: time.Now().UTC(),
			Critical:  c.Critical(),
		}
		if err != nil {
			result.Status = StatusUnhealthy
			if !c.Critical() {
				result.Status = StatusDegraded
			}
			result.Error = err.Error()
			m.logger.Warn("Health check failed",
				zap.String("component", c.Name()),
				zap.Bool("critical", c.Critical()),
				zap.Error(err))
		}
		result.StatusStr = result.Status.String()

		m.mu.Lock()
		m.results[c.Name()] = result
		m.mu.Unlock()
	}
}

// Results returns a copy of the latest check results.
func (m *Manager) Results() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.results))
	for k, v := range m.results {
		out[k] = v
	}
	return out
}

// Overall reduces the latest results to one status: unhealthy if any
// critical check failed, degraded if any non-critical check failed.
func (m *Manager) Overall() CheckStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := StatusHealthy
	for _, r := range m.results {
		switch {
		case r.Status == StatusUnhealthy && r.Critical:
			return StatusUnhealthy
		case r.Status != StatusHealthy:
			status = StatusDegraded
		}
	}
	return status
}

// Ready reports whether every critical dependency is up. A service with
// no registered checkers is ready by definition.
func (m *Manager) Ready() bool {
	return m.Overall() != StatusUnhealthy
}
