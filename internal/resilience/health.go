package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

func (s HealthStatus) rank() int {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	case HealthStatusUnhealthy:
		return 2
	}
	return 3
}

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the aggregate of the last check round.
type SystemHealth struct {
	Status        HealthStatus      `json:"status"`
	Uptime        time.Duration     `json:"uptime"`
	Components    []ComponentHealth `json:"components"`
	Goroutines    int               `json:"goroutines"`
	MemoryAllocMB uint64            `json:"memory_alloc_mb"`
	TotalChecks   int64             `json:"total_checks"`
	FailedChecks  int64             `json:"failed_checks"`
	Panics        int64             `json:"panics"`
}

// HealthMonitor runs registered checks on an interval and keeps the latest
// result per component. A status change is reported to the change hook.
type HealthMonitor struct {
	mu sync.RWMutex

	interval     time.Duration
	checkTimeout time.Duration
	logger       zerolog.Logger
	now          func() time.Time

	started time.Time
	checks  map[string]HealthCheck
	results map[string]ComponentHealth
	overall HealthStatus

	onChange func(ComponentHealth, HealthStatus)

	totalChecks  int64
	failedChecks int64
	panics       int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a monitor that checks every interval.
func NewHealthMonitor(interval time.Duration, logger zerolog.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		interval:     interval,
		checkTimeout: 10 * time.Second,
		logger:       logger.With().Str("component", "health").Logger(),
		now:          time.Now,
		started:      time.Now(),
		checks:       make(map[string]HealthCheck),
		results:      make(map[string]ComponentHealth),
		overall:      HealthStatusUnknown,
		stopCh:       make(chan struct{}),
	}
}

// SetClock replaces the time source.
func (m *HealthMonitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.started = now()
}

// Register adds or replaces the check for name.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// OnChange sets the hook called, outside the lock, whenever a component's
// status differs from its previous result. prev is UNKNOWN on first check.
func (m *HealthMonitor) OnChange(fn func(current ComponentHealth, prev HealthStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start runs one round immediately and then every interval until ctx is done
// or Stop is called.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop halts the check loop.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Check runs every registered check concurrently and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	now := m.now
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	var (
		resMu   sync.Mutex
		results = make([]ComponentHealth, 0, len(checks))
		panics  int64
		wg      conc.WaitGroup
	)
	for name, check := range checks {
		name, check := name, check
		wg.Go(func() {
			h := m.run(ctx, name, check, now)
			resMu.Lock()
			defer resMu.Unlock()
			if _, ok := h.Details["panic"]; ok {
				panics++
			}
			results = append(results, h)
		})
	}
	wg.Wait()

	type change struct {
		current ComponentHealth
		prev    HealthStatus
	}
	var changes []change

	m.mu.Lock()
	m.totalChecks++
	m.panics += panics
	overall := HealthStatusHealthy
	for _, h := range results {
		prev, ok := m.results[h.Name]
		prevStatus := HealthStatusUnknown
		if ok {
			prevStatus = prev.Status
		}
		if prevStatus != h.Status {
			changes = append(changes, change{h, prevStatus})
		}
		m.results[h.Name] = h
		if h.Status == HealthStatusUnhealthy {
			m.failedChecks++
		}
		if h.Status.rank() > overall.rank() {
			overall = h.Status
		}
	}
	m.overall = overall
	hook := m.onChange
	m.mu.Unlock()

	for _, c := range changes {
		ev := m.logger.Info()
		if c.current.Status != HealthStatusHealthy {
			ev = m.logger.Warn()
		}
		ev.Str("check", c.current.Name).
			Str("from", string(c.prev)).
			Str("to", string(c.current.Status)).
			Msg(c.current.Message)
		if hook != nil {
			hook(c.current, c.prev)
		}
	}
	return m.Health()
}

// run executes one check, turning a panic into an unhealthy result.
func (m *HealthMonitor) run(ctx context.Context, name string, check HealthCheck, now func() time.Time) (h ComponentHealth) {
	start := now()
	defer func() {
		if r := recover(); r != nil {
			h = ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("check panicked: %v", r),
				Details: map[string]interface{}{"panic": fmt.Sprint(r)},
			}
		}
		h.Name = name
		h.LastCheck = now()
		h.Latency = h.LastCheck.Sub(start)
		if h.Status == "" {
			h.Status = HealthStatusUnknown
		}
	}()
	return check(ctx)
}

// Health returns the result of the last round.
func (m *HealthMonitor) Health() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make([]ComponentHealth, 0, len(m.results))
	for _, h := range m.results {
		components = append(components, h)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return SystemHealth{
		Status:        m.overall,
		Uptime:        m.now().Sub(m.started),
		Components:    components,
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: mem.Alloc / 1024 / 1024,
		TotalChecks:   m.totalChecks,
		FailedChecks:  m.failedChecks,
		Panics:        m.panics,
	}
}

// Handler serves the last round as JSON: 200 while healthy or degraded,
// 503 otherwise.
func (m *HealthMonitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := m.Health()

		w.Header().Set("Content-Type", "application/json")
		switch health.Status {
		case HealthStatusHealthy, HealthStatusDegraded:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	}
}

// BreakerHealthCheck reports source circuit breakers: degraded while some are
// open, unhealthy when all are.
func BreakerHealthCheck(stats func() []CircuitBreakerStats) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		all := stats()
		var open []string
		for _, s := range all {
			if s.State == CircuitOpen {
				open = append(open, s.Name)
			}
		}
		sort.Strings(open)

		h := ComponentHealth{Details: map[string]interface{}{
			"sources": len(all),
			"open":    open,
		}}
		switch {
		case len(all) == 0:
			h.Status = HealthStatusHealthy
			h.Message = "no sources called yet"
		case len(open) == len(all):
			h.Status = HealthStatusUnhealthy
			h.Message = "every quote source is open-circuited"
		case len(open) > 0:
			h.Status = HealthStatusDegraded
			h.Message = fmt.Sprintf("%d of %d quote sources open-circuited", len(open), len(all))
		default:
			h.Status = HealthStatusHealthy
			h.Message = fmt.Sprintf("%d quote sources closed", len(all))
		}
		return h
	}
}

// DatabaseHealthCheck pings a database. Pings slower than slow are degraded.
func DatabaseHealthCheck(ping func(ctx context.Context) error, slow time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		latency := time.Since(start)

		switch {
		case err != nil:
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("ping failed: %v", err)}
		case slow > 0 && latency > slow:
			return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("slow ping: %v", latency)}
		}
		return ComponentHealth{Status: HealthStatusHealthy, Message: "ping ok"}
	}
}

// StreamHealthCheck reports a streaming connection. A dropped stream is
// degraded rather than unhealthy because other sources may still quote.
func StreamHealthCheck(connected func() bool) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if !connected() {
			return ComponentHealth{Status: HealthStatusDegraded, Message: "stream disconnected"}
		}
		return ComponentHealth{Status: HealthStatusHealthy, Message: "stream connected"}
	}
}

// StatusCheck adapts a plain status function.
func StatusCheck(fn func() (HealthStatus, string)) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		status, msg := fn()
		return ComponentHealth{Status: status, Message: msg}
	}
}
