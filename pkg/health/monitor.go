package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/pkg/circuitbreaker"
	"github.com/migadu/tidings/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

// gaugeValue maps a status onto the ComponentHealthStatus gauge.
func (s ComponentStatus) gaugeValue() float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	default:
		return 0
	}
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // failure makes the whole server unhealthy
	Enabled  bool

	// Fields below are protected by mu
	mu         sync.RWMutex
	LastCheck  time.Time
	LastError  error
	Status     ComponentStatus
	CheckCount int
	FailCount  int
}

// CheckStatus is a point-in-time copy of one check's state.
type CheckStatus struct {
	Name       string          `json:"name"`
	Status     ComponentStatus `json:"status"`
	Critical   bool            `json:"critical"`
	LastCheck  time.Time       `json:"last_check"`
	LastError  string          `json:"last_error,omitempty"`
	CheckCount int             `json:"check_count"`
	FailCount  int             `json:"fail_count"`
}

// Report is the overall status together with every registered check.
type Report struct {
	Status ComponentStatus `json:"status"`
	Checks []CheckStatus   `json:"checks"`
}

type HealthMonitor struct {
	checks          map[string]*HealthCheck
	mu              sync.RWMutex
	overallStatus   ComponentStatus
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	statusCallbacks []func(name string, status ComponentStatus)
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.Status = StatusHealthy
	check.Enabled = true

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

func (hm *HealthMonitor) AddStatusCallback(callback func(name string, status ComponentStatus)) {
	hm.mu.Lock()
	hm.statusCallbacks = append(hm.statusCallbacks, callback)
	hm.mu.Unlock()
}

// Start launches one goroutine per enabled check. The first check of each
// runs after one interval so that startup has settled.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		if !check.Enabled {
			continue
		}
		hm.wg.Add(1)
		go func(c *HealthCheck) {
			defer hm.wg.Done()
			hm.runHealthCheck(ctx, c)
		}(check)
	}
}

// Stop cancels the check goroutines and waits for them to return.
func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

// RunChecks performs every enabled check once, synchronously.
func (hm *HealthMonitor) RunChecks(ctx context.Context) {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		if check.Enabled {
			checks = append(checks, check)
		}
	}
	hm.mu.RUnlock()

	for _, check := range checks {
		hm.performCheck(ctx, check)
	}
}

func (hm *HealthMonitor) runHealthCheck(ctx context.Context, check *HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Info("Health: monitoring started", "check", check.Name, "interval", check.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.performCheck(ctx, check)
		}
	}
}

func (hm *HealthMonitor) performCheck(ctx context.Context, check *HealthCheck) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("Health: check panicked", "check", check.Name, "error", err)

			check.mu.Lock()
			check.Status = StatusUnhealthy
			check.LastError = err
			check.mu.Unlock()

			metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(StatusUnhealthy.gaugeValue())
			hm.notifyStatusChange(check.Name, StatusUnhealthy)
			hm.updateOverallStatus()
		}
	}()

	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err := check.Check(checkCtx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())

	check.mu.Lock()
	check.CheckCount++
	check.LastCheck = time.Now()
	previous := check.Status
	first := check.CheckCount == 1

	if err != nil {
		check.FailCount++
		check.LastError = err

		// A single failure degrades; a sustained failure rate is unhealthy.
		failureRate := float64(check.FailCount) / float64(check.CheckCount)
		if failureRate >= 0.5 {
			check.Status = StatusUnhealthy
		} else {
			check.Status = StatusDegraded
		}
		logger.Warn("Health: check failed", "check", check.Name, "error", err,
			"status", check.Status, "failure_rate", fmt.Sprintf("%.2f", failureRate))
	} else {
		check.LastError = nil
		check.Status = StatusHealthy
	}
	current := check.Status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(current)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(current.gaugeValue())

	if previous != current || first {
		if first {
			logger.Info("Health: check initialized", "check", check.Name, "status", current)
		} else {
			logger.Info("Health: check status changed", "check", check.Name, "from", previous, "to", current)
		}
		hm.notifyStatusChange(check.Name, current)
	}

	hm.updateOverallStatus()
}

func (hm *HealthMonitor) notifyStatusChange(name string, status ComponentStatus) {
	hm.mu.RLock()
	callbacks := make([]func(string, ComponentStatus), len(hm.statusCallbacks))
	copy(callbacks, hm.statusCallbacks)
	hm.mu.RUnlock()

	for _, callback := range callbacks {
		callback(name, status)
	}
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool
	for _, check := range hm.checks {
		check.mu.RLock()
		status := check.Status
		critical := check.Critical
		check.mu.RUnlock()

		switch status {
		case StatusUnhealthy, StatusUnreachable:
			if critical {
				criticalUnhealthy = true
			} else {
				anyDegraded = true
			}
		case StatusDegraded:
			anyDegraded = true
		}
	}

	previous := hm.overallStatus
	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}

	if previous != hm.overallStatus {
		logger.Info("Health: overall status changed", "from", previous, "to", hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

func (hm *HealthMonitor) GetCheckStatus(name string) (ComponentStatus, bool) {
	hm.mu.RLock()
	check, exists := hm.checks[name]
	hm.mu.RUnlock()

	if !exists {
		return StatusUnreachable, false
	}

	check.mu.RLock()
	defer check.mu.RUnlock()
	return check.Status, true
}

func (hm *HealthMonitor) IsHealthy(name string) bool {
	status, exists := hm.GetCheckStatus(name)
	return exists && status == StatusHealthy
}

// Report returns the overall status and every check, sorted by name.
func (hm *HealthMonitor) Report() Report {
	hm.mu.RLock()
	report := Report{Status: hm.overallStatus, Checks: make([]CheckStatus, 0, len(hm.checks))}
	for _, check := range hm.checks {
		check.mu.RLock()
		cs := CheckStatus{
			Name:       check.Name,
			Status:     check.Status,
			Critical:   check.Critical,
			LastCheck:  check.LastCheck,
			CheckCount: check.CheckCount,
			FailCount:  check.FailCount,
		}
		if check.LastError != nil {
			cs.LastError = check.LastError.Error()
		}
		check.mu.RUnlock()
		report.Checks = append(report.Checks, cs)
	}
	hm.mu.RUnlock()

	sort.Slice(report.Checks, func(i, j int) bool { return report.Checks[i].Name < report.Checks[j].Name })
	return report
}

type CircuitBreakerHealthAdapter struct {
	breaker *circuitbreaker.CircuitBreaker
}

func NewCircuitBreakerHealthAdapter(breaker *circuitbreaker.CircuitBreaker) *CircuitBreakerHealthAdapter {
	return &CircuitBreakerHealthAdapter{breaker: breaker}
}

func (cb *CircuitBreakerHealthAdapter) GetStatus() ComponentStatus {
	switch cb.breaker.State() {
	case circuitbreaker.StateClosed:
		counts := cb.breaker.Counts()
		if counts.Requests > 0 && counts.TotalFailures > 0 {
			if float64(counts.TotalFailures)/float64(counts.Requests) > 0.2 {
				return StatusDegraded
			}
		}
		return StatusHealthy
	case circuitbreaker.StateHalfOpen:
		return StatusDegraded
	case circuitbreaker.StateOpen:
		return StatusUnhealthy
	default:
		return StatusUnreachable
	}
}
