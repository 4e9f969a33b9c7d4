package health

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/pkg/circuitbreaker"
)

// Pinger is satisfied by *sql.DB and *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// QueueDepths reports the number of entries per queue.
type QueueDepths interface {
	Depths() (map[string]int, error)
}

// HealthIntegration wires the checks a running list server needs into a
// HealthMonitor.
type HealthIntegration struct {
	monitor *HealthMonitor
}

func NewHealthIntegration() *HealthIntegration {
	return &HealthIntegration{monitor: NewHealthMonitor()}
}

func (hi *HealthIntegration) Start(ctx context.Context) {
	hi.monitor.Start(ctx)
}

func (hi *HealthIntegration) Stop() {
	hi.monitor.Stop()
}

func (hi *HealthIntegration) GetMonitor() *HealthMonitor {
	return hi.monitor
}

// RegisterDatabaseCheck pings the roster and pending store.
func (hi *HealthIntegration) RegisterDatabaseCheck(db Pinger) {
	hi.monitor.RegisterCheck(&HealthCheck{
		Name:     "database",
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Critical: true,
		Check:    db.PingContext,
	})
}

// RegisterQueueCheck fails when the spool cannot be read or when the shunt
// and bad queues together hold maxFailed entries or more. A maxFailed of
// zero only checks that the spool is readable.
func (hi *HealthIntegration) RegisterQueueCheck(queues QueueDepths, maxFailed int) {
	hi.monitor.RegisterCheck(&HealthCheck{
		Name:     "queues",
		Interval: time.Minute,
		Timeout:  10 * time.Second,
		Critical: false,
		Check: func(ctx context.Context) error {
			depths, err := queues.Depths()
			if err != nil {
				return fmt.Errorf("reading queue depths: %w", err)
			}
			failed := depths[consts.QueueShunt] + depths[consts.QueueBad]
			if maxFailed > 0 && failed >= maxFailed {
				return fmt.Errorf("%d messages in shunt and bad queues (threshold %d)", failed, maxFailed)
			}
			return nil
		},
	})
}

// RegisterCircuitBreakerCheck reports a breaker that is open or recovering.
func (hi *HealthIntegration) RegisterCircuitBreakerCheck(name string, breaker *circuitbreaker.CircuitBreaker) {
	adapter := NewCircuitBreakerHealthAdapter(breaker)
	hi.monitor.RegisterCheck(&HealthCheck{
		Name:     fmt.Sprintf("circuit_breaker_%s", name),
		Interval: 15 * time.Second,
		Timeout:  time.Second,
		Critical: false,
		Check: func(ctx context.Context) error {
			switch status := adapter.GetStatus(); status {
			case StatusHealthy:
				return nil
			default:
				return fmt.Errorf("circuit breaker %s is %s (%s)", breaker.Name(), breaker.State(), status)
			}
		},
	})
}

func (hi *HealthIntegration) RegisterCustomCheck(check *HealthCheck) {
	hi.monitor.RegisterCheck(check)
}

func (hi *HealthIntegration) GetOverallStatus() ComponentStatus {
	return hi.monitor.GetOverallStatus()
}

// Report is served by the admin API.
func (hi *HealthIntegration) Report() Report {
	return hi.monitor.Report()
}
