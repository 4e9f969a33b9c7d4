package config

import (
	"time"

	"github.com/migadu/tidings/helpers"
)

// DeliveryConfig configures the outgoing runner's SMTP smarthost.
type DeliveryConfig struct {
	SMTPHost        string `toml:"smtp_host"`          // Smarthost address (e.g., "localhost:25")
	SMTPTLS         bool   `toml:"smtp_tls"`           // Use implicit TLS
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"`  // Upgrade with STARTTLS
	SMTPTLSVerify   *bool  `toml:"smtp_tls_verify"`    // Verify TLS certificates (default: true)
	SMTPTLSCertFile string `toml:"smtp_tls_cert_file"` // Client certificate for mTLS (optional)
	SMTPTLSKeyFile  string `toml:"smtp_tls_key_file"`  // Client key for mTLS (optional)
	SMTPUsername    string `toml:"smtp_username"`      // SASL PLAIN username (optional)
	SMTPPassword    string `toml:"smtp_password"`      // SASL PLAIN password (optional)

	// MaxRetries is the initial value of retries_remaining for an out entry.
	MaxRetries int `toml:"max_retries"`
	// RetryBackoff lists the delays between attempts; the last one repeats.
	RetryBackoff []string `toml:"retry_backoff"`

	CircuitBreakerThreshold   int    `toml:"circuit_breaker_threshold"`    // Consecutive failures before opening (default: 5)
	CircuitBreakerTimeout     string `toml:"circuit_breaker_timeout"`      // Recovery test interval (default: "30s")
	CircuitBreakerMaxRequests int    `toml:"circuit_breaker_max_requests"` // Max requests in half-open state (default: 3)
}

// IsConfigured reports whether a smarthost has been set.
func (d *DeliveryConfig) IsConfigured() bool {
	return d.SMTPHost != ""
}

// GetTLSVerify defaults to true.
func (d *DeliveryConfig) GetTLSVerify() bool {
	if d.SMTPTLSVerify == nil {
		return true
	}
	return *d.SMTPTLSVerify
}

// GetMaxRetries returns the configured retry budget (default: 5).
func (d *DeliveryConfig) GetMaxRetries() int {
	if d.MaxRetries <= 0 {
		return 5
	}
	return d.MaxRetries
}

// GetRetryBackoff parses the backoff schedule.
func (d *DeliveryConfig) GetRetryBackoff() ([]time.Duration, error) {
	if len(d.RetryBackoff) == 0 {
		return []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}, nil
	}
	out := make([]time.Duration, 0, len(d.RetryBackoff))
	for _, s := range d.RetryBackoff {
		dur, err := helpers.ParseDuration(s)
		if err != nil {
			return nil, err
		}
		out = append(out, dur)
	}
	return out, nil
}

// GetCircuitBreakerTimeout parses the breaker's open-state timeout.
func (d *DeliveryConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	if d.CircuitBreakerTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.CircuitBreakerTimeout)
}
