// Package delivery hands outgoing list mail to the smarthost.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/pkg/circuitbreaker"
	"github.com/migadu/tidings/pkg/metrics"
)

// DeliveryError wraps an error with whether retrying can help.
// Permanent errors are 5xx replies and configuration problems; 4xx replies
// and network errors are temporary.
type DeliveryError struct {
	Err       error
	Permanent bool
}

func (e *DeliveryError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a permanent failure.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var derr *DeliveryError
	if errors.As(err, &derr) {
		return derr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// Result reports recipients the smarthost refused. A transaction that
// returns a nil error delivered to every recipient not listed here.
type Result struct {
	Refused map[string]error
}

func (r *Result) refuse(rcpt string, err error) {
	if r.Refused == nil {
		r.Refused = make(map[string]error)
	}
	r.Refused[rcpt] = err
}

// Transport sends one message to a set of recipients in one transaction.
type Transport interface {
	Send(ctx context.Context, from string, to []string, raw []byte) (*Result, error)
}

// SMTPTransport delivers through an SMTP smarthost.
type SMTPTransport struct {
	Host        string
	Hostname    string // EHLO name
	UseTLS      bool   // implicit TLS
	UseStartTLS bool
	TLSVerify   bool
	TLSCertFile string
	TLSKeyFile  string
	Username    string
	Password    string
	Timeout     time.Duration

	CircuitBreaker *circuitbreaker.CircuitBreaker
}

// NewSMTPTransport builds a transport from the [delivery] section.
func NewSMTPTransport(cfg config.DeliveryConfig, hostname string) (*SMTPTransport, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("delivery: smtp_host is not configured")
	}
	timeout, err := cfg.GetCircuitBreakerTimeout()
	if err != nil {
		return nil, fmt.Errorf("delivery: invalid circuit_breaker_timeout: %w", err)
	}
	threshold := cfg.CircuitBreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	maxRequests := cfg.CircuitBreakerMaxRequests
	if maxRequests <= 0 {
		maxRequests = 3
	}

	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "smtp_delivery",
		MaxRequests: uint32(maxRequests),
		Interval:    10 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Delivery: Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		// A 5xx is a healthy smarthost saying no.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanentError(err)
		},
	})

	return &SMTPTransport{
		Host:           cfg.SMTPHost,
		Hostname:       hostname,
		UseTLS:         cfg.SMTPTLS,
		UseStartTLS:    cfg.SMTPUseStartTLS,
		TLSVerify:      cfg.GetTLSVerify(),
		TLSCertFile:    cfg.SMTPTLSCertFile,
		TLSKeyFile:     cfg.SMTPTLSKeyFile,
		Username:       cfg.SMTPUsername,
		Password:       cfg.SMTPPassword,
		CircuitBreaker: cb,
	}, nil
}

// Send runs one SMTP transaction. Recipients refused at RCPT are reported
// in the result; an error means nobody received the message.
func (t *SMTPTransport) Send(ctx context.Context, from string, to []string, raw []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.CircuitBreaker == nil {
		return t.send(from, to, raw)
	}

	var res *Result
	err := t.CircuitBreaker.Do(func() error {
		var err error
		res, err = t.send(from, to, raw)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		logger.Warn("Delivery: Circuit breaker is OPEN - skipping delivery", "host", t.Host)
		metrics.DeliveriesTotal.WithLabelValues("circuit_breaker_open").Inc()
		return nil, &DeliveryError{Err: err, Permanent: false}
	}
	return res, err
}

func (t *SMTPTransport) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !t.TLSVerify,
	}
	if t.TLSCertFile != "" && t.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.TLSCertFile, t.TLSKeyFile)
		if err != nil {
			return nil, &DeliveryError{Err: fmt.Errorf("failed to load client certificate: %w", err), Permanent: true}
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (t *SMTPTransport) dial() (*smtp.Client, error) {
	if !t.UseTLS && !t.UseStartTLS {
		c, err := smtp.Dial(t.Host)
		if err != nil {
			return nil, &DeliveryError{Err: fmt.Errorf("failed to connect to smarthost: %w", err)}
		}
		return c, t.hello(c)
	}
	tlsConfig, err := t.tlsConfig()
	if err != nil {
		return nil, err
	}
	if t.UseStartTLS {
		c, err := smtp.DialStartTLS(t.Host, tlsConfig)
		if err != nil {
			return nil, &DeliveryError{Err: fmt.Errorf("failed to connect to smarthost with STARTTLS: %w", err)}
		}
		return c, nil
	}
	c, err := smtp.DialTLS(t.Host, tlsConfig)
	if err != nil {
		return nil, &DeliveryError{Err: fmt.Errorf("failed to connect to smarthost with TLS: %w", err)}
	}
	return c, t.hello(c)
}

func (t *SMTPTransport) hello(c *smtp.Client) error {
	if t.Hostname == "" {
		return nil
	}
	if err := c.Hello(t.Hostname); err != nil {
		c.Close()
		return &DeliveryError{Err: fmt.Errorf("EHLO failed: %w", err), Permanent: IsPermanentError(err)}
	}
	return nil
}

func (t *SMTPTransport) send(from string, to []string, raw []byte) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	}()

	c, err := t.dial()
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}
	defer c.Close()

	res := &Result{}
	err = t.transaction(c, from, to, raw, res)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}
	metrics.DeliveriesTotal.WithLabelValues("success").Inc()

	if qerr := c.Quit(); qerr != nil {
		// The message was already accepted.
		logger.Warn("Delivery: Failed to send QUIT", "host", t.Host, "error", qerr)
	}
	return res, nil
}

func (t *SMTPTransport) transaction(c *smtp.Client, from string, to []string, raw []byte, res *Result) error {
	if t.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.Username, t.Password)); err != nil {
			return &DeliveryError{Err: fmt.Errorf("authentication failed: %w", err), Permanent: IsPermanentError(err)}
		}
	}
	if err := c.Mail(from, nil); err != nil {
		return &DeliveryError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}

	accepted := 0
	var lastErr error
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			res.refuse(rcpt, err)
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		if lastErr == nil {
			return &DeliveryError{Err: errors.New("no recipients"), Permanent: true}
		}
		// Every recipient was refused; report it per recipient.
		if err := c.Reset(); err != nil {
			logger.Debug("Delivery: RSET failed", "error", err)
		}
		return nil
	}

	wc, err := c.Data()
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return &DeliveryError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &DeliveryError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}
	return nil
}

func resultLabel(err error) string {
	if IsPermanentError(err) {
		return "permanent"
	}
	return "temporary"
}
