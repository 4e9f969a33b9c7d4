package delivery

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu       sync.Mutex
	from     string
	rcpts    []string
	messages []string
}

func (s *sink) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &sinkSession{sink: s}, nil
}

type sinkSession struct {
	sink  *sink
	from  string
	rcpts []string
}

func (s *sinkSession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *sinkSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	switch {
	case strings.HasPrefix(to, "gone@"):
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
	case strings.HasPrefix(to, "full@"):
		return &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 2, 2}, Message: "Mailbox full"}
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *sinkSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()
	s.sink.from = s.from
	s.sink.rcpts = append(s.sink.rcpts, s.rcpts...)
	s.sink.messages = append(s.sink.messages, string(b))
	return nil
}

func (s *sinkSession) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *sinkSession) Logout() error { return nil }

func startSink(t *testing.T) (*sink, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	be := &sink{}
	srv := smtp.NewServer(be)
	srv.Domain = "smarthost.test"
	srv.AllowInsecureAuth = true
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return be, l.Addr().String()
}

const raw = "From: ant-bounces@example.com\r\nTo: ant@example.com\r\nSubject: hi\r\n\r\nhello\r\n"

func TestSMTPTransportDelivers(t *testing.T) {
	be, addr := startSink(t)
	tr, err := NewSMTPTransport(config.DeliveryConfig{SMTPHost: addr}, "lists.example.com")
	require.NoError(t, err)

	res, err := tr.Send(context.Background(), "ant-bounces@example.com",
		[]string{"anne@example.com", "gone@example.com", "full@example.com", "bart@example.com"}, []byte(raw))
	require.NoError(t, err)

	require.Len(t, res.Refused, 2)
	assert.True(t, IsPermanentError(res.Refused["gone@example.com"]))
	assert.False(t, IsPermanentError(res.Refused["full@example.com"]))

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Equal(t, "ant-bounces@example.com", be.from)
	assert.Equal(t, []string{"anne@example.com", "bart@example.com"}, be.rcpts)
	require.Len(t, be.messages, 1)
	assert.Contains(t, be.messages[0], "Subject: hi")
}

func TestSMTPTransportAllRefused(t *testing.T) {
	be, addr := startSink(t)
	tr, err := NewSMTPTransport(config.DeliveryConfig{SMTPHost: addr}, "")
	require.NoError(t, err)

	res, err := tr.Send(context.Background(), "ant-bounces@example.com", []string{"gone@example.com"}, []byte(raw))
	require.NoError(t, err)
	assert.Len(t, res.Refused, 1)

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Empty(t, be.messages)
}

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"5xx", &smtp.SMTPError{Code: 550}, true},
		{"4xx", &smtp.SMTPError{Code: 421}, false},
		{"wrapped 5xx", &DeliveryError{Err: &smtp.SMTPError{Code: 554}, Permanent: true}, true},
		{"network", errors.New("connection refused"), false},
		{"explicit temporary", &DeliveryError{Err: errors.New("x")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanentError(tt.err))
		})
	}
}

func TestSMTPTransportCircuitBreaker(t *testing.T) {
	// Grab a free port and close it so connections are refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	tr, err := NewSMTPTransport(config.DeliveryConfig{
		SMTPHost:                addr,
		CircuitBreakerThreshold: 2,
		CircuitBreakerTimeout:   "1h",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, tr.CircuitBreaker.State())

	for i := 0; i < 2; i++ {
		_, err := tr.Send(context.Background(), "a@example.com", []string{"b@example.com"}, []byte(raw))
		require.Error(t, err)
		assert.False(t, IsPermanentError(err))
		assert.False(t, errors.Is(err, circuitbreaker.ErrOpen))
	}

	_, err = tr.Send(context.Background(), "a@example.com", []string{"b@example.com"}, []byte(raw))
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, IsPermanentError(err))
	assert.Equal(t, circuitbreaker.StateOpen, tr.CircuitBreaker.State())
}

func TestNewSMTPTransportRequiresHost(t *testing.T) {
	_, err := NewSMTPTransport(config.DeliveryConfig{}, "")
	assert.Error(t, err)
}
