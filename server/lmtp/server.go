// Package lmtp accepts mail for the configured lists from the MTA.
//
// Each recipient is resolved to a list and a subaddress, and the message
// is enqueued once per recipient on the queue that handles that address:
// postings and owner mail go to "in", requests to "command", bounces to
// "bounces". Recipients that match no list are refused at RCPT time.
package lmtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pkg/metrics"
)

// Resolver maps an address to a list. mlist.Manager implements it.
type Resolver interface {
	Resolve(addr string) (*mlist.MailingList, mlist.Subaddress, string, bool)
}

// Queues accepts the resolved messages. queue.Set implements it.
type Queues interface {
	Enqueue(queue string, msg *email.Message, meta email.Metadata) (string, error)
}

type Options struct {
	MaxMessageSize int64 // bytes, 0 for no limit
	TLSCertFile    string
	TLSKeyFile     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

type Server struct {
	addr           string
	hostname       string
	lists          Resolver
	queues         Queues
	maxMessageSize int64
	tlsConfig      *tls.Config
	appCtx         context.Context
	server         *smtp.Server

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

func New(appCtx context.Context, hostname, addr string, lists Resolver, queues Queues, options Options) (*Server, error) {
	if lists == nil || queues == nil {
		return nil, fmt.Errorf("lmtp: lists and queues are required")
	}
	b := &Server{
		addr:           addr,
		hostname:       hostname,
		lists:          lists,
		queues:         queues,
		maxMessageSize: options.MaxMessageSize,
		appCtx:         appCtx,
	}

	if options.TLSCertFile != "" && options.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		b.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			ServerName:   hostname,
		}
	}

	s := smtp.NewServer(b)
	s.Addr = addr
	s.Domain = hostname
	s.LMTP = true
	s.AllowInsecureAuth = true
	if options.MaxMessageSize > 0 {
		s.MaxMessageBytes = options.MaxMessageSize
	}
	s.ReadTimeout = options.ReadTimeout
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 5 * time.Minute
	}
	s.WriteTimeout = options.WriteTimeout
	if s.WriteTimeout == 0 {
		s.WriteTimeout = time.Minute
	}
	if b.tlsConfig != nil {
		s.TLSConfig = b.tlsConfig
	}
	b.server = s
	return b, nil
}

func (b *Server) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.totalConnections.Add(1)
	b.activeConnections.Add(1)
	metrics.LMTPConnectionsCurrent.Inc()

	s := &Session{
		backend:   b,
		ctx:       b.appCtx,
		startTime: time.Now(),
	}
	if c != nil && c.Conn() != nil {
		s.remote = c.Conn().RemoteAddr().String()
	}
	logger.Debug("LMTP: New session", "remote", s.remote, "active", b.activeConnections.Load())
	return s, nil
}

// Start listens on the configured address and serves until Close. Errors
// other than a shutdown are sent to errChan.
func (b *Server) Start(errChan chan error) {
	l, err := net.Listen("tcp", b.addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	logger.Info("LMTP server listening", "addr", b.addr, "starttls", b.tlsConfig != nil)
	if err := b.Serve(l); err != nil && b.appCtx.Err() == nil {
		errChan <- fmt.Errorf("LMTP server error: %w", err)
		return
	}
	logger.Info("LMTP server stopped gracefully")
}

func (b *Server) Serve(l net.Listener) error {
	err := b.server.Serve(l)
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

func (b *Server) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

func (b *Server) GetTotalConnections() int64  { return b.totalConnections.Load() }
func (b *Server) GetActiveConnections() int64 { return b.activeConnections.Load() }
