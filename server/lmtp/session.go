package lmtp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pkg/metrics"
)

type recipient struct {
	addr  string
	list  *mlist.MailingList
	sub   mlist.Subaddress
	token string
}

// route returns the queue and metadata for the recipient.
func (r recipient) route() (string, email.Metadata) {
	meta := email.Metadata{consts.MetaListID: r.list.ListID()}
	switch r.sub {
	case mlist.SubOwner:
		meta[consts.MetaToOwner] = true
		return consts.QueueIn, meta
	case mlist.SubRequest:
		meta[consts.MetaToRequest] = true
		return consts.QueueCommand, meta
	case mlist.SubJoin:
		meta[consts.MetaToJoin] = true
		return consts.QueueCommand, meta
	case mlist.SubLeave:
		meta[consts.MetaToLeave] = true
		return consts.QueueCommand, meta
	case mlist.SubConfirm:
		meta[consts.MetaToConfirm] = true
		meta[consts.MetaToken] = r.token
		return consts.QueueCommand, meta
	case mlist.SubBounces:
		return consts.QueueBounces, meta
	}
	return consts.QueueIn, meta
}

type Session struct {
	backend   *Server
	ctx       context.Context
	remote    string
	startTime time.Time

	sender     string
	hasSender  bool
	recipients []recipient
}

func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	s.sender = helpers.NormalizeAddress(from)
	s.hasSender = true
	s.recipients = nil
	return nil
}

func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if !s.hasSender {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM)",
		}
	}
	list, sub, token, ok := s.backend.lists.Resolve(to)
	if !ok {
		metrics.LMTPRecipientsRejected.Inc()
		logger.Info("LMTP: Unknown recipient", "rcpt", to, "remote", s.remote)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such list",
		}
	}
	s.recipients = append(s.recipients, recipient{addr: to, list: list, sub: sub, token: token})
	return nil
}

func (s *Session) Data(r io.Reader) error {
	if !s.hasSender || len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
		}
	}

	var buf bytes.Buffer
	var reader io.Reader = r
	if s.backend.maxMessageSize > 0 {
		reader = io.LimitReader(r, s.backend.maxMessageSize+1)
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		return s.internalError("failed to read message: %v", err)
	}
	if s.backend.maxMessageSize > 0 && int64(buf.Len()) > s.backend.maxMessageSize {
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("message size exceeds maximum allowed size of %d bytes", s.backend.maxMessageSize),
		}
	}
	metrics.LMTPMessageSizeBytes.Observe(float64(buf.Len()))

	msg, err := email.Parse(buf.Bytes())
	if err != nil {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Could not parse message",
		}
	}
	if err := msg.EnsureMessageID(s.backend.hostname); err != nil {
		return s.internalError("failed to set Message-ID: %v", err)
	}

	received := time.Now().Unix()
	for _, rcpt := range s.recipients {
		queue, meta := rcpt.route()
		meta[consts.MetaEnvelopeSender] = s.sender
		meta[consts.MetaReceivedTime] = received
		// Each entry gets its own copy; runners rewrite messages in place.
		fb, err := s.backend.queues.Enqueue(queue, msg.Clone(), meta)
		if err != nil {
			return s.internalError("failed to enqueue for %s: %v", rcpt.addr, err)
		}
		metrics.LMTPMessagesTotal.WithLabelValues(queue).Inc()
		logger.Info("LMTP: Accepted", "rcpt", rcpt.addr, "list", rcpt.list.ListID(), "queue", queue,
			"file_base", fb, "message_id", msg.LogID())
	}
	return nil
}

func (s *Session) Reset() {
	s.sender = ""
	s.hasSender = false
	s.recipients = nil
}

func (s *Session) Logout() error {
	s.backend.activeConnections.Add(-1)
	metrics.LMTPConnectionsCurrent.Dec()
	logger.Debug("LMTP: Session closed", "remote", s.remote, "duration", time.Since(s.startTime))
	return nil
}

func (s *Session) internalError(format string, a ...any) error {
	msg := fmt.Sprintf(format, a...)
	logger.Error("LMTP: Internal error", "remote", s.remote, "error", msg)
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary local error, try again later",
	}
}
