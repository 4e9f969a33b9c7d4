package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pkg/metrics"
	"github.com/migadu/tidings/server/delivery"
)

// Outgoing hands messages to the smarthost. Recipients that fail
// temporarily are retried from the same entry with a growing delay until
// retries_remaining runs out, and the entry is then shunted.
type Outgoing struct {
	transport  delivery.Transport
	maxRetries int
	backoff    []time.Duration
	now        func() time.Time
}

func NewOutgoing(transport delivery.Transport, cfg config.DeliveryConfig) (*Outgoing, error) {
	backoff, err := cfg.GetRetryBackoff()
	if err != nil {
		return nil, fmt.Errorf("invalid retry_backoff: %w", err)
	}
	return &Outgoing{
		transport:  transport,
		maxRetries: cfg.GetMaxRetries(),
		backoff:    backoff,
		now:        time.Now,
	}, nil
}

func (r *Outgoing) Dispose(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if after, ok := meta.Int(consts.MetaDeliverAfter); ok && r.now().Unix() < int64(after) {
		return true, nil
	}

	recipients := meta.Strings(consts.MetaRecipients)
	if len(recipients) == 0 {
		logger.Warn("Runner[out]: No recipients", "message_id", msg.LogID())
		return false, nil
	}

	from := meta.String(consts.MetaMailFrom)
	if from == "" && list != nil {
		from = list.BouncesAddress()
	}
	raw := msg.Bytes()

	var failed []string
	if meta.Bool(consts.MetaVERP) && from != "" {
		for _, rcpt := range recipients {
			res, err := r.transport.Send(ctx, helpers.VERPAddress(from, rcpt), []string{rcpt}, raw)
			failed = append(failed, r.temporaryFailures(msg, []string{rcpt}, res, err)...)
		}
	} else {
		res, err := r.transport.Send(ctx, from, recipients, raw)
		failed = r.temporaryFailures(msg, recipients, res, err)
	}

	if len(failed) == 0 {
		logger.Debug("Runner[out]: Delivered", "message_id", msg.LogID(), "recipients", len(recipients))
		return false, nil
	}
	return r.retry(msg, meta, failed)
}

// temporaryFailures logs permanent refusals and returns the recipients
// worth retrying.
func (r *Outgoing) temporaryFailures(msg *email.Message, rcpts []string, res *delivery.Result, err error) []string {
	if err != nil {
		if delivery.IsPermanentError(err) {
			for _, rcpt := range rcpts {
				r.permanent(msg, rcpt, err)
			}
			return nil
		}
		logger.Warn("Runner[out]: Temporary delivery failure", "message_id", msg.LogID(),
			"recipients", len(rcpts), "error", err)
		return rcpts
	}
	if res == nil {
		return nil
	}
	var out []string
	for _, rcpt := range rcpts {
		rerr, refused := res.Refused[rcpt]
		switch {
		case !refused:
		case delivery.IsPermanentError(rerr):
			r.permanent(msg, rcpt, rerr)
		default:
			logger.Warn("Runner[out]: Recipient deferred", "message_id", msg.LogID(), "recipient", rcpt, "error", rerr)
			out = append(out, rcpt)
		}
	}
	return out
}

func (r *Outgoing) permanent(msg *email.Message, rcpt string, err error) {
	logger.Warn("Runner[out]: Permanent delivery failure", "message_id", msg.LogID(), "recipient", rcpt, "error", err)
	metrics.DeliveriesTotal.WithLabelValues("refused").Inc()
}

func (r *Outgoing) retry(msg *email.Message, meta email.Metadata, failed []string) (bool, error) {
	remaining, ok := meta.Int(consts.MetaRetriesRemaining)
	if !ok {
		remaining = r.maxRetries
	}
	meta[consts.MetaRecipients] = failed

	if remaining <= 0 {
		// An unshunted entry starts over with a fresh retry budget.
		delete(meta, consts.MetaRetriesRemaining)
		delete(meta, consts.MetaDeliverAfter)
		return false, fmt.Errorf("delivery to %d recipients failed after %d retries", len(failed), r.maxRetries)
	}

	attempt := r.maxRetries - remaining
	delay := r.backoff[len(r.backoff)-1]
	if attempt >= 0 && attempt < len(r.backoff) {
		delay = r.backoff[attempt]
	}
	meta[consts.MetaRetriesRemaining] = remaining - 1
	meta[consts.MetaDeliverAfter] = r.now().Add(delay).Unix()

	logger.Info("Runner[out]: Will retry delivery", "message_id", msg.LogID(), "recipients", len(failed),
		"retries_remaining", remaining-1, "delay", delay)
	return true, nil
}
