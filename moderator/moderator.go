// Package moderator applies moderator decisions to held messages.
package moderator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pending"
	"github.com/migadu/tidings/pkg/metrics"
	"github.com/migadu/tidings/queue"
	"github.com/migadu/tidings/templates"
)

type Action string

const (
	Accept  Action = "accept"
	Reject  Action = "reject"
	Discard Action = "discard"
	Defer   Action = "defer"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case Accept, Reject, Discard, Defer:
		return a, nil
	}
	return "", fmt.Errorf("unknown moderation action %q", s)
}

const noReason = "[No reason given]"

type Store interface {
	GetHeldMessage(ctx context.Context, id int64) (*db.HeldMessage, error)
	HeldMessages(ctx context.Context, listID string) ([]db.HeldMessage, error)
	DeleteHeldMessage(ctx context.Context, id int64) error
	InsertHeldMessage(ctx context.Context, m *db.HeldMessage) error
}

type Notifier interface {
	Send(ctx context.Context, list *mlist.MailingList, key string, to []string, data templates.Data) error
}

type Moderator struct {
	store    Store
	pendings *pending.Registry
	queues   queue.Enqueuer
	notifier Notifier
}

func New(store Store, pendings *pending.Registry, queues queue.Enqueuer, notifier Notifier) *Moderator {
	return &Moderator{store: store, pendings: pendings, queues: queues, notifier: notifier}
}

// Held lists the messages held for list, oldest first.
func (m *Moderator) Held(ctx context.Context, list *mlist.MailingList) ([]db.HeldMessage, error) {
	return m.store.HeldMessages(ctx, list.ListID())
}

// HandleMessage applies action to the held message id of list. Defer
// leaves the message held. Every other action first claims the held
// message by deleting it, so of two moderators acting on one message only
// the first succeeds; the second gets consts.ErrNotFound. A message held
// for another list is not found.
func (m *Moderator) HandleMessage(ctx context.Context, list *mlist.MailingList, id int64, action Action, reason string) error {
	held, err := m.store.GetHeldMessage(ctx, id)
	if err != nil {
		return err
	}
	if held.ListID != list.ListID() {
		return consts.ErrNotFound
	}

	var approved *email.Message
	var meta email.Metadata
	switch action {
	case Defer:
		metrics.ModerationDecisionsTotal.WithLabelValues(string(action)).Inc()
		return nil
	case Accept:
		if approved, meta, err = prepareApproved(held); err != nil {
			return err
		}
	case Reject, Discard:
	default:
		return fmt.Errorf("unknown moderation action %q", action)
	}

	if err := m.store.DeleteHeldMessage(ctx, id); err != nil {
		return err
	}

	switch action {
	case Accept:
		if _, err := m.queues.Enqueue(consts.QueuePipeline, approved, meta); err != nil {
			m.restore(context.WithoutCancel(ctx), list, held)
			return fmt.Errorf("failed to enqueue approved message: %w", err)
		}
	case Reject:
		m.reject(ctx, list, held, reason)
	}

	m.dropToken(ctx, list, held)
	metrics.ModerationDecisionsTotal.WithLabelValues(string(action)).Inc()
	logger.Info(fmt.Sprintf("Moderator: held message %s %s", held.MessageID, pastTense(action)),
		"list", list.ListID(), "id", id, "sender", held.Sender)
	return nil
}

func pastTense(a Action) string {
	switch a {
	case Accept:
		return "approved"
	case Reject:
		return "rejected"
	}
	return "discarded"
}

// prepareApproved rebuilds the message and metadata an approved post
// re-enters the pipeline queue with, after the chains.
func prepareApproved(held *db.HeldMessage) (*email.Message, email.Metadata, error) {
	msg, err := email.Parse(held.Raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	meta := email.Metadata{}
	if held.Metadata != "" {
		if err := json.Unmarshal([]byte(held.Metadata), &meta); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
		}
	}
	meta[consts.MetaListID] = held.ListID
	meta[consts.MetaModeratorApproved] = true
	return msg, meta, nil
}

// restore holds a claimed message again after its approval could not be
// queued. The moderator token still names the old id, so it is dropped
// and the message stays reachable through Held.
func (m *Moderator) restore(ctx context.Context, list *mlist.MailingList, held *db.HeldMessage) {
	m.dropToken(ctx, list, held)
	oldID := held.ID
	if err := m.store.InsertHeldMessage(ctx, held); err != nil {
		logger.Error("Moderator: Failed to restore held message, message lost",
			"list", held.ListID, "id", oldID, "message_id", held.MessageID, "error", err)
		return
	}
	logger.Warn("Moderator: Restored held message after failed approval",
		"list", held.ListID, "old_id", oldID, "id", held.ID)
}

func (m *Moderator) reject(ctx context.Context, list *mlist.MailingList, held *db.HeldMessage, reason string) {
	if held.Sender == "" {
		return
	}
	if reason == "" {
		reason = noReason
	}
	data := templates.Data{Email: held.Sender, Subject: held.Subject, Reason: reason}
	if err := m.notifier.Send(ctx, list, templates.UserRejected, []string{held.Sender}, data); err != nil {
		logger.Warn("Moderator: Failed to send rejection notice", "list", list.ListID(), "id", held.ID, "error", err)
	}
}

// dropToken expunges the moderator token pended for held.
func (m *Moderator) dropToken(ctx context.Context, list *mlist.MailingList, held *db.HeldMessage) {
	filter := pending.Filter{
		ListID:        list.ListID(),
		Type:          consts.PendHeldMessage,
		HeldMessageID: held.MessageID,
	}
	var tokens []string
	for p, err := range m.pendings.Find(ctx, filter) {
		if err != nil {
			logger.Warn("Moderator: Failed to look up held message token", "id", held.ID, "error", err)
			return
		}
		if id, ok := p.Pendable.Int64("id"); ok && id == held.ID {
			tokens = append(tokens, p.Token)
		}
	}
	for _, token := range tokens {
		if _, err := m.pendings.Discard(ctx, token); err != nil {
			logger.Warn("Moderator: Failed to discard held message token", "id", held.ID, "error", err)
		}
	}
}
