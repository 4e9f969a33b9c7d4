package workflow

import (
	"context"
	"fmt"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pending"
)

// Manager starts workflows and resumes them from confirmation tokens. It
// is what the admin API, the CLI and the command runner talk to.
type Manager struct {
	lists    *mlist.Manager
	pendings *pending.Registry
	states   StateStore
	roster   mlist.Roster
	notifier Notifier
}

func NewManager(lists *mlist.Manager, pendings *pending.Registry, states StateStore, roster mlist.Roster, notifier Notifier) *Manager {
	return &Manager{
		lists:    lists,
		pendings: pendings,
		states:   states,
		roster:   roster,
		notifier: notifier,
	}
}

func normalize(addr string) (string, error) {
	a := helpers.NormalizeAddress(addr)
	if !helpers.IsValidAddress(a) {
		return "", fmt.Errorf("%w: %q", consts.ErrInvalidAddress, addr)
	}
	return a, nil
}

// Register starts a subscription. When it pauses the token and its owner
// are returned; when it completes the new member is returned instead.
func (m *Manager) Register(ctx context.Context, list *mlist.MailingList, addr, displayName string, opts Options) (string, string, *mlist.Member, error) {
	a, err := normalize(addr)
	if err != nil {
		return "", "", nil, err
	}
	w := m.newSubscription(list, a, displayName, opts)
	if err := w.Run(ctx, StepSubscriptionChecks); err != nil {
		return "", "", nil, err
	}
	return w.Token, w.TokenOwner, w.Member, nil
}

// Unregister starts an unsubscription, with the same results as Register.
// The member is returned once removed.
func (m *Manager) Unregister(ctx context.Context, list *mlist.MailingList, addr string, opts Options) (string, string, *mlist.Member, error) {
	a, err := normalize(addr)
	if err != nil {
		return "", "", nil, err
	}
	w := m.newUnsubscription(list, a, opts)
	if err := w.Run(ctx, StepSubscriptionChecks); err != nil {
		return "", "", nil, err
	}
	if w.Token != "" {
		return w.Token, w.TokenOwner, nil, nil
	}
	return "", w.TokenOwner, w.Member, nil
}

// Confirm resumes the workflow waiting on token. It returns
// consts.ErrNotFound for an unknown token and consts.ErrNotAWorkflow for a
// token that belongs to something else, such as a held message.
func (m *Manager) Confirm(ctx context.Context, token string) (string, string, *mlist.Member, error) {
	p, err := m.pendings.Get(ctx, token)
	if err != nil {
		return "", "", nil, err
	}
	if p == nil {
		return "", "", nil, consts.ErrNotFound
	}
	list, ok := m.lists.Get(p.String(pending.KeyListID))
	if !ok {
		return "", "", nil, fmt.Errorf("%w: %s", consts.ErrUnknownList, p.String(pending.KeyListID))
	}

	switch p.Type() {
	case consts.PendSubscription:
		w := m.newSubscription(list, "", "", Options{})
		if err := w.Resume(ctx, token); err != nil {
			return "", "", nil, err
		}
		return w.Token, w.TokenOwner, w.Member, nil
	case consts.PendUnsubscription:
		w := m.newUnsubscription(list, "", Options{})
		if err := w.Resume(ctx, token); err != nil {
			return "", "", nil, err
		}
		if w.Token != "" {
			return w.Token, w.TokenOwner, nil, nil
		}
		return "", w.TokenOwner, w.Member, nil
	}
	return "", "", nil, fmt.Errorf("%w: %s", consts.ErrNotAWorkflow, p.Type())
}

// Discard drops the pending record and any saved workflow for token. It
// returns consts.ErrNotFound when neither existed.
func (m *Manager) Discard(ctx context.Context, token string) error {
	found, err := m.pendings.Discard(ctx, token)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	found, err = m.states.DeleteWorkflowState(ctx, token)
	if err != nil {
		return err
	}
	if !found {
		return consts.ErrNotFound
	}
	return nil
}
