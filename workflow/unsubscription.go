package workflow

import (
	"context"
	"errors"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pending"
	"github.com/migadu/tidings/templates"
)

type unsubscriptionAttrs struct {
	Email string `json:"email"`
	Options
}

// UnsubscriptionWorkflow removes a member, asking the member and the
// moderators as the list's unsubscription policy requires.
type UnsubscriptionWorkflow struct {
	Base
	attrs    unsubscriptionAttrs
	roster   mlist.Roster
	notifier Notifier

	// Member is the roster entry being removed, once known.
	Member *mlist.Member
}

func (m *Manager) newUnsubscription(list *mlist.MailingList, addr string, opts Options) *UnsubscriptionWorkflow {
	w := &UnsubscriptionWorkflow{
		Base:     newBase(consts.PendUnsubscription, list, m.pendings, m.states),
		attrs:    unsubscriptionAttrs{Email: addr, Options: opts},
		roster:   m.roster,
		notifier: m.notifier,
	}
	w.Base.attrs = &w.attrs
	w.describe = func() pending.Pendable {
		return pending.Pendable{"email": w.attrs.Email}
	}
	w.step(StepSubscriptionChecks, w.subscriptionChecks)
	w.step(StepConfirmationChecks, w.confirmationChecks)
	w.step(StepSendConfirmation, w.sendConfirmation)
	w.step(StepDoConfirmVerify, w.doConfirmVerify)
	w.step(StepModerationChecks, w.moderationChecks)
	w.step(StepGetModeratorApproval, w.getModeratorApproval)
	w.step(StepUnsubscribeFromRestore, w.unsubscribeFromRestored)
	w.step(StepDoUnsubscription, w.doUnsubscription)
	return w
}

func (w *UnsubscriptionWorkflow) Email() string {
	return w.attrs.Email
}

func (w *UnsubscriptionWorkflow) data() templates.Data {
	return templates.Data{
		List:  templates.ForList(w.List),
		Email: w.attrs.Email,
		Token: w.Token,
	}
}

func (w *UnsubscriptionWorkflow) subscriptionChecks(ctx context.Context) (Result, error) {
	member, err := w.roster.GetMember(ctx, w.List.ListID(), w.attrs.Email, mlist.RoleMember)
	if err != nil {
		if isNotFound(err) {
			return Result{}, consts.ErrNotAMember
		}
		return Result{}, err
	}
	w.Member = member
	return Continue(StepConfirmationChecks), nil
}

func (w *UnsubscriptionWorkflow) confirmationChecks(context.Context) (Result, error) {
	policy := w.List.GetUnsubscriptionPolicy()
	switch {
	case policy == mlist.PolicyOpen:
		return Continue(StepDoUnsubscription), nil
	case w.attrs.PreConfirmed:
		if policy.Moderated() {
			return Continue(StepModerationChecks), nil
		}
		return Continue(StepDoUnsubscription), nil
	case policy == mlist.PolicyModerate:
		return Continue(StepModerationChecks), nil
	}
	return Continue(StepSendConfirmation), nil
}

func (w *UnsubscriptionWorkflow) sendConfirmation(ctx context.Context) (Result, error) {
	if err := w.SetToken(ctx, consts.TokenOwnerSubscriber); err != nil {
		return Result{}, err
	}
	w.Push(StepDoConfirmVerify)
	data := w.data()
	return Pause(func(ctx context.Context) error {
		return w.notifier.Send(ctx, w.List, templates.UserUnsubscribe, []string{w.attrs.Email}, data)
	}), nil
}

// doConfirmVerify goes on to moderation when the policy asks for it.
func (w *UnsubscriptionWorkflow) doConfirmVerify(ctx context.Context) (Result, error) {
	if err := w.SetToken(ctx, consts.TokenOwnerNoOne); err != nil {
		return Result{}, err
	}
	w.attrs.PreConfirmed = true
	if w.List.GetUnsubscriptionPolicy().Moderated() {
		return Continue(StepModerationChecks), nil
	}
	return Continue(StepDoUnsubscription), nil
}

func (w *UnsubscriptionWorkflow) moderationChecks(context.Context) (Result, error) {
	if w.List.GetUnsubscriptionPolicy().Moderated() && !w.attrs.PreApproved {
		return Continue(StepGetModeratorApproval), nil
	}
	return Continue(StepDoUnsubscription), nil
}

func (w *UnsubscriptionWorkflow) getModeratorApproval(ctx context.Context) (Result, error) {
	if err := w.SetToken(ctx, consts.TokenOwnerModerator); err != nil {
		return Result{}, err
	}
	w.Push(StepUnsubscribeFromRestore)
	if !w.List.AdminImmedNotify() {
		return Pause(), nil
	}
	data := w.data()
	return Pause(func(ctx context.Context) error {
		return w.notifier.NotifyModerators(ctx, w.List, templates.AdminUnsubscribe, data)
	}), nil
}

func (w *UnsubscriptionWorkflow) unsubscribeFromRestored(ctx context.Context) (Result, error) {
	if err := w.SetToken(ctx, consts.TokenOwnerNoOne); err != nil {
		return Result{}, err
	}
	w.attrs.PreApproved = true
	return Continue(StepDoUnsubscription), nil
}

func (w *UnsubscriptionWorkflow) doUnsubscription(ctx context.Context) (Result, error) {
	listID := w.List.ListID()
	if w.Member == nil {
		member, err := w.roster.GetMember(ctx, listID, w.attrs.Email, mlist.RoleMember)
		if err != nil {
			if isNotFound(err) {
				return Result{}, consts.ErrNotAMember
			}
			return Result{}, err
		}
		w.Member = member
	}
	if err := w.roster.RemoveMember(ctx, listID, w.attrs.Email, mlist.RoleMember); err != nil {
		if errors.Is(err, consts.ErrNotFound) {
			return Result{}, consts.ErrNotAMember
		}
		return Result{}, err
	}
	logger.Info("Workflow: Unsubscribed member", "list", listID, "email", w.attrs.Email)

	if w.List.SendGoodbyeMessage() {
		if err := w.notifier.Send(ctx, w.List, templates.UserGoodbye, []string{w.attrs.Email}, w.data()); err != nil {
			logger.Warn("Workflow: Failed to send goodbye message", "list", listID, "email", w.attrs.Email, "error", err)
		}
	}
	return Done(), nil
}
