package workflow

import (
	"context"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pending"
	"github.com/migadu/tidings/templates"
)

// Step names, shared by both workflows where they mean the same thing.
const (
	StepSubscriptionChecks     = "subscription_checks"
	StepConfirmationChecks     = "confirmation_checks"
	StepSendConfirmation       = "send_confirmation"
	StepDoConfirmVerify        = "do_confirm_verify"
	StepModerationChecks       = "moderation_checks"
	StepGetModeratorApproval   = "get_moderator_approval"
	StepSubscribeFromRestored  = "subscribe_from_restored"
	StepDoSubscription         = "do_subscription"
	StepUnsubscribeFromRestore = "unsubscribe_from_restored"
	StepDoUnsubscription       = "do_unsubscription"
)

// Options relax the checks a request goes through.
type Options struct {
	// PreConfirmed skips the confirmation by the subscriber.
	PreConfirmed bool `json:"pre_confirmed"`
	// PreApproved skips moderator approval.
	PreApproved bool `json:"pre_approved"`
}

type subscriptionAttrs struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Options
}

// SubscriptionWorkflow adds an address to a list's members, asking the
// subscriber and the moderators as the list's policy requires.
type SubscriptionWorkflow struct {
	Base
	attrs    subscriptionAttrs
	roster   mlist.Roster
	notifier Notifier

	// Member is set once the subscription is done.
	Member *mlist.Member
}

func (m *Manager) newSubscription(list *mlist.MailingList, addr, displayName string, opts Options) *SubscriptionWorkflow {
	w := &SubscriptionWorkflow{
		Base:     newBase(consts.PendSubscription, list, m.pendings, m.states),
		attrs:    subscriptionAttrs{Email: addr, DisplayName: displayName, Options: opts},
		roster:   m.roster,
		notifier: m.notifier,
	}
	w.Base.attrs = &w.attrs
	w.describe = func() pending.Pendable {
		return pending.Pendable{"email": w.attrs.Email, "display_name": w.attrs.DisplayName}
	}
	w.step(StepSubscriptionChecks, w.subscriptionChecks)
	w.step(StepConfirmationChecks, w.confirmationChecks)
	w.step(StepSendConfirmation, w.sendConfirmation)
	w.step(StepDoConfirmVerify, w.doConfirmVerify)
	w.step(StepModerationChecks, w.moderationChecks)
	w.step(StepGetModeratorApproval, w.getModeratorApproval)
	w.step(StepSubscribeFromRestored, w.subscribeFromRestored)
	w.step(StepDoSubscription, w.doSubscription)
	return w
}

func (w *SubscriptionWorkflow) Email() string {
	return w.attrs.Email
}

func (w *SubscriptionWorkflow) data() templates.Data {
	return templates.Data{
		List:        templates.ForList(w.List),
		Email:       w.attrs.Email,
		DisplayName: w.attrs.DisplayName,
		Token:       w.Token,
	}
}

func (w *SubscriptionWorkflow) subscriptionChecks(ctx context.Context) (Result, error) {
	listID := w.List.ListID()
	banned, err := w.roster.IsBanned(ctx, listID, w.attrs.Email)
	if err != nil {
		return Result{}, err
	}
	if banned {
		return Result{}, consts.ErrMembershipBanned
	}
	if _, err := w.roster.GetMember(ctx, listID, w.attrs.Email, mlist.RoleMember); err == nil {
		return Result{}, consts.ErrAlreadySubscribed
	} else if !isNotFound(err) {
		return Result{}, err
	}
	waiting, err := isPending(ctx, w.pendings, w.List, w.Kind, w.attrs.Email)
	if err != nil {
		return Result{}, err
	}
	if waiting {
		return Result{}, consts.ErrSubscriptionPending
	}
	return Continue(StepConfirmationChecks), nil
}

func (w *SubscriptionWorkflow) confirmationChecks(context.Context) (Result, error) {
	policy := w.List.GetSubscriptionPolicy()
	switch {
	case policy == mlist.PolicyOpen:
		return Continue(StepDoSubscription), nil
	case w.attrs.PreConfirmed:
		if policy.Moderated() {
			return Continue(StepModerationChecks), nil
		}
		return Continue(StepDoSubscription), nil
	case policy == mlist.PolicyModerate:
		return Continue(StepModerationChecks), nil
	}
	return Continue(StepSendConfirmation), nil
}

func (w *SubscriptionWorkflow) sendConfirmation(ctx context.Context) (Result, error) {
	if err := w.SetToken(ctx, consts.TokenOwnerSubscriber); err != nil {
		return Result{}, err
	}
	w.Push(StepDoConfirmVerify)
	data := w.data()
	return Pause(func(ctx context.Context) error {
		return w.notifier.Send(ctx, w.List, templates.UserSubscribe, []string{w.attrs.Email}, data)
	}), nil
}

func (w *SubscriptionWorkflow) doConfirmVerify(ctx context.Context) (Result, error) {
	if err := w.SetToken(ctx, consts.TokenOwnerNoOne); err != nil {
		return Result{}, err
	}
	w.attrs.PreConfirmed = true
	if w.List.GetSubscriptionPolicy().Moderated() {
		return Continue(StepModerationChecks), nil
	}
	return Continue(StepDoSubscription), nil
}

func (w *SubscriptionWorkflow) moderationChecks(context.Context) (Result, error) {
	if w.List.GetSubscriptionPolicy().Moderated() && !w.attrs.PreApproved {
		return Continue(StepGetModeratorApproval), nil
	}
	return Continue(StepDoSubscription), nil
}

func (w *SubscriptionWorkflow) getModeratorApproval(ctx context.Context) (Result, error) {
	if err := w.SetToken(ctx, consts.TokenOwnerModerator); err != nil {
		return Result{}, err
	}
	w.Push(StepSubscribeFromRestored)
	if !w.List.AdminImmedNotify() {
		return Pause(), nil
	}
	data := w.data()
	return Pause(func(ctx context.Context) error {
		return w.notifier.NotifyModerators(ctx, w.List, templates.AdminSubscribe, data)
	}), nil
}

func (w *SubscriptionWorkflow) subscribeFromRestored(ctx context.Context) (Result, error) {
	if err := w.SetToken(ctx, consts.TokenOwnerNoOne); err != nil {
		return Result{}, err
	}
	w.attrs.PreApproved = true
	return Continue(StepDoSubscription), nil
}

func (w *SubscriptionWorkflow) doSubscription(ctx context.Context) (Result, error) {
	member := mlist.NewMember(w.List.ListID(), w.attrs.Email, w.attrs.DisplayName, mlist.RoleMember)
	if err := w.roster.AddMember(ctx, member); err != nil {
		return Result{}, err
	}
	w.Member = member
	logger.Info("Workflow: Subscribed member", "list", w.List.ListID(), "email", w.attrs.Email)

	if w.List.SendWelcomeMessage() {
		if err := w.notifier.Send(ctx, w.List, templates.UserWelcome, []string{w.attrs.Email}, w.data()); err != nil {
			logger.Warn("Workflow: Failed to send welcome message", "list", w.List.ListID(), "email", w.attrs.Email, "error", err)
		}
	}
	return Done(), nil
}
