// Package workflow runs the multi-step subscription and unsubscription
// processes. A workflow may pause waiting for a confirmation; its state is
// then saved under the pending token it sent out and restored when that
// token comes back.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pending"
	"github.com/migadu/tidings/pkg/metrics"
	"github.com/migadu/tidings/templates"
)

// TokenLifetime is the lifetime of workflow tokens. Expiry is left to the
// pending registry's eviction of abandoned records.
const TokenLifetime = 3650 * 24 * time.Hour

// StateStore persists paused workflows; *db.Store implements it.
type StateStore interface {
	SaveWorkflowState(ctx context.Context, token, step, data string) error
	// TakeWorkflowState returns consts.ErrNotFound when nothing is saved.
	TakeWorkflowState(ctx context.Context, token string) (*db.WorkflowState, error)
	DeleteWorkflowState(ctx context.Context, token string) (bool, error)
}

// Notifier sends the notices a pause announces.
type Notifier interface {
	Send(ctx context.Context, list *mlist.MailingList, key string, to []string, data templates.Data) error
	NotifyModerators(ctx context.Context, list *mlist.MailingList, key string, data templates.Data) error
}

type resultKind int

const (
	kindContinue resultKind = iota
	kindPause
	kindDone
)

// Notice is sent after a pause has been saved.
type Notice func(ctx context.Context) error

// Result tells Run what to do after a step.
type Result struct {
	kind    resultKind
	next    string
	notices []Notice
}

// Continue runs step next immediately.
func Continue(next string) Result {
	return Result{kind: kindContinue, next: next}
}

// Pause saves the workflow under its token, resuming at the step last
// pushed, then sends notices.
func Pause(notices ...Notice) Result {
	return Result{kind: kindPause, notices: notices}
}

func Done() Result {
	return Result{kind: kindDone}
}

type Step func(ctx context.Context) (Result, error)

// savedState is the JSON stored in workflowstate.data.
type savedState struct {
	TokenOwner string          `json:"token_owner"`
	Attributes json.RawMessage `json:"attributes"`
}

// Base holds what every workflow shares: its list, its current token and
// the step to resume at after a pause. Workflows embed it and register
// their steps.
type Base struct {
	Kind       string
	List       *mlist.MailingList
	Token      string
	TokenOwner string

	pendings *pending.Registry
	states   StateStore
	steps    map[string]Step
	resume   string
	// restored is the state row Restore claimed. Its token is retired only
	// once the resumed run succeeds.
	restored *db.WorkflowState
	// paused is set once a run has saved a new pause.
	paused bool
	// attrs points at the workflow's JSON-tagged save attributes.
	attrs any
	// describe returns the fields added to every pendable the workflow
	// issues.
	describe func() pending.Pendable
}

func newBase(kind string, list *mlist.MailingList, pendings *pending.Registry, states StateStore) Base {
	return Base{
		Kind:       kind,
		List:       list,
		TokenOwner: consts.TokenOwnerNoOne,
		pendings:   pendings,
		states:     states,
		steps:      make(map[string]Step),
	}
}

func (b *Base) step(name string, fn Step) {
	b.steps[name] = fn
}

// Push sets the step a pause resumes at.
func (b *Base) Push(step string) {
	b.resume = step
}

// Run executes steps starting at start until one pauses or finishes.
func (b *Base) Run(ctx context.Context, start string) error {
	name := start
	for {
		fn, ok := b.steps[name]
		if !ok {
			return fmt.Errorf("%s workflow: unknown step %q", b.Kind, name)
		}
		logger.Debug("Workflow: Running step", "workflow", b.Kind, "step", name, "list", b.List.ListID())
		metrics.WorkflowStepsTotal.WithLabelValues(b.Kind, name).Inc()

		res, err := fn(ctx)
		if err != nil {
			return err
		}
		switch res.kind {
		case kindContinue:
			name = res.next
		case kindPause:
			if err := b.save(ctx); err != nil {
				return err
			}
			b.paused = true
			for _, notice := range res.notices {
				if err := notice(ctx); err != nil {
					return fmt.Errorf("%s workflow: failed to send notice: %w", b.Kind, err)
				}
			}
			return nil
		case kindDone:
			return nil
		}
	}
}

func (b *Base) save(ctx context.Context) error {
	if b.Token == "" {
		return fmt.Errorf("%s workflow: cannot pause without a token", b.Kind)
	}
	if b.resume == "" {
		return fmt.Errorf("%s workflow: cannot pause without a next step", b.Kind)
	}
	attrs, err := json.Marshal(b.attrs)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
	}
	data, err := json.Marshal(savedState{TokenOwner: b.TokenOwner, Attributes: attrs})
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
	}
	return b.states.SaveWorkflowState(ctx, b.Token, b.resume, string(data))
}

// Restore claims the state saved under token by removing it, returning the
// step to resume at. Of two concurrent restores only one gets the state.
// It returns consts.ErrNotFound when nothing is saved.
func (b *Base) Restore(ctx context.Context, token string) (string, error) {
	st, err := b.states.TakeWorkflowState(ctx, token)
	if err != nil {
		return "", err
	}
	b.restored = st
	if !st.Step.Valid || st.Step.String == "" {
		return "", fmt.Errorf("%s workflow: saved state for %s has no step", b.Kind, token)
	}
	if st.Data.Valid && st.Data.String != "" {
		var saved savedState
		if err := json.Unmarshal([]byte(st.Data.String), &saved); err != nil {
			return "", fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
		}
		if len(saved.Attributes) > 0 && b.attrs != nil {
			if err := json.Unmarshal(saved.Attributes, b.attrs); err != nil {
				return "", fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
			}
		}
		b.TokenOwner = saved.TokenOwner
	}
	b.Token = token
	b.resume = ""
	return st.Step.String, nil
}

// Resume restores the workflow paused under token and runs it. When the
// run fails before pausing again, the claimed state is saved back and the
// token stays live, so the same confirmation can be retried. Otherwise the
// token is expunged.
func (b *Base) Resume(ctx context.Context, token string) error {
	step, err := b.Restore(ctx, token)
	if err != nil {
		return err
	}
	logger.Info("Workflow: Resuming", "workflow", b.Kind, "list", b.List.ListID(), "step", step)

	if err := b.Run(ctx, step); err != nil {
		if !b.paused {
			b.putBack(context.WithoutCancel(ctx))
			return err
		}
		b.retire(context.WithoutCancel(ctx))
		return err
	}
	b.retire(ctx)
	return nil
}

func (b *Base) putBack(ctx context.Context) {
	st := b.restored
	if b.Token != "" && b.Token != st.Token {
		// Issued by the failed run but never saved.
		if _, err := b.pendings.Discard(ctx, b.Token); err != nil {
			logger.Warn("Workflow: Failed to discard unsaved token", "workflow", b.Kind, "token", b.Token, "error", err)
		}
	}
	if err := b.states.SaveWorkflowState(ctx, st.Token, st.Step.String, st.Data.String); err != nil {
		logger.Error("Workflow: Failed to save back restored state, request lost",
			"workflow", b.Kind, "list", b.List.ListID(), "token", st.Token, "error", err)
		return
	}
	logger.Warn("Workflow: Resumed run failed, request kept for retry",
		"workflow", b.Kind, "list", b.List.ListID(), "token", st.Token)
}

// retire expunges the restored token unless the run kept it current.
func (b *Base) retire(ctx context.Context) {
	token := b.restored.Token
	if b.Token == token {
		return
	}
	if _, err := b.pendings.Confirm(ctx, token, true); err != nil {
		logger.Warn("Workflow: Failed to expunge resumed token", "workflow", b.Kind, "token", token, "error", err)
	}
}

// SetToken confirms away the current token and, unless owner is no_one,
// issues a new one owned by owner. A restored token is left to Resume.
func (b *Base) SetToken(ctx context.Context, owner string) error {
	if b.Token != "" {
		if b.restored == nil || b.Token != b.restored.Token {
			if _, err := b.pendings.Confirm(ctx, b.Token, true); err != nil {
				return err
			}
		}
		b.Token = ""
	}
	b.TokenOwner = owner
	if owner == consts.TokenOwnerNoOne {
		return nil
	}

	p := pending.Pendable{}
	if b.describe != nil {
		p = b.describe()
	}
	p[pending.KeyType] = b.Kind
	p[pending.KeyListID] = b.List.ListID()
	p[pending.KeyTokenOwner] = owner
	p["when"] = time.Now().UTC().Format(time.RFC3339)

	token, err := b.pendings.Add(ctx, p, TokenLifetime)
	if err != nil {
		return err
	}
	b.Token = token
	return nil
}

// isPending reports whether a workflow of kind is already waiting for addr
// on list.
func isPending(ctx context.Context, pendings *pending.Registry, list *mlist.MailingList, kind, addr string) (bool, error) {
	for p, err := range pendings.Find(ctx, pending.Filter{ListID: list.ListID(), Type: kind}) {
		if err != nil {
			return false, err
		}
		if p.Pendable.String("email") == addr {
			return true, nil
		}
	}
	return false, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, consts.ErrNotFound)
}
