package chains

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pending"
	"github.com/migadu/tidings/templates"
)

type terminal struct {
	deps Deps
	reg  *engine.Registry
}

func reasonsOf(meta email.Metadata) []string {
	reasons := meta.Strings(consts.MetaModerationReasons)
	if len(reasons) == 0 {
		return []string{"N/A"}
	}
	return reasons
}

func (t *terminal) accept(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (engine.Disposition, error) {
	pipeline := list.GetPostingPipeline()
	if meta.Bool(consts.MetaToOwner) {
		pipeline = list.GetOwnerPipeline()
	}
	logger.Info(fmt.Sprintf("ACCEPT: %s", msg.LogID()), "list", list.ListID(), "pipeline", pipeline)
	if err := t.reg.RunPipeline(ctx, pipeline, list, msg, meta); err != nil {
		return engine.DispositionNone, err
	}
	return engine.DispositionAccepted, nil
}

func (t *terminal) discard(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (engine.Disposition, error) {
	logger.Info(fmt.Sprintf("DISCARD: %s", msg.LogID()), "list", list.ListID(),
		"rule_hits", meta.Strings(consts.MetaRuleHits))
	return engine.DispositionDiscarded, nil
}

func (t *terminal) reject(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (engine.Disposition, error) {
	reasons := meta.Strings(consts.MetaModerationReasons)
	if err := t.deps.Notifier.Bounce(ctx, list, msg, meta, reasons); err != nil {
		return engine.DispositionNone, fmt.Errorf("failed to bounce rejected message: %w", err)
	}
	logger.Info(fmt.Sprintf("%s rejected by %s: %s", msg.LogID(), engine.ChainReject, strings.Join(reasons, "; ")),
		"list", list.ListID(), "rule_hits", meta.Strings(consts.MetaRuleHits))
	return engine.DispositionRejected, nil
}

// hold stores the message for moderation, issues a moderator token and
// sends the configured notices.
func (t *terminal) hold(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (engine.Disposition, error) {
	reasons := reasonsOf(meta)
	sender := meta.String(consts.MetaModerationSender)
	if sender == "" {
		sender = msg.Sender(meta)
	}
	subject := msg.Subject()
	if strings.TrimSpace(subject) == "" {
		subject = helpers.NoSubject
	}
	messageID := msg.Get("Message-Id")

	encoded, err := json.Marshal(meta)
	if err != nil {
		return engine.DispositionNone, fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
	}
	held := &db.HeldMessage{
		ListID:    list.ListID(),
		MessageID: messageID,
		Sender:    sender,
		Subject:   subject,
		Reason:    strings.Join(reasons, "; "),
		Metadata:  string(encoded),
		Raw:       msg.Bytes(),
		HeldAt:    time.Now().Unix(),
	}
	if err := t.deps.Held.InsertHeldMessage(ctx, held); err != nil {
		return engine.DispositionNone, err
	}

	token, err := t.deps.Pendings.Add(ctx, pending.Pendable{
		pending.KeyType:          consts.PendHeldMessage,
		pending.KeyListID:        list.ListID(),
		pending.KeyTokenOwner:    consts.TokenOwnerModerator,
		pending.KeyHeldMessageID: messageID,
		"id":                     held.ID,
		"sender":                 sender,
		"subject":                subject,
		"reason":                 held.Reason,
	}, t.deps.HoldLifetime)
	if err != nil {
		// Without a token the row could never be moderated, and a retry
		// from the shunt queue would hold the message again.
		if derr := t.deps.Held.DeleteHeldMessage(context.WithoutCancel(ctx), held.ID); derr != nil {
			logger.Error("Chains: Failed to remove held message after token failure",
				"list", list.ListID(), "id", held.ID, "error", derr)
		}
		return engine.DispositionNone, err
	}

	meta[consts.MetaModerationAction] = string(mlist.ActionHold)
	meta[consts.MetaModerationSender] = sender
	meta[consts.MetaModerationReasons] = reasons

	data := templates.Data{Sender: sender, Subject: subject, Lines: reasons}
	if list.AdminImmedNotify() {
		modData := data
		modData.Token = token
		if err := t.deps.Notifier.NotifyModerators(ctx, list, templates.AdminPost, modData); err != nil {
			logger.Warn("Chains: Failed to notify moderators of held message", "list", list.ListID(), "id", held.ID, "error", err)
		}
	}
	if list.RespondToPostRequests() && sender != "" && !meta.Bool(consts.MetaFastTrack) {
		userData := data
		userData.Email = sender
		if err := t.deps.Notifier.Send(ctx, list, templates.UserHold, []string{sender}, userData); err != nil {
			logger.Warn("Chains: Failed to notify sender of held message", "list", list.ListID(), "id", held.ID, "error", err)
		}
	}

	logger.Info(fmt.Sprintf("HOLD: %s post from %s held, message-id=%s: %s", list.FQDNListname(), sender, messageID, held.Reason),
		"id", held.ID)
	return engine.DispositionHeld, nil
}
