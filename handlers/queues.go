package handlers

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/queue"
)

type toArchive struct {
	handler
	queues queue.Enqueuer
}

func (h *toArchive) Process(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error {
	if meta.Bool(consts.MetaIsDigest) || !list.ArchiveEnabled() {
		return nil
	}
	if msg.Header.Has("X-No-Archive") {
		return nil
	}
	if strings.EqualFold(msg.Get("X-Archive"), "no") {
		return nil
	}
	if _, err := h.queues.Enqueue(consts.QueueArchive, msg.Clone(), meta.Copy()); err != nil {
		return fmt.Errorf("failed to queue for archiving: %w", err)
	}
	return nil
}

type toDigest struct {
	handler
	deps Deps
}

// Process adds the posting to the list's digest and asks the digest runner
// to send it once the size threshold is reached.
func (h *toDigest) Process(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error {
	if !list.DigestsEnabled || meta.Bool(consts.MetaIsDigest) {
		return nil
	}
	raw := msg.Bytes()
	total, err := h.deps.Store.AppendDigest(ctx, &db.DigestMessage{
		ListID:  list.ListID(),
		Sender:  msg.Sender(meta),
		Subject: msg.Subject(),
		Raw:     raw,
		AddedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to append to digest: %w", err)
	}

	threshold := int64(list.GetDigestSizeThreshold()) * 1024
	if threshold <= 0 || total < threshold {
		return nil
	}
	trigger := email.Metadata{
		consts.MetaListID:        list.ListID(),
		consts.MetaDigestTrigger: true,
	}
	if _, err := h.deps.Queues.Enqueue(consts.QueueDigest, msg.Clone(), trigger); err != nil {
		return fmt.Errorf("failed to trigger digest: %w", err)
	}
	logger.Info("Digest: size threshold reached", "list", list.ListID(), "bytes", total)
	return nil
}

type toUsenet struct {
	handler
	queues queue.Enqueuer
}

func (h *toUsenet) Process(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error {
	if !list.GatewayToNews {
		return nil
	}
	if list.LinkedNewsgroup == "" {
		logger.Error(fmt.Sprintf("Gatewaying to news enabled, but no linked newsgroup: %s", list.FQDNListname()))
		return nil
	}
	if _, err := h.queues.Enqueue(consts.QueueNNTP, msg.Clone(), meta.Copy()); err != nil {
		return fmt.Errorf("failed to queue for usenet: %w", err)
	}
	return nil
}

type afterDelivery struct {
	handler
	store Store
}

func (h *afterDelivery) Process(ctx context.Context, list *mlist.MailingList, _ *email.Message, meta email.Metadata) error {
	id, err := h.store.BumpPostID(ctx, list.ListID(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to bump post id: %w", err)
	}
	meta[consts.MetaPostID] = id
	return nil
}

type toOutgoing struct {
	handler
	deps Deps
}

// wantsVERP decides per posting whether delivery is VERPed. An explicit
// verp flag wins; personalized lists always VERP; otherwise every n-th post
// is VERPed where n is the list's interval.
func wantsVERP(list *mlist.MailingList, meta email.Metadata) bool {
	if meta.Has(consts.MetaVERP) {
		return meta.Bool(consts.MetaVERP)
	}
	if list.GetPersonalize() != mlist.PersonalizeNone {
		return true
	}
	switch interval := list.VERPDeliveryInterval; {
	case interval <= 0:
		return false
	case interval == 1:
		return true
	default:
		postID, _ := meta.Int(consts.MetaPostID)
		return postID%interval == 0
	}
}

func (h *toOutgoing) Process(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error {
	recipients := slices.Clone(meta.Strings(consts.MetaRecipients))
	slices.Sort(recipients)
	recipients = slices.Compact(recipients)
	if len(recipients) == 0 {
		logger.Info(fmt.Sprintf("%s has no recipients", msg.LogID()), "list", list.ListID())
		return nil
	}

	out := meta.Copy()
	out[consts.MetaRecipients] = recipients
	out[consts.MetaListID] = list.ListID()
	out[consts.MetaVERP] = wantsVERP(list, meta)
	if _, err := h.deps.Queues.Enqueue(consts.QueueOut, msg, out); err != nil {
		return fmt.Errorf("failed to queue for delivery: %w", err)
	}
	return nil
}
