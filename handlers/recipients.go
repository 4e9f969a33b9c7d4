package handlers

import (
	"context"
	"fmt"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/mlist"
)

type calculateRecipients struct {
	handler
	store Store
}

// Process sets the recipients to the regular members with delivery enabled.
// Fast-tracked messages keep the recipients they were queued with.
func (h *calculateRecipients) Process(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error {
	if meta.Bool(consts.MetaFastTrack) && meta.Has(consts.MetaRecipients) {
		return nil
	}
	members, err := h.store.Members(ctx, list.ListID(), mlist.RoleMember)
	if err != nil {
		return fmt.Errorf("failed to load members: %w", err)
	}

	sender := meta.String(consts.MetaOriginalSender)
	if sender == "" {
		sender = msg.Sender(meta)
	}

	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if !m.DeliveryEnabled || m.DeliveryMode.IsDigest() {
			continue
		}
		if m.Email == sender && !receivesOwnPostings(list, &m) {
			continue
		}
		recipients = append(recipients, m.Email)
	}
	meta[consts.MetaRecipients] = recipients
	return nil
}

func receivesOwnPostings(list *mlist.MailingList, m *mlist.Member) bool {
	if m.ReceiveOwnPostings != nil {
		return *m.ReceiveOwnPostings
	}
	return list.ReceiveOwnPostingsDefault()
}

type ownerRecipients struct {
	handler
	deps Deps
}

// Process addresses the message to the list's owners and moderators, or to
// the site owner when the list has neither.
func (h *ownerRecipients) Process(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error {
	seen := make(map[string]bool)
	var recipients []string
	for _, role := range []mlist.Role{mlist.RoleOwner, mlist.RoleModerator} {
		members, err := h.deps.Store.Members(ctx, list.ListID(), role)
		if err != nil {
			return fmt.Errorf("failed to load %ss: %w", role, err)
		}
		for _, m := range members {
			if !m.DeliveryEnabled || seen[m.Email] {
				continue
			}
			seen[m.Email] = true
			recipients = append(recipients, m.Email)
		}
	}
	if len(recipients) == 0 && h.deps.SiteOwner != "" {
		recipients = []string{h.deps.SiteOwner}
	}
	meta[consts.MetaRecipients] = recipients
	// Owner mail must not bounce back into the owner address.
	meta[consts.MetaMailFrom] = list.BouncesAddress()
	return nil
}
