package handlers

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/mlist"
)

// keepers are the header prefixes copied to the outer message when the
// original is wrapped.
var keepers = []string{
	"archived-at", "date", "in-reply-to", "list-", "precedence",
	"references", "subject", "to", "x-tidings-",
}

var addressLike = regexp.MustCompile(`@([^ .]+\.)+[^ .]+$`)

type dmarcMitigation struct {
	handler
	deps Deps
}

func (h *dmarcMitigation) Process(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error {
	if list.AnonymousList || !meta.Bool(consts.MetaDMARC) {
		return nil
	}
	switch list.GetDMARCMitigateAction() {
	case mlist.DMARCMungeFrom:
		return h.mungeFrom(ctx, list, msg)
	case mlist.DMARCWrapMessage:
		return h.wrapMessage(ctx, list, msg)
	}
	// reject and discard were handled by the posting chain.
	return nil
}

// realName picks the poster's name for the munged From.
func (h *dmarcMitigation) realName(ctx context.Context, list *mlist.MailingList, msg *email.Message) string {
	name := msg.DisplayName("From")
	if addrs := msg.Addresses("From"); name == "" && len(addrs) > 0 {
		m, err := h.deps.Store.GetMember(ctx, list.ListID(), addrs[0], mlist.RoleMember)
		if err == nil && m.DisplayName != "" {
			name = m.DisplayName
		} else {
			name, _ = helpers.SplitEmailAddress(addrs[0])
		}
	}
	// A name that looks like an address would defeat the munging.
	return addressLike.ReplaceAllString(name, "---")
}

// setMunged points From at the list and keeps the original From reachable
// through Reply-To or Cc.
func (h *dmarcMitigation) setMunged(ctx context.Context, list *mlist.MailingList, original *email.Message, hdr *mail.Header) {
	oh := mail.Header{Header: original.Header}
	origFrom, _ := oh.AddressList("From")
	name := fmt.Sprintf("%s via %s", h.realName(ctx, list, original), list.GetDisplayName())
	hdr.SetAddressList("From", []*mail.Address{{Name: name, Address: list.PostingAddress()}})

	field := "Cc"
	if list.GetReplyGoesToList() == mlist.ReplyNoMunging {
		field = "Reply-To"
	}
	existing, _ := hdr.AddressList(field)
	merged := append([]*mail.Address(nil), existing...)
	for _, a := range origFrom {
		dup := false
		for _, e := range existing {
			if strings.EqualFold(e.Address, a.Address) {
				dup = true
				break
			}
		}
		if !dup {
			merged = append(merged, a)
		}
	}
	if len(merged) > 0 {
		hdr.SetAddressList(field, merged)
	}
}

func (h *dmarcMitigation) mungeFrom(ctx context.Context, list *mlist.MailingList, msg *email.Message) error {
	original := msg.Clone()
	hdr := mail.Header{Header: msg.Header}
	h.setMunged(ctx, list, original, &hdr)
	msg.Header = hdr.Header
	return nil
}

func kept(field string) bool {
	field = strings.ToLower(field)
	for _, k := range keepers {
		if strings.HasPrefix(field, k) {
			return true
		}
	}
	return false
}

func (h *dmarcMitigation) wrapMessage(ctx context.Context, list *mlist.MailingList, msg *email.Message) error {
	original := msg.Clone()

	var outer message.Header
	fields := original.Header.Fields()
	for fields.Next() {
		if kept(fields.Key()) {
			outer.Add(fields.Key(), fields.Value())
		}
	}
	hdr := mail.Header{Header: outer}
	h.setMunged(ctx, list, original, &hdr)
	if err := hdr.GenerateMessageIDWithHostname(h.deps.Hostname); err != nil {
		return fmt.Errorf("failed to generate message id: %w", err)
	}
	hdr.Set("MIME-Version", "1.0")

	root := &email.Part{Header: hdr.Header}
	wrapped := email.MessagePart(original)
	if text := strings.TrimSpace(list.DMARCWrappedMessageText); text != "" {
		wrapped.Header.Set("Content-Disposition", "inline")
		intro := email.TextPart(text)
		intro.Header.Set("Content-Disposition", "inline")
		root.SetPayload(email.Multipart("mixed", intro, wrapped))
	} else {
		root.SetPayload(wrapped)
	}

	out, err := email.Compose(root)
	if err != nil {
		return fmt.Errorf("failed to wrap message: %w", err)
	}
	msg.Replace(out)
	return nil
}
