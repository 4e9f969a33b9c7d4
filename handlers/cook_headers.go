package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/mlist"
)

type cookHeaders struct {
	handler
	deps Deps
}

func (h *cookHeaders) Process(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error {
	reduced := meta.Bool(consts.MetaReducedListHeaders)
	if !reduced {
		msg.Header.Add("X-BeenThere", list.PostingAddress())
	}
	if !msg.Header.Has("Precedence") {
		msg.Header.Set("Precedence", "list")
	}
	msg.Header.Set("X-Tidings-Version", h.deps.Version)
	if err := msg.EnsureMessageID(h.deps.Hostname); err != nil {
		return fmt.Errorf("failed to add message id: %w", err)
	}

	if reduced {
		// Notices skip rfc-2369 but still say where they came from.
		msg.Header.Set("List-Id", listIDHeader(list))
		msg.Header.Set("List-Unsubscribe", "<mailto:"+list.LeaveAddress()+">")
		return nil
	}
	if list.AnonymousList {
		return nil
	}
	return mungeReplyTo(list, msg)
}

// mungeReplyTo rewrites Reply-To according to reply_goes_to_list.
func mungeReplyTo(list *mlist.MailingList, msg *email.Message) error {
	hdr := mail.Header{Header: msg.Header}
	var replyTo []*mail.Address
	if !list.FirstStripReplyTo {
		existing, err := hdr.AddressList("Reply-To")
		if err == nil {
			replyTo = existing
		}
	}

	var add *mail.Address
	switch list.GetReplyGoesToList() {
	case mlist.ReplyPointToList:
		add = &mail.Address{Name: list.GetDisplayName(), Address: list.PostingAddress()}
	case mlist.ReplyExplicitHeader:
		if list.ReplyToAddress != "" {
			add = &mail.Address{Address: list.ReplyToAddress}
		}
	}

	if add != nil {
		kept := []*mail.Address{add}
		for _, a := range replyTo {
			if !strings.EqualFold(a.Address, add.Address) {
				kept = append(kept, a)
			}
		}
		replyTo = kept
	}

	hdr.Del("Reply-To")
	if len(replyTo) > 0 {
		hdr.SetAddressList("Reply-To", replyTo)
	}
	msg.Header = hdr.Header
	return nil
}
