package handlers

import (
	"context"
	"fmt"

	"github.com/emersion/go-message/mail"

	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
)

// cleansed are removed from every posting. The approval headers may carry
// the moderator password.
var cleansed = []string{
	"Approved", "Approve", "X-Approved", "X-Approve",
	"Urgent",
	"Return-Receipt-To", "Disposition-Notification-To", "X-Confirm-Reading-To", "X-PMRQC",
}

// identifying are removed from postings to anonymous lists.
var identifying = []string{"Sender", "Organization", "Return-Path"}

type cleanse struct {
	handler
	hostname string
}

func (h *cleanse) Process(_ context.Context, list *mlist.MailingList, msg *email.Message, _ email.Metadata) error {
	for _, k := range cleansed {
		msg.Header.Del(k)
	}
	if !list.AnonymousList {
		return nil
	}

	logger.Info(fmt.Sprintf("post to %s from %s anonymized", list.FQDNListname(), msg.Get("From")))
	h2 := mail.Header{Header: msg.Header}
	posting := &mail.Address{Name: list.GetDisplayName(), Address: list.PostingAddress()}
	h2.SetAddressList("From", []*mail.Address{posting})
	h2.SetAddressList("Reply-To", []*mail.Address{{Address: list.PostingAddress()}})
	for _, k := range identifying {
		h2.Del(k)
	}
	// The original Message-ID could identify the poster's host.
	if err := h2.GenerateMessageIDWithHostname(h.hostname); err != nil {
		return fmt.Errorf("failed to generate message id: %w", err)
	}
	msg.Header = h2.Header
	return nil
}
