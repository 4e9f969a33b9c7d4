package rules

import (
	"context"
	"strings"

	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
)

type implicitDestRule struct{ rule }

// NewImplicitDest hits when the list is not an explicit recipient.
func NewImplicitDest() engine.Rule {
	return &implicitDestRule{rule{
		name:        ImplicitDest,
		description: "Catch messages with implicit destination.",
		record:      true,
	}}
}

func (r *implicitDestRule) Check(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if !list.RequireExplicitDest() {
		return false, nil
	}
	recipients := msg.Addresses("To", "Cc", "Resent-To", "Resent-Cc")
	for _, addr := range recipients {
		if list.IsListAddress(addr) {
			return false, nil
		}
	}
	for _, alias := range list.AcceptableAliases {
		if !strings.HasPrefix(alias, "^") {
			continue
		}
		re, err := helpers.CompilePattern(alias)
		if err != nil {
			logger.Warn("Rules: Bad acceptable_aliases pattern", "list", list.ListID(), "pattern", alias, "error", err)
			continue
		}
		for _, addr := range recipients {
			if re.MatchString(addr) {
				return false, nil
			}
		}
	}
	recordModeration(meta, msg.Sender(meta), "Message has implicit destination")
	return true, nil
}
