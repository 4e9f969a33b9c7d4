package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/mlist"
)

type anyRule struct{ rule }

// NewAny hits when any earlier rule recorded a hit.
func NewAny() engine.Rule {
	return &anyRule{rule{name: Any, description: "Look for any previous rule hit."}}
}

func (r *anyRule) Check(_ context.Context, _ *mlist.MailingList, _ *email.Message, meta email.Metadata) (bool, error) {
	return len(meta.Strings(consts.MetaRuleHits)) > 0, nil
}

type truthRule struct{ rule }

func NewTruth() engine.Rule {
	return &truthRule{rule{name: Truth, description: "A rule which always matches."}}
}

func (r *truthRule) Check(context.Context, *mlist.MailingList, *email.Message, email.Metadata) (bool, error) {
	return true, nil
}

type emergencyRule struct{ rule }

func NewEmergency() engine.Rule {
	return &emergencyRule{rule{
		name:        Emergency,
		description: "The mailing list is in emergency hold and this message was not pre-approved by the list administrator.",
		record:      true,
	}}
}

func (r *emergencyRule) Check(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if !list.Emergency || meta.Bool(consts.MetaModeratorApproved) {
		return false, nil
	}
	recordModeration(meta, msg.Sender(meta), "Emergency moderation is in effect for this list")
	return true, nil
}

type loopRule struct{ rule }

func NewLoop() engine.Rule {
	return &loopRule{rule{name: Loop, description: "Look for a posting loop.", record: true}}
}

func (r *loopRule) Check(_ context.Context, list *mlist.MailingList, msg *email.Message, _ email.Metadata) (bool, error) {
	for _, v := range msg.Header.Values("X-BeenThere") {
		if helpers.NormalizeAddress(v) == list.PostingAddress() {
			return true, nil
		}
	}
	return false, nil
}

type newsModerationRule struct{ rule }

func NewNewsModeration() engine.Rule {
	return &newsModerationRule{rule{
		name:        NewsModeration,
		description: "Match all messages posted to a mailing list that gateways to a moderated newsgroup.",
		record:      true,
	}}
}

func (r *newsModerationRule) Check(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if list.NewsModeration != "moderated" {
		return false, nil
	}
	recordModeration(meta, msg.Sender(meta), "Post to a moderated newsgroup gateway")
	return true, nil
}

type noSubjectRule struct{ rule }

func NewNoSubject() engine.Rule {
	return &noSubjectRule{rule{name: NoSubject, description: "Catch messages with no, or empty, Subject headers.", record: true}}
}

func (r *noSubjectRule) Check(_ context.Context, _ *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	subject := strings.TrimSpace(msg.Subject())
	if subject != "" && subject != helpers.NoSubject {
		return false, nil
	}
	recordModeration(meta, msg.Sender(meta), "Message has no subject")
	return true, nil
}

type maxRecipientsRule struct{ rule }

func NewMaxRecipients() engine.Rule {
	return &maxRecipientsRule{rule{
		name:        MaxRecipients,
		description: "Catch messages with too many explicit recipients.",
		record:      true,
	}}
}

func (r *maxRecipientsRule) Check(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if list.MaxNumRecipients <= 0 {
		return false, nil
	}
	if len(msg.Recipients()) < list.MaxNumRecipients {
		return false, nil
	}
	recordModeration(meta, msg.Sender(meta), fmt.Sprintf("Message has more than %d recipients", list.MaxNumRecipients))
	return true, nil
}

type maxSizeRule struct{ rule }

func NewMaxSize() engine.Rule {
	return &maxSizeRule{rule{name: MaxSize, description: "Catch messages that are bigger than a specified maximum.", record: true}}
}

func (r *maxSizeRule) Check(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if list.MaxMessageSize <= 0 {
		return false, nil
	}
	size, ok := meta.Int(consts.MetaOriginalSize)
	if !ok {
		size = msg.Size()
	}
	if size <= list.MaxMessageSize*1024 {
		return false, nil
	}
	recordModeration(meta, msg.Sender(meta), fmt.Sprintf("The message is larger than the %d KB maximum size", list.MaxMessageSize))
	return true, nil
}
