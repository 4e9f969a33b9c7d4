package chains

import (
	"context"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/rules"
)

// metaRule is an unrecorded rule testing one metadata value, used by the
// dispatching chains.
type metaRule struct {
	name string
	key  string
	want string
}

func (r *metaRule) Name() string        { return r.name }
func (r *metaRule) Description() string { return r.key + " is " + r.want }
func (r *metaRule) Record() bool        { return false }

func (r *metaRule) Check(_ context.Context, _ *mlist.MailingList, _ *email.Message, meta email.Metadata) (bool, error) {
	return meta.String(r.key) == r.want, nil
}

func newDMARCChain() *chain {
	return &chain{
		name:        engine.ChainDMARC,
		description: "Process DMARC reject or discard mitigations.",
		links: []engine.Link{
			{Rule: &metaRule{name: "dmarc-reject", key: consts.MetaDMARCAction, want: string(mlist.DMARCReject)},
				Action: engine.ActionJump, Chain: engine.ChainReject},
			{Rule: &metaRule{name: "dmarc-discard", key: consts.MetaDMARCAction, want: string(mlist.DMARCDiscard)},
				Action: engine.ActionJump, Chain: engine.ChainDiscard},
		},
	}
}

func newModerationChain(truth engine.Rule) *chain {
	c := &chain{
		name:        engine.ChainModeration,
		description: "Moderation chain for list members and nonmembers.",
	}
	for _, target := range []struct {
		action mlist.Action
		chain  string
	}{
		{mlist.ActionAccept, engine.ChainAccept},
		{mlist.ActionHold, engine.ChainHold},
		{mlist.ActionReject, engine.ChainReject},
		{mlist.ActionDiscard, engine.ChainDiscard},
	} {
		c.links = append(c.links, engine.Link{
			Rule:   &metaRule{name: "moderation-" + string(target.action), key: consts.MetaModerationAction, want: string(target.action)},
			Action: engine.ActionJump,
			Chain:  target.chain,
		})
	}
	c.links = append(c.links, engine.Link{Rule: truth, Action: engine.ActionJump, Chain: engine.ChainAccept})
	return c
}

func newDefaultPostingChain(reg *engine.Registry) *chain {
	jump := func(rule, target string) engine.Link {
		return engine.Link{Rule: reg.MustRule(rule), Action: engine.ActionJump, Chain: target}
	}
	deferTo := func(rule string) engine.Link {
		return engine.Link{Rule: reg.MustRule(rule), Action: engine.ActionDefer}
	}
	return &chain{
		name:        DefaultPostingChain,
		description: "The built-in moderation chain.",
		links: []engine.Link{
			jump(rules.Approved, engine.ChainAccept),
			jump(rules.Emergency, engine.ChainHold),
			jump(rules.Loop, engine.ChainDiscard),
			jump(rules.BannedAddress, engine.ChainDiscard),
			jump(rules.DMARCMitigation, engine.ChainDMARC),
			jump(rules.MemberModeration, engine.ChainModeration),
			{Rule: reg.MustRule(rules.Truth), Action: engine.ActionDetour, Chain: engine.ChainHeaders},
			jump(rules.NonmemberModeration, engine.ChainModeration),
			deferTo(rules.Administrivia),
			deferTo(rules.ImplicitDest),
			deferTo(rules.MaxRecipients),
			deferTo(rules.MaxSize),
			deferTo(rules.NewsModeration),
			deferTo(rules.NoSubject),
			deferTo(rules.SuspiciousHeader),
			jump(rules.Any, engine.ChainHold),
			jump(rules.Truth, engine.ChainAccept),
		},
	}
}

func newDefaultOwnerChain(reg *engine.Registry) *chain {
	return &chain{
		name:        DefaultOwnerChain,
		description: "The built-in -owner posting chain.",
		links: []engine.Link{
			{Rule: reg.MustRule(rules.BannedAddress), Action: engine.ActionJump, Chain: engine.ChainDiscard},
			{Rule: reg.MustRule(rules.Truth), Action: engine.ActionJump, Chain: engine.ChainAccept},
		},
	}
}
