// Package chains holds the built-in moderation chains. A chain is an
// ordered list of (rule, action) links walked by engine.Registry.Process.
//
// The four terminal chains (accept, hold, reject, discard) decide what
// happens to a posting. The others route to them: default-posting-chain
// runs the moderation rules, header-match applies site and list header
// checks, and dmarc and moderation dispatch on what earlier rules
// recorded in the message metadata.
package chains

import (
	"context"
	"iter"
	"time"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pending"
	"github.com/migadu/tidings/rules"
	"github.com/migadu/tidings/templates"
)

const (
	DefaultPostingChain = "default-posting-chain"
	DefaultOwnerChain   = "default-owner-chain"
)

// HeldStore keeps messages awaiting moderation.
type HeldStore interface {
	InsertHeldMessage(ctx context.Context, m *db.HeldMessage) error
	DeleteHeldMessage(ctx context.Context, id int64) error
}

// Notifier sends the notices and bounces terminal chains produce.
type Notifier interface {
	engine.Bouncer
	Send(ctx context.Context, list *mlist.MailingList, key string, to []string, data templates.Data) error
	NotifyModerators(ctx context.Context, list *mlist.MailingList, key string, data templates.Data) error
}

type Deps struct {
	Held     HeldStore
	Pendings *pending.Registry
	Notifier Notifier
	// HoldLifetime is how long a held-message token stays valid.
	HoldLifetime time.Duration
	Site         config.ChainsConfig
}

// chain is a named, fixed sequence of links.
type chain struct {
	name        string
	description string
	links       []engine.Link
}

func (c *chain) Name() string        { return c.name }
func (c *chain) Description() string { return c.description }

func (c *chain) Links(_ *mlist.MailingList, _ *email.Message, _ email.Metadata) iter.Seq[engine.Link] {
	return func(yield func(engine.Link) bool) {
		for _, l := range c.links {
			if !yield(l) {
				return
			}
		}
	}
}

// Register adds the built-in chains to reg. The built-in rules must be
// registered first.
func Register(reg *engine.Registry, deps Deps) {
	truth := reg.MustRule(rules.Truth)
	run := func(name, description string, fn engine.LinkFunc) *chain {
		return &chain{
			name:        name,
			description: description,
			links:       []engine.Link{{Rule: truth, Action: engine.ActionRun, Function: fn}},
		}
	}

	t := &terminal{deps: deps, reg: reg}
	reg.MustAddChain(run(engine.ChainAccept, "Accept a message.", t.accept))
	reg.MustAddChain(run(engine.ChainHold, "Hold a message and stop processing.", t.hold))
	reg.MustAddChain(run(engine.ChainReject, "Reject/bounce a message and stop processing.", t.reject))
	reg.MustAddChain(run(engine.ChainDiscard, "Discard a message and stop processing.", t.discard))

	reg.MustAddChain(newDMARCChain())
	reg.MustAddChain(newModerationChain(truth))
	reg.MustAddChain(newDefaultPostingChain(reg))
	reg.MustAddChain(newDefaultOwnerChain(reg))

	hm := &headerMatchChain{site: deps.Site, anyRule: reg.MustRule(rules.Any)}
	reg.MustAddChain(hm)
	hm.compileSiteChecks(func(name string) bool {
		_, ok := reg.Chain(name)
		return ok
	})
}
