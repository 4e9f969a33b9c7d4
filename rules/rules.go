// Package rules holds the built-in moderation and hygiene rules evaluated
// by the posting and owner chains.
//
// A rule that hits usually records why in the message metadata:
// moderation_sender names the address the decision is about and
// moderation_reasons collects human readable reasons, which end up in
// hold notices and bounces.
package rules

import (
	"net"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pkg/retry"
)

// Rule names.
const (
	Any                 = "any"
	Truth               = "truth"
	Approved            = "approved"
	Emergency           = "emergency"
	Loop                = "loop"
	BannedAddress       = "banned-address"
	MemberModeration    = "member-moderation"
	NonmemberModeration = "nonmember-moderation"
	DMARCMitigation     = "dmarc-mitigation"
	Administrivia       = "administrivia"
	ImplicitDest        = "implicit-dest"
	MaxRecipients       = "max-recipients"
	MaxSize             = "max-size"
	NewsModeration      = "news-moderation"
	NoSubject           = "no-subject"
	SuspiciousHeader    = "suspicious-header"
)

type rule struct {
	name        string
	description string
	record      bool
}

func (r rule) Name() string        { return r.name }
func (r rule) Description() string { return r.description }
func (r rule) Record() bool        { return r.record }

// Deps are the collaborators the built-in rules need.
type Deps struct {
	Roster mlist.Roster
	// SiteBans are banned address patterns from the configuration, on top
	// of the bans stored in the database.
	SiteBans []string
	// Resolver looks up DMARC records; nil uses the system resolver.
	Resolver TXTResolver
	// DNSBackoff bounds retries of transient DNS failures.
	DNSBackoff *retry.BackoffConfig
	// CommandMaxLines is how many body lines the administrivia rule scans.
	CommandMaxLines int
}

// Register adds every built-in rule to reg. It panics on a duplicate.
func Register(reg *engine.Registry, deps Deps) {
	resolver := deps.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	backoff := retry.DefaultBackoffConfig()
	if deps.DNSBackoff != nil {
		backoff = *deps.DNSBackoff
	}
	backoff.OperationName = "dmarc lookup"
	maxLines := deps.CommandMaxLines
	if maxLines <= 0 {
		maxLines = 10
	}

	for _, r := range []engine.Rule{
		NewAny(),
		NewTruth(),
		NewApproved(),
		NewEmergency(),
		NewLoop(),
		NewBannedAddress(deps.Roster, deps.SiteBans),
		NewMemberModeration(deps.Roster, deps.SiteBans),
		NewNonmemberModeration(deps.Roster, deps.SiteBans),
		NewDMARCMitigation(resolver, backoff),
		NewAdministrivia(maxLines),
		NewImplicitDest(),
		NewMaxRecipients(),
		NewMaxSize(),
		NewNewsModeration(),
		NewNoSubject(),
		NewSuspiciousHeader(),
	} {
		reg.MustAddRule(r)
	}
}

// recordModeration notes who a moderation decision concerns and why.
func recordModeration(meta email.Metadata, sender, reason string) {
	meta[consts.MetaModerationSender] = sender
	meta.Append(consts.MetaModerationReasons, reason)
}
