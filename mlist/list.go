// Package mlist models mailing lists and their rosters.
//
// Lists are declared in the configuration file; a MailingList wraps the
// declared settings with the addresses and defaults the rest of the system
// works with. Membership is stored in the database behind the Roster
// interface.
package mlist

import (
	"fmt"
	"strings"

	"github.com/migadu/tidings/config"
)

// Action is a moderation decision.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionHold    Action = "hold"
	ActionReject  Action = "reject"
	ActionDiscard Action = "discard"
	ActionDefer   Action = "defer"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAccept, ActionHold, ActionReject, ActionDiscard, ActionDefer:
		return a, nil
	}
	return "", fmt.Errorf("unknown moderation action %q", s)
}

// Policy governs subscription and unsubscription requests.
type Policy string

const (
	PolicyOpen                Policy = "open"
	PolicyConfirm             Policy = "confirm"
	PolicyModerate            Policy = "moderate"
	PolicyConfirmThenModerate Policy = "confirm_then_moderate"
)

// Moderated reports whether the policy requires moderator approval.
func (p Policy) Moderated() bool {
	return p == PolicyModerate || p == PolicyConfirmThenModerate
}

type ReplyToMunging string

const (
	ReplyNoMunging      ReplyToMunging = "no_munging"
	ReplyPointToList    ReplyToMunging = "point_to_list"
	ReplyExplicitHeader ReplyToMunging = "explicit_header"
)

type DMARCAction string

const (
	DMARCNone        DMARCAction = "no_mitigation"
	DMARCMungeFrom   DMARCAction = "munge_from"
	DMARCWrapMessage DMARCAction = "wrap_message"
	DMARCReject      DMARCAction = "reject"
	DMARCDiscard     DMARCAction = "discard"
)

type Personalization string

const (
	PersonalizeNone       Personalization = "none"
	PersonalizeIndividual Personalization = "individual"
	PersonalizeFull       Personalization = "full"
)

// MailingList is a configured list.
type MailingList struct {
	config.ListConfig
}

func New(cfg config.ListConfig) (*MailingList, error) {
	cfg.Name = strings.ToLower(cfg.Name)
	cfg.MailHost = strings.ToLower(cfg.MailHost)
	if cfg.Name == "" || cfg.MailHost == "" {
		return nil, fmt.Errorf("list requires name and mail_host")
	}
	if strings.ContainsAny(cfg.Name, "@ +") {
		return nil, fmt.Errorf("invalid list name %q", cfg.Name)
	}
	for _, a := range []string{cfg.DefaultMemberAction, cfg.DefaultNonmemberAction} {
		if a == "" {
			continue
		}
		if _, err := ParseAction(a); err != nil {
			return nil, fmt.Errorf("list %s: %w", cfg.Name, err)
		}
	}
	return &MailingList{ListConfig: cfg}, nil
}

// ListID is the RFC 2919 identifier, name.host.
func (l *MailingList) ListID() string { return l.Name + "." + l.MailHost }

func (l *MailingList) FQDNListname() string   { return l.Name + "@" + l.MailHost }
func (l *MailingList) PostingAddress() string { return l.FQDNListname() }
func (l *MailingList) OwnerAddress() string   { return l.Name + "-owner@" + l.MailHost }
func (l *MailingList) RequestAddress() string { return l.Name + "-request@" + l.MailHost }
func (l *MailingList) BouncesAddress() string { return l.Name + "-bounces@" + l.MailHost }
func (l *MailingList) JoinAddress() string    { return l.Name + "-join@" + l.MailHost }
func (l *MailingList) LeaveAddress() string   { return l.Name + "-leave@" + l.MailHost }

// ConfirmAddress embeds token so a plain reply confirms.
func (l *MailingList) ConfirmAddress(token string) string {
	return l.Name + "-confirm+" + token + "@" + l.MailHost
}

func (l *MailingList) GetDisplayName() string {
	if l.DisplayName != "" {
		return l.DisplayName
	}
	if l.Name == "" {
		return ""
	}
	return strings.ToUpper(l.Name[:1]) + l.Name[1:]
}

// GetSubjectPrefix defaults to "[Display Name] ".
func (l *MailingList) GetSubjectPrefix() string {
	if l.SubjectPrefix != nil {
		return *l.SubjectPrefix
	}
	return "[" + l.GetDisplayName() + "] "
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (l *MailingList) AdminImmedNotify() bool      { return boolOr(l.ListConfig.AdminImmedNotify, true) }
func (l *MailingList) SendWelcomeMessage() bool    { return boolOr(l.ListConfig.SendWelcomeMessage, true) }
func (l *MailingList) SendGoodbyeMessage() bool    { return boolOr(l.ListConfig.SendGoodbyeMessage, true) }
func (l *MailingList) RespondToPostRequests() bool { return boolOr(l.ListConfig.RespondToPostRequests, true) }
func (l *MailingList) AdministriviaEnabled() bool  { return boolOr(l.ListConfig.Administrivia, true) }
func (l *MailingList) ArchiveEnabled() bool        { return boolOr(l.ListConfig.Archive, true) }
func (l *MailingList) CollapseAlternativesEnabled() bool {
	return boolOr(l.ListConfig.CollapseAlternatives, true)
}
func (l *MailingList) IncludeRFC2369() bool { return boolOr(l.ListConfig.IncludeRFC2369Headers, true) }
func (l *MailingList) AllowListPostsEnabled() bool {
	return boolOr(l.ListConfig.AllowListPosts, true)
}
func (l *MailingList) RequireExplicitDest() bool {
	return boolOr(l.ListConfig.RequireExplicitDestination, true)
}
func (l *MailingList) ReceiveOwnPostingsDefault() bool {
	return boolOr(l.ListConfig.ReceiveOwnPostingsByDef, true)
}

func (l *MailingList) GetSubscriptionPolicy() Policy {
	if l.SubscriptionPolicy == "" {
		return PolicyConfirm
	}
	return Policy(l.SubscriptionPolicy)
}

func (l *MailingList) GetUnsubscriptionPolicy() Policy {
	if l.UnsubscriptionPolicy == "" {
		return PolicyConfirm
	}
	return Policy(l.UnsubscriptionPolicy)
}

func (l *MailingList) GetDefaultMemberAction() Action {
	if l.DefaultMemberAction == "" {
		return ActionDefer
	}
	return Action(l.DefaultMemberAction)
}

func (l *MailingList) GetDefaultNonmemberAction() Action {
	if l.DefaultNonmemberAction == "" {
		return ActionHold
	}
	return Action(l.DefaultNonmemberAction)
}

func (l *MailingList) GetReplyGoesToList() ReplyToMunging {
	if l.ReplyGoesToList == "" {
		return ReplyNoMunging
	}
	return ReplyToMunging(l.ReplyGoesToList)
}

func (l *MailingList) GetDMARCMitigateAction() DMARCAction {
	if l.DMARCMitigateAction == "" {
		return DMARCNone
	}
	return DMARCAction(l.DMARCMitigateAction)
}

func (l *MailingList) GetPersonalize() Personalization {
	if l.Personalize == "" {
		return PersonalizeNone
	}
	return Personalization(l.Personalize)
}

func (l *MailingList) GetFilterAction() string {
	if l.FilterAction == "" {
		return "discard"
	}
	return l.FilterAction
}

func (l *MailingList) GetDigestSizeThreshold() int {
	if l.DigestSizeThreshold <= 0 {
		return 30
	}
	return l.DigestSizeThreshold
}

func (l *MailingList) GetPostingChain() string {
	if l.PostingChain == "" {
		return "default-posting-chain"
	}
	return l.PostingChain
}

func (l *MailingList) GetOwnerChain() string {
	if l.OwnerChain == "" {
		return "default-owner-chain"
	}
	return l.OwnerChain
}

func (l *MailingList) GetPostingPipeline() string {
	if l.PostingPipeline == "" {
		return "default-posting-pipeline"
	}
	return l.PostingPipeline
}

func (l *MailingList) GetOwnerPipeline() string {
	if l.OwnerPipeline == "" {
		return "default-owner-pipeline"
	}
	return l.OwnerPipeline
}

// IsListAddress reports whether addr is the posting address or one of the
// acceptable aliases, used by the implicit-destination rule.
func (l *MailingList) IsListAddress(addr string) bool {
	addr = strings.ToLower(addr)
	if addr == l.PostingAddress() {
		return true
	}
	for _, alias := range l.AcceptableAliases {
		if strings.HasPrefix(alias, "^") {
			continue
		}
		if strings.EqualFold(alias, addr) {
			return true
		}
		// A bare local part matches on any domain.
		if !strings.Contains(alias, "@") {
			if local, _, ok := strings.Cut(addr, "@"); ok && strings.EqualFold(local, alias) {
				return true
			}
		}
	}
	return false
}
