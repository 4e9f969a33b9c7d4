package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/mlist"
)

// banList checks senders against database bans and configured patterns.
type banList struct {
	roster   mlist.Roster
	siteBans []string
}

func (b banList) banned(ctx context.Context, listID, addr string) (bool, error) {
	for _, p := range b.siteBans {
		if helpers.MatchesAddressPattern(p, addr) {
			return true, nil
		}
	}
	return b.roster.IsBanned(ctx, listID, addr)
}

// firstBanned returns the first banned sender, or "".
func (b banList) firstBanned(ctx context.Context, listID string, senders []string) (string, error) {
	for _, s := range senders {
		banned, err := b.banned(ctx, listID, s)
		if err != nil {
			return "", err
		}
		if banned {
			return s, nil
		}
	}
	return "", nil
}

type bannedAddressRule struct {
	rule
	bans banList
}

func NewBannedAddress(roster mlist.Roster, siteBans []string) engine.Rule {
	return &bannedAddressRule{
		rule: rule{name: BannedAddress, description: "Match messages sent by banned addresses.", record: true},
		bans: banList{roster: roster, siteBans: siteBans},
	}
}

func (r *bannedAddressRule) Check(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	sender, err := r.bans.firstBanned(ctx, list.ListID(), msg.Senders(meta))
	if err != nil || sender == "" {
		return false, err
	}
	recordModeration(meta, sender, fmt.Sprintf("Message sender %s is banned from this list", sender))
	return true, nil
}

func recordAction(meta email.Metadata, action mlist.Action, sender, reason string) {
	meta[consts.MetaModerationAction] = string(action)
	recordModeration(meta, sender, reason)
}

type memberModerationRule struct {
	rule
	roster mlist.Roster
	bans   banList
}

// NewMemberModeration hits when a sender is a member whose moderation
// action, or the list default, is anything but defer.
func NewMemberModeration(roster mlist.Roster, siteBans []string) engine.Rule {
	return &memberModerationRule{
		rule:   rule{name: MemberModeration, description: "Match messages sent by moderated members.", record: true},
		roster: roster,
		bans:   banList{roster: roster, siteBans: siteBans},
	}
}

func (r *memberModerationRule) Check(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	senders := msg.Senders(meta)
	if banned, err := r.bans.firstBanned(ctx, list.ListID(), senders); err != nil || banned != "" {
		return false, err
	}
	for _, sender := range senders {
		member, err := r.roster.GetMember(ctx, list.ListID(), sender, mlist.RoleMember)
		if errors.Is(err, consts.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		action := list.GetDefaultMemberAction()
		if member.ModerationAction != "" {
			action = mlist.Action(member.ModerationAction)
		}
		if action == mlist.ActionDefer {
			return false, nil
		}
		recordAction(meta, action, sender, "The message comes from a moderated member")
		return true, nil
	}
	return false, nil
}

type nonmemberModerationRule struct {
	rule
	roster mlist.Roster
	bans   banList
}

// NewNonmemberModeration applies the nonmember actions. Senders that are
// neither members nor known nonmembers are recorded as nonmembers so that
// moderators can set an action for them later.
func NewNonmemberModeration(roster mlist.Roster, siteBans []string) engine.Rule {
	return &nonmemberModerationRule{
		rule:   rule{name: NonmemberModeration, description: "Match messages sent by nonmembers.", record: true},
		roster: roster,
		bans:   banList{roster: roster, siteBans: siteBans},
	}
}

var legacyNonmemberActions = []mlist.Action{mlist.ActionAccept, mlist.ActionHold, mlist.ActionReject, mlist.ActionDiscard}

func legacyList(list *mlist.MailingList, action mlist.Action) []string {
	switch action {
	case mlist.ActionAccept:
		return list.AcceptTheseNonmembers
	case mlist.ActionHold:
		return list.HoldTheseNonmembers
	case mlist.ActionReject:
		return list.RejectTheseNonmembers
	case mlist.ActionDiscard:
		return list.DiscardTheseNonmembers
	}
	return nil
}

func (r *nonmemberModerationRule) Check(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	listID := list.ListID()
	senders := msg.Senders(meta)
	if banned, err := r.bans.firstBanned(ctx, listID, senders); err != nil || banned != "" {
		return false, err
	}

	// Member moderation takes precedence over nonmember moderation.
	nonmembers := make(map[string]*mlist.Member, len(senders))
	for _, sender := range senders {
		if _, err := r.roster.GetMember(ctx, listID, sender, mlist.RoleMember); err == nil {
			return false, nil
		} else if !errors.Is(err, consts.ErrNotFound) {
			return false, err
		}
		nm, err := r.roster.GetMember(ctx, listID, sender, mlist.RoleNonmember)
		if errors.Is(err, consts.ErrNotFound) {
			nm = mlist.NewMember(listID, sender, "", mlist.RoleNonmember)
			if err := r.roster.AddMember(ctx, nm); err != nil && !errors.Is(err, consts.ErrAlreadySubscribed) {
				return false, err
			}
		} else if err != nil {
			return false, err
		}
		nonmembers[sender] = nm
	}

	for _, sender := range senders {
		for _, action := range legacyNonmemberActions {
			for _, pattern := range legacyList(list, action) {
				if helpers.MatchesAddressPattern(pattern, sender) {
					recordAction(meta, action, sender, fmt.Sprintf("The sender is in the nonmember %s list", action))
					return true, nil
				}
			}
		}
		action := list.GetDefaultNonmemberAction()
		if nm := nonmembers[sender]; nm != nil && nm.ModerationAction != "" {
			action = mlist.Action(nm.ModerationAction)
		}
		if action == mlist.ActionDefer {
			return false, nil
		}
		recordAction(meta, action, sender, "The message is not from a list member")
		return true, nil
	}
	return false, nil
}
