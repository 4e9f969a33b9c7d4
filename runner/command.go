package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/templates"
	"github.com/migadu/tidings/workflow"
)

// Workflows is the part of workflow.Manager the command runner drives.
type Workflows interface {
	Register(ctx context.Context, list *mlist.MailingList, addr, displayName string, opts workflow.Options) (string, string, *mlist.Member, error)
	Unregister(ctx context.Context, list *mlist.MailingList, addr string, opts workflow.Options) (string, string, *mlist.Member, error)
	Confirm(ctx context.Context, token string) (string, string, *mlist.Member, error)
}

// Sender renders and mails a notice template.
type Sender interface {
	Send(ctx context.Context, list *mlist.MailingList, key string, to []string, data templates.Data) error
}

type commandSource int

const (
	sourceImplicit commandSource = iota
	sourceSubject
	sourceBody
)

type emailCommand struct {
	line   string
	name   string
	args   []string
	source commandSource
}

func parseCommand(line string, source commandSource) (emailCommand, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return emailCommand{}, false
	}
	return emailCommand{
		line:   strings.Join(fields, " "),
		name:   strings.ToLower(fields[0]),
		args:   fields[1:],
		source: source,
	}, true
}

// Command answers mail sent to the -request, -join, -leave and -confirm
// addresses.
type Command struct {
	workflows Workflows
	notifier  Sender
	maxLines  int
}

func NewCommand(workflows Workflows, notifier Sender, maxLines int) *Command {
	if maxLines <= 0 {
		maxLines = 10
	}
	return &Command{workflows: workflows, notifier: notifier, maxLines: maxLines}
}

// isAutomated reports mail that must never get an auto-reply.
func isAutomated(msg *email.Message) bool {
	if as := strings.ToLower(strings.TrimSpace(msg.Get("Auto-Submitted"))); as != "" && as != "no" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(msg.Get("Precedence"))) {
	case "bulk", "junk", "list":
		return true
	}
	return false
}

// commands collects the implicit command from the address the message was
// sent to, then the Subject, then the first lines of the body.
func (r *Command) commands(msg *email.Message, meta email.Metadata) []emailCommand {
	var out []emailCommand
	add := func(line string, source commandSource) {
		if c, ok := parseCommand(line, source); ok {
			out = append(out, c)
		}
	}

	switch {
	case meta.Bool(consts.MetaToJoin):
		add("join", sourceImplicit)
	case meta.Bool(consts.MetaToLeave):
		add("leave", sourceImplicit)
	case meta.Bool(consts.MetaToConfirm):
		add("confirm "+meta.String(consts.MetaToken), sourceImplicit)
	}

	if subject, _ := helpers.StripReplyPrefixes(msg.Subject()); subject != "" {
		add(subject, sourceSubject)
	}

	lines, err := msg.FirstTextLines(r.maxLines)
	if err != nil {
		logger.Warn("Runner[command]: Cannot read body", "message_id", msg.LogID(), "error", err)
	}
	for _, line := range lines {
		if strings.HasPrefix(line, ">") {
			continue
		}
		add(line, sourceBody)
	}
	return out
}

func (r *Command) Dispose(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if list == nil {
		logger.Error("Runner[command]: Entry has no list", "message_id", msg.LogID())
		return false, nil
	}
	if isAutomated(msg) {
		logger.Info("Runner[command]: Ignoring automated message", "list", list.ListID(), "message_id", msg.LogID())
		return false, nil
	}
	sender := msg.Sender(meta)
	if sender == "" {
		logger.Warn("Runner[command]: No sender", "list", list.ListID(), "message_id", msg.LogID())
		return false, nil
	}
	displayName := msg.DisplayName("From")

	var (
		results []string
		help    bool
	)
	seen := make(map[string]bool)
	for _, c := range r.commands(msg, meta) {
		if seen[strings.ToLower(c.line)] {
			continue
		}
		seen[strings.ToLower(c.line)] = true

		if c.name == "end" || c.name == "stop" {
			results = append(results, "> "+c.line, "Processing ended.", "")
			break
		}
		if c.name == "help" {
			help = true
			results = append(results, "> "+c.line, "Help sent.", "")
			continue
		}

		out, known, err := r.execute(ctx, list, sender, displayName, c)
		if err != nil {
			return false, err
		}
		if !known {
			// Subjects are usually not commands at all.
			if c.source == sourceBody {
				results = append(results, "> "+c.line, "No such command: "+c.name, "")
			}
			continue
		}
		results = append(results, "> "+c.line)
		results = append(results, out...)
		results = append(results, "")
	}

	if help {
		if err := r.notifier.Send(ctx, list, templates.UserHelp, []string{sender}, templates.Data{Email: sender}); err != nil {
			return false, fmt.Errorf("failed to send help: %w", err)
		}
	}
	if len(results) == 0 {
		logger.Info("Runner[command]: No commands found", "list", list.ListID(), "message_id", msg.LogID())
		return false, nil
	}
	data := templates.Data{Email: sender, Lines: results}
	if err := r.notifier.Send(ctx, list, templates.UserResults, []string{sender}, data); err != nil {
		return false, fmt.Errorf("failed to send results: %w", err)
	}
	logger.Info("Runner[command]: Processed commands", "list", list.ListID(), "sender", sender, "message_id", msg.LogID())
	return false, nil
}

// execute runs one command. known is false for words that are not
// commands.
func (r *Command) execute(ctx context.Context, list *mlist.MailingList, sender, displayName string, c emailCommand) ([]string, bool, error) {
	switch c.name {
	case "join", "subscribe":
		addr := argValue(c.args, "address", sender)
		token, owner, member, err := r.workflows.Register(ctx, list, addr, displayName, workflow.Options{})
		if out, ok := userError(err, addr, list); ok {
			return out, true, nil
		}
		if err != nil {
			return nil, true, err
		}
		switch {
		case member != nil:
			return []string{fmt.Sprintf("%s has joined %s", addr, list.FQDNListname())}, true, nil
		case token != "" && owner == consts.TokenOwnerSubscriber:
			return []string{"Confirmation email sent to " + addr}, true, nil
		default:
			return []string{"Your subscription request is awaiting moderator approval"}, true, nil
		}

	case "leave", "unsubscribe":
		addr := argValue(c.args, "address", sender)
		token, owner, _, err := r.workflows.Unregister(ctx, list, addr, workflow.Options{})
		if out, ok := userError(err, addr, list); ok {
			return out, true, nil
		}
		if err != nil {
			return nil, true, err
		}
		switch {
		case token == "":
			return []string{fmt.Sprintf("%s left %s", addr, list.FQDNListname())}, true, nil
		case owner == consts.TokenOwnerSubscriber:
			return []string{"Confirmation email sent to " + addr}, true, nil
		default:
			return []string{"Your unsubscription request is awaiting moderator approval"}, true, nil
		}

	case "confirm":
		if len(c.args) == 0 || c.args[0] == "" {
			return []string{"No confirmation token found"}, true, nil
		}
		_, _, _, err := r.workflows.Confirm(ctx, c.args[0])
		if errors.Is(err, consts.ErrNotFound) || errors.Is(err, consts.ErrNotAWorkflow) {
			return []string{"Confirmation token did not match"}, true, nil
		}
		if out, ok := userError(err, sender, list); ok {
			return out, true, nil
		}
		if err != nil {
			return nil, true, err
		}
		return []string{"Confirmed"}, true, nil
	}
	return nil, false, nil
}

// userError turns workflow refusals into result lines.
func userError(err error, addr string, list *mlist.MailingList) ([]string, bool) {
	switch {
	case err == nil:
		return nil, false
	case errors.Is(err, consts.ErrAlreadySubscribed):
		return []string{fmt.Sprintf("%s is already a member of %s", addr, list.FQDNListname())}, true
	case errors.Is(err, consts.ErrNotAMember):
		return []string{fmt.Sprintf("%s is not a member of %s", addr, list.FQDNListname())}, true
	case errors.Is(err, consts.ErrMembershipBanned):
		return []string{fmt.Sprintf("%s is not allowed to subscribe to %s", addr, list.FQDNListname())}, true
	case errors.Is(err, consts.ErrSubscriptionPending):
		return []string{"A request for " + addr + " is already pending"}, true
	case errors.Is(err, consts.ErrInvalidAddress):
		return []string{"Invalid email address: " + addr}, true
	}
	return nil, false
}

// argValue returns the value of a key=value argument, or def.
func argValue(args []string, key, def string) string {
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if ok && strings.EqualFold(k, key) && v != "" {
			return v
		}
	}
	return def
}
