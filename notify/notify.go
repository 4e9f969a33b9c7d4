// Package notify sends the messages tidings itself originates: confirmation
// requests, moderator notices, welcome and goodbye messages, and bounces.
// Every message is enqueued to the virgin queue, which adds the reduced
// list headers and hands it to the outgoing runner.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/queue"
	"github.com/migadu/tidings/templates"
)

type Notifier struct {
	catalog   *templates.Catalog
	queues    queue.Enqueuer
	roster    mlist.Roster
	hostname  string
	siteOwner string
}

func New(catalog *templates.Catalog, queues queue.Enqueuer, roster mlist.Roster, hostname, siteOwner string) *Notifier {
	return &Notifier{
		catalog:   catalog,
		queues:    queues,
		roster:    roster,
		hostname:  hostname,
		siteOwner: siteOwner,
	}
}

func (n *Notifier) Catalog() *templates.Catalog {
	return n.catalog
}

// Send renders the template key and mails it to the given recipients.
// Administrative notices come from the owner address, the rest from the
// request address. A notice carrying a token gets the confirm address as
// Reply-To, so a plain reply confirms.
func (n *Notifier) Send(ctx context.Context, list *mlist.MailingList, key string, to []string, data templates.Data) error {
	if len(to) == 0 {
		return nil
	}
	if data.List.FQDN == "" {
		data.List = templates.ForList(list)
	}
	if data.Token != "" && data.ConfirmAddress == "" {
		data.ConfirmAddress = list.ConfirmAddress(data.Token)
	}
	subject, body, err := n.catalog.Render(key, data)
	if err != nil {
		return err
	}

	from := list.RequestAddress()
	if strings.HasPrefix(key, "list:admin:") {
		from = list.OwnerAddress()
	}
	root := email.TextPart(body)
	if data.ConfirmAddress != "" {
		root.Header.Set("Reply-To", data.ConfirmAddress)
	}
	env := email.Envelope{From: from, To: to, Subject: subject, Hostname: n.hostname}
	if err := env.Apply(root); err != nil {
		return err
	}
	root.Header.Set("Auto-Submitted", "auto-generated")
	root.Header.Set("Precedence", "bulk")
	msg, err := email.Compose(root)
	if err != nil {
		return err
	}

	fb, err := n.Enqueue(list, msg, to, nil)
	if err != nil {
		return err
	}
	logger.Debug("Notify: Queued notice", "template", key, "list", list.ListID(), "to", to, "file_base", fb)
	return nil
}

// Moderators returns the addresses notified about held messages and
// requests: the list owners and moderators, or the site owner when the
// list has neither.
func (n *Notifier) Moderators(ctx context.Context, list *mlist.MailingList) ([]string, error) {
	var out []string
	for _, role := range []mlist.Role{mlist.RoleOwner, mlist.RoleModerator} {
		members, err := n.roster.Members(ctx, list.ListID(), role)
		if err != nil {
			return nil, fmt.Errorf("failed to load %ss: %w", role, err)
		}
		for _, m := range members {
			out = append(out, m.Email)
		}
	}
	if len(out) == 0 && n.siteOwner != "" {
		out = append(out, n.siteOwner)
	}
	return out, nil
}

// NotifyModerators sends key to the list's moderators.
func (n *Notifier) NotifyModerators(ctx context.Context, list *mlist.MailingList, key string, data templates.Data) error {
	to, err := n.Moderators(ctx, list)
	if err != nil {
		return err
	}
	if len(to) == 0 {
		logger.Warn("Notify: No moderators to notify", "list", list.ListID(), "template", key)
		return nil
	}
	return n.Send(ctx, list, key, to, data)
}

// Enqueue puts an already built message on the virgin queue addressed to
// recipients. extra is merged into the entry metadata.
func (n *Notifier) Enqueue(list *mlist.MailingList, msg *email.Message, recipients []string, extra email.Metadata) (string, error) {
	meta := email.Metadata{
		consts.MetaListID:             list.ListID(),
		consts.MetaRecipients:         append([]string(nil), recipients...),
		consts.MetaReducedListHeaders: true,
		consts.MetaNoFooter:           true,
	}
	for k, v := range extra {
		meta[k] = v
	}
	fb, err := n.queues.Enqueue(consts.QueueVirgin, msg, meta)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue to %s: %w", consts.QueueVirgin, err)
	}
	return fb, nil
}
