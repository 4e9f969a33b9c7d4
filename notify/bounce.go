package notify

import (
	"context"
	"strings"

	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
)

const noDetails = "[No details are available]"

// BuildBounce returns msg to its sender with the rejection reasons in a
// text part and the original attached as message/rfc822.
func (n *Notifier) BuildBounce(list *mlist.MailingList, msg *email.Message, sender string, reasons []string) (*email.Message, error) {
	subject := msg.Subject()
	if subject == "" {
		subject = "(no subject)"
	}
	text := noDetails
	if len(reasons) > 0 {
		text = strings.Join(reasons, "\n") + "\n"
	}

	root := email.Multipart("mixed", email.TextPart(text), email.MessagePart(msg))
	env := email.Envelope{
		From:     list.BouncesAddress(),
		To:       []string{sender},
		Subject:  subject,
		Hostname: n.hostname,
	}
	if err := env.Apply(root); err != nil {
		return nil, err
	}
	root.Header.Set("Auto-Submitted", "auto-replied")
	return email.Compose(root)
}

// Bounce sends a rejection notice for msg to its sender. A message without
// a usable sender is only logged.
func (n *Notifier) Bounce(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata, reasons []string) error {
	sender := msg.Sender(meta)
	if sender == "" {
		logger.Warn("Notify: Cannot bounce message without sender", "message_id", msg.LogID(), "list", list.ListID())
		return nil
	}
	bounce, err := n.BuildBounce(list, msg, sender, reasons)
	if err != nil {
		return err
	}
	_, err = n.Enqueue(list, bounce, []string{sender}, nil)
	return err
}
