package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/templates"
)

// DigestStore holds the postings collected for each list's next digest.
type DigestStore interface {
	TakeDigest(ctx context.Context, listID string) ([]db.DigestMessage, error)
	DigestLists(ctx context.Context) ([]string, error)
	BumpDigestNumber(ctx context.Context, listID string, now int64) (volume, number int64, err error)
}

// VirginQueuer puts generated messages on the virgin queue.
type VirginQueuer interface {
	Enqueue(list *mlist.MailingList, msg *email.Message, recipients []string, extra email.Metadata) (string, error)
}

// Digest sends the collected postings of a list to its digest members,
// either when to-digest reports the size threshold was reached or, for
// lists with digest_send_periodic, on the periodic interval.
type Digest struct {
	store    DigestStore
	roster   mlist.Roster
	lists    Lists
	catalog  *templates.Catalog
	virgin   VirginQueuer
	hostname string
	now      func() time.Time
}

func NewDigest(store DigestStore, roster mlist.Roster, lists Lists, catalog *templates.Catalog, virgin VirginQueuer, hostname string) *Digest {
	return &Digest{
		store:    store,
		roster:   roster,
		lists:    lists,
		catalog:  catalog,
		virgin:   virgin,
		hostname: hostname,
		now:      time.Now,
	}
}

func (r *Digest) Dispose(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if list == nil {
		logger.Error("Runner[digest]: Entry has no list", "message_id", msg.LogID())
		return false, nil
	}
	if !meta.Bool(consts.MetaDigestTrigger) {
		return false, nil
	}
	return false, r.Send(ctx, list)
}

func (r *Digest) DoPeriodic(ctx context.Context) {
	ids, err := r.store.DigestLists(ctx)
	if err != nil {
		logger.Error("Runner[digest]: Cannot list pending digests", "error", err)
		return
	}
	for _, id := range ids {
		list, ok := r.lists.Get(id)
		if !ok || !list.DigestSendPeriodic {
			continue
		}
		if err := r.Send(ctx, list); err != nil {
			logger.Error("Runner[digest]: Periodic digest failed", "list", id, "error", err)
		}
	}
}

func (r *Digest) recipients(ctx context.Context, list *mlist.MailingList) ([]string, error) {
	members, err := r.roster.Members(ctx, list.ListID(), mlist.RoleMember)
	if err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}
	var out []string
	for _, m := range members {
		if m.DeliveryEnabled && m.DeliveryMode.IsDigest() {
			out = append(out, m.Email)
		}
	}
	return out, nil
}

// Send builds and queues the list's digest. Nothing is sent when no
// postings were collected.
func (r *Digest) Send(ctx context.Context, list *mlist.MailingList) error {
	collected, err := r.store.TakeDigest(ctx, list.ListID())
	if err != nil {
		return err
	}
	if len(collected) == 0 {
		return nil
	}
	volume, number, err := r.store.BumpDigestNumber(ctx, list.ListID(), r.now().Unix())
	if err != nil {
		return err
	}

	to, err := r.recipients(ctx, list)
	if err != nil {
		return err
	}
	if len(to) == 0 {
		logger.Info("Runner[digest]: No digest members, dropping digest", "list", list.ListID(),
			"volume", volume, "number", number, "messages", len(collected))
		return nil
	}

	msg, err := r.build(list, collected, volume, number)
	if err != nil {
		return err
	}
	fb, err := r.virgin.Enqueue(list, msg, to, email.Metadata{consts.MetaIsDigest: true})
	if err != nil {
		return err
	}
	logger.Info("Runner[digest]: Digest queued", "list", list.ListID(), "volume", volume, "number", number,
		"messages", len(collected), "recipients", len(to), "file_base", fb)
	return nil
}

func topic(i int, m db.DigestMessage) string {
	subject := strings.TrimSpace(m.Subject)
	if subject == "" {
		subject = helpers.NoSubject
	}
	return fmt.Sprintf("%d. %s (%s)", i+1, subject, m.Sender)
}

// build lays the digest out as
// multipart/mixed[masthead, multipart/digest[message/rfc822...], trailer].
func (r *Digest) build(list *mlist.MailingList, collected []db.DigestMessage, volume, number int64) (*email.Message, error) {
	topics := make([]string, 0, len(collected))
	messages := make([]*email.Part, 0, len(collected))
	for i, m := range collected {
		topics = append(topics, topic(i, m))
		parsed, err := email.Parse(m.Raw)
		if err != nil {
			logger.Warn("Runner[digest]: Skipping unparsable posting", "list", list.ListID(), "id", m.ID, "error", err)
			continue
		}
		messages = append(messages, email.MessagePart(parsed))
	}

	data := templates.Data{List: templates.ForList(list), Volume: volume, Number: number, Lines: topics}
	subject, masthead, err := r.catalog.Render(templates.MemberDigestHeader, data)
	if err != nil {
		return nil, err
	}
	trailer := fmt.Sprintf("End of %s Digest, Vol %d, Issue %d\n", list.GetDisplayName(), volume, number)

	root := email.Multipart("mixed",
		email.TextPart(masthead),
		email.Multipart("digest", messages...),
		email.TextPart(trailer),
	)
	env := email.Envelope{
		From:     list.RequestAddress(),
		To:       []string{list.PostingAddress()},
		Subject:  subject,
		Hostname: r.hostname,
	}
	if err := env.Apply(root); err != nil {
		return nil, err
	}
	root.Header.Set("MIME-Version", "1.0")
	return email.Compose(root)
}
