package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/templates"
	"github.com/migadu/tidings/testutils"
)

type queuedDigest struct {
	msg        *email.Message
	recipients []string
	extra      email.Metadata
}

type recordingVirgin struct {
	queued []queuedDigest
}

func (v *recordingVirgin) Enqueue(_ *mlist.MailingList, msg *email.Message, recipients []string, extra email.Metadata) (string, error) {
	v.queued = append(v.queued, queuedDigest{msg: msg, recipients: recipients, extra: extra})
	return "fb", nil
}

type digestFixture struct {
	store  *db.Store
	lists  *mlist.Manager
	virgin *recordingVirgin
	runner *Digest
}

func newDigestFixture(t *testing.T, cfgs ...config.ListConfig) *digestFixture {
	t.Helper()
	store := testutils.SetupTestStore(t)
	catalog, err := templates.Load("")
	require.NoError(t, err)
	lists := testLists(t, cfgs...)
	virgin := &recordingVirgin{}
	return &digestFixture{
		store:  store,
		lists:  lists,
		virgin: virgin,
		runner: NewDigest(store, store, lists, catalog, virgin, "lists.example.com"),
	}
}

func (f *digestFixture) addMember(t *testing.T, listID, addr string, mode mlist.DeliveryMode) {
	t.Helper()
	m := mlist.NewMember(listID, addr, "", mlist.RoleMember)
	m.DeliveryMode = mode
	require.NoError(t, f.store.AddMember(context.Background(), m))
}

func (f *digestFixture) collect(t *testing.T, listID, sender, subject string) {
	t.Helper()
	raw := testutils.CRLF("From: " + sender + "\nSubject: " + subject + "\nMessage-ID: <" + subject + "@example.org>\n\nbody of " + subject + "\n")
	_, err := f.store.AppendDigest(context.Background(), &db.DigestMessage{
		ListID: listID, Sender: sender, Subject: subject, Raw: raw, AddedAt: time.Now().Unix(),
	})
	require.NoError(t, err)
}

func TestDigestSend(t *testing.T) {
	f := newDigestFixture(t)
	ctx := context.Background()
	f.addMember(t, "ant.example.com", "anne@example.org", mlist.DeliveryMIMEDigests)
	f.addMember(t, "ant.example.com", "bart@example.org", mlist.DeliveryRegular)
	f.collect(t, "ant.example.com", "cris@example.org", "First")
	f.collect(t, "ant.example.com", "dave@example.org", "")

	_, err := f.runner.Dispose(ctx, antListFrom(t, f.lists), parse(t, post), email.Metadata{consts.MetaDigestTrigger: true})
	require.NoError(t, err)

	require.Len(t, f.virgin.queued, 1)
	q := f.virgin.queued[0]
	assert.Equal(t, []string{"anne@example.org"}, q.recipients)
	assert.True(t, q.extra.Bool(consts.MetaIsDigest))
	assert.Equal(t, "Ant Digest, Vol 1, Issue 1", q.msg.Subject())
	assert.Equal(t, []string{"ant-request@example.com"}, q.msg.Addresses("From"))

	ct, _ := q.msg.ContentType()
	assert.Equal(t, "multipart/mixed", ct)
	raw := string(q.msg.Bytes())
	assert.Contains(t, raw, "multipart/digest")
	assert.Contains(t, raw, "1. First (cris@example.org)")
	assert.Contains(t, raw, "2. (no subject) (dave@example.org)")
	assert.Contains(t, raw, "body of First")
	assert.Contains(t, raw, "End of Ant Digest, Vol 1, Issue 1")

	// The collection was taken, so the next trigger has nothing to send.
	_, err = f.runner.Dispose(ctx, antListFrom(t, f.lists), parse(t, post), email.Metadata{consts.MetaDigestTrigger: true})
	require.NoError(t, err)
	assert.Len(t, f.virgin.queued, 1)

	// Issue numbers advance.
	f.collect(t, "ant.example.com", "cris@example.org", "Second")
	require.NoError(t, f.runner.Send(ctx, antListFrom(t, f.lists)))
	require.Len(t, f.virgin.queued, 2)
	assert.Equal(t, "Ant Digest, Vol 1, Issue 2", f.virgin.queued[1].msg.Subject())
}

func TestDigestIgnoresUntriggeredEntries(t *testing.T) {
	f := newDigestFixture(t)
	f.addMember(t, "ant.example.com", "anne@example.org", mlist.DeliveryMIMEDigests)
	f.collect(t, "ant.example.com", "cris@example.org", "First")

	_, err := f.runner.Dispose(context.Background(), antListFrom(t, f.lists), parse(t, post), email.Metadata{})
	require.NoError(t, err)
	assert.Empty(t, f.virgin.queued)
}

func TestDigestWithoutDigestMembers(t *testing.T) {
	f := newDigestFixture(t)
	f.addMember(t, "ant.example.com", "bart@example.org", mlist.DeliveryRegular)
	f.collect(t, "ant.example.com", "cris@example.org", "First")

	require.NoError(t, f.runner.Send(context.Background(), antListFrom(t, f.lists)))
	assert.Empty(t, f.virgin.queued)
	ids, err := f.store.DigestLists(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDigestPeriodic(t *testing.T) {
	f := newDigestFixture(t,
		config.ListConfig{Name: "ant", MailHost: "example.com", DigestSendPeriodic: true},
		config.ListConfig{Name: "bee", MailHost: "example.com"},
	)
	for _, id := range []string{"ant.example.com", "bee.example.com"} {
		f.addMember(t, id, "anne@example.org", mlist.DeliveryPlaintextDigests)
		f.collect(t, id, "cris@example.org", "First")
	}

	f.runner.DoPeriodic(context.Background())
	require.Len(t, f.virgin.queued, 1)
	assert.Equal(t, "Ant Digest, Vol 1, Issue 1", f.virgin.queued[0].msg.Subject())

	ids, err := f.store.DigestLists(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bee.example.com"}, ids)
}

func antListFrom(t *testing.T, lists *mlist.Manager) *mlist.MailingList {
	t.Helper()
	l, ok := lists.Get("ant.example.com")
	require.True(t, ok)
	return l
}
