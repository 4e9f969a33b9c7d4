package moderator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/notify"
	"github.com/migadu/tidings/pending"
	"github.com/migadu/tidings/templates"
	"github.com/migadu/tidings/testutils"
)

type queued struct {
	queue string
	msg   *email.Message
	meta  email.Metadata
}

type recordingQueue struct {
	mu      sync.Mutex
	entries []queued
	err     error
}

func (q *recordingQueue) Enqueue(name string, msg *email.Message, meta email.Metadata) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.entries = append(q.entries, queued{queue: name, msg: msg, meta: meta})
	return fmt.Sprintf("fb-%d", len(q.entries)), nil
}

const heldPost = `From: Anne Person <anne@example.org>
To: ant@example.com
Subject: Held post
Message-ID: <held@example.org>

Please moderate me
`

type fixture struct {
	store    *db.Store
	pendings *pending.Registry
	queue    *recordingQueue
	mod      *Moderator
	list     *mlist.MailingList
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := testutils.SetupTestStore(t)
	pendings, err := pending.New(store, config.PendingConfig{})
	require.NoError(t, err)
	catalog, err := templates.Load("")
	require.NoError(t, err)
	q := &recordingQueue{}
	notifier := notify.New(catalog, q, store, "lists.example.com", "postmaster@example.com")
	return &fixture{
		store:    store,
		pendings: pendings,
		queue:    q,
		mod:      New(store, pendings, q, notifier),
		list:     testutils.TestList(t, config.ListConfig{}),
	}
}

// hold stores a held message the way the hold chain does and returns its
// id and moderator token.
func (f *fixture) hold(t *testing.T) (int64, string) {
	t.Helper()
	ctx := context.Background()
	meta, err := json.Marshal(email.Metadata{
		consts.MetaListID:           f.list.ListID(),
		consts.MetaModerationAction: "hold",
	})
	require.NoError(t, err)
	held := &db.HeldMessage{
		ListID:    f.list.ListID(),
		MessageID: "<held@example.org>",
		Sender:    "anne@example.org",
		Subject:   "Held post",
		Reason:    "The message is not from a list member",
		Metadata:  string(meta),
		Raw:       testutils.CRLF(heldPost),
		HeldAt:    time.Now().Unix(),
	}
	require.NoError(t, f.store.InsertHeldMessage(ctx, held))
	token, err := f.pendings.Add(ctx, pending.Pendable{
		pending.KeyType:          consts.PendHeldMessage,
		pending.KeyListID:        f.list.ListID(),
		pending.KeyTokenOwner:    consts.TokenOwnerModerator,
		pending.KeyHeldMessageID: held.MessageID,
		"id":                     held.ID,
	}, 0)
	require.NoError(t, err)
	return held.ID, token
}

func (f *fixture) assertGone(t *testing.T, id int64, token string) {
	t.Helper()
	_, err := f.store.GetHeldMessage(context.Background(), id)
	assert.ErrorIs(t, err, consts.ErrNotFound)
	p, err := f.pendings.Get(context.Background(), token)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestParseAction(t *testing.T) {
	for _, s := range []string{"accept", "reject", "discard", "defer"} {
		a, err := ParseAction(s)
		require.NoError(t, err)
		assert.Equal(t, Action(s), a)
	}
	_, err := ParseAction("forward")
	assert.Error(t, err)
}

func TestAccept(t *testing.T) {
	f := setup(t)
	id, token := f.hold(t)

	require.NoError(t, f.mod.HandleMessage(context.Background(), f.list, id, Accept, ""))

	require.Len(t, f.queue.entries, 1)
	entry := f.queue.entries[0]
	assert.Equal(t, consts.QueuePipeline, entry.queue)
	assert.True(t, entry.meta.Bool(consts.MetaModeratorApproved))
	assert.Equal(t, f.list.ListID(), entry.meta.String(consts.MetaListID))
	assert.Equal(t, "hold", entry.meta.String(consts.MetaModerationAction))
	assert.Equal(t, "Held post", entry.msg.Subject())
	f.assertGone(t, id, token)
}

func TestReject(t *testing.T) {
	f := setup(t)
	id, token := f.hold(t)

	require.NoError(t, f.mod.HandleMessage(context.Background(), f.list, id, Reject, "Off topic"))

	require.Len(t, f.queue.entries, 1)
	entry := f.queue.entries[0]
	assert.Equal(t, consts.QueueVirgin, entry.queue)
	assert.Equal(t, []string{"anne@example.org"}, entry.meta.Strings(consts.MetaRecipients))
	assert.Equal(t, "Request to mailing list Ant rejected", entry.msg.Subject())
	text, err := entry.msg.Text()
	require.NoError(t, err)
	assert.Contains(t, text, `"Off topic"`)
	assert.Contains(t, text, "Held post")
	f.assertGone(t, id, token)
}

func TestRejectWithoutReason(t *testing.T) {
	f := setup(t)
	id, _ := f.hold(t)

	require.NoError(t, f.mod.HandleMessage(context.Background(), f.list, id, Reject, ""))
	require.Len(t, f.queue.entries, 1)
	text, err := f.queue.entries[0].msg.Text()
	require.NoError(t, err)
	assert.Contains(t, text, noReason)
}

func TestDiscard(t *testing.T) {
	f := setup(t)
	id, token := f.hold(t)

	require.NoError(t, f.mod.HandleMessage(context.Background(), f.list, id, Discard, ""))
	assert.Empty(t, f.queue.entries)
	f.assertGone(t, id, token)
}

func TestDefer(t *testing.T) {
	f := setup(t)
	id, token := f.hold(t)

	require.NoError(t, f.mod.HandleMessage(context.Background(), f.list, id, Defer, ""))
	assert.Empty(t, f.queue.entries)

	held, err := f.mod.Held(context.Background(), f.list)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, id, held[0].ID)
	p, err := f.pendings.Get(context.Background(), token)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestHandleMessageNotFound(t *testing.T) {
	f := setup(t)
	id, _ := f.hold(t)

	other := testutils.TestList(t, config.ListConfig{Name: "bee"})
	assert.ErrorIs(t, f.mod.HandleMessage(context.Background(), other, id, Discard, ""), consts.ErrNotFound)
	assert.ErrorIs(t, f.mod.HandleMessage(context.Background(), f.list, id+100, Accept, ""), consts.ErrNotFound)

	held, err := f.mod.Held(context.Background(), f.list)
	require.NoError(t, err)
	assert.Len(t, held, 1)
}

// lookupBarrier lets every GetHeldMessage return before any moderator
// acts, the way two admins loading the same queue page would.
type lookupBarrier struct {
	*db.Store
	loaded sync.WaitGroup
}

func (b *lookupBarrier) GetHeldMessage(ctx context.Context, id int64) (*db.HeldMessage, error) {
	m, err := b.Store.GetHeldMessage(ctx, id)
	b.loaded.Done()
	b.loaded.Wait()
	return m, err
}

func TestConcurrentAcceptEnqueuesOnce(t *testing.T) {
	f := setup(t)
	id, token := f.hold(t)

	store := &lookupBarrier{Store: f.store}
	store.loaded.Add(2)
	mod := New(store, f.pendings, f.queue, f.mod.notifier)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = mod.HandleMessage(context.Background(), f.list, id, Accept, "")
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, consts.ErrNotFound)
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Len(t, f.queue.entries, 1)
	f.assertGone(t, id, token)
}

func TestAcceptTwice(t *testing.T) {
	f := setup(t)
	id, _ := f.hold(t)

	require.NoError(t, f.mod.HandleMessage(context.Background(), f.list, id, Accept, ""))
	err := f.mod.HandleMessage(context.Background(), f.list, id, Accept, "")
	assert.ErrorIs(t, err, consts.ErrNotFound)
	assert.Len(t, f.queue.entries, 1)
}

func TestAcceptEnqueueFailureKeepsMessageHeld(t *testing.T) {
	f := setup(t)
	id, token := f.hold(t)
	f.queue.err = errors.New("no space left on device")

	err := f.mod.HandleMessage(context.Background(), f.list, id, Accept, "")
	require.Error(t, err)
	assert.Empty(t, f.queue.entries)

	held, err := f.mod.Held(context.Background(), f.list)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "<held@example.org>", held[0].MessageID)
	assert.NotEqual(t, id, held[0].ID)

	// The old token pointed at the old row.
	p, err := f.pendings.Get(context.Background(), token)
	require.NoError(t, err)
	assert.Nil(t, p)

	f.queue.err = nil
	require.NoError(t, f.mod.HandleMessage(context.Background(), f.list, held[0].ID, Accept, ""))
	assert.Len(t, f.queue.entries, 1)
}
