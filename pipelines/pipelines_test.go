package pipelines

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/handlers"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/templates"
	"github.com/migadu/tidings/testutils"
)

type queued struct {
	queue string
	msg   *email.Message
	meta  email.Metadata
}

type recordingQueue struct {
	entries []queued
}

func (q *recordingQueue) Enqueue(name string, msg *email.Message, meta email.Metadata) (string, error) {
	q.entries = append(q.entries, queued{queue: name, msg: msg, meta: meta})
	return fmt.Sprintf("fb-%d", len(q.entries)), nil
}

func (q *recordingQueue) in(name string) []queued {
	var out []queued
	for _, e := range q.entries {
		if e.queue == name {
			out = append(out, e)
		}
	}
	return out
}

func setup(t *testing.T) (*engine.Registry, *recordingQueue, *db.Store) {
	t.Helper()
	store := testutils.SetupTestStore(t)
	catalog, err := templates.Load("")
	require.NoError(t, err)
	q := &recordingQueue{}
	reg := engine.NewRegistry(0)
	handlers.Register(reg, handlers.Deps{
		Store:     store,
		Queues:    q,
		Catalog:   catalog,
		Hostname:  "lists.example.com",
		SiteOwner: "postmaster@example.com",
		Version:   "1.0",
	})
	Register(reg)
	return reg, q, store
}

func TestRegisterValidates(t *testing.T) {
	reg, _, _ := setup(t)
	require.NoError(t, reg.Validate())

	p, ok := reg.Pipeline(DefaultPosting)
	require.True(t, ok)
	assert.Len(t, p.Handlers(), 13)
	assert.Equal(t, handlers.MimeDelete, p.Handlers()[0])
	assert.Equal(t, handlers.ToOutgoing, p.Handlers()[12])

	assert.Panics(t, func() { Register(reg) })
}

const post = `From: Anne Person <anne@example.org>
To: ant@example.com
Subject: Hello
Message-ID: <first@example.org>

Hello there
`

func TestDefaultPostingPipeline(t *testing.T) {
	reg, q, store := setup(t)
	list := testutils.TestList(t, config.ListConfig{Description: "Ants"})
	testutils.CreateTestMember(t, store, list.ListID(), "bart@example.com", mlist.RoleMember)
	testutils.CreateTestMember(t, store, list.ListID(), "anne@example.org", mlist.RoleMember)

	msg, err := email.Parse(testutils.CRLF(post))
	require.NoError(t, err)
	meta := email.Metadata{consts.MetaListID: list.ListID()}
	require.NoError(t, reg.RunPipeline(context.Background(), DefaultPosting, list, msg, meta))

	require.Len(t, q.in(consts.QueueArchive), 1)
	out := q.in(consts.QueueOut)
	require.Len(t, out, 1)
	delivered := out[0]
	assert.Equal(t, []string{"anne@example.org", "bart@example.com"}, delivered.meta.Strings(consts.MetaRecipients))
	assert.Equal(t, "[Ant] Hello", delivered.msg.Subject())
	assert.Equal(t, "Ants <ant.example.com>", delivered.msg.Get("List-Id"))
	assert.Equal(t, "ant@example.com", delivered.msg.Get("X-BeenThere"))
	text, err := delivered.msg.Text()
	require.NoError(t, err)
	assert.Contains(t, text, "Hello there")
	assert.Contains(t, text, "ant-leave@example.com")

	// The archived copy is taken before decoration.
	archived, err := q.in(consts.QueueArchive)[0].msg.Text()
	require.NoError(t, err)
	assert.NotContains(t, archived, "ant-leave@example.com")

	stats, err := store.GetListStats(context.Background(), list.ListID())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.PostID)
}

func TestDefaultOwnerPipeline(t *testing.T) {
	reg, q, store := setup(t)
	list := testutils.TestList(t, config.ListConfig{})
	testutils.CreateTestMember(t, store, list.ListID(), "owner@example.com", mlist.RoleOwner)

	msg, err := email.Parse(testutils.CRLF(post))
	require.NoError(t, err)
	require.NoError(t, reg.RunPipeline(context.Background(), DefaultOwner, list, msg, email.Metadata{consts.MetaToOwner: true}))

	out := q.in(consts.QueueOut)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"owner@example.com"}, out[0].meta.Strings(consts.MetaRecipients))
	assert.Equal(t, "ant-bounces@example.com", out[0].meta.String(consts.MetaMailFrom))
	assert.Equal(t, "Hello", out[0].msg.Subject())
}

func TestVirginPipeline(t *testing.T) {
	reg, q, _ := setup(t)
	list := testutils.TestList(t, config.ListConfig{})

	msg, err := email.Parse(testutils.CRLF("From: ant-owner@example.com\nTo: anne@example.org\nSubject: Notice\n\nbody\n"))
	require.NoError(t, err)
	meta := email.Metadata{
		consts.MetaRecipients:         []string{"anne@example.org"},
		consts.MetaReducedListHeaders: true,
	}
	require.NoError(t, reg.RunPipeline(context.Background(), Virgin, list, msg, meta))

	out := q.in(consts.QueueOut)
	require.Len(t, out, 1)
	assert.Equal(t, "<ant.example.com>", out[0].msg.Get("List-Id"))
	assert.False(t, out[0].msg.Header.Has("X-BeenThere"))
	assert.True(t, out[0].msg.Header.Has("Message-Id"))
}
