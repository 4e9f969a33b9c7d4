package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/mlist"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sdb, err := sqlx.Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	sdb.SetMaxOpenConns(1)
	sdb.SetConnMaxLifetime(0)
	t.Cleanup(func() { sdb.Close() })

	require.NoError(t, MigrateUp(context.Background(), sdb))
	store, err := NewStore(sdb)
	require.NoError(t, err)
	return store
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		url     string
		driver  string
		dsn     string
		wantErr bool
	}{
		{"sqlite://:memory:", DriverSQLite, ":memory:", false},
		{"sqlite:///var/lib/tidings/db.sqlite", DriverSQLite, "/var/lib/tidings/db.sqlite?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", false},
		{"sqlite://x.db?mode=rwc", DriverSQLite, "x.db?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", false},
		{"postgres://u@h/db", DriverPostgres, "postgres://u@h/db", false},
		{"postgresql://u@h/db", DriverPostgres, "postgresql://u@h/db", false},
		{"sqlite://", "", "", true},
		{"mysql://h/db", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			driver, dsn, err := parseURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.driver, driver)
			assert.Equal(t, tt.dsn, dsn)
		})
	}
}

func TestLoadQueries(t *testing.T) {
	q, err := LoadQueries()
	require.NoError(t, err)
	for _, name := range []string{"insert-pended", "take-workflow-state", "insert-member", "insert-held-message", "digest-size", "bump-post-id"} {
		_, err := q.Raw(name)
		assert.NoError(t, err, name)
	}
	_, err = q.Raw("no-such-query")
	assert.Error(t, err)
}

func TestPendedLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	kvs := []KeyValue{{Key: "type", Value: "subscription"}, {Key: "list_id", Value: `"ant.example.com"`}}
	require.NoError(t, s.InsertPended(ctx, "tok1", 100, kvs))
	require.NoError(t, s.InsertPended(ctx, "tok2", 200, []KeyValue{{Key: "type", Value: "held message"}}))

	err := s.InsertPended(ctx, "tok1", 100, nil)
	assert.ErrorIs(t, err, consts.ErrDBUniqueViolation)

	exists, err := s.PendedTokenExists(ctx, "tok1")
	require.NoError(t, err)
	assert.True(t, exists)

	rec, got, err := s.GetPended(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.ExpirationDate)
	assert.Equal(t, kvs, got)

	tokens, err := s.FindPendedTokens(ctx, []KeyValue{{Key: "type", Value: "subscription"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"tok1"}, tokens)

	tokens, err = s.FindPendedTokens(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"tok1", "tok2"}, tokens)

	n, err := s.CountPended(ctx, []KeyValue{{Key: "type", Value: "subscription"}, {Key: "list_id", Value: `"other"`}})
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.SaveWorkflowState(ctx, "tok1", "send_confirmation", `{"x":1}`))

	found, err := s.DeletePended(ctx, "tok1")
	require.NoError(t, err)
	assert.True(t, found)

	_, _, err = s.GetPended(ctx, "tok1")
	assert.ErrorIs(t, err, consts.ErrNotFound)
	_, err = s.GetWorkflowState(ctx, "tok1")
	assert.ErrorIs(t, err, consts.ErrNotFound)

	found, err = s.DeletePended(ctx, "tok1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTakePended(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	kvs := []KeyValue{{Key: "type", Value: "subscription"}, {Key: "list_id", Value: `"ant.example.com"`}}
	require.NoError(t, s.InsertPended(ctx, "tok1", 100, kvs))
	require.NoError(t, s.SaveWorkflowState(ctx, "tok1", "send_confirmation", ""))

	got, err := s.TakePended(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, kvs, got)

	_, _, err = s.GetPended(ctx, "tok1")
	assert.ErrorIs(t, err, consts.ErrNotFound)
	_, err = s.GetWorkflowState(ctx, "tok1")
	assert.ErrorIs(t, err, consts.ErrNotFound)

	_, err = s.TakePended(ctx, "tok1")
	assert.ErrorIs(t, err, consts.ErrNotFound)
}

func TestTakePendedLosesRace(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	s, err := NewStore(sqlx.NewDb(mockDB, DriverSQLite))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, token, expiration_date FROM pended").
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"id", "token", "expiration_date"}).AddRow(7, "tok", 99))
	mock.ExpectQuery("SELECT key, value FROM pendedkeyvalue").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).AddRow("type", "subscription"))
	mock.ExpectExec("DELETE FROM pendedkeyvalue").WithArgs(7).WillReturnResult(sqlmock.NewResult(0, 0))
	// Another transaction removed the row first.
	mock.ExpectExec("DELETE FROM pended WHERE").WithArgs(7).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	kvs, err := s.TakePended(context.Background(), "tok")
	assert.ErrorIs(t, err, consts.ErrNotFound)
	assert.Nil(t, kvs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEvictExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertPended(ctx, "old", 10, []KeyValue{{Key: "type", Value: "probe"}}))
	require.NoError(t, s.InsertPended(ctx, "new", 1000, nil))
	require.NoError(t, s.SaveWorkflowState(ctx, "old", "step", ""))

	evicted, err := s.EvictExpired(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, evicted)

	n, err := s.CountPended(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetWorkflowState(ctx, "old")
	assert.ErrorIs(t, err, consts.ErrNotFound)
}

func TestWorkflowState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveWorkflowState(ctx, "t", "a", "1"))
	require.NoError(t, s.SaveWorkflowState(ctx, "t", "b", "2"))

	st, err := s.TakeWorkflowState(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "b", st.Step.String)
	assert.Equal(t, "2", st.Data.String)

	_, err = s.TakeWorkflowState(ctx, "t")
	assert.ErrorIs(t, err, consts.ErrNotFound)

	deleted, err := s.DeleteWorkflowState(ctx, "t")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestRoster(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := mlist.NewMember("ant.example.com", "Anne@Example.com", "Anne", mlist.RoleMember)
	require.NoError(t, s.AddMember(ctx, m))
	assert.ErrorIs(t, s.AddMember(ctx, mlist.NewMember("ant.example.com", "anne@example.com", "", mlist.RoleMember)), consts.ErrAlreadySubscribed)
	require.NoError(t, s.AddMember(ctx, mlist.NewMember("ant.example.com", "anne@example.com", "", mlist.RoleOwner)))

	got, err := s.GetMember(ctx, "ant.example.com", "ANNE@example.com", mlist.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "Anne", got.DisplayName)
	assert.True(t, got.DeliveryEnabled)
	assert.Nil(t, got.ReceiveOwnPostings)

	require.NoError(t, s.SetModerationAction(ctx, "ant.example.com", "anne@example.com", mlist.RoleMember, "hold"))
	got, err = s.GetMember(ctx, "ant.example.com", "anne@example.com", mlist.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, "hold", got.ModerationAction)

	members, err := s.Members(ctx, "ant.example.com", mlist.RoleMember)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	require.NoError(t, s.RemoveMember(ctx, "ant.example.com", "anne@example.com", mlist.RoleMember))
	assert.ErrorIs(t, s.RemoveMember(ctx, "ant.example.com", "anne@example.com", mlist.RoleMember), consts.ErrNotFound)
	_, err = s.GetMember(ctx, "ant.example.com", "anne@example.com", mlist.RoleMember)
	assert.ErrorIs(t, err, consts.ErrNotFound)
}

func TestBans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AddBan(ctx, "ant.example.com", "spam@example.org"))
	require.NoError(t, s.AddBan(ctx, "", "^.*@evil\\.test$"))
	require.NoError(t, s.AddBan(ctx, "ant.example.com", "spam@example.org"))

	for addr, want := range map[string]bool{
		"spam@example.org": true,
		"bob@evil.test":    true,
		"bob@example.org":  false,
	} {
		banned, err := s.IsBanned(ctx, "ant.example.com", addr)
		require.NoError(t, err)
		assert.Equal(t, want, banned, addr)
	}

	banned, err := s.IsBanned(ctx, "bee.example.com", "spam@example.org")
	require.NoError(t, err)
	assert.False(t, banned)

	bans, err := s.Bans(ctx, "ant.example.com")
	require.NoError(t, err)
	assert.Len(t, bans, 1)
	require.NoError(t, s.RemoveBan(ctx, "ant.example.com", "spam@example.org"))
	assert.ErrorIs(t, s.RemoveBan(ctx, "ant.example.com", "spam@example.org"), consts.ErrNotFound)
}

func TestHeldMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := &HeldMessage{ListID: "ant.example.com", MessageID: "<a@b>", Sender: "a@b", Subject: "hi", Reason: "Post by non-member", Metadata: "{}", Raw: []byte("Subject: hi\r\n\r\nbody\r\n"), HeldAt: 5}
	require.NoError(t, s.InsertHeldMessage(ctx, m))
	assert.NotZero(t, m.ID)

	got, err := s.GetHeldMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Raw, got.Raw)

	odd := &HeldMessage{ListID: "ant.example.com", Sender: "a@b", Subject: "bad\x00 \xffsubject", Metadata: "{}", Raw: []byte("x"), HeldAt: 6}
	require.NoError(t, s.InsertHeldMessage(ctx, odd))
	got, err = s.GetHeldMessage(ctx, odd.ID)
	require.NoError(t, err)
	assert.Equal(t, "bad subject", got.Subject)
	require.NoError(t, s.DeleteHeldMessage(ctx, odd.ID))

	list, err := s.HeldMessages(ctx, "ant.example.com")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteHeldMessage(ctx, m.ID))
	assert.ErrorIs(t, s.DeleteHeldMessage(ctx, m.ID), consts.ErrNotFound)
}

func TestDigestAndStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	total, err := s.AppendDigest(ctx, &DigestMessage{ListID: "ant.example.com", Sender: "a@b", Subject: "one", Raw: []byte("12345")})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	total, err = s.AppendDigest(ctx, &DigestMessage{ListID: "ant.example.com", Sender: "a@b", Subject: "two", Raw: []byte("123")})
	require.NoError(t, err)
	assert.Equal(t, int64(8), total)

	lists, err := s.DigestLists(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ant.example.com"}, lists)

	msgs, err := s.TakeDigest(ctx, "ant.example.com")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Subject)

	size, err := s.DigestSize(ctx, "ant.example.com")
	require.NoError(t, err)
	assert.Zero(t, size)

	id, err := s.BumpPostID(ctx, "ant.example.com", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	id, err = s.BumpPostID(ctx, "ant.example.com", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	vol, num, err := s.BumpDigestNumber(ctx, "ant.example.com", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), vol)
	assert.Equal(t, int64(1), num)

	st, err := s.GetListStats(ctx, "ant.example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.PostID)
	assert.Equal(t, int64(2), st.DigestNumber)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Members)
}

func TestDeletePendedRollsBackOnFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	s, err := NewStore(sqlx.NewDb(mockDB, DriverSQLite))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, token, expiration_date FROM pended").
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"id", "token", "expiration_date"}).AddRow(7, "tok", 99))
	mock.ExpectExec("DELETE FROM pendedkeyvalue").WithArgs(7).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM pended WHERE").WithArgs(7).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = s.DeletePended(context.Background(), "tok")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
