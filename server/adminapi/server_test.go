package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/moderator"
	"github.com/migadu/tidings/pending"
	"github.com/migadu/tidings/pkg/health"
	"github.com/migadu/tidings/workflow"
)

const testKey = "secret-key"

type fakeRoster struct {
	mlist.Roster
	members []mlist.Member
}

func (r *fakeRoster) Members(_ context.Context, listID string, role mlist.Role) ([]mlist.Member, error) {
	var out []mlist.Member
	for _, m := range r.members {
		if m.ListID == listID && m.Role == role {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeWorkflows struct {
	registered []string
	opts       workflow.Options
	token      string
	err        error
}

func (f *fakeWorkflows) Register(_ context.Context, list *mlist.MailingList, addr, displayName string, opts workflow.Options) (string, string, *mlist.Member, error) {
	f.registered = append(f.registered, addr)
	f.opts = opts
	if f.err != nil {
		return "", "", nil, f.err
	}
	if f.token != "" {
		return f.token, "subscriber", nil, nil
	}
	return "", "", mlist.NewMember(list.ListID(), addr, displayName, mlist.RoleMember), nil
}

func (f *fakeWorkflows) Unregister(_ context.Context, _ *mlist.MailingList, _ string, _ workflow.Options) (string, string, *mlist.Member, error) {
	if f.err != nil {
		return "", "", nil, f.err
	}
	return f.token, "", nil, nil
}

func (f *fakeWorkflows) Confirm(context.Context, string) (string, string, *mlist.Member, error) {
	return "", "", nil, consts.ErrNotFound
}

func (f *fakeWorkflows) Discard(context.Context, string) error { return consts.ErrNotFound }

type fakePendings struct {
	filter pending.Filter
	found  []pending.Pending
}

func (f *fakePendings) Find(_ context.Context, filter pending.Filter) iter.Seq2[pending.Pending, error] {
	f.filter = filter
	return func(yield func(pending.Pending, error) bool) {
		for _, p := range f.found {
			if !yield(p, nil) {
				return
			}
		}
	}
}

type fakeModeration struct {
	held    []db.HeldMessage
	decided []moderator.Action
}

func (f *fakeModeration) Held(context.Context, *mlist.MailingList) ([]db.HeldMessage, error) {
	return f.held, nil
}

func (f *fakeModeration) HandleMessage(_ context.Context, _ *mlist.MailingList, id int64, action moderator.Action, _ string) error {
	if id != 7 {
		return consts.ErrNotFound
	}
	f.decided = append(f.decided, action)
	return nil
}

type fakeQueues map[string]int

func (q fakeQueues) Depths() (map[string]int, error) { return q, nil }

type fakeHealth struct{ report health.Report }

func (h *fakeHealth) Report() health.Report { return h.report }

type fixture struct {
	handler    http.Handler
	workflows  *fakeWorkflows
	pendings   *fakePendings
	moderation *fakeModeration
	health     *fakeHealth
}

func newFixture(t *testing.T, allowed ...string) *fixture {
	t.Helper()
	lists, err := mlist.NewManager([]config.ListConfig{{Name: "ant", MailHost: "example.com"}})
	require.NoError(t, err)

	f := &fixture{
		workflows:  &fakeWorkflows{},
		pendings:   &fakePendings{},
		moderation: &fakeModeration{},
		health:     &fakeHealth{report: health.Report{Status: health.StatusHealthy}},
	}
	roster := &fakeRoster{members: []mlist.Member{
		*mlist.NewMember("ant.example.com", "anne@example.org", "Anne", mlist.RoleMember),
		*mlist.NewMember("ant.example.com", "bart@example.org", "Bart", mlist.RoleMember),
		*mlist.NewMember("ant.example.com", "owner@example.org", "", mlist.RoleOwner),
	}}
	s, err := New(ServerOptions{
		APIKey:       testKey,
		AllowedHosts: allowed,
		Lists:        lists,
		Roster:       roster,
		Workflows:    f.workflows,
		Pendings:     f.pendings,
		Moderation:   f.moderation,
		Queues:       fakeQueues{consts.QueueIn: 2, consts.QueueShunt: 1},
		Health:       f.health,
	})
	require.NoError(t, err)
	f.handler = s.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(ServerOptions{})
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token " + testKey, http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusForbidden},
		{"valid", "Bearer " + testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/queues", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestAllowedHosts(t *testing.T) {
	f := newFixture(t, "10.0.0.0/8", "192.168.1.5")

	req := httptest.NewRequest("GET", "/api/v1/queues", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req.RemoteAddr = "172.16.0.1:5555"
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("X-Real-IP", "192.168.1.5")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", getClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", getClientIP(req))
}

func TestListLists(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/api/v1/lists", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Lists []ListInfo `json:"lists"`
		Total int        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 1, out.Total)
	assert.Equal(t, "ant.example.com", out.Lists[0].ListID)
	assert.Equal(t, "ant@example.com", out.Lists[0].FQDNListname)
	assert.Equal(t, 2, out.Lists[0].MemberCount)
}

func TestListMembers(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/api/v1/lists/ant.example.com/members?role=owner", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	rec = f.do(t, "GET", "/api/v1/lists/ant.example.com/members?role=janitor", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "GET", "/api/v1/lists/bee.example.com/members", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	f.workflows.token = "0123456789abcdef0123456789abcdef01234567"

	rec := f.do(t, "POST", "/api/v1/lists/ant.example.com/subscriptions",
		`{"email":"cris@example.org","display_name":"Cris","pre_confirmed":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var res RequestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, f.workflows.token, res.Token)
	assert.Equal(t, "subscriber", res.TokenOwner)
	assert.Equal(t, []string{"cris@example.org"}, f.workflows.registered)
	assert.True(t, f.workflows.opts.PreConfirmed)
	assert.False(t, f.workflows.opts.PreApproved)
}

func TestSubscribeErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
	}{
		{"bad json", nil, `{`, http.StatusBadRequest},
		{"no email", nil, `{}`, http.StatusBadRequest},
		{"already subscribed", consts.ErrAlreadySubscribed, `{"email":"a@example.org"}`, http.StatusConflict},
		{"pending", consts.ErrSubscriptionPending, `{"email":"a@example.org"}`, http.StatusConflict},
		{"banned", consts.ErrMembershipBanned, `{"email":"a@example.org"}`, http.StatusForbidden},
		{"invalid", consts.ErrInvalidAddress, `{"email":"a@"}`, http.StatusBadRequest},
		{"internal", errors.New("boom"), `{"email":"a@example.org"}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.workflows.err = tt.err
			rec := f.do(t, "POST", "/api/v1/lists/ant.example.com/subscriptions", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, decode(t, rec), "error")
		})
	}
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "DELETE", "/api/v1/lists/ant.example.com/members/anne@example.org", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	f.workflows.token = "0123456789abcdef0123456789abcdef01234567"
	rec = f.do(t, "DELETE", "/api/v1/lists/ant.example.com/members/anne@example.org", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	f.workflows.err = consts.ErrNotAMember
	rec = f.do(t, "DELETE", "/api/v1/lists/ant.example.com/members/zed@example.org", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmAndDiscardUnknownToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "POST", "/api/v1/confirm/0123456789abcdef0123456789abcdef01234567", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "POST", "/api/v1/confirm/not-a-token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "DELETE", "/api/v1/pending/0123456789abcdef0123456789abcdef01234567", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRequests(t *testing.T) {
	f := newFixture(t)
	f.pendings.found = []pending.Pending{
		{Token: "abc", Pendable: pending.Pendable{"type": "subscription", "list_id": "ant.example.com"}},
	}
	rec := f.do(t, "GET", "/api/v1/lists/ant.example.com/requests?token_owner=moderator", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])
	assert.Equal(t, pending.Filter{ListID: "ant.example.com", TokenOwner: "moderator"}, f.pendings.filter)
}

func TestHeldMessages(t *testing.T) {
	f := newFixture(t)
	f.moderation.held = []db.HeldMessage{{ID: 7, ListID: "ant.example.com", Sender: "cris@example.org", Subject: "Hi"}}

	rec := f.do(t, "GET", "/api/v1/lists/ant.example.com/held", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	rec = f.do(t, "POST", "/api/v1/lists/ant.example.com/held/7", `{"action":"shred"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/api/v1/lists/ant.example.com/held/8", `{"action":"accept"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "POST", "/api/v1/lists/ant.example.com/held/x", `{"action":"accept"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/api/v1/lists/ant.example.com/held/7", `{"action":"discard","reason":"spam"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []moderator.Action{moderator.Discard}, f.moderation.decided)
}

func TestQueueDepths(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/api/v1/queues", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Queues map[string]int `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 2, out.Queues[consts.QueueIn])
	assert.Equal(t, 1, out.Queues[consts.QueueShunt])
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	f.health.report = health.Report{
		Status: health.StatusUnhealthy,
		Checks: []health.CheckStatus{{Name: "database", Status: health.StatusUnhealthy, Critical: true, LastError: "connection refused"}},
	}
	rec = f.do(t, "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decode(t, rec)
	checks := out["checks"].([]any)
	require.Len(t, checks, 1)
	assert.Equal(t, "connection refused", checks[0].(map[string]any)["last_error"])
}
