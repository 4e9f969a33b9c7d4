package mlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tidings/config"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager([]config.ListConfig{
		{Name: "Test", MailHost: "Lists.Example.com"},
		{Name: "test-dev", MailHost: "lists.example.com", DisplayName: "Developers"},
	})
	require.NoError(t, err)
	return m
}

func TestAddresses(t *testing.T) {
	m := testManager(t)
	l, ok := m.Get("test.lists.example.com")
	require.True(t, ok)

	assert.Equal(t, "test@lists.example.com", l.PostingAddress())
	assert.Equal(t, "test-bounces@lists.example.com", l.BouncesAddress())
	assert.Equal(t, "test-confirm+abc@lists.example.com", l.ConfirmAddress("abc"))
	assert.Equal(t, "[Test] ", l.GetSubjectPrefix())
	assert.Equal(t, PolicyConfirm, l.GetSubscriptionPolicy())
	assert.Equal(t, ActionHold, l.GetDefaultNonmemberAction())
	assert.True(t, l.AdminImmedNotify())

	_, ok = m.Get("test@lists.example.com")
	assert.True(t, ok)
}

func TestResolve(t *testing.T) {
	m := testManager(t)
	tests := []struct {
		addr  string
		list  string
		sub   Subaddress
		token string
		ok    bool
	}{
		{"test@lists.example.com", "test", SubPosting, "", true},
		{"TEST-owner@lists.example.com", "test", SubOwner, "", true},
		{"test-request@lists.example.com", "test", SubRequest, "", true},
		{"test-subscribe@lists.example.com", "test", SubJoin, "", true},
		{"test-unsubscribe@lists.example.com", "test", SubLeave, "", true},
		{"test-confirm+0123abcd@lists.example.com", "test", SubConfirm, "0123abcd", true},
		{"test-dev@lists.example.com", "test-dev", SubPosting, "", true},
		{"test-dev-bounces@lists.example.com", "test-dev", SubBounces, "", true},
		{"test-nosuch@lists.example.com", "", "", "", false},
		{"other@lists.example.com", "", "", "", false},
		{"test@elsewhere.example.com", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			l, sub, token, ok := m.Resolve(tt.addr)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.list, l.Name)
			assert.Equal(t, tt.sub, sub)
			assert.Equal(t, tt.token, token)
		})
	}
}

func TestNewManagerRejectsBadLists(t *testing.T) {
	_, err := NewManager([]config.ListConfig{{Name: "x"}})
	assert.Error(t, err)

	_, err = NewManager([]config.ListConfig{
		{Name: "x", MailHost: "example.com"},
		{Name: "X", MailHost: "example.com"},
	})
	assert.Error(t, err)

	_, err = NewManager([]config.ListConfig{
		{Name: "x", MailHost: "example.com", DefaultMemberAction: "explode"},
	})
	assert.Error(t, err)
}

func TestIsListAddress(t *testing.T) {
	l, err := New(config.ListConfig{
		Name: "test", MailHost: "lists.example.com",
		AcceptableAliases: []string{"old-test@example.com", "testing"},
	})
	require.NoError(t, err)

	assert.True(t, l.IsListAddress("Test@lists.example.com"))
	assert.True(t, l.IsListAddress("old-test@example.com"))
	assert.True(t, l.IsListAddress("testing@anywhere.example"))
	assert.False(t, l.IsListAddress("someone@example.com"))
}
