package mlist

import (
	"fmt"
	"sort"
	"strings"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/helpers"
)

// Subaddress is the role of an incoming address relative to its list.
type Subaddress string

const (
	SubPosting Subaddress = ""
	SubOwner   Subaddress = "owner"
	SubRequest Subaddress = "request"
	SubJoin    Subaddress = "join"
	SubLeave   Subaddress = "leave"
	SubConfirm Subaddress = "confirm"
	SubBounces Subaddress = "bounces"
)

var subaddressSuffixes = map[string]Subaddress{
	"owner":       SubOwner,
	"request":     SubRequest,
	"join":        SubJoin,
	"subscribe":   SubJoin,
	"leave":       SubLeave,
	"unsubscribe": SubLeave,
	"confirm":     SubConfirm,
	"bounces":     SubBounces,
}

// Manager resolves lists by id and by address. It is built once from the
// configuration and read concurrently afterwards.
type Manager struct {
	byID   map[string]*MailingList
	byFQDN map[string]*MailingList
}

func NewManager(cfgs []config.ListConfig) (*Manager, error) {
	m := &Manager{
		byID:   make(map[string]*MailingList, len(cfgs)),
		byFQDN: make(map[string]*MailingList, len(cfgs)),
	}
	for _, cfg := range cfgs {
		l, err := New(cfg)
		if err != nil {
			return nil, err
		}
		if _, dup := m.byID[l.ListID()]; dup {
			return nil, fmt.Errorf("duplicate list %s", l.FQDNListname())
		}
		m.byID[l.ListID()] = l
		m.byFQDN[l.FQDNListname()] = l
	}
	return m, nil
}

// Get looks a list up by list id, accepting the posting address as well.
func (m *Manager) Get(id string) (*MailingList, bool) {
	id = strings.ToLower(id)
	if l, ok := m.byID[id]; ok {
		return l, true
	}
	l, ok := m.byFQDN[id]
	return l, ok
}

// All returns the lists sorted by list id.
func (m *Manager) All() []*MailingList {
	out := make([]*MailingList, 0, len(m.byID))
	for _, l := range m.byID {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListID() < out[j].ListID() })
	return out
}

// Resolve maps a recipient address onto a list. The longest list name
// wins, so "foo-bar-owner" resolves to list "foo-bar" when it exists. For
// confirm addresses the token after '+' is returned.
func (m *Manager) Resolve(addr string) (*MailingList, Subaddress, string, bool) {
	local, domain := helpers.SplitEmailAddress(addr)
	if local == "" || domain == "" {
		return nil, "", "", false
	}
	token := ""
	if base, tok, ok := strings.Cut(local, "+"); ok {
		local, token = base, tok
	}

	if l, ok := m.byFQDN[local+"@"+domain]; ok && token == "" {
		return l, SubPosting, "", true
	}
	dash := strings.LastIndexByte(local, '-')
	if dash <= 0 {
		return nil, "", "", false
	}
	sub, ok := subaddressSuffixes[local[dash+1:]]
	if !ok {
		return nil, "", "", false
	}
	l, ok := m.byFQDN[local[:dash]+"@"+domain]
	if !ok {
		return nil, "", "", false
	}
	if sub != SubConfirm {
		token = ""
	}
	return l, sub, token, true
}
