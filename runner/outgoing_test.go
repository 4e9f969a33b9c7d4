package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/server/delivery"
)

type sent struct {
	from string
	to   []string
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sent
	refused map[string]error
	err     error
}

func (f *fakeTransport) Send(_ context.Context, from string, to []string, _ []byte) (*delivery.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{from: from, to: append([]string(nil), to...)})
	if f.err != nil {
		return nil, f.err
	}
	res := &delivery.Result{Refused: map[string]error{}}
	for _, rcpt := range to {
		if err, ok := f.refused[rcpt]; ok {
			res.Refused[rcpt] = err
		}
	}
	return res, nil
}

var (
	mailboxFull = &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 2, 2}, Message: "Mailbox full"}
	noSuchUser  = &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
)

func newOutgoing(t *testing.T, tr delivery.Transport, now time.Time) *Outgoing {
	t.Helper()
	o, err := NewOutgoing(tr, config.DeliveryConfig{MaxRetries: 2, RetryBackoff: []string{"1m", "10m"}})
	require.NoError(t, err)
	o.now = func() time.Time { return now }
	return o
}

func antList(t *testing.T) *mlist.MailingList {
	t.Helper()
	l, ok := testLists(t).Get("ant.example.com")
	require.True(t, ok)
	return l
}

func TestOutgoingDelivers(t *testing.T) {
	tr := &fakeTransport{}
	o := newOutgoing(t, tr, time.Now())
	meta := email.Metadata{consts.MetaRecipients: []string{"anne@example.org", "bart@example.org"}}

	requeue, err := o.Dispose(context.Background(), antList(t), parse(t, post), meta)
	require.NoError(t, err)
	assert.False(t, requeue)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, "ant-bounces@example.com", tr.sent[0].from)
	assert.Equal(t, []string{"anne@example.org", "bart@example.org"}, tr.sent[0].to)
}

func TestOutgoingVERP(t *testing.T) {
	tr := &fakeTransport{}
	o := newOutgoing(t, tr, time.Now())
	meta := email.Metadata{
		consts.MetaRecipients: []string{"anne@example.org", "bart@example.net"},
		consts.MetaVERP:       true,
	}

	_, err := o.Dispose(context.Background(), antList(t), parse(t, post), meta)
	require.NoError(t, err)
	require.Len(t, tr.sent, 2)
	assert.Equal(t, "ant-bounces+anne=example.org@example.com", tr.sent[0].from)
	assert.Equal(t, []string{"anne@example.org"}, tr.sent[0].to)
	assert.Equal(t, "ant-bounces+bart=example.net@example.com", tr.sent[1].from)
}

func TestOutgoingMailFromOverride(t *testing.T) {
	tr := &fakeTransport{}
	o := newOutgoing(t, tr, time.Now())
	meta := email.Metadata{
		consts.MetaRecipients: []string{"anne@example.org"},
		consts.MetaMailFrom:   "ant-owner@example.com",
	}
	_, err := o.Dispose(context.Background(), antList(t), parse(t, post), meta)
	require.NoError(t, err)
	assert.Equal(t, "ant-owner@example.com", tr.sent[0].from)
}

func TestOutgoingRetriesTemporaryFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := &fakeTransport{refused: map[string]error{
		"anne@example.org": mailboxFull,
		"cris@example.org": noSuchUser,
	}}
	o := newOutgoing(t, tr, now)
	meta := email.Metadata{consts.MetaRecipients: []string{"anne@example.org", "bart@example.org", "cris@example.org"}}

	requeue, err := o.Dispose(context.Background(), antList(t), parse(t, post), meta)
	require.NoError(t, err)
	assert.True(t, requeue)
	assert.Equal(t, []string{"anne@example.org"}, meta.Strings(consts.MetaRecipients))
	remaining, _ := meta.Int(consts.MetaRetriesRemaining)
	assert.Equal(t, 1, remaining)
	after, _ := meta.Int(consts.MetaDeliverAfter)
	assert.Equal(t, now.Add(time.Minute).Unix(), int64(after))

	// Not due yet: nothing is sent.
	tr.sent = nil
	requeue, err = o.Dispose(context.Background(), antList(t), parse(t, post), meta)
	require.NoError(t, err)
	assert.True(t, requeue)
	assert.Empty(t, tr.sent)

	// Second attempt uses the next backoff step.
	o.now = func() time.Time { return now.Add(2 * time.Minute) }
	requeue, err = o.Dispose(context.Background(), antList(t), parse(t, post), meta)
	require.NoError(t, err)
	assert.True(t, requeue)
	remaining, _ = meta.Int(consts.MetaRetriesRemaining)
	assert.Equal(t, 0, remaining)
	after, _ = meta.Int(consts.MetaDeliverAfter)
	assert.Equal(t, now.Add(12*time.Minute).Unix(), int64(after))

	// Out of retries: the error shunts the entry and the retry state is reset.
	o.now = func() time.Time { return now.Add(time.Hour) }
	requeue, err = o.Dispose(context.Background(), antList(t), parse(t, post), meta)
	require.Error(t, err)
	assert.False(t, requeue)
	assert.False(t, meta.Has(consts.MetaRetriesRemaining))
	assert.False(t, meta.Has(consts.MetaDeliverAfter))
	assert.Equal(t, []string{"anne@example.org"}, meta.Strings(consts.MetaRecipients))
}

func TestOutgoingTransportErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		requeue bool
	}{
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"circuit open", &delivery.DeliveryError{Err: errors.New("circuit breaker is open")}, true},
		{"permanent", &delivery.DeliveryError{Err: errors.New("relay denied"), Permanent: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{err: tt.err}
			o := newOutgoing(t, tr, time.Now())
			meta := email.Metadata{consts.MetaRecipients: []string{"anne@example.org"}}
			requeue, err := o.Dispose(context.Background(), antList(t), parse(t, post), meta)
			require.NoError(t, err)
			assert.Equal(t, tt.requeue, requeue)
		})
	}
}

func TestOutgoingNoRecipients(t *testing.T) {
	tr := &fakeTransport{}
	o := newOutgoing(t, tr, time.Now())
	requeue, err := o.Dispose(context.Background(), antList(t), parse(t, post), email.Metadata{})
	require.NoError(t, err)
	assert.False(t, requeue)
	assert.Empty(t, tr.sent)
}
