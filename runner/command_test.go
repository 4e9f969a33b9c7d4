package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/templates"
	"github.com/migadu/tidings/workflow"
)

type fakeWorkflows struct {
	registered   []string
	unregistered []string
	confirmed    []string

	registerToken string
	registerOwner string
	registerErr   error
	confirmErr    error
}

func (f *fakeWorkflows) Register(_ context.Context, list *mlist.MailingList, addr, _ string, _ workflow.Options) (string, string, *mlist.Member, error) {
	f.registered = append(f.registered, addr)
	if f.registerErr != nil {
		return "", "", nil, f.registerErr
	}
	if f.registerToken != "" {
		return f.registerToken, f.registerOwner, nil, nil
	}
	return "", "", &mlist.Member{ListID: list.ListID(), Email: addr}, nil
}

func (f *fakeWorkflows) Unregister(_ context.Context, _ *mlist.MailingList, addr string, _ workflow.Options) (string, string, *mlist.Member, error) {
	f.unregistered = append(f.unregistered, addr)
	return "", "", nil, nil
}

func (f *fakeWorkflows) Confirm(_ context.Context, token string) (string, string, *mlist.Member, error) {
	f.confirmed = append(f.confirmed, token)
	return "", "", nil, f.confirmErr
}

type notice struct {
	key  string
	to   []string
	data templates.Data
}

type recordingSender struct {
	notices []notice
}

func (s *recordingSender) Send(_ context.Context, _ *mlist.MailingList, key string, to []string, data templates.Data) error {
	s.notices = append(s.notices, notice{key: key, to: to, data: data})
	return nil
}

func (s *recordingSender) results(t *testing.T) []string {
	t.Helper()
	for _, n := range s.notices {
		if n.key == templates.UserResults {
			return n.data.Lines
		}
	}
	t.Fatalf("no results notice among %d", len(s.notices))
	return nil
}

func request(t *testing.T, subject, body string, extra ...string) *email.Message {
	t.Helper()
	raw := "From: Anne Person <anne@example.org>\nTo: ant-request@example.com\nSubject: " + subject + "\n"
	for _, h := range extra {
		raw += h + "\n"
	}
	return parse(t, raw+"\n"+body)
}

func TestCommandJoinFromSubject(t *testing.T) {
	wf := &fakeWorkflows{}
	sender := &recordingSender{}
	r := NewCommand(wf, sender, 0)

	_, err := r.Dispose(context.Background(), antList(t), request(t, "Re: subscribe", ""), email.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, []string{"anne@example.org"}, wf.registered)
	assert.Equal(t, []string{"> subscribe", "anne@example.org has joined ant@example.com", ""}, sender.results(t))
	assert.Equal(t, []string{"anne@example.org"}, sender.notices[0].to)
}

func TestCommandBody(t *testing.T) {
	wf := &fakeWorkflows{registerToken: "tok", registerOwner: consts.TokenOwnerSubscriber}
	sender := &recordingSender{}
	r := NewCommand(wf, sender, 0)

	body := "join address=bart@example.org\n> quoted leave\nfrobnicate\nleave\nend\nleave address=cris@example.org\n"
	_, err := r.Dispose(context.Background(), antList(t), request(t, "Hi there", body), email.Metadata{})
	require.NoError(t, err)

	assert.Equal(t, []string{"bart@example.org"}, wf.registered)
	assert.Equal(t, []string{"anne@example.org"}, wf.unregistered)
	assert.Equal(t, []string{
		"> join address=bart@example.org", "Confirmation email sent to bart@example.org", "",
		"> frobnicate", "No such command: frobnicate", "",
		"> leave", "anne@example.org left ant@example.com", "",
		"> end", "Processing ended.", "",
	}, sender.results(t))
}

func TestCommandImplicit(t *testing.T) {
	tests := []struct {
		name  string
		meta  email.Metadata
		check func(t *testing.T, wf *fakeWorkflows)
	}{
		{"join", email.Metadata{consts.MetaToJoin: true}, func(t *testing.T, wf *fakeWorkflows) {
			assert.Equal(t, []string{"anne@example.org"}, wf.registered)
		}},
		{"leave", email.Metadata{consts.MetaToLeave: true}, func(t *testing.T, wf *fakeWorkflows) {
			assert.Equal(t, []string{"anne@example.org"}, wf.unregistered)
		}},
		{"confirm", email.Metadata{consts.MetaToConfirm: true, consts.MetaToken: "abc123"}, func(t *testing.T, wf *fakeWorkflows) {
			assert.Equal(t, []string{"abc123"}, wf.confirmed)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := &fakeWorkflows{}
			r := NewCommand(wf, &recordingSender{}, 0)
			_, err := r.Dispose(context.Background(), antList(t), request(t, "", ""), tt.meta)
			require.NoError(t, err)
			tt.check(t, wf)
		})
	}
}

func TestCommandUserErrors(t *testing.T) {
	wf := &fakeWorkflows{registerErr: consts.ErrAlreadySubscribed, confirmErr: consts.ErrNotFound}
	sender := &recordingSender{}
	r := NewCommand(wf, sender, 0)

	_, err := r.Dispose(context.Background(), antList(t), request(t, "join", "confirm nope\nconfirm\n"), email.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"> join", "anne@example.org is already a member of ant@example.com", "",
		"> confirm nope", "Confirmation token did not match", "",
		"> confirm", "No confirmation token found", "",
	}, sender.results(t))
}

func TestCommandHelp(t *testing.T) {
	sender := &recordingSender{}
	r := NewCommand(&fakeWorkflows{}, sender, 0)

	_, err := r.Dispose(context.Background(), antList(t), request(t, "help", "HELP\n"), email.Metadata{})
	require.NoError(t, err)
	require.Len(t, sender.notices, 2)
	assert.Equal(t, templates.UserHelp, sender.notices[0].key)
	assert.Equal(t, []string{"> help", "Help sent.", ""}, sender.results(t))
}

func TestCommandIgnoresAutomatedMail(t *testing.T) {
	for _, h := range []string{"Auto-Submitted: auto-replied", "Precedence: bulk"} {
		t.Run(h, func(t *testing.T) {
			wf := &fakeWorkflows{}
			sender := &recordingSender{}
			r := NewCommand(wf, sender, 0)
			_, err := r.Dispose(context.Background(), antList(t), request(t, "join", "", h), email.Metadata{})
			require.NoError(t, err)
			assert.Empty(t, wf.registered)
			assert.Empty(t, sender.notices)
		})
	}
}

func TestCommandSubjectNoise(t *testing.T) {
	sender := &recordingSender{}
	r := NewCommand(&fakeWorkflows{}, sender, 0)
	_, err := r.Dispose(context.Background(), antList(t), request(t, "Question about the list", ""), email.Metadata{})
	require.NoError(t, err)
	assert.Empty(t, sender.notices)
}

func TestCommandMaxLines(t *testing.T) {
	wf := &fakeWorkflows{}
	r := NewCommand(wf, &recordingSender{}, 2)
	_, err := r.Dispose(context.Background(), antList(t), request(t, "", "hello\nthere\njoin\n"), email.Metadata{})
	require.NoError(t, err)
	assert.Empty(t, wf.registered)
}
