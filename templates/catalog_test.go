package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/mlist"
)

func testList(t *testing.T) *mlist.MailingList {
	t.Helper()
	l, err := mlist.New(config.ListConfig{Name: "ant", MailHost: "example.com"})
	require.NoError(t, err)
	return l
}

func TestWelcomeGolden(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	subject, body, err := c.Render(UserWelcome, Data{List: ForList(testList(t)), Email: "anne@example.com"})
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "welcome", []byte(subject+"\n\n"+body))
}

func TestAllBuiltinsRender(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	data := Data{
		List:           ForList(testList(t)),
		Email:          "anne@example.com",
		Token:          "0123456789abcdef0123456789abcdef01234567",
		ConfirmAddress: "ant-confirm+0123456789abcdef0123456789abcdef01234567@example.com",
		Sender:         "bart@example.com",
		Subject:        "hello",
		Reason:         "off topic",
		Lines:          []string{"Post by non-member to a members-only list"},
		Volume:         1,
		Number:         2,
	}
	for _, key := range c.Keys() {
		_, _, err := c.Render(key, data)
		assert.NoError(t, err, key)
	}

	subject, _, err := c.Render(UserSubscribe, data)
	require.NoError(t, err)
	assert.Equal(t, "confirm "+data.Token, subject)

	subject, _, err = c.Render(MemberDigestHeader, data)
	require.NoError(t, err)
	assert.Equal(t, "Ant Digest, Vol 1, Issue 2", subject)
}

func TestOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
list:member:regular:footer:
  subject: ""
  body: "-- {{.List.FQDN}}\n"
`), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.True(t, c.Has(UserWelcome))

	_, body, err := c.Render(MemberFooter, Data{List: ForList(testList(t))})
	require.NoError(t, err)
	assert.Equal(t, "-- ant@example.com\n", body)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("k:\n  subject: \"{{.Nope\"\n  body: x\n"), 0644))
	_, err = Load(path)
	assert.Error(t, err)

	c, err := Load("")
	require.NoError(t, err)
	_, _, err = c.Render("list:no:such", Data{})
	assert.Error(t, err)
}
