package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySubjectPrefix(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		prefix  string
		want    string
	}{
		{"plain", "A test message", "[Test]", "[Test] A test message"},
		{"no double prefix", "[Test] A test message", "[Test]", "[Test] A test message"},
		{"reply kept after prefix", "Re: A test message", "[Test]", "[Test] Re: A test message"},
		{"reply with old prefix", "Re: [Test] A test message", "[Test]", "[Test] Re: A test message"},
		{"prefix only", "[Test] ", "[Test]", "[Test] (no subject)"},
		{"empty subject", "", "[Test]", "[Test] (no subject)"},
		{"reply only", "Re:", "[Test]", "[Test] Re: "},
		{"whitespace prefix", "A test message", "   ", "A test message"},
		{"sequence number updated", "Re: [Test 123] Hello", "[Test %d]", "[Test 456] Re: Hello"},
		{"folded", "This is a folded subject\n header.", "[Test]", "[Test] This is a folded subject header."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ApplySubjectPrefix(tt.subject, tt.prefix, 456))
		})
	}
}

func TestStripReplyPrefixes(t *testing.T) {
	s, ok := StripReplyPrefixes("RE: Re[2]: hello")
	assert.True(t, ok)
	assert.Equal(t, "hello", s)

	s, ok = StripReplyPrefixes("hello")
	assert.False(t, ok)
	assert.Equal(t, "hello", s)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("3d")
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, d)

	d, err = ParseDuration("1d12h")
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, d)

	d, err = ParseDuration("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDuration("xd")
	assert.Error(t, err)
	_, err = ParseDuration("")
	assert.Error(t, err)
}

func TestAddresses(t *testing.T) {
	assert.Equal(t, "anne@example.com", NormalizeAddress("Anne Person <Anne@Example.COM>"))
	assert.Equal(t, "bart@example.com", NormalizeAddress("bart@example.com"))
	assert.Equal(t, "", NormalizeAddress("not an address"))

	local, domain := SplitEmailAddress("Test@Example.com")
	assert.Equal(t, "test", local)
	assert.Equal(t, "example.com", domain)

	assert.Equal(t, "test-bounces+anne=example.com@example.org",
		VERPAddress("test-bounces@example.org", "anne@example.com"))

	assert.True(t, MatchesAddressPattern("^.*@spam\\.example$", "x@spam.example"))
	assert.True(t, MatchesAddressPattern("Anne@example.com", "anne@example.com"))
	assert.False(t, MatchesAddressPattern("^([", "anne@example.com"))
}

func TestSanitizeUTF8(t *testing.T) {
	assert.Equal(t, "abc", SanitizeUTF8("a\x00bc"))
	assert.Equal(t, "ok", SanitizeUTF8("o\xffk"))
}
