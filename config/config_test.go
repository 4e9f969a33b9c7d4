package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tidings.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	return path
}

func TestLoadConfigFromFile_Lists(t *testing.T) {
	path := writeConfig(t, `
[database]
url = "  sqlite:///tmp/t.db  "

[pending]
pending_request_life = "2d"

[runners.in]
instances = 2
sleep_time = "250ms"

[chains]
header_checks = ["Foo: a+"]

[[lists]]
name = "test"
mail_host = "example.com"
subscription_policy = "moderate"

[[lists.header_matches]]
header = "Foo"
pattern = "a+"
chain = "reject"

[[lists]]
name = "ant"
mail_host = "example.com"
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))

	assert.Equal(t, "sqlite:///tmp/t.db", cfg.Database.URL, "string fields are trimmed")
	require.Len(t, cfg.Lists, 2)
	assert.Equal(t, "moderate", cfg.Lists[0].SubscriptionPolicy)
	require.Len(t, cfg.Lists[0].HeaderMatches, 1)
	assert.Equal(t, "reject", cfg.Lists[0].HeaderMatches[0].Chain)
	assert.Equal(t, []string{"Foo: a+"}, cfg.Chains.HeaderChecks)

	life, err := cfg.Pending.GetPendingRequestLife()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, life)

	modLife, err := cfg.Pending.GetModeratorRequestLife()
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, modLife)

	in := cfg.Runner("in")
	assert.Equal(t, 2, in.GetInstances())
	sleep, err := in.GetSleepTime()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, sleep)

	out := cfg.Runner("out")
	assert.True(t, out.IsEnabled())
	assert.Equal(t, 1, out.GetInstances())
}

func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[site]
hostname = "lists.example.com"
typo_setting = 123
`)
	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		t.Errorf("LoadConfigFromFile returned unexpected error: %v", err)
	}
	if cfg.Site.Hostname != "lists.example.com" {
		t.Errorf("Expected hostname to be loaded, got %q", cfg.Site.Hostname)
	}
}

func TestLoadConfigFromFile_BooleanHint(t *testing.T) {
	path := writeConfig(t, `
[metrics]
enabled = t
`)
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"":     0,
		"512":  512,
		"64kb": 64 * 1024,
		"25mb": 25 * 1024 * 1024,
		"1gb":  1024 * 1024 * 1024,
	}
	for in, want := range tests {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSize("lots")
	assert.Error(t, err)
}

func TestDeliveryDefaults(t *testing.T) {
	d := DeliveryConfig{}
	assert.True(t, d.GetTLSVerify())
	assert.Equal(t, 5, d.GetMaxRetries())
	backoff, err := d.GetRetryBackoff()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, backoff[0])

	d.RetryBackoff = []string{"10s", "bogus"}
	_, err = d.GetRetryBackoff()
	assert.Error(t, err)
}
