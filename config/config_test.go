package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/secretdrop/cloud"
	"github.com/opd-ai/secretdrop/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.NotEmpty(t, c.Relays)
	assert.Equal(t, transfer.DefaultChunkSize, c.ChunkSize)
	assert.Nil(t, c.Storage(nil), "no cloud endpoints by default")
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no signaling", func(c *Config) { c.Relays = nil }},
		{"http relay", func(c *Config) { c.Relays = []string{"http://relay.example"} }},
		{"ftp endpoint", func(c *Config) { c.CloudEndpoints = []string{"ftp://files.example"} }},
		{"tiny chunk", func(c *Config) { c.ChunkSize = 10 }},
		{"huge chunk", func(c *Config) { c.ChunkSize = MaxChunkSize + 1 }},
		{"negative inline", func(c *Config) { c.InlineLimit = -1 }},
		{"short ttl", func(c *Config) { c.EnvelopeTTL = time.Second }},
		{"short negotiation", func(c *Config) { c.NegotiationTimeout = time.Second }},
		{"long negotiation", func(c *Config) { c.NegotiationTimeout = time.Minute }},
		{"short completion", func(c *Config) { c.CompletionTimeout = time.Second }},
		{"long idle", func(c *Config) { c.IdleTimeout = 2 * time.Hour }},
		{"too many retries", func(c *Config) { c.RetryAttempts = MaxRetryAttempts + 1 }},
		{"zero rate", func(c *Config) { c.RelayChunkRate = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}

	c := Default()
	c.Relays = nil
	c.RendezvousURL = "wss://broker.example/peerjs"
	assert.NoError(t, c.Validate(), "rendezvous alone is enough")
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvRelays, " wss://a.example , wss://b.example,")
	t.Setenv(EnvCloudEndpoints, "https://files.example/upload")
	t.Setenv(EnvChunkSize, "8192")
	t.Setenv(EnvEnvelopeTTL, "30m")
	t.Setenv(EnvNegotiationTimeout, "25s")
	t.Setenv(EnvRetryAttempts, "5")
	t.Setenv(EnvRelayChunkRate, "2.5")
	t.Setenv(EnvLogLevel, "debug")

	c := FromEnv()
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, c.Relays)
	assert.Equal(t, []string{"https://files.example/upload"}, c.CloudEndpoints)
	assert.Equal(t, 8192, c.ChunkSize)
	assert.Equal(t, 30*time.Minute, c.EnvelopeTTL)
	assert.Equal(t, 25*time.Second, c.NegotiationTimeout)
	assert.Equal(t, 5, c.RetryAttempts)
	assert.Equal(t, 2.5, c.RelayChunkRate)
	assert.Equal(t, "debug", c.LogLevel)
	assert.NoError(t, c.Validate())
	assert.IsType(t, &cloud.RetryingStorage{}, c.Storage(cloud.NewEndpointCache()))
}

func TestFromEnvIgnoresBadValues(t *testing.T) {
	t.Setenv(EnvChunkSize, "lots")
	t.Setenv(EnvInlineLimit, "999999")
	t.Setenv(EnvEnvelopeTTL, "forever")
	t.Setenv(EnvIdleTimeout, "1s")
	t.Setenv(EnvRelayChunkRate, "1000")
	t.Setenv(EnvLogLevel, "shouty")

	c := FromEnv()
	d := Default()
	assert.Equal(t, d.ChunkSize, c.ChunkSize)
	assert.Equal(t, d.InlineLimit, c.InlineLimit)
	assert.Equal(t, d.EnvelopeTTL, c.EnvelopeTTL)
	assert.Equal(t, d.IdleTimeout, c.IdleTimeout)
	assert.Equal(t, d.RelayChunkRate, c.RelayChunkRate)
	assert.Equal(t, d.LogLevel, c.LogLevel)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secretdrop.env")
	require.NoError(t, os.WriteFile(path, []byte("SECRETDROP_RETRY_ATTEMPTS=7\nSECRETDROP_INLINE_LIMIT=0\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv(EnvRetryAttempts)
		os.Unsetenv(EnvInlineLimit)
	})

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, c.RetryAttempts)
	assert.Equal(t, 0, c.InlineLimit)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestLoadEnvironmentWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secretdrop.env")
	require.NoError(t, os.WriteFile(path, []byte("SECRETDROP_CHUNK_SIZE=2048\n"), 0o600))
	t.Setenv(EnvChunkSize, "4096")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4096, c.ChunkSize)
}

func TestConversions(t *testing.T) {
	c := Default()
	c.RetryAttempts = 4
	c.InlineLimit = 0
	c.STUNServers = []string{"stun:stun.example:3478"}

	o := c.TransferOptions()
	assert.Equal(t, c.ChunkSize, o.ChunkSize)
	assert.Equal(t, 0, o.InlineLimit)
	assert.Equal(t, 4, o.Retry.MaxRetries)
	assert.Equal(t, c.Relays, o.Relays)

	p := c.PeerConfig()
	require.Len(t, p.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example:3478"}, p.ICEServers[0].URLs)
	assert.Equal(t, c.NegotiationTimeout, p.NegotiationTimeout)

	r := c.RelayConfig()
	assert.Equal(t, c.Relays, r.URLs)
	assert.Equal(t, 4, r.Retry.MaxRetries)
}
