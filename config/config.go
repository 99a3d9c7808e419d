// Package config holds the settings shared by the secretdrop command and
// embedders of the transfer package: defaults, validation bounds and
// SECRETDROP_* environment overrides, optionally read from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opd-ai/secretdrop/cloud"
	"github.com/opd-ai/secretdrop/peer"
	"github.com/opd-ai/secretdrop/retry"
	"github.com/opd-ai/secretdrop/signaling"
	"github.com/opd-ai/secretdrop/transfer"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validation bounds.
const (
	MinChunkSize = 1024
	MaxChunkSize = transfer.MaxChunkSize

	MaxInlineLimit = 8 * 1024

	MinEnvelopeTTL = time.Minute
	MaxEnvelopeTTL = 24 * time.Hour

	MinNegotiationTimeout = peer.MinNegotiationTimeout
	MaxNegotiationTimeout = peer.MaxNegotiationTimeout

	MinCompletionTimeout = 5 * time.Second
	MaxCompletionTimeout = 10 * time.Minute

	MinIdleTimeout = 10 * time.Second
	MaxIdleTimeout = time.Hour

	MinRetryAttempts = 0
	MaxRetryAttempts = 10

	MinRelayChunkRate = 0.5
	MaxRelayChunkRate = 100
)

// Environment variables read by FromEnv.
const (
	EnvRelays             = "SECRETDROP_RELAYS"
	EnvRendezvousURL      = "SECRETDROP_RENDEZVOUS_URL"
	EnvCloudEndpoints     = "SECRETDROP_CLOUD_ENDPOINTS"
	EnvSTUNServers        = "SECRETDROP_STUN_SERVERS"
	EnvChunkSize          = "SECRETDROP_CHUNK_SIZE"
	EnvInlineLimit        = "SECRETDROP_INLINE_LIMIT"
	EnvEnvelopeTTL        = "SECRETDROP_ENVELOPE_TTL"
	EnvNegotiationTimeout = "SECRETDROP_NEGOTIATION_TIMEOUT"
	EnvCompletionTimeout  = "SECRETDROP_COMPLETION_TIMEOUT"
	EnvIdleTimeout        = "SECRETDROP_IDLE_TIMEOUT"
	EnvRetryAttempts      = "SECRETDROP_RETRY_ATTEMPTS"
	EnvRelayChunkRate     = "SECRETDROP_RELAY_CHUNK_RATE"
	EnvLogLevel           = "SECRETDROP_LOG_LEVEL"
)

// Config is the user-facing configuration.
type Config struct {
	// Relays are the websocket relays used by the relay signaling transport.
	Relays []string
	// RendezvousURL selects the rendezvous broker instead of relays when set.
	RendezvousURL string
	// CloudEndpoints enables the cloud fallback when non-empty.
	CloudEndpoints []string
	// STUNServers are passed to the peer connection as ICE servers.
	STUNServers []string

	ChunkSize          int
	InlineLimit        int
	EnvelopeTTL        time.Duration
	NegotiationTimeout time.Duration
	CompletionTimeout  time.Duration
	IdleTimeout        time.Duration
	RetryAttempts      int
	RelayChunkRate     float64

	LogLevel string
}

// Default returns the configuration used when nothing is overridden.
//
// Default Value Rationale:
//   - ChunkSize: 16 KiB keeps a chunk well inside one relay event
//   - EnvelopeTTL: 1 hour gives the receiver time to type the PIN
//   - NegotiationTimeout: 20 s sits in the middle of the accepted window
//   - RetryAttempts: 3 handles transient relay failures without long stalls
func Default() *Config {
	return &Config{
		Relays:             append([]string(nil), signaling.DefaultRelays...),
		STUNServers:        []string{"stun:stun.l.google.com:19302"},
		ChunkSize:          transfer.DefaultChunkSize,
		InlineLimit:        transfer.DefaultInlineLimit,
		EnvelopeTTL:        transfer.DefaultEnvelopeTTL,
		NegotiationTimeout: peer.DefaultNegotiationTimeout,
		CompletionTimeout:  transfer.DefaultCompletionTimeout,
		IdleTimeout:        transfer.DefaultIdleTimeout,
		RetryAttempts:      3,
		RelayChunkRate:     transfer.DefaultRelayChunkRate,
		LogLevel:           "info",
	}
}

// FromEnv returns Default with SECRETDROP_* overrides applied. Unparsable or
// out-of-range values are logged and ignored.
func FromEnv() *Config {
	c := Default()
	applyEnvironmentOverrides(c)
	return c
}

// Load reads path as a .env file into the process environment, then returns
// FromEnv. An empty path loads ./.env when it exists. Variables already set
// in the environment win over the file.
func Load(path string) (*Config, error) {
	if path == "" {
		if _, err := os.Stat(".env"); err == nil {
			path = ".env"
		}
	}
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     path,
		}).Debug("Loaded environment file")
	}
	c := FromEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every field against its bounds.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(len(c.Relays) > 0 || c.RendezvousURL != "", "no relays or rendezvous broker configured")
	for _, r := range c.Relays {
		check(strings.HasPrefix(r, "ws://") || strings.HasPrefix(r, "wss://"), "relay %q is not a websocket URL", r)
	}
	for _, e := range c.CloudEndpoints {
		check(strings.HasPrefix(e, "http://") || strings.HasPrefix(e, "https://"), "cloud endpoint %q is not an HTTP URL", e)
	}
	check(c.ChunkSize >= MinChunkSize && c.ChunkSize <= MaxChunkSize,
		"chunk size %d outside [%d, %d]", c.ChunkSize, MinChunkSize, MaxChunkSize)
	check(c.InlineLimit >= 0 && c.InlineLimit <= MaxInlineLimit,
		"inline limit %d outside [0, %d]", c.InlineLimit, MaxInlineLimit)
	check(c.EnvelopeTTL >= MinEnvelopeTTL && c.EnvelopeTTL <= MaxEnvelopeTTL,
		"envelope TTL %s outside [%s, %s]", c.EnvelopeTTL, MinEnvelopeTTL, MaxEnvelopeTTL)
	check(c.NegotiationTimeout >= MinNegotiationTimeout && c.NegotiationTimeout <= MaxNegotiationTimeout,
		"negotiation timeout %s outside [%s, %s]", c.NegotiationTimeout, MinNegotiationTimeout, MaxNegotiationTimeout)
	check(c.CompletionTimeout >= MinCompletionTimeout && c.CompletionTimeout <= MaxCompletionTimeout,
		"completion timeout %s outside [%s, %s]", c.CompletionTimeout, MinCompletionTimeout, MaxCompletionTimeout)
	check(c.IdleTimeout >= MinIdleTimeout && c.IdleTimeout <= MaxIdleTimeout,
		"idle timeout %s outside [%s, %s]", c.IdleTimeout, MinIdleTimeout, MaxIdleTimeout)
	check(c.RetryAttempts >= MinRetryAttempts && c.RetryAttempts <= MaxRetryAttempts,
		"retry attempts %d outside [%d, %d]", c.RetryAttempts, MinRetryAttempts, MaxRetryAttempts)
	check(c.RelayChunkRate >= MinRelayChunkRate && c.RelayChunkRate <= MaxRelayChunkRate,
		"relay chunk rate %g outside [%g, %g]", c.RelayChunkRate, MinRelayChunkRate, MaxRelayChunkRate)
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Retry returns the backoff policy for publishes and uploads.
func (c *Config) Retry() retry.Config {
	r := retry.DefaultConfig()
	r.MaxRetries = c.RetryAttempts
	return r
}

// TransferOptions returns orchestrator options for this configuration. The
// transports are filled in by the caller.
func (c *Config) TransferOptions() transfer.Options {
	o := transfer.DefaultOptions()
	o.ChunkSize = c.ChunkSize
	o.InlineLimit = c.InlineLimit
	o.EnvelopeTTL = c.EnvelopeTTL
	o.NegotiationTimeout = c.NegotiationTimeout
	o.CompletionTimeout = c.CompletionTimeout
	o.IdleTimeout = c.IdleTimeout
	o.RelayChunkRate = c.RelayChunkRate
	o.Retry = c.Retry()
	o.Relays = append([]string(nil), c.Relays...)
	return o
}

// PeerConfig returns the peer connection settings.
func (c *Config) PeerConfig() peer.Config {
	cfg := peer.Config{
		NegotiationTimeout: c.NegotiationTimeout,
		Trickle:            true,
	}
	if len(c.STUNServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: append([]string(nil), c.STUNServers...)}}
	}
	return cfg
}

// RelayConfig returns the relay signaling settings.
func (c *Config) RelayConfig() signaling.RelayConfig {
	return signaling.RelayConfig{
		URLs:  append([]string(nil), c.Relays...),
		Retry: c.Retry(),
	}
}

// Storage returns the cloud fallback, or nil when no endpoint is configured.
// cache may be nil.
func (c *Config) Storage(cache *cloud.EndpointCache) cloud.Storage {
	if len(c.CloudEndpoints) == 0 {
		return nil
	}
	return cloud.NewRetryingStorage(cloud.NewHTTPStorage(c.CloudEndpoints, cache), c.Retry())
}

// ApplyLogLevel sets the global logrus level.
func (c *Config) ApplyLogLevel() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	return nil
}
