package transfer

import (
	"fmt"
	"time"

	"github.com/opd-ai/secretdrop/cloud"
	"github.com/opd-ai/secretdrop/crypto"
	"github.com/opd-ai/secretdrop/peer"
	"github.com/opd-ai/secretdrop/retry"
	"github.com/opd-ai/secretdrop/signaling"
	"github.com/opd-ai/secretdrop/trust"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultChunkSize is the plaintext size of one encrypted chunk.
	DefaultChunkSize = 16 * 1024
	// MaxChunkSize keeps a chunk inside one relay message.
	MaxChunkSize = 48 * 1024
	// DefaultInlineLimit is the largest payload carried inside the envelope.
	DefaultInlineLimit = 1024
	// MaxPayloadSize bounds what one transfer moves.
	MaxPayloadSize = 256 * 1024 * 1024

	DefaultEnvelopeTTL         = time.Hour
	DefaultCompletionTimeout   = 60 * time.Second
	DefaultChunkAckTimeout     = 10 * time.Second
	DefaultNotifyRetries       = 5
	DefaultAckInterval         = 2 * time.Second
	DefaultAckMaxRetries       = 5
	DefaultPollInterval        = 3 * time.Second
	DefaultIdleTimeout         = 2 * time.Minute
	DefaultMaxFailuresPerChunk = 3
	// DefaultRelayChunkRate is chunks per second on the relay path.
	DefaultRelayChunkRate = 10.0
)

// Options configures a Sender or Receiver.
type Options struct {
	// Signaling carries the envelope, acknowledgments and peer negotiation.
	Signaling signaling.Transport
	// Storage enables the cloud fallback. When nil the sender publishes
	// chunks on Signaling instead.
	Storage cloud.Storage
	// Peers opens direct channels. When nil no peer channel is attempted.
	Peers PeerFactory

	ChunkSize   int
	InlineLimit int

	EnvelopeTTL        time.Duration
	NegotiationTimeout time.Duration
	CompletionTimeout  time.Duration
	ChunkAckTimeout    time.Duration
	NotifyRetries      int

	AckInterval         time.Duration
	AckMaxRetries       int
	PollInterval        time.Duration
	IdleTimeout         time.Duration
	MaxFailuresPerChunk int
	RelayChunkRate      float64

	// Retry is applied to every signaling publish.
	Retry retry.Config
	// Relays are advertised to the receiver inside the envelope.
	Relays []string
	// OnPeerRelays receives the relays the sender advertised, once the
	// envelope has been opened and before the ready-ack is published.
	OnPeerRelays func([]string)

	Clock   crypto.TimeProvider
	Logger  *logrus.Entry
	Metrics *Metrics
	// Nonces records replay nonces. When nil each orchestrator keeps its own.
	Nonces *crypto.NonceStore
}

// DefaultOptions returns options with every tunable set to its default.
// Signaling must still be filled in.
func DefaultOptions() Options {
	return Options{
		ChunkSize:           DefaultChunkSize,
		InlineLimit:         DefaultInlineLimit,
		EnvelopeTTL:         DefaultEnvelopeTTL,
		NegotiationTimeout:  peer.DefaultNegotiationTimeout,
		CompletionTimeout:   DefaultCompletionTimeout,
		ChunkAckTimeout:     DefaultChunkAckTimeout,
		NotifyRetries:       DefaultNotifyRetries,
		AckInterval:         DefaultAckInterval,
		AckMaxRetries:       DefaultAckMaxRetries,
		PollInterval:        DefaultPollInterval,
		IdleTimeout:         DefaultIdleTimeout,
		MaxFailuresPerChunk: DefaultMaxFailuresPerChunk,
		RelayChunkRate:      DefaultRelayChunkRate,
		Retry:               retry.DefaultConfig(),
	}
}

// withDefaults fills zero durations and counts. InlineLimit is left alone
// because zero disables inlining.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.ChunkSize > MaxChunkSize {
		o.ChunkSize = MaxChunkSize
	}
	if o.EnvelopeTTL <= 0 {
		o.EnvelopeTTL = d.EnvelopeTTL
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = d.NegotiationTimeout
	}
	if o.CompletionTimeout <= 0 {
		o.CompletionTimeout = d.CompletionTimeout
	}
	if o.ChunkAckTimeout <= 0 {
		o.ChunkAckTimeout = d.ChunkAckTimeout
	}
	if o.NotifyRetries <= 0 {
		o.NotifyRetries = d.NotifyRetries
	}
	if o.AckInterval <= 0 {
		o.AckInterval = d.AckInterval
	}
	if o.AckMaxRetries <= 0 {
		o.AckMaxRetries = d.AckMaxRetries
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.MaxFailuresPerChunk <= 0 {
		o.MaxFailuresPerChunk = d.MaxFailuresPerChunk
	}
	if o.RelayChunkRate <= 0 {
		o.RelayChunkRate = d.RelayChunkRate
	}
	if o.Retry.MaxRetries == 0 && o.Retry.BaseDelay == 0 {
		o.Retry = d.Retry
	}
	if o.Clock == nil {
		o.Clock = crypto.DefaultTimeProvider{}
	}
	return o
}

// Mode selects how the session key is derived.
type Mode string

const (
	// ModePIN stretches a shared PIN.
	ModePIN Mode = "pin"
	// ModePasskey expands a passkey-bound master secret both devices hold.
	ModePasskey Mode = "passkey"
	// ModeTrust runs an ephemeral exchange against the peer's identity key
	// from a trust token.
	ModeTrust Mode = "trust"
)

// Credentials is the shared secret for one transfer.
type Credentials struct {
	Mode Mode
	// PIN is used in ModePIN.
	PIN string
	// Passkey is used in ModePasskey.
	Passkey trust.MasterSecretProvider
	// Auth and Token are used in ModeTrust.
	Auth  trust.Authenticator
	Token *trust.Token
}

func (c Credentials) validate() error {
	switch c.Mode {
	case ModePIN:
		return crypto.ValidatePIN(crypto.NormalizePIN(c.PIN))
	case ModePasskey:
		if c.Passkey == nil {
			return newError(ErrValidation, "credentials", "passkey mode needs a master secret provider")
		}
	case ModeTrust:
		if c.Auth == nil || c.Token == nil {
			return newError(ErrValidation, "credentials", "trust mode needs an authenticator and a token")
		}
	default:
		return newError(ErrValidation, "credentials", "unknown mode %q", c.Mode)
	}
	return nil
}

// ContentType says what a payload holds.
type ContentType string

const (
	ContentText ContentType = "text"
	ContentFile ContentType = "file"
)

// Payload is what a sender transfers.
type Payload struct {
	Data        []byte
	ContentType ContentType
	FileName    string
	MIMEType    string
}

func (p Payload) validate() error {
	if len(p.Data) == 0 {
		return newError(ErrValidation, "payload", "payload is empty")
	}
	if len(p.Data) > MaxPayloadSize {
		return newError(ErrValidation, "payload", "payload is %d bytes, limit is %d", len(p.Data), MaxPayloadSize)
	}
	switch p.ContentType {
	case ContentText:
	case ContentFile:
		if p.FileName == "" {
			return newError(ErrValidation, "payload", "file payload needs a name")
		}
	default:
		return newError(ErrValidation, "payload", "unknown content type %q", p.ContentType)
	}
	return nil
}

// Received is what a receiver delivers.
type Received struct {
	TransferID  string
	ContentType ContentType
	Data        []byte
	FileName    string
	MIMEType    string
	Path        Path
	// Relays are the relays the sender advertised.
	Relays []string
}

func (r Received) String() string {
	return fmt.Sprintf("%s (%d bytes via %s)", r.ContentType, len(r.Data), r.Path)
}
