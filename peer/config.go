package peer

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	// ChannelLabel is the label of the data channel opened by the initiator.
	ChannelLabel = "secretdrop"

	// DefaultNegotiationTimeout bounds how long WaitOpen waits for the channel.
	DefaultNegotiationTimeout = 20 * time.Second
	// MinNegotiationTimeout and MaxNegotiationTimeout are the bounds accepted
	// by the configuration layer.
	MinNegotiationTimeout = 15 * time.Second
	MaxNegotiationTimeout = 30 * time.Second

	// DefaultHighWaterMark is the buffered amount above which
	// SendWithBackpressure blocks.
	DefaultHighWaterMark uint64 = 1 << 20
	// DefaultLowWaterMark is the buffered amount at which blocked senders resume.
	DefaultLowWaterMark uint64 = 256 << 10
)

// DefaultICEServers is used when Config.ICEServers is nil.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// Role selects which side of the negotiation a Transport plays.
type Role int

const (
	// RoleInitiator creates the data channel and the offer.
	RoleInitiator Role = iota
	// RoleResponder answers an incoming offer.
	RoleResponder
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Config holds the peer connection settings.
type Config struct {
	ICEServers         []webrtc.ICEServer
	Role               Role
	NegotiationTimeout time.Duration
	// Trickle emits candidates as separate signals. When false the offer and
	// answer are held back until ICE gathering completes and carry every
	// candidate in their SDP.
	Trickle       bool
	HighWaterMark uint64
	LowWaterMark  uint64
	// IncludeLoopback gathers 127.0.0.1 candidates. Only useful in tests.
	IncludeLoopback bool
	Logger          *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.ICEServers == nil {
		c.ICEServers = DefaultICEServers
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = DefaultHighWaterMark
	}
	if c.LowWaterMark == 0 || c.LowWaterMark >= c.HighWaterMark {
		c.LowWaterMark = c.HighWaterMark / 4
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("package", "peer")
	}
	return c
}

// State is the negotiation state of a Transport.
type State int

const (
	StateNew State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

var stateNames = map[State]string{
	StateNew:             "new",
	StateHaveLocalOffer:  "have-local-offer",
	StateHaveRemoteOffer: "have-remote-offer",
	StateStable:          "stable",
	StateConnected:       "connected",
	StateDisconnected:    "disconnected",
	StateFailed:          "failed",
	StateClosed:          "closed",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Message is one data channel message.
type Message struct {
	Data     []byte
	IsString bool
}

// Events are the callbacks a Transport reports through. Any of them may be
// nil. Callbacks run on pion's goroutines and must not block for long.
type Events struct {
	OnSignal      func(Signal)
	OnOpen        func()
	OnMessage     func(Message)
	OnStateChange func(State)
}
