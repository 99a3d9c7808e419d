package transfer

import (
	"context"

	"github.com/opd-ai/secretdrop/peer"
)

// Control strings on the peer channel.
const (
	peerDone = "DONE"
	peerAck  = "ACK"
)

// PeerLink is the part of a peer channel the orchestrators use.
// *peer.Transport implements it.
type PeerLink interface {
	CreateOffer(ctx context.Context) error
	HandleSignal(ctx context.Context, sig peer.Signal) error
	WaitOpen(ctx context.Context) error
	Send(s string) error
	SendWithBackpressure(ctx context.Context, b []byte) error
	Close() error
}

// PeerFactory opens a PeerLink for role reporting through events.
type PeerFactory func(role peer.Role, events peer.Events) (PeerLink, error)

// PionPeers returns a factory creating WebRTC channels with cfg. The role
// is overridden per call.
func PionPeers(cfg peer.Config) PeerFactory {
	return func(role peer.Role, events peer.Events) (PeerLink, error) {
		c := cfg
		c.Role = role
		return peer.New(c, events)
	}
}
