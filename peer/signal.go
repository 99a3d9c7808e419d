package peer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SignalType names the three negotiation messages.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// ErrInvalidSignal is returned when a signal cannot be decoded or is missing
// its body.
var ErrInvalidSignal = errors.New("invalid signal")

// Signal is one negotiation message exchanged through a signaling transport.
type Signal struct {
	Type      SignalType               `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Validate checks that the signal carries the body its type requires.
func (s Signal) Validate() error {
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidSignal, s.Type)
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("%w: candidate without body", ErrInvalidSignal)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, s.Type)
	}
	return nil
}

// Marshal encodes the signal for transport.
func (s Signal) Marshal() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// ParseSignal decodes and validates a signal produced by Marshal.
func ParseSignal(b []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(b, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

func (s Signal) fingerprintInput() []byte {
	if s.Candidate != nil {
		return []byte(string(s.Type) + "\x00" + s.Candidate.Candidate)
	}
	return []byte(string(s.Type) + "\x00" + s.SDP)
}
