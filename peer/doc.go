// Package peer wraps a single WebRTC peer connection and its data channel.
//
// A Transport is created for one role. The initiator calls CreateOffer; the
// responder waits for an offer through HandleSignal. Signals produced locally
// are handed to Events.OnSignal and must be carried to the remote side by a
// signaling transport. Offers, answers and candidates may arrive in any
// order and more than once:
//
//	t, err := peer.New(peer.Config{Role: peer.RoleInitiator}, peer.Events{
//	    OnSignal: func(s peer.Signal) { publish(s) },
//	})
//	if err != nil {
//	    return err
//	}
//	defer t.Close()
//	if err := t.CreateOffer(ctx); err != nil {
//	    return err
//	}
//	if err := t.WaitOpen(ctx); err != nil {
//	    return err
//	}
//	err = t.SendWithBackpressure(ctx, frame)
//
// Negotiation progress is tracked by an explicit state machine (see State).
// Candidates that arrive before the remote description are queued and
// applied once it is set.
package peer
