// Package signaling carries small messages between two parties that have no
// direct connection yet.
//
// Every variant implements Transport and is selected by its constructor:
//
//   - NewRelayTransport broadcasts signed events through public websocket
//     relays and can discover replacement relays when all of them fail.
//   - NewManualTransport has no network at all. Outgoing messages become
//     opaque blobs the user moves by QR code or clipboard, and incoming blobs
//     are fed back in with Inject.
//   - NewRendezvousTransport talks to a PeerJS-style broker under ids both
//     sides derive from their shared secret.
//   - NewMemoryHub links in-process transports and can inject faults.
//
// Delivery is at-least-once and unordered. Callers must tolerate duplicates
// and must not assume a message published first arrives first. Subscribers
// never receive messages published through their own Transport.
package signaling
