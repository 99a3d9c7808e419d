// Package framing splits small payloads into order-tagged, checksummed frames
// for narrow channels such as QR codes and clipboard text, and reassembles
// them in any order.
//
// Frame layout:
//
//	frame 0:  [index:1][total:1][checksum:4][data]
//	frame n:  [index:1][total:1][data]
//
// The checksum covers the reassembled payload, so it can only be checked once
// every frame has arrived. [Reassemble] and [ValidateChecksum] are separate
// steps to keep "incomplete" and "corrupt" distinguishable.
package framing
