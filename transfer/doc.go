// Package transfer runs one secure transfer end to end.
//
// A Sender derives a session key from the shared secret, publishes an
// encrypted envelope on a signaling transport and waits for the receiver to
// acknowledge it. It then tries a direct peer channel and falls back to
// uploading encrypted chunks to cloud storage, or to publishing them on the
// signaling transport itself, when the channel cannot be opened.
//
// A Receiver finds the envelope by its secret hint, tries every candidate
// until one decrypts, acknowledges it and collects chunks from whichever
// path the sender ends up using.
//
// Example:
//
//	hub := signaling.NewMemoryHub()
//	opts := transfer.DefaultOptions()
//	opts.Signaling = hub.Transport("alice")
//	sender := transfer.NewSender(opts)
//	defer sender.Close()
//
//	err := sender.Send(ctx, transfer.Credentials{Mode: transfer.ModePIN, PIN: pin},
//	    transfer.Payload{Data: []byte("hello"), ContentType: transfer.ContentText})
//
// Both orchestrators run at most one transfer at a time. Cancel stops the
// current run from any goroutine and returns the orchestrator to idle.
package transfer
