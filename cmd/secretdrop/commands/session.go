package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opd-ai/secretdrop/crypto"
	"github.com/opd-ai/secretdrop/signaling"
	"github.com/opd-ai/secretdrop/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// qrChunkBytes keeps each chunk URL inside a medium-density QR code.
const qrChunkBytes = 600

// session is the transport stack for one command invocation.
type session struct {
	opts    transfer.Options
	closers []func()
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// newSession builds the signaling transport, storage, peer factory and
// metrics selected by the flags and configuration.
func newSession(ctx context.Context, cmd *cobra.Command, pin string, role signaling.RendezvousRole) (*session, error) {
	s := &session{opts: cfg.TransferOptions()}
	s.opts.Logger = logrus.WithField("command", cmd.Name())

	tr, err := newSignaling(ctx, cmd, pin, role)
	if err != nil {
		return nil, err
	}
	s.opts.Signaling = tr
	s.closers = append(s.closers, func() { _ = tr.Close() })
	if rt, ok := tr.(*signaling.RelayTransport); ok {
		s.opts.OnPeerRelays = func(urls []string) {
			if n := rt.AddRelays(urls); n > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "newSession",
					"added":    n,
				}).Info("Using relays advertised by the sender")
			}
		}
	}

	s.opts.Storage = cfg.Storage(nil)
	if !noPeer && !manual {
		s.opts.Peers = transfer.PionPeers(cfg.PeerConfig())
	}

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		s.opts.Metrics = transfer.NewMetrics(reg)
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "newSession",
					"addr":     metricsAddr,
					"error":    err.Error(),
				}).Warn("Metrics server stopped")
			}
		}()
		s.closers = append(s.closers, func() { _ = srv.Close() })
	}
	return s, nil
}

// newSender creates a sender that is closed with the session.
func (s *session) newSender() *transfer.Sender {
	sender := transfer.NewSender(s.opts)
	s.closers = append(s.closers, func() { _ = sender.Close() })
	return sender
}

// newReceiver creates a receiver that is closed with the session.
func (s *session) newReceiver() *transfer.Receiver {
	receiver := transfer.NewReceiver(s.opts)
	s.closers = append(s.closers, func() { _ = receiver.Close() })
	return receiver
}

func newSignaling(ctx context.Context, cmd *cobra.Command, pin string, role signaling.RendezvousRole) (signaling.Transport, error) {
	switch {
	case manual:
		out := cmd.ErrOrStderr()
		mt := signaling.NewManualTransport(signaling.ManualConfig{
			OnOutgoing: func(blob []byte, msg *signaling.Message) { printBlob(out, blob, msg) },
		})
		go readBlobs(ctx, cmd.InOrStdin(), mt)
		return mt, nil
	case cfg.RendezvousURL != "":
		return signaling.NewRendezvousTransport(signaling.RendezvousConfig{
			URL:    cfg.RendezvousURL,
			Secret: []byte(crypto.NormalizePIN(pin)),
			Role:   role,
			Retry:  cfg.Retry(),
		})
	default:
		return signaling.NewRelayTransport(cfg.RelayConfig())
	}
}

func printBlob(w io.Writer, blob []byte, msg *signaling.Message) {
	fmt.Fprintf(w, "\n--- %s: paste on the other device ---\n%s\n", msg.Kind, signaling.EncodeText(blob))
	if qrBase == "" {
		return
	}
	urls, err := signaling.QRChunks(blob, qrBase, qrChunkBytes)
	if err != nil {
		fmt.Fprintf(w, "(QR chunks unavailable: %v)\n", err)
		return
	}
	for _, u := range urls {
		fmt.Fprintln(w, u)
	}
}

// readBlobs feeds pasted blobs and scanned chunk URLs from r into mt, one
// per line.
func readBlobs(ctx context.Context, r io.Reader, mt *signaling.ManualTransport) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var err error
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			_, err = mt.InjectChunkURL(line)
		} else {
			_, err = mt.InjectText(line)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readBlobs",
				"error":    err.Error(),
			}).Warn("Could not read pasted blob")
		}
	}
}

// progress prints state changes to w.
func progress(w io.Writer) transfer.Observer {
	var last transfer.Phase
	return func(s transfer.State) {
		if s.Phase == last && s.ChunksTotal == 0 {
			return
		}
		last = s.Phase
		if s.ChunksTotal > 0 {
			fmt.Fprintf(w, "\r%-24s %d/%d chunks %s", s.Phase, s.ChunksDone, s.ChunksTotal, s.Path)
			if s.Phase.Terminal() {
				fmt.Fprintln(w)
			}
			return
		}
		fmt.Fprintf(w, "%s\n", s.Phase)
	}
}
