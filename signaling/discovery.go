package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMinMessageLength is the smallest relay message limit accepted
	// during discovery. Key exchange envelopes and chunks must fit.
	DefaultMinMessageLength = 64 * 1024

	maxInfoDocument = 64 * 1024
)

// RelayInfo is the subset of a NIP-11 relay information document used to
// decide whether a relay can carry a transfer.
type RelayInfo struct {
	Name       string `json:"name"`
	Limitation struct {
		MaxMessageLength int  `json:"max_message_length"`
		AuthRequired     bool `json:"auth_required"`
		PaymentRequired  bool `json:"payment_required"`
		RestrictedWrites bool `json:"restricted_writes"`
	} `json:"limitation"`
}

// Usable reports whether an anonymous client may publish events of at least
// minLen bytes. A missing limit counts as unlimited.
func (i *RelayInfo) Usable(minLen int) bool {
	l := i.Limitation
	if l.AuthRequired || l.PaymentRequired || l.RestrictedWrites {
		return false
	}
	return l.MaxMessageLength == 0 || l.MaxMessageLength >= minLen
}

// Discoverer picks usable relays out of a candidate pool.
type Discoverer interface {
	Discover(ctx context.Context, candidates []string, minMessageLength int) ([]string, error)
}

// NIP11Discoverer queries candidates for their relay information document.
type NIP11Discoverer struct {
	Client      *http.Client
	Concurrency int
	log         *logrus.Entry
}

// NewNIP11Discoverer returns a discoverer using client, or a client with a
// short timeout when client is nil.
func NewNIP11Discoverer(client *http.Client) *NIP11Discoverer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &NIP11Discoverer{
		Client:      client,
		Concurrency: 8,
		log:         logrus.WithField("component", "relay-discovery"),
	}
}

// Discover returns the usable candidates in their original order.
func (d *NIP11Discoverer) Discover(ctx context.Context, candidates []string, minMessageLength int) ([]string, error) {
	usable := make([]bool, len(candidates))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if d.Concurrency > 0 {
		g.SetLimit(d.Concurrency)
	}
	for i, url := range candidates {
		i, url := i, url
		g.Go(func() error {
			info, err := d.fetch(gctx, url)
			if err != nil {
				d.log.WithError(err).WithField("relay", url).Debug("Relay info unavailable")
				return nil
			}
			if info.Usable(minMessageLength) {
				mu.Lock()
				usable[i] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []string
	for i, ok := range usable {
		if ok {
			out = append(out, candidates[i])
		}
	}
	d.log.WithFields(logrus.Fields{
		"function":   "Discover",
		"candidates": len(candidates),
		"usable":     len(out),
	}).Info("Relay discovery finished")
	return out, nil
}

func (d *NIP11Discoverer) fetch(ctx context.Context, wsURL string) (*RelayInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL(wsURL), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/nostr+json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay info status %d", resp.StatusCode)
	}

	var info RelayInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxInfoDocument)).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode relay info: %w", err)
	}
	return &info, nil
}

func infoURL(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	default:
		return wsURL
	}
}
