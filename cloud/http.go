package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxObjectSize bounds downloads.
const DefaultMaxObjectSize = 64 << 20

// EndpointCache remembers which upload endpoint last worked so later
// uploads try it first. It is owned by the caller and can be reset.
type EndpointCache struct {
	mu        sync.Mutex
	preferred string
	failures  map[string]int
}

// NewEndpointCache returns an empty cache.
func NewEndpointCache() *EndpointCache {
	return &EndpointCache{failures: make(map[string]int)}
}

// Order returns endpoints with the preferred one first and the rest sorted
// by fewest recorded failures, stable otherwise.
func (c *EndpointCache) Order(endpoints []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if e == c.preferred {
			out = append(out, e)
		}
	}
	rest := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if e != c.preferred {
			rest = append(rest, e)
		}
	}
	// Insertion sort keeps the configured order among equals.
	for i := 1; i < len(rest); i++ {
		for j := i; j > 0 && c.failures[rest[j]] < c.failures[rest[j-1]]; j-- {
			rest[j], rest[j-1] = rest[j-1], rest[j]
		}
	}
	return append(out, rest...)
}

// MarkSuccess makes endpoint the preferred one.
func (c *EndpointCache) MarkSuccess(endpoint string) {
	c.mu.Lock()
	c.preferred = endpoint
	delete(c.failures, endpoint)
	c.mu.Unlock()
}

// MarkFailure records a failure and drops endpoint's preference.
func (c *EndpointCache) MarkFailure(endpoint string) {
	c.mu.Lock()
	c.failures[endpoint]++
	if c.preferred == endpoint {
		c.preferred = ""
	}
	c.mu.Unlock()
}

// Preferred returns the endpoint tried first, if any.
func (c *EndpointCache) Preferred() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferred
}

// Reset forgets everything.
func (c *EndpointCache) Reset() {
	c.mu.Lock()
	c.preferred = ""
	c.failures = make(map[string]int)
	c.mu.Unlock()
}

// HTTPStorage uploads to simple file hosts that accept a multipart "file"
// field and answer with the object URL as plain text.
type HTTPStorage struct {
	Endpoints     []string
	Client        *http.Client
	Cache         *EndpointCache
	MaxObjectSize int64
	log           *logrus.Entry
}

// NewHTTPStorage returns a store trying endpoints in cache order. A nil
// cache gets a private one.
func NewHTTPStorage(endpoints []string, cache *EndpointCache) *HTTPStorage {
	if cache == nil {
		cache = NewEndpointCache()
	}
	return &HTTPStorage{
		Endpoints:     endpoints,
		Client:        &http.Client{Timeout: 60 * time.Second},
		Cache:         cache,
		MaxObjectSize: DefaultMaxObjectSize,
		log:           logrus.WithField("component", "cloud-http"),
	}
}

// Upload posts data to the first endpoint that accepts it.
func (s *HTTPStorage) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	if int64(len(data)) > s.MaxObjectSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if len(s.Endpoints) == 0 {
		return "", fmt.Errorf("%w: no endpoints configured", ErrUploadFailed)
	}

	var errs []error
	for _, ep := range s.Cache.Order(s.Endpoints) {
		u, err := s.uploadTo(ctx, ep, data, filename)
		if err == nil {
			s.Cache.MarkSuccess(ep)
			return u, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.Cache.MarkFailure(ep)
		s.log.WithFields(logrus.Fields{
			"function": "Upload",
			"endpoint": ep,
		}).WithError(err).Warn("Endpoint rejected upload")
		errs = append(errs, err)
	}
	return "", fmt.Errorf("%w: %v", ErrUploadFailed, errors.Join(errs...))
}

func (s *HTTPStorage) uploadTo(ctx context.Context, endpoint string, data []byte, filename string) (string, error) {
	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("upload %s: %s", endpoint, resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	u := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return "", fmt.Errorf("upload %s: unexpected response %q", endpoint, u)
	}
	return u, nil
}

// Download fetches url, refusing bodies above MaxObjectSize.
func (s *HTTPStorage) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("download %s: %s", url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.MaxObjectSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.MaxObjectSize {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, s.MaxObjectSize)
	}
	return data, nil
}
