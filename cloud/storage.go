// Package cloud is the fallback path used when no direct peer channel can
// be opened: ciphertext blocks are uploaded somewhere both parties can reach
// and only their URLs travel over signaling.
package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/opd-ai/secretdrop/retry"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when a download URL does not resolve.
	ErrNotFound = errors.New("object not found")
	// ErrTooLarge is returned for objects above the configured size limit.
	ErrTooLarge = errors.New("object too large")
	// ErrUploadFailed is returned when no endpoint accepted an upload.
	ErrUploadFailed = errors.New("upload failed")
)

// Storage uploads opaque bytes and fetches them back by URL. Everything
// passed to it is already encrypted.
type Storage interface {
	Upload(ctx context.Context, data []byte, filename string) (string, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// RetryingStorage retries a Storage with backoff. Size errors are not
// retried.
type RetryingStorage struct {
	inner Storage
	cfg   retry.Config
	log   *logrus.Entry
}

// NewRetryingStorage wraps inner.
func NewRetryingStorage(inner Storage, cfg retry.Config) *RetryingStorage {
	return &RetryingStorage{
		inner: inner,
		cfg:   cfg,
		log:   logrus.WithField("component", "cloud"),
	}
}

// Upload retries inner.Upload.
func (s *RetryingStorage) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	var url string
	attempt := 0
	err := s.cfg.Do(ctx, func(ctx context.Context) error {
		attempt++
		u, err := s.inner.Upload(ctx, data, filename)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "Upload",
				"attempt":  attempt,
				"size":     len(data),
			}).WithError(err).Warn("Upload attempt failed")
			return classify(err)
		}
		url = u
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	return url, nil
}

// Download retries inner.Download.
func (s *RetryingStorage) Download(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := s.cfg.Do(ctx, func(ctx context.Context) error {
		b, err := s.inner.Download(ctx, url)
		if err != nil {
			s.log.WithField("function", "Download").WithError(err).Warn("Download attempt failed")
			return classify(err)
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	return data, nil
}

func classify(err error) error {
	if errors.Is(err, ErrTooLarge) {
		return retry.Permanent(err)
	}
	return err
}
