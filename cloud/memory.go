package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrInjected is returned by MemoryStorage's injected failures.
var ErrInjected = errors.New("injected storage failure")

const memoryScheme = "mem://"

// MemoryStorage keeps objects in process. It is used by tests and by the
// CLI's dry-run mode.
type MemoryStorage struct {
	mu            sync.Mutex
	objects       map[string][]byte
	uploads       int
	failUploads   int
	failDownloads int
	maxSize       int
}

// NewMemoryStorage returns an empty store. maxSize of 0 means unlimited.
func NewMemoryStorage(maxSize int) *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte), maxSize: maxSize}
}

// FailNextUploads makes the next n uploads fail.
func (m *MemoryStorage) FailNextUploads(n int) {
	m.mu.Lock()
	m.failUploads = n
	m.mu.Unlock()
}

// FailNextDownloads makes the next n downloads fail.
func (m *MemoryStorage) FailNextDownloads(n int) {
	m.mu.Lock()
	m.failDownloads = n
	m.mu.Unlock()
}

// Uploads returns the number of successful uploads.
func (m *MemoryStorage) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// Upload stores a copy of data under a fresh URL.
func (m *MemoryStorage) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failUploads > 0 {
		m.failUploads--
		return "", ErrInjected
	}
	if m.maxSize > 0 && len(data) > m.maxSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	u := memoryScheme + uuid.NewString() + "/" + url.PathEscape(filename)
	m.objects[u] = append([]byte(nil), data...)
	m.uploads++
	return u, nil
}

// Download returns a copy of the object stored under u.
func (m *MemoryStorage) Download(ctx context.Context, u string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(u, memoryScheme) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failDownloads > 0 {
		m.failDownloads--
		return nil, ErrInjected
	}
	b, ok := m.objects[u]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
	}
	return append([]byte(nil), b...), nil
}
