package transfer

import "sync"

// teardown releases a run's resources in reverse order, exactly once.
type teardown struct {
	mu       sync.Mutex
	fns      []func()
	released bool
	once     sync.Once
}

// push registers fn. After release fn runs immediately.
func (t *teardown) push(fn func()) {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		fn()
		return
	}
	t.fns = append(t.fns, fn)
	t.mu.Unlock()
}

func (t *teardown) release() {
	t.once.Do(func() {
		t.mu.Lock()
		fns := t.fns
		t.fns = nil
		t.released = true
		t.mu.Unlock()

		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	})
}
