package watchdog

import "sync"

// FakeKicker counts Kick calls instead of touching real hardware.
type FakeKicker struct {
	mu    sync.Mutex
	count int
}

func (k *FakeKicker) Kick() {
	k.mu.Lock()
	k.count++
	k.mu.Unlock()
}

func (k *FakeKicker) Count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.count
}

var _ Kicker = (*FakeKicker)(nil)
