package statemachine

import "sync"

// fakeFeeder records Feed calls instead of needing a real watchdog.Feeder.
type fakeFeeder struct {
	mu    sync.Mutex
	count int
}

func (f *fakeFeeder) Feed() {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
}

func (f *fakeFeeder) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}
