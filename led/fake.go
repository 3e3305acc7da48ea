package led

import (
	"image/color"
	"sync"
)

// FakeStrand records the last frame written instead of driving real pixels.
type FakeStrand struct {
	mu   sync.Mutex
	last []color.RGBA
}

func (f *FakeStrand) WriteColors(colors []color.RGBA) error {
	f.mu.Lock()
	f.last = append([]color.RGBA(nil), colors...)
	f.mu.Unlock()
	return nil
}

func (f *FakeStrand) Last() []color.RGBA {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

var _ Strand = (*FakeStrand)(nil)
