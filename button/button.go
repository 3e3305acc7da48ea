// Package button implements the Power Button Monitor (spec.md §4.3):
// classifying how long the power button has been held into ShortPress,
// LongPress, and HeldForReset events. It reads the already-debounced power
// button level the Input Sampler publishes rather than the raw pin, so
// debounce logic exists in exactly one place (sampler.debouncer).
package button

import (
	"context"
	"time"

	"boatsup/types"
)

const (
	// ShortPress window (spec.md §4.3): a press-release cycle shorter than
	// this is bounce, not a press at all, and is silently dropped.
	minShortPress = 50 * time.Millisecond
	// LongPressThreshold is how long the button must be held before a
	// LongPress event latches, independent of release.
	LongPressThreshold = 3 * time.Second
	// HeldForResetThreshold is the hold duration that forces a reset while
	// powered down, regardless of how PoweredDownManual/PoweredDownBlackout
	// was entered.
	HeldForResetThreshold = 8 * time.Second
)

// PollPeriod is how often Run samples the debounced level. It only needs to
// be fine enough to resolve the three thresholds above; it runs at the same
// 20ms cadence as the sampler's ADC loop.
const PollPeriod = 20 * time.Millisecond

// Monitor classifies power-button hold duration into spec.md §4.3's events.
type Monitor struct {
	level       func() bool
	poweredDown func() bool
	events      chan<- types.Event

	held         bool
	pressStart   time.Time
	longLatched  bool
	resetLatched bool
}

// New creates a Monitor. level should return the debounced power-button
// state (true = pressed); poweredDown reports whether the current
// PowerState is one of the PoweredDown* states, gating HeldForReset.
func New(level func() bool, poweredDown func() bool, events chan<- types.Event) *Monitor {
	return &Monitor{level: level, poweredDown: poweredDown, events: events}
}

// Run polls at PollPeriod until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	tick := time.NewTicker(PollPeriod)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			m.poll(time.Now())
		}
	}
}

func (m *Monitor) poll(now time.Time) {
	level := m.level()

	if level && !m.held {
		m.held = true
		m.pressStart = now
		m.longLatched = false
		m.resetLatched = false
		return
	}

	if !level && m.held {
		held := now.Sub(m.pressStart)
		m.held = false
		if !m.longLatched && held >= minShortPress {
			m.emit(types.Event{Kind: types.EvShortPress})
		}
		return
	}

	if !level {
		return
	}

	// Still held: check the two "fires without waiting for release"
	// thresholds.
	heldFor := now.Sub(m.pressStart)
	if !m.longLatched && heldFor >= LongPressThreshold {
		m.longLatched = true
		m.emit(types.Event{Kind: types.EvLongPress})
	}
	if !m.resetLatched && heldFor >= HeldForResetThreshold && m.poweredDown != nil && m.poweredDown() {
		m.resetLatched = true
		m.emit(types.Event{Kind: types.EvHeldForReset})
	}
}

func (m *Monitor) emit(ev types.Event) {
	if m.events == nil {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}
