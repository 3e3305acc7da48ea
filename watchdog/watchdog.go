// Package watchdog implements the Watchdog Feeder (spec.md §2): kicking the
// MCU's own hardware watchdog peripheral on a fixed cadence for as long as
// the Power State Machine's main loop is alive. It is deliberately ignorant
// of the host-liveness watchdog (WatchdogTimeoutMs/WatchdogPing/
// WatchdogExpired) spec.md §4.7 wires through statemachine — this package
// only ever answers "is the firmware's own event loop still turning", never
// "is the SBC host still there".
//
// Grounded in the teacher's services/heartbeat (ticker + context + bus
// loop), generalized from a fixed-interval logger into a watchdog kicker
// that a caller can feed proof-of-life into.
package watchdog

import (
	"context"
	"time"

	"boatsup/bus"
	"boatsup/x/fmtx"
)

// Kicker pulses whatever GPIO or register the bootloader's hardware
// watchdog is wired to. Real builds back this with a hal.GPIOPin toggle;
// tests use FakeKicker.
type Kicker interface {
	Kick()
}

var topicKicked = bus.Topic{bus.S("watchdog"), bus.S("kicked")}

// Feeder kicks the hardware watchdog every period as long as Feed is being
// called at least that often from the main loop. If the caller stops
// feeding it (the state machine's goroutine has wedged), the kick stops and
// the hardware watchdog resets the MCU — that reset path is the entire
// point of this package.
type Feeder struct {
	kicker Kicker
	period time.Duration
	topics *bus.Bus

	feed chan struct{}
}

// New creates a Feeder that kicks k every period. period should be
// comfortably shorter than the hardware watchdog's own timeout (typically
// half or less) so scheduling jitter never causes a spurious reset.
func New(k Kicker, period time.Duration, b *bus.Bus) *Feeder {
	return &Feeder{
		kicker: k,
		period: period,
		topics: b,
		feed:   make(chan struct{}, 1),
	}
}

// Feed records one proof-of-life from the caller's main loop. Non-blocking:
// a burst of calls between kicks coalesces to a single pending feed.
func (f *Feeder) Feed() {
	select {
	case f.feed <- struct{}{}:
	default:
	}
}

// Run kicks the hardware watchdog every period as long as Feed has been
// called at least once since the previous kick, until ctx is cancelled. The
// very first kick happens immediately so a slow boot doesn't race the
// hardware timeout before the main loop calls Feed even once, and the first
// tick after that kicks too, whether or not Feed has been called.
func (f *Feeder) Run(ctx context.Context) {
	f.kicker.Kick()
	f.publish()

	tick := time.NewTicker(f.period)
	defer tick.Stop()

	starved := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.feed:
			starved = false
		case <-tick.C:
			if starved {
				fmtx.Printf("watchdog: no feed in the last %v, kick withheld\n", f.period)
				continue
			}
			f.kicker.Kick()
			f.publish()
			starved = true
		}
	}
}

func (f *Feeder) publish() {
	if f.topics == nil {
		return
	}
	f.topics.Publish(&bus.Message{Topic: topicKicked, Payload: time.Now().UnixMilli()})
}
