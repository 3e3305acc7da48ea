// Package statemachine implements the Power State Machine (spec.md §4.7):
// a hierarchical dispatcher over the 13 concrete PowerState values, driven
// by a single serialized event stream from the Input Sampler, the Power
// Button Monitor, and the Bus Command Engine. Following the teacher's
// pattern of a run-to-completion loop selecting on channels plus timers
// (services/heartbeat's ticker+bus select), the machine is a flat switch
// over (state, event) rather than a class hierarchy, per spec.md §9.
package statemachine

import (
	"context"
	"sync/atomic"
	"time"

	"boatsup/hal"
	"boatsup/types"
)

// feedPeriod is how often the machine proves its own run loop is still
// being scheduled to the hardware watchdog feeder, independent of whether
// any event actually arrived (spec.md §2: "kicks a hardware watchdog...
// as long as the core state machine is alive").
const feedPeriod = 500 * time.Millisecond

// defaultResetQuiescence is the delay spec.md §4.7 requires between
// deciding to reset and actually invoking the MCU reset primitive, so the
// final LED/GPIO writes from the outgoing state have a chance to flush.
const defaultResetQuiescence = 50 * time.Millisecond

// startupStrobeWidth is how long SystemStartup pulses the SBC power-button
// output to wake the SBC (spec.md §4.7).
const startupStrobeWidth = 200 * time.Millisecond

// Feeder is the subset of watchdog.Feeder the machine needs: proof that the
// run loop is alive. Kept as a local interface so tests don't need a real
// Feeder wired to a bus.
type Feeder interface {
	Feed()
}

// Machine owns the current PowerState, the one state-owned timer slot, and
// the rail/strobe GPIO outputs it exclusively drives (spec.md §3
// "Ownership").
type Machine struct {
	outputs   *hal.Outputs
	reset     hal.Resetter
	feeder    Feeder
	telemetry func() types.Snapshot
	config    func() types.Config

	// ResetQuiescence defaults to 50ms; tests override it to 0 so a
	// requested reset is observable without a real sleep.
	ResetQuiescence time.Duration

	events chan types.Event

	// state, timer, and timerID are touched only by the Run goroutine
	// (or New, before Run starts); no lock needed. published mirrors state
	// for concurrent readers (led wiring, busengine's 0x15 register).
	state     types.PowerState
	timer     *time.Timer
	timerID   types.TimerID
	vinAbove  bool
	published atomic.Uint32
}

// New constructs a Machine in PowerOff and drives its entry actions
// immediately, so State() and the outputs reflect PowerOff before Run is
// ever called.
func New(outputs *hal.Outputs, reset hal.Resetter, feeder Feeder, telemetry func() types.Snapshot, config func() types.Config) *Machine {
	m := &Machine{
		outputs:         outputs,
		reset:           reset,
		feeder:          feeder,
		telemetry:       telemetry,
		config:          config,
		ResetQuiescence: defaultResetQuiescence,
		events:          make(chan types.Event, 32),
		state:           types.PowerOff,
	}
	m.enterState(types.PowerOff)
	return m
}

// State returns the current PowerState; safe for concurrent callers.
func (m *Machine) State() types.PowerState {
	return types.PowerState(m.published.Load())
}

// Send enqueues an event for the run loop. The channel is sized generously
// and Send blocks rather than drops, matching spec.md §9's "bounded,
// lossless channel" for events into the state machine.
func (m *Machine) Send(ev types.Event) {
	m.events <- ev
}

// Run processes events serially until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) {
	feedTick := time.NewTicker(feedPeriod)
	defer feedTick.Stop()

	for {
		var timerC <-chan time.Time
		if m.timer != nil {
			timerC = m.timer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-feedTick.C:
			if m.feeder != nil {
				m.feeder.Feed()
			}
		case ev := <-m.events:
			m.dispatch(ev)
		case <-timerC:
			id := m.timerID
			m.timer = nil
			m.timerID = types.TimerNone
			m.dispatch(types.Event{Kind: types.EvTimerFired, Timer: id})
		}
	}
}

func (m *Machine) dispatch(ev types.Event) {
	cfg := m.config()
	switch ev.Kind {
	case types.EvTelemetryChanged, types.EvDigitalChanged:
		m.onTelemetry(cfg)
	case types.EvShortPress:
		m.onShortPress()
	case types.EvLongPress:
		m.onLongPress()
	case types.EvHeldForReset:
		if m.state == types.PoweredDownBlackout || m.state == types.PoweredDownManual {
			m.requestReset()
		}
	case types.EvUserButton:
		// Published for observability only; spec.md §4.3 leaves it
		// uninterpreted by the core.
	case types.EvSetWatchdogTimeout:
		m.onSetWatchdogTimeout(ev.U16)
	case types.EvWatchdogPing, types.EvWatchdogTouch:
		m.onWatchdogPing(cfg)
	case types.EvShutdown, types.EvOff:
		m.onShutdown()
	case types.EvStandbyShutdown:
		m.onStandbyShutdown()
	case types.EvDFUCommitRequested:
		// No-op: dfu.Pipeline.Commit writes the handshake word and
		// requests the reset itself; DFU is only ever active in an
		// Operational* state (spec.md §5), so there is no state
		// transition for the machine to make here.
	case types.EvTimerFired:
		m.onTimerFired(ev.Timer, cfg)
	case types.EvConfigChanged:
		// No-op: the LED Renderer and Input Sampler read the Config
		// Store's Get() on every tick instead of reacting to this event.
	}
}

func vinThresholdMilliV(cfg types.Config) int32 { return int32(cfg.VinThresholdCV) * 10 }
func vscapOnMilliV(cfg types.Config) int32      { return int32(cfg.PowerOnVscapCV) * 10 }
func vscapOffMilliV(cfg types.Config) int32     { return int32(cfg.PowerOffVscapCV) * 10 }

func (m *Machine) onTelemetry(cfg types.Config) {
	snap := m.telemetry()
	wasAbove := m.vinAbove
	m.vinAbove = snap.VinMilliV > vinThresholdMilliV(cfg)

	switch m.state {
	case types.PowerOff:
		if m.vinAbove {
			m.transition(types.OffCharging)
		}
	case types.OffCharging:
		if !m.vinAbove {
			m.transition(types.PowerOff)
		} else if snap.VscapMilliV >= vscapOnMilliV(cfg) {
			m.transition(types.SystemStartup)
		}
	case types.SystemStartup:
		if !m.vinAbove {
			m.transition(types.PowerOff)
		} else if snap.CmOn {
			m.transition(types.OperationalSolo)
		}
	case types.OperationalSolo:
		if !snap.CmOn {
			m.transition(types.PoweredDownManual)
		} else if !m.vinAbove {
			m.transition(types.BlackoutSolo)
		}
	case types.OperationalCoOp:
		if !snap.CmOn {
			m.transition(types.PoweredDownManual)
		} else if !m.vinAbove {
			m.transition(types.BlackoutCoOp)
		}
	case types.BlackoutSolo:
		if !snap.CmOn {
			m.transition(types.PoweredDownManual)
		} else if m.vinAbove {
			m.transition(types.OperationalSolo)
		} else if snap.VscapMilliV <= vscapOffMilliV(cfg) {
			// Supercap depleted past the floor before the depleting timer
			// or the host shut down voluntarily: cut over immediately
			// rather than waiting out solo_depleting_timeout_ms.
			m.transition(types.BlackoutShutdown)
		}
	case types.BlackoutCoOp:
		if !snap.CmOn {
			m.transition(types.PoweredDownManual)
		} else if m.vinAbove {
			m.transition(types.OperationalCoOp)
		} else if snap.VscapMilliV <= vscapOffMilliV(cfg) {
			m.transition(types.BlackoutShutdown)
		}
	case types.HostUnresponsive:
		if !snap.CmOn {
			m.transition(types.PoweredDownManual)
		}
		// No VIN-loss rule is given for HostUnresponsive in spec.md §4.7's
		// abridged table; left unhandled here rather than guessed (see
		// DESIGN.md).
	case types.EnteringStandby:
		if !snap.CmOn {
			m.transition(types.Standby)
		}
	case types.Standby:
		if snap.CmOn {
			m.transition(types.OperationalSolo)
		}
	case types.BlackoutShutdown:
		if !snap.CmOn {
			m.transition(types.PoweredDownBlackout)
		}
	case types.PoweredDownManual:
		// "VIN loss also triggers reset" (spec.md §4.7): read as an edge,
		// not a level, so a manual shutdown performed while VIN is already
		// absent does not reset-loop.
		if wasAbove && !m.vinAbove {
			m.requestReset()
		}
	}
}

func (m *Machine) onShortPress() {
	if m.state == types.PoweredDownBlackout || m.state == types.PoweredDownManual {
		m.requestReset()
	}
}

// onLongPress treats a long press as the power button's "initiate
// shutdown" gesture while running, and as a wake attempt while already
// powered down; spec.md §4.7's table gives no explicit LongPress row, only
// §4.3's press-duration contract, so this pairs it with the nearest
// existing transition rather than inventing a fourteenth one.
func (m *Machine) onLongPress() {
	if m.state.IsPoweredOn() || m.state == types.SystemStartup || m.state == types.EnteringStandby || m.state == types.Standby {
		m.onShutdown()
	} else if m.state == types.PoweredDownBlackout || m.state == types.PoweredDownManual {
		m.requestReset()
	}
}

func (m *Machine) onSetWatchdogTimeout(timeoutMs uint16) {
	if timeoutMs > 0 {
		if m.state == types.OperationalSolo {
			m.transition(types.OperationalCoOp)
		} else if m.state == types.OperationalCoOp {
			m.armTimer(types.TimerWatchdogTimeout, time.Duration(timeoutMs)*time.Millisecond)
		}
		return
	}
	if m.state == types.OperationalCoOp {
		m.transition(types.OperationalSolo)
	}
}

func (m *Machine) onWatchdogPing(cfg types.Config) {
	switch m.state {
	case types.HostUnresponsive:
		m.transition(types.OperationalCoOp)
	case types.OperationalCoOp:
		m.armTimer(types.TimerWatchdogTimeout, time.Duration(cfg.WatchdogTimeoutMs)*time.Millisecond)
	}
}

func (m *Machine) onShutdown() {
	switch m.state {
	case types.OperationalSolo, types.OperationalCoOp, types.BlackoutSolo, types.BlackoutCoOp,
		types.HostUnresponsive, types.SystemStartup, types.EnteringStandby, types.Standby:
		m.transition(types.PoweredDownManual)
	}
}

func (m *Machine) onStandbyShutdown() {
	if m.state.IsPoweredOn() {
		m.transition(types.EnteringStandby)
	}
}

func (m *Machine) onTimerFired(id types.TimerID, cfg types.Config) {
	switch id {
	case types.TimerSoloDepleting:
		if m.state == types.BlackoutSolo {
			m.transition(types.BlackoutShutdown)
		}
	case types.TimerWatchdogTimeout:
		if m.state == types.OperationalCoOp {
			m.transition(types.HostUnresponsive)
		}
	case types.TimerWatchdogGrace:
		if m.state == types.HostUnresponsive {
			m.transition(types.PoweredDownBlackout)
		}
	case types.TimerStandbyEntry:
		if m.state == types.EnteringStandby {
			m.transition(types.Standby)
		}
	case types.TimerBlackoutShutdown:
		if m.state == types.BlackoutShutdown {
			m.transition(types.PoweredDownBlackout)
		}
	case types.TimerPoweredDownBlackout:
		if m.state == types.PoweredDownBlackout {
			m.requestReset()
		}
	case types.TimerPoweredDownManualAutoRestart:
		if m.state == types.PoweredDownManual && cfg.AutoRestart && m.vinAbove {
			m.requestReset()
		}
	case types.TimerStartupStrobe:
		// Marks the strobe pulse window closed; nothing else to do.
	}
}

// transition runs old's exit action, swaps state, publishes it, and runs
// new's entry action, cancelling whatever timer the outgoing state owned
// first (spec.md §5: "entering a new state cancels all timers owned by the
// previous state").
func (m *Machine) transition(next types.PowerState) {
	m.exitState(m.state)
	m.cancelTimer()
	m.state = next
	m.published.Store(uint32(next))
	m.enterState(next)
}

func (m *Machine) exitState(s types.PowerState) {
	if s == types.BlackoutShutdown && m.outputs != nil {
		setIfPresent(m.outputs.SBCPowerStrobe, false)
	}
}

func (m *Machine) enterState(s types.PowerState) {
	m.published.Store(uint32(s))
	if m.outputs == nil {
		return
	}
	switch s {
	case types.PowerOff, types.OffCharging, types.PoweredDownBlackout, types.PoweredDownManual:
		m.outputs.PowerOff()
	case types.SystemStartup:
		m.outputs.PowerOn()
		go m.outputs.StrobeSBCButton(startupStrobeWidth)
		m.armTimer(types.TimerStartupStrobe, startupStrobeWidth)
	case types.OperationalSolo, types.BlackoutCoOp, types.Standby:
		m.outputs.PowerOn()
	case types.OperationalCoOp:
		m.outputs.PowerOn()
		m.armTimer(types.TimerWatchdogTimeout, time.Duration(m.config().WatchdogTimeoutMs)*time.Millisecond)
	case types.BlackoutSolo:
		m.outputs.PowerOn()
		m.armTimer(types.TimerSoloDepleting, time.Duration(m.config().SoloDepletingTimeoutMs)*time.Millisecond)
	case types.HostUnresponsive:
		m.outputs.PowerOn()
		m.armTimer(types.TimerWatchdogGrace, 3*time.Second)
	case types.EnteringStandby:
		m.outputs.PowerOn()
		m.armTimer(types.TimerStandbyEntry, 10*time.Second)
	case types.BlackoutShutdown:
		m.outputs.PowerOn()
		setIfPresent(m.outputs.SBCPowerStrobe, true)
		m.armTimer(types.TimerBlackoutShutdown, 30*time.Second)
	}

	if s == types.PoweredDownBlackout {
		m.armTimer(types.TimerPoweredDownBlackout, 60*time.Second)
	}
	if s == types.PoweredDownManual {
		cfg := m.config()
		if cfg.AutoRestart && m.vinAbove {
			m.armTimer(types.TimerPoweredDownManualAutoRestart, 2*time.Second)
		}
	}
}

func (m *Machine) armTimer(id types.TimerID, d time.Duration) {
	m.cancelTimer()
	if d <= 0 {
		return
	}
	m.timer = time.NewTimer(d)
	m.timerID = id
}

func (m *Machine) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerID = types.TimerNone
}

// requestReset asks the MCU to reset after ResetQuiescence, allowing final
// LED/GPIO writes to flush (spec.md §4.7). ResetQuiescence of zero (as set
// by tests) resets inline so the effect is observable without a real sleep.
func (m *Machine) requestReset() {
	m.cancelTimer()
	if m.reset == nil {
		return
	}
	if m.ResetQuiescence <= 0 {
		m.reset.Reset()
		return
	}
	reset := m.reset
	delay := m.ResetQuiescence
	go func() {
		time.Sleep(delay)
		reset.Reset()
	}()
}

func setIfPresent(p hal.GPIOPin, level bool) {
	if p != nil {
		p.Set(level)
	}
}
