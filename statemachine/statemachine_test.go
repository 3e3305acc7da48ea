package statemachine

import (
	"testing"

	"boatsup/hal"
	"boatsup/types"
)

func newTestMachine() (*Machine, *types.Snapshot, *types.Config, *hal.FakeResetter, *fakeFeeder) {
	snap := &types.Snapshot{}
	cfg := types.DefaultConfig()
	outputs := &hal.Outputs{
		Rail5VEnable:   hal.NewFakePin(0),
		SBCPowerStrobe: hal.NewFakePin(1),
	}
	reset := &hal.FakeResetter{}
	feeder := &fakeFeeder{}
	m := New(outputs, reset, feeder, func() types.Snapshot { return *snap }, func() types.Config { return cfg })
	m.ResetQuiescence = 0
	return m, snap, &cfg, reset, feeder
}

func TestColdStart_RisingVinThenVscapThenCmOn(t *testing.T) {
	m, snap, cfg, _, _ := newTestMachine()
	if m.State() != types.PowerOff {
		t.Fatalf("initial state = %v, want PowerOff", m.State())
	}

	snap.VinMilliV = 12000
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged})
	if m.State() != types.OffCharging {
		t.Fatalf("after VIN rise, state = %v, want OffCharging", m.State())
	}

	snap.VscapMilliV = int32(cfg.PowerOnVscapCV) * 10
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged})
	if m.State() != types.SystemStartup {
		t.Fatalf("after Vscap crossing power-on threshold, state = %v, want SystemStartup", m.State())
	}

	snap.CmOn = true
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged})
	if m.State() != types.OperationalSolo {
		t.Fatalf("after CM_ON, state = %v, want OperationalSolo", m.State())
	}
}

func TestVinLoss_SoloDepletingTimeout_ReachesBlackoutShutdown(t *testing.T) {
	m, snap, _, reset, _ := newTestMachine()
	snap.VinMilliV = 12000
	snap.VscapMilliV = 8500
	snap.CmOn = true
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged}) // -> OffCharging
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged}) // -> SystemStartup
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged}) // -> OperationalSolo
	if m.State() != types.OperationalSolo {
		t.Fatalf("setup: state = %v, want OperationalSolo", m.State())
	}

	snap.VinMilliV = 0
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged})
	if m.State() != types.BlackoutSolo {
		t.Fatalf("after VIN loss, state = %v, want BlackoutSolo", m.State())
	}

	m.dispatch(types.Event{Kind: types.EvTimerFired, Timer: types.TimerSoloDepleting})
	if m.State() != types.BlackoutShutdown {
		t.Fatalf("after depleting timeout, state = %v, want BlackoutShutdown", m.State())
	}

	snap.CmOn = false
	m.dispatch(types.Event{Kind: types.EvDigitalChanged})
	if m.State() != types.PoweredDownBlackout {
		t.Fatalf("after CM_ON deassert, state = %v, want PoweredDownBlackout", m.State())
	}

	m.dispatch(types.Event{Kind: types.EvTimerFired, Timer: types.TimerPoweredDownBlackout})
	if reset.Count() != 1 {
		t.Fatalf("reset count = %d, want 1 after PoweredDownBlackout timeout", reset.Count())
	}
}

func TestWatchdog_ArmExpiryAndGrace(t *testing.T) {
	m, snap, _, _, _ := newTestMachine()
	snap.VinMilliV = 12000
	snap.VscapMilliV = 8500
	snap.CmOn = true
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged})
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged})
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged})

	m.dispatch(types.Event{Kind: types.EvSetWatchdogTimeout, U16: 2000})
	if m.State() != types.OperationalCoOp {
		t.Fatalf("after SetWatchdogTimeout(2000), state = %v, want OperationalCoOp", m.State())
	}

	m.dispatch(types.Event{Kind: types.EvTimerFired, Timer: types.TimerWatchdogTimeout})
	if m.State() != types.HostUnresponsive {
		t.Fatalf("after watchdog timeout fires, state = %v, want HostUnresponsive", m.State())
	}

	m.dispatch(types.Event{Kind: types.EvWatchdogPing})
	if m.State() != types.OperationalCoOp {
		t.Fatalf("after a late ping, state = %v, want OperationalCoOp", m.State())
	}

	m.dispatch(types.Event{Kind: types.EvTimerFired, Timer: types.TimerWatchdogTimeout})
	m.dispatch(types.Event{Kind: types.EvTimerFired, Timer: types.TimerWatchdogGrace})
	if m.State() != types.PoweredDownBlackout {
		t.Fatalf("after grace window expires, state = %v, want PoweredDownBlackout", m.State())
	}
}

func TestShortPress_PoweredDown_RequestsReset(t *testing.T) {
	m, snap, _, reset, _ := newTestMachine()
	snap.VinMilliV = 12000
	snap.VscapMilliV = 8500
	snap.CmOn = true
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged}) // -> OffCharging
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged}) // -> SystemStartup
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged}) // -> OperationalSolo
	m.dispatch(types.Event{Kind: types.EvShutdown})         // -> PoweredDownManual

	m.dispatch(types.Event{Kind: types.EvShortPress})
	if reset.Count() != 1 {
		t.Fatalf("reset count = %d, want 1 after short press in PoweredDownManual", reset.Count())
	}
}

func TestShutdownCommand_FromOperational_ReachesPoweredDownManual(t *testing.T) {
	m, snap, _, _, _ := newTestMachine()
	snap.VinMilliV = 12000
	snap.VscapMilliV = 8500
	snap.CmOn = true
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged})
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged})
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged})

	m.dispatch(types.Event{Kind: types.EvShutdown})
	if m.State() != types.PoweredDownManual {
		t.Fatalf("after Shutdown, state = %v, want PoweredDownManual", m.State())
	}
}

func TestPoweredDownManual_AutoRestart_TimerRequestsReset(t *testing.T) {
	m, snap, _, reset, _ := newTestMachine()
	snap.VinMilliV = 12000 // vinAbove must be true for the auto-restart timer to arm
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged}) // -> OffCharging, records vinAbove=true
	m.dispatch(types.Event{Kind: types.EvShutdown})          // no-op from OffCharging (not a running state)

	// Reach PoweredDownManual from a running state instead, preserving vinAbove.
	snap.VscapMilliV = 8500
	snap.CmOn = true
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged}) // -> SystemStartup
	m.dispatch(types.Event{Kind: types.EvTelemetryChanged}) // -> OperationalSolo
	m.dispatch(types.Event{Kind: types.EvShutdown})          // -> PoweredDownManual, AutoRestart default true

	m.dispatch(types.Event{Kind: types.EvTimerFired, Timer: types.TimerPoweredDownManualAutoRestart})
	if reset.Count() != 1 {
		t.Fatalf("reset count = %d, want 1 after auto-restart timer", reset.Count())
	}
}
