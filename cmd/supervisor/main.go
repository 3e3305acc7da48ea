// Command supervisor wires every component package into the running
// firmware image: the bus, the Config Store, the Input Sampler, the Power
// Button Monitor, the LED Renderer, the Watchdog Feeder, the DFU Pipeline,
// the Bus Command Engine, and the Power State Machine.
//
// Hardware wiring (GPIO pins, ADC channels, the flash controller, the I²C
// secondary peripheral) is a board support concern spec.md §1 places out of
// scope; newHardware below stands in for it the way the teacher's
// pico-hal-main kept board bring-up in one small function ahead of the
// actual service wiring. A real board build replaces newHardware's body with
// tinygo.org/x/drivers-backed pins, ADC channels, and a flash driver; nothing
// else in this file changes.
package main

import (
	"context"
	"image/color"
	"time"

	"boatsup/bus"
	"boatsup/busengine"
	"boatsup/button"
	"boatsup/configstore"
	"boatsup/dfu"
	"boatsup/flashlayout"
	"boatsup/hal"
	"boatsup/led"
	"boatsup/sampler"
	"boatsup/statemachine"
	"boatsup/types"
	"boatsup/watchdog"
)

// hwVersion/fwVersion are the values the bus exposes at registers 0x03/0x04.
// A real release stamps fwVersion at build time; it is a literal here only
// because this module has no build-time version injection step of its own.
var (
	hwVersion = busengine.Version{1, 0, 0, 0}
	fwVersion = busengine.Version{0, 1, 0, 0}
)

// watchdogFeedPeriod is comfortably shorter than any hardware watchdog
// timeout this product ships with (watchdog.New's contract).
const watchdogFeedPeriod = 1 * time.Second

// bootConfirmDelay is how long the supervisor waits, post-boot, before
// telling the bootloader this image is good (SPEC_FULL.md's firmware-booted
// confirmation).
const bootConfirmDelay = 30 * time.Second

// hardware bundles every abstract capability the supervisor needs, handed to
// it by newHardware. Splitting this from main keeps the wiring below
// identical across every board.
type hardware struct {
	analog  sampler.Analog
	digital sampler.Digital
	outputs *hal.Outputs

	configFlash  hal.FlashRegion
	stagingFlash hal.FlashRegion
	bootFlash    hal.FlashRegion

	watchdogPin hal.GPIOPin
	reset       hal.Resetter
	strand      led.Strand
}

// newHardware stands in for board bring-up. It returns fake, in-memory
// implementations so this binary links and boots on any machine; a real
// product build replaces this function body only.
func newHardware() hardware {
	return hardware{
		analog: sampler.Analog{
			Vin:     hal.NewFakeAnalog(0),
			Vscap:   hal.NewFakeAnalog(0),
			Iin:     hal.NewFakeAnalog(0),
			McuTemp: hal.NewFakeAnalog(2500),
			PcbTemp: hal.NewFakeAnalog(2500),
		},
		digital: sampler.Digital{
			CmOn:    hal.NewFakePin(0),
			Pg5V:    hal.NewFakePin(1),
			PwrBtn:  hal.NewFakePin(2),
			UserBtn: hal.NewFakePin(3),
		},
		outputs: &hal.Outputs{
			Rail5VEnable:   hal.NewFakePin(10),
			SBCPowerStrobe: hal.NewFakePin(11),
			DisableUSB0:    hal.NewFakePin(12),
			DisableUSB1:    hal.NewFakePin(13),
			DisableUSB2:    hal.NewFakePin(14),
			DisableUSB3:    hal.NewFakePin(15),
		},
		configFlash:  hal.NewFakeFlash(flashlayout.ConfigLogSize),
		stagingFlash: hal.NewFakeFlash(flashlayout.DFUStagingSize),
		bootFlash:    hal.NewFakeFlash(flashlayout.BootloaderStateSize),
		watchdogPin:  hal.NewFakePin(20),
		reset:        &hal.FakeResetter{},
		strand:       noopStrand{},
	}
}

// noopStrand discards frames; a real board wires tinygo.org/x/drivers/ws2812
// over the product's single-wire pin here instead.
type noopStrand struct{}

func (noopStrand) WriteColors(colors []color.RGBA) error { return nil }

// pinKicker pulses a GPIO pin for watchdog.Kicker; the pin's far end is
// whatever external hardware watchdog peripheral the board wires it to.
type pinKicker struct{ pin hal.GPIOPin }

func (k pinKicker) Kick() {
	k.pin.Set(true)
	k.pin.Set(false)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := ctx.Done()

	hw := newHardware()
	topics := bus.NewBus(16)

	events := make(chan types.Event, 32)

	dfuPipeline := dfu.New(hw.stagingFlash, hw.bootFlash, hw.reset, topics)
	go dfuPipeline.ConfirmBootAfter(bootConfirmDelay, stop)

	cfgStore := configstore.New(hw.configFlash, topics, dfuPipeline.Busy)
	cfgStore.Load()
	go cfgStore.Run(stop)

	var smp *sampler.Sampler

	feeder := watchdog.New(pinKicker{hw.watchdogPin}, watchdogFeedPeriod, topics)
	go feeder.Run(ctx)

	smachine := statemachine.New(hw.outputs, hw.reset, feeder,
		func() types.Snapshot { return smp.Latest() },
		cfgStore.Get,
	)

	eng := busengine.New(smachine, cfgStore, dfuPipeline,
		func() types.Snapshot { return smp.Latest() },
		hwVersion, fwVersion, 8,
	)
	go eng.Run(stop)

	smp = sampler.New(hw.analog, hw.digital, func() (float32, float32, float32) {
		cfg := cfgStore.Get()
		return cfg.VinCorrectionScale, cfg.VscapCorrectionScale, cfg.IinCorrectionScale
	}, topics, events)
	go smp.Run(ctx)

	btn := button.New(
		func() bool { return smp.Latest().PwrBtn },
		func() bool {
			st := smachine.State()
			return st == types.PoweredDownBlackout || st == types.PoweredDownManual
		},
		events,
	)
	go btn.Run(ctx)

	renderer := led.New(hw.strand)
	go renderer.Run(ctx, func() led.Inputs {
		snap := smp.Latest()
		cfg := cfgStore.Get()
		return led.Inputs{State: smachine.State(), VscapMV: snap.VscapMilliV, Brightness: cfg.LedBrightness}
	})

	go func() {
		for ev := range events {
			smachine.Send(ev)
		}
	}()

	smachine.Run(ctx)
}
