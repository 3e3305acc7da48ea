// Package hal defines the abstract hardware-capability surface the rest of
// the supervisor is built against: GPIO pins, analog channels, and a flash
// controller. Per spec.md §1 these peripherals are explicitly out of scope
// ("low-level MCU peripheral drivers... treated as abstract capabilities");
// this package is the boundary. Real builds satisfy these interfaces with
// tinygo.org/x/drivers-backed adaptors; tests satisfy them with the fakes in
// hal/fake.go.
package hal

import "time"

// Pull selects a GPIO input's bias resistor.
type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// Edge selects which transition an IRQPin should watch for.
type Edge uint8

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
	EdgeBoth
)

// GPIOPin is a single digital pin, already configured as input or output by
// whatever wired it up.
type GPIOPin interface {
	Get() bool
	Set(level bool)
	Number() int
}

// IRQPin extends GPIOPin with edge-triggered interrupts. SetIRQ's handler
// runs in interrupt context on real hardware: it must not block or
// allocate, matching the constraint in spec.md §5 ("hardware interrupts...
// enqueue events but never execute task logic themselves").
type IRQPin interface {
	GPIOPin
	SetIRQ(edge Edge, handler func()) error
	ClearIRQ() error
}

// AnalogChannel is a single ADC input, already scaled to raw codes by the
// underlying driver. Sampler multiplies RawMilliV by the config store's
// correction scale only; no divider constant is applied on top of it.
type AnalogChannel interface {
	// ReadRawMilliV returns one uncorrected sample in millivolts at the ADC
	// pin, before correction-scale math.
	ReadRawMilliV() (int32, error)
}

// Outputs bundles the GPIO outputs the Power State Machine exclusively owns
// (spec.md §3 "Ownership"): rail enable, SBC power-button strobe, and the
// USB-disable lines that ride along with rail power per the original
// product's wiring.
type Outputs struct {
	Rail5VEnable   GPIOPin
	SBCPowerStrobe GPIOPin // active-low, pulse to assert
	DisableUSB0    GPIOPin
	DisableUSB1    GPIOPin
	DisableUSB2    GPIOPin
	DisableUSB3    GPIOPin
}

// PowerOn drives the rail-on output pattern.
func (o *Outputs) PowerOn() {
	o.Rail5VEnable.Set(true)
	setIfPresent(o.DisableUSB0, false)
	setIfPresent(o.DisableUSB1, false)
	setIfPresent(o.DisableUSB2, false)
	setIfPresent(o.DisableUSB3, false)
}

// PowerOff drives the rail-off output pattern.
func (o *Outputs) PowerOff() {
	o.Rail5VEnable.Set(false)
	setIfPresent(o.DisableUSB0, true)
	setIfPresent(o.DisableUSB1, true)
	setIfPresent(o.DisableUSB2, true)
	setIfPresent(o.DisableUSB3, true)
}

// StrobeSBCButton asserts the active-low SBC power-button output for d then
// releases it. Callers needing non-blocking behavior should run this in a
// goroutine; the state machine's entry actions do so explicitly.
func (o *Outputs) StrobeSBCButton(d time.Duration) {
	if o.SBCPowerStrobe == nil {
		return
	}
	o.SBCPowerStrobe.Set(true)
	time.Sleep(d)
	o.SBCPowerStrobe.Set(false)
}

func setIfPresent(p GPIOPin, level bool) {
	if p != nil {
		p.Set(level)
	}
}

// FlashRegion is a single erase/program window within the MCU's flash part,
// matching spec.md §6's fixed offset table. Implementations must guarantee
// that Erase/Program never partially complete across a power loss in a way
// that corrupts adjacent regions; on real hardware this follows from the
// region boundaries being erase-block aligned.
type FlashRegion interface {
	// Erase erases [offset, offset+length) within the region; offset is
	// relative to the region's own base, not the chip's absolute address.
	Erase(offset, length uint32) error
	// Program writes data at offset within the region. offset+len(data)
	// must not exceed the region's size.
	Program(offset uint32, data []byte) error
	// Read reads length bytes at offset within the region.
	Read(offset, length uint32) ([]byte, error)
	// Size returns the region's total size in bytes.
	Size() uint32
}

// Reset requests an MCU system reset. Implementations must return without
// actually resetting when running under test (FakeResetter records the
// call instead).
type Resetter interface {
	Reset()
}
