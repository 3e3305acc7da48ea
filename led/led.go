// Package led implements the LED Renderer (spec.md §4.2): a 25Hz frame
// generator driving the 5-pixel RGB status strand through
// tinygo.org/x/drivers/ws2812. Color/animation selection is a pure function
// of (PowerState, Vscap) plus a small amount of phase state for the two
// animated modes (scroll, overvoltage flash), so Frame can be tested
// without a real strand.
package led

import (
	"context"
	"image/color"
	"time"

	"boatsup/types"
	"boatsup/x/mathx"
)

// FrameRate is the fixed frame generation cadence from spec.md §4.2.
const FrameRate = time.Second / 25

// pixelCount is the fixed strand length this product ships with.
const pixelCount = 5

// Strand is the abstraction tinygo.org/x/drivers/ws2812.Device satisfies:
// one call pushes every pixel's color down the single-wire protocol.
type Strand interface {
	WriteColors(colors []color.RGBA) error
}

var (
	colorRed    = color.RGBA{R: 0xFF, A: 0xFF}
	colorYellow = color.RGBA{R: 0xFF, G: 0xA0, A: 0xFF}
	colorGreen  = color.RGBA{G: 0xFF, A: 0xFF}
	colorPurple = color.RGBA{R: 0x80, B: 0xFF, A: 0xFF}
	colorOff    = color.RGBA{}
)

// Bar-graph endpoints for Operational* states (spec.md §4.2): 5.0V maps to
// 1 lit LED, 10.0V maps to all 5.
const (
	barMinMilliV = 5000
	barMaxMilliV = 10000
)

// Overvoltage flash thresholds with hysteresis (spec.md §4.2).
const (
	overvoltageEngageMilliV    = 10200
	overvoltageDisengageMilliV = 10000
)

const (
	scrollPeriod = 500 * time.Millisecond // 2Hz scroll
	flashPeriod  = 200 * time.Millisecond // 5Hz flash
)

// Inputs is everything Frame needs for one frame. Vscap is read fresh from
// the sampler snapshot each frame rather than cached, so brightness and the
// overvoltage flash always reflect the latest sample.
type Inputs struct {
	State      types.PowerState
	VscapMV    int32
	Brightness uint8 // spec.md §3 KeyLedBrightness, 0-255 global scale
}

// Renderer owns the overvoltage-hysteresis latch. The scroll and flash
// phases are computed from the now passed to Frame rather than stored, so
// Frame is deterministic given (now, Inputs, latch).
type Renderer struct {
	strand Strand

	overvoltLatched bool
}

func New(strand Strand) *Renderer {
	return &Renderer{strand: strand}
}

// Run generates frames at FrameRate until ctx is cancelled, reading fresh
// Inputs from latest on every tick.
func (r *Renderer) Run(ctx context.Context, latest func() Inputs) {
	tick := time.NewTicker(FrameRate)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-tick.C:
			colors := r.Frame(t, latest())
			_ = r.strand.WriteColors(colors)
		}
	}
}

// Frame computes one frame's pixel colors without touching the strand,
// so tests can assert on the returned slice directly.
func (r *Renderer) Frame(now time.Time, in Inputs) []color.RGBA {
	if in.VscapMV >= overvoltageEngageMilliV {
		r.overvoltLatched = true
	} else if in.VscapMV <= overvoltageDisengageMilliV {
		r.overvoltLatched = false
	}

	var colors [pixelCount]color.RGBA
	switch {
	case isPoweredDownRed(in.State):
		fill(colors[:], colorRed)
	case in.State == types.SystemStartup:
		fill(colors[:], colorYellow)
	case in.State.IsPoweredOn() && isBlackout(in.State):
		scroll(colors[:], now)
	case in.State.IsPoweredOn():
		barGraph(colors[:], in.VscapMV)
	case isShutdownOrStandbyEntry(in.State):
		fill(colors[:], colorPurple)
	default:
		fill(colors[:], colorOff)
	}

	if r.overvoltLatched && (now.UnixMilli()/int64(flashPeriod/time.Millisecond))%2 == 0 {
		colors[0] = colorRed
	}

	scaled := make([]color.RGBA, pixelCount)
	for i, c := range colors {
		scaled[i] = scaleBrightness(c, in.Brightness)
	}
	return scaled
}

func isPoweredDownRed(s types.PowerState) bool {
	switch s {
	case types.PowerOff, types.OffCharging, types.PoweredDownBlackout, types.PoweredDownManual:
		return true
	default:
		return false
	}
}

func isBlackout(s types.PowerState) bool {
	switch s {
	case types.BlackoutSolo, types.BlackoutCoOp:
		return true
	default:
		return false
	}
}

func isShutdownOrStandbyEntry(s types.PowerState) bool {
	switch s {
	case types.EnteringStandby, types.Standby, types.BlackoutShutdown:
		return true
	default:
		return false
	}
}

func fill(pixels []color.RGBA, c color.RGBA) {
	for i := range pixels {
		pixels[i] = c
	}
}

// barGraph lights mathx.MapU16(Vscap, barMinMilliV, barMaxMilliV, 1, pixelCount)
// LEDs green, the rest off, matching spec.md §4.2's Operational* indicator.
func barGraph(pixels []color.RGBA, vscapMV int32) {
	v := uint16(mathx.Clamp(vscapMV, 0, 1<<30))
	lit := mathx.MapU16(v, barMinMilliV, barMaxMilliV, 1, uint16(len(pixels)))
	for i := range pixels {
		if uint16(i) < lit {
			pixels[i] = colorGreen
		} else {
			pixels[i] = colorOff
		}
	}
}

// scroll alternates green/purple across the strand at 2Hz, the Depleting
// (blackout) indication from spec.md §4.2.
func scroll(pixels []color.RGBA, now time.Time) {
	phase := int((now.UnixMilli() / int64(scrollPeriod/time.Millisecond)) % 2)
	for i := range pixels {
		if (i+phase)%2 == 0 {
			pixels[i] = colorGreen
		} else {
			pixels[i] = colorPurple
		}
	}
}

func scaleBrightness(c color.RGBA, brightness uint8) color.RGBA {
	return color.RGBA{
		R: scale8(c.R, brightness),
		G: scale8(c.G, brightness),
		B: scale8(c.B, brightness),
		A: c.A,
	}
}

func scale8(v, scale uint8) uint8 {
	return uint8(uint16(v) * uint16(scale) / 255)
}
