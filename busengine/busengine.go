// Package busengine implements the Bus Command Engine (spec.md §4.5): the
// I²C secondary-side register map at address 0x6D. Real hardware drives it
// from the I²C peripheral's interrupt handler, which is out of scope per
// spec.md §1; this package's HandleRead/HandleWrite are the two entry
// points that handler calls once it has decoded the command byte and the
// bus direction bit, matching the teacher's pattern of keeping a hardware
// ISR to a single non-blocking call into plain Go code
// (services/hal/gpio_worker.go's IRQ-to-channel handoff).
package busengine

import (
	"encoding/binary"
	"hash/crc32"
	"math"
	"sync/atomic"

	"boatsup/errcode"
	"boatsup/types"
)

// Register codes, spec.md §6.
const (
	cmdLegacyHWVersion = 0x01
	cmdLegacyFWVersion = 0x02
	cmdHWVersion       = 0x03
	cmdFWVersion       = 0x04

	cmdSBCPowerState   = 0x10
	cmdWatchdogTimeout = 0x12
	cmdPowerOnVscap    = 0x13
	cmdPowerOffVscap   = 0x14
	cmdStateCode       = 0x15
	cmdWatchdogElapsed = 0x16
	cmdLedBrightness   = 0x17
	cmdAutoRestart     = 0x18
	cmdSoloDepleting   = 0x19

	cmdVin     = 0x20
	cmdVscap   = 0x21
	cmdIin     = 0x22
	cmdMcuTemp = 0x23
	cmdPcbTemp = 0x24

	cmdShutdown        = 0x30
	cmdStandbyShutdown = 0x31

	cmdDFUStart         = 0x40
	cmdDFUStatus        = 0x41
	cmdDFUBlocksWritten = 0x42
	cmdDFUBlock         = 0x43
	cmdDFUCommit        = 0x44
	cmdDFUAbort         = 0x45

	cmdVinCorrectionScale   = 0x50
	cmdVscapCorrectionScale = 0x51
	cmdIinCorrectionScale   = 0x52
)

// legacyHWVersion and legacyFWVersion resolve spec.md §9's Open Question
// per SPEC_FULL.md's supplement from original_source's LEGACY_HW_VERSION /
// LEGACY_FW_VERSION constants.
const (
	legacyHWVersion byte = 0x00
	legacyFWVersion byte = 0xFF
)

// Version is a [major, minor, patch, variant] quadruplet for 0x03/0x04.
type Version [4]byte

// StateMachine is the subset of statemachine.Machine the engine needs:
// read the current state for 0x15, and push events for every command that
// changes behaviour rather than just reading a register.
type StateMachine interface {
	State() types.PowerState
	Send(types.Event)
}

// Config is the subset of configstore.Store the engine writes through.
type Config interface {
	Get() types.Config
	SetVinCorrectionScale(float32) error
	SetVscapCorrectionScale(float32) error
	SetIinCorrectionScale(float32) error
	SetPowerOnVscapCV(uint16) error
	SetPowerOffVscapCV(uint16) error
	SetWatchdogTimeoutMs(uint16) error
	SetSoloDepletingTimeoutMs(uint32) error
	SetLedBrightness(uint8) error
	SetAutoRestart(bool) error
}

// DFU is the subset of dfu.Pipeline the engine drives. Start/Block/Commit/
// Abort are called from the engine's own queue worker (see Run), never
// directly from HandleWrite, since all four can take longer than the bus
// transaction's clock-stretching budget allows (spec.md §4.5).
type DFU interface {
	Status() (types.DFUStatus, types.DFUErrorKind)
	Progress() (written, total uint16)
	Start(size uint32) error
	Block(blockNum uint16, wireCRC uint32, data []byte) error
	Commit() error
	Abort()
}

// Engine dispatches register reads/writes against Config, DFU, and the
// state machine's event stream.
type Engine struct {
	machine StateMachine
	config  Config
	dfu     DFU
	latest  func() types.Snapshot

	hwVersion Version
	fwVersion Version

	lastSBCPowerState atomic.Uint32 // 0 or 1, for the 0x10 read-back

	work chan func()
}

// New wires an Engine. queueDepth sizes the async DFU work queue (spec.md
// §4.5: "queued" commands ack immediately and run in the background).
func New(machine StateMachine, config Config, dfu DFU, latest func() types.Snapshot, hwVersion, fwVersion Version, queueDepth int) *Engine {
	if queueDepth <= 0 {
		queueDepth = 8
	}
	return &Engine{
		machine:   machine,
		config:    config,
		dfu:       dfu,
		latest:    latest,
		hwVersion: hwVersion,
		fwVersion: fwVersion,
		work:      make(chan func(), queueDepth),
	}
}

// Run drains the async DFU work queue until stop is closed. One instance
// must run for DFU_START/BLOCK/COMMIT/ABORT to ever actually execute.
func (e *Engine) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case fn := <-e.work:
			fn()
		}
	}
}

// QueueDepth reports how many DFU operations are waiting behind the one
// currently running, the backpressure signal SPEC_FULL.md's "flash-write
// queue depth" supplement calls for.
func (e *Engine) QueueDepth() int {
	return len(e.work)
}

// HandleRead returns the response bytes for a read transaction against
// cmd. Unknown commands reply with a single 0xFF byte (spec.md §4.5's
// "0xFF-filled reads" — real hardware would keep clocking 0xFF for however
// many bytes the controller asks for).
func (e *Engine) HandleRead(cmd byte) []byte {
	defer e.touchWatchdog()

	cfg := e.config.Get()
	switch cmd {
	case cmdLegacyHWVersion:
		return []byte{legacyHWVersion}
	case cmdLegacyFWVersion:
		return []byte{legacyFWVersion}
	case cmdHWVersion:
		return e.hwVersion[:]
	case cmdFWVersion:
		return e.fwVersion[:]

	case cmdSBCPowerState:
		return []byte{byte(e.lastSBCPowerState.Load())}
	case cmdWatchdogTimeout:
		return be16(cfg.WatchdogTimeoutMs)
	case cmdPowerOnVscap:
		return be16(cfg.PowerOnVscapCV)
	case cmdPowerOffVscap:
		return be16(cfg.PowerOffVscapCV)
	case cmdStateCode:
		return []byte{byte(e.machine.State())}
	case cmdWatchdogElapsed:
		return []byte{0x00}
	case cmdLedBrightness:
		return []byte{cfg.LedBrightness}
	case cmdAutoRestart:
		return []byte{boolByte(cfg.AutoRestart)}
	case cmdSoloDepleting:
		return be32(cfg.SoloDepletingTimeoutMs)

	case cmdVin:
		return be16(clampU16(e.latest().VinMilliV))
	case cmdVscap:
		return be16(clampU16(e.latest().VscapMilliV))
	case cmdIin:
		return be16(clampU16(e.latest().IinMilliA))
	case cmdMcuTemp:
		return be16(clampU16(e.latest().McuTempCentiC))
	case cmdPcbTemp:
		return be16(clampU16(e.latest().PcbTempCentiC))

	case cmdDFUStatus:
		// spec.md §6 fixes 0x41 at 1 B; the error kind still has to be
		// "visible via 0x41" (§4.6), so a latched Error packs its kind into
		// the high nibble. Every non-error status has kind == DFUErrNone,
		// so the byte equals the bare status value exactly as before.
		status, kind := e.dfu.Status()
		return []byte{byte(status) | byte(kind)<<4}
	case cmdDFUBlocksWritten:
		written, _ := e.dfu.Progress()
		return be16(written)

	case cmdVinCorrectionScale:
		return be32(math.Float32bits(cfg.VinCorrectionScale))
	case cmdVscapCorrectionScale:
		return be32(math.Float32bits(cfg.VscapCorrectionScale))
	case cmdIinCorrectionScale:
		return be32(math.Float32bits(cfg.IinCorrectionScale))

	default:
		return []byte{0xFF}
	}
}

// HandleWrite applies a write transaction. Unknown commands are silently
// dropped; a malformed payload is not applied and returns an
// errcode.ProtocolFrame error. Neither is fatal, per spec.md §4.5/§7 ("bus
// protocol errors ... never fatal").
func (e *Engine) HandleWrite(cmd byte, data []byte) error {
	defer e.touchWatchdog()

	switch cmd {
	case cmdSBCPowerState:
		if len(data) < 1 {
			return &errcode.E{C: errcode.ProtocolFrame, Op: "busengine.HandleWrite", Msg: "0x10: empty payload"}
		}
		e.lastSBCPowerState.Store(uint32(data[0]))
		if data[0] == 0 {
			e.machine.Send(types.Event{Kind: types.EvShutdown})
		}
		return nil

	case cmdWatchdogTimeout:
		v, err := u16(data)
		if err != nil {
			return err
		}
		if err := e.config.SetWatchdogTimeoutMs(v); err != nil {
			return err
		}
		e.machine.Send(types.Event{Kind: types.EvSetWatchdogTimeout, U16: v})
		return nil
	case cmdPowerOnVscap:
		v, err := u16(data)
		if err != nil {
			return err
		}
		return e.config.SetPowerOnVscapCV(v)
	case cmdPowerOffVscap:
		v, err := u16(data)
		if err != nil {
			return err
		}
		return e.config.SetPowerOffVscapCV(v)
	case cmdLedBrightness:
		if len(data) < 1 {
			return &errcode.E{C: errcode.ProtocolFrame, Op: "busengine.HandleWrite", Msg: "0x17: empty payload"}
		}
		return e.config.SetLedBrightness(data[0])
	case cmdAutoRestart:
		if len(data) < 1 {
			return &errcode.E{C: errcode.ProtocolFrame, Op: "busengine.HandleWrite", Msg: "0x18: empty payload"}
		}
		return e.config.SetAutoRestart(data[0] != 0)
	case cmdSoloDepleting:
		v, err := u32(data)
		if err != nil {
			return err
		}
		return e.config.SetSoloDepletingTimeoutMs(v)

	case cmdShutdown:
		e.machine.Send(types.Event{Kind: types.EvShutdown})
		return nil
	case cmdStandbyShutdown:
		e.machine.Send(types.Event{Kind: types.EvStandbyShutdown})
		return nil

	case cmdDFUStart:
		size, err := u32(data)
		if err != nil {
			return err
		}
		e.enqueueDFU(func() { _ = e.dfu.Start(size) })
		return nil
	case cmdDFUBlock:
		frame := append([]byte(nil), data...)
		e.enqueueDFU(func() { e.handleDFUBlock(frame) })
		return nil
	case cmdDFUCommit:
		e.enqueueDFU(func() {
			e.machine.Send(types.Event{Kind: types.EvDFUCommitRequested})
			_ = e.dfu.Commit()
		})
		return nil
	case cmdDFUAbort:
		e.enqueueDFU(func() { e.dfu.Abort() })
		return nil

	case cmdVinCorrectionScale:
		v, err := f32(data)
		if err != nil {
			return err
		}
		return e.config.SetVinCorrectionScale(v)
	case cmdVscapCorrectionScale:
		v, err := f32(data)
		if err != nil {
			return err
		}
		return e.config.SetVscapCorrectionScale(v)
	case cmdIinCorrectionScale:
		v, err := f32(data)
		if err != nil {
			return err
		}
		return e.config.SetIinCorrectionScale(v)

	default:
		return nil // unknown command: drop silently
	}
}

// handleDFUBlock parses the 0x43 block frame (spec.md §4.6:
// CRC32(4B)|block_num(2B)|length(2B)|data) and forwards blockNum, the wire
// CRC, and the data portion to dfu.Block, which rebuilds block_num||length||
// data itself (length is len(data), already validated against the frame
// below) to check the CRC over the same span the wire format defines it
// over. A malformed frame (header present but the declared length doesn't
// match what actually arrived) never reaches the pipeline at all — it is a
// bus framing error distinct from the pipeline's own CRC/range/length checks.
func (e *Engine) handleDFUBlock(frame []byte) {
	if len(frame) < 8 {
		return
	}
	crc := binary.BigEndian.Uint32(frame[0:4])
	blockNum := binary.BigEndian.Uint16(frame[4:6])
	length := binary.BigEndian.Uint16(frame[6:8])
	if int(length) != len(frame)-8 {
		return
	}
	_ = e.dfu.Block(blockNum, crc, frame[8:])
}

func (e *Engine) enqueueDFU(fn func()) {
	select {
	case e.work <- fn:
	default:
		// Queue full: spec.md §4.5's async-ack contract means the caller
		// already got an immediate ack: this op is simply lost, same as a
		// full lossy channel anywhere else in the ambient stack. A
		// sustained backlog is visible via QueueDepth.
	}
}

// touchWatchdog implements SPEC_FULL.md's "touch the watchdog on any bus
// activity" supplement: any serviced transaction, not just an explicit
// ping, counts as host-liveness proof.
func (e *Engine) touchWatchdog() {
	e.machine.Send(types.Event{Kind: types.EvWatchdogTouch})
}

func be16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u16(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, &errcode.E{C: errcode.ProtocolFrame, Op: "busengine", Msg: "short u16 payload"}
	}
	return binary.BigEndian.Uint16(data), nil
}

func u32(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, &errcode.E{C: errcode.ProtocolFrame, Op: "busengine", Msg: "short u32 payload"}
	}
	return binary.BigEndian.Uint32(data), nil
}

func f32(data []byte) (float32, error) {
	v, err := u32(data)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// clampU16 saturates a signed milli-unit reading to the unsigned 16-bit
// wire width: negative readings (a brown-out dip, a below-zero temperature
// offset) clamp to 0 rather than wrapping.
func clampU16(v int32) uint16 {
	if v < 0 {
		return 0
	}
	if v > 0xFFFF {
		return 0xFFFF
	}
	return uint16(v)
}

// ChecksumIEEE re-exports crc32's algorithm choice for callers constructing
// test frames, so tests don't need a second import of hash/crc32 just to
// build a valid block.
func ChecksumIEEE(data []byte) uint32 { return crc32.ChecksumIEEE(data) }
