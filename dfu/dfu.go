// Package dfu implements the DFU Staging Pipeline (spec.md §4.6):
// DFU_START/DFU_BLOCK/DFU_COMMIT/DFU_ABORT over the staging flash region,
// and the firmware-booted confirmation this repository's SPEC_FULL.md
// supplements from original_source's mark_firmware_booted task.
//
// Grounded in the teacher's HAL-capability boundary (hal.FlashRegion,
// hal.Resetter) for the hardware side; the block-framing and bitmap
// bookkeeping lean on types.DFUSession.
package dfu

import (
	"encoding/binary"
	"hash/crc32"
	"sync"
	"time"

	"boatsup/bus"
	"boatsup/errcode"
	"boatsup/flashlayout"
	"boatsup/hal"
	"boatsup/types"
)

var topicStatus = bus.Topic{bus.S("dfu"), bus.S("status")}

// Pipeline owns the staging region, the bootloader-state region's handshake
// word, and the in-progress session (if any).
type Pipeline struct {
	staging  hal.FlashRegion
	bootInfo hal.FlashRegion
	reset    hal.Resetter
	topics   *bus.Bus

	mu      sync.Mutex
	session *types.DFUSession
}

func New(staging, bootInfo hal.FlashRegion, reset hal.Resetter, b *bus.Bus) *Pipeline {
	return &Pipeline{staging: staging, bootInfo: bootInfo, reset: reset, topics: b}
}

// blockCRCInput rebuilds block_num(2B BE)||length(2B BE)||data, the byte
// span spec.md §4.6 defines DFU_BLOCK's wire CRC32 over.
func blockCRCInput(blockNum uint16, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(buf[0:2], blockNum)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(data)))
	copy(buf[4:], data)
	return buf
}

// Busy reports whether a session is in progress, used by configstore to
// defer flash writes (spec.md §5: DFU staging and config persistence never
// touch flash at the same time).
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil && p.session.Status != types.DFUError
}

// Status returns the latched session status and, for DFUError, the kind —
// the values busengine packs into the single register 0x41.
func (p *Pipeline) Status() (types.DFUStatus, types.DFUErrorKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return types.DFUIdle, types.DFUErrNone
	}
	return p.session.Status, p.session.ErrKind
}

// Progress returns blocks written / total blocks for the active session,
// both zero if there is none.
func (p *Pipeline) Progress() (written, total uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return 0, 0
	}
	return p.session.BlocksWritten, p.session.TotalBlocks
}

// Start begins a new session for a firmware image of size bytes
// (DFU_START). Any previous session is discarded.
func (p *Pipeline) Start(size uint32) error {
	if size == 0 || size > flashlayout.DFUStagingSize {
		return &errcode.E{C: errcode.DFUSizeTooLarge, Op: "dfu.Start"}
	}
	if err := p.staging.Erase(0, flashlayout.DFUStagingSize); err != nil {
		return err
	}
	sess := types.NewDFUSession(size)
	p.mu.Lock()
	p.session = &sess
	p.mu.Unlock()
	p.publish()
	return nil
}

// Block writes one received block (DFU_BLOCK). blockNum is the 0-based
// block index; wireCRC and data are exactly as framed on the wire:
// crc32(4B BE) | block_num(2B BE) | length(2B BE) | data, already split by
// busengine into its three fields before calling in here. wireCRC is
// verified against block_num||length||data, rebuilt here from blockNum and
// len(data) — not against data alone.
func (p *Pipeline) Block(blockNum uint16, wireCRC uint32, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil || p.session.Status != types.DFUReceiving {
		return &errcode.E{C: errcode.DFUIncomplete, Op: "dfu.Block", Msg: "no active session"}
	}
	if crc32.ChecksumIEEE(blockCRCInput(blockNum, data)) != wireCRC {
		p.session.Status = types.DFUError
		p.session.ErrKind = types.DFUErrCrc
		return &errcode.E{C: errcode.DFUCrcMismatch, Op: "dfu.Block"}
	}
	if blockNum >= p.session.TotalBlocks {
		p.session.Status = types.DFUError
		p.session.ErrKind = types.DFUErrOutOfRange
		return &errcode.E{C: errcode.DFUOutOfRange, Op: "dfu.Block"}
	}
	wantLen := types.BlockBytes
	if blockNum == p.session.TotalBlocks-1 {
		if rem := int(p.session.ExpectedSize) % types.BlockBytes; rem != 0 {
			wantLen = rem
		}
	}
	if len(data) != wantLen {
		p.session.Status = types.DFUError
		p.session.ErrKind = types.DFUErrLengthMismatch
		return &errcode.E{C: errcode.DFULengthMismatch, Op: "dfu.Block"}
	}

	offset := uint32(blockNum) * types.BlockBytes
	if err := p.staging.Program(offset, data); err != nil {
		return err
	}
	p.session.SetBlock(blockNum)
	if p.session.AllBlocksReceived() {
		p.session.Status = types.DFUReady
	}
	return nil
}

// Commit requests the bootloader swap to the staged image (DFU_COMMIT): it
// writes the handshake word and asks the Resetter for a system reset. The
// caller's state machine is responsible for sequencing the reset after any
// quiescence delay spec.md §4.7 requires; Commit itself resets immediately.
func (p *Pipeline) Commit() error {
	p.mu.Lock()
	if p.session == nil || p.session.Status != types.DFUReady {
		if p.session != nil {
			p.session.Status = types.DFUError
			p.session.ErrKind = types.DFUErrIncomplete
		}
		p.mu.Unlock()
		return &errcode.E{C: errcode.DFUIncomplete, Op: "dfu.Commit"}
	}
	p.session.Status = types.DFUCommitting
	p.mu.Unlock()
	p.publish()

	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, flashlayout.HandshakeWord)
	if err := p.bootInfo.Program(flashlayout.HandshakeWordOffset, raw); err != nil {
		return err
	}
	if p.reset != nil {
		p.reset.Reset()
	}
	return nil
}

// Abort discards the in-progress session (DFU_ABORT); the staging region is
// left as-is since the next Start erases it anyway.
func (p *Pipeline) Abort() {
	p.mu.Lock()
	p.session = nil
	p.mu.Unlock()
	p.publish()
}

func (p *Pipeline) publish() {
	if p.topics == nil {
		return
	}
	status, _ := p.Status()
	p.topics.Publish(&bus.Message{Topic: topicStatus, Payload: status, Retained: true})
}

// confirmBooted writes flashlayout.FirmwareConfirmedWord once this image has
// run stably past the grace window, telling the bootloader not to roll back on the next power
// cycle (SPEC_FULL.md's firmware-booted confirmation, grounded in
// original_source's mark_firmware_booted task).
func (p *Pipeline) confirmBooted() error {
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, flashlayout.FirmwareConfirmedWord)
	return p.bootInfo.Program(flashlayout.FirmwareConfirmedOffset, raw)
}

// ConfirmBootAfter waits delay then writes the firmware-confirmed marker,
// unless cancel is closed first (the caller is expected to pass a channel
// tied to the supervisor's lifetime, not a per-boot one, since this only
// ever needs to fire once).
func (p *Pipeline) ConfirmBootAfter(delay time.Duration, cancel <-chan struct{}) {
	select {
	case <-time.After(delay):
		_ = p.confirmBooted()
	case <-cancel:
	}
}
