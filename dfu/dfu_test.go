package dfu

import (
	"hash/crc32"
	"testing"

	"boatsup/flashlayout"
	"boatsup/hal"
	"boatsup/types"
)

func newPipeline() (*Pipeline, *hal.FakeFlash, *hal.FakeFlash, *hal.FakeResetter) {
	staging := hal.NewFakeFlash(flashlayout.DFUStagingSize)
	bootInfo := hal.NewFakeFlash(flashlayout.BootloaderStateSize)
	reset := &hal.FakeResetter{}
	p := New(staging, bootInfo, reset, nil)
	return p, staging, bootInfo, reset
}

func TestStart_RejectsOversizedImage(t *testing.T) {
	p, _, _, _ := newPipeline()
	err := p.Start(flashlayout.DFUStagingSize + 1)
	if err == nil {
		t.Fatal("expected error for oversized image")
	}
}

func TestBlock_RejectsCrcMismatch(t *testing.T) {
	p, _, _, _ := newPipeline()
	if err := p.Start(types.BlockBytes); err != nil {
		t.Fatalf("Start: %v", err)
	}
	data := make([]byte, types.BlockBytes)
	err := p.Block(0, 0xDEADBEEF, data)
	if err == nil {
		t.Fatal("expected crc mismatch error")
	}
	status, kind := p.Status()
	if status != types.DFUError || kind != types.DFUErrCrc {
		t.Fatalf("got status=%v kind=%v, want DFUError/DFUErrCrc", status, kind)
	}
}

func TestBlock_RejectsOutOfRange(t *testing.T) {
	p, _, _, _ := newPipeline()
	if err := p.Start(types.BlockBytes); err != nil {
		t.Fatalf("Start: %v", err)
	}
	data := make([]byte, types.BlockBytes)
	crc := crc32.ChecksumIEEE(blockCRCInput(5, data))
	if err := p.Block(5, crc, data); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestBlock_RejectsWrongLastBlockLength(t *testing.T) {
	p, _, _, _ := newPipeline()
	// 300 bytes -> 2 blocks, second block should be 44 bytes, not 256.
	if err := p.Start(300); err != nil {
		t.Fatalf("Start: %v", err)
	}
	full := make([]byte, types.BlockBytes)
	if err := p.Block(0, crc32.ChecksumIEEE(blockCRCInput(0, full)), full); err != nil {
		t.Fatalf("Block 0: %v", err)
	}
	wrong := make([]byte, types.BlockBytes) // should be 44
	if err := p.Block(1, crc32.ChecksumIEEE(blockCRCInput(1, wrong)), wrong); err == nil {
		t.Fatal("expected length mismatch error for oversized final block")
	}
}

func TestFullSession_CommitsAndResets(t *testing.T) {
	p, staging, bootInfo, reset := newPipeline()
	size := uint32(300)
	if err := p.Start(size); err != nil {
		t.Fatalf("Start: %v", err)
	}

	block0 := make([]byte, types.BlockBytes)
	for i := range block0 {
		block0[i] = byte(i)
	}
	block1 := make([]byte, 44)
	for i := range block1 {
		block1[i] = byte(0xA0 + i)
	}

	if err := p.Block(0, crc32.ChecksumIEEE(blockCRCInput(0, block0)), block0); err != nil {
		t.Fatalf("Block 0: %v", err)
	}
	if err := p.Block(1, crc32.ChecksumIEEE(blockCRCInput(1, block1)), block1); err != nil {
		t.Fatalf("Block 1: %v", err)
	}

	status, _ := p.Status()
	if status != types.DFUReady {
		t.Fatalf("status after all blocks = %v, want DFUReady", status)
	}

	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if reset.Count() != 1 {
		t.Fatalf("Reset called %d times, want 1", reset.Count())
	}

	got, err := bootInfo.Read(flashlayout.HandshakeWordOffset, 4)
	if err != nil {
		t.Fatalf("Read handshake: %v", err)
	}
	want := []byte{0xD0, 0xDE, 0xFE, 0xED}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("handshake word = %x, want %x", got, want)
		}
	}

	stored, err := staging.Read(0, types.BlockBytes)
	if err != nil {
		t.Fatalf("Read staging: %v", err)
	}
	for i, b := range block0 {
		if stored[i] != b {
			t.Fatalf("staged block 0 byte %d = %x, want %x", i, stored[i], b)
		}
	}
}

func TestCommit_RejectsIncompleteSession(t *testing.T) {
	p, _, _, reset := newPipeline()
	if err := p.Start(types.BlockBytes * 2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Commit(); err == nil {
		t.Fatal("expected commit to fail on incomplete session")
	}
	if reset.Count() != 0 {
		t.Fatal("Commit must not reset on an incomplete session")
	}
}

func TestAbort_ClearsSession(t *testing.T) {
	p, _, _, _ := newPipeline()
	if err := p.Start(types.BlockBytes); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Abort()
	status, _ := p.Status()
	if status != types.DFUIdle {
		t.Fatalf("status after Abort = %v, want DFUIdle", status)
	}
	if p.Busy() {
		t.Fatal("Busy() must be false after Abort")
	}
}

func TestConfirmBootAfter_WritesConfirmedWord(t *testing.T) {
	p, _, bootInfo, _ := newPipeline()
	cancel := make(chan struct{})
	p.ConfirmBootAfter(0, cancel)

	got, err := bootInfo.Read(flashlayout.FirmwareConfirmedOffset, 4)
	if err != nil {
		t.Fatalf("Read confirmed word: %v", err)
	}
	want := []byte{0xB0, 0x07, 0x10, 0xAD}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("confirmed word = %x, want %x", got, want)
		}
	}
}
