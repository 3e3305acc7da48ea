package configstore

import (
	"testing"
	"time"

	"boatsup/flashlayout"
	"boatsup/hal"
	"boatsup/types"
)

func TestLoad_EmptyFlash_UsesDefaults(t *testing.T) {
	flash := hal.NewFakeFlash(flashlayout.ConfigLogSize)
	s := New(flash, nil, nil)
	s.Load()

	got := s.Get()
	want := types.DefaultConfig()
	if got != want {
		t.Fatalf("empty flash: got %+v, want defaults %+v", got, want)
	}
}

func TestSetAndReload_PersistsAcrossLoad(t *testing.T) {
	flash := hal.NewFakeFlash(flashlayout.ConfigLogSize)

	s := New(flash, nil, nil)
	s.Load()

	stop := make(chan struct{})
	go s.Run(stop)

	if err := s.SetPowerOnVscapCV(900); err != nil {
		t.Fatalf("SetPowerOnVscapCV: %v", err)
	}
	if err := s.SetAutoRestart(false); err != nil {
		t.Fatalf("SetAutoRestart: %v", err)
	}
	waitForFlush(t)
	close(stop)

	s2 := New(flash, nil, nil)
	s2.Load()
	got := s2.Get()

	if got.PowerOnVscapCV != 900 {
		t.Errorf("PowerOnVscapCV = %d, want 900", got.PowerOnVscapCV)
	}
	if got.AutoRestart {
		t.Errorf("AutoRestart = true, want false")
	}
	// Unrelated fields survive the reload unchanged.
	if got.VinThresholdCV != types.DefaultConfig().VinThresholdCV {
		t.Errorf("VinThresholdCV changed unexpectedly: %d", got.VinThresholdCV)
	}
}

func TestSet_RejectsInvariantViolation(t *testing.T) {
	flash := hal.NewFakeFlash(flashlayout.ConfigLogSize)
	s := New(flash, nil, nil)
	s.Load()

	before := s.Get()
	// power_off >= power_on violates spec.md §3's cross-field invariant.
	if err := s.SetPowerOffVscapCV(before.PowerOnVscapCV); err == nil {
		t.Fatal("expected Validate error, got nil")
	}
	if s.Get() != before {
		t.Fatal("mirror changed despite rejected write")
	}
}

func TestCompaction_SurvivesManyAppends(t *testing.T) {
	flash := hal.NewFakeFlash(flashlayout.ConfigLogSize)
	s := New(flash, nil, nil)
	s.Load()

	// Drive append() directly rather than through Set+Run: each record is 6
	// bytes (2 key/len + 2 payload + 2 crc), so a few thousand of them on a
	// 32 KiB half guarantees at least one compaction, deterministically and
	// without depending on goroutine scheduling.
	const n = 6000
	var lastOffset uint32
	for i := 0; i < n; i++ {
		v := uint16(600 + i%50)
		raw := make([]byte, 2)
		raw[0] = byte(v >> 8)
		raw[1] = byte(v)
		s.append(types.KeyWatchdogTimeoutMs, raw)
		lastOffset = s.offset
	}
	if lastOffset >= halfSize {
		t.Fatalf("offset %d should stay within one half (%d)", lastOffset, halfSize)
	}

	s2 := New(flash, nil, nil)
	s2.Load()
	got := s2.Get().WatchdogTimeoutMs
	want := uint16(600 + (n-1)%50)
	if got != want {
		t.Errorf("WatchdogTimeoutMs after compaction reload = %d, want %d", got, want)
	}
}

func TestLoad_TruncatesAtFirstCorruptRecord(t *testing.T) {
	flash := hal.NewFakeFlash(flashlayout.ConfigLogSize)
	s := New(flash, nil, nil)
	s.Load()
	s.append(types.KeyLedBrightness, []byte{0x50})

	// Corrupt the payload byte of the single appended record in place, so
	// its stored CRC no longer matches.
	raw, err := flash.Read(0, halfSize)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// FakeFlash.Program only ANDs bits, like real NOR flash without an
	// erase first: writing 0x00 is the one value guaranteed to change a
	// non-zero byte without needing to erase the block first.
	payloadAt := uint32(4 + 2) // epoch header + key/len bytes
	if raw[payloadAt] == 0 {
		t.Fatal("test fixture payload byte is already zero, corruption would be a no-op")
	}
	if err := flash.Program(payloadAt, []byte{0x00}); err != nil {
		t.Fatalf("program: %v", err)
	}

	s2 := New(flash, nil, nil)
	s2.Load()
	// The corrupt record never applied, so the mirror holds defaults, not
	// the brightness value we wrote before corrupting it.
	if s2.Get().LedBrightness != types.DefaultConfig().LedBrightness {
		t.Errorf("corrupt record was not dropped: got %#x", s2.Get().LedBrightness)
	}
}

func TestLoad_TotalCorruption_FallsBackAndErases(t *testing.T) {
	flash := hal.NewFakeFlash(flashlayout.ConfigLogSize)
	// Neither half has a valid epoch header: both read back as erased.
	s := New(flash, nil, nil)
	s.Load()

	if s.Get() != types.DefaultConfig() {
		t.Fatalf("expected defaults on totally corrupt log, got %+v", s.Get())
	}
	raw, err := flash.Read(0, 4)
	if err != nil {
		t.Fatalf("read epoch: %v", err)
	}
	if raw[3] != 1 {
		t.Errorf("expected half A epoch == 1 after reset, got %v", raw)
	}
}

func waitForFlush(t *testing.T) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
}
