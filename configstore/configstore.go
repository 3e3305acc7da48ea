// Package configstore implements the Persistent Configuration Store
// (spec.md §4.4): an append-only, wear-leveled log of configuration records
// over a fixed flash region, with an in-memory mirror the rest of the
// supervisor reads without touching flash at all.
//
// The layout is grounded in the teacher's services/config publisher for the
// "in-memory mirror, retained-topic notification" half of the design, and in
// original_source's sequential_storage-based config_manager.rs for the
// "append-only ping-pong log over a fixed region" half: both halves are of a
// piece with each other, just expressed the way this corpus expresses them
// (channels and a bus topic instead of an executor task and an mpsc queue).
package configstore

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"boatsup/bus"
	"boatsup/flashlayout"
	"boatsup/hal"
	"boatsup/types"
)

// eraseBlock is the granularity compaction reasons about: free space in the
// active half must never drop below one of these before a compaction runs,
// since Erase always operates on whole blocks.
const eraseBlock = 4096

const halfSize = flashlayout.ConfigLogSize / 2

// epoch header: 4 bytes at the start of each half. 0x00000000 (never
// written) and 0xFFFFFFFF (erased) are both invalid; a valid half's epoch is
// >=1 and increments on every compaction so boot can tell which half is
// current after a crash mid-compaction.
const (
	epochInvalidErased = 0xFFFFFFFF
	epochInvalidZero   = 0x00000000
)

// Store is the flash-backed configuration record plus its in-memory mirror.
// Reads never touch flash; writes update the mirror synchronously and queue
// the flash append for a background worker, per spec.md §5's ordering rule
// ("the engine acknowledges only after the mirror is updated; the flash
// append is best-effort and eventually consistent").
type Store struct {
	region hal.FlashRegion
	topics *bus.Bus

	// deferred reports whether flash writes must be held off right now
	// (spec.md §5: DFU staging and config persistence never touch flash at
	// the same time). Injected rather than imported to avoid a dependency
	// cycle between configstore and dfu.
	deferred func() bool

	mu     sync.RWMutex
	cur    types.Config
	active byte // 'A' or 'B'
	offset uint32

	// pending coalesces writes by key: a burst of Sets against the same
	// register only needs its last value to ever reach flash, so the flush
	// worker drains this map instead of a request channel that would either
	// drop bursts or force Set to block on a full queue.
	pendingMu sync.Mutex
	pending   map[ConfigKey][]byte
	wake      chan struct{}
}

// ConfigKey re-exports types.ConfigKey so callers only import one package
// for the common case; kept as a distinct name here because a handful of
// internal keys (none yet) may one day live only in this package.
type ConfigKey = types.ConfigKey

// New creates a Store over region, publishing mirror changes on b under the
// "config" topic family. deferred is polled by the flush worker before every
// flash operation; pass a func that always returns false if nothing else
// touches this flash part.
func New(region hal.FlashRegion, b *bus.Bus, deferred func() bool) *Store {
	if deferred == nil {
		deferred = func() bool { return false }
	}
	s := &Store{
		region:   region,
		topics:   b,
		deferred: deferred,
		pending:  make(map[ConfigKey][]byte),
		wake:     make(chan struct{}, 1),
	}
	return s
}

// Load scans flash at boot, populating the in-memory mirror. It never
// returns an error to the caller: any corruption it can't recover from falls
// back to types.DefaultConfig() and re-initializes the log, per spec.md
// §4.4's Failure Mode.
func (s *Store) Load() {
	epochA := s.readEpoch(0)
	epochB := s.readEpoch(halfSize)

	validA := isValidEpoch(epochA)
	validB := isValidEpoch(epochB)

	var active byte
	switch {
	case validA && validB:
		if epochB > epochA {
			active = 'B'
		} else {
			active = 'A'
		}
	case validA:
		active = 'A'
	case validB:
		active = 'B'
	default:
		s.resetToDefaults()
		return
	}

	base := halfBase(active)
	records, end, ok := s.scan(base)
	if !ok {
		s.resetToDefaults()
		return
	}

	cfg := decode(records)

	s.mu.Lock()
	s.cur = cfg
	s.active = active
	s.offset = end
	s.mu.Unlock()

	s.publishAll()
}

// Get returns a copy of the current mirror. Safe to call from any goroutine.
func (s *Store) Get() types.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Run drains queued flash appends until stop is closed. One instance must
// run for the store's writes to ever reach flash; until it does the mirror
// still reflects every Set immediately.
func (s *Store) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-s.wake:
			s.flushPending(stop)
		}
	}
}

// flushPending drains s.pending until empty, waiting out any span where
// deferred() reports the flash bus is owned by the DFU pipeline. A Set that
// lands in the map while a given key is mid-flush simply overwrites pending
// again and rides the next wake signal.
func (s *Store) flushPending(stop <-chan struct{}) {
	for {
		s.pendingMu.Lock()
		var key ConfigKey
		var raw []byte
		found := false
		for k, v := range s.pending {
			key, raw, found = k, v, true
			break
		}
		if found {
			delete(s.pending, key)
		}
		s.pendingMu.Unlock()
		if !found {
			return
		}

		for s.deferred() {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
		s.append(key, raw)
	}
}

// SetVinCorrectionScale and its siblings below are the typed setters
// busengine calls for bus register writes (spec.md §6, 0x50-0x52 and the
// threshold/timeout registers). Each validates against the candidate
// Config as a whole (spec.md §3's cross-field invariant) before committing
// to the mirror, so a single bad write can never leave the mirror invalid.

func (s *Store) SetVinCorrectionScale(v float32) error { return s.setFloat(types.KeyVinCorrectionScale, v, func(c *types.Config) { c.VinCorrectionScale = v }) }
func (s *Store) SetVscapCorrectionScale(v float32) error {
	return s.setFloat(types.KeyVscapCorrectionScale, v, func(c *types.Config) { c.VscapCorrectionScale = v })
}
func (s *Store) SetIinCorrectionScale(v float32) error {
	return s.setFloat(types.KeyIinCorrectionScale, v, func(c *types.Config) { c.IinCorrectionScale = v })
}

func (s *Store) SetPowerOnVscapCV(v uint16) error {
	return s.setU16(types.KeyPowerOnVscapCV, v, func(c *types.Config) { c.PowerOnVscapCV = v })
}
func (s *Store) SetPowerOffVscapCV(v uint16) error {
	return s.setU16(types.KeyPowerOffVscapCV, v, func(c *types.Config) { c.PowerOffVscapCV = v })
}
func (s *Store) SetWatchdogTimeoutMs(v uint16) error {
	return s.setU16(types.KeyWatchdogTimeoutMs, v, func(c *types.Config) { c.WatchdogTimeoutMs = v })
}

func (s *Store) SetSoloDepletingTimeoutMs(v uint32) error {
	s.mu.Lock()
	cand := s.cur
	cand.SoloDepletingTimeoutMs = v
	if err := cand.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cur = cand
	s.mu.Unlock()
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, v)
	s.enqueue(types.KeySoloDepletingTimeoutMs, raw)
	s.publish("solo_depleting_timeout_ms")
	return nil
}

func (s *Store) SetLedBrightness(v uint8) error {
	s.mu.Lock()
	cand := s.cur
	cand.LedBrightness = v
	if err := cand.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cur = cand
	s.mu.Unlock()
	s.enqueue(types.KeyLedBrightness, []byte{v})
	s.publish("led_brightness")
	return nil
}

func (s *Store) SetAutoRestart(v bool) error {
	s.mu.Lock()
	cand := s.cur
	cand.AutoRestart = v
	if err := cand.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cur = cand
	s.mu.Unlock()
	b := byte(0)
	if v {
		b = 1
	}
	s.enqueue(types.KeyAutoRestart, []byte{b})
	s.publish("auto_restart")
	return nil
}

func (s *Store) setFloat(key types.ConfigKey, v float32, apply func(*types.Config)) error {
	s.mu.Lock()
	cand := s.cur
	apply(&cand)
	if err := cand.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cur = cand
	s.mu.Unlock()
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, math.Float32bits(v))
	s.enqueue(key, raw)
	s.publish("correction_scale")
	return nil
}

func (s *Store) setU16(key types.ConfigKey, v uint16, apply func(*types.Config)) error {
	s.mu.Lock()
	cand := s.cur
	apply(&cand)
	if err := cand.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cur = cand
	s.mu.Unlock()
	raw := make([]byte, 2)
	binary.BigEndian.PutUint16(raw, v)
	s.enqueue(key, raw)
	s.publish("threshold")
	return nil
}

func (s *Store) enqueue(key types.ConfigKey, raw []byte) {
	s.pendingMu.Lock()
	s.pending[key] = raw
	s.pendingMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
		// A wake is already queued; flushPending will see this key's new
		// value the next time it drains the map regardless.
	}
}

func (s *Store) publish(sub string) {
	if s.topics == nil {
		return
	}
	s.topics.Publish(&bus.Message{
		Topic:    bus.Topic{bus.S("config"), bus.S(sub)},
		Payload:  s.Get(),
		Retained: true,
	})
}

func (s *Store) publishAll() {
	if s.topics == nil {
		return
	}
	s.topics.Publish(&bus.Message{
		Topic:    bus.Topic{bus.S("config"), bus.S("loaded")},
		Payload:  s.Get(),
		Retained: true,
	})
}

func (s *Store) readEpoch(base uint32) uint32 {
	raw, err := s.region.Read(base, 4)
	if err != nil {
		return epochInvalidErased
	}
	return binary.BigEndian.Uint32(raw)
}

func isValidEpoch(e uint32) bool {
	return e != epochInvalidErased && e != epochInvalidZero
}

func halfBase(active byte) uint32 {
	if active == 'B' {
		return halfSize
	}
	return 0
}

func otherHalf(active byte) byte {
	if active == 'A' {
		return 'B'
	}
	return 'A'
}

// record is one decoded (key, payload) pair from the log; later entries for
// the same key supersede earlier ones.
type record struct {
	key ConfigKey
	raw []byte
}

// scan walks records starting immediately after base's 4-byte epoch header,
// stopping at the first unwritten slot (0xFF, 0xFF header) or the first
// CRC mismatch — spec.md §4.4: "a CRC mismatch on the last record
// terminates the scan there; the truncated tail is treated as never
// written." It returns every valid record found and the offset (relative to
// base) one past the last valid one, i.e. where the next append should land.
func (s *Store) scan(base uint32) ([]record, uint32, bool) {
	var records []record
	offset := uint32(4)
	for offset+2 <= halfSize {
		hdr, err := s.region.Read(base+offset, 2)
		if err != nil {
			return nil, 0, false
		}
		keyByte, length := hdr[0], hdr[1]
		if keyByte == 0xFF && length == 0xFF {
			break
		}
		recLen := 2 + uint32(length) + 2
		if offset+recLen > halfSize {
			break
		}
		body, err := s.region.Read(base+offset, recLen)
		if err != nil {
			return nil, 0, false
		}
		payload := body[2 : 2+length]
		gotCRC := binary.BigEndian.Uint16(body[2+length:])
		wantCRC := crc16(body[:2+length])
		if gotCRC != wantCRC {
			break
		}
		records = append(records, record{key: types.ConfigKey(keyByte), raw: append([]byte(nil), payload...)})
		offset += recLen
	}
	return records, offset, true
}

// decode folds a record list (in the order the log holds them, oldest
// first) into a Config, starting from defaults so unrepresented or
// unparseable keys don't leave zero values behind.
func decode(records []record) types.Config {
	cfg := types.DefaultConfig()
	for _, r := range records {
		switch r.key {
		case types.KeyVinCorrectionScale:
			if v, ok := asFloat32(r.raw); ok {
				cfg.VinCorrectionScale = v
			}
		case types.KeyVscapCorrectionScale:
			if v, ok := asFloat32(r.raw); ok {
				cfg.VscapCorrectionScale = v
			}
		case types.KeyIinCorrectionScale:
			if v, ok := asFloat32(r.raw); ok {
				cfg.IinCorrectionScale = v
			}
		case types.KeyPowerOnVscapCV:
			if v, ok := asU16(r.raw); ok {
				cfg.PowerOnVscapCV = v
			}
		case types.KeyPowerOffVscapCV:
			if v, ok := asU16(r.raw); ok {
				cfg.PowerOffVscapCV = v
			}
		case types.KeyVinThresholdCV:
			if v, ok := asU16(r.raw); ok {
				cfg.VinThresholdCV = v
			}
		case types.KeyWatchdogTimeoutMs:
			if v, ok := asU16(r.raw); ok {
				cfg.WatchdogTimeoutMs = v
			}
		case types.KeySoloDepletingTimeoutMs:
			if len(r.raw) == 4 {
				cfg.SoloDepletingTimeoutMs = binary.BigEndian.Uint32(r.raw)
			}
		case types.KeyLedBrightness:
			if len(r.raw) == 1 {
				cfg.LedBrightness = r.raw[0]
			}
		case types.KeyAutoRestart:
			if len(r.raw) == 1 {
				cfg.AutoRestart = r.raw[0] != 0
			}
		}
	}
	if cfg.Validate() != nil {
		return types.DefaultConfig()
	}
	return cfg
}

func asFloat32(raw []byte) (float32, bool) {
	if len(raw) != 4 {
		return 0, false
	}
	return math.Float32frombits(binary.BigEndian.Uint32(raw)), true
}

func asU16(raw []byte) (uint16, bool) {
	if len(raw) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(raw), true
}

// resetToDefaults handles total corruption (spec.md §4.4 Failure Mode: both
// halves invalid): the mirror falls back to defaults and half A is
// re-initialized as an empty, freshly-epoched log.
func (s *Store) resetToDefaults() {
	s.mu.Lock()
	s.cur = types.DefaultConfig()
	s.active = 'A'
	s.mu.Unlock()

	_ = s.region.Erase(0, halfSize)
	_ = s.region.Erase(halfSize, halfSize)
	s.writeEpoch('A', 1)

	s.mu.Lock()
	s.offset = 4
	s.mu.Unlock()

	s.publishAll()
}

func (s *Store) writeEpoch(active byte, epoch uint32) {
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, epoch)
	_ = s.region.Program(halfBase(active), raw)
}

// append writes one record into the active half, compacting first if free
// space would drop below one erase block (spec.md §4.4: "wear-leveled via a
// ping-pong pair of regions; compaction runs when free space in the active
// half drops below one erase-block").
func (s *Store) append(key types.ConfigKey, raw []byte) {
	s.mu.Lock()
	active := s.active
	offset := s.offset
	s.mu.Unlock()

	recLen := uint32(2 + len(raw) + 2)
	if halfSize-offset < recLen+eraseBlock {
		s.compact(key, raw)
		return
	}

	rec := encodeRecord(key, raw)
	if err := s.region.Program(halfBase(active)+offset, rec); err != nil {
		return
	}

	s.mu.Lock()
	s.offset = offset + recLen
	s.mu.Unlock()
}

func encodeRecord(key types.ConfigKey, raw []byte) []byte {
	rec := make([]byte, 2+len(raw)+2)
	rec[0] = byte(key)
	rec[1] = byte(len(raw))
	copy(rec[2:], raw)
	crc := crc16(rec[:2+len(raw)])
	binary.BigEndian.PutUint16(rec[2+len(raw):], crc)
	return rec
}

// compact writes the live set (the current mirror, plus the pending write
// that triggered compaction) into the other half as a fresh, densely packed
// log, then erases the old half. Bounding by the mirror rather than
// replaying the old half's record list keeps compaction O(number of keys)
// instead of O(log length).
func (s *Store) compact(latestKey types.ConfigKey, latestRaw []byte) {
	s.mu.Lock()
	cfg := s.cur
	oldActive := s.active
	s.mu.Unlock()

	target := otherHalf(oldActive)
	if err := s.region.Erase(halfBase(target), halfSize); err != nil {
		return
	}

	epoch := s.readEpoch(halfBase(oldActive)) + 1
	s.writeEpoch(target, epoch)

	offset := uint32(4)
	for _, kv := range liveSet(cfg) {
		if kv.key == latestKey {
			continue // superseded below by the value that triggered compaction
		}
		rec := encodeRecord(kv.key, kv.raw)
		if err := s.region.Program(halfBase(target)+offset, rec); err != nil {
			return
		}
		offset += uint32(len(rec))
	}
	rec := encodeRecord(latestKey, latestRaw)
	if err := s.region.Program(halfBase(target)+offset, rec); err != nil {
		return
	}
	offset += uint32(len(rec))

	_ = s.region.Erase(halfBase(oldActive), halfSize)

	s.mu.Lock()
	s.active = target
	s.offset = offset
	s.mu.Unlock()
}

func liveSet(cfg types.Config) []record {
	f32 := func(v float32) []byte {
		raw := make([]byte, 4)
		binary.BigEndian.PutUint32(raw, math.Float32bits(v))
		return raw
	}
	u16 := func(v uint16) []byte {
		raw := make([]byte, 2)
		binary.BigEndian.PutUint16(raw, v)
		return raw
	}
	u32 := func(v uint32) []byte {
		raw := make([]byte, 4)
		binary.BigEndian.PutUint32(raw, v)
		return raw
	}
	autoRestart := byte(0)
	if cfg.AutoRestart {
		autoRestart = 1
	}
	return []record{
		{types.KeyVinCorrectionScale, f32(cfg.VinCorrectionScale)},
		{types.KeyVscapCorrectionScale, f32(cfg.VscapCorrectionScale)},
		{types.KeyIinCorrectionScale, f32(cfg.IinCorrectionScale)},
		{types.KeyPowerOnVscapCV, u16(cfg.PowerOnVscapCV)},
		{types.KeyPowerOffVscapCV, u16(cfg.PowerOffVscapCV)},
		{types.KeyVinThresholdCV, u16(cfg.VinThresholdCV)},
		{types.KeyWatchdogTimeoutMs, u16(cfg.WatchdogTimeoutMs)},
		{types.KeySoloDepletingTimeoutMs, u32(cfg.SoloDepletingTimeoutMs)},
		{types.KeyLedBrightness, []byte{cfg.LedBrightness}},
		{types.KeyAutoRestart, []byte{autoRestart}},
	}
}
