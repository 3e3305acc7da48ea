// Package types holds the shared data model described by the supervisor's
// register map and power state machine: the telemetry snapshot, the
// persisted configuration record, DFU session state, and the event/state
// vocabulary that flows between components over the bus.
package types

// Snapshot is the single-writer, many-reader telemetry record produced by
// the Input Sampler. Callers must treat a *Snapshot as immutable — the
// sampler always builds a new value and swaps the pointer rather than
// mutating fields in place, so a reader holding a pointer never observes a
// torn update.
type Snapshot struct {
	VinMilliV   int32
	VscapMilliV int32
	IinMilliA   int32

	McuTempCentiC int32
	PcbTempCentiC int32

	CmOn    bool
	Pg5V    bool
	PwrBtn  bool
	UserBtn bool

	TimestampMs int64
}

// Clone returns a shallow copy. Snapshot has no reference fields, so this is
// a full copy; it exists so callers can hold a stable value across several
// checks without re-reading the shared pointer between them.
func (s *Snapshot) Clone() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	return *s
}
