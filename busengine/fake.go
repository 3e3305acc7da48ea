package busengine

import "boatsup/types"

// fakeMachine is a minimal StateMachine recording sent events instead of
// running the real dispatch loop.
type fakeMachine struct {
	state types.PowerState
	sent  []types.Event
}

func (m *fakeMachine) State() types.PowerState { return m.state }
func (m *fakeMachine) Send(ev types.Event)     { m.sent = append(m.sent, ev) }

// fakeConfig is a minimal Config backed by a plain value, with no
// persistence or validation, so tests can assert the engine called the
// right setter with the right value.
type fakeConfig struct {
	cfg types.Config
	err error // returned by every setter, for testing error propagation
}

func (c *fakeConfig) Get() types.Config { return c.cfg }

func (c *fakeConfig) SetVinCorrectionScale(v float32) error {
	c.cfg.VinCorrectionScale = v
	return c.err
}
func (c *fakeConfig) SetVscapCorrectionScale(v float32) error {
	c.cfg.VscapCorrectionScale = v
	return c.err
}
func (c *fakeConfig) SetIinCorrectionScale(v float32) error {
	c.cfg.IinCorrectionScale = v
	return c.err
}
func (c *fakeConfig) SetPowerOnVscapCV(v uint16) error {
	c.cfg.PowerOnVscapCV = v
	return c.err
}
func (c *fakeConfig) SetPowerOffVscapCV(v uint16) error {
	c.cfg.PowerOffVscapCV = v
	return c.err
}
func (c *fakeConfig) SetWatchdogTimeoutMs(v uint16) error {
	c.cfg.WatchdogTimeoutMs = v
	return c.err
}
func (c *fakeConfig) SetSoloDepletingTimeoutMs(v uint32) error {
	c.cfg.SoloDepletingTimeoutMs = v
	return c.err
}
func (c *fakeConfig) SetLedBrightness(v uint8) error {
	c.cfg.LedBrightness = v
	return c.err
}
func (c *fakeConfig) SetAutoRestart(v bool) error {
	c.cfg.AutoRestart = v
	return c.err
}

// fakeDFU is a minimal DFU standing in for dfu.Pipeline: it just tracks
// calls and a settable status/progress, not real staging semantics.
type fakeDFU struct {
	status  types.DFUStatus
	kind    types.DFUErrorKind
	written uint16
	total   uint16

	starts  []uint32
	blocks  []fakeBlockCall
	commits int
	aborts  int
}

type fakeBlockCall struct {
	blockNum uint16
	crc      uint32
	data     []byte
}

func (d *fakeDFU) Status() (types.DFUStatus, types.DFUErrorKind) { return d.status, d.kind }
func (d *fakeDFU) Progress() (uint16, uint16)                    { return d.written, d.total }

func (d *fakeDFU) Start(size uint32) error {
	d.starts = append(d.starts, size)
	return nil
}

func (d *fakeDFU) Block(blockNum uint16, wireCRC uint32, data []byte) error {
	d.blocks = append(d.blocks, fakeBlockCall{blockNum, wireCRC, append([]byte(nil), data...)})
	return nil
}

func (d *fakeDFU) Commit() error {
	d.commits++
	return nil
}

func (d *fakeDFU) Abort() {
	d.aborts++
}
