package types

import "errors"

// ConfigKey tags a persisted field in the configuration log (configstore).
// It is stored as one byte; the keys in use are 0x01-0x0A below.
type ConfigKey uint8

const (
	KeyVinCorrectionScale     ConfigKey = 0x01
	KeyVscapCorrectionScale   ConfigKey = 0x02
	KeyIinCorrectionScale     ConfigKey = 0x03
	KeyPowerOnVscapCV         ConfigKey = 0x04
	KeyPowerOffVscapCV        ConfigKey = 0x05
	KeyVinThresholdCV         ConfigKey = 0x06
	KeyWatchdogTimeoutMs      ConfigKey = 0x07
	KeySoloDepletingTimeoutMs ConfigKey = 0x08
	KeyLedBrightness          ConfigKey = 0x09
	KeyAutoRestart            ConfigKey = 0x0A
)

// Config is the full persisted configuration record (spec.md §3). Every
// field except VinThresholdCV is mutable at runtime via bus writes;
// VinThresholdCV has no bus register and no setter. Fields are persisted as
// separate log records keyed by ConfigKey.
type Config struct {
	VinCorrectionScale   float32
	VscapCorrectionScale float32
	IinCorrectionScale   float32

	PowerOnVscapCV  uint16
	PowerOffVscapCV uint16
	VinThresholdCV  uint16

	WatchdogTimeoutMs      uint16
	SoloDepletingTimeoutMs uint32

	LedBrightness uint8
	AutoRestart   bool
}

// DefaultConfig returns the factory-default record used on first boot or
// when the persisted log is empty/corrupt beyond recovery.
func DefaultConfig() Config {
	return Config{
		VinCorrectionScale:     1.0,
		VscapCorrectionScale:   1.0,
		IinCorrectionScale:     1.0,
		PowerOnVscapCV:         800,
		PowerOffVscapCV:        550,
		VinThresholdCV:         900,
		WatchdogTimeoutMs:      0,
		SoloDepletingTimeoutMs: 5000,
		LedBrightness:          0x30,
		AutoRestart:            true,
	}
}

// ErrInvalidConfig is returned by Validate when a write would violate one of
// the invariants in spec.md §3.
var ErrInvalidConfig = errors.New("invalid config")

// Validate enforces the cross-field and range invariants from spec.md §3:
// power_off_vscap_cV < power_on_vscap_cV; vin_threshold_cV,
// power_on_vscap_cV and power_off_vscap_cV all non-zero; brightness already
// range-limited by its u8 type.
func (c Config) Validate() error {
	if c.PowerOffVscapCV >= c.PowerOnVscapCV {
		return ErrInvalidConfig
	}
	if c.VinThresholdCV == 0 {
		return ErrInvalidConfig
	}
	if c.PowerOnVscapCV == 0 || c.PowerOffVscapCV == 0 {
		return ErrInvalidConfig
	}
	return nil
}
