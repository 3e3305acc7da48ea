// Package flashlayout carries the fixed flash offsets and sizes from
// spec.md §6 that this firmware and the separate bootloader both agree on.
// None of these values are configurable at runtime: changing them requires
// a firmware (and bootloader) release, not a bus write.
package flashlayout

const (
	BootStubOffset = 0x000000
	BootStubSize   = 256

	BootloaderStateOffset = 0x006000
	BootloaderStateSize   = 4 * 1024

	AppImageAOffset = 0x007000
	AppImageASize   = 512 * 1024

	DFUStagingOffset = 0x087000
	DFUStagingSize   = 516 * 1024

	ConfigLogOffset = 0x108000
	ConfigLogSize   = 64 * 1024
)

// HandshakeWord is the magic value the DFU pipeline writes at a fixed offset
// within the bootloader-state region to request an image swap on next boot
// (spec.md §4.6, scenario 4). Per the Open Question in spec.md §9 this value
// is product-specific; this firmware uses the same constant exercised by
// the scenario in spec.md: 0xD0DEFEED.
const HandshakeWord uint32 = 0xD0DEFEED

// HandshakeWordOffset is the byte offset of the handshake word within the
// bootloader-state region (not the chip's absolute address).
const HandshakeWordOffset = 0

// FirmwareConfirmedOffset is the byte offset, within the bootloader-state
// region, of the "image confirmed booted OK" marker written once the
// supervisor has run long enough post-boot to trust the new image (see
// SPEC_FULL.md "Firmware-booted confirmation"). It is distinct from the
// handshake word so a half-written confirm never looks like a pending
// update request.
const FirmwareConfirmedOffset = 8

// FirmwareConfirmedWord marks the current image as known-good.
const FirmwareConfirmedWord uint32 = 0xB00710AD
