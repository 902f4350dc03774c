package device

import "fmt"

// Family identifies a supported CC13xx/CC26xx device family. The family
// fixes the flash geometry the ROM bootloader enforces on every address.
type Family int

const (
	CC13x0 Family = iota
	CC13x2
	CC26x0
	CC26x2
)

// Flash geometry per family. The x0 and x2 generations each share one layout.
const (
	cc13x0PageSize = 4096
	cc13x0NumPages = 32
	cc13x2PageSize = 8192
	cc13x2NumPages = 44

	// FlashBase is the start of on-chip flash for every supported family.
	FlashBase = 0x00000000
)

// ParseFamily maps a device type string to a Family.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "cc13x0":
		return CC13x0, nil
	case "cc13x2":
		return CC13x2, nil
	case "cc26x0":
		return CC26x0, nil
	case "cc26x2":
		return CC26x2, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadFamily, s)
}

func (f Family) String() string {
	switch f {
	case CC13x0:
		return "cc13x0"
	case CC13x2:
		return "cc13x2"
	case CC26x0:
		return "cc26x0"
	case CC26x2:
		return "cc26x2"
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// PageSize returns the flash erase page size in bytes.
func (f Family) PageSize() uint32 {
	switch f {
	case CC13x0, CC26x0:
		return cc13x0PageSize
	case CC13x2, CC26x2:
		return cc13x2PageSize
	}
	return 0
}

// PageCount returns the number of flash pages.
func (f Family) PageCount() uint32 {
	switch f {
	case CC13x0, CC26x0:
		return cc13x0NumPages
	case CC13x2, CC26x2:
		return cc13x2NumPages
	}
	return 0
}

// FlashSize returns the total flash size in bytes.
func (f Family) FlashSize() uint32 {
	return f.PageSize() * f.PageCount()
}

// AddressInFlash reports whether [start, start+count) lies entirely within
// the device's flash.
func (f Family) AddressInFlash(start, count uint32) bool {
	end := uint64(start) + uint64(count)
	return start >= FlashBase && end <= uint64(FlashBase)+uint64(f.FlashSize())
}
