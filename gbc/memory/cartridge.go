package memory

import (
	"fmt"

	"github.com/dmgo/dmgcore/gbc/bit"
)

const titleLength = 16

const (
	entryPointAddress      = 0x100
	logoAddress            = 0x104
	titleAddress           = 0x134
	cgbFlagAddress         = 0x143
	newLicenseCodeAddress  = 0x144
	sgbFlagAddress         = 0x146
	cartridgeTypeAddress   = 0x147
	romSizeAddress         = 0x148
	ramSizeAddress         = 0x149
	destinationCodeAddress = 0x14A
	oldLicenseCodeAddress  = 0x14B
	versionNumberAddress   = 0x14C
	headerChecksumAddress  = 0x14D
	globalChecksumAddress  = 0x14E
)

// MBCType identifies the memory bank controller family declared in the
// cartridge header, independent of the battery/RTC/rumble extras that ride
// along with some of its variants.
type MBCType uint8

const (
	NoMBCType MBCType = iota
	MBC1Type
	MBC1MultiType
	MBC2Type
	MBC3Type
	MBC5Type
	MBCUnknownType
)

func (t MBCType) String() string {
	switch t {
	case NoMBCType:
		return "NoMBC"
	case MBC1Type:
		return "MBC1"
	case MBC1MultiType:
		return "MBC1 (multicart)"
	case MBC2Type:
		return "MBC2"
	case MBC3Type:
		return "MBC3"
	case MBC5Type:
		return "MBC5"
	default:
		return "unknown"
	}
}

// ErrUnsupportedCartridge is returned when the header's cartridge-type byte
// names a controller family this emulator does not implement (MMM01, HuC1,
// HuC3, MBC6, MBC7, TAMA5, and any reserved/unassigned value).
var ErrUnsupportedCartridge = fmt.Errorf("unsupported cartridge type")

// Cartridge holds the raw ROM image plus the header fields needed to
// construct the right MBC.
type Cartridge struct {
	data []byte

	title          string
	version        uint8
	headerChecksum uint8
	globalChecksum uint16

	mbcType MBCType
	hasBattery bool
	hasRTC     bool
	hasRumble  bool

	romBankCount uint8
	ramBankCount uint8
}

// NewCartridge creates an empty, unbanked cartridge useful only as a
// placeholder for an MMU that has no ROM loaded yet.
func NewCartridge() *Cartridge {
	return &Cartridge{
		data:     make([]byte, 0x10000),
		mbcType: NoMBCType,
	}
}

// NewCartridgeWithData parses a ROM header and classifies its MBC family.
// It returns ErrUnsupportedCartridge if the cartridge-type byte names a
// controller this emulator does not implement.
func NewCartridgeWithData(data []byte) (*Cartridge, error) {
	if len(data) < 0x150 {
		return nil, fmt.Errorf("rom too small to contain a header: %d bytes", len(data))
	}

	romBankCount, err := romBanks(data[romSizeAddress])
	if err != nil {
		return nil, err
	}
	ramBankCount, err := ramBanks(data[ramSizeAddress])
	if err != nil {
		return nil, err
	}

	cartType, hasBattery, hasRTC, hasRumble, err := classifyCartType(data[cartridgeTypeAddress])
	if err != nil {
		return nil, err
	}

	// MBC1 multicart compilations are exactly 1MiB and ship a second,
	// partial Nintendo logo at the start of bank 0x10 - there is no header
	// bit for this, it's a convention the original menu ROMs relied on.
	if cartType == MBC1Type && len(data) == 0x100000 {
		cartType = MBC1MultiType
	}

	cart := &Cartridge{
		data:           make([]byte, len(data)),
		title:          cleanGameboyTitle(data[titleAddress : titleAddress+titleLength]),
		version:        data[versionNumberAddress],
		headerChecksum: data[headerChecksumAddress],
		globalChecksum: bit.Combine(data[globalChecksumAddress], data[globalChecksumAddress+1]),
		mbcType:        cartType,
		hasBattery:     hasBattery,
		hasRTC:         hasRTC,
		hasRumble:      hasRumble,
		romBankCount:   romBankCount,
		ramBankCount:   ramBankCount,
	}

	copy(cart.data, data)

	return cart, nil
}

// Title returns the cleaned-up cartridge title from the header.
func (c *Cartridge) Title() string { return c.title }

// classifyCartType maps the 0x147 cartridge-type byte to an MBC family plus
// its battery/RTC/rumble extras, per the documented header table.
func classifyCartType(raw uint8) (mbcType MBCType, hasBattery, hasRTC, hasRumble bool, err error) {
	switch raw {
	case 0x00, 0x08, 0x09:
		return NoMBCType, raw != 0x00, false, false, nil
	case 0x01, 0x02, 0x03:
		return MBC1Type, raw == 0x03, false, false, nil
	case 0x05, 0x06:
		return MBC2Type, raw == 0x06, false, false, nil
	case 0x0F, 0x10:
		return MBC3Type, true, true, false, nil
	case 0x11, 0x12, 0x13:
		return MBC3Type, raw == 0x13, false, false, nil
	case 0x19, 0x1A, 0x1B:
		return MBC5Type, raw == 0x1B, false, false, nil
	case 0x1C, 0x1D, 0x1E:
		return MBC5Type, raw == 0x1E, false, true, nil
	default:
		// 0x0B-0x0D (MMM01), 0x20 (MBC6), 0x22 (MBC7), 0xFC-0xFF (camera/TAMA5/HuC3/HuC1)
		// are recognized tags with no controller implementation behind them.
		return MBCUnknownType, false, false, false, fmt.Errorf("%w: type 0x%02X", ErrUnsupportedCartridge, raw)
	}
}

func romBanks(raw uint8) (uint8, error) {
	if raw > 0x08 {
		return 0, fmt.Errorf("unrecognized ROM size byte: 0x%02X", raw)
	}
	return 2 << raw, nil
}

func ramBanks(raw uint8) (uint8, error) {
	switch raw {
	case 0x00:
		return 0, nil
	case 0x02:
		return 1, nil
	case 0x03:
		return 4, nil
	case 0x04:
		return 16, nil
	case 0x05:
		return 8, nil
	default:
		return 0, fmt.Errorf("unrecognized RAM size byte: 0x%02X", raw)
	}
}
