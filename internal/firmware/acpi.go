// Package firmware decodes the small slice of ACPI tables the core
// consumes directly: the root system description table (RSDP), the MADT
// ("APIC") interrupt-controller table, the FADT ("FACP"), HPET, and MCFG.
// Full ACPI/SMBIOS/ELF parsing is explicitly out of scope (spec §1); this
// package documents and decodes only the records the other components
// read, grounded on gopheros/device/acpi/acpi.go and
// original_source/sources/kernel/src/acpi/acpi.cpp.
package firmware

import (
	"encoding/binary"
	"errors"

	"github.com/coreos-kernel/nucleus/internal/addr"
)

// ErrChecksum indicates a firmware table failed its checksum validation
// (spec §7: InvalidData).
var ErrChecksum = errors.New("firmware: checksum mismatch")

// ErrSignature indicates a firmware table's signature did not match what
// the caller expected (spec §7: InvalidData).
var ErrSignature = errors.New("firmware: signature mismatch")

// RSDPVersion distinguishes the v0 (ACPI 1.0) and v2 (ACPI 2.0+) RSDP
// layouts.
type RSDPVersion int

const (
	RSDPVersion0 RSDPVersion = iota
	RSDPVersion2
)

// RSDP is the parsed root system description pointer.
type RSDP struct {
	Version  RSDPVersion
	RSDTAddr addr.Physical // 32-bit RSDT pointer, always present
	XSDTAddr addr.Physical // 64-bit XSDT pointer, version 2 only
}

const rsdpSignature = "RSD PTR "

// ParseRSDP validates and decodes a raw RSDP table. Version-0 tables are
// 20 bytes and use a single 8-bit checksum over them; version-2+ tables are 36
// bytes and additionally carry an extended checksum over the whole
// structure.
func ParseRSDP(raw []byte) (RSDP, error) {
	if len(raw) < 20 || string(raw[:8]) != rsdpSignature {
		return RSDP{}, ErrSignature
	}
	if sum8(raw[:20]) != 0 {
		return RSDP{}, ErrChecksum
	}
	revision := raw[15]
	rsdt := addr.Physical(binary.LittleEndian.Uint32(raw[16:20]))
	if revision < 2 {
		return RSDP{Version: RSDPVersion0, RSDTAddr: rsdt}, nil
	}
	if len(raw) < 36 {
		return RSDP{}, ErrSignature
	}
	if sum8(raw[:36]) != 0 {
		return RSDP{}, ErrChecksum
	}
	xsdt := addr.Physical(binary.LittleEndian.Uint64(raw[24:32]))
	return RSDP{Version: RSDPVersion2, RSDTAddr: rsdt, XSDTAddr: xsdt}, nil
}

func sum8(b []byte) uint8 {
	var s uint8
	for _, c := range b {
		s += c
	}
	return s
}

// SDTHeader is the common header shared by every ACPI system description
// table.
type SDTHeader struct {
	Signature [4]byte
	Length    uint32
	Revision  uint8
	Checksum  uint8
	OEMID     [6]byte
	OEMTableID [8]byte
}

// ParseSDTHeader validates and decodes the 36-byte common SDT header
// against an expected signature and checksums the full table (header plus
// payload) using Length from the header.
func ParseSDTHeader(raw []byte, wantSignature string) (SDTHeader, error) {
	if len(raw) < 36 {
		return SDTHeader{}, ErrSignature
	}
	var h SDTHeader
	copy(h.Signature[:], raw[0:4])
	if string(h.Signature[:]) != wantSignature {
		return SDTHeader{}, ErrSignature
	}
	h.Length = binary.LittleEndian.Uint32(raw[4:8])
	h.Revision = raw[8]
	h.Checksum = raw[9]
	copy(h.OEMID[:], raw[10:16])
	copy(h.OEMTableID[:], raw[16:24])
	if int(h.Length) > len(raw) {
		return SDTHeader{}, ErrSignature
	}
	if sum8(raw[:h.Length]) != 0 {
		return SDTHeader{}, ErrChecksum
	}
	return h, nil
}

// MADTEntryType identifies one variable-length record within the MADT
// interrupt-controller table.
type MADTEntryType uint8

const (
	MADTLocalAPIC                MADTEntryType = 0
	MADTIOAPIC                   MADTEntryType = 1
	MADTInterruptSourceOverride  MADTEntryType = 2
)

// LocalAPICEntry is a MADT type-0 record.
type LocalAPICEntry struct {
	ACPIProcessorID uint8
	APICID          uint8
	Flags           uint32
}

// IOAPICEntry is a MADT type-1 record.
type IOAPICEntry struct {
	IOAPICID    uint8
	Address     addr.Physical
	GSIBase     uint32
}

// InterruptSourceOverride is a MADT type-2 record remapping a legacy ISA
// IRQ to its real GSI, with corrected polarity/trigger flags.
type InterruptSourceOverride struct {
	Bus       uint8
	Source    uint8
	GSI       uint32
	Polarity  Polarity
	Trigger   Trigger
}

// Polarity is the MPS INTI polarity flag for an interrupt source.
type Polarity int

const (
	PolarityBusDefault Polarity = 0
	PolarityActiveHigh Polarity = 1
	PolarityActiveLow  Polarity = 3
)

// Trigger is the MPS INTI trigger-mode flag for an interrupt source.
type Trigger int

const (
	TriggerBusDefault Trigger = 0
	TriggerEdge       Trigger = 1
	TriggerLevel      Trigger = 3
)

// MADT is the fully decoded interrupt-controller table.
type MADT struct {
	LocalAPICAddr addr.Physical
	Flags         uint32
	LocalAPICs    []LocalAPICEntry
	IOAPICs       []IOAPICEntry
	Overrides     []InterruptSourceOverride
}

// ParseMADT decodes the MADT payload (raw must start at the signature and
// include the full table, Length bytes, as declared in its SDT header).
func ParseMADT(raw []byte) (MADT, error) {
	hdr, err := ParseSDTHeader(raw, "APIC")
	if err != nil {
		return MADT{}, err
	}
	m := MADT{
		LocalAPICAddr: addr.Physical(binary.LittleEndian.Uint32(raw[36:40])),
		Flags:         binary.LittleEndian.Uint32(raw[40:44]),
	}
	off := 44
	end := int(hdr.Length)
	for off+2 <= end {
		entryType := MADTEntryType(raw[off])
		entryLen := int(raw[off+1])
		if entryLen < 2 || off+entryLen > end {
			break
		}
		body := raw[off+2 : off+entryLen]
		switch entryType {
		case MADTLocalAPIC:
			if len(body) >= 4 {
				m.LocalAPICs = append(m.LocalAPICs, LocalAPICEntry{
					ACPIProcessorID: body[0],
					APICID:          body[1],
					Flags:           binary.LittleEndian.Uint32(body[2:6][:4]),
				})
			}
		case MADTIOAPIC:
			if len(body) >= 6 {
				m.IOAPICs = append(m.IOAPICs, IOAPICEntry{
					IOAPICID: body[0],
					Address:  addr.Physical(binary.LittleEndian.Uint32(body[2:6])),
					GSIBase:  binary.LittleEndian.Uint32(body[6:10]),
				})
			}
		case MADTInterruptSourceOverride:
			if len(body) >= 8 {
				flags := binary.LittleEndian.Uint16(body[6:8])
				m.Overrides = append(m.Overrides, InterruptSourceOverride{
					Bus:      body[0],
					Source:   body[1],
					GSI:      binary.LittleEndian.Uint32(body[2:6]),
					Polarity: Polarity(flags & 0x3),
					Trigger:  Trigger((flags >> 2) & 0x3),
				})
			}
		}
		off += entryLen
	}
	return m, nil
}

// FADT is the decoded subset of the Fixed ACPI Description Table
// ("FACP") the core reads.
type FADT struct {
	Century      uint8
	IAPCBootArch uint16
	DSDT         addr.Physical
	X_DSDT       addr.Physical
}

// Has8042 reports whether the FADT's iapc_boot_arch flags indicate a
// legacy 8042 PS/2 controller is present (bit 1).
func (f FADT) Has8042() bool {
	return f.IAPCBootArch&(1<<1) != 0
}

// ParseFADT decodes the fields of the FADT the core needs.
func ParseFADT(raw []byte) (FADT, error) {
	if _, err := ParseSDTHeader(raw, "FACP"); err != nil {
		return FADT{}, err
	}
	if len(raw) < 112 {
		return FADT{}, ErrSignature
	}
	f := FADT{
		DSDT:         addr.Physical(binary.LittleEndian.Uint32(raw[40:44])),
		Century:      raw[108],
		IAPCBootArch: binary.LittleEndian.Uint16(raw[109:111]),
	}
	if len(raw) >= 148 {
		f.X_DSDT = addr.Physical(binary.LittleEndian.Uint64(raw[140:148]))
	}
	return f, nil
}

// HPET is the decoded subset of the High Precision Event Timer table.
type HPET struct {
	BaseAddress    addr.Physical
	MinClockTick   uint16
	CounterSizeCap bool
}

// ParseHPET decodes the HPET table.
func ParseHPET(raw []byte) (HPET, error) {
	if _, err := ParseSDTHeader(raw, "HPET"); err != nil {
		return HPET{}, err
	}
	if len(raw) < 56 {
		return HPET{}, ErrSignature
	}
	return HPET{
		BaseAddress:    addr.Physical(binary.LittleEndian.Uint64(raw[44:52])),
		MinClockTick:   binary.LittleEndian.Uint16(raw[52:54]),
		CounterSizeCap: binary.LittleEndian.Uint32(raw[36:40])&(1<<13) != 0,
	}, nil
}

// MCFGEntry is one PCI memory-mapped configuration space allocation.
type MCFGEntry struct {
	BaseAddress   addr.Physical
	SegmentGroup  uint16
	StartBus, EndBus uint8
}

// ParseMCFG decodes the PCI memory-mapped configuration table.
func ParseMCFG(raw []byte) ([]MCFGEntry, error) {
	hdr, err := ParseSDTHeader(raw, "MCFG")
	if err != nil {
		return nil, err
	}
	var entries []MCFGEntry
	const entrySize = 16
	off := 44
	for off+entrySize <= int(hdr.Length) {
		e := raw[off : off+entrySize]
		entries = append(entries, MCFGEntry{
			BaseAddress:  addr.Physical(binary.LittleEndian.Uint64(e[0:8])),
			SegmentGroup: binary.LittleEndian.Uint16(e[8:10]),
			StartBus:     e[10],
			EndBus:       e[11],
		})
		off += entrySize
	}
	return entries, nil
}
