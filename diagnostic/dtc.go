// Package diagnostic implements the J1939-73 diagnostic messages in scope
// for the core protocol engine: DM1 (active DTCs), DM2 (previous DTCs),
// DM11 (clear all) and DM13 (suspend/resume broadcasts).
package diagnostic

// FMI is the 5-bit Failure Mode Identifier (J1939-73).
type FMI uint8

// A representative subset of the standard FMI codes; the full table is
// reproduced by application codecs, not the core.
const (
	FMIAboveNormal  FMI = 0
	FMIBelowNormal  FMI = 1
	FMIVoltageHigh  FMI = 3
	FMIVoltageLow   FMI = 4
	FMIBadDevice    FMI = 12
	FMINotAvailable FMI = 31
)

const maxOccurrenceCount = 126 // 127 (0x7F) is reserved for "not available"

// DTC identifies a diagnostic trouble code by (SPN, FMI); OccurrenceCount
// accumulates and saturates at maxOccurrenceCount (§4.8).
type DTC struct {
	SPN             uint32 // 19 bits
	FMI             FMI    // 5 bits
	OccurrenceCount uint8  // 7 bits
}

// SameIdentity reports whether d and other refer to the same fault.
func (d DTC) SameIdentity(other DTC) bool {
	return d.SPN == other.SPN && d.FMI == other.FMI
}

// Encode packs d into the 4-byte J1939 DTC record layout (§6): SPN low 8,
// SPN mid 8, (SPN high 3 bits << 5) | FMI, (conversion-method bit << 7) |
// occurrence count. The conversion-method bit is always set to 1 (SAE
// method), matching every example in the field.
func (d DTC) Encode() [4]byte {
	oc := d.OccurrenceCount
	if oc > maxOccurrenceCount {
		oc = maxOccurrenceCount
	}
	var b [4]byte
	b[0] = byte(d.SPN)
	b[1] = byte(d.SPN >> 8)
	b[2] = byte((d.SPN>>16)&0x07)<<5 | byte(d.FMI)&0x1F
	b[3] = 0x80 | (oc & 0x7F)
	return b
}

// DecodeDTC unpacks one 4-byte DTC record.
func DecodeDTC(b []byte) DTC {
	_ = b[3]
	spn := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2]&0xE0)<<11
	return DTC{
		SPN:             spn,
		FMI:             FMI(b[2] & 0x1F),
		OccurrenceCount: b[3] & 0x7F,
	}
}

// LampStatus is a 2-bit MIL-style lamp state (J1939-73 DM1 byte 0/1).
type LampStatus uint8

const (
	LampOff         LampStatus = 0
	LampOn          LampStatus = 1
	LampReserved    LampStatus = 2
	LampNotAvailable LampStatus = 3
)

// LampFlash is a 2-bit flash state, co-located with LampStatus in DM1.
type LampFlash uint8

const (
	FlashSlow        LampFlash = 0
	FlashFast        LampFlash = 1
	FlashReserved    LampFlash = 2
	FlashNotAvailable LampFlash = 3
)

// Lamps is the DM1/DM2 lamp status bitfield (byte 0: four 2-bit status
// fields, byte 1: four 2-bit flash fields).
type Lamps struct {
	Malfunction        LampStatus
	RedStop            LampStatus
	AmberWarning       LampStatus
	EngineProtect      LampStatus
	MalfunctionFlash   LampFlash
	RedStopFlash       LampFlash
	AmberWarningFlash  LampFlash
	EngineProtectFlash LampFlash
}

func (l Lamps) encodeByte0() byte {
	return byte(l.EngineProtect&0x3)<<6 | byte(l.AmberWarning&0x3)<<4 | byte(l.RedStop&0x3)<<2 | byte(l.Malfunction&0x3)
}

func (l Lamps) encodeByte1() byte {
	return byte(l.EngineProtectFlash&0x3)<<6 | byte(l.AmberWarningFlash&0x3)<<4 | byte(l.RedStopFlash&0x3)<<2 | byte(l.MalfunctionFlash&0x3)
}

func decodeLamps(b0, b1 byte) Lamps {
	return Lamps{
		Malfunction:        LampStatus(b0 & 0x3),
		RedStop:            LampStatus((b0 >> 2) & 0x3),
		AmberWarning:       LampStatus((b0 >> 4) & 0x3),
		EngineProtect:      LampStatus((b0 >> 6) & 0x3),
		MalfunctionFlash:   LampFlash(b1 & 0x3),
		RedStopFlash:       LampFlash((b1 >> 2) & 0x3),
		AmberWarningFlash:  LampFlash((b1 >> 4) & 0x3),
		EngineProtectFlash: LampFlash((b1 >> 6) & 0x3),
	}
}

// EncodeDM message (DM1 or DM2 share a wire layout): lamps, then one 4-byte
// record per DTC. An empty list still carries the two lamp bytes, encoded
// from lamps as given.
func EncodeDM(lamps Lamps, dtcs []DTC) []byte {
	out := make([]byte, 2, 2+4*len(dtcs))
	out[0] = lamps.encodeByte0()
	out[1] = lamps.encodeByte1()
	for _, d := range dtcs {
		rec := d.Encode()
		out = append(out, rec[:]...)
	}
	return out
}

// DecodeDM reverses EncodeDM.
func DecodeDM(data []byte) (Lamps, []DTC) {
	if len(data) < 2 {
		return Lamps{}, nil
	}
	lamps := decodeLamps(data[0], data[1])
	body := data[2:]
	n := len(body) / 4
	dtcs := make([]DTC, 0, n)
	for i := 0; i < n; i++ {
		rec := body[i*4 : i*4+4]
		dtcs = append(dtcs, DecodeDTC(rec))
	}
	return lamps, dtcs
}
