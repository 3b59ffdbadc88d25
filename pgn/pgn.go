// Package pgn collects the well-known Parameter Group Numbers the core
// protocol engine itself must recognize (address claim, transport protocol,
// diagnostics). Application-level PGNs belong to the application codecs
// that consume the core's dispatch API, not here.
package pgn

import "github.com/serebryakov7/isobuscore/frame"

const (
	Request             frame.PGN = 0x00EA00 // PGN 59904: Request
	AddressClaimed      frame.PGN = 0x00EE00 // PGN 60928: Address Claimed / Cannot Claim
	TPConnectionMgmt    frame.PGN = 0x00EC00 // PGN 60416: TP.CM
	TPDataTransfer      frame.PGN = 0x00EB00 // PGN 60160: TP.DT
	ETPConnectionMgmt   frame.PGN = 0x00CA00 // PGN 51712: ETP.CM (RTS/CTS/DPO/EOMA/Abort; see DESIGN.md)
	ETPDataTransfer     frame.PGN = 0x00C900 // PGN 51456: ETP.DT (see DESIGN.md)
	DM1                 frame.PGN = 0x00FECA // PGN 65226: Active DTCs
	DM2                 frame.PGN = 0x00FECB // PGN 65227: Previously Active DTCs
	DM11                frame.PGN = 0x00FED3 // PGN 65235: Diagnostic Data Clear/Reset
	DM13                frame.PGN = 0x00E000 // PGN 57344: Stop Start Broadcast
)

// IsTransportControl reports whether p is one of the TP/ETP PGNs the
// Network Manager must route to the Transport Protocol instead of
// dispatching directly.
func IsTransportControl(p frame.PGN) bool {
	switch p {
	case TPConnectionMgmt, TPDataTransfer, ETPConnectionMgmt, ETPDataTransfer:
		return true
	default:
		return false
	}
}
