// Package link defines the boundary the core protocol engine consumes to
// reach an actual CAN bus (§6). Everything above this interface is
// platform-independent; everything implementing it is not.
package link

import "github.com/serebryakov7/isobuscore/frame"

// Link is the contract a Network Manager needs from a transport: send one
// already-framed CAN payload, learn about frames as they arrive, and
// report the configured bitrate (needed by the bus-load meter).
type Link interface {
	SendFrame(port int, f frame.Frame) error
	OnFrameReceived(port int, callback func(frame.Frame))
	Bitrate(port int) uint32
}
