//go:build linux

// Package socketcan adapts a Linux SocketCAN CAN_RAW socket to the link.Link
// interface, decoding and encoding the 29-bit extended identifier ourselves
// (the protocol engine, not the kernel, owns address claim and Transport
// Protocol fragmentation).
package socketcan

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/serebryakov7/isobuscore/frame"
)

// frameSize is sizeof(struct can_frame): 4-byte ID, 1-byte DLC, 3 bytes
// padding, 8 bytes data.
const frameSize = 16

// canEFFFlag marks an extended (29-bit) identifier in the wire ID field;
// every J1939 frame uses one.
const canEFFFlag = 0x80000000

// Adapter is a single CAN_RAW socket bound to one network interface. It
// satisfies link.Link with port always 0 (one adapter == one physical bus).
type Adapter struct {
	fd        int
	ifaceName string

	mu       sync.Mutex
	callback func(frame.Frame)

	stop chan struct{}
}

// Open binds a CAN_RAW socket to ifaceName (e.g. "can0") and starts a
// background reader goroutine delivering frames to whatever callback
// OnFrameReceived has registered so far.
func Open(ifaceName string) (*Adapter, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan: socket: %w", err)
	}
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcan: InterfaceByName %q: %w", ifaceName, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcan: bind %q: %w", ifaceName, err)
	}
	a := &Adapter{fd: fd, ifaceName: ifaceName, stop: make(chan struct{})}
	go a.readLoop()
	return a, nil
}

// Close stops the reader goroutine and releases the socket.
func (a *Adapter) Close() error {
	close(a.stop)
	return unix.Close(a.fd)
}

// SendFrame encodes f as a classic 8-byte CAN frame and writes it to the
// bus. port is ignored; one Adapter always represents port 0.
func (a *Adapter) SendFrame(port int, f frame.Frame) error {
	if len(f.Data) > 8 {
		return fmt.Errorf("socketcan: frame data length %d exceeds 8 bytes, fragment before sending", len(f.Data))
	}
	id := frame.Identifier(f.Priority, f.PGN, f.Source, f.Destination) | canEFFFlag

	buf := make([]byte, frameSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.DLC
	copy(buf[8:], f.Data)

	if _, err := unix.Write(a.fd, buf); err != nil {
		return fmt.Errorf("socketcan: write: %w", err)
	}
	return nil
}

// OnFrameReceived registers the single callback invoked for every frame
// the reader goroutine decodes. port is ignored.
func (a *Adapter) OnFrameReceived(port int, callback func(frame.Frame)) {
	a.mu.Lock()
	a.callback = callback
	a.mu.Unlock()
}

// Bitrate is not discoverable from a CAN_RAW socket; callers needing an
// accurate bus-load percentage should configure busload.Meter with the
// interface's known nominal bitrate directly instead of relying on this.
func (a *Adapter) Bitrate(port int) uint32 { return 250000 }

func (a *Adapter) readLoop() {
	buf := make([]byte, frameSize)
	for {
		select {
		case <-a.stop:
			return
		default:
		}
		n, err := unix.Read(a.fd, buf)
		if err != nil {
			select {
			case <-a.stop:
				return
			default:
				log.Printf("socketcan: read %s: %v", a.ifaceName, err)
				continue
			}
		}
		if n < frameSize {
			continue
		}
		id := binary.LittleEndian.Uint32(buf[0:4])
		if id&canEFFFlag == 0 {
			continue // not an extended frame; not a J1939 frame
		}
		id &^= canEFFFlag
		dlc := buf[4]
		if dlc > 8 {
			dlc = 8
		}
		priority, pgn, source, destination := frame.DecodeIdentifier(id)
		data := make([]byte, dlc)
		copy(data, buf[8:8+dlc])

		a.mu.Lock()
		cb := a.callback
		a.mu.Unlock()
		if cb != nil {
			cb(frame.Frame{Priority: priority, PGN: pgn, Source: source, Destination: destination, DLC: dlc, Data: data})
		}
	}
}
