// Package transport implements the J1939-21 Transport Protocol (TP.BAM and
// TP.CMDT) and Extended Transport Protocol (ETP) in one shared session
// table (§4.6).
package transport

import (
	"errors"
	"time"

	"github.com/serebryakov7/isobuscore/frame"
	"github.com/serebryakov7/isobuscore/pgn"
)

// Direction of a session relative to this node.
type Direction int

const (
	Send Direction = iota
	Receive
)

// State is a session's position in the TP/ETP state machine.
type State int

const (
	StateIdle State = iota
	StateAwaitCTS
	StateSendingWindow
	StateAwaitCTSOrEOMA
	StateBAMSending
	StateReceivingBAM
	StateAwaitFirstDT
	StateReceivingWindow
	StateDone
	StateAborted
)

// AbortReason mirrors the wire-level J1939-21 abort reason codes (§4.6).
type AbortReason uint8

const (
	AbortNone                   AbortReason = 0
	AbortResourcesUnavailable   AbortReason = 2
	AbortTimeout                AbortReason = 3
	AbortBadSequence            AbortReason = 4
	AbortDuplicateSequence      AbortReason = 5
	AbortUnexpectedDataSize     AbortReason = 6
	AbortMaxRetransmitsExceeded AbortReason = 7
	AbortUnexpectedPGN          AbortReason = 8
	AbortAlreadyInSession       AbortReason = 9
	AbortConnectionModeError    AbortReason = 250
)

// Errors returned by Table operations (§7).
var (
	ErrSessionLimit     = errors.New("transport: session table full")
	ErrAlreadyInSession = errors.New("transport: a session with this identity is already active")
	ErrInvalidMessage   = errors.New("transport: payload size out of range for the selected protocol")
)

const (
	// Timer durations from ISO 11783-3 / J1939-21 (§4.6).
	T1 = 750 * time.Millisecond
	T2 = 1250 * time.Millisecond
	T3 = 1250 * time.Millisecond
	T4 = 1050 * time.Millisecond
	Th = 500 * time.Millisecond

	bamInterPacketGap = 50 * time.Millisecond

	maxTPBytes  = 1785
	minTPBytes  = 9
	maxETPBytes = frame.MaxETPPayload

	defaultCapacity = 32
)

// Session is one multi-frame transfer in progress.
type Session struct {
	Direction        Direction
	State            State
	PGN              frame.PGN
	Source           frame.Address
	Destination      frame.Address
	Priority         uint8
	Buffer           []byte
	TotalBytes       int
	BytesTransferred int
	IsETP            bool
	IsBroadcast      bool

	totalPackets    int
	lastSeq         int // last DT sequence number processed/sent (1-based)
	windowStart     int
	windowSize      int
	maxPerCTS       int
	dpoOffset       int
	timer           time.Duration
	gapTimer        time.Duration
	retryCount      int
	onComplete      func(error)
	dataFromSender  bool // for completeness only
}

// BytesRemaining returns TotalBytes - BytesTransferred.
func (s *Session) BytesRemaining() int { return s.TotalBytes - s.BytesTransferred }

type identity struct {
	direction   Direction
	source      frame.Address
	destination frame.Address
}

// Event reports a session lifecycle occurrence to a passive observer
// (diagnostics, tests), mirroring the return of the originating send/receive
// call, per §7.
type EventKind int

const (
	EventAborted EventKind = iota
	EventCompleted
)

type Event struct {
	Handle int
	Kind   EventKind
	Reason AbortReason
}

type EventListener func(Event)

// Sender transmits an outgoing frame-sized message (PGN, up to 8 data
// bytes, source/destination/priority) through the Network Manager's egress
// seam.
type Sender func(msg frame.Message) error

// MessageHandler delivers a fully reassembled Message to the caller, e.g.
// the Network Manager's dispatch path.
type MessageHandler func(msg frame.Message)

// Table is the fixed-capacity session table (§4.6, §9: "fixed-capacity
// array with in-place state machines; index is the session handle").
type Table struct {
	sessions  []Session
	live      []bool
	freeList  []int
	index     map[identity]int
	send      Sender
	onMessage MessageHandler
	listeners []EventListener
}

// NewTable returns a Table with the given capacity (0 selects the spec
// default of 32).
func NewTable(capacity int, send Sender, onMessage MessageHandler) *Table {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Table{
		sessions:  make([]Session, capacity),
		live:      make([]bool, capacity),
		index:     make(map[identity]int),
		send:      send,
		onMessage: onMessage,
	}
}

// Subscribe registers a listener for session lifecycle events.
func (t *Table) Subscribe(l EventListener) { t.listeners = append(t.listeners, l) }

func (t *Table) emit(ev Event) {
	for _, l := range t.listeners {
		l(ev)
	}
}

func (t *Table) alloc() (int, bool) {
	if n := len(t.freeList); n > 0 {
		h := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		return h, true
	}
	for i, l := range t.live {
		if !l {
			return i, true
		}
	}
	return 0, false
}

func totalPackets(totalBytes int) int {
	return (totalBytes + 6) / 7
}

// RequestSend begins sending data as either TP.BAM (destination ==
// Broadcast), TP.CMDT, or ETP.CMDT (when len(data) > 1785), depending on
// size and destination. onComplete, if non-nil, fires once on completion or
// abort.
func (t *Table) RequestSend(p frame.PGN, data []byte, source, destination frame.Address, priority uint8, onComplete func(error)) (int, error) {
	size := len(data)
	broadcast := destination == frame.Broadcast
	isETP := size > maxTPBytes
	if isETP && broadcast {
		return 0, ErrInvalidMessage // ETP is peer-to-peer only
	}
	if size < minTPBytes {
		return 0, ErrInvalidMessage
	}
	if isETP {
		if size > maxETPBytes {
			return 0, ErrInvalidMessage
		}
	} else if size > maxTPBytes {
		return 0, ErrInvalidMessage
	}

	id := identity{Send, source, destination}
	if !broadcast {
		if _, exists := t.index[id]; exists {
			return 0, ErrAlreadyInSession
		}
	}
	h, ok := t.alloc()
	if !ok {
		return 0, ErrSessionLimit
	}

	buf := make([]byte, size)
	copy(buf, data)
	s := Session{
		Direction:   Send,
		PGN:         p,
		Source:      source,
		Destination: destination,
		Priority:    priority,
		Buffer:      buf,
		TotalBytes:  size,
		IsETP:       isETP,
		IsBroadcast: broadcast,
		totalPackets: totalPackets(size),
		onComplete:  onComplete,
	}

	if broadcast {
		s.State = StateBAMSending
	} else {
		s.State = StateAwaitCTS
		s.timer = T3
		t.index[id] = h
	}
	t.sessions[h] = s
	t.live[h] = true
	if err := t.sendBAMOrRTS(&t.sessions[h], broadcast); err != nil {
		delete(t.index, id)
		t.live[h] = false
		t.sessions[h] = Session{}
		t.freeList = append(t.freeList, h)
		return 0, err
	}
	return h, nil
}

func (t *Table) cmPGN(isETP bool) frame.PGN {
	if isETP {
		return pgn.ETPConnectionMgmt
	}
	return pgn.TPConnectionMgmt
}

func (t *Table) dtPGN(isETP bool) frame.PGN {
	if isETP {
		return pgn.ETPDataTransfer
	}
	return pgn.TPDataTransfer
}

func le(v int, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

func leToInt(b []byte) int {
	v := 0
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | int(b[i])
	}
	return v
}

func (t *Table) sendBAMOrRTS(s *Session, bam bool) error {
	data := make([]byte, 8)
	if bam {
		data[0] = 0x20
	} else if s.IsETP {
		data[0] = 0x14
	} else {
		data[0] = 0x10
	}
	if s.IsETP {
		copy(data[1:5], le(s.TotalBytes, 4))
		copy(data[5:8], le(int(s.PGN), 3))
	} else {
		copy(data[1:3], le(s.TotalBytes, 2))
		data[3] = byte(s.totalPackets)
		if bam {
			data[4] = 0xFF
		} else {
			data[4] = 0xFF // max packets per CTS: unlimited
		}
		copy(data[5:8], le(int(s.PGN), 3))
	}
	return t.send(frame.Message{
		PGN: t.cmPGN(s.IsETP), Source: s.Source, Destination: s.Destination,
		Priority: s.Priority, Data: data,
	})
}
