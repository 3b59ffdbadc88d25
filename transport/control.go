package transport

import "github.com/serebryakov7/isobuscore/frame"

// TP.CM / ETP.CM control-byte values (§6).
const (
	cbRTS  = 0x10
	cbCTS  = 0x11
	cbEOMA = 0x13
	cbBAM  = 0x20
	cbAbort = 0xFF

	cbETPRTS  = 0x14
	cbETPCTS  = 0x15
	cbETPDPO  = 0x16
	cbETPEOMA = 0x17
)

func (t *Table) destroy(h int, kind EventKind, reason AbortReason) {
	s := &t.sessions[h]
	// Send-side BAM sessions were never entered into the index (broadcast
	// has no handshake to correlate), so this delete is a harmless no-op
	// for them; receive-side BAM sessions must be removed so a later BAM
	// from the same source is accepted as a new transfer, not rejected as
	// a duplicate of a long-finished one.
	delete(t.index, identity{s.Direction, s.Source, s.Destination})
	cb := s.onComplete
	t.live[h] = false
	t.sessions[h] = Session{}
	t.freeList = append(t.freeList, h)
	t.emit(Event{Handle: h, Kind: kind, Reason: reason})
	if cb != nil {
		if kind == EventAborted {
			cb(AbortError{Reason: reason})
		} else {
			cb(nil)
		}
	}
}

// AbortError is returned/delivered when a transfer aborts; no partial
// payload is ever delivered to the application (§7).
type AbortError struct{ Reason AbortReason }

func (e AbortError) Error() string { return "transport: aborted" }

func (t *Table) sendAbort(isETP bool, p frame.PGN, source, destination frame.Address, priority uint8, reason AbortReason) error {
	data := []byte{cbAbort, byte(reason), 0xFF, 0xFF, 0xFF, byte(p), byte(p >> 8), byte(p >> 16)}
	return t.send(frame.Message{PGN: t.cmPGN(isETP), Source: source, Destination: destination, Priority: priority, Data: data})
}

// Abort cancels an active session explicitly (§5: owning CF may abort at
// any time).
func (t *Table) Abort(h int, reason AbortReason) error {
	if h < 0 || h >= len(t.live) || !t.live[h] {
		return nil
	}
	s := t.sessions[h]
	if err := t.sendAbort(s.IsETP, s.PGN, s.Source, s.Destination, s.Priority, reason); err != nil {
		return err
	}
	t.destroy(h, EventAborted, reason)
	return nil
}

func (t *Table) lookup(dir Direction, source, destination frame.Address) (int, bool) {
	h, ok := t.index[identity{dir, source, destination}]
	return h, ok && t.live[h]
}

// HandleControlFrame processes one received TP.CM or ETP.CM frame.
func (t *Table) HandleControlFrame(isETP bool, data []byte, source, destination frame.Address, priority uint8) error {
	if len(data) < 8 {
		return nil
	}
	cb := data[0]
	switch {
	case cb == cbBAM && !isETP:
		return t.onBAM(data, source, priority)
	case (cb == cbRTS && !isETP) || (cb == cbETPRTS && isETP):
		return t.onRTS(isETP, data, source, destination, priority)
	case (cb == cbCTS && !isETP) || (cb == cbETPCTS && isETP):
		return t.onCTS(isETP, data, source, destination)
	case cb == cbETPDPO && isETP:
		return t.onDPO(data, source, destination)
	case (cb == cbEOMA && !isETP) || (cb == cbETPEOMA && isETP):
		return t.onEOMA(data, source, destination)
	case cb == cbAbort:
		return t.onAbort(isETP, source, destination)
	}
	return nil
}

func (t *Table) onBAM(data []byte, source frame.Address, priority uint8) error {
	id := identity{Receive, source, frame.Broadcast}
	if _, exists := t.index[id]; exists {
		return nil // spec: broadcast sessions are not re-admitted; ignore duplicate BAM
	}
	size := leToInt(data[1:3])
	p := frame.PGN(leToInt(data[5:8]))
	h, ok := t.alloc()
	if !ok {
		return nil // BAM has no handshake to report ResourcesUnavailable through
	}
	s := Session{
		Direction: Receive, State: StateReceivingBAM, PGN: p,
		Source: source, Destination: frame.Broadcast, Priority: priority,
		Buffer: make([]byte, size), TotalBytes: size, IsBroadcast: true,
		totalPackets: totalPackets(size), timer: T1,
	}
	t.sessions[h] = s
	t.live[h] = true
	t.index[id] = h
	return nil
}

func (t *Table) onRTS(isETP bool, data []byte, source, destination frame.Address, priority uint8) error {
	id := identity{Receive, source, destination}
	if _, exists := t.index[id]; exists {
		return t.sendAbort(isETP, frame.PGN(leToInt(data[5:8])), destination, source, priority, AbortAlreadyInSession)
	}
	var size int
	var p frame.PGN
	if isETP {
		size = leToInt(data[1:5])
		p = frame.PGN(leToInt(data[5:8]))
	} else {
		size = leToInt(data[1:3])
		p = frame.PGN(leToInt(data[5:8]))
	}
	h, ok := t.alloc()
	if !ok {
		return t.sendAbort(isETP, p, destination, source, priority, AbortResourcesUnavailable)
	}
	tp := totalPackets(size)
	window := tp
	const maxWindow = 16
	if window > maxWindow {
		window = maxWindow
	}
	s := Session{
		Direction: Receive, State: StateAwaitFirstDT, PGN: p,
		Source: source, Destination: destination, Priority: priority,
		Buffer: make([]byte, size), TotalBytes: size, IsETP: isETP,
		totalPackets: tp, windowStart: 1, windowSize: window, timer: T2,
	}
	t.sessions[h] = s
	t.live[h] = true
	t.index[id] = h
	return t.sendCTS(&t.sessions[h])
}

func (t *Table) sendCTS(s *Session) error {
	data := make([]byte, 8)
	if s.IsETP {
		data[0] = cbETPCTS
		data[1] = byte(s.windowSize)
		copy(data[2:5], le(s.windowStart, 3))
	} else {
		data[0] = cbCTS
		data[1] = byte(s.windowSize)
		data[2] = byte(s.windowStart)
		data[3], data[4] = 0xFF, 0xFF
	}
	copy(data[5:8], le(int(s.PGN), 3))
	return t.send(frame.Message{PGN: t.cmPGN(s.IsETP), Source: s.Destination, Destination: s.Source, Priority: s.Priority, Data: data})
}

func (t *Table) onCTS(isETP bool, data []byte, source, destination frame.Address) error {
	h, ok := t.lookup(Send, destination, source)
	if !ok {
		return nil
	}
	s := &t.sessions[h]
	windowSize := int(data[1])
	var windowStart int
	if isETP {
		windowStart = leToInt(data[2:5])
	} else {
		windowStart = int(data[2])
	}
	if windowSize == 0 {
		// Receiver pauses the transfer (CTS with 0 packets): wait for the
		// next CTS without aborting.
		s.timer = T3
		return nil
	}
	s.windowStart = windowStart
	s.windowSize = windowSize
	s.lastSeq = windowStart - 1
	s.State = StateSendingWindow
	s.gapTimer = 0
	if s.IsETP {
		s.dpoOffset = windowStart - 1
		return t.sendDPO(s)
	}
	return nil
}

func (t *Table) sendDPO(s *Session) error {
	data := make([]byte, 8)
	data[0] = cbETPDPO
	data[1] = byte(s.windowSize)
	copy(data[2:5], le(s.windowStart-1, 3)) // absolute offset of the packet before this window
	copy(data[5:8], le(int(s.PGN), 3))
	return t.send(frame.Message{PGN: t.cmPGN(true), Source: s.Source, Destination: s.Destination, Priority: s.Priority, Data: data})
}

func (t *Table) onDPO(data []byte, source, destination frame.Address) error {
	h, ok := t.lookup(Receive, source, destination)
	if !ok {
		return nil
	}
	s := &t.sessions[h]
	s.dpoOffset = leToInt(data[2:5])
	s.timer = T2
	return nil
}

func (t *Table) onEOMA(data []byte, source, destination frame.Address) error {
	h, ok := t.lookup(Send, destination, source)
	if !ok {
		return nil
	}
	t.destroy(h, EventCompleted, AbortNone)
	return nil
}

func (t *Table) onAbort(isETP bool, source, destination frame.Address) error {
	if h, ok := t.lookup(Send, destination, source); ok {
		t.destroy(h, EventAborted, AbortNone)
		return nil
	}
	if h, ok := t.lookup(Receive, source, destination); ok {
		t.destroy(h, EventAborted, AbortNone)
	}
	return nil
}

// HandleDataFrame processes one received TP.DT or ETP.DT frame.
func (t *Table) HandleDataFrame(isETP bool, data []byte, source, destination frame.Address) error {
	if len(data) < 1 {
		return nil
	}
	seq := int(data[0])
	payload := data[1:]

	var h int
	var ok bool
	if destination == frame.Broadcast {
		h, ok = t.lookup(Receive, source, frame.Broadcast)
	} else {
		h, ok = t.lookup(Receive, source, destination)
	}
	if !ok {
		return nil
	}
	s := &t.sessions[h]

	absSeq := seq
	if s.IsETP {
		absSeq = s.dpoOffset + seq
	}
	expected := s.lastSeq + 1
	if absSeq != expected {
		t.sendAbort(s.IsETP, s.PGN, s.Destination, s.Source, s.Priority, AbortBadSequence)
		t.destroy(h, EventAborted, AbortBadSequence)
		return nil
	}

	offset := (absSeq - 1) * 7
	n := len(payload)
	if offset+n > len(s.Buffer) {
		n = len(s.Buffer) - offset
	}
	if n > 0 {
		copy(s.Buffer[offset:offset+n], payload[:n])
	}
	s.BytesTransferred = offset + n
	if s.BytesTransferred > s.TotalBytes {
		s.BytesTransferred = s.TotalBytes
	}
	s.lastSeq = absSeq

	switch s.State {
	case StateReceivingBAM:
		s.timer = T1
		if absSeq >= s.totalPackets {
			t.deliver(s)
			t.destroy(h, EventCompleted, AbortNone)
		}
	case StateAwaitFirstDT, StateReceivingWindow:
		s.State = StateReceivingWindow
		s.timer = T1
		if absSeq >= s.windowStart+s.windowSize-1 || absSeq >= s.totalPackets {
			if absSeq >= s.totalPackets {
				if err := t.sendEOMA(s); err != nil {
					return err
				}
				t.deliver(s)
				t.destroy(h, EventCompleted, AbortNone)
				return nil
			}
			s.windowStart = absSeq + 1
			remaining := s.totalPackets - absSeq
			s.windowSize = remaining
			const maxWindow = 16
			if s.windowSize > maxWindow {
				s.windowSize = maxWindow
			}
			s.timer = T3
			return t.sendCTS(s)
		}
	}
	return nil
}

func (t *Table) sendEOMA(s *Session) error {
	data := make([]byte, 8)
	data[0] = cbEOMA
	if s.IsETP {
		data[0] = cbETPEOMA
		copy(data[1:5], le(s.TotalBytes, 4))
		copy(data[5:8], le(int(s.PGN), 3))
	} else {
		copy(data[1:3], le(s.TotalBytes, 2))
		data[3] = byte(s.totalPackets)
		data[4] = 0xFF
		copy(data[5:8], le(int(s.PGN), 3))
	}
	return t.send(frame.Message{PGN: t.cmPGN(s.IsETP), Source: s.Destination, Destination: s.Source, Priority: s.Priority, Data: data})
}

func (t *Table) deliver(s *Session) {
	if t.onMessage == nil {
		return
	}
	t.onMessage(frame.Message{
		PGN: s.PGN, Source: s.Source, Destination: s.Destination,
		Priority: s.Priority, Data: s.Buffer,
	})
}
