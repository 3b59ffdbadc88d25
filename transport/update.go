package transport

import (
	"time"

	"github.com/serebryakov7/isobuscore/frame"
)

// Update drives every live session's timers by dt: BAM/CMDT pacing on the
// send side, and the T1, T2 and T3 timeouts. Call once per Network
// Manager tick (§4.7).
func (t *Table) Update(dt time.Duration) {
	for h := range t.sessions {
		if !t.live[h] {
			continue
		}
		s := &t.sessions[h]
		switch s.State {
		case StateBAMSending:
			t.pumpBAM(h, s, dt)
		case StateSendingWindow:
			t.pumpWindow(h, s, dt)
		case StateAwaitCTS, StateAwaitCTSOrEOMA:
			t.countDown(h, s, dt, AbortTimeout)
		case StateReceivingBAM, StateAwaitFirstDT, StateReceivingWindow:
			t.countDown(h, s, dt, AbortTimeout)
		}
	}
}

func (t *Table) countDown(h int, s *Session, dt time.Duration, reason AbortReason) {
	if s.timer <= 0 {
		return
	}
	s.timer -= dt
	if s.timer > 0 {
		return
	}
	if s.Direction == Send {
		t.sendAbort(s.IsETP, s.PGN, s.Source, s.Destination, s.Priority, reason)
	} else {
		t.sendAbort(s.IsETP, s.PGN, s.Destination, s.Source, s.Priority, reason)
	}
	t.destroy(h, EventAborted, reason)
}

// pumpBAM emits one BAM data packet every bamInterPacketGap until the whole
// buffer has gone out, then completes the session directly: TP.BAM has no
// EOMA handshake (§4.6).
func (t *Table) pumpBAM(h int, s *Session, dt time.Duration) {
	s.gapTimer -= dt
	if s.gapTimer > 0 {
		return
	}
	s.gapTimer = bamInterPacketGap
	seq := s.lastSeq + 1
	if err := t.sendDT(s, seq); err != nil {
		t.destroy(h, EventAborted, AbortConnectionModeError)
		return
	}
	s.lastSeq = seq
	s.BytesTransferred = minInt(seq*7, s.TotalBytes)
	if seq >= s.totalPackets {
		t.destroy(h, EventCompleted, AbortNone)
	}
}

// pumpWindow emits the session's current CTS-granted window one packet at a
// time, then waits for the next CTS or EOMA.
func (t *Table) pumpWindow(h int, s *Session, dt time.Duration) {
	s.gapTimer -= dt
	if s.gapTimer > 0 {
		return
	}
	s.gapTimer = bamInterPacketGap
	seq := s.lastSeq + 1
	if err := t.sendDT(s, seq); err != nil {
		t.destroy(h, EventAborted, AbortConnectionModeError)
		return
	}
	s.lastSeq = seq
	s.BytesTransferred = minInt(seq*7, s.TotalBytes)
	if seq >= s.windowStart+s.windowSize-1 || seq >= s.totalPackets {
		s.State = StateAwaitCTSOrEOMA
		s.timer = T3
	}
}

func (t *Table) sendDT(s *Session, seq int) error {
	offset := (seq - 1) * 7
	data := make([]byte, 8)
	wireSeq := seq
	if s.IsETP {
		wireSeq = seq - s.dpoOffset
	}
	data[0] = byte(wireSeq)
	n := copy(data[1:], s.Buffer[offset:])
	for i := 1 + n; i < 8; i++ {
		data[i] = 0xFF
	}
	return t.send(frame.Message{
		PGN: t.dtPGN(s.IsETP), Source: s.Source, Destination: s.Destination,
		Priority: s.Priority, Data: data,
	})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
