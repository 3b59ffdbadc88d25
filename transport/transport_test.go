package transport

import (
	"testing"
	"time"

	"github.com/serebryakov7/isobuscore/frame"
	"github.com/serebryakov7/isobuscore/pgn"
)

// buildPair wires two Tables together by feeding every frame one side sends
// into the other side's HandleControlFrame/HandleDataFrame, mimicking what
// the Network Manager's dispatch path does in production.
func buildPair(t *testing.T) (a, b *Table, delivered *[]frame.Message) {
	t.Helper()
	var aTbl, bTbl *Table
	delivered = &[]frame.Message{}
	aTbl = NewTable(0, func(m frame.Message) error {
		switch m.PGN {
		case pgn.TPConnectionMgmt:
			return bTbl.HandleControlFrame(false, m.Data, m.Source, m.Destination, m.Priority)
		case pgn.ETPConnectionMgmt:
			return bTbl.HandleControlFrame(true, m.Data, m.Source, m.Destination, m.Priority)
		case pgn.TPDataTransfer:
			return bTbl.HandleDataFrame(false, m.Data, m.Source, m.Destination)
		case pgn.ETPDataTransfer:
			return bTbl.HandleDataFrame(true, m.Data, m.Source, m.Destination)
		}
		return nil
	}, nil)
	bTbl = NewTable(0, func(m frame.Message) error {
		switch m.PGN {
		case pgn.TPConnectionMgmt:
			return aTbl.HandleControlFrame(false, m.Data, m.Source, m.Destination, m.Priority)
		case pgn.ETPConnectionMgmt:
			return aTbl.HandleControlFrame(true, m.Data, m.Source, m.Destination, m.Priority)
		case pgn.TPDataTransfer:
			return aTbl.HandleDataFrame(false, m.Data, m.Source, m.Destination)
		case pgn.ETPDataTransfer:
			return aTbl.HandleDataFrame(true, m.Data, m.Source, m.Destination)
		}
		return nil
	}, func(m frame.Message) {
		*delivered = append(*delivered, m)
	})
	return aTbl, bTbl, delivered
}

func TestBAMBroadcastReassembly(t *testing.T) {
	a, b, delivered := buildPair(t)
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	h, err := a.RequestSend(0xEF00, payload, 0x25, frame.Broadcast, 6, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10 && a.live[h]; i++ {
		a.Update(bamInterPacketGap)
		b.Update(bamInterPacketGap)
	}
	if len(*delivered) != 1 {
		t.Fatalf("delivered = %d messages, want 1", len(*delivered))
	}
	got := (*delivered)[0]
	if got.PGN != 0xEF00 || got.Source != 0x25 {
		t.Fatalf("got PGN=0x%X source=0x%X", got.PGN, got.Source)
	}
	if len(got.Data) != 20 {
		t.Fatalf("len(Data) = %d, want 20", len(got.Data))
	}
	for i, want := range payload {
		if got.Data[i] != want {
			t.Fatalf("byte %d = %d, want %d", i, got.Data[i], want)
		}
	}
}

func TestCMDTWindowedTransfer(t *testing.T) {
	a, b, delivered := buildPair(t)
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	var completed bool
	h, err := a.RequestSend(0xEC00, payload, 0x25, 0x42, 6, func(err error) {
		completed = err == nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200 && a.live[h]; i++ {
		a.Update(bamInterPacketGap)
		b.Update(bamInterPacketGap)
	}
	if !completed {
		t.Fatal("send session never completed")
	}
	if len(*delivered) != 1 {
		t.Fatalf("delivered = %d messages, want 1", len(*delivered))
	}
	got := (*delivered)[0]
	if len(got.Data) != 100 {
		t.Fatalf("len(Data) = %d, want 100", len(got.Data))
	}
	for i, want := range payload {
		if got.Data[i] != want {
			t.Fatalf("byte %d = %d, want %d", i, got.Data[i], want)
		}
	}
}

func TestETPTransferAboveTPLimit(t *testing.T) {
	a, b, delivered := buildPair(t)
	payload := make([]byte, maxTPBytes+50)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	h, err := a.RequestSend(0xCF00, payload, 0x25, 0x42, 7, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 400 && a.live[h]; i++ {
		a.Update(bamInterPacketGap)
		b.Update(bamInterPacketGap)
	}
	if len(*delivered) != 1 {
		t.Fatalf("delivered = %d messages, want 1", len(*delivered))
	}
	if len((*delivered)[0].Data) != len(payload) {
		t.Fatalf("len(Data) = %d, want %d", len((*delivered)[0].Data), len(payload))
	}
}

func TestRequestSendRejectsETPBroadcast(t *testing.T) {
	a, _, _ := buildPair(t)
	_, err := a.RequestSend(0xCF00, make([]byte, maxTPBytes+1), 0x25, frame.Broadcast, 6, nil)
	if err != ErrInvalidMessage {
		t.Fatalf("err = %v, want ErrInvalidMessage", err)
	}
}

func TestRequestSendRejectsDuplicateSession(t *testing.T) {
	a, _, _ := buildPair(t)
	if _, err := a.RequestSend(0xEC00, make([]byte, 20), 0x25, 0x42, 6, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := a.RequestSend(0xEC00, make([]byte, 20), 0x25, 0x42, 6, nil); err != ErrAlreadyInSession {
		t.Fatalf("err = %v, want ErrAlreadyInSession", err)
	}
}

func TestReceiverTimesOutWithoutFurtherData(t *testing.T) {
	a, b, _ := buildPair(t)
	payload := make([]byte, 100)
	var aborted bool
	a.Subscribe(func(ev Event) {
		if ev.Kind == EventAborted {
			aborted = true
		}
	})
	_ = b
	h, err := a.RequestSend(0xEC00, payload, 0x25, 0x42, 6, nil)
	if err != nil {
		t.Fatal(err)
	}
	// First round-trip lets the CTS handshake and one DT happen, then
	// silence the link so b's receive timer expires without us ever
	// completing.
	a.Update(bamInterPacketGap)
	b.Update(bamInterPacketGap)
	for i := 0; i < 20; i++ {
		b.Update(T1)
	}
	// The Abort b sends on timeout also ends a's send side, but the point
	// under test is that a receiving session times out and is reclaimed;
	// verify via b having no live sessions left.
	anyLive := false
	for _, l := range b.live {
		if l {
			anyLive = true
		}
	}
	if anyLive {
		t.Fatal("expected b's stalled receive session to time out and be released")
	}
	if h < 0 {
		t.Fatal("unreachable")
	}
	_ = aborted
}

func TestTotalPacketsRounding(t *testing.T) {
	cases := []struct{ bytes, want int }{
		{1, 1}, {7, 1}, {8, 2}, {20, 3}, {100, 15},
	}
	for _, c := range cases {
		if got := totalPackets(c.bytes); got != c.want {
			t.Errorf("totalPackets(%d) = %d, want %d", c.bytes, got, c.want)
		}
	}
}

func TestLittleEndianPackRoundTrip(t *testing.T) {
	for _, v := range []int{0, 1, 255, 256, 65535, 1 << 20} {
		b := le(v, 4)
		if got := leToInt(b); got != v {
			t.Errorf("leToInt(le(%d, 4)) = %d", v, got)
		}
	}
}

var _ = time.Millisecond // keep time import honest if cases above change
