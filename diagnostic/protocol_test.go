package diagnostic

import (
	"testing"
	"time"

	"github.com/serebryakov7/isobuscore/cf"
	"github.com/serebryakov7/isobuscore/frame"
	"github.com/serebryakov7/isobuscore/name"
	"github.com/serebryakov7/isobuscore/pgn"
)

func newTestProtocol(t *testing.T) (*Protocol, *[]frame.Message) {
	t.Helper()
	r := cf.New(0)
	n := name.NewBuilder().FunctionCode(0x81).Build()
	h, err := r.CreateInternal(n, 0, 0x28)
	if err != nil {
		t.Fatal(err)
	}
	r.SetClaimState(h, cf.ClaimClaimed)
	var sent []frame.Message
	p := New(r, h, func(m frame.Message) error {
		sent = append(sent, m)
		return nil
	})
	return p, &sent
}

func TestSetActiveAppendsThenIncrements(t *testing.T) {
	p, _ := newTestProtocol(t)
	p.SetActive(500, FMIAboveNormal)
	if len(p.ActiveDTCs()) != 1 || p.ActiveDTCs()[0].OccurrenceCount != 1 {
		t.Fatalf("active = %+v", p.ActiveDTCs())
	}
	p.SetActive(500, FMIAboveNormal)
	if got := p.ActiveDTCs()[0].OccurrenceCount; got != 2 {
		t.Fatalf("OccurrenceCount = %d, want 2", got)
	}
}

func TestOccurrenceCountSaturates(t *testing.T) {
	p, _ := newTestProtocol(t)
	for i := 0; i < 200; i++ {
		p.SetActive(1, FMIAboveNormal)
	}
	if got := p.ActiveDTCs()[0].OccurrenceCount; got != maxOccurrenceCount {
		t.Fatalf("OccurrenceCount = %d, want %d", got, maxOccurrenceCount)
	}
}

func TestClearActiveMovesToPrevious(t *testing.T) {
	p, _ := newTestProtocol(t)
	p.SetActive(500, FMIAboveNormal)
	p.ClearActive(500, FMIAboveNormal)
	if len(p.ActiveDTCs()) != 0 {
		t.Fatal("expected active to be empty")
	}
	if len(p.PreviousDTCs()) != 1 || p.PreviousDTCs()[0].SPN != 500 {
		t.Fatalf("previous = %+v", p.PreviousDTCs())
	}
}

func TestClearAllActiveAndPrevious(t *testing.T) {
	p, _ := newTestProtocol(t)
	p.SetActive(100, FMIVoltageLow)
	p.SetActive(200, FMIVoltageHigh)
	p.ClearAllActive()
	if len(p.ActiveDTCs()) != 0 || len(p.PreviousDTCs()) != 2 {
		t.Fatalf("active=%v previous=%v", p.ActiveDTCs(), p.PreviousDTCs())
	}
	p.ClearPrevious()
	if len(p.PreviousDTCs()) != 0 {
		t.Fatal("expected previous to be empty")
	}
}

func TestDM1BroadcastsWhileActiveAndNotSuspended(t *testing.T) {
	p, sent := newTestProtocol(t)
	p.SetActive(500, FMIAboveNormal)
	if err := p.Update(BroadcastInterval); err != nil {
		t.Fatal(err)
	}
	if len(*sent) != 1 || (*sent)[0].PGN != pgn.DM1 {
		t.Fatalf("sent = %+v, want one DM1", *sent)
	}
	*sent = nil
	if err := p.Update(500 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if len(*sent) != 0 {
		t.Fatal("should not broadcast again before the interval elapses")
	}
}

func TestDM1DoesNotBroadcastWithNoActiveDTCs(t *testing.T) {
	p, sent := newTestProtocol(t)
	if err := p.Update(5 * BroadcastInterval); err != nil {
		t.Fatal(err)
	}
	if len(*sent) != 0 {
		t.Fatal("should not broadcast DM1 with no active DTCs")
	}
}

func TestDM11ClearsBothLists(t *testing.T) {
	p, _ := newTestProtocol(t)
	p.SetActive(1, FMIAboveNormal)
	p.ClearActive(1, FMIAboveNormal)
	p.SetActive(2, FMIBelowNormal)
	p.HandleDM11(frame.Broadcast)
	if len(p.ActiveDTCs()) != 0 || len(p.PreviousDTCs()) != 0 {
		t.Fatal("DM11 should clear both active and previous")
	}
}

func TestDM11IgnoresRequestForOtherAddress(t *testing.T) {
	p, _ := newTestProtocol(t)
	p.SetActive(1, FMIAboveNormal)
	p.HandleDM11(0x99)
	if len(p.ActiveDTCs()) != 1 {
		t.Fatal("DM11 addressed elsewhere must not clear this CF")
	}
}

func TestDM13FiniteSuspendAutoResumes(t *testing.T) {
	p, sent := newTestProtocol(t)
	p.SetActive(1, FMIAboveNormal)
	// byte0: hold=DoNotCare(3) dm1=Suspend(0) dm2=DoNotCare(3) dm3=DoNotCare(3) = 0b11_00_11_11 = 0xCF
	data := []byte{0xCF, 0xFF, 5, 0, 0xFF, 0xFF, 0xFF, 0xFF}
	p.HandleDM13(data, 0x30)
	if !p.IsDM1Suspended() {
		t.Fatal("expected DM1 suspended")
	}
	*sent = nil
	p.Update(4 * time.Second)
	if !p.IsDM1Suspended() {
		t.Fatal("should still be suspended after 4s of a 5s duration")
	}
	if len(*sent) != 0 {
		t.Fatal("must not broadcast while suspended")
	}
	p.Update(1 * time.Second)
	if p.IsDM1Suspended() {
		t.Fatal("should auto-resume once the duration elapses")
	}
}

func TestDM13IndefiniteSuspendNeverAutoResumes(t *testing.T) {
	p, _ := newTestProtocol(t)
	data := []byte{0xCF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	p.HandleDM13(data, 0x30)
	p.Update(time.Hour)
	if !p.IsDM1Suspended() {
		t.Fatal("indefinite suspend must not auto-resume")
	}
}

func TestDM13ResumeClearsSuspendImmediately(t *testing.T) {
	p, _ := newTestProtocol(t)
	p.HandleDM13([]byte{0xCF, 0xFF, 10, 0, 0xFF, 0xFF, 0xFF, 0xFF}, 0x30)
	if !p.IsDM1Suspended() {
		t.Fatal("expected suspended")
	}
	// dm1=Resume(1): bits5-4=01 -> 0b11_01_11_11 = 0xDF
	p.HandleDM13([]byte{0xDF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 0x30)
	if p.IsDM1Suspended() {
		t.Fatal("Resume must clear suspension immediately")
	}
}

func TestDM13DoNotCarePreservesExistingSuspend(t *testing.T) {
	p, _ := newTestProtocol(t)
	p.HandleDM13([]byte{0xCF, 0xFF, 10, 0, 0xFF, 0xFF, 0xFF, 0xFF}, 0x30)
	// All six signals DoNotCare(3): byte0=0xFF byte1=0xFF.
	p.HandleDM13([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 0x30)
	if !p.IsDM1Suspended() {
		t.Fatal("DoNotCare must not disturb an existing suspend")
	}
}

func TestDM13HoldSuspendsBroadcastLayerEvenWithDM1Resumed(t *testing.T) {
	p, sent := newTestProtocol(t)
	p.SetActive(1, FMIAboveNormal)
	// byte0: hold=Suspend(0) dm1=Resume(1) dm2=DoNotCare(3) dm3=DoNotCare(3) = 0b00_01_11_11 = 0x1F
	p.HandleDM13([]byte{0x1F, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 0x30)
	if !p.IsHoldActive() {
		t.Fatal("expected hold active")
	}
	if !p.IsDM1Suspended() {
		t.Fatal("hold must suspend DM1 broadcast even though DM1's own signal is Resume")
	}
	if err := p.Update(10 * BroadcastInterval); err != nil {
		t.Fatal(err)
	}
	if len(*sent) != 0 {
		t.Fatal("must not broadcast DM1 while hold is active")
	}

	// hold=Resume(1): 0b01_01_11_11 = 0x5F
	p.HandleDM13([]byte{0x5F, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 0x30)
	if p.IsHoldActive() || p.IsDM1Suspended() {
		t.Fatal("expected hold resumed and DM1 no longer suspended")
	}
	if err := p.Update(BroadcastInterval); err != nil {
		t.Fatal(err)
	}
	if len(*sent) != 1 || (*sent)[0].PGN != pgn.DM1 {
		t.Fatalf("sent = %+v, want one DM1 once hold releases", *sent)
	}
}

func TestDTCEncodeDecodeRoundTrip(t *testing.T) {
	d := DTC{SPN: 0x7FFFF, FMI: FMI(17), OccurrenceCount: 99}
	b := d.Encode()
	got := DecodeDTC(b[:])
	if got.SPN != d.SPN || got.FMI != d.FMI || got.OccurrenceCount != d.OccurrenceCount {
		t.Fatalf("round trip = %+v, want %+v", got, d)
	}
}

func TestEncodeDecodeDMRoundTrip(t *testing.T) {
	lamps := Lamps{Malfunction: LampOn, AmberWarning: LampOn, MalfunctionFlash: FlashFast}
	dtcs := []DTC{{SPN: 110, FMI: FMIAboveNormal, OccurrenceCount: 5}, {SPN: 94, FMI: FMIBelowNormal, OccurrenceCount: 2}}
	data := EncodeDM(lamps, dtcs)
	gotLamps, gotDTCs := DecodeDM(data)
	if gotLamps != lamps {
		t.Fatalf("lamps = %+v, want %+v", gotLamps, lamps)
	}
	if len(gotDTCs) != 2 || gotDTCs[0].SPN != 110 || gotDTCs[1].SPN != 94 {
		t.Fatalf("dtcs = %+v", gotDTCs)
	}
}
