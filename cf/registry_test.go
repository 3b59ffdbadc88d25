package cf

import (
	"testing"
	"time"

	"github.com/serebryakov7/isobuscore/frame"
	"github.com/serebryakov7/isobuscore/name"
)

func TestCreateInternalRejectsSpecialAddresses(t *testing.T) {
	r := New(0)
	if _, err := r.CreateInternal(name.NAME(1), 0, frame.NullAddress); err != ErrAddressRange {
		t.Fatalf("got %v, want ErrAddressRange", err)
	}
	if _, err := r.CreateInternal(name.NAME(1), 0, frame.Broadcast); err != ErrAddressRange {
		t.Fatalf("got %v, want ErrAddressRange", err)
	}
}

func TestSetAddressDuplicateRejected(t *testing.T) {
	r := New(0)
	h1, err := r.CreateInternal(name.NAME(100), 0, 0x28)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := r.CreateInternal(name.NAME(200), 0, 0x29)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetAddress(h1, 0x28); err != nil {
		t.Fatal(err)
	}
	if err := r.SetAddress(h2, 0x28); err != ErrDuplicate {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
}

func TestLookupByAddressAndName(t *testing.T) {
	r := New(0)
	h, _ := r.CreateInternal(name.NAME(42), 0, 0x10)
	_ = r.SetAddress(h, 0x10)

	got, ok := r.LookupByAddress(0, 0x10)
	if !ok || got != h {
		t.Fatalf("LookupByAddress = (%v, %v), want (%v, true)", got, ok, h)
	}
	got, ok = r.LookupByName(name.NAME(42))
	if !ok || got != h {
		t.Fatalf("LookupByName = (%v, %v), want (%v, true)", got, ok, h)
	}
}

func TestObserveClaimCreatesExternal(t *testing.T) {
	r := New(0)
	h := r.ObserveClaim(0, 0x50, name.NAME(999), 0)
	cf, ok := r.Get(h)
	if !ok || cf.Kind != External || cf.Address != 0x50 {
		t.Fatalf("got %+v, %v", cf, ok)
	}
}

func TestAgeExternalsMarksOffline(t *testing.T) {
	r := New(10 * time.Millisecond)
	h := r.ObserveClaim(0, 0x50, name.NAME(999), 0)
	r.AgeExternals(20 * time.Millisecond)
	cf, _ := r.Get(h)
	if cf.State != Offline {
		t.Fatalf("State = %v, want Offline", cf.State)
	}
}

func TestPartnerFoundAndLost(t *testing.T) {
	r := New(10 * time.Millisecond)
	var events []PartnerEvent
	r.Subscribe(func(e PartnerEvent) { events = append(events, e) })

	fc := uint8(0x81)
	ph := r.PartnerFilter(0, NameFilter{FunctionCode: &fc})

	matching := name.NewBuilder().FunctionCode(0x81).Build()
	r.ObserveClaim(0, 0x33, matching, 0)
	if len(events) != 1 || events[0].Kind != PartnerFound {
		t.Fatalf("events = %+v, want one PartnerFound", events)
	}
	bound, ok := r.Resolve(ph)
	if !ok {
		t.Fatal("Resolve: not bound")
	}
	cf, _ := r.Get(bound)
	if cf.Address != 0x33 {
		t.Fatalf("bound address = 0x%X, want 0x33", cf.Address)
	}

	r.AgeExternals(50 * time.Millisecond)
	if len(events) != 2 || events[1].Kind != PartnerLost {
		t.Fatalf("events = %+v, want PartnerLost second", events)
	}
}

func TestReleaseFreesHandleForAddressReuse(t *testing.T) {
	r := New(0)
	h1, _ := r.CreateInternal(name.NAME(1), 0, 0x10)
	_ = r.SetAddress(h1, 0x10)
	r.Release(h1)

	if _, ok := r.LookupByAddress(0, 0x10); ok {
		t.Fatal("address should be free after release")
	}
	h2, err := r.CreateInternal(name.NAME(2), 0, 0x10)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetAddress(h2, 0x10); err != nil {
		t.Fatal(err)
	}
}
