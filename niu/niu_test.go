package niu

import (
	"testing"
	"time"

	"github.com/serebryakov7/isobuscore/frame"
	"github.com/serebryakov7/isobuscore/name"
)

// fakeLink is an in-memory link.Link: SendFrame records the frame and the
// port it went out on; deliver simulates an inbound frame on a port.
type fakeLink struct {
	Sent      []frame.Frame
	callbacks map[int]func(frame.Frame)
}

func newFakeLink() *fakeLink { return &fakeLink{callbacks: make(map[int]func(frame.Frame))} }

func (l *fakeLink) SendFrame(port int, f frame.Frame) error {
	l.Sent = append(l.Sent, f)
	return nil
}

func (l *fakeLink) OnFrameReceived(port int, cb func(frame.Frame)) { l.callbacks[port] = cb }

func (l *fakeLink) Bitrate(port int) uint32 { return 250000 }

func (l *fakeLink) deliver(port int, f frame.Frame) {
	if cb, ok := l.callbacks[port]; ok {
		cb(f)
	}
}

func TestRepeaterForwardsBothWays(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	n := NewRepeater(tractorLink, 0, implementLink, 0)

	tractorLink.deliver(0, frame.Frame{PGN: 0x00FEF5, Source: 0x10, Destination: frame.Broadcast, DLC: 1, Data: []byte{1}})
	if len(implementLink.Sent) != 1 {
		t.Fatalf("implement side got %d frames, want 1", len(implementLink.Sent))
	}

	implementLink.deliver(0, frame.Frame{PGN: 0x00FEF5, Source: 0x20, Destination: frame.Broadcast, DLC: 1, Data: []byte{2}})
	if len(tractorLink.Sent) != 1 {
		t.Fatalf("tractor side got %d frames, want 1", len(tractorLink.Sent))
	}
	if n.Forwarded() != 2 {
		t.Fatalf("Forwarded() = %d, want 2", n.Forwarded())
	}
}

func TestRepeaterBlockPGN(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	n := NewRepeater(tractorLink, 0, implementLink, 0)
	n.BlockPGN(0x00FEF5)

	tractorLink.deliver(0, frame.Frame{PGN: 0x00FEF5, Source: 0x10, Destination: frame.Broadcast, DLC: 1, Data: []byte{1}})
	if len(implementLink.Sent) != 0 {
		t.Fatal("expected the blocked PGN not to cross")
	}
	if n.Blocked() != 1 {
		t.Fatalf("Blocked() = %d, want 1", n.Blocked())
	}
}

func TestRepeaterDefaultModeBlockAll(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	n := NewRepeater(tractorLink, 0, implementLink, 0)
	n.SetDefaultMode(Block)
	n.Filters().Add(FilterEntry{Verdict: Allow, Predicate: BlockPGN(0x00FEF5), Direction: Both})

	tractorLink.deliver(0, frame.Frame{PGN: 0x00FEF5, Source: 0x10, Destination: frame.Broadcast, DLC: 1, Data: []byte{1}})
	tractorLink.deliver(0, frame.Frame{PGN: 0x00FEE0, Source: 0x10, Destination: frame.Broadcast, DLC: 1, Data: []byte{1}})
	if len(implementLink.Sent) != 1 {
		t.Fatalf("implement side got %d frames, want 1 (only the allow-listed PGN)", len(implementLink.Sent))
	}
}

func TestRepeaterRateLimit(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	n := NewRepeater(tractorLink, 0, implementLink, 0)
	n.Filters().Add(FilterEntry{Verdict: Allow, Predicate: BlockPGN(0x00FEF5), Direction: Both, RateLimit: time.Second})

	f := frame.Frame{PGN: 0x00FEF5, Source: 0x10, Destination: frame.Broadcast, DLC: 1, Data: []byte{1}}
	tractorLink.deliver(0, f)
	tractorLink.deliver(0, f)
	if len(implementLink.Sent) != 1 {
		t.Fatalf("got %d forwarded within the rate-limit window, want 1", len(implementLink.Sent))
	}

	n.Update(time.Second)
	tractorLink.deliver(0, f)
	if len(implementLink.Sent) != 2 {
		t.Fatalf("got %d forwarded after the rate-limit window, want 2", len(implementLink.Sent))
	}
}

func TestBridgeFloodsUnknownDestination(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	NewBridge(tractorLink, 0, implementLink, 0)

	tractorLink.deliver(0, frame.Frame{PGN: 0x00EC00, Source: 0x10, Destination: 0x42, DLC: 1, Data: []byte{1}})
	if len(implementLink.Sent) != 1 {
		t.Fatal("expected an unknown destination to flood across")
	}
}

func TestBridgeDropsWhenDestinationKnownLocal(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	n := NewBridge(tractorLink, 0, implementLink, 0)
	n.LearnAddress(0x42, Tractor)

	tractorLink.deliver(0, frame.Frame{PGN: 0x00EC00, Source: 0x10, Destination: 0x42, DLC: 1, Data: []byte{1}})
	if len(implementLink.Sent) != 0 {
		t.Fatal("expected a same-side destination not to cross")
	}
}

func TestBridgeForwardsToKnownOppositeSide(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	n := NewBridge(tractorLink, 0, implementLink, 0)
	n.LearnAddress(0x42, Implement)

	tractorLink.deliver(0, frame.Frame{PGN: 0x00EC00, Source: 0x10, Destination: 0x42, DLC: 1, Data: []byte{1}})
	if len(implementLink.Sent) != 1 {
		t.Fatal("expected a known-opposite-side destination to cross")
	}
}

func TestBridgeLearnsSourceAutomatically(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	n := NewBridge(tractorLink, 0, implementLink, 0)

	tractorLink.deliver(0, frame.Frame{PGN: 0x00FEF5, Source: 0x33, Destination: frame.Broadcast, DLC: 1, Data: []byte{1}})
	side, ok := n.LookupAddress(0x33)
	if !ok || side != Tractor {
		t.Fatalf("LookupAddress(0x33) = (%v, %v), want (Tractor, true)", side, ok)
	}
}

func TestRouterTranslatesAndForwards(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	n := NewRouter(tractorLink, 0, implementLink, 0)
	n.AddTranslation(name.NAME(1), 0x10, 0x50)
	n.AddTranslation(name.NAME(2), 0x20, 0x60)

	tractorLink.deliver(0, frame.Frame{PGN: 0x00EC00, Source: 0x10, Destination: 0x20, DLC: 1, Data: []byte{7}})
	if len(implementLink.Sent) != 1 {
		t.Fatalf("got %d frames forwarded, want 1", len(implementLink.Sent))
	}
	out := implementLink.Sent[0]
	if out.Source != 0x50 || out.Destination != 0x60 {
		t.Fatalf("out = %+v, want Source=0x50 Destination=0x60", out)
	}
}

func TestRouterDropsUntranslatedAddress(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	n := NewRouter(tractorLink, 0, implementLink, 0)
	n.AddTranslation(name.NAME(1), 0x10, 0x50)

	tractorLink.deliver(0, frame.Frame{PGN: 0x00EC00, Source: 0x10, Destination: 0x20, DLC: 1, Data: []byte{7}})
	if len(implementLink.Sent) != 0 {
		t.Fatal("expected the frame to be dropped: destination 0x20 has no translation entry")
	}
	if n.Blocked() != 1 {
		t.Fatalf("Blocked() = %d, want 1", n.Blocked())
	}
}

func TestRouterBroadcastNeedsOnlySourceTranslation(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	n := NewRouter(tractorLink, 0, implementLink, 0)
	n.AddTranslation(name.NAME(1), 0x10, 0x50)

	tractorLink.deliver(0, frame.Frame{PGN: 0x00FEF5, Source: 0x10, Destination: frame.Broadcast, DLC: 1, Data: []byte{7}})
	if len(implementLink.Sent) != 1 {
		t.Fatalf("got %d frames forwarded, want 1", len(implementLink.Sent))
	}
	if implementLink.Sent[0].Destination != frame.Broadcast {
		t.Fatal("expected the broadcast destination to pass through unchanged")
	}
}

func TestRouterCheckAddressUnique(t *testing.T) {
	n := NewRouter(newFakeLink(), 0, newFakeLink(), 0)
	n.AddTranslation(name.NAME(1), 0x10, 0x50)

	if n.CheckAddressUnique(0x10, Tractor) {
		t.Fatal("expected 0x10 to already be claimed on the tractor side")
	}
	if !n.CheckAddressUnique(0x11, Tractor) {
		t.Fatal("expected 0x11 to be free on the tractor side")
	}
}

func TestGatewayTransformRewritesMessage(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	n := NewGateway(tractorLink, 0, implementLink, 0)
	n.AddTranslation(name.NAME(1), 0x10, 0x50)
	n.AddTranslation(name.NAME(2), 0x20, 0x60)

	n.RegisterTractorTransform(0x00EC00, func(msg frame.Message) (frame.Message, bool) {
		msg.Data = []byte{msg.Data[0] * 2}
		return msg, true
	})

	tractorLink.deliver(0, frame.Frame{PGN: 0x00EC00, Source: 0x10, Destination: 0x20, DLC: 1, Data: []byte{21}})
	if len(implementLink.Sent) != 1 {
		t.Fatalf("got %d frames forwarded, want 1", len(implementLink.Sent))
	}
	if implementLink.Sent[0].Data[0] != 42 {
		t.Fatalf("Data[0] = %d, want 42", implementLink.Sent[0].Data[0])
	}
}

func TestGatewayTransformBlocksMessage(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	n := NewGateway(tractorLink, 0, implementLink, 0)
	n.AddTranslation(name.NAME(1), 0x10, 0x50)
	n.AddTranslation(name.NAME(2), 0x20, 0x60)

	n.RegisterTractorTransform(0x00EC00, func(msg frame.Message) (frame.Message, bool) {
		return frame.Message{}, false
	})

	tractorLink.deliver(0, frame.Frame{PGN: 0x00EC00, Source: 0x10, Destination: 0x20, DLC: 1, Data: []byte{21}})
	if len(implementLink.Sent) != 0 {
		t.Fatal("expected the transform's block to drop the frame")
	}
}

func TestGatewayTransformOnlyAppliesToItsDirection(t *testing.T) {
	tractorLink, implementLink := newFakeLink(), newFakeLink()
	n := NewGateway(tractorLink, 0, implementLink, 0)
	n.AddTranslation(name.NAME(1), 0x10, 0x50)
	n.AddTranslation(name.NAME(2), 0x20, 0x60)

	n.RegisterTractorTransform(0x00EC00, func(msg frame.Message) (frame.Message, bool) {
		return frame.Message{}, false
	})

	// Implement-to-tractor traffic on the same PGN has no registered
	// transform and should pass through untouched.
	implementLink.deliver(0, frame.Frame{PGN: 0x00EC00, Source: 0x60, Destination: 0x50, DLC: 1, Data: []byte{21}})
	if len(tractorLink.Sent) != 1 {
		t.Fatal("expected implement-to-tractor traffic to forward unaffected by the tractor-side transform")
	}
}
