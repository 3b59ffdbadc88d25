package diagnostic

import (
	"time"

	"github.com/serebryakov7/isobuscore/cf"
	"github.com/serebryakov7/isobuscore/frame"
	"github.com/serebryakov7/isobuscore/pgn"
)

// BroadcastInterval is the DM1 repeat period while at least one DTC is
// active and DM1 is not suspended (§4.8).
const BroadcastInterval = 1 * time.Second

// EventKind identifies a diagnostic lifecycle occurrence.
type EventKind int

const (
	DTCAdded EventKind = iota
	DTCCleared
	AllActiveCleared
	PreviousCleared
)

type Event struct {
	Kind EventKind
	DTC  DTC
}

type EventListener func(Event)

// DM13Listener observes a decoded DM13 command, along with the address it
// arrived from.
type DM13Listener func(sig Signals, source frame.Address)

// Sender transmits an outgoing message through the owning Network
// Manager's egress seam, matching the claim/transport packages' contract.
type Sender func(msg frame.Message) error

// Protocol tracks one Internal CF's DTC lists and drives its DM1/DM2/DM13
// broadcasts (§4.8).
type Protocol struct {
	registry *cf.Registry
	handle   cf.Handle
	send     Sender

	active   []DTC
	previous []DTC
	lamps    Lamps

	hold, dm1, dm2, dm3, propA, propB suspendTimer
	elapsed                           time.Duration

	listeners     []EventListener
	dm13Listeners []DM13Listener
}

// New returns a Protocol for the Internal CF at handle.
func New(registry *cf.Registry, handle cf.Handle, send Sender) *Protocol {
	return &Protocol{registry: registry, handle: handle, send: send}
}

func (p *Protocol) Subscribe(l EventListener)    { p.listeners = append(p.listeners, l) }
func (p *Protocol) SubscribeDM13(l DM13Listener) { p.dm13Listeners = append(p.dm13Listeners, l) }

func (p *Protocol) emit(ev Event) {
	for _, l := range p.listeners {
		l(ev)
	}
}

func (p *Protocol) emitDM13(s Signals, src frame.Address) {
	for _, l := range p.dm13Listeners {
		l(s, src)
	}
}

// SetLamps sets the lamp status bitfield carried in every DM1/DM2 frame.
func (p *Protocol) SetLamps(l Lamps) { p.lamps = l }

// ActiveDTCs returns a copy of the active list.
func (p *Protocol) ActiveDTCs() []DTC {
	out := make([]DTC, len(p.active))
	copy(out, p.active)
	return out
}

// PreviousDTCs returns a copy of the previous list.
func (p *Protocol) PreviousDTCs() []DTC {
	out := make([]DTC, len(p.previous))
	copy(out, p.previous)
	return out
}

// SetActive records a fault occurrence: if (SPN,FMI) is already active its
// occurrence count increments (saturating); otherwise a new entry is
// appended with count 1 (§4.8).
func (p *Protocol) SetActive(spn uint32, fmi FMI) {
	candidate := DTC{SPN: spn, FMI: fmi}
	for i := range p.active {
		if p.active[i].SameIdentity(candidate) {
			if p.active[i].OccurrenceCount < maxOccurrenceCount {
				p.active[i].OccurrenceCount++
			}
			return
		}
	}
	d := DTC{SPN: spn, FMI: fmi, OccurrenceCount: 1}
	p.active = append(p.active, d)
	p.emit(Event{Kind: DTCAdded, DTC: d})
}

// ClearActive moves the matching active entry to previous, preserving its
// occurrence count. A no-op if no such entry is active.
func (p *Protocol) ClearActive(spn uint32, fmi FMI) {
	target := DTC{SPN: spn, FMI: fmi}
	for i := range p.active {
		if p.active[i].SameIdentity(target) {
			d := p.active[i]
			p.active = append(p.active[:i], p.active[i+1:]...)
			p.previous = append(p.previous, d)
			p.emit(Event{Kind: DTCCleared, DTC: d})
			return
		}
	}
}

// ClearAllActive moves every active entry to previous.
func (p *Protocol) ClearAllActive() {
	p.previous = append(p.previous, p.active...)
	p.active = nil
	p.emit(Event{Kind: AllActiveCleared})
}

// ClearPrevious drops the previous list (DM3 semantics).
func (p *Protocol) ClearPrevious() {
	p.previous = nil
	p.emit(Event{Kind: PreviousCleared})
}

// IsDM1Suspended reports whether DM13 has currently suspended the DM1
// broadcast, either directly or through a hold of the whole broadcast
// layer.
func (p *Protocol) IsDM1Suspended() bool { return p.dm1.suspended || p.hold.suspended }

// IsHoldActive reports whether DM13's hold signal currently suspends the
// entire diagnostic broadcast layer (§4.8/§6), independent of the other
// five per-message signals.
func (p *Protocol) IsHoldActive() bool { return p.hold.suspended }

func (p *Protocol) ownAddress() (frame.Address, bool) {
	entry, ok := p.registry.Get(p.handle)
	if !ok || entry.ClaimState != cf.ClaimClaimed {
		return 0, false
	}
	return entry.Address, true
}

func (p *Protocol) sendDM(pgnID frame.PGN, dtcs []DTC, destination frame.Address) error {
	addr, ok := p.ownAddress()
	if !ok {
		return nil
	}
	data := EncodeDM(p.lamps, dtcs)
	return p.sendMulti(pgnID, addr, destination, data)
}

// sendMulti emits data as a single frame if it fits in 8 bytes; TP/ETP
// fragmentation of DM1/DM2 content with many DTCs is the Network Manager's
// concern (it owns the Transport Protocol session table), not this
// package's — Protocol only ever hands the Network Manager a PGN, payload,
// source and destination through Sender.
func (p *Protocol) sendMulti(pgnID frame.PGN, source, destination frame.Address, data []byte) error {
	return p.send(frame.Message{PGN: pgnID, Source: source, Destination: destination, Priority: 6, Data: data})
}

// HandleDM11 processes a received request for PGN DM11 (clear active and
// previous). destination is the request's target address; per the
// original agrobus stack, a request addressed to a specific CF only clears
// that CF, while a broadcast request clears every CF that observes it
// (each CF's own Protocol instance independently honors the broadcast).
func (p *Protocol) HandleDM11(destination frame.Address) {
	addr, ok := p.ownAddress()
	if !ok {
		return
	}
	if destination != frame.Broadcast && destination != addr {
		return
	}
	p.ClearAllActive()
	p.ClearPrevious()
}

// HandleDM2Request serializes the previous-DTC list on demand and sends it
// to requester.
func (p *Protocol) HandleDM2Request(requester frame.Address) error {
	return p.sendDM(pgn.DM2, p.previous, requester)
}

// HandleDM13 decodes an incoming DM13 frame and applies its six signals.
// Hold acts as a master gate over the whole broadcast layer, independent
// of (and in addition to) the other five per-message signals.
func (p *Protocol) HandleDM13(data []byte, source frame.Address) {
	s := DecodeDM13(data)
	p.hold.apply(s.Hold, s.DurationSec)
	p.dm1.apply(s.DM1, s.DurationSec)
	p.dm2.apply(s.DM2, s.DurationSec)
	p.dm3.apply(s.DM3, s.DurationSec)
	p.propA.apply(s.ProprietaryA, s.DurationSec)
	p.propB.apply(s.ProprietaryB, s.DurationSec)
	p.emitDM13(s, source)
}

// Update advances the DM13 suspend timers by dt and emits DM1 once the
// broadcast interval elapses, provided at least one DTC is active and
// neither DM1 specifically nor hold (the whole broadcast layer) is
// currently suspended (§4.8).
func (p *Protocol) Update(dt time.Duration) error {
	p.hold.tick(dt)
	p.dm1.tick(dt)
	p.dm2.tick(dt)
	p.dm3.tick(dt)
	p.propA.tick(dt)
	p.propB.tick(dt)

	if len(p.active) == 0 || p.hold.suspended || p.dm1.suspended {
		p.elapsed = 0
		return nil
	}
	p.elapsed += dt
	if p.elapsed < BroadcastInterval {
		return nil
	}
	p.elapsed -= BroadcastInterval
	return p.sendDM(pgn.DM1, p.active, frame.Broadcast)
}
