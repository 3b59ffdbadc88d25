// Package niu implements the Network Interconnect Unit archetypes of §4.9:
// a Repeater, Bridge, Router and Gateway, each straddling two Link segments
// ("tractor" and "implement") and forwarding frames between them according
// to an increasingly capable set of rules.
//
// A NIU never claims an address of its own; it is transparent to address
// claim on both sides, matching ISO 11783-4's definition of an interconnect
// that relays but does not participate as a control function.
package niu

import (
	"errors"
	"time"

	"github.com/serebryakov7/isobuscore/frame"
	"github.com/serebryakov7/isobuscore/link"
	"github.com/serebryakov7/isobuscore/name"
)

// Side identifies one of the two segments a NIU straddles.
type Side int

const (
	Tractor Side = iota
	Implement
)

func (s Side) other() Side {
	if s == Tractor {
		return Implement
	}
	return Tractor
}

// Archetype selects which forwarding behavior a NIU applies.
type Archetype int

const (
	Repeater Archetype = iota
	Bridge
	Router
	Gateway
)

// ErrAddressConflict is the error value for an address already in use, for
// the archetypes that require per-side address uniqueness (Router and
// Gateway). No function in this package returns it: CheckAddressUnique
// reports a collision by returning false and through OnAddressConflict.
var ErrAddressConflict = errors.New("niu: address already in use on the opposite segment")

// Transform rewrites or blocks a reassembled message crossing a Gateway.
// Returning ok=false drops the message. Transforms only see single-frame
// messages (len(Data) <= 8); a Gateway forwards longer Transport Protocol
// sessions unmodified, the same as a Router.
type Transform func(frame.Message) (out frame.Message, ok bool)

// TranslationEntry associates one learned control function's NAME with its
// declared address on each side of a Router or Gateway.
type TranslationEntry struct {
	NAME          name.NAME
	TractorAddr   frame.Address
	ImplementAddr frame.Address
}

// TranslationDB is the NAME-keyed address-translation table a Router or
// Gateway consults to re-address frames crossing sides (§4.9).
type TranslationDB struct {
	entries []TranslationEntry
}

// Add registers a translation. Re-adding the same NAME replaces its entry.
func (db *TranslationDB) Add(n name.NAME, tractorAddr, implementAddr frame.Address) {
	for i, e := range db.entries {
		if e.NAME == n {
			db.entries[i].TractorAddr = tractorAddr
			db.entries[i].ImplementAddr = implementAddr
			return
		}
	}
	db.entries = append(db.entries, TranslationEntry{NAME: n, TractorAddr: tractorAddr, ImplementAddr: implementAddr})
}

// Entries returns every learned translation.
func (db *TranslationDB) Entries() []TranslationEntry {
	out := make([]TranslationEntry, len(db.entries))
	copy(out, db.entries)
	return out
}

// Translate maps addr, known on side from, to its counterpart on the
// opposite side. ok is false when no entry declares addr on that side.
func (db *TranslationDB) Translate(addr frame.Address, from Side) (frame.Address, bool) {
	for _, e := range db.entries {
		if from == Tractor && e.TractorAddr == addr {
			return e.ImplementAddr, true
		}
		if from == Implement && e.ImplementAddr == addr {
			return e.TractorAddr, true
		}
	}
	return frame.NullAddress, false
}

// IsAddressAvailable reports whether addr is not yet claimed by any learned
// entry on side.
func (db *TranslationDB) IsAddressAvailable(addr frame.Address, side Side) bool {
	for _, e := range db.entries {
		if side == Tractor && e.TractorAddr == addr {
			return false
		}
		if side == Implement && e.ImplementAddr == addr {
			return false
		}
	}
	return true
}

// segment bundles one side's Link attachment.
type segment struct {
	l    link.Link
	port int
}

// NIU is a single instance of one of the four archetypes, straddling a
// tractor and an implement Link segment.
type NIU struct {
	archetype Archetype
	tractor   segment
	implement segment

	mode    Verdict // default verdict when no filter entry matches
	filters FilterDB
	now     time.Duration

	learned map[frame.Address]Side // Bridge

	translations TranslationDB // Router, Gateway
	tractorXform map[frame.PGN]Transform
	implXform    map[frame.PGN]Transform // Gateway, keyed by PGN

	forwarded uint64
	blocked   uint64

	onConflict func(addr frame.Address)
}

func newNIU(archetype Archetype, tractorLink link.Link, tractorPort int, implementLink link.Link, implementPort int) *NIU {
	n := &NIU{
		archetype: archetype,
		tractor:   segment{l: tractorLink, port: tractorPort},
		implement: segment{l: implementLink, port: implementPort},
		mode:      Allow,
		learned:   make(map[frame.Address]Side),
	}
	tractorLink.OnFrameReceived(tractorPort, func(f frame.Frame) { n.onFrame(Tractor, f) })
	implementLink.OnFrameReceived(implementPort, func(f frame.Frame) { n.onFrame(Implement, f) })
	return n
}

// NewRepeater returns a NIU that forwards every frame both ways, subject
// only to the filter table (§4.9: the simplest archetype, no learning and
// no address translation).
func NewRepeater(tractorLink link.Link, tractorPort int, implementLink link.Link, implementPort int) *NIU {
	return newNIU(Repeater, tractorLink, tractorPort, implementLink, implementPort)
}

// NewBridge returns a NIU that additionally learns which side an address
// was last observed transmitting from, and avoids forwarding a
// destination-specific frame back onto the side its destination is already
// known to live on.
func NewBridge(tractorLink link.Link, tractorPort int, implementLink link.Link, implementPort int) *NIU {
	return newNIU(Bridge, tractorLink, tractorPort, implementLink, implementPort)
}

// NewRouter returns a NIU that re-addresses frames via a NAME-keyed
// TranslationDB instead of forwarding source/destination addresses
// unchanged. Frames whose source or destination has no translation entry
// are dropped.
func NewRouter(tractorLink link.Link, tractorPort int, implementLink link.Link, implementPort int) *NIU {
	return newNIU(Router, tractorLink, tractorPort, implementLink, implementPort)
}

// NewGateway returns a Router that additionally applies a per-PGN, per-
// direction Transform to every single-frame message before forwarding it.
func NewGateway(tractorLink link.Link, tractorPort int, implementLink link.Link, implementPort int) *NIU {
	n := newNIU(Gateway, tractorLink, tractorPort, implementLink, implementPort)
	n.tractorXform = make(map[frame.PGN]Transform)
	n.implXform = make(map[frame.PGN]Transform)
	return n
}

// SetDefaultMode sets the verdict applied when no filter entry matches
// (PassAll = Allow, BlockAll = Block; Allow is the default).
func (n *NIU) SetDefaultMode(v Verdict) { n.mode = v }

// OnAddressConflict registers a callback fired when address uniqueness
// checking (CheckAddressUnique) finds a collision.
func (n *NIU) OnAddressConflict(cb func(addr frame.Address)) { n.onConflict = cb }

// Filters exposes the ordered filter table for Add/Remove/Entries.
func (n *NIU) Filters() *FilterDB { return &n.filters }

// Translations exposes the address-translation table (Router, Gateway
// only; unused by Repeater and Bridge).
func (n *NIU) Translations() *TranslationDB { return &n.translations }

// BlockPGN adds a both-directions Block filter entry for p, the common case
// used by Repeater and Bridge deployments to keep proprietary or
// safety-relevant PGNs from crossing at all.
func (n *NIU) BlockPGN(p frame.PGN) int {
	return n.filters.Add(FilterEntry{Verdict: Block, Predicate: BlockPGN(p), Direction: Both})
}

// LearnAddress manually records that addr is known to live on side (Bridge).
// Forwarding also learns this automatically from observed source addresses.
func (n *NIU) LearnAddress(addr frame.Address, side Side) { n.learned[addr] = side }

// LookupAddress reports the side addr was last learned on, if any (Bridge).
func (n *NIU) LookupAddress(addr frame.Address) (Side, bool) {
	s, ok := n.learned[addr]
	return s, ok
}

// AddTranslation registers a NAME's declared address on each side (Router,
// Gateway).
func (n *NIU) AddTranslation(nm name.NAME, tractorAddr, implementAddr frame.Address) {
	n.translations.Add(nm, tractorAddr, implementAddr)
}

// RegisterTractorTransform installs a Transform applied to messages with
// PGN p forwarded from the tractor side to the implement side (Gateway
// only; a no-op on other archetypes).
func (n *NIU) RegisterTractorTransform(p frame.PGN, fn Transform) {
	if n.tractorXform == nil {
		return
	}
	n.tractorXform[p] = fn
}

// RegisterImplementTransform is RegisterTractorTransform's counterpart for
// implement-to-tractor messages.
func (n *NIU) RegisterImplementTransform(p frame.PGN, fn Transform) {
	if n.implXform == nil {
		return
	}
	n.implXform[p] = fn
}

// CheckAddressUnique reports whether addr is free to attach on side without
// colliding with a CF the translation DB already declares at addr on that
// same side, firing the OnAddressConflict callback when it is not. Router
// and Gateway consult the translation DB; Repeater and Bridge have no
// address concept of their own and always report true.
func (n *NIU) CheckAddressUnique(addr frame.Address, side Side) bool {
	switch n.archetype {
	case Router, Gateway:
		free := n.translations.IsAddressAvailable(addr, side)
		if !free && n.onConflict != nil {
			n.onConflict(addr)
		}
		return free
	default:
		return true
	}
}

// Forwarded returns the count of frames successfully forwarded across.
func (n *NIU) Forwarded() uint64 { return n.forwarded }

// Blocked returns the count of frames the filter table or archetype logic
// dropped.
func (n *NIU) Blocked() uint64 { return n.blocked }

// Update advances rate-limit bookkeeping by dt.
func (n *NIU) Update(dt time.Duration) { n.now += dt }

func (n *NIU) segmentFor(side Side) segment {
	if side == Tractor {
		return n.tractor
	}
	return n.implement
}

func (n *NIU) onFrame(from Side, f frame.Frame) {
	verdict, matched := n.filters.Evaluate(f, from, n.now)
	if !matched {
		verdict = n.mode
	}
	if verdict == Block {
		n.blocked++
		return
	}

	if from == Tractor {
		n.learned[f.Source] = Tractor
	} else {
		n.learned[f.Source] = Implement
	}

	switch n.archetype {
	case Repeater:
		n.relay(from, f)
	case Bridge:
		n.forwardBridge(from, f)
	case Router:
		n.forwardRouter(from, f, nil)
	case Gateway:
		xform := n.tractorXform
		if from == Implement {
			xform = n.implXform
		}
		n.forwardRouter(from, f, xform)
	}
}

func (n *NIU) relay(from Side, f frame.Frame) {
	to := n.segmentFor(from.other())
	if err := to.l.SendFrame(to.port, f); err != nil {
		return
	}
	n.forwarded++
}

// forwardBridge applies standard learning-bridge semantics: broadcast
// frames always flood; a destination-specific frame is dropped only when
// the destination is already known to live on the same side as the
// source (it is already local and re-forwarding it would be redundant).
// An unknown destination floods, erring on the side of connectivity.
func (n *NIU) forwardBridge(from Side, f frame.Frame) {
	if f.Destination != frame.Broadcast {
		if side, ok := n.learned[f.Destination]; ok && side == from {
			n.blocked++
			return
		}
	}
	n.relay(from, f)
}

// forwardRouter re-addresses f's source and destination through the
// translation DB before forwarding. A missing translation entry for either
// address drops the frame (§4.9: "messages with no translation entry are
// dropped"). xform, if non-nil, is consulted by PGN after translation
// (Gateway only) and may further rewrite or block the message.
func (n *NIU) forwardRouter(from Side, f frame.Frame, xform map[frame.PGN]Transform) {
	newSource, ok := n.translations.Translate(f.Source, from)
	if !ok {
		n.blocked++
		return
	}
	newDest := frame.Broadcast
	if f.Destination != frame.Broadcast {
		newDest, ok = n.translations.Translate(f.Destination, from)
		if !ok {
			n.blocked++
			return
		}
	}

	out := f
	out.Source = newSource
	out.Destination = newDest

	if xform != nil && len(f.Data) <= 8 {
		if fn, ok := xform[f.PGN]; ok {
			msg, ok := fn(frame.Message{
				PGN: out.PGN, Source: out.Source, Destination: out.Destination,
				Priority: out.Priority, Data: out.Data, Timestamp: out.Timestamp,
			})
			if !ok {
				n.blocked++
				return
			}
			out.PGN = msg.PGN
			out.Source = msg.Source
			out.Destination = msg.Destination
			out.Priority = msg.Priority
			out.Data = msg.Data
			out.DLC = uint8(len(msg.Data))
		}
	}

	to := n.segmentFor(from.other())
	if err := to.l.SendFrame(to.port, out); err != nil {
		return
	}
	n.forwarded++
}
