// Package claim implements the per-internal-control-function address-claim
// state machine (§4.5, ISO 11783-5).
package claim

import (
	"math/rand"
	"time"

	"github.com/serebryakov7/isobuscore/cf"
	"github.com/serebryakov7/isobuscore/frame"
	"github.com/serebryakov7/isobuscore/pgn"
)

// ContestWindow is the time an Internal CF waits after emitting or
// re-emitting its claim before declaring victory (§4.5).
const ContestWindow = 250 * time.Millisecond

// EventKind identifies a claim lifecycle event.
type EventKind int

const (
	AddressClaimed EventKind = iota
	ClaimFailed
)

// Event is delivered to an EventListener.
type Event struct {
	Kind    EventKind
	Address frame.Address
}

// EventListener observes claim lifecycle events, in registration order
// (§9: ordered list of typed closures, not reflection).
type EventListener func(Event)

// Sender transmits an outgoing message. The claim package never writes to
// a link directly; it only ever emits through this seam, matching the
// Network Manager's egress contract (§4.7).
type Sender func(msg frame.Message) error

// RandomDelay returns the random transmit delay applied before re-claiming
// after losing a contest, to desynchronize multiple contenders (§4.5 RTxD).
// The default spreads uniformly over 0-153ms, the range used by the
// original implementation for collision avoidance.
func RandomDelay() time.Duration {
	return time.Duration(rand.Int63n(int64(153 * time.Millisecond)))
}

// Claimer drives one Internal control function's address-claim contest.
type Claimer struct {
	registry  *cf.Registry
	handle    cf.Handle
	port      int
	preferred frame.Address
	send      Sender
	rtxd      func() time.Duration
	listeners []EventListener

	remaining      time.Duration
	rtxdDelay      time.Duration // counts down to 0 while reclaimPending
	nextAddr       frame.Address // address to claim once rtxdDelay elapses
	reclaimPending bool          // a losing self-configurable reclaim is armed
}

// New returns a Claimer for the Internal CF already registered at handle,
// with preferred as its first address to attempt. rtxd may be nil to use
// RandomDelay.
func New(registry *cf.Registry, handle cf.Handle, port int, preferred frame.Address, send Sender, rtxd func() time.Duration) *Claimer {
	if rtxd == nil {
		rtxd = RandomDelay
	}
	return &Claimer{registry: registry, handle: handle, port: port, preferred: preferred, send: send, rtxd: rtxd}
}

// Subscribe registers a listener for claim lifecycle events.
func (c *Claimer) Subscribe(l EventListener) { c.listeners = append(c.listeners, l) }

func (c *Claimer) emit(ev Event) {
	for _, l := range c.listeners {
		l(ev)
	}
}

func (c *Claimer) cfNAME() (name [8]byte, ok bool) {
	entry, ok2 := c.registry.Get(c.handle)
	if !ok2 {
		return name, false
	}
	putNAME(name[:], entry.NAME.Raw())
	return name, true
}

func putNAME(b []byte, raw uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(raw >> (8 * i))
	}
}

func (c *Claimer) emitClaim(addr frame.Address) error {
	payload, ok := c.cfNAME()
	if !ok {
		return nil
	}
	return c.send(frame.Message{
		PGN:         pgn.AddressClaimed,
		Source:      addr,
		Destination: frame.Broadcast,
		Priority:    6,
		Data:        payload[:],
	})
}

func (c *Claimer) emitCannotClaim() error {
	payload, ok := c.cfNAME()
	if !ok {
		return nil
	}
	return c.send(frame.Message{
		PGN:         pgn.AddressClaimed,
		Source:      frame.NullAddress,
		Destination: frame.Broadcast,
		Priority:    6,
		Data:        payload[:],
	})
}

func (c *Claimer) emitRequest() error {
	data := []byte{
		byte(pgn.AddressClaimed & 0xFF),
		byte(pgn.AddressClaimed >> 8),
		byte(pgn.AddressClaimed >> 16),
	}
	return c.send(frame.Message{
		PGN:         pgn.Request,
		Source:      frame.NullAddress,
		Destination: frame.Broadcast,
		Priority:    6,
		Data:        data,
	})
}

// Start requests other CFs' address claims, emits our own claim at the
// preferred address, and enters WaitForContest.
func (c *Claimer) Start() error {
	if err := c.emitRequest(); err != nil {
		return err
	}
	if err := c.emitClaim(c.preferred); err != nil {
		return err
	}
	_ = c.registry.SetAddress(c.handle, c.preferred)
	c.registry.SetClaimState(c.handle, cf.ClaimWaitForContest)
	c.remaining = ContestWindow
	c.rtxdDelay = 0
	return nil
}

// OnContest processes a claim observed at this CF's current claimed/pending
// address, from another control function with NAME other. It must only be
// called when the incoming claim's address equals this Claimer's own
// address (the caller, typically the Network Manager, is responsible for
// that comparison; §4.5's "different address" branch is a no-op here by
// construction).
func (c *Claimer) OnContest(other uint64) error {
	entry, ok := c.registry.Get(c.handle)
	if !ok || (entry.ClaimState != cf.ClaimWaitForContest && entry.ClaimState != cf.ClaimClaimed) {
		return nil
	}
	ourRaw := entry.NAME.Raw()
	if other < ourRaw {
		// We lose this contest.
		if entry.NAME.SelfConfigurable() {
			next, ok := c.nextFreeAddress(entry.Address)
			if !ok {
				return c.fail()
			}
			c.nextAddr = next
			c.rtxdDelay = c.rtxd()
			c.reclaimPending = true
			c.registry.SetClaimState(c.handle, cf.ClaimWaitForContest)
			if c.rtxdDelay <= 0 {
				return c.doReclaim()
			}
			return nil
		}
		return c.fail()
	}
	// We win: reassert our claim and restart the contest window.
	if err := c.emitClaim(entry.Address); err != nil {
		return err
	}
	c.remaining = ContestWindow
	c.rtxdDelay = 0
	c.registry.SetClaimState(c.handle, cf.ClaimWaitForContest)
	return nil
}

// Reassert re-sends our current claim unchanged, in response to a Request
// for PGN AddressClaimed. It is a no-op unless this CF is already Claimed.
func (c *Claimer) Reassert() error {
	entry, ok := c.registry.Get(c.handle)
	if !ok || entry.ClaimState != cf.ClaimClaimed {
		return nil
	}
	return c.emitClaim(entry.Address)
}

func (c *Claimer) fail() error {
	if err := c.emitCannotClaim(); err != nil {
		return err
	}
	_ = c.registry.SetAddress(c.handle, frame.NullAddress)
	c.registry.SetClaimState(c.handle, cf.ClaimFailed)
	c.emit(Event{Kind: ClaimFailed})
	return nil
}

// lastValidAddress is the highest address value that isn't NullAddress or
// Broadcast; nextFreeAddress wraps the full 0x00-0xFD space rather than
// just the self-configurable range, since a losing self-configurable CF
// re-claims starting right after its own current address, wherever that
// is (§8 scenario 2: preferred 0x28, loses, re-claims at 0x29).
const lastValidAddress = 0xFD

// nextFreeAddress scans forward from from+1, wrapping once across the
// whole non-reserved address space, for an address not already claimed on
// this port.
func (c *Claimer) nextFreeAddress(from frame.Address) (frame.Address, bool) {
	const span = lastValidAddress + 1
	for i := 1; i <= span; i++ {
		addr := frame.Address((int(from) + i) % span)
		if _, taken := c.registry.LookupByAddress(c.port, addr); !taken {
			return addr, true
		}
	}
	return 0, false
}

// doReclaim applies a pending reclaim immediately: re-addresses the CF at
// nextAddr, emits the new claim, and restarts the contest window.
func (c *Claimer) doReclaim() error {
	c.reclaimPending = false
	c.rtxdDelay = 0
	if err := c.registry.SetAddress(c.handle, c.nextAddr); err != nil {
		return c.fail()
	}
	if err := c.emitClaim(c.nextAddr); err != nil {
		return err
	}
	c.remaining = ContestWindow
	return nil
}

// Update advances the claim timers by dt, firing a pending re-claim once
// its RTxD delay has elapsed (dt may exhaust it in one step, or it may
// already be due — rtxdDelay <= 0 always means "fire now"), or
// transitioning to Claimed once the contest window elapses uncontested.
func (c *Claimer) Update(dt time.Duration) error {
	entry, ok := c.registry.Get(c.handle)
	if !ok || entry.ClaimState != cf.ClaimWaitForContest {
		return nil
	}
	if c.reclaimPending {
		c.rtxdDelay -= dt
		if c.rtxdDelay > 0 {
			return nil
		}
		return c.doReclaim()
	}
	c.remaining -= dt
	if c.remaining > 0 {
		return nil
	}
	c.registry.SetClaimState(c.handle, cf.ClaimClaimed)
	claimed, _ := c.registry.Get(c.handle)
	c.emit(Event{Kind: AddressClaimed, Address: claimed.Address})
	return nil
}
