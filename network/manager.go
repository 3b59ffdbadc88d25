// Package network implements the Network Manager (§4.7): the ingress/
// egress/dispatch hub binding the CF registry, address claimer, Transport
// Protocol and bus-load meter to one Link port.
package network

import (
	"errors"
	"time"

	"github.com/serebryakov7/isobuscore/busload"
	"github.com/serebryakov7/isobuscore/cf"
	"github.com/serebryakov7/isobuscore/claim"
	"github.com/serebryakov7/isobuscore/frame"
	"github.com/serebryakov7/isobuscore/link"
	"github.com/serebryakov7/isobuscore/name"
	"github.com/serebryakov7/isobuscore/pgn"
	"github.com/serebryakov7/isobuscore/scheduler"
	"github.com/serebryakov7/isobuscore/transport"
)

// Errors returned by Manager operations (§7).
var (
	ErrNotClaimed  = errors.New("network: send attempted before address claim complete")
	ErrLinkFailure = errors.New("network: link refused a frame")
)

// Config configures one Manager instance.
type Config struct {
	Port            int
	Bitrate         uint32 // 0 queries link.Bitrate(Port) instead
	SessionCapacity int    // 0 selects the Transport Protocol default
	ExternalTimeout time.Duration
}

// Callback receives a fully dispatched, reassembled Message.
type Callback func(msg frame.Message)

// Manager is one Network Manager instance bound to a single Link port
// (§4.7). It is not goroutine-safe, matching the core's single-threaded
// cooperative model (§5).
type Manager struct {
	port int
	link link.Link

	registry  *cf.Registry
	transport *transport.Table
	meter     *busload.Meter
	sched     *scheduler.Scheduler

	claimers map[cf.Handle]*claim.Claimer
	now      time.Duration

	callbacks map[frame.PGN][]Callback
}

// New returns a Manager driving l on the given port.
func New(cfg Config, l link.Link) *Manager {
	bitrate := cfg.Bitrate
	if bitrate == 0 && l != nil {
		bitrate = l.Bitrate(cfg.Port)
	}
	m := &Manager{
		port:      cfg.Port,
		link:      l,
		registry:  cf.New(cfg.ExternalTimeout),
		meter:     busload.New(bitrate),
		sched:     scheduler.New(),
		claimers:  make(map[cf.Handle]*claim.Claimer),
		callbacks: make(map[frame.PGN][]Callback),
	}
	m.transport = transport.NewTable(cfg.SessionCapacity, m.egressSmall, m.onReassembled)
	if l != nil {
		l.OnFrameReceived(cfg.Port, m.onFrame)
	}
	return m
}

// Registry exposes the control-function registry for read access and
// partner-filter registration.
func (m *Manager) Registry() *cf.Registry { return m.registry }

// BusLoad returns the current bus-load percentage (0-100).
func (m *Manager) BusLoad() float64 { return m.meter.Percentage() }

// RegisterPGNCallback adds a dispatch callback for p. Callbacks fire in
// registration order (§4.7).
func (m *Manager) RegisterPGNCallback(p frame.PGN, cb Callback) {
	m.callbacks[p] = append(m.callbacks[p], cb)
}

// CreateInternal registers and begins claiming an address for a new
// Internal control function.
func (m *Manager) CreateInternal(n name.NAME, preferred frame.Address) (cf.Handle, error) {
	h, err := m.registry.CreateInternal(n, m.port, preferred)
	if err != nil {
		return 0, err
	}
	c := claim.New(m.registry, h, m.port, preferred, m.egressSmall, nil)
	m.claimers[h] = c
	if err := c.Start(); err != nil {
		return h, err
	}
	return h, nil
}

// Send transmits payload under pgnID from source, to destination (use
// frame.Broadcast for a broadcast), returning once the first frame (or TP
// initiation) has reached the link — not on transfer completion. onComplete,
// if non-nil, is invoked once the underlying TP/ETP session (if any)
// finishes; for single-frame sends it fires synchronously with a nil error.
func (m *Manager) Send(pgnID frame.PGN, payload []byte, source cf.Handle, destination frame.Address, priority uint8, onComplete func(error)) error {
	entry, ok := m.registry.Get(source)
	if !ok || entry.ClaimState != cf.ClaimClaimed {
		return ErrNotClaimed
	}
	if len(payload) <= 8 {
		f := frame.Frame{Priority: priority, PGN: pgnID, Source: entry.Address, Destination: destination, DLC: uint8(len(payload)), Data: payload}
		if err := m.sendFrame(f); err != nil {
			return err
		}
		if onComplete != nil {
			onComplete(nil)
		}
		return nil
	}
	_, err := m.transport.RequestSend(pgnID, payload, entry.Address, destination, priority, onComplete)
	return err
}

func (m *Manager) sendFrame(f frame.Frame) error {
	if m.link == nil {
		return ErrLinkFailure
	}
	if err := m.link.SendFrame(m.port, f); err != nil {
		return ErrLinkFailure
	}
	m.meter.AddFrame(f.DLC)
	return nil
}

// egressSmall adapts the claim/transport packages' Sender signature (an
// already-built Message of up to 8 bytes) onto sendFrame.
func (m *Manager) egressSmall(msg frame.Message) error {
	return m.sendFrame(frame.Frame{
		Priority: msg.Priority, PGN: msg.PGN, Source: msg.Source, Destination: msg.Destination,
		DLC: uint8(len(msg.Data)), Data: msg.Data,
	})
}

func (m *Manager) onReassembled(msg frame.Message) {
	m.dispatch(msg)
}

// InjectMessage drives dispatch directly, bypassing the link entirely —
// the test-only path required by §4.7 for deterministic tests.
func (m *Manager) InjectMessage(msg frame.Message) {
	m.dispatch(msg)
}

func (m *Manager) dispatch(msg frame.Message) {
	if !m.broadcastToMe(msg) {
		return
	}
	for _, cb := range m.callbacks[msg.PGN] {
		cb(msg)
	}
}

// broadcastToMe filters destination-specific messages whose destination
// does not match any Internal CF on this port (§4.7).
func (m *Manager) broadcastToMe(msg frame.Message) bool {
	if msg.Destination == frame.Broadcast {
		return true
	}
	if msg.PGN.IsBroadcastOnly() {
		return true
	}
	h, ok := m.registry.LookupByAddress(m.port, msg.Destination)
	if !ok {
		return false
	}
	entry, _ := m.registry.Get(h)
	return entry.Kind == cf.Internal
}

func (m *Manager) onFrame(f frame.Frame) {
	m.meter.AddFrame(f.DLC)
	m.registry.Touch(m.port, f.Source, m.now)

	switch {
	case f.PGN == pgn.AddressClaimed:
		m.handleAddressClaimed(f)
		return
	case f.PGN == pgn.Request:
		m.handleRequest(f)
		return
	case pgn.IsTransportControl(f.PGN):
		m.handleTransport(f)
		return
	}
	m.dispatch(frame.Message{PGN: f.PGN, Source: f.Source, Destination: f.Destination, Priority: f.Priority, Data: f.Data, Timestamp: f.Timestamp})
}

func (m *Manager) handleTransport(f frame.Frame) {
	isETP := f.PGN == pgn.ETPConnectionMgmt || f.PGN == pgn.ETPDataTransfer
	if f.PGN == pgn.TPConnectionMgmt || f.PGN == pgn.ETPConnectionMgmt {
		m.transport.HandleControlFrame(isETP, f.Data, f.Source, f.Destination, f.Priority)
		return
	}
	m.transport.HandleDataFrame(isETP, f.Data, f.Source, f.Destination)
}

func (m *Manager) handleAddressClaimed(f frame.Frame) {
	if len(f.Data) < 8 {
		return
	}
	raw := leToUint64(f.Data)
	if h, ok := m.registry.LookupByAddress(m.port, f.Source); ok {
		if c, ok := m.claimers[h]; ok {
			c.OnContest(raw)
			return
		}
	}
	m.registry.ObserveClaim(m.port, f.Source, name.NAME(raw), m.now)
}

func (m *Manager) handleRequest(f frame.Frame) {
	if len(f.Data) < 3 {
		return
	}
	requested := frame.PGN(uint32(f.Data[0]) | uint32(f.Data[1])<<8 | uint32(f.Data[2])<<16)
	if requested != pgn.AddressClaimed {
		return
	}
	for _, c := range m.claimers {
		c.Reassert()
	}
}

func leToUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Update drives the scheduler, Transport Protocol session timers, bus-load
// meter and every Internal CF's address-claim timer by dt (§4.7, §5).
func (m *Manager) Update(dt time.Duration) {
	m.now += dt
	m.sched.Update(dt)
	m.transport.Update(dt)
	m.meter.Update(dt)
	for _, c := range m.claimers {
		c.Update(dt)
	}
	m.registry.AgeExternals(m.now)
}

// Scheduler exposes the periodic-task scheduler for application use.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }
