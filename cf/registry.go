// Package cf implements the control-function registry: the authoritative
// table of control functions (internal and external) this node knows about,
// keyed by stable integer handles (§9: "everywhere else stores the handle,
// not a direct reference").
package cf

import (
	"errors"
	"time"

	"github.com/serebryakov7/isobuscore/frame"
	"github.com/serebryakov7/isobuscore/name"
)

// Kind distinguishes an owned control function from one merely observed on
// the bus, and from an observed one an application has bound to as a
// partner.
type Kind int

const (
	Internal Kind = iota
	External
	Partnered
)

func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal"
	case External:
		return "external"
	case Partnered:
		return "partnered"
	default:
		return "unknown"
	}
}

// State is the liveness of a control function.
type State int

const (
	Online State = iota
	Offline
)

// ClaimState is the address-claim state of an Internal control function.
// The claim package drives transitions; the registry only stores the value.
type ClaimState int

const (
	ClaimNone ClaimState = iota
	ClaimWaitForContest
	ClaimClaimed
	ClaimFailed
)

// Errors returned by registry operations (§7).
var (
	ErrAddressRange = errors.New("cf: preferred address outside allowed range")
	ErrDuplicate    = errors.New("cf: control function already registered at that address")
)

// Handle is a stable reference to a registry entry. The zero value never
// refers to a live entry.
type Handle int

// ControlFunction is a snapshot of one entry. Registry methods return and
// accept copies of this type; callers never hold a pointer into the
// registry's internal storage.
type ControlFunction struct {
	Handle     Handle
	NAME       name.NAME
	Address    frame.Address
	Port       int
	Kind       Kind
	State      State
	ClaimState ClaimState // meaningful only for Kind == Internal
	LastSeen   time.Duration
}

type entry struct {
	cf   ControlFunction
	live bool
}

// Registry stores Internal and External control functions. It is not
// goroutine-safe: per §5 the core is single-threaded cooperative, and a host
// driving more than one Registry concurrently must supply its own
// synchronization.
type Registry struct {
	entries    []entry
	freeList   []Handle
	byAddr     map[addrKey]Handle
	byName     map[name.NAME]Handle
	defaultTO  time.Duration
	partners   []*partner
	nextPartID int
	listeners  []PartnerListener
}

type addrKey struct {
	port int
	addr frame.Address
}

// New returns an empty Registry. externalTimeout is the silence duration
// after which an External CF is marked Offline (§4.2: "prolonged silence
// (>5s default)"); zero selects the 5s default.
func New(externalTimeout time.Duration) *Registry {
	if externalTimeout <= 0 {
		externalTimeout = 5 * time.Second
	}
	r := &Registry{
		byAddr:    make(map[addrKey]Handle),
		byName:    make(map[name.NAME]Handle),
		defaultTO: externalTimeout,
	}
	// Handle zero is reserved to mean "unbound" (see partner.bound), so
	// burn index 0 on a dead placeholder entry.
	r.entries = append(r.entries, entry{})
	return r
}

func (r *Registry) alloc(cf ControlFunction) Handle {
	if n := len(r.freeList); n > 0 {
		h := r.freeList[n-1]
		r.freeList = r.freeList[:n-1]
		cf.Handle = h
		r.entries[h] = entry{cf: cf, live: true}
		return h
	}
	h := Handle(len(r.entries))
	cf.Handle = h
	r.entries = append(r.entries, entry{cf: cf, live: true})
	return h
}

// CreateInternal registers an owned control function at a preferred address.
// The address must be in the fixed (0x00-0x7F) or self-configurable
// (0x80-0xF7) range; NULL and BROADCAST are rejected.
func (r *Registry) CreateInternal(n name.NAME, port int, preferred frame.Address) (Handle, error) {
	if preferred > frame.SelfConfigurableHigh {
		return 0, ErrAddressRange
	}
	key := addrKey{port, preferred}
	if existing, ok := r.byAddr[key]; ok {
		if e := r.entries[existing]; e.live && e.cf.Address != frame.NullAddress {
			return 0, ErrDuplicate
		}
	}
	h := r.alloc(ControlFunction{
		NAME:       n,
		Address:    frame.NullAddress,
		Port:       port,
		Kind:       Internal,
		State:      Offline,
		ClaimState: ClaimNone,
	})
	r.byName[n] = h
	return h, nil
}

// Release destroys a registry entry and frees its handle for reuse.
func (r *Registry) Release(h Handle) {
	if !r.valid(h) {
		return
	}
	cf := r.entries[h].cf
	delete(r.byName, cf.NAME)
	if cf.Address != frame.NullAddress {
		delete(r.byAddr, addrKey{cf.Port, cf.Address})
	}
	r.entries[h] = entry{}
	r.freeList = append(r.freeList, h)
}

func (r *Registry) valid(h Handle) bool {
	return int(h) >= 0 && int(h) < len(r.entries) && r.entries[h].live
}

// Get resolves a handle to a snapshot of its entry.
func (r *Registry) Get(h Handle) (ControlFunction, bool) {
	if !r.valid(h) {
		return ControlFunction{}, false
	}
	return r.entries[h].cf, true
}

// SetAddress updates the claimed address of an entry and reindexes it by
// address. Used by the claim state machine and by External-CF ingest.
func (r *Registry) SetAddress(h Handle, addr frame.Address) error {
	if !r.valid(h) {
		return errors.New("cf: invalid handle")
	}
	cf := r.entries[h].cf
	if addr != frame.NullAddress {
		key := addrKey{cf.Port, addr}
		if other, ok := r.byAddr[key]; ok && other != h {
			if oe := r.entries[other]; oe.live && oe.cf.Address == addr {
				return ErrDuplicate
			}
		}
	}
	if cf.Address != frame.NullAddress {
		delete(r.byAddr, addrKey{cf.Port, cf.Address})
	}
	cf.Address = addr
	if addr != frame.NullAddress {
		r.byAddr[addrKey{cf.Port, addr}] = h
	}
	r.entries[h].cf = cf
	return nil
}

// SetClaimState updates the Internal CF's claim-state field.
func (r *Registry) SetClaimState(h Handle, s ClaimState) {
	if !r.valid(h) {
		return
	}
	cf := r.entries[h].cf
	cf.ClaimState = s
	if s == ClaimClaimed {
		cf.State = Online
	} else if s == ClaimFailed {
		cf.State = Offline
	}
	r.entries[h].cf = cf
}

// SetState forces the liveness state of an entry (used for External CF aging).
func (r *Registry) SetState(h Handle, s State) {
	if !r.valid(h) {
		return
	}
	r.entries[h].cf.State = s
}

// LookupByAddress returns the handle of the entry claiming addr on port.
func (r *Registry) LookupByAddress(port int, addr frame.Address) (Handle, bool) {
	h, ok := r.byAddr[addrKey{port, addr}]
	return h, ok && r.valid(h)
}

// LookupByName returns the handle of the entry with the given NAME.
func (r *Registry) LookupByName(n name.NAME) (Handle, bool) {
	h, ok := r.byName[n]
	return h, ok && r.valid(h)
}

// ObserveClaim records (or updates) an External CF upon seeing an address
// claim on the bus, then resolves any pending partner filters against it.
func (r *Registry) ObserveClaim(port int, addr frame.Address, n name.NAME, now time.Duration) Handle {
	var h Handle
	if existing, ok := r.byName[n]; ok && r.valid(existing) && r.entries[existing].cf.Kind != Internal {
		h = existing
		_ = r.SetAddress(h, addr)
		cf := r.entries[h].cf
		cf.LastSeen = now
		cf.State = Online
		r.entries[h].cf = cf
	} else if existing, ok := r.byAddr[addrKey{port, addr}]; ok && r.valid(existing) && r.entries[existing].cf.Kind != Internal {
		h = existing
		old := r.entries[h].cf
		delete(r.byName, old.NAME)
		old.NAME = n
		old.LastSeen = now
		old.State = Online
		r.entries[h].cf = old
		r.byName[n] = h
	} else {
		h = r.alloc(ControlFunction{
			NAME:     n,
			Address:  frame.NullAddress,
			Port:     port,
			Kind:     External,
			State:    Online,
			LastSeen: now,
		})
		_ = r.SetAddress(h, addr)
		r.byName[n] = h
	}
	r.resolvePartners(now)
	return h
}

// AgeExternals marks any External CF silent for longer than the registry's
// configured timeout as Offline. Intended to be called from the periodic
// drive loop.
func (r *Registry) AgeExternals(now time.Duration) {
	for i := range r.entries {
		e := &r.entries[i]
		if !e.live || e.cf.Kind == Internal || e.cf.State != Online {
			continue
		}
		if now-e.cf.LastSeen > r.defaultTO {
			e.cf.State = Offline
		}
	}
	r.resolvePartners(now)
}

// Touch refreshes LastSeen for any frame observed from addr, independent of
// whether it carried a new address claim.
func (r *Registry) Touch(port int, addr frame.Address, now time.Duration) {
	if h, ok := r.LookupByAddress(port, addr); ok {
		e := &r.entries[h]
		e.cf.LastSeen = now
		e.cf.State = Online
	}
}

// All returns a snapshot of every live entry, for diagnostics and testing.
func (r *Registry) All() []ControlFunction {
	out := make([]ControlFunction, 0, len(r.entries))
	for _, e := range r.entries {
		if e.live {
			out = append(out, e.cf)
		}
	}
	return out
}
