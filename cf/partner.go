package cf

import "time"

// NameFilter matches an External CF's NAME field by field; a nil pointer
// means "don't care" for that field.
type NameFilter struct {
	ManufacturerCode *uint16
	FunctionCode     *uint8
	DeviceClass      *uint8
	IndustryGroup    *uint8
}

func (f NameFilter) matches(cf ControlFunction) bool {
	if f.ManufacturerCode != nil && cf.NAME.ManufacturerCode() != *f.ManufacturerCode {
		return false
	}
	if f.FunctionCode != nil && cf.NAME.FunctionCode() != *f.FunctionCode {
		return false
	}
	if f.DeviceClass != nil && cf.NAME.DeviceClass() != *f.DeviceClass {
		return false
	}
	if f.IndustryGroup != nil && cf.NAME.IndustryGroup() != *f.IndustryGroup {
		return false
	}
	return true
}

// PartnerEventKind identifies a partner-lifecycle event (§9: an ordered list
// of typed closures plus an emit operation, not reflection-based dispatch).
type PartnerEventKind int

const (
	PartnerFound PartnerEventKind = iota
	PartnerLost
)

// PartnerEvent is delivered to a PartnerListener.
type PartnerEvent struct {
	Partner PartnerHandle
	Kind    PartnerEventKind
	Bound   Handle // the External CF handle; valid for PartnerFound
}

// PartnerListener observes partner lifecycle events.
type PartnerListener func(PartnerEvent)

// PartnerHandle references one registered partner filter.
type PartnerHandle int

type partner struct {
	id     PartnerHandle
	filter NameFilter
	bound  Handle
	found  bool
	port   int
}

// PartnerFilter registers a NAME filter; the registry scans External CFs on
// every subsequent ObserveClaim/AgeExternals call and fires PartnerFound
// when a match first appears, PartnerLost when a bound match has been
// silent past the registry's external timeout.
func (r *Registry) PartnerFilter(port int, filter NameFilter) PartnerHandle {
	id := PartnerHandle(r.nextPartID)
	r.nextPartID++
	r.partners = append(r.partners, &partner{id: id, filter: filter, port: port})
	return id
}

// Subscribe registers a listener invoked for every partner lifecycle event,
// in registration order, matching §9's event-subscription shape.
func (r *Registry) Subscribe(l PartnerListener) {
	r.listeners = append(r.listeners, l)
}

func (r *Registry) emit(ev PartnerEvent) {
	for _, l := range r.listeners {
		l(ev)
	}
}

func (r *Registry) resolvePartners(now time.Duration) {
	for _, p := range r.partners {
		if p.bound != 0 {
			if cf, ok := r.Get(p.bound); !ok || cf.State == Offline {
				p.bound = 0
				p.found = false
				r.emit(PartnerEvent{Partner: p.id, Kind: PartnerLost})
			}
			continue
		}
		for _, e := range r.entries {
			if !e.live || e.cf.Kind != External || e.cf.Port != p.port || e.cf.State != Online {
				continue
			}
			if p.filter.matches(e.cf) {
				p.bound = e.cf.Handle
				p.found = true
				r.emit(PartnerEvent{Partner: p.id, Kind: PartnerFound, Bound: p.bound})
				break
			}
		}
	}
}

// Resolve returns the External CF handle currently bound to a partner
// filter, if any.
func (r *Registry) Resolve(p PartnerHandle) (Handle, bool) {
	for _, pp := range r.partners {
		if pp.id == p {
			return pp.bound, pp.bound != 0
		}
	}
	return 0, false
}
