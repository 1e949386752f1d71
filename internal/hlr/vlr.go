package hlr

import "github.com/signalsfoundry/gsn-simulator/model"

// VLREntry is the visitor-register state for one attached subscriber.
type VLREntry struct {
	RoutingArea model.RoutingArea
	RNC         model.RNCID
	Cell        model.CellID
}

// VLR is the visitor location register local to one serving node.
type VLR struct {
	entries map[model.IMSI]VLREntry
}

// NewVLR returns an empty register.
func NewVLR() *VLR {
	return &VLR{entries: make(map[model.IMSI]VLREntry)}
}

// Attach creates or refreshes the entry for imsi. It reports whether the
// entry is new.
func (v *VLR) Attach(imsi model.IMSI, ra model.RoutingArea, rnc model.RNCID, cell model.CellID) bool {
	_, existed := v.entries[imsi]
	v.entries[imsi] = VLREntry{RoutingArea: ra, RNC: rnc, Cell: cell}
	return !existed
}

// Lookup returns the controller and cell the subscriber was last seen under.
func (v *VLR) Lookup(imsi model.IMSI) (model.RNCID, model.CellID, bool) {
	e, ok := v.entries[imsi]
	return e.RNC, e.Cell, ok
}

// Entry returns the full entry for imsi.
func (v *VLR) Entry(imsi model.IMSI) (VLREntry, bool) {
	e, ok := v.entries[imsi]
	return e, ok
}

// Detach removes the entry for imsi.
func (v *VLR) Detach(imsi model.IMSI) bool {
	if _, ok := v.entries[imsi]; !ok {
		return false
	}
	delete(v.entries, imsi)
	return true
}

// Len returns the number of entries.
func (v *VLR) Len() int { return len(v.entries) }
