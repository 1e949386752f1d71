package subscriber

import (
	"slices"

	"github.com/signalsfoundry/gsn-simulator/model"
)

// Table indexes the records of one serving node by IMSI. It is owned by the
// node and never shared.
type Table struct {
	records  map[model.IMSI]*Record
	nextTMSI model.TMSI
	onGMM    func(imsi model.IMSI, from, to GMMState)
}

// NewTable returns an empty table. onGMM, when non-nil, is installed on
// every record the table creates.
func NewTable(onGMM func(imsi model.IMSI, from, to GMMState)) *Table {
	return &Table{
		records: make(map[model.IMSI]*Record),
		onGMM:   onGMM,
	}
}

// Get returns the record for imsi.
func (t *Table) Get(imsi model.IMSI) (*Record, bool) {
	r, ok := t.records[imsi]
	return r, ok
}

// Ensure returns the record for imsi, creating it when absent.
func (t *Table) Ensure(imsi model.IMSI) (*Record, bool) {
	if r, ok := t.records[imsi]; ok {
		return r, false
	}
	r := NewRecord(imsi)
	r.OnGMM = t.onGMM
	t.records[imsi] = r
	return r, true
}

// Remove deletes the record for imsi.
func (t *Table) Remove(imsi model.IMSI) bool {
	if _, ok := t.records[imsi]; !ok {
		return false
	}
	delete(t.records, imsi)
	return true
}

// Len returns the number of records.
func (t *Table) Len() int { return len(t.records) }

// IMSIs returns every indexed identity in sorted order.
func (t *Table) IMSIs() []model.IMSI {
	out := make([]model.IMSI, 0, len(t.records))
	for imsi := range t.records {
		out = append(out, imsi)
	}
	slices.Sort(out)
	return out
}

// AllocateTMSI hands out the next temporary identity. Zero is never issued.
func (t *Table) AllocateTMSI() model.TMSI {
	t.nextTMSI++
	if t.nextTMSI == 0 {
		t.nextTMSI++
	}
	return t.nextTMSI
}
