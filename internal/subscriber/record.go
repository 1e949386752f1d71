// Package subscriber holds the per-subscriber record owned by a serving node
// and the table that indexes it.
package subscriber

import (
	"errors"
	"fmt"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/model"
)

var (
	// ErrNoTransactionID reports an exhausted network TI space.
	ErrNoTransactionID = errors.New("no free network transaction identifier")
	// ErrTransactionIDFree reports a release of a TI that was never allocated.
	ErrTransactionIDFree = errors.New("transaction identifier not in use")
	// ErrIllegalTransition reports a GMM transition outside the state graph.
	ErrIllegalTransition = errors.New("illegal GMM transition")
)

// Conn is one (discriminator, transaction) pair riding a signaling connection.
type Conn struct {
	PD nas.PD
	TI model.TI
}

// Domain returns the core domain of the pair.
func (c Conn) Domain() model.Domain { return c.PD.Domain() }

// Paging is the paging procedure outstanding in one domain.
type Paging struct {
	Timer   timer.Handle
	Retry   timer.Retry
	Waiting []Conn
}

// Record is the state a serving node keeps for one attached subscriber.
type Record struct {
	IMSI         model.IMSI
	TMSI         model.TMSI
	RNC          model.RNCID
	Cell         model.CellID
	RoutingArea  model.RoutingArea
	LocationArea model.LocationArea

	MM     MMState
	GMM    GMMState
	GMMSub GMMSubState
	PMM    PMMState
	// CSAttached is set by a completed location update.
	CSAttached bool

	AttachTimer timer.Handle
	AttachRetry timer.Retry
	AttachMsg   *nas.Message

	LocationTimer timer.Handle
	LocationRetry timer.Retry

	networkTIs *bitset.BitSet
	conns      []Conn
	flows      []Conn
	paging     map[model.Domain]*Paging

	// OnGMM observes every GMM main-state transition.
	OnGMM func(imsi model.IMSI, from, to GMMState)
}

// NewRecord returns a DEREGISTERED, DETACHED record.
func NewRecord(imsi model.IMSI) *Record {
	return &Record{
		IMSI:       imsi,
		networkTIs: bitset.New(model.MaxTIValue),
		paging:     make(map[model.Domain]*Paging),
	}
}

// SetGMM moves the GMM main state along the state graph. Re-entering the
// current state is a no-op.
func (r *Record) SetGMM(to GMMState) error {
	if r.GMM == to {
		return nil
	}
	if !gmmAllowed(r.GMM, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.GMM, to)
	}
	from := r.GMM
	r.GMM = to
	if to != GMMRegistered {
		r.GMMSub = GMMSubNone
	}
	if r.OnGMM != nil {
		r.OnGMM(r.IMSI, from, to)
	}
	return nil
}

// AllocateTI claims the lowest free network-originated transaction id.
func (r *Record) AllocateTI() (model.TI, error) {
	for v := uint(0); v < model.MaxTIValue; v++ {
		if !r.networkTIs.Test(v) {
			r.networkTIs.Set(v)
			return model.NetworkTI(uint8(v)), nil
		}
	}
	return 0, ErrNoTransactionID
}

// ReleaseTI clears a network-originated id. Subscriber-originated ids are
// not tracked and release as a no-op.
func (r *Record) ReleaseTI(ti model.TI) error {
	if !ti.NetworkOriginated() {
		return nil
	}
	v := uint(ti.Value())
	if !r.networkTIs.Test(v) {
		return fmt.Errorf("%w: %s", ErrTransactionIDFree, ti)
	}
	r.networkTIs.Clear(v)
	return nil
}

// TIInUse reports whether a network-originated id is allocated.
func (r *Record) TIInUse(ti model.TI) bool {
	return ti.NetworkOriginated() && r.networkTIs.Test(uint(ti.Value()))
}

// TIsInUse returns the number of allocated network-originated ids.
func (r *Record) TIsInUse() int { return int(r.networkTIs.Count()) }

// AddConn records an active signaling pair. Duplicates are ignored.
func (r *Record) AddConn(c Conn) {
	if !slices.Contains(r.conns, c) {
		r.conns = append(r.conns, c)
	}
}

// RemoveConn drops a pair and reports whether it was present.
func (r *Record) RemoveConn(c Conn) bool {
	i := slices.Index(r.conns, c)
	if i < 0 {
		return false
	}
	r.conns = slices.Delete(r.conns, i, i+1)
	return true
}

// Conns returns the active pairs, optionally filtered by domain.
func (r *Record) Conns(d *model.Domain) []Conn {
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if d == nil || c.Domain() == *d {
			out = append(out, c)
		}
	}
	return out
}

// HasConns reports whether any pair remains in domain d.
func (r *Record) HasConns(d model.Domain) bool {
	return len(r.Conns(&d)) > 0
}

// AddFlow appends a flow or call to the ordered collection.
func (r *Record) AddFlow(c Conn) {
	if !slices.Contains(r.flows, c) {
		r.flows = append(r.flows, c)
	}
}

// RemoveFlow drops a flow or call.
func (r *Record) RemoveFlow(c Conn) bool {
	i := slices.Index(r.flows, c)
	if i < 0 {
		return false
	}
	r.flows = slices.Delete(r.flows, i, i+1)
	return true
}

// Flows returns the flows of one discriminator in creation order.
func (r *Record) Flows(pd nas.PD) []Conn {
	var out []Conn
	for _, c := range r.flows {
		if c.PD == pd {
			out = append(out, c)
		}
	}
	return out
}

// Paging returns the paging procedure of domain d, or nil.
func (r *Record) Paging(d model.Domain) *Paging { return r.paging[d] }

// StartPaging creates the paging procedure of domain d if none exists and
// queues c on it. It reports whether the procedure is new.
func (r *Record) StartPaging(d model.Domain, c Conn, maxRetries int) (*Paging, bool) {
	p, ok := r.paging[d]
	if !ok {
		p = &Paging{Retry: timer.NewRetry(maxRetries)}
		r.paging[d] = p
	}
	if !slices.Contains(p.Waiting, c) {
		p.Waiting = append(p.Waiting, c)
	}
	return p, !ok
}

// StopPaging removes and returns the paging procedure of domain d.
func (r *Record) StopPaging(d model.Domain) *Paging {
	p := r.paging[d]
	delete(r.paging, d)
	return p
}

// Timers returns every timer handle the record itself holds.
func (r *Record) Timers() []timer.Handle {
	hs := []timer.Handle{r.AttachTimer, r.LocationTimer}
	for _, p := range r.paging {
		hs = append(hs, p.Timer)
	}
	return hs
}
