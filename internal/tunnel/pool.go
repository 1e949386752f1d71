package tunnel

import (
	"errors"
	"fmt"
	"net/netip"

	"go4.org/netipx"

	"github.com/signalsfoundry/gsn-simulator/model"
)

// ErrPoolExhausted reports that no dynamic address is free.
var ErrPoolExhausted = errors.New("address pool exhausted")

// Pool assigns packet addresses: static addresses configured per
// subscriber first, then dynamic addresses from a prefix.
type Pool struct {
	static  map[model.IMSI]netip.Addr
	owners  map[netip.Addr]model.IMSI
	dynamic map[model.IMSI]netip.Addr

	rng  netipx.IPRange
	next netip.Addr
}

// NewPool builds a pool. An invalid prefix disables dynamic assignment.
func NewPool(prefix netip.Prefix, static map[model.IMSI]netip.Addr) (*Pool, error) {
	p := &Pool{
		static:  make(map[model.IMSI]netip.Addr, len(static)),
		owners:  make(map[netip.Addr]model.IMSI, len(static)),
		dynamic: make(map[model.IMSI]netip.Addr),
	}
	for imsi, addr := range static {
		if other, dup := p.owners[addr]; dup {
			return nil, fmt.Errorf("address %s assigned to %s and %s", addr, other, imsi)
		}
		p.static[imsi] = addr
		p.owners[addr] = imsi
	}
	if prefix.IsValid() {
		rng := netipx.RangeOfPrefix(prefix.Masked())
		// Skip the network address.
		if first := rng.From().Next(); rng.Contains(first) {
			p.rng = rng
			p.next = first
		}
	}
	return p, nil
}

// Assign returns the address of imsi, allocating a dynamic one if needed.
func (p *Pool) Assign(imsi model.IMSI) (netip.Addr, error) {
	if a, ok := p.static[imsi]; ok {
		return a, nil
	}
	if a, ok := p.dynamic[imsi]; ok {
		return a, nil
	}
	if !p.rng.IsValid() {
		return netip.Addr{}, ErrPoolExhausted
	}
	start := p.next
	for {
		a := p.next
		p.advance()
		if _, taken := p.owners[a]; !taken && a != p.rng.To() {
			p.dynamic[imsi] = a
			p.owners[a] = imsi
			return a, nil
		}
		if p.next == start {
			return netip.Addr{}, ErrPoolExhausted
		}
	}
}

func (p *Pool) advance() {
	n := p.next.Next()
	if !n.IsValid() || !p.rng.Contains(n) {
		n = p.rng.From().Next()
	}
	p.next = n
}

// Release returns a dynamic address to the pool. Static addresses stay
// bound to their subscriber.
func (p *Pool) Release(imsi model.IMSI) {
	a, ok := p.dynamic[imsi]
	if !ok {
		return
	}
	delete(p.dynamic, imsi)
	delete(p.owners, a)
}

// Owner resolves the subscriber an address belongs to.
func (p *Pool) Owner(addr netip.Addr) (model.IMSI, bool) {
	imsi, ok := p.owners[addr]
	return imsi, ok
}
