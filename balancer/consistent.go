package balancer

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// DefaultPoints is the default continuum size.
const DefaultPoints = 1000

const entriesPerHost = 160

// Consistent is a Ketama-style consistent-hashing policy: a sparse
// continuum of fixed size, each address placed at
// `floor((weight/totalWeight) * hostCount * 160)` positions via a stable
// hash of "ip:port i", with collisions resolved by moving on to the next i
// rather than probing the next slot.
//
// Placement uses github.com/cespare/xxhash/v2 truncated into the
// continuum's index space via modulo.
type Consistent struct {
	Points int

	continuum []*Address
}

var _ Policy = (*Consistent)(nil)

// NewConsistent returns a Consistent policy with the given continuum size.
// points <= 0 uses DefaultPoints.
func NewConsistent(points int) *Consistent {
	if points <= 0 {
		points = DefaultPoints
	}
	return &Consistent{Points: points}
}

func (p *Consistent) checkCapacity(b *Balancer, newHostCount int) error {
	if newHostCount*entriesPerHost > p.Points {
		return ErrNotEnoughSlots
	}
	return nil
}

func (p *Consistent) afterHostUpdate(b *Balancer, h *Host) {
	p.rebuild(b)
}

// rebuild is a deterministic function of the current membership set: hosts
// are ordered by (hostname, port) and each host's addresses by (ip, port)
// before placement, so two balancers built from the same hosts in any
// insertion order produce byte-identical continua.
func (p *Consistent) rebuild(b *Balancer) {
	addrs := liveAddresses(b)

	continuum := make([]*Address, p.Points)
	for _, a := range addrs {
		a.Slots = nil
	}

	if len(addrs) == 0 {
		p.continuum = continuum
		return
	}

	totalWeight := 0
	for _, a := range addrs {
		totalWeight += a.Weight
	}
	hostCount := len(distinctHosts(addrs))

	for _, a := range addrs {
		entries := (a.Weight * hostCount * entriesPerHost) / totalWeight
		if entries < 1 {
			entries = 1
		}

		i := 1
		placed := 0
		for placed < entries {
			idx := continuumIndex(a, i, p.Points)
			for continuum[idx] != nil {
				i++
				idx = continuumIndex(a, i, p.Points)
			}
			continuum[idx] = a
			a.Slots = append(a.Slots, idx)
			placed++
			i++
		}
	}

	p.continuum = continuum
}

func continuumIndex(a *Address, i, points int) int {
	key := fmt.Sprintf("%s:%d %d", a.IP, a.Port, i)
	return int(xxhash.Sum64String(key) % uint64(points))
}

func distinctHosts(addrs []*Address) map[*Host]bool {
	set := map[*Host]bool{}
	for _, a := range addrs {
		set[a.Host] = true
	}
	return set
}

// pick hashes hashValue into the continuum's index space and walks
// counter-clockwise (decreasing index, wrapping) until an available,
// non-disabled entry is found. The direction is fixed and must not change,
// since flipping it would silently remap every existing key.
func (p *Consistent) pick(b *Balancer, handle *Handle, hashValue string) (*Address, error) {
	n := len(p.continuum)
	if n == 0 {
		return nil, ErrNoPeersAvailable
	}

	key := hashValue
	if key == "" && handle != nil {
		key = handle.HashValue
	}

	start := int(xxhash.Sum64String(key) % uint64(n))

	var exclude *Address
	if handle != nil {
		exclude = handle.Address
	}

	var fallback *Address
	for i := 0; i < n; i++ {
		idx := ((start-i)%n + n) % n
		addr := p.continuum[idx]
		if addr == nil || !addr.Available || addr.Disabled {
			continue
		}
		if addr == exclude {
			if fallback == nil {
				fallback = addr
			}
			continue
		}
		return addr, nil
	}

	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoPeersAvailable
}
