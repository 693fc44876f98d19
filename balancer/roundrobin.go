package balancer

import (
	"math/rand"
	"time"
)

// DefaultMaxWheelSize bounds the round-robin wheel's size. A bound near
// 2^32 is impractical to actually allocate; this value is large enough
// that any realistic weight configuration fits without scaling, while
// remaining a real, enforced bound.
const DefaultMaxWheelSize = 1 << 16

// RoundRobin is a weighted round-robin policy: a flat wheel of address
// references, built by placing each address's GCD-reduced weight in
// consecutive slots and then permuting the whole sequence once.
type RoundRobin struct {
	MaxWheelSize int

	wheel  []*Address
	cursor int
	rnd    *rand.Rand
}

var _ Policy = (*RoundRobin)(nil)

// NewRoundRobin returns a RoundRobin policy. maxWheelSize <= 0 uses
// DefaultMaxWheelSize.
func NewRoundRobin(maxWheelSize int) *RoundRobin {
	if maxWheelSize <= 0 {
		maxWheelSize = DefaultMaxWheelSize
	}
	return &RoundRobin{
		MaxWheelSize: maxWheelSize,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *RoundRobin) checkCapacity(b *Balancer, newHostCount int) error {
	return nil
}

func (p *RoundRobin) afterHostUpdate(b *Balancer, h *Host) {
	p.rebuild(b)
}

func (p *RoundRobin) rebuild(b *Balancer) {
	addrs := liveAddresses(b)
	if len(addrs) == 0 {
		p.wheel = nil
		p.cursor = 0
		return
	}

	weights := make([]int, len(addrs))
	for i, a := range addrs {
		weights[i] = a.Weight
	}
	divisor := gcdAll(weights)

	total := 0
	for _, w := range weights {
		total += w / divisor
	}

	scale := 1
	if total > p.MaxWheelSize {
		scale = (total + p.MaxWheelSize - 1) / p.MaxWheelSize
	}

	var wheel []*Address
	for _, a := range addrs {
		a.Slots = nil
		n := (a.Weight / divisor) / scale
		if n < 1 {
			n = 1
		}
		for j := 0; j < n; j++ {
			wheel = append(wheel, a)
		}
	}

	p.rnd.Shuffle(len(wheel), func(i, j int) {
		wheel[i], wheel[j] = wheel[j], wheel[i]
	})

	for i, a := range wheel {
		a.Slots = append(a.Slots, i)
	}

	p.wheel = wheel
	p.cursor = 0
}

func (p *RoundRobin) pick(b *Balancer, handle *Handle, hashValue string) (*Address, error) {
	n := len(p.wheel)
	if n == 0 {
		return nil, ErrNoPeersAvailable
	}

	var exclude *Address
	if handle != nil {
		exclude = handle.Address
	}

	start := p.cursor
	var fallback *Address

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		addr := p.wheel[idx]
		if !addr.Available || addr.Disabled {
			continue
		}
		if addr == exclude {
			if fallback == nil {
				fallback = addr
			}
			continue
		}
		p.cursor = (idx + 1) % n
		return addr, nil
	}

	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoPeersAvailable
}
