// Package balancer implements a family of DNS-aware load balancers: a host
// registers a hostname (and default port) with a Balancer, the Balancer
// resolves it through a dnslb.Resolver, and getPeer picks one of the
// resulting addresses under a pluggable selection Policy (round-robin,
// consistent hashing, or least-connections).
//
// Where a resolver picks one address out of one DNS answer, a Balancer
// picks one address out of many hostnames, each independently tracked and
// refreshed.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/classmarkets/dnslb"
	"github.com/classmarkets/dnslb/record"
)

// Errors exposed to callers of GetPeer.
var (
	// ErrBalancerUnhealthy is returned when the balancer's total available
	// weight is zero.
	ErrBalancerUnhealthy = errors.New("balancer: unhealthy, no available weight")

	// ErrNoPeersAvailable is returned when a selection policy traverses its
	// entire wheel/continuum/list without finding an available address.
	ErrNoPeersAvailable = errors.New("balancer: no peers available")

	// ErrNotEnoughSlots is returned by AddHost when a consistent-hashing
	// continuum cannot accommodate the resulting host count.
	ErrNotEnoughSlots = errors.New("balancer: not enough free slots")

	// ErrDuplicateHost is returned by AddHost for an already-registered
	// (hostname, port) pair.
	ErrDuplicateHost = errors.New("balancer: host already registered")

	// ErrHostNotFound is returned by RemoveHost for an unregistered
	// (hostname, port) pair.
	ErrHostNotFound = errors.New("balancer: host not registered")
)

// Policy is the pluggable selection strategy a Balancer delegates to. It is
// always invoked with the Balancer's mutex held.
type Policy interface {
	// afterHostUpdate is called whenever a host's address set changes (add,
	// remove, or DNS-refresh reconcile) so the policy can rebuild or patch
	// its selection structure.
	afterHostUpdate(b *Balancer, h *Host)

	// pick selects one available, non-disabled address. handle, if
	// non-nil, is a retry: the policy should avoid re-selecting
	// handle.Address when another choice exists. hashValue is only
	// meaningful to the consistent-hashing policy.
	pick(b *Balancer, handle *Handle, hashValue string) (*Address, error)

	// checkCapacity is consulted before a new host is added; a
	// capacity-bounded policy (consistent hashing) uses it to reject the
	// add with ErrNotEnoughSlots.
	checkCapacity(b *Balancer, newHostCount int) error
}

// releaser is implemented by policies that track in-flight use of an
// address (least-connections) and need to know when a caller is done with
// it.
type releaser interface {
	release(addr *Address)
}

// Host represents one hostname registered with a Balancer.
type Host struct {
	Hostname   string
	Port       int
	NodeWeight int

	// Weight is the sum of Weight over this host's available, non-disabled
	// addresses.
	Weight int

	Addresses []*Address

	b *Balancer

	lastAnswer   record.Set
	lastType     record.Type
	lastAnswerAt time.Time
	lastTTL      time.Duration
	addrByKey    map[string]*Address
}

// Address is one (ip, port, weight) endpoint belonging to a Host.
type Address struct {
	IP        string
	Port      int
	Weight    int
	Available bool
	Disabled  bool

	Host *Host

	// Slots is owned by ring-based policies (round-robin, consistent
	// hashing) to record which wheel/continuum positions this address
	// currently occupies.
	Slots []int
}

// Handle is the opaque selection context returned alongside a chosen peer.
// Passing it back into GetPeer signals a retry.
type Handle struct {
	Address    *Address
	RetryCount int
	HashValue  string
}

type hostKey struct {
	hostname string
	port     int
}

// Balancer maps (hostname, port) to Host, resolves hosts through a
// dnslb.Resolver, and delegates peer selection to a Policy.
type Balancer struct {
	mu sync.Mutex

	resolver *dnslb.Resolver
	policy   Policy

	hosts       map[hostKey]*Host
	totalWeight int
	healthy     bool
}

// New returns a Balancer that resolves hosts via resolver and selects peers
// via policy.
func New(resolver *dnslb.Resolver, policy Policy) *Balancer {
	return &Balancer{
		resolver: resolver,
		policy:   policy,
		hosts:    map[hostKey]*Host{},
	}
}

// Healthy reports whether the balancer's total available weight is
// non-zero.
func (b *Balancer) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

// Hosts returns a snapshot of the currently registered hosts.
func (b *Balancer) Hosts() []*Host {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Host, 0, len(b.hosts))
	for _, h := range b.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hostname != out[j].Hostname {
			return out[i].Hostname < out[j].Hostname
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// AddHost registers hostname:port with the balancer, performs its initial
// DNS resolve, and adds the resulting addresses. A resolve failure is
// returned to the caller but the host remains registered with zero
// addresses (weight 0). A host with no resolvable addresses is excluded
// from selection, not removed.
func (b *Balancer) AddHost(ctx context.Context, hostname string, port int, nodeWeight int) (*Host, error) {
	key := hostKey{hostname, port}

	b.mu.Lock()
	if _, exists := b.hosts[key]; exists {
		b.mu.Unlock()
		return nil, ErrDuplicateHost
	}
	if err := b.policy.checkCapacity(b, len(b.hosts)+1); err != nil {
		b.mu.Unlock()
		return nil, err
	}

	h := &Host{
		Hostname:   hostname,
		Port:       port,
		NodeWeight: nodeWeight,
		b:          b,
		addrByKey:  map[string]*Address{},
	}
	b.hosts[key] = h
	b.mu.Unlock()

	_, resolveErr := b.resolveHost(ctx, h, false)

	b.mu.Lock()
	b.recomputeWeights()
	b.mu.Unlock()

	return h, resolveErr
}

// RemoveHost disables every address of hostname:port, lets the policy
// reconcile, then detaches the host.
func (b *Balancer) RemoveHost(hostname string, port int) error {
	key := hostKey{hostname, port}

	b.mu.Lock()
	h, ok := b.hosts[key]
	if !ok {
		b.mu.Unlock()
		return ErrHostNotFound
	}
	for _, addr := range h.Addresses {
		addr.Disabled = true
		addr.Weight = 0
	}
	b.policy.afterHostUpdate(b, h)
	delete(b.hosts, key)
	b.recomputeWeights()
	b.mu.Unlock()

	return nil
}

// SetAddressStatus flips an address's availability and recomputes the
// balancer's weight totals and health.
func (b *Balancer) SetAddressStatus(addr *Address, available bool) {
	b.mu.Lock()
	addr.Available = available
	b.recomputeWeights()
	b.mu.Unlock()
}

func (b *Balancer) recomputeWeights() {
	total := 0
	for _, h := range b.hosts {
		hw := 0
		for _, addr := range h.Addresses {
			if addr.Available && !addr.Disabled {
				hw += addr.Weight
			}
		}
		h.Weight = hw
		total += hw
	}
	b.totalWeight = total
	b.healthy = total > 0
}

// GetPeer selects one address according to the balancer's policy. If handle
// is non-nil this is a retry (handle.RetryCount is incremented and the
// policy tries to avoid repeating handle.Address). hashValue is consulted
// only by the consistent-hashing policy.
func (b *Balancer) GetPeer(ctx context.Context, cacheOnly bool, handle *Handle, hashValue string) (ip string, port int, hostname string, next *Handle, err error) {
	retryCount := 0
	if handle != nil {
		retryCount = handle.RetryCount + 1
	}

	const maxRefreshRetries = 5
	for attempt := 0; attempt <= maxRefreshRetries; attempt++ {
		b.mu.Lock()
		if !b.healthy {
			b.mu.Unlock()
			return "", 0, "", nil, ErrBalancerUnhealthy
		}
		addr, pickErr := b.policy.pick(b, handle, hashValue)
		b.mu.Unlock()
		if pickErr != nil {
			return "", 0, "", nil, pickErr
		}

		if b.refreshIfStale(ctx, addr.Host, cacheOnly) {
			continue // address set changed underneath us; pick again
		}

		return addr.IP, addr.Port, addr.Host.Hostname, &Handle{
			Address:    addr,
			RetryCount: retryCount,
			HashValue:  hashValue,
		}, nil
	}

	return "", 0, "", nil, ErrNoPeersAvailable
}

// ReleaseHandle tells a connection-count-tracking policy (least-connections)
// that a caller is done with the address named by handle.
func (b *Balancer) ReleaseHandle(handle *Handle) {
	if handle == nil || handle.Address == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if rel, ok := b.policy.(releaser); ok {
		rel.release(handle.Address)
	}
}

// refreshIfStale re-resolves host if its last DNS answer is older than its
// TTL. It returns true if the address set changed, in which case the caller
// should pick again rather than trust the address it already chose.
func (b *Balancer) refreshIfStale(ctx context.Context, host *Host, cacheOnly bool) bool {
	b.mu.Lock()
	stale := time.Since(host.lastAnswerAt) >= host.lastTTL
	b.mu.Unlock()
	if !stale {
		return false
	}

	changed, err := b.resolveHost(ctx, host, cacheOnly)
	if err != nil {
		// Keep serving the stale address set; a transient resolve failure
		// should not take otherwise-healthy addresses out of rotation.
		return false
	}
	return changed
}

// resolveHost resolves host.Hostname, diffs the result against the
// previous answer, applies the add/disable reconcile, and runs the policy
// hook. It reports whether the address set changed.
func (b *Balancer) resolveHost(ctx context.Context, host *Host, cacheOnly bool) (bool, error) {
	set, typ, err := b.resolver.Resolve(ctx, host.Hostname, dnslb.QueryOptions{}, cacheOnly)
	if err != nil {
		return false, err
	}

	newByKey := map[string]record.Record{}
	for _, rec := range set {
		k, ok := sortKey(rec)
		if ok {
			newByKey[k] = rec
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	oldByKey := host.addrByKey
	typeTransition := host.lastType != 0 && host.lastType != typ
	if typeTransition {
		oldByKey = map[string]*Address{}
	}

	changed := typeTransition
	newAddrByKey := map[string]*Address{}

	for k, rec := range newByKey {
		if addr, ok := oldByKey[k]; ok {
			newAddrByKey[k] = addr
			continue
		}
		addr := newAddress(host, rec)
		host.Addresses = append(host.Addresses, addr)
		newAddrByKey[k] = addr
		changed = true
	}

	for k, addr := range oldByKey {
		if _, ok := newByKey[k]; !ok {
			addr.Disabled = true
			addr.Weight = 0
			changed = true
		}
	}

	if typeTransition {
		for _, addr := range host.addrByKey {
			addr.Disabled = true
			addr.Weight = 0
		}
	}

	host.addrByKey = newAddrByKey
	host.lastAnswer = set
	host.lastType = typ
	host.lastAnswerAt = time.Now()
	host.lastTTL = set.TTL()

	if changed {
		b.policy.afterHostUpdate(b, host)
		b.recomputeWeights()
	}

	return changed, nil
}

func newAddress(host *Host, rec record.Record) *Address {
	switch rec := rec.(type) {
	case *record.A:
		return &Address{IP: rec.Address, Port: host.Port, Weight: host.NodeWeight, Available: true, Host: host}
	case *record.AAAA:
		return &Address{IP: rec.Address, Port: host.Port, Weight: host.NodeWeight, Available: true, Host: host}
	case *record.SRV:
		return &Address{IP: rec.Target, Port: int(rec.Port), Weight: int(rec.Weight), Available: true, Host: host}
	default:
		return &Address{Host: host, Available: false, Disabled: true}
	}
}

// sortKey derives a diff-friendly key: for A/AAAA the ip, for SRV
// "priority:target:port:weight".
func sortKey(rec record.Record) (string, bool) {
	switch rec := rec.(type) {
	case *record.A:
		return rec.Address, true
	case *record.AAAA:
		return rec.Address, true
	case *record.SRV:
		return fmt.Sprintf("%d:%s:%d:%d", rec.Priority, rec.Target, rec.Port, rec.Weight), true
	default:
		return "", false
	}
}

// liveAddresses returns every address across every host that currently
// carries weight, sorted by (host.Hostname, host.Port, address.IP,
// address.Port) for deterministic, insertion-order-independent builds —
// the consistent-hashing continuum's stability requirement.
func liveAddresses(b *Balancer) []*Address {
	var out []*Address
	hosts := make([]*Host, 0, len(b.hosts))
	for _, h := range b.hosts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Hostname != hosts[j].Hostname {
			return hosts[i].Hostname < hosts[j].Hostname
		}
		return hosts[i].Port < hosts[j].Port
	})

	for _, h := range hosts {
		addrs := append([]*Address(nil), h.Addresses...)
		sort.Slice(addrs, func(i, j int) bool {
			if addrs[i].IP != addrs[j].IP {
				return addrs[i].IP < addrs[j].IP
			}
			return addrs[i].Port < addrs[j].Port
		})
		for _, a := range addrs {
			if a.Available && !a.Disabled && a.Weight > 0 {
				out = append(out, a)
			}
		}
	}
	return out
}

func gcdAll(values []int) int {
	g := 0
	for _, v := range values {
		g = gcd(g, v)
	}
	if g == 0 {
		g = 1
	}
	return g
}

func gcd(a, b int) int {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
