// Package dnslb implements a client-side DNS resolution layer with dog-pile
// suppressing cache, CNAME/SRV chasing, negative caching and literal-IP
// short-circuiting, plus (in the balancer sub-package) a family of
// DNS-aware load balancers built on top of it.
//
// Concurrent calls to all exported methods of Resolver are safe.
package dnslb

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/classmarkets/dnslb/cache"
	"github.com/classmarkets/dnslb/hostsfile"
	"github.com/classmarkets/dnslb/record"
	"github.com/classmarkets/dnslb/resolvconf"
	"github.com/classmarkets/dnslb/singleflight"
)

// DefaultOrder is the try-order used when Options.Order is not set.
var DefaultOrder = []record.Type{
	record.TypeLAST,
	record.TypeSRV,
	record.TypeA,
	record.TypeAAAA,
	record.TypeCNAME,
}

// DefaultMaxCNAMEDepth bounds CNAME chasing.
const DefaultMaxCNAMEDepth = 20

const tenYears = 10 * 365 * 24 * time.Hour

// Options configures a Resolver. It is immutable once passed to Init except
// via a subsequent Init call, which also clears the cache — see Resolver.Init.
type Options struct {
	// Nameservers is the list of "host" or "host:port" servers to query.
	// Port defaults to 53 if omitted. If empty and ResolvConf is set, its
	// Nameservers are used instead.
	Nameservers []string

	// Hosts, if set, is consulted for A/AAAA lookups before any network
	// I/O (and before the literal-IP short circuit), the same precedence
	// libc's hosts(5) lookup gives a local hosts file over DNS.
	Hosts *hostsfile.File

	// ResolvConf, if set, supplies Retrans/Timeout defaults from its
	// parsed "attempts"/"timeout" options, and the nameserver list when
	// Nameservers is empty.
	ResolvConf *resolvconf.Config

	// Retrans is the number of query attempts made across the nameserver
	// list before giving up. Defaults to ResolvConf's "attempts" option if
	// set, otherwise 5.
	Retrans int

	// Timeout bounds a single query attempt. Defaults to ResolvConf's
	// "timeout" option (in seconds) if set, otherwise 2s.
	Timeout time.Duration

	// BadTTL is the TTL applied to negative (empty or error) answers.
	// Defaults to cache.DefaultBadTTL (1s).
	BadTTL time.Duration

	// Order is the record-type try-order used when a query does not specify
	// an explicit type. Defaults to DefaultOrder.
	Order []record.Type

	// MaxCNAMEDepth bounds CNAME chasing. Defaults to DefaultMaxCNAMEDepth.
	MaxCNAMEDepth int

	// CacheSize bounds the number of (type, name) cache entries. Defaults to
	// cache.DefaultMaxSize.
	CacheSize int

	// Transport sends queries to a nameserver. Defaults to &DNSTransport{}.
	Transport Transport

	// DisableIPv4 and DisableIPv6 remove A and AAAA respectively from the
	// try-order.
	DisableIPv4 bool
	DisableIPv6 bool

	// QueryLogFunc, if set, is invoked once per Resolve call with every
	// lookup attempt made while servicing it. ToIP calls Resolve once per
	// name it resolves, so an SRV lookup invokes it once for the SRV name
	// and once more for the chosen target.
	QueryLogFunc QueryLogFunc
}

// Resolver resolves DNS queries against a fixed, configured list of
// nameservers, honoring per-record TTLs, dereferencing CNAME/SRV chains,
// and coalescing concurrent identical queries.
//
// A zero Resolver is not usable; use New.
type Resolver struct {
	mu   sync.RWMutex
	opts Options

	cache *cache.Cache
	gate  *singleflight.Gate

	rrMu      sync.Mutex
	rrCursors map[string]*uint64

	srvMu    sync.Mutex
	srvState map[string]*srvWheel
}

// New returns a Resolver configured with opts.
func New(opts Options) *Resolver {
	r := &Resolver{}
	r.Init(opts)
	return r
}

// Init (re)configures the Resolver and clears its cache, single-flight gate
// and per-name selection cursors.
func (r *Resolver) Init(opts Options) {
	if opts.ResolvConf != nil {
		if opts.Retrans <= 0 {
			opts.Retrans = opts.ResolvConf.Attempts(0)
		}
		if opts.Timeout <= 0 {
			if secs := opts.ResolvConf.TimeoutSeconds(0); secs > 0 {
				opts.Timeout = time.Duration(secs) * time.Second
			}
		}
		if len(opts.Nameservers) == 0 {
			opts.Nameservers = append([]string(nil), opts.ResolvConf.Nameservers...)
		}
	}
	if opts.Retrans <= 0 {
		opts.Retrans = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.BadTTL <= 0 {
		opts.BadTTL = cache.DefaultBadTTL
	}
	if len(opts.Order) == 0 {
		opts.Order = DefaultOrder
	}
	if opts.MaxCNAMEDepth <= 0 {
		opts.MaxCNAMEDepth = DefaultMaxCNAMEDepth
	}
	if opts.Transport == nil {
		opts.Transport = &DNSTransport{}
	}
	opts.Nameservers = normalizeServers(opts.Nameservers)

	r.mu.Lock()
	r.opts = opts
	r.cache = cache.New(opts.BadTTL, opts.CacheSize)
	r.gate = singleflight.New()
	r.mu.Unlock()

	r.rrMu.Lock()
	r.rrCursors = map[string]*uint64{}
	r.rrMu.Unlock()

	r.srvMu.Lock()
	r.srvState = map[string]*srvWheel{}
	r.srvMu.Unlock()
}

func normalizeServers(servers []string) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		out = append(out, s)
	}
	return out
}

// QueryOptions customizes a single Resolve call.
type QueryOptions struct {
	// Qtype, if set, bypasses the type-order try-list and queries exactly
	// this type (no CNAME chasing is performed in that case, since chasing
	// is the type-order loop's responsibility).
	Qtype record.Type
}

// StdError maps a resolution result to an ordinary error: a non-nil err is
// returned as-is, an empty-but-successful set becomes ErrDNSEmpty, and a
// non-empty set is not an error.
func (r *Resolver) StdError(set record.Set, err error) error {
	if err != nil {
		return err
	}
	if len(set) == 0 {
		return ErrDNSEmpty
	}
	return nil
}

// ClearCache removes all cached answers and the last-success side index.
// The single-flight gate is left as is, so queries already in flight are
// not affected.
func (r *Resolver) ClearCache() {
	r.mu.RLock()
	c := r.cache
	r.mu.RUnlock()
	c.Clear()
}

// Resolve resolves name, returning the winning record set and its type. If
// opts.Qtype is set, exactly that type is queried (no CNAME chasing). If
// unset, the configured try-order is used: LAST (the type that last
// resolved this name), then SRV, A, AAAA, CNAME, chasing CNAME answers
// automatically up to MaxCNAMEDepth.
//
// If cacheOnly is true, no network I/O is performed: a cache miss returns
// ErrNoCache instead of querying.
func (r *Resolver) Resolve(ctx context.Context, name string, opts QueryOptions, cacheOnly bool) (record.Set, record.Type, error) {
	name = strings.ToLower(name)
	log := &QueryLog{}

	var set record.Set
	var typ record.Type
	var err error

	if opts.Qtype != 0 {
		set, err = r.lookupOneType(ctx, name, opts.Qtype, cacheOnly, log)
		typ = opts.Qtype
		if err == nil && len(set) == 0 {
			err = ErrDNSEmpty
		}
	} else {
		set, typ, err = r.resolveTypeOrder(ctx, name, cacheOnly, 0, log)
	}

	r.emitLog(name, opts.Qtype, log)

	return set, typ, err
}

func (r *Resolver) emitLog(name string, qtype record.Type, log *QueryLog) {
	r.mu.RLock()
	fn := r.opts.QueryLogFunc
	r.mu.RUnlock()
	if fn != nil {
		fn(name, qtype, *log)
	}
}

func (r *Resolver) resolveTypeOrder(ctx context.Context, name string, cacheOnly bool, depth int, log *QueryLog) (record.Set, record.Type, error) {
	r.mu.RLock()
	c := r.cache
	maxDepth := r.opts.MaxCNAMEDepth
	r.mu.RUnlock()

	order := r.buildOrder(name)

	var lastErr error
	for _, t := range order {
		set, err := r.lookupOneType(ctx, name, t, cacheOnly, log)
		if err != nil {
			lastErr = err
			continue
		}
		if len(set) == 0 {
			continue
		}

		if t == record.TypeCNAME {
			if depth+1 > maxDepth {
				c.ClearLastSuccess(name)
				return nil, 0, ErrRecursionLimit
			}
			target := set[0].(*record.CNAME).Target
			rs, winType, err := r.resolveTypeOrder(ctx, target, cacheOnly, depth+1, log)
			if err != nil {
				c.ClearLastSuccess(name)
				return nil, 0, err
			}
			c.SetLastSuccess(name, winType)
			return rs, winType, nil
		}

		c.SetLastSuccess(name, t)
		return set, t, nil
	}

	c.ClearLastSuccess(name)
	if lastErr != nil {
		return nil, 0, lastErr
	}
	return nil, 0, ErrDNSEmpty
}

func (r *Resolver) buildOrder(name string) []record.Type {
	r.mu.RLock()
	base := r.opts.Order
	disableV4 := r.opts.DisableIPv4
	disableV6 := r.opts.DisableIPv6
	c := r.cache
	r.mu.RUnlock()

	seen := map[record.Type]bool{}
	out := make([]record.Type, 0, len(base))
	for _, t := range base {
		actual := t
		if t == record.TypeLAST {
			last, ok := c.GetLastSuccess(name)
			if !ok {
				continue
			}
			actual = last
		}
		if actual == record.TypeA && disableV4 {
			continue
		}
		if actual == record.TypeAAAA && disableV6 {
			continue
		}
		if seen[actual] {
			continue
		}
		seen[actual] = true
		out = append(out, actual)
	}
	return out
}

// lookupOneType resolves a single record type: cache, then single-flight,
// then DNS.
func (r *Resolver) lookupOneType(ctx context.Context, name string, qtype record.Type, cacheOnly bool, log *QueryLog) (record.Set, error) {
	r.mu.RLock()
	c := r.cache
	gate := r.gate
	timeout := r.opts.Timeout
	retrans := r.opts.Retrans
	r.mu.RUnlock()

	entry, ttl0 := c.Lookup(qtype, name, cacheOnly)

	if cacheOnly {
		if entry != nil {
			log.add(QueryAttempt{Type: qtype, Name: name, FromCache: true})
			if err := errorFromSet(entry.Records); err != nil {
				return nil, err
			}
			return entry.Records, nil
		}
		return nil, ErrNoCache
	}

	if entry != nil {
		log.add(QueryAttempt{Type: qtype, Name: name, FromCache: true})
		if err := errorFromSet(entry.Records); err != nil {
			return nil, err
		}
		return entry.Records, nil
	}

	if !ttl0 {
		if set, handled, err := r.hostsShortcut(qtype, name); handled {
			return set, err
		}
		if set, handled, err := r.literalShortcut(qtype, name); handled {
			return set, err
		}
	}

	key := qtype.String() + ":" + name
	maxWait := timeout * time.Duration(retrans)

	v, err := gate.Do(ctx, key, ttl0, maxWait, func(ctx context.Context) (interface{}, error) {
		return r.queryAndNormalize(ctx, qtype, name, log)
	})
	if err != nil {
		if errors.Is(err, singleflight.ErrRetryExceeded) {
			return nil, err
		}
		return nil, err
	}

	return v.(record.Set), nil
}

// hostsShortcut answers an A/AAAA query from the configured hosts file,
// if any, before DNS is ever consulted — the same precedence libc's
// hosts(5) lookup gives a local hosts file over a name server.
func (r *Resolver) hostsShortcut(qtype record.Type, name string) (record.Set, bool, error) {
	r.mu.RLock()
	hosts := r.opts.Hosts
	r.mu.RUnlock()
	if hosts == nil {
		return nil, false, nil
	}

	switch qtype {
	case record.TypeA:
		addr, ok := hosts.LookupV4(name)
		if !ok {
			return nil, false, nil
		}
		set := record.Set{&record.A{
			Header:  record.Header{Name: name, TTL: tenYears, Class: 1},
			Address: addr,
		}}
		r.cache.Insert(set, qtype, name)
		return set, true, nil

	case record.TypeAAAA:
		addr, ok := hosts.LookupV6(name)
		if !ok {
			return nil, false, nil
		}
		set := record.Set{&record.AAAA{
			Header:  record.Header{Name: name, TTL: tenYears, Class: 1},
			Address: addr,
		}}
		r.cache.Insert(set, qtype, name)
		return set, true, nil
	}

	return nil, false, nil
}

func (r *Resolver) literalShortcut(qtype record.Type, name string) (record.Set, bool, error) {
	switch qtype {
	case record.TypeAAAA:
		if !strings.Contains(name, ":") {
			return nil, false, nil
		}
		ip := net.ParseIP(name)
		if ip != nil && ip.To4() == nil {
			set := record.Set{&record.AAAA{
				Header:  record.Header{Name: name, TTL: tenYears, Class: 1},
				Address: ip.String(),
			}}
			r.cache.Insert(set, qtype, name)
			return set, true, nil
		}
		r.cache.Insert(record.Set{&record.Error{
			Header: record.Header{Name: name},
			QType:  qtype,
			Rcode:  dns.RcodeNameError,
			Message: "NXDOMAIN",
		}}, qtype, name)
		return nil, true, &DNSServerError{Rcode: dns.RcodeNameError, Message: "NXDOMAIN"}

	case record.TypeA:
		if !ipv4Shape.MatchString(name) {
			return nil, false, nil
		}
		ip := net.ParseIP(name)
		if ip != nil && ip.To4() != nil {
			set := record.Set{&record.A{
				Header:  record.Header{Name: name, TTL: tenYears, Class: 1},
				Address: ip.String(),
			}}
			r.cache.Insert(set, qtype, name)
			return set, true, nil
		}
		r.cache.Insert(record.Set{&record.Error{
			Header: record.Header{Name: name},
			QType:  qtype,
			Rcode:  dns.RcodeNameError,
			Message: "NXDOMAIN",
		}}, qtype, name)
		return nil, true, &DNSServerError{Rcode: dns.RcodeNameError, Message: "NXDOMAIN"}
	}

	return nil, false, nil
}

var ipv4Shape = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// errorFromSet recovers a *DNSServerError from a cached record.Error, so a
// second lookup within badTTL of a failed query surfaces the same rcode
// instead of silently degrading into an empty result.
func errorFromSet(set record.Set) error {
	if len(set) != 1 {
		return nil
	}
	e, ok := set[0].(*record.Error)
	if !ok {
		return nil
	}
	return &DNSServerError{Rcode: e.Rcode, Message: e.Message}
}

func (r *Resolver) queryAndNormalize(ctx context.Context, qtype record.Type, name string, log *QueryLog) (record.Set, error) {
	r.mu.RLock()
	transport := r.opts.Transport
	servers := r.opts.Nameservers
	timeout := r.opts.Timeout
	retrans := r.opts.Retrans
	c := r.cache
	r.mu.RUnlock()

	if len(servers) == 0 {
		return nil, errors.New("dns: no nameservers configured")
	}

	var ans Answer
	var lastErr error
	attempts := retrans
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		server := servers[i%len(servers)]

		qctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		a, err := transport.Query(qctx, server, qtype, name)
		cancel()

		log.add(QueryAttempt{
			Type:   qtype,
			Name:   name,
			Server: server,
			RTT:    time.Since(start),
			Error:  err,
		})

		if err == nil {
			ans = a
			lastErr = nil
			break
		}
		lastErr = err
	}

	if lastErr != nil {
		return nil, lastErr
	}

	if ans.Rcode != dns.RcodeSuccess {
		msg := dns.RcodeToString[ans.Rcode]
		errSet := record.Set{&record.Error{
			Header:  record.Header{Name: name},
			QType:   qtype,
			Rcode:   ans.Rcode,
			Message: msg,
		}}
		c.Insert(errSet, qtype, name)
		return nil, &DNSServerError{Rcode: ans.Rcode, Message: msg}
	}

	matching, rest := record.SplitByType(ans.Records, qtype)
	for key, glue := range rest {
		c.Insert(glue, key.Type, key.Name)
	}
	c.Insert(matching, qtype, name)

	return matching, nil
}

// ToIP composes Resolve with peer selection: SRV record sets are reduced to
// one (target, port) via weighted round robin and the target is resolved
// recursively; A/AAAA record sets are reduced to one address via a plain
// round-robin cursor.
func (r *Resolver) ToIP(ctx context.Context, name string, port int, cacheOnly bool) (string, int, error) {
	return r.toip(ctx, name, port, cacheOnly, 0)
}

const maxToIPDepth = 20

func (r *Resolver) toip(ctx context.Context, name string, port int, cacheOnly bool, depth int) (string, int, error) {
	if depth > maxToIPDepth {
		return "", 0, ErrRecursionLimit
	}

	set, typ, err := r.Resolve(ctx, name, QueryOptions{}, cacheOnly)
	if err != nil {
		return "", 0, err
	}

	switch typ {
	case record.TypeSRV:
		entry := r.pickSRV(name, set)
		return r.toip(ctx, entry.Target, int(entry.Port), cacheOnly, depth+1)

	case record.TypeA:
		rec := r.pickRR(name, set).(*record.A)
		return rec.Address, port, nil

	case record.TypeAAAA:
		rec := r.pickRR(name, set).(*record.AAAA)
		return rec.Address, port, nil

	default:
		return "", 0, fmt.Errorf("toip: unexpected record type %s for %s", typ, name)
	}
}

// pickRR implements the plain round-robin cursor over an A/AAAA record set:
// an integer cursor modulo len(records), advanced on every pick.
func (r *Resolver) pickRR(name string, set record.Set) record.Record {
	r.rrMu.Lock()
	cursor, ok := r.rrCursors[name]
	if !ok {
		cursor = new(uint64)
		r.rrCursors[name] = cursor
	}
	*cursor++
	i := (*cursor - 1) % uint64(len(set))
	r.rrMu.Unlock()

	return set[i]
}

// pickSRV implements the weighted round robin over the lowest-priority SRV
// band.
func (r *Resolver) pickSRV(name string, set record.Set) *record.SRV {
	band := lowestPriorityBand(set)
	fp := fingerprint(band)

	r.srvMu.Lock()
	defer r.srvMu.Unlock()

	w, ok := r.srvState[name]
	if !ok || w.fingerprint != fp {
		w = newSRVWheel(band, fp)
		r.srvState[name] = w
	}

	return w.pick()
}

func lowestPriorityBand(set record.Set) []*record.SRV {
	var band []*record.SRV
	lowest := uint16(0)
	first := true
	for _, r := range set {
		srv, ok := r.(*record.SRV)
		if !ok {
			continue
		}
		if first || srv.Priority < lowest {
			lowest = srv.Priority
			band = band[:0]
			first = false
		}
		if srv.Priority == lowest {
			band = append(band, srv)
		}
	}
	return band
}

func fingerprint(band []*record.SRV) string {
	var b strings.Builder
	for _, s := range band {
		fmt.Fprintf(&b, "%s:%d:%d:%d|", s.Target, s.Port, s.Weight, s.Priority)
	}
	return b.String()
}

// srvWheel implements the SRV weighted round-robin selection state: on
// first pick, the first entry (trusting DNS ordering) is returned; later
// picks draw from a lazily built, GCD-reduced expansion with a pool/served
// boundary.
type srvWheel struct {
	fingerprint string
	entries     []*record.SRV

	expanded []int
	poolEnd  int
	firstUse bool

	rnd *rand.Rand
}

func newSRVWheel(entries []*record.SRV, fp string) *srvWheel {
	return &srvWheel{
		fingerprint: fp,
		entries:     entries,
		firstUse:    true,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (w *srvWheel) pick() *record.SRV {
	if w.expanded == nil {
		w.build()
	}
	if w.poolEnd == 0 {
		w.poolEnd = len(w.expanded)
	}

	// The very first pick trusts DNS ordering and returns entries[0]: the
	// expansion is built in entries order, so its slot 0 already holds
	// entries[0]'s own index. Picking position 0 (rather than returning
	// entries[0] outright) keeps that slot inside the weighted pool instead
	// of handing it out for free, so a full cycle still reproduces the
	// configured weight ratios exactly.
	var i int
	if w.firstUse {
		i = 0
		w.firstUse = false
	} else {
		i = w.rnd.Intn(w.poolEnd)
	}

	idx := w.expanded[i]
	w.expanded[i], w.expanded[w.poolEnd-1] = w.expanded[w.poolEnd-1], w.expanded[i]
	w.poolEnd--

	return w.entries[idx]
}

func (w *srvWheel) build() {
	weights := make([]int, len(w.entries))
	allZero := true
	for i, e := range w.entries {
		weights[i] = int(e.Weight)
		if e.Weight != 0 {
			allZero = false
		}
	}
	if allZero {
		for i := range weights {
			weights[i] = 1
		}
	}

	g := 0
	for _, wt := range weights {
		g = gcd(g, wt)
	}
	if g == 0 {
		g = 1
	}

	var expanded []int
	for i, wt := range weights {
		n := wt / g
		if n <= 0 {
			n = 1
		}
		for j := 0; j < n; j++ {
			expanded = append(expanded, i)
		}
	}

	w.expanded = expanded
	w.poolEnd = len(expanded)
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
