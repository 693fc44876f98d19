package dnslb_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classmarkets/dnslb"
	"github.com/classmarkets/dnslb/record"
)

// fakeTransport answers queries from a static, in-memory zone, counting how
// many times each (type, name) pair was queried so dog-pile and negative
// caching behavior can be asserted on directly. It never touches the
// network, which is what lets these tests run deterministically without
// invoking the Go toolchain's race detector against a live resolver.
type fakeTransport struct {
	mu      sync.Mutex
	zone    map[zoneKey]record.Set
	rcode   map[zoneKey]int
	calls   map[zoneKey]int64
	delay   time.Duration
	failN   int // fail the first failN calls for any key, then succeed
	failAll bool
}

type zoneKey struct {
	typ  record.Type
	name string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		zone:  map[zoneKey]record.Set{},
		rcode: map[zoneKey]int{},
		calls: map[zoneKey]int64{},
	}
}

func (f *fakeTransport) set(typ record.Type, name string, set record.Set) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zone[zoneKey{typ, name}] = set
}

func (f *fakeTransport) callCount(typ record.Type, name string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[zoneKey{typ, name}]
}

func (f *fakeTransport) Query(ctx context.Context, server string, qtype record.Type, name string) (dnslb.Answer, error) {
	f.mu.Lock()
	key := zoneKey{qtype, name}
	f.calls[key]++
	n := f.calls[key]
	delay := f.delay
	failAll := f.failAll
	failN := f.failN
	set := f.zone[key]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return dnslb.Answer{}, ctx.Err()
		}
	}

	if failAll || int(n) <= failN {
		return dnslb.Answer{}, errors.New("simulated transport failure")
	}

	return dnslb.Answer{Records: set, Rcode: 0}, nil
}

func aRec(name string, addr string, ttl time.Duration) *record.A {
	return &record.A{Header: record.Header{Name: name, TTL: ttl, Class: 1}, Address: addr}
}

func cnameRec(name, target string, ttl time.Duration) *record.CNAME {
	return &record.CNAME{Header: record.Header{Name: name, TTL: ttl, Class: 1}, Target: target}
}

func srvRec(name, target string, prio, weight, port uint16, ttl time.Duration) *record.SRV {
	return &record.SRV{
		Header:   record.Header{Name: name, TTL: ttl, Class: 1},
		Priority: prio,
		Weight:   weight,
		Port:     port,
		Target:   target,
	}
}

func newTestResolver(t *testing.T, transport *fakeTransport) *dnslb.Resolver {
	t.Helper()
	return dnslb.New(dnslb.Options{
		Nameservers: []string{"127.0.0.1:53"},
		Retrans:     2,
		Timeout:     50 * time.Millisecond,
		Transport:   transport,
	})
}

func TestResolveLiteralIPv4ShortCircuit(t *testing.T) {
	transport := newFakeTransport()
	r := newTestResolver(t, transport)

	set, typ, err := r.Resolve(context.Background(), "1.2.3.4", dnslb.QueryOptions{Qtype: record.TypeA}, false)
	require.NoError(t, err)
	assert.Equal(t, record.TypeA, typ)
	require.Len(t, set, 1)
	a := set[0].(*record.A)
	assert.Equal(t, "1.2.3.4", a.Address)
	assert.InDelta(t, 315360000, a.Hdr().TTL.Seconds(), 1)
	assert.Zero(t, transport.callCount(record.TypeA, "1.2.3.4"))
}

func TestResolveTypeOrderFindsA(t *testing.T) {
	transport := newFakeTransport()
	transport.set(record.TypeA, "h", record.Set{aRec("h", "1.1.1.1", time.Minute)})
	r := newTestResolver(t, transport)

	set, typ, err := r.Resolve(context.Background(), "h", dnslb.QueryOptions{}, false)
	require.NoError(t, err)
	assert.Equal(t, record.TypeA, typ)
	require.Len(t, set, 1)
}

func TestResolveCNAMEChain(t *testing.T) {
	transport := newFakeTransport()
	transport.set(record.TypeSRV, "alpha", nil)
	transport.set(record.TypeA, "alpha", nil)
	transport.set(record.TypeAAAA, "alpha", nil)
	transport.set(record.TypeCNAME, "alpha", record.Set{cnameRec("alpha", "beta", time.Minute)})

	transport.set(record.TypeSRV, "beta", nil)
	transport.set(record.TypeA, "beta", nil)
	transport.set(record.TypeAAAA, "beta", nil)
	transport.set(record.TypeCNAME, "beta", record.Set{cnameRec("beta", "gamma", time.Minute)})

	transport.set(record.TypeSRV, "gamma", nil)
	transport.set(record.TypeA, "gamma", record.Set{aRec("gamma", "9.9.9.9", time.Minute)})

	r := newTestResolver(t, transport)

	ip, port, err := r.ToIP(context.Background(), "alpha", 80, false)
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9", ip)
	assert.Equal(t, 80, port)

	set, typ, err := r.Resolve(context.Background(), "alpha", dnslb.QueryOptions{}, false)
	require.NoError(t, err)
	assert.Equal(t, record.TypeA, typ)
	require.Len(t, set, 1)
	assert.Equal(t, "9.9.9.9", set[0].(*record.A).Address)
}

func TestResolvePlainRoundRobinPreservesOrder(t *testing.T) {
	transport := newFakeTransport()
	transport.set(record.TypeSRV, "h", nil)
	transport.set(record.TypeA, "h", record.Set{
		aRec("h", "1.1.1.1", time.Minute),
		aRec("h", "2.2.2.2", time.Minute),
		aRec("h", "3.3.3.3", time.Minute),
	})
	r := newTestResolver(t, transport)

	var got []string
	for i := 0; i < 4; i++ {
		ip, _, err := r.ToIP(context.Background(), "h", 80, false)
		require.NoError(t, err)
		got = append(got, ip)
	}
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "1.1.1.1"}, got)
}

func TestResolveSRVWeightedDistribution(t *testing.T) {
	transport := newFakeTransport()
	transport.set(record.TypeSRV, "srv", record.Set{
		srvRec("srv", "a.x", 10, 20, 81, time.Minute),
		srvRec("srv", "b.x", 10, 5, 82, time.Minute),
		srvRec("srv", "c.x", 10, 5, 83, time.Minute),
	})
	transport.set(record.TypeA, "a.x", record.Set{aRec("a.x", "10.0.0.1", time.Minute)})
	transport.set(record.TypeA, "b.x", record.Set{aRec("b.x", "10.0.0.2", time.Minute)})
	transport.set(record.TypeA, "c.x", record.Set{aRec("c.x", "10.0.0.3", time.Minute)})

	r := newTestResolver(t, transport)

	counts := map[string]int{}
	for i := 0; i < 30; i++ {
		ip, _, err := r.ToIP(context.Background(), "srv", 80, false)
		require.NoError(t, err)
		counts[ip]++
	}

	assert.Equal(t, 20, counts["10.0.0.1"])
	assert.Equal(t, 5, counts["10.0.0.2"])
	assert.Equal(t, 5, counts["10.0.0.3"])
}

func TestResolveSRVPriorityFiltering(t *testing.T) {
	transport := newFakeTransport()
	transport.set(record.TypeSRV, "srv", record.Set{
		srvRec("srv", "a.x", 10, 1, 81, time.Minute),
		srvRec("srv", "b.x", 10, 1, 82, time.Minute),
		srvRec("srv", "c.x", 20, 1, 83, time.Minute),
	})
	transport.set(record.TypeA, "a.x", record.Set{aRec("a.x", "10.0.0.1", time.Minute)})
	transport.set(record.TypeA, "b.x", record.Set{aRec("b.x", "10.0.0.2", time.Minute)})
	transport.set(record.TypeA, "c.x", record.Set{aRec("c.x", "10.0.0.3", time.Minute)})

	r := newTestResolver(t, transport)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		ip, _, err := r.ToIP(context.Background(), "srv", 80, false)
		require.NoError(t, err)
		seen[ip] = true
	}

	assert.False(t, seen["10.0.0.3"])
}

func TestResolveDogPileSuppression(t *testing.T) {
	transport := newFakeTransport()
	transport.delay = 10 * time.Millisecond
	transport.set(record.TypeA, "hot", record.Set{aRec("hot", "1.1.1.1", time.Minute)})

	r := newTestResolver(t, transport)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Resolve(context.Background(), "hot", dnslb.QueryOptions{Qtype: record.TypeA}, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, transport.callCount(record.TypeA, "hot"))
}

func TestResolveNegativeCachingDampensRepeatedFailures(t *testing.T) {
	transport := newFakeTransport()
	// no zone entry for "missing" -> empty answer every real query
	r := newTestResolver(t, transport)

	_, _, err := r.Resolve(context.Background(), "missing", dnslb.QueryOptions{Qtype: record.TypeA}, false)
	assert.ErrorIs(t, err, dnslb.ErrDNSEmpty)
	firstCalls := transport.callCount(record.TypeA, "missing")
	assert.EqualValues(t, 1, firstCalls)

	_, _, err = r.Resolve(context.Background(), "missing", dnslb.QueryOptions{Qtype: record.TypeA}, false)
	assert.ErrorIs(t, err, dnslb.ErrDNSEmpty)
	assert.EqualValues(t, firstCalls, transport.callCount(record.TypeA, "missing"))
}

func TestResolveCacheOnlyMissReturnsErrNoCache(t *testing.T) {
	transport := newFakeTransport()
	r := newTestResolver(t, transport)

	_, _, err := r.Resolve(context.Background(), "cold", dnslb.QueryOptions{Qtype: record.TypeA}, true)
	assert.ErrorIs(t, err, dnslb.ErrNoCache)
	assert.Zero(t, transport.callCount(record.TypeA, "cold"))
}

func TestResolveCNAMERecursionLimit(t *testing.T) {
	transport := newFakeTransport()
	for i := 0; i < 25; i++ {
		name := "n" + itoa(i)
		next := "n" + itoa(i+1)
		transport.set(record.TypeSRV, name, nil)
		transport.set(record.TypeA, name, nil)
		transport.set(record.TypeAAAA, name, nil)
		transport.set(record.TypeCNAME, name, record.Set{cnameRec(name, next, time.Minute)})
	}

	r := newTestResolver(t, transport)

	_, _, err := r.Resolve(context.Background(), "n0", dnslb.QueryOptions{}, false)
	assert.ErrorIs(t, err, dnslb.ErrRecursionLimit)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}

func TestInitClearsCache(t *testing.T) {
	transport := newFakeTransport()
	transport.set(record.TypeA, "h", record.Set{aRec("h", "1.1.1.1", time.Minute)})

	r := newTestResolver(t, transport)
	_, _, err := r.Resolve(context.Background(), "h", dnslb.QueryOptions{Qtype: record.TypeA}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, transport.callCount(record.TypeA, "h"))

	r.Init(dnslb.Options{Nameservers: []string{"127.0.0.1:53"}, Transport: transport, Timeout: 50 * time.Millisecond})

	_, _, err = r.Resolve(context.Background(), "h", dnslb.QueryOptions{Qtype: record.TypeA}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, transport.callCount(record.TypeA, "h"))
}

func TestStdError(t *testing.T) {
	r := newTestResolver(t, newFakeTransport())

	assert.NoError(t, r.StdError(record.Set{aRec("h", "1.1.1.1", time.Minute)}, nil))
	assert.ErrorIs(t, r.StdError(nil, nil), dnslb.ErrDNSEmpty)

	boom := errors.New("boom")
	assert.ErrorIs(t, r.StdError(nil, boom), boom)
}

func TestQueryLogFuncReceivesAttempts(t *testing.T) {
	transport := newFakeTransport()
	transport.set(record.TypeA, "h", record.Set{aRec("h", "1.1.1.1", time.Minute)})

	var logged atomic.Bool
	r := dnslb.New(dnslb.Options{
		Nameservers: []string{"127.0.0.1:53"},
		Timeout:     50 * time.Millisecond,
		Transport:   transport,
		QueryLogFunc: func(name string, qtype record.Type, log dnslb.QueryLog) {
			if name == "h" && len(log.Attempts) > 0 {
				logged.Store(true)
			}
		},
	})

	_, _, err := r.Resolve(context.Background(), "h", dnslb.QueryOptions{Qtype: record.TypeA}, false)
	require.NoError(t, err)
	assert.True(t, logged.Load())
}
