package dnslb

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Resolver and, passed through unchanged, by
// Balancer.AddHost. Plain sentinel values testable with errors.Is,
// augmented with the structured DNSServerError for responses that carry a
// server rcode.
var (
	// ErrDNSEmpty is returned when a name server answered with zero records
	// for the requested type.
	ErrDNSEmpty = errors.New("dns: empty answer")

	// ErrNoCache is returned by a cache-only lookup that misses the cache.
	ErrNoCache = errors.New("dns: no cached answer available")

	// ErrRecursionLimit is returned when a CNAME chain exceeds MaxCNAMEDepth.
	ErrRecursionLimit = errors.New("dns: maximum dns recursion level reached")
)

// DNSServerError reports a name server response carrying a non-success
// rcode (e.g. NXDOMAIN, SERVFAIL). It is returned as-is by Resolve and
// passed through by StdError, and is also the shape stored as a
// record.Error in the cache.
type DNSServerError struct {
	Rcode   int
	Message string
}

func (e *DNSServerError) Error() string {
	return fmt.Sprintf("dns server error: %s", e.Message)
}
