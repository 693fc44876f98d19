package dnslb

import (
	"context"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/classmarkets/dnslb/record"
)

// Transport sends one DNS query and returns its parsed answer. The resolver
// never encodes or decodes wire-format messages itself; it only consumes
// whatever a Transport hands back.
//
// server is an "ip:port" pair.
type Transport interface {
	Query(ctx context.Context, server string, qtype record.Type, name string) (Answer, error)
}

// Answer is the parsed result of one DNS exchange: the full record set
// returned in the answer section (possibly containing glue of other types,
// e.g. CNAME records accompanying an A/SRV answer) and the response's rcode.
type Answer struct {
	Records record.Set
	Rcode   int
}

// DNSTransport is the default Transport, backed by github.com/miekg/dns's
// Client.ExchangeContext.
type DNSTransport struct {
	// UDPSize is passed to dns.Client.UDPSize. Zero uses the dns package's
	// default.
	UDPSize uint16
}

var _ Transport = (*DNSTransport)(nil)

func (t *DNSTransport) Query(ctx context.Context, server string, qtype record.Type, name string) (Answer, error) {
	c := new(dns.Client)
	if t.UDPSize != 0 {
		c.UDPSize = t.UDPSize
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), uint16(qtype))

	resp, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return Answer{}, err
	}

	return Answer{
		Records: fromRRs(resp.Answer),
		Rcode:   resp.Rcode,
	}, nil
}

// fromRRs converts github.com/miekg/dns resource records into this
// package's tagged record.Record variants. Record types this resolver does
// not understand are silently skipped.
//
// Every domain name (the record's own owner name, and any name a record
// points at — a CNAME's target, an SRV's target) is lowercased and
// stripped of its trailing root dot. The resolver's cache keys and
// recursion targets are in that bare form, so wire-format names (which
// come back FQDN-cased, e.g. "Example.com.") must be normalized exactly
// once, here, at the boundary where they enter this package's types.
func fromRRs(rrs []dns.RR) record.Set {
	set := make(record.Set, 0, len(rrs))
	for _, rr := range rrs {
		hdr := rr.Header()
		h := record.Header{
			Name:  normalizeName(hdr.Name),
			TTL:   time.Duration(hdr.Ttl) * time.Second,
			Class: hdr.Class,
		}

		switch rr := rr.(type) {
		case *dns.A:
			set = append(set, &record.A{Header: h, Address: rr.A.String()})
		case *dns.AAAA:
			set = append(set, &record.AAAA{Header: h, Address: rr.AAAA.String()})
		case *dns.CNAME:
			set = append(set, &record.CNAME{Header: h, Target: normalizeName(rr.Target)})
		case *dns.SRV:
			set = append(set, &record.SRV{
				Header:   h,
				Priority: rr.Priority,
				Weight:   rr.Weight,
				Port:     rr.Port,
				Target:   normalizeName(rr.Target),
			})
		}
	}
	return set
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
