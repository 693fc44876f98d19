// Package resolvconf parses resolv.conf-style configuration into a
// structured Config. The nameserver and domain/search directives are parsed
// by github.com/miekg/dns's own dns.ClientConfigFromReader; sortlist and the
// full boolean/numeric options set it doesn't cover (and can't preserve
// "unset" for) are layered on top by a second pass over the same bytes,
// plus LOCALDOMAIN/RES_OPTIONS environment overrides. Parse consumes
// contents from any io.Reader; ParseFile opens and reads a file by path.
package resolvconf

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// boolOptions is the set of recognized boolean options, per the resolv.conf
// man page's "options" directive.
var boolOptions = map[string]bool{
	"debug":               true,
	"rotate":              true,
	"no-check-names":      true,
	"inet6":               true,
	"ip6-bytestring":      true,
	"ip6-dotint":          true,
	"no-ip6-dotint":       true,
	"edns0":               true,
	"single-request":      true,
	"single-request-reopen": true,
	"no-tld-query":        true,
	"use-vc":              true,
}

// numericOptions is the set of recognized options that take a numeric
// argument (name:number).
var numericOptions = map[string]bool{
	"ndots":    true,
	"timeout":  true,
	"attempts": true,
}

// mutuallyExclusive lists option pairs where setting one clears the other,
// matching glibc's own resolv.conf semantics for ip6-dotint.
var mutuallyExclusive = map[string]string{
	"ip6-dotint":    "no-ip6-dotint",
	"no-ip6-dotint": "ip6-dotint",
}

// Config is the parsed contents of a resolv.conf file, plus any LOCALDOMAIN
// / RES_OPTIONS environment overrides applied on top.
type Config struct {
	// Nameservers accumulates every "nameserver" directive, in file order.
	Nameservers []string

	// Search is the domain search list. A lone "domain" directive is
	// normalized to a one-element Search list.
	Search []string

	// Sortlist accumulates "sortlist" directive arguments verbatim
	// (address or address/netmask pairs).
	Sortlist []string

	// Bools holds the boolean options that were set.
	Bools map[string]bool

	// Numbers holds the numeric options that were set (ndots, timeout,
	// attempts).
	Numbers map[string]int
}

func newConfig() *Config {
	return &Config{
		Bools:   map[string]bool{},
		Numbers: map[string]int{},
	}
}

// ParseFile reads and parses the resolv.conf-style file at path, then
// applies LOCALDOMAIN and RES_OPTIONS environment overrides on top.
func ParseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.Getenv("LOCALDOMAIN"), os.Getenv("RES_OPTIONS"))
	return cfg, nil
}

// Parse reads resolv.conf-style directives from r. It does not apply
// environment overrides; callers that want those should use ParseFile or
// call ApplyEnv explicitly.
//
// nameserver/domain/search are delegated to dns.ClientConfigFromReader,
// which already accumulates servers and applies the domain/search
// mutual-exclusivity rule. A second pass over the same bytes picks up
// sortlist and the full options set: dns.ClientConfigFromReader only
// recognizes ndots/timeout/attempts among options and always fills them
// with its own defaults, which would make an absent "options" line
// indistinguishable from one that set them explicitly — something
// Config.Attempts/TimeoutSeconds need to tell apart.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	base, err := dns.ClientConfigFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	cfg := newConfig()
	cfg.Nameservers = append([]string(nil), base.Servers...)
	if !(len(base.Search) == 1 && base.Search[0] == "") {
		cfg.Search = append([]string(nil), base.Search...)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		directive, args := fields[0], fields[1:]
		switch directive {
		case "sortlist":
			cfg.Sortlist = append(cfg.Sortlist, args...)

		case "options":
			for _, opt := range args {
				applyOption(cfg, opt)
			}
		}
	}

	return cfg, scanner.Err()
}

// ApplyEnv layers LOCALDOMAIN (treated as a search list) and RES_OPTIONS (an
// options list) on top of an already-parsed Config, matching glibc's
// resolver(5) override order.
func ApplyEnv(cfg *Config, localdomain, resOptions string) {
	applyEnv(cfg, localdomain, resOptions)
}

func applyEnv(cfg *Config, localdomain, resOptions string) {
	if localdomain != "" {
		cfg.Search = strings.Fields(localdomain)
	}
	if resOptions != "" {
		for _, opt := range strings.Fields(resOptions) {
			applyOption(cfg, opt)
		}
	}
}

func applyOption(cfg *Config, opt string) {
	name, val, hasVal := strings.Cut(opt, ":")

	if numericOptions[name] {
		n, err := strconv.Atoi(val)
		if hasVal && err == nil {
			cfg.Numbers[name] = n
		}
		return
	}

	if boolOptions[name] {
		cfg.Bools[name] = true
		if opposite, ok := mutuallyExclusive[name]; ok {
			delete(cfg.Bools, opposite)
		}
	}
}

// Attempts returns the attempts option (resolver "retrans" count), or
// def if it was not set.
func (c *Config) Attempts(def int) int {
	if n, ok := c.Numbers["attempts"]; ok {
		return n
	}
	return def
}

// TimeoutSeconds returns the timeout option in seconds, or def if it was
// not set.
func (c *Config) TimeoutSeconds(def int) int {
	if n, ok := c.Numbers["timeout"]; ok {
		return n
	}
	return def
}
