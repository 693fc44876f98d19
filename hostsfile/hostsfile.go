// Package hostsfile parses /etc/hosts-style text into structured entries.
// It only consumes already-read file contents; the file I/O itself is left
// to the caller.
package hostsfile

import (
	"bufio"
	"io"
	"net"
	"strings"
)

// Entry is one positional line of a hosts file: one address and every
// hostname it was given on that line, in file order.
type Entry struct {
	Address string
	IsIPv6  bool
	Names   []string
}

// File is a parsed hosts file: the positional Entries plus an index by
// lowercased hostname, first-occurrence-wins per address family (matching
// glibc's own hosts(5) lookup order).
type File struct {
	Entries []Entry

	byNameV4 map[string]string
	byNameV6 map[string]string
}

// Parse reads hosts-file syntax from r: "IP HOST [HOST...]" lines, with
// "#" or ";" starting a comment that runs to end of line.
func Parse(r io.Reader) (*File, error) {
	f := &File{
		byNameV4: map[string]string{},
		byNameV6: map[string]string{},
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		addr := fields[0]
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		isV6 := ip.To4() == nil

		names := make([]string, 0, len(fields)-1)
		for _, n := range fields[1:] {
			names = append(names, strings.ToLower(n))
		}

		f.Entries = append(f.Entries, Entry{Address: ip.String(), IsIPv6: isV6, Names: names})

		index := f.byNameV4
		if isV6 {
			index = f.byNameV6
		}
		for _, n := range names {
			if _, exists := index[n]; !exists {
				index[n] = ip.String()
			}
		}
	}

	return f, scanner.Err()
}

// LookupV4 returns the first-occurrence IPv4 address for name, if any.
func (f *File) LookupV4(name string) (string, bool) {
	addr, ok := f.byNameV4[strings.ToLower(name)]
	return addr, ok
}

// LookupV6 returns the first-occurrence IPv6 address for name, if any.
func (f *File) LookupV6(name string) (string, bool) {
	addr, ok := f.byNameV6[strings.ToLower(name)]
	return addr, ok
}
