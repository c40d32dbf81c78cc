// Package discovery advertises file servers on the local network over mDNS
// and finds them again from the client side.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const Domain = "local."

// Text record keys published with every advertisement.
const (
	txtVersion     = "version"
	txtFingerprint = "fp"
)

// Advertisement is a registered mDNS service.
type Advertisement struct {
	server *zeroconf.Server
}

// Register announces instance under service on port. fingerprint identifies
// the server's public key so clients can compare it before trusting it.
func Register(instance, service string, port int, version, fingerprint string) (*Advertisement, error) {
	text := []string{
		txtVersion + "=" + version,
		txtFingerprint + "=" + fingerprint,
	}
	server, err := zeroconf.Register(instance, service, Domain, port, text, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	return &Advertisement{server: server}, nil
}

func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Entry is one discovered server.
type Entry struct {
	Instance    string
	Addr        string
	Version     string
	Fingerprint string
}

// Browse collects servers announcing service until ctx is done.
func Browse(ctx context.Context, service string) ([]Entry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse: %w", err)
	}

	seen := make(map[string]Entry)
	for {
		select {
		case se, ok := <-entries:
			if !ok {
				return sorted(seen), nil
			}
			if e, ok := entryFrom(se); ok {
				seen[e.Instance+"@"+e.Addr] = e
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return sorted(seen), nil
			}
			return sorted(seen), ctx.Err()
		}
	}
}

func sorted(seen map[string]Entry) []Entry {
	out := make([]Entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance != out[j].Instance {
			return out[i].Instance < out[j].Instance
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}

// entryFrom converts a resolved service entry, preferring IPv4 addresses.
func entryFrom(se *zeroconf.ServiceEntry) (Entry, bool) {
	if se == nil {
		return Entry{}, false
	}
	var ip net.IP
	switch {
	case len(se.AddrIPv4) > 0:
		ip = se.AddrIPv4[0]
	case len(se.AddrIPv6) > 0:
		ip = se.AddrIPv6[0]
	default:
		return Entry{}, false
	}

	e := Entry{
		Instance: se.Instance,
		Addr:     net.JoinHostPort(ip.String(), strconv.Itoa(se.Port)),
	}
	for _, kv := range se.Text {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		switch key {
		case txtVersion:
			e.Version = value
		case txtFingerprint:
			e.Fingerprint = value
		}
	}
	return e, true
}
