package transport

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/grandcat/zeroconf"
)

// SCPIService is the DNS-SD service type LXI instruments advertise for
// their raw SCPI socket.
const SCPIService = "_scpi-raw._tcp"

// Instrument is a LAN instrument found by mDNS.
type Instrument struct {
	Instance  string   `json:"instance"`
	Hostname  string   `json:"hostname"`
	Addresses []net.IP `json:"addresses"`
	Port      int      `json:"port"`
	TXT       []string `json:"txt,omitempty"`
}

// Host returns the address to dial: the first IPv4 address if any, else
// the first address, else the hostname.
func (i Instrument) Host() string {
	for _, a := range i.Addresses {
		if a.To4() != nil {
			return a.String()
		}
	}
	if len(i.Addresses) > 0 {
		return i.Addresses[0].String()
	}
	return strings.TrimSuffix(i.Hostname, ".")
}

// DiscoverLAN browses mDNS for SCPI raw-socket services until ctx is done
// and returns the deduplicated results sorted by instance name.
func DiscoverLAN(ctx context.Context) ([]Instrument, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []Instrument, 1)
	go func() { done <- collectInstruments(ctx, entries) }()

	if err := resolver.Browse(ctx, SCPIService, "local.", entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	return <-done, nil
}

// collectInstruments consumes entries until the channel closes or ctx ends.
func collectInstruments(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) []Instrument {
	found := make(map[string]Instrument)
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return sortedInstruments(found)
			}
			if e == nil {
				continue
			}
			addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
			addrs = append(addrs, e.AddrIPv4...)
			addrs = append(addrs, e.AddrIPv6...)

			key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
			found[key] = Instrument{
				Instance:  cleanInstance(e.Instance),
				Hostname:  e.HostName,
				Addresses: addrs,
				Port:      e.Port,
				TXT:       append([]string{}, e.Text...),
			}
		case <-ctx.Done():
			return sortedInstruments(found)
		}
	}
}

func sortedInstruments(found map[string]Instrument) []Instrument {
	out := make([]Instrument, 0, len(found))
	for _, inst := range found {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// cleanInstance removes zeroconf escape sequences: "\ " => " ".
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
