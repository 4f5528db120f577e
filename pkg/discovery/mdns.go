package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
)

const serviceName = "_dispatch-broker._tcp"

// MDNSDiscoverer advertises this broker and browses for peers via mDNS,
// giving the fleet zero-config discovery on a local network segment.
type MDNSDiscoverer struct {
	domain     string
	browseWait time.Duration
	server     *zeroconf.Server
}

// NewMDNS registers selfID/port under the dispatch service type and returns a
// Discoverer that browses for siblings. Call Close when done advertising.
func NewMDNS(selfID string, port int, domain string) (*MDNSDiscoverer, error) {
	if domain == "" {
		domain = "local."
	}
	server, err := zeroconf.Register(selfID, serviceName, domain, port, []string{"role=broker"}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: mdns register: %w", err)
	}
	return &MDNSDiscoverer{domain: domain, browseWait: 3 * time.Second, server: server}, nil
}

// Close stops advertising this broker.
func (d *MDNSDiscoverer) Close() {
	if d.server != nil {
		d.server.Shutdown()
	}
}

// Discover browses the local segment for other dispatch brokers.
func (d *MDNSDiscoverer) Discover(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: mdns resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, d.browseWait)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	var peers []Peer
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			peers = append(peers, Peer{
				ID:       entry.Instance,
				Endpoint: fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port),
			})
		}
	}()

	if err := resolver.Browse(browseCtx, serviceName, d.domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: mdns browse: %w", err)
	}
	<-browseCtx.Done()
	<-done
	return peers, nil
}
