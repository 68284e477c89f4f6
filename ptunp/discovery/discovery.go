// Package discovery announces tunnel servers on the local network with mDNS and finds
// them again from the client side.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"
)

const (
	// ServiceType is the DNS-SD service type of tunnel servers
	ServiceType = "_ptunp._udp"
	domain      = "local."

	txtNode = "node="
	txtALPN = "alpn="
)

// Service is a tunnel server found on the local network
type Service struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Addrs    []net.IP `json:"addrs"`
	Port     int      `json:"port"`
	NodeID   string   `json:"nodeId"`
	ALPN     string   `json:"alpn"`
}

// Addr returns a host:port string for the first known address of the service
func (s Service) Addr() (string, bool) {
	if len(s.Addrs) == 0 {
		return "", false
	}
	return net.JoinHostPort(s.Addrs[0].String(), fmt.Sprint(s.Port)), true
}

// Announcement is a running mDNS announcement
type Announcement struct {
	server *zeroconf.Server
}

// Announce publishes a tunnel server listening on port. The node id and ALPN are
// published as TXT records so that clients can pin the server and pick the right
// authentication without further configuration.
func Announce(instance string, port int, nodeID string, alpn string) (*Announcement, error) {
	server, err := zeroconf.Register(instance, ServiceType, domain, port, txtRecords(nodeID, alpn), nil)
	if err != nil {
		return nil, fmt.Errorf("Announce: failed to register mDNS service: %w", err)
	}
	log.WithField("instance", instance).WithField("port", port).Info("announcing tunnel via mDNS")
	return &Announcement{server: server}, nil
}

// Shutdown stops the announcement
func (a *Announcement) Shutdown() {
	a.server.Shutdown()
}

// Browse collects tunnel servers until ctx is done.
func Browse(ctx context.Context) ([]Service, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("Browse: failed to initialize resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("Browse: failed to browse: %w", err)
	}
	var services []Service
	for {
		select {
		case <-ctx.Done():
			return services, nil
		case entry, ok := <-entries:
			if !ok {
				return services, nil
			}
			if entry == nil {
				continue
			}
			services = append(services, serviceFromEntry(entry))
		}
	}
}

func serviceFromEntry(entry *zeroconf.ServiceEntry) Service {
	node, alpn := parseTXT(entry.Text)
	addrs := append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...)
	return Service{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Addrs:    addrs,
		Port:     entry.Port,
		NodeID:   node,
		ALPN:     alpn,
	}
}

func txtRecords(nodeID string, alpn string) []string {
	return []string{txtNode + nodeID, txtALPN + alpn}
}

func parseTXT(records []string) (nodeID string, alpn string) {
	for _, r := range records {
		switch {
		case strings.HasPrefix(r, txtNode):
			nodeID = strings.TrimPrefix(r, txtNode)
		case strings.HasPrefix(r, txtALPN):
			alpn = strings.TrimPrefix(r, txtALPN)
		}
	}
	return nodeID, alpn
}
