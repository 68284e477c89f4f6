package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestTXTRecords(t *testing.T) {
	records := txtRecords("abcd", "ptunp/v0/noauth")
	node, alpn := parseTXT(append([]string{"unrelated=1"}, records...))
	assert.Equal(t, "abcd", node)
	assert.Equal(t, "ptunp/v0/noauth", alpn)

	node, alpn = parseTXT(nil)
	assert.Empty(t, node)
	assert.Empty(t, alpn)
}

func TestServiceFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("office", ServiceType, "local.")
	entry.HostName = "office.local."
	entry.Port = 4433
	entry.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 10)}
	entry.Text = txtRecords("abcd", "ptunp/v0/token")

	s := serviceFromEntry(entry)
	assert.Equal(t, "office", s.Instance)
	assert.Equal(t, "abcd", s.NodeID)
	assert.Equal(t, "ptunp/v0/token", s.ALPN)
	addr, ok := s.Addr()
	assert.True(t, ok)
	assert.Equal(t, "192.168.1.10:4433", addr)

	_, ok = Service{}.Addr()
	assert.False(t, ok)
}
