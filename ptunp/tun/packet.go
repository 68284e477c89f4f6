package tun

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IPVersion returns the IP version from the first nibble of p, or 0 if p is empty
func IPVersion(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	return int(p[0] >> 4)
}

// Describe returns a one line summary of an IP packet for trace logs, for example
// "IPv4 10.0.0.1 > 10.0.0.0 ICMPv4 84 bytes".
func Describe(p []byte) string {
	var first gopacket.LayerType
	switch IPVersion(p) {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return fmt.Sprintf("non IP packet, %d bytes", len(p))
	}
	packet := gopacket.NewPacket(p, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	net := packet.NetworkLayer()
	if net == nil {
		return fmt.Sprintf("malformed %s packet, %d bytes", first, len(p))
	}
	flow := net.NetworkFlow()
	proto := "unknown"
	if t := packet.TransportLayer(); t != nil {
		proto = t.LayerType().String()
	} else if len(packet.Layers()) > 1 {
		proto = packet.Layers()[1].LayerType().String()
	}
	return fmt.Sprintf("%s %s > %s %s %d bytes", first, flow.Src(), flow.Dst(), proto, len(p))
}
