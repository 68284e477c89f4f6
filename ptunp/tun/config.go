package tun

import (
	"fmt"
	"net"
)

// DefaultMTU is small enough that a full packet plus QUIC overhead fits into a single
// UDP datagram on every common link, and it is the minimum MTU allowed for IPv6.
const DefaultMTU = 1280

// MinMTU is the smallest MTU every IPv4 host has to accept
const MinMTU = 576

// Config describes the point to point interface that is created for a tunnel.
type Config struct {
	// Address is the local address of the interface
	Address net.IP
	// Destination is the address of the remote side of the tunnel
	Destination net.IP
	Netmask     net.IPMask
	MTU         int
	// Up brings the interface up after it was configured
	Up bool
	// RequireRoot fails early on linux when the process does not run as root,
	// instead of failing later with a less helpful error from the kernel.
	RequireRoot bool
}

// DefaultConfig returns the configuration of the server side of a tunnel: 10.0.0.0 with
// the peer at 10.0.0.1, a /31 netmask and DefaultMTU.
func DefaultConfig() Config {
	return Config{
		Address:     net.IPv4(10, 0, 0, 0).To4(),
		Destination: net.IPv4(10, 0, 0, 1).To4(),
		Netmask:     net.IPv4Mask(255, 255, 255, 254),
		MTU:         DefaultMTU,
		Up:          true,
		RequireRoot: true,
	}
}

// Peer returns the configuration of the other side of the tunnel, that is the same
// config with Address and Destination swapped.
func (c Config) Peer() Config {
	p := c
	p.Address, p.Destination = c.Destination, c.Address
	return p
}

// Validate checks that the config describes a usable IPv4 point to point link
func (c Config) Validate() error {
	if c.Address.To4() == nil {
		return fmt.Errorf("Validate: address '%s' is not an IPv4 address", c.Address)
	}
	if c.Destination.To4() == nil {
		return fmt.Errorf("Validate: destination '%s' is not an IPv4 address", c.Destination)
	}
	if c.Address.Equal(c.Destination) {
		return fmt.Errorf("Validate: address and destination are both %s", c.Address)
	}
	ones, bits := c.Netmask.Size()
	if bits != 32 {
		return fmt.Errorf("Validate: netmask '%s' is not a valid IPv4 netmask", c.Netmask)
	}
	if ones < 1 {
		return fmt.Errorf("Validate: netmask /%d is too wide", ones)
	}
	if c.MTU < MinMTU || c.MTU > 65535 {
		return fmt.Errorf("Validate: mtu %d is out of range", c.MTU)
	}
	return nil
}

// PrefixLength returns the number of leading ones in the netmask
func (c Config) PrefixLength() int {
	ones, _ := c.Netmask.Size()
	return ones
}
