package tun

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "10.0.0.0", cfg.Address.String())
	assert.Equal(t, "10.0.0.1", cfg.Destination.String())
	assert.Equal(t, 31, cfg.PrefixLength())
	assert.Equal(t, DefaultMTU, cfg.MTU)

	peer := cfg.Peer()
	assert.Equal(t, "10.0.0.1", peer.Address.String())
	assert.Equal(t, "10.0.0.0", peer.Destination.String())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Destination = cfg.Address
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Address = net.ParseIP("fd00::1")
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MTU = 100
	assert.Error(t, cfg.Validate())
}

func TestConfigureCommands(t *testing.T) {
	cfg := DefaultConfig()
	linux := configureCommands("linux", "tun0", cfg)
	assert.Equal(t, [][]string{
		{"ip", "addr", "add", "10.0.0.0", "peer", "10.0.0.1/31", "dev", "tun0"},
		{"ip", "link", "set", "dev", "tun0", "mtu", "1280"},
		{"ip", "link", "set", "dev", "tun0", "up"},
	}, linux)

	cfg.Up = false
	darwin := configureCommands("darwin", "utun4", cfg)
	assert.Equal(t, [][]string{
		{"ifconfig", "utun4", "inet", "10.0.0.0", "10.0.0.1", "netmask", "255.255.255.254", "mtu", "1280"},
	}, darwin)
}

// pipeDevice simulates the kernel side of a tun interface with two pipes
type pipeDevice struct {
	fromKernel *io.PipeReader
	kernel     *io.PipeWriter
	toKernel   *io.PipeWriter
	received   *io.PipeReader
}

func newPipeDevice() *pipeDevice {
	fromKernel, kernel := io.Pipe()
	received, toKernel := io.Pipe()
	return &pipeDevice{fromKernel: fromKernel, kernel: kernel, toKernel: toKernel, received: received}
}

func (p *pipeDevice) Read(b []byte) (int, error)  { return p.fromKernel.Read(b) }
func (p *pipeDevice) Write(b []byte) (int, error) { return p.toKernel.Write(b) }
func (p *pipeDevice) Close() error {
	_ = p.fromKernel.Close()
	return p.toKernel.Close()
}

func TestDeviceReadWrite(t *testing.T) {
	pd := newPipeDevice()
	d := NewDevice(pd, "fake0", DefaultMTU)
	defer d.Close()
	ctx := context.Background()

	go pd.kernel.Write([]byte{0x45, 1, 2, 3})
	p, err := d.ReadPacket(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 1, 2, 3}, p)

	go func() {
		assert.NoError(t, d.WritePacket(ctx, []byte{0x60, 9}))
	}()
	buf := make([]byte, 16)
	n, err := pd.received.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 9}, buf[:n])
}

func TestCancelledReadDoesNotLosePackets(t *testing.T) {
	pd := newPipeDevice()
	d := NewDevice(pd, "fake0", DefaultMTU)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.ReadPacket(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go pd.kernel.Write([]byte{0x45, 7})
	p, err := d.ReadPacket(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 7}, p)
}

func TestDeviceClose(t *testing.T) {
	pd := newPipeDevice()
	d := NewDevice(pd, "fake0", DefaultMTU)

	errs := make(chan error, 1)
	go func() {
		_, err := d.ReadPacket(context.Background())
		errs <- err
	}()
	require.NoError(t, d.Close())
	assert.ErrorIs(t, <-errs, ErrClosed)
	assert.NoError(t, d.Close(), "close is idempotent")
	assert.ErrorIs(t, d.WritePacket(context.Background(), []byte{1}), ErrClosed)
}

func TestDescribe(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 0),
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, udp, gopacket.Payload([]byte("hello")))
	require.NoError(t, err)

	summary := Describe(buf.Bytes())
	assert.Contains(t, summary, "IPv4 10.0.0.1 > 10.0.0.0 UDP")
	assert.Equal(t, 4, IPVersion(buf.Bytes()))
	assert.Equal(t, "non IP packet, 2 bytes", Describe([]byte{0x00, 0x01}))
}
