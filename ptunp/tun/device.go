// Package tun creates and configures the TUN interface of a tunnel and exposes it as a
// stream of IP packets.
package tun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned by ReadPacket and WritePacket after Close was called
var ErrClosed = errors.New("tun device closed")

// readBufferSize fits the largest IP packet the kernel can hand us
const readBufferSize = 65535

// Device is a TUN interface that reads and writes whole IP packets.
//
// All reads from the interface are done by a single goroutine owned by the Device.
// ReadPacket only receives from that goroutine, so a caller that gives up on a read
// because its context was cancelled never loses a packet to a read that is still
// pending in the kernel.
type Device struct {
	rwc  io.ReadWriteCloser
	name string
	mtu  int

	packets chan []byte
	done    chan struct{}

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
	closeErr  error
}

// NewDevice wraps rwc, which must return exactly one packet per Read call and accept
// one packet per Write call, as a Device.
func NewDevice(rwc io.ReadWriteCloser, name string, mtu int) *Device {
	d := &Device{
		rwc:     rwc,
		name:    name,
		mtu:     mtu,
		packets: make(chan []byte),
		done:    make(chan struct{}),
	}
	go d.pump()
	return d
}

func (d *Device) pump() {
	defer close(d.packets)
	buf := make([]byte, readBufferSize)
	for {
		n, err := d.rwc.Read(buf)
		if err != nil {
			select {
			case <-d.done:
				err = ErrClosed
			default:
				log.WithError(err).WithField("interface", d.name).Debug("stopped reading from tun device")
			}
			d.errMu.Lock()
			d.readErr = err
			d.errMu.Unlock()
			return
		}
		if n == 0 {
			continue
		}
		p := make([]byte, n)
		copy(p, buf[:n])
		select {
		case d.packets <- p:
		case <-d.done:
			return
		}
	}
}

// Name returns the OS name of the interface, e.g. tun0 or utun4
func (d *Device) Name() string {
	return d.name
}

// MTU returns the MTU the interface was configured with
func (d *Device) MTU() int {
	return d.mtu
}

// ReadPacket returns the next packet sent by the OS into the tunnel. It returns io.EOF
// when the interface was removed and ErrClosed after Close.
func (d *Device) ReadPacket(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-d.packets:
		if !ok {
			return nil, d.err()
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, ErrClosed
	}
}

func (d *Device) err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.readErr == nil {
		return ErrClosed
	}
	return d.readErr
}

// WritePacket hands p to the OS as if it was received on the interface
func (d *Device) WritePacket(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-d.done:
		return ErrClosed
	default:
	}
	if _, err := d.rwc.Write(p); err != nil {
		return fmt.Errorf("WritePacket: failed to write %d bytes to %s: %w", len(p), d.name, err)
	}
	return nil
}

// Close removes the interface. Pending and future reads and writes fail with ErrClosed.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.closeErr = d.rwc.Close()
	})
	return d.closeErr
}
