package ptunp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danielpaulus/ptunp/ptunp/frame"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runForward(ctx context.Context, device PacketDevice, metrics *Metrics) (*frame.Reader, *frame.Writer, func() error, func()) {
	stream, peer := streamPair()
	errs := make(chan error, 1)
	go func() {
		errs <- forward(ctx, device, stream, metrics, log.WithField("test", true))
	}()
	wait := func() error {
		select {
		case err := <-errs:
			return err
		case <-time.After(2 * time.Second):
			return errors.New("forward did not return")
		}
	}
	return frame.NewReader(peer), frame.NewWriter(peer), wait, func() { _ = peer.Close() }
}

func TestForwardBothDirections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	device := newFakeDevice("fake0")
	metrics := NewMetrics(nil)
	r, w, wait, closePeer := runForward(ctx, device, metrics)
	defer closePeer()

	require.NoError(t, w.WritePacket([]byte{0x45, 1, 2, 3}))
	assert.Equal(t, []byte{0x45, 1, 2, 3}, <-device.toOS)

	device.fromOS <- []byte{0x45, 4, 5}
	p, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 4, 5}, p)

	cancel()
	assert.NoError(t, wait(), "cancellation is a normal end of the session")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.packets.WithLabelValues("rx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.packets.WithLabelValues("tx")))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.bytes.WithLabelValues("tx")))
}

func TestStalledDirectionDoesNotBlockTheOther(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	device := newFakeDevice("fake0")
	_, w, wait, closePeer := runForward(ctx, device, nil)
	defer closePeer()

	// nobody reads from the peer side, so the device to peer direction is stuck
	go func() { device.fromOS <- []byte{0x45, 9} }()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WritePacket([]byte{0x45, byte(i)}))
		assert.Equal(t, []byte{0x45, byte(i)}, <-device.toOS)
	}
	cancel()
	assert.NoError(t, wait())
}

func TestCancellationAbortsBlockedIO(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, _, wait, closePeer := runForward(ctx, newFakeDevice("fake0"), nil)
	defer closePeer()

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	cancel()
	assert.NoError(t, wait())
	assert.Less(t, time.Since(start), time.Second)
}

func TestForwardEndsOnPeerEOF(t *testing.T) {
	_, _, wait, closePeer := runForward(context.Background(), newFakeDevice("fake0"), nil)
	closePeer()
	assert.NoError(t, wait())
}

func TestForwardReportsDeviceFailure(t *testing.T) {
	device := newFakeDevice("fake0")
	device.readErr = errors.New("interface removed")
	_, _, wait, closePeer := runForward(context.Background(), device, nil)
	defer closePeer()

	err := wait()
	assert.ErrorContains(t, err, "interface removed")
}
