package ptunp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/danielpaulus/ptunp/ptunp/frame"
	"github.com/danielpaulus/ptunp/ptunp/transport"
	"github.com/danielpaulus/ptunp/ptunp/tun"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// runSession runs the server side of an admitted connection: it accepts the data stream,
// answers the handshake and forwards packets until ctx is cancelled or either side ends
// the session. A nil error means the session ended normally.
func runSession(ctx context.Context, conn transport.Connection, device PacketDevice, cfg tun.Config, metrics *Metrics, logger *log.Entry) error {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		if ctx.Err() != nil || transport.IsClosed(err) {
			logger.WithError(err).Debug("peer left before opening the data stream")
			return nil
		}
		return fmt.Errorf("runSession: failed to accept data stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { stream.Abort(transport.CodeNoError) })
	params := tunnelParameters{
		Address: cfg.Destination.String(),
		Netmask: net.IP(cfg.Netmask).String(),
		MTU:     device.MTU(),
	}
	params, err = answerHandshake(stream, cfg.Address.String(), params)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		stream.Abort(transport.CodeInternalError)
		return fmt.Errorf("runSession: %w", err)
	}
	logger.WithField("client_address", params.Address).WithField("mtu", params.MTU).Info("tunnel established")
	return forward(ctx, device, stream, metrics, logger)
}

// forward copies packets from device to stream and from stream to device until ctx is
// cancelled, either side reaches EOF or fails. Both directions run concurrently so a
// stalled direction does not block the other one. Cancellation aborts the stream, which
// unblocks pending reads and writes immediately.
func forward(ctx context.Context, device PacketDevice, stream transport.Stream, metrics *Metrics, logger *log.Entry) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { stream.Abort(transport.CodeNoError) })
	defer stop()

	g.Go(func() error {
		return forwardDataToPeer(gctx, device, frame.NewWriter(stream), metrics, logger)
	})
	g.Go(func() error {
		return forwardDataToInterface(gctx, frame.NewReader(stream), device, metrics, logger)
	})
	err := g.Wait()

	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case ctx.Err() != nil:
		logger.Debug("session cancelled")
		return nil
	case transport.IsClosed(err):
		logger.WithError(err).Info("peer closed the connection")
		return nil
	default:
		return err
	}
}

func forwardDataToPeer(ctx context.Context, device PacketDevice, w *frame.Writer, metrics *Metrics, logger *log.Entry) error {
	for {
		p, err := device.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("forwardDataToPeer: could not read packet: %w", err)
		}
		if logger.Logger.IsLevelEnabled(log.TraceLevel) {
			logger.Tracef("-> %s", tun.Describe(p))
		}
		if err := w.WritePacket(p); err != nil {
			return fmt.Errorf("forwardDataToPeer: could not write packet: %w", err)
		}
		metrics.packetSent(len(p))
	}
}

func forwardDataToInterface(ctx context.Context, r *frame.Reader, device PacketDevice, metrics *Metrics, logger *log.Entry) error {
	for {
		p, err := r.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("peer closed the data stream")
				return io.EOF
			}
			return fmt.Errorf("forwardDataToInterface: could not read packet: %w", err)
		}
		if logger.Logger.IsLevelEnabled(log.TraceLevel) {
			logger.Tracef("<- %s", tun.Describe(p))
		}
		if err := device.WritePacket(ctx, p); err != nil {
			return fmt.Errorf("forwardDataToInterface: could not write packet: %w", err)
		}
		metrics.packetReceived(len(p))
	}
}
