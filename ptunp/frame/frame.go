// Package frame implements the length prefixed framing used to carry IP packets over a
// QUIC stream. Every packet is preceded by its length as a 4 byte big endian integer.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderLength is the size of the length prefix in bytes
	HeaderLength = 4
	// MaxPacketSize is the largest packet we accept, the maximum size of an IPv4 or IPv6 (non-jumbo) packet
	MaxPacketSize = 65535
)

// ErrPacketTooLarge is returned when a packet exceeds MaxPacketSize
var ErrPacketTooLarge = errors.New("packet too large")

// Writer writes packets as frames to an underlying stream.
type Writer struct {
	w   io.Writer
	buf []byte
}

// NewWriter creates a Writer that writes frames to w. Each frame is written with a
// single call to w.Write.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, buf: make([]byte, HeaderLength+1500)}
}

// WritePacket writes p as one frame.
func (fw *Writer) WritePacket(p []byte) error {
	if len(p) > MaxPacketSize {
		return fmt.Errorf("WritePacket: %w: %d bytes", ErrPacketTooLarge, len(p))
	}
	size := HeaderLength + len(p)
	if cap(fw.buf) < size {
		fw.buf = make([]byte, size)
	}
	b := fw.buf[:size]
	binary.BigEndian.PutUint32(b, uint32(len(p)))
	copy(b[HeaderLength:], p)
	if _, err := fw.w.Write(b); err != nil {
		return fmt.Errorf("WritePacket: failed to write frame: %w", err)
	}
	return nil
}

// Reader reads frames from an underlying stream.
type Reader struct {
	r      *bufio.Reader
	header [HeaderLength]byte
}

// NewReader creates a Reader for r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadPacket reads the next frame and returns its payload in a newly allocated slice.
// It returns io.EOF if the stream ended cleanly between two frames, and
// io.ErrUnexpectedEOF if it ended in the middle of a frame.
func (fr *Reader) ReadPacket() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("ReadPacket: failed to read header: %w", err)
	}
	length := binary.BigEndian.Uint32(fr.header[:])
	if length > MaxPacketSize {
		return nil, fmt.Errorf("ReadPacket: %w: %d bytes", ErrPacketTooLarge, length)
	}
	p := make([]byte, length)
	if _, err := io.ReadFull(fr.r, p); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("ReadPacket: failed to read payload of length %d: %w", length, err)
	}
	return p, nil
}
