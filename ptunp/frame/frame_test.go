package frame

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketsKeepTheirBoundaries(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)

	packets := [][]byte{
		{0x45, 0x00, 0x00, 0x14},
		{},
		bytes.Repeat([]byte{0x60}, 3000),
	}
	for _, p := range packets {
		require.NoError(t, w.WritePacket(p))
	}

	r := NewReader(buf)
	for _, expected := range packets {
		p, err := r.ReadPacket()
		require.NoError(t, err)
		assert.Equal(t, expected, p)
	}

	_, err := r.ReadPacket()
	assert.Equal(t, io.EOF, err)
}

func TestWriteUsesSingleWrite(t *testing.T) {
	cw := &countingWriter{}
	w := NewWriter(cw)

	require.NoError(t, w.WritePacket(make([]byte, 1400)))

	assert.Equal(t, 1, cw.writes)
	assert.Equal(t, HeaderLength+1400, cw.n)
}

func TestRejectOversizedPackets(t *testing.T) {
	w := NewWriter(io.Discard)
	err := w.WritePacket(make([]byte, MaxPacketSize+1))
	assert.ErrorIs(t, err, ErrPacketTooLarge)

	header := make([]byte, HeaderLength)
	binary.BigEndian.PutUint32(header, MaxPacketSize+1)
	r := NewReader(bytes.NewReader(header))
	_, err = r.ReadPacket()
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestTruncatedFrame(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, NewWriter(buf).WritePacket([]byte{1, 2, 3, 4, 5}))
	truncated := buf.Bytes()[:buf.Len()-2]

	_, err := NewReader(bytes.NewReader(truncated)).ReadPacket()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = NewReader(bytes.NewReader(truncated[:2])).ReadPacket()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type countingWriter struct {
	writes int
	n      int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.writes++
	c.n += len(p)
	return len(p), nil
}
