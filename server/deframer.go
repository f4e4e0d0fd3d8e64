package server

import (
	"encoding/binary"

	"github.com/haldring/gomodbus-slave/common"
)

// Deframer recovers discrete MBAP+PDU frames out of a byte stream that may
// split or coalesce them at arbitrary boundaries (TCP gives no message
// framing of its own). Feed it whatever a single Read returns; it appends to
// an internal buffer and hands back zero or more complete frames.
//
// If the length field of a buffered header falls outside what a MODBUS TCP
// frame can legally carry, the entire buffer is discarded: there's no way to
// tell where the next real frame starts, so resyncing by scanning for one is
// not attempted.
type Deframer struct {
	buf []byte
}

// NewDeframer returns an empty Deframer.
func NewDeframer() *Deframer {
	return &Deframer{}
}

// Reset discards any partially buffered bytes, as if the Deframer were
// freshly constructed. Used when a connection is known to be desynchronized
// for reasons the Deframer itself cannot detect (e.g. the caller's own
// protocol error).
func (d *Deframer) Reset() {
	d.buf = nil
}

// Feed appends data to the internal buffer and extracts every complete frame
// now available. Returned frames are full MBAP+PDU byte slices (headers
// included); each is a fresh copy safe to retain past the next Feed call.
func (d *Deframer) Feed(data []byte) [][]byte {
	d.buf = append(d.buf, data...)

	var frames [][]byte
	for {
		if len(d.buf) < common.TCPHeaderLength {
			return frames
		}

		length := binary.BigEndian.Uint16(d.buf[4:6])

		// Length counts UnitID + PDU; a legal PDU is at most 253 bytes, so
		// length must be in [1, 254]. A MODBUS TCP frame is at most 260
		// bytes end to end (7 byte header - 1 shared byte + 254).
		if length < 1 || length > 254 {
			d.buf = nil
			return frames
		}

		frameLen := 6 + int(length)
		if len(d.buf) < frameLen {
			return frames
		}

		frame := make([]byte, frameLen)
		copy(frame, d.buf[:frameLen])
		frames = append(frames, frame)

		d.buf = d.buf[frameLen:]
	}
}
