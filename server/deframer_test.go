package server

import (
	"encoding/binary"
	"testing"
)

func buildFrame(txID uint16, unitID byte, funcCode byte, data []byte) []byte {
	length := uint16(2 + len(data)) // UnitID + FunctionCode + data
	frame := make([]byte, 8+len(data))
	binary.BigEndian.PutUint16(frame[0:2], txID)
	binary.BigEndian.PutUint16(frame[2:4], 0)
	binary.BigEndian.PutUint16(frame[4:6], length)
	frame[6] = unitID
	frame[7] = funcCode
	copy(frame[8:], data)
	return frame
}

func TestDeframer_SingleFrame(t *testing.T) {
	d := NewDeframer()
	frame := buildFrame(1, 1, 0x03, []byte{0x00, 0x00, 0x00, 0x01})

	frames := d.Feed(frame)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if len(frames[0]) != len(frame) {
		t.Fatalf("expected frame length %d, got %d", len(frame), len(frames[0]))
	}
}

func TestDeframer_SplitAcrossFeeds(t *testing.T) {
	d := NewDeframer()
	frame := buildFrame(1, 1, 0x03, []byte{0x00, 0x00, 0x00, 0x01})

	if frames := d.Feed(frame[:4]); len(frames) != 0 {
		t.Fatalf("expected no frames from a partial header, got %d", len(frames))
	}
	if frames := d.Feed(frame[4:9]); len(frames) != 0 {
		t.Fatalf("expected no frames from a partial body, got %d", len(frames))
	}
	frames := d.Feed(frame[9:])
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame once the body completes, got %d", len(frames))
	}
}

func TestDeframer_MultipleFramesInOneFeed(t *testing.T) {
	d := NewDeframer()
	frame1 := buildFrame(1, 1, 0x03, []byte{0x00, 0x00, 0x00, 0x01})
	frame2 := buildFrame(2, 1, 0x03, []byte{0x00, 0x0A, 0x00, 0x02})

	combined := append(append([]byte{}, frame1...), frame2...)
	frames := d.Feed(combined)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
}

func TestDeframer_OversizedLengthDiscardsBuffer(t *testing.T) {
	d := NewDeframer()

	header := make([]byte, 7)
	binary.BigEndian.PutUint16(header[0:2], 1)
	binary.BigEndian.PutUint16(header[2:4], 0)
	binary.BigEndian.PutUint16(header[4:6], 255) // > 254, illegal
	header[6] = 1

	frames := d.Feed(header)
	if len(frames) != 0 {
		t.Fatalf("expected no frames for an oversized length, got %d", len(frames))
	}
	if len(d.buf) != 0 {
		t.Fatalf("expected buffer to be discarded, got %d bytes remaining", len(d.buf))
	}

	// A subsequent well-formed frame should parse normally; the discard
	// must not leave the deframer wedged.
	frame := buildFrame(2, 1, 0x03, []byte{0x00, 0x00, 0x00, 0x01})
	frames = d.Feed(frame)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after recovery, got %d", len(frames))
	}
}

func TestDeframer_Reset(t *testing.T) {
	d := NewDeframer()
	d.Feed([]byte{0x00, 0x01, 0x00, 0x00})
	d.Reset()
	if len(d.buf) != 0 {
		t.Fatalf("expected buffer to be empty after Reset, got %d bytes", len(d.buf))
	}
}
