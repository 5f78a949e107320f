package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the absolute ceiling for a frame (1 MB); decoders may be configured lower
	MaxFrameSize = 1024 * 1024

	// lengthPrefixSize is the size of the big-endian length field
	lengthPrefixSize = 4
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrInvalidFrameLength = errors.New("invalid frame length")
)

// Frame is one length-prefixed unit on the wire
// Format: [Length (4 bytes)][Type (1 byte)][Payload (N bytes)]
// Length counts the type byte plus the payload.
type Frame struct {
	Type    uint8  // Command tag
	Payload []byte // Tag-specific fields
}

// EncodeFrame writes a frame to the writer in a single Write call
func EncodeFrame(w io.Writer, f *Frame) error {
	length := 1 + len(f.Payload)
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, lengthPrefixSize+length)
	binary.BigEndian.PutUint32(buf, uint32(length))
	buf[lengthPrefixSize] = f.Type
	copy(buf[lengthPrefixSize+1:], f.Payload)

	_, err := w.Write(buf)
	return err
}

// DecodeFrame reads one frame from the reader, blocking until it is complete.
// maxSize bounds the declared length; zero means MaxFrameSize.
// io.EOF is returned only when the stream ends before the first byte of a frame;
// a stream that ends mid-frame yields io.ErrUnexpectedEOF.
func DecodeFrame(r io.Reader, maxSize uint32) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	if err := checkLength(length, maxSize); err != nil {
		return nil, err
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return &Frame{Type: body[0], Payload: body[1:]}, nil
}

// ParseFrame decodes a frame from the front of buf without blocking.
// It returns (nil, 0, nil) when buf does not yet hold a complete frame,
// otherwise the frame and the number of bytes consumed.
func ParseFrame(buf []byte, maxSize uint32) (*Frame, int, error) {
	if len(buf) < lengthPrefixSize {
		return nil, 0, nil
	}

	length := binary.BigEndian.Uint32(buf)
	if err := checkLength(length, maxSize); err != nil {
		return nil, 0, err
	}

	total := lengthPrefixSize + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}

	body := buf[lengthPrefixSize:total]
	payload := make([]byte, len(body)-1)
	copy(payload, body[1:])

	return &Frame{Type: body[0], Payload: payload}, total, nil
}

func checkLength(length, maxSize uint32) error {
	if maxSize == 0 || maxSize > MaxFrameSize {
		maxSize = MaxFrameSize
	}

	if length > maxSize {
		return ErrFrameTooLarge
	}

	// Length must cover at least the type byte
	if length < 1 {
		return ErrInvalidFrameLength
	}

	return nil
}
