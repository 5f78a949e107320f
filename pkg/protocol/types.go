package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// MaxStringLength is the largest string a uint16 length prefix can describe
const MaxStringLength = 65535

var (
	ErrStringTooLong = errors.New("string exceeds maximum length (65535 bytes)")
	ErrInvalidUTF8   = errors.New("invalid UTF-8 string")
)

// ReadUint32 reads a big-endian uint32. It returns io.EOF only when r is
// exhausted before the first byte.
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// WriteUint64 writes a big-endian uint64 (target ids)
func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint64 reads a big-endian uint64
func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// WriteString writes [u16 length][UTF-8 bytes] in a single Write
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxStringLength {
		return ErrStringTooLong
	}
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}

	buf := make([]byte, 2, 2+len(s))
	binary.BigEndian.PutUint16(buf, uint16(len(s)))
	buf = append(buf, s...)
	_, err := w.Write(buf)
	return err
}

// ReadString reads a string written by WriteString
func ReadString(r io.Reader) (string, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return "", err
	}

	n := binary.BigEndian.Uint16(prefix[:])
	if n == 0 {
		return "", nil
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", ErrInvalidUTF8
	}
	return string(data), nil
}
