package protocol

import (
	"bytes"
	"testing"
)

// FuzzDecodeFrame fuzzes the frame decoder with random bytes
func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x00, 0x01, 0x02})                   // LEAVE_SERVER
	f.Add([]byte{0x00, 0x00, 0x00, 0x05, 0x03, 0x00, 0x02, 'h', 'i'}) // SEND_ALL "hi"

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic or hang on any input
		frame, err := DecodeFrame(bytes.NewReader(data), 1024)
		_ = frame
		_ = err
	})
}

// FuzzParsePacket checks that anything the decoder accepts re-encodes to the same bytes
func FuzzParsePacket(f *testing.F) {
	for _, p := range []*Packet{JoinServer("alice"), SendUser(2, "hi"), JoinRoom(9), Close()} {
		b, err := MarshalPacket(p)
		if err != nil {
			f.Fatalf("seed encode failed: %v", err)
		}
		f.Add(b)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		pkt, n, err := ParsePacket(data, 0)
		if err != nil || pkt == nil {
			return
		}

		reencoded, err := MarshalPacket(pkt)
		if err != nil {
			t.Fatalf("accepted packet %s failed to encode: %v", pkt, err)
		}
		if !bytes.Equal(reencoded, data[:n]) {
			t.Fatalf("re-encoded bytes differ: got %x, want %x", reencoded, data[:n])
		}
	})
}

// FuzzReadString fuzzes the string decoder
func FuzzReadString(f *testing.F) {
	f.Add([]byte{0x00, 0x00})                          // Empty string
	f.Add([]byte{0x00, 0x05, 'h', 'e', 'l', 'l', 'o'}) // "hello"

	f.Fuzz(func(t *testing.T, data []byte) {
		str, err := ReadString(bytes.NewReader(data))
		_ = str
		_ = err
	})
}
