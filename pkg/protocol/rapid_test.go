package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// packetGen draws a well-formed packet of any known shape
func packetGen() *rapid.Generator[*Packet] {
	return rapid.Custom(func(t *rapid.T) *Packet {
		cmd := rapid.SampledFrom(Commands()).Draw(t, "command")
		p := &Packet{Command: cmd}

		if shapes[cmd].hasTarget {
			id := rapid.Uint64().Draw(t, "target")
			p.TargetID = &id
		}
		if shapes[cmd].hasMessage {
			msg := rapid.StringN(0, 512, -1).Draw(t, "message")
			p.Message = &msg
		}
		return p
	})
}

// TestPacketRoundTrip tests decode(encode(packet)) == packet
func TestPacketRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := packetGen().Draw(t, "packet")

		encoded, err := MarshalPacket(original)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := ReadPacket(bytes.NewReader(encoded), 0)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.String() != original.String() {
			t.Fatalf("packet mismatch: got %s, want %s", decoded, original)
		}
		if (decoded.TargetID == nil) != (original.TargetID == nil) || (decoded.Message == nil) != (original.Message == nil) {
			t.Fatalf("field presence mismatch: got %s, want %s", decoded, original)
		}
	})
}

// TestBytesRoundTrip tests encode(decode(bytes)) == bytes for any input the decoder accepts
func TestBytesRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "data")

		pkt, n, err := ParsePacket(data, 0)
		if err != nil || pkt == nil {
			return
		}

		reencoded, err := MarshalPacket(pkt)
		if err != nil {
			t.Fatalf("re-encode of accepted packet failed: %v", err)
		}
		if !bytes.Equal(reencoded, data[:n]) {
			t.Fatalf("bytes mismatch: got %x, want %x", reencoded, data[:n])
		}
	})
}

// TestStreamSplitAnywhere tests that a packet stream parses identically however it is chunked
func TestStreamSplitAnywhere(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		packets := rapid.SliceOfN(packetGen(), 1, 8).Draw(t, "packets")

		var stream []byte
		for _, p := range packets {
			b, err := MarshalPacket(p)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			stream = append(stream, b...)
		}

		var pending []byte
		var got []*Packet
		for len(stream) > 0 {
			chunk := rapid.IntRange(1, len(stream)).Draw(t, "chunk")
			pending = append(pending, stream[:chunk]...)
			stream = stream[chunk:]

			for {
				pkt, n, err := ParsePacket(pending, 0)
				if err != nil {
					t.Fatalf("parse failed: %v", err)
				}
				if pkt == nil {
					break
				}
				got = append(got, pkt)
				pending = pending[n:]
			}
		}

		if len(got) != len(packets) {
			t.Fatalf("got %d packets, want %d", len(got), len(packets))
		}
		for i := range packets {
			if got[i].String() != packets[i].String() {
				t.Fatalf("packet %d mismatch: got %s, want %s", i, got[i], packets[i])
			}
		}
	})
}

// TestStringRoundTrip tests that any valid string can be encoded and decoded
func TestStringRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := rapid.String().Draw(t, "string")

		var buf bytes.Buffer
		if err := WriteString(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := ReadString(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded != original {
			t.Fatalf("string mismatch: got %q, want %q", decoded, original)
		}
	})
}

// TestUint64RoundTrip tests that any uint64 can be encoded and decoded
func TestUint64RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := rapid.Uint64().Draw(t, "uint64")

		var buf bytes.Buffer
		if err := WriteUint64(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := ReadUint64(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded != original {
			t.Fatalf("uint64 mismatch: got %d, want %d", decoded, original)
		}
	})
}
