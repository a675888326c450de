package icmp

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

func TestChecksum_RFC1071Example(t *testing.T) {
	// Worked example from RFC 1071 section 3: the folded sum is 0xddf2.
	b := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	if got := Checksum(b); got != 0x220d {
		t.Errorf("Checksum() = %#04x, want 0x220d", got)
	}
}

func TestChecksum_OddLength(t *testing.T) {
	// A trailing byte is padded with zero on the right.
	if got, want := Checksum([]byte{0x01, 0x02, 0x03}), Checksum([]byte{0x01, 0x02, 0x03, 0x00}); got != want {
		t.Errorf("Checksum(odd) = %#04x, want %#04x", got, want)
	}
}

func TestMarshal_Header(t *testing.T) {
	tests := []struct {
		kind     Kind
		wantType byte
	}{
		{EchoRequest, 8},
		{EchoReply, 0},
	}

	for _, tc := range tests {
		t.Run(tc.kind.String(), func(t *testing.T) {
			p := &Packet{Kind: tc.kind, ID: 0x1234, Seq: 0x5678, Payload: []byte("PING-DATA")}

			b, err := Marshal(p)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}

			if len(b) != HeaderLen+len(p.Payload) {
				t.Errorf("Message length = %d, want %d", len(b), HeaderLen+len(p.Payload))
			}
			if b[0] != tc.wantType {
				t.Errorf("Message type = %d, want %d", b[0], tc.wantType)
			}
			if b[1] != 0 {
				t.Errorf("Message code = %d, want 0", b[1])
			}
			if b[4] != 0x12 || b[5] != 0x34 {
				t.Errorf("Identifier bytes = %x, want 1234", b[4:6])
			}
			if b[6] != 0x56 || b[7] != 0x78 {
				t.Errorf("Sequence bytes = %x, want 5678", b[6:8])
			}
			if Checksum(b) != 0 {
				t.Errorf("Checksum over message = %#04x, want 0", Checksum(b))
			}
			if !bytes.Equal(b[HeaderLen:], p.Payload) {
				t.Errorf("Payload = %q, want %q", b[HeaderLen:], p.Payload)
			}
		})
	}
}

func TestMarshal_InvalidKind(t *testing.T) {
	if _, err := Marshal(&Packet{Kind: 0}); err == nil {
		t.Error("Marshal() with zero kind should fail")
	}
}

func TestParse_RoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.5")
	payload := bytes.Repeat([]byte{0xab}, DefaultMTU)

	b, err := Marshal(&Packet{Kind: EchoRequest, ID: 7, Seq: 9, Payload: payload})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	p, err := Parse(b, src, EchoRequest, DefaultMTU)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if p.Src != src {
		t.Errorf("Src = %v, want %v", p.Src, src)
	}
	if p.Kind != EchoRequest {
		t.Errorf("Kind = %v, want %v", p.Kind, EchoRequest)
	}
	if p.ID != 7 || p.Seq != 9 {
		t.Errorf("ID/Seq = %d/%d, want 7/9", p.ID, p.Seq)
	}
	if !bytes.Equal(p.Payload, payload) {
		t.Error("Payload does not match")
	}
}

func TestParse_EmptyPayload(t *testing.T) {
	b, err := Marshal(&Packet{Kind: EchoReply, ID: 1, Seq: 1})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	p, err := Parse(b, netip.MustParseAddr("10.0.0.1"), EchoReply, DefaultMTU)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(p.Payload) != 0 {
		t.Errorf("len(Payload) = %d, want 0", len(p.Payload))
	}
}

func TestParse_Rejects(t *testing.T) {
	src := netip.MustParseAddr("192.0.2.1")

	request, err := Marshal(&Packet{Kind: EchoRequest, ID: 1, Seq: 1, Payload: []byte("hello")})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	corrupted := append([]byte(nil), request...)
	corrupted[len(corrupted)-1] ^= 0xff

	unreachable, err := (&icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Body: &icmp.DstUnreach{Data: make([]byte, 28)},
	}).Marshal(nil)
	if err != nil {
		t.Fatalf("Marshal(unreachable) error = %v", err)
	}

	tests := []struct {
		name   string
		b      []byte
		want   Kind
		mtu    int
		err    error
		reason string
	}{
		{"plain reply at server", mustMarshal(t, EchoReply, []byte("ping")), EchoRequest, 0, ErrUnexpectedType, "type"},
		{"request at client", request, EchoReply, 0, ErrUnexpectedType, "type"},
		{"destination unreachable", unreachable, EchoReply, 0, ErrUnexpectedType, "type"},
		{"bad checksum", corrupted, EchoRequest, 0, ErrChecksum, "checksum"},
		{"truncated header", request[:4], EchoRequest, 0, ErrMalformed, "malformed"},
		{"payload over MTU", request, EchoRequest, 4, ErrOversize, "oversize"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.b, src, tc.want, tc.mtu)
			if !errors.Is(err, tc.err) {
				t.Fatalf("Parse() error = %v, want %v", err, tc.err)
			}
			if !Discardable(err) {
				t.Errorf("Discardable(%v) = false, want true", err)
			}
			if got := DiscardReason(err); got != tc.reason {
				t.Errorf("DiscardReason() = %q, want %q", got, tc.reason)
			}
		})
	}
}

func TestParse_PayloadAtMTU(t *testing.T) {
	const mtu = 64
	b := mustMarshal(t, EchoReply, bytes.Repeat([]byte{1}, mtu))

	p, err := Parse(b, netip.MustParseAddr("10.0.0.1"), EchoReply, mtu)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(p.Payload) != mtu {
		t.Errorf("len(Payload) = %d, want %d", len(p.Payload), mtu)
	}
}

func TestDiscardable_OtherErrors(t *testing.T) {
	if Discardable(errors.New("read: connection refused")) {
		t.Error("plain I/O error should not be discardable")
	}
	if Discardable(nil) {
		t.Error("nil should not be discardable")
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{EchoRequest, "echo-request"},
		{EchoReply, "echo-reply"},
		{Kind(99), "unknown"},
	}

	for _, tc := range tests {
		if got := tc.kind.String(); got != tc.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tc.kind, got, tc.want)
		}
	}
}

func mustMarshal(t *testing.T, kind Kind, payload []byte) []byte {
	t.Helper()
	b, err := Marshal(&Packet{Kind: kind, ID: 1, Seq: 1, Payload: payload})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return b
}
