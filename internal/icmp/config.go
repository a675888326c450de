package icmp

// DefaultMTU leaves room for the IPv4 and ICMP headers on a 1500 byte link.
const DefaultMTU = 1500 - 20 - HeaderLen

// Config holds configuration for an ICMP tunnel socket.
type Config struct {
	// ListenAddress is the local IPv4 address the raw socket binds to.
	// Empty means 0.0.0.0.
	ListenAddress string

	// Expect is the echo kind accepted by Receive. Servers expect
	// requests, clients expect replies.
	Expect Kind

	// MTU bounds the payload of sent and received frames.
	MTU int

	// TTL sets the IP time-to-live of outgoing datagrams.
	// 0 keeps the system default.
	TTL int

	// Identifier is the echo identifier this endpoint sends with.
	Identifier uint16

	// MatchIdentifier drops received frames whose identifier differs
	// from Identifier.
	MatchIdentifier bool
}

// DefaultConfig returns a Config with sensible defaults for the given role
// of the receiving side.
func DefaultConfig(expect Kind) Config {
	return Config{
		ListenAddress: "0.0.0.0",
		Expect:        expect,
		MTU:           DefaultMTU,
	}
}
