// Package icmp carries tunnel frames inside ICMP echo messages.
//
// Each frame is one IP packet read from the TUN device, placed verbatim in the
// data section of an ICMP echo request (client) or echo reply (server):
//
//	 0               1               2               3
//	+---------------+---------------+-------------------------------+
//	|     Type      |     Code      |           Checksum            |
//	+---------------+---------------+-------------------------------+
//	|          Identifier           |        Sequence Number        |
//	+-------------------------------+-------------------------------+
//	|                 IP packet (at most MTU bytes)                 |
//	+---------------------------------------------------------------+
//
// # Raw Sockets
//
// Conn uses a raw "ip4:icmp" socket, which requires root or CAP_NET_RAW. The
// kernel still answers echo requests on its own, so the server host should
// disable that before running the tunnel:
//
//	sysctl -w net.ipv4.icmp_echo_ignore_all=1
//
// # Filtering
//
// Datagrams of the wrong echo type, with a bad checksum, truncated, larger than
// the MTU, or (when identifier matching is on) carrying a foreign identifier
// are rejected with errors for which Discardable reports true.
package icmp
