package types

import (
	"fmt"
	"net"
)

// Protocol is one of the four wire protocols a peer may be reached over.
type Protocol int

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
	ProtocolWS
	ProtocolWSS
)

func (p Protocol) String() string {
	switch p {
	case ProtocolUDP:
		return "UDP"
	case ProtocolTCP:
		return "TCP"
	case ProtocolWS:
		return "WS"
	case ProtocolWSS:
		return "WSS"
	default:
		return "?"
	}
}

// AddressType distinguishes IPv4 from IPv6 dial info.
type AddressType int

const (
	AddressV4 AddressType = iota
	AddressV6
)

// DialInfo structurally describes one way to reach a peer on one protocol.
type DialInfo struct {
	Protocol Protocol
	Address  net.IP
	Port     uint16
	// URL and Path are only meaningful for WS/WSS.
	URL  string
	Path string
}

// AddrType reports whether Address is v4 or v6.
func (d DialInfo) AddrType() AddressType {
	if d.Address.To4() != nil {
		return AddressV4
	}
	return AddressV6
}

// SocketAddr renders the host:port pair dialers/listeners expect.
func (d DialInfo) SocketAddr() string {
	return net.JoinHostPort(d.Address.String(), fmt.Sprintf("%d", d.Port))
}

func (d DialInfo) String() string {
	switch d.Protocol {
	case ProtocolWS, ProtocolWSS:
		return fmt.Sprintf("%s://%s%s", d.Protocol, d.SocketAddr(), d.Path)
	default:
		return fmt.Sprintf("%s:%s", d.Protocol, d.SocketAddr())
	}
}

// DialInfoClass captures NAT reachability classification for one DialInfo.
type DialInfoClass int

const (
	ClassDirect DialInfoClass = iota
	ClassMapped
	ClassFullConeNAT
	ClassAddressRestrictedNAT
	ClassPortRestrictedNAT
	ClassSymmetricNAT
	ClassBlocked
)

func (c DialInfoClass) String() string {
	switch c {
	case ClassDirect:
		return "Direct"
	case ClassMapped:
		return "Mapped"
	case ClassFullConeNAT:
		return "FullConeNAT"
	case ClassAddressRestrictedNAT:
		return "AddressRestrictedNAT"
	case ClassPortRestrictedNAT:
		return "PortRestrictedNAT"
	case ClassSymmetricNAT:
		return "SymmetricNAT"
	case ClassBlocked:
		return "Blocked"
	default:
		return "?"
	}
}

// DialInfoDetail annotates a DialInfo with the NAT class that governs
// whether and how other peers can reach it.
type DialInfoDetail struct {
	DialInfo DialInfo
	Class    DialInfoClass
}

// ShortCode renders the bootstrap TXT dial-info-short form:
// U<port>, T<port>, W<port>[/path], S<port>[/path].
func (d DialInfo) ShortCode() string {
	switch d.Protocol {
	case ProtocolUDP:
		return fmt.Sprintf("U%d", d.Port)
	case ProtocolTCP:
		return fmt.Sprintf("T%d", d.Port)
	case ProtocolWS:
		return fmt.Sprintf("W%d%s", d.Port, d.Path)
	case ProtocolWSS:
		return fmt.Sprintf("S%d%s", d.Port, d.Path)
	default:
		return ""
	}
}
