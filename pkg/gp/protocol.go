package gp

import "fmt"

// Platform is the GlobalPlatform card specification version.
type Platform int

const (
	GP201 Platform = iota + 1
	GP211
)

func (p Platform) String() string {
	switch p {
	case GP201:
		return "GP2.0.1"
	case GP211:
		return "GP2.1.1"
	default:
		return fmt.Sprintf("Platform(%d)", int(p))
	}
}

// Protocol is the secure channel protocol.
type Protocol int

const (
	SCP01 Protocol = iota + 1
	SCP02
	SCP03
)

func (p Protocol) String() string {
	switch p {
	case SCP01:
		return "SCP01"
	case SCP02:
		return "SCP02"
	case SCP03:
		return "SCP03"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// ProtocolInfo describes the negotiated platform and secure channel
// protocol. It is an immutable value.
type ProtocolInfo struct {
	platform       Platform
	protocol       Protocol
	implementation byte
	keyInfo        []byte
}

// NewProtocolInfo builds a descriptor. implementation is the GP "i"
// parameter (e.g. 0x15 or 0x55 for SCP02, 0x70 for SCP03); keyInfo is the
// optional raw key information template.
func NewProtocolInfo(platform Platform, protocol Protocol, implementation byte, keyInfo []byte) ProtocolInfo {
	return ProtocolInfo{
		platform:       platform,
		protocol:       protocol,
		implementation: implementation,
		keyInfo:        append([]byte(nil), keyInfo...),
	}
}

func (p ProtocolInfo) IsGP201() bool { return p.platform == GP201 }
func (p ProtocolInfo) IsGP211() bool { return p.platform == GP211 }
func (p ProtocolInfo) IsSCP01() bool { return p.protocol == SCP01 }
func (p ProtocolInfo) IsSCP02() bool { return p.protocol == SCP02 }
func (p ProtocolInfo) IsSCP03() bool { return p.protocol == SCP03 }

func (p ProtocolInfo) Platform() Platform { return p.platform }
func (p ProtocolInfo) Protocol() Protocol { return p.protocol }
func (p ProtocolInfo) Implementation() byte { return p.implementation }
func (p ProtocolInfo) KeyInfo() []byte { return append([]byte(nil), p.keyInfo...) }

// ICVEncryption reports whether the SCP02 "i" parameter asks for the C-MAC
// chaining value to be encrypted before use (bit 5, e.g. i=0x55).
func (p ProtocolInfo) ICVEncryption() bool {
	return p.protocol == SCP02 && p.implementation&0x10 != 0
}

func (p ProtocolInfo) String() string {
	return fmt.Sprintf("%s/%s i=%02X", p.platform, p.protocol, p.implementation)
}

// ProtocolFromInitUpdate reads the protocol identifier from an INITIALIZE
// UPDATE response (byte 11) and, for SCP03, the "i" parameter (byte 12).
// SCP01 and SCP02 carry no "i" byte; SCP02 defaults to 0x55 and SCP01 to
// 0x05.
func ProtocolFromInitUpdate(resp []byte) (Protocol, byte, error) {
	if len(resp) < 12 {
		return 0, 0, newError(KindProtocol, "initialize update", "response too short: %d bytes", len(resp))
	}
	switch resp[11] {
	case 0x01:
		return SCP01, 0x05, nil
	case 0x02:
		return SCP02, 0x55, nil
	case 0x03:
		if len(resp) < 13 {
			return 0, 0, newError(KindProtocol, "initialize update", "SCP03 response too short: %d bytes", len(resp))
		}
		return SCP03, resp[12], nil
	default:
		return 0, 0, newError(KindProtocol, "initialize update", "unsupported SCP identifier %02X", resp[11])
	}
}
