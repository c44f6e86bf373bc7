// Package ppp implements the PPP frame codec: decoding and encoding of
// LCP, IPCP, PAP and CHAP control messages and their option TLVs.
package ppp

import "fmt"

// ProtocolNumber is a PPP Protocol field value (RFC 1661 §2).
type ProtocolNumber uint16

const (
	ProtocolIPv4   ProtocolNumber = 0x0021
	ProtocolIPv6   ProtocolNumber = 0x0057
	ProtocolVJC    ProtocolNumber = 0x002d
	ProtocolIPX    ProtocolNumber = 0x002b
	ProtocolAT     ProtocolNumber = 0x0029
	ProtocolIPCP   ProtocolNumber = 0x8021
	ProtocolIPv6CP ProtocolNumber = 0x8057
	ProtocolCCP    ProtocolNumber = 0x80fd
	ProtocolECP    ProtocolNumber = 0x8053
	ProtocolLCP    ProtocolNumber = 0xc021
	ProtocolPAP    ProtocolNumber = 0xc023
	ProtocolLQR    ProtocolNumber = 0xc025
	ProtocolCHAP   ProtocolNumber = 0xc223
	ProtocolCBCP   ProtocolNumber = 0xc029
	ProtocolEAP    ProtocolNumber = 0xc227
)

func (p ProtocolNumber) String() string {
	switch p {
	case ProtocolIPv4:
		return "IPv4"
	case ProtocolIPv6:
		return "IPv6"
	case ProtocolVJC:
		return "VJC"
	case ProtocolIPX:
		return "IPX"
	case ProtocolAT:
		return "AppleTalk"
	case ProtocolIPCP:
		return "IPCP"
	case ProtocolIPv6CP:
		return "IPv6CP"
	case ProtocolCCP:
		return "CCP"
	case ProtocolECP:
		return "ECP"
	case ProtocolLCP:
		return "LCP"
	case ProtocolPAP:
		return "PAP"
	case ProtocolLQR:
		return "LQR"
	case ProtocolCHAP:
		return "CHAP"
	case ProtocolCBCP:
		return "CBCP"
	case ProtocolEAP:
		return "EAP"
	default:
		return fmt.Sprintf("Protocol(0x%04x)", uint16(p))
	}
}

// CpCode is a control-protocol packet code shared by LCP, IPCP and the
// other NCPs (RFC 1661 §5).
type CpCode uint8

const (
	CodeVendorSpecific   CpCode = 0
	CodeConfigureRequest CpCode = 1
	CodeConfigureAck     CpCode = 2
	CodeConfigureNak     CpCode = 3
	CodeConfigureReject  CpCode = 4
	CodeTerminateRequest CpCode = 5
	CodeTerminateAck     CpCode = 6
	CodeCodeReject       CpCode = 7
	CodeProtocolReject   CpCode = 8
	CodeEchoRequest      CpCode = 9
	CodeEchoReply        CpCode = 10
	CodeDiscardRequest   CpCode = 11
	CodeIdentification   CpCode = 12
	CodeTimeRemaining    CpCode = 13
	CodeResetRequest     CpCode = 14
	CodeResetReply       CpCode = 15
)

func (c CpCode) String() string {
	switch c {
	case CodeVendorSpecific:
		return "Vendor-Specific"
	case CodeConfigureRequest:
		return "Configure-Request"
	case CodeConfigureAck:
		return "Configure-Ack"
	case CodeConfigureNak:
		return "Configure-Nak"
	case CodeConfigureReject:
		return "Configure-Reject"
	case CodeTerminateRequest:
		return "Terminate-Request"
	case CodeTerminateAck:
		return "Terminate-Ack"
	case CodeCodeReject:
		return "Code-Reject"
	case CodeProtocolReject:
		return "Protocol-Reject"
	case CodeEchoRequest:
		return "Echo-Request"
	case CodeEchoReply:
		return "Echo-Reply"
	case CodeDiscardRequest:
		return "Discard-Request"
	case CodeIdentification:
		return "Identification"
	case CodeTimeRemaining:
		return "Time-Remaining"
	case CodeResetRequest:
		return "Reset-Request"
	case CodeResetReply:
		return "Reset-Reply"
	default:
		return fmt.Sprintf("Code(%d)", uint8(c))
	}
}

// PAP codes (RFC 1334).
const (
	PapCodeAuthenticateRequest CpCode = 1
	PapCodeAuthenticateAck    CpCode = 2
	PapCodeAuthenticateNak    CpCode = 3
)

// CHAP codes (RFC 1994).
const (
	ChapCodeChallenge CpCode = 1
	ChapCodeResponse  CpCode = 2
	ChapCodeSuccess   CpCode = 3
	ChapCodeFailure   CpCode = 4
)

// DecodeError is returned by the codec for malformed input. Kind lets
// callers distinguish "drop silently" from other handling per the
// error-kind table this module follows.
type DecodeError struct {
	Kind string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ppp decode (%s): %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func newDecodeError(kind string, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
