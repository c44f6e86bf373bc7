package ppp

import "encoding/binary"

// CpBody is the decoded body of a control-protocol (LCP/IPCP) packet.
// Exactly one field is meaningful, selected by the packet's Code.
type CpBody struct {
	Options []Option // Configure-Request/Ack/Nak/Reject (LCP)

	IpcpOptions []IpcpOption // Configure-Request/Ack/Nak/Reject (IPCP)

	TermData []byte // Terminate-Request/Ack

	CodeReject []byte // Code-Reject: the rejected packet, verbatim

	ProtocolReject struct { // Protocol-Reject
		Protocol ProtocolNumber
		Info     []byte
	}

	Identification struct { // Identification
		Magic   uint32
		Message []byte
	}

	TimeRemaining struct { // Time-Remaining
		Magic   uint32
		Seconds uint32
		Message []byte
	}

	// EchoRequest, EchoReply and DiscardRequest carry the magic number
	// plus an arbitrary trailing payload; Echo frames echo it back.
	Echo struct {
		Magic   uint32
		Message []byte
	}
}

// CpPacket is a decoded LCP or IPCP control packet.
type CpPacket struct {
	Protocol   ProtocolNumber
	Code       CpCode
	Identifier uint8
	Body       CpBody
}

// DecodeCpPacket decodes a CP header (Code:u8, Identifier:u8,
// Length:u16) followed by its per-code body, per §4.1.
func DecodeCpPacket(protocol ProtocolNumber, data []byte) (*CpPacket, error) {
	if len(data) < 4 {
		return nil, newDecodeError("malformed-frame", "cp header too short: %d bytes", len(data))
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if length < 4 || int(length) > len(data) {
		return nil, newDecodeError("malformed-frame", "cp length %d out of range for %d byte buffer", length, len(data))
	}

	pkt := &CpPacket{
		Protocol:   protocol,
		Code:       CpCode(data[0]),
		Identifier: data[1],
	}
	body := data[4:length] // payload beyond Length is padding, ignored per §3 invariants

	switch pkt.Code {
	case CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject:
		if protocol == ProtocolIPCP {
			pkt.Body.IpcpOptions = DecodeIpcpOptions(body)
		} else {
			pkt.Body.Options = DecodeOptions(body)
		}
	case CodeTerminateRequest, CodeTerminateAck:
		pkt.Body.TermData = append([]byte{}, body...)
	case CodeCodeReject:
		pkt.Body.CodeReject = append([]byte{}, body...)
	case CodeProtocolReject:
		if len(body) < 2 {
			return nil, newDecodeError("malformed-frame", "protocol-reject body too short")
		}
		pkt.Body.ProtocolReject.Protocol = ProtocolNumber(binary.BigEndian.Uint16(body[:2]))
		pkt.Body.ProtocolReject.Info = append([]byte{}, body[2:]...)
	case CodeIdentification:
		if len(body) < 4 {
			return nil, newDecodeError("malformed-frame", "identification body too short")
		}
		pkt.Body.Identification.Magic = binary.BigEndian.Uint32(body[:4])
		pkt.Body.Identification.Message = append([]byte{}, body[4:]...)
	case CodeTimeRemaining:
		if len(body) < 8 {
			return nil, newDecodeError("malformed-frame", "time-remaining body too short")
		}
		pkt.Body.TimeRemaining.Magic = binary.BigEndian.Uint32(body[:4])
		pkt.Body.TimeRemaining.Seconds = binary.BigEndian.Uint32(body[4:8])
		pkt.Body.TimeRemaining.Message = append([]byte{}, body[8:]...)
	case CodeEchoRequest, CodeEchoReply, CodeDiscardRequest:
		if len(body) >= 4 {
			pkt.Body.Echo.Magic = binary.BigEndian.Uint32(body[:4])
			pkt.Body.Echo.Message = append([]byte{}, body[4:]...)
		}
	default:
		// Unknown CP code: callers surface CP-Code-Reject; body kept raw.
		pkt.Body.CodeReject = append([]byte{}, body...)
	}
	return pkt, nil
}

// Encode serializes a CpPacket back to its wire form. Length is always
// 4 + len(body).
func (p *CpPacket) Encode() ([]byte, error) {
	var body []byte
	var err error
	switch p.Code {
	case CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject:
		if p.Protocol == ProtocolIPCP {
			body, err = EncodeIpcpOptions(p.Body.IpcpOptions)
		} else {
			body, err = EncodeOptions(p.Body.Options)
		}
	case CodeTerminateRequest, CodeTerminateAck:
		body = p.Body.TermData
	case CodeCodeReject:
		body = p.Body.CodeReject
	case CodeProtocolReject:
		body = make([]byte, 2+len(p.Body.ProtocolReject.Info))
		binary.BigEndian.PutUint16(body[:2], uint16(p.Body.ProtocolReject.Protocol))
		copy(body[2:], p.Body.ProtocolReject.Info)
	case CodeIdentification:
		body = make([]byte, 4+len(p.Body.Identification.Message))
		binary.BigEndian.PutUint32(body[:4], p.Body.Identification.Magic)
		copy(body[4:], p.Body.Identification.Message)
	case CodeTimeRemaining:
		body = make([]byte, 8+len(p.Body.TimeRemaining.Message))
		binary.BigEndian.PutUint32(body[:4], p.Body.TimeRemaining.Magic)
		binary.BigEndian.PutUint32(body[4:8], p.Body.TimeRemaining.Seconds)
		copy(body[8:], p.Body.TimeRemaining.Message)
	case CodeEchoRequest, CodeEchoReply, CodeDiscardRequest:
		body = make([]byte, 4+len(p.Body.Echo.Message))
		binary.BigEndian.PutUint32(body[:4], p.Body.Echo.Magic)
		copy(body[4:], p.Body.Echo.Message)
	default:
		body = p.Body.CodeReject
	}
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 4+len(body))
	buf[0] = byte(p.Code)
	buf[1] = p.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(4+len(body)))
	copy(buf[4:], body)
	return buf, nil
}

// PapMessage is a decoded PAP control message.
type PapMessage struct {
	Code       CpCode
	Identifier uint8

	// AuthenticateRequest
	PeerID   string
	Password string

	// Ack/Nak
	Message string
}

// DecodePap decodes a PAP frame body per §4.1: AuthReq =
// peer_len:u8||peer_id||pass_len:u8||passwd; Ack/Nak = msg_len:u8||msg.
// Trailing bytes beyond the declared lengths are silently discarded.
func DecodePap(data []byte) (*PapMessage, error) {
	if len(data) < 4 {
		return nil, newDecodeError("malformed-frame", "pap header too short")
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if length < 4 || int(length) > len(data) {
		return nil, newDecodeError("malformed-frame", "pap length %d out of range", length)
	}
	msg := &PapMessage{Code: CpCode(data[0]), Identifier: data[1]}
	body := data[4:length]

	switch msg.Code {
	case PapCodeAuthenticateRequest:
		if len(body) < 1 {
			return nil, newDecodeError("malformed-frame", "pap auth-request truncated")
		}
		peerLen := int(body[0])
		if len(body) < 1+peerLen+1 {
			return nil, newDecodeError("malformed-frame", "pap auth-request peer-id truncated")
		}
		msg.PeerID = string(body[1 : 1+peerLen])
		passLen := int(body[1+peerLen])
		if len(body) < 2+peerLen+passLen {
			return nil, newDecodeError("malformed-frame", "pap auth-request password truncated")
		}
		msg.Password = string(body[2+peerLen : 2+peerLen+passLen])
	case PapCodeAuthenticateAck, PapCodeAuthenticateNak:
		if len(body) < 1 {
			return nil, newDecodeError("malformed-frame", "pap ack/nak truncated")
		}
		msgLen := int(body[0])
		if len(body) < 1+msgLen {
			return nil, newDecodeError("malformed-frame", "pap ack/nak message truncated")
		}
		msg.Message = string(body[1 : 1+msgLen])
	default:
		return nil, newDecodeError("malformed-frame", "unknown pap code %d", msg.Code)
	}
	return msg, nil
}

// Encode serializes a PapMessage to wire bytes.
func (m *PapMessage) Encode() []byte {
	var body []byte
	switch m.Code {
	case PapCodeAuthenticateRequest:
		body = make([]byte, 1+len(m.PeerID)+1+len(m.Password))
		body[0] = byte(len(m.PeerID))
		copy(body[1:], m.PeerID)
		body[1+len(m.PeerID)] = byte(len(m.Password))
		copy(body[2+len(m.PeerID):], m.Password)
	case PapCodeAuthenticateAck, PapCodeAuthenticateNak:
		body = make([]byte, 1+len(m.Message))
		body[0] = byte(len(m.Message))
		copy(body[1:], m.Message)
	}
	buf := make([]byte, 4+len(body))
	buf[0] = byte(m.Code)
	buf[1] = m.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(4+len(body)))
	copy(buf[4:], body)
	return buf
}

// ChapMessage is a decoded CHAP control message.
type ChapMessage struct {
	Code       CpCode
	Identifier uint8

	// Challenge/Response
	Value []byte
	Name  string

	// Success/Failure
	Message string
}

// DecodeChap decodes a CHAP frame body per §4.1: Challenge/Response =
// value_len:u8||value||name:(rest); Success/Failure = msg:(rest).
func DecodeChap(data []byte) (*ChapMessage, error) {
	if len(data) < 4 {
		return nil, newDecodeError("malformed-frame", "chap header too short")
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if length < 4 || int(length) > len(data) {
		return nil, newDecodeError("malformed-frame", "chap length %d out of range", length)
	}
	msg := &ChapMessage{Code: CpCode(data[0]), Identifier: data[1]}
	body := data[4:length]

	switch msg.Code {
	case ChapCodeChallenge, ChapCodeResponse:
		if len(body) < 1 {
			return nil, newDecodeError("malformed-frame", "chap challenge/response truncated")
		}
		valueLen := int(body[0])
		if len(body) < 1+valueLen {
			return nil, newDecodeError("malformed-frame", "chap value truncated")
		}
		msg.Value = append([]byte{}, body[1:1+valueLen]...)
		msg.Name = string(body[1+valueLen:])
	case ChapCodeSuccess, ChapCodeFailure:
		msg.Message = string(body)
	default:
		return nil, newDecodeError("malformed-frame", "unknown chap code %d", msg.Code)
	}
	return msg, nil
}

// Encode serializes a ChapMessage to wire bytes.
func (m *ChapMessage) Encode() []byte {
	var body []byte
	switch m.Code {
	case ChapCodeChallenge, ChapCodeResponse:
		body = make([]byte, 1+len(m.Value)+len(m.Name))
		body[0] = byte(len(m.Value))
		copy(body[1:], m.Value)
		copy(body[1+len(m.Value):], m.Name)
	case ChapCodeSuccess, ChapCodeFailure:
		body = []byte(m.Message)
	}
	buf := make([]byte, 4+len(body))
	buf[0] = byte(m.Code)
	buf[1] = m.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(4+len(body)))
	copy(buf[4:], body)
	return buf
}

// Frame is the top-level decoded PPP payload, dispatched on Protocol.
type Frame struct {
	Protocol ProtocolNumber

	Ipv4    []byte // ProtocolIPv4: handed upward unchanged
	Lcp     *CpPacket
	Ipcp    *CpPacket
	Pap     *PapMessage
	Chap    *ChapMessage
	Unknown []byte // any protocol this core doesn't negotiate
}

// Decode dispatches on the Protocol field (§4.1) and decodes the rest
// of the payload accordingly.
func Decode(data []byte) (*Frame, error) {
	if len(data) < 2 {
		return nil, newDecodeError("malformed-frame", "payload too short for protocol field")
	}
	proto := ProtocolNumber(binary.BigEndian.Uint16(data[:2]))
	rest := data[2:]

	switch proto {
	case ProtocolIPv4:
		return &Frame{Protocol: proto, Ipv4: append([]byte{}, rest...)}, nil
	case ProtocolIPCP:
		pkt, err := DecodeCpPacket(proto, rest)
		if err != nil {
			return nil, err
		}
		return &Frame{Protocol: proto, Ipcp: pkt}, nil
	case ProtocolLCP:
		pkt, err := DecodeCpPacket(proto, rest)
		if err != nil {
			return nil, err
		}
		return &Frame{Protocol: proto, Lcp: pkt}, nil
	case ProtocolPAP:
		msg, err := DecodePap(rest)
		if err != nil {
			return nil, err
		}
		return &Frame{Protocol: proto, Pap: msg}, nil
	case ProtocolCHAP:
		msg, err := DecodeChap(rest)
		if err != nil {
			return nil, err
		}
		return &Frame{Protocol: proto, Chap: msg}, nil
	default:
		return &Frame{Protocol: proto, Unknown: append([]byte{}, rest...)}, nil
	}
}

// Encode re-serializes a Frame, including its 2-byte Protocol field.
func (f *Frame) Encode() ([]byte, error) {
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(f.Protocol))

	var body []byte
	var err error
	switch {
	case f.Lcp != nil:
		body, err = f.Lcp.Encode()
	case f.Ipcp != nil:
		body, err = f.Ipcp.Encode()
	case f.Pap != nil:
		body = f.Pap.Encode()
	case f.Chap != nil:
		body = f.Chap.Encode()
	case f.Ipv4 != nil:
		body = f.Ipv4
	default:
		body = f.Unknown
	}
	if err != nil {
		return nil, err
	}
	return append(header, body...), nil
}
