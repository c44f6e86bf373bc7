package ppp

import (
	"encoding/binary"
	"fmt"
)

// IpcpOptionType is the Type field of an IPCP Configure-* option TLV.
// This is a distinct table from OptionType (§3): IPCP reuses the CP
// header and Configure-* codes but not the generic LCP option set.
type IpcpOptionType uint8

const (
	IpcpOptIpAddresses           IpcpOptionType = 1 // deprecated (RFC 1172)
	IpcpOptIpCompressionProtocol IpcpOptionType = 2
	IpcpOptIpAddress             IpcpOptionType = 3
	IpcpOptMobileIpv4            IpcpOptionType = 4
	IpcpOptPrimaryDns            IpcpOptionType = 129
	IpcpOptPrimaryNbns           IpcpOptionType = 130
	IpcpOptSecondaryDns          IpcpOptionType = 131
	IpcpOptSecondaryNbns         IpcpOptionType = 132
)

func (t IpcpOptionType) String() string {
	switch t {
	case IpcpOptIpAddresses:
		return "IpAddresses"
	case IpcpOptIpCompressionProtocol:
		return "IpCompressionProtocol"
	case IpcpOptIpAddress:
		return "IpAddress"
	case IpcpOptMobileIpv4:
		return "MobileIpv4"
	case IpcpOptPrimaryDns:
		return "PrimaryDns"
	case IpcpOptPrimaryNbns:
		return "PrimaryNbns"
	case IpcpOptSecondaryDns:
		return "SecondaryDns"
	case IpcpOptSecondaryNbns:
		return "SecondaryNbns"
	default:
		return fmt.Sprintf("Raw(%d)", uint8(t))
	}
}

// IpcpOption is a single decoded IPCP option TLV. IpAddress (type 3) is
// the only mandatory option for this core (§3); everything else is
// carried as Raw passthrough regardless of type, including the ones
// named above, since this core has no policy opinion on them.
type IpcpOption struct {
	Type IpcpOptionType

	// Address is meaningful only when Type == IpcpOptIpAddress.
	Address uint32

	// Raw carries the verbatim payload for every other type.
	Raw []byte
}

// NewIpcpAddress builds an IpAddress option.
func NewIpcpAddress(addr uint32) IpcpOption {
	return IpcpOption{Type: IpcpOptIpAddress, Address: addr}
}

// NewIpcpRaw builds a passthrough option for any non-IpAddress type.
func NewIpcpRaw(t IpcpOptionType, payload []byte) IpcpOption {
	return IpcpOption{Type: t, Raw: payload}
}

// Equal compares two IPCP options by type and decoded value.
func (o IpcpOption) Equal(b IpcpOption) bool {
	if o.Type != b.Type {
		return false
	}
	if o.Type == IpcpOptIpAddress {
		return o.Address == b.Address
	}
	return string(o.Raw) == string(b.Raw)
}

func (o IpcpOption) payload() ([]byte, error) {
	if o.Type == IpcpOptIpAddress {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, o.Address)
		return b, nil
	}
	return o.Raw, nil
}

// Encode serializes a single IPCP option TLV: Type:u8, Length:u8
// (2+payload), Value.
func (o IpcpOption) Encode() ([]byte, error) {
	payload, err := o.payload()
	if err != nil {
		return nil, err
	}
	if len(payload)+2 > 255 {
		return nil, fmt.Errorf("ppp: ipcp option %v payload too long (%d bytes)", o.Type, len(payload))
	}
	buf := make([]byte, 2+len(payload))
	buf[0] = byte(o.Type)
	buf[1] = byte(2 + len(payload))
	copy(buf[2:], payload)
	return buf, nil
}

// EncodeIpcpOptions serializes a list of IPCP options back to back.
func EncodeIpcpOptions(opts []IpcpOption) ([]byte, error) {
	var buf []byte
	for _, o := range opts {
		enc, err := o.Encode()
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}

func decodeIpcpOptionPayload(t IpcpOptionType, payload []byte) IpcpOption {
	if t == IpcpOptIpAddress && len(payload) == 4 {
		return IpcpOption{Type: t, Address: binary.BigEndian.Uint32(payload)}
	}
	return IpcpOption{Type: t, Raw: append([]byte{}, payload...)}
}

// DecodeIpcpOptions decodes an IPCP Configure-* body into its option
// list. Same boundary rules as DecodeOptions: a Length < 2 or a Length
// exceeding the remaining bytes terminates the loop with the residual
// surfaced as a single trailing Raw option.
func DecodeIpcpOptions(data []byte) []IpcpOption {
	var opts []IpcpOption
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			opts = append(opts, IpcpOption{Type: IpcpOptionType(data[offset]), Raw: append([]byte{}, data[offset:]...)})
			break
		}
		t := IpcpOptionType(data[offset])
		length := int(data[offset+1])
		if length < 2 || offset+length > len(data) {
			opts = append(opts, IpcpOption{Type: t, Raw: append([]byte{}, data[offset:]...)})
			break
		}
		payload := data[offset+2 : offset+length]
		opts = append(opts, decodeIpcpOptionPayload(t, payload))
		offset += length
	}
	return opts
}
