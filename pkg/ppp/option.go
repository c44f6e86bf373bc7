package ppp

import (
	"encoding/binary"
	"fmt"
)

// OptionType is the Type field of an option TLV.
type OptionType uint8

const (
	OptMru       OptionType = 1
	OptAsyncMap  OptionType = 2
	OptAuth      OptionType = 3
	OptQuality   OptionType = 4
	OptMagic     OptionType = 5
	OptPfc       OptionType = 7
	OptAcfc      OptionType = 8
	OptCallback  OptionType = 13
	OptMrru      OptionType = 17
	OptSsnhf     OptionType = 18
	OptEpDisc    OptionType = 19
	OptLDisc     OptionType = 23
)

func (t OptionType) String() string {
	switch t {
	case OptMru:
		return "Mru"
	case OptAsyncMap:
		return "AsyncMap"
	case OptAuth:
		return "Auth"
	case OptQuality:
		return "Quality"
	case OptMagic:
		return "Magic"
	case OptPfc:
		return "Pfc"
	case OptAcfc:
		return "Acfc"
	case OptCallback:
		return "Callback"
	case OptMrru:
		return "Mrru"
	case OptSsnhf:
		return "Ssnhf"
	case OptEpDisc:
		return "EpDisc"
	case OptLDisc:
		return "LDisc"
	default:
		return fmt.Sprintf("Raw(%d)", uint8(t))
	}
}

// AuthKind is the authentication protocol carried by an Auth option.
type AuthKind uint8

const (
	AuthPap AuthKind = iota
	AuthChap
	AuthEap
)

// MdType is the CHAP digest algorithm negotiated alongside AuthChap.
type MdType uint8

const (
	MdMd5     MdType = 5
	MdSha1    MdType = 6
	MdMsChap  MdType = 128
	MdMsChapV2 MdType = 129
)

// AuthProto is the payload of an Auth option.
type AuthProto struct {
	Kind   AuthKind
	MdType MdType // only meaningful when Kind == AuthChap
}

func (a AuthProto) protocolNumber() ProtocolNumber {
	switch a.Kind {
	case AuthChap:
		return ProtocolCHAP
	case AuthEap:
		return ProtocolEAP
	default:
		return ProtocolPAP
	}
}

func (a AuthProto) Equal(b AuthProto) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == AuthChap {
		return a.MdType == b.MdType
	}
	return true
}

// Option is a single decoded Configure-* option TLV. Exactly one of the
// typed fields is meaningful, selected by Type; unknown or
// schema-mismatched options carry their raw payload in Raw.
type Option struct {
	Type OptionType

	Mru      uint16
	AsyncMap uint32
	Auth     AuthProto
	QualProtocol uint16
	QualPeriod   uint32
	Magic    uint32
	Callback struct {
		Op      uint8
		Message []byte
	}
	Mrru   uint16
	EpDisc struct {
		Class   uint8
		Address []byte
	}
	LDisc uint16

	// Raw carries the payload verbatim for Pfc/Acfc/Ssnhf (empty),
	// for any type this codec doesn't know, and for any option whose
	// payload size disagrees with its type's schema.
	Raw []byte
}

// NewMru builds an Mru option.
func NewMru(v uint16) Option { return Option{Type: OptMru, Mru: v} }

// NewAsyncMap builds an AsyncMap option.
func NewAsyncMap(v uint32) Option { return Option{Type: OptAsyncMap, AsyncMap: v} }

// NewAuth builds an Auth option.
func NewAuth(a AuthProto) Option { return Option{Type: OptAuth, Auth: a} }

// NewMagic builds a Magic option.
func NewMagic(v uint32) Option { return Option{Type: OptMagic, Magic: v} }

// NewPfc builds a Pfc option.
func NewPfc() Option { return Option{Type: OptPfc} }

// NewAcfc builds an Acfc option.
func NewAcfc() Option { return Option{Type: OptAcfc} }

// NewRaw builds a passthrough option for an unsupported or unknown type.
func NewRaw(t OptionType, payload []byte) Option { return Option{Type: t, Raw: payload} }

// Equal compares two options by type and decoded value.
func (o Option) Equal(b Option) bool {
	if o.Type != b.Type {
		return false
	}
	switch o.Type {
	case OptMru:
		return o.Mru == b.Mru
	case OptMagic:
		return o.Magic == b.Magic
	case OptAuth:
		return o.Auth.Equal(b.Auth)
	case OptAsyncMap:
		return o.AsyncMap == b.AsyncMap
	case OptMrru:
		return o.Mrru == b.Mrru
	case OptPfc, OptAcfc, OptSsnhf:
		return true
	case OptQuality:
		return o.QualProtocol == b.QualProtocol && o.QualPeriod == b.QualPeriod
	case OptCallback:
		return o.Callback.Op == b.Callback.Op && string(o.Callback.Message) == string(b.Callback.Message)
	case OptEpDisc:
		return o.EpDisc.Class == b.EpDisc.Class && string(o.EpDisc.Address) == string(b.EpDisc.Address)
	case OptLDisc:
		return o.LDisc == b.LDisc
	default:
		return string(o.Raw) == string(b.Raw)
	}
}

// payload returns the option's type-specific encoding without the
// Type/Length header.
func (o Option) payload() ([]byte, error) {
	switch o.Type {
	case OptMru:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, o.Mru)
		return b, nil
	case OptAsyncMap:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, o.AsyncMap)
		return b, nil
	case OptAuth:
		proto := o.Auth.protocolNumber()
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(proto))
		if o.Auth.Kind == AuthChap {
			b = append(b, byte(o.Auth.MdType))
		}
		return b, nil
	case OptQuality:
		b := make([]byte, 6)
		binary.BigEndian.PutUint16(b[0:2], o.QualProtocol)
		binary.BigEndian.PutUint32(b[2:6], o.QualPeriod)
		return b, nil
	case OptMagic:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, o.Magic)
		return b, nil
	case OptPfc, OptAcfc, OptSsnhf:
		return nil, nil
	case OptCallback:
		return append([]byte{o.Callback.Op}, o.Callback.Message...), nil
	case OptMrru:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, o.Mrru)
		return b, nil
	case OptEpDisc:
		return append([]byte{o.EpDisc.Class}, o.EpDisc.Address...), nil
	case OptLDisc:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, o.LDisc)
		return b, nil
	default:
		return o.Raw, nil
	}
}

// Encode serializes a single option TLV: Type:u8, Length:u8 (2+payload),
// Value.
func (o Option) Encode() ([]byte, error) {
	payload, err := o.payload()
	if err != nil {
		return nil, err
	}
	if len(payload)+2 > 255 {
		return nil, fmt.Errorf("ppp: option %v payload too long (%d bytes)", o.Type, len(payload))
	}
	buf := make([]byte, 2+len(payload))
	buf[0] = byte(o.Type)
	buf[1] = byte(2 + len(payload))
	copy(buf[2:], payload)
	return buf, nil
}

// EncodeOptions serializes a list of options back to back. By
// construction EncodeOptions(L1++L2) == EncodeOptions(L1)++EncodeOptions(L2).
func EncodeOptions(opts []Option) ([]byte, error) {
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

// decodeOptionPayload decodes a single option's payload into its typed
// fields. If the payload size disagrees with the type's schema, the
// option is returned unmodified as Raw rather than producing an error —
// per §4.1, schema mismatches degrade to passthrough, they are not
// decode errors.
func decodeOptionPayload(t OptionType, payload []byte) Option {
	switch t {
	case OptMru:
		if len(payload) == 2 {
			return Option{Type: t, Mru: binary.BigEndian.Uint16(payload)}
		}
	case OptAsyncMap:
		if len(payload) == 4 {
			return Option{Type: t, AsyncMap: binary.BigEndian.Uint32(payload)}
		}
	case OptAuth:
		if len(payload) == 2 || len(payload) == 3 {
			proto := ProtocolNumber(binary.BigEndian.Uint16(payload[:2]))
			var a AuthProto
			switch proto {
			case ProtocolCHAP:
				a.Kind = AuthChap
				if len(payload) == 3 {
					a.MdType = MdType(payload[2])
				}
			case ProtocolEAP:
				a.Kind = AuthEap
			default:
				a.Kind = AuthPap
			}
			if (a.Kind == AuthChap) == (len(payload) == 3) {
				return Option{Type: t, Auth: a}
			}
		}
	case OptQuality:
		if len(payload) == 6 {
			return Option{
				Type:         t,
				QualProtocol: binary.BigEndian.Uint16(payload[0:2]),
				QualPeriod:   binary.BigEndian.Uint32(payload[2:6]),
			}
		}
	case OptMagic:
		if len(payload) == 4 {
			return Option{Type: t, Magic: binary.BigEndian.Uint32(payload)}
		}
	case OptPfc, OptAcfc, OptSsnhf:
		if len(payload) == 0 {
			return Option{Type: t}
		}
	case OptCallback:
		if len(payload) >= 1 {
			o := Option{Type: t}
			o.Callback.Op = payload[0]
			o.Callback.Message = append([]byte{}, payload[1:]...)
			return o
		}
	case OptMrru:
		if len(payload) == 2 {
			return Option{Type: t, Mrru: binary.BigEndian.Uint16(payload)}
		}
	case OptEpDisc:
		if len(payload) >= 1 {
			o := Option{Type: t}
			o.EpDisc.Class = payload[0]
			o.EpDisc.Address = append([]byte{}, payload[1:]...)
			return o
		}
	case OptLDisc:
		if len(payload) == 2 {
			return Option{Type: t, LDisc: binary.BigEndian.Uint16(payload)}
		}
	}
	return Option{Type: t, Raw: append([]byte{}, payload...)}
}

// DecodeOptions decodes a Configure-* body into its option list, per
// §4.1: loop over Type:u8, Length:u8, Value:(Length-2). A Length < 2 or
// Length exceeding the remaining bytes terminates the loop; the
// unparsed residual is returned as a single trailing Raw option rather
// than silently dropped.
func DecodeOptions(data []byte) []Option {
	var opts []Option
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			opts = append(opts, Option{Type: OptionType(data[offset]), Raw: append([]byte{}, data[offset:]...)})
			break
		}
		t := OptionType(data[offset])
		length := int(data[offset+1])
		if length < 2 || offset+length > len(data) {
			opts = append(opts, Option{Type: t, Raw: append([]byte{}, data[offset:]...)})
			break
		}
		payload := data[offset+2 : offset+length]
		opts = append(opts, decodeOptionPayload(t, payload))
		offset += length
	}
	return opts
}
