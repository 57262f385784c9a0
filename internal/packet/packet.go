// Package packet is the I3 packet model: a typed variant over the closed
// set of MudMode packet types, with validation and bidirectional
// conversion to and from LPC arrays.
package packet

import (
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"i3gateway/internal/gwerr"
	"i3gateway/internal/lpc"
)

var lowerCaser = cases.Lower(language.Und)

// Type is one of the closed set of MudMode packet type strings.
type Type string

const (
	TypeTell          Type = "tell"
	TypeEmoteto       Type = "emoteto"
	TypeChannelM      Type = "channel-m"
	TypeChannelE      Type = "channel-e"
	TypeChannelT      Type = "channel-t"
	TypeWhoReq        Type = "who-req"
	TypeWhoReply      Type = "who-reply"
	TypeFingerReq     Type = "finger-req"
	TypeFingerReply   Type = "finger-reply"
	TypeLocateReq     Type = "locate-req"
	TypeLocateReply   Type = "locate-reply"
	TypeChannelAdd    Type = "channel-add"
	TypeChannelRemove Type = "channel-remove"
	TypeChannelListen Type = "channel-listen"
	TypeChanWhoReq    Type = "chan-who-req"
	TypeChanWhoReply  Type = "chan-who-reply"
	TypeChanlistReply Type = "chanlist-reply"
	TypeMudlist       Type = "mudlist"
	TypeStartupReq3   Type = "startup-req-3"
	TypeStartupReply  Type = "startup-reply"
	TypeShutdown      Type = "shutdown"
	TypeError         Type = "error"
)

const (
	// MinTTL and MaxTTL bound the header's ttl field.
	MinTTL = 1
	MaxTTL = 200

	// DefaultTTL is the value services stamp on packets they construct.
	DefaultTTL = 200

	headerFieldCount  = 6
	tellFieldCount    = 8
	startupReq3Fields = 20
)

// Header is the 6-field common prefix shared by every packet type.
type Header struct {
	Type       Type
	TTL        int32
	OriginMud  string
	OriginUser string
	TargetMud  string
	TargetUser string
}

// Packet is a fully-typed, validated I3 packet. Fields beyond the header
// are populated according to Header.Type; callers type-switch on Type or
// use the typed accessor methods below.
type Packet struct {
	Header

	// tell / emoteto
	Visname string
	Message string

	// channel-m/e/t
	ChannelName string

	// startup-req-3
	Password       int32
	OldMudlistID   int32
	OldChanlistID  int32
	PlayerPort     int32
	ImudTCPPort    int32
	ImudUDPPort    int32
	Mudlib         string
	BaseMudlib     string
	Driver         string
	MudType        string
	OpenStatus     string
	AdminEmail     string
	Services       lpc.Mapping
	OtherData      lpc.Value

	// startup-reply
	MudlistID   int32
	ChanlistID  int32

	// locate-reply
	Idle   int32
	Status string

	// mudlist / who-reply / finger-reply / chanlist-reply, and any
	// locate-reply fields beyond idle/status
	Raw lpc.Value

	// error
	ErrorCode    string
	ErrorMessage string
	BadPacketVal lpc.Value
}

// headerSlot converts a header string field to its LPC wire form: the
// empty string becomes integer 0 per the §3 null convention.
func headerSlot(s string) lpc.Value {
	if s == "" {
		return lpc.Null
	}
	return lpc.Str(s)
}

// headerSlotString converts an LPC header value back to a Go string,
// treating integer 0 as empty string.
func headerSlotString(v lpc.Value) (string, error) {
	if v.IsInt() {
		if v.Int32() == 0 {
			return "", nil
		}
		return "", fmt.Errorf("%w: header slot holds nonzero integer %d", gwerr.ErrBadPacket, v.Int32())
	}
	if v.IsString() {
		return v.String(), nil
	}
	return "", fmt.Errorf("%w: header slot is neither string nor 0", gwerr.ErrBadPacket)
}

// Encode converts p into its LPC array wire form.
func Encode(p Packet) lpc.Value {
	elems := []lpc.Value{
		lpc.Str(string(p.Type)),
		lpc.Int(p.TTL),
		headerSlot(p.OriginMud),
		headerSlot(p.OriginUser),
		headerSlot(p.TargetMud),
		headerSlot(p.TargetUser),
	}

	switch p.Type {
	case TypeTell, TypeEmoteto:
		visname := p.Visname
		if visname == "" {
			visname = p.OriginUser
		}
		elems = append(elems, lpc.Str(visname), lpc.Str(p.Message))

	case TypeChannelM, TypeChannelE:
		elems = append(elems, lpc.Str(p.ChannelName), lpc.Str(p.Visname), lpc.Str(p.Message))

	case TypeChannelT:
		elems = append(elems, lpc.Str(p.ChannelName), lpc.Str(p.Visname), lpc.Str(p.Message))

	case TypeChannelListen, TypeChannelAdd, TypeChannelRemove:
		elems = append(elems, lpc.Str(p.ChannelName))

	case TypeWhoReq, TypeFingerReq:
		// header carries the addressing; no extra fields.

	case TypeLocateReq:
		// header's target_user carries the username being located.

	case TypeStartupReq3:
		services := p.Services
		if services == nil {
			services = lpc.Mapping{}
		}
		other := p.OtherData
		if other.IsNull() && !other.IsInt() {
			other = lpc.Null
		}
		elems = append(elems,
			lpc.Int(p.Password),
			lpc.Int(p.OldMudlistID),
			lpc.Int(p.OldChanlistID),
			lpc.Int(p.PlayerPort),
			lpc.Int(p.ImudTCPPort),
			lpc.Int(p.ImudUDPPort),
			lpc.Str(p.Mudlib),
			lpc.Str(p.BaseMudlib),
			lpc.Str(p.Driver),
			lpc.Str(p.MudType),
			lpc.Str(p.OpenStatus),
			lpc.Str(p.AdminEmail),
			lpc.Map(services),
			other,
		)

	case TypeShutdown:
		// header only.

	case TypeError:
		elems = append(elems, lpc.Str(p.ErrorCode), lpc.Str(p.ErrorMessage), p.BadPacketVal)

	case TypeLocateReply:
		elems = append(elems, lpc.Int(p.Idle), lpc.Str(p.Status))
		if raw := p.Raw.Array(); raw != nil {
			elems = append(elems, raw...)
		}

	default:
		// who-reply, finger-reply, mudlist, startup-reply, chanlist-reply,
		// chan-who-req/reply carry router-defined payload shapes that the
		// gateway round-trips rather than interprets field-by-field; Raw
		// holds that payload's tail elements.
		if raw := p.Raw.Array(); raw != nil {
			elems = append(elems, raw...)
		}
	}

	return lpc.Arr(elems)
}

// Decode parses a decoded LPC array into a typed Packet, validating field
// count, field types, and TTL range. On any violation it returns
// gwerr.ErrBadPacket.
func Decode(v lpc.Value) (Packet, error) {
	arr := v.Array()
	if arr == nil {
		return Packet{}, fmt.Errorf("%w: top-level value is not an array", gwerr.ErrBadPacket)
	}
	if len(arr) < headerFieldCount {
		return Packet{}, fmt.Errorf("%w: array has %d elements, header needs %d", gwerr.ErrBadPacket, len(arr), headerFieldCount)
	}
	if !arr[0].IsString() {
		return Packet{}, fmt.Errorf("%w: type slot is not a string", gwerr.ErrBadPacket)
	}
	typ := Type(arr[0].String())

	if !arr[1].IsInt() {
		return Packet{}, fmt.Errorf("%w: ttl slot is not an integer", gwerr.ErrBadPacket)
	}
	ttl := arr[1].Int32()
	if ttl < MinTTL || ttl > MaxTTL {
		return Packet{}, fmt.Errorf("%w: ttl %d out of range [%d,%d]", gwerr.ErrBadPacket, ttl, MinTTL, MaxTTL)
	}

	originMud, err := headerSlotString(arr[2])
	if err != nil {
		return Packet{}, err
	}
	originUser, err := headerSlotString(arr[3])
	if err != nil {
		return Packet{}, err
	}
	targetMud, err := headerSlotString(arr[4])
	if err != nil {
		return Packet{}, err
	}
	targetUser, err := headerSlotString(arr[5])
	if err != nil {
		return Packet{}, err
	}

	p := Packet{Header: Header{
		Type:       typ,
		TTL:        ttl,
		OriginMud:  originMud,
		OriginUser: originUser,
		TargetMud:  targetMud,
		TargetUser: targetUser,
	}}

	rest := arr[headerFieldCount:]

	switch typ {
	case TypeTell, TypeEmoteto:
		if len(rest) != tellFieldCount-headerFieldCount {
			return Packet{}, fmt.Errorf("%w: %s requires 8 fields, got %d", gwerr.ErrBadPacket, typ, len(arr))
		}
		if !rest[0].IsString() || !rest[1].IsString() {
			return Packet{}, fmt.Errorf("%w: %s visname/message must be strings", gwerr.ErrBadPacket, typ)
		}
		p.Visname = rest[0].String()
		if p.Visname == "" {
			p.Visname = originUser
		}
		p.Message = rest[1].String()

	case TypeChannelM, TypeChannelE:
		if len(rest) != 3 {
			return Packet{}, fmt.Errorf("%w: %s requires 3 payload fields, got %d", gwerr.ErrBadPacket, typ, len(rest))
		}
		if !rest[0].IsString() || !rest[1].IsString() || !rest[2].IsString() {
			return Packet{}, fmt.Errorf("%w: %s payload fields must be strings", gwerr.ErrBadPacket, typ)
		}
		p.ChannelName = rest[0].String()
		p.Visname = rest[1].String()
		p.Message = rest[2].String()

	case TypeChannelT:
		if len(rest) != 3 {
			return Packet{}, fmt.Errorf("%w: channel-t requires 3 payload fields, got %d", gwerr.ErrBadPacket, len(rest))
		}
		if !rest[0].IsString() || !rest[1].IsString() || !rest[2].IsString() {
			return Packet{}, fmt.Errorf("%w: channel-t payload fields must be strings", gwerr.ErrBadPacket)
		}
		p.ChannelName = rest[0].String()
		p.Visname = rest[1].String()
		p.Message = rest[2].String()

	case TypeChannelListen, TypeChannelAdd, TypeChannelRemove:
		if len(rest) < 1 || !rest[0].IsString() {
			return Packet{}, fmt.Errorf("%w: %s requires a channel_name string", gwerr.ErrBadPacket, typ)
		}
		p.ChannelName = rest[0].String()

	case TypeStartupReq3:
		if len(arr) != startupReq3Fields {
			return Packet{}, fmt.Errorf("%w: startup-req-3 requires 20 fields, got %d", gwerr.ErrBadPacket, len(arr))
		}
		ints := []lpc.Value{rest[0], rest[1], rest[2], rest[3], rest[4], rest[5]}
		for i, iv := range ints {
			if !iv.IsInt() {
				return Packet{}, fmt.Errorf("%w: startup-req-3 integer field %d is not an integer", gwerr.ErrBadPacket, i)
			}
		}
		strs := []lpc.Value{rest[6], rest[7], rest[8], rest[9], rest[10], rest[11]}
		for i, sv := range strs {
			if !sv.IsString() {
				return Packet{}, fmt.Errorf("%w: startup-req-3 string field %d is not a string", gwerr.ErrBadPacket, i)
			}
		}
		if rest[12].MappingValue() == nil && !(rest[12].IsInt() && rest[12].Int32() == 0) {
			return Packet{}, fmt.Errorf("%w: startup-req-3 services must be a mapping", gwerr.ErrBadPacket)
		}
		p.Password = rest[0].Int32()
		p.OldMudlistID = rest[1].Int32()
		p.OldChanlistID = rest[2].Int32()
		p.PlayerPort = rest[3].Int32()
		p.ImudTCPPort = rest[4].Int32()
		p.ImudUDPPort = rest[5].Int32()
		p.Mudlib = rest[6].String()
		p.BaseMudlib = rest[7].String()
		p.Driver = rest[8].String()
		p.MudType = rest[9].String()
		p.OpenStatus = rest[10].String()
		p.AdminEmail = rest[11].String()
		p.Services = rest[12].MappingValue()
		p.OtherData = rest[13]

	case TypeStartupReply:
		if len(rest) < 2 || !rest[0].IsInt() || !rest[1].IsInt() {
			return Packet{}, fmt.Errorf("%w: startup-reply requires mudlist_id and chanlist_id integers", gwerr.ErrBadPacket)
		}
		p.MudlistID = rest[0].Int32()
		p.ChanlistID = rest[1].Int32()
		if len(rest) > 2 {
			p.Raw = lpc.Arr(rest[2:])
		}

	case TypeShutdown:
		// header only.

	case TypeError:
		if len(rest) < 2 || !rest[0].IsString() || !rest[1].IsString() {
			return Packet{}, fmt.Errorf("%w: error packet requires code and message strings", gwerr.ErrBadPacket)
		}
		p.ErrorCode = rest[0].String()
		p.ErrorMessage = rest[1].String()
		if len(rest) > 2 {
			p.BadPacketVal = rest[2]
		}

	case TypeWhoReq, TypeFingerReq, TypeLocateReq:
		if len(rest) > 0 {
			p.Raw = lpc.Arr(rest)
		}

	case TypeLocateReply:
		if len(rest) < 2 || !rest[0].IsInt() || !rest[1].IsString() {
			return Packet{}, fmt.Errorf("%w: locate-reply requires idle (int) and status (string) fields", gwerr.ErrBadPacket)
		}
		p.Idle = rest[0].Int32()
		p.Status = rest[1].String()
		if len(rest) > 2 {
			p.Raw = lpc.Arr(rest[2:])
		}

	case TypeWhoReply, TypeFingerReply, TypeMudlist, TypeChanlistReply,
		TypeChanWhoReq, TypeChanWhoReply:
		p.Raw = lpc.Arr(rest)

	default:
		return Packet{}, fmt.Errorf("%w: unknown packet type %q", gwerr.ErrBadPacket, typ)
	}

	return p, nil
}

// LowerMudName normalizes a MUD or user name for case-insensitive lookup;
// names are stored lowercase as map keys throughout the gateway.
func LowerMudName(name string) string {
	return lowerCaser.String(name)
}
