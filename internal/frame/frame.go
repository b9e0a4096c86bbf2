// Package frame is the fixed-size binary format exchanged over the LoRa link.
//
// Every frame is data bytes followed by 32 byte HMAC-SHA256 tag over the data.
// On air the frame travels as hex text, 2 characters per byte.
//
//	DATA           id 02 seq tL tH hL hH  + tag   (39 bytes)
//	DATA (legacy)  id 02 tL tH hL hH      + tag   (38 bytes)
//	TIME_REQUEST   id 03 nonce 00 00 00   + tag   (38 bytes)
//	TIME_RESPONSE  id 04 u0 u1 u2 u3      + tag   (38 bytes)
//
// All multi-byte integers are little-endian.
package frame

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

type Type uint8

const (
	TypeData         Type = 2
	TypeTimeRequest  Type = 3
	TypeTimeResponse Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeTimeRequest:
		return "TIME_REQUEST"
	case TypeTimeResponse:
		return "TIME_RESPONSE"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

const (
	TagSize = 32

	DataSize         = 7
	LegacyDataSize   = 6
	TimeRequestSize  = 6
	TimeResponseSize = 6

	MaxSize = DataSize + TagSize
)

var (
	ErrInvalidLength = errors.NotValidf("frame length")
	ErrInvalidHex    = errors.NotValidf("frame hex")
	ErrUnknownType   = errors.NotValidf("frame type")
)

type Tag [TagSize]byte

func (t Tag) String() string { return strings.ToUpper(hex.EncodeToString(t[:])) }

// Message is one of Data, TimeRequest, TimeResponse.
type Message interface {
	Type() Type
	// Source is the id byte: sender for Data and TimeRequest, addressee for TimeResponse.
	Source() uint8
	// AppendData appends signed portion of the frame.
	AppendData(b []byte) []byte
}

type Data struct {
	Src uint8
	// HasSeq=false only for decoded legacy frames without sequence byte.
	HasSeq      bool
	Seq         uint8
	Temperature int16 // value*100 or Invalid
	Humidity    int16 // value*100 or Invalid
}

func (Data) Type() Type      { return TypeData }
func (d Data) Source() uint8 { return d.Src }
func (d Data) AppendData(b []byte) []byte {
	b = append(b, d.Src, byte(TypeData))
	if d.HasSeq {
		b = append(b, d.Seq)
	}
	b = binary.LittleEndian.AppendUint16(b, uint16(d.Temperature))
	return binary.LittleEndian.AppendUint16(b, uint16(d.Humidity))
}

type TimeRequest struct {
	Src   uint8
	Nonce uint8
}

func (TimeRequest) Type() Type      { return TypeTimeRequest }
func (r TimeRequest) Source() uint8 { return r.Src }
func (r TimeRequest) AppendData(b []byte) []byte {
	return append(b, r.Src, byte(TypeTimeRequest), r.Nonce, 0, 0, 0)
}

type TimeResponse struct {
	Dst  uint8
	Unix uint32
}

func (TimeResponse) Type() Type      { return TypeTimeResponse }
func (r TimeResponse) Source() uint8 { return r.Dst }
func (r TimeResponse) AppendData(b []byte) []byte {
	b = append(b, r.Dst, byte(TypeTimeResponse))
	return binary.LittleEndian.AppendUint32(b, r.Unix)
}

type Frame struct {
	Msg Message
	Tag Tag
}

// DataBytes is the exact byte sequence covered by the tag.
func DataBytes(m Message) []byte {
	var buf [MaxSize]byte
	return m.AppendData(buf[:0])
}

func (f Frame) Bytes() []byte {
	var buf [MaxSize]byte
	b := f.Msg.AppendData(buf[:0])
	return append(b, f.Tag[:]...)
}

// Encode returns uppercase hex text of data and tag.
func (f Frame) Encode() string {
	return strings.ToUpper(hex.EncodeToString(f.Bytes()))
}

func (f Frame) String() string {
	return fmt.Sprintf("%s src=%d %s", f.Msg.Type(), f.Msg.Source(), f.Encode())
}

func knownSize(n int) bool {
	switch n - TagSize {
	case DataSize, LegacyDataSize:
		return true
	}
	return false
}

// Decode parses hex text of either case. Length is checked before any field access.
func Decode(s string) (Frame, error) {
	if len(s)%2 != 0 || !knownSize(len(s)/2) {
		return Frame{}, errors.Annotatef(ErrInvalidLength, "hex length=%d", len(s))
	}
	var buf [MaxSize]byte
	raw := buf[:len(s)/2]
	if _, err := hex.Decode(raw, []byte(s)); err != nil {
		return Frame{}, errors.Annotatef(ErrInvalidHex, "%v", err)
	}
	return Parse(raw)
}

// Parse validates binary frame length per type.
func Parse(raw []byte) (Frame, error) {
	var f Frame
	if !knownSize(len(raw)) {
		return f, errors.Annotatef(ErrInvalidLength, "length=%d", len(raw))
	}
	n := len(raw) - TagSize
	data := raw[:n]
	copy(f.Tag[:], raw[n:])

	switch t := Type(data[1]); t {
	case TypeData:
		d := Data{Src: data[0]}
		rest := data[2:]
		if n == DataSize {
			d.HasSeq = true
			d.Seq = data[2]
			rest = data[3:]
		}
		d.Temperature = int16(binary.LittleEndian.Uint16(rest[0:2]))
		d.Humidity = int16(binary.LittleEndian.Uint16(rest[2:4]))
		f.Msg = d

	case TypeTimeRequest:
		if n != TimeRequestSize {
			return f, errors.Annotatef(ErrInvalidLength, "type=%s length=%d", t, len(raw))
		}
		f.Msg = TimeRequest{Src: data[0], Nonce: data[2]}

	case TypeTimeResponse:
		if n != TimeResponseSize {
			return f, errors.Annotatef(ErrInvalidLength, "type=%s length=%d", t, len(raw))
		}
		f.Msg = TimeResponse{Dst: data[0], Unix: binary.LittleEndian.Uint32(data[2:6])}

	default:
		return f, errors.Annotatef(ErrUnknownType, "type=%d", uint8(t))
	}
	return f, nil
}

// Unwrap undoes one extra hex layer: some modems deliver ASCII of the hex text
// as hex again. Payload that is already a plain frame is returned as is.
func Unwrap(payload string) string {
	if knownSize(len(payload) / 2) {
		return payload
	}
	if len(payload)%4 != 0 || !knownSize(len(payload)/4) {
		return payload
	}
	inner := make([]byte, len(payload)/2)
	if _, err := hex.Decode(inner, []byte(payload)); err != nil {
		return payload
	}
	for _, c := range inner {
		if !isHexDigit(c) {
			return payload
		}
	}
	return string(inner)
}

// Wrap is inverse of Unwrap, used by modem emulation in tests.
func Wrap(payload string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(payload)))
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
