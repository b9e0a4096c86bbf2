package tele

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/lorawatch/helpers"
	"github.com/temoto/lorawatch/internal/auth"
)

const hmacField = `,"hmac":"`

// Telemetry is one publish of a source reading.
// Optional fields are omitted from the text when nil.
type Telemetry struct {
	Source      string
	Temperature float64
	Humidity    float64

	RSSI            *int
	SNR             *float64
	PacketsReceived *uint32
	PacketsLost     *uint32
	LoraStatus      *bool

	Seq uint32
}

// Canonical is the exact text covered by HMAC.
// Field order is fixed, floats have one decimal.
func (t *Telemetry) Canonical() []byte {
	var b bytes.Buffer
	b.Grow(160)
	b.WriteString(`{"source":`)
	src, _ := json.Marshal(t.Source) // string marshal never fails
	b.Write(src)
	b.WriteString(`,"temperature":`)
	b.WriteString(formatDecimal(t.Temperature))
	b.WriteString(`,"humidity":`)
	b.WriteString(formatDecimal(t.Humidity))
	if t.RSSI != nil {
		b.WriteString(`,"rssi":`)
		b.WriteString(strconv.Itoa(*t.RSSI))
	}
	if t.SNR != nil {
		b.WriteString(`,"snr":`)
		b.WriteString(formatDecimal(*t.SNR))
	}
	if t.PacketsReceived != nil {
		b.WriteString(`,"packetsReceived":`)
		b.WriteString(strconv.FormatUint(uint64(*t.PacketsReceived), 10))
	}
	if t.PacketsLost != nil {
		b.WriteString(`,"packetsLost":`)
		b.WriteString(strconv.FormatUint(uint64(*t.PacketsLost), 10))
	}
	if t.LoraStatus != nil {
		b.WriteString(`,"loraStatus":`)
		b.WriteString(strconv.FormatBool(*t.LoraStatus))
	}
	b.WriteString(`,"seq":`)
	b.WriteString(strconv.FormatUint(uint64(t.Seq), 10))
	b.WriteByte('}')
	return b.Bytes()
}

func formatDecimal(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) }

// SignPayload inserts hmac of canonical text before its closing brace.
func SignPayload(secret, canonical []byte) []byte {
	tag := auth.Sign(secret, canonical)
	tagHex := helpers.UpperHex(tag[:])
	out := make([]byte, 0, len(canonical)+len(hmacField)+len(tagHex)+2)
	out = append(out, canonical[:len(canonical)-1]...)
	out = append(out, hmacField...)
	out = append(out, tagHex...)
	out = append(out, '"', '}')
	return out
}

// SplitSigned is inverse of SignPayload: returns canonical text and tag hex.
func SplitSigned(payload []byte) ([]byte, string, error) {
	i := bytes.LastIndex(payload, []byte(hmacField))
	if i < 0 || !bytes.HasSuffix(payload, []byte(`"}`)) {
		return nil, "", errors.NotValidf("signed payload without hmac")
	}
	tagHex := string(payload[i+len(hmacField) : len(payload)-2])
	if strings.ContainsAny(tagHex, `",}`) {
		return nil, "", errors.NotValidf("signed payload hmac field")
	}
	canonical := make([]byte, 0, i+1)
	canonical = append(canonical, payload[:i]...)
	canonical = append(canonical, '}')
	return canonical, tagHex, nil
}

// VerifyPayload checks hmac and decodes telemetry fields.
func VerifyPayload(secret, payload []byte) (*Telemetry, error) {
	canonical, tagHex, err := SplitSigned(payload)
	if err != nil {
		return nil, err
	}
	if !auth.VerifyHex(secret, canonical, tagHex) {
		return nil, errors.Annotate(auth.ErrAuthentication, "telemetry")
	}
	return ParseCanonical(canonical)
}

// ParseCanonical decodes unsigned telemetry text.
func ParseCanonical(canonical []byte) (*Telemetry, error) {
	var wire struct {
		Source          string   `json:"source"`
		Temperature     float64  `json:"temperature"`
		Humidity        float64  `json:"humidity"`
		RSSI            *int     `json:"rssi"`
		SNR             *float64 `json:"snr"`
		PacketsReceived *uint32  `json:"packetsReceived"`
		PacketsLost     *uint32  `json:"packetsLost"`
		LoraStatus      *bool    `json:"loraStatus"`
		Seq             *uint32  `json:"seq"`
	}
	if err := json.Unmarshal(canonical, &wire); err != nil {
		return nil, errors.NewNotValid(err, "telemetry json")
	}
	if wire.Source == "" || wire.Seq == nil {
		return nil, errors.NotValidf("telemetry without source or seq")
	}
	return &Telemetry{
		Source:          wire.Source,
		Temperature:     wire.Temperature,
		Humidity:        wire.Humidity,
		RSSI:            wire.RSSI,
		SNR:             wire.SNR,
		PacketsReceived: wire.PacketsReceived,
		PacketsLost:     wire.PacketsLost,
		LoraStatus:      wire.LoraStatus,
		Seq:             *wire.Seq,
	}, nil
}

type handshakeRequest struct {
	Id string `json:"id"`
}

type handshakeResponse struct {
	Seq *uint32 `json:"seq"`
}

func HandshakeRequest(source string) []byte {
	b, _ := json.Marshal(handshakeRequest{Id: source})
	return b
}

func ParseHandshakeRequest(b []byte) (string, error) {
	var r handshakeRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return "", errors.NewNotValid(err, "handshake request")
	}
	if r.Id == "" {
		return "", errors.NotValidf("handshake request without id")
	}
	return r.Id, nil
}

func HandshakeResponse(seq uint32) []byte {
	b, _ := json.Marshal(handshakeResponse{Seq: &seq})
	return b
}

// ParseHandshakeResponse accepts {"seq":N} or bare number.
func ParseHandshakeResponse(b []byte) (uint32, error) {
	text := bytes.TrimSpace(b)
	if n, err := strconv.ParseUint(string(text), 10, 32); err == nil {
		return uint32(n), nil
	}
	var r handshakeResponse
	if err := json.Unmarshal(text, &r); err != nil {
		return 0, errors.NewNotValid(err, "handshake response")
	}
	if r.Seq == nil {
		return 0, errors.NotValidf("handshake response without seq")
	}
	return *r.Seq, nil
}

// HandshakeResponseTopic is where broker side answers source.
func HandshakeResponseTopic(source string) string {
	return handshakeResponsePrefix + source
}
