package mqtt

import (
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/256dpi/gomqtt/packet"
)

const logPayloadMax = 256

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}

// PacketString formats PUBLISH with readable payload.
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

// MessageString shows text payload as is, binary as hex.
func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	payload := m.Payload
	suffix := ""
	if len(payload) > logPayloadMax {
		payload, suffix = payload[:logPayloadMax], "..."
	}
	if utf8.Valid(payload) {
		return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%q%s", m.Topic, m.QOS, m.Retain, payload, suffix)
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%x%s", m.Topic, m.QOS, m.Retain, payload, suffix)
}
