package tele

import (
	"context"

	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/log2"
)

// Tele transport contract:
// - Init fails only with invalid config, ignores network errors
// - Publish delivers at QoS 1 within network timeout or fails
// - reconnects on its own and reports link changes through Events
// - application may start without network available
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, config state.TeleConfig, ev Events) error
	Publish(topic string, payload []byte) error
	Connected() bool
	Close()
}

type Events struct {
	// OnConnect after every (re)connect, subscriptions are in place.
	OnConnect func()
	// OnLost after connection loss, transport keeps reconnecting.
	OnLost func(error)
	// OnMessage for handshake responses.
	OnMessage func(topic string, payload []byte)
}
