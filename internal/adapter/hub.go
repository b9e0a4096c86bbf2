package adapter

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/temoto/lorawatch/log2"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsMaxClients   = 64
	wsSendBuffer   = 16
)

var upgrader = websocket.Upgrader{
	// dashboard may be served from anywhere on local network
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out accepted readings to live websocket clients.
// Slow client is dropped instead of blocking others.
type Hub struct {
	log     *log2.Log
	mu      sync.RWMutex
	clients map[string]*wsClient
}

func NewHub(log *log2.Log) *Hub {
	return &Hub{log: log, clients: make(map[string]*wsClient)}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(b []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.log.Infof("adapter ws client=%s too slow, dropped", c.id)
			go h.remove(c)
		}
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()
	for _, c := range clients {
		close(c.send)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Len() >= wsMaxClients {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("adapter ws upgrade err=%v", err)
		return
	}
	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.log.Debugf("adapter ws connect client=%s addr=%s", c.id, r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop only detects close, clients do not send anything meaningful.
func (h *Hub) readLoop(c *wsClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.log.Debugf("adapter ws disconnect client=%s err=%v", c.id, err)
			return
		}
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	defer c.conn.Close()
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			h.log.Debugf("adapter ws write client=%s err=%v", c.id, err)
			go h.remove(c)
			// drain until remove closes send
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	if ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
}
