package admin

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tsingest/bucketworker/internal/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// CommitEvent is one bucket write the feed broadcasts to connected
// operators: enough to identify the bucket without shipping its points.
type CommitEvent struct {
	Kind       string `json:"kind"` // data_create, data_update, event
	DataType   string `json:"data_type"`
	Identifier string `json:"identifier"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
}

// FeedHub fans out CommitEvents to every connected /debug/feed client, the
// way the teacher's MetricsHub fans out metric updates.
type FeedHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte

	mu sync.RWMutex
}

// NewFeedHub builds an idle hub; call Run to start its event loop.
func NewFeedHub() *FeedHub {
	return &FeedHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSChannelBuffer),
	}
}

// Run drives the hub until ctx is cancelled, closing every client connection
// on exit.
func (h *FeedHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.unregister <- conn
			}
		}
	}
}

// Publish enqueues a commit event for broadcast. A full channel drops the
// event rather than block the writer that triggered it.
func (h *FeedHub) Publish(ev CommitEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("admin: failed to encode commit event: %v", err)
		return
	}
	select {
	case h.broadcast <- body:
	default:
		log.Printf("admin: feed broadcast channel full, dropping commit event")
	}
}

// HasClients reports whether any operator is currently connected.
func (h *FeedHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleWebSocket upgrades a request to a websocket connection registered
// with the hub, and runs its ping/read loop until the client disconnects.
func (h *FeedHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("admin: websocket upgrade failed: %v", err)
		return
	}

	h.register <- conn

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		h.unregister <- conn
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
