package events

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// hubConnected is sent to each client right after the upgrade.
const hubConnected Type = "connected"

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// Hub broadcasts events to websocket clients. Clients may pass
// ?projectPath= to receive a single project's events.
type Hub struct {
	// WebSocket client management
	clients   map[*websocket.Conn]string
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Event

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewHub creates a hub with a broadcast buffer of size buffer (default 100).
// If logger is nil, a default logger writing to stderr is used.
func NewHub(buffer int, logger *log.Logger) *Hub {
	if buffer <= 0 {
		buffer = 100
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[hub] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan Event, buffer),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start runs the broadcast loop until Close.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Close disconnects every client and stops the broadcast loop.
func (h *Hub) Close() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Publish implements Sink. It never blocks: when the buffer is full the
// event is dropped.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case <-h.ctx.Done():
		return
	default:
	}
	select {
	case h.broadcast <- e:
	default:
		h.logger.Println("Warning: broadcast channel full, dropping event")
	}
}

// broadcastLoop handles message broadcasting to all clients
func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case e := <-h.broadcast:
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			h.clientsMu.RLock()
			targets := make([]*websocket.Conn, 0, len(h.clients))
			for conn, project := range h.clients {
				if project == "" || project == e.Project {
					targets = append(targets, conn)
				}
			}
			h.clientsMu.RUnlock()

			// Send outside the read lock to avoid blocking broadcasts
			for _, conn := range targets {
				ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					h.logger.Printf("Failed to send to client: %v", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	project := r.URL.Query().Get("projectPath")

	h.clientsMu.Lock()
	h.clients[conn] = project
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Printf("Client connected (total: %d)", clientCount)

	welcome, _ := json.Marshal(Event{Type: hubConnected, Project: project, Time: time.Now().UTC()})
	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	_ = conn.Write(ctx, websocket.MessageText, welcome)
	cancel()

	// The handler must hold the connection; returning would close it.
	h.readLoop(conn)
}

// readLoop keeps the connection alive until the client goes away.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		h.clientsMu.Unlock()
	}
}

// ClientCount returns the current number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
