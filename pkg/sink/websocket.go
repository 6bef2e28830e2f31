package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbeema/streamtap/pkg/protocol"
	"github.com/mbeema/streamtap/pkg/redact"
	"github.com/mbeema/streamtap/pkg/transport"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// CaptureEvent is the JSON message pushed to live viewers.
type CaptureEvent struct {
	Time      time.Time `json:"time"`
	Conn      string    `json:"conn"`
	PID       uint32    `json:"pid"`
	FD        int32     `json:"fd"`
	Direction string    `json:"direction"`
	Length    int       `json:"length"`
	Protocol  string    `json:"protocol"`
	Text      string    `json:"text"`
}

// WebSocketSink broadcasts captures to connected WebSocket viewers. Slow
// viewers are disconnected rather than allowed to back up the feed.
type WebSocketSink struct {
	logger   *zap.Logger
	redactor *redact.Redactor
	hub      *wsHub
}

// NewWebSocketSink creates the sink. Run must be started before viewers
// connect.
func NewWebSocketSink(redactor *redact.Redactor, logger *zap.Logger) *WebSocketSink {
	return &WebSocketSink{
		logger:   logger,
		redactor: redactor,
		hub:      newWSHub(),
	}
}

// Run services the hub until ctx is done, then disconnects every viewer.
func (s *WebSocketSink) Run(ctx context.Context) {
	s.hub.run(ctx)
}

// Clients returns the number of connected viewers.
func (s *WebSocketSink) Clients() int {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return len(s.hub.clients)
}

// ServeHTTP upgrades the request and registers the viewer.
func (s *WebSocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, 256)}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (s *WebSocketSink) PreparePartialBuffers(conn transport.ConnID, isDecrypted bool) error {
	return nil
}

func (s *WebSocketSink) PartialData(conn transport.ConnID, isIncoming bool, buf []byte, offset, length int, isWrapping, singleDecode bool) error {
	c, err := NewCapture(conn, isIncoming, buf, offset, length, isWrapping, singleDecode)
	if err != nil {
		return err
	}

	data, err := json.Marshal(CaptureEvent{
		Time:      c.Time,
		Conn:      c.Conn.String(),
		PID:       c.Conn.PID,
		FD:        c.Conn.FD,
		Direction: c.Direction(),
		Length:    len(c.Data),
		Protocol:  protocol.Detect(c.Data),
		Text:      s.redactor.Text(c.Data, defaultPreviewBytes),
	})
	if err != nil {
		return err
	}

	select {
	case s.hub.broadcast <- data:
	default:
		s.logger.Debug("websocket broadcast queue full, dropping capture")
	}
	return nil
}

// --- WebSocket hub ---

type wsHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.Mutex
}

func newWSHub() *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

func (h *wsHub) run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) leave() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

func (c *wsClient) writePump() {
	defer func() {
		c.leave()
		c.conn.Close()
	}()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *wsClient) readPump() {
	defer func() {
		c.leave()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
