package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Hub maps order ids to their bound client transport. At most one client
// per order; registering replaces any prior binding. Delivery is
// at-most-once: no binding means the event is dropped, and nothing is
// buffered or replayed for late connections beyond the snapshot event.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	store *order.Store
	log   *zap.SugaredLogger
}

func NewHub(store *order.Store, log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		store:   store,
		log:     log,
	}
}

// Register binds a client to an order id, replacing and closing any prior
// binding. If the order already exists, the client immediately receives a
// snapshot event reflecting its current status, so a client connecting
// after processing finished still learns the outcome.
func (h *Hub) Register(orderID string, c *Client) {
	h.mu.Lock()
	prev := h.clients[orderID]
	h.clients[orderID] = c
	h.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	h.log.Infow("ws_client_registered", "order_id", orderID, "remote", c.id)

	if ord, ok := h.store.Get(orderID); ok {
		c.Send(pipeline.Event{
			Status:  ord.Status,
			OrderID: ord.ID,
			TxHash:  ord.TxHash,
			Error:   ord.Error,
		})
	}
}

// Unregister removes the binding if c still holds it. Idempotent; a
// replaced client unregistering late does not evict its successor.
func (h *Hub) Unregister(orderID string, c *Client) {
	h.mu.Lock()
	if h.clients[orderID] == c {
		delete(h.clients, orderID)
	}
	h.mu.Unlock()
	h.log.Infow("ws_client_unregistered", "order_id", orderID, "remote", c.id)
}

// Notify implements pipeline.Notifier. Events for orders with no bound
// client are silently dropped.
func (h *Hub) Notify(orderID string, ev pipeline.Event) {
	h.mu.RLock()
	c := h.clients[orderID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	c.Send(ev)
}

// Bound reports whether a client is currently bound to the order (tests).
func (h *Hub) Bound(orderID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[orderID] != nil
}

// Client is one WebSocket connection watching one order.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
	log  *zap.SugaredLogger

	// mu serializes Send against close: a replaced client may be closed
	// by Register while the pipeline is mid-Notify, and a send on the
	// closed channel would panic.
	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, log *zap.SugaredLogger) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, 256),
		id:   conn.RemoteAddr().String(),
		log:  log,
	}
}

// Send serializes and queues an event. A full buffer drops the event; the
// pipeline never blocks on a slow client. Safe to race with close: events
// for a closed client are dropped.
func (c *Client) Send(ev pipeline.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		c.log.Errorw("ws_marshal_failed", "err", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warnw("ws_send_buffer_full", "remote", c.id, "status", ev.Status)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump drains the connection until it closes, then unbinds the client.
// Inbound messages are ignored; the channel is push-only.
func (c *Client) readPump(hub *Hub, orderID string) {
	defer func() {
		hub.Unregister(orderID, c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Debugw("ws_read_error", "remote", c.id, "err", err)
			}
			return
		}
	}
}

// writePump pumps queued events to the connection and keeps it alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub replaced the binding or is shutting down
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ pipeline.Notifier = (*Hub)(nil)
