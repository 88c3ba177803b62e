package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/socialhostpro/fleetcmdagent/internal/store"
)

// sendBufferSize bounds each connection's outbound queue. The event bus is
// best-effort: a subscriber that cannot keep up is dropped rather than
// allowed to stall the publisher.
const sendBufferSize = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn owns one WebSocket connection's write side so reads (ping/pong)
// and the fan-out goroutine never touch the same connection concurrently.
type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

func newWSConn(conn *websocket.Conn, logger *slog.Logger) *wsConn {
	return &wsConn{conn: conn, send: make(chan []byte, sendBufferSize), logger: logger}
}

// enqueue drops the message instead of blocking when the connection's
// buffer is full.
func (c *wsConn) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("websocket send buffer full, dropping message")
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames, replying {"type":"pong"} to a "ping" text
// message, until the connection closes.
func (c *wsConn) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == "ping" {
			pong, _ := json.Marshal(map[string]string{"type": "pong"})
			c.enqueue(pong)
		}
	}
}

func upgrade(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*wsConn, context.Context, context.CancelFunc, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return nil, nil, nil, false
	}
	ctx, cancel := context.WithCancel(r.Context())
	wc := newWSConn(conn, logger)
	go wc.writePump()
	go wc.readPump(ctx, cancel)
	return wc, ctx, cancel, true
}

// bridgeChannel subscribes to a single store channel and forwards every
// message verbatim until ctx is cancelled.
func bridgeChannel(ctx context.Context, s store.Store, channel string, wc *wsConn) {
	sub := s.Subscribe(ctx, channel)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			close(wc.send)
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				close(wc.send)
				return
			}
			wc.enqueue([]byte(msg.Payload))
		}
	}
}

// HandleDoctorWS bridges fleet:doctor:events to a client.
func HandleDoctorWS(s store.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wc, ctx, _, ok := upgrade(w, r, logger)
		if !ok {
			return
		}
		bridgeChannel(ctx, s, store.ChannelDoctorEvents, wc)
	}
}

// HandleAlertsWS bridges the alerts channel to a client.
func HandleAlertsWS(s store.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wc, ctx, _, ok := upgrade(w, r, logger)
		if !ok {
			return
		}
		bridgeChannel(ctx, s, store.ChannelAlerts, wc)
	}
}

// HandleNodeLogsWS bridges logs:<node_id> to a client.
func HandleNodeLogsWS(s store.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := chi.URLParam(r, "node_id")
		wc, ctx, _, ok := upgrade(w, r, logger)
		if !ok {
			return
		}
		bridgeChannel(ctx, s, store.ChannelNodeLogs(nodeID), wc)
	}
}

// SnapshotFunc produces the periodic payload pushed to `/ws/metrics`
// subscribers.
type SnapshotFunc func(ctx context.Context) (any, error)

// HandleMetricsWS pushes a periodic snapshot of all nodes. Unlike the other three
// bridges this isn't a pub/sub relay: the node set changes too often to
// subscribe to one channel per node, so the handler polls the registry on
// an interval instead.
func HandleMetricsWS(logger *slog.Logger, interval time.Duration, snapshot SnapshotFunc) http.HandlerFunc {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		wc, ctx, _, ok := upgrade(w, r, logger)
		if !ok {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(wc.send)
				return
			case <-ticker.C:
				data, err := snapshot(ctx)
				if err != nil {
					logger.Warn("building metrics ws snapshot", "error", err)
					continue
				}
				payload, err := json.Marshal(map[string]any{"type": "metrics", "data": data})
				if err != nil {
					continue
				}
				wc.enqueue(payload)
			}
		}
	}
}
