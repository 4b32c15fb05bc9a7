package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/knowva/knowva/internal/common/logger"
	"github.com/knowva/knowva/internal/events/bus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// wsPongWait bounds how long a client may go without answering a
	// ping before the connection is considered dead.
	wsPongWait = 60 * time.Second
	// wsBuffer bounds how far a slow client may fall behind before
	// events are dropped for it.
	wsBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// WSHandler streams engine events to WebSocket clients.
type WSHandler struct {
	bus     bus.EventBus
	logger  *logger.Logger
	subject string

	writeTimeout time.Duration
	pingInterval time.Duration
	pongWait     time.Duration
}

// NewWSHandler creates a handler that forwards events matching subject.
func NewWSHandler(eventBus bus.EventBus, log *logger.Logger, subject string) *WSHandler {
	return &WSHandler{
		bus:          eventBus,
		logger:       log.WithFields(zap.String("component", "ws")),
		subject:      subject,
		writeTimeout: wsWriteTimeout,
		pingInterval: wsPingInterval,
		pongWait:     wsPongWait,
	}
}

// Stream upgrades the connection and forwards events until the client
// goes away.
// GET /api/v1/ws
func (h *WSHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	eventCh := make(chan *bus.Event, wsBuffer)
	sub, err := h.bus.Subscribe(h.subject, func(_ context.Context, event *bus.Event) error {
		select {
		case eventCh <- event:
		default:
			// Slow client; drop rather than block the bus.
		}
		return nil
	})
	if err != nil {
		h.logger.WithError(err).Error("websocket subscribe failed")
		return
	}
	defer sub.Unsubscribe()

	// Reader goroutine detects client disconnect. Pongs push the read
	// deadline forward, so a client that stops answering pings is
	// dropped instead of lingering until a write fails.
	conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case event := <-eventCh:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
