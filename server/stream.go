package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fluxpredict/db"
	"fluxpredict/handlers"
	"fluxpredict/predict"
)

// Stream event types.
const (
	EventOutput    = "output"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Event is one message sent on the prediction stream.
type Event struct {
	Type      string              `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	ID        string              `json:"id"`
	Output    *OutputRef          `json:"output,omitempty"`
	Result    *PredictionResponse `json:"result,omitempty"`
	Status    string              `json:"status,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// StreamConfig configures the WebSocket endpoint.
type StreamConfig struct {
	// PingInterval is how often to ping the client (default: 30s)
	PingInterval time.Duration

	// PongWait is how long to wait for the request and for each pong (default: 60s)
	PongWait time.Duration

	// WriteWait is the time allowed to write a message (default: 10s)
	WriteWait time.Duration

	// MaxMessageSize bounds the request message (default: 64KiB)
	MaxMessageSize int64
}

// DefaultStreamConfig returns the default configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 64 << 10,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamConn serializes writes to a connection.
type streamConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func (s *streamConn) send(ev Event) error {
	ev.Timestamp = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return s.conn.WriteJSON(ev)
}

func (s *streamConn) close(code int, text string) {
	deadline := time.Now().Add(s.writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = s.conn.Close()
}

// stream reads one request from the client, then sends an output event per
// accepted image followed by completed or failed. Closing the connection
// cancels the prediction.
func (s *Server) stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote_addr", c.ClientIP()), zap.Error(err))
		return
	}
	cfg := s.config.Stream
	sc := &streamConn{conn: conn, writeWait: cfg.WriteWait}

	conn.SetReadLimit(cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	id := uuid.NewString()
	req := predict.DefaultRequest()
	if err := conn.ReadJSON(&req); err != nil {
		_ = sc.send(Event{Type: EventFailed, ID: id, Status: db.StatusFailed, Error: "invalid request: " + err.Error()})
		sc.close(websocket.CloseUnsupportedData, "invalid request")
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go s.readPump(conn, cancel)
	go s.pingLoop(ctx, sc, cfg.PingInterval)

	res, err := s.runner.Handle(ctx, id, db.SourceWebSocket, req, func(o predict.Output) error {
		ref := s.outputRef(o)
		return sc.send(Event{Type: EventOutput, ID: id, Output: &ref})
	})
	if err != nil {
		_ = sc.send(Event{Type: EventFailed, ID: id, Status: handlers.OutcomeStatus(err), Error: err.Error()})
		sc.close(websocket.CloseNormalClosure, "")
		return
	}
	resp := s.response(res)
	_ = sc.send(Event{Type: EventCompleted, ID: id, Status: db.StatusSucceeded, Result: &resp})
	sc.close(websocket.CloseNormalClosure, "")
}

// readPump discards client messages and cancels the prediction when the
// connection goes away.
func (s *Server) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, sc *streamConn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(sc.writeWait)); err != nil {
				return
			}
		}
	}
}
