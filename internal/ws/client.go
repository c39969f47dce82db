package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"SupportChat/entity"
	"SupportChat/internal/lib/chaterr"
	"SupportChat/internal/lib/sl"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is one live connection. The hub owns the send queue: only the hub
// closes it.
type Client struct {
	id       string
	identity *entity.Identity
	conn     *websocket.Conn
	send     chan []byte
	lastSeen atomic.Int64
	once     sync.Once
	log      *slog.Logger
}

func NewClient(identity *entity.Identity, conn *websocket.Conn, buffer int, log *slog.Logger) *Client {
	c := &Client{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, buffer),
		log: log.With(
			sl.Module("ws-client"),
			slog.String("user_id", identity.UserID),
			slog.String("role", string(identity.Role)),
		),
	}
	c.Touch()
	return c
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Identity() *entity.Identity {
	return c.identity
}

// Outbox is the queue drained by the write pump.
func (c *Client) Outbox() <-chan []byte {
	return c.send
}

func (c *Client) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Client) closeSend() {
	c.once.Do(func() {
		close(c.send)
	})
}

func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Handler executes the commands of an authenticated connection.
type Handler interface {
	Connect(ctx context.Context, c *Client) error
	HandleCommand(ctx context.Context, c *Client, cmd Command)
	Disconnect(c *Client)
}

// Authenticator resolves the connection credential.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*entity.Identity, error)
}

// Options tune a connection.
type Options struct {
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

// readPump feeds inbound commands to the handler one at a time, so a
// connection's own commands are processed in the order it sent them.
func (c *Client) readPump(handler Handler, maxMessageBytes int64) {
	defer func() {
		handler.Disconnect(c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.Touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("connection closed", sl.Err(err))
			}
			return
		}
		c.Touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd Command
		if err = json.Unmarshal(raw, &cmd); err != nil || cmd.Type == "" {
			c.log.Warn("failed to parse client ws message", sl.Err(err))
			handler.HandleCommand(context.Background(), c, Command{Type: "", Data: raw})
			continue
		}
		handler.HandleCommand(context.Background(), c, cmd)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// TokenFromRequest reads a bearer token from the Authorization header or,
// for browsers that cannot set headers on an upgrade, the token query param.
func TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// ServeWs authenticates the request, upgrades it and hands the connection to
// the handler. Nothing reaches a channel before authentication succeeds.
func ServeWs(auth Authenticator, handler Handler, opts Options, log *slog.Logger) http.HandlerFunc {
	upgrader := newUpgrader(opts.AllowedOrigins)
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 16 * 1024
	}
	logger := log.With(sl.Module("ws-serve"))

	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := auth.Authenticate(r.Context(), TokenFromRequest(r))
		if err != nil {
			logger.With(
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("kind", chaterr.Kind(err)),
			).Warn("websocket handshake rejected", sl.Err(err))
			http.Error(w, http.StatusText(chaterr.HTTPStatus(err)), chaterr.HTTPStatus(err))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", sl.Err(err))
			return
		}

		client := NewClient(identity, conn, opts.SendBuffer, log)

		go client.writePump()

		if err = handler.Connect(r.Context(), client); err != nil {
			client.log.Warn("connect failed", sl.Err(err))
			data, _ := json.Marshal(ErrorEvent("connect", err))
			select {
			case client.send <- data:
			default:
			}
			handler.Disconnect(client)
			client.closeSend()
			return
		}

		go client.readPump(handler, opts.MaxMessageBytes)
	}
}
