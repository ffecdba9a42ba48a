package websocket

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	maxMessageSize = 8192
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu      sync.RWMutex
	filter  []string // lower-case inverter names, empty = all
	subject string
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Client) wants(inverter string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filter) == 0 || inverter == "" || slices.Contains(c.filter, strings.ToLower(inverter))
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump(needAuth bool) {
	registered := !needAuth
	defer func() {
		if registered {
			c.hub.remove(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if needAuth {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	} else {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
	c.conn.SetPongHandler(func(string) error {
		if registered {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		// Erste Nachricht muss die Authentifizierung sein
		if !registered {
			if !c.authenticate(msg) {
				return
			}
			if !c.hub.add(c) {
				return
			}
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			registered = true
			go c.writePump()
			continue
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(msg)
	}
}

// authenticate answers the auth message directly on the connection. The
// write pump starts only after registration.
func (c *Client) authenticate(msg ClientMessage) bool {
	if msg.Type != MessageTypeAuth || msg.Token == "" {
		c.reply(NewMessage(MessageTypeAuthFailed, "", "first message must be authentication"))
		return false
	}

	claims, err := c.hub.jwt.ValidateAccessToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.reply(NewMessage(MessageTypeAuthFailed, "", "invalid or expired token"))
		return false
	}

	c.mu.Lock()
	c.subject = claims.Subject
	c.mu.Unlock()

	c.reply(NewMessage(MessageTypeAuthSuccess, "", map[string]any{
		"subject":     claims.Subject,
		"permissions": auth.Role(claims.Role).Permissions(),
	}))
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("subject", claims.Subject))
	return true
}

func (c *Client) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		filter := make([]string, 0, len(msg.Inverters))
		for _, name := range msg.Inverters {
			filter = append(filter, strings.ToLower(name))
		}
		c.mu.Lock()
		c.filter = filter
		c.mu.Unlock()
		c.logger.Debug("Client subscription changed",
			zap.String("remote_addr", c.remoteAddr()),
			zap.Strings("inverters", filter))
	default:
		c.logger.Debug("Ignoring client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", string(msg.Type)))
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	needAuth := hub.jwt != nil
	if !needAuth {
		if !hub.add(client) {
			conn.Close()
			return
		}
		go client.writePump()
	}
	go client.readPump(needAuth)
}
