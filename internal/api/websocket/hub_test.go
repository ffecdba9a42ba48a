package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/auth"
	"github.com/KevinKickass/SajModbusHub/internal/config"
	"github.com/KevinKickass/SajModbusHub/internal/devices"
	"github.com/KevinKickass/SajModbusHub/internal/hub"
	"github.com/KevinKickass/SajModbusHub/internal/registers"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

func startHub(t *testing.T, jwt *auth.JWTHandler) (*Hub, string) {
	t.Helper()
	h := NewHub(zaptest.NewLogger(t), jwt)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func httpHandler(h *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(h, w, r)
	})
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	assert.NilError(t, conn.ReadJSON(&msg))
	return msg
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if got := h.GetClientCount(); got != n {
			return poll.Continue("%d clients, want %d", got, n)
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))
}

func TestBroadcastReachesClients(t *testing.T) {
	h, url := startHub(t, nil)
	a := dial(t, url)
	b := dial(t, url)
	waitClients(t, h, 2)

	h.Broadcast(NewMessage(MessageTypeConnectionState, "roof", ConnectionStateData{
		State: hub.ConnectionState{Phase: hub.Connected},
	}))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := read(t, conn)
		assert.Equal(t, msg["type"], "connection_state")
		assert.Equal(t, msg["inverter"], "roof")
	}
}

func TestSubscriptionFilter(t *testing.T) {
	h, url := startHub(t, nil)
	conn := dial(t, url)
	waitClients(t, h, 1)

	assert.NilError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Inverters: []string{"Roof"}}))
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for c := range h.clients {
			if !c.wants("garage") {
				return poll.Success()
			}
		}
		return poll.Continue("filter not applied")
	}, poll.WithTimeout(2*time.Second))

	h.Broadcast(NewMessage(MessageTypeSnapshot, "garage", nil))
	h.Broadcast(NewMessage(MessageTypeSnapshot, "roof", nil))

	msg := read(t, conn)
	assert.Equal(t, msg["inverter"], "roof")
}

func TestAuthRequired(t *testing.T) {
	jwt := auth.NewJWTHandler("secret", time.Hour)
	h, url := startHub(t, jwt)

	t.Run("rejects other first message", func(t *testing.T) {
		conn := dial(t, url)
		assert.NilError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe}))
		msg := read(t, conn)
		assert.Equal(t, msg["type"], "auth_failed")

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.Assert(t, err != nil)
		assert.Equal(t, h.GetClientCount(), 0)
	})

	t.Run("rejects bad token", func(t *testing.T) {
		conn := dial(t, url)
		assert.NilError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeAuth, Token: "nope"}))
		msg := read(t, conn)
		assert.Equal(t, msg["type"], "auth_failed")
	})

	t.Run("accepts valid token", func(t *testing.T) {
		token, err := jwt.GenerateAccessToken("dashboard", auth.RoleViewer)
		assert.NilError(t, err)

		conn := dial(t, url)
		assert.NilError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeAuth, Token: token}))
		msg := read(t, conn)
		assert.Equal(t, msg["type"], "auth_success")
		data := msg["data"].(map[string]any)
		assert.Equal(t, data["subject"], "dashboard")

		waitClients(t, h, 1)
		h.Broadcast(NewMessage(MessageTypeSnapshot, "roof", nil))
		assert.Equal(t, read(t, conn)["type"], "snapshot")
	})
}

func TestRunStopClosesClients(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()
	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	waitClients(t, h, 1)

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Assert(t, err != nil)
	assert.Equal(t, h.GetClientCount(), 0)
}

type memTransport struct {
	mu   sync.Mutex
	regs map[uint16]uint16
}

func (m *memTransport) Connect(context.Context) error { return nil }
func (m *memTransport) Close() error                  { return nil }

func (m *memTransport) ReadBlock(_ context.Context, address, count uint16) ([]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	words := make([]uint16, count)
	for i := range words {
		words[i] = m.regs[address+uint16(i)]
	}
	return words, nil
}

func (m *memTransport) WriteBlock(_ context.Context, address uint16, words []uint16) error {
	return nil
}

func TestWatchStreamsEntry(t *testing.T) {
	h, url := startHub(t, nil)
	conn := dial(t, url)
	waitClients(t, h, 1)

	inv, err := hub.Setup(context.Background(), hub.Options{Name: "roof"}, registers.SAJH2(),
		&memTransport{regs: map[uint16]uint16{registers.AddrRealtime: 2}}, zaptest.NewLogger(t), nil)
	assert.NilError(t, err)
	defer inv.Stop(context.Background())

	entry := &devices.Entry{Config: config.InverterConfig{Name: "roof", Host: "10.0.0.5", Port: 502, Transport: config.TransportTCP}, Hub: inv}
	detach := h.Watch(entry)

	added := read(t, conn)
	assert.Equal(t, added["type"], "inverter_added")
	assert.Equal(t, added["data"].(map[string]any)["host"], "10.0.0.5")

	assert.NilError(t, inv.Refresh(context.Background()))
	snap := read(t, conn)
	assert.Equal(t, snap["type"], "snapshot")
	data := snap["data"].(map[string]any)
	assert.Equal(t, data["generation"], 2.0)
	assert.Equal(t, data["values"].(map[string]any)["mpvstatus"], "Running")

	detach()
	assert.Equal(t, read(t, conn)["type"], "inverter_removed")
}
