package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/events"
)

// stubBus embeds SignalBus; only Subscribe is used by the hub.
type stubBus struct {
	domain.SignalBus
	pattern string
	ch      chan domain.BusMessage
}

func (b *stubBus) Subscribe(_ context.Context, pattern string) (<-chan domain.BusMessage, error) {
	b.pattern = pattern
	return b.ch, nil
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, hello, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(hello), `"type":"hello"`)
	return conn
}

func TestHubRoutesByProduct(t *testing.T) {
	bus := &stubBus{ch: make(chan domain.BusMessage, 4)}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "server"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.HandleWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	all := dial(t, srv, "")
	onlyP2 := dial(t, srv, "?product=p2")

	ev, err := json.Marshal(domain.Event{ID: "ev-1", Type: domain.EventGroupConfirmed, ProductID: "p1"})
	require.NoError(t, err)
	bus.ch <- domain.BusMessage{Channel: events.Channel("p1"), Payload: ev}
	ev2, err := json.Marshal(domain.Event{ID: "ev-2", Type: domain.EventGroupExpired, ProductID: "p2"})
	require.NoError(t, err)
	bus.ch <- domain.BusMessage{Channel: events.Channel("p2"), Payload: ev2}

	_ = all.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := all.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(got), `"id":"ev-1"`)
	_, got, err = all.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(got), `"id":"ev-2"`)

	_ = onlyP2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err = onlyP2.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(got), `"id":"ev-2"`)

	require.Equal(t, events.ChannelPrefix+"*", bus.pattern)
}

func TestClientFilter(t *testing.T) {
	c := &client{products: map[string]bool{}}
	require.True(t, c.wants("p1"))

	c.apply(subscribeMsg{Action: "subscribe", Products: []string{"p1"}})
	require.True(t, c.wants("p1"))
	require.False(t, c.wants("p2"))

	c.apply(subscribeMsg{Action: "unsubscribe", Products: []string{"p1"}})
	require.True(t, c.wants("p2"))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://shop.example"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	require.True(t, check(req))
	req.Header.Set("Origin", "https://shop.example")
	require.True(t, check(req))
	req.Header.Set("Origin", "https://other.example")
	require.False(t, check(req))
}
