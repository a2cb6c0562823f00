package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/engine"
	"github.com/alanyoungcy/groupbuy/internal/events"
	"github.com/alanyoungcy/groupbuy/internal/lock"
	"github.com/alanyoungcy/groupbuy/internal/metrics"
	"github.com/alanyoungcy/groupbuy/internal/server/handler"
	"github.com/alanyoungcy/groupbuy/internal/store/memory"
)

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	require.NoError(t, store.Upsert(context.Background(), domain.Product{
		ID: "p1", Name: "Blender", Price: decimal.RequireFromString("80"),
		MinGroupSize: 2, BaseDiscount: decimal.NewFromInt(10),
	}))
	m := metrics.New()
	eng := engine.New(store, store, lock.NewLocal(), events.NewRecorder(), engine.DefaultConfig(), logger).WithMetrics(m)

	srv := NewServer(Config{Port: 0, APIKey: "k"}, Handlers{
		Health:   handler.NewHealthHandler("full", nil, logger),
		GroupBuy: handler.NewGroupBuyHandler(eng, logger),
		Products: handler.NewProductHandler(store, logger),
		Admin:    handler.NewAdminHandler(store, nil, "archive/", logger),
		Metrics:  m.Handler(),
	}, nil, nil, logger)
	return srv, store
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEndToEndFormation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/products/p1/join", `{"buyer_id":"alice","quantity":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	alice := jsonField(t, rec.Body.String(), "participant_id")

	rec = do(t, h, http.MethodPost, "/api/products/p1/join", `{"buyer_id":"bob","quantity":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	bob := jsonField(t, rec.Body.String(), "participant_id")

	// Payment callbacks require the API key.
	rec = do(t, h, http.MethodPost, "/api/participants/"+alice+"/payment", `{"success":true}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	for _, id := range []string{alice, bob} {
		rec = do(t, h, http.MethodPost, "/api/participants/"+id+"/payment", `{"success":true}`, "X-API-Key", "k")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// The group confirmed, so no forming group is left.
	rec = do(t, h, http.MethodGet, "/api/products/p1/active", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/participants/"+alice+"/withdraw", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "groupbuy_groups_confirmed_total 1")
}

func TestUnknownProductAndRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/products/nope/join", `{"buyer_id":"a","quantity":1}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/products/p1/join", `{"buyer_id":"a","quantity":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/products/p1/join", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRunShutsDown(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.httpServer.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, time.Second) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func jsonField(t *testing.T, body, field string) string {
	t.Helper()
	marker := `"` + field + `":"`
	i := strings.Index(body, marker)
	require.GreaterOrEqual(t, i, 0, body)
	rest := body[i+len(marker):]
	return rest[:strings.IndexByte(rest, '"')]
}
