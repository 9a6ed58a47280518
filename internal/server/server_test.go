package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/breaker"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dbclient"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/memstore"
)

type fixedStatus struct {
	st dbclient.Status
}

func (f fixedStatus) Status(context.Context) dbclient.Status { return f.st }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestRouter(src StatusSource) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(&Handler{Source: src}, quietLogger())
}

func get(t *testing.T, r http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthWithRealClient(t *testing.T) {
	c, err := dbclient.New(memstore.New(memstore.WithName("primary")), memstore.New(memstore.WithName("secondary")),
		dbclient.WithLogger(quietLogger()))
	require.NoError(t, err)

	w := get(t, setupTestRouter(c), "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status   string                   `json:"status"`
		Adapters []dbclient.AdapterStatus `json:"adapters"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	require.Len(t, body.Adapters, 2)
	assert.Equal(t, "primary", body.Adapters[0].Name)
}

func TestHealthUnavailable(t *testing.T) {
	src := fixedStatus{st: dbclient.Status{Adapters: []dbclient.AdapterStatus{
		{Role: "primary", Name: "redis", Healthy: false, Error: "connection refused"},
		{Role: "secondary", Name: "sqlite", Healthy: false, Error: "disk I/O error"},
	}}}

	w := get(t, setupTestRouter(src), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
}

func TestBreakerSnapshot(t *testing.T) {
	src := fixedStatus{st: dbclient.Status{Breaker: breaker.Snapshot{
		Adapter:          "redis",
		FailureThreshold: 5,
		RecoveryTimeout:  "30s",
		Scopes: []breaker.ScopeSnapshot{
			{Scope: "redis", State: breaker.StateOpen, ConsecutiveFailures: 5, TotalFailures: 5},
		},
	}}}

	w := get(t, setupTestRouter(src), "/v1/breaker")
	require.Equal(t, http.StatusOK, w.Code)

	var snap breaker.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "redis", snap.Adapter)
	require.Len(t, snap.Scopes, 1)
	assert.Equal(t, breaker.StateOpen, snap.Scopes[0].State)
	assert.Equal(t, uint32(5), snap.Scopes[0].ConsecutiveFailures)
}

func TestNoRoute(t *testing.T) {
	w := get(t, setupTestRouter(fixedStatus{}), "/v1/documents")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, addr, setupTestRouter(fixedStatus{}), quietLogger())
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
