package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/icemux/mux"
)

type checkerFunc func() error

func (f checkerFunc) Healthy() error {
	return f()
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestServer_ExportsSocketMetrics(t *testing.T) {
	m, err := NewServer("127.0.0.1:0", "", nil)
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	sm, err := mux.NewMetrics(m.Meter)
	require.NoError(t, err)
	sm.BytesReceived.Add(context.Background(), 1200)

	code, body := get(t, m.Handler, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "icemux_bytes_received")
	assert.Contains(t, body, "go_goroutines")
}

func TestServer_Health(t *testing.T) {
	healthy := true
	m, err := NewServer("127.0.0.1:0", "/stats", checkerFunc(func() error {
		if !healthy {
			return errors.New("socket closed")
		}
		return nil
	}))
	require.NoError(t, err)
	defer m.Shutdown(context.Background())
	assert.Equal(t, "/stats", m.Endpoint)

	code, _ := get(t, m.Handler, "/healthz")
	assert.Equal(t, http.StatusOK, code)

	healthy = false
	code, body := get(t, m.Handler, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "socket closed")
}
