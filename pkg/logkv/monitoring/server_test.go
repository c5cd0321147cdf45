package monitoring

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CVDpl/go-live-logkv/pkg/logkv/metrics"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerEndpoints(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.RecordOperation("set", nil, time.Millisecond)

	srv, err := StartServer("127.0.0.1:0", reg.Handler(), nil)
	require.NoError(t, err)
	defer StopServer(context.Background(), srv)

	code, body := get(t, "http://"+srv.Addr+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "logkv_operations_total")

	code, _ = get(t, "http://"+srv.Addr+"/debug/pprof/")
	assert.Equal(t, http.StatusOK, code)
}

func TestServerWithoutMetrics(t *testing.T) {
	srv, err := StartServer("127.0.0.1:0", nil, nil)
	require.NoError(t, err)

	code, _ := get(t, "http://"+srv.Addr+"/metrics")
	assert.Equal(t, http.StatusNotFound, code)

	require.NoError(t, StopServer(context.Background(), srv))
	assert.NoError(t, StopServer(context.Background(), nil))
}

func TestServerBindError(t *testing.T) {
	srv, err := StartServer("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer StopServer(context.Background(), srv)

	_, err = StartServer(srv.Addr, nil, nil)
	assert.Error(t, err)
}
