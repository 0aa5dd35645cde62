package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/router"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"event":"test:ping","data":{"n":1}}`)

	require.NoError(t, WriteFrame(&buf, payload))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

// fakeDispatcher records dispatched events and returns canned results.
type fakeDispatcher struct {
	results []any
	err     error
	lastEv  *models.Event
	origin  router.Origin
}

func (f *fakeDispatcher) Dispatch(_ context.Context, ev *models.Event, origin router.Origin) ([]any, error) {
	f.lastEv = ev
	f.origin = origin
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeDispatcher) DropSubscriber(string) {}

func startServer(t *testing.T, d Dispatcher) (string, *Server) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(socket, d, 8)
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(srv.Stop)

	// Wait for the socket to appear.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return socket, srv
}

func roundTrip(t *testing.T, conn net.Conn, req any) map[string]any {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, payload))

	reply, err := ReadFrame(conn)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(reply, &out))
	return out
}

func TestServerRequestResponse(t *testing.T) {
	d := &fakeDispatcher{results: []any{map[string]any{"status": "queued", "request_id": "R"}}}
	socket, _ := startServer(t, d)

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	out := roundTrip(t, conn, map[string]any{
		"event": "completion:async",
		"data":  map[string]any{"prompt": "Hello"},
	})
	assert.Equal(t, "queued", out["status"])

	// The dispatcher saw the event stamped with a client id, and no
	// wire-supplied context.
	assert.Equal(t, "completion:async", d.lastEv.Name)
	assert.NotEmpty(t, d.origin.ClientID)
	assert.Nil(t, d.lastEv.Context)
}

func TestServerErrorFrame(t *testing.T) {
	d := &fakeDispatcher{err: models.NewError(models.KindPermissionDenied, "capability missing")}
	socket, _ := startServer(t, d)

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	out := roundTrip(t, conn, map[string]any{"event": "agent:spawn", "data": map[string]any{}})
	errObj, ok := out["error"].(map[string]any)
	require.True(t, ok, "expected an error frame, got %v", out)
	assert.Equal(t, "permission_denied", errObj["kind"])
	assert.Equal(t, false, errObj["retryable"])
}

func TestServerMalformedFrame(t *testing.T) {
	d := &fakeDispatcher{}
	socket, _ := startServer(t, d)

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteFrame(conn, []byte("not json")))
	reply, err := ReadFrame(conn)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(reply, &out))
	errObj := out["error"].(map[string]any)
	assert.Equal(t, "invalid_argument", errObj["kind"])
}

func TestServerMultiResultArray(t *testing.T) {
	d := &fakeDispatcher{results: []any{map[string]any{"a": 1.0}, map[string]any{"b": 2.0}}}
	socket, _ := startServer(t, d)

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	payload, err := json.Marshal(map[string]any{"event": "multi:handler", "data": map[string]any{}})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, payload))

	reply, err := ReadFrame(conn)
	require.NoError(t, err)
	var arr []map[string]any
	require.NoError(t, json.Unmarshal(reply, &arr))
	assert.Len(t, arr, 2)
}

func TestServerTracksClients(t *testing.T) {
	d := &fakeDispatcher{}
	socket, srv := startServer(t, d)

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.ActiveClients() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return srv.ActiveClients() == 0 },
		2*time.Second, 10*time.Millisecond)
}
