package producer

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alxayo/h264-relay/internal/registry"
	"github.com/alxayo/h264-relay/internal/streamid"
)

func newTestServer(t *testing.T, reg *registry.Registry) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	router.Handle("/ingest/{stream_id}", New(reg))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dialIngest(t *testing.T, srv *httptest.Server, streamID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ingest/" + streamID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestIngestCreatesStreamEntryOnFirstConnection(t *testing.T) {
	reg := registry.New(registry.Options{QueueCapacity: 60, FanoutWindow: 8})
	srv := newTestServer(t, reg)

	conn := dialIngest(t, srv, "cam-1")
	defer conn.Close()

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(streamid.ID("cam-1"))
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestIngestBinaryMessageReachesQueue(t *testing.T) {
	reg := registry.New(registry.Options{QueueCapacity: 60, FanoutWindow: 8})
	srv := newTestServer(t, reg)

	conn := dialIngest(t, srv, "cam-1")
	defer conn.Close()

	var entry *registry.Entry
	require.Eventually(t, func() bool {
		e, ok := reg.Lookup(streamid.ID("cam-1"))
		entry = e
		return ok
	}, time.Second, 10*time.Millisecond)

	payload := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, payload))

	require.Eventually(t, func() bool {
		return entry.Queue.Len() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestIngestDisconnectTearsDownOwnedStream(t *testing.T) {
	reg := registry.New(registry.Options{QueueCapacity: 60, FanoutWindow: 8})
	srv := newTestServer(t, reg)

	conn := dialIngest(t, srv, "cam-1")
	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(streamid.ID("cam-1"))
		return ok
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(streamid.ID("cam-1"))
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestIngestTextMessageIsIgnored(t *testing.T) {
	reg := registry.New(registry.Options{QueueCapacity: 60, FanoutWindow: 8})
	srv := newTestServer(t, reg)

	conn := dialIngest(t, srv, "cam-1")
	defer conn.Close()

	var entry *registry.Entry
	require.Eventually(t, func() bool {
		e, ok := reg.Lookup(streamid.ID("cam-1"))
		entry = e
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, entry.Queue.Len())
}
