package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alxayo/h264-relay/internal/registry"
	"github.com/alxayo/h264-relay/internal/streamid"
	"github.com/alxayo/h264-relay/internal/webrtcsession"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Options{QueueCapacity: 60, FanoutWindow: 8})
	coord, err := webrtcsession.New(webrtcsession.Config{})
	require.NoError(t, err)
	return New(reg, coord), reg
}

func TestOfferMissingStreamIDIs400(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/offer/ignored", bytes.NewBufferString(`{"sdp":"x","type":"offer"}`))
	req = mux.SetURLVars(req, map[string]string{"stream_id": ""})
	rec := httptest.NewRecorder()
	s.handleOffer(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOfferMalformedBodyIs400(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/offer/cam-1", bytes.NewBufferString(`not json`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOfferWrongTypeIs400(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/offer/cam-1", bytes.NewBufferString(`{"sdp":"x","type":"answer"}`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOfferUnknownStreamIs404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/offer/ghost", bytes.NewBufferString(`{"sdp":"x","type":"offer"}`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConcurrentOffersToAbsentStreamBothGet404(t *testing.T) {
	s, _ := newTestServer(t)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/offer/ghost", bytes.NewBufferString(`{"sdp":"x","type":"offer"}`))
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	assert.Equal(t, http.StatusNotFound, codes[0])
	assert.Equal(t, http.StatusNotFound, codes[1])
}

func TestOfferAfterProducerDetachIs404(t *testing.T) {
	s, reg := newTestServer(t)
	id := streamid.ID("cam-1")
	_, created := reg.CreateOrAttach(id, "owner-a")
	require.True(t, created)
	_, ok := reg.Detach(id, "owner-a")
	require.True(t, ok)

	req := httptest.NewRequest(http.MethodPost, "/offer/cam-1", bytes.NewBufferString(`{"sdp":"x","type":"offer"}`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzReportsActiveStreamCount(t *testing.T) {
	s, reg := newTestServer(t)
	reg.CreateOrAttach(streamid.ID("cam-1"), "owner-a")
	reg.CreateOrAttach(streamid.ID("cam-2"), "owner-b")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active_streams":2`)
}
