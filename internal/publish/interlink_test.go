package publish

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/session"
)

type fakeInterNodeRegistry struct {
	sessions map[deviceid.ID]*session.Session
}

func (f *fakeInterNodeRegistry) Get(uaid deviceid.ID) (*session.Session, bool) {
	s, ok := f.sessions[uaid]
	return s, ok
}

func TestInterNodeHandlerReturnsNotFoundForUnknownDevice(t *testing.T) {
	r := mux.NewRouter()
	NewInterNodeHandler(r, &fakeInterNodeRegistry{sessions: map[deviceid.ID]*session.Session{}})

	uaid := deviceid.New()
	body, err := json.Marshal(wireNotification{ChannelID: deviceid.New().String()})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/notif/"+uaid.String(), bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInterNodeHandlerRejectsMalformedUAID(t *testing.T) {
	r := mux.NewRouter()
	NewInterNodeHandler(r, &fakeInterNodeRegistry{sessions: map[deviceid.ID]*session.Session{}})

	req := httptest.NewRequest(http.MethodPut, "/notif/not-a-uuid", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
