package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/model"
)

// fakeRegistrationStore is an in-memory stand-in for *router.Store,
// satisfying RegistrationRouterStore.
type fakeRegistrationStore struct {
	byUAID map[deviceid.ID]*model.RouterRecord
}

func newFakeRegistrationStore() *fakeRegistrationStore {
	return &fakeRegistrationStore{byUAID: map[deviceid.ID]*model.RouterRecord{}}
}

func (s *fakeRegistrationStore) Load(_ context.Context, uaid deviceid.ID, _ time.Time) (*model.RouterRecord, bool, error) {
	rec, ok := s.byUAID[uaid]
	return rec, ok, nil
}

func (s *fakeRegistrationStore) Invalidate(_ context.Context, uaid deviceid.ID) error {
	delete(s.byUAID, uaid)
	return nil
}

func (s *fakeRegistrationStore) Create(_ context.Context, rec *model.RouterRecord) error {
	s.byUAID[rec.UAID] = rec
	return nil
}

func (s *fakeRegistrationStore) AddChannel(_ context.Context, uaid, chid deviceid.ID) error {
	s.byUAID[uaid].Channels[chid] = struct{}{}
	return nil
}

func (s *fakeRegistrationStore) RemoveChannel(_ context.Context, uaid, chid deviceid.ID) error {
	delete(s.byUAID[uaid].Channels, chid)
	return nil
}

func newRegistrationTestRouter(t *testing.T) (*mux.Router, *fakeRegistrationStore) {
	t.Helper()
	store := newFakeRegistrationStore()
	svc := NewRegistrationService(store, testKeyring(t))
	r := mux.NewRouter()
	NewRegistrationHandler(r, svc)
	return r, store
}

func doJSON(t *testing.T, r *mux.Router, method, path string, body interface{}, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterDeviceCreatesRecord(t *testing.T) {
	r, store := newRegistrationTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/fcm/my-app/registration", registerDeviceRequest{Token: "device-token"}, "")
	require.Equal(t, http.StatusCreated, w.Code)

	var resp registerDeviceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.UAID)
	assert.NotEmpty(t, resp.Secret)
	assert.NotEmpty(t, resp.Endpoint)
	assert.Len(t, store.byUAID, 1)
}

func TestRegisterDeviceRejectsMissingToken(t *testing.T) {
	r, _ := newRegistrationTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/v1/fcm/my-app/registration", registerDeviceRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterDeviceRejectsUnknownType(t *testing.T) {
	r, _ := newRegistrationTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/v1/carrier-pigeon/my-app/registration", registerDeviceRequest{Token: "x"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func registerDevice(t *testing.T, r *mux.Router) registerDeviceResponse {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/v1/apns/my-app/registration", registerDeviceRequest{Token: "device-token"}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	var resp registerDeviceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestUpdateDeviceRequiresBearerAuth(t *testing.T) {
	r, _ := newRegistrationTestRouter(t)
	reg := registerDevice(t, r)

	w := doJSON(t, r, http.MethodPut, "/v1/apns/my-app/registration/"+reg.UAID, registerDeviceRequest{Token: "new-token"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPut, "/v1/apns/my-app/registration/"+reg.UAID, registerDeviceRequest{Token: "new-token"}, "wrong-secret")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPut, "/v1/apns/my-app/registration/"+reg.UAID, registerDeviceRequest{Token: "new-token"}, reg.Secret)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubscribeAddsChannel(t *testing.T) {
	r, store := newRegistrationTestRouter(t)
	reg := registerDevice(t, r)

	w := doJSON(t, r, http.MethodPost, "/v1/apns/my-app/registration/"+reg.UAID+"/subscription", subscribeRequest{}, reg.Secret)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp subscribeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ChannelID)

	uaid, err := deviceid.Parse(reg.UAID)
	require.NoError(t, err)
	assert.Len(t, store.byUAID[uaid].Channels, 2)
}

func TestDeleteSubscriptionRemovesChannel(t *testing.T) {
	r, store := newRegistrationTestRouter(t)
	reg := registerDevice(t, r)

	uaid, err := deviceid.Parse(reg.UAID)
	require.NoError(t, err)
	require.Len(t, store.byUAID[uaid].Channels, 1)
	var chid deviceid.ID
	for c := range store.byUAID[uaid].Channels {
		chid = c
	}

	w := doJSON(t, r, http.MethodDelete, "/v1/apns/my-app/registration/"+reg.UAID+"/subscription/"+chid.String(), nil, reg.Secret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, store.byUAID[uaid].Channels, 0)
}

func TestDeleteDeviceInvalidates(t *testing.T) {
	r, store := newRegistrationTestRouter(t)
	reg := registerDevice(t, r)

	w := doJSON(t, r, http.MethodDelete, "/v1/apns/my-app/registration/"+reg.UAID, nil, reg.Secret)
	assert.Equal(t, http.StatusOK, w.Code)

	uaid, err := deviceid.Parse(reg.UAID)
	require.NoError(t, err)
	_, ok := store.byUAID[uaid]
	assert.False(t, ok)
}

func TestGetRegistrationListsChannels(t *testing.T) {
	r, _ := newRegistrationTestRouter(t)
	reg := registerDevice(t, r)

	w := doJSON(t, r, http.MethodGet, "/v1/apns/my-app/registration/"+reg.UAID+"/", nil, reg.Secret)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, reg.UAID, body["uaid"])
	channels, ok := body["channels"].([]interface{})
	require.True(t, ok)
	assert.Len(t, channels, 1)
}
