package publish

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/model"
	"github.com/relaypush/relaypush/internal/xhttp"
)

// RegistrationRouterStore is the subset of *router.Store the Registration
// HTTP handlers need.
type RegistrationRouterStore interface {
	RouterStore
	Create(ctx context.Context, rec *model.RouterRecord) error
	AddChannel(ctx context.Context, uaid, chid deviceid.ID) error
	RemoveChannel(ctx context.Context, uaid, chid deviceid.ID) error
}

var validate = validator.New()

// registerDeviceRequest is the body of POST .../registration: the
// platform-specific device token the bridge will send to.
type registerDeviceRequest struct {
	Token string `json:"token" validate:"required,max=4096"`
}

type registerDeviceResponse struct {
	UAID      string `json:"uaid"`
	Secret    string `json:"secret"`
	ChannelID string `json:"channelID"`
	Endpoint  string `json:"endpoint"`
}

type subscribeRequest struct {
	Key string `json:"key,omitempty" validate:"omitempty,max=256"`
}

type subscribeResponse struct {
	ChannelID string `json:"channelID"`
	Endpoint  string `json:"endpoint"`
}

// RegistrationService implements the mobile-bridge Registration HTTP verbs
// on top of internal/router.Store, authenticated by the per-UAID bearer
// secret minted at registration time.
type RegistrationService struct {
	router  RegistrationRouterStore
	keyring *Keyring
	now     func() time.Time
}

func NewRegistrationService(r RegistrationRouterStore, keyring *Keyring) *RegistrationService {
	return &RegistrationService{router: r, keyring: keyring, now: time.Now}
}

// NewRegistrationHandler mounts the Registration HTTP verbs on r under
// /v1/{type}/{app_id}/registration, the gorilla/mux subrouter idiom
// tr1d1um.go's translation.ConfigHandler uses for the publish path.
func NewRegistrationHandler(r *mux.Router, svc *RegistrationService) {
	r.HandleFunc("/v1/{type}/{app_id}/registration", svc.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/v1/{type}/{app_id}/registration/{uaid}", svc.withBearerAuth(svc.handleUpdate)).Methods(http.MethodPut)
	r.HandleFunc("/v1/{type}/{app_id}/registration/{uaid}/subscription", svc.withBearerAuth(svc.handleSubscribe)).Methods(http.MethodPost)
	r.HandleFunc("/v1/{type}/{app_id}/registration/{uaid}", svc.withBearerAuth(svc.handleDeleteDevice)).Methods(http.MethodDelete)
	r.HandleFunc("/v1/{type}/{app_id}/registration/{uaid}/subscription/{chid}", svc.withBearerAuth(svc.handleDeleteSubscription)).Methods(http.MethodDelete)
	r.HandleFunc("/v1/{type}/{app_id}/registration/{uaid}/", svc.withBearerAuth(svc.handleGet)).Methods(http.MethodGet)
}

func (s *RegistrationService) handleRegister(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	routerType, err := parseRouterType(vars["type"])
	if err != nil {
		writeError(w, xhttp.New(xhttp.KindInvalidRequest, err.Error()))
		return
	}
	appID := vars["app_id"]

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInvalidRequest, "malformed registration body", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInvalidRequest, "invalid registration body", err))
		return
	}

	uaid := deviceid.New()
	chid := deviceid.New()
	secret, err := randomSecret()
	if err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInternalStorage, "generating bridge secret", err))
		return
	}

	rec := &model.RouterRecord{
		UAID:         uaid,
		RouterType:   routerType,
		RouterData:   req.Token,
		BridgeAppID:  appID,
		BridgeSecret: secret,
		ConnectedAt:  s.now().UnixMilli(),
		Channels:     map[deviceid.ID]struct{}{chid: {}},
	}
	if err := s.router.Create(r.Context(), rec); err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInternalStorage, "creating registration", err))
		return
	}

	endpoint, err := s.keyring.Seal(EndpointToken{UAID: uaid, ChannelID: chid})
	if err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInternalStorage, "sealing endpoint token", err))
		return
	}

	writeJSON(w, http.StatusCreated, registerDeviceResponse{
		UAID:      uaid.String(),
		Secret:    secret,
		ChannelID: chid.String(),
		Endpoint:  endpointURL(r, endpoint),
	})
}

func (s *RegistrationService) handleUpdate(w http.ResponseWriter, r *http.Request, rec *model.RouterRecord) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInvalidRequest, "malformed registration body", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInvalidRequest, "invalid registration body", err))
		return
	}

	rec.RouterData = req.Token
	if err := s.router.Create(r.Context(), rec); err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInternalStorage, "updating registration", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *RegistrationService) handleSubscribe(w http.ResponseWriter, r *http.Request, rec *model.RouterRecord) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInvalidRequest, "malformed subscription body", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInvalidRequest, "invalid subscription body", err))
		return
	}

	chid := deviceid.New()
	if err := s.router.AddChannel(r.Context(), rec.UAID, chid); err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInternalStorage, "adding channel", err))
		return
	}

	endpoint, err := s.keyring.Seal(EndpointToken{UAID: rec.UAID, ChannelID: chid})
	if err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInternalStorage, "sealing endpoint token", err))
		return
	}

	writeJSON(w, http.StatusCreated, subscribeResponse{
		ChannelID: chid.String(),
		Endpoint:  endpointURL(r, endpoint),
	})
}

func (s *RegistrationService) handleDeleteDevice(w http.ResponseWriter, r *http.Request, rec *model.RouterRecord) {
	if err := s.router.Invalidate(r.Context(), rec.UAID); err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInternalStorage, "deleting registration", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *RegistrationService) handleDeleteSubscription(w http.ResponseWriter, r *http.Request, rec *model.RouterRecord) {
	chid, err := deviceid.Parse(mux.Vars(r)["chid"])
	if err != nil {
		writeError(w, xhttp.New(xhttp.KindInvalidRequest, "malformed channel id"))
		return
	}
	if err := s.router.RemoveChannel(r.Context(), rec.UAID, chid); err != nil {
		writeError(w, xhttp.Wrap(xhttp.KindInternalStorage, "removing channel", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *RegistrationService) handleGet(w http.ResponseWriter, r *http.Request, rec *model.RouterRecord) {
	channels := make([]string, 0, len(rec.Channels))
	for chid := range rec.Channels {
		channels = append(channels, chid.String())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uaid":     rec.UAID.String(),
		"channels": channels,
	})
}

// withBearerAuth loads the RouterRecord for the {uaid} path variable and
// checks Authorization: Bearer {secret} against its BridgeSecret in
// constant time before calling next.
func (s *RegistrationService) withBearerAuth(next func(http.ResponseWriter, *http.Request, *model.RouterRecord)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uaid, err := deviceid.Parse(mux.Vars(r)["uaid"])
		if err != nil {
			writeError(w, xhttp.New(xhttp.KindInvalidRequest, "malformed uaid"))
			return
		}

		rec, found, err := s.router.Load(r.Context(), uaid, s.now())
		if err != nil {
			writeError(w, xhttp.Wrap(xhttp.KindInternalStorage, "loading registration", err))
			return
		}
		if !found {
			writeError(w, xhttp.New(xhttp.KindNotFound, "registration not found"))
			return
		}

		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || !constantTimeEqual(auth[len(prefix):], rec.BridgeSecret) {
			writeError(w, xhttp.New(xhttp.KindUnauthorized, "invalid bearer secret"))
			return
		}

		next(w, r, rec)
	}
}

func parseRouterType(t string) (model.RouterType, error) {
	switch t {
	case "apns":
		return model.RouterAPNS, nil
	case "fcm":
		return model.RouterFCM, nil
	default:
		return "", fmt.Errorf("publish: unknown registration type %q", t)
	}
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func endpointURL(r *http.Request, token string) string {
	return fmt.Sprintf("%s/wpush/v1/%s", requestOrigin(r), token)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err *xhttp.Error) {
	xhttp.WriteJSON(w, err)
}
