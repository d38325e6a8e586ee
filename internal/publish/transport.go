package publish

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-kit/kit/log"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/gorilla/mux"

	"github.com/relaypush/relaypush/internal/xhttp"
)

// MaxRequestBody caps the publish body read, independent of model.MaxData,
// so a misbehaving client can't force an unbounded read before the size
// check runs.
const MaxRequestBody = 1 << 20 // 1MiB

// NewHandler mounts the Publisher's one route on r, the way tr1d1um.go's
// translation.ConfigHandler mounts its endpoint on a gorilla/mux subrouter
// wrapped in an alice auth chain (here, VAPID auth happens inside the
// service itself rather than in a pre-handler, since it is per-request
// cryptographic material bound to the endpoint token, not a static
// bearer secret).
func NewHandler(r *mux.Router, svc Service, logger log.Logger) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	handler := httptransport.NewServer(
		makePublishEndpoint(svc),
		decodePublishRequest,
		encodePublishResponse,
		httptransport.ServerErrorEncoder(encodePublishError),
		httptransport.ServerErrorLogger(logger),
	)
	r.Handle("/wpush/v{version}/{token}", handler).Methods(http.MethodPost)
}

func decodePublishRequest(_ context.Context, r *http.Request) (interface{}, error) {
	vars := mux.Vars(r)
	token, ok := vars["token"]
	if !ok || token == "" {
		return nil, xhttp.New(xhttp.KindNotFound, "missing endpoint token")
	}

	ttlHeader := r.Header.Get("TTL")
	if ttlHeader == "" {
		return nil, xhttp.New(xhttp.KindInvalidRequest, "TTL header is required")
	}
	ttl, err := strconv.ParseInt(ttlHeader, 10, 64)
	if err != nil || ttl < 0 {
		return nil, xhttp.New(xhttp.KindInvalidRequest, "TTL header must be a non-negative integer")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBody+1))
	if err != nil {
		return nil, xhttp.Wrap(xhttp.KindInvalidRequest, "reading request body", err)
	}
	if len(body) > MaxRequestBody {
		return nil, xhttp.New(xhttp.KindPayloadTooLarge, "request body exceeds maximum size")
	}

	return Request{
		Token:         token,
		TTLSeconds:    ttl,
		Topic:         r.Header.Get("Topic"),
		Encoding:      r.Header.Get("Encoding"),
		Encryption:    r.Header.Get("Encryption"),
		CryptoKey:     r.Header.Get("Crypto-Key"),
		EncryptionKey: r.Header.Get("Encryption-Key"),
		Authorization: r.Header.Get("Authorization"),
		Origin:        requestOrigin(r),
		Body:          body,
	}, nil
}

func requestOrigin(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host
}

func encodePublishResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	resp := response.(Response)
	w.Header().Set("Location", resp.DeletionLocation)
	w.WriteHeader(http.StatusCreated)
	return nil
}

func encodePublishError(_ context.Context, err error, w http.ResponseWriter) {
	var xe *xhttp.Error
	if !errors.As(err, &xe) {
		xe = xhttp.Wrap(xhttp.KindInternalStorage, "internal error", err)
	}
	xhttp.WriteJSON(w, xe)
}
