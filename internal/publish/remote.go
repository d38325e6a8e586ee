package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/model"
	"github.com/relaypush/relaypush/internal/xhttp"
)

// remoteNotifier is the inter-node direct-notify client: it issues
// PUT http://{node}/notif/{uaid} with the notification as its JSON body;
// 200 means delivered, 404 means the device is not connected to that node.
// Built the way tr1d1um.go's newClient builds a timeout-bounded http.Client
// and wraps its Do in xhttp.RetryTransactor.
type remoteNotifier struct {
	do      func(*http.Request) (*http.Response, error)
	timeout time.Duration
}

// wireNotification is the JSON body the inter-node call carries; a small,
// purpose-built shape rather than reusing model.Notification's Go field
// names verbatim, since this is a wire contract shared across node
// binaries and should not silently change if model.Notification grows
// fields.
type wireNotification struct {
	ChannelID  string            `json:"channelID"`
	Version    string            `json:"version"`
	TTLSeconds int64             `json:"ttlSeconds"`
	Topic      string            `json:"topic,omitempty"`
	Data       []byte            `json:"data"`
	Headers    map[string]string `json:"headers,omitempty"`
	ReceivedAt int64             `json:"receivedAt"`
}

// NewRemoteNotifier builds the inter-node HTTP client, its outbound
// RoundTripper traced with otelhttp the same way tr1d1um's server-side
// otelmux middleware traces inbound requests, so one direct-notify hop
// carries its span across node boundaries. retryCounter is optional; pass
// nil to skip the metric.
func NewRemoteNotifier(logger log.Logger, timeout time.Duration, retries int, retryCounter metrics.Counter) Notifier {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	do := xhttp.RetryTransactor(xhttp.RetryOptions{Logger: logger, Retries: retries, Counter: retryCounter}, client.Do)
	return &remoteNotifier{do: do, timeout: timeout}
}

func (n *remoteNotifier) Notify(ctx context.Context, host string, uaid deviceid.ID, notif *model.Notification) (bool, error) {
	body, err := json.Marshal(wireNotification{
		ChannelID:  notif.ChannelID.String(),
		Version:    notif.Version,
		TTLSeconds: notif.TTLSeconds,
		Topic:      notif.Topic,
		Data:       notif.Data,
		ReceivedAt: notif.ReceivedAt,
		Headers: map[string]string{
			"encoding":       notif.Headers.Encoding,
			"encryption":     notif.Headers.Encryption,
			"crypto_key":     notif.Headers.CryptoKey,
			"encryption_key": notif.Headers.EncryptionKey,
		},
	})
	if err != nil {
		return false, err
	}

	url := fmt.Sprintf("http://%s/notif/%s", host, uaid.String())
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("publish: inter-node direct-notify: unexpected status %d", resp.StatusCode)
	}
}
