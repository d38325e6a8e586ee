// Package bridge implements the BridgeRouter: send-to-mobile-platform
// delivery for devices that registered via the Registration HTTP mobile
// path instead of a WebSocket, plus the error taxonomy and retry policy the
// Publisher needs to turn a provider failure into the right HTTP outcome.
// The provider-registry-by-platform shape is grounded on
// other_examples/08269700_Mike-Gemutly-ArmorClaw__bridge-pkg-push-gateway.go.go's
// Gateway/PushProvider split; the error classification and per-provider
// circuit breaker are this package's own addition, since that reference
// file retries blindly rather than classifying provider failures.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/relaypush/relaypush/internal/model"
)

// Reason is the BridgeRouter failure taxonomy.
type Reason string

const (
	UnknownToken     Reason = "UnknownToken"
	TransientProvider Reason = "TransientProvider"
	AuthConfig       Reason = "AuthConfig"
	PayloadTooLarge  Reason = "PayloadTooLarge"
)

// SendError classifies a failed Send so callers can decide retry vs
// invalidate vs surface-as-500 without inspecting provider-specific errors.
type SendError struct {
	Reason Reason
	Cause  error
}

func (e *SendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bridge: %s: %s", e.Reason, e.Cause.Error())
	}
	return fmt.Sprintf("bridge: %s", e.Reason)
}

func (e *SendError) Unwrap() error { return e.Cause }

func newSendError(reason Reason, cause error) *SendError {
	return &SendError{Reason: reason, Cause: cause}
}

// fcmPayloadLimit is FCM's data-payload limit in bytes, measured after
// base64 encoding: the provider's ~2744-byte limit binds tighter than
// model.MaxData once the ciphertext is inflated by ~4/3.
const fcmPayloadLimit = 2744

// Provider is the per-platform send primitive; Router wraps one Provider
// per model.RouterType behind a circuit breaker and the shared retry policy.
type Provider interface {
	Send(ctx context.Context, appID, bridgeToken string, n *model.Notification) (messageID string, err *SendError)
}

// Router dispatches to the Provider registered for a RouterType.
type Router struct {
	providers map[model.RouterType]Provider
}

func NewRouter() *Router {
	return &Router{providers: make(map[model.RouterType]Provider)}
}

// Register installs p as the Provider for rt, wrapping it in a circuit
// breaker (see circuit.go) so a flapping provider trips open instead of
// absorbing unbounded retries.
func (r *Router) Register(rt model.RouterType, p Provider) {
	r.providers[rt] = WithBreaker(string(rt), p)
}

var errNoProvider = errors.New("bridge: no provider registered for router type")

// Send retries TransientProvider failures up to 3 times with exponential
// backoff + jitter (see retry.go); UnknownToken and AuthConfig are never
// retried.
func (r *Router) Send(ctx context.Context, rt model.RouterType, appID, bridgeToken string, n *model.Notification) (string, error) {
	p, ok := r.providers[rt]
	if !ok {
		return "", errNoProvider
	}
	if rt == model.RouterFCM && base64.StdEncoding.EncodedLen(len(n.Data)) > fcmPayloadLimit {
		return "", newSendError(PayloadTooLarge, nil)
	}
	return sendWithRetry(ctx, p, appID, bridgeToken, n)
}
