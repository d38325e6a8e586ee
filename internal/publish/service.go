package publish

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/relaypush/relaypush/internal/bridge"
	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/model"
	"github.com/relaypush/relaypush/internal/session"
	"github.com/relaypush/relaypush/internal/xhttp"
)

// RouterStore is the subset of *router.Store the Publisher needs, named
// locally (rather than depending on the concrete type) so service_test.go
// can substitute a mockery-style mock the way tr1d1um's
// translation/mock_service_test.go does for its own Service dependency.
type RouterStore interface {
	Load(ctx context.Context, uaid deviceid.ID, now time.Time) (*model.RouterRecord, bool, error)
	Invalidate(ctx context.Context, uaid deviceid.ID) error
}

// MessageStore is the subset of *message.Store the Publisher needs.
type MessageStore interface {
	Store(ctx context.Context, uaid deviceid.ID, notif *model.Notification) error
}

// BridgeSender is the subset of *bridge.Router the Publisher needs.
type BridgeSender interface {
	Send(ctx context.Context, rt model.RouterType, appID, bridgeToken string, n *model.Notification) (string, error)
}

// Tracker is the optional reliability milestone recorder, satisfied by
// *reliability.Tracker; named locally so this package doesn't need to
// import internal/reliability just for an interface. A nil Tracker in
// Options disables tracking entirely, so a deployment that hasn't stood up
// the reliability store still publishes normally.
type Tracker interface {
	Enter(ctx context.Context, messageID string, state model.ReliabilityMilestone, expiry time.Time) error
	Finalize(ctx context.Context, messageID string, state model.ReliabilityMilestone) error
}

// Notifier is the inter-node direct-notify client: PUT http://{node}/notif/{uaid},
// satisfied locally by registryNotifier (over session.Registry) when the
// device is connected to this node and by an HTTP client (see internal/publish/remote.go) otherwise.
type Notifier interface {
	// Notify attempts direct delivery to host (this node's own locator, or
	// another node's, per the RouterRecord's RouterData); ok=false means
	// "not connected here/there", the Publisher's signal to fall through
	// to storage.
	Notify(ctx context.Context, host string, uaid deviceid.ID, n *model.Notification) (ok bool, err error)
}

// composedNotifier routes to the in-process Registry when host is this
// node's own locator, and to the inter-node HTTP client otherwise, so
// Publish never needs to special-case "is the device local to me."
type composedNotifier struct {
	node   string
	local  Notifier
	remote Notifier
}

func NewNotifier(node string, local, remote Notifier) Notifier {
	return &composedNotifier{node: node, local: local, remote: remote}
}

func (n *composedNotifier) Notify(ctx context.Context, host string, uaid deviceid.ID, notif *model.Notification) (bool, error) {
	if host == "" || host == n.node {
		return n.local.Notify(ctx, host, uaid, notif)
	}
	return n.remote.Notify(ctx, host, uaid, notif)
}

// Request is everything the Publisher needs from an HTTP publish call,
// already extracted from the endpoint token, headers, and body by the
// transport layer.
type Request struct {
	Token         string
	TTLSeconds    int64
	Topic         string
	Encoding      string
	Encryption    string
	CryptoKey     string
	EncryptionKey string
	Authorization string
	Origin        string
	Body          []byte
}

// Response carries the 201's Location header value: the per-message
// deletion endpoint.
type Response struct {
	DeletionLocation string
}

// Service is the Publisher, in go-kit's bare-interface style (same shape
// as tr1d1um's translation.Service): one method, wrapped by an endpoint
// and a transport one layer up.
type Service interface {
	Publish(ctx context.Context, req Request) (Response, error)
}

type publisher struct {
	keyring  *Keyring
	router   RouterStore
	messages MessageStore
	notifier Notifier
	bridges  BridgeSender
	tracker  Tracker
	node     string
	now      func() time.Time
	logger   log.Logger
}

// Options configures New.
type Options struct {
	Keyring  *Keyring
	Router   RouterStore
	Messages MessageStore
	Notifier Notifier
	Bridges  BridgeSender
	Tracker  Tracker
	Node     string
	Logger   log.Logger
}

func New(o Options) Service {
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	return &publisher{
		keyring:  o.Keyring,
		router:   o.Router,
		messages: o.Messages,
		notifier: o.Notifier,
		bridges:  o.Bridges,
		tracker:  o.Tracker,
		node:     o.Node,
		now:      time.Now,
		logger:   o.Logger,
	}
}

// messageID is the composite key the reliability Tracker tracks a
// notification under, matching the /wpush/v1/message/{uaid}/{sortkey}
// deletion-location format Response already carries.
func messageID(uaid deviceid.ID, notif *model.Notification) string {
	return uaid.String() + "/" + notif.SortKey()
}

// enter and finalize are nil-safe Tracker wrappers: a tracking failure is
// logged, never surfaced as a publish error, since reliability accounting
// is a secondary concern to actually delivering the notification.
func (p *publisher) enter(ctx context.Context, id string, state model.ReliabilityMilestone, expiry time.Time) {
	if p.tracker == nil {
		return
	}
	if err := p.tracker.Enter(ctx, id, state, expiry); err != nil {
		level.Warn(p.logger).Log("msg", "reliability enter failed", "message_id", id, "state", state, "error", err)
	}
}

func (p *publisher) finalize(ctx context.Context, id string, state model.ReliabilityMilestone) {
	if p.tracker == nil {
		return
	}
	if err := p.tracker.Finalize(ctx, id, state); err != nil {
		level.Warn(p.logger).Log("msg", "reliability finalize failed", "message_id", id, "state", state, "error", err)
	}
}

func (p *publisher) Publish(ctx context.Context, req Request) (Response, error) {
	tok, err := p.keyring.Open(req.Token)
	if err != nil {
		return Response{}, xhttp.Wrap(xhttp.KindNotFound, "endpoint token not found", err)
	}

	ttl, err := clampTTL(req.TTLSeconds)
	if err != nil {
		return Response{}, xhttp.Wrap(xhttp.KindInvalidRequest, "invalid TTL", err)
	}
	if err := validateTopic(req.Topic); err != nil {
		return Response{}, xhttp.Wrap(xhttp.KindInvalidRequest, "invalid Topic", err)
	}
	if err := validateEncoding(req.Encoding); err != nil {
		return Response{}, xhttp.Wrap(xhttp.KindInvalidRequest, "invalid Encoding", err)
	}
	if len(req.Body) > model.MaxData {
		return Response{}, xhttp.New(xhttp.KindPayloadTooLarge, "payload exceeds maximum size")
	}

	rec, found, err := p.router.Load(ctx, tok.UAID, p.now())
	if err != nil {
		return Response{}, xhttp.Wrap(xhttp.KindInternalStorage, "loading router record", err)
	}
	if !found {
		return Response{}, xhttp.New(xhttp.KindGone, "device no longer registered")
	}

	if len(tok.VAPIDPubKeyHash) > 0 {
		if req.Authorization == "" {
			return Response{}, xhttp.New(xhttp.KindUnauthorized, "missing VAPID authorization")
		}
		if err := verifyVAPID(req.Authorization, req.Origin, tok.VAPIDPubKeyHash, p.now()); err != nil {
			level.Error(p.logger).Log("msg", "vapid verification failed", "uaid", tok.UAID.String(), "error", err)
			return Response{}, xhttp.New(xhttp.KindUnauthorized, "vapid verification failed")
		}
	}

	notif := &model.Notification{
		ChannelID:  tok.ChannelID,
		Version:    deviceid.New().String(),
		TTLSeconds: ttl,
		Expiry:     p.now().Add(time.Duration(ttl) * time.Second),
		Topic:      req.Topic,
		Data:       req.Body,
		Headers: model.Headers{
			Encoding:      req.Encoding,
			Encryption:    req.Encryption,
			CryptoKey:     req.CryptoKey,
			EncryptionKey: req.EncryptionKey,
		},
		ReceivedAt: p.now().UnixMilli(),
	}
	p.enter(ctx, messageID(tok.UAID, notif), model.MilestoneReceived, notif.Expiry)

	if err := p.route(ctx, rec, notif, ttl); err != nil {
		return Response{}, err
	}

	return Response{DeletionLocation: fmt.Sprintf("/wpush/v1/message/%s/%s", tok.UAID.String(), notif.SortKey())}, nil
}

// route delivers notif according to rec's router type: websocket devices
// get a direct-notify attempt with storage fallback; bridge devices go
// straight to BridgeRouter, invalidating the device on a permanent
// provider error.
func (p *publisher) route(ctx context.Context, rec *model.RouterRecord, notif *model.Notification, ttl int64) error {
	id := messageID(rec.UAID, notif)

	switch rec.RouterType {
	case model.RouterWebSocket:
		p.enter(ctx, id, model.MilestoneIntTransmitted, notif.Expiry)
		ok, err := p.notifier.Notify(ctx, rec.RouterData, rec.UAID, notif)
		if err == nil && ok {
			p.enter(ctx, id, model.MilestoneIntAccepted, notif.Expiry)
			return nil
		}
		if ttl == 0 {
			// opted out of any delivery guarantee beyond "right now"
			p.finalize(ctx, id, model.MilestoneExpired)
			return nil
		}
		if err := p.messages.Store(ctx, rec.UAID, notif); err != nil {
			p.finalize(ctx, id, model.MilestoneErrored)
			return xhttp.Wrap(xhttp.KindInternalStorage, "storing notification", err)
		}
		p.enter(ctx, id, model.MilestoneStored, notif.Expiry)
		return nil

	case model.RouterAPNS, model.RouterFCM:
		p.enter(ctx, id, model.MilestoneIntTransmitted, notif.Expiry)
		_, err := p.bridges.Send(ctx, rec.RouterType, rec.BridgeAppID, rec.RouterData, notif)
		if err == nil {
			// A provider accepting the send is the last confirmation this
			// service gets; APNs/FCM don't report device-side delivery
			// back to the sender, so Transmitted is where this path ends.
			p.enter(ctx, id, model.MilestoneIntAccepted, notif.Expiry)
			p.enter(ctx, id, model.MilestoneTransmitted, notif.Expiry)
			return nil
		}
		if bridge.IsUnknownToken(err) {
			_ = p.router.Invalidate(ctx, rec.UAID)
			p.finalize(ctx, id, model.MilestoneErrored)
			return xhttp.Wrap(xhttp.KindGone, "device token no longer valid", err)
		}
		if bridge.IsPayloadTooLarge(err) {
			p.finalize(ctx, id, model.MilestoneErrored)
			return xhttp.Wrap(xhttp.KindPayloadTooLarge, "payload exceeds provider limit", err)
		}
		p.finalize(ctx, id, model.MilestoneErrored)
		return xhttp.Wrap(xhttp.KindUpstreamError, "bridge provider error", err)

	default:
		return xhttp.New(xhttp.KindInternalStorage, "unknown router type")
	}
}

func clampTTL(ttl int64) (int64, error) {
	if ttl < 0 {
		return 0, fmt.Errorf("publish: ttl must be >= 0")
	}
	max := int64(model.MaxTTL / time.Second)
	if ttl > max {
		return max, nil
	}
	return ttl, nil
}

func validateTopic(topic string) error {
	if topic == "" {
		return nil
	}
	if len(topic) > 32 {
		return fmt.Errorf("publish: topic exceeds 32 characters")
	}
	for _, r := range topic {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return fmt.Errorf("publish: topic contains invalid character %q", r)
		}
	}
	return nil
}

func validateEncoding(enc string) error {
	switch enc {
	case "", "aes128gcm", "aesgcm":
		return nil
	default:
		return fmt.Errorf("publish: unknown encoding %q", enc)
	}
}

// registryNotifier is the local-node Notifier backed directly by
// session.Registry, used when no inter-node hop is needed.
type registryNotifier struct {
	registry Registry
}

// Registry is the subset of *session.Registry this package depends on,
// named locally so tests can substitute a fake without importing
// session.Registry's concrete type.
type Registry interface {
	Get(uaid deviceid.ID) (*session.Session, bool)
}

func NewRegistryNotifier(registry Registry) Notifier {
	return &registryNotifier{registry: registry}
}

func (n *registryNotifier) Notify(ctx context.Context, host string, uaid deviceid.ID, notif *model.Notification) (bool, error) {
	sess, ok := n.registry.Get(uaid)
	if !ok {
		return false, nil
	}
	if err := sess.Notify(notif); err != nil {
		return false, nil
	}
	return true, nil
}

// constantTimeEqual compares two bearer secrets without leaking timing
// information, used by the Registration HTTP bearer check.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
