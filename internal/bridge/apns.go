package bridge

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"

	"github.com/relaypush/relaypush/internal/model"
)

// APNSConfig is the per-app config: certificate chain, topic (bundle id),
// and environment.
type APNSConfig struct {
	CertificatePEM []byte
	KeyPEM         []byte
	Topic          string
	Production     bool
}

// apnsProvider sends a Notification's ciphertext as the "data" field of a
// mutable-content APNs payload, the way a Web Push bridge has to carry an
// opaque blob through a platform whose payload format is JSON, not bytes.
type apnsProvider struct {
	client *apns2.Client
	topic  string
}

func NewAPNSProvider(cfg APNSConfig) (Provider, error) {
	cert, err := apns2.NewCertificateFromPem(append(cfg.CertificatePEM, cfg.KeyPEM...), "")
	if err != nil {
		return nil, fmt.Errorf("bridge: loading apns certificate: %w", err)
	}
	client := apns2.NewClient(cert)
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}
	return &apnsProvider{client: client, topic: cfg.Topic}, nil
}

func (p *apnsProvider) Send(ctx context.Context, appID, bridgeToken string, n *model.Notification) (string, *SendError) {
	payloadBuilder := payload.NewPayload().
		MutableContent().
		Custom("channelID", n.ChannelID.String()).
		Custom("version", n.Version).
		Custom("data", base64.RawURLEncoding.EncodeToString(n.Data))

	notif := &apns2.Notification{
		DeviceToken: bridgeToken,
		Topic:       p.topic,
		Payload:     payloadBuilder,
		Priority:    apns2.PriorityHigh,
	}
	if n.TTLSeconds > 0 {
		notif.Expiration = n.Expiry
	}

	res, err := p.client.PushWithContext(ctx, notif)
	if err != nil {
		return "", newSendError(TransientProvider, err)
	}
	if res.Sent() {
		return res.ApnsID, nil
	}

	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return "", newSendError(UnknownToken, fmt.Errorf("apns: %s", res.Reason))
	case apns2.ReasonBadCertificate, apns2.ReasonBadCertificateEnvironment, apns2.ReasonForbidden, apns2.ReasonMissingTopic:
		return "", newSendError(AuthConfig, fmt.Errorf("apns: %s", res.Reason))
	case apns2.ReasonPayloadTooLarge:
		return "", newSendError(PayloadTooLarge, fmt.Errorf("apns: %s", res.Reason))
	default:
		return "", newSendError(TransientProvider, fmt.Errorf("apns: %d %s", res.StatusCode, res.Reason))
	}
}
