package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/relaypush/relaypush/internal/model"
)

// FCMConfig is the per-app config: a service-account JSON credential.
type FCMConfig struct {
	ServiceAccountJSON []byte
}

type fcmProvider struct {
	client *messaging.Client
}

func NewFCMProvider(ctx context.Context, cfg FCMConfig) (Provider, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsJSON(cfg.ServiceAccountJSON))
	if err != nil {
		return nil, fmt.Errorf("bridge: initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("bridge: initializing fcm client: %w", err)
	}
	return &fcmProvider{client: client}, nil
}

// Send base64-encodes the ciphertext into the FCM data payload; the
// effective size limit check happens one layer up in Router.Send, against
// the encoded length fcmPayloadLimit is defined in terms of.
func (p *fcmProvider) Send(ctx context.Context, appID, bridgeToken string, n *model.Notification) (string, *SendError) {
	msg := &messaging.Message{
		Token: bridgeToken,
		Data: map[string]string{
			"channelID": n.ChannelID.String(),
			"version":   n.Version,
			"data":      base64.StdEncoding.EncodeToString(n.Data),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}

	id, err := p.client.Send(ctx, msg)
	if err == nil {
		return id, nil
	}

	switch {
	case messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err) || messaging.IsInvalidArgument(err):
		return "", newSendError(UnknownToken, err)
	case messaging.IsMessageRateExceeded(err) || messaging.IsServerUnavailable(err) || messaging.IsInternal(err):
		return "", newSendError(TransientProvider, err)
	case strings.Contains(err.Error(), "quota") || strings.Contains(err.Error(), "credential"):
		return "", newSendError(AuthConfig, err)
	default:
		return "", newSendError(TransientProvider, err)
	}
}
