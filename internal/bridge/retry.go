package bridge

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/relaypush/relaypush/internal/model"
)

const (
	retryBase   = 100 * time.Millisecond
	maxAttempts = 3
)

// sendWithRetry retries a TransientProvider failure up to maxAttempts with
// exponential backoff + jitter; any other SendError reason (or context
// cancellation) surfaces immediately.
func sendWithRetry(ctx context.Context, p Provider, appID, bridgeToken string, n *model.Notification) (string, error) {
	var lastErr *SendError
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, sendErr := p.Send(ctx, appID, bridgeToken, n)
		if sendErr == nil {
			return id, nil
		}
		if sendErr.Reason != TransientProvider {
			return "", sendErr
		}
		lastErr = sendErr
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
	}
	return "", lastErr
}

func backoff(attempt int) time.Duration {
	d := retryBase << uint(attempt)
	return d + time.Duration(rand.Int63n(int64(retryBase)+1))
}

// IsUnknownToken reports whether err is a bridge SendError carrying
// UnknownToken, the signal the Publisher uses to invalidate the device.
func IsUnknownToken(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Reason == UnknownToken
}

// IsPayloadTooLarge reports whether err is a PayloadTooLarge SendError.
func IsPayloadTooLarge(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Reason == PayloadTooLarge
}
