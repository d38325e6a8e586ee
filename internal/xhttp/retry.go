package xhttp

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
)

// temporaryError is the expected interface for a (possibly) temporary error.
// Several of the error types in the net package implicitly implement this
// interface, e.g. net.DNSError.
type temporaryError interface {
	Temporary() bool
}

// ShouldRetryFunc is a predicate for determining if the error returned from
// an HTTP transaction should be retried.
type ShouldRetryFunc func(error) bool

// DefaultShouldRetry returns true if and only if err exposes a Temporary()
// bool method and that method returns true.
func DefaultShouldRetry(err error) bool {
	if temp, ok := err.(temporaryError); ok {
		return temp.Temporary()
	}
	return false
}

// RetryOptions configures RetryTransactor: retries are capped at Retries,
// and each wait doubles off Base plus up to Base of jitter.
type RetryOptions struct {
	Logger      log.Logger
	Retries     int
	Base        time.Duration
	ShouldRetry ShouldRetryFunc
	Counter     metrics.Counter
}

// RetryTransactor returns an HTTP transactor of the same signature as
// http.Client.Do, decorated with bounded exponential backoff + jitter.
func RetryTransactor(o RetryOptions, next func(*http.Request) (*http.Response, error)) func(*http.Request) (*http.Response, error) {
	if o.Retries < 1 {
		return next
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = DefaultShouldRetry
	}
	if o.Base <= 0 {
		o.Base = 50 * time.Millisecond
	}

	attempts := o.Retries + 1
	return func(request *http.Request) (*http.Response, error) {
		var (
			response *http.Response
			err      error
		)

		for i := 0; i < attempts; i++ {
			response, err = next(request)
			if err != nil && o.ShouldRetry(err) && i < attempts-1 {
				wait := backoff(o.Base, i)
				level.Error(o.Logger).Log("msg", "retrying HTTP transaction", "url", request.URL.String(), "error", err, "attempt", i+1, "wait", wait)
				if o.Counter != nil {
					o.Counter.Add(1.0)
				}
				time.Sleep(wait)
				continue
			}
			break
		}

		if err != nil {
			level.Error(o.Logger).Log("msg", "all HTTP transaction retries failed", "url", request.URL.String(), "error", err, "attempts", attempts)
		}

		return response, err
	}
}

// backoff computes base * 2^attempt plus up to base of jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	return d + time.Duration(rand.Int63n(int64(base)+1))
}
