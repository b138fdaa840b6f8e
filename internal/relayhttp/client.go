// Package relayhttp builds the retrying HTTP client shared by the
// pointer relay (spec.md §4.4) and the TEE-signer caller (spec.md §4.6):
// three attempts, honoring Retry-After on 429, otherwise exponential
// backoff starting at 1s and doubling. Network errors, 429 and 5xx are
// retried; any other non-success status fails fast (no retry).
//
// It is built on github.com/hashicorp/go-retryablehttp, the retry
// client the teacher's broader example pack (hashicorp/nomad) depends
// on, instead of a hand-rolled retry loop.
package relayhttp

import (
	"context"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cipherbox/cipherbox/internal/logx"
)

// New returns a client configured per spec.md §4.4 step 2: 3 attempts,
// 1s initial backoff doubling, Retry-After honored on 429, overall
// per-call timeout of `timeout` (30s for both content-network and
// signer calls per spec.md §5).
func New(timeout time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2 // plus the initial attempt == 3 total
	c.RetryWaitMin = 1 * time.Second
	c.RetryWaitMax = 8 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = nil // structured logging happens at the call site, not here
	c.CheckRetry = checkRetry
	c.Backoff = backoff
	return c
}

// checkRetry retries on network errors, 429, and 5xx; every other
// non-2xx status fails fast per spec.md §4.4 ("RelayRejected", status
// logged not returned).
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// backoff honors Retry-After on 429; otherwise exponential starting at
// min and doubling per attempt, matching spec.md §4.4 step 2 and the
// Open Question in spec.md §9 about Retry-After's absence (we fall back
// to exponential, not a fixed interval).
func backoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := time.ParseDuration(ra + "s"); err == nil {
				return clamp(secs, min, max)
			}
		}
	}
	d := min * time.Duration(math.Pow(2, float64(attemptNum)))
	return clamp(d, min, max)
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// DrainAndClose discards and closes resp.Body, for the non-success
// paths where the caller only needs the status code.
func DrainAndClose(resp *http.Response) {
	if resp == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// LogUpstreamStatus records the upstream status at debug level without
// surfacing it to the caller, per spec.md §4.4 step 2 ("status is
// logged, not returned to the caller").
func LogUpstreamStatus(op string, statusCode int) {
	logx.Debug(logx.Event{Operation: op + ".upstream_status", StatusCode: statusCode})
}
