package relayhttp

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckRetryRetriesOnNetworkErrorAnd5xxAnd429(t *testing.T) {
	ctx := context.Background()

	retry, err := checkRetry(ctx, nil, errBoom)
	require.NoError(t, err)
	require.True(t, retry)

	resp := &http.Response{StatusCode: http.StatusTooManyRequests}
	retry, err = checkRetry(ctx, resp, nil)
	require.NoError(t, err)
	require.True(t, retry)

	resp = &http.Response{StatusCode: http.StatusInternalServerError}
	retry, err = checkRetry(ctx, resp, nil)
	require.NoError(t, err)
	require.True(t, retry)
}

func TestCheckRetryFailsFastOnOtherNonSuccess(t *testing.T) {
	ctx := context.Background()

	resp := &http.Response{StatusCode: http.StatusBadRequest}
	retry, err := checkRetry(ctx, resp, nil)
	require.NoError(t, err)
	require.False(t, retry)

	resp = &http.Response{StatusCode: http.StatusNotFound}
	retry, err = checkRetry(ctx, resp, nil)
	require.NoError(t, err)
	require.False(t, retry)
}

func TestBackoffHonorsRetryAfterHeader(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"5"}},
	}
	d := backoff(1*time.Second, 8*time.Second, 0, resp)
	require.Equal(t, 5*time.Second, d)
}

func TestBackoffClampsRetryAfterToMax(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"100"}},
	}
	d := backoff(1*time.Second, 8*time.Second, 0, resp)
	require.Equal(t, 8*time.Second, d)
}

func TestBackoffDoublesExponentiallyWithoutRetryAfter(t *testing.T) {
	require.Equal(t, 1*time.Second, backoff(1*time.Second, 8*time.Second, 0, nil))
	require.Equal(t, 2*time.Second, backoff(1*time.Second, 8*time.Second, 1, nil))
	require.Equal(t, 4*time.Second, backoff(1*time.Second, 8*time.Second, 2, nil))
	require.Equal(t, 8*time.Second, backoff(1*time.Second, 8*time.Second, 3, nil)) // clamped
}

func TestNewConfiguresThreeTotalAttempts(t *testing.T) {
	c := New(30 * time.Second)
	require.Equal(t, 2, c.RetryMax)
	require.Equal(t, 30*time.Second, c.HTTPClient.Timeout)
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
