package deepstack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesPerAttempt(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second}

	assert.Equal(t, 2*time.Second, policy.Backoff(1))
	assert.Equal(t, 4*time.Second, policy.Backoff(2))
	assert.Equal(t, 8*time.Second, policy.Backoff(3))
	assert.Equal(t, 2*time.Second, policy.Backoff(0), "attempts below 1 clamp to the base delay")
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3}

	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return &NetworkError{cause: errors.New("connection refused")}
		}
		return nil
	}, isNetworkClass)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3}
	remote := &RemoteError{Status: 400, Message: "no face detected"}

	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		return remote
	}, isNetworkClass)

	assert.ErrorIs(t, err, remote)
	assert.Equal(t, 1, attempts)
}

func TestDoExhaustsBudgetAndReturnsLastError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3}

	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		return &NetworkError{cause: errors.New("timeout")}
	}, isNetworkClass)

	var netErr *NetworkError
	assert.ErrorAs(t, err, &netErr)
	assert.Equal(t, 3, attempts)
}

func TestDoZeroValuePolicyIsSingleAttempt(t *testing.T) {
	attempts := 0
	err := RetryPolicy{}.Do(context.Background(), func() error {
		attempts++
		return &NetworkError{cause: errors.New("down")}
	}, isNetworkClass)

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := policy.Do(ctx, func() error {
		attempts++
		return &NetworkError{cause: errors.New("down")}
	}, isNetworkClass)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts, "cancellation must short-circuit the backoff sleep")
}
