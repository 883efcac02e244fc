package remote

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

type scriptedClient struct {
	Client
	calls   atomic.Int32
	results []error
}

func (c *scriptedClient) UpdateRule(ctx context.Context, org, ruleset, rule string, body rulestate.Rule) error {
	n := int(c.calls.Add(1)) - 1
	if n < len(c.results) {
		return c.results[n]
	}
	return nil
}

func fastThrottle(inner Client, retries int) Client {
	return Throttle(inner, NewRateGate(60000), ThrottleOptions{
		MaxRetries: retries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestThrottleRetriesRateLimitedRequests(t *testing.T) {
	inner := &scriptedClient{results: []error{
		&RateLimitError{Organization: testOrg, Op: "update rule", RetryAfter: time.Millisecond},
		&Error{Op: "update rule", StatusCode: http.StatusServiceUnavailable, Temporary: true},
	}}
	client := fastThrottle(inner, 3)
	require.NoError(t, client.UpdateRule(context.Background(), testOrg, testRuleset, testRule, rulestate.Rule{}))
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestThrottleSurfacesRateLimitAfterRetriesExhausted(t *testing.T) {
	limited := &RateLimitError{Organization: testOrg, Op: "update rule", RetryAfter: time.Millisecond}
	inner := &scriptedClient{results: []error{limited, limited, limited}}
	client := fastThrottle(inner, 2)
	err := client.UpdateRule(context.Background(), testOrg, testRuleset, testRule, rulestate.Rule{})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestThrottleDoesNotRetryPermanentFailures(t *testing.T) {
	inner := &scriptedClient{results: []error{&Error{Op: "update rule", StatusCode: http.StatusBadRequest}}}
	client := fastThrottle(inner, 3)
	err := client.UpdateRule(context.Background(), testOrg, testRuleset, testRule, rulestate.Rule{})
	assert.ErrorIs(t, err, ErrRemote)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestThrottleObservesEveryAttempt(t *testing.T) {
	inner := &scriptedClient{results: []error{&Error{Op: "update rule", StatusCode: http.StatusBadGateway, Temporary: true}}}
	var observed atomic.Int32
	client := Throttle(inner, NewRateGate(60000), ThrottleOptions{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		Observe: func(op string, elapsed time.Duration, err error) {
			assert.Equal(t, "update rule", op)
			observed.Add(1)
		},
	})
	require.NoError(t, client.UpdateRule(context.Background(), testOrg, testRuleset, testRule, rulestate.Rule{}))
	assert.Equal(t, int32(2), observed.Load())
}

type cancelingClient struct {
	Client
	cancel context.CancelFunc
	seen   []error
}

func (c *cancelingClient) UpdateRule(ctx context.Context, org, ruleset, rule string, body rulestate.Rule) error {
	c.cancel()
	c.seen = append(c.seen, ctx.Err())
	return ctx.Err()
}

func TestDetachedCallsFinishButStopWaiting(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	inner := &cancelingClient{cancel: cancel}
	client := fastThrottle(inner, 0)
	ctx := DetachCalls(parent)

	require.NoError(t, client.UpdateRule(ctx, testOrg, testRuleset, testRule, rulestate.Rule{}))
	assert.Equal(t, []error{nil}, inner.seen)

	err := client.UpdateRule(ctx, testOrg, testRuleset, testRule, rulestate.Rule{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, inner.seen, 1)
}
