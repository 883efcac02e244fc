package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

type ThrottleOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     logrus.FieldLogger
	// Observe, when set, is called once per attempt.
	Observe func(op string, elapsed time.Duration, err error)
}

type dispatchKey struct{}

// DetachCalls returns a context whose requests run to completion even after
// ctx ends. Waiting to send, on the rate gate or between retries, still stops
// when ctx does.
func DetachCalls(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), dispatchKey{}, ctx)
}

func dispatchContext(ctx context.Context) context.Context {
	if parent, ok := ctx.Value(dispatchKey{}).(context.Context); ok {
		return parent
	}
	return ctx
}

type throttledClient struct {
	inner      Client
	gate       *RateGate
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     logrus.FieldLogger
	observe    func(op string, elapsed time.Duration, err error)
}

// Throttle wraps client so that every attempt waits on gate, and temporary
// or rate-limited failures are retried with backoff.
func Throttle(client Client, gate *RateGate, opts ThrottleOptions) Client {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if gate == nil {
		gate = NewRateGate(DefaultRequestsPerMinute)
	}
	return &throttledClient{
		inner:      client,
		gate:       gate,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		logger:     opts.Logger,
		observe:    opts.Observe,
	}
}

func (c *throttledClient) do(ctx context.Context, org, op string, call func(ctx context.Context) error) error {
	waitCtx := dispatchContext(ctx)
	for attempt := 0; ; attempt++ {
		if err := c.gate.Wait(waitCtx, org); err != nil {
			return err
		}
		started := time.Now()
		err := call(ctx)
		if c.observe != nil {
			c.observe(op, time.Since(started), err)
		}
		if err == nil {
			return nil
		}
		if attempt >= c.maxRetries {
			return err
		}

		var rateErr *RateLimitError
		var remoteErr *Error
		var delay time.Duration
		switch {
		case errors.As(err, &rateErr):
			delay = rateErr.RetryAfter
			if delay <= 0 {
				delay = c.retryDelay(attempt + 1)
			}
			c.gate.Penalize(org, delay)
		case errors.As(err, &remoteErr) && remoteErr.Temporary:
			delay = c.retryDelay(attempt + 1)
		default:
			return err
		}
		c.logger.WithFields(logrus.Fields{
			"organization": org,
			"operation":    op,
			"attempt":      attempt + 1,
			"delay":        delay,
		}).WithError(err).Debug("retrying remote request")
		if waitErr := waitWithContext(waitCtx, delay); waitErr != nil {
			return fmt.Errorf("%w (last attempt: %v)", waitErr, err)
		}
	}
}

func (c *throttledClient) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func (c *throttledClient) Epoch(ctx context.Context, org string) (string, error) {
	var out string
	err := c.do(ctx, org, "epoch", func(ctx context.Context) error {
		var err error
		out, err = c.inner.Epoch(ctx, org)
		return err
	})
	return out, err
}

func (c *throttledClient) ListRulesets(ctx context.Context, org string) ([]RulesetRecord, error) {
	var out []RulesetRecord
	err := c.do(ctx, org, "list rulesets", func(ctx context.Context) error {
		var err error
		out, err = c.inner.ListRulesets(ctx, org)
		return err
	})
	return out, err
}

func (c *throttledClient) ListRules(ctx context.Context, org, ruleset string) ([]RuleRecord, error) {
	var out []RuleRecord
	err := c.do(ctx, org, "list rules", func(ctx context.Context) error {
		var err error
		out, err = c.inner.ListRules(ctx, org, ruleset)
		return err
	})
	return out, err
}

func (c *throttledClient) GetTags(ctx context.Context, org, ruleset, rule string) (rulestate.Tags, error) {
	var out rulestate.Tags
	err := c.do(ctx, org, "get tags", func(ctx context.Context) error {
		var err error
		out, err = c.inner.GetTags(ctx, org, ruleset, rule)
		return err
	})
	return out, err
}

func (c *throttledClient) CreateRuleset(ctx context.Context, org string, rs rulestate.Ruleset) (string, error) {
	var out string
	err := c.do(ctx, org, "create ruleset", func(ctx context.Context) error {
		var err error
		out, err = c.inner.CreateRuleset(ctx, org, rs)
		return err
	})
	return out, err
}

func (c *throttledClient) UpdateRuleset(ctx context.Context, org, ruleset string, rs rulestate.Ruleset) error {
	return c.do(ctx, org, "update ruleset", func(ctx context.Context) error {
		return c.inner.UpdateRuleset(ctx, org, ruleset, rs)
	})
}

func (c *throttledClient) DeleteRuleset(ctx context.Context, org, ruleset string) error {
	return c.do(ctx, org, "delete ruleset", func(ctx context.Context) error {
		return c.inner.DeleteRuleset(ctx, org, ruleset)
	})
}

func (c *throttledClient) CreateRule(ctx context.Context, org, ruleset string, rule rulestate.Rule) (string, error) {
	var out string
	err := c.do(ctx, org, "create rule", func(ctx context.Context) error {
		var err error
		out, err = c.inner.CreateRule(ctx, org, ruleset, rule)
		return err
	})
	return out, err
}

func (c *throttledClient) UpdateRule(ctx context.Context, org, ruleset, rule string, body rulestate.Rule) error {
	return c.do(ctx, org, "update rule", func(ctx context.Context) error {
		return c.inner.UpdateRule(ctx, org, ruleset, rule, body)
	})
}

func (c *throttledClient) DeleteRule(ctx context.Context, org, ruleset, rule string) error {
	return c.do(ctx, org, "delete rule", func(ctx context.Context) error {
		return c.inner.DeleteRule(ctx, org, ruleset, rule)
	})
}

func (c *throttledClient) UpdateTags(ctx context.Context, org, ruleset, rule string, tags rulestate.Tags) error {
	return c.do(ctx, org, "update tags", func(ctx context.Context) error {
		return c.inner.UpdateTags(ctx, org, ruleset, rule, tags)
	})
}
