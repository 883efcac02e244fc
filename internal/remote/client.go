package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

var (
	ErrRemote      = errors.New("remote request failed")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Error is a failed call to the rule-management API. Temporary errors
// (transport failures and 5xx responses) are worth retrying.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Temporary  bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: http %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Message)
	}
}

func (e *Error) Is(target error) bool {
	if target == ErrRemote {
		return true
	}
	return target == rulestate.ErrNotFound && e.StatusCode == http.StatusNotFound
}

func (e *Error) Unwrap() error {
	return e.Err
}

type RateLimitError struct {
	Organization string
	Op           string
	RetryAfter   time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limit exceeded for organization %s", e.Op, e.Organization)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited || target == ErrRemote
}

type RulesetRecord struct {
	ID      string
	Ruleset rulestate.Ruleset
}

type RuleRecord struct {
	ID   string
	Rule rulestate.Rule
}

// Client is the rule-management API. Every call is scoped to one
// organization.
type Client interface {
	Epoch(ctx context.Context, org string) (string, error)
	ListRulesets(ctx context.Context, org string) ([]RulesetRecord, error)
	ListRules(ctx context.Context, org, ruleset string) ([]RuleRecord, error)
	GetTags(ctx context.Context, org, ruleset, rule string) (rulestate.Tags, error)
	CreateRuleset(ctx context.Context, org string, rs rulestate.Ruleset) (string, error)
	UpdateRuleset(ctx context.Context, org, ruleset string, rs rulestate.Ruleset) error
	DeleteRuleset(ctx context.Context, org, ruleset string) error
	CreateRule(ctx context.Context, org, ruleset string, rule rulestate.Rule) (string, error)
	UpdateRule(ctx context.Context, org, ruleset, rule string, body rulestate.Rule) error
	DeleteRule(ctx context.Context, org, ruleset, rule string) error
	UpdateTags(ctx context.Context, org, ruleset, rule string, tags rulestate.Tags) error
}
