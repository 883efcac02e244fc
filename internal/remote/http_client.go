package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const DefaultBaseURL = "https://api.threatstack.com"

type Credentials struct {
	UserID string
	APIKey string
}

// HTTPClient makes exactly one request per call; retries and throttling are
// layered on with Throttle.
type HTTPClient struct {
	baseURL     string
	credentials Credentials
	httpClient  *http.Client
}

func NewHTTPClient(baseURL string, credentials Credentials, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:     baseURL,
		credentials: credentials,
		httpClient:  httpClient,
	}
}

func (c *HTTPClient) Epoch(ctx context.Context, org string) (string, error) {
	var out struct {
		Epoch any `json:"epoch"`
	}
	if err := c.doJSON(ctx, "epoch", org, http.MethodGet, fmt.Sprintf("/v2/organizations/%s/epoch", url.PathEscape(org)), nil, &out); err != nil {
		return "", err
	}
	switch v := out.Epoch.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case nil:
		return "", nil
	default:
		return fmt.Sprint(v), nil
	}
}

func (c *HTTPClient) ListRulesets(ctx context.Context, org string) ([]RulesetRecord, error) {
	var out struct {
		Rulesets []jsoniter.RawMessage `json:"rulesets"`
	}
	if err := c.doJSON(ctx, "list rulesets", org, http.MethodGet, "/v2/rulesets", nil, &out); err != nil {
		return nil, err
	}
	records := make([]RulesetRecord, 0, len(out.Rulesets))
	for _, raw := range out.Rulesets {
		var record RulesetRecord
		var err error
		if record.ID, err = decodeID(raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &record.Ruleset); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (c *HTTPClient) ListRules(ctx context.Context, org, ruleset string) ([]RuleRecord, error) {
	var out struct {
		Rules []jsoniter.RawMessage `json:"rules"`
	}
	if err := c.doJSON(ctx, "list rules", org, http.MethodGet, rulesPath(ruleset), nil, &out); err != nil {
		return nil, err
	}
	records := make([]RuleRecord, 0, len(out.Rules))
	for _, raw := range out.Rules {
		var record RuleRecord
		var err error
		if record.ID, err = decodeID(raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &record.Rule); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (c *HTTPClient) GetTags(ctx context.Context, org, ruleset, rule string) (rulestate.Tags, error) {
	var out rulestate.Tags
	err := c.doJSON(ctx, "get tags", org, http.MethodGet, rulePath(ruleset, rule)+"/tags", nil, &out)
	return out.Normalize(), err
}

func (c *HTTPClient) CreateRuleset(ctx context.Context, org string, rs rulestate.Ruleset) (string, error) {
	var out jsoniter.RawMessage
	if err := c.doJSON(ctx, "create ruleset", org, http.MethodPost, "/v2/rulesets", rs, &out); err != nil {
		return "", err
	}
	return decodeID(out)
}

func (c *HTTPClient) UpdateRuleset(ctx context.Context, org, ruleset string, rs rulestate.Ruleset) error {
	return c.doJSON(ctx, "update ruleset", org, http.MethodPut, rulesetPath(ruleset), rs, nil)
}

func (c *HTTPClient) DeleteRuleset(ctx context.Context, org, ruleset string) error {
	return c.doJSON(ctx, "delete ruleset", org, http.MethodDelete, rulesetPath(ruleset), nil, nil)
}

func (c *HTTPClient) CreateRule(ctx context.Context, org, ruleset string, rule rulestate.Rule) (string, error) {
	var out jsoniter.RawMessage
	if err := c.doJSON(ctx, "create rule", org, http.MethodPost, rulesPath(ruleset), rule, &out); err != nil {
		return "", err
	}
	return decodeID(out)
}

func (c *HTTPClient) UpdateRule(ctx context.Context, org, ruleset, rule string, body rulestate.Rule) error {
	return c.doJSON(ctx, "update rule", org, http.MethodPut, rulePath(ruleset, rule), body, nil)
}

func (c *HTTPClient) DeleteRule(ctx context.Context, org, ruleset, rule string) error {
	return c.doJSON(ctx, "delete rule", org, http.MethodDelete, rulePath(ruleset, rule), nil, nil)
}

func (c *HTTPClient) UpdateTags(ctx context.Context, org, ruleset, rule string, tags rulestate.Tags) error {
	return c.doJSON(ctx, "update tags", org, http.MethodPost, rulePath(ruleset, rule)+"/tags", tags.Normalize(), nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, op, org, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Organization-Id", org)
	req.Header.Set("X-Correlation-Id", correlationID())
	if c.credentials.UserID != "" {
		req.Header.Set("X-User-Id", c.credentials.UserID)
	}
	if c.credentials.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.credentials.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Temporary: ctx.Err() == nil, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Temporary: true, Err: readErr}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Organization: org, Op: op, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	var errPayload struct {
		Code    string   `json:"code"`
		Message string   `json:"message"`
		Errors  []string `json:"errors"`
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &errPayload)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if len(errPayload.Errors) > 0 {
			return &Error{Op: op, StatusCode: resp.StatusCode, Code: "provider_error", Message: strings.Join(errPayload.Errors, "; ")}
		}
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}

	message := errPayload.Message
	if message == "" && len(errPayload.Errors) > 0 {
		message = strings.Join(errPayload.Errors, "; ")
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &Error{
		Op:         op,
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    message,
		Temporary:  resp.StatusCode >= 500,
	}
}

func decodeID(raw []byte) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	if err := rulestate.ValidateEntityID(out.ID); err != nil {
		return "", err
	}
	return out.ID, nil
}

func rulesetPath(ruleset string) string {
	return "/v2/rulesets/" + url.PathEscape(ruleset)
}

func rulesPath(ruleset string) string {
	return rulesetPath(ruleset) + "/rules"
}

func rulePath(ruleset, rule string) string {
	return rulesPath(ruleset) + "/" + url.PathEscape(rule)
}

func correlationID() string {
	return fmt.Sprintf("tsctl_%d", time.Now().UnixNano())
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}
