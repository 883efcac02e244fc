package httpapi

import (
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/emmeowzing/threatstack-rule-manager/internal/reconcile"
	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
	"github.com/emmeowzing/threatstack-rule-manager/internal/vcs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type ServerConfig struct {
	// Token, when set, must be presented as a bearer token on every route
	// except /health and /metrics.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Version         string
}

// Backend is what the server drives. Git and Registry are optional.
type Backend struct {
	Engine   *reconcile.Engine
	Git      *vcs.Git
	Registry *prometheus.Registry
	Events   *EventHub
	Logger   logrus.FieldLogger
}

type Server struct {
	engine      *reconcile.Engine
	git         *vcs.Git
	events      *EventHub
	metrics     http.Handler
	logger      logrus.FieldLogger
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(b Backend, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := b.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	events := b.Events
	if events == nil {
		events = NewEventHub(0)
	}
	var metrics http.Handler
	if b.Registry != nil {
		metrics = promhttp.HandlerFor(b.Registry, promhttp.HandlerOpts{})
	}
	return &Server{
		engine:      b.Engine,
		git:         b.Git,
		events:      events,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		if s.metrics == nil {
			writeError(w, http.StatusNotFound, "not_found", "metrics are not enabled", getCorrelationID(r))
			return
		}
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	route := ""
	switch {
	case len(parts) == 1 && parts[0] == "version" && r.Method == http.MethodGet:
		route = "version"
	case len(parts) == 1 && parts[0] == "plan" && r.Method == http.MethodGet:
		route = "plan"
	case len(parts) == 1 && parts[0] == "workspace" && r.Method == http.MethodGet:
		route = "get_workspace"
	case len(parts) == 1 && parts[0] == "workspace" && r.Method == http.MethodPost:
		route = "set_workspace"
	case len(parts) == 1 && parts[0] == "refresh" && r.Method == http.MethodPost:
		route = "refresh"
	case len(parts) == 1 && parts[0] == "push" && r.Method == http.MethodPost:
		route = "push"
	case len(parts) == 1 && parts[0] == "copy" && r.Method == http.MethodPost:
		route = "copy"
	case len(parts) == 1 && (parts[0] == "rule" || parts[0] == "rules"):
		route = "rule"
	case len(parts) == 2 && parts[0] == "rule" && parts[1] == "tags" && r.Method == http.MethodPut:
		route = "rule_tags"
	case len(parts) == 1 && (parts[0] == "ruleset" || parts[0] == "rulesets"):
		route = "ruleset"
	case len(parts) == 2 && parts[0] == "git" && parts[1] == "epochs" && r.Method == http.MethodGet:
		route = "git_epochs"
	case len(parts) == 1 && parts[0] == "events" && r.Method == http.MethodGet:
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "version":
		writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
	case "plan":
		s.handlePlan(w, r, correlationID)
	case "get_workspace":
		s.handleGetWorkspace(w, r, correlationID)
	case "set_workspace":
		s.handleSetWorkspace(w, r, correlationID)
	case "refresh":
		s.handleRefresh(w, r, correlationID)
	case "push":
		s.handlePush(w, r, correlationID)
	case "copy":
		s.handleCopy(w, r, correlationID)
	case "rule":
		s.handleRule(w, r, correlationID)
	case "rule_tags":
		s.handleRuleTags(w, r, correlationID)
	case "ruleset":
		s.handleRuleset(w, r, correlationID)
	case "git_epochs":
		s.handleGitEpochs(w, r, correlationID)
	case "events":
		s.handleEvents(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeJSONBody decodes the request body into dst. An empty body leaves dst
// untouched.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

// writeEngineError maps the engine's error taxonomy onto status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, rulestate.ErrValidation), errors.Is(err, rulestate.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, rulestate.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	default:
		s.logger.WithError(err).WithField("correlation_id", correlationID).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return strconv.ParseBool(strings.TrimSpace(raw))
}
