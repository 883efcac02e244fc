package httpapi

import (
	"net/http"

	"github.com/emmeowzing/threatstack-rule-manager/internal/reconcile"
	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
	"github.com/emmeowzing/threatstack-rule-manager/internal/vcs"
)

type organizationsRequest struct {
	Organizations []string `json:"organizations"`
}

type workspaceRequest struct {
	Workspace string `json:"workspace"`
}

type workspaceResponse struct {
	Workspace string   `json:"workspace"`
	Pending   []string `json:"pending"`
}

type ruleCreate struct {
	Rule rulestate.Rule  `json:"rule"`
	Tags *rulestate.Tags `json:"tags,omitempty"`
}

type ruleCreateRequest struct {
	Organization string       `json:"organization,omitempty"`
	RulesetID    string       `json:"ruleset_id"`
	Data         []ruleCreate `json:"data"`
}

type ruleUpdateRequest struct {
	Organization string         `json:"organization,omitempty"`
	RuleID       string         `json:"rule_id"`
	Data         rulestate.Rule `json:"data"`
}

type tagsUpdateRequest struct {
	Organization string         `json:"organization,omitempty"`
	RuleID       string         `json:"rule_id"`
	Data         rulestate.Tags `json:"data"`
}

type rulesetCreateRequest struct {
	Organization string `json:"organization,omitempty"`
	Name         string `json:"name"`
	Description  string `json:"description"`
}

type rulesetUpdateRequest struct {
	Organization string            `json:"organization,omitempty"`
	RulesetID    string            `json:"ruleset_id"`
	Data         rulestate.Ruleset `json:"data"`
}

// handlePlan compiles the plan for the requested organizations, or for every
// organization with pending changes when none are named.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request, correlationID string) {
	plan, err := s.engine.Plan(r.URL.Query()["organization"])
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	if plan.Items == nil {
		plan.Items = []reconcile.PlanItem{}
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) workspaceState() (workspaceResponse, error) {
	ws, err := s.engine.Workspace()
	if err != nil {
		return workspaceResponse{}, err
	}
	pending, err := s.engine.PendingOrganizations()
	if err != nil {
		return workspaceResponse{}, err
	}
	if pending == nil {
		pending = []string{}
	}
	return workspaceResponse{Workspace: ws, Pending: pending}, nil
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, _ *http.Request, correlationID string) {
	resp, err := s.workspaceState()
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetWorkspace(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req workspaceRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Workspace == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "workspace is required", correlationID)
		return
	}
	if err := s.engine.SetWorkspace(req.Workspace); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	s.logger.WithField("organization", req.Workspace).Info("workspace set")
	s.handleGetWorkspace(w, r, correlationID)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req organizationsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	report, err := s.engine.Refresh(r.Context(), req.Organizations)
	if err != nil {
		if report == nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		s.logger.WithError(err).WithField("correlation_id", correlationID).Error("refresh stopped on a local error")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"code":          "internal_error",
			"message":       err.Error(),
			"correlationId": correlationID,
			"report":        report,
		})
		return
	}
	status := http.StatusOK
	if len(report.Failed()) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req organizationsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	report, err := s.engine.Push(r.Context(), req.Organizations)
	if err != nil {
		if report == nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		s.logger.WithError(err).WithField("correlation_id", correlationID).Error("push stopped on a local error")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"code":          "internal_error",
			"message":       err.Error(),
			"correlationId": correlationID,
			"report":        report,
		})
		return
	}
	status := http.StatusOK
	if report.Failed() > 0 || len(report.Problems) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req reconcile.CopyRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	report, err := s.engine.Copy(req)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

func (s *Server) handleRule(w http.ResponseWriter, r *http.Request, correlationID string) {
	switch r.Method {
	case http.MethodGet:
		s.handleListRules(w, r, correlationID)
	case http.MethodPost:
		var req ruleCreateRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		if req.RulesetID == "" || len(req.Data) == 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "ruleset_id and data are required", correlationID)
			return
		}
		ids := make([]string, 0, len(req.Data))
		for _, create := range req.Data {
			id, err := s.engine.CreateRule(req.Organization, req.RulesetID, create.Rule, create.Tags)
			if err != nil {
				s.writeEngineError(w, err, correlationID)
				return
			}
			ids = append(ids, id)
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ids": ids})
	case http.MethodPut:
		var req ruleUpdateRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		if req.RuleID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "rule_id is required", correlationID)
			return
		}
		if err := s.engine.UpdateRule(req.Organization, req.RuleID, req.Data); err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		ids := r.URL.Query()["rule_id"]
		if len(ids) == 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "at least one rule_id is required", correlationID)
			return
		}
		org := r.URL.Query().Get("organization")
		for _, id := range ids {
			if err := s.engine.DeleteRule(org, id); err != nil {
				s.writeEngineError(w, err, correlationID)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
	}
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	withTags, err := parseBool(query.Get("tags"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "tags must be true or false", correlationID)
		return
	}
	filter := reconcile.ListFilter{
		RuleIDs:     query["rule_id"],
		Name:        query.Get("name"),
		RulesetName: query.Get("ruleset_name"),
		Type:        query.Get("type"),
		Severity:    parseBoundedInt(query.Get("severity"), 0, 1, 3),
		WithTags:    withTags,
	}
	views, err := s.engine.List(query.Get("organization"), filter)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	enabled := query.Get("enabled")
	if enabled == "" {
		writeJSON(w, http.StatusOK, views)
		return
	}
	want, err := parseBool(enabled, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "enabled must be true or false", correlationID)
		return
	}
	out := make([]reconcile.RulesetView, 0, len(views))
	for _, view := range views {
		rules := make([]reconcile.RuleView, 0, len(view.Rules))
		for _, rule := range view.Rules {
			if rule.Rule.Enabled == want {
				rules = append(rules, rule)
			}
		}
		if len(rules) == 0 {
			continue
		}
		view.Rules = rules
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuleTags(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req tagsUpdateRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.RuleID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "rule_id is required", correlationID)
		return
	}
	if err := s.engine.UpdateTags(req.Organization, req.RuleID, req.Data); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	tags, err := s.engine.GetTags(req.Organization, req.RuleID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) handleRuleset(w http.ResponseWriter, r *http.Request, correlationID string) {
	switch r.Method {
	case http.MethodGet:
		views, err := s.engine.List(r.URL.Query().Get("organization"), reconcile.ListFilter{
			RulesetName: r.URL.Query().Get("name"),
		})
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		for i := range views {
			views[i].Rules = nil
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		var req rulesetCreateRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		id, err := s.engine.CreateRuleset(req.Organization, rulestate.Ruleset{Name: req.Name, Description: req.Description})
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	case http.MethodPut:
		var req rulesetUpdateRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		if req.RulesetID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "ruleset_id is required", correlationID)
			return
		}
		if err := s.engine.UpdateRuleset(req.Organization, req.RulesetID, req.Data); err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		ids := r.URL.Query()["ruleset_id"]
		if len(ids) == 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "at least one ruleset_id is required", correlationID)
			return
		}
		org := r.URL.Query().Get("organization")
		for _, id := range ids {
			if err := s.engine.DeleteRuleset(org, id); err != nil {
				s.writeEngineError(w, err, correlationID)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
	}
}

// handleGitEpochs lists, per organization, the commits that touched it,
// newest first.
func (s *Server) handleGitEpochs(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.git == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "state directory is not under version control", correlationID)
		return
	}
	orgs, err := s.engine.ResolveOrganizations(r.URL.Query()["organization"])
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	out := make(map[string][]vcs.Commit, len(orgs))
	for _, org := range orgs {
		commits, err := s.git.History(r.Context(), org, limit)
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		if commits == nil {
			commits = []vcs.Commit{}
		}
		out[org] = commits
	}
	writeJSON(w, http.StatusOK, out)
}
