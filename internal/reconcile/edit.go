package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

// CreateRuleset stores a new, empty ruleset under a placeholder ID.
func (e *Engine) CreateRuleset(org string, rs rulestate.Ruleset) (string, error) {
	org, err := e.ResolveOrganization(org)
	if err != nil {
		return "", err
	}
	e.localMu.Lock()
	defer e.localMu.Unlock()
	if err := e.tree.EnsureOrganization(org); err != nil {
		return "", err
	}
	id := rulestate.NewPlaceholderID()
	rs.RuleIDs = []string{}
	if err := e.tree.WriteRuleset(org, id, rs); err != nil {
		return "", err
	}
	if err := e.ledger.MarkRuleset(org, id, rulestate.ModifiedTrue); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateRuleset replaces a ruleset's descriptor. Its rule membership is
// managed by the rule operations and is kept as stored.
func (e *Engine) UpdateRuleset(org, id string, rs rulestate.Ruleset) error {
	org, err := e.ResolveOrganization(org)
	if err != nil {
		return err
	}
	e.localMu.Lock()
	defer e.localMu.Unlock()
	current, err := e.tree.ReadRuleset(org, id)
	if err != nil {
		return err
	}
	rs.RuleIDs = current.RuleIDs
	if err := e.ledger.MarkRuleset(org, id, rulestate.ModifiedTrue); err != nil {
		return err
	}
	return e.tree.WriteRuleset(org, id, rs)
}

func (e *Engine) DeleteRuleset(org, id string) error {
	org, err := e.ResolveOrganization(org)
	if err != nil {
		return err
	}
	e.localMu.Lock()
	defer e.localMu.Unlock()
	if !e.tree.HasRuleset(org, id) {
		return &rulestate.NotFoundError{Kind: "ruleset", Organization: org, ID: id}
	}
	if err := e.ledger.MarkRuleset(org, id, rulestate.ModifiedDeleted); err != nil {
		return err
	}
	return e.tree.RemoveRuleset(org, id)
}

// CreateRule stores a new rule in ruleset under a placeholder ID. Nil tags
// are stored as an empty mapping.
func (e *Engine) CreateRule(org, ruleset string, rule rulestate.Rule, tags *rulestate.Tags) (string, error) {
	org, err := e.ResolveOrganization(org)
	if err != nil {
		return "", err
	}
	e.localMu.Lock()
	defer e.localMu.Unlock()
	return e.createRuleLocked(org, ruleset, rule, tags)
}

func (e *Engine) createRuleLocked(org, ruleset string, rule rulestate.Rule, tags *rulestate.Tags) (string, error) {
	rs, err := e.tree.ReadRuleset(org, ruleset)
	if err != nil {
		return "", err
	}
	if err := rule.Validate(); err != nil {
		return "", err
	}
	t := rulestate.Tags{}
	if tags != nil {
		t = *tags
	}
	if err := t.Validate(); err != nil {
		return "", err
	}
	id := rulestate.NewPlaceholderID()
	if err := e.tree.WriteRule(org, ruleset, id, rule); err != nil {
		return "", err
	}
	if err := e.tree.WriteTags(org, ruleset, id, t); err != nil {
		return "", err
	}
	rs.RuleIDs = append(rs.RuleIDs, id)
	if err := e.tree.WriteRuleset(org, ruleset, rs); err != nil {
		return "", err
	}
	if err := e.ledger.MarkRule(org, ruleset, id, rulestate.ChangeBoth); err != nil {
		return "", err
	}
	return id, nil
}

func (e *Engine) UpdateRule(org, id string, rule rulestate.Rule) error {
	org, err := e.ResolveOrganization(org)
	if err != nil {
		return err
	}
	e.localMu.Lock()
	defer e.localMu.Unlock()
	ruleset, err := e.tree.LocateRule(org, id)
	if err != nil {
		return err
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := e.ledger.MarkRule(org, ruleset, id, rulestate.ChangeRule); err != nil {
		return err
	}
	return e.tree.WriteRule(org, ruleset, id, rule)
}

func (e *Engine) UpdateTags(org, id string, tags rulestate.Tags) error {
	org, err := e.ResolveOrganization(org)
	if err != nil {
		return err
	}
	e.localMu.Lock()
	defer e.localMu.Unlock()
	ruleset, err := e.tree.LocateRule(org, id)
	if err != nil {
		return err
	}
	if err := tags.Validate(); err != nil {
		return err
	}
	if err := e.ledger.MarkRule(org, ruleset, id, rulestate.ChangeTags); err != nil {
		return err
	}
	return e.tree.WriteTags(org, ruleset, id, tags)
}

func (e *Engine) DeleteRule(org, id string) error {
	org, err := e.ResolveOrganization(org)
	if err != nil {
		return err
	}
	e.localMu.Lock()
	defer e.localMu.Unlock()
	ruleset, err := e.tree.LocateRule(org, id)
	if err != nil {
		return err
	}
	if err := e.ledger.MarkRule(org, ruleset, id, rulestate.ChangeDelete); err != nil {
		return err
	}
	if err := e.tree.RemoveRule(org, ruleset, id); err != nil {
		return err
	}
	rs, err := e.tree.ReadRuleset(org, ruleset)
	if err != nil {
		return err
	}
	kept := rs.RuleIDs[:0]
	for _, ruleID := range rs.RuleIDs {
		if ruleID != id {
			kept = append(kept, ruleID)
		}
	}
	rs.RuleIDs = kept
	return e.tree.WriteRuleset(org, ruleset, rs)
}

func (e *Engine) GetRule(org, id string) (RuleView, error) {
	org, err := e.ResolveOrganization(org)
	if err != nil {
		return RuleView{}, err
	}
	ruleset, err := e.tree.LocateRule(org, id)
	if err != nil {
		return RuleView{}, err
	}
	doc, err := e.ledger.Snapshot()
	if err != nil {
		return RuleView{}, err
	}
	return e.ruleView(org, ruleset, id, doc, true)
}

func (e *Engine) GetTags(org, id string) (rulestate.Tags, error) {
	org, err := e.ResolveOrganization(org)
	if err != nil {
		return rulestate.Tags{}, err
	}
	ruleset, err := e.tree.LocateRule(org, id)
	if err != nil {
		return rulestate.Tags{}, err
	}
	return e.tree.ReadTags(org, ruleset, id)
}

type RuleView struct {
	ID        string          `json:"id"`
	RulesetID string          `json:"rulesetId"`
	Change    string          `json:"change,omitempty"`
	Rule      rulestate.Rule  `json:"rule"`
	Tags      *rulestate.Tags `json:"tags,omitempty"`
}

type RulesetView struct {
	ID       string            `json:"id"`
	Modified string            `json:"modified,omitempty"`
	Ruleset  rulestate.Ruleset `json:"ruleset"`
	Rules    []RuleView        `json:"rules"`
}

// ListFilter narrows List. Name and RulesetName are glob patterns; zero values
// match everything.
type ListFilter struct {
	RuleIDs     []string
	Name        string
	RulesetName string
	Type        string
	Severity    int
	WithTags    bool
}

func (f ListFilter) filtersRules() bool {
	return len(f.RuleIDs) > 0 || f.Name != "" || f.Type != "" || f.Severity != 0
}

// List returns the rulesets of org and the rules that match f, sorted by ID.
// When f constrains rules, rulesets without a match are left out.
func (e *Engine) List(org string, f ListFilter) ([]RulesetView, error) {
	org, err := e.ResolveOrganization(org)
	if err != nil {
		return nil, err
	}
	nameMatch, err := compileGlob(f.Name)
	if err != nil {
		return nil, err
	}
	rulesetMatch, err := compileGlob(f.RulesetName)
	if err != nil {
		return nil, err
	}
	ids := map[string]bool{}
	for _, id := range f.RuleIDs {
		ids[id] = true
	}
	doc, err := e.ledger.Snapshot()
	if err != nil {
		return nil, err
	}
	rulesets, err := e.tree.Rulesets(org)
	if err != nil {
		return nil, err
	}

	out := []RulesetView{}
	for _, rulesetID := range rulesets {
		rs, err := e.tree.ReadRuleset(org, rulesetID)
		if err != nil {
			if errors.Is(err, rulestate.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !rulesetMatch(rs.Name) {
			continue
		}
		view := RulesetView{ID: rulesetID, Ruleset: rs, Rules: []RuleView{}}
		if entry, ok := doc.Entry(org, rulesetID); ok && entry.Modified != rulestate.ModifiedFalse {
			view.Modified = string(entry.Modified)
		}
		rules, err := e.tree.Rules(org, rulesetID)
		if err != nil {
			return nil, err
		}
		for _, ruleID := range rules {
			if len(ids) > 0 && !ids[ruleID] {
				continue
			}
			rv, err := e.ruleView(org, rulesetID, ruleID, doc, f.WithTags)
			if err != nil {
				if errors.Is(err, rulestate.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if !nameMatch(rv.Rule.Name) {
				continue
			}
			if f.Type != "" && !strings.EqualFold(string(rv.Rule.Type), f.Type) {
				continue
			}
			if f.Severity != 0 && rv.Rule.Severity != f.Severity {
				continue
			}
			view.Rules = append(view.Rules, rv)
		}
		if f.filtersRules() && len(view.Rules) == 0 {
			continue
		}
		out = append(out, view)
	}
	return out, nil
}

func (e *Engine) ruleView(org, ruleset, id string, doc *rulestate.Document, withTags bool) (RuleView, error) {
	rule, err := e.tree.ReadRule(org, ruleset, id)
	if err != nil {
		return RuleView{}, err
	}
	rv := RuleView{ID: id, RulesetID: ruleset, Rule: rule}
	if change, ok := doc.RuleChange(org, ruleset, id); ok {
		rv.Change = string(change)
	}
	if withTags {
		tags, err := e.tree.ReadTags(org, ruleset, id)
		if err != nil {
			return RuleView{}, err
		}
		rv.Tags = &tags
	}
	return rv, nil
}

func compileGlob(pattern string) (func(string) bool, error) {
	if pattern == "" {
		return func(string) bool { return true }, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, &rulestate.ValidationError{Field: "pattern", Value: pattern, Reason: err.Error()}
	}
	return g.Match, nil
}

// ApplyLocalEdit records a change made directly to the tree, for example by
// an editor, in the ledger.
func (e *Engine) ApplyLocalEdit(edit rulestate.LocalEdit) error {
	e.localMu.Lock()
	defer e.localMu.Unlock()
	if err := e.ledger.Mark(edit.Organization, edit.Ref, edit.Change); err != nil {
		return err
	}
	e.emit(Event{Type: EventLocalEdit, Organization: edit.Organization, Message: edit.Ref.String() + " " + edit.Change})
	return nil
}

// Watch records edits made to the tree until ctx is done. Writes made by the
// engine itself are not reported back.
func (e *Engine) Watch(ctx context.Context, echoWindow time.Duration) error {
	e.tree.SuppressEchoes(echoWindow)
	w, err := rulestate.NewWatcher(e.tree, e.logger)
	if err != nil {
		return err
	}
	defer w.Close()
	return w.Run(ctx, func(edit rulestate.LocalEdit) {
		log := e.logger.WithFields(logrus.Fields{
			"organization": edit.Organization,
			"entity":       edit.Ref.String(),
			"change":       edit.Change,
		})
		if err := e.ApplyLocalEdit(edit); err != nil {
			log.WithError(err).Warn("could not record local edit")
			return
		}
		log.Info("recorded local edit")
	})
}
