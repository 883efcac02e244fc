// Package remotetest provides an in-memory rule-management API for tests of
// the front-ends.
package remotetest

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/emmeowzing/threatstack-rule-manager/internal/remote"
	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

type rulesetState struct {
	ruleset rulestate.Ruleset
	rules   map[string]rulestate.Rule
	tags    map[string]rulestate.Tags
}

// Memory implements remote.Client over maps. Every mutation advances the
// organization's epoch.
type Memory struct {
	mu    sync.Mutex
	orgs  map[string]map[string]*rulesetState
	epoch map[string]int
	calls []string
}

var _ remote.Client = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{orgs: map[string]map[string]*rulesetState{}, epoch: map[string]int{}}
}

func (m *Memory) org(org string) map[string]*rulesetState {
	rulesets, ok := m.orgs[org]
	if !ok {
		rulesets = map[string]*rulesetState{}
		m.orgs[org] = rulesets
	}
	return rulesets
}

// Seed stores a ruleset with the given member rules, replacing any ruleset
// with the same ID.
func (m *Memory) Seed(org, rulesetID string, rs rulestate.Ruleset, rules map[string]rulestate.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := &rulesetState{ruleset: rs, rules: map[string]rulestate.Rule{}, tags: map[string]rulestate.Tags{}}
	state.ruleset.RuleIDs = nil
	ids := make([]string, 0, len(rules))
	for id := range rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		state.rules[id] = rules[id]
		state.ruleset.RuleIDs = append(state.ruleset.RuleIDs, id)
	}
	m.org(org)[rulesetID] = state
	m.epoch[org]++
}

// Calls lists every call made so far as "operation org".
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// RulesetNames returns the names of org's rulesets, sorted.
func (m *Memory) RulesetNames(org string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, rs := range m.org(org) {
		out = append(out, rs.ruleset.Name)
	}
	sort.Strings(out)
	return out
}

// RuleNames returns the names of every rule in org, sorted.
func (m *Memory) RuleNames(org string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, rs := range m.org(org) {
		for _, rule := range rs.rules {
			out = append(out, rule.Name)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Memory) record(op, org string) {
	m.calls = append(m.calls, op+" "+org)
}

func (m *Memory) lookup(org, ruleset string) (*rulesetState, error) {
	state, ok := m.org(org)[ruleset]
	if !ok {
		return nil, notFound("ruleset", org, ruleset)
	}
	return state, nil
}

func notFound(kind, org, id string) error {
	return &remote.Error{Op: kind, StatusCode: 404, Message: "not found", Err: &rulestate.NotFoundError{Kind: kind, Organization: org, ID: id}}
}

func (m *Memory) Epoch(ctx context.Context, org string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("epoch", org)
	return strconv.Itoa(m.epoch[org] + 1), nil
}

func (m *Memory) ListRulesets(ctx context.Context, org string) ([]remote.RulesetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("list_rulesets", org)
	out := make([]remote.RulesetRecord, 0, len(m.org(org)))
	for id, state := range m.org(org) {
		out = append(out, remote.RulesetRecord{ID: id, Ruleset: state.ruleset})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListRules(ctx context.Context, org, ruleset string) ([]remote.RuleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("list_rules", org)
	state, err := m.lookup(org, ruleset)
	if err != nil {
		return nil, err
	}
	out := make([]remote.RuleRecord, 0, len(state.rules))
	for id, rule := range state.rules {
		out = append(out, remote.RuleRecord{ID: id, Rule: rule})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetTags(ctx context.Context, org, ruleset, rule string) (rulestate.Tags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("get_tags", org)
	state, err := m.lookup(org, ruleset)
	if err != nil {
		return rulestate.Tags{}, err
	}
	if _, ok := state.rules[rule]; !ok {
		return rulestate.Tags{}, notFound("rule", org, rule)
	}
	return state.tags[rule].Normalize(), nil
}

func (m *Memory) CreateRuleset(ctx context.Context, org string, rs rulestate.Ruleset) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create_ruleset", org)
	id := uuid.NewString()
	rs.RuleIDs = nil
	m.org(org)[id] = &rulesetState{ruleset: rs, rules: map[string]rulestate.Rule{}, tags: map[string]rulestate.Tags{}}
	m.epoch[org]++
	return id, nil
}

func (m *Memory) UpdateRuleset(ctx context.Context, org, ruleset string, rs rulestate.Ruleset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("update_ruleset", org)
	state, err := m.lookup(org, ruleset)
	if err != nil {
		return err
	}
	rs.RuleIDs = state.ruleset.RuleIDs
	state.ruleset = rs
	m.epoch[org]++
	return nil
}

func (m *Memory) DeleteRuleset(ctx context.Context, org, ruleset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete_ruleset", org)
	if _, err := m.lookup(org, ruleset); err != nil {
		return err
	}
	delete(m.org(org), ruleset)
	m.epoch[org]++
	return nil
}

func (m *Memory) CreateRule(ctx context.Context, org, ruleset string, rule rulestate.Rule) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create_rule", org)
	state, err := m.lookup(org, ruleset)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	state.rules[id] = rule
	state.ruleset.RuleIDs = append(state.ruleset.RuleIDs, id)
	m.epoch[org]++
	return id, nil
}

func (m *Memory) UpdateRule(ctx context.Context, org, ruleset, rule string, body rulestate.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("update_rule", org)
	state, err := m.lookup(org, ruleset)
	if err != nil {
		return err
	}
	if _, ok := state.rules[rule]; !ok {
		return notFound("rule", org, rule)
	}
	state.rules[rule] = body
	m.epoch[org]++
	return nil
}

func (m *Memory) DeleteRule(ctx context.Context, org, ruleset, rule string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete_rule", org)
	state, err := m.lookup(org, ruleset)
	if err != nil {
		return err
	}
	if _, ok := state.rules[rule]; !ok {
		return notFound("rule", org, rule)
	}
	delete(state.rules, rule)
	delete(state.tags, rule)
	kept := state.ruleset.RuleIDs[:0]
	for _, id := range state.ruleset.RuleIDs {
		if id != rule {
			kept = append(kept, id)
		}
	}
	state.ruleset.RuleIDs = kept
	m.epoch[org]++
	return nil
}

func (m *Memory) UpdateTags(ctx context.Context, org, ruleset, rule string, tags rulestate.Tags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("update_tags", org)
	state, err := m.lookup(org, ruleset)
	if err != nil {
		return err
	}
	if _, ok := state.rules[rule]; !ok {
		return notFound("rule", org, rule)
	}
	state.tags[rule] = tags.Normalize()
	m.epoch[org]++
	return nil
}
