package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/emmeowzing/threatstack-rule-manager/internal/remote"
	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

const (
	testOrg      = "5d7bb7c49f4d069836a064c2"
	testOtherOrg = "6be3e51ad63c11e9bc1801fe680446ed"
	testRuleset  = "6bd566f5-d63c-11e9-bc18-196d1feb576b"
	testRule     = "7c1a4d2e-5b3f-4e6a-9d8c-0f1e2d3c4b5a"
	testRule2    = "8d2b5e3f-6c4a-4f7b-8e9d-1a2b3c4d5e6f"
)

type fakeRule struct {
	body rulestate.Rule
	tags rulestate.Tags
}

type fakeRuleset struct {
	ruleset rulestate.Ruleset
	rules   map[string]*fakeRule
}

type fakeOrg struct {
	epoch    string
	rulesets map[string]*fakeRuleset
}

type fakeCall struct {
	org string
	op  string
	id  string
	at  time.Time
}

// fakeRemote is an in-memory rule-management API. failures maps "op id" to
// the error that call returns.
type fakeRemote struct {
	mu       sync.Mutex
	orgs     map[string]*fakeOrg
	calls    []fakeCall
	failures map[string]error
	delay    time.Duration
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{orgs: map[string]*fakeOrg{}, failures: map[string]error{}}
}

func (f *fakeRemote) org(id string) *fakeOrg {
	o, ok := f.orgs[id]
	if !ok {
		o = &fakeOrg{epoch: "1", rulesets: map[string]*fakeRuleset{}}
		f.orgs[id] = o
	}
	return o
}

func (f *fakeRemote) seed(org, rulesetID string, rs rulestate.Ruleset, rules map[string]rulestate.Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frs := &fakeRuleset{ruleset: rs, rules: map[string]*fakeRule{}}
	frs.ruleset.RuleIDs = nil
	ids := make([]string, 0, len(rules))
	for id := range rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		frs.rules[id] = &fakeRule{body: rules[id], tags: rulestate.Tags{}.Normalize()}
		frs.ruleset.RuleIDs = append(frs.ruleset.RuleIDs, id)
	}
	f.org(org).rulesets[rulesetID] = frs
}

func (f *fakeRemote) failOn(op, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+" "+id] = err
}

func (f *fakeRemote) record(org, op, id string) error {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{org: org, op: op, id: id, at: time.Now()})
	err := f.failures[op+" "+id]
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (f *fakeRemote) callLog() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

func (f *fakeRemote) ops(prefix string) []string {
	var out []string
	for _, c := range f.callLog() {
		if len(c.op) >= len(prefix) && c.op[:len(prefix)] == prefix {
			out = append(out, c.op+" "+c.id)
		}
	}
	return out
}

func (f *fakeRemote) bump(org string) {
	f.org(org).epoch = uuid.NewString()
}

func notFound(kind, org, id string) error {
	return &remote.Error{Op: kind, StatusCode: 404, Message: "not found", Err: &rulestate.NotFoundError{Kind: kind, Organization: org, ID: id}}
}

func (f *fakeRemote) Epoch(ctx context.Context, org string) (string, error) {
	if err := f.record(org, "epoch", org); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.org(org).epoch, nil
}

func (f *fakeRemote) ListRulesets(ctx context.Context, org string) ([]remote.RulesetRecord, error) {
	if err := f.record(org, "list_rulesets", org); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.RulesetRecord
	for id, rs := range f.org(org).rulesets {
		out = append(out, remote.RulesetRecord{ID: id, Ruleset: rs.ruleset})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRemote) ListRules(ctx context.Context, org, ruleset string) ([]remote.RuleRecord, error) {
	if err := f.record(org, "list_rules", ruleset); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, ok := f.org(org).rulesets[ruleset]
	if !ok {
		return nil, notFound("ruleset", org, ruleset)
	}
	var out []remote.RuleRecord
	for id, rule := range rs.rules {
		out = append(out, remote.RuleRecord{ID: id, Rule: rule.body})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRemote) GetTags(ctx context.Context, org, ruleset, rule string) (rulestate.Tags, error) {
	if err := f.record(org, "get_tags", rule); err != nil {
		return rulestate.Tags{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.lookupRule(org, ruleset, rule)
	if err != nil {
		return rulestate.Tags{}, err
	}
	return r.tags, nil
}

func (f *fakeRemote) lookupRule(org, ruleset, rule string) (*fakeRule, error) {
	rs, ok := f.org(org).rulesets[ruleset]
	if !ok {
		return nil, notFound("ruleset", org, ruleset)
	}
	r, ok := rs.rules[rule]
	if !ok {
		return nil, notFound("rule", org, rule)
	}
	return r, nil
}

func (f *fakeRemote) CreateRuleset(ctx context.Context, org string, rs rulestate.Ruleset) (string, error) {
	if err := f.record(org, "create_ruleset", rs.Name); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	rs.RuleIDs = nil
	f.org(org).rulesets[id] = &fakeRuleset{ruleset: rs, rules: map[string]*fakeRule{}}
	f.bump(org)
	return id, nil
}

func (f *fakeRemote) UpdateRuleset(ctx context.Context, org, ruleset string, rs rulestate.Ruleset) error {
	if err := f.record(org, "update_ruleset", ruleset); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.org(org).rulesets[ruleset]
	if !ok {
		return notFound("ruleset", org, ruleset)
	}
	rs.RuleIDs = current.ruleset.RuleIDs
	current.ruleset = rs
	f.bump(org)
	return nil
}

func (f *fakeRemote) DeleteRuleset(ctx context.Context, org, ruleset string) error {
	if err := f.record(org, "delete_ruleset", ruleset); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.org(org).rulesets[ruleset]; !ok {
		return notFound("ruleset", org, ruleset)
	}
	delete(f.org(org).rulesets, ruleset)
	f.bump(org)
	return nil
}

func (f *fakeRemote) CreateRule(ctx context.Context, org, ruleset string, rule rulestate.Rule) (string, error) {
	if err := f.record(org, "create_rule", rule.Name); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, ok := f.org(org).rulesets[ruleset]
	if !ok {
		return "", notFound("ruleset", org, ruleset)
	}
	id := uuid.NewString()
	rs.rules[id] = &fakeRule{body: rule, tags: rulestate.Tags{}.Normalize()}
	rs.ruleset.RuleIDs = append(rs.ruleset.RuleIDs, id)
	f.bump(org)
	return id, nil
}

func (f *fakeRemote) UpdateRule(ctx context.Context, org, ruleset, rule string, body rulestate.Rule) error {
	if err := f.record(org, "update_rule", rule); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.lookupRule(org, ruleset, rule)
	if err != nil {
		return err
	}
	r.body = body
	f.bump(org)
	return nil
}

func (f *fakeRemote) DeleteRule(ctx context.Context, org, ruleset, rule string) error {
	if err := f.record(org, "delete_rule", rule); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, ok := f.org(org).rulesets[ruleset]
	if !ok {
		return notFound("ruleset", org, ruleset)
	}
	if _, ok := rs.rules[rule]; !ok {
		return notFound("rule", org, rule)
	}
	delete(rs.rules, rule)
	kept := rs.ruleset.RuleIDs[:0]
	for _, id := range rs.ruleset.RuleIDs {
		if id != rule {
			kept = append(kept, id)
		}
	}
	rs.ruleset.RuleIDs = kept
	f.bump(org)
	return nil
}

func (f *fakeRemote) UpdateTags(ctx context.Context, org, ruleset, rule string, tags rulestate.Tags) error {
	if err := f.record(org, "update_tags", rule); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.lookupRule(org, ruleset, rule)
	if err != nil {
		return err
	}
	r.tags = tags.Normalize()
	f.bump(org)
	return nil
}

func (f *fakeRemote) ruleByName(org, name string) (string, string, *fakeRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for rsID, rs := range f.org(org).rulesets {
		for id, rule := range rs.rules {
			if rule.body.Name == name {
				return rsID, id, rule
			}
		}
	}
	return "", "", nil
}

func (f *fakeRemote) rulesetByName(org, name string) (string, *fakeRuleset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, rs := range f.org(org).rulesets {
		if rs.ruleset.Name == name {
			return id, rs
		}
	}
	return "", nil
}

type recordingCommitter struct {
	mu       sync.Mutex
	messages []string
}

func (c *recordingCommitter) Commit(ctx context.Context, message string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	return true, nil
}

func (c *recordingCommitter) commits() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func sampleRule(name string) rulestate.Rule {
	return rulestate.Rule{
		Name:     name,
		Type:     rulestate.RuleTypeHost,
		Title:    name,
		Severity: 2,
		Filter:   `event_type = "login"`,
		Window:   86400,
		Enabled:  true,
	}
}

type testEnv struct {
	engine *Engine
	remote *fakeRemote
	vcs    *recordingCommitter
	tree   *rulestate.Tree
	ledger *rulestate.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tree, err := rulestate.NewTree(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	ledger, err := rulestate.NewLedger(rulestate.NewInMemoryBackend())
	require.NoError(t, err)
	fake := newFakeRemote()
	vcs := &recordingCommitter{}
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	engine, err := New(Options{
		Tree:    tree,
		Ledger:  ledger,
		Client:  fake,
		VCS:     vcs,
		Workers: 4,
		Logger:  logger,
	})
	require.NoError(t, err)
	require.NoError(t, engine.SetWorkspace(testOrg))
	return &testEnv{engine: engine, remote: fake, vcs: vcs, tree: tree, ledger: ledger}
}

// seedLocal writes a ruleset with the given rules straight into the tree as if
// it had been refreshed.
func (env *testEnv) seedLocal(t *testing.T, org, rulesetID, name string, rules map[string]string) {
	t.Helper()
	require.NoError(t, env.tree.EnsureOrganization(org))
	ids := make([]string, 0, len(rules))
	for id := range rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	require.NoError(t, env.tree.WriteRuleset(org, rulesetID, rulestate.Ruleset{Name: name, RuleIDs: ids}))
	for _, id := range ids {
		require.NoError(t, env.tree.WriteRule(org, rulesetID, id, sampleRule(rules[id])))
		require.NoError(t, env.tree.WriteTags(org, rulesetID, id, rulestate.Tags{}))
	}
}

func (env *testEnv) pending(t *testing.T, org string) map[string]rulestate.Entry {
	t.Helper()
	doc, err := env.ledger.Snapshot()
	require.NoError(t, err)
	return doc.Entries(org)
}

func errUnavailable(op string) error {
	return &remote.Error{Op: op, StatusCode: 503, Message: fmt.Sprintf("%s unavailable", op), Temporary: true}
}
