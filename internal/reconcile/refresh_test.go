package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

func TestRefreshPullsRemoteState(t *testing.T) {
	env := newTestEnv(t)
	env.remote.seed(testOrg, testRuleset, rulestate.Ruleset{Name: "Base", Description: "defaults"}, map[string]rulestate.Rule{
		testRule:  sampleRule("one"),
		testRule2: sampleRule("two"),
	})

	report, err := env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, report.Organizations, 1)
	res := report.Organizations[0]
	require.NoError(t, res.Err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Created)

	rs, err := env.tree.ReadRuleset(testOrg, testRuleset)
	require.NoError(t, err)
	assert.Equal(t, "defaults", rs.Description)
	assert.ElementsMatch(t, []string{testRule, testRule2}, rs.RuleIDs)
	rule, err := env.tree.ReadRule(testOrg, testRuleset, testRule2)
	require.NoError(t, err)
	assert.Equal(t, "two", rule.Name)

	epoch, err := env.tree.ReadEpoch(testOrg)
	require.NoError(t, err)
	assert.Equal(t, "1", epoch)
	assert.Empty(t, env.pending(t, testOrg))
}

func TestRefreshSkipsUnchangedEpoch(t *testing.T) {
	env := newTestEnv(t)
	env.remote.seed(testOrg, testRuleset, rulestate.Ruleset{Name: "Base"}, map[string]rulestate.Rule{testRule: sampleRule("one")})
	_, err := env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)
	before := len(env.remote.callLog())

	report, err := env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, report.Organizations[0].Skipped)
	assert.Equal(t, []string{"epoch " + testOrg}, callOps(env.remote.callLog()[before:]))
}

func TestRefreshPreservesPendingLocalChanges(t *testing.T) {
	env := newTestEnv(t)
	env.remote.seed(testOrg, testRuleset, rulestate.Ruleset{Name: "Base"}, map[string]rulestate.Rule{
		testRule:  sampleRule("one"),
		testRule2: sampleRule("two"),
	})
	_, err := env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, env.engine.UpdateRule("", testRule, sampleRule("one local")))
	tags := rulestate.Tags{Inclusion: []rulestate.Tag{{Source: "ec2", Key: "team", Value: "infra"}}}
	require.NoError(t, env.engine.UpdateTags("", testRule2, tags))
	placeholder, err := env.engine.CreateRule("", testRuleset, sampleRule("draft"), nil)
	require.NoError(t, err)

	env.remote.mu.Lock()
	rs := env.remote.orgs[testOrg].rulesets[testRuleset]
	rs.rules[testRule].body = sampleRule("one remote")
	rs.rules[testRule2].body = sampleRule("two remote")
	env.remote.bump(testOrg)
	env.remote.mu.Unlock()

	report, err := env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, report.Organizations[0].Err)

	local, err := env.tree.ReadRule(testOrg, testRuleset, testRule)
	require.NoError(t, err)
	assert.Equal(t, "one local", local.Name)

	body, err := env.tree.ReadRule(testOrg, testRuleset, testRule2)
	require.NoError(t, err)
	assert.Equal(t, "two remote", body.Name)
	gotTags, err := env.tree.ReadTags(testOrg, testRuleset, testRule2)
	require.NoError(t, err)
	assert.Equal(t, tags.Inclusion, gotTags.Inclusion)

	assert.True(t, env.tree.HasRule(testOrg, testRuleset, placeholder))
	descriptor, err := env.tree.ReadRuleset(testOrg, testRuleset)
	require.NoError(t, err)
	assert.Contains(t, descriptor.RuleIDs, placeholder)

	entry := env.pending(t, testOrg)[testRuleset]
	assert.Equal(t, rulestate.ChangeRule, entry.Rules[testRule])
	assert.Equal(t, rulestate.ChangeTags, entry.Rules[testRule2])
	assert.Equal(t, rulestate.ChangeBoth, entry.Rules[placeholder])
}

func TestRefreshRemovesArtifactsDeletedRemotely(t *testing.T) {
	env := newTestEnv(t)
	env.remote.seed(testOrg, testRuleset, rulestate.Ruleset{Name: "Base"}, map[string]rulestate.Rule{
		testRule:  sampleRule("one"),
		testRule2: sampleRule("two"),
	})
	_, err := env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)

	env.remote.mu.Lock()
	delete(env.remote.orgs[testOrg].rulesets[testRuleset].rules, testRule2)
	env.remote.bump(testOrg)
	env.remote.mu.Unlock()

	report, err := env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Organizations[0].Deleted)
	assert.True(t, env.tree.HasRule(testOrg, testRuleset, testRule))
	assert.False(t, env.tree.HasRule(testOrg, testRuleset, testRule2))
}

func TestRefreshKeepsPendingDeletes(t *testing.T) {
	env := newTestEnv(t)
	env.remote.seed(testOrg, testRuleset, rulestate.Ruleset{Name: "Base"}, map[string]rulestate.Rule{testRule: sampleRule("one")})
	_, err := env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, env.engine.DeleteRule("", testRule))

	env.remote.mu.Lock()
	env.remote.bump(testOrg)
	env.remote.mu.Unlock()
	_, err = env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)

	assert.False(t, env.tree.HasRule(testOrg, testRuleset, testRule))
	assert.Equal(t, rulestate.ChangeDelete, env.pending(t, testOrg)[testRuleset].Rules[testRule])

	env.remote.mu.Lock()
	delete(env.remote.orgs[testOrg].rulesets[testRuleset].rules, testRule)
	env.remote.bump(testOrg)
	env.remote.mu.Unlock()
	_, err = env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, env.pending(t, testOrg))
}

func TestRefreshSettlesChangesAlreadyUpstream(t *testing.T) {
	env := newTestEnv(t)
	env.remote.seed(testOrg, testRuleset, rulestate.Ruleset{Name: "Base"}, map[string]rulestate.Rule{testRule: sampleRule("one")})
	_, err := env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, env.engine.UpdateRule("", testRule, sampleRule("same everywhere")))

	env.remote.mu.Lock()
	env.remote.orgs[testOrg].rulesets[testRuleset].rules[testRule].body = sampleRule("same everywhere")
	env.remote.bump(testOrg)
	env.remote.mu.Unlock()

	report, err := env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Organizations[0].Settled)
	assert.Empty(t, env.pending(t, testOrg))
}

func TestRefreshRecordsPerOrganizationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.remote.seed(testOrg, testRuleset, rulestate.Ruleset{Name: "Base"}, map[string]rulestate.Rule{testRule: sampleRule("one")})
	env.remote.failOn("epoch", testOtherOrg, errUnavailable("epoch"))

	report, err := env.engine.Refresh(context.Background(), []string{testOtherOrg, testOrg})
	require.NoError(t, err)
	require.Len(t, report.Organizations, 2)
	assert.Equal(t, testOrg, report.Organizations[0].Organization)
	assert.NoError(t, report.Organizations[0].Err)
	assert.Error(t, report.Organizations[1].Err)
	require.Len(t, report.Failed(), 1)
	assert.True(t, env.tree.HasRule(testOrg, testRuleset, testRule))
	assert.False(t, env.tree.HasOrganization(testOtherOrg))
}

func TestRefreshFailsOnLocalWriteError(t *testing.T) {
	env := newTestEnv(t)
	for _, org := range []string{testOrg, testOtherOrg} {
		env.remote.seed(org, testRuleset, rulestate.Ruleset{Name: "Base"}, map[string]rulestate.Rule{testRule: sampleRule("one")})
	}
	require.NoError(t, env.tree.EnsureOrganization(testOrg))
	blocker := env.tree.RulesetDir(testOrg, testRuleset)
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))
	require.Equal(t, filepath.Join(env.tree.OrganizationDir(testOrg), testRuleset), blocker)

	report, err := env.engine.Refresh(context.Background(), []string{testOrg, testOtherOrg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh "+testOrg)
	require.NotNil(t, report)
	require.Len(t, report.Organizations, 2)
	assert.Error(t, report.Organizations[0].Err)
	assert.NoError(t, report.Organizations[1].Err)

	epoch, err := env.tree.ReadEpoch(testOrg)
	require.NoError(t, err)
	assert.Empty(t, epoch)
	assert.True(t, env.tree.HasRuleset(testOtherOrg, testRuleset))
}

func TestRefreshThenPushRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.remote.seed(testOrg, testRuleset, rulestate.Ruleset{Name: "Base"}, map[string]rulestate.Rule{testRule: sampleRule("one")})
	_, err := env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, env.engine.UpdateRule("", testRule, sampleRule("one v2")))

	_, err = env.engine.Push(context.Background(), nil)
	require.NoError(t, err)
	report, err := env.engine.Refresh(context.Background(), nil)
	require.NoError(t, err)
	res := report.Organizations[0]
	assert.Zero(t, res.Updated)
	assert.Zero(t, res.Deleted)
	rule, err := env.tree.ReadRule(testOrg, testRuleset, testRule)
	require.NoError(t, err)
	assert.Equal(t, "one v2", rule.Name)
}

func callOps(calls []fakeCall) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.op+" "+c.id)
	}
	return out
}
