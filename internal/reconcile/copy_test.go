package reconcile

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

func orgFiles(t *testing.T, env *testEnv, org string) map[string]string {
	t.Helper()
	root := env.tree.OrganizationDir(org)
	out := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		out[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func seedCopySource(t *testing.T, env *testEnv) rulestate.Tags {
	t.Helper()
	env.seedLocal(t, testOrg, testRuleset, "Base", map[string]string{testRule: "one", testRule2: "two"})
	tags := rulestate.Tags{Inclusion: []rulestate.Tag{{Source: "ec2", Key: "env", Value: "prod"}}}
	require.NoError(t, env.tree.WriteTags(testOrg, testRuleset, testRule, tags))
	return tags
}

func TestCopyRulesetAcrossOrganizations(t *testing.T) {
	env := newTestEnv(t)
	tags := seedCopySource(t, env)
	before := orgFiles(t, env, testOrg)

	report, err := env.engine.Copy(CopyRequest{
		DestinationOrganization: testOtherOrg,
		Rulesets:                []RulesetCopy{{RulesetID: testRuleset, NameSuffix: DefaultCopySuffix}},
	})
	require.NoError(t, err)
	require.Len(t, report.Rulesets, 1)
	copied := report.Rulesets[0]
	assert.Equal(t, "Base - COPY", copied.Name)
	assert.True(t, rulestate.IsPlaceholder(copied.ID))
	require.Len(t, copied.Rules, 2)

	rs, err := env.tree.ReadRuleset(testOtherOrg, copied.ID)
	require.NoError(t, err)
	assert.Equal(t, "Base - COPY", rs.Name)
	assert.Len(t, rs.RuleIDs, 2)

	names := map[string]string{}
	for _, rule := range copied.Rules {
		assert.True(t, rulestate.IsPlaceholder(rule.ID))
		assert.Equal(t, copied.ID, rule.RulesetID)
		names[rule.Source] = rule.Name
	}
	assert.Equal(t, map[string]string{testRule: "one", testRule2: "two"}, names)

	var copiedOne string
	for _, rule := range copied.Rules {
		if rule.Source == testRule {
			copiedOne = rule.ID
		}
	}
	gotTags, err := env.tree.ReadTags(testOtherOrg, copied.ID, copiedOne)
	require.NoError(t, err)
	assert.Equal(t, tags.Inclusion, gotTags.Inclusion)

	entry := env.pending(t, testOtherOrg)[copied.ID]
	assert.Equal(t, rulestate.ModifiedTrue, entry.Modified)
	for _, rule := range copied.Rules {
		assert.Equal(t, rulestate.ChangeBoth, entry.Rules[rule.ID])
	}

	assert.Equal(t, before, orgFiles(t, env, testOrg))
	assert.Empty(t, env.pending(t, testOrg))
}

func TestCopyRuleWithinOrganizationRenamesOnCollision(t *testing.T) {
	env := newTestEnv(t)
	seedCopySource(t, env)

	first, err := env.engine.Copy(CopyRequest{Rules: []RuleCopy{{RuleID: testRule}}})
	require.NoError(t, err)
	require.Len(t, first.Rules, 1)
	assert.Equal(t, "one - COPY", first.Rules[0].Name)
	assert.Equal(t, testRuleset, first.Rules[0].RulesetID)

	second, err := env.engine.Copy(CopyRequest{Rules: []RuleCopy{{RuleID: testRule}}})
	require.NoError(t, err)
	assert.Equal(t, "one - COPY - COPY", second.Rules[0].Name)

	rs, err := env.tree.ReadRuleset(testOrg, testRuleset)
	require.NoError(t, err)
	assert.Len(t, rs.RuleIDs, 4)

	source, err := env.tree.ReadRule(testOrg, testRuleset, testRule)
	require.NoError(t, err)
	assert.Equal(t, "one", source.Name)
}

func TestCopyRuleAppliesGivenSuffix(t *testing.T) {
	env := newTestEnv(t)
	seedCopySource(t, env)

	report, err := env.engine.Copy(CopyRequest{Rules: []RuleCopy{{RuleID: testRule2, NameSuffix: " (staging)"}}})
	require.NoError(t, err)
	assert.Equal(t, "two (staging)", report.Rules[0].Name)
}

func TestCopyRuleAcrossOrganizationsNeedsRuleset(t *testing.T) {
	env := newTestEnv(t)
	seedCopySource(t, env)

	_, err := env.engine.Copy(CopyRequest{
		DestinationOrganization: testOtherOrg,
		Rules:                   []RuleCopy{{RuleID: testRule}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, rulestate.ErrValidation)
}

func TestCopyResolvesEverythingBeforeWriting(t *testing.T) {
	env := newTestEnv(t)
	seedCopySource(t, env)
	env.seedLocal(t, testOtherOrg, testRuleset, "Target", nil)
	before := orgFiles(t, env, testOtherOrg)

	_, err := env.engine.Copy(CopyRequest{
		DestinationOrganization: testOtherOrg,
		Rulesets:                []RulesetCopy{{RulesetID: testRuleset}},
		Rules:                   []RuleCopy{{RuleID: "9e3c6f4a-7d5b-4a8c-9f0e-2b3c4d5e6f70", RulesetID: testRuleset}},
	})
	require.Error(t, err)
	var notFound *rulestate.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "rule", notFound.Kind)

	assert.Equal(t, before, orgFiles(t, env, testOtherOrg))
	assert.Empty(t, env.pending(t, testOtherOrg))
}

func TestCopyTagsOntoRuleset(t *testing.T) {
	env := newTestEnv(t)
	tags := seedCopySource(t, env)
	env.seedLocal(t, testOtherOrg, testRuleset, "Target", map[string]string{testRule: "a", testRule2: "b"})

	report, err := env.engine.Copy(CopyRequest{
		DestinationOrganization: testOtherOrg,
		Tags:                    []TagCopy{{SourceRuleID: testRule, DestinationRulesetID: testRuleset}},
	})
	require.NoError(t, err)
	require.Len(t, report.Tags, 1)
	assert.Equal(t, []string{testRule, testRule2}, report.Tags[0].Rules)

	for _, id := range []string{testRule, testRule2} {
		got, err := env.tree.ReadTags(testOtherOrg, testRuleset, id)
		require.NoError(t, err)
		assert.Equal(t, tags.Inclusion, got.Inclusion)
		assert.Equal(t, rulestate.ChangeTags, env.pending(t, testOtherOrg)[testRuleset].Rules[id])
	}
}

func TestCopyTagsRejectsTargetsPendingDeletion(t *testing.T) {
	env := newTestEnv(t)
	seedCopySource(t, env)
	env.seedLocal(t, testOtherOrg, testRuleset, "Target", map[string]string{testRule: "a", testRule2: "b"})
	require.NoError(t, env.ledger.MarkRule(testOtherOrg, testRuleset, testRule2, rulestate.ChangeDelete))
	before := orgFiles(t, env, testOtherOrg)

	_, err := env.engine.Copy(CopyRequest{
		DestinationOrganization: testOtherOrg,
		Tags:                    []TagCopy{{SourceRuleID: testRule, DestinationRulesetID: testRuleset}},
	})
	require.ErrorIs(t, err, rulestate.ErrValidation)
	assert.Contains(t, err.Error(), "pending deletion")
	assert.Equal(t, before, orgFiles(t, env, testOtherOrg))
	assert.Equal(t, map[string]rulestate.Change{testRule2: rulestate.ChangeDelete}, env.pending(t, testOtherOrg)[testRuleset].Rules)

	require.NoError(t, env.ledger.MarkRuleset(testOtherOrg, testRuleset, rulestate.ModifiedDeleted))
	_, err = env.engine.Copy(CopyRequest{
		DestinationOrganization: testOtherOrg,
		Tags:                    []TagCopy{{SourceRuleID: testRule, DestinationRuleID: testRule}},
	})
	require.ErrorIs(t, err, rulestate.ErrValidation)
	assert.Equal(t, before, orgFiles(t, env, testOtherOrg))
}

func TestCopyTagsNeedsDestination(t *testing.T) {
	env := newTestEnv(t)
	seedCopySource(t, env)
	_, err := env.engine.Copy(CopyRequest{Tags: []TagCopy{{SourceRuleID: testRule}}})
	assert.ErrorIs(t, err, rulestate.ErrValidation)
}

func TestCopiedRulesetPushesAsNew(t *testing.T) {
	env := newTestEnv(t)
	seedCopySource(t, env)
	_, err := env.engine.Copy(CopyRequest{
		DestinationOrganization: testOtherOrg,
		Rulesets:                []RulesetCopy{{RulesetID: testRuleset, NameSuffix: DefaultCopySuffix}},
	})
	require.NoError(t, err)

	report, err := env.engine.Push(context.Background(), []string{testOtherOrg})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Succeeded())
	id, rs := env.remote.rulesetByName(testOtherOrg, "Base - COPY")
	require.NotNil(t, rs)
	assert.Len(t, rs.rules, 2)
	assert.True(t, env.tree.HasRuleset(testOtherOrg, id))
	assert.Empty(t, env.pending(t, testOtherOrg))
}
