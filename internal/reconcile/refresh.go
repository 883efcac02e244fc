package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

type OrganizationRefresh struct {
	Organization string `json:"organization"`
	Epoch        string `json:"epoch,omitempty"`
	Skipped      bool   `json:"skipped"`
	Created      int    `json:"created"`
	Updated      int    `json:"updated"`
	Deleted      int    `json:"deleted"`
	Preserved    int    `json:"preserved"`
	Settled      int    `json:"settled"`
	Error        string `json:"error,omitempty"`
	Err          error  `json:"-"`
}

type RefreshReport struct {
	Organizations []OrganizationRefresh `json:"organizations"`
}

func (r *RefreshReport) Failed() []OrganizationRefresh {
	var out []OrganizationRefresh
	for _, org := range r.Organizations {
		if org.Err != nil {
			out = append(out, org)
		}
	}
	return out
}

type remoteRule struct {
	body rulestate.Rule
	tags rulestate.Tags
}

type remoteSnapshot struct {
	rulesets map[string]rulestate.Ruleset
	rules    map[string]map[string]remoteRule
}

// localError marks a failure to read or write local state during a refresh.
type localError struct {
	err error
}

func (e *localError) Error() string { return e.err.Error() }

func (e *localError) Unwrap() error { return e.err }

func localFailure(err error) error {
	if err == nil {
		return nil
	}
	return &localError{err: err}
}

// Refresh pulls orgs from the remote and merges them into the tree. An
// organization whose remote epoch matches the local one and that has nothing
// pending is skipped. Local changes recorded in the ledger survive the merge.
// A remote failure is recorded against its organization and does not stop the
// others. A failure to update the tree or ledger is returned as the error,
// together with the report.
func (e *Engine) Refresh(ctx context.Context, orgs []string) (*RefreshReport, error) {
	if err := e.requireClient(); err != nil {
		return nil, err
	}
	orgs, err := e.ResolveOrganizations(orgs)
	if err != nil {
		return nil, err
	}
	sort.Strings(orgs)
	results := make([]OrganizationRefresh, len(orgs))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, org := range orgs {
		i, org := i, org
		g.Go(func() error {
			var err error
			results[i], err = e.refreshOrganization(ctx, org)
			return err
		})
	}
	report := &RefreshReport{Organizations: results}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) refreshOrganization(ctx context.Context, org string) (OrganizationRefresh, error) {
	res := OrganizationRefresh{Organization: org}
	log := e.logger.WithField("organization", org)
	e.emit(Event{Type: EventRefreshStarted, Organization: org})

	err := e.refreshInto(ctx, org, &res, log)
	outcome := "refreshed"
	switch {
	case err != nil:
		res.Err = err
		res.Error = err.Error()
		outcome = "failed"
		log.WithError(err).Warn("refresh failed")
	case res.Skipped:
		outcome = "skipped"
		log.Debug("refresh skipped, epoch unchanged")
	default:
		log.WithFields(logrus.Fields{
			"created":   res.Created,
			"updated":   res.Updated,
			"deleted":   res.Deleted,
			"preserved": res.Preserved,
		}).Info("refresh complete")
	}
	e.metrics.observeRefresh(outcome)
	e.emit(Event{Type: EventRefreshFinished, Organization: org, Message: outcome, Error: res.Error})
	var fatal *localError
	if errors.As(err, &fatal) {
		return res, fmt.Errorf("refresh %s: %w", org, fatal.err)
	}
	return res, nil
}

func (e *Engine) refreshInto(ctx context.Context, org string, res *OrganizationRefresh, log logrus.FieldLogger) error {
	epoch, err := e.client.Epoch(ctx, org)
	if err != nil {
		return err
	}
	res.Epoch = epoch
	localEpoch, err := e.tree.ReadEpoch(org)
	if err != nil {
		return localFailure(err)
	}
	doc, err := e.ledger.Snapshot()
	if err != nil {
		return localFailure(err)
	}
	if epoch != "" && epoch == localEpoch && !doc.HasPending(org) && e.tree.HasOrganization(org) {
		res.Skipped = true
		return nil
	}
	if localEpoch != "" && localEpoch != epoch {
		conflict := &rulestate.ConflictError{Organization: org, Local: localEpoch, Remote: epoch}
		log.WithError(conflict).Info("remote changed since last refresh, pulling everything")
	}

	snap, err := e.fetchSnapshot(ctx, org)
	if err != nil {
		return err
	}

	e.localMu.Lock()
	defer e.localMu.Unlock()
	if err := e.merge(org, snap, res); err != nil {
		return localFailure(err)
	}
	return localFailure(e.tree.WriteEpoch(org, epoch))
}

func (e *Engine) fetchSnapshot(ctx context.Context, org string) (*remoteSnapshot, error) {
	snap := &remoteSnapshot{
		rulesets: map[string]rulestate.Ruleset{},
		rules:    map[string]map[string]remoteRule{},
	}
	rulesets, err := e.client.ListRulesets(ctx, org)
	if err != nil {
		return nil, err
	}
	for _, rs := range rulesets {
		snap.rulesets[rs.ID] = rs.Ruleset
		rules, err := e.client.ListRules(ctx, org, rs.ID)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]remoteRule, len(rules))
		for _, rule := range rules {
			tags, err := e.client.GetTags(ctx, org, rs.ID, rule.ID)
			if err != nil && !errors.Is(err, rulestate.ErrNotFound) {
				return nil, err
			}
			byID[rule.ID] = remoteRule{body: rule.Rule, tags: tags.Normalize()}
		}
		snap.rules[rs.ID] = byID
	}
	return snap, nil
}

// merge applies snap to the tree. Callers hold localMu.
func (e *Engine) merge(org string, snap *remoteSnapshot, res *OrganizationRefresh) error {
	doc, err := e.ledger.Snapshot()
	if err != nil {
		return err
	}
	entries := doc.Entries(org)
	if err := e.tree.EnsureOrganization(org); err != nil {
		return err
	}

	remoteIDs := make([]string, 0, len(snap.rulesets))
	for id := range snap.rulesets {
		remoteIDs = append(remoteIDs, id)
	}
	sort.Strings(remoteIDs)
	for _, rulesetID := range remoteIDs {
		entry, marked := entries[rulesetID]
		if marked && entry.Modified == rulestate.ModifiedDeleted {
			res.Preserved++
			continue
		}
		if err := e.mergeRuleset(org, rulesetID, snap.rulesets[rulesetID], entry, marked, res); err != nil {
			return err
		}
		if err := e.mergeRules(org, rulesetID, snap.rules[rulesetID], entry.Rules, res); err != nil {
			return err
		}
	}

	localIDs, err := e.tree.Rulesets(org)
	if err != nil {
		return err
	}
	for _, rulesetID := range localIDs {
		if _, ok := snap.rulesets[rulesetID]; ok || rulestate.IsPlaceholder(rulesetID) {
			continue
		}
		if _, marked := entries[rulesetID]; marked {
			res.Preserved++
			continue
		}
		if err := e.tree.RemoveRuleset(org, rulesetID); err != nil {
			return err
		}
		res.Deleted++
	}
	for rulesetID, entry := range entries {
		if _, ok := snap.rulesets[rulesetID]; ok {
			continue
		}
		if entry.Modified == rulestate.ModifiedDeleted {
			if err := e.ledger.Clear(org, rulestate.RulesetRef(rulesetID)); err != nil {
				return err
			}
			res.Settled++
		}
	}
	return nil
}

func (e *Engine) mergeRuleset(org, rulesetID string, remote rulestate.Ruleset, entry rulestate.Entry, marked bool, res *OrganizationRefresh) error {
	exists := e.tree.HasRuleset(org, rulesetID)
	var local rulestate.Ruleset
	if exists {
		var err error
		if local, err = e.tree.ReadRuleset(org, rulesetID); err != nil && !errors.Is(err, rulestate.ErrNotFound) {
			return err
		}
	}
	if marked && entry.Modified == rulestate.ModifiedTrue && exists {
		stripped := local
		stripped.RuleIDs = rulestate.StripPlaceholders(local.RuleIDs)
		if rulestate.SameContent(stripped, remote) {
			res.Settled++
			return e.ledger.Clear(org, rulestate.RulesetRef(rulesetID))
		}
		res.Preserved++
		return nil
	}

	merged := remote
	merged.RuleIDs = []string{}
	for _, id := range remote.RuleIDs {
		if entry.Rules[id] != rulestate.ChangeDelete {
			merged.RuleIDs = append(merged.RuleIDs, id)
		}
	}
	for _, id := range local.RuleIDs {
		if rulestate.IsPlaceholder(id) {
			merged.RuleIDs = append(merged.RuleIDs, id)
		}
	}
	switch {
	case !exists:
		res.Created++
	case rulestate.SameContent(local, merged):
		return nil
	default:
		res.Updated++
	}
	return e.tree.WriteRuleset(org, rulesetID, merged)
}

func (e *Engine) mergeRules(org, rulesetID string, remote map[string]remoteRule, changes map[string]rulestate.Change, res *OrganizationRefresh) error {
	ids := make([]string, 0, len(remote))
	for id := range remote {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, ruleID := range ids {
		change, marked := changes[ruleID]
		if change == rulestate.ChangeDelete {
			res.Preserved++
			continue
		}
		rule := remote[ruleID]
		if !e.tree.HasRule(org, rulesetID, ruleID) {
			if err := e.tree.WriteRule(org, rulesetID, ruleID, rule.body); err != nil {
				return err
			}
			if err := e.tree.WriteTags(org, rulesetID, ruleID, rule.tags); err != nil {
				return err
			}
			if marked {
				if err := e.ledger.Clear(org, rulestate.RuleRef(rulesetID, ruleID)); err != nil {
					return err
				}
			}
			res.Created++
			continue
		}
		keepBody := change == rulestate.ChangeRule || change == rulestate.ChangeBoth
		keepTags := change == rulestate.ChangeTags || change == rulestate.ChangeBoth
		if err := e.mergeRuleBody(org, rulesetID, ruleID, rule.body, keepBody, res); err != nil {
			return err
		}
		if err := e.mergeRuleTags(org, rulesetID, ruleID, rule.tags, keepTags, res); err != nil {
			return err
		}
	}

	localIDs, err := e.tree.Rules(org, rulesetID)
	if err != nil {
		return err
	}
	for _, ruleID := range localIDs {
		if _, ok := remote[ruleID]; ok || rulestate.IsPlaceholder(ruleID) {
			continue
		}
		if _, marked := changes[ruleID]; marked {
			res.Preserved++
			continue
		}
		if err := e.tree.RemoveRule(org, rulesetID, ruleID); err != nil {
			return err
		}
		res.Deleted++
	}
	for ruleID, change := range changes {
		if _, ok := remote[ruleID]; ok || change != rulestate.ChangeDelete {
			continue
		}
		if err := e.ledger.Clear(org, rulestate.RuleRef(rulesetID, ruleID)); err != nil {
			return err
		}
		res.Settled++
	}
	return nil
}

func (e *Engine) mergeRuleBody(org, rulesetID, ruleID string, remote rulestate.Rule, keep bool, res *OrganizationRefresh) error {
	local, err := e.tree.ReadRule(org, rulesetID, ruleID)
	if err != nil && !errors.Is(err, rulestate.ErrNotFound) {
		return err
	}
	same := err == nil && rulestate.SameContent(local, remote)
	switch {
	case keep && same:
		res.Settled++
		return e.ledger.Settle(org, rulestate.RuleRef(rulesetID, ruleID), rulestate.ChangeRule)
	case keep:
		res.Preserved++
		return nil
	case same:
		return nil
	}
	res.Updated++
	return e.tree.WriteRule(org, rulesetID, ruleID, remote)
}

func (e *Engine) mergeRuleTags(org, rulesetID, ruleID string, remote rulestate.Tags, keep bool, res *OrganizationRefresh) error {
	local, err := e.tree.ReadTags(org, rulesetID, ruleID)
	if err != nil {
		return err
	}
	same := rulestate.SameContent(local, remote)
	switch {
	case keep && same:
		res.Settled++
		return e.ledger.Settle(org, rulestate.RuleRef(rulesetID, ruleID), rulestate.ChangeTags)
	case keep:
		res.Preserved++
		return nil
	case same:
		return nil
	}
	res.Updated++
	return e.tree.WriteTags(org, rulesetID, ruleID, remote)
}
