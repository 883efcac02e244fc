package reconcile

import (
	"errors"
	"sort"

	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

// DefaultCopySuffix is appended to a copied name while it collides with an
// existing one in the destination.
const DefaultCopySuffix = " - COPY"

type RuleCopy struct {
	RuleID     string `json:"rule_id"`
	RulesetID  string `json:"ruleset_id,omitempty"`
	NameSuffix string `json:"rule_name_postfix,omitempty"`
}

type RulesetCopy struct {
	RulesetID  string `json:"ruleset_id"`
	NameSuffix string `json:"ruleset_name_postfix,omitempty"`
}

// TagCopy copies a rule's tags onto one rule, or onto every rule of a
// ruleset, in the destination.
type TagCopy struct {
	SourceRuleID         string `json:"src_rule_id"`
	DestinationRuleID    string `json:"dst_rule_id,omitempty"`
	DestinationRulesetID string `json:"dst_ruleset_id,omitempty"`
}

// CopyRequest copies artifacts from SourceOrganization into
// DestinationOrganization. Either may be empty to mean the workspace, and an
// empty destination means the source.
type CopyRequest struct {
	SourceOrganization      string        `json:"source_organization,omitempty"`
	DestinationOrganization string        `json:"destination_organization,omitempty"`
	Rules                   []RuleCopy    `json:"rules,omitempty"`
	Rulesets                []RulesetCopy `json:"rulesets,omitempty"`
	Tags                    []TagCopy     `json:"tags,omitempty"`
}

type CopiedRule struct {
	Source    string `json:"source"`
	ID        string `json:"id"`
	RulesetID string `json:"rulesetId"`
	Name      string `json:"name"`
}

type CopiedRuleset struct {
	Source string       `json:"source"`
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Rules  []CopiedRule `json:"rules"`
}

type CopiedTags struct {
	Source string   `json:"source"`
	Rules  []string `json:"rules"`
}

type CopyReport struct {
	SourceOrganization      string          `json:"sourceOrganization"`
	DestinationOrganization string          `json:"destinationOrganization"`
	Rulesets                []CopiedRuleset `json:"rulesets"`
	Rules                   []CopiedRule    `json:"rules"`
	Tags                    []CopiedTags    `json:"tags"`
}

type resolvedRuleCopy struct {
	req           RuleCopy
	sourceRuleset string
	destRuleset   string
	rule          rulestate.Rule
	tags          rulestate.Tags
}

type resolvedMember struct {
	id   string
	rule rulestate.Rule
	tags rulestate.Tags
}

type resolvedRulesetCopy struct {
	req     RulesetCopy
	ruleset rulestate.Ruleset
	members []resolvedMember
}

type tagTarget struct {
	ruleset string
	rule    string
}

type resolvedTagCopy struct {
	req     TagCopy
	tags    rulestate.Tags
	targets []tagTarget
}

// Copy duplicates rulesets, rules and tags. Every copy is a new local
// artifact under a placeholder ID, marked for creation on the next push.
// The whole request is resolved before anything is written, so a missing
// source leaves the tree untouched. Sources are never modified.
func (e *Engine) Copy(req CopyRequest) (*CopyReport, error) {
	src, err := e.ResolveOrganization(req.SourceOrganization)
	if err != nil {
		return nil, err
	}
	dst := req.DestinationOrganization
	if dst == "" {
		dst = src
	} else if err := rulestate.ValidateOrganizationID(dst); err != nil {
		return nil, err
	}

	e.localMu.Lock()
	defer e.localMu.Unlock()
	if !e.tree.HasOrganization(src) {
		return nil, &rulestate.NotFoundError{Kind: "organization", ID: src}
	}
	rulesets, err := e.resolveRulesetCopies(src, req.Rulesets)
	if err != nil {
		return nil, err
	}
	rules, err := e.resolveRuleCopies(src, dst, req.Rules)
	if err != nil {
		return nil, err
	}
	tags, err := e.resolveTagCopies(src, dst, req.Tags)
	if err != nil {
		return nil, err
	}

	if err := e.tree.EnsureOrganization(dst); err != nil {
		return nil, err
	}
	report := &CopyReport{
		SourceOrganization:      src,
		DestinationOrganization: dst,
		Rulesets:                []CopiedRuleset{},
		Rules:                   []CopiedRule{},
		Tags:                    []CopiedTags{},
	}
	for _, rc := range rulesets {
		copied, err := e.copyRuleset(dst, rc)
		if err != nil {
			return report, err
		}
		report.Rulesets = append(report.Rulesets, copied)
	}
	for _, rc := range rules {
		copied, err := e.copyRule(dst, rc)
		if err != nil {
			return report, err
		}
		report.Rules = append(report.Rules, copied)
	}
	for _, tc := range tags {
		copied, err := e.copyTags(dst, tc)
		if err != nil {
			return report, err
		}
		report.Tags = append(report.Tags, copied)
	}
	return report, nil
}

func (e *Engine) resolveRulesetCopies(src string, reqs []RulesetCopy) ([]resolvedRulesetCopy, error) {
	out := make([]resolvedRulesetCopy, 0, len(reqs))
	for _, req := range reqs {
		rs, err := e.tree.ReadRuleset(src, req.RulesetID)
		if err != nil {
			return nil, err
		}
		ids, err := e.memberOrder(src, req.RulesetID, rs.RuleIDs)
		if err != nil {
			return nil, err
		}
		rc := resolvedRulesetCopy{req: req, ruleset: rs}
		for _, id := range ids {
			rule, err := e.tree.ReadRule(src, req.RulesetID, id)
			if err != nil {
				return nil, err
			}
			tags, err := e.tree.ReadTags(src, req.RulesetID, id)
			if err != nil {
				return nil, err
			}
			rc.members = append(rc.members, resolvedMember{id: id, rule: rule, tags: tags})
		}
		out = append(out, rc)
	}
	return out, nil
}

// memberOrder lists a ruleset's rules in descriptor order, followed by any
// rule directories the descriptor does not mention.
func (e *Engine) memberOrder(org, ruleset string, listed []string) ([]string, error) {
	present, err := e.tree.Rules(org, ruleset)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(present))
	for _, id := range present {
		have[id] = true
	}
	var out []string
	for _, id := range listed {
		if have[id] {
			out = append(out, id)
			delete(have, id)
		}
	}
	var rest []string
	for id := range have {
		rest = append(rest, id)
	}
	sort.Strings(rest)
	return append(out, rest...), nil
}

func (e *Engine) resolveRuleCopies(src, dst string, reqs []RuleCopy) ([]resolvedRuleCopy, error) {
	out := make([]resolvedRuleCopy, 0, len(reqs))
	for _, req := range reqs {
		ruleset, err := e.tree.LocateRule(src, req.RuleID)
		if err != nil {
			return nil, err
		}
		dest := req.RulesetID
		if dest == "" {
			if src != dst {
				return nil, &rulestate.ValidationError{Field: "ruleset_id", Value: req.RuleID, Reason: "a destination ruleset is required when copying across organizations"}
			}
			dest = ruleset
		}
		if !e.tree.HasRuleset(dst, dest) {
			return nil, &rulestate.NotFoundError{Kind: "ruleset", Organization: dst, ID: dest}
		}
		rule, err := e.tree.ReadRule(src, ruleset, req.RuleID)
		if err != nil {
			return nil, err
		}
		tags, err := e.tree.ReadTags(src, ruleset, req.RuleID)
		if err != nil {
			return nil, err
		}
		out = append(out, resolvedRuleCopy{req: req, sourceRuleset: ruleset, destRuleset: dest, rule: rule, tags: tags})
	}
	return out, nil
}

func (e *Engine) resolveTagCopies(src, dst string, reqs []TagCopy) ([]resolvedTagCopy, error) {
	out := make([]resolvedTagCopy, 0, len(reqs))
	if len(reqs) == 0 {
		return out, nil
	}
	doc, err := e.ledger.Snapshot()
	if err != nil {
		return nil, err
	}
	for _, req := range reqs {
		ruleset, err := e.tree.LocateRule(src, req.SourceRuleID)
		if err != nil {
			return nil, err
		}
		tags, err := e.tree.ReadTags(src, ruleset, req.SourceRuleID)
		if err != nil {
			return nil, err
		}
		tc := resolvedTagCopy{req: req, tags: tags}
		switch {
		case req.DestinationRuleID != "":
			destRuleset, err := e.tree.LocateRule(dst, req.DestinationRuleID)
			if err != nil {
				return nil, err
			}
			tc.targets = []tagTarget{{ruleset: destRuleset, rule: req.DestinationRuleID}}
		case req.DestinationRulesetID != "":
			rules, err := e.tree.Rules(dst, req.DestinationRulesetID)
			if err != nil {
				return nil, err
			}
			for _, id := range rules {
				tc.targets = append(tc.targets, tagTarget{ruleset: req.DestinationRulesetID, rule: id})
			}
		default:
			return nil, &rulestate.ValidationError{Field: "dst_rule_id", Value: req.SourceRuleID, Reason: "a destination rule or ruleset is required"}
		}
		for _, target := range tc.targets {
			if err := pendingDelete(doc, dst, target); err != nil {
				return nil, err
			}
		}
		out = append(out, tc)
	}
	return out, nil
}

// pendingDelete rejects a tag target that is already marked for deletion.
func pendingDelete(doc *rulestate.Document, org string, target tagTarget) error {
	if entry, ok := doc.Entry(org, target.ruleset); ok && entry.Modified == rulestate.ModifiedDeleted {
		return &rulestate.ValidationError{Field: "dst_ruleset_id", Value: target.ruleset, Reason: "ruleset is pending deletion"}
	}
	if change, ok := doc.RuleChange(org, target.ruleset, target.rule); ok && change == rulestate.ChangeDelete {
		return &rulestate.ValidationError{Field: "dst_rule_id", Value: target.rule, Reason: "rule is pending deletion"}
	}
	return nil
}

func (e *Engine) copyRuleset(dst string, rc resolvedRulesetCopy) (CopiedRuleset, error) {
	name, err := uniqueName(rc.ruleset.Name, rc.req.NameSuffix, func(n string) (bool, error) {
		return e.tree.RulesetNameExists(dst, n)
	})
	if err != nil {
		return CopiedRuleset{}, err
	}
	rs := rc.ruleset
	rs.Name = name
	rs.RuleIDs = []string{}
	id := rulestate.NewPlaceholderID()
	if err := e.tree.WriteRuleset(dst, id, rs); err != nil {
		return CopiedRuleset{}, err
	}
	if err := e.ledger.MarkRuleset(dst, id, rulestate.ModifiedTrue); err != nil {
		return CopiedRuleset{}, err
	}
	copied := CopiedRuleset{Source: rc.req.RulesetID, ID: id, Name: name, Rules: []CopiedRule{}}
	for _, member := range rc.members {
		rule, err := e.copyRule(dst, resolvedRuleCopy{
			req:         RuleCopy{RuleID: member.id},
			destRuleset: id,
			rule:        member.rule,
			tags:        member.tags,
		})
		if err != nil {
			return copied, err
		}
		copied.Rules = append(copied.Rules, rule)
	}
	return copied, nil
}

func (e *Engine) copyRule(dst string, rc resolvedRuleCopy) (CopiedRule, error) {
	name, err := uniqueName(rc.rule.Name, rc.req.NameSuffix, func(n string) (bool, error) {
		return e.tree.RuleNameExists(dst, n)
	})
	if err != nil {
		return CopiedRule{}, err
	}
	rule := rc.rule
	rule.Name = name
	tags := rc.tags
	id, err := e.createRuleLocked(dst, rc.destRuleset, rule, &tags)
	if err != nil {
		return CopiedRule{}, err
	}
	return CopiedRule{Source: rc.req.RuleID, ID: id, RulesetID: rc.destRuleset, Name: name}, nil
}

func (e *Engine) copyTags(dst string, tc resolvedTagCopy) (CopiedTags, error) {
	copied := CopiedTags{Source: tc.req.SourceRuleID, Rules: []string{}}
	for _, target := range tc.targets {
		if err := e.tree.WriteTags(dst, target.ruleset, target.rule, tc.tags); err != nil {
			return copied, err
		}
		if err := e.ledger.MarkRule(dst, target.ruleset, target.rule, rulestate.ChangeTags); err != nil {
			return copied, err
		}
		copied.Rules = append(copied.Rules, target.rule)
	}
	return copied, nil
}

// uniqueName applies suffix to name when one is given, then keeps appending
// it (or DefaultCopySuffix) until exists reports no collision.
func uniqueName(name, suffix string, exists func(string) (bool, error)) (string, error) {
	candidate := name
	if suffix != "" {
		candidate += suffix
	} else {
		suffix = DefaultCopySuffix
	}
	for {
		taken, err := exists(candidate)
		if err != nil && !errors.Is(err, rulestate.ErrNotFound) {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate += suffix
	}
}
