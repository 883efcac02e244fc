package reconcile

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

type Kind string

const (
	KindRuleset Kind = "ruleset"
	KindRule    Kind = "rule"
	KindTags    Kind = "tags"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// PlanItem is one remote call. RulesetID is the parent ruleset of rule and
// tags items; EntityID is empty for creates, which carry the local
// Placeholder instead.
type PlanItem struct {
	ID           int                `json:"id"`
	Kind         Kind               `json:"kind"`
	Action       Action             `json:"action"`
	Organization string             `json:"organization"`
	RulesetID    string             `json:"rulesetId,omitempty"`
	EntityID     string             `json:"entityId,omitempty"`
	Placeholder  string             `json:"placeholder,omitempty"`
	Ruleset      *rulestate.Ruleset `json:"ruleset,omitempty"`
	Rule         *rulestate.Rule    `json:"rule,omitempty"`
	Tags         *rulestate.Tags    `json:"tags,omitempty"`
	DependsOn    []int              `json:"dependsOn,omitempty"`
}

func (it PlanItem) target() string {
	if it.EntityID != "" {
		return it.EntityID
	}
	return it.Placeholder
}

func (it PlanItem) String() string {
	return fmt.Sprintf("%s %s %s", it.Action, it.Kind, it.target())
}

// Problem is a ledger entry that could not be compiled, usually because its
// local artifact is missing.
type Problem struct {
	Organization string `json:"organization"`
	Entity       string `json:"entity"`
	Message      string `json:"message"`
	Err          error  `json:"-"`
}

type Plan struct {
	Items    []PlanItem `json:"items"`
	Problems []Problem  `json:"problems,omitempty"`
}

func (p *Plan) Empty() bool {
	return len(p.Items) == 0
}

func (p *Plan) Organizations() []string {
	seen := map[string]bool{}
	var out []string
	for _, item := range p.Items {
		if !seen[item.Organization] {
			seen[item.Organization] = true
			out = append(out, item.Organization)
		}
	}
	return out
}

func (p *Plan) Counts() (creates, updates, deletes int) {
	for _, item := range p.Items {
		switch item.Action {
		case ActionCreate:
			creates++
		case ActionUpdate:
			updates++
		case ActionDelete:
			deletes++
		}
	}
	return creates, updates, deletes
}

func (p *Plan) Render(w io.Writer) error {
	var b strings.Builder
	org := ""
	for _, item := range p.Items {
		if item.Organization != org {
			org = item.Organization
			fmt.Fprintf(&b, "organization %s\n", org)
		}
		symbol := "~"
		switch item.Action {
		case ActionCreate:
			symbol = "+"
		case ActionDelete:
			symbol = "-"
		}
		fmt.Fprintf(&b, "  %s %s %s %s", symbol, item.Action, item.Kind, item.target())
		switch {
		case item.Rule != nil:
			fmt.Fprintf(&b, " %q", item.Rule.Name)
		case item.Ruleset != nil:
			fmt.Fprintf(&b, " %q", item.Ruleset.Name)
		}
		if item.Kind != KindRuleset {
			fmt.Fprintf(&b, " (ruleset %s)", item.RulesetID)
		}
		b.WriteString("\n")
	}
	for _, problem := range p.Problems {
		fmt.Fprintf(&b, "  ! %s %s: %s\n", problem.Organization, problem.Entity, problem.Message)
	}
	creates, updates, deletes := p.Counts()
	if p.Empty() {
		b.WriteString("No changes. Local state matches the last refresh.\n")
	} else {
		fmt.Fprintf(&b, "Plan: %d to create, %d to update, %d to delete.\n", creates, updates, deletes)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Plan compiles the ledger entries of orgs (every organization with pending
// entries when empty) into an ordered list of remote calls. The result
// depends only on the ledger and tree contents.
func (e *Engine) Plan(orgs []string) (*Plan, error) {
	doc, err := e.ledger.Snapshot()
	if err != nil {
		return nil, err
	}
	if len(orgs) == 0 {
		orgs = doc.OrganizationIDs()
	} else if orgs, err = e.ResolveOrganizations(orgs); err != nil {
		return nil, err
	}
	orgs = append([]string(nil), orgs...)
	sort.Strings(orgs)

	compiled := make([]*Plan, len(orgs))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, org := range orgs {
		i, org := i, org
		g.Go(func() error {
			compiled[i] = e.compileOrganization(org, doc.Entries(org))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	plan := &Plan{Items: []PlanItem{}}
	for _, part := range compiled {
		offset := len(plan.Items)
		for _, item := range part.Items {
			item.ID += offset
			for j := range item.DependsOn {
				item.DependsOn[j] += offset
			}
			plan.Items = append(plan.Items, item)
		}
		plan.Problems = append(plan.Problems, part.Problems...)
	}
	return plan, nil
}

type planBuilder struct {
	org  string
	tree *rulestate.Tree
	plan *Plan
}

func (b *planBuilder) add(item PlanItem) int {
	item.ID = len(b.plan.Items)
	item.Organization = b.org
	b.plan.Items = append(b.plan.Items, item)
	return item.ID
}

func (b *planBuilder) problem(entity string, err error) {
	b.plan.Problems = append(b.plan.Problems, Problem{
		Organization: b.org,
		Entity:       entity,
		Message:      err.Error(),
		Err:          err,
	})
}

func (e *Engine) compileOrganization(org string, entries map[string]rulestate.Entry) *Plan {
	b := &planBuilder{org: org, tree: e.tree, plan: &Plan{}}
	rulesets := make([]string, 0, len(entries))
	for id := range entries {
		rulesets = append(rulesets, id)
	}
	sort.Strings(rulesets)
	for _, rulesetID := range rulesets {
		b.compileRuleset(rulesetID, entries[rulesetID])
	}
	return b.plan
}

func (b *planBuilder) compileRuleset(rulesetID string, entry rulestate.Entry) {
	if entry.Modified == rulestate.ModifiedDeleted {
		if !rulestate.IsPlaceholder(rulesetID) {
			b.add(PlanItem{Kind: KindRuleset, Action: ActionDelete, EntityID: rulesetID})
		}
		return
	}

	parent := -1
	var update *PlanItem
	newRuleset := rulestate.IsPlaceholder(rulesetID)
	if newRuleset || entry.Modified == rulestate.ModifiedTrue {
		rs, err := b.tree.ReadRuleset(b.org, rulesetID)
		if err != nil {
			b.problem(rulesetID, err)
			if newRuleset {
				return
			}
		} else {
			rs.RuleIDs = rulestate.StripPlaceholders(rs.RuleIDs)
			if newRuleset {
				rs.RuleIDs = []string{}
				parent = b.add(PlanItem{Kind: KindRuleset, Action: ActionCreate, Placeholder: rulesetID, Ruleset: &rs})
			} else {
				update = &PlanItem{Kind: KindRuleset, Action: ActionUpdate, EntityID: rulesetID, Ruleset: &rs}
			}
		}
	}

	rules := make([]string, 0, len(entry.Rules))
	for id := range entry.Rules {
		rules = append(rules, id)
	}
	sort.Strings(rules)

	for _, ruleID := range rules {
		if entry.Rules[ruleID] == rulestate.ChangeDelete && !rulestate.IsPlaceholder(ruleID) {
			b.add(PlanItem{Kind: KindRule, Action: ActionDelete, RulesetID: rulesetID, EntityID: ruleID})
		}
	}
	// new rules land in the ruleset only after its own update
	if update != nil {
		parent = b.add(*update)
	}

	created := map[string]int{}
	for _, ruleID := range rules {
		change := entry.Rules[ruleID]
		newRule := rulestate.IsPlaceholder(ruleID)
		if !newRule && change != rulestate.ChangeRule && change != rulestate.ChangeBoth {
			continue
		}
		if change == rulestate.ChangeDelete {
			continue
		}
		body, err := b.tree.ReadRule(b.org, rulesetID, ruleID)
		if err != nil {
			b.problem(ruleID, err)
			continue
		}
		if newRule {
			item := PlanItem{Kind: KindRule, Action: ActionCreate, RulesetID: rulesetID, Placeholder: ruleID, Rule: &body}
			if parent >= 0 {
				item.DependsOn = []int{parent}
			}
			created[ruleID] = b.add(item)
			continue
		}
		b.add(PlanItem{Kind: KindRule, Action: ActionUpdate, RulesetID: rulesetID, EntityID: ruleID, Rule: &body})
	}

	for _, ruleID := range rules {
		change := entry.Rules[ruleID]
		newRule := rulestate.IsPlaceholder(ruleID)
		if !newRule && change != rulestate.ChangeTags && change != rulestate.ChangeBoth {
			continue
		}
		if change == rulestate.ChangeDelete {
			continue
		}
		item := PlanItem{Kind: KindTags, Action: ActionUpdate, RulesetID: rulesetID, EntityID: ruleID}
		if newRule {
			createdAt, ok := created[ruleID]
			if !ok {
				continue
			}
			item.DependsOn = []int{createdAt}
		}
		tags, err := b.tree.ReadTags(b.org, rulesetID, ruleID)
		if err != nil {
			b.problem(ruleID, err)
			continue
		}
		item.Tags = &tags
		b.add(item)
	}
}
