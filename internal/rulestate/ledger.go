package rulestate

import (
	"fmt"
	"sort"
	"sync"
)

type Modified string

const (
	ModifiedFalse   Modified = "false"
	ModifiedTrue    Modified = "true"
	ModifiedDeleted Modified = "del"
)

type Change string

const (
	ChangeRule   Change = "rule"
	ChangeTags   Change = "tags"
	ChangeBoth   Change = "both"
	ChangeDelete Change = "del"
)

type Entry struct {
	Modified Modified          `json:"modified"`
	Rules    map[string]Change `json:"rules"`
}

type Document struct {
	Workspace     string                      `json:"workspace"`
	Organizations map[string]map[string]Entry `json:"organizations"`
}

// Ref addresses a ledger entry: a ruleset, or a rule within a ruleset when
// Rule is set.
type Ref struct {
	Ruleset string
	Rule    string
}

func RulesetRef(ruleset string) Ref {
	return Ref{Ruleset: ruleset}
}

func RuleRef(ruleset, rule string) Ref {
	return Ref{Ruleset: ruleset, Rule: rule}
}

func (r Ref) IsRule() bool {
	return r.Rule != ""
}

func (r Ref) String() string {
	if r.IsRule() {
		return r.Ruleset + "/" + r.Rule
	}
	return r.Ruleset
}

func NewDocument() *Document {
	return &Document{Organizations: map[string]map[string]Entry{}}
}

func (d *Document) Clone() *Document {
	out := &Document{Workspace: d.Workspace, Organizations: make(map[string]map[string]Entry, len(d.Organizations))}
	for org, entries := range d.Organizations {
		cloned := make(map[string]Entry, len(entries))
		for id, entry := range entries {
			rules := make(map[string]Change, len(entry.Rules))
			for rule, change := range entry.Rules {
				rules[rule] = change
			}
			cloned[id] = Entry{Modified: entry.Modified, Rules: rules}
		}
		out.Organizations[org] = cloned
	}
	return out
}

// Entries returns the entries recorded for org, keyed by ruleset.
func (d *Document) Entries(org string) map[string]Entry {
	return d.Organizations[org]
}

func (d *Document) Entry(org, ruleset string) (Entry, bool) {
	entry, ok := d.Organizations[org][ruleset]
	return entry, ok
}

func (d *Document) RuleChange(org, ruleset, rule string) (Change, bool) {
	entry, ok := d.Organizations[org][ruleset]
	if !ok {
		return "", false
	}
	change, ok := entry.Rules[rule]
	return change, ok
}

func (d *Document) OrganizationIDs() []string {
	out := make([]string, 0, len(d.Organizations))
	for org := range d.Organizations {
		out = append(out, org)
	}
	sort.Strings(out)
	return out
}

func (d *Document) HasPending(org string) bool {
	return len(d.Organizations[org]) > 0
}

func (d *Document) markRuleset(org, ruleset string, modified Modified) error {
	entries := d.orgEntries(org)
	entry, exists := entries[ruleset]
	switch {
	case modified == ModifiedDeleted && IsPlaceholder(ruleset):
		delete(entries, ruleset)
	case modified == ModifiedDeleted:
		entries[ruleset] = Entry{Modified: ModifiedDeleted, Rules: map[string]Change{}}
	case exists && entry.Modified == ModifiedDeleted:
		return invalid("ruleset", ruleset, "marked for deletion")
	case !exists:
		entries[ruleset] = Entry{Modified: modified, Rules: map[string]Change{}}
	case modified == ModifiedTrue:
		entry.Modified = ModifiedTrue
		entries[ruleset] = entry
	}
	return nil
}

func (d *Document) markRule(org, ruleset, rule string, change Change) error {
	entries := d.orgEntries(org)
	entry, exists := entries[ruleset]
	if !exists {
		entry = Entry{Modified: ModifiedFalse, Rules: map[string]Change{}}
	}
	if entry.Modified == ModifiedDeleted {
		return invalid("ruleset", ruleset, "marked for deletion")
	}
	if entry.Rules == nil {
		entry.Rules = map[string]Change{}
	}
	current, ok := entry.Rules[rule]
	switch {
	case change == ChangeDelete && IsPlaceholder(rule):
		delete(entry.Rules, rule)
	case change == ChangeDelete:
		entry.Rules[rule] = ChangeDelete
	case ok && current == ChangeDelete:
		return invalid("rule", rule, "marked for deletion")
	default:
		entry.Rules[rule] = mergeChange(current, ok, change)
	}
	entries[ruleset] = entry
	return nil
}

func (d *Document) settleRule(org, ruleset, rule string, done Change) {
	entry, ok := d.Organizations[org][ruleset]
	if !ok {
		return
	}
	current, ok := entry.Rules[rule]
	if !ok {
		return
	}
	remaining := subtractChange(current, done)
	if remaining == "" {
		delete(entry.Rules, rule)
	} else {
		entry.Rules[rule] = remaining
	}
}

func (d *Document) clearRuleset(org, ruleset string) {
	entries := d.Organizations[org]
	entry, ok := entries[ruleset]
	if !ok {
		return
	}
	if entry.Modified == ModifiedDeleted {
		delete(entries, ruleset)
		return
	}
	entry.Modified = ModifiedFalse
	entries[ruleset] = entry
}

func (d *Document) rekey(org string, ref Ref, to string) {
	entries := d.Organizations[org]
	if entries == nil {
		return
	}
	if !ref.IsRule() {
		if entry, ok := entries[ref.Ruleset]; ok {
			delete(entries, ref.Ruleset)
			entries[to] = entry
		}
		return
	}
	entry, ok := entries[ref.Ruleset]
	if !ok {
		return
	}
	if change, ok := entry.Rules[ref.Rule]; ok {
		delete(entry.Rules, ref.Rule)
		entry.Rules[to] = change
	}
}

func (d *Document) orgEntries(org string) map[string]Entry {
	if d.Organizations == nil {
		d.Organizations = map[string]map[string]Entry{}
	}
	entries, ok := d.Organizations[org]
	if !ok {
		entries = map[string]Entry{}
		d.Organizations[org] = entries
	}
	return entries
}

func (d *Document) prune() {
	if d.Organizations == nil {
		d.Organizations = map[string]map[string]Entry{}
	}
	for org, entries := range d.Organizations {
		for id, entry := range entries {
			if entry.Rules == nil {
				entry.Rules = map[string]Change{}
				entries[id] = entry
			}
			if entry.Modified == ModifiedFalse && len(entry.Rules) == 0 {
				delete(entries, id)
			}
		}
		if len(entries) == 0 {
			delete(d.Organizations, org)
		}
	}
}

func mergeChange(current Change, exists bool, next Change) Change {
	if !exists || current == next {
		return next
	}
	return ChangeBoth
}

func subtractChange(current, done Change) Change {
	switch {
	case current == done:
		return ""
	case current == ChangeBoth && done == ChangeRule:
		return ChangeTags
	case current == ChangeBoth && done == ChangeTags:
		return ChangeRule
	default:
		return current
	}
}

func ParseModified(value string) (Modified, error) {
	switch m := Modified(value); m {
	case ModifiedFalse, ModifiedTrue, ModifiedDeleted:
		return m, nil
	}
	return "", invalid("ruleset change", value, "expected true, false or del")
}

func ParseChange(value string) (Change, error) {
	switch c := Change(value); c {
	case ChangeRule, ChangeTags, ChangeBoth, ChangeDelete:
		return c, nil
	}
	return "", invalid("rule change", value, "expected rule, tags, both or del")
}

// Ledger records which local entities differ from remote state. Every
// operation is a full load-modify-save cycle against the backend.
type Ledger struct {
	mu      sync.Mutex
	backend Backend
}

func NewLedger(backend Backend) (*Ledger, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: ledger backend is required", ErrInvalidInput)
	}
	if _, err := compiledLedgerSchema(); err != nil {
		return nil, err
	}
	return &Ledger{backend: backend}, nil
}

func (l *Ledger) Backend() Backend {
	return l.backend
}

func (l *Ledger) Load() (*Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	unlock, err := lockBackend(l.backend)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return l.load()
}

// Snapshot is an alias for Load; the returned document is detached from the
// ledger and safe to read while other goroutines mutate it.
func (l *Ledger) Snapshot() (*Document, error) {
	return l.Load()
}

func (l *Ledger) Save(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil ledger document", ErrInvalidInput)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	unlock, err := lockBackend(l.backend)
	if err != nil {
		return err
	}
	defer unlock()
	clone := doc.Clone()
	clone.prune()
	return l.save(clone)
}

func (l *Ledger) Update(fn func(doc *Document) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	unlock, err := lockBackend(l.backend)
	if err != nil {
		return err
	}
	defer unlock()
	doc, err := l.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	doc.prune()
	return l.save(doc)
}

// Mark records a local change. A ruleset reference takes a Modified value and
// a rule reference takes a Change value.
func (l *Ledger) Mark(org string, ref Ref, change string) error {
	if ref.IsRule() {
		c, err := ParseChange(change)
		if err != nil {
			return err
		}
		return l.MarkRule(org, ref.Ruleset, ref.Rule, c)
	}
	m, err := ParseModified(change)
	if err != nil {
		return err
	}
	return l.MarkRuleset(org, ref.Ruleset, m)
}

func (l *Ledger) MarkRuleset(org, ruleset string, modified Modified) error {
	if err := validateRef(org, RulesetRef(ruleset)); err != nil {
		return err
	}
	if _, err := ParseModified(string(modified)); err != nil {
		return err
	}
	return l.Update(func(doc *Document) error {
		return doc.markRuleset(org, ruleset, modified)
	})
}

func (l *Ledger) MarkRule(org, ruleset, rule string, change Change) error {
	if err := validateRef(org, RuleRef(ruleset, rule)); err != nil {
		return err
	}
	if _, err := ParseChange(string(change)); err != nil {
		return err
	}
	return l.Update(func(doc *Document) error {
		return doc.markRule(org, ruleset, rule, change)
	})
}

// Settle clears the part of a rule's change that has reached the remote. A
// ruleset reference is cleared outright.
func (l *Ledger) Settle(org string, ref Ref, done Change) error {
	if err := validateRef(org, ref); err != nil {
		return err
	}
	if !ref.IsRule() {
		return l.Clear(org, ref)
	}
	return l.Update(func(doc *Document) error {
		doc.settleRule(org, ref.Ruleset, ref.Rule, done)
		return nil
	})
}

// Clear drops a rule's marker, or resets a ruleset's own marker to false.
// Entries and organizations left empty are removed.
func (l *Ledger) Clear(org string, ref Ref) error {
	if err := validateRef(org, ref); err != nil {
		return err
	}
	return l.Update(func(doc *Document) error {
		if ref.IsRule() {
			if entry, ok := doc.Organizations[org][ref.Ruleset]; ok {
				delete(entry.Rules, ref.Rule)
			}
			return nil
		}
		doc.clearRuleset(org, ref.Ruleset)
		return nil
	})
}

// Rekey moves an entry from a placeholder ID to its remote-assigned ID.
func (l *Ledger) Rekey(org string, ref Ref, to string) error {
	if err := validateRef(org, ref); err != nil {
		return err
	}
	if err := ValidateEntityID(to); err != nil {
		return err
	}
	return l.Update(func(doc *Document) error {
		doc.rekey(org, ref, to)
		return nil
	})
}

func (l *Ledger) Workspace() (string, error) {
	doc, err := l.Load()
	if err != nil {
		return "", err
	}
	return doc.Workspace, nil
}

func (l *Ledger) SetWorkspace(org string) error {
	if org != "" {
		if err := ValidateOrganizationID(org); err != nil {
			return err
		}
	}
	return l.Update(func(doc *Document) error {
		doc.Workspace = org
		return nil
	})
}

func (l *Ledger) load() (*Document, error) {
	data, err := l.backend.Load()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return NewDocument(), nil
	}
	if err := ValidateLedgerJSON(data); err != nil {
		return nil, err
	}
	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	doc.prune()
	return doc, nil
}

func (l *Ledger) save(doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := ValidateLedgerJSON(data); err != nil {
		return err
	}
	return l.backend.Save(data)
}

func validateRef(org string, ref Ref) error {
	if err := ValidateOrganizationID(org); err != nil {
		return err
	}
	if err := ValidateEntityID(ref.Ruleset); err != nil {
		return err
	}
	if ref.IsRule() {
		return ValidateEntityID(ref.Rule)
	}
	return nil
}
