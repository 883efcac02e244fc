package rulestate

import (
	"bytes"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	RulesetFile = "ruleset.json"
	RuleFile    = "rule.json"
	TagsFile    = "suppressions.json"
	epochFile   = ".epoch"
)

// Tree is the on-disk mirror of remote state:
//
//	<root>/<org>/<ruleset>/ruleset.json
//	<root>/<org>/<ruleset>/<rule>/rule.json
//	<root>/<org>/<ruleset>/<rule>/suppressions.json
//
// Tree does no locking of its own; callers serialize mutations.
type Tree struct {
	root string

	mu                sync.Mutex
	suppressionWindow time.Duration
	suppressions      map[string]time.Time
}

func NewTree(root string) (*Tree, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: tree root is required", ErrInvalidInput)
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Tree{root: root}, nil
}

func (t *Tree) Root() string {
	return t.root
}

func (t *Tree) OrganizationDir(org string) string {
	return filepath.Join(t.root, org)
}

func (t *Tree) RulesetDir(org, ruleset string) string {
	return filepath.Join(t.root, org, ruleset)
}

func (t *Tree) RuleDir(org, ruleset, rule string) string {
	return filepath.Join(t.root, org, ruleset, rule)
}

func (t *Tree) EnsureOrganization(org string) error {
	if err := ValidateOrganizationID(org); err != nil {
		return err
	}
	return os.MkdirAll(t.OrganizationDir(org), 0o755)
}

func (t *Tree) HasOrganization(org string) bool {
	return isDir(t.OrganizationDir(org))
}

func (t *Tree) Organizations() ([]string, error) {
	return listDirs(t.root, func(name string) bool {
		return ValidateOrganizationID(name) == nil
	})
}

func (t *Tree) Rulesets(org string) ([]string, error) {
	if !t.HasOrganization(org) {
		return nil, &NotFoundError{Kind: "organization", ID: org}
	}
	return listDirs(t.OrganizationDir(org), isEntityDir)
}

func (t *Tree) HasRuleset(org, ruleset string) bool {
	return isFile(filepath.Join(t.RulesetDir(org, ruleset), RulesetFile))
}

func (t *Tree) ReadRuleset(org, ruleset string) (Ruleset, error) {
	var out Ruleset
	path := filepath.Join(t.RulesetDir(org, ruleset), RulesetFile)
	if err := readJSON(path, &out); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Ruleset{}, &NotFoundError{Kind: "ruleset", Organization: org, ID: ruleset}
		}
		return Ruleset{}, fmt.Errorf("read ruleset %s: %w", ruleset, err)
	}
	return out, nil
}

func (t *Tree) WriteRuleset(org, ruleset string, rs Ruleset) error {
	if err := ValidateEntityID(ruleset); err != nil {
		return err
	}
	if err := rs.Validate(); err != nil {
		return err
	}
	dir := t.RulesetDir(org, ruleset)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return t.writeJSON(filepath.Join(dir, RulesetFile), rs)
}

func (t *Tree) RemoveRuleset(org, ruleset string) error {
	if !isDir(t.RulesetDir(org, ruleset)) {
		return &NotFoundError{Kind: "ruleset", Organization: org, ID: ruleset}
	}
	return os.RemoveAll(t.RulesetDir(org, ruleset))
}

func (t *Tree) Rules(org, ruleset string) ([]string, error) {
	if !isDir(t.RulesetDir(org, ruleset)) {
		return nil, &NotFoundError{Kind: "ruleset", Organization: org, ID: ruleset}
	}
	return listDirs(t.RulesetDir(org, ruleset), isEntityDir)
}

func (t *Tree) HasRule(org, ruleset, rule string) bool {
	return isFile(filepath.Join(t.RuleDir(org, ruleset, rule), RuleFile))
}

func (t *Tree) ReadRule(org, ruleset, rule string) (Rule, error) {
	var out Rule
	path := filepath.Join(t.RuleDir(org, ruleset, rule), RuleFile)
	if err := readJSON(path, &out); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Rule{}, &NotFoundError{Kind: "rule", Organization: org, ID: rule}
		}
		return Rule{}, fmt.Errorf("read rule %s: %w", rule, err)
	}
	return out, nil
}

func (t *Tree) WriteRule(org, ruleset, rule string, body Rule) error {
	if err := ValidateEntityID(rule); err != nil {
		return err
	}
	if err := body.Validate(); err != nil {
		return err
	}
	if !isDir(t.RulesetDir(org, ruleset)) {
		return &NotFoundError{Kind: "ruleset", Organization: org, ID: ruleset}
	}
	dir := t.RuleDir(org, ruleset, rule)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return t.writeJSON(filepath.Join(dir, RuleFile), body)
}

// ReadTags returns an empty mapping for a rule that has never had tags written.
func (t *Tree) ReadTags(org, ruleset, rule string) (Tags, error) {
	if !t.HasRule(org, ruleset, rule) {
		return Tags{}, &NotFoundError{Kind: "rule", Organization: org, ID: rule}
	}
	var out Tags
	if err := readJSON(filepath.Join(t.RuleDir(org, ruleset, rule), TagsFile), &out); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Tags{}.Normalize(), nil
		}
		return Tags{}, fmt.Errorf("read tags for rule %s: %w", rule, err)
	}
	return out.Normalize(), nil
}

func (t *Tree) WriteTags(org, ruleset, rule string, tags Tags) error {
	if err := tags.Validate(); err != nil {
		return err
	}
	if !t.HasRule(org, ruleset, rule) {
		return &NotFoundError{Kind: "rule", Organization: org, ID: rule}
	}
	return t.writeJSON(filepath.Join(t.RuleDir(org, ruleset, rule), TagsFile), tags.Normalize())
}

func (t *Tree) RemoveRule(org, ruleset, rule string) error {
	if !isDir(t.RuleDir(org, ruleset, rule)) {
		return &NotFoundError{Kind: "rule", Organization: org, ID: rule}
	}
	return os.RemoveAll(t.RuleDir(org, ruleset, rule))
}

// LocateRule returns the ruleset that holds rule within org.
func (t *Tree) LocateRule(org, rule string) (string, error) {
	rulesets, err := t.Rulesets(org)
	if err != nil {
		return "", err
	}
	for _, ruleset := range rulesets {
		if t.HasRule(org, ruleset, rule) {
			return ruleset, nil
		}
	}
	return "", &NotFoundError{Kind: "rule", Organization: org, ID: rule}
}

func (t *Tree) RenameRuleset(org, from, to string) error {
	if err := ValidateEntityID(to); err != nil {
		return err
	}
	if !isDir(t.RulesetDir(org, from)) {
		return &NotFoundError{Kind: "ruleset", Organization: org, ID: from}
	}
	return os.Rename(t.RulesetDir(org, from), t.RulesetDir(org, to))
}

func (t *Tree) RenameRule(org, ruleset, from, to string) error {
	if err := ValidateEntityID(to); err != nil {
		return err
	}
	if !isDir(t.RuleDir(org, ruleset, from)) {
		return &NotFoundError{Kind: "rule", Organization: org, ID: from}
	}
	return os.Rename(t.RuleDir(org, ruleset, from), t.RuleDir(org, ruleset, to))
}

func (t *Tree) ReadEpoch(org string) (string, error) {
	data, err := os.ReadFile(filepath.Join(t.OrganizationDir(org), epochFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (t *Tree) WriteEpoch(org, epoch string) error {
	if err := t.EnsureOrganization(org); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(t.OrganizationDir(org), epochFile), []byte(epoch+"\n"), 0o644)
}

func (t *Tree) RulesetNameExists(org, name string) (bool, error) {
	rulesets, err := t.Rulesets(org)
	if err != nil {
		return false, err
	}
	for _, id := range rulesets {
		rs, err := t.ReadRuleset(org, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return false, err
		}
		if rs.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (t *Tree) RuleNameExists(org, name string) (bool, error) {
	rulesets, err := t.Rulesets(org)
	if err != nil {
		return false, err
	}
	for _, ruleset := range rulesets {
		rules, err := t.Rules(org, ruleset)
		if err != nil {
			return false, err
		}
		for _, id := range rules {
			rule, err := t.ReadRule(org, ruleset, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return false, err
			}
			if rule.Name == name {
				return true, nil
			}
		}
	}
	return false, nil
}

func isEntityDir(name string) bool {
	return ValidateEntityID(name) == nil
}

func listDirs(dir string, keep func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || !keep(name) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// SuppressEchoes makes the tree remember the files it writes for window, so a
// Watcher can ignore the notifications caused by the tool itself.
func (t *Tree) SuppressEchoes(window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suppressionWindow = window
	if t.suppressions == nil {
		t.suppressions = map[string]time.Time{}
	}
}

func (t *Tree) IsEcho(path string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneSuppressionsLocked(now)
	_, ok := t.suppressions[filepath.Clean(path)]
	return ok
}

func (t *Tree) recordWrite(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.suppressionWindow <= 0 {
		return
	}
	now := time.Now()
	t.pruneSuppressionsLocked(now)
	t.suppressions[filepath.Clean(path)] = now.Add(t.suppressionWindow)
}

func (t *Tree) pruneSuppressionsLocked(now time.Time) {
	for key, expiresAt := range t.suppressions {
		if !now.Before(expiresAt) {
			delete(t.suppressions, key)
		}
	}
}

func (t *Tree) writeJSON(path string, v any) error {
	t.recordWrite(path)
	return writeJSON(path, v)
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := stdjson.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	return writeFileAtomic(path, buf.Bytes(), 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
