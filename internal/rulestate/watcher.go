package rulestate

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// LocalEdit is a change an operator made to the tree by hand.
type LocalEdit struct {
	Organization string
	Ref          Ref
	Change       string
}

// Watcher turns filesystem notifications under a Tree into LocalEdits.
type Watcher struct {
	tree   *Tree
	fs     *fsnotify.Watcher
	logger logrus.FieldLogger
}

func NewWatcher(tree *Tree, logger logrus.FieldLogger) (*Watcher, error) {
	if tree == nil {
		return nil, errors.New("tree is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{tree: tree, fs: fsw, logger: logger}
	if err := w.addTree(tree.Root()); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) Close() error {
	return w.fs.Close()
}

// Run delivers edits to handle until ctx is cancelled or the underlying
// watcher fails.
func (w *Watcher) Run(ctx context.Context, handle func(LocalEdit)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event, handle)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("tree watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event, handle func(LocalEdit)) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.WithError(err).WithField("path", event.Name).Warn("watch new directory")
			}
			return
		}
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if w.tree.IsEcho(event.Name, time.Now()) {
		return
	}
	edit, ok := w.classify(event.Name)
	if !ok {
		return
	}
	w.logger.WithFields(logrus.Fields{
		"organization": edit.Organization,
		"entity":       edit.Ref.String(),
		"change":       edit.Change,
	}).Debug("local edit detected")
	handle(edit)
}

func (w *Watcher) classify(path string) (LocalEdit, bool) {
	rel, err := filepath.Rel(w.tree.Root(), path)
	if err != nil {
		return LocalEdit{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch {
	case len(parts) == 3 && parts[2] == RulesetFile:
		if !w.validPrefix(parts[:2]) {
			return LocalEdit{}, false
		}
		return LocalEdit{Organization: parts[0], Ref: RulesetRef(parts[1]), Change: string(ModifiedTrue)}, true
	case len(parts) == 4 && (parts[3] == RuleFile || parts[3] == TagsFile):
		if !w.validPrefix(parts[:3]) {
			return LocalEdit{}, false
		}
		change := ChangeRule
		if parts[3] == TagsFile {
			change = ChangeTags
		}
		return LocalEdit{Organization: parts[0], Ref: RuleRef(parts[1], parts[2]), Change: string(change)}, true
	}
	return LocalEdit{}, false
}

func (w *Watcher) validPrefix(parts []string) bool {
	if ValidateOrganizationID(parts[0]) != nil {
		return false
	}
	for _, id := range parts[1:] {
		if ValidateEntityID(id) != nil {
			return false
		}
	}
	return true
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}
