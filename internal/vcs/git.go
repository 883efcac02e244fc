package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/go-diff/diff"
)

const (
	fallbackAuthorName  = "tsctl"
	fallbackAuthorEmail = "tsctl@localhost"
)

var gitignoreLines = []string{"*.lock", ".*.tmp-*"}

// Git drives the git working copy that versions the state root.
type Git struct {
	dir     string
	timeout time.Duration

	commitMu sync.Mutex
}

type StatusEntry struct {
	Code string `json:"code"`
	Path string `json:"path"`
}

type FileChange struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
}

type Commit struct {
	Hash    string    `json:"hash"`
	Time    time.Time `json:"time"`
	Subject string    `json:"subject"`
}

func NewGit(dir string, timeout time.Duration) (*Git, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Git{dir: abs, timeout: timeout}, nil
}

func (g *Git) Dir() string {
	return g.dir
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s: timeout after %v", args[0], g.timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (g *Git) IsRepo(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return false
	}
	top, err := filepath.EvalSymlinks(strings.TrimSpace(out))
	if err != nil {
		return false
	}
	dir, err := filepath.EvalSymlinks(g.dir)
	if err != nil {
		return false
	}
	return top == dir
}

// Init creates the repository if needed and makes sure lock and temp files
// are ignored.
func (g *Git) Init(ctx context.Context) error {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return err
	}
	if !g.IsRepo(ctx) {
		if _, err := g.run(ctx, "init"); err != nil {
			return err
		}
	}
	return g.ensureGitignore()
}

func (g *Git) ensureGitignore() error {
	path := filepath.Join(g.dir, ".gitignore")
	current, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	existing := map[string]bool{}
	for _, line := range strings.Split(string(current), "\n") {
		existing[strings.TrimSpace(line)] = true
	}
	var missing []string
	for _, line := range gitignoreLines {
		if !existing[line] {
			missing = append(missing, line)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	content := string(current)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += strings.Join(missing, "\n") + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

// Commit stages everything under the working copy and commits it. It
// reports false when there was nothing to commit.
func (g *Git) Commit(ctx context.Context, message string) (bool, error) {
	g.commitMu.Lock()
	defer g.commitMu.Unlock()

	if _, err := g.run(ctx, "add", "-A", "."); err != nil {
		return false, err
	}
	if _, err := g.run(ctx, "diff", "--cached", "--quiet"); err == nil {
		return false, nil
	}
	args := g.identityArgs(ctx)
	args = append(args, "commit", "--quiet", "-m", message)
	if _, err := g.run(ctx, args...); err != nil {
		return false, err
	}
	return true, nil
}

func (g *Git) identityArgs(ctx context.Context) []string {
	if out, err := g.run(ctx, "config", "user.email"); err == nil && strings.TrimSpace(out) != "" {
		return nil
	}
	return []string{"-c", "user.name=" + fallbackAuthorName, "-c", "user.email=" + fallbackAuthorEmail}
}

func (g *Git) Status(ctx context.Context) ([]StatusEntry, error) {
	out, err := g.run(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	var entries []StatusEntry
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		entries = append(entries, StatusEntry{Code: strings.TrimSpace(line[:2]), Path: strings.TrimSpace(line[3:])})
	}
	return entries, nil
}

// Diff summarizes uncommitted changes to tracked files below the given paths.
func (g *Git) Diff(ctx context.Context, paths ...string) ([]FileChange, error) {
	args := []string{"diff", "--no-color"}
	if g.hasHead(ctx) {
		args = append(args, "HEAD")
	}
	args = append(args, "--")
	args = append(args, paths...)
	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return ParseDiff(out)
}

func ParseDiff(patch string) ([]FileChange, error) {
	if strings.TrimSpace(patch) == "" {
		return nil, nil
	}
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	changes := make([]FileChange, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		name := fd.NewName
		if name == "" || name == "/dev/null" {
			name = fd.OrigName
		}
		change := FileChange{Path: strings.TrimPrefix(strings.TrimPrefix(name, "b/"), "a/")}
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					change.Added++
				case strings.HasPrefix(line, "-"):
					change.Deleted++
				}
			}
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// History lists commits touching path, newest first.
func (g *Git) History(ctx context.Context, path string, limit int) ([]Commit, error) {
	if !g.hasHead(ctx) {
		return nil, nil
	}
	args := []string{"log", "--format=%H%x1f%ct%x1f%s"}
	if limit > 0 {
		args = append(args, "-n", strconv.Itoa(limit))
	}
	args = append(args, "--")
	if path != "" {
		args = append(args, path)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var commits []Commit
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.SplitN(line, "\x1f", 3)
		if len(fields) != 3 {
			continue
		}
		seconds, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse commit time %q: %w", fields[1], err)
		}
		commits = append(commits, Commit{Hash: fields[0], Time: time.Unix(seconds, 0).UTC(), Subject: fields[2]})
	}
	return commits, nil
}

func (g *Git) hasHead(ctx context.Context) bool {
	_, err := g.run(ctx, "rev-parse", "--verify", "--quiet", "HEAD")
	return err == nil
}
