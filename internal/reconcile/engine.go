package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emmeowzing/threatstack-rule-manager/internal/remote"
	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

// Committer records a snapshot of the state root after a push.
type Committer interface {
	Commit(ctx context.Context, message string) (bool, error)
}

type Options struct {
	Tree    *rulestate.Tree
	Ledger  *rulestate.Ledger
	Client  remote.Client
	VCS     Committer
	Workers int
	Logger  logrus.FieldLogger
	Metrics *Metrics
	OnEvent func(Event)
}

// Engine owns the state root for one invocation: the Resource Tree, the
// ledger and the remote client. Refresh, Plan, Push, Copy and the local edit
// operations all run through it.
type Engine struct {
	tree    *rulestate.Tree
	ledger  *rulestate.Ledger
	client  remote.Client
	vcs     Committer
	workers int
	logger  logrus.FieldLogger
	metrics *Metrics
	onEvent func(Event)

	// localMu serializes tree and ledger mutations that must stay in step.
	localMu sync.Mutex
}

func New(opts Options) (*Engine, error) {
	if opts.Tree == nil {
		return nil, fmt.Errorf("%w: tree is required", rulestate.ErrInvalidInput)
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", rulestate.ErrInvalidInput)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		tree:    opts.Tree,
		ledger:  opts.Ledger,
		client:  opts.Client,
		vcs:     opts.VCS,
		workers: workers,
		logger:  logger,
		metrics: opts.Metrics,
		onEvent: opts.OnEvent,
	}, nil
}

func (e *Engine) Tree() *rulestate.Tree {
	return e.tree
}

func (e *Engine) Ledger() *rulestate.Ledger {
	return e.ledger
}

func (e *Engine) requireClient() error {
	if e.client == nil {
		return errors.New("remote client is not configured")
	}
	return nil
}

// Workspace returns the default organization, or "" when none is set.
func (e *Engine) Workspace() (string, error) {
	return e.ledger.Workspace()
}

// SetWorkspace points the workspace at org, creating its directory when it
// does not exist yet.
func (e *Engine) SetWorkspace(org string) error {
	if err := rulestate.ValidateOrganizationID(org); err != nil {
		return err
	}
	e.localMu.Lock()
	defer e.localMu.Unlock()
	if err := e.tree.EnsureOrganization(org); err != nil {
		return err
	}
	return e.ledger.SetWorkspace(org)
}

// ResolveOrganization returns org, or the workspace when org is empty.
func (e *Engine) ResolveOrganization(org string) (string, error) {
	if org != "" {
		if err := rulestate.ValidateOrganizationID(org); err != nil {
			return "", err
		}
		return org, nil
	}
	ws, err := e.ledger.Workspace()
	if err != nil {
		return "", err
	}
	if ws == "" {
		return "", &rulestate.ValidationError{Field: "organization", Reason: "no organization given and no workspace set"}
	}
	return ws, nil
}

func (e *Engine) ResolveOrganizations(orgs []string) ([]string, error) {
	if len(orgs) == 0 {
		org, err := e.ResolveOrganization("")
		if err != nil {
			return nil, err
		}
		return []string{org}, nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(orgs))
	for _, org := range orgs {
		if err := rulestate.ValidateOrganizationID(org); err != nil {
			return nil, err
		}
		if seen[org] {
			continue
		}
		seen[org] = true
		out = append(out, org)
	}
	return out, nil
}

// PendingOrganizations lists every organization with ledger entries.
func (e *Engine) PendingOrganizations() ([]string, error) {
	doc, err := e.ledger.Snapshot()
	if err != nil {
		return nil, err
	}
	return doc.OrganizationIDs(), nil
}

func (e *Engine) emit(ev Event) {
	if e.onEvent == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	e.onEvent(ev)
}
