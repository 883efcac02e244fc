package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/emmeowzing/threatstack-rule-manager/internal/remote"
	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

var (
	ErrDependencyFailed = errors.New("dependency failed")
	ErrAborted          = errors.New("push aborted")
)

// DependencyError marks an item that was never sent because an item it
// depends on failed.
type DependencyError struct {
	Parent PlanItem
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency failed: %s", e.Parent)
}

func (e *DependencyError) Is(target error) bool {
	return target == ErrDependencyFailed
}

type ItemResult struct {
	Item     PlanItem `json:"item"`
	RemoteID string   `json:"remoteId,omitempty"`
	Error    string   `json:"error,omitempty"`
	Err      error    `json:"-"`
}

func (r ItemResult) Succeeded() bool {
	return r.Err == nil
}

type OrganizationPushReport struct {
	Organization string       `json:"organization"`
	Succeeded    int          `json:"succeeded"`
	Failed       int          `json:"failed"`
	Committed    bool         `json:"committed"`
	CommitError  string       `json:"commitError,omitempty"`
	Results      []ItemResult `json:"results"`
}

type PushReport struct {
	Organizations []OrganizationPushReport `json:"organizations"`
	Problems      []Problem                `json:"problems,omitempty"`
}

func (r *PushReport) Succeeded() int {
	n := 0
	for _, org := range r.Organizations {
		n += org.Succeeded
	}
	return n
}

func (r *PushReport) Failed() int {
	n := 0
	for _, org := range r.Organizations {
		n += org.Failed
	}
	return n
}

// Failures returns every failed item in plan order.
func (r *PushReport) Failures() []ItemResult {
	var out []ItemResult
	for _, org := range r.Organizations {
		for _, res := range org.Results {
			if !res.Succeeded() {
				out = append(out, res)
			}
		}
	}
	return out
}

// Push compiles a plan for orgs (every organization with pending changes when
// empty) and executes it against the remote. Items
// that fail are reported and leave their ledger entries in place; every
// success clears its own entry. An error is returned only when local state
// could not be updated, in which case the report still describes the calls
// that were made.
func (e *Engine) Push(ctx context.Context, orgs []string) (*PushReport, error) {
	if err := e.requireClient(); err != nil {
		return nil, err
	}
	plan, err := e.Plan(orgs)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, plan)
}

// Execute runs a compiled plan. Items run on a bounded worker pool once their
// dependencies have succeeded.
func (e *Engine) Execute(ctx context.Context, plan *Plan) (*PushReport, error) {
	if err := e.requireClient(); err != nil {
		return nil, err
	}
	x := newExecution(ctx, e, plan.Items)
	fatal := x.run()
	report := &PushReport{Problems: plan.Problems}
	for _, org := range plan.Organizations() {
		report.Organizations = append(report.Organizations, *x.orgs[org])
	}
	return report, fatal
}

type pushJob struct {
	index int
	item  PlanItem
}

type pushOutcome struct {
	index    int
	remoteID string
	err      error
}

// execution is the collector side of a push. Only the goroutine in run
// touches its fields; workers see jobs and send outcomes.
type execution struct {
	engine  *Engine
	ctx     context.Context
	callCtx context.Context
	items   []PlanItem

	results    []ItemResult
	dispatched []PlanItem
	settled    []bool
	waiting    []int
	dependents [][]int
	ready      []int
	remaining  int

	// placeholder to remote ID for creates that already succeeded
	resolved     map[string]string
	orgRemaining map[string]int
	orgs         map[string]*OrganizationPushReport
	fatal        error
}

func newExecution(ctx context.Context, e *Engine, items []PlanItem) *execution {
	x := &execution{
		engine:       e,
		ctx:          ctx,
		callCtx:      remote.DetachCalls(ctx),
		items:        items,
		results:      make([]ItemResult, len(items)),
		dispatched:   make([]PlanItem, len(items)),
		settled:      make([]bool, len(items)),
		waiting:      make([]int, len(items)),
		dependents:   make([][]int, len(items)),
		remaining:    len(items),
		resolved:     map[string]string{},
		orgRemaining: map[string]int{},
		orgs:         map[string]*OrganizationPushReport{},
	}
	for i, item := range items {
		x.results[i] = ItemResult{Item: item}
		x.waiting[i] = len(item.DependsOn)
		for _, dep := range item.DependsOn {
			x.dependents[dep] = append(x.dependents[dep], i)
		}
		if x.waiting[i] == 0 {
			x.ready = append(x.ready, i)
		}
		x.orgRemaining[item.Organization]++
		if _, ok := x.orgs[item.Organization]; !ok {
			x.orgs[item.Organization] = &OrganizationPushReport{Organization: item.Organization, Results: []ItemResult{}}
		}
	}
	return x
}

func (x *execution) run() error {
	if len(x.items) == 0 {
		return nil
	}
	workers := x.engine.workers
	if workers > len(x.items) {
		workers = len(x.items)
	}
	// jobs is unbuffered so an item is only handed over once a worker is
	// idle, and the deadline is checked before every hand-over.
	jobs := make(chan pushJob)
	outcomes := make(chan pushOutcome, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				id, err := x.engine.call(x.callCtx, job.item)
				outcomes <- pushOutcome{index: job.index, remoteID: id, err: err}
			}
		}()
	}

	inflight := 0
	for x.remaining > 0 {
		x.failReady()
		if len(x.ready) == 0 {
			if inflight == 0 {
				break
			}
			x.handle(<-outcomes)
			inflight--
			continue
		}
		i := x.ready[0]
		item := x.resolve(x.items[i])
		select {
		case jobs <- pushJob{index: i, item: item}:
			x.ready = x.ready[1:]
			x.dispatched[i] = item
			inflight++
		case out := <-outcomes:
			x.handle(out)
			inflight--
		case <-x.ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()
	return x.fatal
}

// failReady settles every ready item without sending it once local state is
// broken or the caller's deadline has passed.
func (x *execution) failReady() {
	var reason error
	switch {
	case x.fatal != nil:
		reason = ErrAborted
	case x.ctx.Err() != nil:
		reason = deadlineError(x.ctx.Err())
	default:
		return
	}
	for len(x.ready) > 0 {
		i := x.ready[0]
		x.ready = x.ready[1:]
		x.fail(i, reason)
	}
}

func deadlineError(err error) error {
	return fmt.Errorf("not sent before deadline: %w", err)
}

func (x *execution) resolve(item PlanItem) PlanItem {
	if id, ok := x.resolved[item.RulesetID]; ok {
		item.RulesetID = id
	}
	if id, ok := x.resolved[item.EntityID]; ok {
		item.EntityID = id
	}
	return item
}

func (x *execution) handle(out pushOutcome) {
	item := x.dispatched[out.index]
	err := out.err
	if err != nil && item.Action == ActionDelete && errors.Is(err, rulestate.ErrNotFound) {
		err = nil
	}
	// calls run detached, so a context error that is not a remote failure
	// means the item never left the rate gate before the deadline
	if err != nil && !errors.Is(err, remote.ErrRemote) && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = deadlineError(err)
	}
	if err != nil {
		x.fail(out.index, err)
		return
	}
	if localErr := x.engine.applySuccess(item, out.remoteID, x.resolved); localErr != nil {
		x.engine.logger.WithError(localErr).WithFields(logrus.Fields{
			"organization": item.Organization,
			"item":         item.String(),
		}).Error("remote change applied but local state could not be updated")
		if x.fatal == nil {
			x.fatal = localErr
		}
	}
	x.succeed(out.index, out.remoteID)
}

func (x *execution) succeed(i int, remoteID string) {
	x.results[i].RemoteID = remoteID
	item := x.results[i].Item
	x.engine.metrics.observeItem(item, nil)
	x.engine.emit(Event{Type: EventItemSucceeded, Organization: item.Organization, Item: &item})
	x.finish(i)
	for _, dep := range x.dependents[i] {
		x.waiting[dep]--
		if x.waiting[dep] == 0 && !x.settled[dep] {
			x.ready = append(x.ready, dep)
		}
	}
}

func (x *execution) fail(i int, err error) {
	if x.settled[i] {
		return
	}
	x.results[i].Err = err
	x.results[i].Error = err.Error()
	item := x.results[i].Item
	x.engine.logger.WithError(err).WithFields(logrus.Fields{
		"organization": item.Organization,
		"item":         item.String(),
	}).Warn("push item failed")
	x.engine.metrics.observeItem(item, err)
	x.engine.emit(Event{Type: EventItemFailed, Organization: item.Organization, Item: &item, Error: err.Error()})
	x.finish(i)
	for _, dep := range x.dependents[i] {
		x.fail(dep, &DependencyError{Parent: item})
	}
}

func (x *execution) finish(i int) {
	x.settled[i] = true
	x.remaining--
	res := x.results[i]
	org := x.orgs[res.Item.Organization]
	if res.Succeeded() {
		org.Succeeded++
	} else {
		org.Failed++
	}
	x.orgRemaining[res.Item.Organization]--
	if x.orgRemaining[res.Item.Organization] == 0 {
		x.finishOrganization(org)
	}
}

func (x *execution) finishOrganization(org *OrganizationPushReport) {
	for i, res := range x.results {
		if x.settled[i] && res.Item.Organization == org.Organization {
			org.Results = append(org.Results, res)
		}
	}
	e := x.engine
	e.emit(Event{
		Type:         EventPushFinished,
		Organization: org.Organization,
		Message:      fmt.Sprintf("%d succeeded, %d failed", org.Succeeded, org.Failed),
	})
	if org.Succeeded == 0 || e.vcs == nil {
		return
	}
	message := fmt.Sprintf("push %s: %d succeeded, %d failed", org.Organization, org.Succeeded, org.Failed)
	committed, err := e.vcs.Commit(x.callCtx, message)
	if err != nil {
		org.CommitError = err.Error()
		e.logger.WithError(err).WithField("organization", org.Organization).Warn("commit after push failed")
		return
	}
	org.Committed = committed
	if committed {
		e.emit(Event{Type: EventCommitted, Organization: org.Organization, Message: message})
	}
}

func (e *Engine) call(ctx context.Context, item PlanItem) (string, error) {
	org := item.Organization
	switch {
	case item.Kind == KindRuleset && item.Action == ActionCreate:
		return e.client.CreateRuleset(ctx, org, *item.Ruleset)
	case item.Kind == KindRuleset && item.Action == ActionUpdate:
		return "", e.client.UpdateRuleset(ctx, org, item.EntityID, *item.Ruleset)
	case item.Kind == KindRuleset && item.Action == ActionDelete:
		return "", e.client.DeleteRuleset(ctx, org, item.EntityID)
	case item.Kind == KindRule && item.Action == ActionCreate:
		return e.client.CreateRule(ctx, org, item.RulesetID, *item.Rule)
	case item.Kind == KindRule && item.Action == ActionUpdate:
		return "", e.client.UpdateRule(ctx, org, item.RulesetID, item.EntityID, *item.Rule)
	case item.Kind == KindRule && item.Action == ActionDelete:
		return "", e.client.DeleteRule(ctx, org, item.RulesetID, item.EntityID)
	case item.Kind == KindTags && item.Action == ActionUpdate:
		return "", e.client.UpdateTags(ctx, org, item.RulesetID, item.EntityID, *item.Tags)
	}
	return "", fmt.Errorf("%w: unsupported plan item %s", rulestate.ErrInvalidInput, item)
}

// applySuccess folds a successful call back into the tree and the ledger.
// Creates move the placeholder directory to the remote-assigned ID and
// record the mapping in resolved for dependent items.
func (e *Engine) applySuccess(item PlanItem, remoteID string, resolved map[string]string) error {
	e.localMu.Lock()
	defer e.localMu.Unlock()
	org := item.Organization
	switch {
	case item.Kind == KindRuleset && item.Action == ActionCreate:
		if err := e.tree.RenameRuleset(org, item.Placeholder, remoteID); err != nil {
			return err
		}
		resolved[item.Placeholder] = remoteID
		if err := e.ledger.Rekey(org, rulestate.RulesetRef(item.Placeholder), remoteID); err != nil {
			return err
		}
		return e.ledger.Clear(org, rulestate.RulesetRef(remoteID))
	case item.Kind == KindRuleset:
		return e.ledger.Clear(org, rulestate.RulesetRef(item.EntityID))
	case item.Kind == KindRule && item.Action == ActionCreate:
		if err := e.tree.RenameRule(org, item.RulesetID, item.Placeholder, remoteID); err != nil {
			return err
		}
		resolved[item.Placeholder] = remoteID
		if err := e.replaceRuleID(org, item.RulesetID, item.Placeholder, remoteID); err != nil {
			return err
		}
		if err := e.ledger.Rekey(org, rulestate.RuleRef(item.RulesetID, item.Placeholder), remoteID); err != nil {
			return err
		}
		return e.ledger.Settle(org, rulestate.RuleRef(item.RulesetID, remoteID), rulestate.ChangeRule)
	case item.Kind == KindRule && item.Action == ActionUpdate:
		return e.ledger.Settle(org, rulestate.RuleRef(item.RulesetID, item.EntityID), rulestate.ChangeRule)
	case item.Kind == KindRule && item.Action == ActionDelete:
		return e.ledger.Settle(org, rulestate.RuleRef(item.RulesetID, item.EntityID), rulestate.ChangeDelete)
	case item.Kind == KindTags:
		return e.ledger.Settle(org, rulestate.RuleRef(item.RulesetID, item.EntityID), rulestate.ChangeTags)
	}
	return nil
}

func (e *Engine) replaceRuleID(org, ruleset, from, to string) error {
	rs, err := e.tree.ReadRuleset(org, ruleset)
	if err != nil {
		return err
	}
	replaced := false
	for i, id := range rs.RuleIDs {
		if id == from {
			rs.RuleIDs[i] = to
			replaced = true
		}
	}
	if !replaced {
		rs.RuleIDs = append(rs.RuleIDs, to)
	}
	return e.tree.WriteRuleset(org, ruleset, rs)
}
