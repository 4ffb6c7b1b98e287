package deployment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetkeeper/internal/artifact"
	"fleetkeeper/internal/bootstrap"
	"fleetkeeper/internal/clock"
	"fleetkeeper/internal/configstore"
	"fleetkeeper/internal/dependency"
	"fleetkeeper/internal/ferrors"
	"fleetkeeper/internal/ingress"
	"fleetkeeper/internal/safeupdate"
	"fleetkeeper/internal/status"
	"fleetkeeper/pkg/logging"
)

const (
	defaultValidationTimeout   = 30 * time.Second
	defaultStabilizationWindow = 2 * time.Minute
)

// Deps bundles every collaborator a Controller needs to carry one
// deployment document from QUEUED to a terminal state.
type Deps struct {
	Config     *configstore.Store
	Resolver   *dependency.Resolver
	Catalog    RecipeCatalog
	Components ComponentManager
	SafeUpdate *safeupdate.Scheduler
	Validation ValidationClient
	Status     *status.Reporter
	Bootstrap  *bootstrap.Store
	Clock      clock.Clock
	Log        *logging.Logger
}

// Controller runs the FSM for exactly one deployment.
type Controller struct {
	deps      Deps
	doc       *ingress.Document
	isCancel  func() bool
	active    map[string]string // component name -> version, across all *other* active groups
	groupName string
}

// NewController builds a Controller for doc. active is the current
// name->version assignment resolved from every other active deployment
// group, used as the baseline the resolver reconciles doc's group against.
func NewController(deps Deps, doc *ingress.Document, active map[string]string, isCancel func() bool) *Controller {
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	activeCopy := make(map[string]string, len(active))
	for k, v := range active {
		activeCopy[k] = v
	}
	return &Controller{deps: deps, doc: doc, isCancel: isCancel, active: activeCopy, groupName: doc.GroupName}
}

// Run drives the FSM to completion, reporting every transition to
// deps.Status as it happens.
// It returns the terminal Result and, when the resolved active set
// changed, that new name->version map for the Manager to remember.
func (c *Controller) Run(ctx context.Context) (Result, map[string]string) {
	c.report(StateQueued, "")
	c.report(StatePrefetching, "")

	if c.cancelledPreApply() {
		return c.cancelled(), nil
	}
	resolvedSet, err := c.prefetch(ctx)
	if err != nil {
		return c.fail(err), nil
	}

	c.report(StateResolving, "")
	if c.cancelledPreApply() {
		return c.cancelled(), nil
	}
	assignment, err := c.resolve()
	if err != nil {
		return c.fail(err), nil
	}

	c.report(StateValidating, "")
	if c.cancelledPreApply() {
		return c.cancelled(), nil
	}
	if err := c.validate(ctx, assignment); err != nil {
		return c.fail(err), nil
	}

	c.report(StateWaitingSafe, "")
	if c.cancelledPreApply() {
		return c.cancelled(), nil
	}
	if err := c.waitSafe(ctx, assignment); err != nil {
		return c.fail(err), nil
	}

	// Past this point the deployment may no longer be cancelled with no
	// side effects: APPLYING commits to the config store.
	c.report(StateApplying, "")
	snapshot := c.deps.Config.Snapshot()
	restartNeeded, applyErr := c.apply(ctx, resolvedSet, assignment)
	if applyErr == nil {
		if restartNeeded {
			// The continuation record is already written; the device
			// restarts before the plan executes and the new active set is
			// recorded, so on next startup the daemon re-submits the stored
			// document rather than this deployment being treated as
			// committed now.
			return Result{DeploymentID: c.doc.DeploymentID, State: StateApplying, Detail: "BOOTSTRAP_RESTART_REQUESTED", Restart: true}, nil
		}
		c.report(StateValidated, "")
		c.report(StateCommitted, "SUCCEEDED")
		return Result{DeploymentID: c.doc.DeploymentID, State: StateCommitted, Detail: "SUCCEEDED"}, assignment
	}

	if c.doc.Policies.FailureHandling == ingress.Rollback {
		c.report(StateRollingBack, applyErr.Error())
		if rbErr := c.rollback(ctx, snapshot); rbErr != nil {
			c.deps.Log.Error(rbErr, "deployment %s: rollback failed", c.doc.DeploymentID)
			return c.report(StateFailed, "FAILED_ROLLBACK_NOT_REQUESTED"), nil
		}
		c.report(StateRolledBack, "FAILED_ROLLBACK_COMPLETE")
		return Result{DeploymentID: c.doc.DeploymentID, State: StateRolledBack, Detail: "FAILED_ROLLBACK_COMPLETE"}, nil
	}

	return c.fail(applyErr), nil
}

func (c *Controller) cancelledPreApply() bool {
	return c.isCancel != nil && c.isCancel()
}

func (c *Controller) report(s State, detail string) Result {
	r := Result{DeploymentID: c.doc.DeploymentID, State: s, Detail: detail}
	if c.deps.Status != nil {
		c.deps.Status.ReportDeployment(context.Background(), status.DeploymentStatus{
			DeploymentID: c.doc.DeploymentID, State: string(s), Detail: detail,
		})
	}
	return r
}

func (c *Controller) fail(err error) Result {
	detail := err.Error()
	if kind, ok := ferrors.KindOf(err); ok {
		detail = string(kind)
	}
	return c.report(StateFailed, detail)
}

func (c *Controller) cancelled() Result {
	if c.deps.SafeUpdate != nil {
		c.deps.SafeUpdate.Forget(c.doc.DeploymentID)
	}
	return c.report(StateCancelled, "")
}

// prefetch ensures a recipe and its artifacts are on disk for every
// package named in the deployment document.
// Transitive dependency recipes are fetched lazily by Catalog during
// resolve.
func (c *Controller) prefetch(ctx context.Context) (map[string]artifact.Identifier, error) {
	resolved := make(map[string]artifact.Identifier, len(c.doc.Packages))
	for _, pkg := range c.doc.Packages {
		id := artifact.Identifier{Name: pkg.Name, Version: pkg.Version}
		manifest, err := c.deps.Catalog.Manifest(pkg.Name, pkg.Version)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.KindArtifactFetchFailed, err, fmt.Sprintf("load recipe %s", id))
		}
		if err := c.deps.Components.Prefetch(ctx, id, manifest); err != nil {
			return nil, err
		}
		resolved[pkg.Name] = id
	}
	return resolved, nil
}

// resolve invokes the DependencyResolver over the union of every other
// active group's assignment and this deployment's own packages.
func (c *Controller) resolve() (map[string]string, error) {
	roots := make(map[string][]dependency.Constraint)
	for name, version := range c.active {
		roots[name] = append(roots[name], dependency.Constraint{Range: "=" + version, Origin: "active:" + name})
	}
	for _, pkg := range c.doc.Packages {
		roots[pkg.Name] = append(roots[pkg.Name], dependency.Constraint{Range: "=" + pkg.Version, Origin: c.groupName})
	}
	assignment, err := c.deps.Resolver.Resolve(roots)
	if err != nil {
		switch err.(type) {
		case *dependency.ConflictError:
			return nil, ferrors.Wrap(ferrors.KindVersionConflict, err, "dependency resolution conflict")
		case *dependency.MultipleNucleusError:
			return nil, ferrors.Wrap(ferrors.KindMultipleNucleus, err, "multiple nucleus components resolved")
		default:
			return nil, ferrors.Wrap(ferrors.KindVersionConflict, err, "dependency resolution failed")
		}
	}
	return assignment, nil
}

// validate sends every package this deployment explicitly names to its
// running instance for acceptance; components
// only pulled in transitively are not asked, since their configuration did
// not change.
func (c *Controller) validate(ctx context.Context, assignment map[string]string) error {
	if c.deps.Validation == nil {
		return nil
	}
	timeout := time.Duration(c.doc.Policies.ConfigurationValidationPolicy.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultValidationTimeout
	}
	for _, pkg := range c.doc.Packages {
		vctx, cancel := context.WithTimeout(ctx, timeout)
		outcome := c.deps.Validation.Validate(vctx, pkg.Name, pkg.Configuration)
		done := vctx.Err()
		cancel()
		if done != nil {
			return ferrors.New(ferrors.KindValidationRejected, fmt.Sprintf("%s: validation timed out", pkg.Name))
		}
		if !outcome.OK {
			return ferrors.New(ferrors.KindValidationRejected, fmt.Sprintf("%s: %s", pkg.Name, outcome.Reason))
		}
	}
	return nil
}

// waitSafe asks the SafeUpdateScheduler for admission, looping across
// deferrals until it proceeds, aborts, or ctx is done.
func (c *Controller) waitSafe(ctx context.Context, assignment map[string]string) error {
	if c.deps.SafeUpdate == nil {
		return nil
	}
	affected := affectedComponents(c.active, assignment)
	policy := safeupdatePolicy(c.doc.Policies)
	for {
		decision := c.deps.SafeUpdate.RequestUpdate(ctx, c.doc.DeploymentID, affected, policy)
		switch decision.Kind {
		case safeupdate.Proceed:
			return nil
		case safeupdate.Aborted:
			return ferrors.New(ferrors.KindSafeUpdateAborted, decision.Reason)
		case safeupdate.Deferred:
			until := time.UnixMilli(decision.UntilMs)
			wait := until.Sub(c.deps.Clock.Now())
			if wait <= 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return ferrors.Wrap(ferrors.KindSafeUpdateAborted, ctx.Err(), "safe-update wait cancelled")
			case <-c.deps.Clock.After(wait):
			}
			if c.cancelledPreApply() {
				return ferrors.New(ferrors.KindSafeUpdateAborted, "deployment cancelled while deferred")
			}
		}
	}
}

// apply snapshots then merges the new configuration, executes the phased
// orchestrator plan, and watches for a BROKEN component during the
// post-apply stabilization window.
func (c *Controller) apply(ctx context.Context, resolvedSet map[string]artifact.Identifier, assignment map[string]string) (bool, error) {
	ts := c.deps.Clock.Now().UnixMilli()
	for _, pkg := range c.doc.Packages {
		if pkg.Configuration == nil {
			continue
		}
		path := configstore.ParsePath("components/" + pkg.Name)
		if err := c.deps.Config.Merge(path, configstore.Document(pkg.Configuration), ts); err != nil {
			return false, ferrors.Wrap(ferrors.KindConfigWriteRejected, err, fmt.Sprintf("merge configuration for %s", pkg.Name))
		}
	}

	restartNeeded := false
	for name, id := range resolvedSet {
		manifest, err := c.deps.Catalog.Manifest(name, id.Version)
		if err != nil {
			return false, ferrors.Wrap(ferrors.KindRecipeParse, err, fmt.Sprintf("load recipe %s", id))
		}
		var cfg map[string]interface{}
		for _, pkg := range c.doc.Packages {
			if pkg.Name == name {
				cfg = pkg.Configuration
			}
		}
		if err := c.deps.Components.Ensure(ctx, id, manifest, cfg); err != nil {
			return false, err
		}
		if c.deps.Components.RequiresBootstrap(id) {
			restartNeeded = true
		}
	}

	if restartNeeded && c.deps.Bootstrap != nil {
		raw, err := json.Marshal(c.doc)
		if err != nil {
			return false, fmt.Errorf("deployment: encode continuation document: %w", err)
		}
		hash := bootstrap.HashInput(raw)
		if _, resumed, _ := c.deps.Bootstrap.Resume(hash); resumed {
			// This is the post-restart half of the two-phase apply: the
			// device already restarted for this exact document, so the
			// bootstrap phase is done and the apply continues in place.
			if err := c.deps.Bootstrap.Clear(); err != nil {
				c.deps.Log.Warn("deployment %s: clear continuation: %v", c.doc.DeploymentID, err)
			}
			restartNeeded = false
		} else {
			if err := c.deps.Bootstrap.Write(bootstrap.Continuation{
				DeploymentID: c.doc.DeploymentID,
				InputHash:    hash,
				State:        string(StateApplying),
				Document:     raw,
			}); err != nil {
				return false, fmt.Errorf("deployment: persist continuation: %w", err)
			}
			return true, nil
		}
	} else if restartNeeded {
		return true, nil
	}

	current := c.deps.Components.Active()
	desired := make(map[string]bool, len(assignment))
	for name := range assignment {
		desired[name] = true
	}
	plan, err := c.deps.Components.Graph().Plan(current, desired)
	if err != nil {
		return false, ferrors.Wrap(ferrors.KindPlanCycle, err, "compute orchestrator plan")
	}
	if err := c.deps.Components.Executor().Execute(ctx, plan); err != nil {
		return false, err
	}

	if err := c.stabilize(ctx, desired); err != nil {
		return false, err
	}

	// Components stopped by the plan and absent from the new assignment are
	// gone for good: forget their supervisors and prune their configuration
	// subtree. This happens only after stabilization so a rollback can still
	// restart them.
	for name := range current {
		if desired[name] {
			continue
		}
		if err := c.deps.Components.Remove(ctx, name); err != nil {
			c.deps.Log.Warn("deployment %s: remove %s: %v", c.doc.DeploymentID, name, err)
		}
		if err := c.deps.Config.Remove(configstore.ParsePath("components/" + name)); err != nil {
			c.deps.Log.Warn("deployment %s: prune config for %s: %v", c.doc.DeploymentID, name, err)
		}
	}
	return false, nil
}

// stabilize watches every component in desired for a BROKEN transition
// across the post-apply stabilization window (default 2 minutes).
func (c *Controller) stabilize(ctx context.Context, desired map[string]bool) error {
	deadline := c.deps.Clock.Now().Add(defaultStabilizationWindow)
	ticker := c.deps.Clock.NewTimer(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		for name := range desired {
			if c.deps.Components.Broken(name) {
				return ferrors.New(ferrors.KindRunFailure, fmt.Sprintf("%s entered BROKEN during stabilization", name))
			}
		}
		if !c.deps.Clock.Now().Before(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ferrors.Wrap(ferrors.KindRunFailure, ctx.Err(), "stabilization cancelled")
		case <-ticker.C():
			ticker.Reset(200 * time.Millisecond)
		}
	}
}

// rollback restores the pre-apply config snapshot and reverses whatever
// the plan already started.
func (c *Controller) rollback(ctx context.Context, snapshot configstore.Snapshot) error {
	if err := c.deps.Config.RestorePreservingRuntimeOnly(snapshot); err != nil {
		return err
	}
	current := c.deps.Components.Active()
	desired := make(map[string]bool, len(c.active))
	for name := range c.active {
		desired[name] = true
	}
	plan, err := c.deps.Components.Graph().Plan(current, desired)
	if err != nil {
		return err
	}
	return c.deps.Components.Executor().Execute(ctx, plan)
}

func affectedComponents(active map[string]string, assignment map[string]string) []string {
	var out []string
	for name, version := range assignment {
		if active[name] != version {
			out = append(out, name)
		}
	}
	return out
}

func safeupdatePolicy(p ingress.Policies) safeupdate.Policy {
	action := safeupdate.SkipNotifyComponents
	if p.ComponentUpdatePolicy.Action == ingress.NotifyComponents {
		action = safeupdate.NotifyComponents
	}
	window := time.Duration(p.ComponentUpdatePolicy.TimeoutSec) * time.Second
	return safeupdate.Policy{Action: action, VoteWindow: window}
}
