// Package orchestrator coordinates the full project lifecycle: requirement
// intake, team formation, checkpoint gating, dependency-ordered dispatch and
// delivery. It owns the per-project run state; everything durable goes
// through the store and everything observable goes through the bus.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/veloxhq/conductor/internal/bus"
	"github.com/veloxhq/conductor/internal/checkpoint"
	"github.com/veloxhq/conductor/internal/config"
	"github.com/veloxhq/conductor/internal/decomposer"
	cerrors "github.com/veloxhq/conductor/internal/errors"
	"github.com/veloxhq/conductor/internal/loop"
	"github.com/veloxhq/conductor/internal/model"
	"github.com/veloxhq/conductor/internal/notify"
	"github.com/veloxhq/conductor/internal/session"
	"github.com/veloxhq/conductor/internal/store"
)

// Coordinator drives projects from submission to delivery.
type Coordinator struct {
	cfg      *config.Config
	sessions *session.Manager
	dec      *decomposer.Decomposer
	store    *store.Store
	events   *bus.Bus
	notifier notify.Notifier
	logger   zerolog.Logger

	mu   sync.RWMutex
	runs map[string]*run

	wg sync.WaitGroup
}

// stuckStage records a stage that exhausted its fix budget and waits for an
// operator decision.
type stuckStage struct {
	stage   loop.Stage
	retry   model.RetryState
	depWait bool // stalled waiting on a dependency, not on its own work
}

// run is the in-memory state of one live project.
type run struct {
	mu      sync.Mutex
	project *model.Project
	plan    *decomposer.Plan
	machine *checkpoint.Machine
	gate    *gate
	cancel  context.CancelFunc

	pendingStage model.Stage              // stage of the checkpoint awaiting a human
	done         map[string]chan struct{} // roleID → closed when the role's work succeeded
	stuck        map[string]*stuckStage   // roleID → stalled stage
	retryCh      chan string              // roleID to retry
	queued       map[string]bool          // roleID → retry already enqueued
}

// New creates a coordinator. The notifier may be nil; notifications are then
// dropped.
func New(cfg *config.Config, sessions *session.Manager, dec *decomposer.Decomposer, st *store.Store, events *bus.Bus, notifier notify.Notifier, logger zerolog.Logger) *Coordinator {
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Coordinator{
		cfg:      cfg,
		sessions: sessions,
		dec:      dec,
		store:    st,
		events:   events,
		notifier: notifier,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		runs:     make(map[string]*run),
	}
}

// Submit validates and decomposes a requirement, creates the project and its
// team, and raises the plan checkpoint. It returns once the team is formed;
// the rest of the lifecycle runs in the background.
func (c *Coordinator) Submit(ctx context.Context, requirement string) (*model.Project, error) {
	plan, err := c.dec.Decompose(requirement)
	if err != nil {
		return nil, err
	}

	p := model.NewProject(requirement)
	p.Name = plan.Summary

	workspace, err := prepareWorkspace(c.cfg.WorkspaceRoot, p, plan)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	p.Workspace = workspace

	if err := c.store.SaveProject(p); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		project: p,
		plan:    plan,
		machine: checkpoint.NewMachine(p.ID, c.cfg.Checkpoints(), c.events, c.remindCheckpoint, c.logger),
		gate:    newGate(),
		cancel:  cancel,
		done:    make(map[string]chan struct{}),
		stuck:   make(map[string]*stuckStage),
		retryCh: make(chan string, len(plan.Roles)),
		queued:  make(map[string]bool),
	}
	for _, roleID := range plan.Roles {
		r.done[roleID] = make(chan struct{})
	}

	c.mu.Lock()
	c.runs[p.ID] = r
	c.mu.Unlock()

	c.events.Publish(bus.Event{ProjectID: p.ID, Type: bus.TypeProjectCreated, Payload: p})
	c.postSystem(p.ID, fmt.Sprintf("Project created: %s", plan.Summary), nil)

	if err := c.formTeam(ctx, r); err != nil {
		c.failProject(r, fmt.Sprintf("team formation failed: %v", err))
		return nil, err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.awaitPlanDecision(runCtx, r)
	}()

	return c.snapshotProject(r), nil
}

// formTeam creates one session per planned role and moves the project to
// forming. Sessions come up in dependency order so the team list is stable.
func (c *Coordinator) formTeam(ctx context.Context, r *run) error {
	p := r.project
	reg := c.dec.Registry()
	for _, roleID := range r.plan.Roles {
		def, ok := reg.Get(roleID)
		if !ok {
			return fmt.Errorf("unknown role %q: %w", roleID, cerrors.ErrNotFound)
		}
		member, err := c.sessions.CreateSession(ctx, p.ID, def.Role, roleWorkspace(p.Workspace, roleID))
		if err != nil {
			return fmt.Errorf("create session for %s: %w", roleID, err)
		}
		r.mu.Lock()
		p.Team = append(p.Team, member)
		r.mu.Unlock()
	}

	if err := r.machine.Transition(model.ProjectForming, "team assembled"); err != nil {
		return err
	}
	r.mu.Lock()
	p.Status = model.ProjectForming
	r.mu.Unlock()
	if err := c.store.SaveProject(p); err != nil {
		return err
	}

	c.events.Publish(bus.Event{
		ProjectID: p.ID,
		Type:      bus.TypeTeamFormed,
		Payload:   bus.TeamFormedPayload{ProjectID: p.ID, Team: c.sessions.ProjectTeam(p.ID)},
	})
	c.postSystem(p.ID, fmt.Sprintf("Team formed: %s", joinRoles(r.plan.Roles)), nil)
	return nil
}

// awaitPlanDecision raises the plan checkpoint and reacts to its outcome.
func (c *Coordinator) awaitPlanDecision(ctx context.Context, r *run) {
	r.mu.Lock()
	r.pendingStage = model.StagePlan
	r.mu.Unlock()

	decided := r.machine.Arm(model.StagePlan)
	c.persistCheckpoint(r, model.StagePlan)
	c.notifyCheckpoint(ctx, r, model.StagePlan)

	select {
	case <-ctx.Done():
		return
	case decision := <-decided:
		c.persistCheckpoint(r, model.StagePlan)
		r.mu.Lock()
		r.pendingStage = ""
		r.mu.Unlock()

		switch decision {
		case model.CheckpointConfirmed:
			c.startPipeline(ctx, r)
		case model.CheckpointRejected:
			c.rollbackToPlanning(r)
		}
	}
}

// rollbackToPlanning tears the team down after a rejected plan so the
// requirement can be edited and resubmitted.
func (c *Coordinator) rollbackToPlanning(r *run) {
	p := r.project
	r.cancel()
	c.sessions.TerminateAll(context.Background(), p.ID)
	if err := r.machine.Transition(model.ProjectPlanning, "plan rejected"); err != nil {
		c.logger.Error().Err(err).Str("project_id", p.ID).Msg("rollback transition failed")
		return
	}
	r.mu.Lock()
	p.Status = model.ProjectPlanning
	p.Team = p.Team[:0]
	r.mu.Unlock()
	if err := c.store.SaveProject(p); err != nil {
		c.logger.Error().Err(err).Str("project_id", p.ID).Msg("persist rollback failed")
	}
	c.postSystem(p.ID, "Plan rejected. Update the requirement to plan again.", nil)
}

// UpdateRequirement replaces the requirement of a project sitting in
// planning and re-runs decomposition and team formation.
func (c *Coordinator) UpdateRequirement(ctx context.Context, projectID, requirement string) (*model.Project, error) {
	r, err := c.getRun(projectID)
	if err != nil {
		return nil, err
	}
	if status := r.machine.Status(); status != model.ProjectPlanning {
		return nil, fmt.Errorf("requirement is editable only while planning, project is %s: %w", status, cerrors.ErrIllegalState)
	}

	plan, err := c.dec.Decompose(requirement)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.project.Requirement = requirement
	r.plan = plan
	r.done = make(map[string]chan struct{})
	r.stuck = make(map[string]*stuckStage)
	r.queued = make(map[string]bool)
	for _, roleID := range plan.Roles {
		r.done[roleID] = make(chan struct{})
	}
	p := r.project
	r.mu.Unlock()

	if err := c.store.UpdateRequirement(projectID, requirement); err != nil {
		return nil, err
	}
	if err := writeRequirement(p.Workspace, p, plan); err != nil {
		return nil, err
	}
	c.events.Publish(bus.Event{
		ProjectID: projectID,
		Type:      bus.TypeRequirementsUpdated,
		Payload:   bus.RequirementsPayload{ProjectID: projectID, Requirements: requirement},
	})
	c.postSystem(projectID, "Requirement updated; planning again.", nil)

	if err := c.formTeam(ctx, r); err != nil {
		c.failProject(r, fmt.Sprintf("team formation failed: %v", err))
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.awaitPlanDecision(runCtx, r)
	}()
	return c.snapshotProject(r), nil
}

// Confirm resolves the checkpoint currently awaiting a decision.
func (c *Coordinator) Confirm(projectID, by string) error {
	r, err := c.getRun(projectID)
	if err != nil {
		return err
	}
	stage := r.currentPending()
	if stage == "" {
		return fmt.Errorf("no checkpoint awaiting decision: %w", cerrors.ErrIllegalState)
	}
	return r.machine.Confirm(stage, by)
}

// Reject resolves the checkpoint currently awaiting a decision negatively.
func (c *Coordinator) Reject(projectID, by string) error {
	r, err := c.getRun(projectID)
	if err != nil {
		return err
	}
	stage := r.currentPending()
	if stage == "" {
		return fmt.Errorf("no checkpoint awaiting decision: %w", cerrors.ErrIllegalState)
	}
	return r.machine.Reject(stage, by)
}

// Pause suspends dispatching. In-flight work finishes; nothing new starts
// until Resume.
func (c *Coordinator) Pause(projectID string) error {
	r, err := c.getRun(projectID)
	if err != nil {
		return err
	}
	if err := r.machine.Transition(model.ProjectPaused, "paused by user"); err != nil {
		return err
	}
	r.gate.close()
	c.syncStatus(r, model.ProjectPaused)
	c.postSystem(projectID, "Project paused.", nil)
	return nil
}

// Resume reopens a paused project.
func (c *Coordinator) Resume(projectID string) error {
	r, err := c.getRun(projectID)
	if err != nil {
		return err
	}
	if err := r.machine.Transition(model.ProjectRunning, "resumed by user"); err != nil {
		return err
	}
	r.gate.open()
	c.syncStatus(r, model.ProjectRunning)
	c.postSystem(projectID, "Project resumed.", nil)
	return nil
}

// Stop aborts a project. Sessions are terminated and the project fails with
// a stop reason; stop is not a graceful completion.
func (c *Coordinator) Stop(projectID string) error {
	r, err := c.getRun(projectID)
	if err != nil {
		return err
	}
	c.failProject(r, "stopped by user")
	return nil
}

// Retry re-runs every stuck stage with a fresh fix budget. A role whose
// retry is already queued is skipped, so repeated calls coalesce instead of
// piling up or blocking the caller.
func (c *Coordinator) Retry(projectID string) error {
	r, err := c.getRun(projectID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if len(r.stuck) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("nothing to retry: %w", cerrors.ErrIllegalState)
	}
	var roles []string
	for roleID := range r.stuck {
		if r.queued[roleID] {
			continue
		}
		r.queued[roleID] = true
		roles = append(roles, roleID)
	}
	r.mu.Unlock()

	if len(roles) == 0 {
		// Everything stuck already has a retry in flight.
		return nil
	}
	for _, roleID := range roles {
		select {
		case r.retryCh <- roleID:
		default:
			// The buffer holds one slot per role and queued dedups, so a
			// full channel means the run is tearing down.
			r.mu.Lock()
			delete(r.queued, roleID)
			r.mu.Unlock()
		}
	}
	c.postSystem(projectID, fmt.Sprintf("Retrying: %s", joinRoles(roles)), nil)
	return nil
}

// Abandon gives up on a project with stuck stages.
func (c *Coordinator) Abandon(projectID string) error {
	r, err := c.getRun(projectID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	n := len(r.stuck)
	r.mu.Unlock()
	if n == 0 {
		return fmt.Errorf("nothing to abandon: %w", cerrors.ErrIllegalState)
	}
	c.failProject(r, "abandoned after help request")
	return nil
}

// Get returns a project, preferring live run state over the store.
func (c *Coordinator) Get(projectID string) (*model.Project, error) {
	c.mu.RLock()
	r, ok := c.runs[projectID]
	c.mu.RUnlock()
	if ok {
		return c.snapshotProject(r), nil
	}
	p, err := c.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("project %s: %w", projectID, cerrors.ErrNotFound)
	}
	return p, nil
}

// List returns stored projects, newest first.
func (c *Coordinator) List(status string, limit int) ([]*model.Project, error) {
	return c.store.ListProjects(store.ProjectFilter{Status: status, Limit: limit})
}

// Messages returns a project's chat history in sequence order.
func (c *Coordinator) Messages(projectID string, afterSeq int64, limit int) ([]model.Message, error) {
	return c.store.ListMessages(projectID, store.MessageFilter{AfterSeq: afterSeq, Limit: limit})
}

// PostUserMessage appends a user chat message and publishes it.
func (c *Coordinator) PostUserMessage(projectID, fromName, content string, mentions []string) (*model.Message, error) {
	if _, err := c.Get(projectID); err != nil {
		return nil, err
	}
	m := model.NewMessage(projectID, "user", fromName, content, mentions, model.MessageUser)
	if err := c.store.AppendMessage(&m); err != nil {
		return nil, err
	}
	c.events.Publish(bus.Event{ProjectID: projectID, Type: bus.TypeNewMessage, Payload: m})
	return &m, nil
}

// Checkpoints returns a project's checkpoint records.
func (c *Coordinator) Checkpoints(projectID string) ([]model.Checkpoint, error) {
	return c.store.ListCheckpoints(projectID)
}

// Shutdown stops all live runs and waits for their goroutines.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	var live []*run
	for _, r := range c.runs {
		live = append(live, r)
	}
	c.mu.Unlock()

	for _, r := range live {
		if !r.machine.Status().Terminal() {
			r.cancel()
			r.machine.Close()
			c.sessions.TerminateAll(ctx, r.project.ID)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// failProject moves a run to failed from any non-terminal status and tears
// its sessions down.
func (c *Coordinator) failProject(r *run, reason string) {
	if r.machine.Status().Terminal() {
		return
	}
	r.cancel()
	if err := r.machine.Transition(model.ProjectFailed, reason); err != nil {
		c.logger.Error().Err(err).Str("project_id", r.project.ID).Msg("fail transition rejected")
		return
	}
	r.machine.Close()
	c.sessions.TerminateAll(context.Background(), r.project.ID)
	r.mu.Lock()
	for _, member := range r.project.Team {
		member.Status = model.AgentOffline
		member.CurrentAction = ""
	}
	r.mu.Unlock()
	c.syncStatus(r, model.ProjectFailed)
	if err := c.store.SaveProject(r.project); err != nil {
		c.logger.Error().Err(err).Str("project_id", r.project.ID).Msg("persist failure failed")
	}
	c.postSystem(r.project.ID, fmt.Sprintf("Project failed: %s", reason), nil)
}

// syncStatus mirrors the machine status into the model and the store.
func (c *Coordinator) syncStatus(r *run, status model.ProjectStatus) {
	r.mu.Lock()
	r.project.Status = status
	id := r.project.ID
	r.mu.Unlock()
	if err := c.store.UpdateProjectStatus(id, status); err != nil {
		c.logger.Error().Err(err).Str("project_id", id).Msg("persist status failed")
	}
}

// postSystem appends and publishes a secretary message.
func (c *Coordinator) postSystem(projectID, content string, mentions []string) {
	m := model.NewMessage(projectID, "system", "Secretary", content, mentions, model.MessageSystem)
	if err := c.store.AppendMessage(&m); err != nil {
		c.logger.Error().Err(err).Str("project_id", projectID).Msg("persist message failed")
	}
	c.events.Publish(bus.Event{ProjectID: projectID, Type: bus.TypeNewMessage, Payload: m})
}

// postProgress appends and publishes a progress narration message from a
// team member.
func (c *Coordinator) postProgress(projectID, fromID, fromName, content string) {
	m := model.NewMessage(projectID, fromID, fromName, content, nil, model.MessageProgress)
	if err := c.store.AppendMessage(&m); err != nil {
		c.logger.Error().Err(err).Str("project_id", projectID).Msg("persist message failed")
	}
	c.events.Publish(bus.Event{ProjectID: projectID, Type: bus.TypeNewMessage, Payload: m})
}

// persistCheckpoint snapshots one stage's checkpoint to the store.
func (c *Coordinator) persistCheckpoint(r *run, stage model.Stage) {
	cp, ok := r.machine.Checkpoint(stage)
	if !ok {
		return
	}
	if err := c.store.SaveCheckpoint(r.project.ID, cp); err != nil {
		c.logger.Error().Err(err).Str("project_id", r.project.ID).Msg("persist checkpoint failed")
	}
}

// notifyCheckpoint prompts a human about a pending required checkpoint.
func (c *Coordinator) notifyCheckpoint(ctx context.Context, r *run, stage model.Stage) {
	cp, ok := r.machine.Checkpoint(stage)
	if !ok || cp.Mode != model.CheckpointRequired {
		return
	}
	err := c.notifier.Notify(ctx, notify.Notification{
		Level:     notify.LevelInfo,
		Kind:      notify.KindCheckpoint,
		Title:     fmt.Sprintf("%s checkpoint awaiting review", stage),
		Message:   r.plan.Summary,
		ProjectID: r.project.ID,
		Stage:     string(stage),
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("project_id", r.project.ID).Msg("checkpoint notification failed")
	}
}

// remindCheckpoint is wired into the checkpoint machine's reminder timer.
func (c *Coordinator) remindCheckpoint(projectID string, stage model.Stage) {
	err := c.notifier.Notify(context.Background(), notify.Notification{
		Level:     notify.LevelWarning,
		Kind:      notify.KindReminder,
		Title:     fmt.Sprintf("%s checkpoint still awaiting review", stage),
		ProjectID: projectID,
		Stage:     string(stage),
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("project_id", projectID).Msg("reminder notification failed")
	}
}

func (c *Coordinator) getRun(projectID string) (*run, error) {
	c.mu.RLock()
	r, ok := c.runs[projectID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, cerrors.ErrNotFound)
	}
	return r, nil
}

// snapshotProject returns a copy of the project with the live team view.
func (c *Coordinator) snapshotProject(r *run) *model.Project {
	r.mu.Lock()
	p := *r.project
	r.mu.Unlock()
	p.Status = r.machine.Status()
	team := c.sessions.ProjectTeam(p.ID)
	if len(team) > 0 {
		p.Team = team
	}
	return &p
}

func (r *run) currentPending() model.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingStage
}

func joinRoles(roles []string) string {
	out := ""
	for i, id := range roles {
		if i > 0 {
			out += ", "
		}
		out += "@" + id
	}
	return out
}
