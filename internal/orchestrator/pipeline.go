package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/veloxhq/conductor/internal/bus"
	cerrors "github.com/veloxhq/conductor/internal/errors"
	"github.com/veloxhq/conductor/internal/loop"
	"github.com/veloxhq/conductor/internal/model"
	"github.com/veloxhq/conductor/internal/notify"
)

// gate is a pause switch. wait returns immediately while open and blocks
// while closed.
type gate struct {
	mu sync.Mutex
	ch chan struct{} // closed channel = gate open
}

func newGate() *gate {
	g := &gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startPipeline moves a confirmed project to running and dispatches every
// role with its dependencies honored. Design and development gates run
// automatically; delivery waits for a human.
func (c *Coordinator) startPipeline(ctx context.Context, r *run) {
	p := r.project
	if err := r.machine.Transition(model.ProjectRunning, "plan confirmed"); err != nil {
		c.logger.Error().Err(err).Str("project_id", p.ID).Msg("run transition rejected")
		return
	}
	c.syncStatus(r, model.ProjectRunning)
	c.postSystem(p.ID, "Plan confirmed. Work started.", nil)

	// Interior gates auto-advance; their records still land in the store.
	for _, stage := range []model.Stage{model.StageDesign, model.StageDevelopment} {
		<-r.machine.Arm(stage)
		c.persistCheckpoint(r, stage)
	}

	var wg sync.WaitGroup
	for _, roleID := range r.plan.Roles {
		wg.Add(1)
		go func(roleID string) {
			defer wg.Done()
			c.runRole(ctx, r, roleID)
		}(roleID)
	}
	wg.Wait()

	if ctx.Err() != nil || r.machine.Status().Terminal() {
		return
	}

	r.mu.Lock()
	stuckCount := len(r.stuck)
	r.mu.Unlock()
	if stuckCount > 0 {
		// Stay running; the operator decides between retry and abandon.
		c.handleRetries(ctx, r)
		return
	}

	c.finishDelivery(ctx, r)
}

// runRole waits for the role's dependencies, then drives its work through
// the generate-verify-fix loop.
func (c *Coordinator) runRole(ctx context.Context, r *run, roleID string) {
	p := r.project
	member := c.memberFor(r, roleID)
	if member == nil {
		c.logger.Error().Str("project_id", p.ID).Str("role", roleID).Msg("no session for role")
		return
	}

	if err := c.awaitDependencies(ctx, r, roleID, member.ID); err != nil {
		if errors.Is(err, cerrors.ErrTimeout) {
			stage := loop.Stage{Name: roleID, SessionID: member.ID, Instruction: r.plan.Tasks[roleID]}
			c.markStuck(ctx, r, roleID, stage, 0, err.Error())
			r.mu.Lock()
			r.stuck[roleID].depWait = true
			r.mu.Unlock()
		}
		return
	}

	if err := r.gate.wait(ctx); err != nil {
		return
	}

	stage := loop.Stage{
		Name:        roleID,
		SessionID:   member.ID,
		Instruction: r.plan.Tasks[roleID],
	}
	c.postSystem(p.ID, fmt.Sprintf("@%s started: %s", roleID, trim(stage.Instruction, 120)), []string{roleID})

	result := c.runStageLoop(ctx, r, stage)
	if result == nil {
		return
	}

	if result.Outcome == loop.OutcomeNeedHelp {
		c.markStuck(ctx, r, roleID, stage, result.Attempts, result.LastFailure)
		return
	}

	if result.Attempts > 0 {
		c.postProgress(p.ID, member.ID, member.Role.Name,
			fmt.Sprintf("passed verification after %d fix attempt(s)", result.Attempts))
	}
	c.completeRole(r, roleID, member, result.Artifact)
}

// runStageLoop executes one loop run for a stage.
func (c *Coordinator) runStageLoop(ctx context.Context, r *run, stage loop.Stage) *loop.Result {
	l := loop.New(c.sessions, c.verifyArtifact, nil, loop.Config{
		MaxAttempts: c.cfg.MaxFixAttempts,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}, c.logger)

	result, err := l.Run(ctx, stage)
	if err != nil {
		if ctx.Err() == nil {
			c.failProject(r, fmt.Sprintf("stage %s failed: %v", stage.Name, err))
		}
		return nil
	}
	return result
}

// completeRole records a successful stage and unblocks dependents.
func (c *Coordinator) completeRole(r *run, roleID string, member *model.TeamMember, artifact string) {
	p := r.project
	m := model.NewMessage(p.ID, member.ID, member.Role.Name, trim(artifact, 2000), nil, model.MessageAgent)
	if err := c.store.AppendMessage(&m); err != nil {
		c.logger.Error().Err(err).Str("project_id", p.ID).Msg("persist message failed")
	}
	c.events.Publish(bus.Event{ProjectID: p.ID, Type: bus.TypeNewMessage, Payload: m})

	r.mu.Lock()
	delete(r.stuck, roleID)
	ch := r.done[roleID]
	r.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// awaitDependencies blocks until every dependency role finished. The member
// is shown as waiting on the first unfinished dependency.
func (c *Coordinator) awaitDependencies(ctx context.Context, r *run, roleID, sessionID string) error {
	deps := r.plan.DependsOn[roleID]
	if len(deps) == 0 {
		return nil
	}

	timeout := time.NewTimer(c.cfg.DependencyTimeout)
	defer timeout.Stop()

	for _, dep := range deps {
		r.mu.Lock()
		ch := r.done[dep]
		r.mu.Unlock()
		if ch == nil {
			continue
		}
		select {
		case <-ch:
			continue
		default:
		}

		if err := c.sessions.MarkWaiting(sessionID, dep); err != nil {
			c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("mark waiting failed")
		}
		select {
		case <-ch:
		case <-timeout.C:
			return fmt.Errorf("dependency @%s did not finish in %s: %w", dep, c.cfg.DependencyTimeout, cerrors.ErrTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// markStuck records a help request, tells observers and escalates. The
// project stays running.
func (c *Coordinator) markStuck(ctx context.Context, r *run, roleID string, stage loop.Stage, attempts int, lastFailure string) {
	p := r.project
	st := &stuckStage{
		stage: stage,
		retry: model.RetryState{
			Stage:       roleID,
			Attempts:    attempts,
			MaxAttempts: c.cfg.MaxFixAttempts,
			LastFailure: lastFailure,
		},
	}
	r.mu.Lock()
	r.stuck[roleID] = st
	r.mu.Unlock()

	c.events.Publish(bus.Event{
		ProjectID: p.ID,
		Type:      bus.TypeAgentStuck,
		Payload: bus.StuckPayload{
			ProjectID:   p.ID,
			AgentID:     stage.SessionID,
			Stage:       st.retry.Stage,
			Attempts:    st.retry.Attempts,
			LastFailure: st.retry.LastFailure,
		},
	})
	c.postSystem(p.ID, fmt.Sprintf("@%s needs help after %d attempts: %s", roleID, st.retry.Attempts, trim(st.retry.LastFailure, 200)), []string{roleID})

	err := c.notifier.Notify(ctx, notify.Notification{
		Level:     notify.LevelCritical,
		Kind:      notify.KindStuck,
		Title:     fmt.Sprintf("@%s is stuck", roleID),
		Message:   trim(st.retry.LastFailure, 500),
		ProjectID: p.ID,
		Stage:     roleID,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("project_id", p.ID).Msg("stuck notification failed")
	}
}

// handleRetries serves operator retry requests until every stage finished
// or the run ends.
func (c *Coordinator) handleRetries(ctx context.Context, r *run) {
	for {
		select {
		case <-ctx.Done():
			return
		case roleID := <-r.retryCh:
			r.mu.Lock()
			delete(r.queued, roleID)
			st, ok := r.stuck[roleID]
			if ok {
				delete(r.stuck, roleID)
			}
			r.mu.Unlock()
			if !ok {
				continue
			}

			if err := r.gate.wait(ctx); err != nil {
				return
			}
			result := c.runStageLoop(ctx, r, st.stage)
			if result == nil {
				return
			}
			if result.Outcome == loop.OutcomeNeedHelp {
				c.markStuck(ctx, r, roleID, st.stage, result.Attempts, result.LastFailure)
				continue
			}
			if member := c.memberFor(r, roleID); member != nil {
				if result.Attempts > 0 {
					c.postProgress(r.project.ID, member.ID, member.Role.Name,
						fmt.Sprintf("passed verification after %d fix attempt(s)", result.Attempts))
				}
				c.completeRole(r, roleID, member, result.Artifact)
			}

			// Roles that stalled waiting on this one can go again now.
			r.mu.Lock()
			for id, st := range r.stuck {
				if st.depWait && !r.queued[id] && c.depsDoneLocked(r, id) {
					st.depWait = false
					select {
					case r.retryCh <- id:
						r.queued[id] = true
					default:
					}
				}
			}
			remaining := len(r.stuck)
			r.mu.Unlock()
			if remaining == 0 {
				c.finishDelivery(ctx, r)
				return
			}
		}
	}
}

// finishDelivery raises the delivery checkpoint and completes the project
// on confirmation.
func (c *Coordinator) finishDelivery(ctx context.Context, r *run) {
	p := r.project
	r.mu.Lock()
	r.pendingStage = model.StageDelivery
	r.mu.Unlock()

	decided := r.machine.Arm(model.StageDelivery)
	c.persistCheckpoint(r, model.StageDelivery)
	c.notifyCheckpoint(ctx, r, model.StageDelivery)
	c.postSystem(p.ID, "All work finished. Delivery awaiting review.", nil)

	select {
	case <-ctx.Done():
		return
	case decision := <-decided:
		c.persistCheckpoint(r, model.StageDelivery)
		r.mu.Lock()
		r.pendingStage = ""
		r.mu.Unlock()

		switch decision {
		case model.CheckpointConfirmed:
			if err := r.machine.Transition(model.ProjectCompleted, "delivery confirmed"); err != nil {
				c.logger.Error().Err(err).Str("project_id", p.ID).Msg("complete transition rejected")
				return
			}
			r.machine.Close()
			c.sessions.TerminateAll(context.Background(), p.ID)
			r.mu.Lock()
			for _, member := range p.Team {
				member.Status = model.AgentOffline
				member.CurrentAction = ""
			}
			r.mu.Unlock()
			c.syncStatus(r, model.ProjectCompleted)
			if err := c.store.SaveProject(p); err != nil {
				c.logger.Error().Err(err).Str("project_id", p.ID).Msg("persist completion failed")
			}
			c.postSystem(p.ID, "Project completed.", nil)
		case model.CheckpointRejected:
			// Rework: every role gets its original task back as a stuck
			// stage so the operator can retry selectively.
			r.mu.Lock()
			for _, roleID := range r.plan.Roles {
				r.done[roleID] = make(chan struct{})
			}
			r.mu.Unlock()
			c.postSystem(p.ID, "Delivery rejected. Use retry to rework.", nil)
			for _, roleID := range r.plan.Roles {
				if member := c.memberFor(r, roleID); member != nil {
					c.markStuck(ctx, r, roleID, loop.Stage{
						Name:        roleID,
						SessionID:   member.ID,
						Instruction: r.plan.Tasks[roleID],
					}, 0, "delivery rejected")
				}
			}
			c.handleRetries(ctx, r)
		}
	}
}

// verifyArtifact accepts a stage artifact unless the agent reported an
// explicit failure. Tooling failures surface earlier as executor faults;
// this catches runs that finished but did not pass.
func (c *Coordinator) verifyArtifact(_ context.Context, stage loop.Stage, artifact string) error {
	trimmed := strings.TrimSpace(artifact)
	if trimmed == "" {
		return fmt.Errorf("stage %s produced no output", stage.Name)
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range []string{"tests failed", "build failed", "verification failed", "fail:"} {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("stage %s reported failure: %s", stage.Name, trim(trimmed, 200))
		}
	}
	return nil
}

// depsDoneLocked reports whether every dependency of a role has finished.
// Caller holds r.mu.
func (c *Coordinator) depsDoneLocked(r *run, roleID string) bool {
	for _, dep := range r.plan.DependsOn[roleID] {
		ch, ok := r.done[dep]
		if !ok {
			continue
		}
		select {
		case <-ch:
		default:
			return false
		}
	}
	return true
}

func (c *Coordinator) memberFor(r *run, roleID string) *model.TeamMember {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.project.MemberByRole(roleID)
}

func trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
