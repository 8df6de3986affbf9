// Package checkpoint implements the project lifecycle state machine and its
// gates. Auto checkpoints resolve immediately; required checkpoints wait for
// a human, with periodic reminders that never force a decision.
package checkpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/veloxhq/conductor/internal/bus"
	"github.com/veloxhq/conductor/internal/config"
	cerrors "github.com/veloxhq/conductor/internal/errors"
	"github.com/veloxhq/conductor/internal/model"
)

// ReminderFunc is invoked when a required checkpoint's timeout elapses
// without a decision.
type ReminderFunc func(projectID string, stage model.Stage)

// Machine serializes lifecycle transitions for one project and tracks its
// checkpoints. The machine mutex is the mutual-exclusion unit for project
// status: one transition in flight at a time.
type Machine struct {
	projectID string
	events    *bus.Bus
	cfgs      map[string]config.CheckpointConfig
	remind    ReminderFunc
	logger    zerolog.Logger

	mu          sync.Mutex
	status      model.ProjectStatus
	checkpoints map[model.Stage]*model.Checkpoint
	waiters     map[model.Stage][]chan model.CheckpointStatus
	timers      map[model.Stage]*time.Timer
	closed      bool
}

// NewMachine creates a machine for one project, starting in planning.
func NewMachine(projectID string, cfgs map[string]config.CheckpointConfig, events *bus.Bus, remind ReminderFunc, logger zerolog.Logger) *Machine {
	return &Machine{
		projectID:   projectID,
		events:      events,
		cfgs:        cfgs,
		remind:      remind,
		logger:      logger.With().Str("component", "checkpoint").Str("project_id", projectID).Logger(),
		status:      model.ProjectPlanning,
		checkpoints: make(map[model.Stage]*model.Checkpoint),
		waiters:     make(map[model.Stage][]chan model.CheckpointStatus),
		timers:      make(map[model.Stage]*time.Timer),
	}
}

// Status returns the current project status.
func (m *Machine) Status() model.ProjectStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Transition moves the project along one legal edge and publishes the
// change. Illegal transitions are rejected.
func (m *Machine) Transition(to model.ProjectStatus, reason string) error {
	m.mu.Lock()
	from := m.status
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !model.CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("project %s: %s -> %s: %w", m.projectID, from, to, cerrors.ErrIllegalState)
	}
	m.status = to
	m.mu.Unlock()

	m.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("project status changed")

	m.events.Publish(bus.Event{
		ProjectID: m.projectID,
		Type:      bus.TypeProjectStatusChanged,
		Payload: bus.ProjectStatusPayload{
			ProjectID: m.projectID,
			Status:    string(to),
			Error:     errorField(to, reason),
		},
	})
	return nil
}

func errorField(to model.ProjectStatus, reason string) string {
	if to == model.ProjectFailed {
		return reason
	}
	return ""
}

// Arm raises the checkpoint for a stage and returns a channel that resolves
// with its decision. Auto checkpoints resolve confirmed immediately; a
// required checkpoint enters pending, starts its reminder timeout, and
// resolves when a human confirms or rejects.
func (m *Machine) Arm(stage model.Stage) <-chan model.CheckpointStatus {
	cfg := m.cfgs[string(stage)]
	mode := model.CheckpointAuto
	if cfg.Mode == string(model.CheckpointRequired) {
		mode = model.CheckpointRequired
	}

	cp := &model.Checkpoint{
		Stage:     stage,
		Mode:      mode,
		Timeout:   cfg.Timeout,
		Status:    model.CheckpointPending,
		CreatedAt: time.Now().UTC(),
	}

	decided := make(chan model.CheckpointStatus, 1)

	if mode == model.CheckpointAuto {
		now := time.Now().UTC()
		cp.Status = model.CheckpointConfirmed
		cp.ResolvedAt = &now
		cp.ResolvedBy = "auto"
		m.mu.Lock()
		m.checkpoints[stage] = cp
		m.mu.Unlock()
		decided <- model.CheckpointConfirmed
		close(decided)
		return decided
	}

	m.mu.Lock()
	m.checkpoints[stage] = cp
	m.waiters[stage] = append(m.waiters[stage], decided)
	if cp.Timeout > 0 {
		m.armTimerLocked(stage, cp.Timeout)
	}
	m.mu.Unlock()

	m.logger.Info().Str("stage", string(stage)).Msg("checkpoint pending")

	m.events.Publish(bus.Event{
		ProjectID: m.projectID,
		Type:      bus.TypeCheckpointPending,
		Payload: bus.CheckpointPayload{
			ProjectID: m.projectID,
			Stage:     string(stage),
			Mode:      string(mode),
			Status:    string(model.CheckpointPending),
		},
	})
	return decided
}

// armTimerLocked schedules the reminder. Caller holds m.mu.
func (m *Machine) armTimerLocked(stage model.Stage, timeout time.Duration) {
	if t, ok := m.timers[stage]; ok {
		t.Stop()
	}
	m.timers[stage] = time.AfterFunc(timeout, func() { m.fireReminder(stage, timeout) })
}

// fireReminder marks the checkpoint timed out, notifies, and re-arms. A
// timed-out checkpoint stays decidable; timeout never forces failure.
func (m *Machine) fireReminder(stage model.Stage, timeout time.Duration) {
	m.mu.Lock()
	cp, ok := m.checkpoints[stage]
	if !ok || m.closed || (cp.Status != model.CheckpointPending && cp.Status != model.CheckpointTimedOut) {
		m.mu.Unlock()
		return
	}
	cp.Status = model.CheckpointTimedOut
	m.armTimerLocked(stage, timeout)
	m.mu.Unlock()

	m.logger.Warn().Str("stage", string(stage)).Msg("checkpoint awaiting decision past timeout")

	m.events.Publish(bus.Event{
		ProjectID: m.projectID,
		Type:      bus.TypeCheckpointReminder,
		Payload: bus.CheckpointPayload{
			ProjectID: m.projectID,
			Stage:     string(stage),
			Mode:      string(model.CheckpointRequired),
			Status:    string(model.CheckpointTimedOut),
		},
	})

	if m.remind != nil {
		m.remind(m.projectID, stage)
	}
}

// Confirm resolves a pending (or timed-out) required checkpoint.
func (m *Machine) Confirm(stage model.Stage, by string) error {
	return m.resolve(stage, by, model.CheckpointConfirmed)
}

// Reject declines a pending (or timed-out) required checkpoint.
func (m *Machine) Reject(stage model.Stage, by string) error {
	return m.resolve(stage, by, model.CheckpointRejected)
}

func (m *Machine) resolve(stage model.Stage, by string, decision model.CheckpointStatus) error {
	m.mu.Lock()
	cp, ok := m.checkpoints[stage]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("checkpoint %s: %w", stage, cerrors.ErrNotFound)
	}
	if cp.Status != model.CheckpointPending && cp.Status != model.CheckpointTimedOut {
		m.mu.Unlock()
		return fmt.Errorf("checkpoint %s already %s: %w", stage, cp.Status, cerrors.ErrIllegalState)
	}
	now := time.Now().UTC()
	cp.Status = decision
	cp.ResolvedAt = &now
	cp.ResolvedBy = by
	if t, ok := m.timers[stage]; ok {
		t.Stop()
		delete(m.timers, stage)
	}
	waiters := m.waiters[stage]
	delete(m.waiters, stage)
	m.mu.Unlock()

	m.logger.Info().
		Str("stage", string(stage)).
		Str("decision", string(decision)).
		Str("by", by).
		Msg("checkpoint resolved")

	for _, w := range waiters {
		w <- decision
		close(w)
	}
	return nil
}

// Checkpoint returns a snapshot of a stage's checkpoint.
func (m *Machine) Checkpoint(stage model.Stage) (model.Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[stage]
	if !ok {
		return model.Checkpoint{}, false
	}
	return *cp, true
}

// Close stops all reminder timers. Pending waiters are left undecided.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for stage, t := range m.timers {
		t.Stop()
		delete(m.timers, stage)
	}
}
