// Package session owns the execution sessions of a project's team members.
// All team member status mutation goes through the Manager, which serializes
// it per session and emits an event for every transition before returning.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veloxhq/conductor/internal/bus"
	cerrors "github.com/veloxhq/conductor/internal/errors"
	"github.com/veloxhq/conductor/internal/executor"
	"github.com/veloxhq/conductor/internal/model"
)

// maxActionLen bounds the currentAction hint shown to observers.
const maxActionLen = 120

// session binds one team member to its agent handle. The mutex linearizes
// status mutation for this session.
type session struct {
	mu        sync.Mutex
	member    *model.TeamMember
	projectID string
	handle    *executor.Handle
}

// Manager owns the set of sessions for all projects.
type Manager struct {
	agent  executor.Agent
	events *bus.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session // member ID → session
	byRole   map[string]string   // projectID/roleID → member ID
}

// NewManager creates a session manager over the given execution agent.
func NewManager(agent executor.Agent, events *bus.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		agent:    agent,
		events:   events,
		logger:   logger.With().Str("component", "session_manager").Logger(),
		sessions: make(map[string]*session),
		byRole:   make(map[string]string),
	}
}

func roleKey(projectID, roleID string) string {
	return projectID + "/" + roleID
}

// CreateSession allocates a team member bound to an agent session. It is
// idempotent per (project, role): re-invocation returns the existing member.
func (m *Manager) CreateSession(ctx context.Context, projectID string, r model.Role, workspace string) (*model.TeamMember, error) {
	m.mu.Lock()
	if id, ok := m.byRole[roleKey(projectID, r.ID)]; ok {
		s := m.sessions[id]
		m.mu.Unlock()
		return s.snapshot(), nil
	}
	m.mu.Unlock()

	handle, err := m.agent.Start(ctx, r, workspace)
	if err != nil {
		return nil, &cerrors.ExecutorFault{Stage: "start", Message: "start session for role " + r.ID, Err: err}
	}

	member := &model.TeamMember{
		ID:        uuid.New().String(),
		Role:      r,
		Status:    model.AgentOnline,
		CreatedAt: time.Now().UTC(),
	}
	s := &session{member: member, projectID: projectID, handle: handle}

	m.mu.Lock()
	// lost the race: another caller created it while we were starting
	if id, ok := m.byRole[roleKey(projectID, r.ID)]; ok {
		existing := m.sessions[id]
		m.mu.Unlock()
		_ = m.agent.Stop(ctx, handle)
		return existing.snapshot(), nil
	}
	m.sessions[member.ID] = s
	m.byRole[roleKey(projectID, r.ID)] = member.ID
	m.mu.Unlock()

	m.logger.Info().
		Str("project_id", projectID).
		Str("member_id", member.ID).
		Str("role", r.ID).
		Msg("session created")

	m.publishStatus(s)
	return s.snapshot(), nil
}

// Dispatch forwards an instruction to the session's agent and returns its
// progress stream. The member goes WORKING immediately; on stream
// completion it returns to ONLINE, or to ERROR on an agent fault.
func (m *Manager) Dispatch(ctx context.Context, sessionID, instruction string) (<-chan executor.ProgressEvent, error) {
	s := m.get(sessionID)
	if s == nil {
		return nil, fmt.Errorf("dispatch %s: %w", sessionID, cerrors.ErrNotFound)
	}

	s.mu.Lock()
	switch s.member.Status {
	case model.AgentOffline:
		s.mu.Unlock()
		return nil, fmt.Errorf("dispatch %s: session terminated: %w", sessionID, cerrors.ErrIllegalState)
	case model.AgentError:
		s.mu.Unlock()
		return nil, fmt.Errorf("dispatch %s: session in error state: %w", sessionID, cerrors.ErrIllegalState)
	case model.AgentWorking:
		s.mu.Unlock()
		return nil, fmt.Errorf("dispatch %s: already working: %w", sessionID, cerrors.ErrIllegalState)
	}
	zero := 0
	s.member.Status = model.AgentWorking
	s.member.CurrentAction = truncate(instruction, maxActionLen)
	s.member.Progress = &zero
	s.member.ErrorMessage = ""
	handle := s.handle
	s.mu.Unlock()
	m.publishStatus(s)

	stream, err := m.agent.Send(ctx, handle, instruction)
	if err != nil {
		m.setError(s, fmt.Sprintf("send instruction: %v", err))
		return nil, &cerrors.ExecutorFault{SessionID: sessionID, Message: "send instruction", Err: err}
	}

	out := make(chan executor.ProgressEvent, 16)
	go m.relay(s, stream, out)
	return out, nil
}

// relay forwards agent progress to the caller and settles the member's
// status on the terminal event.
func (m *Manager) relay(s *session, in <-chan executor.ProgressEvent, out chan<- executor.ProgressEvent) {
	defer close(out)

	terminal := executor.ProgressEvent{Kind: executor.KindResult}
	for ev := range in {
		if ev.Kind == executor.KindResult || ev.Kind == executor.KindError {
			terminal = ev
		} else {
			m.advanceProgress(s)
		}
		out <- ev
	}

	if terminal.Kind == executor.KindError {
		m.setError(s, terminal.Payload)
		return
	}

	s.mu.Lock()
	if s.member.Status == model.AgentWorking {
		hundred := 100
		s.member.Status = model.AgentOnline
		s.member.CurrentAction = ""
		s.member.Progress = &hundred
	}
	s.mu.Unlock()
	m.publishStatus(s)
}

// advanceProgress nudges a WORKING member's progress toward 90 as
// intermediate agent events arrive. The terminal result settles it at 100.
func (m *Manager) advanceProgress(s *session) {
	s.mu.Lock()
	if s.member.Status != model.AgentWorking {
		s.mu.Unlock()
		return
	}
	p := 0
	if s.member.Progress != nil {
		p = *s.member.Progress
	}
	if p >= 90 {
		s.mu.Unlock()
		return
	}
	p += (90 - p + 3) / 4
	s.member.Progress = &p
	s.mu.Unlock()
	m.publishStatus(s)
}

// MarkWaiting sets the member WAITING with a currentAction naming the peer
// it waits on.
func (m *Manager) MarkWaiting(sessionID, awaitedRole string) error {
	s := m.get(sessionID)
	if s == nil {
		return fmt.Errorf("mark waiting %s: %w", sessionID, cerrors.ErrNotFound)
	}
	s.mu.Lock()
	s.member.Status = model.AgentWaiting
	s.member.CurrentAction = "waiting on @" + awaitedRole
	s.mu.Unlock()
	m.publishStatus(s)
	return nil
}

// SetProgress updates the member's progress hint. Progress never decreases
// while the member stays WORKING within one dispatch cycle.
func (m *Manager) SetProgress(sessionID string, pct int, action string) error {
	s := m.get(sessionID)
	if s == nil {
		return fmt.Errorf("set progress %s: %w", sessionID, cerrors.ErrNotFound)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	s.mu.Lock()
	if s.member.Status != model.AgentWorking {
		s.mu.Unlock()
		return nil
	}
	if s.member.Progress != nil && pct < *s.member.Progress {
		pct = *s.member.Progress
	}
	s.member.Progress = &pct
	if action != "" {
		s.member.CurrentAction = truncate(action, maxActionLen)
	}
	s.mu.Unlock()
	m.publishStatus(s)
	return nil
}

// Restart recovers a session from the ERROR state back to ONLINE.
func (m *Manager) Restart(sessionID string) error {
	s := m.get(sessionID)
	if s == nil {
		return fmt.Errorf("restart %s: %w", sessionID, cerrors.ErrNotFound)
	}
	s.mu.Lock()
	if s.member.Status != model.AgentError {
		s.mu.Unlock()
		return fmt.Errorf("restart %s: not in error state: %w", sessionID, cerrors.ErrIllegalState)
	}
	s.member.Status = model.AgentOnline
	s.member.ErrorMessage = ""
	s.member.CurrentAction = ""
	s.mu.Unlock()
	m.publishStatus(s)
	return nil
}

// Terminate stops the session and releases its agent resources. No-op if
// the session is already terminated or unknown.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	s := m.get(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.member.Status == model.AgentOffline {
		s.mu.Unlock()
		return nil
	}
	s.member.Status = model.AgentOffline
	s.member.CurrentAction = ""
	handle := s.handle
	s.mu.Unlock()
	m.publishStatus(s)

	return m.agent.Stop(ctx, handle)
}

// TerminateAll terminates every session of a project and unregisters them,
// so a later CreateSession for the same role starts fresh.
func (m *Manager) TerminateAll(ctx context.Context, projectID string) {
	for _, id := range m.projectSessionIDs(projectID) {
		if err := m.Terminate(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("member_id", id).Msg("terminate failed")
		}
		m.mu.Lock()
		if s, ok := m.sessions[id]; ok {
			delete(m.byRole, roleKey(projectID, s.member.Role.ID))
			delete(m.sessions, id)
		}
		m.mu.Unlock()
	}
}

// Snapshot returns a copy of the member's current state.
func (m *Manager) Snapshot(sessionID string) (model.TeamMember, bool) {
	s := m.get(sessionID)
	if s == nil {
		return model.TeamMember{}, false
	}
	return *s.snapshot(), true
}

// ProjectTeam returns snapshots of all members of a project, in creation
// order.
func (m *Manager) ProjectTeam(projectID string) []*model.TeamMember {
	ids := m.projectSessionIDs(projectID)
	team := make([]*model.TeamMember, 0, len(ids))
	for _, id := range ids {
		if s := m.get(id); s != nil {
			team = append(team, s.snapshot())
		}
	}
	return team
}

func (m *Manager) projectSessionIDs(projectID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	type entry struct {
		id string
		at time.Time
	}
	var entries []entry
	for id, s := range m.sessions {
		if s.projectID == projectID {
			entries = append(entries, entry{id, s.member.CreatedAt})
		}
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].at.Before(entries[j-1].at); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func (m *Manager) get(sessionID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

func (m *Manager) setError(s *session, msg string) {
	s.mu.Lock()
	s.member.Status = model.AgentError
	s.member.ErrorMessage = msg
	s.member.CurrentAction = ""
	s.mu.Unlock()
	m.publishStatus(s)

	m.logger.Error().
		Str("project_id", s.projectID).
		Str("member_id", s.member.ID).
		Str("error", msg).
		Msg("session entered error state")
}

// publishStatus emits the member's current state to project observers.
func (m *Manager) publishStatus(s *session) {
	snap := s.snapshot()
	m.events.Publish(bus.Event{
		ProjectID: s.projectID,
		Type:      bus.TypeAgentStatusChanged,
		Payload: bus.AgentStatusPayload{
			ProjectID:     s.projectID,
			AgentID:       snap.ID,
			Status:        string(snap.Status),
			CurrentAction: snap.CurrentAction,
			Progress:      snap.Progress,
			ErrorMessage:  snap.ErrorMessage,
		},
	})
}

func (s *session) snapshot() *model.TeamMember {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.member
	if s.member.Progress != nil {
		p := *s.member.Progress
		cp.Progress = &p
	}
	return &cp
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
