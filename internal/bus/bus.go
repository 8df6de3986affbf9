// Package bus implements the ordered publish/subscribe fan-out that carries
// every state-changing fact to project-scoped observers. Delivery is
// at-least-once and preserves per-project emission order; the bus keeps no
// per-observer state beyond the live subscription set and never replays.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veloxhq/conductor/internal/model"
)

// Type names a state-changing fact.
type Type string

const (
	TypeProjectCreated       Type = "project_created"
	TypeTeamFormed           Type = "team_formed"
	TypeAgentStatusChanged   Type = "agent_status_changed"
	TypeNewMessage           Type = "new_message"
	TypeProjectStatusChanged Type = "project_status_changed"
	TypeRequirementsUpdated  Type = "requirements_updated"
	TypeCheckpointPending    Type = "checkpoint_pending"
	TypeCheckpointReminder   Type = "checkpoint_reminder"
	TypeAgentStuck           Type = "agent_stuck"
)

// Event is one published fact.
type Event struct {
	ProjectID string    `json:"projectId"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload"`
	Seq       int64     `json:"seq"`
	At        time.Time `json:"at"`
}

// AgentStatusPayload accompanies TypeAgentStatusChanged.
type AgentStatusPayload struct {
	ProjectID     string `json:"projectId"`
	AgentID       string `json:"agentId"`
	Status        string `json:"status"`
	CurrentAction string `json:"currentAction,omitempty"`
	Progress      *int   `json:"progress,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// TeamFormedPayload accompanies TypeTeamFormed.
type TeamFormedPayload struct {
	ProjectID string              `json:"projectId"`
	Team      []*model.TeamMember `json:"team"`
}

// ProjectStatusPayload accompanies TypeProjectStatusChanged.
type ProjectStatusPayload struct {
	ProjectID string `json:"projectId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// RequirementsPayload accompanies TypeRequirementsUpdated.
type RequirementsPayload struct {
	ProjectID    string `json:"projectId"`
	Requirements string `json:"requirements"`
}

// CheckpointPayload accompanies checkpoint events.
type CheckpointPayload struct {
	ProjectID string `json:"projectId"`
	Stage     string `json:"stage"`
	Mode      string `json:"mode"`
	Status    string `json:"status"`
}

// StuckPayload accompanies TypeAgentStuck.
type StuckPayload struct {
	ProjectID   string `json:"projectId"`
	AgentID     string `json:"agentId"`
	Stage       string `json:"stage"`
	Attempts    int    `json:"attempts"`
	LastFailure string `json:"lastFailure"`
}

// Subscription is one observer's logical channel for a project. Events
// arrive on C in emission order. Close releases the subscription and C is
// closed; events still queued at that point may be dropped.
type Subscription struct {
	ID        string
	ProjectID string
	C         <-chan Event

	ch     chan Event
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// push appends an event to the subscription's ordered queue.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued events to C in order. An unbounded queue decouples
// slow observers from publishers without reordering or dropping.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
			}
			s.mu.Lock()
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			// observer gone; stop delivering
			return
		}
	}
}

// Close ends the subscription and closes C. Events still queued at that
// point may be dropped. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// Bus fans events out to project-scoped subscriptions.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[string]*Subscription // projectID → subID → sub
	seq    map[string]int64                    // projectID → last sequence
	logger zerolog.Logger
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]map[string]*Subscription),
		seq:    make(map[string]int64),
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe opens a logical channel for the given project. The new
// subscriber receives no replay of prior events.
func (b *Bus) Subscribe(projectID string) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		ch:        make(chan Event),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	sub.C = sub.ch
	go sub.pump()

	b.mu.Lock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[string]*Subscription)
	}
	b.subs[projectID][sub.ID] = sub
	n := len(b.subs[projectID])
	b.mu.Unlock()

	b.logger.Debug().Str("project_id", projectID).Int("subscribers", n).Msg("subscribed")
	return sub
}

// Unsubscribe closes and removes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if m, ok := b.subs[sub.ProjectID]; ok {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(b.subs, sub.ProjectID)
		}
	}
	b.mu.Unlock()
	sub.Close()
}

// Publish delivers the event to every live subscription for its project.
// Sequencing and fan-out happen under one lock so subscribers observe
// events in emission order.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	// Sequencing and enqueue happen under one lock so concurrent publishers
	// cannot interleave out of order. push never blocks; it only appends.
	b.mu.Lock()
	b.seq[ev.ProjectID]++
	ev.Seq = b.seq[ev.ProjectID]
	n := len(b.subs[ev.ProjectID])
	for _, sub := range b.subs[ev.ProjectID] {
		sub.push(ev)
	}
	b.mu.Unlock()

	b.logger.Debug().
		Str("project_id", ev.ProjectID).
		Str("type", string(ev.Type)).
		Int64("seq", ev.Seq).
		Int("subscribers", n).
		Msg("event published")
}

// Close ends every live subscription. Publish after Close is a no-op for
// delivery since no subscriptions remain.
func (b *Bus) Close() {
	b.mu.Lock()
	var all []*Subscription
	for projectID, m := range b.subs {
		for _, sub := range m {
			all = append(all, sub)
		}
		delete(b.subs, projectID)
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
}

// SubscriberCount returns the number of live subscriptions for a project.
func (b *Bus) SubscriberCount(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[projectID])
}
