// Package model defines the core data types shared across the conductor:
// projects, team members, roles, messages and checkpoints.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectPlanning  ProjectStatus = "planning"
	ProjectForming   ProjectStatus = "forming"
	ProjectRunning   ProjectStatus = "running"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
	ProjectFailed    ProjectStatus = "failed"
)

// projectEdges defines the legal project status transitions.
var projectEdges = map[ProjectStatus][]ProjectStatus{
	ProjectPlanning: {ProjectForming, ProjectFailed},
	ProjectForming:  {ProjectRunning, ProjectPlanning, ProjectFailed},
	ProjectRunning:  {ProjectPaused, ProjectCompleted, ProjectForming, ProjectFailed},
	ProjectPaused:   {ProjectRunning, ProjectFailed},
	// completed and failed are terminal
}

// CanTransition reports whether a project may move from one status to another.
func CanTransition(from, to ProjectStatus) bool {
	for _, next := range projectEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a project status admits no further transitions.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectCompleted || s == ProjectFailed
}

// AgentStatus is the execution state of a team member's session.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentWorking AgentStatus = "working"
	AgentWaiting AgentStatus = "waiting"
	AgentOffline AgentStatus = "offline"
	AgentError   AgentStatus = "error"
)

// MessageType classifies the origin of a chat message.
type MessageType string

const (
	MessageUser     MessageType = "user"
	MessageAgent    MessageType = "agent"
	MessageSystem   MessageType = "system"
	MessageProgress MessageType = "progress"
)

// Role describes a capability-tagged team role. Roles are immutable and
// shared read-only across projects.
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// TeamMember is one role-bound execution session within a project.
// It is exclusively owned and mutated by the session manager.
type TeamMember struct {
	ID            string      `json:"id"`
	Role          Role        `json:"role"`
	Status        AgentStatus `json:"status"`
	CurrentAction string      `json:"currentAction,omitempty"`
	Progress      *int        `json:"progress,omitempty"`
	ErrorMessage  string      `json:"errorMessage,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Message is an append-only chat entry. Total order is (Timestamp, Seq); a
// message is never mutated after creation.
type Message struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"projectId"`
	FromID      string      `json:"fromId"`
	FromName    string      `json:"fromName"`
	Content     string      `json:"content"`
	Mentions    []string    `json:"mentions"`
	Attachments []string    `json:"attachments"`
	Timestamp   time.Time   `json:"timestamp"`
	Seq         int64       `json:"seq"`
	Type        MessageType `json:"type"`
}

// NewMessage builds a message with a fresh ID and current timestamp.
// Seq is assigned by the store on append.
func NewMessage(projectID, fromID, fromName, content string, mentions []string, typ MessageType) Message {
	if mentions == nil {
		mentions = []string{}
	}
	return Message{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		FromID:      fromID,
		FromName:    fromName,
		Content:     content,
		Mentions:    mentions,
		Attachments: []string{},
		Timestamp:   time.Now().UTC(),
		Type:        typ,
	}
}

// Project is the unit of work spanning one submitted requirement through
// delivery. The team is non-empty only once status reaches forming.
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Requirement string        `json:"requirement"`
	Workspace   string        `json:"workspace"`
	Status      ProjectStatus `json:"status"`
	Team        []*TeamMember `json:"team"`
	CreatedAt   time.Time     `json:"createdAt"`
	LastUpdated time.Time     `json:"lastUpdated"`
}

// NewProject creates a project in the planning state. Project IDs are short
// so they stay readable in workspace paths and chat.
func NewProject(requirement string) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:          uuid.New().String()[:8],
		Requirement: requirement,
		Status:      ProjectPlanning,
		Team:        []*TeamMember{},
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// MemberByRole returns the team member bound to the given role id, or nil.
func (p *Project) MemberByRole(roleID string) *TeamMember {
	for _, m := range p.Team {
		if m.Role.ID == roleID {
			return m
		}
	}
	return nil
}

// MemberByID returns the team member with the given id, or nil.
func (p *Project) MemberByID(id string) *TeamMember {
	for _, m := range p.Team {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// CheckpointMode says whether a checkpoint advances on its own or waits for
// a human.
type CheckpointMode string

const (
	CheckpointAuto     CheckpointMode = "auto"
	CheckpointRequired CheckpointMode = "required"
)

// CheckpointStatus is the resolution state of a checkpoint.
type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "pending"
	CheckpointConfirmed CheckpointStatus = "confirmed"
	CheckpointRejected  CheckpointStatus = "rejected"
	CheckpointTimedOut  CheckpointStatus = "timed_out"
)

// Stage identifies a lifecycle gate.
type Stage string

const (
	StagePlan        Stage = "plan"
	StageDesign      Stage = "design"
	StageDevelopment Stage = "development"
	StageDelivery    Stage = "delivery"
)

// Checkpoint is a named lifecycle gate instance for one project.
type Checkpoint struct {
	Stage      Stage            `json:"stage"`
	Mode       CheckpointMode   `json:"mode"`
	Timeout    time.Duration    `json:"timeout,omitempty"`
	Status     CheckpointStatus `json:"status"`
	CreatedAt  time.Time        `json:"createdAt"`
	ResolvedAt *time.Time       `json:"resolvedAt,omitempty"`
	ResolvedBy string           `json:"resolvedBy,omitempty"`
}

// RetryState tracks the fix budget for one development stage. It is reset
// on stage entry and discarded on stage exit.
type RetryState struct {
	Stage       string `json:"stage"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	LastFailure string `json:"lastFailure,omitempty"`
}
