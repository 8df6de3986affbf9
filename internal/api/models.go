package api

import (
	"github.com/veloxhq/conductor/internal/model"
)

// SubmitProjectRequest is the body for POST /api/projects.
type SubmitProjectRequest struct {
	Requirement string `json:"requirement"`
}

// PatchProjectRequest is the body for PATCH /api/projects/:id. Action names a
// lifecycle operation; Requirement replaces the requirement text of a project
// still in planning. Action wins when both are set.
type PatchProjectRequest struct {
	Action      string `json:"action,omitempty"`
	Requirement string `json:"requirement,omitempty"`
	By          string `json:"by,omitempty"`
}

// PostMessageRequest is the body for POST /api/projects/:id/messages.
type PostMessageRequest struct {
	FromName string   `json:"fromName"`
	Content  string   `json:"content"`
	Mentions []string `json:"mentions,omitempty"`
}

// ProjectResponse wraps a single project.
type ProjectResponse struct {
	Project *model.Project `json:"project"`
}

// ProjectListResponse is the response for GET /api/projects.
type ProjectListResponse struct {
	Projects []*model.Project `json:"projects"`
	Total    int              `json:"total"`
}

// MessageResponse wraps a single chat message.
type MessageResponse struct {
	Message *model.Message `json:"message"`
}

// MessageListResponse is the response for GET /api/projects/:id/messages.
type MessageListResponse struct {
	Messages []model.Message `json:"messages"`
	// NextSeq is the sequence number to pass as after_seq on the next page.
	NextSeq int64 `json:"nextSeq"`
}

// CheckpointListResponse is the response for GET /api/projects/:id/checkpoints.
type CheckpointListResponse struct {
	Checkpoints []model.Checkpoint `json:"checkpoints"`
}

// AuditRecord is one audit log entry as returned by the API.
type AuditRecord struct {
	ID        int64  `json:"id"`
	UserID    string `json:"userId"`
	Action    string `json:"action"`
	Resource  string `json:"resource,omitempty"`
	Result    string `json:"result"`
	Details   string `json:"details,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// AuditListResponse is the response for GET /api/audit.
type AuditListResponse struct {
	Entries []AuditRecord `json:"entries"`
}

// CheckResult is one health probe outcome inside HealthDetailResponse.
type CheckResult struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthDetailResponse is the response for GET /api/health.
type HealthDetailResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
	Uptime string                 `json:"uptime"`
}

// ConfigResponse is the read-only configuration view for GET /api/config.
type ConfigResponse struct {
	Environment            string `json:"environment"`
	LogLevel               string `json:"log_level"`
	AuthMode               string `json:"auth_mode"`
	WorkspaceRoot          string `json:"workspace_root"`
	MaxFixAttempts         int    `json:"max_fix_attempts"`
	DependencyTimeout      string `json:"dependency_timeout"`
	PlanCheckpointMode     string `json:"plan_checkpoint_mode"`
	DeliveryCheckpointMode string `json:"delivery_checkpoint_mode"`
	CheckpointTimeout      string `json:"checkpoint_timeout"`
	RateLimitRPS           int    `json:"rate_limit_rps"`
	RateLimitBurst         int    `json:"rate_limit_burst"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
