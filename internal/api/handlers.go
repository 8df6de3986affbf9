package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/veloxhq/conductor/internal/config"
	cerrors "github.com/veloxhq/conductor/internal/errors"
	"github.com/veloxhq/conductor/internal/health"
	"github.com/veloxhq/conductor/internal/metrics"
	"github.com/veloxhq/conductor/internal/model"
	"github.com/veloxhq/conductor/internal/orchestrator"
	"github.com/veloxhq/conductor/internal/store"
)

// lifecycle actions accepted by PATCH /api/projects/:id.
var patchActions = map[string]bool{
	"pause":   true,
	"resume":  true,
	"stop":    true,
	"confirm": true,
	"reject":  true,
	"retry":   true,
	"abandon": true,
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	orch      *orchestrator.Coordinator
	store     *store.Store
	checker   *health.Checker
	cfg       *config.Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance. metrics may be nil.
func NewHandlers(orch *orchestrator.Coordinator, st *store.Store, checker *health.Checker, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) *Handlers {
	return &Handlers{
		orch:      orch,
		store:     st,
		checker:   checker,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// SubmitProject handles POST /api/projects.
func (h *Handlers) SubmitProject(c *fiber.Ctx) error {
	var req SubmitProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	if strings.TrimSpace(req.Requirement) == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_requirement", "Bad Request",
			"Requirement is required")
	}

	p, err := h.orch.Submit(c.Context(), req.Requirement)
	if err != nil {
		h.recordAction("submit", "error")
		return h.coordinatorError(c, err)
	}

	h.audit(c, "project.submit", p.ID, "ok")
	h.recordAction("submit", "ok")
	return c.Status(fiber.StatusCreated).JSON(ProjectResponse{Project: p})
}

// ListProjects handles GET /api/projects.
func (h *Handlers) ListProjects(c *fiber.Ctx) error {
	status := c.Query("status")
	limit := c.QueryInt("limit", 50)

	projects, err := h.orch.List(status, limit)
	if err != nil {
		return h.coordinatorError(c, err)
	}
	if projects == nil {
		projects = []*model.Project{}
	}

	return c.JSON(ProjectListResponse{
		Projects: projects,
		Total:    len(projects),
	})
}

// GetProject handles GET /api/projects/:id.
func (h *Handlers) GetProject(c *fiber.Ctx) error {
	p, err := h.orch.Get(c.Params("id"))
	if err != nil {
		return h.coordinatorError(c, err)
	}
	return c.JSON(ProjectResponse{Project: p})
}

// PatchProject handles PATCH /api/projects/:id. It dispatches lifecycle
// actions and requirement updates.
func (h *Handlers) PatchProject(c *fiber.Ctx) error {
	id := c.Params("id")

	var req PatchProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	if req.Action == "" {
		if strings.TrimSpace(req.Requirement) == "" {
			return problemResponse(c, fiber.StatusBadRequest,
				"missing_action", "Bad Request",
				"Either action or requirement is required")
		}
		p, err := h.orch.UpdateRequirement(c.Context(), id, req.Requirement)
		if err != nil {
			h.audit(c, "project.update_requirement", id, "error")
			return h.coordinatorError(c, err)
		}
		h.audit(c, "project.update_requirement", id, "ok")
		return c.JSON(ProjectResponse{Project: p})
	}

	if !patchActions[req.Action] {
		return problemResponse(c, fiber.StatusBadRequest,
			"unknown_action", "Bad Request",
			"Unknown action: "+req.Action)
	}

	by := req.By
	if by == "" {
		by, _ = c.Locals("subject").(string)
	}
	if by == "" {
		by = "operator"
	}

	var err error
	switch req.Action {
	case "pause":
		err = h.orch.Pause(id)
	case "resume":
		err = h.orch.Resume(id)
	case "stop":
		err = h.orch.Stop(id)
	case "confirm":
		err = h.orch.Confirm(id, by)
	case "reject":
		err = h.orch.Reject(id, by)
	case "retry":
		err = h.orch.Retry(id)
	case "abandon":
		err = h.orch.Abandon(id)
	}
	if err != nil {
		h.audit(c, "project."+req.Action, id, "error")
		h.recordAction(req.Action, "error")
		return h.coordinatorError(c, err)
	}

	h.audit(c, "project."+req.Action, id, "ok")
	h.recordAction(req.Action, "ok")

	p, err := h.orch.Get(id)
	if err != nil {
		return h.coordinatorError(c, err)
	}
	return c.JSON(ProjectResponse{Project: p})
}

// ListMessages handles GET /api/projects/:id/messages.
func (h *Handlers) ListMessages(c *fiber.Ctx) error {
	id := c.Params("id")
	afterSeq := int64(c.QueryInt("after_seq", 0))
	limit := c.QueryInt("limit", 200)

	if _, err := h.orch.Get(id); err != nil {
		return h.coordinatorError(c, err)
	}

	messages, err := h.orch.Messages(id, afterSeq, limit)
	if err != nil {
		return h.coordinatorError(c, err)
	}
	if messages == nil {
		messages = []model.Message{}
	}

	nextSeq := afterSeq
	if len(messages) > 0 {
		nextSeq = messages[len(messages)-1].Seq
	}

	return c.JSON(MessageListResponse{Messages: messages, NextSeq: nextSeq})
}

// PostMessage handles POST /api/projects/:id/messages.
func (h *Handlers) PostMessage(c *fiber.Ctx) error {
	id := c.Params("id")

	var req PostMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	if strings.TrimSpace(req.Content) == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_content", "Bad Request",
			"Message content is required")
	}
	if req.FromName == "" {
		req.FromName = "User"
	}

	m, err := h.orch.PostUserMessage(id, req.FromName, req.Content, req.Mentions)
	if err != nil {
		return h.coordinatorError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(MessageResponse{Message: m})
}

// ListCheckpoints handles GET /api/projects/:id/checkpoints.
func (h *Handlers) ListCheckpoints(c *fiber.Ctx) error {
	id := c.Params("id")

	if _, err := h.orch.Get(id); err != nil {
		return h.coordinatorError(c, err)
	}

	checkpoints, err := h.orch.Checkpoints(id)
	if err != nil {
		return h.coordinatorError(c, err)
	}
	if checkpoints == nil {
		checkpoints = []model.Checkpoint{}
	}

	return c.JSON(CheckpointListResponse{Checkpoints: checkpoints})
}

// ListAudit handles GET /api/audit.
func (h *Handlers) ListAudit(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)

	entries, err := h.store.ListAudit(limit)
	if err != nil {
		return h.coordinatorError(c, err)
	}

	records := make([]AuditRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, AuditRecord{
			ID:        e.ID,
			UserID:    e.UserID,
			Action:    e.Action,
			Resource:  e.Resource,
			Result:    e.Result,
			Details:   e.Details,
			CreatedAt: e.CreatedAt,
		})
	}

	return c.JSON(AuditListResponse{Entries: records})
}

// HealthDetail handles GET /api/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.Context())

	checks := make(map[string]CheckResult, len(results))
	overall := "ok"
	for name, res := range results {
		checks[name] = CheckResult{Status: string(res.Status), Detail: res.Detail}
		if res.Status == health.StatusDown {
			overall = "degraded"
		}
	}

	uptime := time.Since(h.startTime).Round(time.Second).String()

	return c.JSON(HealthDetailResponse{
		Status: overall,
		Checks: checks,
		Uptime: uptime,
	})
}

// GetConfig handles GET /api/config.
func (h *Handlers) GetConfig(c *fiber.Ctx) error {
	cfg := h.cfg
	return c.JSON(ConfigResponse{
		Environment:            cfg.Environment,
		LogLevel:               cfg.LogLevel,
		AuthMode:               cfg.APIAuthMode,
		WorkspaceRoot:          cfg.WorkspaceRoot,
		MaxFixAttempts:         cfg.MaxFixAttempts,
		DependencyTimeout:      cfg.DependencyTimeout.String(),
		PlanCheckpointMode:     cfg.PlanCheckpointMode,
		DeliveryCheckpointMode: cfg.DeliveryCheckpointMode,
		CheckpointTimeout:      cfg.CheckpointTimeout.String(),
		RateLimitRPS:           cfg.APIRateLimitRPS,
		RateLimitBurst:         cfg.APIRateBurst,
	})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if !h.checker.IsReady(c.Context()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
		})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// coordinatorError maps coordinator errors onto problem responses.
func (h *Handlers) coordinatorError(c *fiber.Ctx, err error) error {
	switch {
	case cerrors.IsValidation(err):
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_requirement", "Bad Request", err.Error())
	case errors.Is(err, cerrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound,
			"project_not_found", "Not Found", err.Error())
	case errors.Is(err, cerrors.ErrIllegalState):
		return problemResponse(c, fiber.StatusConflict,
			"invalid_state", "Conflict", err.Error())
	case errors.Is(err, cerrors.ErrUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"unavailable", "Service Unavailable", err.Error())
	default:
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		return problemResponse(c, fiber.StatusInternalServerError,
			"internal_error", "Internal Server Error", "An internal error occurred")
	}
}

// audit records an API action on the audit log. Failures are logged, never
// surfaced to the caller.
func (h *Handlers) audit(c *fiber.Ctx, action, resource, result string) {
	subject, _ := c.Locals("subject").(string)
	if subject == "" {
		subject = "unknown"
	}
	if err := h.store.AppendAudit(store.AuditEntry{
		UserID:   subject,
		Action:   action,
		Resource: resource,
		Result:   result,
	}); err != nil {
		h.logger.Warn().Err(err).Str("action", action).Msg("audit append failed")
	}
}

func (h *Handlers) recordAction(action, result string) {
	if h.metrics != nil {
		h.metrics.RecordAction(action, result)
	}
}
