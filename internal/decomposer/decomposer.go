// Package decomposer maps a free-text requirement to the minimal sufficient
// role set, a dependency order between those roles, and a plan summary for
// the plan checkpoint.
package decomposer

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	cerrors "github.com/veloxhq/conductor/internal/errors"
	"github.com/veloxhq/conductor/internal/role"
)

// StageSpec describes one stage of the proposed plan.
type StageSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Outputs     []string `json:"outputs"`
}

// Plan is the decomposition result presented at the plan checkpoint.
type Plan struct {
	Requirement   string              `json:"requirement"`
	Summary       string              `json:"summary"`
	Reason        string              `json:"reason"`
	Roles         []string            `json:"roles"` // dependency order
	Tasks         map[string]string   `json:"tasks"`
	DependsOn     map[string][]string `json:"dependsOn"`
	Stages        []StageSpec         `json:"stages"`
	EstimatedTime string              `json:"estimatedTime"`
	Warnings      []string            `json:"warnings,omitempty"`
}

// dispatch priority; also the tie-break for the ordered role list.
var rolePriority = []string{"pm", "architect", "researcher", "analyst", "writer", "backend", "frontend", "tester", "reviewer"}

var (
	devKeywords = []string{
		"app", "application", "website", "web site", "system", "platform",
		"build", "implement", "develop", "service", "api", "crud", "login",
		"dashboard", "tool",
	}
	researchKeywords = []string{"research", "investigate", "survey", "compare", "find out", "look into"}
	analysisKeywords = []string{"analyze", "analyse", "analysis", "trend", "metrics", "data"}
	writingKeywords  = []string{"write", "draft", "document", "report", "blog", "article", "summarize"}
)

// Decomposer turns requirements into team plans.
type Decomposer struct {
	registry *role.Registry
	maxLen   int
	logger   zerolog.Logger
}

// New creates a decomposer over the given role registry. maxLen bounds the
// accepted requirement length.
func New(registry *role.Registry, maxLen int, logger zerolog.Logger) *Decomposer {
	if maxLen <= 0 {
		maxLen = 4000
	}
	return &Decomposer{
		registry: registry,
		maxLen:   maxLen,
		logger:   logger.With().Str("component", "decomposer").Logger(),
	}
}

// Registry exposes the role registry the decomposer plans over.
func (d *Decomposer) Registry() *role.Registry {
	return d.registry
}

// Decompose validates the requirement and produces a plan. It fails only on
// empty or oversized input; unrecognized content falls back to a generalist
// role rather than failing.
func (d *Decomposer) Decompose(requirement string) (*Plan, error) {
	trimmed := strings.TrimSpace(requirement)
	if trimmed == "" {
		return nil, cerrors.NewValidationError("requirement", "must not be empty")
	}
	if len(requirement) > d.maxLen {
		return nil, cerrors.NewValidationError("requirement",
			fmt.Sprintf("exceeds maximum length of %d characters", d.maxLen))
	}

	roles, reason := d.matchRoles(trimmed)
	roles = d.ensureReviewer(roles)
	ordered := orderRoles(roles)
	deps := dependencyOrder(ordered)

	plan := &Plan{
		Requirement:   trimmed,
		Summary:       summarize(trimmed),
		Reason:        reason,
		Roles:         ordered,
		Tasks:         d.buildTasks(ordered, trimmed),
		DependsOn:     deps,
		Stages:        buildStages(ordered),
		EstimatedTime: "15-20 minutes",
	}

	d.logger.Info().
		Str("summary", plan.Summary).
		Strs("roles", plan.Roles).
		Msg("requirement decomposed")

	return plan, nil
}

// matchRoles selects the minimal sufficient role set for the requirement.
// Buckets are checked in priority order so capability overlap resolves to
// the smaller team.
func (d *Decomposer) matchRoles(req string) ([]string, string) {
	lower := strings.ToLower(req)

	if containsAny(lower, devKeywords) {
		return []string{"pm", "backend", "frontend", "tester"},
			"development task, needs a full delivery team"
	}
	if containsAny(lower, researchKeywords) {
		return []string{"researcher"}, "research task"
	}
	if containsAny(lower, analysisKeywords) {
		return []string{"analyst"}, "analysis task"
	}
	if containsAny(lower, writingKeywords) {
		return []string{"writer"}, "writing task"
	}

	// Unrecognized content still yields a generalist.
	general := d.registry.WithTag(role.TagGeneral)
	if len(general) == 0 {
		general = []string{"researcher"}
	}
	return general[:1], "no clear intent matched, assigning a generalist"
}

// ensureReviewer adds the reviewer role when the team produces deliverables
// but carries no verifying role of its own.
func (d *Decomposer) ensureReviewer(roles []string) []string {
	hasVerifier := false
	producesDeliverable := false
	for _, id := range roles {
		if id == "tester" || id == "reviewer" {
			hasVerifier = true
		}
		def, ok := d.registry.Get(id)
		if !ok {
			continue
		}
		for _, tag := range def.Role.Tags {
			if tag == role.TagDelivers {
				producesDeliverable = true
			}
		}
	}
	if producesDeliverable && !hasVerifier {
		return append(roles, "reviewer")
	}
	return roles
}

func (d *Decomposer) buildTasks(roles []string, requirement string) map[string]string {
	producers := 0
	for _, id := range roles {
		if id != "reviewer" && id != "tester" {
			producers++
		}
	}
	tasks := make(map[string]string, len(roles))
	for _, id := range roles {
		def, ok := d.registry.Get(id)
		if !ok {
			continue
		}
		// A lone producer works the requirement directly.
		if producers == 1 && id != "reviewer" && id != "tester" {
			tasks[id] = requirement
			continue
		}
		tasks[id] = def.Instructions
	}
	return tasks
}

// dependencyOrder builds the partial order between the selected roles.
// Edges only reference roles actually on the team.
func dependencyOrder(roles []string) map[string][]string {
	present := make(map[string]bool, len(roles))
	for _, id := range roles {
		present[id] = true
	}

	deps := make(map[string][]string, len(roles))
	add := func(id string, wants ...string) {
		var found []string
		for _, w := range wants {
			if present[w] {
				found = append(found, w)
			}
		}
		deps[id] = found
	}

	for _, id := range roles {
		switch id {
		case "architect":
			add(id, "pm")
		case "backend", "frontend":
			if present["architect"] {
				add(id, "architect")
			} else {
				add(id, "pm")
			}
		case "tester":
			add(id, "backend", "frontend")
		case "reviewer":
			var others []string
			for _, r := range roles {
				if r != "reviewer" {
					others = append(others, r)
				}
			}
			deps[id] = others
		default:
			deps[id] = nil
		}
	}
	return deps
}

// orderRoles sorts roles by dispatch priority, unknown ids last.
func orderRoles(roles []string) []string {
	rank := make(map[string]int, len(rolePriority))
	for i, id := range rolePriority {
		rank[id] = i
	}
	ordered := make([]string, len(roles))
	copy(ordered, roles)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && rankOf(rank, ordered[j]) < rankOf(rank, ordered[j-1]); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	return ordered
}

func rankOf(rank map[string]int, id string) int {
	if r, ok := rank[id]; ok {
		return r
	}
	return len(rolePriority)
}

func buildStages(roles []string) []StageSpec {
	present := make(map[string]bool, len(roles))
	for _, id := range roles {
		present[id] = true
	}

	var stages []StageSpec
	if present["pm"] || present["architect"] {
		stages = append(stages, StageSpec{
			Name:        "design",
			Description: "PRD, architecture and API design",
			Outputs:     []string{"docs/prd.md", "docs/architecture.md", "docs/api_design.md"},
		})
	}
	if present["backend"] {
		stages = append(stages, StageSpec{
			Name:        "backend development",
			Description: "Implement the backend API",
			Outputs:     []string{"backend/"},
		})
	}
	if present["frontend"] {
		stages = append(stages, StageSpec{
			Name:        "frontend development",
			Description: "Implement the user interface",
			Outputs:     []string{"frontend/"},
		})
	}
	if present["tester"] {
		stages = append(stages, StageSpec{
			Name:        "testing",
			Description: "Unit and end-to-end tests",
			Outputs:     []string{"tests/"},
		})
	}
	if len(stages) == 0 {
		stages = append(stages, StageSpec{
			Name:        "execution",
			Description: "Complete the requested work",
			Outputs:     []string{"docs/"},
		})
	}
	return stages
}

// summarize derives a short display name from the requirement.
func summarize(req string) string {
	for _, sep := range []string{". ", "; ", ", "} {
		if idx := strings.Index(req, sep); idx > 0 && idx <= 60 {
			return req[:idx]
		}
	}
	if r := []rune(req); len(r) > 60 {
		return string(r[:60]) + "..."
	}
	return req
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
