// Package role holds the static catalog of team roles available to the
// decomposer. Roles are immutable; capability tags drive matching.
package role

import (
	"sort"

	"github.com/veloxhq/conductor/internal/model"
)

// Capability tags used by the decomposer.
const (
	TagPlanning  = "planning"
	TagDesign    = "design"
	TagCode      = "code"
	TagUI        = "ui"
	TagTesting   = "testing"
	TagResearch  = "research"
	TagAnalysis  = "analysis"
	TagWriting   = "writing"
	TagReview    = "review"
	TagDelivers  = "delivers" // produces artifacts that need acceptance review
	TagGeneral   = "general"  // fallback role for unrecognized requirements
)

// Definition pairs a role with its working instructions.
type Definition struct {
	Role         model.Role
	Instructions string // base instruction template handed to the execution agent
	Outputs      []string
}

var catalog = map[string]Definition{
	"pm": {
		Role: model.Role{
			ID:          "pm",
			Name:        "Product Manager",
			Description: "Requirement analysis, PRD writing, feature planning",
			Tags:        []string{TagPlanning, TagWriting},
		},
		Instructions: "Analyze the requirement, write a clear PRD and prioritized feature list.",
		Outputs:      []string{"docs/prd.md"},
	},
	"architect": {
		Role: model.Role{
			ID:          "architect",
			Name:        "Architect",
			Description: "System architecture, technology selection, API design",
			Tags:        []string{TagDesign, TagDelivers},
		},
		Instructions: "Design the system architecture, API contracts and data model.",
		Outputs:      []string{"docs/architecture.md", "docs/api_design.md"},
	},
	"backend": {
		Role: model.Role{
			ID:          "backend",
			Name:        "Backend Developer",
			Description: "Backend API implementation, database work",
			Tags:        []string{TagCode, TagDelivers},
		},
		Instructions: "Implement the backend services against the API design, including persistence.",
		Outputs:      []string{"backend/"},
	},
	"frontend": {
		Role: model.Role{
			ID:          "frontend",
			Name:        "Frontend Developer",
			Description: "Frontend UI implementation and interaction",
			Tags:        []string{TagCode, TagUI, TagDelivers},
		},
		Instructions: "Implement the user interface per the PRD and wire it to the backend API.",
		Outputs:      []string{"frontend/"},
	},
	"tester": {
		Role: model.Role{
			ID:          "tester",
			Name:        "Test Engineer",
			Description: "Test case authoring and execution",
			Tags:        []string{TagTesting},
		},
		Instructions: "Write and run tests covering the main functionality; report failures precisely.",
		Outputs:      []string{"tests/"},
	},
	"researcher": {
		Role: model.Role{
			ID:          "researcher",
			Name:        "Researcher",
			Description: "Information gathering and synthesis",
			Tags:        []string{TagResearch, TagGeneral, TagDelivers},
		},
		Instructions: "Collect and organize relevant material, then write a research report.",
		Outputs:      []string{"docs/research.md"},
	},
	"analyst": {
		Role: model.Role{
			ID:          "analyst",
			Name:        "Analyst",
			Description: "Data analysis and trend assessment",
			Tags:        []string{TagAnalysis, TagDelivers},
		},
		Instructions: "Analyze the available data, identify patterns and write up conclusions.",
		Outputs:      []string{"docs/analysis.md"},
	},
	"writer": {
		Role: model.Role{
			ID:          "writer",
			Name:        "Writer",
			Description: "Document writing and content production",
			Tags:        []string{TagWriting, TagDelivers},
		},
		Instructions: "Write clear, well-structured documents for the requested content.",
		Outputs:      []string{"docs/"},
	},
	"reviewer": {
		Role: model.Role{
			ID:          "reviewer",
			Name:        "Reviewer",
			Description: "Deliverable acceptance and quality checks",
			Tags:        []string{TagReview},
		},
		Instructions: "Verify every deliverable is complete and usable; flag problems to the owning role.",
		Outputs:      []string{"docs/acceptance.md"},
	},
}

// Registry provides read-only access to the role catalog.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry returns a registry over the built-in catalog.
func NewRegistry() *Registry {
	return &Registry{defs: catalog}
}

// Get returns the definition for a role id.
func (r *Registry) Get(id string) (Definition, bool) {
	d, ok := r.defs[id]
	return d, ok
}

// IDs returns all role ids in stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WithTag returns the ids of roles carrying the given capability tag,
// in stable order.
func (r *Registry) WithTag(tag string) []string {
	var ids []string
	for id, d := range r.defs {
		for _, t := range d.Role.Tags {
			if t == tag {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}
