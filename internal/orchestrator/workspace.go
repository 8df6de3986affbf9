package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/veloxhq/conductor/internal/decomposer"
	"github.com/veloxhq/conductor/internal/model"
)

// prepareWorkspace lays out the project directory: the shared requirement,
// the plan snapshot under .conductor/, and one subtree per role so sessions
// never write over each other.
func prepareWorkspace(root string, p *model.Project, plan *decomposer.Plan) (string, error) {
	dir := filepath.Join(root, p.ID)
	if err := os.MkdirAll(filepath.Join(dir, ".conductor"), 0o755); err != nil {
		return "", err
	}
	for _, roleID := range plan.Roles {
		if err := os.MkdirAll(filepath.Join(dir, roleID), 0o755); err != nil {
			return "", err
		}
	}
	if err := writeRequirement(dir, p, plan); err != nil {
		return "", err
	}
	return dir, nil
}

// writeRequirement refreshes REQUIREMENT.md and the plan snapshot.
func writeRequirement(dir string, p *model.Project, plan *decomposer.Plan) error {
	req := fmt.Sprintf("# %s\n\n%s\n", plan.Summary, p.Requirement)
	if err := os.WriteFile(filepath.Join(dir, "REQUIREMENT.md"), []byte(req), 0o644); err != nil {
		return err
	}

	team, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ".conductor", "team.json"), team, 0o644)
}

// roleWorkspace is the subtree a role's session runs in.
func roleWorkspace(projectDir, roleID string) string {
	return filepath.Join(projectDir, roleID)
}
