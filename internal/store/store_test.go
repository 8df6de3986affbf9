package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloxhq/conductor/internal/model"
	"github.com/veloxhq/conductor/internal/role"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testProject(t *testing.T) *model.Project {
	t.Helper()
	reg := role.NewRegistry()
	p := model.NewProject("Build a todo list with login and CRUD")
	p.Name = "todo list"
	p.Workspace = "/tmp/projects/" + p.ID
	for _, id := range []string{"pm", "backend"} {
		def, ok := reg.Get(id)
		require.True(t, ok)
		p.Team = append(p.Team, &model.TeamMember{
			ID:        id + "-1",
			Role:      def.Role,
			Status:    model.AgentOnline,
			CreatedAt: time.Now().UTC(),
		})
	}
	return p
}

func TestSaveAndGetProject(t *testing.T) {
	s := newTestStore(t)
	p := testProject(t)

	require.NoError(t, s.SaveProject(p))

	got, err := s.GetProject(p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, p.Requirement, got.Requirement)
	assert.Equal(t, model.ProjectPlanning, got.Status)
	require.Len(t, got.Team, 2)
	assert.Equal(t, "pm", got.Team[0].Role.ID)
	assert.Equal(t, "backend", got.Team[1].Role.ID)
}

func TestGetProject_Missing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetProject("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveProject_ReplacesTeam(t *testing.T) {
	s := newTestStore(t)
	p := testProject(t)
	require.NoError(t, s.SaveProject(p))

	p.Team = p.Team[:1]
	require.NoError(t, s.SaveProject(p))

	got, err := s.GetProject(p.ID)
	require.NoError(t, err)
	require.Len(t, got.Team, 1)
	assert.Equal(t, "pm", got.Team[0].Role.ID)
}

func TestListProjects_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)

	p1 := testProject(t)
	p1.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.SaveProject(p1))

	p2 := testProject(t)
	p2.Status = model.ProjectRunning
	require.NoError(t, s.SaveProject(p2))

	all, err := s.ListProjects(ProjectFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, p2.ID, all[0].ID, "newest first")

	running, err := s.ListProjects(ProjectFilter{Status: "running"})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, p2.ID, running[0].ID)
}

func TestUpdateProjectStatus(t *testing.T) {
	s := newTestStore(t)
	p := testProject(t)
	require.NoError(t, s.SaveProject(p))

	require.NoError(t, s.UpdateProjectStatus(p.ID, model.ProjectForming))

	got, err := s.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectForming, got.Status)

	err = s.UpdateProjectStatus("nope", model.ProjectFailed)
	assert.Error(t, err)
}

func TestUpdateRequirement(t *testing.T) {
	s := newTestStore(t)
	p := testProject(t)
	require.NoError(t, s.SaveProject(p))

	require.NoError(t, s.UpdateRequirement(p.ID, "new requirement"))

	got, err := s.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "new requirement", got.Requirement)
}

func TestMarkInterrupted(t *testing.T) {
	s := newTestStore(t)

	running := testProject(t)
	running.Status = model.ProjectRunning
	require.NoError(t, s.SaveProject(running))

	done := testProject(t)
	done.Status = model.ProjectCompleted
	require.NoError(t, s.SaveProject(done))

	n, err := s.MarkInterrupted()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetProject(running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectFailed, got.Status)

	got, err = s.GetProject(done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectCompleted, got.Status)
}

func TestAppendMessage_AssignsSequence(t *testing.T) {
	s := newTestStore(t)
	p := testProject(t)
	require.NoError(t, s.SaveProject(p))

	m1 := model.NewMessage(p.ID, "system", "Secretary", "team formed", nil, model.MessageSystem)
	m2 := model.NewMessage(p.ID, "backend-1", "Backend Developer", "done", []string{"pm"}, model.MessageAgent)
	require.NoError(t, s.AppendMessage(&m1))
	require.NoError(t, s.AppendMessage(&m2))

	assert.Equal(t, int64(1), m1.Seq)
	assert.Equal(t, int64(2), m2.Seq)

	msgs, err := s.ListMessages(p.ID, MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "team formed", msgs[0].Content)
	assert.Equal(t, []string{"pm"}, msgs[1].Mentions)
	assert.Equal(t, model.MessageAgent, msgs[1].Type)
}

func TestListMessages_AfterSeqAndLimit(t *testing.T) {
	s := newTestStore(t)
	p := testProject(t)
	require.NoError(t, s.SaveProject(p))

	for i := 0; i < 5; i++ {
		m := model.NewMessage(p.ID, "system", "Secretary", "msg", nil, model.MessageSystem)
		require.NoError(t, s.AppendMessage(&m))
	}

	msgs, err := s.ListMessages(p.ID, MessageFilter{AfterSeq: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(3), msgs[0].Seq)
	assert.Equal(t, int64(4), msgs[1].Seq)

	n, err := s.MessageCount(p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestSaveAndListCheckpoints(t *testing.T) {
	s := newTestStore(t)
	p := testProject(t)
	require.NoError(t, s.SaveProject(p))

	now := time.Now().UTC()
	cp := model.Checkpoint{
		Stage:      model.StagePlan,
		Mode:       model.CheckpointRequired,
		Status:     model.CheckpointConfirmed,
		CreatedAt:  now,
		ResolvedAt: &now,
		ResolvedBy: "alice",
	}
	require.NoError(t, s.SaveCheckpoint(p.ID, cp))

	// Updating the same stage replaces the row.
	cp.Status = model.CheckpointRejected
	require.NoError(t, s.SaveCheckpoint(p.ID, cp))

	cps, err := s.ListCheckpoints(p.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, model.StagePlan, cps[0].Stage)
	assert.Equal(t, model.CheckpointRejected, cps[0].Status)
	assert.Equal(t, "alice", cps[0].ResolvedBy)
	require.NotNil(t, cps[0].ResolvedAt)
}

func TestAudit_AppendAndList(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendAudit(AuditEntry{
		UserID: "alice", Action: "project.pause", Resource: "p1", Result: "ok",
	}))
	require.NoError(t, s.AppendAudit(AuditEntry{
		UserID: "bob", Action: "project.stop", Resource: "p1", Result: "denied", Details: "not owner",
		CreatedAt: time.Now().UnixMilli() + 1,
	}))

	entries, err := s.ListAudit(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "project.stop", entries[0].Action, "newest first")
	assert.Equal(t, "not owner", entries[0].Details)
}

func TestRunRetention(t *testing.T) {
	s := newTestStore(t)
	p := testProject(t)
	p.Status = model.ProjectCompleted
	require.NoError(t, s.SaveProject(p))

	old := model.NewMessage(p.ID, "system", "Secretary", "old", nil, model.MessageSystem)
	old.Timestamp = time.Now().UTC().Add(-31 * 24 * time.Hour)
	require.NoError(t, s.AppendMessage(&old))

	fresh := model.NewMessage(p.ID, "system", "Secretary", "fresh", nil, model.MessageSystem)
	require.NoError(t, s.AppendMessage(&fresh))

	require.NoError(t, s.RunRetention(context.Background()))

	msgs, err := s.ListMessages(p.ID, MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh", msgs[0].Content)
}
