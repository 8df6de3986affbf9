package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloxhq/conductor/internal/bus"
	"github.com/veloxhq/conductor/internal/executor"
	"github.com/veloxhq/conductor/internal/model"
)

// fakeAgent scripts the execution agent: each Send replays pre-set events.
// When hold is set, the stream stays open until hold is closed.
type fakeAgent struct {
	mu       sync.Mutex
	script   []executor.ProgressEvent
	hold     chan struct{}
	sendErr  error
	startErr error
	started  int
	stopped  int
}

func (f *fakeAgent) Start(_ context.Context, r model.Role, workspace string) (*executor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started++
	return &executor.Handle{ID: "h-" + r.ID, Role: r, Workspace: workspace}, nil
}

func (f *fakeAgent) Send(_ context.Context, _ *executor.Handle, _ string) (<-chan executor.ProgressEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	out := make(chan executor.ProgressEvent, len(f.script))
	hold := f.hold
	go func() {
		if hold != nil {
			<-hold
		}
		for _, ev := range f.script {
			out <- ev
		}
		close(out)
	}()
	return out, nil
}

func (f *fakeAgent) Stop(_ context.Context, _ *executor.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func okScript() []executor.ProgressEvent {
	return []executor.ProgressEvent{
		{Kind: executor.KindText, Payload: "thinking"},
		{Kind: executor.KindToolUse, Payload: `{"tool":"write"}`},
		{Kind: executor.KindResult, Payload: "done"},
	}
}

func drain(t *testing.T, stream <-chan executor.ProgressEvent) []executor.ProgressEvent {
	t.Helper()
	var events []executor.ProgressEvent
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("stream did not close")
		}
	}
}

func newManager(agent executor.Agent) (*Manager, *bus.Bus) {
	b := bus.New(zerolog.Nop())
	return NewManager(agent, b, zerolog.Nop()), b
}

func TestCreateSession_Idempotent(t *testing.T) {
	agent := &fakeAgent{}
	m, _ := newManager(agent)

	r := model.Role{ID: "backend", Name: "Backend Developer"}
	m1, err := m.CreateSession(context.Background(), "p1", r, "/ws/p1/backend")
	require.NoError(t, err)
	assert.Equal(t, model.AgentOnline, m1.Status)

	m2, err := m.CreateSession(context.Background(), "p1", r, "/ws/p1/backend")
	require.NoError(t, err)
	assert.Equal(t, m1.ID, m2.ID, "same (project, role) must return the same session identity")
	assert.Equal(t, 1, agent.started)
	assert.Len(t, m.ProjectTeam("p1"), 1)
}

func TestCreateSession_EmitsStatusEvent(t *testing.T) {
	agent := &fakeAgent{}
	m, b := newManager(agent)
	sub := b.Subscribe("p1")
	defer b.Unsubscribe(sub)

	_, err := m.CreateSession(context.Background(), "p1", model.Role{ID: "pm"}, "/ws")
	require.NoError(t, err)

	select {
	case ev := <-sub.C:
		assert.Equal(t, bus.TypeAgentStatusChanged, ev.Type)
		payload := ev.Payload.(bus.AgentStatusPayload)
		assert.Equal(t, string(model.AgentOnline), payload.Status)
	case <-time.After(time.Second):
		t.Fatal("no status event emitted")
	}
}

func TestDispatch_LifecycleToOnline(t *testing.T) {
	hold := make(chan struct{})
	agent := &fakeAgent{script: okScript(), hold: hold}
	m, _ := newManager(agent)

	member, err := m.CreateSession(context.Background(), "p1", model.Role{ID: "backend"}, "/ws")
	require.NoError(t, err)

	stream, err := m.Dispatch(context.Background(), member.ID, "implement the API")
	require.NoError(t, err)

	snap, ok := m.Snapshot(member.ID)
	require.True(t, ok)
	assert.Equal(t, model.AgentWorking, snap.Status)
	assert.Contains(t, snap.CurrentAction, "implement")

	close(hold)
	events := drain(t, stream)
	assert.Len(t, events, 3)

	// relay settles status asynchronously after the stream closes
	require.Eventually(t, func() bool {
		snap, _ := m.Snapshot(member.ID)
		return snap.Status == model.AgentOnline
	}, 2*time.Second, 10*time.Millisecond)

	snap, _ = m.Snapshot(member.ID)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, 100, *snap.Progress)
}

func TestDispatch_AgentFaultSetsError(t *testing.T) {
	agent := &fakeAgent{script: []executor.ProgressEvent{
		{Kind: executor.KindText, Payload: "starting"},
		{Kind: executor.KindError, Payload: "process exited 1"},
	}}
	m, _ := newManager(agent)

	member, err := m.CreateSession(context.Background(), "p1", model.Role{ID: "tester"}, "/ws")
	require.NoError(t, err)

	stream, err := m.Dispatch(context.Background(), member.ID, "run tests")
	require.NoError(t, err)
	drain(t, stream)

	require.Eventually(t, func() bool {
		snap, _ := m.Snapshot(member.ID)
		return snap.Status == model.AgentError
	}, 2*time.Second, 10*time.Millisecond)

	snap, _ := m.Snapshot(member.ID)
	assert.Equal(t, "process exited 1", snap.ErrorMessage)

	// ERROR is terminal until explicit restart
	_, err = m.Dispatch(context.Background(), member.ID, "again")
	require.Error(t, err)

	require.NoError(t, m.Restart(member.ID))
	snap, _ = m.Snapshot(member.ID)
	assert.Equal(t, model.AgentOnline, snap.Status)
	assert.Empty(t, snap.ErrorMessage)
}

func TestDispatch_SendFailure(t *testing.T) {
	agent := &fakeAgent{sendErr: errors.New("gateway down")}
	m, _ := newManager(agent)

	member, err := m.CreateSession(context.Background(), "p1", model.Role{ID: "pm"}, "/ws")
	require.NoError(t, err)

	_, err = m.Dispatch(context.Background(), member.ID, "write prd")
	require.Error(t, err)

	snap, _ := m.Snapshot(member.ID)
	assert.Equal(t, model.AgentError, snap.Status)
	assert.NotEmpty(t, snap.ErrorMessage)
}

func TestDispatch_RejectsWhileWorking(t *testing.T) {
	hold := make(chan struct{})
	agent := &fakeAgent{script: okScript(), hold: hold}
	m, _ := newManager(agent)

	member, err := m.CreateSession(context.Background(), "p1", model.Role{ID: "pm"}, "/ws")
	require.NoError(t, err)

	stream, err := m.Dispatch(context.Background(), member.ID, "first")
	require.NoError(t, err)

	// stream is held open, so the member is still WORKING
	_, err = m.Dispatch(context.Background(), member.ID, "second")
	require.Error(t, err)

	close(hold)
	drain(t, stream)
}

func TestDispatch_MultiByteActionStaysValidUTF8(t *testing.T) {
	hold := make(chan struct{})
	agent := &fakeAgent{script: okScript(), hold: hold}
	m, _ := newManager(agent)

	member, err := m.CreateSession(context.Background(), "p1", model.Role{ID: "writer"}, "/ws")
	require.NoError(t, err)

	stream, err := m.Dispatch(context.Background(), member.ID, strings.Repeat("说明", 200))
	require.NoError(t, err)
	defer func() {
		close(hold)
		drain(t, stream)
	}()

	snap, _ := m.Snapshot(member.ID)
	assert.True(t, utf8.ValidString(snap.CurrentAction), "truncation split a rune")
	assert.True(t, strings.HasSuffix(snap.CurrentAction, "..."))
}

func TestSetProgress_MonotonicWhileWorking(t *testing.T) {
	hold := make(chan struct{})
	agent := &fakeAgent{script: okScript(), hold: hold}
	m, _ := newManager(agent)

	member, err := m.CreateSession(context.Background(), "p1", model.Role{ID: "backend"}, "/ws")
	require.NoError(t, err)

	stream, err := m.Dispatch(context.Background(), member.ID, "work")
	require.NoError(t, err)
	defer func() {
		close(hold)
		drain(t, stream)
	}()

	require.NoError(t, m.SetProgress(member.ID, 40, "implementing"))
	require.NoError(t, m.SetProgress(member.ID, 20, "regressing")) // must not decrease
	snap, _ := m.Snapshot(member.ID)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, 40, *snap.Progress)

	require.NoError(t, m.SetProgress(member.ID, 75, ""))
	snap, _ = m.Snapshot(member.ID)
	assert.Equal(t, 75, *snap.Progress)
}

func TestDispatch_IntermediateEventsAdvanceProgress(t *testing.T) {
	agent := &fakeAgent{script: okScript()}
	m, b := newManager(agent)

	member, err := m.CreateSession(context.Background(), "p1", model.Role{ID: "backend"}, "/ws")
	require.NoError(t, err)

	sub := b.Subscribe("p1")
	defer b.Unsubscribe(sub)

	stream, err := m.Dispatch(context.Background(), member.ID, "work")
	require.NoError(t, err)
	drain(t, stream)

	var seen []int
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			payload := ev.Payload.(bus.AgentStatusPayload)
			if payload.Progress != nil {
				seen = append(seen, *payload.Progress)
			}
			if payload.Status == string(model.AgentOnline) {
				require.GreaterOrEqual(t, len(seen), 3)
				for i := 1; i < len(seen); i++ {
					assert.GreaterOrEqual(t, seen[i], seen[i-1], "progress must not decrease")
				}
				mid := seen[1 : len(seen)-1]
				for _, p := range mid {
					assert.Greater(t, p, 0)
					assert.Less(t, p, 100)
				}
				assert.Equal(t, 100, seen[len(seen)-1])
				return
			}
		case <-deadline:
			t.Fatal("member never settled online")
		}
	}
}

func TestMarkWaiting(t *testing.T) {
	agent := &fakeAgent{}
	m, _ := newManager(agent)

	member, err := m.CreateSession(context.Background(), "p1", model.Role{ID: "tester"}, "/ws")
	require.NoError(t, err)

	require.NoError(t, m.MarkWaiting(member.ID, "backend"))
	snap, _ := m.Snapshot(member.ID)
	assert.Equal(t, model.AgentWaiting, snap.Status)
	assert.Contains(t, snap.CurrentAction, "@backend")
}

func TestTerminate_Idempotent(t *testing.T) {
	agent := &fakeAgent{}
	m, _ := newManager(agent)

	member, err := m.CreateSession(context.Background(), "p1", model.Role{ID: "pm"}, "/ws")
	require.NoError(t, err)

	require.NoError(t, m.Terminate(context.Background(), member.ID))
	assert.Equal(t, 1, agent.stopped)

	require.NoError(t, m.Terminate(context.Background(), member.ID))
	assert.Equal(t, 1, agent.stopped, "second terminate must be a no-op")

	require.NoError(t, m.Terminate(context.Background(), "unknown"))

	snap, _ := m.Snapshot(member.ID)
	assert.Equal(t, model.AgentOffline, snap.Status)

	_, err = m.Dispatch(context.Background(), member.ID, "anything")
	require.Error(t, err)
}

func TestTerminateAll(t *testing.T) {
	agent := &fakeAgent{}
	m, _ := newManager(agent)

	_, err := m.CreateSession(context.Background(), "p1", model.Role{ID: "pm"}, "/ws")
	require.NoError(t, err)
	_, err = m.CreateSession(context.Background(), "p1", model.Role{ID: "backend"}, "/ws")
	require.NoError(t, err)
	other, err := m.CreateSession(context.Background(), "p2", model.Role{ID: "pm"}, "/ws")
	require.NoError(t, err)

	m.TerminateAll(context.Background(), "p1")

	assert.Equal(t, 2, agent.stopped)
	assert.Empty(t, m.ProjectTeam("p1"), "terminated sessions are unregistered")
	snap, _ := m.Snapshot(other.ID)
	assert.Equal(t, model.AgentOnline, snap.Status, "other project untouched")

	fresh, err := m.CreateSession(context.Background(), "p1", model.Role{ID: "pm"}, "/ws")
	require.NoError(t, err)
	assert.Equal(t, model.AgentOnline, fresh.Status, "role can be re-created after terminate")
}
