package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloxhq/conductor/internal/executor"
)

// fakeDriver records dispatched instructions and replays scripted terminal
// events per call.
type fakeDriver struct {
	mu           sync.Mutex
	instructions []string
	terminals    []executor.ProgressEvent // one per dispatch; last repeats
	restarts     int
}

func (f *fakeDriver) Dispatch(_ context.Context, _ string, instruction string) (<-chan executor.ProgressEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instructions = append(f.instructions, instruction)

	idx := len(f.instructions) - 1
	terminal := executor.ProgressEvent{Kind: executor.KindResult, Payload: "artifact"}
	if len(f.terminals) > 0 {
		if idx >= len(f.terminals) {
			idx = len(f.terminals) - 1
		}
		terminal = f.terminals[idx]
	}

	out := make(chan executor.ProgressEvent, 2)
	out <- executor.ProgressEvent{Kind: executor.KindText, Payload: "working"}
	out <- terminal
	close(out)
	return out, nil
}

func (f *fakeDriver) Restart(_ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func noDelay() Config {
	return Config{MaxAttempts: 3, BaseDelay: 0}
}

func stage() Stage {
	return Stage{Name: "development", SessionID: "s1", Instruction: "build it"}
}

func TestRun_SuccessFirstPass(t *testing.T) {
	driver := &fakeDriver{}
	passing := func(_ context.Context, _ Stage, _ string) error { return nil }

	l := New(driver, passing, nil, noDelay(), zerolog.Nop())
	res, err := l.Run(context.Background(), stage())
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, "artifact", res.Artifact)
	assert.Equal(t, []string{"build it"}, driver.instructions)
}

func TestRun_AlwaysFailingExhaustsBudget(t *testing.T) {
	driver := &fakeDriver{}
	failing := func(_ context.Context, _ Stage, _ string) error { return errors.New("tests red") }

	l := New(driver, failing, nil, noDelay(), zerolog.Nop())
	res, err := l.Run(context.Background(), stage())
	require.NoError(t, err)

	assert.Equal(t, OutcomeNeedHelp, res.Outcome)
	assert.Equal(t, 3, res.Attempts, "exactly maxAttempts fix attempts recorded")
	assert.Contains(t, res.LastFailure, "tests red")
	// initial instruction plus one dispatch per fix attempt
	assert.Len(t, driver.instructions, 4)
}

func TestRun_SucceedsAfterFixes(t *testing.T) {
	driver := &fakeDriver{}
	calls := 0
	flaky := func(_ context.Context, _ Stage, _ string) error {
		calls++
		if calls < 3 {
			return errors.New("missing endpoint")
		}
		return nil
	}

	fix := func(_ Stage, failure error) string { return "fix: " + failure.Error() }
	l := New(driver, flaky, fix, noDelay(), zerolog.Nop())
	res, err := l.Run(context.Background(), stage())
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, driver.instructions, 3)
	assert.Equal(t, "fix: missing endpoint", driver.instructions[1])
}

func TestRun_ExecutorFaultConsumesAttemptAndRestarts(t *testing.T) {
	driver := &fakeDriver{terminals: []executor.ProgressEvent{
		{Kind: executor.KindError, Payload: "agent crashed"},
		{Kind: executor.KindResult, Payload: "recovered"},
	}}
	passing := func(_ context.Context, _ Stage, _ string) error { return nil }

	l := New(driver, passing, nil, noDelay(), zerolog.Nop())
	res, err := l.Run(context.Background(), stage())
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, res.Attempts, "the fault consumed one fix attempt")
	assert.Equal(t, 1, driver.restarts, "faulted session restarted before the fix")
	assert.Equal(t, "recovered", res.Artifact)
}

func TestRun_ContextCancellation(t *testing.T) {
	driver := &fakeDriver{}
	failing := func(_ context.Context, _ Stage, _ string) error { return errors.New("nope") }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := New(driver, failing, nil, Config{MaxAttempts: 3, BaseDelay: time.Hour}, zerolog.Nop())
	_, err := l.Run(ctx, stage())
	require.ErrorIs(t, err, context.Canceled)
}

func TestRun_DefaultsMaxAttempts(t *testing.T) {
	driver := &fakeDriver{}
	failing := func(_ context.Context, _ Stage, _ string) error { return errors.New("red") }

	l := New(driver, failing, nil, Config{}, zerolog.Nop())
	res, err := l.Run(context.Background(), stage())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
}
