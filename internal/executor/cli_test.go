package executor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloxhq/conductor/internal/model"
)

func collect(t *testing.T, stream <-chan ProgressEvent) []ProgressEvent {
	t.Helper()
	var events []ProgressEvent
	deadline := time.After(10 * time.Second)
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

func TestCLIRunner_StartStop(t *testing.T) {
	r := NewCLIRunner(DefaultCLIConfig(), zerolog.Nop())
	h, err := r.Start(context.Background(), model.Role{ID: "backend"}, t.TempDir())
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)

	require.NoError(t, r.Stop(context.Background(), h))
	// idempotent
	require.NoError(t, r.Stop(context.Background(), h))
	require.NoError(t, r.Stop(context.Background(), nil))
}

func TestCLIRunner_SendUnknownSession(t *testing.T) {
	r := NewCLIRunner(DefaultCLIConfig(), zerolog.Nop())
	_, err := r.Send(context.Background(), &Handle{ID: "ghost"}, "do work")
	require.Error(t, err)
}

func TestCLIRunner_StreamsEcho(t *testing.T) {
	// Use a shell as the "agent" so the test needs no real binary. ExtraArgs
	// precede the instruction flags, so -c consumes the script and the flag
	// args become positional parameters the script ignores.
	cfg := CLIConfig{
		Bin:     "sh",
		Timeout: 5 * time.Second,
		ExtraArgs: []string{
			"-c", `printf '{"type":"text","content":"working"}\n{"type":"result","result":"done"}\n'`,
		},
	}
	r := NewCLIRunner(cfg, zerolog.Nop())

	h, err := r.Start(context.Background(), model.Role{ID: "writer"}, t.TempDir())
	require.NoError(t, err)

	stream, err := r.Send(context.Background(), h, "ignored")
	require.NoError(t, err)

	events := collect(t, stream)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, KindResult, last.Kind)
	assert.Equal(t, "done", last.Payload)
}

func TestCLIRunner_ProcessFailureEmitsError(t *testing.T) {
	cfg := CLIConfig{
		Bin:       "sh",
		Timeout:   5 * time.Second,
		ExtraArgs: []string{"-c", "exit 3"},
	}
	r := NewCLIRunner(cfg, zerolog.Nop())
	h, err := r.Start(context.Background(), model.Role{ID: "backend"}, t.TempDir())
	require.NoError(t, err)

	stream, err := r.Send(context.Background(), h, "ignored")
	require.NoError(t, err)

	events := collect(t, stream)
	require.NotEmpty(t, events)
	assert.Equal(t, KindError, events[len(events)-1].Kind)
}

func TestParseLine(t *testing.T) {
	ev := parseLine(`{"type":"result","result":"all good"}`)
	assert.Equal(t, KindResult, ev.Kind)
	assert.Equal(t, "all good", ev.Payload)

	ev = parseLine(`{"type":"tool_use","content":{"tool":"write"}}`)
	assert.Equal(t, KindToolUse, ev.Kind)

	ev = parseLine("plain progress text")
	assert.Equal(t, KindText, ev.Kind)
	assert.Equal(t, "plain progress text", ev.Payload)
}
