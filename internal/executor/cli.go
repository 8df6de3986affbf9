package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	cerrors "github.com/veloxhq/conductor/internal/errors"
	"github.com/veloxhq/conductor/internal/model"
)

// CLIConfig holds configuration for the CLI-backed agent runner.
type CLIConfig struct {
	// Bin is the agent binary invoked per instruction.
	Bin string

	// Timeout bounds a single instruction.
	Timeout time.Duration

	// ExtraArgs are appended to every invocation.
	ExtraArgs []string
}

// DefaultCLIConfig returns sane defaults.
func DefaultCLIConfig() CLIConfig {
	return CLIConfig{
		Bin:     "claude",
		Timeout: 5 * time.Minute,
	}
}

// CLIRunner runs each instruction as a subprocess of the configured agent
// binary, streaming its stdout as progress events. Session continuity is
// carried by a per-session id passed back to the binary on each call.
type CLIRunner struct {
	cfg    CLIConfig
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Handle
}

// NewCLIRunner creates a runner.
func NewCLIRunner(cfg CLIConfig, logger zerolog.Logger) *CLIRunner {
	if cfg.Bin == "" {
		cfg.Bin = "claude"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &CLIRunner{
		cfg:      cfg,
		logger:   logger.With().Str("component", "cli_runner").Logger(),
		sessions: make(map[string]*Handle),
	}
}

// Start registers a session bound to one role and workspace subtree.
func (r *CLIRunner) Start(_ context.Context, role model.Role, workspace string) (*Handle, error) {
	h := &Handle{
		ID:        uuid.New().String(),
		Role:      role,
		Workspace: workspace,
	}
	r.mu.Lock()
	r.sessions[h.ID] = h
	r.mu.Unlock()

	r.logger.Info().
		Str("session_id", h.ID).
		Str("role", role.ID).
		Str("workspace", workspace).
		Msg("agent session started")
	return h, nil
}

// cliLine is one stream-json line from the agent binary.
type cliLine struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	Result  string          `json:"result"`
}

// Send executes one instruction and streams the agent's output. The
// returned channel is closed after the terminal event.
func (r *CLIRunner) Send(ctx context.Context, h *Handle, instruction string) (<-chan ProgressEvent, error) {
	r.mu.Lock()
	_, live := r.sessions[h.ID]
	r.mu.Unlock()
	if !live {
		return nil, &cerrors.ExecutorFault{SessionID: h.ID, Message: "session not started"}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)

	args := append([]string{}, r.cfg.ExtraArgs...)
	args = append(args, "-p", instruction, "--output-format", "stream-json", "--session-id", h.ID)
	cmd := exec.CommandContext(runCtx, r.cfg.Bin, args...)
	cmd.Dir = h.Workspace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &cerrors.ExecutorFault{SessionID: h.ID, Message: "stdout pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &cerrors.ExecutorFault{SessionID: h.ID, Message: "start agent process", Err: err}
	}

	out := make(chan ProgressEvent, 16)
	go func() {
		defer cancel()
		defer close(out)

		sawResult := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			ev := parseLine(line)
			if ev.Kind == KindResult {
				sawResult = true
			}
			select {
			case out <- ev:
			case <-runCtx.Done():
				return
			}
		}

		if err := cmd.Wait(); err != nil {
			r.logger.Warn().Err(err).Str("session_id", h.ID).Msg("agent process failed")
			out <- ProgressEvent{
				Kind:    KindError,
				Payload: fmt.Sprintf("agent process failed: %v", err),
				At:      time.Now().UTC(),
			}
			return
		}
		if !sawResult {
			out <- ProgressEvent{Kind: KindResult, Payload: "", At: time.Now().UTC()}
		}
	}()

	return out, nil
}

// Stop removes the session. No-op for unknown handles.
func (r *CLIRunner) Stop(_ context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	r.mu.Lock()
	delete(r.sessions, h.ID)
	r.mu.Unlock()
	r.logger.Info().Str("session_id", h.ID).Msg("agent session stopped")
	return nil
}

// parseLine maps one stdout line to a progress event. Non-JSON output is
// passed through as text.
func parseLine(line string) ProgressEvent {
	now := time.Now().UTC()

	var parsed cliLine
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return ProgressEvent{Kind: KindText, Payload: line, At: now}
	}

	switch parsed.Type {
	case "result":
		return ProgressEvent{Kind: KindResult, Payload: parsed.Result, At: now}
	case "tool_use":
		return ProgressEvent{Kind: KindToolUse, Payload: string(parsed.Content), At: now}
	case "error":
		return ProgressEvent{Kind: KindError, Payload: string(parsed.Content), At: now}
	default:
		payload := string(parsed.Content)
		if payload == "" {
			payload = line
		}
		return ProgressEvent{Kind: KindText, Payload: payload, At: now}
	}
}
