// Package loop drives one development stage through bounded
// generate→verify→fix cycles. Verification and fix semantics are supplied
// by the caller; the loop is agnostic to their content.
package loop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	cerrors "github.com/veloxhq/conductor/internal/errors"
	"github.com/veloxhq/conductor/internal/executor"
)

// Outcome is the terminal state of a loop run.
type Outcome string

const (
	// OutcomeSuccess means verification passed within the attempt budget.
	OutcomeSuccess Outcome = "success"
	// OutcomeNeedHelp means the budget is exhausted and an operator must
	// retry or abandon.
	OutcomeNeedHelp Outcome = "need_help"
)

// Stage describes one unit of work bound to a session.
type Stage struct {
	Name        string
	SessionID   string
	Instruction string
}

// Result reports how a run ended. Attempts counts issued fix instructions.
type Result struct {
	Outcome     Outcome
	Artifact    string
	Attempts    int
	LastFailure string
}

// VerifyFunc checks a stage's outcome; nil means pass. artifact is the
// terminal payload of the last dispatch.
type VerifyFunc func(ctx context.Context, stage Stage, artifact string) error

// FixFunc renders the instruction sent to the session after a failed
// verification.
type FixFunc func(stage Stage, failure error) string

// SessionDriver is the slice of the session manager the loop needs.
type SessionDriver interface {
	Dispatch(ctx context.Context, sessionID, instruction string) (<-chan executor.ProgressEvent, error)
	Restart(sessionID string) error
}

// Config bounds the loop.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultConfig returns the default attempt budget and backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// Loop runs stages with a bounded fix budget.
type Loop struct {
	driver SessionDriver
	verify VerifyFunc
	fix    FixFunc
	cfg    Config
	logger zerolog.Logger
}

// New creates a loop. fix may be nil, in which case a generic fix
// instruction quoting the failure is used.
func New(driver SessionDriver, verify VerifyFunc, fix FixFunc, cfg Config, logger zerolog.Logger) *Loop {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if fix == nil {
		fix = defaultFix
	}
	return &Loop{
		driver: driver,
		verify: verify,
		fix:    fix,
		cfg:    cfg,
		logger: logger.With().Str("component", "loop").Logger(),
	}
}

func defaultFix(_ Stage, failure error) string {
	return fmt.Sprintf("Verification failed:\n%v\n\nAnalyze the cause, fix it, and describe what you changed.", failure)
}

// Run executes the stage, then verifies and fixes until verification
// passes or the attempt budget is exhausted. An executor fault mid-stage
// consumes a fix attempt after an automatic session restart; it never gets
// its own retry budget.
func (l *Loop) Run(ctx context.Context, stage Stage) (*Result, error) {
	attempts := 0

	artifact, execErr := l.execute(ctx, stage, stage.Instruction)

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		failure := execErr
		if failure == nil {
			failure = l.verify(ctx, stage, artifact)
		}
		if failure == nil {
			l.logger.Info().
				Str("stage", stage.Name).
				Int("attempts", attempts).
				Msg("stage verified")
			return &Result{Outcome: OutcomeSuccess, Artifact: artifact, Attempts: attempts}, nil
		}

		if attempts >= l.cfg.MaxAttempts {
			l.logger.Warn().
				Str("stage", stage.Name).
				Int("attempts", attempts).
				Str("last_failure", failure.Error()).
				Msg("attempt budget exhausted")
			return &Result{
				Outcome:     OutcomeNeedHelp,
				Attempts:    attempts,
				LastFailure: failure.Error(),
			}, nil
		}

		attempts++
		l.logger.Info().
			Str("stage", stage.Name).
			Int("attempt", attempts).
			Int("max_attempts", l.cfg.MaxAttempts).
			Str("failure", failure.Error()).
			Msg("issuing fix instruction")

		if err := l.backoff(ctx, attempts); err != nil {
			return nil, err
		}

		// A faulted session must be restarted before it accepts the fix.
		var fault *cerrors.ExecutorFault
		if errors.As(failure, &fault) {
			if err := l.driver.Restart(stage.SessionID); err != nil {
				l.logger.Warn().Err(err).Str("stage", stage.Name).Msg("session restart failed")
			}
		}

		artifact, execErr = l.execute(ctx, stage, l.fix(stage, failure))
	}
}

// execute dispatches one instruction and blocks until its stream settles.
func (l *Loop) execute(ctx context.Context, stage Stage, instruction string) (string, error) {
	stream, err := l.driver.Dispatch(ctx, stage.SessionID, instruction)
	if err != nil {
		return "", err
	}

	var artifact string
	var fault error
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return artifact, fault
			}
			switch ev.Kind {
			case executor.KindResult:
				artifact = ev.Payload
			case executor.KindError:
				fault = &cerrors.ExecutorFault{
					SessionID: stage.SessionID,
					Stage:     stage.Name,
					Message:   ev.Payload,
				}
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// backoff sleeps the exponential delay before the next fix, honoring
// cancellation.
func (l *Loop) backoff(ctx context.Context, attempt int) error {
	if l.cfg.BaseDelay <= 0 {
		return nil
	}
	delay := time.Duration(float64(l.cfg.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if l.cfg.MaxDelay > 0 && delay > l.cfg.MaxDelay {
		delay = l.cfg.MaxDelay
	}
	if l.cfg.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
