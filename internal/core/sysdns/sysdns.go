// Package sysdns points the operating system's resolver at the local DNS
// authority for the lifetime of a run and puts it back afterwards.
package sysdns

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"
	apperrors "shadowtun/pkg/errors"
)

// Runner executes an OS configuration command.
type Runner interface {
	Run(ctx context.Context, argv []string) (Result, error)
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// Commands sets and clears the override. Set runs in order; Clear undoes
// all of it.
type Commands struct {
	Set   [][]string `json:"set"`
	Clear []string   `json:"clear"`
	// Link is the network interface the override is scoped to, if it only
	// lives as long as that interface.
	Link string `json:"link,omitempty"`
}

// Override is an acquired system DNS override. Release undoes it; it is safe
// to call more than once and from any goroutine.
type Override struct {
	runner    Runner
	commands  Commands
	statePath string
	logger    *zap.Logger

	mu       sync.Mutex
	released bool
	err      error
}

// Acquire applies the override. The clear command is written to statePath
// before anything changes so a crashed run can be cleaned up later.
func Acquire(ctx context.Context, runner Runner, commands Commands, statePath string, logger *zap.Logger) (*Override, error) {
	if err := saveState(statePath, commands); err != nil {
		return nil, fmt.Errorf("failed to save dns state: %w", err)
	}

	for i, argv := range commands.Set {
		if err := execute(ctx, runner, argv); err != nil {
			if i > 0 {
				// Undo the steps that already applied.
				if cerr := execute(ctx, runner, commands.Clear); cerr != nil {
					logger.Error("failed to roll back partial dns override", zap.Error(cerr))
					return nil, err
				}
			}
			removeState(statePath)
			return nil, err
		}
	}

	logger.Info("system dns override acquired", zap.Int("steps", len(commands.Set)), zap.String("link", commands.Link))
	return &Override{
		runner:    runner,
		commands:  commands,
		statePath: statePath,
		logger:    logger,
	}, nil
}

// Release reverts the override. The first call runs the clear command and
// every later call returns its result.
func (o *Override) Release(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.released {
		return o.err
	}
	o.released = true

	if err := execute(ctx, o.runner, o.commands.Clear); err != nil {
		// Keep the state file so cleanup can retry.
		o.err = err
		o.logger.Error("failed to release system dns override", zap.Error(err))
		return err
	}

	removeState(o.statePath)
	o.logger.Info("system dns override released", zap.Strings("command", o.commands.Clear))
	return nil
}

// execute runs argv and turns a non-zero exit into a *CommandError.
func execute(ctx context.Context, runner Runner, argv []string) error {
	res, err := runner.Run(ctx, argv)
	if err != nil {
		return &apperrors.CommandError{
			Command:  argv,
			ExitCode: -1,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Err:      fmt.Errorf("%w: %w", apperrors.ErrDNSOverride, err),
		}
	}
	if res.ExitCode != 0 {
		return &apperrors.CommandError{
			Command:  argv,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Err:      apperrors.ErrDNSOverride,
		}
	}
	return nil
}
