package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"actionq/internal/action"
)

// ExecConfig restricts which binaries the exec action may start.
type ExecConfig struct {
	// Allow lists permitted command names (base names or absolute paths).
	// Empty disables exec entirely.
	Allow []string
	Dir   string
	// MaxOutput caps captured stdout/stderr per stream, in bytes.
	MaxOutput int
}

var ErrCommandNotAllowed = errors.New("exec: command not allowed")

type execParams struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// ExecResult is the result of a successful exec action.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
}

// ExitError is returned when the command ran but exited non-zero.
type ExitError struct {
	ExecResult
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("exec: exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("exec: exit status %d: %s", e.ExitCode, msg)
}

// Exec runs params.command with params.args. The process is killed when the
// attempt context is done.
func Exec(cfg ExecConfig) action.Action {
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 64 << 10
	}
	allowed := make(map[string]bool, len(cfg.Allow))
	for _, c := range cfg.Allow {
		if c = strings.TrimSpace(c); c != "" {
			allowed[c] = true
		}
	}

	return action.New("exec", func(ctx context.Context, params, _ any) (any, error) {
		var p execParams
		if err := action.Decode(params, &p); err != nil {
			return nil, err
		}
		cmdName := strings.TrimSpace(p.Command)
		if cmdName == "" {
			return nil, errors.New("exec: command is required")
		}
		if !allowed[cmdName] && !allowed[filepath.Base(cmdName)] {
			return nil, fmt.Errorf("%w: %q", ErrCommandNotAllowed, cmdName)
		}

		cmd := exec.CommandContext(ctx, cmdName, p.Args...)
		cmd.Dir = cfg.Dir
		stdout := &cappedBuffer{limit: cfg.MaxOutput}
		stderr := &cappedBuffer{limit: cfg.MaxOutput}
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		err := cmd.Run()
		res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				res.ExitCode = ee.ExitCode()
				return nil, &ExitError{ExecResult: res}
			}
			return nil, fmt.Errorf("exec: %w", err)
		}
		return res, nil
	})
}

// cappedBuffer drops writes past limit but reports them as written so the
// child never blocks on a full pipe.
type cappedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	left := b.limit - b.Len()
	if left <= 0 {
		return n, nil
	}
	if len(p) > left {
		p = p[:left]
	}
	_, _ = b.Buffer.Write(p)
	return n, nil
}
