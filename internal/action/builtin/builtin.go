// Package builtin provides the actions every actionq process registers:
// sleep, log, exec and systemd. exec and systemd only act on allow-listed
// commands and units.
package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"actionq/internal/action"
	"actionq/pkg/logx"
)

// Config configures the allow-listed builtins.
type Config struct {
	Exec    ExecConfig
	Systemd SystemdConfig
}

// Register adds the builtin actions to r, replacing earlier registrations.
func Register(r *action.Registry, log logx.Logger, cfg Config) error {
	for _, a := range []action.Action{Sleep(), Log(log), Exec(cfg.Exec), Systemd(cfg.Systemd)} {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

type sleepParams struct {
	Duration string `json:"duration"`
	Fail     string `json:"fail"`
}

// Sleep waits for params.duration (a Go duration) or until ctx is done.
// A non-empty params.fail makes it return that message as an error after the wait.
func Sleep() action.Action {
	return action.New("sleep", func(ctx context.Context, params, _ any) (any, error) {
		var p sleepParams
		if err := action.Decode(params, &p); err != nil {
			return nil, err
		}
		d := time.Second
		if s := strings.TrimSpace(p.Duration); s != "" {
			v, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("sleep: duration: %w", err)
			}
			d = v
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		if p.Fail != "" {
			return nil, fmt.Errorf("sleep: %s", p.Fail)
		}
		return map[string]any{"slept": d.String()}, nil
	})
}

type logParams struct {
	Message string         `json:"message"`
	Level   string         `json:"level"`
	Fields  map[string]any `json:"fields"`
}

// Log writes params.message to the logger and echoes it as the result.
func Log(log logx.Logger) action.Action {
	log = log.Named("action.log")
	return action.New("log", func(_ context.Context, params, execCtx any) (any, error) {
		var p logParams
		if err := action.Decode(params, &p); err != nil {
			return nil, err
		}
		fields := make([]logx.Field, 0, len(p.Fields)+1)
		for k, v := range p.Fields {
			fields = append(fields, logx.Any(k, v))
		}
		if execCtx != nil {
			fields = append(fields, logx.Any("exec_ctx", execCtx))
		}
		switch strings.ToLower(strings.TrimSpace(p.Level)) {
		case "debug":
			log.Debug(p.Message, fields...)
		case "warn", "warning":
			log.Warn(p.Message, fields...)
		case "error":
			log.Error(p.Message, fields...)
		default:
			log.Info(p.Message, fields...)
		}
		return p.Message, nil
	})
}
