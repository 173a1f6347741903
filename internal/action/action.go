// Package action defines the operations a queue task invokes and a registry
// that resolves them by name.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action is an invocable operation. Invoke must return once ctx is done if it
// wants its cancellation to be prompt; the queue never waits for it.
type Action interface {
	Name() string
	Invoke(ctx context.Context, params, execCtx any) (any, error)
}

// SuccessHandler is called once when a task terminally succeeds.
type SuccessHandler interface {
	OnSuccess(result, execCtx any)
}

// ErrorHandler is called once when a task terminally fails.
type ErrorHandler interface {
	OnError(err error, execCtx any)
}

// Func adapts a plain function to Action.
type Func func(ctx context.Context, params, execCtx any) (any, error)

type Option func(*funcAction)

func OnSuccess(fn func(result, execCtx any)) Option {
	return func(a *funcAction) { a.onSuccess = fn }
}

func OnError(fn func(err error, execCtx any)) Option {
	return func(a *funcAction) { a.onError = fn }
}

// New builds an Action from fn. Hooks given via OnSuccess / OnError are
// exposed through SuccessHandler / ErrorHandler.
func New(name string, fn Func, opts ...Option) Action {
	a := &funcAction{name: strings.TrimSpace(name), fn: fn}
	for _, o := range opts {
		o(a)
	}
	return a
}

type funcAction struct {
	name      string
	fn        Func
	onSuccess func(result, execCtx any)
	onError   func(err error, execCtx any)
}

var ErrNoFunc = errors.New("action has no function")

func (a *funcAction) Name() string { return a.name }

func (a *funcAction) Invoke(ctx context.Context, params, execCtx any) (any, error) {
	if a.fn == nil {
		return nil, ErrNoFunc
	}
	return a.fn(ctx, params, execCtx)
}

func (a *funcAction) OnSuccess(result, execCtx any) {
	if a.onSuccess != nil {
		a.onSuccess(result, execCtx)
	}
}

func (a *funcAction) OnError(err error, execCtx any) {
	if a.onError != nil {
		a.onError(err, execCtx)
	}
}

// Decode converts loosely typed params (raw JSON, bytes, maps from a config
// file or a typed struct) into dst.
func Decode(params any, dst any) error {
	var raw []byte
	switch v := params.(type) {
	case nil:
		return nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
