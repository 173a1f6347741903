//go:build !linux

package builtin

import (
	"context"

	"actionq/internal/queue"
)

func dialSystemd(context.Context) (unitBus, error) {
	return nil, queue.NoRetry(ErrSystemdUnavailable)
}
