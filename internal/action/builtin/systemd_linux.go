//go:build linux

package builtin

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

func dialSystemd(ctx context.Context) (unitBus, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("systemd: connect: %w", err)
	}
	return conn, nil
}
