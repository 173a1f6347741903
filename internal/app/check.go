package app

import (
	"context"
	"errors"

	"actionq/internal/config"
	"actionq/internal/journal"
	logx "actionq/pkg/logx"
)

// ErrJournalDisabled is returned by OpenJournal when no journal is configured.
var ErrJournalDisabled = errors.New("journal is disabled in config")

// Check loads and validates cfgPath without starting anything.
func Check(ctx context.Context, cfgPath string) (*config.Config, error) {
	m := config.NewManager(cfgPath)
	m.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})
	return m.Load(ctx)
}

// OpenJournal opens the journal configured in cfgPath, e.g. for reading
// history while another process appends to it.
func OpenJournal(ctx context.Context, cfgPath string, log logx.Logger) (journal.Store, error) {
	cfg, err := Check(ctx, cfgPath)
	if err != nil {
		return nil, err
	}
	jc, err := mapJournalConfig(cfg.Journal)
	if err != nil {
		return nil, err
	}
	if jc.Driver == "" {
		return nil, ErrJournalDisabled
	}
	return journal.Open(jc, log)
}
