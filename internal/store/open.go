package store

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/config"
)

// Open creates the configured store and applies its schema.
func Open(ctx context.Context, cfg config.StoreConfig) (LeadStore, error) {
	var (
		st  LeadStore
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		st = NewMemory()
	case "sqlite":
		st, err = NewSQLite(cfg.SQLitePath)
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	zap.L().Info("store opened", zap.String("driver", cfg.Driver))
	return st, nil
}
