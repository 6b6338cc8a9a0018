package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diamond-finder/internal/scorer"
	"github.com/sells-group/diamond-finder/internal/store"
)

// initStore opens the configured backend and applies its schema.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// initEngine builds the scoring engine from the configured tables, or the
// built-in tables when no path is set.
func initEngine() (*scorer.Engine, error) {
	if cfg.Scoring.TablesPath == "" {
		return scorer.NewDefault()
	}
	tables, err := scorer.LoadTables(cfg.Scoring.TablesPath)
	if err != nil {
		return nil, err
	}
	zap.L().Info("scoring tables loaded", zap.String("path", cfg.Scoring.TablesPath))
	return scorer.New(tables), nil
}
