package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/apihub/internal/config"
	"github.com/sells-group/apihub/internal/store"
)

// initStore validates the config for mode and opens the configured store
// with its schema migrated.
func initStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "sqlite":
		return store.NewSQLite(sc.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, &store.PoolConfig{MaxConns: int32(sc.MaxConns)})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}
