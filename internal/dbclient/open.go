package dbclient

import (
	"context"
	"fmt"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/adapter"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/config"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/docstore"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/memstore"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/store"
)

// Open builds both adapters from cfg and returns a client over them. opts
// are applied after the options derived from cfg, so they win.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	primary, err := openPrimary(ctx, cfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("open primary: %w", err)
	}
	secondary, err := openSecondary(cfg.Secondary)
	if err != nil {
		primary.Close()
		return nil, fmt.Errorf("open secondary: %w", err)
	}

	all := append([]Option{
		WithBreakerSettings(cfg.BreakerSettings()),
		WithRetryPolicy(cfg.RetryPolicy()),
		WithOperationTimeout(cfg.OperationTimeout),
	}, opts...)

	c, err := New(primary, secondary, all...)
	if err != nil {
		primary.Close()
		secondary.Close()
		return nil, err
	}
	return c, nil
}

func openPrimary(ctx context.Context, pc config.PrimaryConfig) (adapter.Adapter, error) {
	switch pc.Backend {
	case config.BackendRedis:
		return docstore.New(ctx, pc.Addr,
			docstore.WithPassword(pc.Password),
			docstore.WithDB(pc.DB),
			docstore.WithPrefix(pc.Prefix),
			docstore.WithName("primary-redis"),
		)
	case config.BackendMemory:
		return memstore.New(memstore.WithName("primary-memory")), nil
	default:
		return nil, fmt.Errorf("unknown primary backend %q", pc.Backend)
	}
}

func openSecondary(sc config.SecondaryConfig) (adapter.Adapter, error) {
	switch sc.Backend {
	case config.BackendSQLite:
		return store.Open(sc.Path, store.WithName("secondary-sqlite"))
	case config.BackendMemory:
		return memstore.New(memstore.WithName("secondary-memory")), nil
	default:
		return nil, fmt.Errorf("unknown secondary backend %q", sc.Backend)
	}
}
