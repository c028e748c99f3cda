package platform

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool connects a pgx pool to the two concrete stores this core
// owns outright: the playtime aggregator and the MARC export manifest
// (pkg/playtime, pkg/marcexport). The bibliographic/circulation data model
// (pkg/catalog) is deliberately NOT backed by this pool — it is an
// interface-only repository, per spec.md §3 ("storage is delegated") and
// Design Notes §9.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}
