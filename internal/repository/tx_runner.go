package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillstone/chatrecall/internal/service"
)

// TxRunner provides transactional repositories using a pgx pool.
type TxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

func (r *TxRunner) WithTx(ctx context.Context, fn func(repos service.TxRepositories) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}

	repos := &txRepos{tx: tx}
	if err := fn(repos); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	return tx.Commit(ctx)
}

// PoolRepos is the non-transactional repository set over the shared
// pool, for readers that do not need a transaction.
type PoolRepos struct {
	pool *pgxpool.Pool
}

func NewPoolRepos(pool *pgxpool.Pool) *PoolRepos {
	return &PoolRepos{pool: pool}
}

func (r *PoolRepos) Events() service.EventRepositoryInterface {
	return NewEventRepository(r.pool)
}

func (r *PoolRepos) Chunks() service.ChunkRepositoryInterface {
	return NewChunkRepository(r.pool)
}

func (r *PoolRepos) WorkItems() service.WorkItemRepositoryInterface {
	return NewWorkItemRepository(r.pool)
}

type txRepos struct {
	tx pgx.Tx
}

func (r *txRepos) Events() service.EventRepositoryInterface {
	return NewEventRepositoryWithTx(r.tx)
}

func (r *txRepos) Chunks() service.ChunkRepositoryInterface {
	return NewChunkRepositoryWithTx(r.tx)
}

func (r *txRepos) WorkItems() service.WorkItemRepositoryInterface {
	return NewWorkItemRepositoryWithTx(r.tx)
}
