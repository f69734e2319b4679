package db

import (
	"context"

	pgx "github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/AlibekovAA/clinic-auth/internal/common/constants"
)

// TxManager runs fn inside one transaction. fn's error or panic rolls back;
// otherwise the transaction is committed and the commit error returned.
type TxManager struct {
	pool    *pgxpool.Pool
	options pgx.TxOptions
}

func NewTxManager(pool *pgxpool.Pool, options pgx.TxOptions) *TxManager {
	return &TxManager{pool: pool, options: options}
}

func (m *TxManager) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, constants.DBQueryTimeout)
	defer cancel()

	tx, err := m.pool.BeginTx(ctx, m.options)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	err = fn(ctx, tx)
	return err
}
