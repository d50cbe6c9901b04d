package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/change-control/backend/repositories"
)

// WithTransaction runs fn inside a transaction of txMgr.
// fn receives the transaction's context so repositories join it.
func WithTransaction(ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	_, err := WithTransactionResult(ctx, txMgr, func(ctx context.Context, tx repositories.Transaction) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	})
	return err
}

// WithTransactionResult runs fn inside a transaction and returns its result.
// Errors from fn come back unchanged after the rollback. Begin, commit and
// rollback failures are reported as persistence errors.
func WithTransactionResult[T any](ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) (T, error)) (T, error) {
	var result T

	tx, err := txMgr.Begin(ctx)
	if err != nil {
		return result, txFailure("begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	result, err = fn(tx.Context(), tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return result, errors.Join(err, txFailure("rollback", rbErr))
		}
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return result, txFailure("commit", err)
	}
	return result, nil
}

func txFailure(stage string, err error) error {
	return MapStoreError(fmt.Errorf("%s transaction: %w", stage, err), nil)
}
