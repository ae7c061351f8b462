package database

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

// Transaction is a scoped database transaction
type Transaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row

	Commit() error
	Rollback() error

	// ID returns the transaction's tracking ID
	ID() string
}

// UnitOfWork scopes multiple repository operations atomically
type UnitOfWork interface {
	// Execute runs fn inside a transaction, committing on nil error and
	// rolling back otherwise
	Execute(ctx context.Context, fn func(tx Transaction) error) error

	// ExecuteWithOptions runs fn with custom transaction options
	ExecuteWithOptions(ctx context.Context, opts *sql.TxOptions, fn func(tx Transaction) error) error
}

type unitOfWork struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewUnitOfWork creates a unit of work on the given pool
func NewUnitOfWork(db *sqlx.DB, logger observability.Logger) UnitOfWork {
	return &unitOfWork{db: db, logger: logger}
}

func (u *unitOfWork) Execute(ctx context.Context, fn func(tx Transaction) error) error {
	return u.ExecuteWithOptions(ctx, nil, fn)
}

func (u *unitOfWork) ExecuteWithOptions(ctx context.Context, opts *sql.TxOptions, fn func(tx Transaction) error) error {
	sqlxTx, err := u.db.BeginTxx(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	tx := &transaction{tx: sqlxTx, id: uuid.New().String()}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlxTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := sqlxTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			u.logger.Error("Transaction rollback failed", map[string]interface{}{
				"tx_id": tx.id,
				"error": rbErr.Error(),
			})
		}
		return err
	}

	if err := sqlxTx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

type transaction struct {
	tx *sqlx.Tx
	id string
}

func (t *transaction) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *transaction) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return t.tx.GetContext(ctx, dest, query, args...)
}

func (t *transaction) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return t.tx.SelectContext(ctx, dest, query, args...)
}

func (t *transaction) QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row {
	return t.tx.QueryRowxContext(ctx, query, args...)
}

func (t *transaction) Commit() error {
	return t.tx.Commit()
}

func (t *transaction) Rollback() error {
	return t.tx.Rollback()
}

func (t *transaction) ID() string {
	return t.id
}
