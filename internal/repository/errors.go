package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConditionFailed reports that a guarded UPDATE matched no row, e.g. a
	// debit larger than the balance or a request that is no longer pending.
	ErrConditionFailed = errors.New("condition not met")
	// ErrDuplicate reports a unique constraint violation.
	ErrDuplicate = errors.New("duplicate")
)

// mapErr translates driver errors into the package sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// rowsAffected returns ErrConditionFailed when a guarded write touched nothing.
func rowsAffected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}
