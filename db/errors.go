package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/migadu/tidings/consts"
)

var (
	errBeginTx  = consts.ErrDBBeginTransactionFailed
	errCommitTx = consts.ErrDBCommitTransactionFailed
)

// isUniqueViolation recognises duplicate-key errors from both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
