package postgres

import (
	"errors"
	"time"

	"github.com/lib/pq"
)

var errBoom = errors.New("boom")

func nowForTest() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func lockNotAvailableErrForTest() error {
	return &pq.Error{Code: "55P03", Message: "could not obtain lock on row"}
}
