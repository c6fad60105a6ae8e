package testutil

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
)

// Logger returns a "standard" testing logger, with debug level and common flaky
// errors ignored.
func Logger(t testing.TB) slog.Logger {
	return slogtest.Make(
		t, &slogtest.Options{IgnoreErrorFn: IgnoreLoggedError},
	).Leveled(slog.LevelDebug)
}

func IgnoreLoggedError(entry slog.SinkEntry) bool {
	err, ok := slogtest.FindFirstError(entry)
	if !ok {
		return false
	}
	// Canceled queries usually happen when we're shutting down tests, and so
	// ignoring them should reduce flakiness. This also includes
	// context.Canceled and context.DeadlineExceeded errors, even if they are
	// not part of a query.
	return isQueryCanceledError(err)
}

// isQueryCanceledError checks if the error is due to a query being canceled.
// String matching is used rather than the pq error type so that testutil,
// which is imported nearly everywhere, does not import lib/pq.
func isQueryCanceledError(err error) bool {
	if xerrors.Is(err, context.Canceled) || xerrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if strings.Contains(err.Error(), "canceling statement due to user request") {
		return true
	}
	return false
}
