package pg

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/execguard/broker/internal/audit"
)

func newMockLedger(t *testing.T) (*PGLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	logger := zaptest.NewLogger(t)
	return NewPGLedgerFromDB(sqlxDB, logger), mock
}

func TestPGLedgerAppendAtomicAcquiresAdvisoryLock(t *testing.T) {
	ledger, mock := newMockLedger(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(advisoryLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT entry_hash FROM audit_entries").
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry := audit.Entry{
		EventType:       audit.EventActionExecuted,
		ActorType:       audit.ActorSystem,
		ActorID:         "orchestrator",
		EntityType:      "envelope",
		EntityID:        "env-1",
		VisibilityLevel: audit.VisibilityInternal,
		Summary:         "executed",
		Snapshot:        map[string]interface{}{"ok": true},
	}
	stored, err := ledger.Append(ctx, entry)
	require.NoError(t, err)
	require.NotEmpty(t, stored.EntryHash)
	require.Empty(t, stored.PreviousEntryHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGLedgerAppendAtomicChainsFromPreviousHash(t *testing.T) {
	ledger, mock := newMockLedger(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(advisoryLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT entry_hash FROM audit_entries").
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}).AddRow("deadbeef"))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	stored, err := ledger.Append(ctx, audit.Entry{
		EventType:       audit.EventActionDenied,
		ActorType:       audit.ActorSystem,
		ActorID:         "policy-engine",
		EntityType:      "envelope",
		EntityID:        "env-2",
		VisibilityLevel: audit.VisibilityInternal,
		Summary:         "denied",
	})
	require.NoError(t, err)
	require.Equal(t, "deadbeef", stored.PreviousEntryHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGLedgerAppendAtomicRollsBackOnInsertFailure(t *testing.T) {
	ledger, mock := newMockLedger(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(advisoryLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT entry_hash FROM audit_entries").
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err := ledger.Append(ctx, audit.Entry{
		EventType:  audit.EventActionExecuted,
		EntityType: "envelope",
		EntityID:   "env-3",
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
