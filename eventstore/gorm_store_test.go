package eventstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shardie-github/Settler-API-sub003/domain"
)

func newMockStore(t *testing.T) (*GormEventStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return NewGormEventStore(gdb), mock
}

var eventColumns = []string{
	"id", "event_id", "aggregate_id", "aggregate_type", "event_type", "event_version",
	"data", "metadata", "tenant_id", "correlation_id", "timestamp", "created_at", "updated_at", "error", "processed",
}

func TestGormStoreAppendAssignsNextVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "events" WHERE event_id`).
		WillReturnRows(sqlmock.NewRows(eventColumns))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(event_version\), 0\) FROM "events"`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(2))
	mock.ExpectQuery(`INSERT INTO "events"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectCommit()

	event, err := domain.NewEvent("run-1", domain.ReconciliationAggregate, domain.RecordMatched,
		map[string]string{"source_id": "s1"}, domain.Metadata{TenantID: "tenant-1"})
	require.NoError(t, err)

	stored, err := store.Append(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, 3, stored.Version)
	require.Equal(t, event.ID, stored.ID)
	require.Equal(t, "tenant-1", stored.Metadata.TenantID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreAppendExplicitVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "events" WHERE event_id`).
		WillReturnRows(sqlmock.NewRows(eventColumns))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(event_version\), 0\) FROM "events"`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4))
	mock.ExpectRollback()

	event, err := domain.NewEvent("run-1", domain.ReconciliationAggregate, domain.RecordMatched, nil, domain.Metadata{})
	require.NoError(t, err)
	event.Version = 4

	_, err = store.Append(context.Background(), event)
	require.True(t, errors.Is(err, ErrConcurrencyConflict))

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, 4, conflict.ActualVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreAppendReturnsExistingEvent(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "events" WHERE event_id`).
		WillReturnRows(sqlmock.NewRows(eventColumns).AddRow(
			9, "evt-1", "run-1", domain.ReconciliationAggregate, domain.RecordMatched, 5,
			[]byte(`{}`), []byte(`{"tenant_id":"tenant-1","correlation_id":"c"}`), "tenant-1", "c", now, now, now, nil, false,
		))
	mock.ExpectCommit()

	event, err := domain.NewEventWithID("evt-1", "run-1", domain.ReconciliationAggregate, domain.RecordMatched, nil, domain.Metadata{})
	require.NoError(t, err)

	stored, err := store.Append(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, 5, stored.Version)
	require.Equal(t, "c", stored.Metadata.CorrelationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreAppendUniqueViolationBecomesConflict(t *testing.T) {
	store, mock := newMockStore(t)

	for i := 0; i < maxAppendAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM "events" WHERE event_id`).
			WillReturnRows(sqlmock.NewRows(eventColumns))
		mock.ExpectQuery(`SELECT COALESCE\(MAX\(event_version\), 0\) FROM "events"`).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
		mock.ExpectQuery(`INSERT INTO "events"`).
			WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
		mock.ExpectRollback()
	}

	event, err := domain.NewEvent("run-1", domain.ReconciliationAggregate, domain.RecordMatched, nil, domain.Metadata{})
	require.NoError(t, err)

	_, err = store.Append(context.Background(), event)
	require.True(t, errors.Is(err, ErrConcurrencyConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreStorageError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "events" WHERE`).
		WillReturnError(errors.New("connection refused"))

	_, err := store.GetEvents(context.Background(), "run-1", domain.ReconciliationAggregate, 1)
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	require.Equal(t, "get events", storageErr.Op)
	require.True(t, storageErr.Retryable())
}

func TestGormStoreGetEvents(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT \* FROM "events" WHERE .*aggregate_id = \$1 AND aggregate_type = \$2 AND event_version >= \$3.*ORDER BY event_version ASC`).
		WithArgs("run-1", domain.ReconciliationAggregate, 2).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(2, "evt-2", "run-1", domain.ReconciliationAggregate, domain.RecordMatched, 2, []byte(`{}`), []byte(`{}`), "", "", now, now, now, nil, false).
			AddRow(3, "evt-3", "run-1", domain.ReconciliationAggregate, domain.MatchingCompleted, 3, []byte(`{}`), []byte(`{}`), "", "", now, now, now, nil, false))

	events, err := store.GetEvents(context.Background(), "run-1", domain.ReconciliationAggregate, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "evt-3", events[1].ID)
	require.Equal(t, 3, events[1].Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreLatestSnapshotMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "snapshots"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "aggregate_id", "aggregate_type", "data", "version", "source_event_id", "created_at"}))

	snapshot, err := store.GetLatestSnapshot(context.Background(), "run-1", domain.ReconciliationAggregate)
	require.NoError(t, err)
	require.Nil(t, snapshot)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreMarkEventProcessed(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE "events" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.MarkEventProcessed(context.Background(), "evt-1", nil))

	mock.ExpectExec(`UPDATE "events" SET "error"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.MarkEventProcessed(context.Background(), "evt-1", errors.New("es down")))

	require.NoError(t, mock.ExpectationsWereMet())
}
