package audit

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockTrail(t *testing.T) (*Trail, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTrail(db), mock
}

func TestEnsureSchemaCreatesTable(t *testing.T) {
	trail, mock := newMockTrail(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS throttle_audit").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, trail.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordInsertsRow(t *testing.T) {
	trail, mock := newMockTrail(t)
	mock.ExpectExec("INSERT INTO throttle_audit").WillReturnResult(sqlmock.NewResult(1, 1))

	err := trail.Record(context.Background(), Record{
		RequestID:  uuid.New(),
		Symbol:     "AAPL",
		Outcome:    "success",
		Attempt:    1,
		DurationMs: 42,
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentFailureRateComputesFraction(t *testing.T) {
	trail, mock := newMockTrail(t)
	rows := sqlmock.NewRows([]string{"count", "failed"}).AddRow(int64(10), int64(3))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(rows)

	rate, err := trail.RecentFailureRate(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, rate, 0.0001)
}

func TestRecentFailureRateZeroWhenNoRows(t *testing.T) {
	trail, mock := newMockTrail(t)
	rows := sqlmock.NewRows([]string{"count", "failed"}).AddRow(int64(0), int64(0))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(rows)

	rate, err := trail.RecentFailureRate(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, float64(0), rate)
}
