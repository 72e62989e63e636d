package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return newWithDB(db, log.NewNopLogger()), mock
}

var recordColumns = []string{
	"project_slug", "source_study_uid", "anon_study_uid",
	"pseudo_patient_id", "state", "error", "created", "updated",
}

func TestGetMissingRecord(t *testing.T) {
	l, mock := testLedger(t)
	mock.ExpectQuery("SELECT project_slug, source_study_uid").
		WithArgs("p1", "1.2.3").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := l.Get(context.Background(), "p1", "1.2.3")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureInsertsPendingRow(t *testing.T) {
	l, mock := testLedger(t)
	now := time.Now()

	mock.ExpectExec("INSERT INTO export").
		WithArgs("p1", "1.2.3").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT project_slug, source_study_uid").
		WithArgs("p1", "1.2.3").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("p1", "1.2.3", "", "", "pending", "", now, now))

	rec, err := l.Ensure(context.Background(), "p1", "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)
	assert.Empty(t, rec.AnonStudyUID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionUpdatesMatchingState(t *testing.T) {
	l, mock := testLedger(t)
	mock.ExpectExec("UPDATE export").
		WithArgs("exported", "", "p1", "1.2.3", "anonymised").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := l.Transition(context.Background(), "p1", "1.2.3", StateAnonymised, StateExported, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionLosingRaceIsConflict(t *testing.T) {
	l, mock := testLedger(t)
	mock.ExpectExec("UPDATE export").
		WithArgs("anonymised", "", "p1", "1.2.3", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := l.Transition(context.Background(), "p1", "1.2.3", StatePending, StateAnonymised, "")
	assert.True(t, errors.Is(err, ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRecordsError(t *testing.T) {
	l, mock := testLedger(t)
	mock.ExpectExec("UPDATE export").
		WithArgs("failed", "study absent from both sources", "p1", "1.2.3", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := l.Transition(context.Background(), "p1", "1.2.3", StatePending, StateFailed, "study absent from both sources")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRejectsUnknownStates(t *testing.T) {
	l, _ := testLedger(t)
	err := l.Transition(context.Background(), "p1", "1.2.3", State("bogus"), StateExported, "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConflict))
}

func TestSetAnonIDs(t *testing.T) {
	l, mock := testLedger(t)
	mock.ExpectExec("UPDATE export").
		WithArgs("2.25.999", "deadbeef", "p1", "1.2.3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.SetAnonIDs(context.Background(), "p1", "1.2.3", "2.25.999", "deadbeef"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetAnonIDsWithoutRowIsConflict(t *testing.T) {
	l, mock := testLedger(t)
	mock.ExpectExec("UPDATE export").
		WithArgs("2.25.999", "deadbeef", "p1", "1.2.3").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := l.SetAnonIDs(context.Background(), "p1", "1.2.3", "2.25.999", "deadbeef")
	assert.True(t, errors.Is(err, ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExportedListsFinishedStudies(t *testing.T) {
	l, mock := testLedger(t)
	now := time.Now()

	mock.ExpectQuery("SELECT project_slug, source_study_uid").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("p1", "1.2.3", "2.25.111", "aaaa", "exported", "", now, now).
			AddRow("p1", "1.2.4", "2.25.222", "bbbb", "exported", "", now, now))

	recs, err := l.Exported(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "2.25.111", recs[0].AnonStudyUID)
	assert.Equal(t, "aaaa", recs[0].PseudoPatientID)
	assert.Equal(t, StateExported, recs[1].State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCounts(t *testing.T) {
	l, mock := testLedger(t)
	mock.ExpectQuery("SELECT project_slug, state, count").
		WillReturnRows(sqlmock.NewRows([]string{"project_slug", "state", "n"}).
			AddRow("p1", "exported", 10).
			AddRow("p1", "failed", 2).
			AddRow("p2", "pending", 5))

	counts, err := l.Counts(context.Background())
	require.NoError(t, err)
	require.Len(t, counts, 3)
	assert.Equal(t, StateCount{ProjectSlug: "p1", State: StateExported, Count: 10}, counts[0])
	require.NoError(t, mock.ExpectationsWereMet())
}
