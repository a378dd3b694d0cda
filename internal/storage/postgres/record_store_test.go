package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/openlistings/harvester/internal/pipeline"
)

func TestUpsertRecordWritesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO listings").
		WithArgs("2061234567", []byte(`{"id":"2061234567"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.UpsertRecord(context.Background(), pipeline.Record{
		ID:    "2061234567",
		Attrs: map[string]any{"id": "2061234567"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	err = store.UpsertRecord(context.Background(), pipeline.Record{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceNestedDeletesThenInserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM listing_nested").
		WithArgs("101", "history").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("INSERT INTO listing_nested").
		WithArgs("101", "history", 0, []byte(`{"event":"listed"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO listing_nested").
		WithArgs("101", "history", 1, []byte(`{"event":"sold"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err = store.ReplaceNested(context.Background(), "history", "101", []map[string]any{
		{"event": "listed"},
		{"event": "sold"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceNestedEmptyListDeletesOnly(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM listing_nested").
		WithArgs("101", "history").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	err = store.ReplaceNested(context.Background(), "history", "101", nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceNestedRollsBackOnInsertFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM listing_nested").
		WithArgs("101", "history").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO listing_nested").
		WithArgs("101", "history", 0, []byte(`{"event":"listed"}`)).
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err = store.ReplaceNested(context.Background(), "history", "101", []map[string]any{
		{"event": "listed"},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetEnrichedUnknownIDIsNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE listings SET enriched").
		WithArgs("404").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.SetEnriched(context.Background(), "404")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnenrichedScansIDs(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{"id"}).AddRow("10").AddRow("20")
	mock.ExpectQuery("SELECT id FROM listings WHERE NOT enriched").
		WithArgs(2).
		WillReturnRows(rows)

	ids, err := store.ListUnenriched(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []string{"10", "20"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
