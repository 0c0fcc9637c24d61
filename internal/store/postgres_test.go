package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/apihub/internal/db"
	"github.com/sells-group/apihub/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_MarkStageFinished(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE idr_stages SET finished = true`).
		WithArgs(3, 2, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.MarkStageFinished(context.Background(), 3, 2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkStageFinished_ZeroRowsIsFatal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE idr_stages SET finished = true`).
		WithArgs(3, 2, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkStageFinished(context.Background(), 3, 2)
	assert.ErrorIs(t, err, ErrStageNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetStage(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"project_id", "stage_id", "name", "role", "params", "finished", "finished_at"}).
		AddRow(3, 2, "name try", "match", []byte(`{"input":{"project_id":3,"stage_id":1},"try":"name_country","api":"dnb","confidence_threshold":8}`), true, &finished)
	mock.ExpectQuery(`SELECT project_id, stage_id, name, role, params, finished, finished_at FROM idr_stages`).
		WithArgs(3, 2).
		WillReturnRows(rows)

	st, err := s.GetStage(context.Background(), 3, 2)
	require.NoError(t, err)
	assert.Equal(t, model.RoleMatch, st.Role)
	assert.Equal(t, model.TryNameCountry, st.Params.Try)
	assert.Equal(t, 8, st.Params.ConfidenceThreshold)
	assert.True(t, st.Finished)
	require.NotNil(t, st.FinishedAt)
	assert.True(t, finished.Equal(*st.FinishedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetStage_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM idr_stages`).WithArgs(1, 9).WillReturnError(pgx.ErrNoRows)

	_, err := s.GetStage(context.Background(), 1, 9)
	assert.ErrorIs(t, err, ErrStageNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListEntities(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	try := "preferred_reg_num"
	status := 404
	cols := []string{"id", "project_id", "stage_id", "duns", "name", "country", "city", "reg_numbers", "try_stage",
		"req_params", "response", "http_status", "resolved", "quality", "remark", "tries", "touched_at"}
	rows := pgxmock.NewRows(cols).
		AddRow(int64(11), 3, 1, "123456789", "Voorbeeld NV", "BE", "Gent",
			[]byte(`[{"type":800,"value":"123456789","is_preferred":true}]`), &try,
			[]byte(`{"reg_num":"1234.567.89","country":"BE"}`), []byte(`{"api":"gleif","http_status":404,"total":0,"candidates":null}`),
			&status, (*string)(nil), []byte(nil), "no candidates", []byte(`[{"try":"preferred_reg_num","input":{"country":"BE"},"success":false,"created_at":"2026-01-01T00:00:00Z"}]`),
			time.Now())

	mock.ExpectQuery(`FROM idr_entities WHERE project_id = \$1 AND stage_id = \$2 AND id > \$3 AND resolved IS NULL ORDER BY id LIMIT \$4`).
		WithArgs(3, 1, int64(10), 100).
		WillReturnRows(rows)

	got, err := s.ListEntities(context.Background(), EntityFilter{
		ProjectID: 3, StageID: 1, AfterID: 10, Limit: 100, Resolution: ResolutionUnresolved,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	e := got[0]
	assert.Equal(t, int64(11), e.ID)
	require.Len(t, e.RegNumbers, 1)
	assert.Equal(t, 800, e.RegNumbers[0].Type)
	require.NotNil(t, e.TryStage)
	assert.Equal(t, model.TryPreferredRegNum, *e.TryStage)
	assert.Equal(t, 404, *e.HTTPStatus)
	assert.Nil(t, e.Resolved)
	assert.Nil(t, e.Quality)
	require.Len(t, e.Tries, 1)
	assert.False(t, e.Tries[0].Success)

	res, err := e.StoredResult()
	require.NoError(t, err)
	assert.Equal(t, 404, res.HTTPStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEntity(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	lei := "LEI00000000000000001"
	regNum := 100
	try := model.TryPreferredRegNum
	e := &model.Entity{
		ID:        11,
		TryStage:  &try,
		Resolved:  &lei,
		Quality:   &model.Quality{RegNum: &regNum, Name: 90, City: 100, Try: try},
		Remark:    "accepted",
		TouchedAt: time.Now(),
	}

	mock.ExpectExec(`UPDATE idr_entities SET try_stage = \$1`).
		WithArgs("preferred_reg_num", nil, nil, nil, lei,
			`{"regNum":100,"name":90,"city":100,"stage":"preferred_reg_num"}`, "accepted", "[]",
			pgxmock.AnyArg(), int64(11)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateEntity(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEntity_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE idr_entities`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateEntity(context.Background(), &model.Entity{ID: 5})
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestPostgresStore_UpdateUnresolvedEntity(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`WHERE id = \$10 AND resolved IS NULL`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`WHERE id = \$10 AND resolved IS NULL`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.UpdateUnresolvedEntity(context.Background(), &model.Entity{ID: 5}))
	err := s.UpdateUnresolvedEntity(context.Background(), &model.Entity{ID: 5})
	assert.ErrorIs(t, err, ErrEntityResolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertEntities(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cfg := db.UpsertConfig{Table: "idr_entities"}
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{cfg.TempTable()}, entityInsertColumns).WillReturnResult(2)
	mock.ExpectExec("DELETE FROM").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("DO NOTHING").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.InsertEntities(context.Background(), []model.Entity{
		{ProjectID: 3, StageID: 1, DUNS: "111111111", Name: "A", Country: "NL"},
		{ProjectID: 3, StageID: 1, DUNS: "222222222", Name: "B", Country: "BE"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LockStage(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock`).
		WithArgs(3, 2).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectRollback()

	unlock, err := s.LockStage(context.Background(), 3, 2)
	require.NoError(t, err)
	unlock()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LockStage_Held(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock`).
		WithArgs(3, 2).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	mock.ExpectRollback()

	_, err := s.LockStage(context.Background(), 3, 2)
	assert.ErrorIs(t, err, ErrStageLocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordAPIError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO idr_api_errors`).
		WithArgs(pgxmock.AnyArg(), 3, 2, int64(11), "dnb", `{"name":"Acme","country":"NL"}`, 500, "oops", "dnb: unexpected status 500", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := &model.APIError{
		ProjectID: 3, StageID: 2, EntityID: 11, API: model.APIDnB,
		ReqParams:  model.MatchCriteria{Name: "Acme", Country: "NL"},
		HTTPStatus: 500, ResponseBody: "oops", Error: "dnb: unexpected status 500",
	}
	require.NoError(t, s.RecordAPIError(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordAPIError_Fails(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO idr_api_errors`).WillReturnError(errors.New("pool exhausted"))

	err := s.RecordAPIError(context.Background(), &model.APIError{EntityID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record api error")
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS idr_projects`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityListQuery(t *testing.T) {
	q, args := entityListQuery(EntityFilter{ProjectID: 1, StageID: 2, TryStage: model.TryCustomRegNum, Limit: 50}, pgPlaceholder)
	assert.Contains(t, q, "AND try_stage = $4 ORDER BY id LIMIT $5")
	assert.NotContains(t, q, "resolved")
	assert.Equal(t, []any{1, 2, int64(0), "custom_reg_num", 50}, args)

	q, args = entityListQuery(EntityFilter{ProjectID: 1, StageID: 2, Resolution: ResolutionResolved}, sqlitePlaceholder)
	assert.Contains(t, q, "id > ? AND resolved IS NOT NULL ORDER BY id")
	assert.NotContains(t, q, "LIMIT")
	assert.Len(t, args, 3)
}
