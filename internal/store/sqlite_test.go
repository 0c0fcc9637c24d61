package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/apihub/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testProject() *model.Project {
	return &model.Project{
		ID:   7,
		Name: "duns-to-lei",
		Stages: []model.Stage{
			{StageID: 1, Name: "seed", Role: model.RoleSeed, Params: model.StageParams{SourceFile: "blocks.jsonl"}},
			{StageID: 2, Name: "preferred", Role: model.RoleMatch, Params: model.StageParams{
				Input: &model.StageRef{ProjectID: 7, StageID: 1},
				Try:   model.TryPreferredRegNum,
				API:   model.APIGLEIF,
			}},
		},
	}
}

func seedEntities(t *testing.T, st Store, n int) []model.Entity {
	t.Helper()
	var in []model.Entity
	for i := 0; i < n; i++ {
		in = append(in, model.Entity{
			ProjectID:  7,
			StageID:    1,
			DUNS:       string(rune('a'+i)) + "00000000",
			Name:       "Company " + string(rune('A'+i)),
			Country:    "BE",
			RegNumbers: []model.RegNumber{{Type: 800, Value: "123456789", IsPreferred: true}},
		})
	}
	inserted, err := st.InsertEntities(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, int64(n), inserted)

	out, err := st.ListEntities(context.Background(), EntityFilter{ProjectID: 7, StageID: 1})
	require.NoError(t, err)
	require.Len(t, out, n)
	return out
}

func TestSQLite_ProjectRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveProject(ctx, testProject()))

	p, err := st.GetProject(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "duns-to-lei", p.Name)
	require.Len(t, p.Stages, 2)
	assert.Equal(t, model.RoleMatch, p.Stages[1].Role)
	require.NotNil(t, p.Stages[1].Params.Input)
	assert.Equal(t, 1, p.Stages[1].Params.Input.StageID)
	assert.Equal(t, model.TryPreferredRegNum, p.Stages[1].Params.Try)

	all, err := st.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, all[0].Stages, 2)

	_, err = st.GetProject(ctx, 99)
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestSQLite_SaveProjectKeepsFinishedFlag(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveProject(ctx, testProject()))
	require.NoError(t, st.MarkStageFinished(ctx, 7, 1))

	p := testProject()
	p.Stages[0].Name = "renamed"
	require.NoError(t, st.SaveProject(ctx, p))

	stage, err := st.GetStage(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, "renamed", stage.Name)
	assert.True(t, stage.Finished)
	assert.NotNil(t, stage.FinishedAt)
}

func TestSQLite_MarkStageFinishedExactlyOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveProject(ctx, testProject()))

	require.NoError(t, st.MarkStageFinished(ctx, 7, 2))
	err := st.MarkStageFinished(ctx, 7, 2)
	assert.ErrorIs(t, err, ErrStageNotFound)

	require.NoError(t, st.ReopenStage(ctx, 7, 2))
	stage, err := st.GetStage(ctx, 7, 2)
	require.NoError(t, err)
	assert.False(t, stage.Finished)
	assert.Nil(t, stage.FinishedAt)
	require.NoError(t, st.MarkStageFinished(ctx, 7, 2))
}

func TestSQLite_MarkStageFinishedUnknown(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.MarkStageFinished(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrStageNotFound)

	_, err = st.GetStage(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrStageNotFound)
}

func TestSQLite_InsertEntitiesIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seeded := seedEntities(t, st, 3)

	again, err := st.InsertEntities(ctx, []model.Entity{{ProjectID: 7, StageID: 1, DUNS: seeded[0].DUNS, Name: "changed"}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), again)

	e, err := st.GetEntity(ctx, seeded[0].ID)
	require.NoError(t, err)
	assert.Equal(t, seeded[0].Name, e.Name)
	require.Len(t, e.RegNumbers, 1)
	assert.True(t, e.RegNumbers[0].IsPreferred)
	assert.Nil(t, e.Resolved)
	assert.Nil(t, e.Quality)
	assert.Empty(t, e.Tries)
}

func TestSQLite_ListEntitiesKeyset(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	all := seedEntities(t, st, 5)

	page1, err := st.ListEntities(ctx, EntityFilter{ProjectID: 7, StageID: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, all[0].ID, page1[0].ID)

	page2, err := st.ListEntities(ctx, EntityFilter{ProjectID: 7, StageID: 1, Limit: 2, AfterID: page1[1].ID})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, all[2].ID, page2[0].ID)

	page3, err := st.ListEntities(ctx, EntityFilter{ProjectID: 7, StageID: 1, Limit: 2, AfterID: page2[1].ID})
	require.NoError(t, err)
	assert.Len(t, page3, 1)
}

func TestSQLite_UpdateEntityAndFilters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	all := seedEntities(t, st, 3)

	regNum := 100
	status := 200
	try := model.TryPreferredRegNum
	lei := "LEI00000000000000001"
	e := all[1]
	e.TryStage = &try
	e.ReqParams = json.RawMessage(`{"reg_num":"1234.567.89","country":"BE"}`)
	e.Response = json.RawMessage(`{"api":"gleif","http_status":200,"total":1,"candidates":[]}`)
	e.HTTPStatus = &status
	e.Resolved = &lei
	e.Quality = &model.Quality{RegNum: &regNum, Name: 88, City: 100, Try: try}
	e.Remark = "accepted"
	e.Tries = []model.TryEntry{{Try: try, Input: model.MatchCriteria{RegNum: "1234.567.89", Country: "BE"}, Success: true}}
	e.TouchedAt = time.Now().UTC()
	require.NoError(t, st.UpdateEntity(ctx, &e))

	got, err := st.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TryStage)
	assert.Equal(t, try, *got.TryStage)
	assert.Equal(t, lei, *got.Resolved)
	assert.Equal(t, 200, *got.HTTPStatus)
	require.NotNil(t, got.Quality)
	assert.Equal(t, 100, *got.Quality.RegNum)
	assert.JSONEq(t, string(e.ReqParams), string(got.ReqParams))
	require.Len(t, got.Tries, 1)
	assert.True(t, got.Tries[0].Success)

	unresolved, err := st.ListEntities(ctx, EntityFilter{ProjectID: 7, StageID: 1, Resolution: ResolutionUnresolved})
	require.NoError(t, err)
	assert.Len(t, unresolved, 2)

	resolved, err := st.ListEntities(ctx, EntityFilter{ProjectID: 7, StageID: 1, Resolution: ResolutionResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, e.ID, resolved[0].ID)

	byTry, err := st.ListEntities(ctx, EntityFilter{ProjectID: 7, StageID: 1, TryStage: model.TryNameCountry})
	require.NoError(t, err)
	assert.Empty(t, byTry)

	counts, err := st.CountEntities(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, StageCounts{Total: 3, Resolved: 1}, counts)

	missing := model.Entity{ID: 999}
	assert.ErrorIs(t, st.UpdateEntity(ctx, &missing), ErrEntityNotFound)
}

func TestSQLite_ClearedFieldsStoreNull(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	e := seedEntities(t, st, 1)[0]

	status := 404
	e.HTTPStatus = &status
	e.Response = json.RawMessage(`{}`)
	require.NoError(t, st.UpdateEntity(ctx, &e))

	e.HTTPStatus = nil
	e.Response = nil
	require.NoError(t, st.UpdateEntity(ctx, &e))

	got, err := st.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.HTTPStatus)
	assert.Nil(t, got.Response)
	assert.Nil(t, got.TryStage)
}

func TestSQLite_APIErrors(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := &model.APIError{
		ProjectID:    7,
		StageID:      2,
		EntityID:     42,
		API:          model.APIGLEIF,
		ReqParams:    model.MatchCriteria{RegNum: "x", Country: "BE"},
		HTTPStatus:   500,
		ResponseBody: `{"errors":["boom"]}`,
		Error:        "gleif: unexpected status 500",
	}
	require.NoError(t, st.RecordAPIError(ctx, rec))
	assert.NotEmpty(t, rec.ID)

	require.NoError(t, st.RecordAPIError(ctx, &model.APIError{ProjectID: 8, StageID: 1, EntityID: 1, API: model.APIDnB, Error: "dial tcp: connection refused"}))

	list, err := st.ListAPIErrors(ctx, APIErrorFilter{ProjectID: 7, StageID: 2})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
	assert.Equal(t, 500, list[0].HTTPStatus)
	assert.Equal(t, "x", list[0].ReqParams.RegNum)
	assert.Equal(t, model.APIGLEIF, list[0].API)

	everything, err := st.ListAPIErrors(ctx, APIErrorFilter{})
	require.NoError(t, err)
	assert.Len(t, everything, 2)
}

func TestSQLite_LockStage(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	unlock, err := st.LockStage(ctx, 7, 2)
	require.NoError(t, err)

	_, err = st.LockStage(ctx, 7, 2)
	assert.True(t, eris.Is(err, ErrStageLocked))

	other, err := st.LockStage(ctx, 7, 3)
	require.NoError(t, err)
	other()

	unlock()
	again, err := st.LockStage(ctx, 7, 2)
	require.NoError(t, err)
	again()
}

func TestSQLite_UpdateUnresolvedEntityKeepsResolvedRows(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	e := seedEntities(t, st, 1)[0]

	try := model.TryPreferredRegNum
	lei := "LEI00000000000000001"
	won := e
	won.TryStage = &try
	won.Resolved = &lei
	won.Remark = "accepted"
	require.NoError(t, st.UpdateUnresolvedEntity(ctx, &won))

	// A second writer still holding the unresolved copy loses.
	name := model.TryNameCountry
	late := e
	late.TryStage = &name
	late.Remark = "no candidates"
	assert.ErrorIs(t, st.UpdateUnresolvedEntity(ctx, &late), ErrEntityResolved)

	got, err := st.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Resolved)
	assert.Equal(t, lei, *got.Resolved)
	assert.Equal(t, "accepted", got.Remark)

	// Unguarded writes, used by reject and reset, still apply.
	late.Resolved = nil
	require.NoError(t, st.UpdateEntity(ctx, &late))
	got, err = st.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Resolved)
}
