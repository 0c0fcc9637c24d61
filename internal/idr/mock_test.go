package idr

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/sells-group/apihub/internal/model"
	"github.com/sells-group/apihub/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// --- Matcher Mock ---

type mockMatcher struct {
	mock.Mock
}

func (m *mockMatcher) Match(ctx context.Context, c model.MatchCriteria) (*model.MatchResult, error) {
	args := m.Called(ctx, c)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.MatchResult), args.Error(1)
}

type matcherFunc func(ctx context.Context, c model.MatchCriteria) (*model.MatchResult, error)

func (f matcherFunc) Match(ctx context.Context, c model.MatchCriteria) (*model.MatchResult, error) {
	return f(ctx, c)
}

// --- In-memory Store ---

type stageKey struct{ project, stage int }

type fakeStore struct {
	mu        sync.Mutex
	stages    map[stageKey]*model.Stage
	entities  map[int64]model.Entity
	nextID    int64
	apiErrors []model.APIError
	locked    map[stageKey]bool

	failUpdate   map[int64]error
	failNth      map[int64]int // fail only the nth write to this entity
	writes       map[int64]int
	finishErr    error
	listCalls    []store.EntityFilter
	updateCalls  int
	finishCalls  int
	lockAttempts int
}

func newFakeStore(stages ...model.Stage) *fakeStore {
	fs := &fakeStore{
		stages:     make(map[stageKey]*model.Stage),
		entities:   make(map[int64]model.Entity),
		locked:     make(map[stageKey]bool),
		failUpdate: make(map[int64]error),
		failNth:    make(map[int64]int),
		writes:     make(map[int64]int),
	}
	for i := range stages {
		st := stages[i]
		fs.stages[stageKey{st.ProjectID, st.StageID}] = &st
	}
	return fs
}

// clone deep-copies through JSON so callers never share slices with the store.
func clone(e model.Entity) model.Entity {
	b, err := json.Marshal(e)
	if err != nil {
		panic(err)
	}
	var out model.Entity
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return out
}

func (f *fakeStore) GetStage(_ context.Context, projectID, stageID int) (*model.Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.stages[stageKey{projectID, stageID}]
	if !ok {
		return nil, store.ErrStageNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStore) MarkStageFinished(_ context.Context, projectID, stageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishCalls++
	if f.finishErr != nil {
		return f.finishErr
	}
	st, ok := f.stages[stageKey{projectID, stageID}]
	if !ok || st.Finished {
		return store.ErrStageNotFound
	}
	st.Finished = true
	return nil
}

func (f *fakeStore) ReopenStage(_ context.Context, projectID, stageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.stages[stageKey{projectID, stageID}]
	if !ok {
		return store.ErrStageNotFound
	}
	st.Finished = false
	return nil
}

func (f *fakeStore) LockStage(_ context.Context, projectID, stageID int) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockAttempts++
	k := stageKey{projectID, stageID}
	if f.locked[k] {
		return nil, store.ErrStageLocked
	}
	f.locked[k] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.locked, k)
	}, nil
}

func (f *fakeStore) InsertEntities(_ context.Context, entities []model.Entity) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range entities {
		dup := false
		for _, ex := range f.entities {
			if ex.ProjectID == e.ProjectID && ex.StageID == e.StageID && ex.DUNS == e.DUNS {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		f.nextID++
		e.ID = f.nextID
		f.entities[e.ID] = clone(e)
		n++
	}
	return n, nil
}

func (f *fakeStore) ListEntities(_ context.Context, flt store.EntityFilter) ([]model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, flt)

	ids := make([]int64, 0, len(f.entities))
	for id := range f.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []model.Entity
	for _, id := range ids {
		e := f.entities[id]
		if e.ProjectID != flt.ProjectID || e.StageID != flt.StageID || e.ID <= flt.AfterID {
			continue
		}
		switch flt.Resolution {
		case store.ResolutionUnresolved:
			if e.IsResolved() {
				continue
			}
		case store.ResolutionResolved:
			if !e.IsResolved() {
				continue
			}
		}
		if flt.TryStage != "" && (e.TryStage == nil || *e.TryStage != flt.TryStage) {
			continue
		}
		out = append(out, clone(e))
		if flt.Limit > 0 && len(out) == flt.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateEntity(_ context.Context, e *model.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateLocked(e, false)
}

func (f *fakeStore) UpdateUnresolvedEntity(_ context.Context, e *model.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateLocked(e, true)
}

func (f *fakeStore) updateLocked(e *model.Entity, guard bool) error {
	f.updateCalls++
	f.writes[e.ID]++
	if err := f.failUpdate[e.ID]; err != nil {
		return err
	}
	if n := f.failNth[e.ID]; n > 0 && f.writes[e.ID] == n {
		return errors.New("connection reset")
	}
	cur, ok := f.entities[e.ID]
	if !ok {
		return store.ErrEntityNotFound
	}
	if guard && cur.IsResolved() {
		return store.ErrEntityResolved
	}
	f.entities[e.ID] = clone(*e)
	return nil
}

func (f *fakeStore) RecordAPIError(_ context.Context, e *model.APIError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiErrors = append(f.apiErrors, *e)
	return nil
}

func (f *fakeStore) entity(id int64) model.Entity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return clone(f.entities[id])
}

func (f *fakeStore) add(e model.Entity) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	e.ID = f.nextID
	f.entities[e.ID] = clone(e)
	return e.ID
}

// --- fixtures ---

func seedStage() model.Stage {
	return model.Stage{
		ProjectID: 1, StageID: 1, Name: "seed", Role: model.RoleSeed,
		Params: model.StageParams{SourceFile: "blocks.jsonl"}, Finished: true,
	}
}

func matchStage(id int, try model.Try, input int) model.Stage {
	return model.Stage{
		ProjectID: 1, StageID: id, Name: string(try), Role: model.RoleMatch,
		Params: model.StageParams{
			Input: &model.StageRef{ProjectID: 1, StageID: input},
			Try:   try,
			API:   model.APIDnB,
		},
	}
}

func beEntity(duns, regNum string) model.Entity {
	return model.Entity{
		ProjectID: 1,
		StageID:   1,
		DUNS:      duns,
		Name:      "Feyenoord",
		Country:   "BE",
		City:      "Rotterdam",
		RegNumbers: []model.RegNumber{
			{Type: 800, Value: regNum, IsPreferred: true},
		},
	}
}

func intPtr(n int) *int { return &n }
