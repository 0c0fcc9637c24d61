package idr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/apihub/internal/metrics"
	"github.com/sells-group/apihub/internal/model"
	"github.com/sells-group/apihub/internal/ratelimit"
	"github.com/sells-group/apihub/internal/regnum"
	"github.com/sells-group/apihub/internal/resilience"
	"github.com/sells-group/apihub/internal/store"
)

// DefaultChunkSize is the number of entities read per cursor page.
const DefaultChunkSize = 100

// ErrIneligible marks an entity that lacks the input a try needs. It is a
// skip, never a failure.
var ErrIneligible = eris.New("entity is not eligible for this try")

// Matcher looks up candidates for a match criteria in an external registry.
// Non-2xx responses surface as *resilience.HTTPError.
type Matcher interface {
	Match(ctx context.Context, c model.MatchCriteria) (*model.MatchResult, error)
}

// Store is the persistence the pipeline needs. store.Store satisfies it.
type Store interface {
	GetStage(ctx context.Context, projectID, stageID int) (*model.Stage, error)
	MarkStageFinished(ctx context.Context, projectID, stageID int) error
	ReopenStage(ctx context.Context, projectID, stageID int) error
	LockStage(ctx context.Context, projectID, stageID int) (func(), error)
	InsertEntities(ctx context.Context, entities []model.Entity) (int64, error)
	ListEntities(ctx context.Context, f store.EntityFilter) ([]model.Entity, error)
	UpdateEntity(ctx context.Context, e *model.Entity) error
	UpdateUnresolvedEntity(ctx context.Context, e *model.Entity) error
	RecordAPIError(ctx context.Context, e *model.APIError) error
}

// State is where an entity ended up in one stage execution.
type State string

const (
	StateEligible            State = "eligible"
	StateRequested           State = "requested"
	StateAwaitingResponse    State = "awaiting_response"
	StateEvaluated           State = "evaluated"
	StateResolved            State = "resolved"
	StateUnresolvedNextStage State = "unresolved_next_stage"
	StateUnresolvedTerminal  State = "unresolved_terminal"
	StateSkipped             State = "skipped"
	StateFailed              State = "failed"
	StateRejected            State = "rejected"
	StateReset               State = "reset"
)

// Settlement is the accounted outcome of one entity task. Err is set for
// persistence failures (State == StateFailed) and for recorded API errors.
type Settlement struct {
	EntityID int64
	State    State
	Err      error
}

// Summary aggregates the settlements of a stage execution.
type Summary struct {
	ProjectID int
	StageID   int
	Role      model.Role
	Chunks    int
	States    map[State]int
	APIErrors int
	Inserted  int64
	Failed    []Settlement
	Duration  time.Duration
}

func newSummary(stage *model.Stage) *Summary {
	return &Summary{
		ProjectID: stage.ProjectID,
		StageID:   stage.StageID,
		Role:      stage.Role,
		States:    make(map[State]int),
	}
}

func (s *Summary) add(st Settlement) {
	s.States[st.State]++
	switch {
	case st.State == StateFailed:
		s.Failed = append(s.Failed, st)
	case st.Err != nil:
		s.APIErrors++
	}
}

// Total returns the number of settled entities.
func (s *Summary) Total() int {
	n := 0
	for _, c := range s.States {
		n += c
	}
	return n
}

// Options configures a Driver.
type Options struct {
	ChunkSize           int
	NonCriticalStatuses []int
	// DBLimiter caps entity writes. Nil means unlimited.
	DBLimiter  ratelimit.Waiter
	Normalizer *regnum.Normalizer
	Metrics    *metrics.Metrics
}

// Driver sweeps the entities of a stage in chunks. Within a chunk every
// entity task runs concurrently; the next chunk is read only after the
// current one has settled.
type Driver struct {
	store Store
	opts  Options
}

// NewDriver creates a Driver with defaults filled in.
func NewDriver(st Store, opts Options) *Driver {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if len(opts.NonCriticalStatuses) == 0 {
		opts.NonCriticalStatuses = []int{404}
	}
	if opts.Normalizer == nil {
		opts.Normalizer = regnum.New(nil)
	}
	return &Driver{store: st, opts: opts}
}

type matchRun struct {
	stage       *model.Stage
	try         model.Try
	api         model.API
	matcher     Matcher
	eval        Evaluator
	nonCritical map[int]bool
	log         *zap.Logger
}

// unresolved is the terminal state of an entity this try did not resolve.
func (r *matchRun) unresolved() State {
	if _, ok := r.try.Next(); ok {
		return StateUnresolvedNextStage
	}
	return StateUnresolvedTerminal
}

// Match runs the stage's try against every unresolved entity of source.
func (d *Driver) Match(ctx context.Context, stage *model.Stage, source model.StageRef, m Matcher) (*Summary, error) {
	p := stage.Params
	if !p.Try.Valid() {
		return nil, eris.Wrapf(model.ErrInvalidStage, "idr: stage %d: unknown try %q", stage.StageID, p.Try)
	}
	if m == nil {
		return nil, eris.Wrapf(model.ErrInvalidStage, "idr: stage %d: no matcher for api %q", stage.StageID, p.API)
	}

	statuses := p.NonCriticalStatuses
	if len(statuses) == 0 {
		statuses = d.opts.NonCriticalStatuses
	}
	run := &matchRun{
		stage:       stage,
		try:         p.Try,
		api:         p.API,
		matcher:     m,
		eval:        NewEvaluator(p, d.opts.Normalizer),
		nonCritical: make(map[int]bool, len(statuses)),
		log:         stageLogger(stage).With(zap.String("try", string(p.Try)), zap.String("api", string(p.API))),
	}
	for _, s := range statuses {
		run.nonCritical[s] = true
	}

	f := store.EntityFilter{
		ProjectID:  source.ProjectID,
		StageID:    source.StageID,
		Resolution: store.ResolutionUnresolved,
	}
	return d.run(ctx, stage, f, string(p.Try), func(ctx context.Context, e *model.Entity) Settlement {
		return d.matchEntity(ctx, run, e)
	})
}

// Reject reverts accepted matches of source that break the stage's rules.
// When the stage names a try, only matches resolved by that try are checked.
func (d *Driver) Reject(ctx context.Context, stage *model.Stage, source model.StageRef) (*Summary, error) {
	r := NewRejecter(stage.Params)
	only := stage.Params.Try
	log := stageLogger(stage)

	f := store.EntityFilter{
		ProjectID:  source.ProjectID,
		StageID:    source.StageID,
		Resolution: store.ResolutionResolved,
	}
	return d.run(ctx, stage, f, string(model.RoleReject), func(ctx context.Context, e *model.Entity) Settlement {
		return d.rejectEntity(ctx, log, r, only, e)
	})
}

// Rollback resets every unresolved entity of source whose stored attempt
// belongs to the stage's try.
func (d *Driver) Rollback(ctx context.Context, stage *model.Stage, source model.StageRef) (*Summary, error) {
	try := stage.Params.Try
	if !try.Valid() {
		return nil, eris.Wrapf(model.ErrInvalidStage, "idr: stage %d: unknown try %q", stage.StageID, try)
	}

	f := store.EntityFilter{
		ProjectID:  source.ProjectID,
		StageID:    source.StageID,
		Resolution: store.ResolutionUnresolved,
		TryStage:   try,
	}
	return d.run(ctx, stage, f, string(model.RoleReset), func(ctx context.Context, e *model.Entity) Settlement {
		if !Reset(e, try) {
			return Settlement{EntityID: e.ID, State: StateSkipped}
		}
		if err := d.update(ctx, e); err != nil {
			return Settlement{EntityID: e.ID, State: StateFailed, Err: err}
		}
		return Settlement{EntityID: e.ID, State: StateReset}
	})
}

func (d *Driver) run(ctx context.Context, stage *model.Stage, f store.EntityFilter, label string, fn func(context.Context, *model.Entity) Settlement) (*Summary, error) {
	start := time.Now()
	sum := newSummary(stage)
	err := d.sweep(ctx, stage, f, label, sum, fn)
	sum.Duration = time.Since(start)
	return sum, err
}

// sweep pages through entities with a keyset cursor. Per-entity failures are
// settled, not returned; only cursor reads and cancellation abort it.
func (d *Driver) sweep(ctx context.Context, stage *model.Stage, f store.EntityFilter, label string, sum *Summary, fn func(context.Context, *model.Entity) Settlement) error {
	log := stageLogger(stage)
	f.Limit = d.opts.ChunkSize
	if stage.Params.ChunkSize > 0 {
		f.Limit = stage.Params.ChunkSize
	}

	for {
		entities, err := d.store.ListEntities(ctx, f)
		if err != nil {
			return eris.Wrapf(err, "idr: read chunk after entity %d", f.AfterID)
		}
		if len(entities) == 0 {
			return nil
		}

		chunkStart := time.Now()
		settled := make([]Settlement, len(entities))
		var g errgroup.Group
		for i := range entities {
			g.Go(func() error {
				settled[i] = fn(ctx, &entities[i])
				return nil
			})
		}
		_ = g.Wait()

		for _, s := range settled {
			sum.add(s)
			d.opts.Metrics.IncrementOutcome(label, string(s.State))
			if s.State == StateFailed {
				log.Error("idr: entity settlement failed", zap.Int64("entity_id", s.EntityID), zap.Error(s.Err))
			}
		}
		sum.Chunks++
		d.opts.Metrics.ObserveChunk(time.Since(chunkStart))
		log.Debug("idr: chunk settled",
			zap.Int("chunk", sum.Chunks),
			zap.Int("entities", len(entities)),
			zap.Duration("elapsed", time.Since(chunkStart)),
		)

		f.AfterID = entities[len(entities)-1].ID
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "idr: sweep interrupted")
		}
		if len(entities) < f.Limit {
			return nil
		}
	}
}

func (d *Driver) matchEntity(ctx context.Context, run *matchRun, e *model.Entity) Settlement {
	skip := Settlement{EntityID: e.ID, State: StateSkipped}
	if e.IsResolved() {
		return skip
	}
	// An entry without an outcome lost its evaluation write; look it up again.
	if prev := GetTry(e, run.try); prev != nil && prev.Error == "" && prev.Outcome != nil {
		return skip
	}
	criteria, err := d.criteria(e, run.try)
	if err != nil {
		return skip
	}

	// Requested.
	entry := AddTry(e, run.try, criteria)
	entry.Input = criteria
	reqParams, err := json.Marshal(criteria)
	if err != nil {
		return Settlement{EntityID: e.ID, State: StateFailed, Err: eris.Wrap(err, "idr: encode criteria")}
	}
	try := run.try
	e.TryStage = &try
	e.ReqParams = reqParams

	// Awaiting response.
	res, callErr := run.matcher.Match(ctx, criteria)
	if callErr != nil {
		if ctx.Err() != nil {
			return Settlement{EntityID: e.ID, State: StateFailed, Err: ctx.Err()}
		}
		if status, ok := resilience.StatusOf(callErr); ok && run.nonCritical[status] {
			res, callErr = &model.MatchResult{API: run.api, HTTPStatus: status}, nil
		}
	}
	if callErr != nil {
		return d.recordAPIError(ctx, run, e, entry, criteria, callErr)
	}

	// Evaluated: the response is stored before the verdict.
	raw, err := json.Marshal(res)
	if err != nil {
		return Settlement{EntityID: e.ID, State: StateFailed, Err: eris.Wrap(err, "idr: encode result")}
	}
	status := res.HTTPStatus
	e.Response = raw
	e.HTTPStatus = &status
	if err := d.updateUnresolved(ctx, e); err != nil {
		return Settlement{EntityID: e.ID, State: StateFailed, Err: err}
	}

	ev := run.eval.Evaluate(e, run.try, criteria, res)
	MarkOutcome(entry, ev.Outcome)
	e.Remark = ev.Remark
	state := run.unresolved()
	if ev.Accept && MarkSuccess(e, entry, ev.Candidate.Key, *ev.Quality) {
		state = StateResolved
	}
	if err := d.updateUnresolved(ctx, e); err != nil {
		return Settlement{EntityID: e.ID, State: StateFailed, Err: err}
	}

	run.log.Debug("idr: entity evaluated",
		zap.Int64("entity_id", e.ID),
		zap.String("duns", e.DUNS),
		zap.String("state", string(state)),
		zap.String("remark", e.Remark),
	)
	return Settlement{EntityID: e.ID, State: state}
}

// recordAPIError writes the failed lookup to the error ledger and leaves the
// entity unresolved for this try.
func (d *Driver) recordAPIError(ctx context.Context, run *matchRun, e *model.Entity, entry *model.TryEntry, criteria model.MatchCriteria, callErr error) Settlement {
	status, _ := resilience.StatusOf(callErr)
	MarkOutcome(entry, model.TryOutcome{HTTPStatus: status})
	entry.Error = callErr.Error()

	e.Response = nil
	e.HTTPStatus = nil
	if status > 0 {
		e.HTTPStatus = &status
	}
	e.Remark = fmt.Sprintf("%s: api error: %v", run.try, callErr)

	d.opts.Metrics.IncrementAPIError(string(run.api))
	run.log.Warn("idr: lookup failed",
		zap.Int64("entity_id", e.ID),
		zap.String("duns", e.DUNS),
		zap.Int("http_status", status),
		zap.Error(callErr),
	)

	rec := &model.APIError{
		ProjectID:    run.stage.ProjectID,
		StageID:      run.stage.StageID,
		EntityID:     e.ID,
		API:          run.api,
		ReqParams:    criteria,
		HTTPStatus:   status,
		ResponseBody: resilience.BodyOf(callErr),
		Error:        callErr.Error(),
	}
	if err := d.write(ctx, func(ctx context.Context) error { return d.store.RecordAPIError(ctx, rec) }); err != nil {
		return Settlement{EntityID: e.ID, State: StateFailed, Err: err}
	}
	if err := d.updateUnresolved(ctx, e); err != nil {
		return Settlement{EntityID: e.ID, State: StateFailed, Err: err}
	}
	return Settlement{EntityID: e.ID, State: run.unresolved(), Err: callErr}
}

func (d *Driver) rejectEntity(ctx context.Context, log *zap.Logger, r Rejecter, only model.Try, e *model.Entity) Settlement {
	skip := Settlement{EntityID: e.ID, State: StateSkipped}
	entry := SuccessfulTry(e)
	if !e.IsResolved() || entry == nil {
		return skip
	}
	if only != "" && entry.Try != only {
		return skip
	}
	// The stored response must belong to the accepted try.
	if e.TryStage == nil || *e.TryStage != entry.Try {
		return skip
	}
	res, err := e.StoredResult()
	if err != nil {
		return Settlement{EntityID: e.ID, State: StateFailed, Err: eris.Wrap(err, "idr: decode stored result")}
	}

	reason := r.Check(e, res)
	if reason == "" {
		return Settlement{EntityID: e.ID, State: StateResolved}
	}
	Revoke(e, entry, reason)
	e.Remark = reason
	if err := d.update(ctx, e); err != nil {
		return Settlement{EntityID: e.ID, State: StateFailed, Err: err}
	}
	log.Info("idr: match rejected", zap.Int64("entity_id", e.ID), zap.String("duns", e.DUNS), zap.String("reason", reason))
	return Settlement{EntityID: e.ID, State: StateRejected}
}

// criteria builds the lookup for try, or ErrIneligible when the entity has
// nothing to submit.
func (d *Driver) criteria(e *model.Entity, try model.Try) (model.MatchCriteria, error) {
	country := strings.ToUpper(strings.TrimSpace(e.Country))
	if country == "" {
		return model.MatchCriteria{}, eris.Wrap(ErrIneligible, "no country")
	}

	switch try {
	case model.TryPreferredRegNum, model.TryCustomRegNum:
		id := d.opts.Normalizer.Normalize(e.RegNumbers, country, try)
		if id == nil || strings.TrimSpace(*id) == "" {
			return model.MatchCriteria{}, eris.Wrapf(ErrIneligible, "no registration number for %s", try)
		}
		return model.MatchCriteria{RegNum: *id, Country: country}, nil
	case model.TryNameCountry:
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return model.MatchCriteria{}, eris.Wrap(ErrIneligible, "no name")
		}
		return model.MatchCriteria{Name: name, Country: country}, nil
	default:
		return model.MatchCriteria{}, eris.Wrapf(model.ErrInvalidStage, "unknown try %q", try)
	}
}

func (d *Driver) update(ctx context.Context, e *model.Entity) error {
	return d.write(ctx, func(ctx context.Context) error {
		e.TouchedAt = time.Now().UTC()
		return d.store.UpdateEntity(ctx, e)
	})
}

// updateUnresolved stores a lookup. It fails with store.ErrEntityResolved
// when the row was resolved after it was read.
func (d *Driver) updateUnresolved(ctx context.Context, e *model.Entity) error {
	return d.write(ctx, func(ctx context.Context) error {
		e.TouchedAt = time.Now().UTC()
		return d.store.UpdateUnresolvedEntity(ctx, e)
	})
}

// write runs one database statement behind the write limiter.
func (d *Driver) write(ctx context.Context, fn func(ctx context.Context) error) error {
	if d.opts.DBLimiter != nil {
		if err := d.opts.DBLimiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "idr: db write limiter")
		}
	}
	return fn(ctx)
}

func stageLogger(stage *model.Stage) *zap.Logger {
	return zap.L().With(
		zap.String("component", "idr"),
		zap.Int("project_id", stage.ProjectID),
		zap.Int("stage_id", stage.StageID),
		zap.String("role", string(stage.Role)),
	)
}
