package idr

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/apihub/internal/model"
)

var (
	// ErrStageFinished is returned when a finished stage is run without force.
	ErrStageFinished = eris.New("stage already finished")
	// ErrInputNotReady is returned when the stage's input has not finished.
	ErrInputNotReady = eris.New("input stage not finished")
)

// maxInputChain bounds the walk from a stage to its seed stage.
const maxInputChain = 32

// RunOptions modify a single stage execution.
type RunOptions struct {
	// Force re-runs a finished stage. Resolved entities are still skipped.
	Force bool
}

// Runner executes one stage of a project: it checks the stage's
// preconditions, holds the stage lock, dispatches on the stage role and sets
// the finished flag after a complete sweep.
type Runner struct {
	store    Store
	driver   *Driver
	matchers map[model.API]Matcher
	dataDir  string
}

// NewRunner wires a Runner. Relative seed source files are resolved against
// dataDir.
func NewRunner(st Store, d *Driver, matchers map[model.API]Matcher, dataDir string) *Runner {
	return &Runner{store: st, driver: d, matchers: matchers, dataDir: dataDir}
}

// Run executes stage stageID of project projectID. Any returned error leaves
// the stage unfinished so it can be retried.
func (r *Runner) Run(ctx context.Context, projectID, stageID int, opts RunOptions) (*Summary, error) {
	unlock, err := r.store.LockStage(ctx, projectID, stageID)
	if err != nil {
		return nil, eris.Wrapf(err, "idr: lock stage %d/%d", projectID, stageID)
	}
	defer unlock()

	stage, err := r.store.GetStage(ctx, projectID, stageID)
	if err != nil {
		return nil, eris.Wrapf(err, "idr: load stage %d/%d", projectID, stageID)
	}
	if err := stage.Validate(); err != nil {
		return nil, err
	}
	if stage.Finished && !opts.Force {
		return nil, eris.Wrapf(ErrStageFinished, "idr: stage %d/%d", projectID, stageID)
	}

	// Every stage downstream of a seed writes the seed's rows, so they also
	// serialize on the seed's lock. A seed stage already holds it.
	var source model.StageRef
	if stage.Role != model.RoleSeed {
		if err := r.checkInput(ctx, stage); err != nil {
			return nil, err
		}
		if source, err = r.seedOf(ctx, stage); err != nil {
			return nil, err
		}
		unlockSeed, err := r.store.LockStage(ctx, source.ProjectID, source.StageID)
		if err != nil {
			return nil, eris.Wrapf(err, "idr: stage %d/%d: lock seed stage %d/%d",
				projectID, stageID, source.ProjectID, source.StageID)
		}
		defer unlockSeed()
	}

	if stage.Finished {
		if err := r.store.ReopenStage(ctx, projectID, stageID); err != nil {
			return nil, eris.Wrapf(err, "idr: reopen stage %d/%d", projectID, stageID)
		}
	}

	log := stageLogger(stage)
	log.Info("idr: stage starting", zap.Int("source_stage_id", source.StageID))

	var sum *Summary
	switch stage.Role {
	case model.RoleSeed:
		sum, err = r.seed(ctx, stage)
	case model.RoleMatch:
		sum, err = r.driver.Match(ctx, stage, source, r.matchers[stage.Params.API])
	case model.RoleReject:
		sum, err = r.driver.Reject(ctx, stage, source)
	case model.RoleReset:
		sum, err = r.driver.Rollback(ctx, stage, source)
	default:
		err = eris.Wrapf(model.ErrInvalidStage, "idr: stage %d: unknown role %q", stage.StageID, stage.Role)
	}
	if err != nil {
		return sum, err
	}

	if err := r.store.MarkStageFinished(ctx, projectID, stageID); err != nil {
		return sum, eris.Wrapf(err, "idr: mark stage %d/%d finished", projectID, stageID)
	}
	log.Info("idr: stage finished",
		zap.Int("entities", sum.Total()),
		zap.Int("resolved", sum.States[StateResolved]),
		zap.Int("api_errors", sum.APIErrors),
		zap.Int("failed", len(sum.Failed)),
		zap.Int64("inserted", sum.Inserted),
		zap.Duration("elapsed", sum.Duration),
	)
	return sum, nil
}

// checkInput requires the stage's direct input to have finished.
func (r *Runner) checkInput(ctx context.Context, stage *model.Stage) error {
	in := stage.Params.Input
	if in == nil {
		return eris.Wrapf(model.ErrInvalidStage, "idr: stage %d has no input", stage.StageID)
	}
	input, err := r.store.GetStage(ctx, in.ProjectID, in.StageID)
	if err != nil {
		return eris.Wrapf(err, "idr: load input stage %d/%d", in.ProjectID, in.StageID)
	}
	if !input.Finished {
		return eris.Wrapf(ErrInputNotReady, "idr: stage %d waits on %d/%d", stage.StageID, in.ProjectID, in.StageID)
	}
	return nil
}

// seedOf follows the input chain of stage back to the seed stage that owns
// the entity rows.
func (r *Runner) seedOf(ctx context.Context, stage *model.Stage) (model.StageRef, error) {
	cur := stage
	for i := 0; i < maxInputChain; i++ {
		in := cur.Params.Input
		if in == nil {
			return model.StageRef{}, eris.Wrapf(model.ErrInvalidStage, "idr: stage %d has no input", cur.StageID)
		}
		next, err := r.store.GetStage(ctx, in.ProjectID, in.StageID)
		if err != nil {
			return model.StageRef{}, eris.Wrapf(err, "idr: load stage %d/%d", in.ProjectID, in.StageID)
		}
		if next.Role == model.RoleSeed {
			return model.StageRef{ProjectID: next.ProjectID, StageID: next.StageID}, nil
		}
		cur = next
	}
	return model.StageRef{}, eris.Wrapf(model.ErrInvalidStage, "idr: stage %d: input chain does not reach a seed stage", stage.StageID)
}

func (r *Runner) seed(ctx context.Context, stage *model.Stage) (*Summary, error) {
	path := stage.Params.SourceFile
	if !filepath.IsAbs(path) && r.dataDir != "" {
		path = filepath.Join(r.dataDir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "idr: open seed source %s", path)
	}
	defer f.Close()

	return r.driver.Seed(ctx, stage, f)
}
