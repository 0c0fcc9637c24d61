// Package store persists projects, stages, entities under resolution and
// the API error ledger.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/apihub/internal/model"
)

var (
	// ErrStageNotFound is returned when a stage lookup or the finished-flag
	// update matches no row. For MarkStageFinished it means the bookkeeping
	// is broken and the worker must stop.
	ErrStageNotFound = eris.New("stage not found or already finished")

	ErrProjectNotFound = eris.New("project not found")
	ErrEntityNotFound  = eris.New("entity not found")

	// ErrEntityResolved is returned by UpdateUnresolvedEntity when the row
	// already carries an accepted match.
	ErrEntityResolved = eris.New("entity missing or already resolved")

	// ErrStageLocked is returned when another worker holds the stage lock.
	ErrStageLocked = eris.New("stage is locked by another worker")
)

// Resolution filters entities by whether they carry an accepted match.
type Resolution int

const (
	ResolutionAny Resolution = iota
	ResolutionUnresolved
	ResolutionResolved
)

// EntityFilter selects one page of a keyset cursor over entities. Results
// are ordered by id; pass the last id seen as AfterID to read the next page.
type EntityFilter struct {
	ProjectID  int
	StageID    int
	AfterID    int64
	Limit      int
	Resolution Resolution
	TryStage   model.Try // only entities whose stored attempt is this try
}

// APIErrorFilter selects error-ledger rows. Zero fields match everything.
type APIErrorFilter struct {
	ProjectID int
	StageID   int
	Limit     int
}

// StageCounts summarizes the entities of a seed stage.
type StageCounts struct {
	Total    int `json:"total"`
	Resolved int `json:"resolved"`
}

// Store defines the persistence interface of the IDR pipeline.
type Store interface {
	// Projects and stages
	SaveProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id int) (*model.Project, error)
	ListProjects(ctx context.Context) ([]model.Project, error)
	GetStage(ctx context.Context, projectID, stageID int) (*model.Stage, error)
	MarkStageFinished(ctx context.Context, projectID, stageID int) error
	ReopenStage(ctx context.Context, projectID, stageID int) error
	LockStage(ctx context.Context, projectID, stageID int) (unlock func(), err error)

	// Entities
	InsertEntities(ctx context.Context, entities []model.Entity) (int64, error)
	ListEntities(ctx context.Context, f EntityFilter) ([]model.Entity, error)
	GetEntity(ctx context.Context, id int64) (*model.Entity, error)
	UpdateEntity(ctx context.Context, e *model.Entity) error
	// UpdateUnresolvedEntity writes e only while the stored row is still
	// unresolved, so a lookup never overwrites another run's match.
	UpdateUnresolvedEntity(ctx context.Context, e *model.Entity) error
	CountEntities(ctx context.Context, projectID, stageID int) (StageCounts, error)

	// Error ledger
	RecordAPIError(ctx context.Context, e *model.APIError) error
	ListAPIErrors(ctx context.Context, f APIErrorFilter) ([]model.APIError, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
