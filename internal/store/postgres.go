package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/apihub/internal/db"
	"github.com/sells-group/apihub/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS idr_projects (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS idr_stages (
	project_id  INTEGER NOT NULL REFERENCES idr_projects(id),
	stage_id    INTEGER NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	role        TEXT NOT NULL,
	params      JSONB NOT NULL DEFAULT '{}',
	finished    BOOLEAN NOT NULL DEFAULT false,
	finished_at TIMESTAMPTZ,
	PRIMARY KEY (project_id, stage_id)
);

CREATE TABLE IF NOT EXISTS idr_entities (
	id          BIGSERIAL PRIMARY KEY,
	project_id  INTEGER NOT NULL,
	stage_id    INTEGER NOT NULL,
	duns        TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	country     TEXT NOT NULL DEFAULT '',
	city        TEXT NOT NULL DEFAULT '',
	reg_numbers JSONB NOT NULL DEFAULT '[]',
	try_stage   TEXT,
	req_params  JSONB,
	response    JSONB,
	http_status INTEGER,
	resolved    TEXT,
	quality     JSONB,
	remark      TEXT NOT NULL DEFAULT '',
	tries       JSONB NOT NULL DEFAULT '[]',
	touched_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (project_id, stage_id, duns)
);

CREATE INDEX IF NOT EXISTS idx_idr_entities_unresolved
	ON idr_entities(project_id, stage_id, id) WHERE resolved IS NULL;

CREATE TABLE IF NOT EXISTS idr_api_errors (
	id            TEXT PRIMARY KEY,
	project_id    INTEGER NOT NULL,
	stage_id      INTEGER NOT NULL,
	entity_id     BIGINT NOT NULL,
	api           TEXT NOT NULL,
	req_params    JSONB NOT NULL,
	http_status   INTEGER,
	response_body TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_idr_api_errors_stage ON idr_api_errors(project_id, stage_id, created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func (s *PostgresStore) SaveProject(ctx context.Context, p *model.Project) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save project: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO idr_projects (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		p.ID, p.Name,
	); err != nil {
		return eris.Wrapf(err, "postgres: save project %d", p.ID)
	}

	for i := range p.Stages {
		st := &p.Stages[i]
		params, err := json.Marshal(st.Params)
		if err != nil {
			return eris.Wrapf(err, "postgres: encode params of stage %d", st.StageID)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO idr_stages (project_id, stage_id, name, role, params) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (project_id, stage_id) DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role, params = EXCLUDED.params`,
			p.ID, st.StageID, st.Name, string(st.Role), string(params),
		); err != nil {
			return eris.Wrapf(err, "postgres: save stage %d/%d", p.ID, st.StageID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: save project: commit")
}

func (s *PostgresStore) GetProject(ctx context.Context, id int) (*model.Project, error) {
	var p model.Project
	err := s.pool.QueryRow(ctx, `SELECT id, name, created_at FROM idr_projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrProjectNotFound, "postgres: project %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get project %d", id)
	}

	stages, err := s.listStages(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Stages = stages
	return &p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, created_at FROM idr_projects ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan project")
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list projects")
	}

	for i := range projects {
		stages, err := s.listStages(ctx, projects[i].ID)
		if err != nil {
			return nil, err
		}
		projects[i].Stages = stages
	}
	return projects, nil
}

const stageColumns = `project_id, stage_id, name, role, params, finished, finished_at`

func (s *PostgresStore) listStages(ctx context.Context, projectID int) ([]model.Stage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stageColumns+` FROM idr_stages WHERE project_id = $1 ORDER BY stage_id`, projectID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list stages of project %d", projectID)
	}
	defer rows.Close()

	var stages []model.Stage
	for rows.Next() {
		st, err := scanPgStage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage")
		}
		stages = append(stages, *st)
	}
	return stages, eris.Wrap(rows.Err(), "postgres: list stages")
}

func scanPgStage(row scannable) (*model.Stage, error) {
	var st model.Stage
	var role string
	var params []byte
	var finishedAt *time.Time
	if err := row.Scan(&st.ProjectID, &st.StageID, &st.Name, &role, &params, &st.Finished, &finishedAt); err != nil {
		return nil, err
	}
	st.Role = model.Role(role)
	if err := decodeStage(&st, params, finishedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) GetStage(ctx context.Context, projectID, stageID int) (*model.Stage, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stageColumns+` FROM idr_stages WHERE project_id = $1 AND stage_id = $2`, projectID, stageID)
	st, err := scanPgStage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrStageNotFound, "postgres: stage %d/%d", projectID, stageID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get stage %d/%d", projectID, stageID)
	}
	return st, nil
}

func (s *PostgresStore) MarkStageFinished(ctx context.Context, projectID, stageID int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE idr_stages SET finished = true, finished_at = $3
		 WHERE project_id = $1 AND stage_id = $2 AND NOT finished`,
		projectID, stageID, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark stage %d/%d finished", projectID, stageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStageNotFound, "postgres: mark stage %d/%d finished", projectID, stageID)
	}
	return nil
}

func (s *PostgresStore) ReopenStage(ctx context.Context, projectID, stageID int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE idr_stages SET finished = false, finished_at = NULL WHERE project_id = $1 AND stage_id = $2`,
		projectID, stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reopen stage %d/%d", projectID, stageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStageNotFound, "postgres: reopen stage %d/%d", projectID, stageID)
	}
	return nil
}

// LockStage takes a transaction-scoped advisory lock keyed by (project, stage).
// The transaction pins one pooled connection until unlock is called.
func (s *PostgresStore) LockStage(ctx context.Context, projectID, stageID int) (func(), error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lock stage: begin tx")
	}

	var acquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1, $2)`, projectID, stageID).Scan(&acquired); err != nil {
		_ = tx.Rollback(ctx)
		return nil, eris.Wrapf(err, "postgres: lock stage %d/%d", projectID, stageID)
	}
	if !acquired {
		_ = tx.Rollback(ctx)
		return nil, eris.Wrapf(ErrStageLocked, "postgres: stage %d/%d", projectID, stageID)
	}

	return func() { _ = tx.Rollback(context.Background()) }, nil
}

var entityInsertColumns = []string{"project_id", "stage_id", "duns", "name", "country", "city", "reg_numbers", "touched_at"}

// InsertEntities bulk-inserts entities. Rows whose (project, stage, duns)
// already exists are left untouched.
func (s *PostgresStore) InsertEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	rows := make([][]any, 0, len(entities))
	now := time.Now().UTC()
	for i := range entities {
		e := &entities[i]
		regNums, err := regNumbersJSON(e.RegNumbers)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: entity %s", e.DUNS)
		}
		rows = append(rows, []any{e.ProjectID, e.StageID, e.DUNS, e.Name, e.Country, e.City, regNums, now})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "idr_entities",
		Columns:      entityInsertColumns,
		ConflictKeys: []string{"project_id", "stage_id", "duns"},
		DoNothing:    true,
	}, rows)
	return n, eris.Wrap(err, "postgres: insert entities")
}

func (s *PostgresStore) ListEntities(ctx context.Context, f EntityFilter) ([]model.Entity, error) {
	query, args := entityListQuery(f, pgPlaceholder)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		entities = append(entities, *e)
	}
	return entities, eris.Wrap(rows.Err(), "postgres: list entities")
}

func (s *PostgresStore) GetEntity(ctx context.Context, id int64) (*model.Entity, error) {
	e, err := scanEntity(s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM idr_entities WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrEntityNotFound, "postgres: entity %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %d", id)
	}
	return e, nil
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, e *model.Entity) error {
	return s.updateEntity(ctx, e, "", ErrEntityNotFound)
}

func (s *PostgresStore) UpdateUnresolvedEntity(ctx context.Context, e *model.Entity) error {
	return s.updateEntity(ctx, e, " AND resolved IS NULL", ErrEntityResolved)
}

func (s *PostgresStore) updateEntity(ctx context.Context, e *model.Entity, guard string, noRows error) error {
	args, err := entityUpdate(e)
	if err != nil {
		return eris.Wrapf(err, "postgres: update entity %d", e.ID)
	}
	args = append(args, e.ID)

	tag, err := s.pool.Exec(ctx,
		`UPDATE idr_entities SET try_stage = $1, req_params = $2, response = $3, http_status = $4,
		 resolved = $5, quality = $6, remark = $7, tries = $8, touched_at = $9 WHERE id = $10`+guard,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update entity %d", e.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(noRows, "postgres: update entity %d", e.ID)
	}
	return nil
}

func (s *PostgresStore) CountEntities(ctx context.Context, projectID, stageID int) (StageCounts, error) {
	var c StageCounts
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), count(resolved) FROM idr_entities WHERE project_id = $1 AND stage_id = $2`,
		projectID, stageID,
	).Scan(&c.Total, &c.Resolved)
	return c, eris.Wrapf(err, "postgres: count entities of %d/%d", projectID, stageID)
}

func (s *PostgresStore) RecordAPIError(ctx context.Context, e *model.APIError) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	params, err := json.Marshal(e.ReqParams)
	if err != nil {
		return eris.Wrap(err, "postgres: encode api error params")
	}
	var status any
	if e.HTTPStatus != 0 {
		status = e.HTTPStatus
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO idr_api_errors (id, project_id, stage_id, entity_id, api, req_params, http_status, response_body, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ProjectID, e.StageID, e.EntityID, string(e.API), string(params), status, e.ResponseBody, e.Error, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: record api error for entity %d", e.EntityID)
}

func (s *PostgresStore) ListAPIErrors(ctx context.Context, f APIErrorFilter) ([]model.APIError, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, stage_id, entity_id, api, req_params, http_status, response_body, error, created_at
		 FROM idr_api_errors
		 WHERE ($1 = 0 OR project_id = $1) AND ($2 = 0 OR stage_id = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		f.ProjectID, f.StageID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list api errors")
	}
	defer rows.Close()

	var out []model.APIError
	for rows.Next() {
		var e model.APIError
		var api string
		var params []byte
		var status *int
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.StageID, &e.EntityID, &api, &params, &status,
			&e.ResponseBody, &e.Error, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan api error")
		}
		e.API = model.API(api)
		if status != nil {
			e.HTTPStatus = *status
		}
		if err := decodeAPIError(&e, params); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list api errors")
}
