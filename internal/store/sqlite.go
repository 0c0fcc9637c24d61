package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/apihub/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; one connection serializes concurrent writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS idr_projects (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS idr_stages (
	project_id  INTEGER NOT NULL REFERENCES idr_projects(id),
	stage_id    INTEGER NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	role        TEXT NOT NULL,
	params      TEXT NOT NULL DEFAULT '{}',
	finished    BOOLEAN NOT NULL DEFAULT 0,
	finished_at DATETIME,
	PRIMARY KEY (project_id, stage_id)
);

CREATE TABLE IF NOT EXISTS idr_entities (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id  INTEGER NOT NULL,
	stage_id    INTEGER NOT NULL,
	duns        TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	country     TEXT NOT NULL DEFAULT '',
	city        TEXT NOT NULL DEFAULT '',
	reg_numbers TEXT NOT NULL DEFAULT '[]',
	try_stage   TEXT,
	req_params  TEXT,
	response    TEXT,
	http_status INTEGER,
	resolved    TEXT,
	quality     TEXT,
	remark      TEXT NOT NULL DEFAULT '',
	tries       TEXT NOT NULL DEFAULT '[]',
	touched_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (project_id, stage_id, duns)
);

CREATE INDEX IF NOT EXISTS idx_idr_entities_stage ON idr_entities(project_id, stage_id, id);

CREATE TABLE IF NOT EXISTS idr_api_errors (
	id            TEXT PRIMARY KEY,
	project_id    INTEGER NOT NULL,
	stage_id      INTEGER NOT NULL,
	entity_id     INTEGER NOT NULL,
	api           TEXT NOT NULL,
	req_params    TEXT NOT NULL,
	http_status   INTEGER,
	response_body TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_idr_api_errors_stage ON idr_api_errors(project_id, stage_id, created_at);

CREATE TABLE IF NOT EXISTS idr_stage_locks (
	project_id INTEGER NOT NULL,
	stage_id   INTEGER NOT NULL,
	token      TEXT NOT NULL,
	locked_at  DATETIME NOT NULL,
	PRIMARY KEY (project_id, stage_id)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqlitePlaceholder(int) string { return "?" }

func (s *SQLiteStore) SaveProject(ctx context.Context, p *model.Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save project: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO idr_projects (id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		p.ID, p.Name, time.Now().UTC(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: save project %d", p.ID)
	}

	for i := range p.Stages {
		st := &p.Stages[i]
		params, err := json.Marshal(st.Params)
		if err != nil {
			return eris.Wrapf(err, "sqlite: encode params of stage %d", st.StageID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idr_stages (project_id, stage_id, name, role, params) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (project_id, stage_id) DO UPDATE SET name = excluded.name, role = excluded.role, params = excluded.params`,
			p.ID, st.StageID, st.Name, string(st.Role), string(params),
		); err != nil {
			return eris.Wrapf(err, "sqlite: save stage %d/%d", p.ID, st.StageID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: save project: commit")
}

func (s *SQLiteStore) GetProject(ctx context.Context, id int) (*model.Project, error) {
	var p model.Project
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM idr_projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrProjectNotFound, "sqlite: project %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get project %d", id)
	}

	stages, err := s.listStages(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Stages = stages
	return &p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM idr_projects ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list projects")
	}
	defer rows.Close() //nolint:errcheck

	var projects []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan project")
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list projects")
	}
	rows.Close() //nolint:errcheck

	for i := range projects {
		stages, err := s.listStages(ctx, projects[i].ID)
		if err != nil {
			return nil, err
		}
		projects[i].Stages = stages
	}
	return projects, nil
}

func (s *SQLiteStore) listStages(ctx context.Context, projectID int) ([]model.Stage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM idr_stages WHERE project_id = ? ORDER BY stage_id`, projectID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list stages of project %d", projectID)
	}
	defer rows.Close() //nolint:errcheck

	var stages []model.Stage
	for rows.Next() {
		st, err := scanSQLiteStage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage")
		}
		stages = append(stages, *st)
	}
	return stages, eris.Wrap(rows.Err(), "sqlite: list stages")
}

func scanSQLiteStage(row scannable) (*model.Stage, error) {
	var st model.Stage
	var role, params string
	var finishedAt sql.NullTime
	if err := row.Scan(&st.ProjectID, &st.StageID, &st.Name, &role, &params, &st.Finished, &finishedAt); err != nil {
		return nil, err
	}
	st.Role = model.Role(role)
	var at *time.Time
	if finishedAt.Valid {
		t := finishedAt.Time
		at = &t
	}
	if err := decodeStage(&st, []byte(params), at); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLiteStore) GetStage(ctx context.Context, projectID, stageID int) (*model.Stage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stageColumns+` FROM idr_stages WHERE project_id = ? AND stage_id = ?`, projectID, stageID)
	st, err := scanSQLiteStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrStageNotFound, "sqlite: stage %d/%d", projectID, stageID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get stage %d/%d", projectID, stageID)
	}
	return st, nil
}

func (s *SQLiteStore) MarkStageFinished(ctx context.Context, projectID, stageID int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idr_stages SET finished = 1, finished_at = ? WHERE project_id = ? AND stage_id = ? AND finished = 0`,
		time.Now().UTC(), projectID, stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark stage %d/%d finished", projectID, stageID)
	}
	return checkRowsAffected(res, ErrStageNotFound, "sqlite: mark stage %d/%d finished", projectID, stageID)
}

func (s *SQLiteStore) ReopenStage(ctx context.Context, projectID, stageID int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idr_stages SET finished = 0, finished_at = NULL WHERE project_id = ? AND stage_id = ?`,
		projectID, stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reopen stage %d/%d", projectID, stageID)
	}
	return checkRowsAffected(res, ErrStageNotFound, "sqlite: reopen stage %d/%d", projectID, stageID)
}

// staleLockAge is how long a lock row survives a crashed worker.
const staleLockAge = 6 * time.Hour

// LockStage records a lock row keyed by (project, stage). SQLite has no
// advisory locks, so a crashed worker's row expires after staleLockAge.
func (s *SQLiteStore) LockStage(ctx context.Context, projectID, stageID int) (func(), error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idr_stage_locks WHERE project_id = ? AND stage_id = ? AND locked_at < ?`,
		projectID, stageID, now.Add(-staleLockAge),
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: expire lock of stage %d/%d", projectID, stageID)
	}

	token := uuid.New().String()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idr_stage_locks (project_id, stage_id, token, locked_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (project_id, stage_id) DO NOTHING`,
		projectID, stageID, token, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lock stage %d/%d", projectID, stageID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, eris.Wrapf(ErrStageLocked, "sqlite: stage %d/%d", projectID, stageID)
	}

	return func() {
		_, _ = s.db.ExecContext(context.Background(),
			`DELETE FROM idr_stage_locks WHERE project_id = ? AND stage_id = ? AND token = ?`,
			projectID, stageID, token)
	}, nil
}

func (s *SQLiteStore) InsertEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert entities: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO idr_entities (`+strings.Join(entityInsertColumns, ", ")+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (project_id, stage_id, duns) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert entities: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var inserted int64
	for i := range entities {
		e := &entities[i]
		regNums, err := regNumbersJSON(e.RegNumbers)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: entity %s", e.DUNS)
		}
		res, err := stmt.ExecContext(ctx, e.ProjectID, e.StageID, e.DUNS, e.Name, e.Country, e.City, regNums, now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert entity %s", e.DUNS)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert entities: commit")
	}
	return inserted, nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context, f EntityFilter) ([]model.Entity, error) {
	query, args := entityListQuery(f, sqlitePlaceholder)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	defer rows.Close() //nolint:errcheck

	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		entities = append(entities, *e)
	}
	return entities, eris.Wrap(rows.Err(), "sqlite: list entities")
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id int64) (*model.Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM idr_entities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrEntityNotFound, "sqlite: entity %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %d", id)
	}
	return e, nil
}

func (s *SQLiteStore) UpdateEntity(ctx context.Context, e *model.Entity) error {
	return s.updateEntity(ctx, e, "", ErrEntityNotFound)
}

func (s *SQLiteStore) UpdateUnresolvedEntity(ctx context.Context, e *model.Entity) error {
	return s.updateEntity(ctx, e, " AND resolved IS NULL", ErrEntityResolved)
}

func (s *SQLiteStore) updateEntity(ctx context.Context, e *model.Entity, guard string, noRows error) error {
	args, err := entityUpdate(e)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update entity %d", e.ID)
	}
	args = append(args, e.ID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE idr_entities SET try_stage = ?, req_params = ?, response = ?, http_status = ?,
		 resolved = ?, quality = ?, remark = ?, tries = ?, touched_at = ? WHERE id = ?`+guard,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update entity %d", e.ID)
	}
	return checkRowsAffected(res, noRows, "sqlite: update entity %d", e.ID)
}

func (s *SQLiteStore) CountEntities(ctx context.Context, projectID, stageID int) (StageCounts, error) {
	var c StageCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), count(resolved) FROM idr_entities WHERE project_id = ? AND stage_id = ?`,
		projectID, stageID,
	).Scan(&c.Total, &c.Resolved)
	return c, eris.Wrapf(err, "sqlite: count entities of %d/%d", projectID, stageID)
}

func (s *SQLiteStore) RecordAPIError(ctx context.Context, e *model.APIError) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	params, err := json.Marshal(e.ReqParams)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode api error params")
	}
	var status any
	if e.HTTPStatus != 0 {
		status = e.HTTPStatus
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idr_api_errors (id, project_id, stage_id, entity_id, api, req_params, http_status, response_body, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.StageID, e.EntityID, string(e.API), string(params), status, e.ResponseBody, e.Error, e.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: record api error for entity %d", e.EntityID)
}

func (s *SQLiteStore) ListAPIErrors(ctx context.Context, f APIErrorFilter) ([]model.APIError, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, stage_id, entity_id, api, req_params, http_status, response_body, error, created_at
		 FROM idr_api_errors
		 WHERE (? = 0 OR project_id = ?) AND (? = 0 OR stage_id = ?)
		 ORDER BY created_at DESC LIMIT ?`,
		f.ProjectID, f.ProjectID, f.StageID, f.StageID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list api errors")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.APIError
	for rows.Next() {
		var e model.APIError
		var api, params string
		var status sql.NullInt64
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.StageID, &e.EntityID, &api, &params, &status,
			&e.ResponseBody, &e.Error, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan api error")
		}
		e.API = model.API(api)
		e.HTTPStatus = int(status.Int64)
		if err := decodeAPIError(&e, []byte(params)); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list api errors")
}

func checkRowsAffected(res sql.Result, notFound error, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(notFound, format, args...)
	}
	return nil
}
