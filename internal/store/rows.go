package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/apihub/internal/model"
)

const entityColumns = `id, project_id, stage_id, duns, name, country, city, reg_numbers, try_stage,
	req_params, response, http_status, resolved, quality, remark, tries, touched_at`

type scannable interface {
	Scan(dest ...any) error
}

// entityRow holds the raw column values of one entity row. Both drivers
// scan into it so JSON decoding lives in one place.
type entityRow struct {
	e          model.Entity
	regNumbers []byte
	tryStage   *string
	reqParams  []byte
	response   []byte
	quality    []byte
	tries      []byte
}

func (r *entityRow) dest() []any {
	e := &r.e
	return []any{
		&e.ID, &e.ProjectID, &e.StageID, &e.DUNS, &e.Name, &e.Country, &e.City,
		&r.regNumbers, &r.tryStage, &r.reqParams, &r.response, &e.HTTPStatus,
		&e.Resolved, &r.quality, &e.Remark, &r.tries, &e.TouchedAt,
	}
}

func (r *entityRow) entity() (*model.Entity, error) {
	e := r.e
	if len(r.regNumbers) > 0 {
		if err := json.Unmarshal(r.regNumbers, &e.RegNumbers); err != nil {
			return nil, eris.Wrapf(err, "decode reg_numbers of entity %d", e.ID)
		}
	}
	if r.tryStage != nil && *r.tryStage != "" {
		t := model.Try(*r.tryStage)
		e.TryStage = &t
	}
	if len(r.reqParams) > 0 {
		e.ReqParams = json.RawMessage(r.reqParams)
	}
	if len(r.response) > 0 {
		e.Response = json.RawMessage(r.response)
	}
	if len(r.quality) > 0 && string(r.quality) != "null" {
		var q model.Quality
		if err := json.Unmarshal(r.quality, &q); err != nil {
			return nil, eris.Wrapf(err, "decode quality of entity %d", e.ID)
		}
		e.Quality = &q
	}
	if len(r.tries) > 0 {
		if err := json.Unmarshal(r.tries, &e.Tries); err != nil {
			return nil, eris.Wrapf(err, "decode tries of entity %d", e.ID)
		}
	}
	return &e, nil
}

func scanEntity(row scannable) (*model.Entity, error) {
	var r entityRow
	if err := row.Scan(r.dest()...); err != nil {
		return nil, err
	}
	return r.entity()
}

// entityUpdate is the column set written by UpdateEntity, in order:
// try_stage, req_params, response, http_status, resolved, quality, remark,
// tries, touched_at.
func entityUpdate(e *model.Entity) ([]any, error) {
	var tryStage any
	if e.TryStage != nil {
		tryStage = string(*e.TryStage)
	}
	var httpStatus any
	if e.HTTPStatus != nil {
		httpStatus = *e.HTTPStatus
	}
	var resolved any
	if e.Resolved != nil {
		resolved = *e.Resolved
	}
	var quality any
	if e.Quality != nil {
		b, err := json.Marshal(e.Quality)
		if err != nil {
			return nil, eris.Wrap(err, "encode quality")
		}
		quality = string(b)
	}
	tries := e.Tries
	if tries == nil {
		tries = []model.TryEntry{}
	}
	triesJSON, err := json.Marshal(tries)
	if err != nil {
		return nil, eris.Wrap(err, "encode tries")
	}
	return []any{
		tryStage, rawJSON(e.ReqParams), rawJSON(e.Response), httpStatus, resolved,
		quality, e.Remark, string(triesJSON), e.TouchedAt.UTC(),
	}, nil
}

func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func regNumbersJSON(nums []model.RegNumber) (string, error) {
	if nums == nil {
		nums = []model.RegNumber{}
	}
	b, err := json.Marshal(nums)
	if err != nil {
		return "", eris.Wrap(err, "encode reg_numbers")
	}
	return string(b), nil
}

// entityListQuery builds the keyset query for f. ph renders the n-th
// placeholder ($n for Postgres, ? for SQLite).
func entityListQuery(f EntityFilter, ph func(n int) string) (string, []any) {
	args := []any{f.ProjectID, f.StageID, f.AfterID}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM idr_entities WHERE project_id = %s AND stage_id = %s AND id > %s",
		entityColumns, ph(1), ph(2), ph(3))

	switch f.Resolution {
	case ResolutionUnresolved:
		b.WriteString(" AND resolved IS NULL")
	case ResolutionResolved:
		b.WriteString(" AND resolved IS NOT NULL")
	}
	if f.TryStage != "" {
		args = append(args, string(f.TryStage))
		fmt.Fprintf(&b, " AND try_stage = %s", ph(len(args)))
	}

	b.WriteString(" ORDER BY id")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT %s", ph(len(args)))
	}
	return b.String(), args
}

func decodeStage(st *model.Stage, params []byte, finishedAt *time.Time) error {
	if len(params) > 0 {
		if err := json.Unmarshal(params, &st.Params); err != nil {
			return eris.Wrapf(err, "decode params of stage %d/%d", st.ProjectID, st.StageID)
		}
	}
	st.FinishedAt = finishedAt
	return nil
}

func decodeAPIError(e *model.APIError, reqParams []byte) error {
	if len(reqParams) == 0 {
		return nil
	}
	return eris.Wrap(json.Unmarshal(reqParams, &e.ReqParams), "decode api error params")
}
