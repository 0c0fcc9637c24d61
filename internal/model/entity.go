package model

import (
	"encoding/json"
	"time"
)

// Try identifies one attempt within the ordered match pipeline.
type Try string

const (
	TryPreferredRegNum Try = "preferred_reg_num" // Provider-designated preferred registration number
	TryCustomRegNum    Try = "custom_reg_num"    // Country-specific alternate registration number
	TryNameCountry     Try = "name_country"      // Legal name + country
)

// Tries lists every try in pipeline order.
var Tries = []Try{TryPreferredRegNum, TryCustomRegNum, TryNameCountry}

// Valid reports whether t is one of the known tries.
func (t Try) Valid() bool {
	switch t {
	case TryPreferredRegNum, TryCustomRegNum, TryNameCountry:
		return true
	default:
		return false
	}
}

// UsesRegNum reports whether the try submits a registration number.
func (t Try) UsesRegNum() bool {
	return t == TryPreferredRegNum || t == TryCustomRegNum
}

// Next returns the try that follows t, or false when t is the last one.
func (t Try) Next() (Try, bool) {
	for i, tr := range Tries {
		if tr == t && i+1 < len(Tries) {
			return Tries[i+1], true
		}
	}
	return "", false
}

// RegNumber is a registration number issued to a company by some authority.
type RegNumber struct {
	Type        int    `json:"type"` // D&B registration number type code
	Value       string `json:"value"`
	IsPreferred bool   `json:"is_preferred"`
}

// Quality is the composite score attached to a resolved entity.
type Quality struct {
	RegNum *int `json:"regNum"`
	Name   int  `json:"name"`
	City   int  `json:"city"`
	Try    Try  `json:"stage"`
}

// TryOutcome snapshots what an external lookup returned for one try.
type TryOutcome struct {
	NumCandidates int        `json:"num_candidates"`
	HTTPStatus    int        `json:"http_status"`
	TopCandidate  *Candidate `json:"top_candidate,omitempty"`
	NameScore     *int       `json:"name_score,omitempty"`
	CityScore     *int       `json:"city_score,omitempty"`
}

// TryEntry is one ledger record of a resolution attempt.
type TryEntry struct {
	Try     Try           `json:"try"`
	Input   MatchCriteria `json:"input"`
	Outcome *TryOutcome   `json:"outcome,omitempty"`
	Success bool          `json:"success"`
	// Error is set when the lookup failed; a rerun of the stage retries it.
	Error     string    `json:"error,omitempty"`
	Rejected  string    `json:"rejected,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Entity is one business entity being matched to an external registry identifier.
type Entity struct {
	ID         int64           `json:"id"`
	ProjectID  int             `json:"project_id"`
	StageID    int             `json:"stage_id"`
	DUNS       string          `json:"duns"`
	Name       string          `json:"name"`
	Country    string          `json:"country"`
	City       string          `json:"city,omitempty"`
	RegNumbers []RegNumber     `json:"reg_numbers,omitempty"`
	TryStage   *Try            `json:"try_stage,omitempty"`
	ReqParams  json.RawMessage `json:"req_params,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	HTTPStatus *int            `json:"http_status,omitempty"`
	Resolved   *string         `json:"resolved,omitempty"`
	Quality    *Quality        `json:"quality,omitempty"`
	Remark     string          `json:"remark,omitempty"`
	Tries      []TryEntry      `json:"tries,omitempty"`
	TouchedAt  time.Time       `json:"touched_at"`
}

// IsResolved reports whether the entity carries an accepted match.
func (e *Entity) IsResolved() bool {
	return e.Resolved != nil
}

// StoredResult decodes the match result persisted with the last attempt.
// Returns nil when no response is stored.
func (e *Entity) StoredResult() (*MatchResult, error) {
	if len(e.Response) == 0 || string(e.Response) == "null" {
		return nil, nil
	}
	var r MatchResult
	if err := json.Unmarshal(e.Response, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
