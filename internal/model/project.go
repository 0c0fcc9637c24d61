package model

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

// Role selects what a stage execution does.
type Role string

const (
	RoleSeed   Role = "seed"   // Create entities from upstream company data
	RoleMatch  Role = "match"  // Issue one try against an external match API
	RoleReject Role = "reject" // Revert accepted matches that fail rejection rules
	RoleReset  Role = "reset"  // Clear unresolved attempts of one try
)

// ErrInvalidStage is returned when stage parameters are missing or inconsistent.
var ErrInvalidStage = eris.New("invalid stage parameters")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Project is a named batch job made of ordered stages.
type Project struct {
	ID        int       `json:"id" yaml:"id" validate:"required,gt=0"`
	Name      string    `json:"name" yaml:"name" validate:"required"`
	Stages    []Stage   `json:"stages,omitempty" yaml:"stages" validate:"dive"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// StageRef points at the project/stage whose entities a stage consumes.
type StageRef struct {
	ProjectID int `json:"project_id" yaml:"project_id" validate:"required,gt=0"`
	StageID   int `json:"stage_id" yaml:"stage_id" validate:"required,gt=0"`
}

// StageParams configures one stage execution.
type StageParams struct {
	Input               *StageRef `json:"input,omitempty" yaml:"input,omitempty"`
	Try                 Try       `json:"try,omitempty" yaml:"try,omitempty" validate:"omitempty,oneof=preferred_reg_num custom_reg_num name_country"`
	API                 API       `json:"api,omitempty" yaml:"api,omitempty" validate:"omitempty,oneof=gleif dnb"`
	ConfidenceThreshold int       `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty" validate:"gte=0,lte=10"`
	NonCriticalStatuses []int     `json:"non_critical_statuses,omitempty" yaml:"non_critical_statuses,omitempty" validate:"dive,gte=400,lte=599"`
	RejectOutOfBusiness bool      `json:"reject_out_of_business,omitempty" yaml:"reject_out_of_business,omitempty"`
	RejectTieBreak      bool      `json:"reject_tie_break,omitempty" yaml:"reject_tie_break,omitempty"`
	SourceFile          string    `json:"source_file,omitempty" yaml:"source_file,omitempty"`
	ChunkSize           int       `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty" validate:"gte=0,lte=1000"`
}

// Stage is one step of a project.
type Stage struct {
	ProjectID  int         `json:"project_id" yaml:"-"`
	StageID    int         `json:"stage_id" yaml:"id" validate:"required,gt=0"`
	Name       string      `json:"name" yaml:"name"`
	Role       Role        `json:"role" yaml:"role" validate:"required,oneof=seed match reject reset"`
	Params     StageParams `json:"params" yaml:"params"`
	Finished   bool        `json:"finished" yaml:"-"`
	FinishedAt *time.Time  `json:"finished_at,omitempty" yaml:"-"`
}

// Validate checks struct constraints and the parameters each role requires.
func (s *Stage) Validate() error {
	if err := validate.Struct(s); err != nil {
		return eris.Wrapf(ErrInvalidStage, "stage %d: %v", s.StageID, err)
	}
	if s.Params.Input != nil {
		if err := validate.Struct(s.Params.Input); err != nil {
			return eris.Wrapf(ErrInvalidStage, "stage %d input: %v", s.StageID, err)
		}
	}

	p := s.Params
	switch s.Role {
	case RoleSeed:
		if p.SourceFile == "" {
			return eris.Wrapf(ErrInvalidStage, "stage %d: seed requires source_file", s.StageID)
		}
	case RoleMatch:
		if p.Input == nil || p.Try == "" || p.API == "" {
			return eris.Wrapf(ErrInvalidStage, "stage %d: match requires input, try and api", s.StageID)
		}
	case RoleReject:
		if p.Input == nil {
			return eris.Wrapf(ErrInvalidStage, "stage %d: reject requires input", s.StageID)
		}
		if !p.RejectOutOfBusiness && !p.RejectTieBreak {
			return eris.Wrapf(ErrInvalidStage, "stage %d: reject requires at least one rule", s.StageID)
		}
	case RoleReset:
		if p.Input == nil || p.Try == "" {
			return eris.Wrapf(ErrInvalidStage, "stage %d: reset requires input and try", s.StageID)
		}
	default:
		return eris.Wrapf(ErrInvalidStage, "stage %d: unknown role %q", s.StageID, s.Role)
	}
	return nil
}

// Validate checks the project and every stage it defines.
func (p *Project) Validate() error {
	if err := validate.Struct(p); err != nil {
		return eris.Wrapf(ErrInvalidStage, "project %d: %v", p.ID, err)
	}
	seen := make(map[int]bool, len(p.Stages))
	for i := range p.Stages {
		st := &p.Stages[i]
		if seen[st.StageID] {
			return eris.Wrapf(ErrInvalidStage, "project %d: duplicate stage %d", p.ID, st.StageID)
		}
		seen[st.StageID] = true
		if err := st.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// APIError is an error-ledger row: enough context to replay a failed lookup.
type APIError struct {
	ID           string        `json:"id"`
	ProjectID    int           `json:"project_id"`
	StageID      int           `json:"stage_id"`
	EntityID     int64         `json:"entity_id"`
	API          API           `json:"api"`
	ReqParams    MatchCriteria `json:"req_params"`
	HTTPStatus   int           `json:"http_status,omitempty"`
	ResponseBody string        `json:"response_body,omitempty"`
	Error        string        `json:"error"`
	CreatedAt    time.Time     `json:"created_at"`
}
