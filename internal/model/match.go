package model

// API names an external match provider.
type API string

const (
	APIGLEIF API = "gleif"
	APIDnB   API = "dnb"
)

// MatchCriteria is the filter submitted to an external match API.
type MatchCriteria struct {
	RegNum  string `json:"reg_num,omitempty"`
	Name    string `json:"name,omitempty"`
	Country string `json:"country"`
}

// Candidate is one ranked record returned by an external match API.
type Candidate struct {
	Key           string `json:"key"` // LEI or DUNS
	LegalName     string `json:"legal_name"`
	City          string `json:"city,omitempty"`
	Country       string `json:"country,omitempty"`
	RegisteredAs  string `json:"registered_as,omitempty"`
	Confidence    *int   `json:"confidence,omitempty"` // only set by confidence-code providers
	OutOfBusiness bool   `json:"out_of_business,omitempty"`
	TieBreaker    bool   `json:"tie_breaker,omitempty"`
}

// MatchResult is the provider-agnostic response to a MatchCriteria lookup.
type MatchResult struct {
	API        API         `json:"api"`
	HTTPStatus int         `json:"http_status"`
	Total      int         `json:"total"`
	Candidates []Candidate `json:"candidates"`
}

// Top returns the best-ranked candidate, or nil when there are none.
func (r *MatchResult) Top() *Candidate {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	c := r.Candidates[0]
	return &c
}

// NumCandidates returns the reported total, falling back to the list length.
func (r *MatchResult) NumCandidates() int {
	if r == nil {
		return 0
	}
	if r.Total > 0 {
		return r.Total
	}
	return len(r.Candidates)
}
