package idr

import (
	"fmt"

	"github.com/sells-group/apihub/internal/model"
)

// Rejecter holds the rules a reject pass applies to accepted matches.
type Rejecter struct {
	OutOfBusiness bool
	TieBreak      bool
}

// NewRejecter builds the rules enabled on a stage.
func NewRejecter(p model.StageParams) Rejecter {
	return Rejecter{OutOfBusiness: p.RejectOutOfBusiness, TieBreak: p.RejectTieBreak}
}

// Check returns why the accepted match of e must be reverted, or "" when it
// stands. res is the stored result of the try that resolved e.
func (r Rejecter) Check(e *model.Entity, res *model.MatchResult) string {
	if !e.IsResolved() || res == nil || len(res.Candidates) == 0 {
		return ""
	}

	if r.OutOfBusiness {
		if c := acceptedCandidate(e, res); c != nil && c.OutOfBusiness {
			return fmt.Sprintf("rejected: accepted candidate %s is out of business", c.Key)
		}
	}

	if r.TieBreak && len(res.Candidates) > 1 {
		first, second := res.Candidates[0], res.Candidates[1]
		if first.Confidence != nil && second.Confidence != nil &&
			*first.Confidence == *second.Confidence &&
			(second.TieBreaker || second.OutOfBusiness) {
			return fmt.Sprintf("rejected: tie-breaker, %s and %s share confidence code %d",
				first.Key, second.Key, *first.Confidence)
		}
	}
	return ""
}

func acceptedCandidate(e *model.Entity, res *model.MatchResult) *model.Candidate {
	for i := range res.Candidates {
		if res.Candidates[i].Key == *e.Resolved {
			return &res.Candidates[i]
		}
	}
	return res.Top()
}
