package idr

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/sells-group/apihub/internal/model"
)

// Reset clears the stored attempt of try from an unresolved entity so a later
// try can run against a clean row. The attempt's outcome is folded into its
// ledger entry first. Resolved entities and entities whose stored attempt
// belongs to another try are left alone. Returns whether anything changed.
func Reset(e *model.Entity, try model.Try) bool {
	if e.IsResolved() || e.TryStage == nil || *e.TryStage != try {
		return false
	}

	entry := GetTry(e, try)
	if entry == nil {
		var in model.MatchCriteria
		if len(e.ReqParams) > 0 {
			if err := json.Unmarshal(e.ReqParams, &in); err != nil {
				zap.L().Warn("idr: stored request params unreadable, ledger entry backfilled without input",
					zap.Int64("entity_id", e.ID),
					zap.String("try", string(try)),
					zap.Error(err),
				)
			}
		}
		entry = AddTry(e, try, in)
	}
	if entry.Outcome == nil && entry.Error == "" {
		res, _ := e.StoredResult()
		out := model.TryOutcome{NumCandidates: res.NumCandidates(), TopCandidate: res.Top()}
		if e.HTTPStatus != nil {
			out.HTTPStatus = *e.HTTPStatus
		}
		MarkOutcome(entry, out)
	}

	e.TryStage = nil
	e.ReqParams = nil
	e.Response = nil
	e.HTTPStatus = nil
	e.Quality = nil
	e.Remark = ""
	return true
}
