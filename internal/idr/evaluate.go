package idr

import (
	"fmt"
	"strings"

	"github.com/sells-group/apihub/internal/model"
	"github.com/sells-group/apihub/internal/regnum"
	"github.com/sells-group/apihub/internal/similarity"
)

// Evaluation is the evaluator's verdict on one lookup.
type Evaluation struct {
	Accept    bool
	Candidate *model.Candidate
	Quality   *model.Quality
	Outcome   model.TryOutcome
	Remark    string
}

// Evaluator decides whether a lookup result can be auto-accepted.
type Evaluator struct {
	// ConfidenceThreshold is the minimum provider confidence code that
	// accepts a name match. Zero disables name auto-acceptance.
	ConfidenceThreshold int
	// Normalizer brings both registration numbers into the registry format
	// before they are compared. Nil uses the default rules.
	Normalizer *regnum.Normalizer
}

// NewEvaluator builds the evaluator configured by a stage.
func NewEvaluator(p model.StageParams, n *regnum.Normalizer) Evaluator {
	return Evaluator{ConfidenceThreshold: p.ConfidenceThreshold, Normalizer: n}
}

// Evaluate scores the top candidate of res against e. Registration-number
// tries accept on an exact identifier match; the name try accepts only on
// the provider's confidence code, the similarity scores are kept for review.
func (ev Evaluator) Evaluate(e *model.Entity, try model.Try, criteria model.MatchCriteria, res *model.MatchResult) Evaluation {
	top := res.Top()
	out := Evaluation{
		Candidate: top,
		Outcome:   model.TryOutcome{NumCandidates: res.NumCandidates(), TopCandidate: top},
	}
	if res != nil {
		out.Outcome.HTTPStatus = res.HTTPStatus
	}
	if top == nil {
		out.Remark = fmt.Sprintf("%s: no candidates (http %d)", try, out.Outcome.HTTPStatus)
		return out
	}

	name := similarity.Percent(e.Name, top.LegalName)
	city := similarity.Percent(e.City, top.City)
	out.Outcome.NameScore = &name
	out.Outcome.CityScore = &city
	q := model.Quality{Name: name, City: city, Try: try}

	switch try {
	case model.TryPreferredRegNum, model.TryCustomRegNum:
		country := criteria.Country
		if country == "" {
			country = e.Country
		}
		if !ev.sameRegNum(country, top.RegisteredAs, criteria.RegNum) {
			out.Remark = fmt.Sprintf("%s: top candidate %s is registered as %q, submitted %q",
				try, top.Key, top.RegisteredAs, criteria.RegNum)
			return out
		}
		full := 100
		q.RegNum = &full
		out.Accept = true
		out.Quality = &q
		out.Remark = fmt.Sprintf("%s: accepted %s, registration number %s matches (name %d, city %d)",
			try, top.Key, criteria.RegNum, name, city)

	case model.TryNameCountry:
		switch {
		case top.Confidence == nil:
			out.Remark = fmt.Sprintf("%s: %s scored name %d, city %d; no confidence code, left for review",
				try, top.Key, name, city)
		case ev.ConfidenceThreshold <= 0:
			out.Remark = fmt.Sprintf("%s: %s scored name %d, city %d, confidence %d; auto-accept disabled",
				try, top.Key, name, city, *top.Confidence)
		case *top.Confidence < ev.ConfidenceThreshold:
			out.Remark = fmt.Sprintf("%s: %s confidence %d below threshold %d (name %d, city %d)",
				try, top.Key, *top.Confidence, ev.ConfidenceThreshold, name, city)
		default:
			out.Accept = true
			out.Quality = &q
			out.Remark = fmt.Sprintf("%s: accepted %s with confidence %d >= %d (name %d, city %d)",
				try, top.Key, *top.Confidence, ev.ConfidenceThreshold, name, city)
		}

	default:
		out.Remark = fmt.Sprintf("unknown try %q", try)
	}
	return out
}

// sameRegNum compares in the registry format: GLEIF echoes the formatted
// number, D&B the bare one.
func (ev Evaluator) sameRegNum(country, registered, submitted string) bool {
	canonical := regnum.Canonical
	if ev.Normalizer != nil {
		canonical = ev.Normalizer.Canonical
	}
	registered = canonical(country, registered)
	submitted = canonical(country, submitted)
	return registered != "" && strings.EqualFold(registered, submitted)
}
