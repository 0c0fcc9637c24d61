package provider

import (
	"context"
	"net/http"
	"strings"
	"unicode"

	"github.com/sells-group/apihub/internal/model"
	"github.com/sells-group/apihub/pkg/dnb"
)

// DnB matches entities with D&B identity resolution. Candidates carry the
// D&B confidence code.
type DnB struct {
	client       dnb.Client
	caller       caller
	maxCandidate int
}

// NewDnB wraps a D&B client.
func NewDnB(client dnb.Client, opts Options) *DnB {
	return &DnB{client: client, caller: caller{api: model.APIDnB, opts: opts}, maxCandidate: 5}
}

// Match runs cleanseMatch with the registration number or the name.
func (d *DnB) Match(ctx context.Context, c model.MatchCriteria) (*model.MatchResult, error) {
	q := dnb.MatchQuery{CountryISOAlpha2: c.Country, CandidateMaximum: d.maxCandidate}
	if c.RegNum != "" {
		q.RegistrationNumber = bareRegNum(c.RegNum)
	} else {
		q.Name = c.Name
	}

	return d.caller.do(ctx, "cleanseMatch", func(ctx context.Context) (*model.MatchResult, error) {
		resp, err := d.client.CleanseMatch(ctx, q)
		if err != nil {
			return nil, httpError(model.APIDnB, err)
		}
		return dnbResult(resp), nil
	})
}

// bareRegNum drops the registry punctuation the criteria carry for GLEIF;
// D&B stores registration numbers without it.
func bareRegNum(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// dnbResult flags candidate i>0 as a tie-breaker when D&B could only separate
// it from the top candidate by display order: same confidence code and same
// match data profile.
func dnbResult(resp *dnb.MatchResponse) *model.MatchResult {
	res := &model.MatchResult{
		API:        model.APIDnB,
		HTTPStatus: http.StatusOK,
		Total:      resp.CandidatesMatchedQuantity,
		Candidates: make([]model.Candidate, 0, len(resp.MatchCandidates)),
	}
	for i, mc := range resp.MatchCandidates {
		org := mc.Organization
		confidence := mc.MatchQualityInformation.ConfidenceCode

		registeredAs := org.PreferredRegistrationNumber()
		if registeredAs == "" && len(org.RegistrationNumbers) > 0 {
			registeredAs = org.RegistrationNumbers[0].RegistrationNumber
		}

		cand := model.Candidate{
			Key:           org.DUNS,
			LegalName:     org.PrimaryName,
			City:          org.City(),
			Country:       org.Country(),
			RegisteredAs:  registeredAs,
			Confidence:    &confidence,
			OutOfBusiness: org.OutOfBusiness(),
		}
		if i > 0 {
			top := resp.MatchCandidates[0].MatchQualityInformation
			cand.TieBreaker = top.ConfidenceCode == confidence &&
				top.MatchDataProfile == mc.MatchQualityInformation.MatchDataProfile
		}
		res.Candidates = append(res.Candidates, cand)
	}
	return res
}
