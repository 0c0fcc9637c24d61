package provider

import (
	"context"
	"net/http"

	"github.com/sells-group/apihub/internal/model"
	"github.com/sells-group/apihub/pkg/gleif"
)

// GLEIF matches entities against LEI records. It has no confidence code, so
// name lookups never carry one.
type GLEIF struct {
	client gleif.Client
	caller caller
}

// NewGLEIF wraps a GLEIF client.
func NewGLEIF(client gleif.Client, opts Options) *GLEIF {
	return &GLEIF{client: client, caller: caller{api: model.APIGLEIF, opts: opts}}
}

// Match searches by registeredAs when a registration number is given,
// otherwise by legal name. Both filter on the legal address country.
func (g *GLEIF) Match(ctx context.Context, c model.MatchCriteria) (*model.MatchResult, error) {
	q := gleif.Query{Country: c.Country}
	if c.RegNum != "" {
		q.RegisteredAs = c.RegNum
	} else {
		q.LegalName = c.Name
	}

	return g.caller.do(ctx, "lei-records", func(ctx context.Context) (*model.MatchResult, error) {
		resp, err := g.client.Search(ctx, q)
		if err != nil {
			return nil, httpError(model.APIGLEIF, err)
		}
		return gleifResult(resp), nil
	})
}

func gleifResult(resp *gleif.SearchResponse) *model.MatchResult {
	res := &model.MatchResult{
		API:        model.APIGLEIF,
		HTTPStatus: http.StatusOK,
		Total:      resp.Meta.Pagination.Total,
		Candidates: make([]model.Candidate, 0, len(resp.Data)),
	}
	for _, rec := range resp.Data {
		e := rec.Attributes.Entity
		lei := rec.Attributes.LEI
		if lei == "" {
			lei = rec.ID
		}
		res.Candidates = append(res.Candidates, model.Candidate{
			Key:           lei,
			LegalName:     e.LegalName.Name,
			City:          e.LegalAddress.City,
			Country:       e.LegalAddress.Country,
			RegisteredAs:  e.RegisteredAs,
			OutOfBusiness: e.Status == "INACTIVE",
		})
	}
	return res
}
