package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/apihub/internal/metrics"
	"github.com/sells-group/apihub/internal/model"
	"github.com/sells-group/apihub/internal/ratelimit"
	"github.com/sells-group/apihub/internal/resilience"
	"github.com/sells-group/apihub/pkg/dnb"
	"github.com/sells-group/apihub/pkg/gleif"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func fastOpts(m *metrics.Metrics) Options {
	return Options{
		Limiter: ratelimit.NewAdaptive("test", 1000),
		Retry:   resilience.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		Metrics: m,
	}
}

func TestGLEIF_MatchByRegNum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1234.567.89", r.URL.Query().Get("filter[entity.registeredAs]"))
		assert.Equal(t, "BE", r.URL.Query().Get("filter[entity.legalAddress.country]"))
		_, _ = w.Write([]byte(`{"meta":{"pagination":{"total":1}},"data":[{"id":"LEI00000000000000001","attributes":{"lei":"LEI00000000000000001","entity":{"legalName":{"name":"Voorbeeld NV"},"legalAddress":{"city":"Gent","country":"BE"},"registeredAs":"1234.567.89","status":"ACTIVE"}}}]}`))
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	g := NewGLEIF(gleif.NewClient(gleif.WithBaseURL(srv.URL)), fastOpts(m))

	res, err := g.Match(context.Background(), model.MatchCriteria{RegNum: "1234.567.89", Country: "BE"})
	require.NoError(t, err)
	assert.Equal(t, model.APIGLEIF, res.API)
	assert.Equal(t, 200, res.HTTPStatus)
	assert.Equal(t, 1, res.NumCandidates())

	top := res.Top()
	require.NotNil(t, top)
	assert.Equal(t, "LEI00000000000000001", top.Key)
	assert.Equal(t, "1234.567.89", top.RegisteredAs)
	assert.Equal(t, "Gent", top.City)
	assert.Nil(t, top.Confidence)
	assert.False(t, top.OutOfBusiness)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIRequests.WithLabelValues("gleif", "200")))
}

func TestGLEIF_MatchByName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Feyenoord", r.URL.Query().Get("filter[entity.legalName]"))
		assert.Empty(t, r.URL.Query().Get("filter[entity.registeredAs]"))
		_, _ = w.Write([]byte(`{"meta":{"pagination":{"total":0}},"data":[]}`))
	}))
	defer srv.Close()

	g := NewGLEIF(gleif.NewClient(gleif.WithBaseURL(srv.URL)), fastOpts(nil))
	res, err := g.Match(context.Background(), model.MatchCriteria{Name: "Feyenoord", Country: "NL"})
	require.NoError(t, err)
	assert.Nil(t, res.Top())
	assert.Equal(t, 0, res.NumCandidates())
}

func TestGLEIF_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	opts := fastOpts(nil)
	opts.Limiter = ratelimit.NewAdaptive("gleif", 100)
	g := NewGLEIF(gleif.NewClient(gleif.WithBaseURL(srv.URL)), opts)

	_, err := g.Match(context.Background(), model.MatchCriteria{RegNum: "x", Country: "BE"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	// Halved on 429, then recovered by 20%.
	assert.InDelta(t, 60, float64(opts.Limiter.Limit()), 0.001)
}

func TestGLEIF_PermanentErrorIsHTTPError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"title":"bad filter"}]}`))
	}))
	defer srv.Close()

	g := NewGLEIF(gleif.NewClient(gleif.WithBaseURL(srv.URL)), fastOpts(nil))
	_, err := g.Match(context.Background(), model.MatchCriteria{RegNum: "x", Country: "BE"})

	require.Error(t, err)
	status, ok := resilience.StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, resilience.BodyOf(err), "bad filter")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDnB_NotFoundSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"errorCode":"20505"}}`))
	}))
	defer srv.Close()

	d := NewDnB(dnb.NewClient("tok", dnb.WithBaseURL(srv.URL)), fastOpts(nil))
	_, err := d.Match(context.Background(), model.MatchCriteria{Name: "Nobody", Country: "NL"})

	status, ok := resilience.StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDnB_CandidatesAndTieBreak(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Feyenoord", r.URL.Query().Get("name"))
		_, _ = w.Write([]byte(`{
		  "candidatesMatchedQuantity": 3,
		  "matchCandidates": [
		    {"organization": {"duns": "1", "primaryName": "Feyenoord Rotterdam N.V.", "primaryAddress": {"addressLocality": {"name": "Rotterdam"}}, "countryISOAlpha2Code": "NL",
		      "registrationNumbers": [{"registrationNumber": "24123456", "typeDnBCode": 6256}]},
		     "matchQualityInformation": {"confidenceCode": 7, "matchDataProfile": "P1"}},
		    {"organization": {"duns": "2", "primaryName": "Feyenoord Holding", "dunsControlStatus": {"operatingStatus": {"dnbCode": 403}}},
		     "matchQualityInformation": {"confidenceCode": 7, "matchDataProfile": "P1"}},
		    {"organization": {"duns": "3", "primaryName": "Feyenoord Supporters"},
		     "matchQualityInformation": {"confidenceCode": 7, "matchDataProfile": "P2"}}
		  ]}`))
	}))
	defer srv.Close()

	d := NewDnB(dnb.NewClient("tok", dnb.WithBaseURL(srv.URL)), fastOpts(nil))
	res, err := d.Match(context.Background(), model.MatchCriteria{Name: "Feyenoord", Country: "NL"})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 3)
	assert.Equal(t, 3, res.NumCandidates())

	top := res.Candidates[0]
	assert.Equal(t, "1", top.Key)
	assert.Equal(t, "24123456", top.RegisteredAs)
	assert.Equal(t, "Rotterdam", top.City)
	require.NotNil(t, top.Confidence)
	assert.Equal(t, 7, *top.Confidence)
	assert.False(t, top.TieBreaker)

	assert.True(t, res.Candidates[1].TieBreaker)
	assert.True(t, res.Candidates[1].OutOfBusiness)
	assert.False(t, res.Candidates[2].TieBreaker)
}

func TestDnB_MatchByRegNumSendsBareNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "123456789", r.URL.Query().Get("registrationNumber"))
		assert.Empty(t, r.URL.Query().Get("name"))
		_, _ = w.Write([]byte(`{
		  "candidatesMatchedQuantity": 1,
		  "matchCandidates": [
		    {"organization": {"duns": "100000001", "primaryName": "Feyenoord", "countryISOAlpha2Code": "BE",
		      "registrationNumbers": [{"registrationNumber": "123456789", "typeDnBCode": 800, "isPreferredRegistrationNumber": true}]},
		     "matchQualityInformation": {"confidenceCode": 10}}
		  ]}`))
	}))
	defer srv.Close()

	d := NewDnB(dnb.NewClient("tok", dnb.WithBaseURL(srv.URL)), fastOpts(nil))
	res, err := d.Match(context.Background(), model.MatchCriteria{RegNum: "1234.567.89", Country: "BE"})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "123456789", res.Candidates[0].RegisteredAs)
}
