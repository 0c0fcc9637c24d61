// Package dnb is a client for the D&B Direct+ identity resolution API and a
// decoder for D&B data-block documents.
package dnb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://plus.dnb.com/v1"

// OperatingStatusOutOfBusiness is the dnbCode D&B uses for out-of-business organizations.
const OperatingStatusOutOfBusiness = 403

// Client performs D&B cleanseMatch lookups.
type Client interface {
	CleanseMatch(ctx context.Context, q MatchQuery) (*MatchResponse, error)
}

// MatchQuery is the inquiry sent to /match/cleanseMatch.
type MatchQuery struct {
	RegistrationNumber string
	Name               string
	CountryISOAlpha2   string
	CandidateMaximum   int
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dnb: unexpected status %d: %s", e.StatusCode, e.Body)
}

// MatchResponse is the cleanseMatch response.
type MatchResponse struct {
	CandidatesMatchedQuantity int              `json:"candidatesMatchedQuantity"`
	MatchDataCriteria         string           `json:"matchDataCriteria"`
	MatchCandidates           []MatchCandidate `json:"matchCandidates"`
}

// MatchCandidate is one ranked candidate.
type MatchCandidate struct {
	DisplaySequence         int                     `json:"displaySequence"`
	Organization            Organization            `json:"organization"`
	MatchQualityInformation MatchQualityInformation `json:"matchQualityInformation"`
}

// MatchQualityInformation grades a candidate.
type MatchQualityInformation struct {
	ConfidenceCode   int     `json:"confidenceCode"`
	MatchGrade       string  `json:"matchGrade"`
	MatchDataProfile string  `json:"matchDataProfile"`
	NameMatchScore   float64 `json:"nameMatchScore"`
}

// Organization is the company part shared by match candidates and data blocks.
type Organization struct {
	DUNS                 string               `json:"duns"`
	PrimaryName          string               `json:"primaryName"`
	CountryISOAlpha2Code string               `json:"countryISOAlpha2Code"`
	PrimaryAddress       Address              `json:"primaryAddress"`
	RegistrationNumbers  []RegistrationNumber `json:"registrationNumbers"`
	DUNSControlStatus    ControlStatus        `json:"dunsControlStatus"`
}

// Address is a D&B postal address.
type Address struct {
	AddressCountry struct {
		ISOAlpha2Code string `json:"isoAlpha2Code"`
	} `json:"addressCountry"`
	AddressLocality struct {
		Name string `json:"name"`
	} `json:"addressLocality"`
	PostalCode    string `json:"postalCode"`
	StreetAddress struct {
		Line1 string `json:"line1"`
	} `json:"streetAddress"`
}

// RegistrationNumber is a number issued by a registry, typed by D&B code.
type RegistrationNumber struct {
	RegistrationNumber            string `json:"registrationNumber"`
	TypeDnBCode                   int    `json:"typeDnBCode"`
	TypeDescription               string `json:"typeDescription"`
	IsPreferredRegistrationNumber bool   `json:"isPreferredRegistrationNumber"`
}

// ControlStatus carries the operating status.
type ControlStatus struct {
	OperatingStatus struct {
		Description string `json:"description"`
		DnBCode     int    `json:"dnbCode"`
	} `json:"operatingStatus"`
	IsOutOfBusiness bool `json:"isOutOfBusiness"`
}

// OutOfBusiness reports whether D&B flags the organization as no longer operating.
func (o Organization) OutOfBusiness() bool {
	return o.DUNSControlStatus.IsOutOfBusiness ||
		o.DUNSControlStatus.OperatingStatus.DnBCode == OperatingStatusOutOfBusiness
}

// City returns the locality of the primary address.
func (o Organization) City() string {
	return o.PrimaryAddress.AddressLocality.Name
}

// Country returns the organization's country, preferring the top-level code.
func (o Organization) Country() string {
	if o.CountryISOAlpha2Code != "" {
		return o.CountryISOAlpha2Code
	}
	return o.PrimaryAddress.AddressCountry.ISOAlpha2Code
}

// PreferredRegistrationNumber returns the first preferred number, or "".
func (o Organization) PreferredRegistrationNumber() string {
	for _, rn := range o.RegistrationNumbers {
		if rn.IsPreferredRegistrationNumber {
			return rn.RegistrationNumber
		}
	}
	return ""
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a D&B Direct+ client authenticated with a bearer token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Values encodes q as cleanseMatch query parameters.
func (q MatchQuery) Values() url.Values {
	v := url.Values{}
	if q.RegistrationNumber != "" {
		v.Set("registrationNumber", q.RegistrationNumber)
	}
	if q.Name != "" {
		v.Set("name", q.Name)
	}
	if q.CountryISOAlpha2 != "" {
		v.Set("countryISOAlpha2Code", q.CountryISOAlpha2)
	}
	n := q.CandidateMaximum
	if n <= 0 {
		n = 5
	}
	v.Set("candidateMaximumQuantity", strconv.Itoa(n))
	return v
}

func (c *httpClient) CleanseMatch(ctx context.Context, q MatchQuery) (*MatchResponse, error) {
	if q.CountryISOAlpha2 == "" {
		return nil, eris.New("dnb: cleanseMatch requires a country")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/match/cleanseMatch?"+q.Values().Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "dnb: create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "dnb: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "dnb: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result MatchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "dnb: unmarshal response")
	}
	return &result, nil
}
