// Package gleif is a client for the GLEIF LEI-records API.
package gleif

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

const defaultBaseURL = "https://api.gleif.org/api/v1"

// Client searches LEI records.
type Client interface {
	Search(ctx context.Context, q Query) (*SearchResponse, error)
}

// Query filters LEI records. Zero fields are not sent.
type Query struct {
	RegisteredAs string // entity.registeredAs
	LegalName    string // entity.legalName
	Country      string // entity.legalAddress.country
	PageSize     int
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gleif: unexpected status %d: %s", e.StatusCode, e.Body)
}

// SearchResponse is the JSON:API envelope of /lei-records.
type SearchResponse struct {
	Meta struct {
		Pagination Pagination `json:"pagination"`
	} `json:"meta"`
	Data []Record `json:"data"`
}

// Pagination carries the total hit count.
type Pagination struct {
	CurrentPage int `json:"currentPage"`
	PerPage     int `json:"perPage"`
	Total       int `json:"total"`
}

// Record is one LEI record.
type Record struct {
	Type       string     `json:"type"`
	ID         string     `json:"id"`
	Attributes Attributes `json:"attributes"`
}

// Attributes of an LEI record.
type Attributes struct {
	LEI    string `json:"lei"`
	Entity Entity `json:"entity"`
}

// Entity is the legal entity an LEI was issued to.
type Entity struct {
	LegalName    Name    `json:"legalName"`
	LegalAddress Address `json:"legalAddress"`
	RegisteredAt struct {
		ID string `json:"id"`
	} `json:"registeredAt"`
	RegisteredAs string `json:"registeredAs"`
	Jurisdiction string `json:"jurisdiction"`
	Status       string `json:"status"`
}

// Name is a localized name.
type Name struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

// Address is a postal address.
type Address struct {
	AddressLines []string `json:"addressLines"`
	City         string   `json:"city"`
	Region       string   `json:"region"`
	Country      string   `json:"country"`
	PostalCode   string   `json:"postalCode"`
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
	baseURL string
	http    *http.Client
}

// NewClient creates a GLEIF API client. The API is public and needs no key.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Values encodes q as GLEIF filter parameters.
func (q Query) Values() url.Values {
	v := url.Values{}
	if q.RegisteredAs != "" {
		v.Set("filter[entity.registeredAs]", q.RegisteredAs)
	}
	if q.LegalName != "" {
		v.Set("filter[entity.legalName]", q.LegalName)
	}
	if q.Country != "" {
		v.Set("filter[entity.legalAddress.country]", q.Country)
	}
	size := q.PageSize
	if size <= 0 {
		size = 10
	}
	v.Set("page[size]", strconv.Itoa(size))
	return v
}

func (c *httpClient) Search(ctx context.Context, q Query) (*SearchResponse, error) {
	if q.RegisteredAs == "" && q.LegalName == "" {
		return nil, eris.New("gleif: search needs registeredAs or legalName")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/lei-records?"+q.Values().Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "gleif: create request")
	}
	req.Header.Set("Accept", "application/vnd.api+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "gleif: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "gleif: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "gleif: unmarshal response")
	}
	return &result, nil
}
