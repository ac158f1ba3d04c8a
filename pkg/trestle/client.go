// Package trestle is a client for the Trestle reverse-address contact API.
package trestle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.trestleiq.com"

// ReverseAddressEndpoint is the metered lookup endpoint.
const ReverseAddressEndpoint = "/3.1/location"

// Client performs reverse-address lookups against the Trestle API.
type Client interface {
	ReverseAddress(ctx context.Context, req ReverseAddressRequest) (*ReverseAddressResponse, error)
}

// ReverseAddressRequest identifies a property and, optionally, its owner.
type ReverseAddressRequest struct {
	Street string
	City   string
	State  string
	ZIP    string
	// Name optionally narrows results to a specific resident.
	Name string
}

// ReverseAddressResponse is the parsed body of a reverse-address lookup.
type ReverseAddressResponse struct {
	ID        string      `json:"id"`
	IsValid   *bool       `json:"is_valid"`
	APIMode   string      `json:"api_mode,omitempty"`
	Residents []Resident  `json:"current_residents"`
	Error     *apiErrBody `json:"error,omitempty"`

	// Raw is the unparsed response body, kept for caching and auditing.
	Raw []byte `json:"-"`
	// StatusCode and LatencyMs describe the HTTP exchange for the ledger.
	StatusCode int   `json:"-"`
	LatencyMs  int64 `json:"-"`
}

// Resident is one person associated with the address.
type Resident struct {
	Name   string  `json:"name"`
	Phones []Phone `json:"phones"`
	Emails []Email `json:"emails"`
}

// Phone is a single phone number record.
type Phone struct {
	Number    string `json:"phone_number"`
	LineType  string `json:"line_type"`
	IsValid   *bool  `json:"is_valid"`
	DoNotCall bool   `json:"do_not_call"`
	// ContactScore ranges 1 (best) to 4 per the provider's docs.
	ContactScore int    `json:"contact_score"`
	LastSeen     string `json:"last_seen,omitempty"`
}

// Email is a single email address record.
type Email struct {
	Address string `json:"email_address"`
	IsValid *bool  `json:"is_valid"`
}

type apiErrBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout overrides the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Trestle API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) ReverseAddress(ctx context.Context, req ReverseAddressRequest) (*ReverseAddressResponse, error) {
	if c.apiKey == "" {
		return nil, &AuthError{Reason: "missing API key"}
	}

	q := url.Values{}
	q.Set("street_line_1", req.Street)
	q.Set("city", req.City)
	q.Set("state_code", req.State)
	q.Set("postal_code", req.ZIP)
	if req.Name != "" {
		q.Set("name", req.Name)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+ReverseAddressEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "trestle: create request")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "trestle: send request")
	}
	defer resp.Body.Close()
	latency := time.Since(start).Milliseconds()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "trestle: read response")
	}

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var result ReverseAddressResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "trestle: unmarshal response")
	}
	result.Raw = respBody
	result.StatusCode = resp.StatusCode
	result.LatencyMs = latency

	// A non-production key returns fabricated records. Surfacing that as an
	// auth misconfiguration keeps fake data out of the cache.
	if result.APIMode != "" && result.APIMode != "production" {
		return nil, &AuthError{Reason: "non-production API mode: " + result.APIMode}
	}

	return &result, nil
}
