// Package aggregator is a client for the account-aggregation API
// (Plaid-compatible endpoints and payloads).
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultLanguage = "en"

	// MaxPageSize is the largest transaction page the API serves.
	MaxPageSize = 500

	linkTokenPath    = "/link/token/create"
	exchangePath     = "/item/public_token/exchange"
	accountsPath     = "/accounts/get"
	holdingsPath     = "/investments/holdings/get"
	transactionsPath = "/transactions/get"
	institutionPath  = "/institutions/get_by_id"
)

var environments = map[string]string{
	"sandbox":     "https://sandbox.plaid.com",
	"development": "https://development.plaid.com",
	"production":  "https://production.plaid.com",
}

// BaseURLForEnvironment resolves an environment name. Anything that is not
// a known name is returned as is, so a full URL also works.
func BaseURLForEnvironment(env string) string {
	if u, ok := environments[strings.ToLower(env)]; ok {
		return u
	}
	return strings.TrimRight(env, "/")
}

// Config holds the client settings.
type Config struct {
	BaseURL      string
	ClientID     string
	Secret       string
	Timeout      time.Duration
	RateLimit    float64 // requests per second, 0 disables limiting
	RateBurst    int
	ClientName   string
	Language     string
	Products     []string
	CountryCodes []string
	Webhook      string
	RedirectURI  string
}

// Client handles communication with the aggregation API
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	cfg        Config
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new aggregation API client
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if len(cfg.CountryCodes) == 0 {
		cfg.CountryCodes = []string{"US"}
	}
	cfg.BaseURL = BaseURLForEnvironment(cfg.BaseURL)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
		cfg:     cfg,
	}
}

// CreateLinkToken creates a link token. In update mode the products list is
// omitted; the item keeps its existing products.
func (c *Client) CreateLinkToken(ctx context.Context, req LinkTokenRequest) (*LinkToken, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	body := linkTokenCreateBody{
		ClientName:   c.cfg.ClientName,
		Language:     c.cfg.Language,
		CountryCodes: c.cfg.CountryCodes,
		User:         linkTokenUser{ClientUserID: req.UserID},
		Webhook:      c.cfg.Webhook,
		RedirectURI:  c.cfg.RedirectURI,
	}
	if req.AccessToken != "" {
		body.AccessToken = req.AccessToken
	} else {
		body.Products = c.cfg.Products
	}

	var out LinkToken
	if err := c.post(ctx, linkTokenPath, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExchangePublicToken trades the token returned by the link flow for a
// long-lived access token.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (string, string, error) {
	var out exchangeResponse
	if err := c.post(ctx, exchangePath, exchangeBody{PublicToken: publicToken}, &out); err != nil {
		return "", "", err
	}
	return out.AccessToken, out.ItemID, nil
}

// GetAccounts fetches the accounts of an item
func (c *Client) GetAccounts(ctx context.Context, accessToken string) (*AccountsResponse, error) {
	var out AccountsResponse
	if err := c.post(ctx, accountsPath, accessTokenBody{AccessToken: accessToken}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInvestmentHoldings fetches securities and holdings of an item
func (c *Client) GetInvestmentHoldings(ctx context.Context, accessToken string) (*HoldingsResponse, error) {
	var out HoldingsResponse
	if err := c.post(ctx, holdingsPath, accessTokenBody{AccessToken: accessToken}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransactions fetches one page of transactions. Count is clamped to
// [1, MaxPageSize].
func (c *Client) GetTransactions(ctx context.Context, accessToken string, req TransactionsRequest) (*TransactionsResponse, error) {
	count := req.Count
	if count <= 0 || count > MaxPageSize {
		count = MaxPageSize
	}
	body := transactionsBody{
		AccessToken: accessToken,
		StartDate:   req.Start.Format(dateLayout),
		EndDate:     req.End.Format(dateLayout),
		Options:     transactionsOptions{Count: count, Offset: req.Offset},
	}

	var out TransactionsResponse
	if err := c.post(ctx, transactionsPath, body, &out); err != nil {
		return nil, err
	}
	out.HasMore = out.Received() > 0 && req.Offset+out.Received() < out.TotalTransactions
	return &out, nil
}

// GetInstitution fetches display metadata of an institution
func (c *Client) GetInstitution(ctx context.Context, institutionID string) (*Institution, error) {
	body := institutionBody{
		InstitutionID: institutionID,
		CountryCodes:  c.cfg.CountryCodes,
		Options:       institutionOptions{IncludeOptionalMetadata: true},
	}
	var out institutionResponse
	if err := c.post(ctx, institutionPath, body, &out); err != nil {
		return nil, err
	}
	return &out.Institution, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return networkError(err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PLAID-CLIENT-ID", c.cfg.ClientID)
	req.Header.Set("PLAID-SECRET", c.cfg.Secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return networkError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return networkError(err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &Error{}
		if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Code == "" {
			apiErr = &Error{Type: ErrorTypeAPI, Message: strings.TrimSpace(string(respBody))}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
