// Package searchconsole is an HTTP client for the upstream OAuth-protected
// search-analytics API: token refresh, site listing, and the bounded
// multi-dimension analytics query.
package searchconsole

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ranklens/ranklens-sync/pkg/apperrors"
	"github.com/ranklens/ranklens-sync/pkg/config"
	"github.com/ranklens/ranklens-sync/pkg/models"
)

// Client talks to the upstream search-analytics API.
type Client struct {
	httpClient   *http.Client
	clientID     string
	clientSecret string
	tokenURL     string
	apiBaseURL   string
}

// NewClient creates a client from upstream configuration.
func NewClient(cfg *config.UpstreamConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     cfg.TokenURL,
		apiBaseURL:   strings.TrimRight(cfg.APIBaseURL, "/"),
	}
}

// tokenRefreshResponse is the OAuth token endpoint response.
type tokenRefreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

// RefreshAccessToken exchanges a refresh token for a new access token.
// Uses application/x-www-form-urlencoded as required by OAuth 2.0 (RFC 6749).
// Returns the new access token and its absolute expiry.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (string, time.Time, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create token refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		// The body typically carries {"error":"invalid_grant",...} for
		// revoked refresh tokens.
		var errResp struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return "", time.Time{}, fmt.Errorf("token endpoint returned status %d: %s: %s", resp.StatusCode, errResp.Error, errResp.ErrorDescription)
		}
		return "", time.Time{}, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var refresh tokenRefreshResponse
	if err := json.Unmarshal(body, &refresh); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token refresh response: %w", err)
	}
	if refresh.AccessToken == "" {
		return "", time.Time{}, errors.New("token refresh response missing access_token")
	}

	expiresAt := time.Now().Add(time.Duration(refresh.ExpiresIn) * time.Second)
	return refresh.AccessToken, expiresAt, nil
}

// Site is one verified property returned by the sites listing.
type Site struct {
	SiteURL         string `json:"siteUrl"`
	PermissionLevel string `json:"permissionLevel"`
}

type siteListResponse struct {
	SiteEntry []Site `json:"siteEntry"`
}

// ListSites returns the verified sites visible to the given access token.
func (c *Client) ListSites(ctx context.Context, accessToken string) ([]Site, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+"/sites", nil)
	if err != nil {
		return nil, fmt.Errorf("create site list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperrors.QueryError{Kind: apperrors.QueryTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var list siteListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode site list response: %w", err)
	}
	return list.SiteEntry, nil
}

// queryRequest is the analytics query body. Dates are date-granularity and
// inclusive on both ends.
type queryRequest struct {
	StartDate  string   `json:"startDate"`
	EndDate    string   `json:"endDate"`
	Dimensions []string `json:"dimensions"`
	RowLimit   int      `json:"rowLimit"`
}

// wireRow decodes with pointer metrics so rows missing clicks or
// impressions can be detected and dropped instead of silently zeroing.
type wireRow struct {
	Keys        []string `json:"keys"`
	Clicks      *float64 `json:"clicks"`
	Impressions *float64 `json:"impressions"`
	CTR         float64  `json:"ctr"`
	Position    float64  `json:"position"`
}

type queryResponse struct {
	Rows []wireRow `json:"rows"`
}

// QueryAnalytics issues one bounded-range, multi-dimension query for one
// property and returns the raw rows. A single request per window; upstream
// truncation at the row limit is surfaced by the aggregator, not here.
func (c *Client) QueryAnalytics(ctx context.Context, accessToken, siteURL string, window models.SyncWindow) ([]models.Row, error) {
	payload, err := json.Marshal(queryRequest{
		StartDate:  window.StartDate.Format("2006-01-02"),
		EndDate:    window.EndDate.Format("2006-01-02"),
		Dimensions: window.Dimensions,
		RowLimit:   window.RowLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal analytics query: %w", err)
	}

	endpoint := fmt.Sprintf("%s/sites/%s/searchAnalytics/query", c.apiBaseURL, url.PathEscape(siteURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create analytics query request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperrors.QueryError{Kind: apperrors.QueryTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var result queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode analytics query response: %w", err)
	}

	rows := make([]models.Row, 0, len(result.Rows))
	for _, w := range result.Rows {
		// Rows without both metrics are malformed; drop them here so the
		// aggregator folds over complete rows only.
		if w.Clicks == nil || w.Impressions == nil {
			continue
		}
		rows = append(rows, models.Row{
			Keys:        w.Keys,
			Clicks:      *w.Clicks,
			Impressions: *w.Impressions,
			CTR:         w.CTR,
			Position:    w.Position,
		})
	}
	return rows, nil
}

// classifyStatus maps an upstream HTTP failure into the closed QueryError
// taxonomy. Only transient failures are candidates for retry.
func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	base := fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &apperrors.QueryError{Kind: apperrors.QueryAuthFailure, StatusCode: resp.StatusCode, Err: base}
	case resp.StatusCode == http.StatusNotFound:
		return &apperrors.QueryError{Kind: apperrors.QueryNotFound, StatusCode: resp.StatusCode, Err: base}
	default:
		// Timeouts, throttling, 5xx and anything unexpected: the next
		// scheduled run retries the same window.
		return &apperrors.QueryError{Kind: apperrors.QueryTransient, StatusCode: resp.StatusCode, Err: base}
	}
}
