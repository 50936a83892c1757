// Package provider implements the outbound leg of the token exchange: one
// POST to the tenant's token endpoint per handled redirect.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tokenrelay/tokenrelay/pkg/envelope"
	"github.com/tokenrelay/tokenrelay/pkg/logger"
	"github.com/tokenrelay/tokenrelay/pkg/networking"
)

// maxResponseSize limits provider response bodies to prevent DoS.
const maxResponseSize = 1024 * 1024 // 1MB

// Request carries the parameters of one authorization-code exchange.
type Request struct {
	TokenURI     string
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// ExchangeError is the failure of a token exchange, with Reason phrased for
// delivery to the SPA in the fragment error payload.
type ExchangeError struct {
	Reason string
	Err    error
}

func (e *ExchangeError) Error() string { return e.Reason }

func (e *ExchangeError) Unwrap() error { return e.Err }

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c networking.HTTPClient) ClientOption {
	return func(p *Client) {
		p.httpClient = c
	}
}

// Client performs authorization-code exchanges against provider token
// endpoints. The zero configuration uses a client with bounded timeouts.
type Client struct {
	httpClient networking.HTTPClient
}

// NewClient creates a token-exchange client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: networking.NewHTTPClientBuilder().Build(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Exchange posts the authorization code to the provider token endpoint and
// decodes the response. Credentials go into an HTTP Basic header when a
// client secret is present; otherwise client_id stays in the form body.
// Failures are returned as *ExchangeError.
func (c *Client) Exchange(ctx context.Context, req *Request) (*envelope.ResponseToken, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {req.Code},
		"redirect_uri": {req.RedirectURI},
	}
	if req.ClientSecret == "" {
		form.Set("client_id", req.ClientID)
	}

	logger.Debugw("exchanging authorization code",
		"token_endpoint", req.TokenURI,
		"client_id", req.ClientID,
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ExchangeError{Reason: "BadUrl: " + req.TokenURI, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// GitHub answers URL-encoded unless JSON is asked for explicitly.
	httpReq.Header.Set("Accept", "application/json")
	if req.ClientSecret != "" {
		httpReq.SetBasicAuth(req.ClientID, req.ClientSecret)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseErrorResponse(body, resp.StatusCode)
	}

	token, err := envelope.UnmarshalResponseToken(body)
	if err != nil {
		return nil, &ExchangeError{Reason: fmt.Sprintf("Decoder error: %v", err), Err: err}
	}
	logger.Debugw("authorization code exchange successful",
		"token_endpoint", req.TokenURI,
		"has_refresh_token", token.RefreshToken != "",
	)
	return token, nil
}

// parseErrorResponse turns a non-2xx provider response into an
// ExchangeError, preferring the OAuth error_description when present.
func parseErrorResponse(body []byte, status int) *ExchangeError {
	var oauthErr struct {
		Code        string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Code != "" {
		reason := oauthErr.Description
		if reason == "" {
			reason = oauthErr.Code
		}
		return &ExchangeError{Reason: reason}
	}
	return &ExchangeError{Reason: fmt.Sprintf("BadStatus, code: %d", status)}
}

func classifyTransport(err error) *ExchangeError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExchangeError{Reason: "Timeout", Err: err}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return &ExchangeError{Reason: "Timeout", Err: err}
	}
	return &ExchangeError{Reason: "NetworkError", Err: err}
}
