// Package simulator provides a self-contained fake authorization server for
// integration tests: an authorize endpoint that always approves and a token
// endpoint with canned responses. It is reachable on the same listener as
// the real handlers.
package simulator

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/tokenrelay/tokenrelay/pkg/logger"
)

const (
	// AuthCode is the authorization code issued by the authorize endpoint.
	AuthCode = "xyzzy"

	// AccessToken is the access token issued by the token endpoint.
	AccessToken = "yourTokenSir"

	// RefreshToken is the refresh token issued by the token endpoint.
	RefreshToken = "aRefreshToken"

	// FailClientID makes the token endpoint reject the exchange.
	FailClientID = "fail"

	tokenLifetime = 3600
)

// tokenResponse is the OAuth token response issued on success.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// errorResponse is the OAuth error response shape.
type errorResponse struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// Simulator serves the fake authorize and token endpoints.
type Simulator struct{}

// New creates a simulator.
func New() *Simulator {
	return &Simulator{}
}

// HandleAuthorize answers a simulated authorization request: it always
// approves and redirects the browser back with a fixed code and the caller's
// state.
func (*Simulator) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	rq := u.Query()
	rq.Set("code", AuthCode)
	rq.Set("state", state)
	u.RawQuery = rq.Encode()

	logger.Debugw("simulator approving authorization request",
		"client_id", q.Get("client_id"),
		"redirect_uri", redirectURI,
	)
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// HandleToken answers a simulated token exchange. Credentials are accepted
// either in the form body or as HTTP Basic; the client_id "fail" yields an
// invalid_client error.
func (s *Simulator) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.invalidRequest(w, "can't parse form body")
		return
	}

	clientID := r.PostFormValue("client_id")
	if basicUser, _, ok := r.BasicAuth(); ok {
		clientID = basicUser
	}

	if gt := r.PostFormValue("grant_type"); gt != "authorization_code" {
		s.invalidRequest(w, "grant_type must be authorization_code")
		return
	}
	if r.PostFormValue("code") == "" {
		s.invalidRequest(w, "code is required")
		return
	}

	if clientID == FailClientID {
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			Code:        "invalid_client",
			Description: "Client authentication failed.",
		})
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  AccessToken,
		TokenType:    "bearer",
		ExpiresIn:    tokenLifetime,
		RefreshToken: RefreshToken,
	})
}

func (*Simulator) invalidRequest(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Code:        "invalid_request",
		Description: reason,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnf("Failed to write simulator response: %v", err)
	}
}
