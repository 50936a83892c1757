package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tokenrelay/tokenrelay/pkg/envelope"
	"github.com/tokenrelay/tokenrelay/pkg/logger"
	"github.com/tokenrelay/tokenrelay/pkg/provider"
	"github.com/tokenrelay/tokenrelay/pkg/tenant"
)

// handleExchange terminates the code-bearing redirect: it validates the
// state envelope, authorizes the redirect-back target, exchanges the code at
// the provider, and sends the browser on with the result in the fragment.
//
// Once a valid envelope has been decoded and authorized, the SPA always gets
// a fragment-encoded result, success or failure; only an unusable envelope
// yields a plain 4xx.
func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	state := stateParam(q)
	snap := s.snapshots.Snapshot()

	env, err := envelope.DecodeEnvelope(state)
	if err != nil {
		var b64Err *envelope.Base64Error
		if errors.As(err, &b64Err) {
			http.Error(w, "State not base64 encoded: "+state, http.StatusBadRequest)
			return
		}
		var synErr *envelope.SyntaxError
		if errors.As(err, &synErr) {
			http.Error(w, "Malformed state: "+synErr.Decoded, http.StatusBadRequest)
			return
		}
		http.Error(w, "Malformed state: "+state, http.StatusBadRequest)
		return
	}

	backURL, err := parseAbsoluteURL(env.RedirectBackURI)
	if err != nil {
		http.Error(w, "Can't parse redirectBackUri: "+env.RedirectBackURI, http.StatusBadRequest)
		return
	}

	var t *tenant.Tenant
	if snap != nil {
		t, _ = snap.Registry.Lookup(env.ClientID, env.TokenURI)
	}
	if t == nil {
		msg := fmt.Sprintf("Unknown (clientId, tokenUri): (%s, %s)", env.ClientID, env.TokenURI)
		logger.Warn(msg)
		http.Error(w, msg, http.StatusNotFound)
		return
	}

	if err := tenant.AuthorizeBackHost(t, backURL); err != nil {
		logger.Warnw("redirect-back host rejected",
			"client_id", env.ClientID,
			"reason", err.Error(),
		)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	redirectURL, errRedirect := parseAbsoluteURL(env.RedirectURI)
	tokenURL, errToken := parseAbsoluteURL(env.TokenURI)
	if errRedirect != nil || errToken != nil {
		http.Error(w, "Can't parse redirectUri or tokenUri", http.StatusNotFound)
		return
	}

	// The browser dropping the connection cancels this context; the outbound
	// POST may still complete on its own, but its result is discarded when
	// the response write fails.
	ctx, cancel := context.WithTimeout(r.Context(), s.exchangeTimeout)
	defer cancel()

	token, err := s.exchanger.Exchange(ctx, &provider.Request{
		TokenURI:     tokenURL.String(),
		Code:         code,
		ClientID:     t.ClientID,
		ClientSecret: t.ClientSecret,
		RedirectURI:  redirectURL.String(),
	})
	if err != nil {
		reason := "NetworkError"
		var exchErr *provider.ExchangeError
		if errors.As(err, &exchErr) {
			reason = exchErr.Reason
		}
		s.redirectError(w, backURL, &envelope.ResponseTokenError{Err: reason, State: env.State})
		return
	}

	if len(token.Scope) == 0 {
		token.Scope = env.Scope
	}
	token.State = env.State

	fragment, err := envelope.EncodeResponse(token)
	if err != nil {
		logger.Errorf("Can't encode token response: %v", err)
		s.redirectError(w, backURL, &envelope.ResponseTokenError{Err: "NetworkError", State: env.State})
		return
	}
	redirectFragment(w, backURL.String(), fragment)
}

func (s *Server) redirectError(w http.ResponseWriter, backURL *url.URL, tokenErr *envelope.ResponseTokenError) {
	fragment, err := envelope.EncodeError(tokenErr)
	if err != nil {
		logger.Errorf("Can't encode error response: %v", err)
		http.Error(w, badRequestBody, http.StatusBadRequest)
		return
	}
	redirectFragment(w, backURL.String(), fragment)
}

// parseAbsoluteURL parses s and requires a scheme and host.
func parseAbsoluteURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("not an absolute URL: %s", s)
	}
	return u, nil
}
