package server

import (
	"net/http"

	"github.com/tokenrelay/tokenrelay/pkg/envelope"
	"github.com/tokenrelay/tokenrelay/pkg/logger"
)

// handleErrorRedirect turns a provider error callback (?error=...&state=...)
// into a structured fragment payload. Even a denied authorization must still
// deliver a usable error to the SPA; only an undecodable envelope falls back
// to a plain 400.
func (s *Server) handleErrorRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	env, err := envelope.DecodeEnvelope(stateParam(q))
	if err != nil {
		http.Error(w, badRequestBody, http.StatusBadRequest)
		return
	}

	reason := q.Get("error")
	if reason == "" {
		reason = "Missing code/state"
	}

	fragment, err := envelope.EncodeError(&envelope.ResponseTokenError{Err: reason, State: env.State})
	if err != nil {
		http.Error(w, badRequestBody, http.StatusBadRequest)
		return
	}

	logger.Debugw("forwarding provider error callback",
		"client_id", env.ClientID,
		"error", reason,
	)
	redirectFragment(w, env.RedirectBackURI, fragment)
}
