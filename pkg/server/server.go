// Package server implements the redirect endpoint: request classification,
// the token-exchange and error-redirect handlers, and the lifecycle of the
// HTTP listener they run on.
package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokenrelay/tokenrelay/pkg/config"
	"github.com/tokenrelay/tokenrelay/pkg/envelope"
	"github.com/tokenrelay/tokenrelay/pkg/networking"
	"github.com/tokenrelay/tokenrelay/pkg/provider"
	"github.com/tokenrelay/tokenrelay/pkg/simulator"
)

// badRequestBody is the reply for requests that match no handler.
const badRequestBody = "Bad request, missing code/state"

// SnapshotProvider yields the current configuration snapshot. A request
// captures one snapshot at dispatch time and uses it throughout, even if a
// reload completes while the provider POST is in flight.
type SnapshotProvider interface {
	Snapshot() *config.Snapshot
}

// Exchanger performs the outbound authorization-code exchange.
type Exchanger interface {
	Exchange(ctx context.Context, req *provider.Request) (*envelope.ResponseToken, error)
}

// Option configures a Server.
type Option func(*Server)

// WithExchanger sets a custom exchange client.
func WithExchanger(e Exchanger) Option {
	return func(s *Server) {
		s.exchanger = e
	}
}

// WithExchangeTimeout bounds the outbound provider POST.
func WithExchangeTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.exchangeTimeout = d
	}
}

// Server holds the request handlers of the redirect endpoint.
type Server struct {
	snapshots       SnapshotProvider
	exchanger       Exchanger
	sim             *simulator.Simulator
	exchangeTimeout time.Duration
}

// New creates a server reading tenants from snapshots.
func New(snapshots SnapshotProvider, opts ...Option) *Server {
	s := &Server{
		snapshots:       snapshots,
		exchanger:       provider.NewClient(),
		sim:             simulator.New(),
		exchangeTimeout: networking.HTTPTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the listener root.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
	)
	r.HandleFunc("/*", s.dispatch)
	return r
}

// dispatch classifies an incoming request by method and query parameters.
// Only the query keys named here participate; extra keys are ignored.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	isGet := r.Method == http.MethodGet

	switch {
	case r.Method == http.MethodPost:
		s.sim.HandleToken(w, r)

	case isGet && q.Has("code") && q.Has("state"):
		s.handleExchange(w, r)

	case isGet && q.Has("client_id") && q.Has("redirect_uri") && q.Has("state"):
		s.sim.HandleAuthorize(w, r)

	case isGet && q.Has("error") && q.Has("state"):
		s.handleErrorRedirect(w, r)

	default:
		http.Error(w, badRequestBody, http.StatusBadRequest)
	}
}

// stateParam recovers the state query value. A caller that forgot to
// percent-encode the '+' of standard base64 delivers it to us as a space;
// spaces never occur in base64, so mapping them back is safe.
func stateParam(q url.Values) string {
	return strings.ReplaceAll(q.Get("state"), " ", "+")
}

// redirectFragment sends the browser to backURI with the encoded payload in
// the URL fragment. The payload carries bearer credentials, so it must never
// be logged or written anywhere but the Location header.
func redirectFragment(w http.ResponseWriter, backURI, fragment string) {
	w.Header().Set("Location", backURI+"#"+fragment)
	w.WriteHeader(http.StatusFound)
}
