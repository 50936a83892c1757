package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenrelay/tokenrelay/pkg/config"
	"github.com/tokenrelay/tokenrelay/pkg/envelope"
	"github.com/tokenrelay/tokenrelay/pkg/provider"
	"github.com/tokenrelay/tokenrelay/pkg/tenant"
)

const testSecret = "s3cr3t-value"

// staticSnapshots serves a fixed configuration snapshot.
type staticSnapshots struct {
	snap *config.Snapshot
}

func (s *staticSnapshots) Snapshot() *config.Snapshot {
	return s.snap
}

// fakeExchanger records the last exchange request and returns a canned
// result.
type fakeExchanger struct {
	lastReq *provider.Request
	token   *envelope.ResponseToken
	err     error
}

func (f *fakeExchanger) Exchange(_ context.Context, req *provider.Request) (*envelope.ResponseToken, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	tok := *f.token
	return &tok, nil
}

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{
		Registry: tenant.Build([]tenant.Tenant{{
			TokenURI:     "https://p.test/token",
			ClientID:     "cid",
			ClientSecret: testSecret,
			RedirectBackHosts: []tenant.BackHost{
				{Host: "x.test", SSL: true},
				{Host: "plain.test", SSL: false},
			},
		}}),
		Port: config.DefaultPort,
	}
}

func testEnvelope() *envelope.RedirectEnvelope {
	state := "u"
	return &envelope.RedirectEnvelope{
		ClientID:        "cid",
		TokenURI:        "https://p.test/token",
		RedirectURI:     "https://x.test/cb",
		Scope:           []string{"repo"},
		RedirectBackURI: "https://x.test/app",
		State:           &state,
	}
}

func encodeEnvelope(t *testing.T, env *envelope.RedirectEnvelope) string {
	t.Helper()
	encoded, err := envelope.EncodeEnvelope(env)
	require.NoError(t, err)
	return encoded
}

func serve(srv *Server, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func fragmentOf(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	loc := rec.Header().Get("Location")
	base, fragment, found := strings.Cut(loc, "#")
	require.True(t, found, "Location %q carries no fragment", loc)
	return base, fragment
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	srv := New(&staticSnapshots{snap: testSnapshot()},
		WithExchanger(&fakeExchanger{token: &envelope.ResponseToken{Token: "T", TokenType: "Bearer"}}))
	state := encodeEnvelope(t, testEnvelope())

	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
	}{
		{
			name:       "post goes to token endpoint",
			method:     http.MethodPost,
			target:     "/",
			wantStatus: http.StatusBadRequest, // no form body
		},
		{
			name:       "code and state trigger exchange",
			method:     http.MethodGet,
			target:     "/?code=xyzzy&state=" + url.QueryEscape(state),
			wantStatus: http.StatusFound,
		},
		{
			name:       "authorize request",
			method:     http.MethodGet,
			target:     "/?client_id=cid&redirect_uri=" + url.QueryEscape("https://x.test/cb") + "&state=abc",
			wantStatus: http.StatusFound,
		},
		{
			name:       "error callback",
			method:     http.MethodGet,
			target:     "/?error=access_denied&state=" + url.QueryEscape(state),
			wantStatus: http.StatusFound,
		},
		{
			name:       "code without state",
			method:     http.MethodGet,
			target:     "/?code=xyzzy",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "state without code",
			method:     http.MethodGet,
			target:     "/?state=" + url.QueryEscape(state),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bare get",
			method:     http.MethodGet,
			target:     "/",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unrelated path and query",
			method:     http.MethodGet,
			target:     "/favicon.ico",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusBadRequest && tt.method == http.MethodGet {
				assert.Equal(t, badRequestBody, strings.TrimSpace(rec.Body.String()))
			}
		})
	}
}

func TestExchangeSuccess(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{token: &envelope.ResponseToken{
		Token:     "T",
		TokenType: "Bearer",
		ExpiresIn: 3600,
		Scope:     []string{},
	}}
	srv := New(&staticSnapshots{snap: testSnapshot()}, WithExchanger(ex))

	env := testEnvelope()
	rec := serve(srv, "/?code=xyzzy&state="+url.QueryEscape(encodeEnvelope(t, env)))
	require.Equal(t, http.StatusFound, rec.Code)

	base, fragment := fragmentOf(t, rec)
	assert.Equal(t, "https://x.test/app", base)

	token, err := envelope.DecodeResponseToken(fragment)
	require.NoError(t, err)
	assert.Equal(t, "T", token.Token)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, 3600, token.ExpiresIn)
	// The provider omitted scope, so the requested scope is substituted.
	assert.Equal(t, []string{"repo"}, token.Scope)
	require.NotNil(t, token.State)
	assert.Equal(t, "u", *token.State)

	// The exchange used the registry credentials, not anything client-sent.
	require.NotNil(t, ex.lastReq)
	assert.Equal(t, "https://p.test/token", ex.lastReq.TokenURI)
	assert.Equal(t, "xyzzy", ex.lastReq.Code)
	assert.Equal(t, "cid", ex.lastReq.ClientID)
	assert.Equal(t, testSecret, ex.lastReq.ClientSecret)
	assert.Equal(t, "https://x.test/cb", ex.lastReq.RedirectURI)
}

func TestExchangeKeepsProviderScope(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{token: &envelope.ResponseToken{
		Token:     "T",
		TokenType: "Bearer",
		Scope:     []string{"granted"},
	}}
	srv := New(&staticSnapshots{snap: testSnapshot()}, WithExchanger(ex))

	rec := serve(srv, "/?code=xyzzy&state="+url.QueryEscape(encodeEnvelope(t, testEnvelope())))
	require.Equal(t, http.StatusFound, rec.Code)

	_, fragment := fragmentOf(t, rec)
	token, err := envelope.DecodeResponseToken(fragment)
	require.NoError(t, err)
	assert.Equal(t, []string{"granted"}, token.Scope)
}

func TestExchangeBadState(t *testing.T) {
	t.Parallel()

	srv := New(&staticSnapshots{snap: testSnapshot()},
		WithExchanger(&fakeExchanger{token: &envelope.ResponseToken{Token: "T"}}))

	badJSON := base64.StdEncoding.EncodeToString([]byte(`{"clientId":`))

	tests := []struct {
		name     string
		state    string
		wantBody string
	}{
		{
			name:     "not base64",
			state:    "%%%",
			wantBody: "State not base64 encoded: %%%",
		},
		{
			name:     "malformed json reports decoded payload",
			state:    badJSON,
			wantBody: `Malformed state: {"clientId":`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := serve(srv, "/?code=xyzzy&state="+url.QueryEscape(tt.state))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantBody, strings.TrimSpace(rec.Body.String()))
		})
	}
}

func TestExchangeBadRedirectBackURI(t *testing.T) {
	t.Parallel()

	srv := New(&staticSnapshots{snap: testSnapshot()},
		WithExchanger(&fakeExchanger{token: &envelope.ResponseToken{Token: "T"}}))

	env := testEnvelope()
	env.RedirectBackURI = "not-absolute"
	rec := serve(srv, "/?code=xyzzy&state="+url.QueryEscape(encodeEnvelope(t, env)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Can't parse redirectBackUri: not-absolute", strings.TrimSpace(rec.Body.String()))
}

func TestExchangeUnknownTenant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		snap *config.Snapshot
	}{
		{name: "no snapshot yet", snap: nil},
		{name: "tenant not registered", snap: &config.Snapshot{Registry: tenant.Build(nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := New(&staticSnapshots{snap: tt.snap},
				WithExchanger(&fakeExchanger{token: &envelope.ResponseToken{Token: "T"}}))
			rec := serve(srv, "/?code=xyzzy&state="+url.QueryEscape(encodeEnvelope(t, testEnvelope())))
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t,
				"Unknown (clientId, tokenUri): (cid, https://p.test/token)",
				strings.TrimSpace(rec.Body.String()))
		})
	}
}

func TestExchangeBackHostPolicy(t *testing.T) {
	t.Parallel()

	srv := New(&staticSnapshots{snap: testSnapshot()},
		WithExchanger(&fakeExchanger{token: &envelope.ResponseToken{Token: "T"}}))

	tests := []struct {
		name     string
		backURI  string
		wantBody string
	}{
		{
			name:     "ssl-only host over http",
			backURI:  "http://x.test/app",
			wantBody: "https protocol required for redirect host: x.test",
		},
		{
			name:     "host not on allow-list",
			backURI:  "https://evil.test/app",
			wantBody: "Unknown redirectBack host: evil.test",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := testEnvelope()
			env.RedirectBackURI = tt.backURI
			rec := serve(srv, "/?code=xyzzy&state="+url.QueryEscape(encodeEnvelope(t, env)))
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, tt.wantBody, strings.TrimSpace(rec.Body.String()))
		})
	}
}

func TestExchangeBadEndpointURLs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*envelope.RedirectEnvelope, *config.Snapshot)
	}{
		{
			name: "relative redirectUri",
			mutate: func(env *envelope.RedirectEnvelope, _ *config.Snapshot) {
				env.RedirectURI = "/cb"
			},
		},
		{
			name: "relative tokenUri",
			mutate: func(env *envelope.RedirectEnvelope, snap *config.Snapshot) {
				env.TokenURI = "not-a-url"
				// Keep the registry key aligned so the lookup still succeeds.
				snap.Registry = tenant.Build([]tenant.Tenant{{
					TokenURI:     "not-a-url",
					ClientID:     "cid",
					ClientSecret: testSecret,
					RedirectBackHosts: []tenant.BackHost{
						{Host: "x.test", SSL: true},
					},
				}})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			snap := testSnapshot()
			env := testEnvelope()
			tt.mutate(env, snap)

			srv := New(&staticSnapshots{snap: snap},
				WithExchanger(&fakeExchanger{token: &envelope.ResponseToken{Token: "T"}}))
			rec := serve(srv, "/?code=xyzzy&state="+url.QueryEscape(encodeEnvelope(t, env)))
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, "Can't parse redirectUri or tokenUri", strings.TrimSpace(rec.Body.String()))
		})
	}
}

func TestExchangeProviderFailureRedirectsError(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{err: &provider.ExchangeError{Reason: "Timeout"}}
	srv := New(&staticSnapshots{snap: testSnapshot()}, WithExchanger(ex))

	rec := serve(srv, "/?code=xyzzy&state="+url.QueryEscape(encodeEnvelope(t, testEnvelope())))
	require.Equal(t, http.StatusFound, rec.Code)

	base, fragment := fragmentOf(t, rec)
	assert.Equal(t, "https://x.test/app", base)

	tokenErr, err := envelope.DecodeResponseError(fragment)
	require.NoError(t, err)
	assert.Equal(t, "Timeout", tokenErr.Err)
	require.NotNil(t, tokenErr.State)
	assert.Equal(t, "u", *tokenErr.State)
}

func TestExchangeUnclassifiedFailureBecomesNetworkError(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{err: fmt.Errorf("wire fell out")}
	srv := New(&staticSnapshots{snap: testSnapshot()}, WithExchanger(ex))

	rec := serve(srv, "/?code=xyzzy&state="+url.QueryEscape(encodeEnvelope(t, testEnvelope())))
	require.Equal(t, http.StatusFound, rec.Code)

	_, fragment := fragmentOf(t, rec)
	tokenErr, err := envelope.DecodeResponseError(fragment)
	require.NoError(t, err)
	assert.Equal(t, "NetworkError", tokenErr.Err)
}

func TestExchangeRecoversPlusAsSpace(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{token: &envelope.ResponseToken{Token: "T", TokenType: "Bearer"}}
	srv := New(&staticSnapshots{snap: testSnapshot()}, WithExchanger(ex))

	// Find a state whose base64 form contains '+', then send it without
	// percent-encoding so the query parser turns the '+' into a space.
	env := testEnvelope()
	var encoded string
	for i := 0; i < 10000; i++ {
		state := fmt.Sprintf("caller-%d", i)
		env.State = &state
		encoded = encodeEnvelope(t, env)
		if strings.Contains(encoded, "+") {
			break
		}
	}
	require.Contains(t, encoded, "+")

	rec := serve(srv, "/?code=xyzzy&state="+encoded)
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestErrorRedirect(t *testing.T) {
	t.Parallel()

	srv := New(&staticSnapshots{snap: testSnapshot()},
		WithExchanger(&fakeExchanger{token: &envelope.ResponseToken{Token: "T"}}))
	state := url.QueryEscape(encodeEnvelope(t, testEnvelope()))

	tests := []struct {
		name    string
		target  string
		wantErr string
	}{
		{
			name:    "provider error forwarded",
			target:  "/?error=access_denied&state=" + state,
			wantErr: "access_denied",
		},
		{
			name:    "empty error value",
			target:  "/?error=&state=" + state,
			wantErr: "Missing code/state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := serve(srv, tt.target)
			require.Equal(t, http.StatusFound, rec.Code)

			base, fragment := fragmentOf(t, rec)
			assert.Equal(t, "https://x.test/app", base)

			tokenErr, err := envelope.DecodeResponseError(fragment)
			require.NoError(t, err)
			assert.Equal(t, tt.wantErr, tokenErr.Err)
			require.NotNil(t, tokenErr.State)
			assert.Equal(t, "u", *tokenErr.State)
		})
	}
}

func TestErrorRedirectBadState(t *testing.T) {
	t.Parallel()

	srv := New(&staticSnapshots{snap: testSnapshot()},
		WithExchanger(&fakeExchanger{token: &envelope.ResponseToken{Token: "T"}}))

	rec := serve(srv, "/?error=access_denied&state=!!!")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, badRequestBody, strings.TrimSpace(rec.Body.String()))
}

// The client secret must never reach the browser, whatever the outcome.
func TestClientSecretNeverLeaks(t *testing.T) {
	t.Parallel()

	state := url.QueryEscape(encodeEnvelope(t, testEnvelope()))
	targets := []struct {
		name      string
		exchanger Exchanger
		target    string
	}{
		{
			name:      "success",
			exchanger: &fakeExchanger{token: &envelope.ResponseToken{Token: "T", TokenType: "Bearer"}},
			target:    "/?code=xyzzy&state=" + state,
		},
		{
			name:      "exchange failure",
			exchanger: &fakeExchanger{err: &provider.ExchangeError{Reason: "Timeout"}},
			target:    "/?code=xyzzy&state=" + state,
		},
		{
			name:      "error callback",
			exchanger: &fakeExchanger{token: &envelope.ResponseToken{Token: "T"}},
			target:    "/?error=access_denied&state=" + state,
		},
	}

	for _, tt := range targets {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := New(&staticSnapshots{snap: testSnapshot()}, WithExchanger(tt.exchanger))
			rec := serve(srv, tt.target)

			assert.NotContains(t, rec.Body.String(), testSecret)
			for name, values := range rec.Header() {
				for _, v := range values {
					assert.NotContains(t, v, testSecret, "header %s leaks the client secret", name)
					if name == "Location" {
						_, fragment, _ := strings.Cut(v, "#")
						decoded, err := base64.StdEncoding.DecodeString(fragment)
						require.NoError(t, err)
						assert.NotContains(t, string(decoded), testSecret)
					}
				}
			}
		})
	}
}

func TestRedirectHasNoBody(t *testing.T) {
	t.Parallel()

	srv := New(&staticSnapshots{snap: testSnapshot()},
		WithExchanger(&fakeExchanger{token: &envelope.ResponseToken{Token: "T", TokenType: "Bearer"}}))

	rec := serve(srv, "/?code=xyzzy&state="+url.QueryEscape(encodeEnvelope(t, testEnvelope())))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Empty(t, rec.Body.String())
}
