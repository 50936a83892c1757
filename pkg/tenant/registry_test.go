package tenant

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLastWriteWins(t *testing.T) {
	t.Parallel()

	reg := Build([]Tenant{
		{TokenURI: "https://p/t", ClientID: "a", ClientSecret: "first"},
		{TokenURI: "https://p/t", ClientID: "b", ClientSecret: "other"},
		{TokenURI: "https://p/t", ClientID: "a", ClientSecret: "second"},
	})

	assert.Equal(t, 2, reg.Len())

	got, ok := reg.Lookup("a", "https://p/t")
	require.True(t, ok)
	assert.Equal(t, "second", got.ClientSecret)

	got, ok = reg.Lookup("b", "https://p/t")
	require.True(t, ok)
	assert.Equal(t, "other", got.ClientSecret)
}

func TestLookup(t *testing.T) {
	t.Parallel()

	reg := Build([]Tenant{
		{TokenURI: "https://p/t", ClientID: "a"},
	})

	tests := []struct {
		name     string
		clientID string
		tokenURI string
		found    bool
	}{
		{"exact match", "a", "https://p/t", true},
		{"wrong client", "b", "https://p/t", false},
		{"wrong token uri", "a", "https://q/t", false},
		{"case-sensitive client id", "A", "https://p/t", false},
		{"empty registry key", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, ok := reg.Lookup(tt.clientID, tt.tokenURI)
			assert.Equal(t, tt.found, ok)
		})
	}
}

func TestAuthorizeBackHost(t *testing.T) {
	t.Parallel()

	tn := &Tenant{
		RedirectBackHosts: []BackHost{
			{Host: "secure.test", SSL: true},
			{Host: "open.test", SSL: false},
			{Host: "localhost:8080", SSL: false},
			{Host: "both.test", SSL: true},
			{Host: "both.test", SSL: false},
		},
	}

	tests := []struct {
		name    string
		uri     string
		wantErr string
	}{
		{
			name: "ssl host over https",
			uri:  "https://secure.test/app",
		},
		{
			name:    "ssl host over http rejected",
			uri:     "http://secure.test/app",
			wantErr: "https protocol required for redirect host: secure.test",
		},
		{
			name: "plain host over http",
			uri:  "http://open.test/app",
		},
		{
			name: "plain host over https",
			uri:  "https://open.test/app",
		},
		{
			name: "host match is case-insensitive",
			uri:  "http://OPEN.test/app",
		},
		{
			name: "host with port",
			uri:  "http://localhost:8080/app",
		},
		{
			name:    "port mismatch",
			uri:     "http://localhost:9090/app",
			wantErr: "Unknown redirectBack host: localhost:9090",
		},
		{
			name:    "port omitted does not match ported entry",
			uri:     "http://localhost/app",
			wantErr: "Unknown redirectBack host: localhost",
		},
		{
			name:    "unknown host",
			uri:     "https://evil.test/app",
			wantErr: "Unknown redirectBack host: evil.test",
		},
		{
			name: "later plain entry admits http for duplicated host",
			uri:  "http://both.test/app",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u, err := url.Parse(tt.uri)
			require.NoError(t, err)

			err = AuthorizeBackHost(tn, u)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, err.Error())
				return
			}
			require.NoError(t, err)
		})
	}
}
