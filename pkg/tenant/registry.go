// Package tenant defines the remote-tenant model, the in-memory registry the
// request handlers resolve credentials from, and the redirect-back host
// authorization check.
//
// A Registry is immutable after Build. The config loader publishes a fresh
// registry on every successful reload; in-flight requests keep reading the
// snapshot they started with.
package tenant

import (
	"fmt"
	"net/url"
	"strings"
)

// BackHost is one entry of a tenant's redirect-back allow-list. Host is
// host[:port]; SSL requires the incoming redirectBackUri to use HTTPS.
type BackHost struct {
	Host string
	SSL  bool
}

// Tenant is one remote tenant: the token endpoint it exchanges codes
// against, its client credentials, and the hosts it may redirect back to.
// ClientSecret must never appear in any response, log, or error message.
type Tenant struct {
	TokenURI          string
	ClientID          string
	ClientSecret      string
	RedirectBackHosts []BackHost
}

// Key identifies a tenant. The pair is unique within one registry.
type Key struct {
	ClientID string
	TokenURI string
}

// Registry maps (clientId, tokenUri) to the tenant configuration.
type Registry struct {
	tenants map[Key]*Tenant
}

// Build folds tenants into a registry. When a key collides, the later
// entry wins (document order).
func Build(tenants []Tenant) *Registry {
	r := &Registry{tenants: make(map[Key]*Tenant, len(tenants))}
	for i := range tenants {
		t := tenants[i]
		r.tenants[Key{ClientID: t.ClientID, TokenURI: t.TokenURI}] = &t
	}
	return r
}

// Len returns the number of registered tenants.
func (r *Registry) Len() int {
	return len(r.tenants)
}

// Lookup returns the tenant registered for (clientID, tokenURI).
func (r *Registry) Lookup(clientID, tokenURI string) (*Tenant, bool) {
	t, ok := r.tenants[Key{ClientID: clientID, TokenURI: tokenURI}]
	return t, ok
}

// AuthorizeBackHost checks u against the tenant's redirect-back allow-list.
// Matching is by exact host[:port] equality, case-insensitive on the host.
// An entry with SSL set additionally requires the https scheme.
func AuthorizeBackHost(t *Tenant, u *url.URL) error {
	host := u.Host
	matched := false
	for _, entry := range t.RedirectBackHosts {
		if !strings.EqualFold(entry.Host, host) {
			continue
		}
		matched = true
		if !entry.SSL || u.Scheme == "https" {
			return nil
		}
	}
	if matched {
		return fmt.Errorf("https protocol required for redirect host: %s", host)
	}
	return fmt.Errorf("Unknown redirectBack host: %s", host)
}
