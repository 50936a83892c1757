// Package networking provides the outbound HTTP client used for provider
// token exchanges.
package networking

import (
	"net/http"
	"time"
)

// HTTPTimeout is the timeout for outgoing HTTP requests.
const HTTPTimeout = 30 * time.Second

// HTTPClient is the interface for the HTTP client, satisfied by http.Client.
// Handlers take it as a dependency so tests can inject a stub.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClientBuilder provides a fluent interface for building HTTP clients.
type HTTPClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
}

// NewHTTPClientBuilder returns a new HTTPClientBuilder with default timeouts.
func NewHTTPClientBuilder() *HTTPClientBuilder {
	return &HTTPClientBuilder{
		clientTimeout:         HTTPTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout sets the overall request timeout.
func (b *HTTPClientBuilder) WithTimeout(d time.Duration) *HTTPClientBuilder {
	b.clientTimeout = d
	return b
}

// Build creates the configured HTTP client.
func (b *HTTPClientBuilder) Build() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
			ResponseHeaderTimeout: b.responseHeaderTimeout,
		},
		Timeout: b.clientTimeout,
	}
}
