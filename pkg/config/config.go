// Package config contains the definition of the service configuration
// document and the logic required to parse and hot-reload it.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tokenrelay/tokenrelay/pkg/tenant"
)

const (
	// DefaultPort is the listen port used when the configuration document
	// does not carry a local section.
	DefaultPort = 3000

	// DefaultSamplePeriod is the config poll interval in seconds used when
	// the configuration document does not carry a local section.
	DefaultSamplePeriod = 2
)

// ErrMultipleLocal is returned when the configuration document contains more
// than one local-configuration object.
var ErrMultipleLocal = errors.New("Multiple local configurations")

// Local carries the process-wide settings of the document.
type Local struct {
	// Port is the HTTP listen port. Zero or negative means listener off.
	Port int

	// SamplePeriod is the config poll interval in seconds.
	// Zero disables polling.
	SamplePeriod int
}

// Document is the decoded configuration: at most one local section plus the
// remote tenants, in document order. Comment objects are dropped during
// parsing and never appear downstream.
type Document struct {
	Local   Local
	Tenants []tenant.Tenant
}

// rawElement mirrors one object of the configuration array. Which variant it
// is gets decided by the keys present.
type rawElement struct {
	Comment           *json.RawMessage `json:"comment"`
	Port              *int             `json:"port"`
	ConfigSample      *int             `json:"configSamplePeriod"`
	TokenURI          *string          `json:"tokenUri"`
	ClientID          *string          `json:"clientId"`
	ClientSecret      *string          `json:"clientSecret"`
	RedirectBackHosts *[]string        `json:"redirectBackHosts"`
}

func (e *rawElement) isTenant() bool {
	return e.TokenURI != nil || e.ClientID != nil || e.ClientSecret != nil || e.RedirectBackHosts != nil
}

func (e *rawElement) isLocal() bool {
	return e.Port != nil || e.ConfigSample != nil
}

// Parse reads a configuration document. The input is a JSON array whose
// elements are comments, one optional local section, or remote tenants.
// Parsing is pure; change detection happens in the loader.
func Parse(data []byte) (*Document, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, fmt.Errorf("configuration is not a JSON array: %w", err)
	}

	doc := &Document{
		Local: Local{Port: DefaultPort, SamplePeriod: DefaultSamplePeriod},
	}
	seenLocal := false

	for i, element := range elements {
		var raw rawElement
		if err := json.Unmarshal(element, &raw); err != nil {
			return nil, fmt.Errorf("configuration element %d: %w", i, err)
		}

		switch {
		case raw.Comment != nil:
			// Comments are a parser artifact; drop them regardless of
			// whatever else the object carries.

		case raw.isTenant():
			t, err := parseTenant(&raw)
			if err != nil {
				return nil, fmt.Errorf("configuration element %d: %w", i, err)
			}
			doc.Tenants = append(doc.Tenants, *t)

		case raw.isLocal():
			if seenLocal {
				return nil, ErrMultipleLocal
			}
			seenLocal = true
			if raw.Port != nil {
				doc.Local.Port = *raw.Port
			}
			if raw.ConfigSample != nil {
				if *raw.ConfigSample < 0 {
					return nil, fmt.Errorf("configuration element %d: configSamplePeriod must be non-negative", i)
				}
				doc.Local.SamplePeriod = *raw.ConfigSample
			}

		default:
			return nil, fmt.Errorf("configuration element %d: unrecognized element", i)
		}
	}

	return doc, nil
}

func parseTenant(raw *rawElement) (*tenant.Tenant, error) {
	var missing []string
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"tokenUri", raw.TokenURI != nil},
		{"clientId", raw.ClientID != nil},
		{"clientSecret", raw.ClientSecret != nil},
		{"redirectBackHosts", raw.RedirectBackHosts != nil},
	} {
		if !f.ok {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("tenant is missing required fields: %s", strings.Join(missing, ", "))
	}

	hosts := make([]tenant.BackHost, 0, len(*raw.RedirectBackHosts))
	for _, h := range *raw.RedirectBackHosts {
		host, err := ParseBackHost(h)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, host)
	}

	return &tenant.Tenant{
		TokenURI:          *raw.TokenURI,
		ClientID:          *raw.ClientID,
		ClientSecret:      *raw.ClientSecret,
		RedirectBackHosts: hosts,
	}, nil
}

// ParseBackHost parses one redirectBackHosts entry. An https:// prefix marks
// the host as TLS-only, an http:// prefix or a bare host[:port] does not.
func ParseBackHost(s string) (tenant.BackHost, error) {
	ssl := false
	rest := s
	switch {
	case strings.HasPrefix(s, "https://"):
		ssl = true
	case strings.HasPrefix(s, "http://"):
	default:
		rest = "http://" + s
	}

	u, err := url.Parse(rest)
	if err != nil {
		return tenant.BackHost{}, fmt.Errorf("can't parse redirectBack host %q: %w", s, err)
	}
	if u.Host == "" {
		return tenant.BackHost{}, fmt.Errorf("can't parse redirectBack host %q: missing host", s)
	}
	return tenant.BackHost{Host: u.Host, SSL: ssl}, nil
}
