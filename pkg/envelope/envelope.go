// Package envelope implements the wire encoding shared between the redirect
// service and its browser callers: the caller context round-tripped through
// the authorization server in the OAuth state parameter, and the token or
// error payload delivered back to the SPA in the URL fragment.
//
// Both directions use the same envelope form: a JSON object encoded as
// standard base64 with '=' padding.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// RedirectEnvelope is the caller context carried through the authorization
// server in the OAuth state parameter. Every field except State is required.
type RedirectEnvelope struct {
	ClientID        string   `json:"clientId"`
	TokenURI        string   `json:"tokenUri"`
	RedirectURI     string   `json:"redirectUri"`
	Scope           []string `json:"scope"`
	RedirectBackURI string   `json:"redirectBackUri"`
	State           *string  `json:"state"`
}

// ResponseToken is the success payload delivered back to the SPA. The wire
// form uses the OAuth 2.0 token-response field names.
type ResponseToken struct {
	Token        string
	TokenType    string
	RefreshToken string
	ExpiresIn    int
	Scope        []string
	State        *string
}

// ResponseTokenError is the failure payload delivered back to the SPA.
type ResponseTokenError struct {
	Err   string  `json:"err"`
	State *string `json:"state,omitempty"`
}

// Base64Error reports a value that is not valid standard base64.
type Base64Error struct {
	Value string
	Err   error
}

func (e *Base64Error) Error() string {
	return fmt.Sprintf("not base64 encoded: %s", e.Value)
}

func (e *Base64Error) Unwrap() error { return e.Err }

// SyntaxError reports a base64-valid value whose JSON payload is not a valid
// envelope. Decoded holds the payload text for diagnostics.
type SyntaxError struct {
	Decoded string
	Err     error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed envelope: %s", e.Decoded)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// EncodeEnvelope emits compact JSON and base64-encodes it. The result
// round-trips bit-for-bit through DecodeEnvelope.
func EncodeEnvelope(e *RedirectEnvelope) (string, error) {
	norm := *e
	if norm.Scope == nil {
		norm.Scope = []string{}
	}
	data, err := json.Marshal(&norm)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeEnvelope performs the inverse of EncodeEnvelope. Unknown JSON fields
// are rejected and missing required fields yield a descriptive error. The
// returned error is a *Base64Error or a *SyntaxError depending on which
// decoding stage failed.
func DecodeEnvelope(s string) (*RedirectEnvelope, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &Base64Error{Value: s, Err: err}
	}

	var raw struct {
		ClientID        *string   `json:"clientId"`
		TokenURI        *string   `json:"tokenUri"`
		RedirectURI     *string   `json:"redirectUri"`
		Scope           *[]string `json:"scope"`
		RedirectBackURI *string   `json:"redirectBackUri"`
		State           *string   `json:"state"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, &SyntaxError{Decoded: string(data), Err: err}
	}
	if dec.More() {
		return nil, &SyntaxError{
			Decoded: string(data),
			Err:     fmt.Errorf("trailing data after envelope"),
		}
	}

	var missing []string
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"clientId", raw.ClientID != nil},
		{"tokenUri", raw.TokenURI != nil},
		{"redirectUri", raw.RedirectURI != nil},
		{"scope", raw.Scope != nil},
		{"redirectBackUri", raw.RedirectBackURI != nil},
	} {
		if !f.ok {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, &SyntaxError{
			Decoded: string(data),
			Err:     fmt.Errorf("missing required fields: %s", strings.Join(missing, ", ")),
		}
	}

	scope := *raw.Scope
	if scope == nil {
		scope = []string{}
	}
	return &RedirectEnvelope{
		ClientID:        *raw.ClientID,
		TokenURI:        *raw.TokenURI,
		RedirectURI:     *raw.RedirectURI,
		Scope:           scope,
		RedirectBackURI: *raw.RedirectBackURI,
		State:           raw.State,
	}, nil
}

// scopeList decodes a scope that is either a JSON array of strings or a
// comma-separated string (the GitHub non-conformance) and canonicalises it
// to an array. An empty scope always serializes as [], never null.
type scopeList []string

func (s scopeList) MarshalJSON() ([]byte, error) {
	if s == nil {
		s = scopeList{}
	}
	return json.Marshal([]string(s))
}

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		if arr == nil {
			arr = []string{}
		}
		*s = arr
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return fmt.Errorf("scope must be an array of strings or a comma-separated string")
	}
	if joined == "" {
		*s = scopeList{}
		return nil
	}
	*s = strings.Split(joined, ",")
	return nil
}

// responseTokenWire is the OAuth 2.0 token-response shape of ResponseToken.
type responseTokenWire struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresIn    int       `json:"expires_in,omitempty"`
	Scope        scopeList `json:"scope"`
	State        *string   `json:"state,omitempty"`
}

// MarshalResponseToken emits the OAuth 2.0 token-response JSON for t.
// token_type is always serialized as the lowercase string "bearer".
func MarshalResponseToken(t *ResponseToken) ([]byte, error) {
	if t.Token == "" {
		return nil, fmt.Errorf("access token is required")
	}
	return json.Marshal(&responseTokenWire{
		AccessToken:  t.Token,
		TokenType:    "bearer",
		RefreshToken: t.RefreshToken,
		ExpiresIn:    t.ExpiresIn,
		Scope:        scopeList(t.Scope),
		State:        t.State,
	})
}

// UnmarshalResponseToken decodes an OAuth 2.0 token-response body.
// token_type is matched case-insensitively and canonicalised to "Bearer".
func UnmarshalResponseToken(data []byte) (*ResponseToken, error) {
	var wire responseTokenWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	if wire.AccessToken == "" {
		return nil, fmt.Errorf("missing access_token")
	}
	if !strings.EqualFold(wire.TokenType, "bearer") {
		return nil, fmt.Errorf("unsupported token_type: %q", wire.TokenType)
	}
	scope := []string(wire.Scope)
	if scope == nil {
		scope = []string{}
	}
	return &ResponseToken{
		Token:        wire.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: wire.RefreshToken,
		ExpiresIn:    wire.ExpiresIn,
		Scope:        scope,
		State:        wire.State,
	}, nil
}

// EncodeResponse emits the base64 fragment form of the success payload.
func EncodeResponse(t *ResponseToken) (string, error) {
	data, err := MarshalResponseToken(t)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeResponseToken performs the inverse of EncodeResponse.
func DecodeResponseToken(s string) (*ResponseToken, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &Base64Error{Value: s, Err: err}
	}
	return UnmarshalResponseToken(data)
}

// EncodeError emits the base64 fragment form of the failure payload.
func EncodeError(e *ResponseTokenError) (string, error) {
	if e.Err == "" {
		return "", fmt.Errorf("error description is required")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode error payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeResponseError performs the inverse of EncodeError.
func DecodeResponseError(s string) (*ResponseTokenError, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &Base64Error{Value: s, Err: err}
	}
	var e ResponseTokenError
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Err == "" {
		return nil, fmt.Errorf("missing err field")
	}
	return &e, nil
}
