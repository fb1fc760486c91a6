// Package token locates the bearer token used for vote API calls.
//
// The token is looked up in a cookie named access_token first and then in
// persistent local storage under the same key.
package token

import (
	"net/http"
	"net/url"
)

// Key is both the cookie name and the persistent storage key
const Key = "access_token"

// Source provides a bearer token. ok is false when no token is available.
type Source interface {
	Token() (token string, ok bool)
}

// SourceFunc adapts a function to a Source
type SourceFunc func() (string, bool)

// Token implements Source
func (f SourceFunc) Token() (string, bool) { return f() }

// Static returns a Source that always yields token (or nothing when empty)
func Static(token string) Source {
	return SourceFunc(func() (string, bool) {
		return token, token != ""
	})
}

// Chain returns the first non-empty token from sources, in order
func Chain(sources ...Source) Source {
	return SourceFunc(func() (string, bool) {
		for _, s := range sources {
			if s == nil {
				continue
			}
			if tok, ok := s.Token(); ok && tok != "" {
				return tok, true
			}
		}
		return "", false
	})
}

// CookieSource reads the access_token cookie that jar holds for u
type CookieSource struct {
	jar http.CookieJar
	u   *url.URL
}

// NewCookieSource creates a cookie-backed Source for the API at rawURL
func NewCookieSource(jar http.CookieJar, rawURL string) (*CookieSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &CookieSource{jar: jar, u: u}, nil
}

// Token implements Source
func (c *CookieSource) Token() (string, bool) {
	if c == nil || c.jar == nil {
		return "", false
	}
	for _, cookie := range c.jar.Cookies(c.u) {
		if cookie.Name == Key && cookie.Value != "" {
			return cookie.Value, true
		}
	}
	return "", false
}
