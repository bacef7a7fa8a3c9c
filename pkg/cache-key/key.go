package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const methodSeparator = ":"

type CacheKeyer struct {
	// Serving origin. Relative request URLs are resolved against it.
	// If it is the zero URL, the request's own Host is used instead.
	Origin url.URL
}

func NewCacheKeyer(origin url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// Target returns the absolute URL a request is aimed at.
// Absolute-form request URLs (as sent to a forward proxy) are used as-is,
// anything else is resolved against the origin.
// The fragment is never part of the target.
func (c CacheKeyer) Target(r *http.Request) *url.URL {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if u.IsAbs() && u.Host != "" {
		return &u
	}
	if c.Origin.Host != "" {
		u.Scheme = c.Origin.Scheme
		u.Host = c.Origin.Host
	} else {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
		u.Host = r.Host
	}
	return &u
}

// Serving returns the origin the cache is serving for the given request.
func (c CacheKeyer) Serving(r *http.Request) *url.URL {
	if c.Origin.Host != "" {
		return &url.URL{Scheme: c.Origin.Scheme, Host: c.Origin.Host}
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: r.Host}
}

// GetKey returns the cache key for a method and absolute target URL.
// The same method and URL always give the same key.
func (c CacheKeyer) GetKey(method string, target *url.URL) string {
	return strings.ToUpper(method) + methodSeparator + target.String()
}

// GetRequestKey is a shorthand for GetKey with the request's method and target.
func (c CacheKeyer) GetRequestKey(r *http.Request) string {
	return c.GetKey(r.Method, c.Target(r))
}

// GetRequestFromKey generates a request equal caching-wise to the request that resulted in the
// provided key.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, rawURL, found := strings.Cut(key, methodSeparator)
	if !found || method == "" {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, u.String(), nil)
}
