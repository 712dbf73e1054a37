// Package urlnorm canonicalizes URLs and derives the stable fingerprint used
// as the identity key across queues, the state store, blob storage, and the
// search index.
package urlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrInvalidURL is returned when a URL cannot be normalized: unsupported
// scheme or missing host.
var ErrInvalidURL = errors.New("urlnorm: invalid url")

// DefaultTrackingParams is the deny-list of query parameters stripped during
// normalization. Callers may supply their own list via NormalizeWithParams.
var DefaultTrackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"gclid":        {},
	"fbclid":       {},
	"mc_cid":       {},
	"mc_eid":       {},
	"ref":          {},
}

// Normalize produces the canonical form of rawURL using the default
// tracking-parameter deny-list.
func Normalize(rawURL string) (string, error) {
	return NormalizeWithParams(rawURL, DefaultTrackingParams)
}

// NormalizeWithParams produces the canonical form of rawURL, stripping any
// query parameter present in denyParams.
//
// Canonicalization: lowercase scheme and host, strip default ports, drop the
// fragment, sort query parameters lexicographically, drop denied tracking
// parameters, and collapse duplicate slashes in the path. Percent-escapes
// in the path are not decoded: net/url re-serializes them as written
// (e.g. "%41" stays "%41") unless collapsing slashes changed the path.
func NormalizeWithParams(rawURL string, denyParams map[string]struct{}) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInvalidURL, rawURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidURL)
	}
	u.Scheme = scheme

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	u.Fragment = ""
	u.RawFragment = ""

	u.Path = collapseSlashes(u.Path)
	if u.Path == "" {
		u.Path = "/"
	}

	if u.RawQuery != "" {
		q := u.Query()
		for p := range denyParams {
			q.Del(p)
		}
		u.RawQuery = encodeSorted(q)
	}

	return u.String(), nil
}

// Hash returns the hex-encoded SHA-256 digest of the canonical URL, the
// fingerprint used as url_hash everywhere downstream.
func Hash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// RegistrableDomain extracts the registrable (eTLD+1) domain from a URL,
// e.g. "https://www.example.co.uk/x" -> "example.co.uk".
func RegistrableDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInvalidURL, rawURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidURL)
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Hosts like "localhost" or bare IPs have no public suffix entry;
		// treat the host itself as the registrable domain.
		return host, nil
	}
	return domain, nil
}

func collapseSlashes(path string) string {
	if !strings.Contains(path, "//") {
		return path
	}
	var b strings.Builder
	b.Grow(len(path))
	prevSlash := false
	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vs := q[k]
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
