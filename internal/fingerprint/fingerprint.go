// Package fingerprint normalizes upstream source URLs into the stable
// identity the Stream Hub uses as its registry key.
package fingerprint

import (
	"fmt"
	"net/url"
	"strings"
)

// Fingerprint is the normalized identity of an upstream source URL. Two
// requests that normalize to the same Fingerprint MUST share one Stream.
type Fingerprint string

// Of derives a Fingerprint from a raw source URL. Normalization lowercases
// the scheme and host and preserves the path and query verbatim, per the
// hub's registry-key policy.
func Of(rawURL string) (Fingerprint, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("fingerprint: empty url")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("fingerprint: parse url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("fingerprint: url %q missing scheme or host", trimmed)
	}

	normalized := url.URL{
		Scheme:   strings.ToLower(parsed.Scheme),
		Host:     strings.ToLower(parsed.Host),
		Path:     parsed.Path,
		RawQuery: parsed.RawQuery,
	}
	return Fingerprint(normalized.String()), nil
}

// String implements fmt.Stringer for logging.
func (f Fingerprint) String() string {
	return string(f)
}
