package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// trackingParams are query parameters that never change which product a URL points at.
var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"gclid", "fbclid", "ref", "affid", "aff_id", "sessionid",
}

// NormalizeURL lowercases the host, forces https, drops www., trailing slashes, fragments
// and tracking parameters so the same listing always yields the same string.
func NormalizeURL(rawURL string) (string, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL, err
	}

	parsedURL.Scheme = "https"
	parsedURL.Host = strings.TrimPrefix(strings.ToLower(parsedURL.Host), "www.")
	parsedURL.Fragment = ""
	if len(parsedURL.Path) > 1 && strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")
		// Clear RawPath to ensure String() regenerates the URL path without the trailing slash
		parsedURL.RawPath = ""
	}
	queryParams := parsedURL.Query()
	for _, param := range trackingParams {
		queryParams.Del(param)
	}
	parsedURL.RawQuery = queryParams.Encode()
	return parsedURL.String(), nil
}

// FallbackIdentifier derives a seller SKU from a listing URL for feeds that carry no stable
// identifier. The result is stable across runs as long as the normalized URL is.
func FallbackIdentifier(rawURL string) string {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		normalized = rawURL
	}
	hash := sha256.Sum256([]byte(normalized))
	return "urlhash:" + hex.EncodeToString(hash[:16])
}
