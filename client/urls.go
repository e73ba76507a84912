// Package client builds the remote URLs of an APT repository and maps them
// onto the local mirror layout.
package client

import (
	"fmt"
	"net/url"
	"strings"
)

// URLBuilder constructs URLs for an APT repository.
type URLBuilder interface {
	Release(dist string) string
	InRelease(dist string) string
	Packages(dist, component, arch, ext string) string
	DistsIndex() string
}

// URLs is the default URLBuilder for a repository base URL.
type URLs struct {
	base string
}

// NewURLs returns a URL builder rooted at baseURL. The base always ends in
// a slash so relative joins keep the repository path.
func NewURLs(baseURL string) *URLs {
	return &URLs{base: NormalizeBase(baseURL)}
}

// Base returns the normalized base URL.
func (u *URLs) Base() string {
	return u.base
}

func (u *URLs) Release(dist string) string {
	return u.base + "dists/" + cleanDist(dist) + "/Release"
}

func (u *URLs) InRelease(dist string) string {
	return u.base + "dists/" + cleanDist(dist) + "/InRelease"
}

// Packages returns the URL of a binary package index. ext is "", ".gz" or ".xz".
func (u *URLs) Packages(dist, component, arch, ext string) string {
	return fmt.Sprintf("%sdists/%s/%s/binary-%s/Packages%s", u.base, cleanDist(dist), component, arch, ext)
}

func (u *URLs) DistsIndex() string {
	return u.base + "dists/"
}

// NormalizeBase trims whitespace and ensures a single trailing slash.
func NormalizeBase(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	return strings.TrimRight(baseURL, "/") + "/"
}

// ValidateBase checks that baseURL is an absolute http(s) URL.
func ValidateBase(baseURL string) error {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return fmt.Errorf("invalid repository url %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid repository url %q: scheme must be http or https", baseURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid repository url %q: missing host", baseURL)
	}
	return nil
}

// Distribution names may be nested (e.g. "bookworm/updates"), but never
// carry leading or trailing slashes.
func cleanDist(dist string) string {
	return strings.Trim(strings.TrimSpace(dist), "/")
}
