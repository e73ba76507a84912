package probe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/git-pkgs/aptsync/client"
	"golang.org/x/net/html"
)

const maxListingSize = 4 << 20

// Discover lists the distribution directories published under base's dists/
// index. Names keep the server's order and are de-duplicated.
func (p *Prober) Discover(ctx context.Context, base string) ([]string, error) {
	indexURL := client.NewURLs(base).DistsIndex()

	artifact, err := p.fetcher.Fetch(ctx, indexURL)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", indexURL, err)
	}
	defer func() { _ = artifact.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(artifact.Body, maxListingSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", indexURL, err)
	}

	names := parseDirectoryListing(body)
	p.logger.DebugContext(ctx, "discovered distributions", "url", indexURL, "count", len(names))
	return names, nil
}

// parseDirectoryListing extracts directory names from an autoindex page.
// Anchors whose href ends in "/" are used; when the page holds none, plain
// text lines ending in "/" are tried instead.
func parseDirectoryListing(body []byte) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(href string) {
		if name := directoryName(href); name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tag, hasAttr := z.TagName()
		if string(tag) != "a" || !hasAttr {
			continue
		}
		for {
			key, val, more := z.TagAttr()
			if string(key) == "href" {
				add(string(val))
			}
			if !more {
				break
			}
		}
	}

	if len(names) > 0 {
		return names
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		add(strings.TrimSpace(scanner.Text()))
	}
	return names
}

// directoryName returns the last path segment of a directory href, or "" for
// parent links, sort links, absolute roots and non-directories.
func directoryName(href string) string {
	if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
		return ""
	}
	if href == "../" || href == "/" || href == "./" {
		return ""
	}
	if !strings.HasSuffix(href, "/") {
		return ""
	}
	if u, err := url.Parse(href); err == nil {
		if u.RawQuery != "" || u.Fragment != "" {
			return ""
		}
		href = u.Path
	}

	trimmed := strings.Trim(href, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if trimmed == "" || trimmed == "." || trimmed == ".." {
		return ""
	}
	return trimmed
}
