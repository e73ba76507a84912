package client

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// LocalPath maps a remote URL onto the mirror layout under root.
//
// The rule is: root / host / path segments. The port separator in the host
// becomes "_" so the directory name is portable, empty and "." segments are
// dropped, ".." segments are dropped so the result never escapes root, and the
// query and fragment are ignored. A repository's own dists/<name>/... layout
// is reproduced unchanged, for example
//
//	https://archive.ubuntu.com/ubuntu/dists/jammy/Release
//	-> <root>/archive.ubuntu.com/ubuntu/dists/jammy/Release
func LocalPath(root, rawURL string) (string, error) {
	rel, err := RelativePath(rawURL)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(rel)), nil
}

// RelativePath returns the slash-separated mirror path of rawURL without a
// root. It is the key used for replicas of the local cache.
func RelativePath(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	host := strings.ToLower(parsed.Host)
	host = strings.ReplaceAll(host, ":", "_")

	segments := []string{host}
	for _, seg := range strings.Split(parsed.Path, "/") {
		switch seg {
		case "", ".", "..":
			continue
		}
		segments = append(segments, seg)
	}
	return strings.Join(segments, "/"), nil
}

// RepositoryDir returns the local directory holding every cached file of the
// repository at baseURL.
func RepositoryDir(root, baseURL string) (string, error) {
	return LocalPath(root, NormalizeBase(baseURL))
}
