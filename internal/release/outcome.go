// Package release downloads a distribution's manifest, mirrors the raw bytes
// into the cache and projects the parsed fields into a store.Distribution.
package release

import (
	"errors"
	"fmt"
	"strings"

	"github.com/git-pkgs/aptsync/internal/store"
)

// Kind classifies the result of fetching one distribution.
type Kind int

const (
	Found Kind = iota
	NotFound
	Transient
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrEmptyManifest is the cause of a Fatal outcome whose body held no
// paragraphs.
var ErrEmptyManifest = errors.New("manifest has no paragraphs")

// Outcome is the per-candidate result consumed by the sync coordinator.
// Distribution is set only for Found; Err is set for every other kind.
type Outcome struct {
	Name         string
	Kind         Kind
	URL          string
	Distribution store.Distribution
	Err          error
}

// SkipMode decides whether a cached manifest can stand in for a download.
type SkipMode string

const (
	// SkipNone always downloads.
	SkipNone SkipMode = "none"
	// SkipFast uses a cached copy without touching the network.
	SkipFast SkipMode = "fast"
	// SkipCheck issues a conditional request and reuses the cache on 304.
	SkipCheck SkipMode = "check"
)

// ParseSkipMode accepts "none", "fast" or "check"; empty means none.
func ParseSkipMode(s string) (SkipMode, error) {
	switch m := SkipMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return SkipNone, nil
	case SkipNone, SkipFast, SkipCheck:
		return m, nil
	default:
		return "", fmt.Errorf("invalid skip mode %q (must be none, fast or check)", s)
	}
}
