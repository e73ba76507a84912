// Package probe determines which distributions exist at a repository base
// URL without downloading their manifests.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/git-pkgs/aptsync/client"
	"github.com/git-pkgs/aptsync/fetch"
)

// State is the outcome of probing one distribution.
type State int

const (
	// Indeterminate means existence could not be established either way.
	Indeterminate State = iota
	Exists
	Absent
)

func (s State) String() string {
	switch s {
	case Exists:
		return "exists"
	case Absent:
		return "absent"
	default:
		return "indeterminate"
	}
}

// Result describes the probe of one candidate name. URL is the manifest that
// answered; Err carries the cause of an Indeterminate result.
type Result struct {
	Name  string
	State State
	URL   string
	Err   error
}

const defaultConcurrency = 4

// Prober checks candidate distributions against a mirror.
type Prober struct {
	fetcher     fetch.FetcherInterface
	concurrency int
	absent      map[int]bool
	logger      *slog.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithConcurrency bounds the number of in-flight checks.
func WithConcurrency(n int) Option {
	return func(p *Prober) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithAbsentStatuses makes the given HTTP status codes count as absence,
// like 404. Object-store mirrors such as S3 behind CloudFront answer 403 for
// keys that do not exist.
func WithAbsentStatuses(codes ...int) Option {
	return func(p *Prober) {
		for _, code := range codes {
			if p.absent == nil {
				p.absent = make(map[int]bool, len(codes))
			}
			p.absent[code] = true
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a Prober issuing requests through f.
func New(f fetch.FetcherInterface, opts ...Option) *Prober {
	p := &Prober{
		fetcher:     f,
		concurrency: defaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks every name under base and returns one Result per distinct
// name. It never returns an error: failures are reported per name as
// Indeterminate.
func (p *Prober) Probe(ctx context.Context, base string, names []string) map[string]Result {
	urls := client.NewURLs(base)
	results := make(map[string]Result, len(names))

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.concurrency)

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		wg.Add(1)
		go func(name string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				results[name] = Result{Name: name, State: Indeterminate, Err: ctx.Err()}
				mu.Unlock()
				return
			}

			r := p.probeOne(ctx, urls, name)
			mu.Lock()
			results[name] = r
			mu.Unlock()
		}(name)
	}

	wg.Wait()
	return results
}

// ProbeOne checks a single distribution.
func (p *Prober) ProbeOne(ctx context.Context, base, name string) Result {
	return p.probeOne(ctx, client.NewURLs(base), name)
}

// probeOne tries the plain Release manifest first and then the signed
// InRelease manifest. Either one existing proves the distribution exists.
func (p *Prober) probeOne(ctx context.Context, urls *client.URLs, name string) Result {
	releaseURL := urls.Release(name)
	state, err := p.check(ctx, releaseURL)
	if state == Exists {
		return Result{Name: name, State: Exists, URL: releaseURL}
	}

	inReleaseURL := urls.InRelease(name)
	inState, inErr := p.check(ctx, inReleaseURL)
	switch {
	case inState == Exists:
		return Result{Name: name, State: Exists, URL: inReleaseURL}
	case state == Absent && inState == Absent:
		return Result{Name: name, State: Absent, URL: releaseURL}
	}

	if err == nil {
		err = inErr
	}
	p.logger.DebugContext(ctx, "probe indeterminate", "dist", name, "url", releaseURL, "error", err)
	return Result{Name: name, State: Indeterminate, URL: releaseURL, Err: err}
}

func (p *Prober) check(ctx context.Context, url string) (State, error) {
	if err := ctx.Err(); err != nil {
		return Indeterminate, err
	}

	_, _, err := p.fetcher.Head(ctx, url)

	// Some mirrors refuse HEAD; fall back to a GET and discard the body.
	var httpErr *fetch.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusMethodNotAllowed {
		var artifact *fetch.Artifact
		artifact, err = p.fetcher.Fetch(ctx, url)
		if err == nil {
			_ = artifact.Body.Close()
		}
	}

	switch {
	case err == nil:
		return Exists, nil
	case errors.Is(err, fetch.ErrNotFound):
		return Absent, nil
	case errors.As(err, &httpErr) && p.absent[httpErr.StatusCode]:
		return Absent, nil
	default:
		return Indeterminate, err
	}
}

// Existing returns the names whose result is Exists, in the order given.
func Existing(names []string, results map[string]Result) []string {
	return filter(names, results, Exists)
}

// Undetermined returns the names whose result is Indeterminate, in the order
// given.
func Undetermined(names []string, results map[string]Result) []string {
	return filter(names, results, Indeterminate)
}

func filter(names []string, results map[string]Result, state State) []string {
	var out []string
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if r, ok := results[name]; ok && r.State == state {
			out = append(out, name)
		}
	}
	return out
}
