package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/git-pkgs/aptsync/client"
	"github.com/git-pkgs/aptsync/fetch"
	"github.com/git-pkgs/aptsync/internal/cache"
	"github.com/git-pkgs/aptsync/internal/control"
)

// maxManifestSize caps a Release body. Real manifests are a few hundred KiB.
const maxManifestSize = 64 << 20

// Fetcher turns a distribution name into an Outcome.
type Fetcher struct {
	http   fetch.FetcherInterface
	cache  cache.Cache
	skip   SkipMode
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithSkipMode sets how cached manifests are reused.
func WithSkipMode(m SkipMode) Option {
	return func(f *Fetcher) {
		if m != "" {
			f.skip = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClock overrides the source of FetchedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// New returns a Fetcher downloading through h and mirroring into c.
func New(h fetch.FetcherInterface, c cache.Cache, opts ...Option) *Fetcher {
	f := &Fetcher{
		http:   h,
		cache:  c,
		skip:   SkipNone,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves dists/<name>/Release under base, falling back to the
// signed InRelease manifest when the plain one is absent.
func (f *Fetcher) Fetch(ctx context.Context, repoID, base, name string) Outcome {
	urls := client.NewURLs(base)

	out := f.fetchManifest(ctx, repoID, name, urls.Release(name))
	if out.Kind != NotFound {
		return out
	}
	if in := f.fetchManifest(ctx, repoID, name, urls.InRelease(name)); in.Kind != NotFound {
		return in
	}
	return out
}

// Reparse rebuilds the outcome for name from cached bytes only.
func (f *Fetcher) Reparse(ctx context.Context, repoID, base, name string) Outcome {
	urls := client.NewURLs(base)
	for _, url := range []string{urls.Release(name), urls.InRelease(name)} {
		key, err := client.RelativePath(url)
		if err != nil {
			return Outcome{Name: name, Kind: Fatal, URL: url, Err: err}
		}
		data, err := f.cache.Load(ctx, key)
		if errors.Is(err, cache.ErrMissing) {
			continue
		}
		if err != nil {
			return Outcome{Name: name, Kind: Fatal, URL: url, Err: err}
		}
		return f.parse(ctx, repoID, name, url, data)
	}
	return Outcome{
		Name: name,
		Kind: NotFound,
		URL:  urls.Release(name),
		Err:  fmt.Errorf("%w: no cached manifest for %s", cache.ErrMissing, name),
	}
}

func (f *Fetcher) fetchManifest(ctx context.Context, repoID, name, url string) Outcome {
	key, err := client.RelativePath(url)
	if err != nil {
		return Outcome{Name: name, Kind: Fatal, URL: url, Err: err}
	}

	switch f.skip {
	case SkipFast:
		if data, err := f.cache.Load(ctx, key); err == nil {
			f.logger.DebugContext(ctx, "using cached manifest", "url", url)
			return f.parse(ctx, repoID, name, url, data)
		}
	case SkipCheck:
		if info, err := f.cache.Stat(ctx, key); err == nil {
			artifact, err := f.http.FetchIfModifiedSince(ctx, url, info.ModTime)
			if !errors.Is(err, fetch.ErrNotModified) {
				return f.consume(ctx, repoID, name, url, key, artifact, err)
			}
			if data, err := f.cache.Load(ctx, key); err == nil {
				f.logger.DebugContext(ctx, "manifest not modified", "url", url)
				return f.parse(ctx, repoID, name, url, data)
			}
		}
	}

	artifact, err := f.http.Fetch(ctx, url)
	return f.consume(ctx, repoID, name, url, key, artifact, err)
}

func (f *Fetcher) consume(ctx context.Context, repoID, name, url, key string, artifact *fetch.Artifact, err error) Outcome {
	if err != nil {
		return Outcome{Name: name, Kind: classify(ctx, err), URL: url, Err: err}
	}
	defer func() { _ = artifact.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(artifact.Body, maxManifestSize+1))
	if err != nil {
		return Outcome{Name: name, Kind: Transient, URL: url, Err: fmt.Errorf("reading %s: %w", url, err)}
	}
	if len(data) > maxManifestSize {
		return Outcome{Name: name, Kind: Fatal, URL: url, Err: fmt.Errorf("manifest %s exceeds %d bytes", url, maxManifestSize)}
	}

	if err := f.cache.Store(ctx, key, data); err != nil {
		return Outcome{Name: name, Kind: Fatal, URL: url, Err: err}
	}
	if !artifact.LastModified.IsZero() {
		if err := f.cache.SetModTime(ctx, key, artifact.LastModified); err != nil {
			f.logger.WarnContext(ctx, "setting cache mtime failed", "key", key, "error", err)
		}
	}

	return f.parse(ctx, repoID, name, url, data)
}

func (f *Fetcher) parse(ctx context.Context, repoID, name, url string, data []byte) Outcome {
	trace := traceFrom(ctx)
	trace.downloaded(name, url)

	paras, err := control.Parse(stripClearsign(data))
	if err == nil && len(paras) == 0 {
		err = ErrEmptyManifest
	}
	if err != nil {
		err = fmt.Errorf("parsing %s: %w", url, err)
		trace.parseDone(name, "", err)
		return Outcome{Name: name, Kind: Fatal, URL: url, Err: err}
	}

	d := Project(repoID, name, paras[0], string(data), f.now())
	trace.parseDone(name, d.Codename, nil)
	return Outcome{Name: name, Kind: Found, URL: url, Distribution: d}
}

func classify(ctx context.Context, err error) Kind {
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		return NotFound
	case ctx.Err() != nil, fetch.IsTransient(err):
		return Transient
	default:
		return Fatal
	}
}
