package packages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/git-pkgs/aptsync/client"
	"github.com/git-pkgs/aptsync/fetch"
	"github.com/git-pkgs/aptsync/internal/cache"
	"github.com/git-pkgs/aptsync/internal/control"
)

// maxIndexSize caps one downloaded (compressed) index.
const maxIndexSize = 256 << 20

// ErrNoIndex is returned when no variant of a Packages index exists.
var ErrNoIndex = errors.New("no package index found")

// Index is a downloaded Packages file, still encoded.
type Index struct {
	Target      Target
	URL         string
	Compression Compression
	data        []byte
}

// Size is the encoded length in bytes.
func (ix *Index) Size() int {
	return len(ix.data)
}

// Packages decodes the index lazily. Malformed stanzas are yielded as errors
// and iteration continues; a decoding error ends the sequence.
func (ix *Index) Packages() iter.Seq2[Package, error] {
	return func(yield func(Package, error) bool) {
		r, err := ix.Compression.Decompress(bytes.NewReader(ix.data))
		if err != nil {
			yield(Package{}, fmt.Errorf("%s: %w", ix.URL, err))
			return
		}
		for p, err := range control.Paragraphs(r) {
			if err != nil {
				if !yield(Package{}, err) {
					return
				}
				continue
			}
			if !yield(FromParagraph(p)) {
				return
			}
		}
	}
}

// Reader downloads package indexes and mirrors them into the cache.
type Reader struct {
	http   fetch.FetcherInterface
	cache  cache.Cache
	logger *slog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a Reader. c may be nil to skip mirroring.
func New(h fetch.FetcherInterface, c cache.Cache, opts ...Option) *Reader {
	r := &Reader{http: h, cache: c, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch downloads the first available variant of the target's index,
// preferring xz, then gzip, then the plain file.
func (r *Reader) Fetch(ctx context.Context, base string, t Target) (*Index, error) {
	urls := client.NewURLs(base)
	for _, c := range preferred {
		url := urls.Packages(t.Dist, t.Component, t.Arch, c.Extension())
		data, err := r.download(ctx, url)
		if errors.Is(err, fetch.ErrNotFound) {
			r.logger.DebugContext(ctx, "package index variant missing", "url", url)
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Index{Target: t, URL: url, Compression: c, data: data}, nil
	}
	return nil, fmt.Errorf("%w for %s: %w", ErrNoIndex, t, fetch.ErrNotFound)
}

// Read is Fetch followed by Index.Packages.
func (r *Reader) Read(ctx context.Context, base string, t Target) (iter.Seq2[Package, error], error) {
	ix, err := r.Fetch(ctx, base, t)
	if err != nil {
		return nil, err
	}
	return ix.Packages(), nil
}

func (r *Reader) download(ctx context.Context, url string) ([]byte, error) {
	artifact, err := r.http.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = artifact.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(artifact.Body, maxIndexSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if len(data) > maxIndexSize {
		return nil, fmt.Errorf("package index %s exceeds %d bytes", url, maxIndexSize)
	}

	if r.cache != nil {
		key, err := client.RelativePath(url)
		if err != nil {
			return nil, err
		}
		if err := r.cache.Store(ctx, key, data); err != nil {
			return nil, err
		}
		if !artifact.LastModified.IsZero() {
			if err := r.cache.SetModTime(ctx, key, artifact.LastModified); err != nil {
				r.logger.WarnContext(ctx, "setting cache mtime failed", "key", key, "error", err)
			}
		}
	}
	return data, nil
}
