// Package aptsync mirrors APT repository metadata.
//
// It probes a repository for the distributions it serves, downloads and
// caches their Release manifests, and reconciles a store so it holds exactly
// the distributions that exist on the remote.
//
// Basic usage:
//
//	h := aptsync.NewFetcher()
//	c := aptsync.NewFSCache("/var/cache/aptsync")
//	s := aptsync.NewMemoryStore()
//	coord := aptsync.NewCoordinator(aptsync.NewProber(h), aptsync.NewReleaseFetcher(h, c), s)
//
//	repo := aptsync.NewRepository("debian", "http://deb.debian.org/debian")
//	_ = s.PutRepository(ctx, repo)
//	summary, err := coord.Run(ctx, repo, []string{"bookworm", "trixie"}, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(summary.Names(aptsync.CandidateSynced))
package aptsync

import (
	"github.com/git-pkgs/purl"

	"github.com/git-pkgs/aptsync/client"
	"github.com/git-pkgs/aptsync/fetch"
	"github.com/git-pkgs/aptsync/internal/cache"
	"github.com/git-pkgs/aptsync/internal/packages"
	"github.com/git-pkgs/aptsync/internal/probe"
	"github.com/git-pkgs/aptsync/internal/release"
	"github.com/git-pkgs/aptsync/internal/store"
	reposync "github.com/git-pkgs/aptsync/internal/sync"
)

// Re-export types from internal/store
type (
	// Repository is a remote APT repository being tracked.
	Repository = store.Repository

	// Distribution is one release published by a repository.
	Distribution = store.Distribution

	// Store persists repositories and their distributions.
	Store = store.Store
)

// Re-export types from internal/sync
type (
	// Coordinator runs syncs.
	Coordinator = reposync.Coordinator

	// CoordinatorOption configures a Coordinator.
	CoordinatorOption = reposync.Option

	// Summary is the result of a sync run.
	Summary = reposync.Summary

	// CandidateResult reports one candidate of a run.
	CandidateResult = reposync.CandidateResult

	// CandidateStatus is the final state of a candidate.
	CandidateStatus = reposync.CandidateStatus

	// Event is a progress notification.
	Event = reposync.Event

	// Sink receives progress events.
	Sink = reposync.Sink
)

// Re-export types from the fetch, probe, release and packages layers
type (
	// Fetcher downloads files from mirrors with retries.
	Fetcher = fetch.Fetcher

	// Cache stores downloaded files.
	Cache = cache.Cache

	// Prober checks which distributions exist.
	Prober = probe.Prober

	// ProbeResult describes the probe of one candidate.
	ProbeResult = probe.Result

	// ReleaseFetcher downloads and parses Release manifests.
	ReleaseFetcher = release.Fetcher

	// Outcome is the result of fetching one manifest.
	Outcome = release.Outcome

	// Package is one entry of a binary package index.
	Package = packages.Package

	// PackageTarget names one binary package index.
	PackageTarget = packages.Target

	// PackageReader downloads binary package indexes.
	PackageReader = packages.Reader
)

// Re-export constants
const (
	CandidateSynced = reposync.CandidateSynced
	CandidateAbsent = reposync.CandidateAbsent
	CandidateFailed = reposync.CandidateFailed
)

// Re-export errors
var (
	ErrNotFound          = fetch.ErrNotFound
	ErrRemoteUnreachable = reposync.ErrRemoteUnreachable
	ErrSyncInProgress    = reposync.ErrSyncInProgress
	ErrLeaseLost         = reposync.ErrLeaseLost
	ErrNoIndex           = packages.ErrNoIndex
)

// NewFetcher returns a Fetcher with the default timeout and retry policy.
func NewFetcher(opts ...fetch.Option) *Fetcher {
	return fetch.NewFetcher(opts...)
}

// NewFSCache returns a cache rooted at dir.
func NewFSCache(dir string) *cache.FS {
	return cache.NewFS(dir)
}

// NewMemoryStore returns an in-process store.
func NewMemoryStore() Store {
	return store.NewMemory()
}

// NewRepository builds a repository record for url. An empty name defaults
// to the normalized url.
func NewRepository(name, url string) Repository {
	return store.NewRepository(name, url)
}

func NewProber(h fetch.FetcherInterface) *Prober {
	return probe.New(h)
}

func NewReleaseFetcher(h fetch.FetcherInterface, c Cache) *ReleaseFetcher {
	return release.New(h, c)
}

func NewPackageReader(h fetch.FetcherInterface, c Cache) *PackageReader {
	return packages.New(h, c)
}

// NewCoordinator returns a sync coordinator over p, f and s.
func NewCoordinator(p *Prober, f *ReleaseFetcher, s Store, opts ...CoordinatorOption) *Coordinator {
	return reposync.New(p, f, s, opts...)
}

// LocalPath maps a remote URL to its location under the cache root.
func LocalPath(root, rawURL string) (string, error) {
	return client.LocalPath(root, rawURL)
}

// NormalizeBase returns url with exactly one trailing slash.
func NormalizeBase(url string) string {
	return client.NormalizeBase(url)
}

// PURL represents a parsed Package URL.
type PURL = purl.PURL

// ParsePURL parses a Package URL string such as the one reported by
// Package.PURL.
func ParsePURL(purlStr string) (*PURL, error) {
	return purl.Parse(purlStr)
}
