package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/git-pkgs/aptsync/fetch"
	"github.com/git-pkgs/aptsync/internal/cache"
	"github.com/git-pkgs/aptsync/internal/config"
	"github.com/git-pkgs/aptsync/internal/lease"
	"github.com/git-pkgs/aptsync/internal/packages"
	"github.com/git-pkgs/aptsync/internal/probe"
	"github.com/git-pkgs/aptsync/internal/release"
	"github.com/git-pkgs/aptsync/internal/store"
	reposync "github.com/git-pkgs/aptsync/internal/sync"
)

// runtime holds every component a command may need, built from one config.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	fetcher  *fetch.CircuitBreakerFetcher
	cache    cache.Cache
	prober   *probe.Prober
	releases *release.Fetcher
	packages *packages.Reader

	// store and coordinator are only set by openStore.
	store       store.Store
	coordinator *reposync.Coordinator

	closers []func() error
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	base := fetch.NewFetcher(
		fetch.WithTimeout(cfg.HTTP.Timeout),
		fetch.WithMaxRetries(cfg.HTTP.MaxRetries),
		fetch.WithBaseDelay(cfg.HTTP.BaseDelay),
		fetch.WithUserAgent(cfg.HTTP.UserAgent),
		fetch.WithLogger(logger),
	)
	rt.fetcher = fetch.NewCircuitBreakerFetcher(base, cfg.HTTP.BreakerThreshold)

	var c cache.Cache = cache.NewFS(cfg.Cache.Root)
	if cfg.ReplicaEnabled() {
		s3c := cfg.Cache.S3
		client, err := cache.NewS3Client(ctx, cache.S3Options{
			Region:    s3c.Region,
			Endpoint:  s3c.Endpoint,
			AccessKey: s3c.AccessKey,
			SecretKey: s3c.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		c = cache.NewReplicated(c, cache.NewS3Replica(client, s3c.Bucket, s3c.Prefix), logger)
		logger.Debug("cache replica enabled", "bucket", s3c.Bucket, "prefix", s3c.Prefix)
	}
	rt.cache = c

	rt.prober = probe.New(rt.fetcher,
		probe.WithConcurrency(cfg.Sync.ProbeConcurrency),
		probe.WithAbsentStatuses(cfg.Sync.AbsentStatuses...),
		probe.WithLogger(logger),
	)
	rt.releases = release.New(rt.fetcher, c,
		release.WithSkipMode(cfg.Cache.SkipMode),
		release.WithLogger(logger),
	)
	rt.packages = packages.New(rt.fetcher, c, packages.WithLogger(logger))
	return rt, nil
}

// openStore connects the configured store and lease backend and builds the
// sync coordinator over them.
func (rt *runtime) openStore(ctx context.Context) error {
	cfg := rt.cfg

	var s store.Store
	switch cfg.Store.Driver {
	case config.StoreDuckDB:
		db, err := store.OpenDuckDB(ctx, cfg.Store.DSN)
		if err != nil {
			return err
		}
		s = db
	case config.StoreMongo:
		db, err := store.OpenMongo(ctx, cfg.Store.DSN, cfg.Store.Database)
		if err != nil {
			return err
		}
		s = db
	default:
		s = store.NewMemory()
	}
	rt.store = s
	rt.closers = append(rt.closers, s.Close)

	opts := []reposync.Option{
		reposync.WithConcurrency(cfg.Sync.Concurrency),
		reposync.WithProbeRetries(cfg.Retries(), cfg.Sync.ProbeBackoff),
		reposync.WithDiscovery(cfg.Sync.Discover, cfg.Sync.Candidates),
		reposync.WithLogger(rt.logger),
	}

	switch cfg.Lease.Driver {
	case config.LeaseRedis:
		m, err := lease.DialRedis(ctx, cfg.Lease.Addr, cfg.Lease.Prefix)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, m.Close)
		opts = append(opts, reposync.WithLease(m, cfg.Lease.TTL))
	case config.LeaseMemory:
		opts = append(opts, reposync.WithLease(lease.NewMemory(), cfg.Lease.TTL))
	}

	rt.coordinator = reposync.New(rt.prober, rt.releases, s, opts...)
	return nil
}

// repository returns the stored record for url, creating it if needed.
func (rt *runtime) repository(ctx context.Context, url string) (store.Repository, error) {
	repo := store.NewRepository("", url)
	existing, err := rt.store.GetRepository(ctx, repo.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Repository{}, err
	}
	if err := rt.store.PutRepository(ctx, repo); err != nil {
		return store.Repository{}, fmt.Errorf("add repository: %w", err)
	}
	return repo, nil
}

func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
