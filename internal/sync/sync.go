// Package sync drives one repository through probe, fetch and reconcile.
//
// A run probes every candidate distribution, fetches the ones that exist
// with bounded concurrency, and only after every fetch has resolved commits
// a single batch to the store. Distributions that failed this run keep their
// previous copy; only confirmed-absent ones are removed.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/google/uuid"

	"github.com/git-pkgs/aptsync/internal/control"
	"github.com/git-pkgs/aptsync/internal/lease"
	"github.com/git-pkgs/aptsync/internal/probe"
	"github.com/git-pkgs/aptsync/internal/release"
	"github.com/git-pkgs/aptsync/internal/store"
)

var (
	// ErrRemoteUnreachable ends a run in which no candidate could be probed.
	ErrRemoteUnreachable = errors.New("remote repository unreachable")
	// ErrSyncInProgress is returned when another run holds the repository lease.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrNoCandidates is returned when there is nothing to probe.
	ErrNoCandidates = errors.New("no candidate distributions")
	// ErrLeaseLost ends a run whose lease could not be renewed. Nothing is
	// committed.
	ErrLeaseLost = errors.New("sync lease lost")
)

const (
	defaultConcurrency  = 4
	defaultProbeRetries = 2
	defaultProbeBackoff = 500 * time.Millisecond
)

// Prober checks which distributions exist.
type Prober interface {
	Probe(ctx context.Context, base string, names []string) map[string]probe.Result
	Discover(ctx context.Context, base string) ([]string, error)
}

// ReleaseFetcher downloads and parses one distribution manifest.
type ReleaseFetcher interface {
	Fetch(ctx context.Context, repoID, base, name string) release.Outcome
}

// Coordinator runs syncs. It holds no state between runs.
type Coordinator struct {
	prober       Prober
	fetcher      ReleaseFetcher
	store        store.Store
	leases       lease.Manager
	leaseTTL     time.Duration
	concurrency  int
	probeRetries int
	probeBackoff time.Duration
	discover     bool
	defaults     []string
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConcurrency bounds parallel manifest fetches.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithProbeRetries sets how many times indeterminate candidates are probed
// again, and the first backoff interval between rounds.
func WithProbeRetries(n int, initial time.Duration) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.probeRetries = n
		}
		if initial > 0 {
			c.probeBackoff = initial
		}
	}
}

// WithLease serialises runs per repository through m.
func WithLease(m lease.Manager, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.leases = m
		c.leaseTTL = ttl
	}
}

// WithDiscovery makes a run without candidates read them from the dists/
// listing. defaults is used when the listing is unavailable or empty.
func WithDiscovery(enabled bool, defaults []string) Option {
	return func(c *Coordinator) {
		c.discover = enabled
		c.defaults = append([]string(nil), defaults...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a Coordinator.
func New(p Prober, f ReleaseFetcher, s store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		prober:       p,
		fetcher:      f,
		store:        s,
		concurrency:  defaultConcurrency,
		probeRetries: defaultProbeRetries,
		probeBackoff: defaultProbeBackoff,
		logger:       slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type run struct {
	id   string
	repo store.Repository
	sink Sink
	now  func() time.Time
}

func (r *run) emit(phase Phase, target string, status Status, detail string) {
	if r.sink == nil {
		return
	}
	r.sink.Emit(Event{RunID: r.id, Phase: phase, Target: target, Status: status, Detail: detail, Time: r.now()})
}

// Run syncs repo against candidates and reports progress to sink, which may
// be nil. A cancelled run returns ctx.Err() and leaves the store untouched,
// as does a run whose lease is lost, which returns ErrLeaseLost.
// ErrRemoteUnreachable is returned together with a Summary describing every
// candidate.
func (c *Coordinator) Run(ctx context.Context, repo store.Repository, candidates []string, sink Sink) (*Summary, error) {
	r := &run{id: uuid.NewString(), repo: repo, sink: sink, now: c.now}
	logger := c.logger.With("run_id", r.id, "repository", repo.ID)

	if c.leases != nil {
		l, err := c.leases.Acquire(ctx, repo.ID, c.leaseTTL)
		if errors.Is(err, lease.ErrConflict) {
			logger.WarnContext(ctx, "sync lease conflict")
			return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, repo.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("acquiring sync lease: %w", err)
		}

		parent := ctx
		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		stop := c.keepLease(ctx, cancel, l, logger)
		defer func() {
			stop()
			cancel(nil)
			if err := c.leases.Release(context.WithoutCancel(parent), l); err != nil {
				logger.WarnContext(parent, "releasing sync lease failed", "error", err)
			}
		}()
	}

	summary := &Summary{RunID: r.id, RepositoryID: repo.ID, StartedAt: c.now()}

	names, err := c.candidates(ctx, repo, candidates, logger)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "sync started", "candidates", len(names))

	probed := c.probe(ctx, r, names)
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	results := make(map[string]CandidateResult, len(names))
	var existing []string
	allUndetermined := true
	for _, name := range names {
		res := probed[name]
		switch res.State {
		case probe.Exists:
			existing = append(existing, name)
			allUndetermined = false
		case probe.Absent:
			results[name] = CandidateResult{Name: name, Status: CandidateAbsent, URL: res.URL}
			allUndetermined = false
		default:
			results[name] = failed(name, "indeterminate", res.URL, res.Err)
		}
	}
	if allUndetermined {
		summary.finish(names, results, c.now())
		logger.ErrorContext(ctx, "no candidate could be probed")
		return summary, fmt.Errorf("%w: %s", ErrRemoteUnreachable, repo.URL)
	}

	outcomes := c.fetchAll(ctx, r, existing)
	if ctx.Err() != nil {
		err := context.Cause(ctx)
		logger.WarnContext(ctx, "sync cancelled before commit", "error", err)
		return nil, err
	}

	var upserts []store.Distribution
	keep := make([]string, 0, len(names))
	for _, out := range outcomes {
		switch out.Kind {
		case release.Found:
			upserts = append(upserts, out.Distribution)
			keep = append(keep, out.Name)
			results[out.Name] = CandidateResult{Name: out.Name, Status: CandidateSynced, URL: out.URL}
		case release.NotFound:
			results[out.Name] = CandidateResult{Name: out.Name, Status: CandidateAbsent, URL: out.URL}
		default:
			keep = append(keep, out.Name)
			results[out.Name] = failed(out.Name, out.Kind.String(), out.URL, out.Err)
		}
	}
	for _, name := range names {
		if res := results[name]; res.Status == CandidateFailed && res.Kind == "indeterminate" {
			keep = append(keep, name)
		}
	}

	r.emit(PhasePersisting, "", StatusStarted, fmt.Sprintf("%d upserts", len(upserts)))
	deleted, err := store.Commit(ctx, c.store, repo.ID, upserts, keep)
	if err != nil {
		r.emit(PhasePersisting, "", StatusFailed, err.Error())
		return nil, fmt.Errorf("committing sync: %w", err)
	}
	if err := c.touch(ctx, repo); err != nil {
		r.emit(PhasePersisting, "", StatusFailed, err.Error())
		return nil, err
	}
	r.emit(PhasePersisting, "", StatusSucceeded, fmt.Sprintf("upserted %d, deleted %d", len(upserts), deleted))

	summary.Upserted = len(upserts)
	summary.Deleted = deleted
	summary.finish(names, results, c.now())
	logger.InfoContext(ctx, "sync finished",
		"synced", summary.Count(CandidateSynced),
		"absent", summary.Count(CandidateAbsent),
		"failed", summary.Count(CandidateFailed),
		"deleted", deleted,
		"duration_ms", summary.DurationMS,
	)
	return summary, nil
}

// keepLease renews l every third of the lease TTL until the returned stop
// func is called. A renewal that finds the lease taken over cancels ctx with
// ErrLeaseLost; other renewal errors are retried on the next tick.
func (c *Coordinator) keepLease(ctx context.Context, cancel context.CancelCauseFunc, l *lease.Lease, logger *slog.Logger) (stop func()) {
	ttl := c.leaseTTL
	if ttl <= 0 {
		ttl = lease.DefaultTTL
	}

	done := make(chan struct{})
	var wg gosync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()

		cur := l
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			next, err := c.leases.Renew(ctx, cur, ttl)
			switch {
			case err == nil:
				cur = next
			case errors.Is(err, lease.ErrConflict):
				logger.ErrorContext(ctx, "sync lease lost", "error", err)
				cancel(fmt.Errorf("%w: %s", ErrLeaseLost, l.Key))
				return
			case ctx.Err() != nil:
				return
			default:
				logger.WarnContext(ctx, "renewing sync lease failed", "error", err)
			}
		}
	}()

	var once gosync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

func (c *Coordinator) candidates(ctx context.Context, repo store.Repository, given []string, logger *slog.Logger) ([]string, error) {
	names := dedupe(given)
	if len(names) > 0 {
		return names, nil
	}
	if c.discover {
		found, err := c.prober.Discover(ctx, repo.URL)
		switch {
		case err != nil:
			logger.WarnContext(ctx, "discovery failed, using default candidates", "error", err)
		case len(found) == 0:
			logger.InfoContext(ctx, "discovery found nothing, using default candidates")
		default:
			return dedupe(found), nil
		}
	}
	if names = dedupe(c.defaults); len(names) > 0 {
		return names, nil
	}
	return nil, ErrNoCandidates
}

// probe checks every name and re-checks indeterminate ones with exponential
// backoff.
func (c *Coordinator) probe(ctx context.Context, r *run, names []string) map[string]probe.Result {
	for _, name := range names {
		r.emit(PhaseProbing, name, StatusStarted, "")
	}

	results := c.prober.Probe(ctx, r.repo.URL, names)
	pending := probe.Undetermined(names, results)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.probeBackoff
	b.MaxInterval = 30 * c.probeBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 0; attempt < c.probeRetries && len(pending) > 0; attempt++ {
		wait := b.NextBackOff()
		c.logger.DebugContext(ctx, "re-probing indeterminate candidates", "count", len(pending), "wait", wait.String())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return results
		case <-timer.C:
		}

		for name, res := range c.prober.Probe(ctx, r.repo.URL, pending) {
			results[name] = res
		}
		pending = probe.Undetermined(names, results)
	}

	for _, name := range names {
		res := results[name]
		switch res.State {
		case probe.Exists, probe.Absent:
			r.emit(PhaseProbing, name, StatusSucceeded, res.State.String())
		default:
			r.emit(PhaseProbing, name, StatusFailed, errorDetail(res.Err))
		}
	}
	return results
}

// fetchAll fetches names with bounded concurrency. Outcomes keep the order
// of names; events are emitted as fetches complete.
func (c *Coordinator) fetchAll(ctx context.Context, r *run, names []string) []release.Outcome {
	outcomes := make([]release.Outcome, len(names))

	var wg gosync.WaitGroup
	sem := make(chan struct{}, c.concurrency)

	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[i] = release.Outcome{Name: name, Kind: release.Transient, Err: ctx.Err()}
				return
			}

			r.emit(PhaseFetching, name, StatusStarted, "")
			var traced bool
			out := c.fetcher.Fetch(release.WithTrace(ctx, r.trace(name, &traced)), r.repo.ID, r.repo.URL, name)
			out.Name = name
			outcomes[i] = out
			if !traced {
				c.report(r, out)
			}
		}(i, name)
	}

	wg.Wait()
	return outcomes
}

// trace reports download and parse progress for name as the fetcher makes
// it. fired is set once the fetcher has called a hook.
func (r *run) trace(name string, fired *bool) *release.Trace {
	return &release.Trace{
		Downloaded: func(_, url string) {
			*fired = true
			r.emit(PhaseFetching, name, StatusSucceeded, url)
			r.emit(PhaseParsing, name, StatusStarted, "")
		},
		ParseDone: func(_, codename string, err error) {
			*fired = true
			if err != nil {
				r.emit(PhaseParsing, name, StatusFailed, errorDetail(err))
				return
			}
			r.emit(PhaseParsing, name, StatusSucceeded, codename)
		},
	}
}

// report derives the fetch and parse events from the outcome alone, for
// fetchers that do not call trace hooks.
func (c *Coordinator) report(r *run, out release.Outcome) {
	switch {
	case out.Kind == release.Found:
		r.emit(PhaseFetching, out.Name, StatusSucceeded, out.URL)
		r.emit(PhaseParsing, out.Name, StatusStarted, "")
		r.emit(PhaseParsing, out.Name, StatusSucceeded, out.Distribution.Codename)
	case out.Kind == release.Fatal && isParseFailure(out.Err):
		r.emit(PhaseFetching, out.Name, StatusSucceeded, out.URL)
		r.emit(PhaseParsing, out.Name, StatusStarted, "")
		r.emit(PhaseParsing, out.Name, StatusFailed, errorDetail(out.Err))
	default:
		r.emit(PhaseFetching, out.Name, StatusFailed, out.Kind.String()+": "+errorDetail(out.Err))
	}
}

func (c *Coordinator) touch(ctx context.Context, repo store.Repository) error {
	now := c.now()
	err := c.store.TouchRepository(ctx, repo.ID, now)
	if errors.Is(err, store.ErrNotFound) {
		repo.LastSyncAt = now
		if repo.CreatedAt.IsZero() {
			repo.CreatedAt = now
		}
		err = c.store.PutRepository(ctx, repo)
	}
	if err != nil {
		return fmt.Errorf("recording sync time: %w", err)
	}
	return nil
}

func isParseFailure(err error) bool {
	return control.IsMalformed(err) || errors.Is(err, release.ErrEmptyManifest)
}

func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func failed(name, kind, url string, err error) CandidateResult {
	return CandidateResult{Name: name, Status: CandidateFailed, Kind: kind, URL: url, Error: errorDetail(err)}
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
