package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/git-pkgs/aptsync/fetch"
	"github.com/git-pkgs/aptsync/internal/cache"
	"github.com/git-pkgs/aptsync/internal/lease"
	"github.com/git-pkgs/aptsync/internal/probe"
	"github.com/git-pkgs/aptsync/internal/release"
	"github.com/git-pkgs/aptsync/internal/store"
)

func manifest(codename, version string) string {
	return fmt.Sprintf(`Origin: Ubuntu
Label: Ubuntu
Suite: %s
Version: %s
Codename: %s
Architectures: amd64 arm64
Components: main universe
Description: Ubuntu %s
`, codename, version, codename, codename)
}

// newMirror serves dists/<name>/Release for every entry in files. status
// overrides the response code for a path.
func newMirror(t *testing.T, files map[string]string, status map[string]int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code, ok := status[r.URL.Path]; ok {
			w.WriteHeader(code)
			return
		}
		body, ok := files[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestCoordinator(t *testing.T, s store.Store, opts ...Option) *Coordinator {
	t.Helper()
	h := fetch.NewFetcher(fetch.WithMaxRetries(0), fetch.WithBaseDelay(0))
	p := probe.New(h)
	f := release.New(h, cache.NewFS(t.TempDir()))
	opts = append([]Option{WithProbeRetries(0, 0)}, opts...)
	return New(p, f, s, opts...)
}

func distNames(t *testing.T, s store.Store, repoID string) []string {
	t.Helper()
	dists, err := s.ListDistributions(context.Background(), repoID)
	if err != nil {
		t.Fatalf("ListDistributions failed: %v", err)
	}
	names := make([]string, 0, len(dists))
	for _, d := range dists {
		names = append(names, d.Name)
	}
	return names
}

func seed(t *testing.T, s store.Store, repoID string, dists ...store.Distribution) {
	t.Helper()
	for _, d := range dists {
		if err := s.UpsertDistribution(context.Background(), repoID, d); err != nil {
			t.Fatalf("seeding %s: %v", d.Name, err)
		}
	}
}

func TestRunReconciles(t *testing.T) {
	srv := newMirror(t, map[string]string{
		"/dists/jammy/Release": manifest("jammy", "22.04.4"),
		"/dists/noble/Release": manifest("noble", "24.04"),
	}, nil)
	repo := store.NewRepository("ubuntu", srv.URL)
	s := store.NewMemory()
	seed(t, s, repo.ID,
		store.Distribution{Name: "jammy", Version: "22.04"},
		store.Distribution{Name: "trusty", Version: "14.04"},
	)

	summary, err := newTestCoordinator(t, s).Run(context.Background(), repo, []string{"jammy", "noble"}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := distNames(t, s, repo.ID); !reflect.DeepEqual(got, []string{"jammy", "noble"}) {
		t.Errorf("distributions = %v, want [jammy noble]", got)
	}
	dists, _ := s.ListDistributions(context.Background(), repo.ID)
	if dists[0].Version != "22.04.4" {
		t.Errorf("jammy Version = %q, want refreshed 22.04.4", dists[0].Version)
	}
	if summary.Upserted != 2 || summary.Deleted != 1 {
		t.Errorf("Upserted = %d, Deleted = %d, want 2 and 1", summary.Upserted, summary.Deleted)
	}
	if summary.RunID == "" {
		t.Error("RunID is empty")
	}

	stored, err := s.GetRepository(context.Background(), repo.ID)
	if err != nil {
		t.Fatalf("repository not recorded: %v", err)
	}
	if stored.LastSyncAt.IsZero() {
		t.Error("LastSyncAt not set")
	}
}

func TestRunPartialFailure(t *testing.T) {
	srv := newMirror(t, map[string]string{
		"/dists/jammy/Release": manifest("jammy", "22.04"),
		"/dists/focal/Release": manifest("focal", "20.04"),
	}, nil)
	repo := store.NewRepository("", srv.URL)
	s := store.NewMemory()

	summary, err := newTestCoordinator(t, s).Run(context.Background(), repo, []string{"jammy", "focal", "nonexistent-xyz"}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := summary.Names(CandidateSynced); !reflect.DeepEqual(got, []string{"jammy", "focal"}) {
		t.Errorf("synced = %v, want [jammy focal]", got)
	}
	if got := summary.Names(CandidateAbsent); !reflect.DeepEqual(got, []string{"nonexistent-xyz"}) {
		t.Errorf("absent = %v, want [nonexistent-xyz]", got)
	}
	if got := distNames(t, s, repo.ID); !reflect.DeepEqual(got, []string{"focal", "jammy"}) {
		t.Errorf("distributions = %v, want [focal jammy]", got)
	}
}

func TestRunRetainsFailedCandidates(t *testing.T) {
	srv := newMirror(t, map[string]string{
		"/dists/jammy/Release": manifest("jammy", "22.04"),
		"/dists/focal/Release": "Origin: Ubuntu\n continuation\nno colon\n",
	}, map[string]int{
		"/dists/xenial/Release": http.StatusServiceUnavailable,
	})
	repo := store.NewRepository("", srv.URL)
	s := store.NewMemory()
	seed(t, s, repo.ID,
		store.Distribution{Name: "focal", Version: "20.04-old"},
		store.Distribution{Name: "xenial", Version: "16.04-old"},
	)

	summary, err := newTestCoordinator(t, s).Run(context.Background(), repo, []string{"jammy", "focal", "xenial"}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	focal, _ := summary.Result("focal")
	if focal.Status != CandidateFailed || focal.Kind != "fatal" {
		t.Errorf("focal = %+v, want failed/fatal", focal)
	}
	xenial, _ := summary.Result("xenial")
	if xenial.Status != CandidateFailed || xenial.Kind != "indeterminate" {
		t.Errorf("xenial = %+v, want failed/indeterminate", xenial)
	}

	dists, err := s.ListDistributions(context.Background(), repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, d := range dists {
		got[d.Name] = d.Version
	}
	want := map[string]string{"focal": "20.04-old", "jammy": "22.04", "xenial": "16.04-old"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("distributions = %v, want %v", got, want)
	}
}

func TestRunRemoteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	repo := store.NewRepository("", base)
	s := store.NewMemory()
	seed(t, s, repo.ID, store.Distribution{Name: "jammy"})

	summary, err := newTestCoordinator(t, s).Run(context.Background(), repo, []string{"jammy", "focal"}, nil)
	if !errors.Is(err, ErrRemoteUnreachable) {
		t.Fatalf("err = %v, want ErrRemoteUnreachable", err)
	}
	if summary == nil || summary.Count(CandidateFailed) != 2 {
		t.Fatalf("summary = %+v, want two failed candidates", summary)
	}
	if got := distNames(t, s, repo.ID); !reflect.DeepEqual(got, []string{"jammy"}) {
		t.Errorf("distributions = %v, want untouched [jammy]", got)
	}
}

type fakeProber struct {
	mu      gosync.Mutex
	calls   int
	states  []map[string]probe.State
	listing []string
	discErr error
}

func (p *fakeProber) Probe(_ context.Context, _ string, names []string) map[string]probe.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	round := p.states[min(p.calls, len(p.states)-1)]
	p.calls++
	out := make(map[string]probe.Result, len(names))
	for _, n := range names {
		st, ok := round[n]
		if !ok {
			st = probe.Exists
		}
		var err error
		if st == probe.Indeterminate {
			err = fetch.ErrUpstreamDown
		}
		out[n] = probe.Result{Name: n, State: st, Err: err}
	}
	return out
}

func (p *fakeProber) Discover(context.Context, string) ([]string, error) {
	return p.listing, p.discErr
}

func (p *fakeProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// gatedFetcher completes the first `complete` fetches and then calls
// onComplete; every later fetch waits for cancellation.
type gatedFetcher struct {
	started    atomic.Int32
	complete   int32
	onComplete func()
}

func (f *gatedFetcher) Fetch(ctx context.Context, repoID, _, name string) release.Outcome {
	n := f.started.Add(1)
	if f.complete > 0 && n > f.complete {
		<-ctx.Done()
		return release.Outcome{Name: name, Kind: release.Transient, Err: ctx.Err()}
	}
	if f.complete > 0 && n == f.complete && f.onComplete != nil {
		defer f.onComplete()
	}
	return release.Outcome{
		Name: name,
		Kind: release.Found,
		Distribution: store.Distribution{
			RepositoryID:  repoID,
			Name:          name,
			Codename:      name,
			Suite:         name,
			Architectures: []string{"amd64"},
			Components:    []string{"main"},
		},
	}
}

func TestRunCancelledAfterTwoFetches(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e"}
	repo := store.NewRepository("", "http://mirror.invalid/debian")
	s := store.NewMemory()
	seed(t, s, repo.ID, store.Distribution{Name: "old"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prober := &fakeProber{states: []map[string]probe.State{{}}}
	gated := &gatedFetcher{complete: 2, onComplete: cancel}
	c := New(prober, gated, s, WithConcurrency(5), WithProbeRetries(0, 0))

	summary, err := c.Run(ctx, repo, names, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if summary != nil {
		t.Errorf("summary = %+v, want nil for a cancelled run", summary)
	}
	if got := distNames(t, s, repo.ID); !reflect.DeepEqual(got, []string{"old"}) {
		t.Errorf("distributions = %v, want untouched [old]", got)
	}

	c = New(prober, &gatedFetcher{}, s, WithConcurrency(5), WithProbeRetries(0, 0))
	summary, err = c.Run(context.Background(), repo, names, nil)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if got := distNames(t, s, repo.ID); !reflect.DeepEqual(got, names) {
		t.Errorf("distributions = %v, want %v", got, names)
	}
	if summary.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", summary.Deleted)
	}
}

func TestRunReprobesIndeterminate(t *testing.T) {
	prober := &fakeProber{states: []map[string]probe.State{
		{"jammy": probe.Indeterminate, "focal": probe.Absent},
		{"jammy": probe.Exists, "focal": probe.Absent},
	}}
	s := store.NewMemory()
	repo := store.NewRepository("", "http://mirror.invalid/ubuntu")
	c := New(prober, &gatedFetcher{}, s, WithProbeRetries(3, time.Millisecond))

	summary, err := c.Run(context.Background(), repo, []string{"jammy", "focal"}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := summary.Names(CandidateSynced); !reflect.DeepEqual(got, []string{"jammy"}) {
		t.Errorf("synced = %v, want [jammy]", got)
	}
	if prober.Calls() != 2 {
		t.Errorf("probe rounds = %d, want 2", prober.Calls())
	}
}

func TestRunLeaseConflict(t *testing.T) {
	leases := lease.NewMemory()
	repo := store.NewRepository("", "http://mirror.invalid/debian")
	held, err := leases.Acquire(context.Background(), repo.ID, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	prober := &fakeProber{states: []map[string]probe.State{{}}}
	c := New(prober, &gatedFetcher{}, store.NewMemory(), WithLease(leases, time.Minute))

	if _, err := c.Run(context.Background(), repo, []string{"bookworm"}, nil); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("err = %v, want ErrSyncInProgress", err)
	}
	if prober.Calls() != 0 {
		t.Errorf("prober called %d times during a conflict", prober.Calls())
	}

	if err := leases.Release(context.Background(), held); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background(), repo, []string{"bookworm"}, nil); err != nil {
		t.Fatalf("Run after release failed: %v", err)
	}
	// The run releases its own lease.
	if _, err := leases.Acquire(context.Background(), repo.ID, time.Minute); err != nil {
		t.Errorf("lease still held after run: %v", err)
	}
}

func TestRunCandidateSelection(t *testing.T) {
	repo := store.NewRepository("", "http://mirror.invalid/debian")

	tests := []struct {
		name    string
		prober  *fakeProber
		opts    []Option
		given   []string
		want    []string
		wantErr error
	}{
		{
			name:   "given names are deduplicated",
			prober: &fakeProber{},
			given:  []string{"bookworm", "bookworm", "", "trixie"},
			want:   []string{"bookworm", "trixie"},
		},
		{
			name:   "discovered",
			prober: &fakeProber{listing: []string{"bookworm", "sid"}},
			opts:   []Option{WithDiscovery(true, []string{"bullseye"})},
			want:   []string{"bookworm", "sid"},
		},
		{
			name:   "discovery failure falls back",
			prober: &fakeProber{discErr: fetch.ErrNotFound},
			opts:   []Option{WithDiscovery(true, []string{"bullseye"})},
			want:   []string{"bullseye"},
		},
		{
			name:   "defaults without discovery",
			prober: &fakeProber{listing: []string{"sid"}},
			opts:   []Option{WithDiscovery(false, []string{"bullseye"})},
			want:   []string{"bullseye"},
		},
		{
			name:    "nothing to probe",
			prober:  &fakeProber{},
			wantErr: ErrNoCandidates,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.prober.states = []map[string]probe.State{{}}
			c := New(tt.prober, &gatedFetcher{}, store.NewMemory(), tt.opts...)
			summary, err := c.Run(context.Background(), repo, tt.given, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if got := summary.Names(CandidateSynced); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("synced = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunEvents(t *testing.T) {
	srv := newMirror(t, map[string]string{
		"/dists/jammy/Release": manifest("jammy", "22.04"),
		"/dists/focal/Release": "\n continuation first\n",
	}, nil)
	repo := store.NewRepository("", srv.URL)

	sink := NewChannelSink(100)
	summary, err := newTestCoordinator(t, store.NewMemory()).Run(context.Background(), repo, []string{"jammy", "focal", "gone"}, sink)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	sink.Close()

	type key struct {
		phase  Phase
		target string
		status Status
	}
	seen := map[key]bool{}
	for e := range sink.Events() {
		if e.RunID != summary.RunID {
			t.Errorf("event RunID = %q, want %q", e.RunID, summary.RunID)
		}
		if e.Time.IsZero() {
			t.Errorf("event %+v has no time", e)
		}
		seen[key{e.Phase, e.Target, e.Status}] = true
	}

	for _, want := range []key{
		{PhaseProbing, "jammy", StatusStarted},
		{PhaseProbing, "gone", StatusSucceeded},
		{PhaseFetching, "jammy", StatusSucceeded},
		{PhaseParsing, "jammy", StatusSucceeded},
		{PhaseParsing, "focal", StatusFailed},
		{PhasePersisting, "", StatusSucceeded},
	} {
		if !seen[want] {
			t.Errorf("missing event %+v", want)
		}
	}
	if seen[key{PhaseFetching, "gone", StatusStarted}] {
		t.Error("absent candidate was fetched")
	}
	if sink.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", sink.Dropped())
	}
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	sink := NewChannelSink(1)
	sink.Emit(Event{Phase: PhaseProbing})
	sink.Emit(Event{Phase: PhaseFetching})
	if sink.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", sink.Dropped())
	}
	sink.Close()
	sink.Emit(Event{Phase: PhaseParsing})
	if sink.Dropped() != 2 {
		t.Errorf("Dropped after close = %d, want 2", sink.Dropped())
	}
	if e := <-sink.Events(); e.Phase != PhaseProbing {
		t.Errorf("first event phase = %s, want probing", e.Phase)
	}
}

func TestMultiSink(t *testing.T) {
	var a, b []Event
	m := MultiSink{
		SinkFunc(func(e Event) { a = append(a, e) }),
		nil,
		SinkFunc(func(e Event) { b = append(b, e) }),
		LogSink{},
	}
	m.Emit(Event{Phase: PhasePersisting, Status: StatusSucceeded})
	if len(a) != 1 || len(b) != 1 {
		t.Errorf("fan-out delivered %d and %d events, want 1 each", len(a), len(b))
	}
}

func TestRunRenewsLeaseDuringLongSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dists/jammy/Release" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodGet {
			time.Sleep(300 * time.Millisecond)
		}
		_, _ = w.Write([]byte(manifest("jammy", "22.04")))
	}))
	t.Cleanup(srv.Close)

	repo := store.NewRepository("", srv.URL)
	leases := lease.NewMemory()
	first := newTestCoordinator(t, store.NewMemory(), WithLease(leases, 100*time.Millisecond))
	second := newTestCoordinator(t, store.NewMemory(), WithLease(leases, 100*time.Millisecond))

	type result struct {
		summary *Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := first.Run(context.Background(), repo, []string{"jammy"}, nil)
		done <- result{summary, err}
	}()

	time.Sleep(200 * time.Millisecond)
	if _, err := second.Run(context.Background(), repo, []string{"jammy"}, nil); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent Run err = %v, want ErrSyncInProgress", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("long Run failed: %v", res.err)
	}
	if got := res.summary.Count(CandidateSynced); got != 1 {
		t.Errorf("synced = %d, want 1", got)
	}
	if _, err := leases.Acquire(context.Background(), repo.ID, time.Minute); err != nil {
		t.Errorf("lease still held after run: %v", err)
	}
}

// stolenLeases grants every lease and refuses every renewal, as if another
// instance took the lease over after it expired.
type stolenLeases struct {
	mu       gosync.Mutex
	renews   int
	released bool
}

func (m *stolenLeases) Acquire(_ context.Context, key string, ttl time.Duration) (*lease.Lease, error) {
	return &lease.Lease{Key: key, Token: "t", ExpiresAt: time.Now().Add(ttl)}, nil
}

func (m *stolenLeases) Renew(context.Context, *lease.Lease, time.Duration) (*lease.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renews++
	return nil, lease.ErrConflict
}

func (m *stolenLeases) Release(context.Context, *lease.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	return nil
}

func TestRunStopsWhenLeaseLost(t *testing.T) {
	repo := store.NewRepository("", "http://mirror.invalid/debian")
	s := store.NewMemory()
	seed(t, s, repo.ID, store.Distribution{Name: "old"})

	leases := &stolenLeases{}
	prober := &fakeProber{states: []map[string]probe.State{{}}}
	c := New(prober, &gatedFetcher{complete: 1}, s,
		WithConcurrency(1),
		WithProbeRetries(0, 0),
		WithLease(leases, 30*time.Millisecond),
	)

	summary, err := c.Run(context.Background(), repo, []string{"a", "b"}, nil)
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("err = %v, want ErrLeaseLost", err)
	}
	if summary != nil {
		t.Errorf("summary = %+v, want nil", summary)
	}
	if got := distNames(t, s, repo.ID); !reflect.DeepEqual(got, []string{"old"}) {
		t.Errorf("distributions = %v, want untouched [old]", got)
	}

	leases.mu.Lock()
	defer leases.mu.Unlock()
	if leases.renews != 1 {
		t.Errorf("renewals = %d, want 1", leases.renews)
	}
	if !leases.released {
		t.Error("lease was not released")
	}
}

// recordingSink keeps every event in order.
type recordingSink struct {
	mu     gosync.Mutex
	events []Event
}

func (s *recordingSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) has(phase Phase, target string, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Phase == phase && e.Target == target && e.Status == status {
			return true
		}
	}
	return false
}

func (s *recordingSink) count(phase Phase, status Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Phase == phase && e.Status == status {
			n++
		}
	}
	return n
}

// observedFetcher records, as the wrapped fetcher returns, whether the sink
// already holds the parse events for that name.
type observedFetcher struct {
	inner  ReleaseFetcher
	sink   *recordingSink
	mu     gosync.Mutex
	parsed map[string]bool
}

func (f *observedFetcher) Fetch(ctx context.Context, repoID, base, name string) release.Outcome {
	out := f.inner.Fetch(ctx, repoID, base, name)
	seen := f.sink.has(PhaseParsing, name, StatusStarted) &&
		(f.sink.has(PhaseParsing, name, StatusSucceeded) || f.sink.has(PhaseParsing, name, StatusFailed))
	f.mu.Lock()
	f.parsed[name] = seen
	f.mu.Unlock()
	return out
}

func TestRunEmitsParseEventsFromFetcher(t *testing.T) {
	srv := newMirror(t, map[string]string{
		"/dists/jammy/Release": manifest("jammy", "22.04"),
		"/dists/focal/Release": "\n continuation first\n",
	}, nil)
	repo := store.NewRepository("", srv.URL)

	h := fetch.NewFetcher(fetch.WithMaxRetries(0), fetch.WithBaseDelay(0))
	sink := &recordingSink{}
	observed := &observedFetcher{
		inner:  release.New(h, cache.NewFS(t.TempDir())),
		sink:   sink,
		parsed: map[string]bool{},
	}
	c := New(probe.New(h), observed, store.NewMemory(), WithProbeRetries(0, 0))

	if _, err := c.Run(context.Background(), repo, []string{"jammy", "focal"}, sink); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, name := range []string{"jammy", "focal"} {
		if !observed.parsed[name] {
			t.Errorf("parse events for %s were not emitted while fetching", name)
		}
	}
	if n := sink.count(PhaseParsing, StatusStarted); n != 2 {
		t.Errorf("parsing started events = %d, want 2", n)
	}
	if n := sink.count(PhaseFetching, StatusSucceeded); n != 2 {
		t.Errorf("fetching succeeded events = %d, want 2", n)
	}
	if !sink.has(PhaseParsing, "focal", StatusFailed) {
		t.Error("missing parse failure for focal")
	}
}

func TestRunInfersParseEventsWithoutTrace(t *testing.T) {
	sink := &recordingSink{}
	prober := &fakeProber{states: []map[string]probe.State{{}}}
	c := New(prober, &gatedFetcher{}, store.NewMemory(), WithProbeRetries(0, 0))

	repo := store.NewRepository("", "http://mirror.invalid/debian")
	if _, err := c.Run(context.Background(), repo, []string{"bookworm"}, sink); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, st := range []Status{StatusStarted, StatusSucceeded} {
		if !sink.has(PhaseParsing, "bookworm", st) {
			t.Errorf("missing parsing %s event", st)
		}
	}
}
