package fetch

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// CircuitBreakerFetcher wraps a Fetcher with per-host circuit breakers.
type CircuitBreakerFetcher struct {
	fetcher   FetcherInterface
	breakers  map[string]*circuit.Breaker
	mu        sync.RWMutex
	threshold int64
}

// NewCircuitBreakerFetcher creates a new circuit breaker wrapper for a fetcher.
// A breaker trips after threshold consecutive transient failures against the
// same host; zero means the default of 5.
func NewCircuitBreakerFetcher(f FetcherInterface, threshold int64) *CircuitBreakerFetcher {
	if threshold <= 0 {
		threshold = 5
	}
	return &CircuitBreakerFetcher{
		fetcher:   f,
		breakers:  make(map[string]*circuit.Breaker),
		threshold: threshold,
	}
}

// getBreaker returns or creates a circuit breaker for the given host.
func (cbf *CircuitBreakerFetcher) getBreaker(host string) *circuit.Breaker {
	cbf.mu.RLock()
	breaker, exists := cbf.breakers[host]
	cbf.mu.RUnlock()

	if exists {
		return breaker
	}

	cbf.mu.Lock()
	defer cbf.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists := cbf.breakers[host]; exists {
		return breaker
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	opts := &circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(cbf.threshold),
	}
	breaker = circuit.NewBreakerWithOptions(opts)

	cbf.breakers[host] = breaker
	return breaker
}

// call runs fn under the host's breaker. Only transient errors count as
// failures; a confirmed 404 says nothing about the mirror's health.
func (cbf *CircuitBreakerFetcher) call(rawURL string, fn func() error) error {
	host := extractHost(rawURL)
	breaker := cbf.getBreaker(host)

	if !breaker.Ready() {
		return fmt.Errorf("circuit breaker open for host %s: %w", host, ErrUpstreamDown)
	}

	var definitive error
	err := breaker.Call(func() error {
		err := fn()
		if err != nil && !IsTransient(err) {
			definitive = err
			return nil
		}
		return err
	}, 0)
	if definitive != nil {
		return definitive
	}
	return err
}

// Fetch wraps the underlying fetcher's Fetch with circuit breaker logic.
func (cbf *CircuitBreakerFetcher) Fetch(ctx context.Context, fetchURL string) (*Artifact, error) {
	var artifact *Artifact
	err := cbf.call(fetchURL, func() error {
		var fetchErr error
		artifact, fetchErr = cbf.fetcher.Fetch(ctx, fetchURL)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// FetchIfModifiedSince wraps the underlying conditional fetch.
func (cbf *CircuitBreakerFetcher) FetchIfModifiedSince(ctx context.Context, fetchURL string, since time.Time) (*Artifact, error) {
	var artifact *Artifact
	err := cbf.call(fetchURL, func() error {
		var fetchErr error
		artifact, fetchErr = cbf.fetcher.FetchIfModifiedSince(ctx, fetchURL, since)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// Head wraps the underlying fetcher's Head with circuit breaker logic.
func (cbf *CircuitBreakerFetcher) Head(ctx context.Context, headURL string) (size int64, contentType string, err error) {
	err = cbf.call(headURL, func() error {
		var headErr error
		size, contentType, headErr = cbf.fetcher.Head(ctx, headURL)
		return headErr
	})
	return size, contentType, err
}

// extractHost extracts a host identifier from a URL for circuit breaker grouping.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		// Fallback to simple truncation
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return parsed.Host
}

// GetBreakerState returns the current state of circuit breakers (for health checks).
func (cbf *CircuitBreakerFetcher) GetBreakerState() map[string]string {
	cbf.mu.RLock()
	defer cbf.mu.RUnlock()

	states := make(map[string]string)
	for host, breaker := range cbf.breakers {
		if breaker.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}
