// Package lease serialises syncs of the same repository.
//
// A Manager hands out a Lease for a repository ID. While it is held no other
// caller can acquire one for that ID until it is released or its TTL lapses.
// Memory keeps leases in-process; Redis shares them between instances.
package lease

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL applies when a caller passes a non-positive ttl.
const DefaultTTL = 30 * time.Second

// ErrConflict is returned when the lease is held by someone else, or when a
// renewal finds the lease expired or taken over.
var ErrConflict = errors.New("lease held by another sync")

// Lease is a held lock on one repository. Token proves ownership on Renew
// and Release.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Manager hands out leases. Release is best-effort and idempotent.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Renew(ctx context.Context, l *Lease, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, l *Lease) error
}

func valid(l *Lease) bool {
	return l != nil && l.Key != "" && l.Token != ""
}
