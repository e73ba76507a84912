// Package store persists repositories and the distributions synced from them.
//
// The distribution set of a repository is only ever rewritten as a batch by
// the sync coordinator: upsert everything fetched, then delete everything not
// kept. Implementations that can run that batch atomically implement
// Transactional.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/git-pkgs/aptsync/client"
)

// ErrNotFound is returned when a repository does not exist.
var ErrNotFound = errors.New("not found")

// Repository is a mirror base URL being tracked.
type Repository struct {
	ID         string    `json:"id" bson:"_id"`
	Name       string    `json:"name" bson:"name"`
	URL        string    `json:"url" bson:"url"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
	LastSyncAt time.Time `json:"last_sync_at,omitzero" bson:"last_sync_at"`
}

// NewRepository returns a repository for url. Its ID is the normalized base
// URL, so the same mirror entered twice maps to one record.
func NewRepository(name, url string) Repository {
	base := client.NormalizeBase(url)
	if name == "" {
		name = base
	}
	return Repository{
		ID:        base,
		Name:      name,
		URL:       base,
		CreatedAt: time.Now().UTC(),
	}
}

// Distribution is one release published by a repository, identified by
// (RepositoryID, Name).
type Distribution struct {
	RepositoryID  string    `json:"repository_id" bson:"repository_id"`
	Name          string    `json:"name" bson:"name"`
	Codename      string    `json:"codename" bson:"codename"`
	Suite         string    `json:"suite" bson:"suite"`
	Origin        string    `json:"origin,omitempty" bson:"origin,omitempty"`
	Label         string    `json:"label,omitempty" bson:"label,omitempty"`
	Version       string    `json:"version,omitempty" bson:"version,omitempty"`
	Date          string    `json:"date,omitempty" bson:"date,omitempty"`
	Description   string    `json:"description,omitempty" bson:"description,omitempty"`
	Architectures []string  `json:"architectures" bson:"architectures"`
	Components    []string  `json:"components" bson:"components"`
	Raw           string    `json:"raw,omitempty" bson:"raw"`
	FetchedAt     time.Time `json:"fetched_at" bson:"fetched_at"`
}

// DistributionWriter is the part of a Store the sync commit uses.
type DistributionWriter interface {
	// UpsertDistribution inserts d or replaces every mutable field of the
	// existing record with the same name.
	UpsertDistribution(ctx context.Context, repoID string, d Distribution) error
	// DeleteDistributionsNotIn removes every distribution of repoID whose
	// name is not in keep and reports how many were removed.
	DeleteDistributionsNotIn(ctx context.Context, repoID string, keep []string) (int, error)
}

// Store is the persisted state of every repository.
type Store interface {
	DistributionWriter

	// ListDistributions returns the distributions of repoID ordered by name.
	ListDistributions(ctx context.Context, repoID string) ([]Distribution, error)

	PutRepository(ctx context.Context, r Repository) error
	GetRepository(ctx context.Context, id string) (Repository, error)
	ListRepositories(ctx context.Context) ([]Repository, error)
	// DeleteRepository removes the repository and all of its distributions.
	DeleteRepository(ctx context.Context, id string) error
	// TouchRepository records the completion time of a sync.
	TouchRepository(ctx context.Context, id string, at time.Time) error

	Close() error
}

// Transactional is implemented by stores that can apply a batch of writes
// atomically. If fn returns an error nothing it wrote is kept.
type Transactional interface {
	InTx(ctx context.Context, fn func(w DistributionWriter) error) error
}

// Commit deletes the distributions not in keep and then upserts every
// distribution, inside one transaction when s supports it. keep must name
// every upsert. Without a transaction a failed upsert can leave the deletes
// applied, but never removes a distribution the batch keeps.
func Commit(ctx context.Context, s Store, repoID string, upserts []Distribution, keep []string) (int, error) {
	var deleted int
	apply := func(w DistributionWriter) error {
		n, err := w.DeleteDistributionsNotIn(ctx, repoID, keep)
		if err != nil {
			return err
		}
		for _, d := range upserts {
			if err := w.UpsertDistribution(ctx, repoID, d); err != nil {
				return err
			}
		}
		deleted = n
		return nil
	}

	if tx, ok := s.(Transactional); ok {
		if err := tx.InTx(ctx, apply); err != nil {
			return 0, err
		}
		return deleted, nil
	}
	if err := apply(s); err != nil {
		return 0, err
	}
	return deleted, nil
}

func cloneDistribution(d Distribution) Distribution {
	d.Architectures = slices.Clone(d.Architectures)
	d.Components = slices.Clone(d.Components)
	return d
}
