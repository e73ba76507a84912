package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store, used by default and in tests.
type Memory struct {
	mu    sync.RWMutex
	repos map[string]Repository
	dists map[string]map[string]Distribution
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		repos: make(map[string]Repository),
		dists: make(map[string]map[string]Distribution),
	}
}

func (m *Memory) PutRepository(ctx context.Context, r Repository) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.ID == "" {
		return fmt.Errorf("repository id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[r.ID] = r
	return nil
}

func (m *Memory) GetRepository(ctx context.Context, id string) (Repository, error) {
	if err := ctx.Err(); err != nil {
		return Repository{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.repos[id]
	if !ok {
		return Repository{}, fmt.Errorf("repository %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) ListRepositories(ctx context.Context) ([]Repository, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Collect(maps.Values(m.repos))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteRepository(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repos[id]; !ok {
		return fmt.Errorf("repository %s: %w", id, ErrNotFound)
	}
	delete(m.repos, id)
	delete(m.dists, id)
	return nil
}

func (m *Memory) TouchRepository(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[id]
	if !ok {
		return fmt.Errorf("repository %s: %w", id, ErrNotFound)
	}
	r.LastSyncAt = at
	m.repos[id] = r
	return nil
}

func (m *Memory) UpsertDistribution(ctx context.Context, repoID string, d Distribution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(repoID, d)
}

func (m *Memory) upsertLocked(repoID string, d Distribution) error {
	if d.Name == "" {
		return fmt.Errorf("distribution name cannot be empty")
	}
	byName, ok := m.dists[repoID]
	if !ok {
		byName = make(map[string]Distribution)
		m.dists[repoID] = byName
	}
	d = cloneDistribution(d)
	d.RepositoryID = repoID
	byName[d.Name] = d
	return nil
}

func (m *Memory) DeleteDistributionsNotIn(ctx context.Context, repoID string, keep []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteNotInLocked(repoID, keep), nil
}

func (m *Memory) deleteNotInLocked(repoID string, keep []string) int {
	byName := m.dists[repoID]
	deleted := 0
	for name := range byName {
		if !slices.Contains(keep, name) {
			delete(byName, name)
			deleted++
		}
	}
	return deleted
}

func (m *Memory) ListDistributions(ctx context.Context, repoID string) ([]Distribution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Distribution, 0, len(m.dists[repoID]))
	for _, d := range m.dists[repoID] {
		out = append(out, cloneDistribution(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// InTx runs fn with the store locked and restores the previous distributions
// of every touched repository if fn fails.
func (m *Memory) InTx(ctx context.Context, fn func(w DistributionWriter) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{m: m, saved: make(map[string]map[string]Distribution)}
	if err := fn(tx); err != nil {
		for repoID, byName := range tx.saved {
			if byName == nil {
				delete(m.dists, repoID)
				continue
			}
			m.dists[repoID] = byName
		}
		return err
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

type memoryTx struct {
	m     *Memory
	saved map[string]map[string]Distribution
}

func (tx *memoryTx) save(repoID string) {
	if _, ok := tx.saved[repoID]; ok {
		return
	}
	if byName, ok := tx.m.dists[repoID]; ok {
		tx.saved[repoID] = maps.Clone(byName)
		return
	}
	tx.saved[repoID] = nil
}

func (tx *memoryTx) UpsertDistribution(ctx context.Context, repoID string, d Distribution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.save(repoID)
	return tx.m.upsertLocked(repoID, d)
}

func (tx *memoryTx) DeleteDistributionsNotIn(ctx context.Context, repoID string, keep []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	tx.save(repoID)
	return tx.m.deleteNotInLocked(repoID, keep), nil
}
