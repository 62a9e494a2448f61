package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/scm-audit/internal/contributors"
)

// Snapshot is one completed audit run.
type Snapshot struct {
	RunID       string                   `json:"runId"`
	SCMType     string                   `json:"scmType"`
	CompletedAt time.Time                `json:"completedAt"`
	Result      contributors.AuditResult `json:"result"`
}

// Scope returns the key snapshots of the same organization share.
func (s Snapshot) Scope() string {
	return ScopeKey(s.SCMType, s.Result.OrganizationName)
}

// ScopeKey builds the case-insensitive scope of an organization or workspace.
func ScopeKey(scmType, organization string) string {
	return strings.ToLower(strings.TrimSpace(scmType)) + ":" + strings.ToLower(strings.TrimSpace(organization))
}

// NewRunID derives a sortable run id from the completion time.
func NewRunID(completedAt time.Time) string {
	return completedAt.UTC().Format("20060102T150405.000Z")
}

// Store keeps the latest audit result per organization plus a retained run history.
type Store interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	Latest(ctx context.Context, scope string) (Snapshot, bool, error)
	// History returns runs completed at or after since, newest first.
	History(ctx context.Context, scope string, since time.Time) ([]Snapshot, error)
	AcquireRunLock(ctx context.Context, scope string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseRunLock(ctx context.Context, scope string) error
	GC(ctx context.Context, now time.Time) error
	Close() error
}

// MemoryStore is an in-process snapshot store.
type MemoryStore struct {
	mu         sync.RWMutex
	retention  time.Duration
	maxHistory int
	// history is ordered oldest first per scope.
	history  map[string][]Snapshot
	runLocks map[string]time.Time
}

// NewMemoryStore creates a memory store.
func NewMemoryStore(retention time.Duration, maxHistory int) *MemoryStore {
	return &MemoryStore{
		retention:  retention,
		maxHistory: maxHistory,
		history:    make(map[string][]Snapshot),
		runLocks:   make(map[string]time.Time),
	}
}

// SaveSnapshot records snapshot as the latest run of its scope.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snapshot Snapshot) error {
	snapshot, err := normalizeSnapshot(snapshot)
	if err != nil {
		return err
	}
	scope := snapshot.Scope()

	s.mu.Lock()
	defer s.mu.Unlock()

	runs := slices.DeleteFunc(s.history[scope], func(existing Snapshot) bool {
		return existing.RunID == snapshot.RunID
	})
	runs = append(runs, cloneSnapshot(snapshot))
	slices.SortStableFunc(runs, func(a, b Snapshot) int {
		return a.CompletedAt.Compare(b.CompletedAt)
	})
	if s.maxHistory > 0 && len(runs) > s.maxHistory {
		runs = slices.Clone(runs[len(runs)-s.maxHistory:])
	}
	s.history[scope] = runs
	return nil
}

// Latest returns the most recent run of scope.
func (s *MemoryStore) Latest(_ context.Context, scope string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.history[scope]
	if len(runs) == 0 {
		return Snapshot{}, false, nil
	}
	return cloneSnapshot(runs[len(runs)-1]), true, nil
}

// History returns the runs of scope completed at or after since, newest first.
func (s *MemoryStore) History(_ context.Context, scope string, since time.Time) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.history[scope]
	result := make([]Snapshot, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].CompletedAt.Before(since) {
			break
		}
		result = append(result, cloneSnapshot(runs[i]))
	}
	return result, nil
}

// AcquireRunLock acquires the run lock of scope until now+ttl.
func (s *MemoryStore) AcquireRunLock(_ context.Context, scope string, ttl time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return acquireLock(s.runLocks, scope, ttl, now), nil
}

// ReleaseRunLock releases the run lock of scope.
func (s *MemoryStore) ReleaseRunLock(_ context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runLocks, scope)
	return nil
}

// GC deletes runs older than the retention and expired locks.
func (s *MemoryStore) GC(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retention > 0 {
		cutoff := now.Add(-s.retention)
		for scope, runs := range s.history {
			kept := slices.DeleteFunc(runs, func(run Snapshot) bool {
				return run.CompletedAt.Before(cutoff)
			})
			if len(kept) == 0 {
				delete(s.history, scope)
				continue
			}
			s.history[scope] = kept
		}
	}

	trimExpiredLocks(s.runLocks, now)
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func normalizeSnapshot(snapshot Snapshot) (Snapshot, error) {
	if strings.TrimSpace(snapshot.SCMType) == "" {
		return Snapshot{}, fmt.Errorf("snapshot scm type is required")
	}
	if strings.TrimSpace(snapshot.Result.OrganizationName) == "" {
		return Snapshot{}, fmt.Errorf("snapshot organization is required")
	}
	if snapshot.CompletedAt.IsZero() {
		return Snapshot{}, fmt.Errorf("snapshot completed time is required")
	}
	snapshot.CompletedAt = snapshot.CompletedAt.UTC()
	if snapshot.RunID == "" {
		snapshot.RunID = NewRunID(snapshot.CompletedAt)
	}
	return snapshot, nil
}

func cloneSnapshot(snapshot Snapshot) Snapshot {
	cloned := snapshot
	if snapshot.Result.Contributors == nil {
		return cloned
	}
	cloned.Result.Contributors = make([]contributors.Contributor, len(snapshot.Result.Contributors))
	for i, contributor := range snapshot.Result.Contributors {
		cloned.Result.Contributors[i] = contributors.Contributor{
			Username:     contributor.Username,
			Repositories: slices.Clone(contributor.Repositories),
		}
	}
	return cloned
}

func acquireLock(lockMap map[string]time.Time, key string, ttl time.Duration, now time.Time) bool {
	expiry, exists := lockMap[key]
	if exists && now.Before(expiry) {
		return false
	}
	lockMap[key] = now.Add(ttl)
	return true
}

func trimExpiredLocks(lockMap map[string]time.Time, now time.Time) {
	for key, expiry := range lockMap {
		if !now.Before(expiry) {
			delete(lockMap, key)
		}
	}
}
