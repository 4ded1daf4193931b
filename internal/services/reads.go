package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"presupuesto/internal/cache"
	"presupuesto/internal/core"
	"presupuesto/internal/storage"
)

// readCache coalesces concurrent detalle listings per project and keeps the
// result in an optional cache. Every committed mutation bumps the project's
// generation so a load that raced with it is not stored.
type readCache struct {
	cache cache.Cache[[]core.LineItem]
	group singleflight.Group

	mu  sync.Mutex
	gen map[string]uint64
}

func newReadCache(c cache.Cache[[]core.LineItem]) *readCache {
	return &readCache{cache: c, gen: map[string]uint64{}}
}

func (r *readCache) generation(project string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen[project]
}

func (r *readCache) load(ctx context.Context, project string, fetch func(context.Context) ([]core.LineItem, error)) ([]core.LineItem, error) {
	if r.cache != nil {
		if items, ok := r.cache.Get(ctx, project); ok {
			return append([]core.LineItem(nil), items...), nil
		}
	}
	v, err, _ := r.group.Do(project, func() (any, error) {
		gen := r.generation(project)
		items, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if r.cache != nil && r.generation(project) == gen {
			r.cache.Set(ctx, project, items)
			// an invalidation between the check and Set may have missed
			// the entry just stored
			if r.generation(project) != gen {
				r.cache.Delete(ctx, project)
			}
		}
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]core.LineItem(nil), v.([]core.LineItem)...), nil
}

func (r *readCache) invalidate(ctx context.Context, project string) {
	r.mu.Lock()
	r.gen[project]++
	r.mu.Unlock()
	r.group.Forget(project)
	if r.cache != nil {
		r.cache.Delete(ctx, project)
	}
}

func (s *LedgerService) GetLineItem(ctx context.Context, project, partida string) (core.LineItem, error) {
	key := core.NewKey(project, partida)
	if err := key.Validate(); err != nil {
		return core.LineItem{}, err
	}
	return s.store.GetLineItem(ctx, key)
}

// ListLineItems returns the project's line items ordered by partida. An
// empty project yields an empty list.
func (s *LedgerService) ListLineItems(ctx context.Context, project string) ([]core.LineItem, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return []core.LineItem{}, nil
	}
	return s.reads.load(ctx, project, func(ctx context.Context) ([]core.LineItem, error) {
		return s.store.ListLineItems(ctx, project)
	})
}

// FindLineItems returns the line items matching project and partida, used
// to warn about duplicates before a budget is assigned.
func (s *LedgerService) FindLineItems(ctx context.Context, project, partida string) ([]core.LineItem, error) {
	it, err := s.GetLineItem(ctx, project, partida)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return []core.LineItem{}, nil
		}
		return nil, err
	}
	return []core.LineItem{it}, nil
}

// ListExpenses returns the project's expenses, most recent first.
func (s *LedgerService) ListExpenses(ctx context.Context, project string) ([]core.Expense, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return []core.Expense{}, nil
	}
	return s.store.ListExpenses(ctx, project)
}

func (s *LedgerService) ListTransfers(ctx context.Context, f storage.TransferFilter) ([]core.Transfer, error) {
	f.Project = strings.TrimSpace(f.Project)
	if f.Project == "" {
		return []core.Transfer{}, nil
	}
	return s.store.ListTransfers(ctx, f)
}

func (s *LedgerService) Summary(ctx context.Context, project string) (core.ProjectSummary, error) {
	items, err := s.ListLineItems(ctx, project)
	if err != nil {
		return core.ProjectSummary{}, err
	}
	return core.Summarize(strings.TrimSpace(project), items), nil
}

func (s *LedgerService) AuditTrail(ctx context.Context, project string, limit int) ([]storage.AuditEntry, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return []storage.AuditEntry{}, nil
	}
	return s.store.ListEvents(ctx, project, limit)
}

func (s *LedgerService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
