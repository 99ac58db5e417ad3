package workcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"event_spider/internal/metrics"
	"event_spider/internal/models"

	"golang.org/x/sync/singleflight"
)

// Repository is the slice of the store the cache needs.
type Repository interface {
	GetWorkUnit(ctx context.Context, id string) (*models.WorkUnit, error)
	CreateWorkUnit(ctx context.Context, unit *models.WorkUnit) (bool, error)
	SaveWorkUnit(ctx context.Context, unit *models.WorkUnit) error
	Now() int64
}

// ComputeFunc does the external work for one unit.
type ComputeFunc func(ctx context.Context) (models.WorkResult, error)

// Cache memoizes external work in the store. A unit is created pending
// before the work starts and finished as success or error once it returns,
// so a crash leaves a visible pending record that the next run resumes.
type Cache struct {
	repo        Repository
	counters    *metrics.Counters
	logger      *slog.Logger
	retryErrors bool

	flight  singleflight.Group
	retried sync.Map
}

type Option func(*Cache)

// WithRetryErrors makes error units recomputable, once per cache.
func WithRetryErrors(retry bool) Option {
	return func(c *Cache) { c.retryErrors = retry }
}

func WithCounters(counters *metrics.Counters) Option {
	return func(c *Cache) { c.counters = counters }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

func New(repo Repository, opts ...Option) *Cache {
	c := &Cache{repo: repo, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the stored unit or nil.
func (c *Cache) Lookup(ctx context.Context, key models.WorkKey) (*models.WorkUnit, error) {
	return c.repo.GetWorkUnit(ctx, key.ID())
}

// Create inserts a pending unit unless one exists, and returns whichever
// record is now stored.
func (c *Cache) Create(ctx context.Context, key models.WorkKey) (*models.WorkUnit, error) {
	unit := models.NewWorkUnit(key, c.repo.Now())
	created, err := c.repo.CreateWorkUnit(ctx, unit)
	if err != nil {
		return nil, fmt.Errorf("create work unit %s: %w", unit.ID, err)
	}
	if created {
		return unit, nil
	}
	existing, err := c.repo.GetWorkUnit(ctx, unit.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("work unit %s vanished", unit.ID)
	}
	return existing, nil
}

// Finish records the outcome. A non-nil computeErr stores an error unit
// carrying its message.
func (c *Cache) Finish(ctx context.Context, key models.WorkKey, result models.WorkResult, computeErr error) (*models.WorkUnit, error) {
	unit := models.NewWorkUnit(key, c.repo.Now())
	if existing, err := c.repo.GetWorkUnit(ctx, unit.ID); err != nil {
		return nil, err
	} else if existing != nil {
		unit.CreatedAt = existing.CreatedAt
	}
	unit.FinishedAt = c.repo.Now()
	if computeErr != nil {
		unit.Status = models.WorkError
		unit.Error = computeErr.Error()
	} else {
		unit.Status = models.WorkSuccess
		unit.Result = result
	}
	if err := c.repo.SaveWorkUnit(ctx, unit); err != nil {
		return nil, fmt.Errorf("finish work unit %s: %w", unit.ID, err)
	}
	return unit, nil
}

// GetOrCompute returns the terminal unit for key, running compute when no
// terminal record exists. Compute failures come back as an error unit, not
// as an error; the error return is reserved for store and context failures.
//
// Concurrent callers share one computation, run under the context of the
// caller that started it. If that caller is cancelled, the others take over
// instead of failing with it.
func (c *Cache) GetOrCompute(ctx context.Context, key models.WorkKey, compute ComputeFunc) (*models.WorkUnit, error) {
	id := key.ID()
	for {
		led := false
		ch := c.flight.DoChan(id, func() (interface{}, error) {
			led = true
			return c.getOrCompute(ctx, key, compute)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if res.Err != nil {
			if !led && ctx.Err() == nil && errors.Is(res.Err, context.Canceled) {
				continue
			}
			return nil, res.Err
		}
		return res.Val.(*models.WorkUnit), nil
	}
}

func (c *Cache) getOrCompute(ctx context.Context, key models.WorkKey, compute ComputeFunc) (*models.WorkUnit, error) {
	unit, needed, err := c.Claim(ctx, key)
	if err != nil || !needed {
		return unit, err
	}

	result, computeErr := compute(ctx)
	if computeErr != nil && (errors.Is(computeErr, context.Canceled) || ctx.Err() != nil) {
		// Interrupted work stays pending so the next run resumes it.
		return nil, computeErr
	}
	return c.Finish(ctx, key, result, computeErr)
}

// Claim looks the unit up and reports whether the caller has to compute it.
// A missing unit is created pending first. Callers that compute several
// units with one external call use Claim and Finish directly.
func (c *Cache) Claim(ctx context.Context, key models.WorkKey) (*models.WorkUnit, bool, error) {
	kind := string(key.Kind)
	id := key.ID()
	unit, err := c.repo.GetWorkUnit(ctx, id)
	if err != nil {
		return nil, false, err
	}

	switch {
	case unit == nil:
		c.counters.CacheLookup(kind, metrics.ResultMiss)
		created, err := c.Create(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if created.Terminal() {
			return created, false, nil
		}
		return created, true, nil
	case unit.Status == models.WorkPending:
		c.counters.CacheLookup(kind, metrics.ResultResume)
		c.logger.Info("resuming pending work unit", "kind", kind, "id", id, "created_at", unit.CreatedAt)
		return unit, true, nil
	case unit.Status == models.WorkError && c.shouldRetry(id):
		c.counters.CacheLookup(kind, metrics.ResultMiss)
		c.logger.Info("retrying errored work unit", "kind", kind, "id", id, "error", unit.Error)
		return unit, true, nil
	default:
		c.counters.CacheLookup(kind, metrics.ResultHit)
		return unit, false, nil
	}
}

func (c *Cache) shouldRetry(id string) bool {
	if !c.retryErrors {
		return false
	}
	_, already := c.retried.LoadOrStore(id, struct{}{})
	return !already
}
