package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"finsync/internal/domain/account"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/holding"
	"finsync/internal/domain/transaction"
	"finsync/internal/infrastructure/aggregator"
	"finsync/internal/infrastructure/redislock"
	"finsync/internal/shared/retry"
)

var (
	syncMeter           = otel.Meter("finsync/reconcile")
	syncRecords, _      = syncMeter.Int64Counter("finsync.sync.records", metric.WithDescription("Records reconciled by entity and outcome"))
	refreshDecisions, _ = syncMeter.Int64Counter("finsync.refresh.decisions", metric.WithDescription("Refresh requests by kind and outcome"))
)

// Defaults for Config.
const (
	DefaultInitialWindow  = 90 * 24 * time.Hour
	DefaultLookbackWindow = 30 * 24 * time.Hour
	DefaultLockTTL        = 10 * time.Minute
)

// Config tunes the engine.
type Config struct {
	// InitialWindow is the transaction history pulled when a connection is
	// first linked or reconnected.
	InitialWindow time.Duration
	// LookbackWindow is the history re-read on a soft refresh.
	LookbackWindow time.Duration
	PageSize       int
	BatchSize      int
	LockTTL        time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialWindow <= 0 {
		c.InitialWindow = DefaultInitialWindow
	}
	if c.LookbackWindow <= 0 {
		c.LookbackWindow = DefaultLookbackWindow
	}
	if c.PageSize <= 0 || c.PageSize > aggregator.MaxPageSize {
		c.PageSize = aggregator.MaxPageSize
	}
	if c.BatchSize <= 0 || c.BatchSize > transaction.DefaultBatchSize {
		c.BatchSize = transaction.DefaultBatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	return c
}

// Deps are the collaborators of the engine. Locker and Retrier are optional.
type Deps struct {
	Client       aggregator.ClientInterface
	Connections  *connection.Service
	Accounts     *account.Service
	Holdings     holding.Repository
	Transactions transaction.Repository
	Locker       redislock.Locker
	Retrier      *retry.Retrier
	Logger       logrus.FieldLogger
}

// Engine reconciles aggregator snapshots into the local store. Syncs of one
// connection never overlap; different connections may sync concurrently.
type Engine struct {
	client       aggregator.ClientInterface
	conns        *connection.Service
	accounts     *account.Service
	holdings     holding.Repository
	transactions transaction.Repository
	locker       redislock.Locker
	retrier      *retry.Retrier
	status       *StatusTracker
	log          logrus.FieldLogger
	cfg          Config

	flight singleflight.Group
	mu     sync.Mutex
	busy   map[string]string // connection id -> running op
}

func NewEngine(d Deps, cfg Config) *Engine {
	log := d.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	locker := d.Locker
	if locker == nil {
		locker = redislock.NopLocker{}
	}
	return &Engine{
		client:       d.Client,
		conns:        d.Connections,
		accounts:     d.Accounts,
		holdings:     d.Holdings,
		transactions: d.Transactions,
		locker:       locker,
		retrier:      d.Retrier,
		status:       NewStatusTracker(d.Connections, d.Accounts, log),
		log:          log,
		cfg:          cfg.withDefaults(),
		busy:         make(map[string]string),
	}
}

// Status returns the tracker used by the engine.
func (e *Engine) Status() *StatusTracker {
	return e.status
}

// GetStatus summarizes the connections of a user.
func (e *Engine) GetStatus(ctx context.Context, userID string) (*StatusSummary, error) {
	return e.status.GetStatus(ctx, userID)
}

// GetConnectionStatus returns the status of one connection.
func (e *Engine) GetConnectionStatus(ctx context.Context, connectionID string) (*InstitutionStatus, error) {
	return e.status.GetConnectionStatus(ctx, connectionID)
}

// call runs one aggregator request, retrying transient failures when a
// retrier is configured.
func (e *Engine) call(ctx context.Context, op string, fn retry.Func) error {
	if e.retrier == nil {
		return fn(ctx)
	}
	return e.retrier.Do(ctx, op, fn)
}

// observe records err against conn. See StatusTracker.Observe.
func (e *Engine) observe(ctx context.Context, conn *connection.Connection, op string, err error) error {
	return e.status.Observe(ctx, conn, op, err)
}

// loadConnection fetches a connection that may still be synced.
func (e *Engine) loadConnection(ctx context.Context, connectionID string) (*connection.Connection, error) {
	conn, err := e.conns.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	if conn.Disabled() {
		return nil, ErrConnectionDisabled
	}
	return conn, nil
}

// exclusive runs fn while holding the connection's in-process and
// distributed locks. Identical concurrent requests share one run; any
// other operation on a busy connection fails with ErrSyncInProgress.
func exclusive[T any](ctx context.Context, e *Engine, connectionID, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err, _ := e.flight.Do(op+":"+connectionID, func() (any, error) {
		if !e.acquire(connectionID, op) {
			return zero, ErrSyncInProgress
		}
		defer e.releaseLocal(connectionID)

		release, err := e.locker.Obtain(ctx, "connection:"+connectionID, e.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return zero, ErrSyncInProgress
			}
			return zero, fmt.Errorf("failed to obtain connection lock: %w", err)
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				e.log.WithField("connection_id", connectionID).WithError(rerr).Warn("Failed to release connection lock")
			}
		}()

		return fn(ctx)
	})
	if v == nil {
		return zero, err
	}
	return v.(T), err
}

func (e *Engine) acquire(connectionID, op string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.busy[connectionID]; ok {
		return false
	}
	e.busy[connectionID] = op
	return true
}

func (e *Engine) releaseLocal(connectionID string) {
	e.mu.Lock()
	delete(e.busy, connectionID)
	e.mu.Unlock()
}

func recordOutcome(ctx context.Context, entity string, s Summary) {
	if s.Processed > 0 {
		syncRecords.Add(ctx, int64(s.Processed), metric.WithAttributes(
			attribute.String("entity", entity), attribute.String("outcome", "stored")))
	}
	for reason, n := range s.Reasons {
		syncRecords.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("entity", entity), attribute.String("outcome", string(reason))))
	}
}
