package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/connection"
	"finsync/internal/domain/reconcile"
	"finsync/internal/domain/refresh"
)

// Refresher is the part of the sync engine jobs call.
type Refresher interface {
	RequestRefresh(ctx context.Context, connectionID string, kind refresh.Kind) (*reconcile.RefreshResult, error)
}

// DueLister finds connections whose soft refresh cooldown has elapsed.
type DueLister interface {
	ListDueForSoftRefresh(ctx context.Context, limit int) ([]*connection.Connection, error)
}

// ConnectionRefreshJob soft-refreshes one connection.
type ConnectionRefreshJob struct {
	connectionID string
	userID       string
	institution  string
	engine       Refresher
	log          logrus.FieldLogger
}

func NewConnectionRefreshJob(conn *connection.Connection, engine Refresher, log logrus.FieldLogger) *ConnectionRefreshJob {
	return &ConnectionRefreshJob{
		connectionID: conn.ID,
		userID:       conn.UserID,
		institution:  conn.InstitutionName,
		engine:       engine,
		log:          log,
	}
}

// Execute requests a soft refresh. A connection that is already syncing
// or still cooling down is not a failure; an incomplete sync is.
func (j *ConnectionRefreshJob) Execute(ctx context.Context) error {
	log := j.log.WithFields(logrus.Fields{
		"connection_id": j.connectionID,
		"user_id":       j.userID,
	})

	res, err := j.engine.RequestRefresh(ctx, j.connectionID, refresh.Soft)
	switch {
	case errors.Is(err, reconcile.ErrSyncInProgress):
		log.Info("Connection already syncing, skipping")
		return nil
	case errors.Is(err, reconcile.ErrConnectionDisabled), errors.Is(err, reconcile.ErrConnectionNotFound):
		log.Info("Connection no longer linked, skipping")
		return nil
	case err != nil:
		return fmt.Errorf("refresh failed: %w", err)
	}

	if !res.Decision.Allowed {
		log.WithField("remaining_days", res.Decision.RemainingDays()).Debug("Refresh not due yet")
		return nil
	}

	report := res.Report
	if report == nil {
		return nil
	}
	if report.HoldingsErr != nil {
		return fmt.Errorf("holdings sync failed: %w", report.HoldingsErr)
	}
	if report.Transactions != nil && report.Transactions.Incomplete {
		return fmt.Errorf("transaction sync incomplete: %w", report.Transactions.FetchErr)
	}
	return nil
}

func (j *ConnectionRefreshJob) UserID() string {
	return j.userID
}

func (j *ConnectionRefreshJob) Description() string {
	return fmt.Sprintf("Soft refresh of %s (%s)", j.connectionID, j.institution)
}

// RefreshJobProvider lists connections due for a soft refresh and wraps
// each in a ConnectionRefreshJob. A limit of zero lists all of them.
func RefreshJobProvider(due DueLister, engine Refresher, limit int, log logrus.FieldLogger) JobProvider {
	return func(ctx context.Context) ([]Job, error) {
		conns, err := due.ListDueForSoftRefresh(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list due connections: %w", err)
		}
		jobs := make([]Job, 0, len(conns))
		for _, c := range conns {
			jobs = append(jobs, NewConnectionRefreshJob(c, engine, log))
		}
		log.WithField("count", len(jobs)).Info("Connections due for soft refresh")
		return jobs, nil
	}
}
