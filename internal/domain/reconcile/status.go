package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/account"
	"finsync/internal/domain/connection"
	"finsync/internal/infrastructure/aggregator"
)

// StatusTracker translates aggregator failures into connection status
// transitions and summarizes connection health for a user.
type StatusTracker struct {
	conns    *connection.Service
	accounts *account.Service
	log      logrus.FieldLogger
}

func NewStatusTracker(conns *connection.Service, accounts *account.Service, log logrus.FieldLogger) *StatusTracker {
	return &StatusTracker{conns: conns, accounts: accounts, log: log}
}

// Observe records the effect of err on conn and returns the error the
// caller should propagate:
//   - credential errors mark the connection login_required and wrap ErrCredentialInvalid
//   - transient errors leave the status untouched
//   - anything else marks the connection as errored
func (t *StatusTracker) Observe(ctx context.Context, conn *connection.Connection, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	log := t.log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"op":            op,
	}).WithError(err)
	if aerr, ok := aggregator.AsError(err); ok {
		log = log.WithFields(logrus.Fields{"error_code": aerr.Code, "request_id": aerr.RequestID})
	}

	// The status write must land even if the caller's deadline has passed.
	wctx := context.WithoutCancel(ctx)

	switch {
	case aggregator.IsCredentialInvalid(err):
		log.Warn("Aggregator rejected credential, login required")
		if merr := t.conns.MarkLoginRequired(wctx, conn); merr != nil {
			log.WithField("status_error", merr.Error()).Error("Failed to record login required")
		}
		return fmt.Errorf("%s: %w: %w", op, ErrCredentialInvalid, err)
	case aggregator.IsTransient(err):
		log.Warn("Transient aggregator failure")
		return err
	default:
		log.Error("Aggregator call failed")
		if merr := t.conns.MarkError(wctx, conn); merr != nil {
			log.WithField("status_error", merr.Error()).Error("Failed to record connection error")
		}
		return err
	}
}

// GetConnectionStatus returns the status of one connection.
func (t *StatusTracker) GetConnectionStatus(ctx context.Context, connectionID string) (*InstitutionStatus, error) {
	conn, err := t.conns.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	st := institutionStatus(conn)
	return &st, nil
}

// GetStatus summarizes every linked connection of a user.
func (t *StatusTracker) GetStatus(ctx context.Context, userID string) (*StatusSummary, error) {
	conns, err := t.conns.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	summary := &StatusSummary{
		Connected:    len(conns) > 0,
		Institutions: make([]InstitutionStatus, 0, len(conns)),
	}
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		summary.Institutions = append(summary.Institutions, institutionStatus(c))
		ids = append(ids, c.ID)

		if !c.LastSuccessfulUpdate.IsZero() && (summary.LastUpdate == nil || c.LastSuccessfulUpdate.After(*summary.LastUpdate)) {
			last := c.LastSuccessfulUpdate
			summary.LastUpdate = &last
		}
		if !c.NextHardRefresh.IsZero() && (summary.NextHardRefresh == nil || c.NextHardRefresh.Before(*summary.NextHardRefresh)) {
			next := c.NextHardRefresh
			summary.NextHardRefresh = &next
		}
	}

	count, err := t.accounts.CountAccounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to count accounts: %w", err)
	}
	summary.AccountsCount = count
	return summary, nil
}

func institutionStatus(c *connection.Connection) InstitutionStatus {
	return InstitutionStatus{
		ID:               c.ID,
		Name:             c.InstitutionName,
		InstitutionID:    c.InstitutionID,
		ConnectionStatus: c.Status,
		UpdateType:       c.UpdateType,
		LastUpdate:       c.LastSuccessfulUpdate.UTC().Truncate(time.Second),
		NextHardRefresh:  c.NextHardRefresh.UTC().Truncate(time.Second),
		ItemID:           c.ItemID,
		Logo:             c.InstitutionLogo,
	}
}
