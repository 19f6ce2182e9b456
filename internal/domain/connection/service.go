package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finsync/internal/domain/refresh"
)

// Service is the connection store used by the sync engine. It owns the
// status and refresh bookkeeping so every caller records transitions the
// same way.
type Service struct {
	repo   Repository
	policy refresh.Policy
	now    func() time.Time
}

// NewService creates a new connection service
func NewService(repo Repository, policy refresh.Policy) *Service {
	return &Service{repo: repo, policy: policy, now: time.Now}
}

// SetClock overrides the time source. Used in tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the service clock in UTC.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// Policy returns the refresh policy the service records against.
func (s *Service) Policy() refresh.Policy {
	return s.policy
}

// Register stores a freshly exchanged credential as an active connection
// with update type initial and a full hard-refresh interval ahead of it.
func (s *Service) Register(ctx context.Context, params CreateParams) (*Connection, error) {
	now := s.Now()
	if params.LinkedAt.IsZero() {
		params.LinkedAt = now
	}
	if params.NextHardRefresh.IsZero() {
		params.NextHardRefresh = s.policy.NextHardRefresh(params.LinkedAt)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Upsert(ctx, params)
}

// Get returns a connection by internal id.
func (s *Service) Get(ctx context.Context, id string) (*Connection, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: connection id is required", ErrInvalidInput)
	}
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return conn, nil
}

// GetByItemID returns a connection by external item id.
func (s *Service) GetByItemID(ctx context.Context, itemID string) (*Connection, error) {
	return s.repo.GetByItemID(ctx, itemID)
}

// ListByUser lists a user's linked connections.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Connection, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return s.repo.ListByUserID(ctx, userID)
}

// ListDueForSoftRefresh lists connections whose soft cooldown has elapsed.
func (s *Service) ListDueForSoftRefresh(ctx context.Context, limit int) ([]*Connection, error) {
	return s.repo.ListDueForSoftRefresh(ctx, s.policy.SoftDueBefore(s.Now()), limit)
}

// CheckRefresh evaluates the refresh policy for conn.
func (s *Service) CheckRefresh(conn *Connection, kind refresh.Kind) refresh.Decision {
	return s.policy.Check(kind, conn.RefreshState(), s.Now())
}

// RecordSoftRefresh marks a successful soft refresh.
func (s *Service) RecordSoftRefresh(ctx context.Context, conn *Connection) error {
	now := s.Now()
	status, kind := StatusActive, UpdateSoft
	return s.update(ctx, conn, StatusUpdate{
		Status:               &status,
		UpdateType:           &kind,
		LastSuccessfulUpdate: &now,
	})
}

// RecordHardRefresh marks a completed reconnect and schedules the next one.
func (s *Service) RecordHardRefresh(ctx context.Context, conn *Connection) error {
	now := s.Now()
	next := s.policy.NextHardRefresh(now)
	status, kind := StatusActive, UpdateHard
	return s.update(ctx, conn, StatusUpdate{
		Status:               &status,
		UpdateType:           &kind,
		LastSuccessfulUpdate: &now,
		NextHardRefresh:      &next,
	})
}

// MarkLoginRequired records that the aggregator rejected the credential.
func (s *Service) MarkLoginRequired(ctx context.Context, conn *Connection) error {
	status, kind := StatusLoginRequired, UpdateError
	return s.update(ctx, conn, StatusUpdate{Status: &status, UpdateType: &kind})
}

// MarkError records a failed attempt. It does not block later syncs.
func (s *Service) MarkError(ctx context.Context, conn *Connection) error {
	status, kind := StatusError, UpdateError
	return s.update(ctx, conn, StatusUpdate{Status: &status, UpdateType: &kind})
}

// ReplaceCredential stores the credential obtained by a reconnect. An
// empty itemID keeps the current one.
func (s *Service) ReplaceCredential(ctx context.Context, conn *Connection, accessToken, itemID string) error {
	if accessToken == "" {
		return fmt.Errorf("%w: access token is required", ErrInvalidInput)
	}
	if itemID == "" {
		itemID = conn.ItemID
	}
	if err := s.repo.UpdateCredential(ctx, conn.ID, accessToken, itemID); err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	conn.AccessToken = accessToken
	conn.ItemID = itemID
	return nil
}

// Disable unlinks a connection without deleting it.
func (s *Service) Disable(ctx context.Context, conn *Connection) error {
	now := s.Now()
	if err := s.repo.Disable(ctx, conn.ID, now); err != nil {
		return fmt.Errorf("failed to disable connection: %w", err)
	}
	conn.DisabledAt = &now
	return nil
}

func (s *Service) update(ctx context.Context, conn *Connection, u StatusUpdate) error {
	if err := s.repo.UpdateStatus(ctx, conn.ID, u); err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	u.Apply(conn)
	return nil
}
