package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Service contains the business logic for account operations
type Service struct {
	repo Repository
}

// NewService creates a new account service
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// ListAccountsByUserID retrieves all accounts for a specific user
func (s *Service) ListAccountsByUserID(ctx context.Context, userID string) ([]*Account, error) {
	if userID == "" {
		return nil, errors.New("valid user ID is required")
	}
	return s.repo.ListByUserID(ctx, userID)
}

// ListAccountsByConnection retrieves the accounts of one connection
func (s *Service) ListAccountsByConnection(ctx context.Context, connectionID string) ([]*Account, error) {
	return s.repo.ListByConnectionID(ctx, connectionID)
}

// CountAccounts counts the accounts of the given connections
func (s *Service) CountAccounts(ctx context.Context, connectionIDs []string) (int, error) {
	if len(connectionIDs) == 0 {
		return 0, nil
	}
	return s.repo.CountByConnectionIDs(ctx, connectionIDs)
}

// Save writes params over existing, or inserts a new account when existing is nil.
// It reports whether a row was created.
func (s *Service) Save(ctx context.Context, existing *Account, params UpsertParams) (*Account, bool, error) {
	if err := params.Validate(); err != nil {
		return nil, false, err
	}

	if existing == nil {
		acc, err := s.repo.Insert(ctx, params)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert account: %w", err)
		}
		return acc, true, nil
	}

	if existing.UserID != params.UserID {
		return nil, false, fmt.Errorf("%w: account %s belongs to another user", ErrInvalidInput, existing.ID)
	}
	acc, err := s.repo.Update(ctx, existing.ID, params)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update account: %w", err)
	}
	return acc, false, nil
}

// SaveCreditDetail upserts the credit extension row when any field is present.
func (s *Service) SaveCreditDetail(ctx context.Context, accountID string, d CreditDetail) (bool, error) {
	if !d.HasAny() {
		return false, nil
	}
	if err := s.repo.UpsertCreditDetail(ctx, accountID, d); err != nil {
		return false, fmt.Errorf("failed to upsert credit detail: %w", err)
	}
	return true, nil
}

// SaveLoanDetail upserts the loan extension row when any field is present.
func (s *Service) SaveLoanDetail(ctx context.Context, accountID string, d LoanDetail) (bool, error) {
	if !d.HasAny() {
		return false, nil
	}
	if err := s.repo.UpsertLoanDetail(ctx, accountID, d); err != nil {
		return false, fmt.Errorf("failed to upsert loan detail: %w", err)
	}
	return true, nil
}

// SetPortfolio writes the derived portfolio value and investment detail of one account.
func (s *Service) SetPortfolio(ctx context.Context, accountID string, d InvestmentDetail) error {
	if err := s.repo.UpdatePortfolioValue(ctx, accountID, d.TotalInvestmentValue); err != nil {
		return fmt.Errorf("failed to update portfolio value: %w", err)
	}
	if err := s.repo.UpsertInvestmentDetail(ctx, accountID, d); err != nil {
		return fmt.Errorf("failed to upsert investment detail: %w", err)
	}
	return nil
}

// SumValues totals a list of values.
func SumValues(values []decimal.Decimal) decimal.Decimal {
	return decimal.Sum(decimal.Zero, values...)
}

// Index is an immutable lookup over a user's stored accounts, built once
// per sync.
type Index struct {
	byExternalID map[string]*Account
	byConnection map[string][]*Account
}

// NewIndex builds an index over accounts.
func NewIndex(accounts []*Account) *Index {
	idx := &Index{
		byExternalID: make(map[string]*Account, len(accounts)),
		byConnection: make(map[string][]*Account),
	}
	for _, a := range accounts {
		idx.byExternalID[a.ExternalID] = a
		idx.byConnection[a.ConnectionID] = append(idx.byConnection[a.ConnectionID], a)
	}
	return idx
}

// MatchKind says how an incoming account was matched to a stored one.
type MatchKind string

const (
	MatchNone       MatchKind = "none"
	MatchExternalID MatchKind = "external_id"
	MatchName       MatchKind = "name"
)

// Match finds the stored account for an incoming external id. When
// reconnectFrom is non-empty and the id is unknown, it falls back to a
// case-insensitive name match among the accounts of that connection whose
// external id was not already claimed in this sync.
func (idx *Index) Match(externalID, name, reconnectFrom string, claimed map[string]bool) (*Account, MatchKind) {
	if a, ok := idx.byExternalID[externalID]; ok {
		return a, MatchExternalID
	}
	if reconnectFrom == "" || strings.TrimSpace(name) == "" {
		return nil, MatchNone
	}
	for _, a := range idx.byConnection[reconnectFrom] {
		if claimed[a.ID] {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(a.Name), strings.TrimSpace(name)) {
			return a, MatchName
		}
	}
	return nil, MatchNone
}

// ExternalToInternal returns the external→internal account id mapping.
func (idx *Index) ExternalToInternal() map[string]string {
	m := make(map[string]string, len(idx.byExternalID))
	for ext, a := range idx.byExternalID {
		m[ext] = a.ID
	}
	return m
}

// Len returns the number of indexed accounts.
func (idx *Index) Len() int {
	return len(idx.byExternalID)
}
