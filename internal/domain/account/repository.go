package account

import (
	"context"

	"github.com/shopspring/decimal"
)

// Repository defines the interface for account data access
// This interface is defined in the domain layer, but implemented in the infrastructure layer
type Repository interface {
	// ListByUserID retrieves all accounts for a specific user
	ListByUserID(ctx context.Context, userID string) ([]*Account, error)

	// ListByConnectionID retrieves the accounts linked through one connection
	ListByConnectionID(ctx context.Context, connectionID string) ([]*Account, error)

	// CountByConnectionIDs counts accounts across the given connections
	CountByConnectionIDs(ctx context.Context, connectionIDs []string) (int, error)

	// Insert creates a new account with a fresh internal id
	Insert(ctx context.Context, params UpsertParams) (*Account, error)

	// Update overwrites the mutable fields of the account with internal id id.
	// The external id and owning connection are rewritten too, which lets a
	// reconnect adopt an existing row.
	Update(ctx context.Context, id string, params UpsertParams) (*Account, error)

	// UpdatePortfolioValue sets the derived portfolio value
	UpdatePortfolioValue(ctx context.Context, id string, value decimal.Decimal) error

	UpsertCreditDetail(ctx context.Context, accountID string, d CreditDetail) error
	UpsertLoanDetail(ctx context.Context, accountID string, d LoanDetail) error
	UpsertInvestmentDetail(ctx context.Context, accountID string, d InvestmentDetail) error
}
