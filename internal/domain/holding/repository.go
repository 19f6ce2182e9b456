package holding

import "context"

// Repository persists securities and holdings.
type Repository interface {
	// UpsertSecurity inserts or updates a security keyed by its external id
	// and returns the stored row.
	UpsertSecurity(ctx context.Context, params SecurityParams) (*Security, error)

	// UpsertHolding inserts or updates a holding keyed by (account, security).
	UpsertHolding(ctx context.Context, params HoldingParams) (*Holding, error)

	// DeleteHoldingsExcept removes the holdings of an account whose security
	// is not in securityIDs and returns how many were removed. An empty list
	// clears the account.
	DeleteHoldingsExcept(ctx context.Context, accountID string, securityIDs []string) (int, error)

	// ListByAccountID lists the holdings of one account.
	ListByAccountID(ctx context.Context, accountID string) ([]*Holding, error)
}
