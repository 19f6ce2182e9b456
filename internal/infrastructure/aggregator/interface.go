package aggregator

import (
	"context"
)

// ClientInterface defines the methods required from the aggregation API client
type ClientInterface interface {
	CreateLinkToken(ctx context.Context, req LinkTokenRequest) (*LinkToken, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (accessToken, itemID string, err error)
	GetAccounts(ctx context.Context, accessToken string) (*AccountsResponse, error)
	GetInvestmentHoldings(ctx context.Context, accessToken string) (*HoldingsResponse, error)
	GetTransactions(ctx context.Context, accessToken string, req TransactionsRequest) (*TransactionsResponse, error)
	GetInstitution(ctx context.Context, institutionID string) (*Institution, error)
}
