package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsync/internal/domain/account"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/refresh"
	"finsync/internal/infrastructure/aggregator"
	"finsync/internal/infrastructure/redislock"
)

var credentialErr = &aggregator.Error{
	StatusCode: 400,
	Type:       aggregator.ErrorTypeItem,
	Code:       aggregator.CodeItemLoginRequired,
	Message:    "the login details of this item have changed",
}

func TestSyncAccounts_Idempotent(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")

	credit := rawAccount("ext-credit", "Platinum Card", "credit", "credit card")
	credit.Balances.Limit = amount("5000")
	credit.MinimumPayment = amount("35")
	f.client.GetAccountsFunc = func(ctx context.Context, accessToken string) (*aggregator.AccountsResponse, error) {
		assert.Equal(t, "access-item-1", accessToken)
		return &aggregator.AccountsResponse{
			Accounts: []aggregator.Account{
				rawAccount("ext-checking", "Plaid Checking", "depository", "checking"),
				credit,
				rawAccount("ext-brokerage", "Growth Portfolio", "investment", "brokerage"),
			},
			Item: aggregator.Item{ItemID: "item-1", InstitutionID: str("ins_1")},
		}, nil
	}

	first, err := f.engine.SyncAccounts(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Created)
	assert.Equal(t, 0, first.Updated)
	assert.Equal(t, "ins_1", first.InstitutionID)
	require.Len(t, first.InvestmentAccounts, 1)
	assert.Contains(t, first.InvestmentAccounts, "ext-brokerage")

	second, err := f.engine.SyncAccounts(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 3, second.Updated)
	assert.Equal(t, 3, f.accounts.count())

	for i := range first.Accounts {
		assert.Equal(t, first.Accounts[i].ID, second.Accounts[i].ID)
	}

	card := f.accounts.byExternalID("ext-credit")
	require.NotNil(t, card)
	assert.Equal(t, account.CategoryCredit, card.Category)
	detail, ok := f.accounts.credit[card.ID]
	require.True(t, ok)
	assert.True(t, detail.CreditLimit.Decimal.Equal(decimal.NewFromInt(5000)))

	checking := f.accounts.byExternalID("ext-checking")
	_, ok = f.accounts.credit[checking.ID]
	assert.False(t, ok)
}

func TestSyncAccounts_SkipsInvalidAndFailedRecords(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")

	f.client.GetAccountsFunc = func(ctx context.Context, _ string) (*aggregator.AccountsResponse, error) {
		return &aggregator.AccountsResponse{Accounts: []aggregator.Account{
			rawAccount("", "No Id", "depository", "checking"),
			{AccountID: "ext-unnamed", Type: "depository", OfficialName: str("Official Savings")},
		}}, nil
	}

	res, err := f.engine.SyncAccounts(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Processed)
	assert.Equal(t, 1, res.Summary.Reasons[SkipInvalidRecord])
	assert.Equal(t, "Official Savings", f.accounts.byExternalID("ext-unnamed").Name)

	f.accounts.insertErr = errors.New("disk full")
	f.client.GetAccountsFunc = func(ctx context.Context, _ string) (*aggregator.AccountsResponse, error) {
		return &aggregator.AccountsResponse{Accounts: []aggregator.Account{
			rawAccount("ext-new", "New Checking", "depository", "checking"),
		}}, nil
	}
	res, err = f.engine.SyncAccounts(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Reasons[SkipStorageError])
}

func TestSyncAccounts_CredentialInvalid(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")
	f.client.GetAccountsFunc = func(ctx context.Context, _ string) (*aggregator.AccountsResponse, error) {
		return nil, credentialErr
	}

	_, err := f.engine.SyncAccounts(context.Background(), conn.ID)
	require.ErrorIs(t, err, ErrCredentialInvalid)

	stored := f.conns.get(conn.ID)
	assert.Equal(t, connection.StatusLoginRequired, stored.Status)
	assert.Equal(t, connection.UpdateError, stored.UpdateType)
	assert.Zero(t, f.accounts.count())
}

func TestSyncAccounts_StatusTransitions(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus connection.Status
	}{
		{
			name:       "transient leaves status",
			err:        &aggregator.Error{StatusCode: 500, Type: aggregator.ErrorTypeAPI, Code: aggregator.CodeInternalServerError},
			wantStatus: connection.StatusActive,
		},
		{
			name:       "rate limit leaves status",
			err:        &aggregator.Error{StatusCode: 429, Type: aggregator.ErrorTypeRateLimit, Code: "RATE_LIMIT"},
			wantStatus: connection.StatusActive,
		},
		{
			name:       "other failure marks error",
			err:        &aggregator.Error{StatusCode: 400, Type: aggregator.ErrorTypeInvalidReq, Code: "INVALID_FIELD"},
			wantStatus: connection.StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			conn := f.seedConnection(t, "user-1", "item-1")
			f.client.GetAccountsFunc = func(ctx context.Context, _ string) (*aggregator.AccountsResponse, error) {
				return nil, tt.err
			}

			_, err := f.engine.SyncAccounts(context.Background(), conn.ID)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrCredentialInvalid)
			assert.Equal(t, tt.wantStatus, f.conns.get(conn.ID).Status)
		})
	}
}

func TestSyncAccounts_UnknownOrDisabledConnection(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.SyncAccounts(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	conn := f.seedConnection(t, "user-1", "item-1")
	require.NoError(t, f.engine.Unlink(context.Background(), conn.ID))
	require.NoError(t, f.engine.Unlink(context.Background(), conn.ID))

	_, err = f.engine.SyncAccounts(context.Background(), conn.ID)
	assert.ErrorIs(t, err, ErrConnectionDisabled)
	assert.Zero(t, f.client.TotalCalls())
}

func seedInvestmentAccounts(t *testing.T, f *fixture, conn *connection.Connection) {
	t.Helper()
	f.client.GetAccountsFunc = func(ctx context.Context, _ string) (*aggregator.AccountsResponse, error) {
		return &aggregator.AccountsResponse{Accounts: []aggregator.Account{
			rawAccount("ext-brokerage", "Growth Portfolio", "investment", "brokerage"),
			rawAccount("ext-401k", "Employer Plan", "investment", "401k"),
			rawAccount("ext-checking", "Plaid Checking", "depository", "checking"),
		}}, nil
	}
	_, err := f.engine.SyncAccounts(context.Background(), conn.ID)
	require.NoError(t, err)
}

func TestSyncHoldings_PortfolioInvariant(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")
	seedInvestmentAccounts(t, f, conn)

	f.client.GetInvestmentHoldingsFunc = func(ctx context.Context, _ string) (*aggregator.HoldingsResponse, error) {
		return &aggregator.HoldingsResponse{
			Accounts: []aggregator.Account{{AccountID: "ext-brokerage", CashInterestRate: amount("0.045")}},
			Securities: []aggregator.Security{
				{SecurityID: "s-aapl", Name: str("Apple Inc."), TickerSymbol: str("AAPL"), Type: str("equity")},
				{SecurityID: "s-cash", Name: str("U S Dollar"), Type: str("cash")},
				{SecurityID: "s-noname", TickerSymbol: str("XYZ"), Type: str("etf")},
			},
			Holdings: []aggregator.Holding{
				{AccountID: "ext-brokerage", SecurityID: "s-aapl", Quantity: amount("10"), InstitutionValue: amount("1500.25")},
				{AccountID: "ext-brokerage", SecurityID: "s-cash", Quantity: amount("200"), InstitutionValue: amount("200.00")},
				{AccountID: "ext-brokerage", SecurityID: "s-noname", Quantity: amount("1")},
				{AccountID: "ext-brokerage", SecurityID: "s-missing", InstitutionValue: amount("99")},
				{AccountID: "ext-unknown", SecurityID: "s-aapl", InstitutionValue: amount("50")},
			},
		}, nil
	}

	synced, res, err := f.engine.SyncHoldings(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.True(t, synced)
	assert.Equal(t, 3, res.Securities)
	assert.Equal(t, 3, res.Holdings)
	assert.Equal(t, 1, res.Summary.Reasons[SkipUnmappedSecurity])
	assert.Equal(t, 1, res.Summary.Reasons[SkipUnmappedAccount])

	brokerage := f.accounts.byExternalID("ext-brokerage")
	plan := f.accounts.byExternalID("ext-401k")

	// Stored portfolio value equals the sum of stored holdings.
	holdings, err := f.holdings.ListByAccountID(context.Background(), brokerage.ID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, h := range holdings {
		if h.InstitutionValue.Valid {
			sum = sum.Add(h.InstitutionValue.Decimal)
		}
	}
	assert.True(t, sum.Equal(decimal.RequireFromString("1700.25")))
	assert.True(t, brokerage.PortfolioValue.Decimal.Equal(sum))
	assert.True(t, res.PortfolioValues[brokerage.ID].Equal(sum))

	require.True(t, plan.PortfolioValue.Valid)
	assert.True(t, plan.PortfolioValue.Decimal.IsZero())

	detail := f.accounts.investment[brokerage.ID]
	assert.Equal(t, 3, detail.TotalInvestmentHoldings)
	assert.True(t, detail.TotalCashValue.Equal(decimal.NewFromInt(200)))
	assert.True(t, detail.CashInterestRate.Decimal.Equal(decimal.RequireFromString("0.045")))

	assert.Equal(t, "Unknown Security (XYZ)", f.holdings.securities["s-noname"].Name)
}

func holdingsSnapshot(values map[string]string) func(context.Context, string) (*aggregator.HoldingsResponse, error) {
	return func(ctx context.Context, _ string) (*aggregator.HoldingsResponse, error) {
		resp := &aggregator.HoldingsResponse{}
		for id, v := range values {
			resp.Securities = append(resp.Securities, aggregator.Security{SecurityID: id, Name: str("Fund " + id)})
			resp.Holdings = append(resp.Holdings, aggregator.Holding{AccountID: "ext-brokerage", SecurityID: id, InstitutionValue: amount(v)})
		}
		return resp, nil
	}
}

func TestSyncHoldings_DropsHoldingsMissingFromSnapshot(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")
	seedInvestmentAccounts(t, f, conn)
	brokerage := f.accounts.byExternalID("ext-brokerage")

	f.client.GetInvestmentHoldingsFunc = holdingsSnapshot(map[string]string{"s-a": "100", "s-b": "50"})
	_, res, err := f.engine.SyncHoldings(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.True(t, res.PortfolioValues[brokerage.ID].Equal(decimal.NewFromInt(150)))

	f.client.GetInvestmentHoldingsFunc = holdingsSnapshot(map[string]string{"s-a": "100"})
	_, res, err = f.engine.SyncHoldings(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	holdings, err := f.holdings.ListByAccountID(context.Background(), brokerage.ID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "sec-s-a", holdings[0].SecurityID)

	brokerage = f.accounts.byExternalID("ext-brokerage")
	assert.True(t, brokerage.PortfolioValue.Decimal.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, f.accounts.investment[brokerage.ID].TotalInvestmentHoldings)
}

func TestSyncHoldings_KeepsSecurityNameWhenMissing(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")
	seedInvestmentAccounts(t, f, conn)

	snapshot := func(name *string) func(context.Context, string) (*aggregator.HoldingsResponse, error) {
		return func(ctx context.Context, _ string) (*aggregator.HoldingsResponse, error) {
			return &aggregator.HoldingsResponse{
				Securities: []aggregator.Security{{SecurityID: "s-aapl", Name: name, TickerSymbol: str("AAPL")}},
				Holdings:   []aggregator.Holding{{AccountID: "ext-brokerage", SecurityID: "s-aapl", InstitutionValue: amount("10")}},
			}, nil
		}
	}

	f.client.GetInvestmentHoldingsFunc = snapshot(str("Apple Inc."))
	_, _, err := f.engine.SyncHoldings(context.Background(), conn.ID)
	require.NoError(t, err)

	f.client.GetInvestmentHoldingsFunc = snapshot(nil)
	_, _, err = f.engine.SyncHoldings(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc.", f.holdings.securities["s-aapl"].Name)
}

func TestSyncHoldings_NoInvestmentsClearsHoldings(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")
	seedInvestmentAccounts(t, f, conn)
	brokerage := f.accounts.byExternalID("ext-brokerage")

	f.client.GetInvestmentHoldingsFunc = holdingsSnapshot(map[string]string{"s-a": "100"})
	_, _, err := f.engine.SyncHoldings(context.Background(), conn.ID)
	require.NoError(t, err)

	f.client.GetInvestmentHoldingsFunc = func(ctx context.Context, _ string) (*aggregator.HoldingsResponse, error) {
		return nil, &aggregator.Error{StatusCode: 400, Type: aggregator.ErrorTypeItem, Code: aggregator.CodeNoInvestmentAccounts}
	}
	_, res, err := f.engine.SyncHoldings(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	holdings, err := f.holdings.ListByAccountID(context.Background(), brokerage.ID)
	require.NoError(t, err)
	assert.Empty(t, holdings)
	assert.True(t, f.accounts.byExternalID("ext-brokerage").PortfolioValue.Decimal.IsZero())
}

func TestSyncHoldings_NoInvestments(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")
	seedInvestmentAccounts(t, f, conn)

	f.client.GetInvestmentHoldingsFunc = func(ctx context.Context, _ string) (*aggregator.HoldingsResponse, error) {
		return nil, &aggregator.Error{StatusCode: 400, Type: aggregator.ErrorTypeItem, Code: aggregator.CodeNoInvestmentAccounts}
	}

	synced, res, err := f.engine.SyncHoldings(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.True(t, synced)
	assert.True(t, res.NoInvestments)
	assert.Len(t, res.PortfolioValues, 2)
	assert.Equal(t, connection.StatusActive, f.conns.get(conn.ID).Status)
}

func TestSyncHoldings_NoInvestmentAccounts(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")

	synced, res, err := f.engine.SyncHoldings(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.False(t, synced)
	assert.Empty(t, res.PortfolioValues)
	assert.Zero(t, f.client.Calls("GetInvestmentHoldings"))
}

func seedChecking(t *testing.T, f *fixture, conn *connection.Connection) *account.Account {
	t.Helper()
	f.client.GetAccountsFunc = func(ctx context.Context, _ string) (*aggregator.AccountsResponse, error) {
		return &aggregator.AccountsResponse{Accounts: []aggregator.Account{
			rawAccount("ext-checking", "Plaid Checking", "depository", "checking"),
		}}, nil
	}
	_, err := f.engine.SyncAccounts(context.Background(), conn.ID)
	require.NoError(t, err)
	return f.accounts.byExternalID("ext-checking")
}

func makeTransactions(n int, accountID string, day time.Time) []aggregator.Transaction {
	out := make([]aggregator.Transaction, n)
	for i := range out {
		out[i] = rawTransaction(fmt.Sprintf("tx-%04d", i), accountID, day, "12.34")
	}
	return out
}

func TestSyncTransactions_Pagination(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")
	seedChecking(t, f, conn)

	const total = 1203
	f.client.GetTransactionsFunc = pagedTransactions(makeTransactions(total, "ext-checking", f.now.AddDate(0, 0, -3)))

	end := f.now
	start := end.AddDate(0, 0, -30)
	res, err := f.engine.SyncTransactions(context.Background(), conn.ID, start, end)
	require.NoError(t, err)

	assert.Equal(t, 3, f.client.Calls("GetTransactions"))
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, total, res.Fetched)
	assert.Equal(t, total, res.Inserted)
	assert.Len(t, res.Transactions, total)
	assert.False(t, res.Incomplete)
	assert.Equal(t, total, f.txs.count())
}

func TestSyncTransactions_DroppedRecordsAdvanceOffset(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")
	seedChecking(t, f, conn)
	day := f.now.AddDate(0, 0, -2)

	noAmount := rawTransaction("tx-2", "ext-checking", day, "1")
	noAmount.Amount = decimal.NullDecimal{}

	var offsets []int
	f.client.GetTransactionsFunc = func(_ context.Context, _ string, req aggregator.TransactionsRequest) (*aggregator.TransactionsResponse, error) {
		offsets = append(offsets, req.Offset)
		if req.Offset == 0 {
			return &aggregator.TransactionsResponse{
				Transactions:      []aggregator.Transaction{rawTransaction("tx-1", "ext-checking", day, "10.00")},
				TotalTransactions: 4,
				HasMore:           true,
				Malformed:         1,
			}, nil
		}
		return &aggregator.TransactionsResponse{
			Transactions:      []aggregator.Transaction{noAmount, rawTransaction("tx-3", "ext-checking", day, "5.00")},
			TotalTransactions: 4,
		}, nil
	}

	res, err := f.engine.SyncTransactions(context.Background(), conn.ID, f.now.AddDate(0, 0, -30), f.now)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, offsets)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Summary.Reasons[SkipInvalidRecord])
	assert.False(t, res.Incomplete)
}

func TestSyncTransactions_DedupAndPendingFlip(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")
	checking := seedChecking(t, f, conn)
	day := f.now.AddDate(0, 0, -2)

	pending := rawTransaction("tx-1", "ext-checking", day, "25.00")
	pending.Pending = true
	f.client.GetTransactionsFunc = pagedTransactions([]aggregator.Transaction{pending})

	start, end := f.now.AddDate(0, 0, -30), f.now
	res, err := f.engine.SyncTransactions(context.Background(), conn.ID, start, end)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	// The posted version arrives twice in one run; the last occurrence wins.
	posted := rawTransaction("tx-1", "ext-checking", day, "25.00")
	posted.Category = nil
	posted.PersonalFinanceCategory = &aggregator.PersonalFinanceCategory{Primary: "FOOD_AND_DRINK", Detailed: "FOOD_AND_DRINK_COFFEE"}
	stale := posted
	stale.Pending = true
	f.client.GetTransactionsFunc = pagedTransactions([]aggregator.Transaction{stale, posted})

	res, err = f.engine.SyncTransactions(context.Background(), conn.ID, start, end)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	require.Len(t, res.Transactions, 1)

	stored, err := f.txs.GetByExternalID(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.False(t, stored.Pending)
	assert.Equal(t, checking.ID, stored.AccountID)
	assert.Equal(t, "user-1", stored.UserID)
	assert.Equal(t, "FOOD_AND_DRINK", stored.Category)
	assert.Equal(t, "FOOD_AND_DRINK", stored.CategoryID)
	assert.Equal(t, "FOOD_AND_DRINK_COFFEE", stored.Subcategory)
	assert.Equal(t, 1, f.txs.count())
}

func TestSyncTransactions_CredentialAbort(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")
	seedChecking(t, f, conn)

	txs := makeTransactions(600, "ext-checking", f.now.AddDate(0, 0, -1))
	serve := pagedTransactions(txs)
	f.client.GetTransactionsFunc = func(ctx context.Context, token string, req aggregator.TransactionsRequest) (*aggregator.TransactionsResponse, error) {
		if req.Offset > 0 {
			return nil, credentialErr
		}
		return serve(ctx, token, req)
	}

	_, err := f.engine.SyncTransactions(context.Background(), conn.ID, f.now.AddDate(0, 0, -30), f.now)
	require.ErrorIs(t, err, ErrCredentialInvalid)
	assert.Zero(t, f.txs.count())
	assert.Equal(t, connection.StatusLoginRequired, f.conns.get(conn.ID).Status)
}

func TestSyncTransactions_PartialPageFailure(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")
	seedChecking(t, f, conn)

	txs := makeTransactions(1200, "ext-checking", f.now.AddDate(0, 0, -1))
	txs[7].AccountID = "ext-closed"
	serve := pagedTransactions(txs)
	f.client.GetTransactionsFunc = func(ctx context.Context, token string, req aggregator.TransactionsRequest) (*aggregator.TransactionsResponse, error) {
		if req.Offset >= 1000 {
			return nil, &aggregator.Error{StatusCode: 502, Type: aggregator.ErrorTypeInstitution, Code: aggregator.CodeInstitutionNotRespond}
		}
		return serve(ctx, token, req)
	}

	res, err := f.engine.SyncTransactions(context.Background(), conn.ID, f.now.AddDate(0, 0, -30), f.now)
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	require.Error(t, res.FetchErr)
	assert.True(t, aggregator.IsTransient(res.FetchErr))
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 999, f.txs.count())
	assert.Equal(t, 1, res.Summary.Reasons[SkipUnmappedAccount])
	assert.Equal(t, connection.StatusActive, f.conns.get(conn.ID).Status)
}

func TestSyncTransactions_StorageFailureSkipsBatch(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")
	seedChecking(t, f, conn)

	f.client.GetTransactionsFunc = pagedTransactions(makeTransactions(250, "ext-checking", f.now.AddDate(0, 0, -1)))
	f.txs.failNext = 1

	res, err := f.engine.SyncTransactions(context.Background(), conn.ID, f.now.AddDate(0, 0, -30), f.now)
	require.NoError(t, err)
	assert.Equal(t, 150, res.Inserted)
	assert.Len(t, res.Transactions, 150)
	assert.Equal(t, 100, res.Summary.Reasons[SkipStorageError])
}

func TestSyncTransactions_InvalidWindow(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SyncTransactions(context.Background(), "conn-1", f.now, f.now.AddDate(0, 0, -1))
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestRegisterConnection(t *testing.T) {
	f := newFixture(t)

	f.client.ExchangePublicTokenFunc = func(ctx context.Context, publicToken string) (string, string, error) {
		assert.Equal(t, "public-sandbox-1", publicToken)
		return "access-new", "item-new", nil
	}
	f.client.GetInstitutionFunc = func(ctx context.Context, id string) (*aggregator.Institution, error) {
		return &aggregator.Institution{InstitutionID: id, Name: "Tartan Bank", Logo: str("iVBORw0")}, nil
	}
	f.client.GetAccountsFunc = func(ctx context.Context, token string) (*aggregator.AccountsResponse, error) {
		assert.Equal(t, "access-new", token)
		return &aggregator.AccountsResponse{Accounts: []aggregator.Account{
			rawAccount("ext-checking", "Plaid Checking", "depository", "checking"),
		}}, nil
	}
	var window aggregator.TransactionsRequest
	f.client.GetTransactionsFunc = func(ctx context.Context, token string, req aggregator.TransactionsRequest) (*aggregator.TransactionsResponse, error) {
		window = req
		return pagedTransactions(makeTransactions(3, "ext-checking", f.now))(ctx, token, req)
	}

	conn, report, err := f.engine.RegisterConnection(context.Background(), RegisterParams{
		UserID:        "user-1",
		PublicToken:   "public-sandbox-1",
		InstitutionID: "ins_109508",
	})
	require.NoError(t, err)
	assert.Equal(t, "item-new", conn.ItemID)
	assert.Equal(t, "Tartan Bank", conn.InstitutionName)
	assert.Equal(t, "iVBORw0", conn.InstitutionLogo)
	assert.Equal(t, connection.UpdateInitial, conn.UpdateType)
	assert.Equal(t, f.now.Add(refresh.DefaultHardInterval), conn.NextHardRefresh)

	assert.True(t, report.Complete())
	assert.False(t, report.HoldingsSynced)
	assert.Equal(t, f.now.Add(-DefaultInitialWindow), window.Start)
	assert.Equal(t, f.now, window.End)
	assert.Equal(t, 3, f.txs.count())
}

func TestRegisterConnection_InstitutionFallback(t *testing.T) {
	f := newFixture(t)

	conn, _, err := f.engine.RegisterConnection(context.Background(), RegisterParams{
		UserID:          "user-1",
		PublicToken:     "public-sandbox-1",
		InstitutionID:   "ins_404",
		InstitutionName: "Given Name Bank",
	})
	require.NoError(t, err)
	assert.Equal(t, "Given Name Bank", conn.InstitutionName)

	_, _, err = f.engine.RegisterConnection(context.Background(), RegisterParams{UserID: "user-1"})
	assert.ErrorIs(t, err, connection.ErrInvalidInput)
}

func TestRequestRefresh_Throttle(t *testing.T) {
	f := newFixture(t)
	linked := f.now
	conn := f.seedConnection(t, "user-1", "item-1")
	ctx := context.Background()

	f.now = linked.Add(6 * 24 * time.Hour)
	res, err := f.engine.RequestRefresh(ctx, conn.ID, refresh.Soft)
	require.NoError(t, err)
	assert.False(t, res.Decision.Allowed)
	assert.Equal(t, 1, res.Decision.RemainingDays())
	assert.Nil(t, res.Report)
	assert.Zero(t, f.client.TotalCalls())

	res, err = f.engine.RequestRefresh(ctx, conn.ID, refresh.Hard)
	require.NoError(t, err)
	assert.False(t, res.Decision.Allowed)
	assert.Equal(t, 84, res.Decision.RemainingDays())
	assert.Empty(t, res.LinkToken)
	assert.Zero(t, f.client.TotalCalls())

	f.now = linked.Add(7 * 24 * time.Hour)
	res, err = f.engine.RequestRefresh(ctx, conn.ID, refresh.Soft)
	require.NoError(t, err)
	assert.True(t, res.Decision.Allowed)
	require.NotNil(t, res.Report)
	assert.True(t, res.Report.Complete())

	stored := f.conns.get(conn.ID)
	assert.Equal(t, f.now, stored.LastSuccessfulUpdate)
	assert.Equal(t, connection.UpdateSoft, stored.UpdateType)

	// The cooldown restarts from the successful refresh.
	f.now = f.now.Add(time.Hour)
	res, err = f.engine.RequestRefresh(ctx, conn.ID, refresh.Soft)
	require.NoError(t, err)
	assert.False(t, res.Decision.Allowed)
	assert.Equal(t, 7, res.Decision.RemainingDays())
}

func TestRequestRefresh_IncompleteKeepsCooldown(t *testing.T) {
	f := newFixture(t)
	linked := f.now
	conn := f.seedConnection(t, "user-1", "item-1")
	seedChecking(t, f, conn)
	f.client.GetTransactionsFunc = func(ctx context.Context, _ string, _ aggregator.TransactionsRequest) (*aggregator.TransactionsResponse, error) {
		return nil, &aggregator.Error{StatusCode: 500, Type: aggregator.ErrorTypeAPI, Code: aggregator.CodeInternalServerError}
	}

	f.now = linked.Add(8 * 24 * time.Hour)
	res, err := f.engine.RequestRefresh(context.Background(), conn.ID, refresh.Soft)
	require.NoError(t, err)
	assert.True(t, res.Report.Transactions.Incomplete)
	assert.Equal(t, linked, f.conns.get(conn.ID).LastSuccessfulUpdate)
}

func TestRequestRefresh_HardAndComplete(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")

	f.client.GetAccountsFunc = func(ctx context.Context, _ string) (*aggregator.AccountsResponse, error) {
		return &aggregator.AccountsResponse{Accounts: []aggregator.Account{
			rawAccount("ext-old", "Everyday Checking", "depository", "checking"),
		}}, nil
	}
	_, err := f.engine.SyncAccounts(context.Background(), conn.ID)
	require.NoError(t, err)
	original := f.accounts.byExternalID("ext-old")

	// Revoked credential: hard refresh is available before the due date.
	f.client.GetAccountsFunc = func(ctx context.Context, _ string) (*aggregator.AccountsResponse, error) {
		return nil, credentialErr
	}
	_, err = f.engine.SyncAccounts(context.Background(), conn.ID)
	require.ErrorIs(t, err, ErrCredentialInvalid)

	f.client.CreateLinkTokenFunc = func(ctx context.Context, req aggregator.LinkTokenRequest) (*aggregator.LinkToken, error) {
		assert.Equal(t, "access-item-1", req.AccessToken)
		return &aggregator.LinkToken{LinkToken: "link-update-1", Expiration: f.now.Add(4 * time.Hour)}, nil
	}
	res, err := f.engine.RequestRefresh(context.Background(), conn.ID, refresh.Hard)
	require.NoError(t, err)
	assert.True(t, res.Decision.Allowed)
	assert.Equal(t, "link-update-1", res.LinkToken)

	// The institution rotated account ids; the name still matches.
	f.now = f.now.Add(24 * time.Hour)
	f.client.ExchangePublicTokenFunc = func(ctx context.Context, _ string) (string, string, error) {
		return "access-rotated", "item-1", nil
	}
	f.client.GetAccountsFunc = func(ctx context.Context, token string) (*aggregator.AccountsResponse, error) {
		assert.Equal(t, "access-rotated", token)
		return &aggregator.AccountsResponse{Accounts: []aggregator.Account{
			rawAccount("ext-new", "EVERYDAY CHECKING", "depository", "checking"),
		}}, nil
	}

	done, err := f.engine.CompleteHardRefresh(context.Background(), conn.ID, "public-update")
	require.NoError(t, err)
	assert.True(t, done.Decision.Allowed)
	report := done.Report
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Accounts.Created)
	assert.Equal(t, 1, report.Accounts.Updated)
	assert.Equal(t, 1, f.accounts.count())
	assert.Equal(t, original.ID, f.accounts.byExternalID("ext-new").ID)

	stored := f.conns.get(conn.ID)
	assert.Equal(t, connection.StatusActive, stored.Status)
	assert.Equal(t, connection.UpdateHard, stored.UpdateType)
	assert.Equal(t, "access-rotated", stored.AccessToken)
	assert.Equal(t, f.now.Add(refresh.DefaultHardInterval), stored.NextHardRefresh)
}

func TestCompleteHardRefresh_Throttled(t *testing.T) {
	f := newFixture(t)
	linked := f.now
	conn := f.seedConnection(t, "user-1", "item-1")

	f.now = linked.Add(24 * time.Hour)
	res, err := f.engine.CompleteHardRefresh(context.Background(), conn.ID, "")
	require.NoError(t, err)
	assert.False(t, res.Decision.Allowed)
	assert.Equal(t, 89, res.Decision.RemainingDays())
	assert.Nil(t, res.Report)
	assert.Zero(t, f.client.TotalCalls())

	stored := f.conns.get(conn.ID)
	assert.Equal(t, linked.Add(refresh.DefaultHardInterval), stored.NextHardRefresh)
	assert.Equal(t, connection.UpdateInitial, stored.UpdateType)
}

func TestCompleteHardRefresh_StoresNewItemID(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "user-1", "item-1")

	f.client.GetAccountsFunc = func(ctx context.Context, _ string) (*aggregator.AccountsResponse, error) {
		return nil, credentialErr
	}
	_, err := f.engine.SyncAccounts(context.Background(), conn.ID)
	require.ErrorIs(t, err, ErrCredentialInvalid)

	f.client.ExchangePublicTokenFunc = func(ctx context.Context, _ string) (string, string, error) {
		return "access-2", "item-2", nil
	}
	f.client.GetAccountsFunc = func(ctx context.Context, _ string) (*aggregator.AccountsResponse, error) {
		return &aggregator.AccountsResponse{}, nil
	}

	res, err := f.engine.CompleteHardRefresh(context.Background(), conn.ID, "public-update")
	require.NoError(t, err)
	assert.True(t, res.Decision.Allowed)

	stored := f.conns.get(conn.ID)
	assert.Equal(t, "item-2", stored.ItemID)
	assert.Equal(t, "access-2", stored.AccessToken)

	byItem, err := f.conns.GetByItemID(context.Background(), "item-2")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, byItem.ID)
}

func TestRegisterConnection_ReconnectOf(t *testing.T) {
	f := newFixture(t)
	prior := f.seedConnection(t, "user-1", "item-old")
	f.client.GetAccountsFunc = func(ctx context.Context, _ string) (*aggregator.AccountsResponse, error) {
		return &aggregator.AccountsResponse{Accounts: []aggregator.Account{
			rawAccount("ext-old", "Everyday Checking", "depository", "checking"),
		}}, nil
	}
	_, err := f.engine.SyncAccounts(context.Background(), prior.ID)
	require.NoError(t, err)
	original := f.accounts.byExternalID("ext-old")

	f.client.ExchangePublicTokenFunc = func(ctx context.Context, _ string) (string, string, error) {
		return "access-new", "item-new", nil
	}
	f.client.GetAccountsFunc = func(ctx context.Context, _ string) (*aggregator.AccountsResponse, error) {
		return &aggregator.AccountsResponse{Accounts: []aggregator.Account{
			rawAccount("ext-new", "EVERYDAY CHECKING", "depository", "checking"),
		}}, nil
	}

	conn, report, err := f.engine.RegisterConnection(context.Background(), RegisterParams{
		UserID:      "user-1",
		PublicToken: "public-relink",
		ReconnectOf: prior.ID,
	})
	require.NoError(t, err)
	assert.NotEqual(t, prior.ID, conn.ID)
	assert.Equal(t, 1, report.Accounts.Updated)
	assert.Equal(t, 1, f.accounts.count())

	moved := f.accounts.byExternalID("ext-new")
	require.NotNil(t, moved)
	assert.Equal(t, original.ID, moved.ID)
	assert.Equal(t, conn.ID, moved.ConnectionID)

	assert.NotNil(t, f.conns.get(prior.ID).DisabledAt)
	assert.Nil(t, f.conns.get(conn.ID).DisabledAt)
}

func TestRegisterConnection_ReconnectOfRejected(t *testing.T) {
	f := newFixture(t)
	other := f.seedConnection(t, "user-2", "item-other")

	_, _, err := f.engine.RegisterConnection(context.Background(), RegisterParams{
		UserID:      "user-1",
		PublicToken: "public-relink",
		ReconnectOf: other.ID,
	})
	assert.ErrorIs(t, err, connection.ErrInvalidInput)

	_, _, err = f.engine.RegisterConnection(context.Background(), RegisterParams{
		UserID:      "user-1",
		PublicToken: "public-relink",
		ReconnectOf: "conn-missing",
	})
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	assert.Zero(t, f.client.Calls("ExchangePublicToken"))
	assert.Nil(t, f.conns.get(other.ID).DisabledAt)
}

func TestRequestRefresh_InvalidKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RequestRefresh(context.Background(), "conn-1", refresh.Kind("medium"))
	assert.ErrorIs(t, err, refresh.ErrInvalidKind)
}

type busyLocker struct{}

func (busyLocker) Obtain(context.Context, string, time.Duration) (redislock.ReleaseFunc, error) {
	return nil, redislock.ErrNotObtained
}

func TestExclusive_SyncInProgress(t *testing.T) {
	t.Run("distributed lock held", func(t *testing.T) {
		f := newFixture(t)
		conn := f.seedConnection(t, "user-1", "item-1")
		f.engine.locker = busyLocker{}

		_, err := f.engine.SyncAccounts(context.Background(), conn.ID)
		assert.ErrorIs(t, err, ErrSyncInProgress)
		assert.Zero(t, f.client.TotalCalls())
	})

	t.Run("same connection busy in process", func(t *testing.T) {
		f := newFixture(t)
		conn := f.seedConnection(t, "user-1", "item-1")

		started := make(chan struct{})
		release := make(chan struct{})
		f.client.GetAccountsFunc = func(ctx context.Context, _ string) (*aggregator.AccountsResponse, error) {
			close(started)
			<-release
			return &aggregator.AccountsResponse{}, nil
		}

		done := make(chan error, 1)
		go func() {
			_, err := f.engine.SyncAccounts(context.Background(), conn.ID)
			done <- err
		}()
		<-started

		_, err := f.engine.SyncTransactions(context.Background(), conn.ID, f.now.AddDate(0, 0, -1), f.now)
		assert.ErrorIs(t, err, ErrSyncInProgress)

		close(release)
		require.NoError(t, <-done)

		_, err = f.engine.SyncTransactions(context.Background(), conn.ID, f.now.AddDate(0, 0, -1), f.now)
		assert.NoError(t, err)
	})
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)

	empty, err := f.engine.GetStatus(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, empty.Connected)
	assert.Empty(t, empty.Institutions)
	assert.Nil(t, empty.LastUpdate)

	first := f.seedConnection(t, "user-1", "item-1")
	seedChecking(t, f, first)

	f.now = f.now.Add(48 * time.Hour)
	second := f.seedConnection(t, "user-1", "item-2")
	f.seedConnection(t, "user-2", "item-3")

	status, err := f.engine.GetStatus(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, status.Connected)
	require.Len(t, status.Institutions, 2)
	assert.Equal(t, 1, status.AccountsCount)
	require.NotNil(t, status.LastUpdate)
	assert.Equal(t, second.LastSuccessfulUpdate, *status.LastUpdate)
	require.NotNil(t, status.NextHardRefresh)
	assert.Equal(t, first.NextHardRefresh, *status.NextHardRefresh)

	one, err := f.engine.GetConnectionStatus(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, "item-2", one.ItemID)
	assert.Equal(t, connection.StatusActive, one.ConnectionStatus)

	_, err = f.engine.GetConnectionStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}
