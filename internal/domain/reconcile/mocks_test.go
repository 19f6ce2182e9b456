package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"finsync/internal/domain/account"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/holding"
	"finsync/internal/domain/refresh"
	"finsync/internal/domain/transaction"
	"finsync/internal/infrastructure/aggregator"
	"finsync/internal/shared/logger"
)

// MockClient is a mock implementation of aggregator.ClientInterface
type MockClient struct {
	CreateLinkTokenFunc       func(ctx context.Context, req aggregator.LinkTokenRequest) (*aggregator.LinkToken, error)
	ExchangePublicTokenFunc   func(ctx context.Context, publicToken string) (string, string, error)
	GetAccountsFunc           func(ctx context.Context, accessToken string) (*aggregator.AccountsResponse, error)
	GetInvestmentHoldingsFunc func(ctx context.Context, accessToken string) (*aggregator.HoldingsResponse, error)
	GetTransactionsFunc       func(ctx context.Context, accessToken string, req aggregator.TransactionsRequest) (*aggregator.TransactionsResponse, error)
	GetInstitutionFunc        func(ctx context.Context, institutionID string) (*aggregator.Institution, error)

	mu    sync.Mutex
	calls map[string]int
}

func (m *MockClient) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name]++
}

func (m *MockClient) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *MockClient) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *MockClient) CreateLinkToken(ctx context.Context, req aggregator.LinkTokenRequest) (*aggregator.LinkToken, error) {
	m.record("CreateLinkToken")
	if m.CreateLinkTokenFunc != nil {
		return m.CreateLinkTokenFunc(ctx, req)
	}
	return &aggregator.LinkToken{LinkToken: "link-sandbox-token"}, nil
}

func (m *MockClient) ExchangePublicToken(ctx context.Context, publicToken string) (string, string, error) {
	m.record("ExchangePublicToken")
	if m.ExchangePublicTokenFunc != nil {
		return m.ExchangePublicTokenFunc(ctx, publicToken)
	}
	return "access-sandbox", "item-1", nil
}

func (m *MockClient) GetAccounts(ctx context.Context, accessToken string) (*aggregator.AccountsResponse, error) {
	m.record("GetAccounts")
	if m.GetAccountsFunc != nil {
		return m.GetAccountsFunc(ctx, accessToken)
	}
	return &aggregator.AccountsResponse{}, nil
}

func (m *MockClient) GetInvestmentHoldings(ctx context.Context, accessToken string) (*aggregator.HoldingsResponse, error) {
	m.record("GetInvestmentHoldings")
	if m.GetInvestmentHoldingsFunc != nil {
		return m.GetInvestmentHoldingsFunc(ctx, accessToken)
	}
	return &aggregator.HoldingsResponse{}, nil
}

func (m *MockClient) GetTransactions(ctx context.Context, accessToken string, req aggregator.TransactionsRequest) (*aggregator.TransactionsResponse, error) {
	m.record("GetTransactions")
	if m.GetTransactionsFunc != nil {
		return m.GetTransactionsFunc(ctx, accessToken, req)
	}
	return &aggregator.TransactionsResponse{}, nil
}

func (m *MockClient) GetInstitution(ctx context.Context, institutionID string) (*aggregator.Institution, error) {
	m.record("GetInstitution")
	if m.GetInstitutionFunc != nil {
		return m.GetInstitutionFunc(ctx, institutionID)
	}
	return nil, &aggregator.Error{StatusCode: 400, Type: aggregator.ErrorTypeInvalidIn, Code: "INVALID_INSTITUTION"}
}

// memConnections is an in-memory connection.Repository.
type memConnections struct {
	mu   sync.Mutex
	rows map[string]*connection.Connection
	seq  int
}

func (r *memConnections) Upsert(_ context.Context, p connection.CreateParams) (*connection.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rows {
		if c.ItemID == p.ItemID {
			c.AccessToken = p.AccessToken
			c.DisabledAt = nil
			cp := *c
			return &cp, nil
		}
	}
	r.seq++
	c := &connection.Connection{
		ID:                   fmt.Sprintf("conn-%d", r.seq),
		UserID:               p.UserID,
		ItemID:               p.ItemID,
		AccessToken:          p.AccessToken,
		InstitutionID:        p.InstitutionID,
		InstitutionName:      p.InstitutionName,
		InstitutionLogo:      p.InstitutionLogo,
		Status:               connection.StatusActive,
		UpdateType:           connection.UpdateInitial,
		LastSuccessfulUpdate: p.LinkedAt,
		NextHardRefresh:      p.NextHardRefresh,
		CreatedAt:            p.LinkedAt,
	}
	r.rows[c.ID] = c
	cp := *c
	return &cp, nil
}

func (r *memConnections) GetByID(_ context.Context, id string) (*connection.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return nil, connection.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memConnections) GetByItemID(_ context.Context, itemID string) (*connection.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rows {
		if c.ItemID == itemID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, connection.ErrNotFound
}

func (r *memConnections) ListByUserID(_ context.Context, userID string) ([]*connection.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*connection.Connection
	for _, c := range r.rows {
		if c.UserID == userID && !c.Disabled() {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memConnections) ListDueForSoftRefresh(_ context.Context, cutoff time.Time, limit int) ([]*connection.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*connection.Connection
	for _, c := range r.rows {
		if !c.Disabled() && c.Status != connection.StatusLoginRequired && !c.LastSuccessfulUpdate.After(cutoff) {
			cp := *c
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memConnections) UpdateStatus(_ context.Context, id string, u connection.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return connection.ErrNotFound
	}
	u.Apply(c)
	return nil
}

func (r *memConnections) UpdateCredential(_ context.Context, id, accessToken, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return connection.ErrNotFound
	}
	c.AccessToken = accessToken
	c.ItemID = itemID
	return nil
}

func (r *memConnections) Disable(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return connection.ErrNotFound
	}
	if c.DisabledAt == nil {
		c.DisabledAt = &at
	}
	return nil
}

func (r *memConnections) get(id string) connection.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

// memAccounts is an in-memory account.Repository.
type memAccounts struct {
	mu         sync.Mutex
	rows       map[string]*account.Account
	seq        int
	credit     map[string]account.CreditDetail
	loan       map[string]account.LoanDetail
	investment map[string]account.InvestmentDetail
	insertErr  error
}

func (r *memAccounts) sorted(keep func(*account.Account) bool) []*account.Account {
	var out []*account.Account
	for _, a := range r.rows {
		if keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memAccounts) ListByUserID(_ context.Context, userID string) ([]*account.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(a *account.Account) bool { return a.UserID == userID }), nil
}

func (r *memAccounts) ListByConnectionID(_ context.Context, connectionID string) ([]*account.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(a *account.Account) bool { return a.ConnectionID == connectionID }), nil
}

func (r *memAccounts) CountByConnectionIDs(_ context.Context, ids []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return len(r.sorted(func(a *account.Account) bool { return set[a.ConnectionID] })), nil
}

func apply(a *account.Account, p account.UpsertParams) {
	a.UserID = p.UserID
	a.ConnectionID = p.ConnectionID
	a.ExternalID = p.ExternalID
	a.Name = p.Name
	a.OfficialName = p.OfficialName
	a.Mask = p.Mask
	a.Type = p.Type
	a.Subtype = p.Subtype
	a.Category = p.Category
	a.IsInvestment = p.IsInvestment
	a.IsRetirement = p.IsRetirement
	a.CurrentBalance = p.CurrentBalance
	a.AvailableBalance = p.AvailableBalance
	a.CurrencyCode = p.CurrencyCode
	a.InstitutionID = p.InstitutionID
	a.InstitutionName = p.InstitutionName
}

func (r *memAccounts) Insert(_ context.Context, p account.UpsertParams) (*account.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return nil, r.insertErr
	}
	for _, a := range r.rows {
		if a.ExternalID == p.ExternalID {
			return nil, fmt.Errorf("duplicate account_id %s", p.ExternalID)
		}
	}
	r.seq++
	a := &account.Account{ID: fmt.Sprintf("acc-%03d", r.seq)}
	apply(a, p)
	r.rows[a.ID] = a
	cp := *a
	return &cp, nil
}

func (r *memAccounts) Update(_ context.Context, id string, p account.UpsertParams) (*account.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, account.ErrAccountNotFound
	}
	apply(a, p)
	cp := *a
	return &cp, nil
}

func (r *memAccounts) UpdatePortfolioValue(_ context.Context, id string, value decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return account.ErrAccountNotFound
	}
	a.PortfolioValue = decimal.NewNullDecimal(value)
	return nil
}

func (r *memAccounts) UpsertCreditDetail(_ context.Context, id string, d account.CreditDetail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credit[id] = d
	return nil
}

func (r *memAccounts) UpsertLoanDetail(_ context.Context, id string, d account.LoanDetail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loan[id] = d
	return nil
}

func (r *memAccounts) UpsertInvestmentDetail(_ context.Context, id string, d account.InvestmentDetail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.investment[id] = d
	return nil
}

func (r *memAccounts) byExternalID(ext string) *account.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.rows {
		if a.ExternalID == ext {
			cp := *a
			return &cp
		}
	}
	return nil
}

func (r *memAccounts) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// memHoldings is an in-memory holding.Repository.
type memHoldings struct {
	mu         sync.Mutex
	securities map[string]*holding.Security
	holdings   map[string]*holding.Holding
}

func (r *memHoldings) UpsertSecurity(_ context.Context, p holding.SecurityParams) (*holding.Security, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.securities[p.ExternalID]
	if !ok {
		s = &holding.Security{ID: "sec-" + p.ExternalID, ExternalID: p.ExternalID, Name: p.InsertName()}
		r.securities[p.ExternalID] = s
	}
	if p.Name != "" {
		s.Name = p.Name
	}
	s.TickerSymbol = p.TickerSymbol
	s.Type = p.Type
	s.ClosePrice = p.ClosePrice
	s.IsoCurrencyCode = p.IsoCurrencyCode
	cp := *s
	return &cp, nil
}

func (r *memHoldings) UpsertHolding(_ context.Context, p holding.HoldingParams) (*holding.Holding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := p.AccountID + "/" + p.SecurityID
	h, ok := r.holdings[key]
	if !ok {
		h = &holding.Holding{ID: "h-" + key, AccountID: p.AccountID, SecurityID: p.SecurityID}
		r.holdings[key] = h
	}
	h.Quantity = p.Quantity
	h.CostBasis = p.CostBasis
	h.InstitutionValue = p.InstitutionValue
	h.InstitutionPrice = p.InstitutionPrice
	cp := *h
	return &cp, nil
}

func (r *memHoldings) DeleteHoldingsExcept(_ context.Context, accountID string, securityIDs []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keep := make(map[string]bool, len(securityIDs))
	for _, id := range securityIDs {
		keep[id] = true
	}
	removed := 0
	for key, h := range r.holdings {
		if h.AccountID == accountID && !keep[h.SecurityID] {
			delete(r.holdings, key)
			removed++
		}
	}
	return removed, nil
}

func (r *memHoldings) ListByAccountID(_ context.Context, accountID string) ([]*holding.Holding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*holding.Holding
	for _, h := range r.holdings {
		if h.AccountID == accountID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

// memTransactions is an in-memory transaction.Repository with the same
// conflict rule as the SQL upsert.
type memTransactions struct {
	mu       sync.Mutex
	rows     map[string]*transaction.Transaction
	failNext int
}

func (r *memTransactions) UpsertBatch(_ context.Context, params []transaction.UpsertParams) (transaction.BatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res transaction.BatchResult
	if r.failNext > 0 {
		r.failNext--
		return res, fmt.Errorf("connection reset by peer")
	}
	for _, p := range params {
		if t, ok := r.rows[p.ExternalID]; ok {
			t.Pending = p.Pending
			t.Category = p.Category
			t.CategoryID = p.CategoryID
			t.Subcategory = p.Subcategory
			res.Updated++
			continue
		}
		t := p.Transaction()
		t.ID = "tx-" + p.ExternalID
		r.rows[p.ExternalID] = &t
		res.Inserted++
	}
	return res, nil
}

func (r *memTransactions) GetByExternalID(_ context.Context, externalID string) (*transaction.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[externalID]
	if !ok {
		return nil, transaction.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memTransactions) ListByAccountID(_ context.Context, accountID string, limit, offset int) ([]*transaction.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*transaction.Transaction
	for _, t := range r.rows {
		if t.AccountID == accountID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memTransactions) CountByUserID(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.rows {
		if t.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *memTransactions) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type fixture struct {
	now      time.Time
	client   *MockClient
	conns    *memConnections
	accounts *memAccounts
	holdings *memHoldings
	txs      *memTransactions
	connSvc  *connection.Service
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		client: &MockClient{},
		conns:  &memConnections{rows: map[string]*connection.Connection{}},
		accounts: &memAccounts{
			rows:       map[string]*account.Account{},
			credit:     map[string]account.CreditDetail{},
			loan:       map[string]account.LoanDetail{},
			investment: map[string]account.InvestmentDetail{},
		},
		holdings: &memHoldings{securities: map[string]*holding.Security{}, holdings: map[string]*holding.Holding{}},
		txs:      &memTransactions{rows: map[string]*transaction.Transaction{}},
	}
	f.connSvc = connection.NewService(f.conns, refresh.DefaultPolicy())
	f.connSvc.SetClock(func() time.Time { return f.now })

	var log logrus.FieldLogger = logger.Discard()
	f.engine = NewEngine(Deps{
		Client:       f.client,
		Connections:  f.connSvc,
		Accounts:     account.NewService(f.accounts),
		Holdings:     f.holdings,
		Transactions: f.txs,
		Logger:       log,
	}, Config{})
	return f
}

// seedConnection registers a connection linked at f.now.
func (f *fixture) seedConnection(t *testing.T, userID, itemID string) *connection.Connection {
	t.Helper()
	conn, err := f.connSvc.Register(context.Background(), connection.CreateParams{
		UserID:          userID,
		ItemID:          itemID,
		AccessToken:     "access-" + itemID,
		InstitutionID:   "ins_1",
		InstitutionName: "First Platypus Bank",
	})
	if err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	return conn
}

func str(s string) *string { return &s }

func datePtr(t time.Time) *aggregator.Date {
	d := aggregator.NewDate(t)
	return &d
}

func amount(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func rawAccount(id, name, typ, subtype string) aggregator.Account {
	return aggregator.Account{
		AccountID: id,
		Name:      name,
		Type:      typ,
		Subtype:   str(subtype),
		Balances:  aggregator.Balances{Current: amount("100.00"), IsoCurrencyCode: str("USD")},
	}
}

func rawTransaction(id, accountID string, date time.Time, amt string) aggregator.Transaction {
	return aggregator.Transaction{
		TransactionID: id,
		AccountID:     accountID,
		Amount:        amount(amt),
		Date:          datePtr(date),
		Name:          "Purchase " + id,
		Category:      []string{"Shops"},
		PersonalFinanceCategory: &aggregator.PersonalFinanceCategory{
			Primary:  "GENERAL_MERCHANDISE",
			Detailed: "GENERAL_MERCHANDISE_OTHER",
		},
	}
}

// pagedTransactions serves txs in pages the way the aggregator does.
func pagedTransactions(txs []aggregator.Transaction) func(context.Context, string, aggregator.TransactionsRequest) (*aggregator.TransactionsResponse, error) {
	return func(_ context.Context, _ string, req aggregator.TransactionsRequest) (*aggregator.TransactionsResponse, error) {
		start := min(req.Offset, len(txs))
		end := min(start+req.Count, len(txs))
		return &aggregator.TransactionsResponse{
			Transactions:      txs[start:end],
			TotalTransactions: len(txs),
			HasMore:           end < len(txs),
		}, nil
	}
}
