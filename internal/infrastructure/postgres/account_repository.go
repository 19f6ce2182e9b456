package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"finsync/internal/domain/account"
)

const accountColumns = `id, user_id, connection_id, account_id, name, official_name, mask, type, subtype,
	category, is_investment, is_retirement, current_balance, available_balance, iso_currency_code,
	portfolio_value, institution_id, institution_name, created_at, updated_at`

// AccountRepository implements the account.Repository interface for PostgreSQL
type AccountRepository struct {
	db *DB
}

var _ account.Repository = (*AccountRepository)(nil)

// NewAccountRepository creates a new PostgreSQL account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Insert creates a new account
func (r *AccountRepository) Insert(ctx context.Context, p account.UpsertParams) (*account.Account, error) {
	query := `
		INSERT INTO accounts (id, user_id, connection_id, account_id, name, official_name, mask, type, subtype,
			category, is_investment, is_retirement, current_balance, available_balance, iso_currency_code,
			institution_id, institution_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING ` + accountColumns

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query,
		uuid.NewString(), p.UserID, p.ConnectionID, p.ExternalID, p.Name,
		nullString(p.OfficialName), nullString(p.Mask), p.Type, nullString(p.Subtype),
		string(p.Category), p.IsInvestment, p.IsRetirement, p.CurrentBalance, p.AvailableBalance,
		nullString(p.CurrencyCode), nullString(p.InstitutionID), nullString(p.InstitutionName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return acc, nil
}

// Update overwrites the mutable fields, including the external id and owning connection.
func (r *AccountRepository) Update(ctx context.Context, id string, p account.UpsertParams) (*account.Account, error) {
	query := `
		UPDATE accounts SET
			connection_id = $2, account_id = $3, name = $4, official_name = $5, mask = $6, type = $7,
			subtype = $8, category = $9, is_investment = $10, is_retirement = $11, current_balance = $12,
			available_balance = $13, iso_currency_code = $14, institution_id = $15, institution_name = $16,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + accountColumns

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query,
		id, p.ConnectionID, p.ExternalID, p.Name,
		nullString(p.OfficialName), nullString(p.Mask), p.Type, nullString(p.Subtype),
		string(p.Category), p.IsInvestment, p.IsRetirement, p.CurrentBalance, p.AvailableBalance,
		nullString(p.CurrencyCode), nullString(p.InstitutionID), nullString(p.InstitutionName),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	return acc, nil
}

// ListByUserID retrieves all accounts for a specific user
func (r *AccountRepository) ListByUserID(ctx context.Context, userID string) ([]*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1 ORDER BY created_at`
	return r.list(ctx, query, userID)
}

func (r *AccountRepository) ListByConnectionID(ctx context.Context, connectionID string) ([]*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE connection_id = $1 ORDER BY created_at`
	return r.list(ctx, query, connectionID)
}

func (r *AccountRepository) CountByConnectionIDs(ctx context.Context, connectionIDs []string) (int, error) {
	if len(connectionIDs) == 0 {
		return 0, nil
	}
	var n int
	query := `SELECT COUNT(*) FROM accounts WHERE connection_id = ANY($1::uuid[])`
	if err := r.db.QueryRowContext(ctx, query, pq.Array(connectionIDs)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return n, nil
}

func (r *AccountRepository) UpdatePortfolioValue(ctx context.Context, id string, value decimal.Decimal) error {
	query := `UPDATE accounts SET portfolio_value = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, value)
	if err != nil {
		return fmt.Errorf("failed to update portfolio value: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}

func (r *AccountRepository) UpsertCreditDetail(ctx context.Context, accountID string, d account.CreditDetail) error {
	query := `
		INSERT INTO account_credit_details (account_id, credit_limit, current_balance, available_credit,
			interest_rate, minimum_payment, payment_due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id) DO UPDATE SET
			credit_limit = EXCLUDED.credit_limit,
			current_balance = EXCLUDED.current_balance,
			available_credit = EXCLUDED.available_credit,
			interest_rate = EXCLUDED.interest_rate,
			minimum_payment = EXCLUDED.minimum_payment,
			payment_due_date = EXCLUDED.payment_due_date,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, accountID, d.CreditLimit, d.CurrentBalance, d.AvailableCredit,
		d.InterestRate, d.MinimumPayment, nullTime(d.PaymentDueDate))
	if err != nil {
		return fmt.Errorf("failed to upsert credit detail: %w", err)
	}
	return nil
}

func (r *AccountRepository) UpsertLoanDetail(ctx context.Context, accountID string, d account.LoanDetail) error {
	query := `
		INSERT INTO account_loan_details (account_id, original_loan_amount, current_balance, interest_rate,
			minimum_payment, payment_due_date, loan_term_months, loan_start_date, loan_end_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id) DO UPDATE SET
			original_loan_amount = EXCLUDED.original_loan_amount,
			current_balance = EXCLUDED.current_balance,
			interest_rate = EXCLUDED.interest_rate,
			minimum_payment = EXCLUDED.minimum_payment,
			payment_due_date = EXCLUDED.payment_due_date,
			loan_term_months = EXCLUDED.loan_term_months,
			loan_start_date = EXCLUDED.loan_start_date,
			loan_end_date = EXCLUDED.loan_end_date,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, accountID, d.OriginalLoanAmount, d.CurrentBalance, d.InterestRate,
		d.MinimumPayment, nullTime(d.PaymentDueDate), nullInt(d.LoanTermMonths),
		nullTime(d.LoanStartDate), nullTime(d.LoanEndDate))
	if err != nil {
		return fmt.Errorf("failed to upsert loan detail: %w", err)
	}
	return nil
}

func (r *AccountRepository) UpsertInvestmentDetail(ctx context.Context, accountID string, d account.InvestmentDetail) error {
	query := `
		INSERT INTO account_investment_details (account_id, total_investment_value, total_cash_value,
			total_investment_holdings, cash_interest_rate)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			total_investment_value = EXCLUDED.total_investment_value,
			total_cash_value = EXCLUDED.total_cash_value,
			total_investment_holdings = EXCLUDED.total_investment_holdings,
			cash_interest_rate = COALESCE(EXCLUDED.cash_interest_rate, account_investment_details.cash_interest_rate),
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, accountID, d.TotalInvestmentValue, d.TotalCashValue,
		d.TotalInvestmentHoldings, d.CashInterestRate)
	if err != nil {
		return fmt.Errorf("failed to upsert investment detail: %w", err)
	}
	return nil
}

func (r *AccountRepository) list(ctx context.Context, query string, args ...any) ([]*account.Account, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*account.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

func scanAccount(row rowScanner) (*account.Account, error) {
	var acc account.Account
	var officialName, mask, subtype, currency, institutionID, institutionName sql.NullString
	var category string

	err := row.Scan(
		&acc.ID, &acc.UserID, &acc.ConnectionID, &acc.ExternalID, &acc.Name, &officialName, &mask,
		&acc.Type, &subtype, &category, &acc.IsInvestment, &acc.IsRetirement,
		&acc.CurrentBalance, &acc.AvailableBalance, &currency, &acc.PortfolioValue,
		&institutionID, &institutionName, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	acc.OfficialName = officialName.String
	acc.Mask = mask.String
	acc.Subtype = subtype.String
	acc.Category = account.Category(category)
	acc.CurrencyCode = currency.String
	acc.InstitutionID = institutionID.String
	acc.InstitutionName = institutionName.String
	return &acc, nil
}
