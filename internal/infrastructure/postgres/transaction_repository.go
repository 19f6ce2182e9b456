package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"finsync/internal/domain/transaction"
)

const transactionColumns = `id, transaction_id, account_id, user_id, amount, date, authorized_date, name,
	merchant_name, category, category_id, subcategory, pending, payment_channel, iso_currency_code,
	reference_number, payee, payer, payment_method, created_at, updated_at`

const transactionInsertColumns = `id, transaction_id, account_id, user_id, amount, date, authorized_date, name,
	merchant_name, category, category_id, subcategory, pending, payment_channel, iso_currency_code,
	reference_number, payee, payer, payment_method`

const transactionArgsPerRow = 19

// TransactionRepository implements transaction.Repository for PostgreSQL
type TransactionRepository struct {
	db *DB
}

var _ transaction.Repository = (*TransactionRepository)(nil)

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// buildBatchUpsert returns the statement for n rows. Existing rows only
// take the new pending flag and category fields.
func buildBatchUpsert(n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO transactions (")
	b.WriteString(transactionInsertColumns)
	b.WriteString(") VALUES ")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < transactionArgsPerRow; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*transactionArgsPerRow+j+1)
		}
		b.WriteByte(')')
	}
	b.WriteString(`
		ON CONFLICT (transaction_id) DO UPDATE SET
			pending = EXCLUDED.pending,
			category = EXCLUDED.category,
			category_id = EXCLUDED.category_id,
			subcategory = EXCLUDED.subcategory,
			updated_at = NOW()
		RETURNING (xmax = 0) AS inserted`)
	return b.String()
}

// UpsertBatch writes all params in one statement. Duplicate external ids in
// a single statement would make Postgres reject it, so callers dedupe first.
func (r *TransactionRepository) UpsertBatch(ctx context.Context, params []transaction.UpsertParams) (transaction.BatchResult, error) {
	var res transaction.BatchResult
	if len(params) == 0 {
		return res, nil
	}

	args := make([]any, 0, len(params)*transactionArgsPerRow)
	for _, p := range params {
		args = append(args,
			uuid.NewString(), p.ExternalID, p.AccountID, p.UserID, p.Amount, p.Date, nullTime(p.AuthorizedDate),
			p.Name, nullString(p.MerchantName), nullString(p.Category), nullString(p.CategoryID),
			nullString(p.Subcategory), p.Pending, nullString(p.PaymentChannel), nullString(p.IsoCurrencyCode),
			nullString(p.Payment.ReferenceNumber), nullString(p.Payment.Payee), nullString(p.Payment.Payer),
			nullString(p.Payment.PaymentMethod),
		)
	}

	rows, err := r.db.QueryContext(ctx, buildBatchUpsert(len(params)), args...)
	if err != nil {
		return res, fmt.Errorf("failed to upsert transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var inserted bool
		if err := rows.Scan(&inserted); err != nil {
			return res, fmt.Errorf("failed to scan upsert result: %w", err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("error iterating upsert results: %w", err)
	}
	return res, nil
}

func (r *TransactionRepository) GetByExternalID(ctx context.Context, externalID string) (*transaction.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE transaction_id = $1`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transaction.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (r *TransactionRepository) ListByAccountID(ctx context.Context, accountID string, limit, offset int) ([]*transaction.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1
		ORDER BY date DESC, created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*transaction.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return out, nil
}

func (r *TransactionRepository) CountByUserID(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

func scanTransaction(row rowScanner) (*transaction.Transaction, error) {
	var t transaction.Transaction
	var authorized sql.NullTime
	var merchant, category, categoryID, subcategory, channel, currency sql.NullString
	var ref, payee, payer, method sql.NullString

	if err := row.Scan(
		&t.ID, &t.ExternalID, &t.AccountID, &t.UserID, &t.Amount, &t.Date, &authorized, &t.Name,
		&merchant, &category, &categoryID, &subcategory, &t.Pending, &channel, &currency,
		&ref, &payee, &payer, &method, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	t.AuthorizedDate = timePtr(authorized)
	t.MerchantName = merchant.String
	t.Category = category.String
	t.CategoryID = categoryID.String
	t.Subcategory = subcategory.String
	t.PaymentChannel = channel.String
	t.IsoCurrencyCode = currency.String
	t.Payment = transaction.PaymentMeta{
		ReferenceNumber: ref.String,
		Payee:           payee.String,
		Payer:           payer.String,
		PaymentMethod:   method.String,
	}
	return &t, nil
}
