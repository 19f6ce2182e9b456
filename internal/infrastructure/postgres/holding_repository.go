package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"finsync/internal/domain/holding"
)

// HoldingRepository implements holding.Repository for PostgreSQL
type HoldingRepository struct {
	db *DB
}

var _ holding.Repository = (*HoldingRepository)(nil)

func NewHoldingRepository(db *DB) *HoldingRepository {
	return &HoldingRepository{db: db}
}

// upsertSecurityQuery inserts with the fallback name in $3 and updates
// with the upstream name in $11, keeping the stored name when it is empty.
const upsertSecurityQuery = `
	INSERT INTO securities (id, security_id, name, ticker_symbol, isin, cusip, type, close_price,
		close_price_as_of, iso_currency_code)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (security_id) DO UPDATE SET
		name = COALESCE(NULLIF($11::text, ''), securities.name),
		ticker_symbol = COALESCE(EXCLUDED.ticker_symbol, securities.ticker_symbol),
		isin = COALESCE(EXCLUDED.isin, securities.isin),
		cusip = COALESCE(EXCLUDED.cusip, securities.cusip),
		type = COALESCE(EXCLUDED.type, securities.type),
		close_price = COALESCE(EXCLUDED.close_price, securities.close_price),
		close_price_as_of = COALESCE(EXCLUDED.close_price_as_of, securities.close_price_as_of),
		iso_currency_code = EXCLUDED.iso_currency_code,
		updated_at = NOW()
	RETURNING id, security_id, name, ticker_symbol, isin, cusip, type, close_price, close_price_as_of,
		iso_currency_code, updated_at
`

func (r *HoldingRepository) UpsertSecurity(ctx context.Context, p holding.SecurityParams) (*holding.Security, error) {
	var s holding.Security
	var ticker, isin, cusip, secType sql.NullString
	var closeAsOf sql.NullTime
	err := r.db.QueryRowContext(ctx, upsertSecurityQuery,
		uuid.NewString(), p.ExternalID, p.InsertName(), nullString(p.TickerSymbol), nullString(p.ISIN),
		nullString(p.CUSIP), nullString(p.Type), p.ClosePrice, nullTime(p.ClosePriceAsOf), p.IsoCurrencyCode,
		p.Name,
	).Scan(
		&s.ID, &s.ExternalID, &s.Name, &ticker, &isin, &cusip, &secType, &s.ClosePrice, &closeAsOf,
		&s.IsoCurrencyCode, &s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert security: %w", err)
	}

	s.TickerSymbol = ticker.String
	s.ISIN = isin.String
	s.CUSIP = cusip.String
	s.Type = secType.String
	s.ClosePriceAsOf = timePtr(closeAsOf)
	return &s, nil
}

const holdingColumns = `id, account_id, security_id, quantity, cost_basis, institution_value, institution_price,
	institution_price_as_of, updated_at`

func (r *HoldingRepository) UpsertHolding(ctx context.Context, p holding.HoldingParams) (*holding.Holding, error) {
	query := `
		INSERT INTO account_holdings (id, account_id, security_id, quantity, cost_basis, institution_value,
			institution_price, institution_price_as_of)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, security_id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			cost_basis = EXCLUDED.cost_basis,
			institution_value = EXCLUDED.institution_value,
			institution_price = EXCLUDED.institution_price,
			institution_price_as_of = EXCLUDED.institution_price_as_of,
			updated_at = NOW()
		RETURNING ` + holdingColumns

	h, err := scanHolding(r.db.QueryRowContext(ctx, query,
		uuid.NewString(), p.AccountID, p.SecurityID, p.Quantity, p.CostBasis, p.InstitutionValue,
		p.InstitutionPrice, nullTime(p.InstitutionPriceAsOf),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert holding: %w", err)
	}
	return h, nil
}

func (r *HoldingRepository) DeleteHoldingsExcept(ctx context.Context, accountID string, securityIDs []string) (int, error) {
	query := `DELETE FROM account_holdings WHERE account_id = $1 AND NOT (security_id = ANY($2))`

	if securityIDs == nil {
		securityIDs = []string{}
	}
	res, err := r.db.ExecContext(ctx, query, accountID, pq.Array(securityIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale holdings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted holdings: %w", err)
	}
	return int(n), nil
}

func (r *HoldingRepository) ListByAccountID(ctx context.Context, accountID string) ([]*holding.Holding, error) {
	query := `SELECT ` + holdingColumns + ` FROM account_holdings WHERE account_id = $1 ORDER BY updated_at DESC`

	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer rows.Close()

	var out []*holding.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holdings: %w", err)
	}
	return out, nil
}

func scanHolding(row rowScanner) (*holding.Holding, error) {
	var h holding.Holding
	var priceAsOf sql.NullTime
	if err := row.Scan(
		&h.ID, &h.AccountID, &h.SecurityID, &h.Quantity, &h.CostBasis, &h.InstitutionValue,
		&h.InstitutionPrice, &priceAsOf, &h.UpdatedAt,
	); err != nil {
		return nil, err
	}
	h.InstitutionPriceAsOf = timePtr(priceAsOf)
	return &h, nil
}
