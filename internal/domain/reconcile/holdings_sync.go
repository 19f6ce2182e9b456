package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"finsync/internal/domain/account"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/holding"
	"finsync/internal/infrastructure/aggregator"
)

// SyncHoldings refreshes securities and holdings of the connection's
// investment accounts and recomputes their portfolio values. It reports
// false without calling the aggregator when the connection has no
// investment accounts.
func (e *Engine) SyncHoldings(ctx context.Context, connectionID string) (bool, *HoldingsSyncResult, error) {
	type outcome struct {
		synced bool
		result *HoldingsSyncResult
	}
	out, err := exclusive(ctx, e, connectionID, "holdings", func(ctx context.Context) (outcome, error) {
		conn, err := e.loadConnection(ctx, connectionID)
		if err != nil {
			return outcome{}, err
		}
		mapping, err := e.investmentMapping(ctx, conn.ID)
		if err != nil {
			return outcome{}, err
		}
		if len(mapping) == 0 {
			return outcome{result: &HoldingsSyncResult{PortfolioValues: map[string]decimal.Decimal{}}}, nil
		}
		synced, res, err := e.syncHoldings(ctx, conn, mapping)
		return outcome{synced: synced, result: res}, err
	})
	return out.synced, out.result, err
}

func (e *Engine) investmentMapping(ctx context.Context, connectionID string) (map[string]string, error) {
	accounts, err := e.accounts.ListAccountsByConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	mapping := make(map[string]string)
	for _, a := range accounts {
		if a.IsInvestment {
			mapping[a.ExternalID] = a.ID
		}
	}
	return mapping, nil
}

// portfolio accumulates the investment detail of one account.
type portfolio struct {
	values []decimal.Decimal
	cash   decimal.Decimal
	count  int
	// securityIDs are the internal ids of the holdings stored this run.
	securityIDs []string
}

// syncHoldings writes holdings for the accounts in mapping, which maps
// external to internal account ids. Every mapped account gets a portfolio
// value, zero when it holds nothing.
func (e *Engine) syncHoldings(ctx context.Context, conn *connection.Connection, mapping map[string]string) (bool, *HoldingsSyncResult, error) {
	log := e.log.WithFields(logrus.Fields{
		"user_id":       conn.UserID,
		"connection_id": conn.ID,
	})
	result := &HoldingsSyncResult{PortfolioValues: make(map[string]decimal.Decimal, len(mapping))}

	totals := make(map[string]*portfolio, len(mapping))
	for _, id := range mapping {
		totals[id] = &portfolio{}
	}

	var resp *aggregator.HoldingsResponse
	err := e.call(ctx, "get_holdings", func(ctx context.Context) error {
		var err error
		resp, err = e.client.GetInvestmentHoldings(ctx, conn.AccessToken)
		return err
	})
	if err != nil {
		if !aggregator.IsNoInvestments(err) {
			return false, nil, e.observe(ctx, conn, "get_holdings", err)
		}
		log.Info("Institution reports no investment accounts")
		result.NoInvestments = true
		if err := e.writePortfolios(ctx, totals, nil, result); err != nil {
			return false, result, err
		}
		return true, result, nil
	}

	if resp.Malformed > 0 {
		log.WithField("malformed", resp.Malformed).Warn("Dropped malformed holdings records")
	}

	securities := make(map[string]*holding.Security, len(resp.Securities))
	for _, raw := range resp.Securities {
		if err := ctx.Err(); err != nil {
			return false, result, err
		}
		params := normalizeSecurity(raw)
		if err := params.Validate(); err != nil {
			result.Summary.skip(raw.SecurityID, SkipInvalidRecord, err)
			continue
		}
		sec, err := e.holdings.UpsertSecurity(ctx, params)
		if err != nil {
			log.WithField("security_id", raw.SecurityID).WithError(err).Error("Failed to save security")
			result.Summary.skip(raw.SecurityID, SkipStorageError, err)
			continue
		}
		securities[raw.SecurityID] = sec
		result.Securities++
	}

	for _, raw := range resp.Holdings {
		if err := ctx.Err(); err != nil {
			return false, result, err
		}
		ref := raw.AccountID + "/" + raw.SecurityID

		accountID, ok := mapping[raw.AccountID]
		if !ok {
			log.WithField("external_account_id", raw.AccountID).Warn("Holding for unknown account")
			result.Summary.skip(ref, SkipUnmappedAccount, nil)
			continue
		}
		sec, ok := securities[raw.SecurityID]
		if !ok {
			log.WithField("security_id", raw.SecurityID).Warn("Holding for unknown security")
			result.Summary.skip(ref, SkipUnmappedSecurity, nil)
			continue
		}

		params := normalizeHolding(raw, accountID, sec.ID)
		if _, err := e.holdings.UpsertHolding(ctx, params); err != nil {
			log.WithField("account_id", accountID).WithError(err).Error("Failed to save holding")
			result.Summary.skip(ref, SkipStorageError, err)
			continue
		}
		result.Summary.stored()
		result.Holdings++

		p := totals[accountID]
		p.values = append(p.values, params.Value())
		p.securityIDs = append(p.securityIDs, sec.ID)
		p.count++
		if strings.EqualFold(sec.Type, holding.SecurityTypeCash) {
			p.cash = p.cash.Add(params.Value())
		}
	}

	rates := make(map[string]decimal.NullDecimal, len(resp.Accounts))
	for _, a := range resp.Accounts {
		if id, ok := mapping[a.AccountID]; ok {
			rates[id] = a.CashInterestRate
		}
	}
	if err := e.writePortfolios(ctx, totals, rates, result); err != nil {
		return false, result, err
	}

	recordOutcome(ctx, "holding", result.Summary)
	log.WithFields(logrus.Fields{
		"securities": result.Securities,
		"holdings":   result.Holdings,
		"removed":    result.Removed,
		"skipped":    result.Summary.Skipped,
	}).Info("Holdings synced")
	return true, result, nil
}

// writePortfolios drops stored holdings the snapshot no longer carries and
// writes each account's totals, so the portfolio value always equals the
// sum of the account's stored holdings.
func (e *Engine) writePortfolios(ctx context.Context, totals map[string]*portfolio, rates map[string]decimal.NullDecimal, result *HoldingsSyncResult) error {
	for id, p := range totals {
		removed, err := e.holdings.DeleteHoldingsExcept(ctx, id, p.securityIDs)
		if err != nil {
			return fmt.Errorf("account %s: %w", id, err)
		}
		result.Removed += removed

		value := account.SumValues(p.values)
		err = e.accounts.SetPortfolio(ctx, id, account.InvestmentDetail{
			TotalInvestmentValue:    value,
			TotalCashValue:          p.cash,
			TotalInvestmentHoldings: p.count,
			CashInterestRate:        rates[id],
		})
		if err != nil {
			return fmt.Errorf("account %s: %w", id, err)
		}
		result.PortfolioValues[id] = value
	}
	return nil
}
