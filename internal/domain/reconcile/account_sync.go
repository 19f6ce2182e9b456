package reconcile

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/account"
	"finsync/internal/domain/connection"
	"finsync/internal/infrastructure/aggregator"
)

// SyncAccounts pulls the account snapshot of a connection and upserts it.
func (e *Engine) SyncAccounts(ctx context.Context, connectionID string) (*AccountSyncResult, error) {
	return exclusive(ctx, e, connectionID, "accounts", func(ctx context.Context) (*AccountSyncResult, error) {
		conn, err := e.loadConnection(ctx, connectionID)
		if err != nil {
			return nil, err
		}
		return e.syncAccounts(ctx, conn, AccountSyncOptions{})
	})
}

func (e *Engine) syncAccounts(ctx context.Context, conn *connection.Connection, opts AccountSyncOptions) (*AccountSyncResult, error) {
	log := e.log.WithFields(logrus.Fields{
		"user_id":       conn.UserID,
		"connection_id": conn.ID,
		"item_id":       conn.ItemID,
	})

	var resp *aggregator.AccountsResponse
	err := e.call(ctx, "get_accounts", func(ctx context.Context) error {
		var err error
		resp, err = e.client.GetAccounts(ctx, conn.AccessToken)
		return err
	})
	if err != nil {
		return nil, e.observe(ctx, conn, "get_accounts", err)
	}
	if resp.Malformed > 0 {
		log.WithField("malformed", resp.Malformed).Warn("Dropped malformed accounts")
	}

	stored, err := e.accounts.ListAccountsByUserID(ctx, conn.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored accounts: %w", err)
	}
	idx := account.NewIndex(stored)

	reconnectFrom := ""
	if opts.IsReconnect {
		reconnectFrom = opts.PriorConnectionID
		if reconnectFrom == "" {
			reconnectFrom = conn.ID
		}
	}

	result := &AccountSyncResult{
		InvestmentAccounts: make(map[string]string),
		InstitutionID:      aggregator.Str(resp.Item.InstitutionID),
	}
	claimed := make(map[string]bool)

	for _, raw := range resp.Accounts {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		in, err := normalizeAccount(raw, conn)
		if err != nil {
			log.WithError(err).Warn("Skipping malformed account")
			result.Summary.skip(raw.AccountID, SkipInvalidRecord, err)
			continue
		}

		existing, kind := idx.Match(raw.AccountID, in.params.Name, reconnectFrom, claimed)
		if kind == account.MatchName {
			log.WithFields(logrus.Fields{
				"account_id":  existing.ID,
				"external_id": raw.AccountID,
			}).Info("Matched reconnected account by name")
		}

		acc, created, err := e.accounts.Save(ctx, existing, in.params)
		if err != nil {
			log.WithField("external_id", raw.AccountID).WithError(err).Error("Failed to save account")
			result.Summary.skip(raw.AccountID, SkipStorageError, err)
			continue
		}
		claimed[acc.ID] = true
		result.Summary.stored()
		if created {
			result.Created++
		} else {
			result.Updated++
		}

		switch in.params.Category {
		case account.CategoryCredit:
			if _, err := e.accounts.SaveCreditDetail(ctx, acc.ID, in.credit); err != nil {
				log.WithField("account_id", acc.ID).WithError(err).Warn("Failed to save credit detail")
			}
		case account.CategoryLoan:
			if _, err := e.accounts.SaveLoanDetail(ctx, acc.ID, in.loan); err != nil {
				log.WithField("account_id", acc.ID).WithError(err).Warn("Failed to save loan detail")
			}
		}

		if acc.IsInvestment {
			result.InvestmentAccounts[acc.ExternalID] = acc.ID
		}
		result.Accounts = append(result.Accounts, acc)
	}

	recordOutcome(ctx, "account", result.Summary)
	log.WithFields(logrus.Fields{
		"created": result.Created,
		"updated": result.Updated,
		"skipped": result.Summary.Skipped,
	}).Info("Accounts synced")
	return result, nil
}
