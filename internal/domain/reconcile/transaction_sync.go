package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/account"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/transaction"
	"finsync/internal/infrastructure/aggregator"
)

var ErrInvalidWindow = errors.New("transaction window start must not be after end")

// SyncTransactions pulls every transaction of the connection dated within
// [start, end] and upserts them.
func (e *Engine) SyncTransactions(ctx context.Context, connectionID string, start, end time.Time) (*TransactionSyncResult, error) {
	if start.After(end) {
		return nil, ErrInvalidWindow
	}
	return exclusive(ctx, e, connectionID, "transactions", func(ctx context.Context) (*TransactionSyncResult, error) {
		conn, err := e.loadConnection(ctx, connectionID)
		if err != nil {
			return nil, err
		}
		mapping, err := e.accountMapping(ctx, conn.ID)
		if err != nil {
			return nil, err
		}
		return e.syncTransactions(ctx, conn, mapping, start, end)
	})
}

func (e *Engine) accountMapping(ctx context.Context, connectionID string) (map[string]string, error) {
	accounts, err := e.accounts.ListAccountsByConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	return account.NewIndex(accounts).ExternalToInternal(), nil
}

// syncTransactions pages through the window and stores what it collected.
// A credential failure aborts without storing anything; any other page
// failure stores the pages fetched so far and flags the result Incomplete.
func (e *Engine) syncTransactions(ctx context.Context, conn *connection.Connection, mapping map[string]string, start, end time.Time) (*TransactionSyncResult, error) {
	log := e.log.WithFields(logrus.Fields{
		"user_id":       conn.UserID,
		"connection_id": conn.ID,
		"start":         start.Format(time.DateOnly),
		"end":           end.Format(time.DateOnly),
	})
	result := &TransactionSyncResult{}

	var collected []transaction.UpsertParams
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			result.Incomplete = true
			result.FetchErr = err
			break
		}

		req := aggregator.TransactionsRequest{Start: start, End: end, Offset: offset, Count: e.cfg.PageSize}
		var page *aggregator.TransactionsResponse
		err := e.call(ctx, "get_transactions", func(ctx context.Context) error {
			var err error
			page, err = e.client.GetTransactions(ctx, conn.AccessToken, req)
			return err
		})
		if err != nil {
			err = e.observe(ctx, conn, "get_transactions", err)
			if errors.Is(err, ErrCredentialInvalid) {
				return nil, err
			}
			log.WithField("offset", offset).WithError(err).Warn("Transaction page failed, storing collected pages")
			result.Incomplete = true
			result.FetchErr = err
			break
		}
		result.Pages++
		result.Fetched += len(page.Transactions)
		if page.Malformed > 0 {
			log.WithFields(logrus.Fields{"offset": offset, "malformed": page.Malformed}).Warn("Dropped malformed transactions")
		}

		for _, raw := range page.Transactions {
			accountID, ok := mapping[raw.AccountID]
			if !ok {
				log.WithField("external_account_id", raw.AccountID).Warn("Transaction for unknown account")
				result.Summary.skip(raw.TransactionID, SkipUnmappedAccount, nil)
				continue
			}
			params, err := normalizeTransaction(raw, accountID, conn.UserID)
			if err != nil {
				result.Summary.skip(raw.TransactionID, SkipInvalidRecord, err)
				continue
			}
			collected = append(collected, params)
		}

		offset += page.Received()
		if page.Received() == 0 || !page.HasMore || offset >= page.TotalTransactions {
			break
		}
	}

	// Storing must finish even if ctx expired while paging.
	saved, err := transaction.SaveAll(context.WithoutCancel(ctx), e.transactions, collected, e.cfg.BatchSize,
		func(batch []transaction.UpsertParams, err error) {
			log.WithField("batch_size", len(batch)).WithError(err).Error("Failed to store transaction batch")
			for _, p := range batch {
				result.Summary.skip(p.ExternalID, SkipStorageError, err)
			}
		})
	if err != nil {
		return result, err
	}

	result.Inserted = saved.Inserted
	result.Updated = saved.Updated
	result.Transactions = make([]transaction.Transaction, 0, len(saved.Stored))
	for _, p := range saved.Stored {
		result.Transactions = append(result.Transactions, p.Transaction())
		result.Summary.stored()
	}

	recordOutcome(ctx, "transaction", result.Summary)
	log.WithFields(logrus.Fields{
		"pages":      result.Pages,
		"fetched":    result.Fetched,
		"inserted":   result.Inserted,
		"updated":    result.Updated,
		"skipped":    result.Summary.Skipped,
		"incomplete": result.Incomplete,
	}).Info("Transactions synced")
	return result, nil
}
