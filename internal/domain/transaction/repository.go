package transaction

import (
	"context"
	"errors"
)

// DefaultBatchSize is the number of rows written per upsert statement.
const DefaultBatchSize = 100

var ErrTransactionNotFound = errors.New("transaction not found")

// Repository defines the interface for transaction data access
type Repository interface {
	// UpsertBatch writes params in a single statement keyed by external id.
	// Callers pass at most DefaultBatchSize rows with distinct external ids.
	UpsertBatch(ctx context.Context, params []UpsertParams) (BatchResult, error)
	GetByExternalID(ctx context.Context, externalID string) (*Transaction, error)
	ListByAccountID(ctx context.Context, accountID string, limit, offset int) ([]*Transaction, error)
	CountByUserID(ctx context.Context, userID string) (int64, error)
}

// BatchErrorFunc is told about every batch that failed to store.
type BatchErrorFunc func(batch []UpsertParams, err error)

// SaveResult is the outcome of SaveAll.
type SaveResult struct {
	BatchResult
	// Stored holds the deduplicated params of every batch that succeeded.
	Stored []UpsertParams
	Failed int
}

// SaveAll dedupes params and writes them in batches of batchSize. A failing
// batch is reported to onError and the remaining batches are still written.
// Only a done ctx stops it early.
func SaveAll(ctx context.Context, repo Repository, params []UpsertParams, batchSize int, onError BatchErrorFunc) (SaveResult, error) {
	var out SaveResult
	if batchSize <= 0 || batchSize > DefaultBatchSize {
		batchSize = DefaultBatchSize
	}
	params = Dedupe(params)
	for start := 0; start < len(params); start += batchSize {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		end := min(start+batchSize, len(params))
		batch := params[start:end]
		res, err := repo.UpsertBatch(ctx, batch)
		if err != nil {
			out.Failed += len(batch)
			if onError != nil {
				onError(batch, err)
			}
			continue
		}
		out.Add(res)
		out.Stored = append(out.Stored, batch...)
	}
	return out, nil
}
