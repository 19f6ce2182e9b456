package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_Direction(t *testing.T) {
	tests := []struct {
		amount string
		want   Direction
	}{
		{"12.50", DirectionOutflow},
		{"-1000", DirectionInflow},
		{"0", DirectionOutflow},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			tx := Transaction{Amount: decimal.RequireFromString(tt.amount)}
			assert.Equal(t, tt.want, tx.Direction())
			assert.Equal(t, tt.want == DirectionInflow, tx.IsInflow())
		})
	}
}

func TestUpsertParams_Validate(t *testing.T) {
	valid := UpsertParams{ExternalID: "tx-1", AccountID: "a", UserID: "u", Date: time.Now()}
	require.NoError(t, valid.Validate())

	noID := valid
	noID.ExternalID = ""
	assert.ErrorIs(t, noID.Validate(), ErrInvalidInput)

	noDate := valid
	noDate.Date = time.Time{}
	assert.ErrorIs(t, noDate.Validate(), ErrInvalidInput)

	noAccount := valid
	noAccount.AccountID = ""
	assert.ErrorIs(t, noAccount.Validate(), ErrInvalidInput)
}

func TestDedupe_LastOccurrenceWins(t *testing.T) {
	in := []UpsertParams{
		{ExternalID: "a", Pending: true},
		{ExternalID: "b"},
		{ExternalID: "a", Pending: false, Category: "Food"},
	}
	out := Dedupe(in)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ExternalID)
	assert.False(t, out[0].Pending)
	assert.Equal(t, "Food", out[0].Category)
	assert.Equal(t, "b", out[1].ExternalID)
}

type batchRepo struct {
	Repository
	batches [][]UpsertParams
	calls   int
	failAt  int
}

func (r *batchRepo) UpsertBatch(_ context.Context, params []UpsertParams) (BatchResult, error) {
	r.calls++
	if r.calls == r.failAt {
		return BatchResult{}, errors.New("boom")
	}
	r.batches = append(r.batches, params)
	return BatchResult{Inserted: len(params)}, nil
}

func makeParams(n int) []UpsertParams {
	out := make([]UpsertParams, n)
	for i := range out {
		out[i] = UpsertParams{ExternalID: string(rune('A'+i%26)) + decimal.NewFromInt(int64(i)).String()}
	}
	return out
}

func TestSaveAll(t *testing.T) {
	t.Run("splits into batches", func(t *testing.T) {
		repo := &batchRepo{}
		res, err := SaveAll(context.Background(), repo, makeParams(250), 0, nil)
		require.NoError(t, err)
		assert.Equal(t, 250, res.Inserted)
		require.Len(t, repo.batches, 3)
		assert.Len(t, repo.batches[0], 100)
		assert.Len(t, repo.batches[2], 50)
	})

	t.Run("caps batch size", func(t *testing.T) {
		repo := &batchRepo{}
		_, err := SaveAll(context.Background(), repo, makeParams(150), 1000, nil)
		require.NoError(t, err)
		assert.Len(t, repo.batches, 2)
	})

	t.Run("continues past failing batch", func(t *testing.T) {
		repo := &batchRepo{failAt: 2}
		var failed []UpsertParams
		res, err := SaveAll(context.Background(), repo, makeParams(250), 100, func(batch []UpsertParams, err error) {
			assert.EqualError(t, err, "boom")
			failed = append(failed, batch...)
		})
		require.NoError(t, err)
		assert.Equal(t, 150, res.Inserted)
		assert.Equal(t, 100, res.Failed)
		assert.Len(t, res.Stored, 150)
		assert.Len(t, failed, 100)
		assert.Equal(t, 3, repo.calls)
	})

	t.Run("stops when context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		repo := &batchRepo{}
		_, err := SaveAll(ctx, repo, makeParams(10), 100, nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, repo.calls)
	})

	t.Run("empty input", func(t *testing.T) {
		repo := &batchRepo{}
		res, err := SaveAll(context.Background(), repo, nil, 100, nil)
		require.NoError(t, err)
		assert.Zero(t, res.Inserted)
		assert.Empty(t, repo.batches)
	})
}
