package transaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidInput = errors.New("invalid input")

// Direction is the flow of money relative to the account holder.
type Direction string

const (
	DirectionOutflow Direction = "outflow"
	DirectionInflow  Direction = "inflow"
)

// PaymentMeta carries the optional payment references the aggregator exposes.
type PaymentMeta struct {
	ReferenceNumber string `json:"referenceNumber,omitempty"`
	Payee           string `json:"payee,omitempty"`
	Payer           string `json:"payer,omitempty"`
	PaymentMethod   string `json:"paymentMethod,omitempty"`
}

// Transaction is a stored transaction. Amount keeps the upstream sign:
// positive values are outflows, negative values are inflows.
type Transaction struct {
	ID              string          `json:"id"`
	ExternalID      string          `json:"transactionId"`
	AccountID       string          `json:"accountId"`
	UserID          string          `json:"userId"`
	Amount          decimal.Decimal `json:"amount"`
	Date            time.Time       `json:"date"`
	AuthorizedDate  *time.Time      `json:"authorizedDate,omitempty"`
	Name            string          `json:"name"`
	MerchantName    string          `json:"merchantName,omitempty"`
	Category        string          `json:"category,omitempty"`
	CategoryID      string          `json:"categoryId,omitempty"`
	Subcategory     string          `json:"subcategory,omitempty"`
	Pending         bool            `json:"pending"`
	PaymentChannel  string          `json:"paymentChannel,omitempty"`
	IsoCurrencyCode string          `json:"isoCurrencyCode,omitempty"`
	Payment         PaymentMeta     `json:"payment"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Direction interprets the stored sign.
func (t Transaction) Direction() Direction {
	if t.Amount.IsNegative() {
		return DirectionInflow
	}
	return DirectionOutflow
}

func (t Transaction) IsInflow() bool {
	return t.Direction() == DirectionInflow
}

// CategoryName is the display name of the primary category code.
func (t Transaction) CategoryName() string {
	return TranslateCategory(t.CategoryID)
}

// UpsertParams is used for syncing transactions from the aggregator.
// ExternalID is the conflict key; on conflict only Pending and the
// category fields are rewritten.
type UpsertParams struct {
	ExternalID      string
	AccountID       string
	UserID          string
	Amount          decimal.Decimal
	Date            time.Time
	AuthorizedDate  *time.Time
	Name            string
	MerchantName    string
	Category        string
	CategoryID      string
	Subcategory     string
	Pending         bool
	PaymentChannel  string
	IsoCurrencyCode string
	Payment         PaymentMeta
}

func (p UpsertParams) Validate() error {
	if p.ExternalID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	if p.AccountID == "" || p.UserID == "" {
		return fmt.Errorf("%w: account id and user id are required", ErrInvalidInput)
	}
	if p.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidInput)
	}
	return nil
}

// Transaction returns the params as an unsaved Transaction.
func (p UpsertParams) Transaction() Transaction {
	return Transaction{
		ExternalID:      p.ExternalID,
		AccountID:       p.AccountID,
		UserID:          p.UserID,
		Amount:          p.Amount,
		Date:            p.Date,
		AuthorizedDate:  p.AuthorizedDate,
		Name:            p.Name,
		MerchantName:    p.MerchantName,
		Category:        p.Category,
		CategoryID:      p.CategoryID,
		Subcategory:     p.Subcategory,
		Pending:         p.Pending,
		PaymentChannel:  p.PaymentChannel,
		IsoCurrencyCode: p.IsoCurrencyCode,
		Payment:         p.Payment,
	}
}

// Dedupe keeps the last occurrence of each external id, preserving the
// position of its first occurrence.
func Dedupe(params []UpsertParams) []UpsertParams {
	pos := make(map[string]int, len(params))
	out := make([]UpsertParams, 0, len(params))
	for _, p := range params {
		if i, ok := pos[p.ExternalID]; ok {
			out[i] = p
			continue
		}
		pos[p.ExternalID] = len(out)
		out = append(out, p)
	}
	return out
}

// BatchResult counts the rows a batch upsert inserted and updated.
type BatchResult struct {
	Inserted int
	Updated  int
}

func (r *BatchResult) Add(o BatchResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
}
