package account

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Domain errors
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidInput    = errors.New("invalid input")
)

// Account is a financial account mirrored from the aggregator.
type Account struct {
	ID               string              `json:"id"`
	UserID           string              `json:"userId"`
	ConnectionID     string              `json:"connectionId"`
	ExternalID       string              `json:"accountId"`
	Name             string              `json:"name"`
	OfficialName     string              `json:"officialName,omitempty"`
	Mask             string              `json:"mask,omitempty"`
	Type             string              `json:"type"`
	Subtype          string              `json:"subtype,omitempty"`
	Category         Category            `json:"category"`
	IsInvestment     bool                `json:"isInvestment"`
	IsRetirement     bool                `json:"isRetirement"`
	CurrentBalance   decimal.NullDecimal `json:"currentBalance"`
	AvailableBalance decimal.NullDecimal `json:"availableBalance"`
	CurrencyCode     string              `json:"isoCurrencyCode"`
	PortfolioValue   decimal.NullDecimal `json:"portfolioValue"`
	InstitutionID    string              `json:"institutionId,omitempty"`
	InstitutionName  string              `json:"institutionName,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// UpsertParams carries the normalized fields written on every account sync.
type UpsertParams struct {
	UserID           string
	ConnectionID     string
	ExternalID       string
	Name             string
	OfficialName     string
	Mask             string
	Type             string
	Subtype          string
	Category         Category
	IsInvestment     bool
	IsRetirement     bool
	CurrentBalance   decimal.NullDecimal
	AvailableBalance decimal.NullDecimal
	CurrencyCode     string
	InstitutionID    string
	InstitutionName  string
}

// Validate checks the invariants every stored account must satisfy.
func (p UpsertParams) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if p.ConnectionID == "" {
		return fmt.Errorf("%w: connection id is required", ErrInvalidInput)
	}
	if p.ExternalID == "" {
		return fmt.Errorf("%w: external account id is required", ErrInvalidInput)
	}
	if !p.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, p.Category)
	}
	return nil
}

// CreditDetail extends a credit account.
type CreditDetail struct {
	CreditLimit     decimal.NullDecimal
	CurrentBalance  decimal.NullDecimal
	AvailableCredit decimal.NullDecimal
	InterestRate    decimal.NullDecimal
	MinimumPayment  decimal.NullDecimal
	PaymentDueDate  *time.Time
}

// HasAny reports whether any field was supplied by the aggregator.
func (d CreditDetail) HasAny() bool {
	return d.CreditLimit.Valid || d.CurrentBalance.Valid || d.AvailableCredit.Valid ||
		d.InterestRate.Valid || d.MinimumPayment.Valid || d.PaymentDueDate != nil
}

// LoanDetail extends a loan account.
type LoanDetail struct {
	OriginalLoanAmount decimal.NullDecimal
	CurrentBalance     decimal.NullDecimal
	InterestRate       decimal.NullDecimal
	MinimumPayment     decimal.NullDecimal
	PaymentDueDate     *time.Time
	LoanTermMonths     *int
	LoanStartDate      *time.Time
	LoanEndDate        *time.Time
}

func (d LoanDetail) HasAny() bool {
	return d.OriginalLoanAmount.Valid || d.CurrentBalance.Valid || d.InterestRate.Valid ||
		d.MinimumPayment.Valid || d.PaymentDueDate != nil || d.LoanTermMonths != nil ||
		d.LoanStartDate != nil || d.LoanEndDate != nil
}

// InvestmentDetail extends an investment account. It is derived from the
// account's holdings on every holdings sync.
type InvestmentDetail struct {
	TotalInvestmentValue    decimal.Decimal
	TotalCashValue          decimal.Decimal
	TotalInvestmentHoldings int
	CashInterestRate        decimal.NullDecimal
}
