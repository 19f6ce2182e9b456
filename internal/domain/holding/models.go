// Package holding models securities and the positions accounts hold in them.
package holding

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidInput = errors.New("invalid input")

// SecurityTypeCash is the security type aggregators use for cash positions.
const SecurityTypeCash = "cash"

// Security is global and shared by all users, deduplicated by ExternalID.
type Security struct {
	ID              string              `json:"id"`
	ExternalID      string              `json:"securityId"`
	Name            string              `json:"name"`
	TickerSymbol    string              `json:"tickerSymbol,omitempty"`
	ISIN            string              `json:"isin,omitempty"`
	CUSIP           string              `json:"cusip,omitempty"`
	Type            string              `json:"type,omitempty"`
	ClosePrice      decimal.NullDecimal `json:"closePrice"`
	ClosePriceAsOf  *time.Time          `json:"closePriceAsOf,omitempty"`
	IsoCurrencyCode string              `json:"isoCurrencyCode"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// SecurityParams are the normalized fields of an upstream security.
type SecurityParams struct {
	ExternalID      string
	Name            string
	TickerSymbol    string
	ISIN            string
	CUSIP           string
	Type            string
	ClosePrice      decimal.NullDecimal
	ClosePriceAsOf  *time.Time
	IsoCurrencyCode string
}

// Validate fills defaults and checks required fields. Name is left empty
// when the aggregator sent none so an update keeps the stored name.
func (p *SecurityParams) Validate() error {
	if p.ExternalID == "" {
		return fmt.Errorf("%w: security id is required", ErrInvalidInput)
	}
	if p.IsoCurrencyCode == "" {
		p.IsoCurrencyCode = "USD"
	}
	return nil
}

// InsertName is the name a newly stored security gets. A security is never
// stored without a name.
func (p SecurityParams) InsertName() string {
	if p.Name != "" {
		return p.Name
	}
	return FallbackSecurityName(p.TickerSymbol, p.ExternalID)
}

// FallbackSecurityName is the display name of a security the aggregator sent without one.
func FallbackSecurityName(ticker, externalID string) string {
	ref := ticker
	if ref == "" {
		ref = externalID
	}
	return fmt.Sprintf("Unknown Security (%s)", ref)
}

// Holding is a position of one account in one security.
type Holding struct {
	ID                   string              `json:"id"`
	AccountID            string              `json:"accountId"`
	SecurityID           string              `json:"securityId"`
	Quantity             decimal.Decimal     `json:"quantity"`
	CostBasis            decimal.NullDecimal `json:"costBasis"`
	InstitutionValue     decimal.NullDecimal `json:"institutionValue"`
	InstitutionPrice     decimal.NullDecimal `json:"institutionPrice"`
	InstitutionPriceAsOf *time.Time          `json:"institutionPriceAsOf,omitempty"`
	UpdatedAt            time.Time           `json:"updatedAt"`
}

// HoldingParams are keyed by (AccountID, SecurityID), both internal ids.
type HoldingParams struct {
	AccountID            string
	SecurityID           string
	Quantity             decimal.Decimal
	CostBasis            decimal.NullDecimal
	InstitutionValue     decimal.NullDecimal
	InstitutionPrice     decimal.NullDecimal
	InstitutionPriceAsOf *time.Time
}

func (p HoldingParams) Validate() error {
	if p.AccountID == "" || p.SecurityID == "" {
		return fmt.Errorf("%w: account id and security id are required", ErrInvalidInput)
	}
	return nil
}

// Value is the institution value used for portfolio totals. Missing values count as zero.
func (p HoldingParams) Value() decimal.Decimal {
	if p.InstitutionValue.Valid {
		return p.InstitutionValue.Decimal
	}
	return decimal.Zero
}
