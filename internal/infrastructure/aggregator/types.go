package aggregator

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Date is a calendar date as sent by the aggregator. Unparseable values
// decode to the zero Date instead of failing the whole payload.
type Date struct {
	time.Time
}

func NewDate(t time.Time) Date {
	return Date{Time: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

func (d *Date) UnmarshalJSON(b []byte) error {
	d.Time = time.Time{}
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil || s == "" {
		return nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		d.Time = t
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		d.Time = t
	}
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(dateLayout))
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

// Ptr returns nil for a missing or zero date.
func (d *Date) Ptr() *time.Time {
	if d == nil || d.IsZero() {
		return nil
	}
	t := d.Time
	return &t
}

// LinkTokenRequest asks for a token that starts the institution link flow.
// Setting AccessToken creates an update-mode token for an existing item.
type LinkTokenRequest struct {
	UserID      string
	AccessToken string
}

type linkTokenUser struct {
	ClientUserID string `json:"client_user_id"`
}

type linkTokenCreateBody struct {
	ClientName   string        `json:"client_name"`
	Language     string        `json:"language"`
	CountryCodes []string      `json:"country_codes"`
	User         linkTokenUser `json:"user"`
	Products     []string      `json:"products,omitempty"`
	AccessToken  string        `json:"access_token,omitempty"`
	Webhook      string        `json:"webhook,omitempty"`
	RedirectURI  string        `json:"redirect_uri,omitempty"`
}

// LinkToken is the response of link token creation.
type LinkToken struct {
	LinkToken  string    `json:"link_token"`
	Expiration time.Time `json:"expiration"`
	RequestID  string    `json:"request_id"`
}

type exchangeBody struct {
	PublicToken string `json:"public_token"`
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
	RequestID   string `json:"request_id"`
}

type accessTokenBody struct {
	AccessToken string `json:"access_token"`
}

// Balances are the balances of an account. Every field may be absent.
type Balances struct {
	Available       decimal.NullDecimal `json:"available"`
	Current         decimal.NullDecimal `json:"current"`
	Limit           decimal.NullDecimal `json:"limit"`
	IsoCurrencyCode *string             `json:"iso_currency_code"`
}

// Account is a raw account. Credit and loan fields are only present for
// institutions that report them.
type Account struct {
	AccountID    string   `json:"account_id"`
	Name         string   `json:"name"`
	OfficialName *string  `json:"official_name"`
	Mask         *string  `json:"mask"`
	Type         string   `json:"type"`
	Subtype      *string  `json:"subtype"`
	Balances     Balances `json:"balances"`

	InterestRate       decimal.NullDecimal `json:"interest_rate"`
	MinimumPayment     decimal.NullDecimal `json:"minimum_payment"`
	PaymentDueDate     *Date               `json:"payment_due_date"`
	OriginalLoanAmount decimal.NullDecimal `json:"original_loan_amount"`
	LoanTermMonths     *int                `json:"loan_term_months"`
	LoanStartDate      *Date               `json:"loan_start_date"`
	LoanEndDate        *Date               `json:"loan_end_date"`
	CashInterestRate   decimal.NullDecimal `json:"cash_interest_rate"`
}

// Item describes the linked credential on the aggregator side.
type Item struct {
	ItemID        string  `json:"item_id"`
	InstitutionID *string `json:"institution_id"`
}

// AccountsResponse lists the accounts of an item. Malformed counts records
// that could not be decoded at all and were dropped.
type AccountsResponse struct {
	Accounts  []Account `json:"accounts"`
	Item      Item      `json:"item"`
	RequestID string    `json:"request_id"`
	Malformed int       `json:"-"`
}

type Security struct {
	SecurityID      string              `json:"security_id"`
	Name            *string             `json:"name"`
	TickerSymbol    *string             `json:"ticker_symbol"`
	ISIN            *string             `json:"isin"`
	CUSIP           *string             `json:"cusip"`
	Type            *string             `json:"type"`
	ClosePrice      decimal.NullDecimal `json:"close_price"`
	ClosePriceAsOf  *Date               `json:"close_price_as_of"`
	IsoCurrencyCode *string             `json:"iso_currency_code"`
}

type Holding struct {
	AccountID            string              `json:"account_id"`
	SecurityID           string              `json:"security_id"`
	Quantity             decimal.NullDecimal `json:"quantity"`
	CostBasis            decimal.NullDecimal `json:"cost_basis"`
	InstitutionValue     decimal.NullDecimal `json:"institution_value"`
	InstitutionPrice     decimal.NullDecimal `json:"institution_price"`
	InstitutionPriceAsOf *Date               `json:"institution_price_as_of"`
	IsoCurrencyCode      *string             `json:"iso_currency_code"`
}

type HoldingsResponse struct {
	Accounts   []Account  `json:"accounts"`
	Holdings   []Holding  `json:"holdings"`
	Securities []Security `json:"securities"`
	RequestID  string     `json:"request_id"`
	Malformed  int        `json:"-"`
}

// TransactionsRequest selects one page of transactions in [Start, End].
type TransactionsRequest struct {
	Start  time.Time
	End    time.Time
	Offset int
	Count  int
}

type transactionsOptions struct {
	Count  int `json:"count"`
	Offset int `json:"offset"`
}

type transactionsBody struct {
	AccessToken string              `json:"access_token"`
	StartDate   string              `json:"start_date"`
	EndDate     string              `json:"end_date"`
	Options     transactionsOptions `json:"options"`
}

type PersonalFinanceCategory struct {
	Primary  string `json:"primary"`
	Detailed string `json:"detailed"`
}

type PaymentMeta struct {
	ReferenceNumber *string `json:"reference_number"`
	Payee           *string `json:"payee"`
	Payer           *string `json:"payer"`
	PaymentMethod   *string `json:"payment_method"`
}

// Transaction is a raw transaction. Amount is positive for money leaving
// the account.
type Transaction struct {
	TransactionID           string                   `json:"transaction_id"`
	AccountID               string                   `json:"account_id"`
	Amount                  decimal.NullDecimal      `json:"amount"`
	IsoCurrencyCode         *string                  `json:"iso_currency_code"`
	Date                    *Date                    `json:"date"`
	AuthorizedDate          *Date                    `json:"authorized_date"`
	Name                    string                   `json:"name"`
	MerchantName            *string                  `json:"merchant_name"`
	Category                []string                 `json:"category"`
	CategoryID              *string                  `json:"category_id"`
	PersonalFinanceCategory *PersonalFinanceCategory `json:"personal_finance_category"`
	Pending                 bool                     `json:"pending"`
	PaymentChannel          *string                  `json:"payment_channel"`
	PaymentMeta             *PaymentMeta             `json:"payment_meta"`
}

// TransactionsResponse is one page. HasMore is derived from the request
// offset and TotalTransactions. Malformed counts dropped transactions.
type TransactionsResponse struct {
	Accounts          []Account     `json:"accounts"`
	Transactions      []Transaction `json:"transactions"`
	TotalTransactions int           `json:"total_transactions"`
	RequestID         string        `json:"request_id"`
	HasMore           bool          `json:"-"`
	Malformed         int           `json:"-"`
}

// Received counts the records the page carried, including the malformed
// ones that were dropped. The next page starts that many records later.
func (r *TransactionsResponse) Received() int {
	return len(r.Transactions) + r.Malformed
}

type institutionOptions struct {
	IncludeOptionalMetadata bool `json:"include_optional_metadata"`
}

type institutionBody struct {
	InstitutionID string             `json:"institution_id"`
	CountryCodes  []string           `json:"country_codes"`
	Options       institutionOptions `json:"options"`
}

type Institution struct {
	InstitutionID string  `json:"institution_id"`
	Name          string  `json:"name"`
	Logo          *string `json:"logo"`
	URL           *string `json:"url"`
}

type institutionResponse struct {
	Institution Institution `json:"institution"`
	RequestID   string      `json:"request_id"`
}

// Str dereferences an optional string.
func Str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
