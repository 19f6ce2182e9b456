package reconcile

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"finsync/internal/domain/account"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/holding"
	"finsync/internal/domain/transaction"
	"finsync/internal/infrastructure/aggregator"
)

const unnamedAccount = "Unnamed Account"

var (
	errMissingAccountID     = errors.New("missing account id")
	errMissingTransactionID = errors.New("missing transaction id")
	errMissingDate          = errors.New("missing transaction date")
	errMissingAmount        = errors.New("missing transaction amount")
)

// accountInput is a raw account mapped to the fields the store writes.
type accountInput struct {
	params account.UpsertParams
	credit account.CreditDetail
	loan   account.LoanDetail
}

func normalizeAccount(raw aggregator.Account, conn *connection.Connection) (accountInput, error) {
	if raw.AccountID == "" {
		return accountInput{}, errMissingAccountID
	}

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		name = strings.TrimSpace(aggregator.Str(raw.OfficialName))
	}
	if name == "" {
		name = unnamedAccount
	}

	subtype := aggregator.Str(raw.Subtype)
	class := account.Classify(raw.Type, subtype, name)

	in := accountInput{
		params: account.UpsertParams{
			UserID:           conn.UserID,
			ConnectionID:     conn.ID,
			ExternalID:       raw.AccountID,
			Name:             name,
			OfficialName:     aggregator.Str(raw.OfficialName),
			Mask:             aggregator.Str(raw.Mask),
			Type:             raw.Type,
			Subtype:          subtype,
			Category:         class.Category,
			IsInvestment:     class.IsInvestment,
			IsRetirement:     class.IsRetirement,
			CurrentBalance:   raw.Balances.Current,
			AvailableBalance: raw.Balances.Available,
			CurrencyCode:     aggregator.Str(raw.Balances.IsoCurrencyCode),
			InstitutionID:    conn.InstitutionID,
			InstitutionName:  conn.InstitutionName,
		},
	}

	switch class.Category {
	case account.CategoryCredit:
		in.credit = account.CreditDetail{
			CreditLimit:     raw.Balances.Limit,
			CurrentBalance:  raw.Balances.Current,
			AvailableCredit: raw.Balances.Available,
			InterestRate:    raw.InterestRate,
			MinimumPayment:  raw.MinimumPayment,
			PaymentDueDate:  raw.PaymentDueDate.Ptr(),
		}
	case account.CategoryLoan:
		in.loan = account.LoanDetail{
			OriginalLoanAmount: raw.OriginalLoanAmount,
			CurrentBalance:     raw.Balances.Current,
			InterestRate:       raw.InterestRate,
			MinimumPayment:     raw.MinimumPayment,
			PaymentDueDate:     raw.PaymentDueDate.Ptr(),
			LoanTermMonths:     raw.LoanTermMonths,
			LoanStartDate:      raw.LoanStartDate.Ptr(),
			LoanEndDate:        raw.LoanEndDate.Ptr(),
		}
	}
	return in, nil
}

func normalizeSecurity(raw aggregator.Security) holding.SecurityParams {
	return holding.SecurityParams{
		ExternalID:      raw.SecurityID,
		Name:            strings.TrimSpace(aggregator.Str(raw.Name)),
		TickerSymbol:    aggregator.Str(raw.TickerSymbol),
		ISIN:            aggregator.Str(raw.ISIN),
		CUSIP:           aggregator.Str(raw.CUSIP),
		Type:            aggregator.Str(raw.Type),
		ClosePrice:      raw.ClosePrice,
		ClosePriceAsOf:  raw.ClosePriceAsOf.Ptr(),
		IsoCurrencyCode: aggregator.Str(raw.IsoCurrencyCode),
	}
}

func normalizeHolding(raw aggregator.Holding, accountID, securityID string) holding.HoldingParams {
	quantity := decimal.Zero
	if raw.Quantity.Valid {
		quantity = raw.Quantity.Decimal
	}
	return holding.HoldingParams{
		AccountID:            accountID,
		SecurityID:           securityID,
		Quantity:             quantity,
		CostBasis:            raw.CostBasis,
		InstitutionValue:     raw.InstitutionValue,
		InstitutionPrice:     raw.InstitutionPrice,
		InstitutionPriceAsOf: raw.InstitutionPriceAsOf.Ptr(),
	}
}

// normalizeTransaction maps a raw transaction. The category is the first
// entry of the legacy category list, falling back to the personal finance
// primary code, which also fills category_id; the detailed code becomes the
// subcategory.
func normalizeTransaction(raw aggregator.Transaction, accountID, userID string) (transaction.UpsertParams, error) {
	if raw.TransactionID == "" {
		return transaction.UpsertParams{}, errMissingTransactionID
	}
	date := raw.Date.Ptr()
	if date == nil {
		return transaction.UpsertParams{}, errMissingDate
	}
	if !raw.Amount.Valid {
		return transaction.UpsertParams{}, errMissingAmount
	}

	p := transaction.UpsertParams{
		ExternalID:      raw.TransactionID,
		AccountID:       accountID,
		UserID:          userID,
		Amount:          raw.Amount.Decimal,
		Date:            *date,
		AuthorizedDate:  raw.AuthorizedDate.Ptr(),
		Name:            raw.Name,
		MerchantName:    aggregator.Str(raw.MerchantName),
		Pending:         raw.Pending,
		PaymentChannel:  aggregator.Str(raw.PaymentChannel),
		IsoCurrencyCode: aggregator.Str(raw.IsoCurrencyCode),
	}

	if len(raw.Category) > 0 {
		p.Category = raw.Category[0]
	}
	if pfc := raw.PersonalFinanceCategory; pfc != nil {
		p.CategoryID = pfc.Primary
		p.Subcategory = pfc.Detailed
		if p.Category == "" {
			p.Category = pfc.Primary
		}
	}

	if pm := raw.PaymentMeta; pm != nil {
		p.Payment = transaction.PaymentMeta{
			ReferenceNumber: aggregator.Str(pm.ReferenceNumber),
			Payee:           aggregator.Str(pm.Payee),
			Payer:           aggregator.Str(pm.Payer),
			PaymentMethod:   aggregator.Str(pm.PaymentMethod),
		}
	}
	return p, nil
}
