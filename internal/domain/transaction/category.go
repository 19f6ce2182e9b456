package transaction

import "strings"

// PersonalFinanceCategory is one primary category of the aggregator's
// personal finance taxonomy.
type PersonalFinanceCategory struct {
	Code        string `json:"code"`
	DisplayName string `json:"displayName"`
	Inflow      bool   `json:"inflow"`
}

// CategoryMapping maps primary taxonomy codes to display names.
// Key: upstream primary code (e.g., "FOOD_AND_DRINK")
var CategoryMapping = map[string]PersonalFinanceCategory{
	"INCOME":                    {DisplayName: "Income", Inflow: true},
	"TRANSFER_IN":               {DisplayName: "Transfer In", Inflow: true},
	"TRANSFER_OUT":              {DisplayName: "Transfer Out"},
	"LOAN_PAYMENTS":             {DisplayName: "Loan Payments"},
	"BANK_FEES":                 {DisplayName: "Bank Fees"},
	"ENTERTAINMENT":             {DisplayName: "Entertainment"},
	"FOOD_AND_DRINK":            {DisplayName: "Food and Drink"},
	"GENERAL_MERCHANDISE":       {DisplayName: "General Merchandise"},
	"HOME_IMPROVEMENT":          {DisplayName: "Home Improvement"},
	"MEDICAL":                   {DisplayName: "Medical"},
	"PERSONAL_CARE":             {DisplayName: "Personal Care"},
	"GENERAL_SERVICES":          {DisplayName: "General Services"},
	"GOVERNMENT_AND_NON_PROFIT": {DisplayName: "Government and Non-Profit"},
	"TRANSPORTATION":            {DisplayName: "Transportation"},
	"TRAVEL":                    {DisplayName: "Travel"},
	"RENT_AND_UTILITIES":        {DisplayName: "Rent and Utilities"},
}

func init() {
	for code, c := range CategoryMapping {
		c.Code = code
		CategoryMapping[code] = c
	}
}

// GetCategoryKey returns the primary code for a code or display name.
// Returns "" if no mapping is found.
func GetCategoryKey(category string) string {
	if category == "" {
		return ""
	}
	if _, ok := CategoryMapping[category]; ok {
		return category
	}
	for code, c := range CategoryMapping {
		if strings.EqualFold(c.DisplayName, category) {
			return code
		}
	}
	return ""
}

// TranslateCategory returns the display name for a primary code. Unknown
// codes are humanized ("SOME_CODE" -> "Some Code").
func TranslateCategory(code string) string {
	if code == "" {
		return ""
	}
	if c, ok := CategoryMapping[code]; ok {
		return c.DisplayName
	}
	words := strings.Fields(strings.ReplaceAll(strings.ToLower(code), "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
