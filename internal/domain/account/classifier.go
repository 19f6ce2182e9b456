package account

import "strings"

// Category is the normalized account classification.
type Category string

const (
	CategoryDepository Category = "depository"
	CategoryCredit     Category = "credit"
	CategoryLoan       Category = "loan"
	CategoryInvestment Category = "investment"
	CategoryOther      Category = "other"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryDepository, CategoryCredit, CategoryLoan, CategoryInvestment, CategoryOther:
		return true
	}
	return false
}

// Classification is the result of Classify.
type Classification struct {
	Category     Category
	IsInvestment bool
	IsRetirement bool
}

var (
	// Matched as substrings of type and subtype.
	investmentTerms = []string{
		"investment", "retirement", "brokerage", "cash management",
		"401k", "ira", "roth", "403b",
	}
	// Matched as substrings of the display name. Upstream data often labels
	// brokerage and retirement accounts only through their name.
	investmentNameTerms = []string{"investment", "brokerage", "retirement", "401k", "ira"}

	retirementTerms = []string{"retirement", "401k", "ira", "roth", "403b", "pension"}

	// Exact subtypes that always denote an investment account.
	investmentSubtypes = map[string]struct{}{
		"401a": {}, "401k": {}, "403b": {}, "457b": {}, "529": {},
		"brokerage": {}, "cash isa": {}, "education savings account": {},
		"fixed annuity": {}, "gic": {}, "health reimbursement arrangement": {},
		"hsa": {}, "ira": {}, "isa": {}, "keogh": {}, "lif": {}, "lira": {},
		"lrif": {}, "lrsp": {}, "mutual fund": {}, "non-taxable brokerage account": {},
		"pension": {}, "prif": {}, "profit sharing plan": {}, "qshr": {},
		"rdsp": {}, "resp": {}, "retirement": {}, "rlif": {}, "roth": {},
		"roth 401k": {}, "rrif": {}, "rrsp": {}, "sarsep": {}, "sep ira": {},
		"simple ira": {}, "sipp": {}, "stock plan": {}, "tfsa": {}, "trust": {},
		"ugma": {}, "utma": {}, "variable annuity": {}, "annuity": {},
	}

	directCategories = map[string]Category{
		"depository": CategoryDepository,
		"credit":     CategoryCredit,
		"loan":       CategoryLoan,
	}
)

// Classify maps raw account attributes to a category and flags. The
// heuristics are deliberately loose: type and subtype are substring matched
// against investment terms before the literal type is consulted, so an
// unrecognized type with subtype "401k" still lands in investment.
func Classify(accountType, subtype, name string) Classification {
	t := strings.ToLower(strings.TrimSpace(accountType))
	st := strings.ToLower(strings.TrimSpace(subtype))
	n := strings.ToLower(strings.TrimSpace(name))

	c := Classification{
		IsRetirement: isRetirement(t, st, n),
	}

	switch {
	case containsAny(t, investmentTerms) || containsAny(st, investmentTerms) || containsAny(n, investmentNameTerms):
		c.Category = CategoryInvestment
	default:
		if cat, ok := directCategories[t]; ok {
			c.Category = cat
		} else {
			c.Category = CategoryOther
		}
	}

	c.IsInvestment = c.Category == CategoryInvestment || isInvestmentSubtype(st)
	if c.IsInvestment && c.Category == CategoryOther {
		c.Category = CategoryInvestment
	}

	return c
}

func isRetirement(t, st, n string) bool {
	return strings.Contains(t, "retirement") || containsAny(st, retirementTerms) || containsAny(n, retirementTerms)
}

func isInvestmentSubtype(st string) bool {
	_, ok := investmentSubtypes[st]
	return ok
}

func containsAny(s string, terms []string) bool {
	if s == "" {
		return false
	}
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}
