package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error types reported by the aggregator, plus ErrorTypeNetwork for
// failures that never reached it.
const (
	ErrorTypeItem        = "ITEM_ERROR"
	ErrorTypeInvalidReq  = "INVALID_REQUEST"
	ErrorTypeInvalidIn   = "INVALID_INPUT"
	ErrorTypeInstitution = "INSTITUTION_ERROR"
	ErrorTypeRateLimit   = "RATE_LIMIT_EXCEEDED"
	ErrorTypeAPI         = "API_ERROR"
	ErrorTypeNetwork     = "NETWORK_ERROR"
)

const (
	CodeItemLoginRequired     = "ITEM_LOGIN_REQUIRED"
	CodeInvalidAccessToken    = "INVALID_ACCESS_TOKEN"
	CodeInvalidCredentials    = "INVALID_CREDENTIALS"
	CodeInvalidMFA            = "INVALID_MFA"
	CodeItemLocked            = "ITEM_LOCKED"
	CodeAccessNotGranted      = "ACCESS_NOT_GRANTED"
	CodeNoInvestmentAccounts  = "NO_INVESTMENT_ACCOUNTS"
	CodeProductsNotSupported  = "PRODUCTS_NOT_SUPPORTED"
	CodeProductNotReady       = "PRODUCT_NOT_READY"
	CodeInstitutionDown       = "INSTITUTION_DOWN"
	CodeInstitutionNotRespond = "INSTITUTION_NOT_RESPONDING"
	CodeInternalServerError   = "INTERNAL_SERVER_ERROR"
	CodePlannedMaintenance    = "PLANNED_MAINTENANCE"
	CodeTimeout               = "TIMEOUT"
	CodeConnection            = "CONNECTION_FAILED"
)

var credentialCodes = map[string]bool{
	CodeItemLoginRequired:  true,
	CodeInvalidAccessToken: true,
	CodeInvalidCredentials: true,
	CodeInvalidMFA:         true,
	CodeItemLocked:         true,
	CodeAccessNotGranted:   true,
}

var transientCodes = map[string]bool{
	CodeProductNotReady:       true,
	CodeInstitutionDown:       true,
	CodeInstitutionNotRespond: true,
	CodeInternalServerError:   true,
	CodePlannedMaintenance:    true,
	CodeTimeout:               true,
	CodeConnection:            true,
}

// Error is a machine-readable aggregator failure.
type Error struct {
	StatusCode     int    `json:"-"`
	Type           string `json:"error_type"`
	Code           string `json:"error_code"`
	Message        string `json:"error_message"`
	DisplayMessage string `json:"display_message"`
	RequestID      string `json:"request_id"`

	cause error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("aggregator error (status %d): %s/%s - %s", e.StatusCode, e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("aggregator error: %s/%s - %s", e.Type, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// networkError wraps a transport failure. Deadline errors map to CodeTimeout.
func networkError(err error) *Error {
	code := CodeConnection
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		code = CodeTimeout
	}
	return &Error{Type: ErrorTypeNetwork, Code: code, Message: err.Error(), cause: err}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr, true
	}
	return nil, false
}

// IsCredentialInvalid reports whether the user must re-link the item.
func IsCredentialInvalid(err error) bool {
	aerr, ok := AsError(err)
	return ok && credentialCodes[aerr.Code]
}

// IsTransient reports whether err may succeed on retry: timeouts, network
// failures, 5xx, 429 and institution outages.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	aerr, ok := AsError(err)
	if !ok {
		var nerr net.Error
		return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout())
	}
	if credentialCodes[aerr.Code] {
		return false
	}
	switch {
	case aerr.Type == ErrorTypeNetwork, aerr.Type == ErrorTypeRateLimit:
		return true
	case aerr.StatusCode == http.StatusTooManyRequests, aerr.StatusCode >= 500:
		return true
	}
	return transientCodes[aerr.Code]
}

// IsNoInvestments reports whether the item has no investment product to sync.
func IsNoInvestments(err error) bool {
	aerr, ok := AsError(err)
	return ok && (aerr.Code == CodeNoInvestmentAccounts || aerr.Code == CodeProductsNotSupported)
}
