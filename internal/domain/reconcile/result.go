// Package reconcile pulls snapshots from the aggregator and reconciles them
// into the local store: accounts, then holdings, then transactions.
package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"finsync/internal/domain/account"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/refresh"
	"finsync/internal/domain/transaction"
)

var (
	// ErrCredentialInvalid means the user must re-link the institution.
	// It aborts the whole sync of the connection.
	ErrCredentialInvalid  = errors.New("aggregator credential invalid")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionDisabled = errors.New("connection is disabled")
	ErrSyncInProgress     = errors.New("sync already in progress for connection")
)

// SkipReason explains why a single record was not stored.
type SkipReason string

const (
	SkipUnmappedAccount  SkipReason = "unmapped_account"
	SkipUnmappedSecurity SkipReason = "unmapped_security"
	SkipInvalidRecord    SkipReason = "invalid_record"
	SkipStorageError     SkipReason = "storage_error"
)

type SkipDetail struct {
	ExternalID string     `json:"externalId"`
	Reason     SkipReason `json:"reason"`
	Message    string     `json:"message,omitempty"`
}

// Summary aggregates per-record outcomes of one synchronizer run.
type Summary struct {
	Processed int                `json:"processed"`
	Skipped   int                `json:"skipped"`
	Reasons   map[SkipReason]int `json:"reasons,omitempty"`
	Details   []SkipDetail       `json:"details,omitempty"`
}

func (s *Summary) stored() {
	s.Processed++
}

func (s *Summary) skip(externalID string, reason SkipReason, err error) {
	s.Skipped++
	if s.Reasons == nil {
		s.Reasons = make(map[SkipReason]int)
	}
	s.Reasons[reason]++
	d := SkipDetail{ExternalID: externalID, Reason: reason}
	if err != nil {
		d.Message = err.Error()
	}
	s.Details = append(s.Details, d)
}

func (s Summary) String() string {
	return fmt.Sprintf("processed=%d skipped=%d", s.Processed, s.Skipped)
}

// AccountSyncOptions controls matching during an account sync.
type AccountSyncOptions struct {
	// IsReconnect enables the name fallback for rotated external ids.
	IsReconnect bool
	// PriorConnectionID is the connection whose accounts the name fallback
	// searches. Empty means the connection being synced.
	PriorConnectionID string
}

type AccountSyncResult struct {
	Accounts []*account.Account `json:"accounts"`
	// InvestmentAccounts maps external to internal ids of investment accounts.
	InvestmentAccounts map[string]string `json:"investmentAccounts"`
	Created            int               `json:"created"`
	Updated            int               `json:"updated"`
	InstitutionID      string            `json:"institutionId,omitempty"`
	Summary            Summary           `json:"summary"`
}

type HoldingsSyncResult struct {
	Securities int `json:"securities"`
	Holdings   int `json:"holdings"`
	// Removed counts stored holdings absent from the snapshot.
	Removed int `json:"removed"`
	// PortfolioValues maps internal account ids to the value written.
	PortfolioValues map[string]decimal.Decimal `json:"portfolioValues"`
	NoInvestments   bool                       `json:"noInvestments"`
	Summary         Summary                    `json:"summary"`
}

type TransactionSyncResult struct {
	Transactions []transaction.Transaction `json:"-"`
	Fetched      int                       `json:"fetched"`
	Pages        int                       `json:"pages"`
	Inserted     int                       `json:"inserted"`
	Updated      int                       `json:"updated"`
	Summary      Summary                   `json:"summary"`
	// Incomplete is set when a page fetch failed. Pages collected before
	// the failure were still stored.
	Incomplete bool  `json:"incomplete"`
	FetchErr   error `json:"-"`
}

// SyncReport is the outcome of one unit of work over a connection.
type SyncReport struct {
	ConnectionID   string                 `json:"connectionId"`
	Start          time.Time              `json:"start"`
	End            time.Time              `json:"end"`
	Accounts       *AccountSyncResult     `json:"accounts,omitempty"`
	HoldingsSynced bool                   `json:"holdingsSynced"`
	Holdings       *HoldingsSyncResult    `json:"holdings,omitempty"`
	HoldingsErr    error                  `json:"-"`
	Transactions   *TransactionSyncResult `json:"transactions,omitempty"`
}

// Complete reports whether every step finished without a fetch failure.
func (r *SyncReport) Complete() bool {
	if r == nil || r.Accounts == nil || r.HoldingsErr != nil {
		return false
	}
	return r.Transactions != nil && !r.Transactions.Incomplete
}

// RefreshResult is returned by RequestRefresh. A rejected request carries
// only the Decision.
type RefreshResult struct {
	Decision            refresh.Decision `json:"decision"`
	LinkToken           string           `json:"linkToken,omitempty"`
	LinkTokenExpiration time.Time        `json:"linkTokenExpiration,omitempty"`
	Report              *SyncReport      `json:"report,omitempty"`
}

// InstitutionStatus is the status of one connection as shown to its owner.
type InstitutionStatus struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	InstitutionID    string                `json:"institutionId"`
	ConnectionStatus connection.Status     `json:"connectionStatus"`
	UpdateType       connection.UpdateType `json:"updateType"`
	LastUpdate       time.Time             `json:"lastUpdate"`
	NextHardRefresh  time.Time             `json:"nextHardRefresh"`
	ItemID           string                `json:"itemId"`
	Logo             string                `json:"logo,omitempty"`
}

type StatusSummary struct {
	Connected     bool                `json:"connected"`
	Institutions  []InstitutionStatus `json:"institutions"`
	AccountsCount int                 `json:"accountsCount"`
	// LastUpdate is the most recent successful update across connections.
	LastUpdate *time.Time `json:"lastUpdate,omitempty"`
	// NextHardRefresh is the earliest hard refresh across connections.
	NextHardRefresh *time.Time `json:"nextHardRefresh,omitempty"`
}
