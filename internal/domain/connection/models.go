package connection

import (
	"errors"
	"fmt"
	"time"

	"finsync/internal/domain/refresh"
)

// Status is the health of a linked institution credential.
type Status string

const (
	StatusActive        Status = "active"
	StatusLoginRequired Status = "login_required"
	StatusError         Status = "error"
)

// UpdateType records the kind of the last operation that touched the connection.
type UpdateType string

const (
	UpdateInitial UpdateType = "initial"
	UpdateSoft    UpdateType = "soft"
	UpdateHard    UpdateType = "hard"
	UpdateError   UpdateType = "error"
)

// Domain errors
var (
	ErrNotFound     = errors.New("connection not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Connection is one linked institution credential owned by a single user.
type Connection struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"userId"`
	ItemID               string     `json:"itemId"`
	AccessToken          string     `json:"-"`
	InstitutionID        string     `json:"institutionId"`
	InstitutionName      string     `json:"institutionName"`
	InstitutionLogo      string     `json:"institutionLogo,omitempty"`
	Status               Status     `json:"connectionStatus"`
	UpdateType           UpdateType `json:"updateType"`
	LastSuccessfulUpdate time.Time  `json:"lastSuccessfulUpdate"`
	NextHardRefresh      time.Time  `json:"nextHardRefresh"`
	DisabledAt           *time.Time `json:"disabledAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// String never includes the access token.
func (c *Connection) String() string {
	return fmt.Sprintf("Connection{id=%s item=%s institution=%q status=%s}", c.ID, c.ItemID, c.InstitutionName, c.Status)
}

// Disabled reports whether the user unlinked this connection.
func (c *Connection) Disabled() bool {
	return c.DisabledAt != nil
}

// RefreshState returns the fields the refresh policy evaluates.
func (c *Connection) RefreshState() refresh.State {
	return refresh.State{
		LastSuccessfulUpdate: c.LastSuccessfulUpdate,
		NextHardRefresh:      c.NextHardRefresh,
	}
}

// CreateParams contains parameters for registering a connection.
// Registering an item id that already exists replaces its credential and
// institution metadata and resets its refresh state.
type CreateParams struct {
	UserID          string
	ItemID          string
	AccessToken     string
	InstitutionID   string
	InstitutionName string
	InstitutionLogo string
	LinkedAt        time.Time
	NextHardRefresh time.Time
}

func (p CreateParams) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if p.ItemID == "" {
		return fmt.Errorf("%w: item id is required", ErrInvalidInput)
	}
	if p.AccessToken == "" {
		return fmt.Errorf("%w: access token is required", ErrInvalidInput)
	}
	if p.LinkedAt.IsZero() {
		return fmt.Errorf("%w: linked at is required", ErrInvalidInput)
	}
	return nil
}

// StatusUpdate is a partial update of the status and refresh columns. Nil fields are left untouched.
type StatusUpdate struct {
	Status               *Status
	UpdateType           *UpdateType
	LastSuccessfulUpdate *time.Time
	NextHardRefresh      *time.Time
}

// Empty reports whether the update would change nothing.
func (u StatusUpdate) Empty() bool {
	return u.Status == nil && u.UpdateType == nil && u.LastSuccessfulUpdate == nil && u.NextHardRefresh == nil
}

// Apply copies the set fields onto c.
func (u StatusUpdate) Apply(c *Connection) {
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.UpdateType != nil {
		c.UpdateType = *u.UpdateType
	}
	if u.LastSuccessfulUpdate != nil {
		c.LastSuccessfulUpdate = *u.LastSuccessfulUpdate
	}
	if u.NextHardRefresh != nil {
		c.NextHardRefresh = *u.NextHardRefresh
	}
}
