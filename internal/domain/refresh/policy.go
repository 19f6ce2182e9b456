// Package refresh decides when a connection may be refreshed.
//
// Soft refreshes reuse the stored credential and are limited to one per
// cooldown window. Hard refreshes re-run the link flow to obtain a new
// credential and are only allowed once the connection's next hard refresh
// time has passed.
package refresh

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind is the type of refresh being requested.
type Kind string

const (
	Soft Kind = "soft"
	Hard Kind = "hard"
)

const (
	DefaultSoftCooldown = 7 * 24 * time.Hour
	DefaultHardInterval = 90 * 24 * time.Hour
)

var ErrInvalidKind = errors.New("refresh kind must be soft or hard")

// ParseKind parses a refresh kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Soft, Hard:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Policy holds the two cooldowns.
type Policy struct {
	SoftCooldown time.Duration
	HardInterval time.Duration
}

// DefaultPolicy returns the weekly soft / quarterly hard policy.
func DefaultPolicy() Policy {
	return Policy{SoftCooldown: DefaultSoftCooldown, HardInterval: DefaultHardInterval}
}

// State is the part of a connection the policy looks at.
type State struct {
	LastSuccessfulUpdate time.Time
	NextHardRefresh      time.Time
}

// Decision is the outcome of a refresh request.
type Decision struct {
	Kind       Kind
	Allowed    bool
	RetryAfter time.Duration // zero when allowed
}

// ThrottleRejected describes a refresh denied by the cooldown. It is a
// normal outcome, not a failure.
type ThrottleRejected struct {
	Kind          Kind
	RetryAfter    time.Duration
	RemainingDays int
}

func (r ThrottleRejected) String() string {
	return fmt.Sprintf("%s refresh not available for %d more day(s)", r.Kind, r.RemainingDays)
}

// RemainingDays rounds RetryAfter up to whole days, so any rejection reports at least one day.
func (d Decision) RemainingDays() int {
	if d.Allowed || d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Hours() / 24))
}

// Rejection returns nil when the request was allowed.
func (d Decision) Rejection() *ThrottleRejected {
	if d.Allowed {
		return nil
	}
	return &ThrottleRejected{Kind: d.Kind, RetryAfter: d.RetryAfter, RemainingDays: d.RemainingDays()}
}

// Check evaluates a refresh request of the given kind at now.
func (p Policy) Check(kind Kind, s State, now time.Time) Decision {
	var eligibleAt time.Time
	switch kind {
	case Hard:
		eligibleAt = s.NextHardRefresh
	default:
		kind = Soft
		eligibleAt = s.LastSuccessfulUpdate.Add(p.SoftCooldown)
	}

	if !now.Before(eligibleAt) {
		return Decision{Kind: kind, Allowed: true}
	}
	return Decision{Kind: kind, Allowed: false, RetryAfter: eligibleAt.Sub(now)}
}

// SoftDueBefore returns the cutoff used to find connections due for a soft refresh.
func (p Policy) SoftDueBefore(now time.Time) time.Time {
	return now.Add(-p.SoftCooldown)
}

// NextHardRefresh returns the next hard refresh time after a successful link at now.
func (p Policy) NextHardRefresh(now time.Time) time.Time {
	return now.Add(p.HardInterval)
}
