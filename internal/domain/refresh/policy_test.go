package refresh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPolicy_CheckSoft(t *testing.T) {
	p := DefaultPolicy()
	state := State{LastSuccessfulUpdate: base, NextHardRefresh: base.Add(DefaultHardInterval)}

	tests := []struct {
		name        string
		now         time.Time
		wantAllowed bool
		wantDays    int
	}{
		{name: "same instant", now: base, wantAllowed: false, wantDays: 7},
		{name: "six days later", now: base.Add(6 * 24 * time.Hour), wantAllowed: false, wantDays: 1},
		{name: "one second short", now: base.Add(7*24*time.Hour - time.Second), wantAllowed: false, wantDays: 1},
		{name: "exactly seven days", now: base.Add(7 * 24 * time.Hour), wantAllowed: true},
		{name: "long after", now: base.Add(30 * 24 * time.Hour), wantAllowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Check(Soft, state, tt.now)
			assert.Equal(t, Soft, d.Kind)
			assert.Equal(t, tt.wantAllowed, d.Allowed)
			assert.Equal(t, tt.wantDays, d.RemainingDays())
			if tt.wantAllowed {
				assert.Zero(t, d.RetryAfter)
				assert.Nil(t, d.Rejection())
			} else {
				assert.Positive(t, d.RetryAfter)
			}
		})
	}
}

func TestPolicy_CheckHard(t *testing.T) {
	p := DefaultPolicy()
	next := base.Add(DefaultHardInterval)
	state := State{LastSuccessfulUpdate: base, NextHardRefresh: next}

	d := p.Check(Hard, state, base.Add(10*24*time.Hour))
	require.False(t, d.Allowed)
	assert.Equal(t, 80, d.RemainingDays())

	rej := d.Rejection()
	require.NotNil(t, rej)
	assert.Equal(t, Hard, rej.Kind)
	assert.Positive(t, rej.RemainingDays)
	assert.Equal(t, "hard refresh not available for 80 more day(s)", rej.String())

	d = p.Check(Hard, state, next.Add(-time.Minute))
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.RemainingDays())

	d = p.Check(Hard, state, next)
	assert.True(t, d.Allowed)
}

func TestPolicy_HardAllowedWhenNeverScheduled(t *testing.T) {
	d := DefaultPolicy().Check(Hard, State{}, base)
	assert.True(t, d.Allowed)
}

func TestPolicy_Cutoffs(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, base.Add(-7*24*time.Hour), p.SoftDueBefore(base))
	assert.Equal(t, base.Add(90*24*time.Hour), p.NextHardRefresh(base))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("hard")
	require.NoError(t, err)
	assert.Equal(t, Hard, k)

	_, err = ParseKind("medium")
	assert.ErrorIs(t, err, ErrInvalidKind)
}
