/**
 * @description
 * This file defines the reward-milestone domain model: the per-user monthly
 * accounting window and the bonus records awarded inside it. Milestone
 * amounts are fixed; the total window budget is always derived from them and
 * never stored.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// MilestoneCount is the number of reward tiers per window.
const MilestoneCount = 4

// MilestoneAmounts maps milestone index (1..4) to the bonus amount in cents.
var MilestoneAmounts = map[int]int64{
	1: 25000,
	2: 30000,
	3: 35000,
	4: 50000,
}

// TotalMilestoneBudget returns the sum of all milestone amounts for one
// window. Derived on every call; there is deliberately no stored counterpart.
func TotalMilestoneBudget() int64 {
	var total int64
	for _, amount := range MilestoneAmounts {
		total += amount
	}
	return total
}

// Window is a user's recurring monthly accounting period, half-open
// [Start, End). Start falls on the anchor day derived from signup.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the half-open window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// BonusRecord is one awarded milestone inside a window. At most one
// non-expired record may exist per (user, window, milestone index).
type BonusRecord struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	WindowStart    time.Time  `json:"window_start"`
	WindowEnd      time.Time  `json:"window_end"`
	MilestoneIndex int        `json:"milestone_index"` // 1..4
	Amount         int64      `json:"amount"`          // in cents
	AwardedAt      time.Time  `json:"awarded_at"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	TransferID     *uuid.UUID `json:"transfer_id,omitempty"` // set while a redemption is reserved
}

// Used reports whether the bonus has been redeemed.
func (b *BonusRecord) Used() bool {
	return b.UsedAt != nil
}

// ExpiredAt reports whether the bonus is expired as of the given instant.
func (b *BonusRecord) ExpiredAt(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}

// RedeemResult is returned to the API layer after a successful redemption.
// UsedAt is nil when the bonus was reserved pending settlement.
type RedeemResult struct {
	BonusID        uuid.UUID  `json:"bonus_id"`
	Amount         int64      `json:"amount"`
	MilestoneIndex int        `json:"milestone_index"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
}

// MilestoneState is one row of the reward summary read model.
type MilestoneState struct {
	Index     int        `json:"index"`
	Amount    int64      `json:"amount"`
	Status    string     `json:"status"` // 'locked', 'available', 'used', 'expired'
	BonusID   *uuid.UUID `json:"bonus_id,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RewardSummary describes a user's progress inside the current window.
type RewardSummary struct {
	Window          Window           `json:"window"`
	EligibleCount   int              `json:"eligible_count"`
	Milestones      []MilestoneState `json:"milestones"`
	RemainingBudget int64            `json:"remaining_budget"` // total budget minus used amounts
}
