/**
 * @description
 * This file owns the bonus-record state machine:
 *
 *   (absent) -> created-unused -> { used | expired }
 *
 * Records are created lazily on the first eligibility check or redemption
 * attempt, never pre-seeded. Milestone 1 is special: it is auto-consumed the
 * moment it is created. Reaching a higher milestone force-expires smaller
 * unredeemed tiers. All operations run against a WindowLedger, i.e. inside
 * the caller's (user, window) critical section, and every transition
 * re-derives from persisted state so repeats are no-ops.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mercii/settlement-service/internal/domain"
	"github.com/mercii/settlement-service/internal/store"
)

// MilestoneLedger implements bonus-record transitions for one window.
type MilestoneLedger struct{}

// NewMilestoneLedger returns a ledger. It carries no state of its own; all
// state lives behind the WindowLedger passed to each call.
func NewMilestoneLedger() *MilestoneLedger {
	return &MilestoneLedger{}
}

// ActiveBonus returns the non-expired bonus record for a milestone index, or
// nil when none exists.
func (m *MilestoneLedger) ActiveBonus(bonuses []domain.BonusRecord, index int, now time.Time) *domain.BonusRecord {
	for i := range bonuses {
		if bonuses[i].MilestoneIndex != index {
			continue
		}
		// Used records stay terminal even past window end.
		if bonuses[i].Used() || !bonuses[i].ExpiredAt(now) {
			return &bonuses[i]
		}
	}
	return nil
}

// EnsureMilestone creates the bonus record for the given index if no live
// record exists yet. Index 1 is created already consumed: the first bonus is
// always auto-granted and auto-redeemed. Returns the live record either way.
func (m *MilestoneLedger) EnsureMilestone(ctx context.Context, ledger store.WindowLedger, userID uuid.UUID, window domain.Window, index int, now time.Time) (*domain.BonusRecord, error) {
	if index < 1 || index > domain.MilestoneCount {
		return nil, fmt.Errorf("milestone index %d out of range", index)
	}

	bonuses, err := ledger.Bonuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("load window bonuses: %w", err)
	}
	if existing := m.ActiveBonus(bonuses, index, now); existing != nil {
		return existing, nil
	}

	bonus := &domain.BonusRecord{
		ID:             uuid.New(),
		UserID:         userID,
		WindowStart:    window.Start,
		WindowEnd:      window.End,
		MilestoneIndex: index,
		Amount:         domain.MilestoneAmounts[index],
		AwardedAt:      now,
		ExpiresAt:      window.End,
	}
	if index == 1 {
		usedAt := now
		bonus.UsedAt = &usedAt
	}
	if err := ledger.InsertBonus(ctx, bonus); err != nil {
		return nil, fmt.Errorf("insert milestone %d bonus: %w", index, err)
	}
	return bonus, nil
}

// Supersede force-expires every unused, unexpired bonus below reachedIndex.
// Skipping ahead forfeits the smaller unredeemed tiers.
func (m *MilestoneLedger) Supersede(ctx context.Context, ledger store.WindowLedger, reachedIndex int, now time.Time) error {
	if reachedIndex < 2 {
		return nil
	}

	bonuses, err := ledger.Bonuses(ctx)
	if err != nil {
		return fmt.Errorf("load window bonuses: %w", err)
	}
	for i := range bonuses {
		bonus := &bonuses[i]
		if bonus.MilestoneIndex >= reachedIndex || bonus.Used() || bonus.ExpiredAt(now) {
			continue
		}
		if _, err := ledger.ExpireBonus(ctx, bonus.ID, now); err != nil {
			return fmt.Errorf("expire superseded milestone %d: %w", bonus.MilestoneIndex, err)
		}
	}
	return nil
}

// UsedTotal sums the amounts of redeemed bonuses in the window.
func (m *MilestoneLedger) UsedTotal(bonuses []domain.BonusRecord) int64 {
	var total int64
	for i := range bonuses {
		if bonuses[i].Used() {
			total += bonuses[i].Amount
		}
	}
	return total
}

// RemainingBudget derives the unredeemed budget for the window: the fixed
// milestone total minus what has been used. Never persisted.
func (m *MilestoneLedger) RemainingBudget(bonuses []domain.BonusRecord) int64 {
	return domain.TotalMilestoneBudget() - m.UsedTotal(bonuses)
}
