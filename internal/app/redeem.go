/**
 * @description
 * This file implements user-initiated bonus redemption. A redemption applies
 * one milestone bonus to one qualifying transfer in the user's current
 * window. The whole decision runs inside the (user, window) critical section
 * so it cannot race the settlement path: by the time the ledger callback
 * runs, the eligible count and every bonus state are fixed for the duration.
 *
 * Resolution rules:
 * - An explicit bonus id must name a live, unused bonus in the current
 *   window whose milestone prerequisite is met.
 * - Without an explicit id the next reachable milestone is resolved from the
 *   eligible history, capped at the highest tier.
 * - Redeeming against a settled transfer consumes the bonus immediately and
 *   eagerly opens the next tier. Redeeming against a pending transfer only
 *   reserves the bonus; settlement confirmation consumes it.
 *
 * @dependencies
 * - internal/domain, internal/store: Models and the locked window ledger.
 */
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mercii/settlement-service/internal/domain"
	"github.com/mercii/settlement-service/internal/store"
)

// RedemptionCoordinator validates and applies bonus redemptions.
type RedemptionCoordinator struct {
	repo       store.Repository
	calculator *WindowCalculator
	evaluator  *EligibilityEvaluator
	ledger     *MilestoneLedger
	now        func() time.Time
}

// NewRedemptionCoordinator creates a RedemptionCoordinator.
func NewRedemptionCoordinator(repo store.Repository, calculator *WindowCalculator, evaluator *EligibilityEvaluator, ledger *MilestoneLedger) *RedemptionCoordinator {
	return &RedemptionCoordinator{
		repo:       repo,
		calculator: calculator,
		evaluator:  evaluator,
		ledger:     ledger,
		now:        time.Now,
	}
}

// Redeem applies a bonus to the given transfer on behalf of userID. Failures
// surface as *domain.RedeemError; anything else is an infrastructure error.
func (r *RedemptionCoordinator) Redeem(ctx context.Context, userID uuid.UUID, transferID uuid.UUID, bonusID *uuid.UUID) (*domain.RedeemResult, error) {
	now := r.now()

	user, err := r.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	transfer, err := r.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		if err == store.ErrTransferNotFound {
			return nil, domain.NewNotFound(domain.ReasonTransferNotFound, "transfer does not exist")
		}
		return nil, fmt.Errorf("failed to load transfer %s: %w", transferID, err)
	}
	if transfer.UserID != userID {
		// Cross-user probing looks identical to a missing transfer.
		return nil, domain.NewNotFound(domain.ReasonTransferNotFound, "transfer does not exist")
	}

	window := r.calculator.ComputeWindow(user, now)
	if !window.Contains(transfer.CreatedAt) {
		return nil, domain.NewInvalidState(domain.ReasonOutsideWindow, "transfer falls outside the current reward window")
	}
	if transfer.Amount < r.evaluator.MinAmount {
		return nil, domain.NewInvalidState(domain.ReasonBelowThreshold, "transfer amount is below the reward threshold")
	}
	if transfer.BeneficiaryCategory == domain.BeneficiaryCategorySelf {
		return nil, domain.NewInvalidState(domain.ReasonSelfBeneficiary, "transfers to yourself do not earn rewards")
	}

	switch transfer.Status {
	case domain.TransferStatusPending, domain.TransferStatusCompleted:
		// redeemable states
	default:
		return nil, domain.NewInvalidState(domain.ReasonTransferNotRedeemable, fmt.Sprintf("transfer is %s", transfer.Status))
	}

	history, err := r.repo.ListPartnerCompletedTransfers(ctx, userID, window.Start, window.End, r.evaluator.MinAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to load window history: %w", err)
	}
	eligibility := r.evaluator.Evaluate(excludeTransfer(history, transfer.ID))
	priorCount := eligibility.Count

	// The same-beneficiary gap only has teeth once there is eligible history.
	if priorCount > 0 && !r.evaluator.GapSatisfied(*transfer, eligibility.LastEligibleAt) {
		return nil, domain.NewInvalidState(domain.ReasonGapViolation, "another reward to this recipient is too recent")
	}

	targetIndex := priorCount + 1
	if targetIndex > domain.MilestoneCount {
		targetIndex = domain.MilestoneCount
	}

	var result *domain.RedeemResult
	err = r.repo.WithWindowLedger(ctx, userID, window, func(wl store.WindowLedger) error {
		bonus, err := r.resolveBonus(ctx, wl, userID, window, targetIndex, priorCount, bonusID, now)
		if err != nil {
			return err
		}
		if bonus.Used() {
			return domain.NewConflict(domain.ReasonBonusAlreadyUsed, "bonus has already been redeemed")
		}
		if bonus.ExpiredAt(now) {
			return domain.NewInvalidState(domain.ReasonBonusExpired, "bonus has expired")
		}

		if transfer.Status == domain.TransferStatusCompleted {
			changed, err := wl.MarkBonusUsed(ctx, bonus.ID, now)
			if err != nil {
				return fmt.Errorf("mark bonus %s used: %w", bonus.ID, err)
			}
			if !changed {
				return domain.NewConflict(domain.ReasonBonusAlreadyUsed, "bonus has already been redeemed")
			}
			usedAt := now
			result = &domain.RedeemResult{BonusID: bonus.ID, Amount: bonus.Amount, MilestoneIndex: bonus.MilestoneIndex, UsedAt: &usedAt}

			// Consuming a tier against settled history opens the next one
			// right away instead of waiting for the next settlement pass.
			if next := bonus.MilestoneIndex + 1; next <= domain.MilestoneCount && priorCount+1 >= next-1 {
				if _, err := r.ledger.EnsureMilestone(ctx, wl, userID, window, next, now); err != nil {
					return err
				}
			}
			return nil
		}

		// Pending transfer: reserve only. Settlement flips used_at on partner
		// confirmation, and a failed settlement releases the reservation.
		changed, err := wl.AttachBonusTransfer(ctx, bonus.ID, transfer.ID)
		if err != nil {
			return fmt.Errorf("attach bonus %s to transfer %s: %w", bonus.ID, transfer.ID, err)
		}
		if !changed {
			return domain.NewConflict(domain.ReasonBonusAlreadyUsed, "bonus is already attached to another transfer")
		}
		result = &domain.RedeemResult{BonusID: bonus.ID, Amount: bonus.Amount, MilestoneIndex: bonus.MilestoneIndex}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=redeem user_id=%s transfer_id=%s bonus_id=%s milestone=%d reserved=%t msg=\"bonus redeemed\"",
		userID, transferID, result.BonusID, result.MilestoneIndex, result.UsedAt == nil)
	return result, nil
}

// resolveBonus picks the bonus record a redemption targets, creating the
// next-tier record lazily when no explicit id was given.
func (r *RedemptionCoordinator) resolveBonus(ctx context.Context, wl store.WindowLedger, userID uuid.UUID, window domain.Window, targetIndex, priorCount int, bonusID *uuid.UUID, now time.Time) (*domain.BonusRecord, error) {
	bonuses, err := wl.Bonuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("load window bonuses: %w", err)
	}

	if bonusID != nil {
		for i := range bonuses {
			if bonuses[i].ID != *bonusID {
				continue
			}
			// Tiers must be earned in order: an explicit id cannot jump the
			// eligible count.
			if bonuses[i].MilestoneIndex > targetIndex {
				return nil, domain.NewInvalidState(domain.ReasonMilestonePrerequisite, "earlier milestones have not been reached yet")
			}
			return &bonuses[i], nil
		}
		return nil, domain.NewNotFound(domain.ReasonNoResolvableBonus, "bonus does not exist in the current window")
	}

	if priorCount < targetIndex-1 {
		return nil, domain.NewInvalidState(domain.ReasonMilestonePrerequisite, "earlier milestones have not been reached yet")
	}
	return r.ledger.EnsureMilestone(ctx, wl, userID, window, targetIndex, now)
}

// excludeTransfer removes the candidate itself from history so redemption
// sees the prior count, not one inflated by its own settlement.
func excludeTransfer(history []domain.Transfer, id uuid.UUID) []domain.Transfer {
	out := history[:0:0]
	for _, tx := range history {
		if tx.ID == id {
			continue
		}
		out = append(out, tx)
	}
	return out
}
