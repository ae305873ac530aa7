/**
 * @description
 * This file derives which of a user's transfers count toward reward
 * milestones. The count is always recomputed from persisted transfer history
 * rather than kept in a running counter, so replayed webhooks and concurrent
 * settlements cannot drift it.
 *
 * Rules applied in order while scanning history oldest-first:
 *  - partner-confirmed completed transfers only (the store query enforces this)
 *  - amount at or above the configured threshold
 *  - beneficiary not tagged 'self'
 *  - at least the configured gap since the previous *eligible* transfer to
 *    the same beneficiary
 */

package app

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mercii/settlement-service/internal/domain"
)

// EligibilityEvaluator applies the milestone-eligibility rules to transfer
// history. It is pure: all inputs are passed in, nothing is stored.
type EligibilityEvaluator struct {
	MinAmount      int64
	BeneficiaryGap time.Duration
}

// NewEligibilityEvaluator builds an evaluator with the configured threshold
// and same-beneficiary gap.
func NewEligibilityEvaluator(minAmount int64, beneficiaryGap time.Duration) *EligibilityEvaluator {
	return &EligibilityEvaluator{MinAmount: minAmount, BeneficiaryGap: beneficiaryGap}
}

// EligibilityResult reports the eligible subset of a window's history.
type EligibilityResult struct {
	Eligible []domain.Transfer
	Count    int
	// LastEligibleAt maps beneficiary id to the creation time of that
	// beneficiary's most recent eligible transfer.
	LastEligibleAt map[uuid.UUID]time.Time
}

// Evaluate scans transfers (assumed ordered by creation time ascending) and
// returns the eligible subset. The gap rule is tracked incrementally against
// eligible entries only, not the raw history.
func (e *EligibilityEvaluator) Evaluate(transfers []domain.Transfer) EligibilityResult {
	result := EligibilityResult{
		LastEligibleAt: make(map[uuid.UUID]time.Time),
	}

	for _, tx := range transfers {
		if !e.counts(tx, result.LastEligibleAt) {
			continue
		}
		result.Eligible = append(result.Eligible, tx)
		result.LastEligibleAt[tx.BeneficiaryID] = tx.CreatedAt
	}
	result.Count = len(result.Eligible)
	return result
}

// EffectiveCount computes what the eligible count would become if candidate
// were completed, without mutating anything. The settlement path uses this
// before the transfer is actually marked complete. The candidate's own
// completion state is ignored; its amount, beneficiary, and creation time
// decide whether it would count.
func (e *EligibilityEvaluator) EffectiveCount(history []domain.Transfer, candidate domain.Transfer) int {
	merged := make([]domain.Transfer, 0, len(history)+1)
	for _, tx := range history {
		if tx.ID == candidate.ID {
			continue
		}
		merged = append(merged, tx)
	}
	merged = append(merged, candidate)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	return e.Evaluate(merged).Count
}

// counts applies the per-transfer rules against the gap state built so far.
func (e *EligibilityEvaluator) counts(tx domain.Transfer, lastEligibleAt map[uuid.UUID]time.Time) bool {
	if tx.Amount < e.MinAmount {
		return false
	}
	if tx.BeneficiaryCategory == domain.BeneficiaryCategorySelf {
		return false
	}
	if last, ok := lastEligibleAt[tx.BeneficiaryID]; ok {
		if tx.CreatedAt.Sub(last) < e.BeneficiaryGap {
			return false
		}
	}
	return true
}

// GapSatisfied reports whether a transfer respects the same-beneficiary gap
// given the last eligible time map from a prior Evaluate call.
func (e *EligibilityEvaluator) GapSatisfied(tx domain.Transfer, lastEligibleAt map[uuid.UUID]time.Time) bool {
	last, ok := lastEligibleAt[tx.BeneficiaryID]
	if !ok {
		return true
	}
	return tx.CreatedAt.Sub(last) >= e.BeneficiaryGap
}
