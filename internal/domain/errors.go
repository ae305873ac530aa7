/**
 * @description
 * This file defines the typed failure taxonomy for redemption and settlement.
 * Validation failures carry a machine-readable reason code so the API layer
 * can map them to responses without string matching.
 */

package domain

import "fmt"

// FailureKind classifies a redemption failure.
type FailureKind string

const (
	FailureNotFound     FailureKind = "not_found"
	FailureInvalidState FailureKind = "invalid_state"
	FailureConflict     FailureKind = "conflict"
)

// Redemption reason codes.
const (
	ReasonTransferNotFound      = "transfer_not_found"
	ReasonTransferNotRedeemable = "transfer_not_redeemable"
	ReasonOutsideWindow         = "outside_window"
	ReasonBelowThreshold        = "below_threshold"
	ReasonSelfBeneficiary       = "self_beneficiary"
	ReasonGapViolation          = "gap_violation"
	ReasonMilestonePrerequisite = "milestone_prerequisite"
	ReasonBonusAlreadyUsed      = "bonus_already_used"
	ReasonBonusExpired          = "bonus_expired"
	ReasonNoResolvableBonus     = "no_resolvable_bonus"
)

// RedeemError is the typed failure returned by the redemption path. Kind
// drives the HTTP mapping; Reason is the stable machine code.
type RedeemError struct {
	Kind   FailureKind
	Reason string
	Detail string
}

func (e *RedeemError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("redeem rejected: %s (%s)", e.Reason, e.Detail)
	}
	return fmt.Sprintf("redeem rejected: %s", e.Reason)
}

// NewNotFound builds a NotFound redemption failure.
func NewNotFound(reason, detail string) *RedeemError {
	return &RedeemError{Kind: FailureNotFound, Reason: reason, Detail: detail}
}

// NewInvalidState builds an InvalidState redemption failure.
func NewInvalidState(reason, detail string) *RedeemError {
	return &RedeemError{Kind: FailureInvalidState, Reason: reason, Detail: detail}
}

// NewConflict builds a Conflict redemption failure.
func NewConflict(reason, detail string) *RedeemError {
	return &RedeemError{Kind: FailureConflict, Reason: reason, Detail: detail}
}
