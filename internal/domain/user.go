/**
 * @description
 * This file defines the user and beneficiary domain models consumed by the
 * settlement-service. Identity data (verified name, residency flags) is owned
 * by the KYC pipeline; this service reads the fields it needs for settlement
 * checks and reward eligibility.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Beneficiary category values. A "self" beneficiary is the remitter sending
// to their own account abroad and never counts toward reward milestones.
const (
	BeneficiaryCategorySelf  = "self"
	BeneficiaryCategoryOther = "other"
)

// User represents the slice of a customer record this service reads.
// SignupAt is the source of the anchor day for the monthly reward window.
type User struct {
	ID                uuid.UUID `json:"id"`
	FullName          string    `json:"full_name"`
	Phone             string    `json:"phone"`
	Country           string    `json:"country"`
	AddressLine       string    `json:"address_line"`
	PlanTier          string    `json:"plan_tier"` // e.g. 'standard', 'unlimited'
	IdentityVerified  bool      `json:"identity_verified"`
	VerifiedName      string    `json:"verified_name"` // name on the KYC document
	PartnerRemitterID *string   `json:"partner_remitter_id,omitempty"`
	SignupAt          time.Time `json:"signup_at"`
}

// Beneficiary is a payout destination owned by a user. PartnerIdentityID is
// the remittance partner's identifier once the beneficiary has been synced.
type Beneficiary struct {
	ID                uuid.UUID `json:"id"`
	UserID            uuid.UUID `json:"user_id"`
	Category          string    `json:"category"` // 'self' or 'other'
	FullName          string    `json:"full_name"`
	Phone             string    `json:"phone"`
	Country           string    `json:"country"`
	AddressLine       string    `json:"address_line"`
	AccountNumber     *string   `json:"account_number,omitempty"` // bank deposit only
	PartnerIdentityID *string   `json:"partner_identity_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IsSelf reports whether the beneficiary is tagged as the user themselves.
func (b *Beneficiary) IsSelf() bool {
	return b.Category == BeneficiaryCategorySelf
}
