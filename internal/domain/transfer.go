/**
 * @description
 * This file defines the transfer domain model and the inbound gateway webhook
 * DTO. A transfer's settlement state is tracked along three independent axes:
 * the local status, the payment gateway's status, and the remittance
 * partner's status. The local status only reaches 'completed' once the
 * partner has confirmed delivery.
 *
 * @notes
 * - Amounts are stored as `int64` in cents of the source currency, which
 *   avoids floating-point inaccuracies with financial data.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Local transfer statuses.
const (
	TransferStatusPending   = "pending"
	TransferStatusCompleted = "completed"
	TransferStatusFailed    = "failed"
	TransferStatusCancelled = "cancelled"
	TransferStatusRefunded  = "refunded"
	TransferStatusMismatch  = "mismatch"
)

// Gateway webhook statuses.
const (
	GatewayStatusCompleted = "completed"
	GatewayStatusFailed    = "failed"
)

// Transfer is the central ledger record for one remittance. It maps directly
// to the `transfers` table.
type Transfer struct {
	ID               uuid.UUID  `json:"id"`
	UserID           uuid.UUID  `json:"user_id"`
	BeneficiaryID    uuid.UUID  `json:"beneficiary_id"`
	Amount           int64      `json:"amount"` // in cents
	Status           string     `json:"status"`
	FailureReason    *string    `json:"failure_reason,omitempty"`
	GatewayStatus    string     `json:"gateway_status"`
	GatewayReference *string    `json:"gateway_reference,omitempty"`
	PartnerStatus    string     `json:"partner_status"`
	PartnerSessionID *string    `json:"partner_session_id,omitempty"`
	PartnerReference *string    `json:"partner_reference,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`

	// BeneficiaryCategory is populated by JOIN queries that need to apply the
	// self-beneficiary exclusion without a second lookup.
	BeneficiaryCategory string `json:"beneficiary_category,omitempty"`
}

// GatewayEvent is the payload delivered by the payment gateway webhook.
// CorrelationID is the gateway's own reference for the payment session and
// is the only key used to look up the local transfer.
type GatewayEvent struct {
	CorrelationID string `json:"correlation_id" validate:"required"`
	Status        string `json:"status" validate:"required,oneof=completed failed"`
	ErrorText     string `json:"error_text,omitempty"` // percent-encoded by the gateway
	PayerName     string `json:"payer_name,omitempty"` // payer-asserted identity
	PayerCountry  string `json:"payer_country,omitempty"`
}

// RedeemRequest is the DTO for user-initiated bonus redemption.
type RedeemRequest struct {
	TransferID string  `json:"transfer_id" validate:"required,uuid4"`
	BonusID    *string `json:"bonus_id,omitempty" validate:"omitempty,uuid4"`
}
