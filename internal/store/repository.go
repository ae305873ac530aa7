/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the settlement engine performs. Ledger mutations for a (user,
 * window) pair are only reachable through `WithWindowLedger`, which runs the
 * callback inside a transaction holding a pessimistic lock on the window row.
 * That is what serializes redemption against settlement.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mercii/settlement-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User and beneficiary methods
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID, userID uuid.UUID) (*domain.Beneficiary, error)
	SetUserPartnerRemitterID(ctx context.Context, userID uuid.UUID, partnerRemitterID string) error
	SetBeneficiaryPartnerIdentityID(ctx context.Context, beneficiaryID uuid.UUID, partnerIdentityID string) error

	// Transfer methods
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	FindTransferByGatewayReference(ctx context.Context, gatewayReference string) (*domain.Transfer, error)
	// ListPartnerCompletedTransfers returns partner-confirmed completed
	// transfers created inside [start, end), amount >= minAmount, ordered by
	// creation time ascending, with the beneficiary category joined in.
	ListPartnerCompletedTransfers(ctx context.Context, userID uuid.UUID, start, end time.Time, minAmount int64) ([]domain.Transfer, error)
	UpdateTransferMetadata(ctx context.Context, transferID uuid.UUID, metadata UpdateTransferMetadataParams) error
	// MarkTransferCompleted sets local status 'completed' and stores the
	// partner reference. A no-op when the transfer is already completed.
	MarkTransferCompleted(ctx context.Context, transferID uuid.UUID, partnerReference string) error
	MarkTransferFailed(ctx context.Context, transferID uuid.UUID, failureReason string) error
	MarkTransferMismatch(ctx context.Context, transferID uuid.UUID, reason string) error

	// WithWindowLedger runs fn inside a transaction that holds a row lock on
	// the (user, window) ledger row. Returning an error rolls everything back.
	WithWindowLedger(ctx context.Context, userID uuid.UUID, window domain.Window, fn func(WindowLedger) error) error
}

// WindowLedger exposes bonus-record mutations scoped to one locked
// (user, window) pair. Every guard re-checks persisted state so replayed
// events and concurrent callers cannot double-apply a transition.
type WindowLedger interface {
	// Bonuses returns every bonus record in the window, expired ones included.
	Bonuses(ctx context.Context) ([]domain.BonusRecord, error)
	InsertBonus(ctx context.Context, bonus *domain.BonusRecord) error
	// MarkBonusUsed flips used_at only when it is currently NULL and the
	// record is unexpired. Reports whether a row changed.
	MarkBonusUsed(ctx context.Context, bonusID uuid.UUID, usedAt time.Time) (bool, error)
	// ExpireBonus brings expires_at forward only for an unused, unexpired record.
	ExpireBonus(ctx context.Context, bonusID uuid.UUID, at time.Time) (bool, error)
	// AttachBonusTransfer links a pending transfer to a reserved bonus.
	AttachBonusTransfer(ctx context.Context, bonusID uuid.UUID, transferID uuid.UUID) (bool, error)
	// MarkReservedBonusUsedByTransfer flips used_at on the bonus reserved
	// against the given transfer, only when used_at is still NULL.
	MarkReservedBonusUsedByTransfer(ctx context.Context, transferID uuid.UUID, usedAt time.Time) (bool, error)
	// ReleaseBonusTransfer detaches an unused bonus from a transfer, returning
	// it to the available pool. A no-op once the bonus is consumed.
	ReleaseBonusTransfer(ctx context.Context, transferID uuid.UUID) (bool, error)
}

// UpdateTransferMetadataParams carries optional transfer fields; nil fields
// are left untouched via SQL COALESCE.
type UpdateTransferMetadataParams struct {
	Status           *string
	GatewayStatus    *string
	GatewayReference *string
	PartnerStatus    *string
	PartnerSessionID *string
	PartnerReference *string
	FailureReason    *string
}
