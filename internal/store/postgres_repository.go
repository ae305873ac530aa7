/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains the SQL for users, beneficiaries, transfers, and
 * the per-window bonus ledger. Window-scoped mutations run inside a single
 * transaction that locks the reward_windows row FOR UPDATE, so redemption
 * and settlement for the same (user, window) cannot interleave.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mercii/settlement-service/internal/domain"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrBeneficiaryNotFound = errors.New("beneficiary not found")
	ErrTransferNotFound    = errors.New("transfer not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserByID retrieves a user from the database by their ID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `
		SELECT id, full_name, phone, country, COALESCE(address_line, ''), plan_tier,
		       identity_verified, COALESCE(verified_name, ''), partner_remitter_id, signup_at
		FROM users
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&user.ID, &user.FullName, &user.Phone, &user.Country, &user.AddressLine,
		&user.PlanTier, &user.IdentityVerified, &user.VerifiedName,
		&user.PartnerRemitterID, &user.SignupAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindBeneficiaryByID retrieves a specific beneficiary owned by a user.
func (r *PostgresRepository) FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID, userID uuid.UUID) (*domain.Beneficiary, error) {
	var beneficiary domain.Beneficiary
	query := `
		SELECT id, user_id, category, full_name, phone, country, COALESCE(address_line, ''),
		       account_number, partner_identity_id, created_at, updated_at
		FROM beneficiaries
		WHERE id = $1 AND user_id = $2
	`
	err := r.db.QueryRow(ctx, query, beneficiaryID, userID).Scan(
		&beneficiary.ID, &beneficiary.UserID, &beneficiary.Category,
		&beneficiary.FullName, &beneficiary.Phone, &beneficiary.Country,
		&beneficiary.AddressLine, &beneficiary.AccountNumber,
		&beneficiary.PartnerIdentityID, &beneficiary.CreatedAt, &beneficiary.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBeneficiaryNotFound
		}
		return nil, err
	}
	return &beneficiary, nil
}

// SetUserPartnerRemitterID stores the partner's remitter identifier after sync.
func (r *PostgresRepository) SetUserPartnerRemitterID(ctx context.Context, userID uuid.UUID, partnerRemitterID string) error {
	query := `UPDATE users SET partner_remitter_id = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.Exec(ctx, query, partnerRemitterID, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetBeneficiaryPartnerIdentityID stores the partner's beneficiary identifier after sync.
func (r *PostgresRepository) SetBeneficiaryPartnerIdentityID(ctx context.Context, beneficiaryID uuid.UUID, partnerIdentityID string) error {
	query := `UPDATE beneficiaries SET partner_identity_id = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.Exec(ctx, query, partnerIdentityID, beneficiaryID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBeneficiaryNotFound
	}
	return nil
}

const transferColumns = `
	t.id, t.user_id, t.beneficiary_id, t.amount, t.status, t.failure_reason,
	t.gateway_status, t.gateway_reference, t.partner_status, t.partner_session_id,
	t.partner_reference, t.created_at, t.updated_at, t.completed_at,
	COALESCE(b.category, '') AS beneficiary_category
`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var tx domain.Transfer
	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.BeneficiaryID, &tx.Amount, &tx.Status,
		&tx.FailureReason, &tx.GatewayStatus, &tx.GatewayReference,
		&tx.PartnerStatus, &tx.PartnerSessionID, &tx.PartnerReference,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.CompletedAt, &tx.BeneficiaryCategory,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// FindTransferByID retrieves a single transfer with its beneficiary category.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers t
		LEFT JOIN beneficiaries b ON b.id = t.beneficiary_id
		WHERE t.id = $1
	`
	tx, err := scanTransfer(r.db.QueryRow(ctx, query, transferID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return tx, nil
}

// FindTransferByGatewayReference looks a transfer up by the gateway's own
// correlation id. This is the only lookup the webhook path performs.
func (r *PostgresRepository) FindTransferByGatewayReference(ctx context.Context, gatewayReference string) (*domain.Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers t
		LEFT JOIN beneficiaries b ON b.id = t.beneficiary_id
		WHERE t.gateway_reference = $1
	`
	tx, err := scanTransfer(r.db.QueryRow(ctx, query, gatewayReference))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return tx, nil
}

// ListPartnerCompletedTransfers returns partner-confirmed completed transfers
// for a user inside [start, end) with amount >= minAmount, oldest first.
func (r *PostgresRepository) ListPartnerCompletedTransfers(ctx context.Context, userID uuid.UUID, start, end time.Time, minAmount int64) ([]domain.Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers t
		LEFT JOIN beneficiaries b ON b.id = t.beneficiary_id
		WHERE t.user_id = $1
		  AND t.status = 'completed'
		  AND t.partner_status = 'completed'
		  AND t.amount >= $2
		  AND t.created_at >= $3
		  AND t.created_at < $4
		ORDER BY t.created_at ASC
	`
	rows, err := r.db.Query(ctx, query, userID, minAmount, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		tx, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *tx)
	}
	return transfers, rows.Err()
}

// UpdateTransferMetadata updates optional transfer fields; nil params keep
// the current column value.
func (r *PostgresRepository) UpdateTransferMetadata(ctx context.Context, transferID uuid.UUID, metadata UpdateTransferMetadataParams) error {
	query := `
		UPDATE transfers
		SET
			status = COALESCE($1, status),
			gateway_status = COALESCE($2, gateway_status),
			gateway_reference = COALESCE($3, gateway_reference),
			partner_status = COALESCE($4, partner_status),
			partner_session_id = COALESCE($5, partner_session_id),
			partner_reference = COALESCE($6, partner_reference),
			failure_reason = COALESCE($7, failure_reason),
			updated_at = NOW()
		WHERE id = $8
	`
	_, err := r.db.Exec(ctx, query,
		metadata.Status,
		metadata.GatewayStatus,
		metadata.GatewayReference,
		metadata.PartnerStatus,
		metadata.PartnerSessionID,
		metadata.PartnerReference,
		metadata.FailureReason,
		transferID,
	)
	return err
}

// MarkTransferCompleted finalizes a transfer after partner confirmation.
// The status guard makes webhook redelivery a no-op.
func (r *PostgresRepository) MarkTransferCompleted(ctx context.Context, transferID uuid.UUID, partnerReference string) error {
	query := `
		UPDATE transfers
		SET status = 'completed',
		    gateway_status = 'completed',
		    partner_status = 'completed',
		    partner_reference = COALESCE(NULLIF($2, ''), partner_reference),
		    completed_at = COALESCE(completed_at, NOW()),
		    failure_reason = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'
	`
	_, err := r.db.Exec(ctx, query, transferID, partnerReference)
	return err
}

// MarkTransferFailed records a gateway failure. Completed transfers are never
// downgraded by a late failure replay.
func (r *PostgresRepository) MarkTransferFailed(ctx context.Context, transferID uuid.UUID, failureReason string) error {
	query := `
		UPDATE transfers
		SET status = 'failed', gateway_status = 'failed',
		    failure_reason = COALESCE(NULLIF($2, ''), failure_reason),
		    updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'refunded')
	`
	_, err := r.db.Exec(ctx, query, transferID, failureReason)
	return err
}

// MarkTransferMismatch flags a payer-identity mismatch for operator review.
func (r *PostgresRepository) MarkTransferMismatch(ctx context.Context, transferID uuid.UUID, reason string) error {
	query := `
		UPDATE transfers
		SET status = 'mismatch', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'refunded')
	`
	_, err := r.db.Exec(ctx, query, transferID, reason)
	return err
}

// WithWindowLedger upserts the reward_windows row for the (user, window)
// pair, locks it FOR UPDATE, and runs fn against a transaction-scoped ledger.
func (r *PostgresRepository) WithWindowLedger(ctx context.Context, userID uuid.UUID, window domain.Window, fn func(WindowLedger) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO reward_windows (user_id, window_start, window_end)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, window_start) DO NOTHING
	`, userID, window.Start, window.End)
	if err != nil {
		return err
	}

	// The row lock is the per-(user, window) critical section.
	var lockedUserID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT user_id FROM reward_windows
		WHERE user_id = $1 AND window_start = $2
		FOR UPDATE
	`, userID, window.Start).Scan(&lockedUserID)
	if err != nil {
		return err
	}

	ledger := &pgxWindowLedger{tx: tx, userID: userID, window: window}
	if err := fn(ledger); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pgxWindowLedger implements WindowLedger against the open transaction.
type pgxWindowLedger struct {
	tx     pgx.Tx
	userID uuid.UUID
	window domain.Window
}

func (l *pgxWindowLedger) Bonuses(ctx context.Context) ([]domain.BonusRecord, error) {
	query := `
		SELECT id, user_id, window_start, window_end, milestone_index, amount,
		       awarded_at, used_at, expires_at, transfer_id
		FROM bonus_records
		WHERE user_id = $1 AND window_start = $2
		ORDER BY milestone_index ASC, awarded_at ASC
	`
	rows, err := l.tx.Query(ctx, query, l.userID, l.window.Start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bonuses []domain.BonusRecord
	for rows.Next() {
		var bonus domain.BonusRecord
		err := rows.Scan(
			&bonus.ID, &bonus.UserID, &bonus.WindowStart, &bonus.WindowEnd,
			&bonus.MilestoneIndex, &bonus.Amount, &bonus.AwardedAt,
			&bonus.UsedAt, &bonus.ExpiresAt, &bonus.TransferID,
		)
		if err != nil {
			return nil, err
		}
		bonuses = append(bonuses, bonus)
	}
	return bonuses, rows.Err()
}

func (l *pgxWindowLedger) InsertBonus(ctx context.Context, bonus *domain.BonusRecord) error {
	query := `
		INSERT INTO bonus_records (
			id, user_id, window_start, window_end, milestone_index, amount,
			awarded_at, used_at, expires_at, transfer_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := l.tx.Exec(ctx, query,
		bonus.ID, bonus.UserID, bonus.WindowStart, bonus.WindowEnd,
		bonus.MilestoneIndex, bonus.Amount, bonus.AwardedAt,
		bonus.UsedAt, bonus.ExpiresAt, bonus.TransferID,
	)
	return err
}

func (l *pgxWindowLedger) MarkBonusUsed(ctx context.Context, bonusID uuid.UUID, usedAt time.Time) (bool, error) {
	query := `
		UPDATE bonus_records
		SET used_at = $2
		WHERE id = $1 AND used_at IS NULL AND expires_at > $2
	`
	result, err := l.tx.Exec(ctx, query, bonusID, usedAt)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (l *pgxWindowLedger) ExpireBonus(ctx context.Context, bonusID uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE bonus_records
		SET expires_at = $2
		WHERE id = $1 AND used_at IS NULL AND expires_at > $2
	`
	result, err := l.tx.Exec(ctx, query, bonusID, at)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (l *pgxWindowLedger) AttachBonusTransfer(ctx context.Context, bonusID uuid.UUID, transferID uuid.UUID) (bool, error) {
	query := `
		UPDATE bonus_records
		SET transfer_id = $2
		WHERE id = $1
		  AND used_at IS NULL
		  AND (transfer_id IS NULL OR transfer_id = $2)
	`
	result, err := l.tx.Exec(ctx, query, bonusID, transferID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (l *pgxWindowLedger) MarkReservedBonusUsedByTransfer(ctx context.Context, transferID uuid.UUID, usedAt time.Time) (bool, error) {
	query := `
		UPDATE bonus_records
		SET used_at = $2
		WHERE transfer_id = $1
		  AND user_id = $3
		  AND window_start = $4
		  AND used_at IS NULL
	`
	result, err := l.tx.Exec(ctx, query, transferID, usedAt, l.userID, l.window.Start)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (l *pgxWindowLedger) ReleaseBonusTransfer(ctx context.Context, transferID uuid.UUID) (bool, error) {
	query := `
		UPDATE bonus_records
		SET transfer_id = NULL
		WHERE transfer_id = $1
		  AND user_id = $2
		  AND window_start = $3
		  AND used_at IS NULL
	`
	result, err := l.tx.Exec(ctx, query, transferID, l.userID, l.window.Start)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}
