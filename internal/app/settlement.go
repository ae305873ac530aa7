/**
 * @description
 * This file implements settlement reconciliation, the path driven by payment
 * gateway webhooks. A "completed" event means the customer's money arrived;
 * the reconciler then verifies the payer identity, evaluates reward
 * milestones for the window, and drives the remittance partner's two-phase
 * submission (create a session, confirm it). Only partner confirmation moves
 * the local transfer to 'completed'.
 *
 * Replay safety:
 * - Concurrent deliveries of the same correlation id are collapsed through a
 *   singleflight group, so one webhook storm produces one reconciliation.
 * - The partner session id is persisted before confirmation; a re-drive after
 *   a crash reuses it instead of opening a second session.
 * - Partner "duplicate transaction" payloads are recovered as success by
 *   querying the session status.
 * - Ledger mutations re-derive from persisted state under the window lock, so
 *   running the same event twice changes nothing the second time.
 *
 * @dependencies
 * - golang.org/x/sync/singleflight: Per-correlation-id collapsing.
 * - internal/domain, internal/store, pkg/remitclient, pkg/rabbitmq.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mercii/settlement-service/internal/domain"
	"github.com/mercii/settlement-service/internal/store"
	"github.com/mercii/settlement-service/pkg/rabbitmq"
	"github.com/mercii/settlement-service/pkg/remitclient"
)

// Partner-status values persisted on the transfer as the two-phase submission
// advances.
const (
	partnerStatusSessionOpen = "session_open"
	partnerStatusConfirmed   = "confirmed"
)

// ErrPayerMismatch is returned when the gateway-reported payer name does not
// match the verified identity on file. The transfer is parked for review.
var ErrPayerMismatch = errors.New("payer name does not match verified identity")

// PartnerTransactionClient is the slice of the partner API used by settlement.
type PartnerTransactionClient interface {
	CreateTransaction(ctx context.Context, params remitclient.TransactionParams) (*remitclient.TransactionSession, error)
	ConfirmTransaction(ctx context.Context, sessionID string) (*remitclient.TransactionReceipt, error)
	TransactionStatus(ctx context.Context, sessionID string) (*remitclient.TransactionReceipt, error)
}

// SettlementReconciler reconciles gateway events against the transfer ledger
// and the remittance partner.
type SettlementReconciler struct {
	repo       store.Repository
	syncer     *PartnerSyncer
	partner    PartnerTransactionClient
	calculator *WindowCalculator
	evaluator  *EligibilityEvaluator
	ledger     *MilestoneLedger
	producer   rabbitmq.Publisher
	group      singleflight.Group
	now        func() time.Time
}

// NewSettlementReconciler creates a SettlementReconciler.
func NewSettlementReconciler(repo store.Repository, syncer *PartnerSyncer, partner PartnerTransactionClient, calculator *WindowCalculator, evaluator *EligibilityEvaluator, ledger *MilestoneLedger, producer rabbitmq.Publisher) *SettlementReconciler {
	return &SettlementReconciler{
		repo:       repo,
		syncer:     syncer,
		partner:    partner,
		calculator: calculator,
		evaluator:  evaluator,
		ledger:     ledger,
		producer:   producer,
		now:        time.Now,
	}
}

// HandleGatewayEvent processes one gateway webhook delivery. A nil return
// means the event is fully absorbed and must be acknowledged; an error means
// the gateway should redeliver.
func (r *SettlementReconciler) HandleGatewayEvent(ctx context.Context, event domain.GatewayEvent) error {
	_, err, _ := r.group.Do(event.CorrelationID, func() (interface{}, error) {
		return nil, r.reconcile(ctx, event)
	})
	return err
}

func (r *SettlementReconciler) reconcile(ctx context.Context, event domain.GatewayEvent) error {
	transfer, err := r.repo.FindTransferByGatewayReference(ctx, event.CorrelationID)
	if err != nil {
		if err == store.ErrTransferNotFound {
			// Unknown references are acked: the gateway fans events for every
			// product out to every consumer.
			log.Printf("level=warn component=settlement correlation_id=%s msg=\"no transfer for gateway reference, ignoring\"", event.CorrelationID)
			return nil
		}
		return fmt.Errorf("failed to look up transfer for %s: %w", event.CorrelationID, err)
	}

	switch event.Status {
	case domain.GatewayStatusFailed:
		return r.reconcileFailure(ctx, transfer, event)
	case domain.GatewayStatusCompleted:
		return r.reconcileCompletion(ctx, transfer, event)
	default:
		log.Printf("level=warn component=settlement transfer_id=%s status=%q msg=\"unhandled gateway status, ignoring\"", transfer.ID, event.Status)
		return nil
	}
}

// reconcileFailure records the gateway failure and releases any bonus the
// user had reserved against the transfer.
func (r *SettlementReconciler) reconcileFailure(ctx context.Context, transfer *domain.Transfer, event domain.GatewayEvent) error {
	if transfer.Status == domain.TransferStatusCompleted {
		// A failure arriving after partner confirmation is a gateway replay
		// gone wrong; never un-complete a transfer.
		log.Printf("level=warn component=settlement transfer_id=%s msg=\"failure event for completed transfer, ignoring\"", transfer.ID)
		return nil
	}

	reason := decodeFailureText(event.ErrorText)
	if err := r.repo.MarkTransferFailed(ctx, transfer.ID, reason); err != nil {
		return fmt.Errorf("failed to mark transfer %s failed: %w", transfer.ID, err)
	}

	if err := r.releaseReservation(ctx, transfer); err != nil {
		return err
	}

	log.Printf("level=info component=settlement transfer_id=%s msg=\"transfer failed at gateway\" reason=%q", transfer.ID, reason)
	r.publish(ctx, rabbitmq.RoutingKeyTransferFailed, rabbitmq.SettlementEvent{
		TransferID:    transfer.ID,
		UserID:        transfer.UserID,
		Amount:        transfer.Amount,
		Status:        domain.TransferStatusFailed,
		FailureReason: reason,
		Timestamp:     r.now(),
	})
	return nil
}

func (r *SettlementReconciler) reconcileCompletion(ctx context.Context, transfer *domain.Transfer, event domain.GatewayEvent) error {
	now := r.now()

	user, err := r.repo.FindUserByID(ctx, transfer.UserID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", transfer.UserID, err)
	}
	window := r.calculator.ComputeWindow(user, transfer.CreatedAt)

	if transfer.Status == domain.TransferStatusCompleted {
		// Replay after a crash between completion and the ledger flip: make
		// sure a reserved bonus reaches its terminal state, then ack.
		return r.consumeReservation(ctx, transfer, window, now)
	}

	if mismatch, detail := payerMismatch(user, event); mismatch {
		if err := r.repo.MarkTransferMismatch(ctx, transfer.ID, detail); err != nil {
			return fmt.Errorf("failed to mark transfer %s mismatched: %w", transfer.ID, err)
		}
		log.Printf("level=warn component=settlement transfer_id=%s user_id=%s msg=\"payer identity mismatch, parked for review\"", transfer.ID, user.ID)
		r.publish(ctx, rabbitmq.RoutingKeyTransferMismatch, rabbitmq.SettlementEvent{
			TransferID:    transfer.ID,
			UserID:        transfer.UserID,
			Amount:        transfer.Amount,
			Status:        domain.TransferStatusMismatch,
			FailureReason: detail,
			Timestamp:     now,
		})
		// Parked transfers are terminal for the webhook; the typed error lets
		// the API layer ack instead of asking for redelivery.
		return ErrPayerMismatch
	}

	gatewayStatus := domain.GatewayStatusCompleted
	if err := r.repo.UpdateTransferMetadata(ctx, transfer.ID, store.UpdateTransferMetadataParams{GatewayStatus: &gatewayStatus}); err != nil {
		return fmt.Errorf("failed to record gateway completion for %s: %w", transfer.ID, err)
	}

	beneficiary, err := r.repo.FindBeneficiaryByID(ctx, transfer.BeneficiaryID, transfer.UserID)
	if err != nil {
		return fmt.Errorf("failed to load beneficiary %s: %w", transfer.BeneficiaryID, err)
	}
	if transfer.BeneficiaryCategory == "" {
		transfer.BeneficiaryCategory = beneficiary.Category
	}

	remitterID, err := r.syncer.EnsureRemitter(ctx, user)
	if err != nil {
		return err
	}
	beneficiaryID, err := r.syncer.EnsureBeneficiary(ctx, beneficiary)
	if err != nil {
		return err
	}

	// Milestone accounting happens before partner submission: the bonus must
	// exist by the time the app refreshes, even if the payout itself is still
	// in flight. A ledger failure leaves the transfer pending so the redelivery
	// re-runs the whole sequence; every op here is a no-op on replay.
	milestone, err := r.applyMilestones(ctx, user, transfer, window, now)
	if err != nil {
		return err
	}
	if milestone != nil {
		r.publish(ctx, rabbitmq.RoutingKeyMilestoneReached, *milestone)
	}

	receipt, err := r.submitToPartner(ctx, transfer, remitterID, beneficiaryID)
	if err != nil {
		return err
	}

	if err := r.repo.MarkTransferCompleted(ctx, transfer.ID, receipt.ReferenceNumber); err != nil {
		return fmt.Errorf("failed to complete transfer %s: %w", transfer.ID, err)
	}
	if err := r.consumeReservation(ctx, transfer, window, now); err != nil {
		return err
	}

	log.Printf("level=info component=settlement transfer_id=%s user_id=%s partner_reference=%s msg=\"transfer settled\"", transfer.ID, user.ID, receipt.ReferenceNumber)
	r.publish(ctx, rabbitmq.RoutingKeyTransferCompleted, rabbitmq.SettlementEvent{
		TransferID:       transfer.ID,
		UserID:           transfer.UserID,
		Amount:           transfer.Amount,
		Status:           domain.TransferStatusCompleted,
		PartnerReference: receipt.ReferenceNumber,
		Timestamp:        now,
	})
	return nil
}

// applyMilestones recomputes the eligible count as it would stand with this
// transfer settled, supersedes leapfrogged tiers, and lazily creates the
// reached one. Returns the milestone event to publish when a new tier opened.
func (r *SettlementReconciler) applyMilestones(ctx context.Context, user *domain.User, transfer *domain.Transfer, window domain.Window, now time.Time) (*rabbitmq.MilestoneEvent, error) {
	history, err := r.repo.ListPartnerCompletedTransfers(ctx, user.ID, window.Start, window.End, r.evaluator.MinAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to load window history for %s: %w", transfer.ID, err)
	}

	count := r.evaluator.EffectiveCount(history, *transfer)
	if count < 1 {
		return nil, nil
	}
	reached := count
	if reached > domain.MilestoneCount {
		reached = domain.MilestoneCount
	}

	var event *rabbitmq.MilestoneEvent
	err = r.repo.WithWindowLedger(ctx, user.ID, window, func(wl store.WindowLedger) error {
		if err := r.ledger.Supersede(ctx, wl, reached, now); err != nil {
			return err
		}
		before, err := wl.Bonuses(ctx)
		if err != nil {
			return err
		}
		existed := r.ledger.ActiveBonus(before, reached, now) != nil

		bonus, err := r.ledger.EnsureMilestone(ctx, wl, user.ID, window, reached, now)
		if err != nil {
			return err
		}
		if !existed {
			event = &rabbitmq.MilestoneEvent{
				UserID:         user.ID,
				BonusID:        bonus.ID,
				MilestoneIndex: bonus.MilestoneIndex,
				Amount:         bonus.Amount,
				WindowStart:    window.Start,
				Timestamp:      now,
			}
		}
		return nil
	})
	if err != nil {
		// Completion must not outrun the ledger: marking the transfer done
		// would make the redelivery skip milestone accounting entirely.
		return nil, fmt.Errorf("milestone accounting failed for %s: %w", transfer.ID, err)
	}
	return event, nil
}

// submitToPartner drives the two-phase partner submission for a transfer,
// reusing a previously persisted session on re-drive.
func (r *SettlementReconciler) submitToPartner(ctx context.Context, transfer *domain.Transfer, remitterID, beneficiaryID string) (*remitclient.TransactionReceipt, error) {
	sessionID := ""
	if transfer.PartnerSessionID != nil {
		sessionID = *transfer.PartnerSessionID
	}

	if sessionID == "" {
		session, err := r.partner.CreateTransaction(ctx, remitclient.TransactionParams{
			RemitterID:    remitterID,
			BeneficiaryID: beneficiaryID,
			Amount:        transfer.Amount,
			Reference:     transfer.ID.String(),
		})
		if err != nil {
			var dup *remitclient.DuplicateError
			if errors.As(err, &dup) {
				// An earlier attempt created the session but the id was never
				// persisted. Adopt it and carry on.
				sessionID = dup.ExistingID
			} else {
				return nil, fmt.Errorf("partner session create failed for %s: %w", transfer.ID, err)
			}
		} else {
			sessionID = session.SessionID
		}

		// Persist before confirming. If confirm crashes, the re-drive reuses
		// this session instead of paying twice.
		partnerStatus := partnerStatusSessionOpen
		if err := r.repo.UpdateTransferMetadata(ctx, transfer.ID, store.UpdateTransferMetadataParams{
			PartnerStatus:    &partnerStatus,
			PartnerSessionID: &sessionID,
		}); err != nil {
			return nil, fmt.Errorf("failed to persist partner session for %s: %w", transfer.ID, err)
		}
		transfer.PartnerSessionID = &sessionID
	}

	receipt, err := r.partner.ConfirmTransaction(ctx, sessionID)
	if err != nil {
		var dup *remitclient.DuplicateError
		if errors.As(err, &dup) {
			// Already confirmed on a previous attempt; the status query
			// recovers the receipt.
			receipt, err = r.partner.TransactionStatus(ctx, sessionID)
			if err != nil {
				return nil, fmt.Errorf("partner status recovery failed for %s: %w", transfer.ID, err)
			}
		} else {
			return nil, fmt.Errorf("partner confirm failed for %s: %w", transfer.ID, err)
		}
	}

	partnerStatus := partnerStatusConfirmed
	if err := r.repo.UpdateTransferMetadata(ctx, transfer.ID, store.UpdateTransferMetadataParams{
		PartnerStatus:    &partnerStatus,
		PartnerReference: &receipt.ReferenceNumber,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist partner confirmation for %s: %w", transfer.ID, err)
	}
	return receipt, nil
}

// consumeReservation flips a bonus reserved against the transfer to used.
// Safe to call when no reservation exists.
func (r *SettlementReconciler) consumeReservation(ctx context.Context, transfer *domain.Transfer, window domain.Window, now time.Time) error {
	return r.repo.WithWindowLedger(ctx, transfer.UserID, window, func(wl store.WindowLedger) error {
		changed, err := wl.MarkReservedBonusUsedByTransfer(ctx, transfer.ID, now)
		if err != nil {
			return fmt.Errorf("failed to consume reserved bonus for %s: %w", transfer.ID, err)
		}
		if changed {
			log.Printf("level=info component=settlement transfer_id=%s msg=\"reserved bonus consumed\"", transfer.ID)
		}
		return nil
	})
}

// releaseReservation detaches a reserved, unused bonus from a failed transfer.
func (r *SettlementReconciler) releaseReservation(ctx context.Context, transfer *domain.Transfer) error {
	user, err := r.repo.FindUserByID(ctx, transfer.UserID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", transfer.UserID, err)
	}
	window := r.calculator.ComputeWindow(user, transfer.CreatedAt)
	return r.repo.WithWindowLedger(ctx, transfer.UserID, window, func(wl store.WindowLedger) error {
		changed, err := wl.ReleaseBonusTransfer(ctx, transfer.ID)
		if err != nil {
			return fmt.Errorf("failed to release reserved bonus for %s: %w", transfer.ID, err)
		}
		if changed {
			log.Printf("level=info component=settlement transfer_id=%s msg=\"reserved bonus released\"", transfer.ID)
		}
		return nil
	})
}

// payerMismatch compares the gateway-asserted payer name against the verified
// identity. Unverified users and events without a payer name pass.
func payerMismatch(user *domain.User, event domain.GatewayEvent) (bool, string) {
	if !user.IdentityVerified || user.VerifiedName == "" || event.PayerName == "" {
		return false, ""
	}
	if strings.EqualFold(normalizeName(event.PayerName), normalizeName(user.VerifiedName)) {
		return false, ""
	}
	return true, fmt.Sprintf("payer %q does not match verified name on file", event.PayerName)
}

// normalizeName collapses whitespace so formatting differences between the
// gateway and the KYC document do not trip the mismatch check.
func normalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// decodeFailureText undoes the gateway's percent-encoding of failure
// descriptions. Undecodable input is kept verbatim rather than dropped.
func decodeFailureText(text string) string {
	if text == "" {
		return "payment failed at gateway"
	}
	decoded, err := url.QueryUnescape(text)
	if err != nil {
		return text
	}
	return decoded
}

// publish fires an event best-effort; delivery problems are logged, never
// propagated into the settlement path.
func (r *SettlementReconciler) publish(ctx context.Context, routingKey string, payload interface{}) {
	if r.producer == nil {
		return
	}
	if err := r.producer.Publish(ctx, rabbitmq.EventsExchange, routingKey, payload); err != nil {
		log.Printf("level=warn component=settlement routing_key=%s msg=\"event publish failed\" error=%q", routingKey, err)
	}
}
