/**
 * @description
 * This file provides the application service facade the API layer talks to.
 * It owns rate limiting for user-initiated redemption, translates transport
 * DTOs into domain calls, and assembles the reward summary read model.
 *
 * @dependencies
 * - internal/domain, internal/store: Models and persistence.
 * - pkg/rabbitmq: Event publication.
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
	"github.com/mercii/settlement-service/pkg/rabbitmq"
)

// Milestone summary statuses.
const (
	MilestoneStatusLocked    = "locked"
	MilestoneStatusAvailable = "available"
	MilestoneStatusUsed      = "used"
	MilestoneStatusExpired   = "expired"
)

// RateLimiter counts attempts within a fixed window for a (scope, subject).
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimitError reports that the caller exceeded the redemption limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// Service is the entry point for all settlement and reward operations.
type Service struct {
	repo        store.Repository
	reconciler  *SettlementReconciler
	redeemer    *RedemptionCoordinator
	calculator  *WindowCalculator
	evaluator   *EligibilityEvaluator
	ledger      *MilestoneLedger
	limiter     RateLimiter
	redeemLimit int
	producer    rabbitmq.Publisher
	now         func() time.Time
}

// NewService wires the application service from its collaborators.
func NewService(repo store.Repository, reconciler *SettlementReconciler, redeemer *RedemptionCoordinator, calculator *WindowCalculator, evaluator *EligibilityEvaluator, ledger *MilestoneLedger, limiter RateLimiter, redeemLimit int, producer rabbitmq.Publisher) *Service {
	return &Service{
		repo:        repo,
		reconciler:  reconciler,
		redeemer:    redeemer,
		calculator:  calculator,
		evaluator:   evaluator,
		ledger:      ledger,
		limiter:     limiter,
		redeemLimit: redeemLimit,
		producer:    producer,
		now:         time.Now,
	}
}

// HandleGatewayEvent absorbs one payment gateway webhook delivery.
func (s *Service) HandleGatewayEvent(ctx context.Context, event domain.GatewayEvent) error {
	return s.reconciler.HandleGatewayEvent(ctx, event)
}

// RedeemBonus applies a milestone bonus to one of the user's transfers.
func (s *Service) RedeemBonus(ctx context.Context, userID uuid.UUID, req domain.RedeemRequest) (*domain.RedeemResult, error) {
	if s.limiter != nil && s.redeemLimit > 0 {
		count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, "redeem", userID.String(), s.redeemLimit, time.Minute)
		if err != nil {
			// Redis being down never blocks redemption; the window lock still
			// guarantees correctness, limiting is only abuse control.
			log.Printf("level=warn component=service user_id=%s msg=\"rate limiter unavailable, allowing request\" error=%q", userID, err)
		} else if count > s.redeemLimit {
			return nil, &RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}

	transferID, err := uuid.Parse(req.TransferID)
	if err != nil {
		return nil, domain.NewNotFound(domain.ReasonTransferNotFound, "transfer does not exist")
	}
	var bonusID *uuid.UUID
	if req.BonusID != nil {
		parsed, err := uuid.Parse(*req.BonusID)
		if err != nil {
			return nil, domain.NewNotFound(domain.ReasonNoResolvableBonus, "bonus does not exist in the current window")
		}
		bonusID = &parsed
	}

	result, err := s.redeemer.Redeem(ctx, userID, transferID, bonusID)
	if err != nil {
		return nil, err
	}

	if s.producer != nil {
		event := rabbitmq.MilestoneEvent{
			UserID:         userID,
			BonusID:        result.BonusID,
			MilestoneIndex: result.MilestoneIndex,
			Amount:         result.Amount,
			Timestamp:      s.now(),
		}
		if err := s.producer.Publish(ctx, rabbitmq.EventsExchange, rabbitmq.RoutingKeyBonusRedeemed, event); err != nil {
			log.Printf("level=warn component=service user_id=%s msg=\"redeem event publish failed\" error=%q", userID, err)
		}
	}
	return result, nil
}

// RewardSummary assembles the user's progress inside the current window.
func (s *Service) RewardSummary(ctx context.Context, userID uuid.UUID) (*domain.RewardSummary, error) {
	now := s.now()

	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	window := s.calculator.ComputeWindow(user, now)

	history, err := s.repo.ListPartnerCompletedTransfers(ctx, userID, window.Start, window.End, s.evaluator.MinAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to load window history: %w", err)
	}
	count := s.evaluator.Evaluate(history).Count

	var bonuses []domain.BonusRecord
	err = s.repo.WithWindowLedger(ctx, userID, window, func(wl store.WindowLedger) error {
		bonuses, err = wl.Bonuses(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load window bonuses: %w", err)
	}

	summary := &domain.RewardSummary{
		Window:          window,
		EligibleCount:   count,
		RemainingBudget: s.ledger.RemainingBudget(bonuses),
	}
	for index := 1; index <= domain.MilestoneCount; index++ {
		summary.Milestones = append(summary.Milestones, milestoneState(bonuses, index, now))
	}
	return summary, nil
}

// milestoneState projects one tier's bonus records into a summary row. Used
// wins over expired when both kinds of record exist for the tier.
func milestoneState(bonuses []domain.BonusRecord, index int, now time.Time) domain.MilestoneState {
	state := domain.MilestoneState{
		Index:  index,
		Amount: domain.MilestoneAmounts[index],
		Status: MilestoneStatusLocked,
	}
	for i := range bonuses {
		bonus := &bonuses[i]
		if bonus.MilestoneIndex != index {
			continue
		}
		switch {
		case bonus.Used():
			state.Status = MilestoneStatusUsed
			state.BonusID = &bonus.ID
			state.UsedAt = bonus.UsedAt
			state.ExpiresAt = &bonus.ExpiresAt
			return state
		case !bonus.ExpiredAt(now):
			state.Status = MilestoneStatusAvailable
			state.BonusID = &bonus.ID
			state.ExpiresAt = &bonus.ExpiresAt
		case state.Status == MilestoneStatusLocked:
			state.Status = MilestoneStatusExpired
			state.BonusID = &bonus.ID
			state.ExpiresAt = &bonus.ExpiresAt
		}
	}
	return state
}
