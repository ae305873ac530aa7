package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mercii/settlement-service/internal/domain"
)

type redeemFixture struct {
	repo        *stubRepo
	coordinator *RedemptionCoordinator
	user        *domain.User
	now         time.Time
}

func newRedeemFixture(t *testing.T) *redeemFixture {
	t.Helper()
	repo := newStubRepo()
	user := &domain.User{
		ID:       uuid.New(),
		FullName: "Ama Mensah",
		SignupAt: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	repo.users[user.ID] = user

	coordinator := NewRedemptionCoordinator(
		repo,
		NewWindowCalculator(time.UTC),
		NewEligibilityEvaluator(10000, 24*time.Hour),
		NewMilestoneLedger(),
	)
	now := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)
	coordinator.now = func() time.Time { return now }

	return &redeemFixture{repo: repo, coordinator: coordinator, user: user, now: now}
}

func (f *redeemFixture) addTransfer(status string, amount int64, createdAt time.Time) *domain.Transfer {
	transfer := &domain.Transfer{
		ID:                  uuid.New(),
		UserID:              f.user.ID,
		BeneficiaryID:       uuid.New(),
		Amount:              amount,
		Status:              status,
		CreatedAt:           createdAt,
		BeneficiaryCategory: domain.BeneficiaryCategoryOther,
	}
	f.repo.transfers[transfer.ID] = transfer
	return transfer
}

func (f *redeemFixture) addHistory(amount int64, createdAt time.Time) domain.Transfer {
	tx := domain.Transfer{
		ID:                  uuid.New(),
		UserID:              f.user.ID,
		BeneficiaryID:       uuid.New(),
		Amount:              amount,
		Status:              domain.TransferStatusCompleted,
		CreatedAt:           createdAt,
		BeneficiaryCategory: domain.BeneficiaryCategoryOther,
	}
	f.repo.history = append(f.repo.history, tx)
	return tx
}

func redeemErrorOf(t *testing.T, err error) *domain.RedeemError {
	t.Helper()
	var redeemErr *domain.RedeemError
	if !errors.As(err, &redeemErr) {
		t.Fatalf("expected *domain.RedeemError, got %v", err)
	}
	return redeemErr
}

func TestRedeemSettledTransferConsumesBonusAndOpensNextTier(t *testing.T) {
	f := newRedeemFixture(t)
	f.addHistory(15000, f.now.Add(-72*time.Hour))
	transfer := f.addTransfer(domain.TransferStatusCompleted, 20000, f.now.Add(-time.Hour))

	result, err := f.coordinator.Redeem(context.Background(), f.user.ID, transfer.ID, nil)
	if err != nil {
		t.Fatalf("Redeem() error: %v", err)
	}
	if result.MilestoneIndex != 2 {
		t.Fatalf("milestone index = %d, want 2", result.MilestoneIndex)
	}
	if result.UsedAt == nil {
		t.Fatal("settled redemption must consume the bonus immediately")
	}

	used := f.repo.ledger.byIndex(2)
	if used == nil || !used.Used() {
		t.Fatal("milestone 2 record must be marked used")
	}
	// The next tier must be opened eagerly.
	if next := f.repo.ledger.byIndex(3); next == nil || next.Used() {
		t.Fatal("milestone 3 must exist unused after redeeming milestone 2")
	}
}

func TestRedeemPendingTransferReservesBonus(t *testing.T) {
	f := newRedeemFixture(t)
	f.addHistory(15000, f.now.Add(-72*time.Hour))
	transfer := f.addTransfer(domain.TransferStatusPending, 20000, f.now.Add(-time.Hour))

	result, err := f.coordinator.Redeem(context.Background(), f.user.ID, transfer.ID, nil)
	if err != nil {
		t.Fatalf("Redeem() error: %v", err)
	}
	if result.UsedAt != nil {
		t.Fatal("pending redemption must only reserve the bonus")
	}

	reserved := f.repo.ledger.byIndex(2)
	if reserved == nil {
		t.Fatal("milestone 2 record missing")
	}
	if reserved.Used() {
		t.Fatal("reserved bonus must not be consumed yet")
	}
	if reserved.TransferID == nil || *reserved.TransferID != transfer.ID {
		t.Fatal("reserved bonus must be attached to the transfer")
	}
}

func TestRedeemValidationFailures(t *testing.T) {
	cases := []struct {
		name       string
		setup      func(f *redeemFixture) uuid.UUID
		wantKind   domain.FailureKind
		wantReason string
	}{
		{
			name:       "unknown transfer",
			setup:      func(f *redeemFixture) uuid.UUID { return uuid.New() },
			wantKind:   domain.FailureNotFound,
			wantReason: domain.ReasonTransferNotFound,
		},
		{
			name: "another user's transfer",
			setup: func(f *redeemFixture) uuid.UUID {
				transfer := f.addTransfer(domain.TransferStatusCompleted, 20000, f.now.Add(-time.Hour))
				transfer.UserID = uuid.New()
				return transfer.ID
			},
			wantKind:   domain.FailureNotFound,
			wantReason: domain.ReasonTransferNotFound,
		},
		{
			name: "outside the current window",
			setup: func(f *redeemFixture) uuid.UUID {
				return f.addTransfer(domain.TransferStatusCompleted, 20000, f.now.AddDate(0, -2, 0)).ID
			},
			wantKind:   domain.FailureInvalidState,
			wantReason: domain.ReasonOutsideWindow,
		},
		{
			name: "below the threshold",
			setup: func(f *redeemFixture) uuid.UUID {
				return f.addTransfer(domain.TransferStatusCompleted, 9999, f.now.Add(-time.Hour)).ID
			},
			wantKind:   domain.FailureInvalidState,
			wantReason: domain.ReasonBelowThreshold,
		},
		{
			name: "transfer to self",
			setup: func(f *redeemFixture) uuid.UUID {
				transfer := f.addTransfer(domain.TransferStatusCompleted, 20000, f.now.Add(-time.Hour))
				transfer.BeneficiaryCategory = domain.BeneficiaryCategorySelf
				return transfer.ID
			},
			wantKind:   domain.FailureInvalidState,
			wantReason: domain.ReasonSelfBeneficiary,
		},
		{
			name: "failed transfer",
			setup: func(f *redeemFixture) uuid.UUID {
				return f.addTransfer(domain.TransferStatusFailed, 20000, f.now.Add(-time.Hour)).ID
			},
			wantKind:   domain.FailureInvalidState,
			wantReason: domain.ReasonTransferNotRedeemable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newRedeemFixture(t)
			transferID := tc.setup(f)

			_, err := f.coordinator.Redeem(context.Background(), f.user.ID, transferID, nil)
			redeemErr := redeemErrorOf(t, err)
			if redeemErr.Kind != tc.wantKind {
				t.Fatalf("kind = %s, want %s", redeemErr.Kind, tc.wantKind)
			}
			if redeemErr.Reason != tc.wantReason {
				t.Fatalf("reason = %s, want %s", redeemErr.Reason, tc.wantReason)
			}
		})
	}
}

func TestRedeemRejectsGapViolation(t *testing.T) {
	f := newRedeemFixture(t)
	prior := f.addHistory(15000, f.now.Add(-12*time.Hour))
	transfer := f.addTransfer(domain.TransferStatusCompleted, 20000, f.now.Add(-time.Hour))
	transfer.BeneficiaryID = prior.BeneficiaryID

	_, err := f.coordinator.Redeem(context.Background(), f.user.ID, transfer.ID, nil)
	redeemErr := redeemErrorOf(t, err)
	if redeemErr.Reason != domain.ReasonGapViolation {
		t.Fatalf("reason = %s, want %s", redeemErr.Reason, domain.ReasonGapViolation)
	}
}

func TestRedeemFirstMilestoneReportsAutoConsumed(t *testing.T) {
	f := newRedeemFixture(t)
	transfer := f.addTransfer(domain.TransferStatusCompleted, 20000, f.now.Add(-time.Hour))

	// With no prior eligible history the next tier is milestone 1, which is
	// consumed the instant it is created.
	_, err := f.coordinator.Redeem(context.Background(), f.user.ID, transfer.ID, nil)
	redeemErr := redeemErrorOf(t, err)
	if redeemErr.Kind != domain.FailureConflict || redeemErr.Reason != domain.ReasonBonusAlreadyUsed {
		t.Fatalf("got %s/%s, want conflict/%s", redeemErr.Kind, redeemErr.Reason, domain.ReasonBonusAlreadyUsed)
	}
}

func TestRedeemExplicitBonus(t *testing.T) {
	f := newRedeemFixture(t)
	f.addHistory(15000, f.now.Add(-72*time.Hour))
	transfer := f.addTransfer(domain.TransferStatusCompleted, 20000, f.now.Add(-time.Hour))

	window := f.coordinator.calculator.ComputeWindow(f.user, f.now)
	bonus := domain.BonusRecord{
		ID:             uuid.New(),
		UserID:         f.user.ID,
		WindowStart:    window.Start,
		WindowEnd:      window.End,
		MilestoneIndex: 2,
		Amount:         30000,
		AwardedAt:      f.now.Add(-24 * time.Hour),
		ExpiresAt:      window.End,
	}
	f.repo.ledger.bonuses = append(f.repo.ledger.bonuses, bonus)

	result, err := f.coordinator.Redeem(context.Background(), f.user.ID, transfer.ID, &bonus.ID)
	if err != nil {
		t.Fatalf("Redeem() error: %v", err)
	}
	if result.BonusID != bonus.ID {
		t.Fatalf("redeemed bonus %s, want %s", result.BonusID, bonus.ID)
	}
}

func TestRedeemExplicitBonusFailures(t *testing.T) {
	f := newRedeemFixture(t)
	f.addHistory(15000, f.now.Add(-72*time.Hour))
	transfer := f.addTransfer(domain.TransferStatusCompleted, 20000, f.now.Add(-time.Hour))
	window := f.coordinator.calculator.ComputeWindow(f.user, f.now)

	t.Run("unknown bonus id", func(t *testing.T) {
		unknown := uuid.New()
		_, err := f.coordinator.Redeem(context.Background(), f.user.ID, transfer.ID, &unknown)
		redeemErr := redeemErrorOf(t, err)
		if redeemErr.Reason != domain.ReasonNoResolvableBonus {
			t.Fatalf("reason = %s, want %s", redeemErr.Reason, domain.ReasonNoResolvableBonus)
		}
	})

	t.Run("bonus above the reachable tier", func(t *testing.T) {
		tooHigh := domain.BonusRecord{
			ID:             uuid.New(),
			UserID:         f.user.ID,
			WindowStart:    window.Start,
			WindowEnd:      window.End,
			MilestoneIndex: 4,
			Amount:         50000,
			ExpiresAt:      window.End,
		}
		f.repo.ledger.bonuses = append(f.repo.ledger.bonuses, tooHigh)

		_, err := f.coordinator.Redeem(context.Background(), f.user.ID, transfer.ID, &tooHigh.ID)
		redeemErr := redeemErrorOf(t, err)
		if redeemErr.Reason != domain.ReasonMilestonePrerequisite {
			t.Fatalf("reason = %s, want %s", redeemErr.Reason, domain.ReasonMilestonePrerequisite)
		}
	})

	t.Run("expired bonus", func(t *testing.T) {
		expired := domain.BonusRecord{
			ID:             uuid.New(),
			UserID:         f.user.ID,
			WindowStart:    window.Start,
			WindowEnd:      window.End,
			MilestoneIndex: 2,
			Amount:         30000,
			ExpiresAt:      f.now.Add(-time.Hour),
		}
		f.repo.ledger.bonuses = append(f.repo.ledger.bonuses, expired)

		_, err := f.coordinator.Redeem(context.Background(), f.user.ID, transfer.ID, &expired.ID)
		redeemErr := redeemErrorOf(t, err)
		if redeemErr.Reason != domain.ReasonBonusExpired {
			t.Fatalf("reason = %s, want %s", redeemErr.Reason, domain.ReasonBonusExpired)
		}
	})
}
