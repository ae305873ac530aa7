package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mercii/settlement-service/internal/domain"
)

func testWindow() domain.Window {
	start := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	return domain.Window{Start: start, End: start.AddDate(0, 1, 0)}
}

func TestEnsureMilestoneCreatesLazily(t *testing.T) {
	ledger := NewMilestoneLedger()
	mem := &memLedger{}
	userID := uuid.New()
	window := testWindow()
	now := window.Start.Add(48 * time.Hour)

	bonus, err := ledger.EnsureMilestone(context.Background(), mem, userID, window, 2, now)
	if err != nil {
		t.Fatalf("EnsureMilestone() error: %v", err)
	}
	if bonus.Amount != 30000 {
		t.Fatalf("milestone 2 amount = %d, want 30000", bonus.Amount)
	}
	if bonus.Used() {
		t.Fatal("milestone 2 must not be auto-consumed")
	}
	if !bonus.ExpiresAt.Equal(window.End) {
		t.Fatalf("bonus expires at %v, want window end %v", bonus.ExpiresAt, window.End)
	}
}

func TestEnsureMilestoneAutoConsumesFirstTier(t *testing.T) {
	ledger := NewMilestoneLedger()
	mem := &memLedger{}
	window := testWindow()
	now := window.Start.Add(time.Hour)

	bonus, err := ledger.EnsureMilestone(context.Background(), mem, uuid.New(), window, 1, now)
	if err != nil {
		t.Fatalf("EnsureMilestone() error: %v", err)
	}
	if !bonus.Used() {
		t.Fatal("milestone 1 must be consumed at creation")
	}
	if bonus.Amount != 25000 {
		t.Fatalf("milestone 1 amount = %d, want 25000", bonus.Amount)
	}
}

func TestEnsureMilestoneIsIdempotent(t *testing.T) {
	ledger := NewMilestoneLedger()
	mem := &memLedger{}
	userID := uuid.New()
	window := testWindow()
	now := window.Start.Add(time.Hour)

	first, err := ledger.EnsureMilestone(context.Background(), mem, userID, window, 2, now)
	if err != nil {
		t.Fatalf("first EnsureMilestone() error: %v", err)
	}
	second, err := ledger.EnsureMilestone(context.Background(), mem, userID, window, 2, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second EnsureMilestone() error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("repeat call created a second record: %s vs %s", first.ID, second.ID)
	}
	if len(mem.bonuses) != 1 {
		t.Fatalf("ledger holds %d records, want 1", len(mem.bonuses))
	}
}

func TestEnsureMilestoneRejectsOutOfRangeIndex(t *testing.T) {
	ledger := NewMilestoneLedger()
	for _, index := range []int{0, 5, -1} {
		if _, err := ledger.EnsureMilestone(context.Background(), &memLedger{}, uuid.New(), testWindow(), index, time.Now()); err == nil {
			t.Fatalf("index %d must be rejected", index)
		}
	}
}

func TestSupersedeExpiresLowerUnusedTiers(t *testing.T) {
	ledger := NewMilestoneLedger()
	mem := &memLedger{}
	userID := uuid.New()
	window := testWindow()
	now := window.Start.Add(time.Hour)

	if _, err := ledger.EnsureMilestone(context.Background(), mem, userID, window, 1, now); err != nil {
		t.Fatalf("EnsureMilestone(1) error: %v", err)
	}
	if _, err := ledger.EnsureMilestone(context.Background(), mem, userID, window, 2, now); err != nil {
		t.Fatalf("EnsureMilestone(2) error: %v", err)
	}

	later := now.Add(72 * time.Hour)
	if err := ledger.Supersede(context.Background(), mem, 3, later); err != nil {
		t.Fatalf("Supersede() error: %v", err)
	}

	// Milestone 1 was consumed at creation and must stay terminal.
	if one := mem.byIndex(1); one == nil || !one.Used() {
		t.Fatal("milestone 1 must remain used after supersede")
	}
	// Milestone 2 was unredeemed and must now be expired.
	two := mem.byIndex(2)
	if two == nil {
		t.Fatal("milestone 2 record missing")
	}
	if !two.ExpiredAt(later) {
		t.Fatal("milestone 2 must be force-expired by supersede")
	}
}

func TestSupersedeLeavesReachedTierAlone(t *testing.T) {
	ledger := NewMilestoneLedger()
	mem := &memLedger{}
	userID := uuid.New()
	window := testWindow()
	now := window.Start.Add(time.Hour)

	if _, err := ledger.EnsureMilestone(context.Background(), mem, userID, window, 3, now); err != nil {
		t.Fatalf("EnsureMilestone(3) error: %v", err)
	}
	if err := ledger.Supersede(context.Background(), mem, 3, now.Add(time.Hour)); err != nil {
		t.Fatalf("Supersede() error: %v", err)
	}
	three := mem.byIndex(3)
	if three == nil || three.ExpiredAt(now.Add(2*time.Hour)) {
		t.Fatal("the reached tier must not be expired by supersede")
	}
}

func TestRemainingBudgetIsDerived(t *testing.T) {
	ledger := NewMilestoneLedger()
	window := testWindow()
	usedAt := window.Start.Add(time.Hour)

	bonuses := []domain.BonusRecord{
		{MilestoneIndex: 1, Amount: 25000, UsedAt: &usedAt, ExpiresAt: window.End},
		{MilestoneIndex: 2, Amount: 30000, ExpiresAt: window.End},
	}

	if got := ledger.UsedTotal(bonuses); got != 25000 {
		t.Fatalf("UsedTotal() = %d, want 25000", got)
	}
	want := domain.TotalMilestoneBudget() - 25000
	if got := ledger.RemainingBudget(bonuses); got != want {
		t.Fatalf("RemainingBudget() = %d, want %d", got, want)
	}
}

func TestTotalMilestoneBudget(t *testing.T) {
	if got := domain.TotalMilestoneBudget(); got != 140000 {
		t.Fatalf("TotalMilestoneBudget() = %d, want 140000", got)
	}
}
