package ledger

import (
	"context"
	"testing"

	"gorm.io/gorm"

	"esgcoupon/services/issuanced/models"
)

func TestNextSequenceSeedsOnce(t *testing.T) {
	db := setupTestDB(t)
	for want := uint64(1); want <= 3; want++ {
		var got uint64
		err := db.Transaction(func(tx *gorm.DB) error {
			var err error
			got, err = nextSequence(tx)
			return err
		})
		if err != nil {
			t.Fatalf("next sequence: %v", err)
		}
		if got != want {
			t.Fatalf("expected sequence %d, got %d", want, got)
		}
	}
	var rows int64
	if err := db.Model(&models.LedgerSequence{}).Count(&rows).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected a single sequence row, got %d", rows)
	}
}

func TestNextSequenceKeepsExistingRow(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Create(&models.LedgerSequence{Name: issuanceSequence, Value: 41}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	var got uint64
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		got, err = nextSequence(tx)
		return err
	})
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected the seeded counter to continue at 42, got %d", got)
	}
}

func TestFirstCommitsAcrossPeriodsShareSequence(t *testing.T) {
	store, err := NewSQLStore(setupTestDB(t))
	if err != nil {
		t.Fatalf("sql store: %v", err)
	}
	l, _ := newTestLedger(t, store)
	ctx := context.Background()
	for _, period := range []string{"2025-Q1", "2025-Q2"} {
		if _, err := l.SetBudget(ctx, period, 10_000, 5000); err != nil {
			t.Fatalf("set budget %s: %v", period, err)
		}
	}
	first := checkAndRecord(t, l, "user001", 100, "2025-Q1")
	second := checkAndRecord(t, l, "user002", 100, "2025-Q2")
	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("expected sequences 1 and 2, got %d and %d", first.Sequence, second.Sequence)
	}
}
