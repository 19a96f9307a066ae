package ledger

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"esgcoupon/services/issuanced/models"
)

const issuanceSequence = "issuance"

// SQLStore persists the ledger through gorm. Commits lock the allocation and
// sequence rows so concurrent service replicas also serialize per period.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps a migrated gorm handle.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("ledger: db is required")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Allocation(ctx context.Context, period string) (Allocation, error) {
	var row models.BudgetAllocation
	if err := s.db.WithContext(ctx).First(&row, "period = ?", period).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Allocation{}, ErrUnknownPeriod
		}
		return Allocation{}, fmt.Errorf("ledger: load allocation: %w", err)
	}
	return allocationFromRow(row), nil
}

func (s *SQLStore) Allocations(ctx context.Context) ([]Allocation, error) {
	var rows []models.BudgetAllocation
	if err := s.db.WithContext(ctx).Order("period ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: list allocations: %w", err)
	}
	out := make([]Allocation, 0, len(rows))
	for _, row := range rows {
		out = append(out, allocationFromRow(row))
	}
	return out, nil
}

func (s *SQLStore) PutAllocation(ctx context.Context, alloc Allocation) error {
	row := models.BudgetAllocation{
		Period:         alloc.Period,
		TotalBudget:    alloc.TotalBudget,
		Allocated:      alloc.Allocated,
		Remaining:      alloc.Remaining,
		PerPersonLimit: alloc.PerPersonLimit,
		Halted:         alloc.Halted,
		HaltReason:     alloc.HaltReason,
		CreatedAt:      alloc.UpdatedAt,
		UpdatedAt:      alloc.UpdatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "period"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_budget", "allocated", "remaining", "per_person_limit", "halted", "halt_reason", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("ledger: put allocation: %w", err)
	}
	return nil
}

func (s *SQLStore) UserPeriodTotal(ctx context.Context, userID, period string) (int64, error) {
	return userPeriodTotal(s.db.WithContext(ctx), userID, period)
}

func userPeriodTotal(db *gorm.DB, userID, period string) (int64, error) {
	var total int64
	err := db.Model(&models.IssuanceRecord{}).
		Where("user_id = ? AND period = ?", userID, period).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: sum user issuance: %w", err)
	}
	return total, nil
}

func (s *SQLStore) Commit(ctx context.Context, draft Record, check CheckFunc) (Record, error) {
	var committed Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.BudgetAllocation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "period = ?", draft.Period).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownPeriod
			}
			return err
		}
		userTotal, err := userPeriodTotal(tx, draft.UserID, draft.Period)
		if err != nil {
			return err
		}
		if err := check(allocationFromRow(row), userTotal); err != nil {
			return err
		}

		seq, err := nextSequence(tx)
		if err != nil {
			return err
		}
		draft.Sequence = seq
		draft.RecordID = FormatRecordID(seq)
		record := models.IssuanceRecord{
			Sequence:  seq,
			RecordID:  draft.RecordID,
			UserID:    draft.UserID,
			Period:    draft.Period,
			Amount:    draft.Amount,
			Reason:    draft.Reason,
			TxRef:     draft.TxRef,
			CreatedAt: draft.Timestamp,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.BudgetAllocation{}).
			Where("period = ?", draft.Period).
			Updates(map[string]any{
				"allocated":  row.Allocated + draft.Amount,
				"remaining":  row.Remaining - draft.Amount,
				"updated_at": draft.Timestamp,
			}).Error; err != nil {
			return err
		}
		committed = draft
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return committed, nil
}

// nextSequence seeds the counter row idempotently so two first commits racing
// on different periods cannot both insert it, then takes the row lock.
func nextSequence(tx *gorm.DB) (uint64, error) {
	seed := models.LedgerSequence{Name: issuanceSequence}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&seed).Error; err != nil {
		return 0, err
	}
	var seq models.LedgerSequence
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&seq, "name = ?", issuanceSequence).Error; err != nil {
		return 0, err
	}
	seq.Value++
	if err := tx.Model(&models.LedgerSequence{}).Where("name = ?", issuanceSequence).Update("value", seq.Value).Error; err != nil {
		return 0, err
	}
	return seq.Value, nil
}

func (s *SQLStore) Halt(ctx context.Context, period, reason string) error {
	result := s.db.WithContext(ctx).Model(&models.BudgetAllocation{}).
		Where("period = ?", period).
		Updates(map[string]any{"halted": true, "halt_reason": reason})
	if result.Error != nil {
		return fmt.Errorf("ledger: halt period: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUnknownPeriod
	}
	return nil
}

func (s *SQLStore) RecordsByUser(ctx context.Context, userID string) ([]Record, error) {
	var rows []models.IssuanceRecord
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: list user records: %w", err)
	}
	return recordsFromRows(rows), nil
}

func (s *SQLStore) Records(ctx context.Context, period string) ([]Record, error) {
	query := s.db.WithContext(ctx).Order("sequence ASC")
	if period != "" {
		query = query.Where("period = ?", period)
	}
	var rows []models.IssuanceRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: list records: %w", err)
	}
	return recordsFromRows(rows), nil
}

func allocationFromRow(row models.BudgetAllocation) Allocation {
	return Allocation{
		Period:         row.Period,
		TotalBudget:    row.TotalBudget,
		Allocated:      row.Allocated,
		Remaining:      row.Remaining,
		PerPersonLimit: row.PerPersonLimit,
		Halted:         row.Halted,
		HaltReason:     row.HaltReason,
		UpdatedAt:      row.UpdatedAt,
	}
}

func recordsFromRows(rows []models.IssuanceRecord) []Record {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, Record{
			RecordID:  row.RecordID,
			Sequence:  row.Sequence,
			UserID:    row.UserID,
			Amount:    row.Amount,
			Reason:    row.Reason,
			TxRef:     row.TxRef,
			Period:    row.Period,
			Timestamp: row.CreatedAt,
		})
	}
	return out
}
