package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"esgcoupon/services/issuanced/apperr"
	"esgcoupon/services/issuanced/models"
)

// ErrReportNotFound is returned when no stored report matches.
var ErrReportNotFound = apperr.New(apperr.ErrNotFound, "verifier: report not found")

// ReportStore retains reports for audit. Reports are never updated.
type ReportStore interface {
	Save(ctx context.Context, report Report) error
	Get(ctx context.Context, id uuid.UUID) (Report, error)
	Latest(ctx context.Context, assetID string) (Report, error)
	List(ctx context.Context, assetID string, limit int) ([]Report, error)
}

// MemoryReportStore keeps reports in insertion order.
type MemoryReportStore struct {
	mu      sync.RWMutex
	reports []Report
}

func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{}
}

func (m *MemoryReportStore) Save(_ context.Context, report Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return nil
}

func (m *MemoryReportStore) Get(_ context.Context, id uuid.UUID) (Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reports {
		if r.ID == id {
			return r, nil
		}
	}
	return Report{}, fmt.Errorf("%w: %s", ErrReportNotFound, id)
}

func (m *MemoryReportStore) Latest(ctx context.Context, assetID string) (Report, error) {
	list, err := m.List(ctx, assetID, 1)
	if err != nil {
		return Report{}, err
	}
	if len(list) == 0 {
		return Report{}, fmt.Errorf("%w: asset %s", ErrReportNotFound, assetID)
	}
	return list[0], nil
}

// List returns the newest reports first.
func (m *MemoryReportStore) List(_ context.Context, assetID string, limit int) ([]Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Report, 0)
	for i := len(m.reports) - 1; i >= 0; i-- {
		if assetID != "" && m.reports[i].AssetID != assetID {
			continue
		}
		out = append(out, m.reports[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SQLReportStore archives reports through gorm. The full report is kept as
// JSON next to the indexed summary columns.
type SQLReportStore struct {
	db *gorm.DB
}

func NewSQLReportStore(db *gorm.DB) (*SQLReportStore, error) {
	if db == nil {
		return nil, errors.New("verifier: database required")
	}
	return &SQLReportStore{db: db}, nil
}

func (s *SQLReportStore) Save(ctx context.Context, report Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	row := models.InvariantReport{
		ID:          report.ID,
		AssetID:     report.AssetID,
		AllPassed:   report.AllPassed,
		Degraded:    report.Degraded,
		Digest:      report.Digest,
		Signer:      report.Signer,
		Body:        string(body),
		GeneratedAt: report.GeneratedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLReportStore) Get(ctx context.Context, id uuid.UUID) (Report, error) {
	var row models.InvariantReport
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Report{}, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	if err != nil {
		return Report{}, err
	}
	return decodeReport(row)
}

func (s *SQLReportStore) Latest(ctx context.Context, assetID string) (Report, error) {
	list, err := s.List(ctx, assetID, 1)
	if err != nil {
		return Report{}, err
	}
	if len(list) == 0 {
		return Report{}, fmt.Errorf("%w: asset %s", ErrReportNotFound, assetID)
	}
	return list[0], nil
}

func (s *SQLReportStore) List(ctx context.Context, assetID string, limit int) ([]Report, error) {
	query := s.db.WithContext(ctx).Order("generated_at desc, created_at desc")
	if assetID != "" {
		query = query.Where("asset_id = ?", assetID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []models.InvariantReport
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Report, 0, len(rows))
	for _, row := range rows {
		report, err := decodeReport(row)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, nil
}

func decodeReport(row models.InvariantReport) (Report, error) {
	var report Report
	if err := json.Unmarshal([]byte(row.Body), &report); err != nil {
		return Report{}, fmt.Errorf("decode report %s: %w", row.ID, err)
	}
	return report, nil
}
