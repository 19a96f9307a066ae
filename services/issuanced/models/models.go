package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BudgetAllocation persists the budget state for a single period.
type BudgetAllocation struct {
	Period         string `gorm:"primaryKey;size:32"`
	TotalBudget    int64  `gorm:"not null"`
	Allocated      int64  `gorm:"not null"`
	Remaining      int64  `gorm:"not null"`
	PerPersonLimit int64  `gorm:"not null"`
	Halted         bool   `gorm:"not null;default:false"`
	HaltReason     string `gorm:"size:255"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IssuanceRecord is an append-only issuance log row.
type IssuanceRecord struct {
	Sequence  uint64 `gorm:"primaryKey;autoIncrement:false"`
	RecordID  string `gorm:"size:32;uniqueIndex"`
	UserID    string `gorm:"size:128;index:idx_issuance_user_period"`
	Period    string `gorm:"size:32;index:idx_issuance_user_period;index"`
	Amount    int64  `gorm:"not null"`
	Reason    string `gorm:"size:128"`
	TxRef     string `gorm:"size:128"`
	CreatedAt time.Time
}

// LedgerSequence holds the last assigned issuance sequence. A single row keyed
// by Name is locked for update while a record is appended.
type LedgerSequence struct {
	Name  string `gorm:"primaryKey;size:32"`
	Value uint64 `gorm:"not null"`
}

// AuthorizationEvent is one entry of a privileged action's event log.
type AuthorizationEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ActionID  string    `gorm:"size:64;uniqueIndex:idx_authz_action_seq"`
	Seq       int       `gorm:"uniqueIndex:idx_authz_action_seq"`
	Kind      string    `gorm:"size:32;index"`
	Payload   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// InvariantReport archives a signed verification report.
type InvariantReport struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	AssetID     string    `gorm:"size:64;index"`
	AllPassed   bool      `gorm:"index"`
	Degraded    bool
	Digest      string    `gorm:"size:128"`
	Signer      string    `gorm:"size:128"`
	Body        string    `gorm:"type:text"`
	GeneratedAt time.Time `gorm:"index"`
	CreatedAt   time.Time
}

// Event is the operator audit trail.
type Event struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Actor     string    `gorm:"size:128;index"`
	Action    string    `gorm:"size:64;index"`
	Subject   string    `gorm:"size:128;index"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&BudgetAllocation{},
		&IssuanceRecord{},
		&LedgerSequence{},
		&AuthorizationEvent{},
		&InvariantReport{},
		&Event{},
		&IdempotencyKey{},
	)
}
