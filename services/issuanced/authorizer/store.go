package authorizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"esgcoupon/services/issuanced/models"
)

// ErrSequenceConflict is returned when an event with the same (action, seq)
// was already appended.
var ErrSequenceConflict = errors.New("authorizer: event sequence conflict")

// EventStore persists action event logs.
type EventStore interface {
	Append(ctx context.Context, ev Event) error
	Events(ctx context.Context, actionID string) ([]Event, error)
	ActionIDs(ctx context.Context) ([]string, error)
}

// MemoryEventStore keeps event logs in process memory.
type MemoryEventStore struct {
	mu     sync.RWMutex
	order  []string
	events map[string][]Event
}

// NewMemoryEventStore returns an empty store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]Event)}
}

func (m *MemoryEventStore) Append(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, exists := m.events[ev.ActionID]
	if ev.Seq != len(log)+1 {
		return fmt.Errorf("%w: %s seq %d", ErrSequenceConflict, ev.ActionID, ev.Seq)
	}
	if !exists {
		m.order = append(m.order, ev.ActionID)
	}
	m.events[ev.ActionID] = append(log, ev)
	return nil
}

func (m *MemoryEventStore) Events(_ context.Context, actionID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.events[actionID]
	out := make([]Event, len(log))
	copy(out, log)
	return out, nil
}

func (m *MemoryEventStore) ActionIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

// SQLEventStore persists events with gorm. The unique (action_id, seq) index
// rejects a second writer that raced past the in-process lock.
type SQLEventStore struct {
	db *gorm.DB
}

// NewSQLEventStore wraps db.
func NewSQLEventStore(db *gorm.DB) (*SQLEventStore, error) {
	if db == nil {
		return nil, errors.New("authorizer: database required")
	}
	return &SQLEventStore{db: db}, nil
}

func (s *SQLEventStore) Append(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	row := models.AuthorizationEvent{
		ID:        uuid.New(),
		ActionID:  ev.ActionID,
		Seq:       ev.Seq,
		Kind:      string(ev.Kind),
		Payload:   string(body),
		CreatedAt: ev.At,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return fmt.Errorf("%w: %s seq %d", ErrSequenceConflict, ev.ActionID, ev.Seq)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *SQLEventStore) Events(ctx context.Context, actionID string) ([]Event, error) {
	var rows []models.AuthorizationEvent
	if err := s.db.WithContext(ctx).Where("action_id = ?", actionID).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		var ev Event
		if err := json.Unmarshal([]byte(row.Payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event %s/%d: %w", row.ActionID, row.Seq, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *SQLEventStore) ActionIDs(ctx context.Context) ([]string, error) {
	var rows []models.AuthorizationEvent
	if err := s.db.WithContext(ctx).Where("seq = ?", 1).Order("created_at asc, action_id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ActionID)
	}
	return ids, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
