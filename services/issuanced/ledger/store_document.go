package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"esgcoupon/storage"
)

var (
	periodKeyPrefix = []byte("ledger/periods/")
	sequenceKey     = []byte("ledger/sequence")
)

// periodDocument is the persisted shape of one period.
type periodDocument struct {
	Allocation Allocation `json:"allocation"`
	Records    []Record   `json:"issuance_records"`
}

// DocumentStore keeps one JSON document per period in a key-value database.
// A commit rewrites the period document and the sequence counter in a single
// batch.
type DocumentStore struct {
	mu sync.Mutex
	db storage.Database
}

// NewDocumentStore wraps the supplied key-value database.
func NewDocumentStore(db storage.Database) (*DocumentStore, error) {
	if db == nil {
		return nil, errors.New("ledger: database is required")
	}
	return &DocumentStore{db: db}, nil
}

func periodKey(period string) []byte {
	return append(append([]byte(nil), periodKeyPrefix...), period...)
}

func (s *DocumentStore) load(period string) (periodDocument, error) {
	raw, err := s.db.Get(periodKey(period))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return periodDocument{}, ErrUnknownPeriod
		}
		return periodDocument{}, fmt.Errorf("ledger: read period document: %w", err)
	}
	var doc periodDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return periodDocument{}, fmt.Errorf("ledger: decode period document: %w", err)
	}
	return doc, nil
}

func (s *DocumentStore) loadAll() ([]periodDocument, error) {
	keys, err := s.db.Keys(periodKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("ledger: list period documents: %w", err)
	}
	docs := make([]periodDocument, 0, len(keys))
	for _, key := range keys {
		doc, err := s.load(string(key[len(periodKeyPrefix):]))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *DocumentStore) sequence() (uint64, error) {
	raw, err := s.db.Get(sequenceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: read sequence: %w", err)
	}
	return strconv.ParseUint(string(raw), 10, 64)
}

func (s *DocumentStore) save(doc periodDocument, extra ...storage.Entry) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("ledger: encode period document: %w", err)
	}
	entries := append([]storage.Entry{{Key: periodKey(doc.Allocation.Period), Value: encoded}}, extra...)
	if err := s.db.PutBatch(entries); err != nil {
		return fmt.Errorf("ledger: write period document: %w", err)
	}
	return nil
}

func (s *DocumentStore) Allocation(_ context.Context, period string) (Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(period)
	if err != nil {
		return Allocation{}, err
	}
	return doc.Allocation, nil
}

func (s *DocumentStore) Allocations(_ context.Context) ([]Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	out := make([]Allocation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Allocation)
	}
	return out, nil
}

// PutAllocation replaces the allocation while keeping the period's records,
// which stay in the log for audit.
func (s *DocumentStore) PutAllocation(_ context.Context, alloc Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(alloc.Period)
	if err != nil && !errors.Is(err, ErrUnknownPeriod) {
		return err
	}
	doc.Allocation = alloc
	return s.save(doc)
}

func (s *DocumentStore) UserPeriodTotal(_ context.Context, userID, period string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(period)
	if errors.Is(err, ErrUnknownPeriod) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return sumUser(doc.Records, userID), nil
}

func sumUser(records []Record, userID string) int64 {
	var total int64
	for _, rec := range records {
		if rec.UserID == userID {
			total += rec.Amount
		}
	}
	return total
}

func (s *DocumentStore) Commit(_ context.Context, draft Record, check CheckFunc) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(draft.Period)
	if err != nil {
		return Record{}, err
	}
	if err := check(doc.Allocation, sumUser(doc.Records, draft.UserID)); err != nil {
		return Record{}, err
	}
	seq, err := s.sequence()
	if err != nil {
		return Record{}, err
	}
	seq++
	draft.Sequence = seq
	draft.RecordID = FormatRecordID(seq)
	doc.Records = append(doc.Records, draft)
	doc.Allocation.Allocated += draft.Amount
	doc.Allocation.Remaining -= draft.Amount
	doc.Allocation.UpdatedAt = draft.Timestamp
	if err := s.save(doc, storage.Entry{Key: sequenceKey, Value: []byte(strconv.FormatUint(seq, 10))}); err != nil {
		return Record{}, err
	}
	return draft, nil
}

func (s *DocumentStore) Halt(_ context.Context, period, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(period)
	if err != nil {
		return err
	}
	doc.Allocation.Halted = true
	doc.Allocation.HaltReason = reason
	return s.save(doc)
}

func (s *DocumentStore) RecordsByUser(_ context.Context, userID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0)
	for _, doc := range docs {
		for _, rec := range doc.Records {
			if rec.UserID == userID {
				out = append(out, rec)
			}
		}
	}
	sortBySequence(out)
	return out, nil
}

func (s *DocumentStore) Records(_ context.Context, period string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if period != "" {
		doc, err := s.load(period)
		if errors.Is(err, ErrUnknownPeriod) {
			return []Record{}, nil
		}
		if err != nil {
			return nil, err
		}
		return append([]Record(nil), doc.Records...), nil
	}
	docs, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0)
	for _, doc := range docs {
		out = append(out, doc.Records...)
	}
	sortBySequence(out)
	return out, nil
}

func sortBySequence(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })
}
