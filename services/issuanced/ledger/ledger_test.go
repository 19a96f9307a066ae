package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"esgcoupon/services/issuanced/apperr"
	"esgcoupon/services/issuanced/models"
	"esgcoupon/storage"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"document": func(t *testing.T) Store {
			store, err := NewDocumentStore(storage.NewMemDB())
			if err != nil {
				t.Fatalf("document store: %v", err)
			}
			return store
		},
		"sql": func(t *testing.T) Store {
			store, err := NewSQLStore(setupTestDB(t))
			if err != nil {
				t.Fatalf("sql store: %v", err)
			}
			return store
		},
	}
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T, store Store) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)}
	l, err := New(Config{Store: store, Now: clock.Now})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l, clock
}

func checkAndRecord(t *testing.T, l *Ledger, user string, amount int64, period string) Record {
	t.Helper()
	ctx := context.Background()
	decision, err := l.CheckIssuance(ctx, user, amount, period)
	if err != nil {
		t.Fatalf("check issuance: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected issuance to be allowed: %+v", decision)
	}
	rec, err := l.RecordIssuance(ctx, user, amount, "carbon_neutral", "TX-"+user, period)
	if err != nil {
		t.Fatalf("record issuance: %v", err)
	}
	return rec
}

func TestLedgerScenarioAcrossStores(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, _ := newTestLedger(t, factory(t))
			if _, err := l.SetBudget(ctx, "2025-Q1", 1_000_000, 5000); err != nil {
				t.Fatalf("set budget: %v", err)
			}

			rec := checkAndRecord(t, l, "user001", 3900, "2025-Q1")
			if rec.RecordID != "ISS-000001" {
				t.Fatalf("unexpected record id %s", rec.RecordID)
			}
			status, err := l.BudgetStatus(ctx, "2025-Q1")
			if err != nil {
				t.Fatalf("budget status: %v", err)
			}
			if status.Allocated != 3900 || status.Remaining != 996100 {
				t.Fatalf("unexpected allocation %+v", status.Allocation)
			}
			if math.Abs(status.UtilizationRate-0.39) > 1e-9 {
				t.Fatalf("unexpected utilization %v", status.UtilizationRate)
			}

			decision, err := l.CheckIssuance(ctx, "user001", 2000, "2025-Q1")
			if err != nil {
				t.Fatalf("check issuance: %v", err)
			}
			if decision.Allowed || decision.Code != CodeLimitExceeded {
				t.Fatalf("expected limit rejection, got %+v", decision)
			}
			if decision.Cumulative != 3900 || decision.Limit != 5000 {
				t.Fatalf("unexpected decision figures %+v", decision)
			}
			if !errors.Is(decision.Err(), ErrLimitExceeded) || !errors.Is(decision.Err(), apperr.ErrPolicy) {
				t.Fatalf("expected policy error, got %v", decision.Err())
			}

			second := checkAndRecord(t, l, "user002", 100, "2025-Q1")
			if second.RecordID != "ISS-000002" {
				t.Fatalf("unexpected record id %s", second.RecordID)
			}
		})
	}
}

func TestRecordIssuanceRequiresPrecheck(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())
	if _, err := l.SetBudget(ctx, "2025-Q1", 10_000, 5000); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	_, err := l.RecordIssuance(ctx, "user001", 100, "basic", "TX-1", "2025-Q1")
	if !errors.Is(err, ErrPrecheckViolation) || !errors.Is(err, apperr.ErrContract) {
		t.Fatalf("expected precheck violation, got %v", err)
	}

	if _, err := l.CheckIssuance(ctx, "user001", 100, "2025-Q1"); err != nil {
		t.Fatalf("check: %v", err)
	}
	// A grant covers exactly the checked amount.
	if _, err := l.RecordIssuance(ctx, "user001", 200, "basic", "TX-1", "2025-Q1"); !errors.Is(err, ErrPrecheckViolation) {
		t.Fatalf("expected precheck violation for different amount, got %v", err)
	}
	if _, err := l.RecordIssuance(ctx, "user001", 100, "basic", "TX-1", "2025-Q1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := l.RecordIssuance(ctx, "user001", 100, "basic", "TX-2", "2025-Q1"); !errors.Is(err, ErrPrecheckViolation) {
		t.Fatalf("expected grant to be single use, got %v", err)
	}
}

func TestPrecheckGrantExpires(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t, NewMemoryStore())
	if _, err := l.SetBudget(ctx, "2025-Q1", 10_000, 5000); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	if _, err := l.CheckIssuance(ctx, "user001", 100, "2025-Q1"); err != nil {
		t.Fatalf("check: %v", err)
	}
	clock.Advance(DefaultGrantTTL + time.Second)
	if _, err := l.RecordIssuance(ctx, "user001", 100, "basic", "TX-1", "2025-Q1"); !errors.Is(err, ErrPrecheckViolation) {
		t.Fatalf("expected expired grant to be rejected, got %v", err)
	}
}

func TestSetBudgetRevokesOutstandingGrants(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())
	if _, err := l.SetBudget(ctx, "2025-Q1", 10_000, 5000); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	if _, err := l.CheckIssuance(ctx, "user001", 100, "2025-Q1"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, err := l.SetBudget(ctx, "2025-Q1", 50, 50); err != nil {
		t.Fatalf("reset budget: %v", err)
	}
	if _, err := l.RecordIssuance(ctx, "user001", 100, "basic", "TX-1", "2025-Q1"); !errors.Is(err, ErrPrecheckViolation) {
		t.Fatalf("expected revoked grant, got %v", err)
	}
}

func TestRecordIssuanceRevalidatesUnderLock(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())
	if _, err := l.SetBudget(ctx, "2025-Q1", 1000, 1000); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	for _, user := range []string{"alice", "bob"} {
		decision, err := l.CheckIssuance(ctx, user, 600, "2025-Q1")
		if err != nil || !decision.Allowed {
			t.Fatalf("expected %s to pass precheck: %+v %v", user, decision, err)
		}
	}
	if _, err := l.RecordIssuance(ctx, "alice", 600, "basic", "TX-A", "2025-Q1"); err != nil {
		t.Fatalf("record alice: %v", err)
	}
	_, err := l.RecordIssuance(ctx, "bob", 600, "basic", "TX-B", "2025-Q1")
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected budget exhausted on re-validation, got %v", err)
	}
	status, _ := l.BudgetStatus(ctx, "2025-Q1")
	if status.Allocated != 600 || status.Remaining != 400 {
		t.Fatalf("unexpected allocation %+v", status.Allocation)
	}
}

func TestCumulativeIssuanceMatchesExactPeriod(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())
	for _, period := range []string{"2025-Q1", "2025-Q2"} {
		if _, err := l.SetBudget(ctx, period, 100_000, 5000); err != nil {
			t.Fatalf("set budget: %v", err)
		}
	}
	checkAndRecord(t, l, "user001", 5000, "2025-Q1")
	decision, err := l.CheckIssuance(ctx, "user001", 5000, "2025-Q2")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Allowed || decision.Cumulative != 0 {
		t.Fatalf("expected Q1 records to be ignored in Q2: %+v", decision)
	}
}

func TestCheckIssuanceFailsClosed(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())
	if _, err := l.SetBudget(ctx, "2025-Q1", 1000, 5000); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	cases := []struct {
		user   string
		amount int64
		period string
		code   string
	}{
		{"user001", 100, "2030-Q4", CodeUnknownPeriod},
		{"user001", 1001, "2025-Q1", CodeBudgetExhausted},
		{"user001", 0, "2025-Q1", CodeInvalidRequest},
		{"  ", 10, "2025-Q1", CodeInvalidRequest},
	}
	for _, tc := range cases {
		decision, err := l.CheckIssuance(ctx, tc.user, tc.amount, tc.period)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if decision.Allowed || decision.Code != tc.code {
			t.Fatalf("expected %s, got %+v", tc.code, decision)
		}
	}
}

func TestSetBudgetValidation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())
	if _, err := l.SetBudget(ctx, "2025-Q1", -1, 10); !errors.Is(err, ErrInvalidBudget) {
		t.Fatalf("expected invalid budget, got %v", err)
	}
	if _, err := l.SetBudget(ctx, "2025-Q1", 10, -1); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := l.BudgetStatus(ctx, "2025-Q1"); !errors.Is(err, ErrUnknownPeriod) {
		t.Fatalf("expected no allocation after rejected budget, got %v", err)
	}
}

func TestLedgerConservationHoldsAfterEveryRecord(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())
	if _, err := l.SetBudget(ctx, "2025-Q1", 7_777, 400); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	for i := 0; i < 60; i++ {
		user := fmt.Sprintf("user%03d", i%25)
		amount := int64(37 + (i*53)%200)
		_, _, err := l.Issue(ctx, user, amount, "basic", "", "2025-Q1")
		if err != nil && !errors.Is(err, apperr.ErrPolicy) {
			t.Fatalf("issue: %v", err)
		}
		status, err := l.BudgetStatus(ctx, "2025-Q1")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if !status.Consistent() {
			t.Fatalf("allocation inconsistent after issue %d: %+v", i, status.Allocation)
		}
	}
}

func TestConcurrentIssuanceNeverOverspends(t *testing.T) {
	for name, factory := range storeFactories() {
		if name == "sql" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, _ := newTestLedger(t, factory(t))
			if _, err := l.SetBudget(ctx, "2025-Q1", 10_000, 5000); err != nil {
				t.Fatalf("set budget: %v", err)
			}

			var wg sync.WaitGroup
			var mu sync.Mutex
			committed := 0
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					user := fmt.Sprintf("citizen-%02d", i)
					decision, err := l.CheckIssuance(ctx, user, 300, "2025-Q1")
					if err != nil || !decision.Allowed {
						return
					}
					if _, err := l.RecordIssuance(ctx, user, 300, "basic", "", "2025-Q1"); err == nil {
						mu.Lock()
						committed++
						mu.Unlock()
					} else if !errors.Is(err, ErrBudgetExhausted) {
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			if committed != 33 {
				t.Fatalf("expected exactly 33 commits, got %d", committed)
			}
			status, err := l.BudgetStatus(ctx, "2025-Q1")
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if status.Allocated != 9900 || status.Remaining != 100 {
				t.Fatalf("unexpected allocation %+v", status.Allocation)
			}
		})
	}
}

func TestConcurrentIssuanceRespectsPerPersonLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())
	if _, err := l.SetBudget(ctx, "2025-Q1", 1_000_000, 5000); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = l.Issue(ctx, "user001", 400, "basic", "", "2025-Q1")
		}()
	}
	wg.Wait()

	summary, err := l.UserSummary(ctx, "user001")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalIssued != 4800 || summary.Count != 12 {
		t.Fatalf("expected 12 commits totalling 4800, got %+v", summary)
	}
}

func TestBookkeepingBreachHaltsPeriod(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l, _ := newTestLedger(t, store)
	if _, err := l.SetBudget(ctx, "2025-Q1", 10_000, 5000); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	checkAndRecord(t, l, "user001", 100, "2025-Q1")

	alloc, _ := store.Allocation(ctx, "2025-Q1")
	alloc.Remaining = 5 // allocated 100 + remaining 5 != 10000
	if err := store.PutAllocation(ctx, alloc); err != nil {
		t.Fatalf("corrupt allocation: %v", err)
	}

	_, _, err := l.Issue(ctx, "user002", 1, "basic", "", "2025-Q1")
	if !errors.Is(err, ErrFatalInvariantBreach) || !errors.Is(err, apperr.ErrFatalBreach) {
		t.Fatalf("expected fatal breach, got %v", err)
	}
	status, _ := l.BudgetStatus(ctx, "2025-Q1")
	if !status.Halted {
		t.Fatalf("expected period to be halted")
	}

	decision, err := l.CheckIssuance(ctx, "user002", 1, "2025-Q1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed || decision.Code != CodePeriodHalted {
		t.Fatalf("expected halted decision, got %+v", decision)
	}

	if _, err := l.SetBudget(ctx, "2025-Q1", 10_000, 5000); err != nil {
		t.Fatalf("repair budget: %v", err)
	}
	if _, _, err := l.Issue(ctx, "user002", 1, "basic", "", "2025-Q1"); err != nil {
		t.Fatalf("expected issuance after repair, got %v", err)
	}
}

func TestTopRecipientsBreaksTiesByFirstSeen(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())
	if _, err := l.SetBudget(ctx, "2025-Q1", 100_000, 5000); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	issue := func(user string, amount int64) {
		if _, _, err := l.Issue(ctx, user, amount, "basic", "", "2025-Q1"); err != nil {
			t.Fatalf("issue %s: %v", user, err)
		}
	}
	issue("carol", 300)
	issue("alice", 500)
	issue("bob", 300)
	issue("dave", 100)
	issue("carol", 200)

	top, err := l.TopRecipients(ctx, 3)
	if err != nil {
		t.Fatalf("top recipients: %v", err)
	}
	want := []string{"carol", "alice", "bob"}
	if len(top) != len(want) {
		t.Fatalf("unexpected length %d", len(top))
	}
	for i, user := range want {
		if top[i].UserID != user {
			t.Fatalf("position %d: expected %s, got %s (%+v)", i, user, top[i].UserID, top)
		}
	}
	if top[0].TotalIssued != 500 || top[0].Count != 2 {
		t.Fatalf("unexpected carol totals %+v", top[0])
	}

	all, err := l.TopRecipients(ctx, 0)
	if err != nil {
		t.Fatalf("top recipients: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected default limit to include all 4 users, got %d", len(all))
	}
}

func TestUserSummaryKeepsLastTenRecords(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())
	if _, err := l.SetBudget(ctx, "2025-Q1", 100_000, 5000); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	for i := 1; i <= 12; i++ {
		if _, _, err := l.Issue(ctx, "user001", int64(i), "basic", fmt.Sprintf("TX-%d", i), "2025-Q1"); err != nil {
			t.Fatalf("issue: %v", err)
		}
	}
	summary, err := l.UserSummary(ctx, " user001 ")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Count != 12 || summary.TotalIssued != 78 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Recent) != RecentRecordLimit || summary.Recent[0].TxRef != "TX-3" || summary.Recent[9].TxRef != "TX-12" {
		t.Fatalf("unexpected recent records %+v", summary.Recent)
	}
}

func TestUserIDsAreNormalised(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())
	if _, err := l.SetBudget(ctx, "2025-Q1", 100_000, 5000); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	// Fullwidth digits fold to ASCII under NFKC.
	if _, _, err := l.Issue(ctx, "user００１", 4000, "basic", "", "2025-Q1"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	decision, err := l.CheckIssuance(ctx, "user001", 2000, "2025-Q1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected normalised ids to share a limit: %+v", decision)
	}
}

func TestPeriodLocksAreReleased(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())
	for q := 1; q <= 8; q++ {
		period := fmt.Sprintf("2025-P%d", q)
		if _, err := l.SetBudget(ctx, period, 10_000, 5000); err != nil {
			t.Fatalf("set budget: %v", err)
		}
		checkAndRecord(t, l, "citizen-01", 100, period)
		if _, _, err := l.Issue(ctx, "citizen-02", 100, "basic", "", period); err != nil {
			t.Fatalf("issue: %v", err)
		}
	}
	if n := l.locks.Len(); n != 0 {
		t.Fatalf("expected period locks to be released, %d retained", n)
	}
}

func TestPeriodFor(t *testing.T) {
	cases := map[string]time.Time{
		"2025-Q1": time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		"2025-Q2": time.Date(2025, time.June, 30, 23, 59, 0, 0, time.UTC),
		"2025-Q3": time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC),
		"2025-Q4": time.Date(2025, time.December, 31, 12, 0, 0, 0, time.UTC),
	}
	for want, at := range cases {
		if got := PeriodFor(at); got != want {
			t.Fatalf("PeriodFor(%s): want %s, got %s", at, want, got)
		}
	}
}
