package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"esgcoupon/observability"
	"esgcoupon/observability/logging"
	"esgcoupon/services/issuanced/keylock"
)

// DefaultGrantTTL bounds how long a successful precheck may be redeemed.
const DefaultGrantTTL = 5 * time.Minute

// Config captures the dependencies required to construct a Ledger.
type Config struct {
	Store    Store
	Now      func() time.Time
	Logger   *slog.Logger
	GrantTTL time.Duration
}

// Ledger tracks per-period budgets and the issuance log. Check-then-record
// for a period runs under that period's lock; reads go straight to the store.
type Ledger struct {
	store    Store
	now      func() time.Time
	logger   *slog.Logger
	grantTTL time.Duration

	locks keylock.Locker

	grantsMu sync.Mutex
	grants   map[grantKey][]time.Time
}

type grantKey struct {
	user   string
	period string
	amount int64
}

// New constructs a ledger over the supplied store.
func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.GrantTTL
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	return &Ledger{
		store:    cfg.Store,
		now:      nowFn,
		logger:   logger.With("component", "ledger"),
		grantTTL: ttl,
		grants:   make(map[grantKey][]time.Time),
	}, nil
}

func (l *Ledger) lockPeriod(period string) func() {
	return l.locks.Lock(period)
}

// SetBudget replaces the allocation for period, resetting allocated to zero
// and clearing any halt. Outstanding prechecks for the period are revoked.
func (l *Ledger) SetBudget(ctx context.Context, period string, totalBudget, perPersonLimit int64) (Allocation, error) {
	period = normalizePeriod(period)
	if period == "" {
		return Allocation{}, fmt.Errorf("%w: period required", ErrInvalidBudget)
	}
	if totalBudget < 0 || perPersonLimit < 0 {
		return Allocation{}, fmt.Errorf("%w: total_budget=%d per_person_limit=%d", ErrInvalidBudget, totalBudget, perPersonLimit)
	}
	unlock := l.lockPeriod(period)
	defer unlock()

	alloc := Allocation{
		Period:         period,
		TotalBudget:    totalBudget,
		Allocated:      0,
		Remaining:      totalBudget,
		PerPersonLimit: perPersonLimit,
		UpdatedAt:      l.now(),
	}
	if err := l.store.PutAllocation(ctx, alloc); err != nil {
		return Allocation{}, err
	}
	l.revokeGrants(period)
	l.logger.Info("budget set",
		slog.String("period", period),
		slog.Int64("total_budget", totalBudget),
		slog.Int64("per_person_limit", perPersonLimit))
	return alloc, nil
}

// CheckIssuance decides whether amount may be issued to userID in period. It
// never writes ledger state; an allowed decision arms one RecordIssuance call
// for the same user, amount and period.
func (l *Ledger) CheckIssuance(ctx context.Context, userID string, amount int64, period string) (Decision, error) {
	userID = NormalizeUserID(userID)
	period = normalizePeriod(period)
	decision, err := l.decide(ctx, userID, amount, period)
	if err != nil {
		return Decision{}, err
	}
	observability.Issuance().ObserveDecision(decision.Code)
	if decision.Allowed {
		l.grant(grantKey{user: userID, period: period, amount: amount})
	}
	return decision, nil
}

func (l *Ledger) decide(ctx context.Context, userID string, amount int64, period string) (Decision, error) {
	if userID == "" || period == "" || amount <= 0 {
		return Decision{Code: CodeInvalidRequest, Reason: "user_id, period and a positive amount are required"}, nil
	}
	alloc, err := l.store.Allocation(ctx, period)
	if errors.Is(err, ErrUnknownPeriod) {
		return Decision{Code: CodeUnknownPeriod, Reason: fmt.Sprintf("no budget allocated for period %s", period)}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	userTotal, err := l.store.UserPeriodTotal(ctx, userID, period)
	if err != nil {
		return Decision{}, err
	}
	return evaluate(alloc, userTotal, amount), nil
}

// evaluate applies the issuance rules to a committed snapshot.
func evaluate(alloc Allocation, userTotal, amount int64) Decision {
	decision := Decision{
		Cumulative: userTotal,
		Remaining:  alloc.Remaining,
		Limit:      alloc.PerPersonLimit,
	}
	switch {
	case alloc.Halted:
		decision.Code = CodePeriodHalted
		decision.Reason = fmt.Sprintf("period %s halted: %s", alloc.Period, alloc.HaltReason)
	case !alloc.Consistent():
		decision.Code = CodeBookkeepingBreach
		decision.Reason = fmt.Sprintf("allocated %d + remaining %d != total %d", alloc.Allocated, alloc.Remaining, alloc.TotalBudget)
	case alloc.Remaining < amount:
		decision.Code = CodeBudgetExhausted
		decision.Reason = fmt.Sprintf("insufficient budget (remaining: %d, requested: %d)", alloc.Remaining, amount)
	case userTotal+amount > alloc.PerPersonLimit:
		decision.Code = CodeLimitExceeded
		decision.Reason = fmt.Sprintf("per-person limit exceeded (%d + %d > %d)", userTotal, amount, alloc.PerPersonLimit)
	default:
		decision.Allowed = true
		decision.Code = CodeAllowed
		decision.Reason = "issuance allowed"
	}
	return decision
}

// RecordIssuance appends an issuance that was cleared by CheckIssuance. The
// check is repeated against committed state under the period lock, so a
// competing issuance that consumed the capacity first turns this call into a
// policy rejection.
func (l *Ledger) RecordIssuance(ctx context.Context, userID string, amount int64, reason, txRef, period string) (Record, error) {
	userID = NormalizeUserID(userID)
	period = normalizePeriod(period)
	if userID == "" || period == "" || amount <= 0 {
		return Record{}, fmt.Errorf("%w: user_id, period and a positive amount are required", ErrInvalidRequest)
	}
	if !l.consumeGrant(grantKey{user: userID, period: period, amount: amount}) {
		l.logger.Error("issuance recorded without precheck",
			logging.MaskField("user_id", userID),
			slog.String("period", period),
			slog.Int64("amount", amount))
		return Record{}, ErrPrecheckViolation
	}
	unlock := l.lockPeriod(period)
	defer unlock()
	record, _, err := l.commit(ctx, userID, amount, reason, txRef, period)
	return record, err
}

// Issue checks and records in a single critical section.
func (l *Ledger) Issue(ctx context.Context, userID string, amount int64, reason, txRef, period string) (Record, Decision, error) {
	userID = NormalizeUserID(userID)
	period = normalizePeriod(period)
	if userID == "" || period == "" || amount <= 0 {
		decision := Decision{Code: CodeInvalidRequest, Reason: "user_id, period and a positive amount are required"}
		return Record{}, decision, decision.Err()
	}
	unlock := l.lockPeriod(period)
	defer unlock()
	return l.commit(ctx, userID, amount, reason, txRef, period)
}

// commit must run with the period lock held.
func (l *Ledger) commit(ctx context.Context, userID string, amount int64, reason, txRef, period string) (Record, Decision, error) {
	var decision Decision
	draft := Record{
		UserID:    userID,
		Amount:    amount,
		Reason:    strings.TrimSpace(reason),
		TxRef:     strings.TrimSpace(txRef),
		Period:    period,
		Timestamp: l.now(),
	}
	record, err := l.store.Commit(ctx, draft, func(alloc Allocation, userTotal int64) error {
		decision = evaluate(alloc, userTotal, amount)
		return decision.Err()
	})
	if err != nil {
		if errors.Is(err, ErrUnknownPeriod) && decision.Code == "" {
			decision = Decision{Code: CodeUnknownPeriod, Reason: fmt.Sprintf("no budget allocated for period %s", period)}
		}
		if decision.Code != "" {
			observability.Issuance().ObserveDecision(decision.Code)
		}
		if errors.Is(err, ErrFatalInvariantBreach) {
			l.halt(ctx, period, decision.Reason)
		}
		return Record{}, decision, err
	}
	observability.Issuance().ObserveDecision(decision.Code)
	observability.Issuance().ObserveCommit(period, amount)
	l.logger.Info("issuance recorded",
		slog.String("record_id", record.RecordID),
		logging.MaskField("user_id", userID),
		slog.String("period", period),
		slog.Int64("amount", amount),
		slog.String("reason", record.Reason))
	return record, decision, nil
}

func (l *Ledger) halt(ctx context.Context, period, reason string) {
	if err := l.store.Halt(ctx, period, reason); err != nil {
		l.logger.Error("failed to halt period", slog.String("period", period), slog.Any("error", err))
	}
	l.revokeGrants(period)
	observability.Issuance().ObserveHalt(period)
	l.logger.Error("period halted after bookkeeping breach",
		slog.String("period", period),
		slog.String("reason", reason))
}

func (l *Ledger) grant(key grantKey) {
	l.grantsMu.Lock()
	defer l.grantsMu.Unlock()
	l.grants[key] = append(l.grants[key], l.now().Add(l.grantTTL))
}

func (l *Ledger) consumeGrant(key grantKey) bool {
	l.grantsMu.Lock()
	defer l.grantsMu.Unlock()
	now := l.now()
	pending := l.grants[key]
	for len(pending) > 0 && !pending[0].After(now) {
		pending = pending[1:]
	}
	if len(pending) == 0 {
		delete(l.grants, key)
		return false
	}
	pending = pending[1:]
	if len(pending) == 0 {
		delete(l.grants, key)
	} else {
		l.grants[key] = pending
	}
	return true
}

func (l *Ledger) revokeGrants(period string) {
	l.grantsMu.Lock()
	defer l.grantsMu.Unlock()
	for key := range l.grants {
		if key.period == period {
			delete(l.grants, key)
		}
	}
}

// BudgetStatus reports the allocation and utilisation of period.
func (l *Ledger) BudgetStatus(ctx context.Context, period string) (Status, error) {
	alloc, err := l.store.Allocation(ctx, normalizePeriod(period))
	if err != nil {
		return Status{}, err
	}
	status := Status{Allocation: alloc}
	if alloc.TotalBudget > 0 {
		status.UtilizationRate = float64(alloc.Allocated) / float64(alloc.TotalBudget) * 100
	}
	return status, nil
}

// Allocations lists every period's allocation ordered by period.
func (l *Ledger) Allocations(ctx context.Context) ([]Allocation, error) {
	return l.store.Allocations(ctx)
}

// Records lists the issuance log, optionally restricted to one period.
func (l *Ledger) Records(ctx context.Context, period string) ([]Record, error) {
	return l.store.Records(ctx, normalizePeriod(period))
}

// UserSummary aggregates a user's issuance across all periods.
func (l *Ledger) UserSummary(ctx context.Context, userID string) (UserSummary, error) {
	userID = NormalizeUserID(userID)
	records, err := l.store.RecordsByUser(ctx, userID)
	if err != nil {
		return UserSummary{}, err
	}
	summary := UserSummary{UserID: userID, Count: len(records)}
	for _, rec := range records {
		summary.TotalIssued += rec.Amount
	}
	if len(records) > RecentRecordLimit {
		records = records[len(records)-RecentRecordLimit:]
	}
	summary.Recent = records
	return summary, nil
}

// TopRecipients ranks users by total issuance. Equal totals keep the order in
// which each user first received an issuance.
func (l *Ledger) TopRecipients(ctx context.Context, limit int) ([]Recipient, error) {
	if limit <= 0 {
		limit = DefaultTopRecipients
	}
	records, err := l.store.Records(ctx, "")
	if err != nil {
		return nil, err
	}
	index := make(map[string]int)
	ranked := make([]Recipient, 0)
	for _, rec := range records {
		pos, ok := index[rec.UserID]
		if !ok {
			pos = len(ranked)
			index[rec.UserID] = pos
			ranked = append(ranked, Recipient{UserID: rec.UserID})
		}
		ranked[pos].TotalIssued += rec.Amount
		ranked[pos].Count++
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].TotalIssued > ranked[j].TotalIssued })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}
