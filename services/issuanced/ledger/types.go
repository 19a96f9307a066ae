package ledger

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// RecentRecordLimit bounds the records returned in a user summary.
const RecentRecordLimit = 10

// DefaultTopRecipients is the default number of recipients ranked.
const DefaultTopRecipients = 10

// Allocation is the budget state of a single period.
type Allocation struct {
	Period         string    `json:"period"`
	TotalBudget    int64     `json:"total_budget"`
	Allocated      int64     `json:"allocated"`
	Remaining      int64     `json:"remaining"`
	PerPersonLimit int64     `json:"per_person_limit"`
	Halted         bool      `json:"halted"`
	HaltReason     string    `json:"halt_reason,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Consistent reports whether allocated and remaining still add up to the
// total budget.
func (a Allocation) Consistent() bool {
	return a.Allocated >= 0 && a.Remaining >= 0 && a.Allocated+a.Remaining == a.TotalBudget
}

// Record is an immutable issuance log entry.
type Record struct {
	RecordID  string    `json:"record_id"`
	Sequence  uint64    `json:"sequence"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	TxRef     string    `json:"tx_ref"`
	Period    string    `json:"period"`
	Timestamp time.Time `json:"timestamp"`
}

// FormatRecordID renders the public identifier for a sequence number.
func FormatRecordID(seq uint64) string {
	return fmt.Sprintf("ISS-%06d", seq)
}

// Decision codes returned by CheckIssuance.
const (
	CodeAllowed           = "allowed"
	CodeInvalidRequest    = "invalid_request"
	CodeUnknownPeriod     = "unknown_period"
	CodePeriodHalted      = "period_halted"
	CodeBookkeepingBreach = "bookkeeping_breach"
	CodeBudgetExhausted   = "budget_exhausted"
	CodeLimitExceeded     = "limit_exceeded"
)

// Decision is the outcome of an issuance precheck.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Code       string `json:"code"`
	Reason     string `json:"reason"`
	Cumulative int64  `json:"cumulative_issued"`
	Remaining  int64  `json:"remaining"`
	Limit      int64  `json:"per_person_limit"`
}

// Err converts a rejected decision into its sentinel error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	var base error
	switch d.Code {
	case CodeInvalidRequest:
		base = ErrInvalidRequest
	case CodeUnknownPeriod:
		base = ErrUnknownPeriod
	case CodePeriodHalted:
		base = ErrPeriodHalted
	case CodeBookkeepingBreach:
		base = ErrFatalInvariantBreach
	case CodeBudgetExhausted:
		base = ErrBudgetExhausted
	default:
		base = ErrLimitExceeded
	}
	return fmt.Errorf("%w: %s", base, d.Reason)
}

// Status is the budget status of a period.
type Status struct {
	Allocation
	UtilizationRate float64 `json:"utilization_rate"`
}

// UserSummary aggregates a user's issuance across all periods.
type UserSummary struct {
	UserID      string   `json:"user_id"`
	TotalIssued int64    `json:"total_issued"`
	Count       int      `json:"issuance_count"`
	Recent      []Record `json:"records"`
}

// Recipient is a ranked user total.
type Recipient struct {
	UserID      string `json:"user_id"`
	TotalIssued int64  `json:"total_issued"`
	Count       int    `json:"issuance_count"`
}

// NormalizeUserID trims and NFKC-normalises a user identifier so visually
// identical ids accumulate against the same limit.
func NormalizeUserID(raw string) string {
	return norm.NFKC.String(strings.TrimSpace(raw))
}

func normalizePeriod(raw string) string {
	return strings.TrimSpace(raw)
}

// PeriodFor returns the calendar-quarter period label ("2025-Q1") containing t.
func PeriodFor(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
}
