package ledger

import "esgcoupon/services/issuanced/apperr"

var (
	// ErrInvalidBudget indicates a negative budget or per-person limit.
	ErrInvalidBudget = apperr.New(apperr.ErrValidation, "ledger: invalid budget")
	// ErrInvalidRequest indicates a malformed issuance request.
	ErrInvalidRequest = apperr.New(apperr.ErrValidation, "ledger: invalid issuance request")
	// ErrUnknownPeriod indicates no allocation exists for the period.
	ErrUnknownPeriod = apperr.New(apperr.ErrNotFound, "ledger: unknown period")
	// ErrBudgetExhausted indicates the period cannot cover the amount.
	ErrBudgetExhausted = apperr.New(apperr.ErrPolicy, "ledger: budget exhausted")
	// ErrLimitExceeded indicates the per-person limit would be breached.
	ErrLimitExceeded = apperr.New(apperr.ErrPolicy, "ledger: per-person limit exceeded")
	// ErrPrecheckViolation indicates RecordIssuance ran without a matching
	// successful CheckIssuance.
	ErrPrecheckViolation = apperr.New(apperr.ErrContract, "ledger: record issuance without successful precheck")
	// ErrFatalInvariantBreach indicates allocated + remaining no longer equals
	// the total budget.
	ErrFatalInvariantBreach = apperr.New(apperr.ErrFatalBreach, "ledger: allocation bookkeeping corrupted")
	// ErrPeriodHalted indicates issuance is suspended pending repair.
	ErrPeriodHalted = apperr.New(apperr.ErrFatalBreach, "ledger: period halted")
)
