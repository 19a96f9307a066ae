package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"esgcoupon/crypto"
	"esgcoupon/observability"
	"esgcoupon/services/issuanced/apperr"
	"esgcoupon/services/issuanced/ledger"
	"esgcoupon/services/issuanced/nodeapi"
	"esgcoupon/services/issuanced/policydoc"
)

const (
	defaultConcurrency    = 8
	defaultLookupAttempts = 3
	defaultLookupBackoff  = 200 * time.Millisecond
)

// LedgerReader exposes the ledger views the limit check re-derives from.
type LedgerReader interface {
	Allocations(ctx context.Context) ([]ledger.Allocation, error)
	Records(ctx context.Context, period string) ([]ledger.Record, error)
}

// AnchorSource returns the most recently anchored policy hash of an asset.
type AnchorSource interface {
	LatestAnchor(assetID string) (policydoc.Anchor, error)
}

// Config captures the dependencies required to construct a Verifier.
type Config struct {
	Oracle   nodeapi.BalanceOracle
	Ledger   LedgerReader
	Registry AddressRegistry
	Anchors  AnchorSource
	// ExpectedMetadataHash pins the audit check to a hash regardless of
	// anchors.
	ExpectedMetadataHash string
	Signer               *crypto.PrivateKey
	Store                ReportStore
	Alert                AlertFunc
	Logger               *slog.Logger
	Now                  func() time.Time
	Concurrency          int
	LookupAttempts       int
	LookupBackoff        time.Duration
}

// Verifier runs the read-only invariant checks and produces signed reports.
type Verifier struct {
	oracle         nodeapi.BalanceOracle
	ledger         LedgerReader
	registry       AddressRegistry
	anchors        AnchorSource
	expectedHash   string
	signer         *crypto.PrivateKey
	store          ReportStore
	alert          AlertFunc
	logger         *slog.Logger
	now            func() time.Time
	concurrency    int
	lookupAttempts int
	lookupBackoff  time.Duration
}

// New builds a configured verifier.
func New(cfg Config) (*Verifier, error) {
	if cfg.Oracle == nil {
		return nil, errors.New("verifier: oracle is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("verifier: ledger is required")
	}
	if cfg.Registry.AssetID == "" {
		return nil, errors.New("verifier: asset id is required")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(ctx context.Context, finding Finding) error {
			return nil
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	attempts := cfg.LookupAttempts
	if attempts <= 0 {
		attempts = defaultLookupAttempts
	}
	wait := cfg.LookupBackoff
	if wait <= 0 {
		wait = defaultLookupBackoff
	}
	return &Verifier{
		oracle:         cfg.Oracle,
		ledger:         cfg.Ledger,
		registry:       cfg.Registry,
		anchors:        cfg.Anchors,
		expectedHash:   cfg.ExpectedMetadataHash,
		signer:         cfg.Signer,
		store:          cfg.Store,
		alert:          alert,
		logger:         logger.With("component", "verifier"),
		now:            nowFn,
		concurrency:    concurrency,
		lookupAttempts: attempts,
		lookupBackoff:  wait,
	}, nil
}

type checkFunc func(ctx context.Context) (Check, error)

// VerifyAll runs every check, signs the report when a key is configured,
// stores it and raises a finding for each check that did not pass.
func (v *Verifier) VerifyAll(ctx context.Context) (Report, error) {
	started := time.Now()
	report := Report{
		ID:          uuid.New(),
		GeneratedAt: v.now(),
		AssetID:     v.registry.AssetID,
	}
	checks := []struct {
		name string
		fn   checkFunc
	}{
		{CheckConservation, v.checkConservation},
		{CheckLimitCompliance, v.checkLimitCompliance},
		{CheckRecoveryHygiene, v.checkRecoveryHygiene},
		{CheckAuditTrail, v.checkAuditTrail},
	}
	report.AllPassed = true
	for _, c := range checks {
		result := v.run(ctx, c.name, c.fn)
		observability.Verifier().ObserveCheck(result.Name, string(result.Status))
		if result.Status != StatusPassed {
			report.AllPassed = false
		}
		if result.Status == StatusDegraded {
			report.Degraded = true
		}
		report.Checks = append(report.Checks, result)
	}

	if err := SignReport(&report, v.signer); err != nil {
		return Report{}, err
	}
	if v.store != nil {
		if err := v.store.Save(ctx, report); err != nil {
			return Report{}, fmt.Errorf("verifier: persist report: %w", err)
		}
	}
	for _, c := range report.Checks {
		if c.Status == StatusPassed {
			continue
		}
		v.raise(ctx, Finding{
			ReportID: report.ID,
			AssetID:  report.AssetID,
			Check:    c.Name,
			Status:   c.Status,
			Notes:    c.Notes,
			At:       report.GeneratedAt,
		})
	}
	observability.Verifier().ObserveRun(report.AllPassed, report.Degraded, time.Since(started))
	v.logger.Info("verification complete",
		slog.String("report_id", report.ID.String()),
		slog.String("asset_id", report.AssetID),
		slog.Bool("all_passed", report.AllPassed),
		slog.Bool("degraded", report.Degraded))
	return report, nil
}

// run executes fn, turning a panic or error into the check's error status.
// Unreachable collaborators degrade the check instead.
func (v *Verifier) run(ctx context.Context, name string, fn checkFunc) (result Check) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("invariant check panicked",
				slog.String("check", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result = Check{Name: name, Status: StatusError, Notes: []string{fmt.Sprintf("panic: %v", r)}}
		}
	}()
	check, err := fn(ctx)
	check.Name = name
	if err != nil {
		status := StatusError
		if errors.Is(err, apperr.ErrUnavailable) {
			status = StatusDegraded
		}
		check.Status = status
		check.Passed = false
		check.note(err.Error())
		v.logger.Warn("invariant check inconclusive", slog.String("check", name), slog.Any("error", err))
		return check
	}
	check.Passed = check.Status == StatusPassed
	return check
}

func (v *Verifier) raise(ctx context.Context, finding Finding) {
	if err := v.alert(ctx, finding); err != nil {
		v.logger.Error("invariant alert delivery failed",
			slog.String("check", finding.Check),
			slog.Any("error", err))
	}
}

// retry runs fn with bounded exponential backoff while it reports the
// collaborator unavailable.
func (v *Verifier) retry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = v.lookupBackoff
	policy.MaxElapsedTime = 0
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(v.lookupAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !errors.Is(err, apperr.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, bounded)
}

// Latest returns the most recent stored report.
func (v *Verifier) Latest(ctx context.Context) (Report, error) {
	if v.store == nil {
		return Report{}, fmt.Errorf("%w: no report store configured", ErrReportNotFound)
	}
	return v.store.Latest(ctx, v.registry.AssetID)
}
