package verifier

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"esgcoupon/observability"
	"esgcoupon/services/issuanced/apperr"
	"esgcoupon/services/issuanced/ledger"
	"esgcoupon/services/issuanced/nodeapi"
	"esgcoupon/services/issuanced/policydoc"
)

type holder struct {
	category string
	address  string
}

type lookup struct {
	balance nodeapi.Balance
	err     error
}

func (v *Verifier) balance(ctx context.Context, address string) (nodeapi.Balance, error) {
	var out nodeapi.Balance
	err := v.retry(ctx, func() error {
		bal, err := v.oracle.Balance(ctx, address, v.registry.AssetID)
		if err != nil {
			return err
		}
		out = bal
		return nil
	})
	return out, err
}

// checkConservation compares the total supply with the balances of every
// tracked holder. Lookups fan out concurrently; an unreachable holder marks
// the check degraded instead of violated.
func (v *Verifier) checkConservation(ctx context.Context) (Check, error) {
	var check Check
	var asset nodeapi.Asset
	if err := v.retry(ctx, func() error {
		a, err := v.oracle.Asset(ctx, v.registry.AssetID)
		if err != nil {
			return err
		}
		asset = a
		return nil
	}); err != nil {
		return check, fmt.Errorf("total supply: %w", err)
	}

	holders := make([]holder, 0, len(v.registry.CitizenAddresses)+len(v.registry.MerchantAddresses)+2)
	if v.registry.ReserveAddress != "" {
		holders = append(holders, holder{category: "reserve", address: v.registry.ReserveAddress})
	}
	for _, addr := range v.registry.CitizenAddresses {
		holders = append(holders, holder{category: "citizens", address: addr})
	}
	for _, addr := range v.registry.MerchantAddresses {
		holders = append(holders, holder{category: "merchants", address: addr})
	}
	if v.registry.RecoveryAddress != "" {
		holders = append(holders, holder{category: "recovery", address: v.registry.RecoveryAddress})
	}

	results := make([]lookup, len(holders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, h := range holders {
		i, h := i, h
		g.Go(func() error {
			bal, err := v.balance(gctx, h.address)
			results[i] = lookup{balance: bal, err: err}
			if err != nil && !errors.Is(err, apperr.ErrUnavailable) {
				return fmt.Errorf("balance of %s: %w", h.address, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return check, err
	}

	sums := map[string]*uint256.Int{
		"reserve":   new(uint256.Int),
		"citizens":  new(uint256.Int),
		"merchants": new(uint256.Int),
		"recovery":  new(uint256.Int),
	}
	tracked := new(uint256.Int)
	unreachable := 0
	for i, h := range holders {
		res := results[i]
		if res.err != nil {
			unreachable++
			check.note(fmt.Sprintf("%s %s unreachable: %v", h.category, h.address, res.err))
			continue
		}
		if !res.balance.OptedIn {
			check.note(fmt.Sprintf("%s %s not opted in; counted as 0", h.category, h.address))
			continue
		}
		if res.balance.Amount == nil {
			continue
		}
		sums[h.category].Add(sums[h.category], res.balance.Amount)
		tracked.Add(tracked, res.balance.Amount)
	}

	supply := asset.TotalSupply
	if supply == nil {
		supply = new(uint256.Int)
	}
	difference := signedDifference(supply, tracked)
	check.figure("total_supply", supply.Dec())
	check.figure("reserve", sums["reserve"].Dec())
	check.figure("citizens", sums["citizens"].Dec())
	check.figure("merchants", sums["merchants"].Dec())
	check.figure("recovery", sums["recovery"].Dec())
	check.figure("tracked", tracked.Dec())
	check.figure("difference", difference.String())
	check.figure("holders", strconv.Itoa(len(holders)))
	diff, _ := new(big.Float).SetInt(difference).Float64()
	observability.Verifier().SetDifference(v.registry.AssetID, diff)

	switch {
	case unreachable > 0:
		check.Status = StatusDegraded
		check.figure("unreachable", strconv.Itoa(unreachable))
	case difference.Sign() != 0:
		check.Status = StatusViolated
		check.note(fmt.Sprintf("total supply differs from tracked balances by %s", difference))
	default:
		check.Status = StatusPassed
	}
	return check, nil
}

// signedDifference returns supply - tracked.
func signedDifference(supply, tracked *uint256.Int) *big.Int {
	return new(big.Int).Sub(supply.ToBig(), tracked.ToBig())
}

// checkLimitCompliance re-derives every (user, period) total from the
// issuance log and compares it with the period's per-person limit.
func (v *Verifier) checkLimitCompliance(ctx context.Context) (Check, error) {
	var check Check
	allocations, err := v.ledger.Allocations(ctx)
	if err != nil {
		return check, fmt.Errorf("allocations: %w", err)
	}
	records, err := v.ledger.Records(ctx, "")
	if err != nil {
		return check, fmt.Errorf("records: %w", err)
	}
	limits := make(map[string]ledger.Allocation, len(allocations))
	for _, alloc := range allocations {
		limits[alloc.Period] = alloc
		if !alloc.Consistent() {
			check.note(fmt.Sprintf("period %s bookkeeping inconsistent: allocated %d + remaining %d != total %d",
				alloc.Period, alloc.Allocated, alloc.Remaining, alloc.TotalBudget))
		}
	}

	type key struct{ user, period string }
	totals := make(map[key]int64)
	order := make([]key, 0)
	for _, rec := range records {
		k := key{user: rec.UserID, period: rec.Period}
		if _, ok := totals[k]; !ok {
			order = append(order, k)
		}
		totals[k] += rec.Amount
	}
	for _, k := range order {
		alloc, ok := limits[k.period]
		limit := alloc.PerPersonLimit
		if !ok {
			limit = 0
			check.note(fmt.Sprintf("records for %s reference unknown period %s", k.user, k.period))
		}
		if totals[k] > limit {
			check.Offenders = append(check.Offenders, Offender{
				UserID:      k.user,
				Period:      k.period,
				TotalIssued: totals[k],
				Limit:       limit,
			})
		}
	}
	check.figure("records", strconv.Itoa(len(records)))
	check.figure("recipients", strconv.Itoa(len(order)))
	check.figure("offenders", strconv.Itoa(len(check.Offenders)))
	if len(check.Offenders) > 0 || len(check.Notes) > 0 {
		check.Status = StatusViolated
	} else {
		check.Status = StatusPassed
	}
	return check, nil
}

// checkRecoveryHygiene requires the recovery account to hold nothing.
func (v *Verifier) checkRecoveryHygiene(ctx context.Context) (Check, error) {
	var check Check
	addr := v.registry.RecoveryAddress
	if addr == "" {
		check.Status = StatusPassed
		check.note("no recovery address configured")
		return check, nil
	}
	bal, err := v.balance(ctx, addr)
	if err != nil {
		return check, fmt.Errorf("recovery balance: %w", err)
	}
	amount := new(uint256.Int)
	if bal.OptedIn && bal.Amount != nil {
		amount = bal.Amount
	}
	check.figure("recovery_address", addr)
	check.figure("balance", amount.Dec())
	if !bal.OptedIn {
		check.note("recovery account not opted in")
	}
	if amount.IsZero() {
		check.Status = StatusPassed
		return check, nil
	}
	check.Status = StatusViolated
	check.note(fmt.Sprintf("recovery account holds %s; forward recovered tokens", amount.Dec()))
	return check, nil
}

// checkAuditTrail requires the asset to commit to a metadata hash and, when
// one is known, that it matches the anchored policy.
func (v *Verifier) checkAuditTrail(ctx context.Context) (Check, error) {
	var check Check
	var asset nodeapi.Asset
	if err := v.retry(ctx, func() error {
		a, err := v.oracle.Asset(ctx, v.registry.AssetID)
		if err != nil {
			return err
		}
		asset = a
		return nil
	}); err != nil {
		return check, fmt.Errorf("asset: %w", err)
	}
	committed := strings.ToLower(strings.TrimSpace(asset.MetadataHash))
	check.figure("metadata_hash", committed)
	if committed == "" {
		check.Status = StatusViolated
		check.note("asset carries no metadata hash")
		return check, nil
	}

	expected := strings.ToLower(strings.TrimSpace(v.expectedHash))
	if expected == "" && v.anchors != nil {
		anchor, err := v.anchors.LatestAnchor(v.registry.AssetID)
		switch {
		case err == nil:
			expected = strings.ToLower(strings.TrimSpace(anchor.PolicyHash))
			check.figure("anchor_id", anchor.AnchorID)
		case errors.Is(err, policydoc.ErrNotFound):
			check.note("no policy anchor recorded for asset")
		default:
			return check, fmt.Errorf("anchor lookup: %w", err)
		}
	}
	if expected != "" {
		check.figure("expected_hash", expected)
		if expected != committed {
			check.Status = StatusViolated
			check.note("metadata hash does not match the anchored policy")
			return check, nil
		}
	}
	check.Status = StatusPassed
	return check, nil
}
