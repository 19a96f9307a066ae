package rewards

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"esgcoupon/services/issuanced/apperr"
)

func TestCalculateCarbonNeutralRural(t *testing.T) {
	table := DefaultTable()
	reward, err := table.Calculate(1000, IncomeLow, RegionRural, ActivityCarbonNeutral)
	require.NoError(t, err)
	require.Equal(t, int64(3900), reward.FinalAmount)
	require.Equal(t, int64(2900), reward.BonusAmount)
	require.True(t, reward.TotalMultiplier.Equal(decimal.RequireFromString("3.9")))
}

func TestCalculateFloorsFractionalResult(t *testing.T) {
	table := DefaultTable()
	// 333 × 1.2 × 1.15 × 1.3 = 597.402
	reward, err := table.Calculate(333, IncomeMiddle, RegionSuburban, ActivityPublicTransport)
	require.NoError(t, err)
	require.Equal(t, int64(597), reward.FinalAmount)
}

func TestCalculateIsOrderIndependent(t *testing.T) {
	table := DefaultTable()
	spec := DefaultSpec()
	for income := range spec.Income {
		for region := range spec.Region {
			for activity := range spec.Activity {
				reward, err := table.Calculate(777, income, region, activity)
				require.NoError(t, err)

				im := table.income[income]
				rm := table.region[region]
				am := table.activity[activity]
				orders := []decimal.Decimal{
					am.Mul(rm).Mul(im),
					rm.Mul(im).Mul(am),
					im.Mul(am).Mul(rm),
				}
				for _, product := range orders {
					expected := decimal.NewFromInt(777).Mul(product).Floor().IntPart()
					require.Equal(t, expected, reward.FinalAmount, "%s/%s/%s", income, region, activity)
				}

				again, err := table.Calculate(777, income, region, activity)
				require.NoError(t, err)
				require.Equal(t, reward.FinalAmount, again.FinalAmount)
			}
		}
	}
}

func TestCalculateRejectsUnknownTags(t *testing.T) {
	table := DefaultTable()
	_, err := table.Calculate(100, "ultra", RegionUrban, ActivityBasic)
	require.ErrorIs(t, err, ErrUnknownIncomeTier)
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = table.Calculate(100, IncomeLow, "lunar", ActivityBasic)
	require.ErrorIs(t, err, ErrUnknownRegionTier)

	_, err = table.Calculate(100, IncomeLow, RegionUrban, "skydiving")
	require.ErrorIs(t, err, ErrUnknownActivity)

	_, err = table.Calculate(0, IncomeLow, RegionUrban, ActivityBasic)
	if !errors.Is(err, ErrInvalidBase) {
		t.Fatalf("expected invalid base, got %v", err)
	}
}

func TestIncomeTierFromDecile(t *testing.T) {
	cases := map[int]string{1: IncomeLow, 3: IncomeLow, 4: IncomeMiddle, 7: IncomeMiddle, 8: IncomeHigh, 10: IncomeHigh, 0: IncomeHigh}
	for decile, want := range cases {
		if got := IncomeTierFromDecile(decile); got != want {
			t.Fatalf("decile %d: expected %s, got %s", decile, want, got)
		}
	}
}

func TestLoadTableFormats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"table.yaml": "income:\n  low: \"2\"\nregion:\n  urban: \"1\"\nactivity:\n  basic: \"1.25\"\n",
		"table.toml": "[income]\nlow = \"2\"\n[region]\nurban = \"1\"\n[activity]\nbasic = \"1.25\"\n",
		"table.json": `{"income":{"low":"2"},"region":{"urban":"1"},"activity":{"basic":"1.25"}}`,
	}
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		table, err := LoadTable(path)
		require.NoError(t, err, name)
		reward, err := table.Calculate(100, "LOW", "urban", "basic")
		require.NoError(t, err, name)
		require.Equal(t, int64(250), reward.FinalAmount, name)
	}

	bad := filepath.Join(dir, "table.ini")
	require.NoError(t, os.WriteFile(bad, []byte("x"), 0o600))
	_, err := LoadTable(bad)
	require.Error(t, err)
}

func TestNewTableRejectsNonPositiveMultiplier(t *testing.T) {
	spec := DefaultSpec()
	spec.Region["urban"] = "0"
	_, err := NewTable(spec)
	require.Error(t, err)
}
