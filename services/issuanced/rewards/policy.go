package rewards

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"esgcoupon/services/issuanced/apperr"
)

var (
	// ErrUnknownIncomeTier reports an income tier missing from the table.
	ErrUnknownIncomeTier = apperr.New(apperr.ErrValidation, "rewards: unknown income tier")
	// ErrUnknownRegionTier reports a region tier missing from the table.
	ErrUnknownRegionTier = apperr.New(apperr.ErrValidation, "rewards: unknown region tier")
	// ErrUnknownActivity reports an activity tag missing from the table.
	ErrUnknownActivity = apperr.New(apperr.ErrValidation, "rewards: unknown activity")
	// ErrInvalidBase reports a non-positive base amount.
	ErrInvalidBase = apperr.New(apperr.ErrValidation, "rewards: base amount must be positive")
)

// Income tiers.
const (
	IncomeLow    = "low"
	IncomeMiddle = "middle"
	IncomeHigh   = "high"
)

// Region tiers.
const (
	RegionUrban    = "urban"
	RegionSuburban = "suburban"
	RegionRural    = "rural"
)

// Activity tags.
const (
	ActivityBasic           = "basic"
	ActivityLocalFood       = "local_food"
	ActivityPublicTransport = "public_transport"
	ActivityEnergySaving    = "energy_saving"
	ActivityRecycling       = "recycling"
	ActivityCarbonNeutral   = "carbon_neutral"
)

// Table maps classification tags to reward multipliers. A Table is immutable
// once constructed and safe for concurrent use.
type Table struct {
	income   map[string]decimal.Decimal
	region   map[string]decimal.Decimal
	activity map[string]decimal.Decimal
}

// Reward is the priced outcome for a single issuance request.
type Reward struct {
	BaseAmount         int64           `json:"base_amount"`
	IncomeMultiplier   decimal.Decimal `json:"income_multiplier"`
	RegionMultiplier   decimal.Decimal `json:"region_multiplier"`
	ActivityMultiplier decimal.Decimal `json:"activity_multiplier"`
	TotalMultiplier    decimal.Decimal `json:"total_multiplier"`
	FinalAmount        int64           `json:"final_amount"`
	BonusAmount        int64           `json:"bonus_amount"`
}

// Spec mirrors the on-disk representation of a multiplier table. Values are
// decimal strings so that "1.15" is exact.
type Spec struct {
	Income   map[string]string `json:"income" yaml:"income" toml:"income"`
	Region   map[string]string `json:"region" yaml:"region" toml:"region"`
	Activity map[string]string `json:"activity" yaml:"activity" toml:"activity"`
}

// DefaultSpec returns the multipliers of the national programme.
func DefaultSpec() Spec {
	return Spec{
		Income: map[string]string{
			IncomeLow:    "1.5",
			IncomeMiddle: "1.2",
			IncomeHigh:   "1.0",
		},
		Region: map[string]string{
			RegionUrban:    "1.0",
			RegionSuburban: "1.15",
			RegionRural:    "1.3",
		},
		Activity: map[string]string{
			ActivityBasic:           "1.0",
			ActivityLocalFood:       "1.2",
			ActivityPublicTransport: "1.3",
			ActivityEnergySaving:    "1.4",
			ActivityRecycling:       "1.5",
			ActivityCarbonNeutral:   "2.0",
		},
	}
}

// DefaultTable builds the table from DefaultSpec.
func DefaultTable() *Table {
	table, err := NewTable(DefaultSpec())
	if err != nil {
		panic(fmt.Sprintf("rewards: default table invalid: %v", err))
	}
	return table
}

// NewTable validates and parses the supplied spec.
func NewTable(spec Spec) (*Table, error) {
	income, err := parseDimension("income", spec.Income)
	if err != nil {
		return nil, err
	}
	region, err := parseDimension("region", spec.Region)
	if err != nil {
		return nil, err
	}
	activity, err := parseDimension("activity", spec.Activity)
	if err != nil {
		return nil, err
	}
	return &Table{income: income, region: region, activity: activity}, nil
}

func parseDimension(name string, raw map[string]string) (map[string]decimal.Decimal, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("rewards: %s multipliers required", name)
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for tag, value := range raw {
		key := normaliseTag(tag)
		if key == "" {
			return nil, fmt.Errorf("rewards: %s tag must not be empty", name)
		}
		if _, exists := out[key]; exists {
			return nil, fmt.Errorf("rewards: duplicate %s tag %q", name, key)
		}
		parsed, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("rewards: %s multiplier %q: %w", name, tag, err)
		}
		if !parsed.IsPositive() {
			return nil, fmt.Errorf("rewards: %s multiplier %q must be positive", name, tag)
		}
		out[key] = parsed
	}
	return out, nil
}

// LoadTable reads a multiplier table from JSON, YAML or TOML. The format is
// chosen by file extension.
func LoadTable(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rewards: table path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rewards: read table: %w", err)
	}
	var spec Spec
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("rewards: decode table json: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("rewards: decode table yaml: %w", err)
		}
	case ".toml", ".tml":
		meta, err := toml.DecodeReader(bytes.NewReader(data), &spec)
		if err != nil {
			return nil, fmt.Errorf("rewards: decode table toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("rewards: unknown table fields %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("rewards: unsupported table format %q", ext)
	}
	return NewTable(spec)
}

// Calculate prices a reward: floor(base × income × region × activity). The
// product is evaluated exactly so the factor order never changes the result.
func (t *Table) Calculate(base int64, income, region, activity string) (Reward, error) {
	if base <= 0 {
		return Reward{}, ErrInvalidBase
	}
	incomeMult, ok := t.income[normaliseTag(income)]
	if !ok {
		return Reward{}, fmt.Errorf("%w: %q", ErrUnknownIncomeTier, income)
	}
	regionMult, ok := t.region[normaliseTag(region)]
	if !ok {
		return Reward{}, fmt.Errorf("%w: %q", ErrUnknownRegionTier, region)
	}
	activityMult, ok := t.activity[normaliseTag(activity)]
	if !ok {
		return Reward{}, fmt.Errorf("%w: %q", ErrUnknownActivity, activity)
	}
	total := incomeMult.Mul(regionMult).Mul(activityMult)
	final := decimal.NewFromInt(base).Mul(total).Floor()
	if !final.IsInteger() || final.Cmp(decimal.NewFromInt(maxAmount)) > 0 {
		return Reward{}, fmt.Errorf("rewards: final amount overflows: %s", final.String())
	}
	finalAmount := final.IntPart()
	return Reward{
		BaseAmount:         base,
		IncomeMultiplier:   incomeMult,
		RegionMultiplier:   regionMult,
		ActivityMultiplier: activityMult,
		TotalMultiplier:    total,
		FinalAmount:        finalAmount,
		BonusAmount:        finalAmount - base,
	}, nil
}

const maxAmount = int64(^uint64(0) >> 1)

// IncomeTierFromDecile maps an income decile to its tier: 1-3 low, 4-7
// middle, anything else high.
func IncomeTierFromDecile(decile int) string {
	switch {
	case decile >= 1 && decile <= 3:
		return IncomeLow
	case decile >= 4 && decile <= 7:
		return IncomeMiddle
	default:
		return IncomeHigh
	}
}

// Multipliers returns a copy of the table as decimal strings, sorted by tag
// within each dimension when rendered.
func (t *Table) Multipliers() Spec {
	return Spec{
		Income:   render(t.income),
		Region:   render(t.region),
		Activity: render(t.activity),
	}
}

// Activities lists the configured activity tags in lexical order.
func (t *Table) Activities() []string {
	tags := make([]string, 0, len(t.activity))
	for tag := range t.activity {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func render(in map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(in))
	for tag, value := range in {
		out[tag] = value.String()
	}
	return out
}

func normaliseTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
