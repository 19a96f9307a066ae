package verifier

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Check names.
const (
	CheckConservation    = "conservation"
	CheckLimitCompliance = "limit_compliance"
	CheckRecoveryHygiene = "recovery_hygiene"
	CheckAuditTrail      = "audit_trail"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusViolated Status = "violated"
	// StatusDegraded means a collaborator could not be reached; the check is
	// inconclusive rather than failed.
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// AddressRegistry lists the accounts whose balances must add up to the total
// supply.
type AddressRegistry struct {
	AssetID           string
	ReserveAddress    string
	CitizenAddresses  []string
	MerchantAddresses []string
	RecoveryAddress   string
}

// Offender is a (user, period) whose issuance exceeds the period limit.
type Offender struct {
	UserID      string `json:"user_id"`
	Period      string `json:"period"`
	TotalIssued int64  `json:"total_issued"`
	Limit       int64  `json:"limit"`
}

// Check is the result of one invariant check.
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Passed    bool              `json:"passed"`
	Figures   map[string]string `json:"figures,omitempty"`
	Notes     []string          `json:"notes,omitempty"`
	Offenders []Offender        `json:"offenders,omitempty"`
}

func (c *Check) note(msg string) {
	c.Notes = append(c.Notes, msg)
}

func (c *Check) figure(key, value string) {
	if c.Figures == nil {
		c.Figures = make(map[string]string)
	}
	c.Figures[key] = value
}

// Report is the signed outcome of a full verification run.
type Report struct {
	ID          uuid.UUID `json:"id"`
	GeneratedAt time.Time `json:"generated_at"`
	AssetID     string    `json:"asset_id"`
	Checks      []Check   `json:"checks"`
	AllPassed   bool      `json:"all_passed"`
	Degraded    bool      `json:"degraded"`
	Digest      string    `json:"digest,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	Signer      string    `json:"signer,omitempty"`
}

// Check returns the named check result.
func (r Report) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// Finding is raised for every check that did not pass.
type Finding struct {
	ReportID uuid.UUID `json:"report_id"`
	AssetID  string    `json:"asset_id"`
	Check    string    `json:"check"`
	Status   Status    `json:"status"`
	Notes    []string  `json:"notes,omitempty"`
	At       time.Time `json:"at"`
}

// AlertFunc is invoked for every finding of a verification run.
type AlertFunc func(ctx context.Context, finding Finding) error
