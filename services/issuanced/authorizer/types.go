package authorizer

import (
	"fmt"
	"strings"
	"time"

	"esgcoupon/crypto"
	"esgcoupon/services/issuanced/apperr"
	"esgcoupon/services/issuanced/authority"
)

// DefaultTimeout bounds how long an action may collect approvals.
const DefaultTimeout = 24 * time.Hour

var (
	ErrUnknownRole        = authority.ErrUnknownRole
	ErrUnauthorizedSigner = apperr.New(apperr.ErrAuthorization, "authorizer: signer is not a participant of the role")
	ErrDuplicateApproval  = apperr.New(apperr.ErrAuthorization, "authorizer: signer already approved")
	ErrExpired            = apperr.New(apperr.ErrAuthorization, "authorizer: action expired")
	ErrNotReady           = apperr.New(apperr.ErrAuthorization, "authorizer: action not ready")
	ErrNotCollecting      = apperr.New(apperr.ErrAuthorization, "authorizer: action is not collecting approvals")
	ErrInvalidProof       = apperr.New(apperr.ErrAuthorization, "authorizer: approval proof does not verify")
	ErrInvalidPayload     = apperr.New(apperr.ErrValidation, "authorizer: invalid action payload")
	ErrActionNotFound     = apperr.New(apperr.ErrNotFound, "authorizer: action not found")
	ErrInvalidTransition  = apperr.New(apperr.ErrInvariant, "authorizer: transition not permitted")
	ErrUnknownStatus      = apperr.New(apperr.ErrValidation, "authorizer: unknown status")
)

// Status is the lifecycle state of a pending authorization.
type Status string

const (
	StatusCollecting Status = "collecting"
	StatusReady      Status = "ready"
	StatusBroadcast  Status = "broadcast"
	StatusExpired    Status = "expired"
)

// ParseStatus validates a status filter. The empty string means any status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case "", StatusCollecting, StatusReady, StatusBroadcast, StatusExpired:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// Freeze toggles the frozen flag of a holder.
type Freeze struct {
	Target string `json:"target"`
	Frozen bool   `json:"frozen"`
}

// Recover moves units out of an account through the clawback authority.
type Recover struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// MetadataUpdate re-points the asset's metadata hash.
type MetadataUpdate struct {
	MetadataHash string `json:"metadata_hash"`
}

// Payload is the privileged action being authorized. Exactly one member is
// set.
type Payload struct {
	Freeze   *Freeze         `json:"freeze,omitempty"`
	Recover  *Recover        `json:"recover,omitempty"`
	Metadata *MetadataUpdate `json:"metadata_update,omitempty"`
}

// Type names the populated member.
func (p Payload) Type() string {
	switch {
	case p.Freeze != nil:
		return "freeze"
	case p.Recover != nil:
		return "recover"
	case p.Metadata != nil:
		return "metadata_update"
	default:
		return ""
	}
}

// RequiredRole returns the role that must authorize the payload.
func (p Payload) RequiredRole() authority.Role {
	switch {
	case p.Freeze != nil:
		return authority.RoleFreeze
	case p.Recover != nil:
		return authority.RoleRecovery
	case p.Metadata != nil:
		return authority.RoleMetadata
	default:
		return ""
	}
}

// Validate checks the payload shape and its addresses.
func (p Payload) Validate() error {
	set := 0
	if p.Freeze != nil {
		set++
	}
	if p.Recover != nil {
		set++
	}
	if p.Metadata != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one action must be set", ErrInvalidPayload)
	}
	switch {
	case p.Freeze != nil:
		if _, err := crypto.DecodeAddress(p.Freeze.Target); err != nil {
			return fmt.Errorf("%w: freeze target: %v", ErrInvalidPayload, err)
		}
	case p.Recover != nil:
		if _, err := crypto.DecodeAddress(p.Recover.From); err != nil {
			return fmt.Errorf("%w: recover from: %v", ErrInvalidPayload, err)
		}
		if _, err := crypto.DecodeAddress(p.Recover.To); err != nil {
			return fmt.Errorf("%w: recover to: %v", ErrInvalidPayload, err)
		}
		if p.Recover.Amount == 0 {
			return fmt.Errorf("%w: recover amount must be positive", ErrInvalidPayload)
		}
	case p.Metadata != nil:
		if strings.TrimSpace(p.Metadata.MetadataHash) == "" {
			return fmt.Errorf("%w: metadata hash required", ErrInvalidPayload)
		}
	}
	return nil
}

// Approval is the identity marker of a signer who approved. No key material
// is ever stored.
type Approval struct {
	Signer     string    `json:"signer"`
	Proof      string    `json:"proof"`
	ApprovedAt time.Time `json:"approved_at"`
}

// Pending is the folded state of an action's event log.
type Pending struct {
	ActionID   string         `json:"action_id"`
	Role       authority.Role `json:"role"`
	Authority  string         `json:"authority"`
	Payload    Payload        `json:"payload"`
	Digest     string         `json:"digest"`
	Threshold  int            `json:"threshold"`
	Approvals  []Approval     `json:"approvals"`
	Status     Status         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Descriptor *Descriptor    `json:"descriptor,omitempty"`
	TxRef      string         `json:"tx_ref,omitempty"`
	Version    int            `json:"version"`
}

// HasApproval reports whether signer already approved.
func (p Pending) HasApproval(signer string) bool {
	for _, a := range p.Approvals {
		if a.Signer == signer {
			return true
		}
	}
	return false
}

// Descriptor is the authorized action handed to the token network.
type Descriptor struct {
	ActionID    string         `json:"action_id"`
	Role        authority.Role `json:"role"`
	Authority   string         `json:"authority"`
	Payload     Payload        `json:"payload"`
	Digest      string         `json:"digest"`
	Threshold   int            `json:"threshold"`
	Signers     []string       `json:"signers"`
	Proofs      []string       `json:"proofs"`
	FinalizedAt time.Time      `json:"finalized_at"`
}

// EventKind enumerates the event log entries.
type EventKind string

const (
	EventProposed  EventKind = "proposed"
	EventApproved  EventKind = "approved"
	EventExpired   EventKind = "expired"
	EventFinalized EventKind = "finalized"
	EventSubmitted EventKind = "submitted"
)

// Event is one entry of an action's log. Only the fields relevant to Kind are
// populated.
type Event struct {
	ActionID string    `json:"action_id"`
	Seq      int       `json:"seq"`
	Kind     EventKind `json:"kind"`
	At       time.Time `json:"at"`

	Role      authority.Role `json:"role,omitempty"`
	Authority string         `json:"authority,omitempty"`
	Payload   *Payload       `json:"payload,omitempty"`
	Digest    string         `json:"digest,omitempty"`
	Threshold int            `json:"threshold,omitempty"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`

	Approval *Approval `json:"approval,omitempty"`

	Descriptor *Descriptor `json:"descriptor,omitempty"`

	TxRef string `json:"tx_ref,omitempty"`
}
