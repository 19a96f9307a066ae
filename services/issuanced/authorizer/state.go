package authorizer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"

	"esgcoupon/crypto"
	"esgcoupon/services/issuanced/authority"
)

var allowedTransitions = map[Status][]Status{
	"":               {StatusCollecting},
	StatusCollecting: {StatusReady, StatusExpired},
	StatusReady:      {StatusBroadcast},
}

// ValidateTransition ensures the transition follows the action state machine.
func ValidateTransition(current, next Status) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("%w: no transitions allowed from %s", ErrInvalidTransition, current)
	}
	for _, status := range allowed {
		if status == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, next)
}

// Apply folds a single event into state. It performs no I/O. Replaying an
// approval from a signer already present leaves the state unchanged.
func Apply(state Pending, ev Event) (Pending, error) {
	next := state
	switch ev.Kind {
	case EventProposed:
		if state.ActionID != "" {
			return state, fmt.Errorf("%w: action %s already proposed", ErrInvalidTransition, state.ActionID)
		}
		if ev.Payload == nil {
			return state, fmt.Errorf("%w: proposal without payload", ErrInvalidPayload)
		}
		if err := ValidateTransition(state.Status, StatusCollecting); err != nil {
			return state, err
		}
		next = Pending{
			ActionID:  ev.ActionID,
			Role:      ev.Role,
			Authority: ev.Authority,
			Payload:   *ev.Payload,
			Digest:    ev.Digest,
			Threshold: ev.Threshold,
			Status:    StatusCollecting,
			CreatedAt: ev.At,
			ExpiresAt: ev.ExpiresAt,
		}
	case EventApproved:
		if ev.Approval == nil {
			return state, fmt.Errorf("%w: approval event without approval", ErrInvalidTransition)
		}
		if state.HasApproval(ev.Approval.Signer) {
			return state, nil
		}
		if state.Status != StatusCollecting {
			return state, fmt.Errorf("%w: status %s", ErrNotCollecting, state.Status)
		}
		next.Approvals = append(append([]Approval(nil), state.Approvals...), *ev.Approval)
		if len(next.Approvals) >= state.Threshold {
			if err := ValidateTransition(state.Status, StatusReady); err != nil {
				return state, err
			}
			next.Status = StatusReady
		}
	case EventExpired:
		if state.Status == StatusExpired {
			return state, nil
		}
		if err := ValidateTransition(state.Status, StatusExpired); err != nil {
			return state, err
		}
		next.Status = StatusExpired
	case EventFinalized:
		if state.Status == StatusBroadcast {
			return state, nil
		}
		if state.Status != StatusReady {
			return state, fmt.Errorf("%w: status %s", ErrNotReady, state.Status)
		}
		if ev.Descriptor == nil {
			return state, fmt.Errorf("%w: finalize event without descriptor", ErrInvalidTransition)
		}
		desc := *ev.Descriptor
		next.Descriptor = &desc
		next.Status = StatusBroadcast
	case EventSubmitted:
		if state.Status != StatusBroadcast {
			return state, fmt.Errorf("%w: submit before finalize", ErrNotReady)
		}
		if state.TxRef != "" {
			return state, nil
		}
		next.TxRef = ev.TxRef
	default:
		return state, fmt.Errorf("%w: unknown event kind %q", ErrInvalidTransition, ev.Kind)
	}
	next.Version = ev.Seq
	return next, nil
}

// Fold replays an ordered event log.
func Fold(events []Event) (Pending, error) {
	var state Pending
	for _, ev := range events {
		var err error
		state, err = Apply(state, ev)
		if err != nil {
			return Pending{}, fmt.Errorf("replay %s seq %d: %w", ev.ActionID, ev.Seq, err)
		}
	}
	return state, nil
}

type digestInput struct {
	ActionID  string         `json:"action_id"`
	Role      authority.Role `json:"role"`
	Authority string         `json:"authority"`
	Payload   Payload        `json:"payload"`
	Threshold int            `json:"threshold"`
}

// ActionDigest is the 32-byte message approvers sign: blake3 over the
// canonical JSON encoding of the action's identity and payload.
func ActionDigest(actionID string, role authority.Role, authorityAddr string, payload Payload, threshold int) ([]byte, error) {
	encoded, err := json.Marshal(digestInput{
		ActionID:  actionID,
		Role:      role,
		Authority: authorityAddr,
		Payload:   payload,
		Threshold: threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	sum := blake3.Sum256(encoded)
	return sum[:], nil
}

// DigestOf recomputes the digest of a pending action.
func DigestOf(p Pending) ([]byte, error) {
	return ActionDigest(p.ActionID, p.Role, p.Authority, p.Payload, p.Threshold)
}

// VerifyProof checks that proof is signer's signature over the hex digest.
func VerifyProof(digestHex string, signer crypto.Address, proofHex string) error {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return fmt.Errorf("%w: digest: %v", ErrInvalidProof, err)
	}
	proof, err := hex.DecodeString(trimHex(proofHex))
	if err != nil {
		return fmt.Errorf("%w: proof encoding: %v", ErrInvalidProof, err)
	}
	if err := crypto.VerifySignature(signer, digest, proof); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return nil
}

// Signer signs 32-byte digests, such as crypto.KeystoreSigner.
type Signer interface {
	SignDigest(digest []byte) ([]byte, error)
}

// SignApproval produces the hex proof an approver submits for digestHex.
func SignApproval(key Signer, digestHex string) (string, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return "", fmt.Errorf("decode digest: %w", err)
	}
	sig, err := key.SignDigest(digest)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

func trimHex(raw string) string {
	if len(raw) >= 2 && (raw[:2] == "0x" || raw[:2] == "0X") {
		return raw[2:]
	}
	return raw
}
