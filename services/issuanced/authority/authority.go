package authority

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"lukechampine.com/blake3"

	"esgcoupon/crypto"
	"esgcoupon/services/issuanced/apperr"
)

// Role names a privileged capability over the token.
type Role string

const (
	RoleIssuance Role = "issuance"
	RoleMetadata Role = "metadata"
	RoleFreeze   Role = "freeze"
	RoleRecovery Role = "recovery"
)

var (
	// ErrUnknownRole is returned for roles that are not recognised or not
	// provisioned in the registry.
	ErrUnknownRole = apperr.New(apperr.ErrAuthorization, "authority: unknown role")
	// ErrRoleRegistered is returned when a role is provisioned twice.
	ErrRoleRegistered = apperr.New(apperr.ErrValidation, "authority: role already registered")
	// ErrInvalidAuthority covers malformed thresholds and participant sets.
	ErrInvalidAuthority = apperr.New(apperr.ErrValidation, "authority: invalid authority")
)

// Roles lists every role in a stable order.
func Roles() []Role {
	return []Role{RoleIssuance, RoleMetadata, RoleFreeze, RoleRecovery}
}

// ParseRole validates a role name.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Roles() {
		if role == known {
			return role, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
}

// Kind distinguishes the authority variants.
type Kind string

const (
	KindSingle    Kind = "single"
	KindThreshold Kind = "threshold"
)

// Authority is either a Single key holder or a k-of-n Threshold group.
type Authority interface {
	Kind() Kind
	// Address is the on-network identity that holds the role.
	Address() crypto.Address
	Threshold() int
	Participants() []crypto.Address
	IsParticipant(crypto.Address) bool

	sealed()
}

// Single is a role held by one key.
type Single struct {
	addr crypto.Address
}

// NewSingle wraps a single holder.
func NewSingle(addr crypto.Address) (Single, error) {
	if addr.IsZero() {
		return Single{}, fmt.Errorf("%w: address required", ErrInvalidAuthority)
	}
	return Single{addr: addr}, nil
}

func (s Single) Kind() Kind { return KindSingle }
func (s Single) Address() crypto.Address { return s.addr }
func (s Single) Threshold() int { return 1 }
func (s Single) Participants() []crypto.Address { return []crypto.Address{s.addr} }
func (s Single) IsParticipant(a crypto.Address) bool { return s.addr.Equal(a) }
func (Single) sealed() {}

// Threshold is a role held jointly by n participants of which k must approve.
type Threshold struct {
	k            int
	participants []crypto.Address
	group        crypto.Address
}

// NewThreshold validates 1 <= k <= n and distinct participants. Participants
// are kept in canonical (bech32 string) order so the group address does not
// depend on configuration order.
func NewThreshold(k int, participants []crypto.Address) (Threshold, error) {
	if len(participants) == 0 {
		return Threshold{}, fmt.Errorf("%w: participants required", ErrInvalidAuthority)
	}
	if k < 1 || k > len(participants) {
		return Threshold{}, fmt.Errorf("%w: threshold %d outside 1..%d", ErrInvalidAuthority, k, len(participants))
	}
	ordered := make([]crypto.Address, 0, len(participants))
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p.IsZero() {
			return Threshold{}, fmt.Errorf("%w: empty participant", ErrInvalidAuthority)
		}
		key := p.String()
		if _, dup := seen[key]; dup {
			return Threshold{}, fmt.Errorf("%w: duplicate participant %s", ErrInvalidAuthority, key)
		}
		seen[key] = struct{}{}
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })
	return Threshold{k: k, participants: ordered, group: GroupAddress(k, ordered)}, nil
}

func (t Threshold) Kind() Kind { return KindThreshold }
func (t Threshold) Address() crypto.Address { return t.group }
func (t Threshold) Threshold() int { return t.k }

func (t Threshold) Participants() []crypto.Address {
	out := make([]crypto.Address, len(t.participants))
	copy(out, t.participants)
	return out
}

func (t Threshold) IsParticipant(a crypto.Address) bool {
	for _, p := range t.participants {
		if p.Equal(a) {
			return true
		}
	}
	return false
}

func (Threshold) sealed() {}

// GroupAddress derives the deterministic address of a k-of-n group:
// blake3(k || participant bytes...) truncated to 20 bytes.
func GroupAddress(k int, participants []crypto.Address) crypto.Address {
	h := blake3.New(32, nil)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(k))
	_, _ = h.Write(buf[:])
	for _, p := range participants {
		_, _ = h.Write(p.Bytes())
	}
	sum := h.Sum(nil)
	return crypto.NewAddress(crypto.ESGPrefix, sum[:crypto.AddressLength])
}
