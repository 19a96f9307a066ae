package authority

import (
	"fmt"
	"strings"
	"sync"

	"esgcoupon/crypto"
)

// Shape is the k-of-n layout a role is provisioned with.
type Shape struct {
	K int
	N int
}

// DefaultShapes mirrors the token's key structure: a 2-of-3 manager for
// metadata, a single reserve key for issuance, a 2-of-3 freeze group and a
// 2-of-2 clawback group for recovery.
func DefaultShapes() map[Role]Shape {
	return map[Role]Shape{
		RoleMetadata: {K: 2, N: 3},
		RoleIssuance: {K: 1, N: 1},
		RoleFreeze:   {K: 2, N: 3},
		RoleRecovery: {K: 2, N: 2},
	}
}

// Spec is the configuration form of a role assignment.
type Spec struct {
	Role         string   `yaml:"role" json:"role"`
	Threshold    int      `yaml:"threshold" json:"threshold"`
	Participants []string `yaml:"participants" json:"participants"`
}

// Registry maps roles to the authority allowed to exercise them. Roles are
// provisioned once.
type Registry struct {
	mu    sync.RWMutex
	roles map[Role]Authority
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{roles: make(map[Role]Authority)}
}

// FromSpecs builds a registry from configuration. A zero threshold falls back
// to the role's default shape; a single participant with threshold 1 becomes a
// Single authority.
func FromSpecs(specs []Spec) (*Registry, error) {
	reg := NewRegistry()
	defaults := DefaultShapes()
	for _, spec := range specs {
		role, err := ParseRole(spec.Role)
		if err != nil {
			return nil, err
		}
		participants := make([]crypto.Address, 0, len(spec.Participants))
		for _, raw := range spec.Participants {
			addr, err := crypto.DecodeAddress(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: role %s participant %q: %v", ErrInvalidAuthority, role, raw, err)
			}
			participants = append(participants, addr)
		}
		k := spec.Threshold
		if k == 0 {
			k = defaults[role].K
		}
		var auth Authority
		if k == 1 && len(participants) == 1 {
			auth, err = NewSingle(participants[0])
		} else {
			auth, err = NewThreshold(k, participants)
		}
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", role, err)
		}
		if err := reg.Register(role, auth); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Register provisions role. Registering the same role twice fails.
func (r *Registry) Register(role Role, auth Authority) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if auth == nil {
		return fmt.Errorf("%w: role %s has no authority", ErrInvalidAuthority, role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.roles[role]; exists {
		return fmt.Errorf("%w: %s", ErrRoleRegistered, role)
	}
	r.roles[role] = auth
	return nil
}

// Lookup returns the authority provisioned for role.
func (r *Registry) Lookup(role Role) (Authority, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	auth, ok := r.roles[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return auth, nil
}

// Threshold returns k for role.
func (r *Registry) Threshold(role Role) (int, error) {
	auth, err := r.Lookup(role)
	if err != nil {
		return 0, err
	}
	return auth.Threshold(), nil
}

// Address returns the on-network identity holding role.
func (r *Registry) Address(role Role) (crypto.Address, error) {
	auth, err := r.Lookup(role)
	if err != nil {
		return crypto.Address{}, err
	}
	return auth.Address(), nil
}

// IsParticipant reports whether signer may approve actions for role.
func (r *Registry) IsParticipant(role Role, signer crypto.Address) bool {
	auth, err := r.Lookup(role)
	if err != nil {
		return false
	}
	return auth.IsParticipant(signer)
}

// Roles lists the provisioned roles in canonical order.
func (r *Registry) Roles() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Role, 0, len(r.roles))
	for _, role := range Roles() {
		if _, ok := r.roles[role]; ok {
			out = append(out, role)
		}
	}
	return out
}

// View is the public description of a provisioned role.
type View struct {
	Role         Role     `json:"role"`
	Kind         Kind     `json:"kind"`
	Address      string   `json:"address"`
	Threshold    int      `json:"threshold"`
	Participants []string `json:"participants"`
}

// Describe returns a view of every provisioned role.
func (r *Registry) Describe() []View {
	roles := r.Roles()
	views := make([]View, 0, len(roles))
	for _, role := range roles {
		auth, err := r.Lookup(role)
		if err != nil {
			continue
		}
		participants := auth.Participants()
		names := make([]string, len(participants))
		for i, p := range participants {
			names[i] = p.String()
		}
		views = append(views, View{
			Role:         role,
			Kind:         auth.Kind(),
			Address:      auth.Address().String(),
			Threshold:    auth.Threshold(),
			Participants: names,
		})
	}
	return views
}

// String renders role assignments for logs.
func (v View) String() string {
	return fmt.Sprintf("%s:%s %d-of-%d [%s]", v.Role, v.Kind, v.Threshold, len(v.Participants), strings.Join(v.Participants, ","))
}
