package authorizer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"esgcoupon/crypto"
	"esgcoupon/observability"
	"esgcoupon/observability/logging"
	"esgcoupon/services/issuanced/authority"
	"esgcoupon/services/issuanced/keylock"
)

// Config captures the dependencies required to construct an Authorizer.
type Config struct {
	Registry *authority.Registry
	Store    EventStore
	Timeout  time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
	NewID    func() string
}

// Authorizer collects k-of-n approvals for privileged actions. Each action is
// an event log folded through Apply; mutations of one action are serialized
// by its own lock while distinct actions proceed in parallel.
type Authorizer struct {
	registry *authority.Registry
	store    EventStore
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	newID    func() string

	locks keylock.Locker
}

// New constructs an authorizer.
func New(cfg Config) (*Authorizer, error) {
	if cfg.Registry == nil {
		return nil, errors.New("authorizer: registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("authorizer: event store is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Authorizer{
		registry: cfg.Registry,
		store:    cfg.Store,
		timeout:  timeout,
		now:      nowFn,
		logger:   logger.With("component", "authorizer"),
		newID:    newID,
	}, nil
}

func (a *Authorizer) lockAction(actionID string) func() {
	return a.locks.Lock(actionID)
}

func (a *Authorizer) load(ctx context.Context, actionID string) (Pending, error) {
	events, err := a.store.Events(ctx, actionID)
	if err != nil {
		return Pending{}, err
	}
	if len(events) == 0 {
		return Pending{}, fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	return Fold(events)
}

// record validates ev against state, persists it and returns the new state.
func (a *Authorizer) record(ctx context.Context, state Pending, ev Event) (Pending, error) {
	ev.Seq = state.Version + 1
	if ev.At.IsZero() {
		ev.At = a.now()
	}
	if ev.ActionID == "" {
		ev.ActionID = state.ActionID
	}
	next, err := Apply(state, ev)
	if err != nil {
		return state, err
	}
	if err := a.store.Append(ctx, ev); err != nil {
		return state, err
	}
	if next.Status != state.Status {
		observability.Authorization().ObserveTransition(string(next.Role), string(next.Status))
		a.logger.Info("authorization status changed",
			slog.String("action_id", next.ActionID),
			slog.String("role", string(next.Role)),
			slog.String("status", string(next.Status)),
			slog.Int("approvals", len(next.Approvals)),
			slog.Int("threshold", next.Threshold))
	}
	return next, nil
}

// Propose opens a collecting action for role. The payload must be one the
// role is entitled to authorize.
func (a *Authorizer) Propose(ctx context.Context, role authority.Role, payload Payload) (Pending, error) {
	auth, err := a.registry.Lookup(role)
	if err != nil {
		return Pending{}, err
	}
	if err := payload.Validate(); err != nil {
		return Pending{}, err
	}
	if payload.RequiredRole() != role {
		return Pending{}, fmt.Errorf("%w: %s action requires role %s, not %s", ErrInvalidPayload, payload.Type(), payload.RequiredRole(), role)
	}
	actionID := a.newID()
	authorityAddr := auth.Address().String()
	digest, err := ActionDigest(actionID, role, authorityAddr, payload, auth.Threshold())
	if err != nil {
		return Pending{}, err
	}
	now := a.now()
	unlock := a.lockAction(actionID)
	defer unlock()
	return a.record(ctx, Pending{}, Event{
		ActionID:  actionID,
		Kind:      EventProposed,
		At:        now,
		Role:      role,
		Authority: authorityAddr,
		Payload:   &payload,
		Digest:    hex.EncodeToString(digest),
		Threshold: auth.Threshold(),
		ExpiresAt: now.Add(a.timeout),
	})
}

// Approve adds signer's approval. proofHex must be signer's 65-byte signature
// over the action digest. Reaching the threshold moves the action to ready.
func (a *Authorizer) Approve(ctx context.Context, actionID, signer, proofHex string) (Pending, error) {
	unlock := a.lockAction(actionID)
	defer unlock()

	state, err := a.load(ctx, actionID)
	if err != nil {
		return Pending{}, err
	}
	outcome := "rejected"
	defer func() { observability.Authorization().ObserveApproval(string(state.Role), outcome) }()

	if state.Status == StatusCollecting && !a.now().Before(state.ExpiresAt) {
		state, err = a.record(ctx, state, Event{Kind: EventExpired})
		if err != nil {
			return Pending{}, err
		}
		return state, fmt.Errorf("%w: %s expired at %s", ErrExpired, actionID, state.ExpiresAt.Format(time.RFC3339))
	}
	if state.Status == StatusExpired {
		return state, fmt.Errorf("%w: %s", ErrExpired, actionID)
	}

	addr, err := crypto.DecodeAddress(signer)
	if err != nil {
		return state, fmt.Errorf("%w: %v", ErrUnauthorizedSigner, err)
	}
	if !a.registry.IsParticipant(state.Role, addr) {
		a.logger.Warn("approval from non-participant",
			slog.String("action_id", actionID),
			slog.String("role", string(state.Role)),
			logging.MaskField("signer", addr.String()))
		return state, fmt.Errorf("%w: %s", ErrUnauthorizedSigner, state.Role)
	}
	canonical := addr.String()
	if state.HasApproval(canonical) {
		outcome = "duplicate"
		return state, fmt.Errorf("%w: %s", ErrDuplicateApproval, actionID)
	}
	if state.Status != StatusCollecting {
		return state, fmt.Errorf("%w: status %s", ErrNotCollecting, state.Status)
	}
	if err := VerifyProof(state.Digest, addr, proofHex); err != nil {
		return state, err
	}

	state, err = a.record(ctx, state, Event{
		Kind: EventApproved,
		Approval: &Approval{
			Signer:     canonical,
			Proof:      strings.ToLower(trimHex(strings.TrimSpace(proofHex))),
			ApprovedAt: a.now(),
		},
	})
	if err != nil {
		return Pending{}, err
	}
	outcome = "accepted"
	return state, nil
}

// Finalize converts a ready action into its authorized descriptor. Calling it
// again returns the stored descriptor unchanged.
func (a *Authorizer) Finalize(ctx context.Context, actionID string) (Descriptor, error) {
	unlock := a.lockAction(actionID)
	defer unlock()

	state, err := a.load(ctx, actionID)
	if err != nil {
		return Descriptor{}, err
	}
	if state.Status == StatusBroadcast && state.Descriptor != nil {
		return *state.Descriptor, nil
	}
	if state.Status != StatusReady {
		return Descriptor{}, fmt.Errorf("%w: %s is %s", ErrNotReady, actionID, state.Status)
	}
	desc := Descriptor{
		ActionID:    state.ActionID,
		Role:        state.Role,
		Authority:   state.Authority,
		Payload:     state.Payload,
		Digest:      state.Digest,
		Threshold:   state.Threshold,
		Signers:     make([]string, 0, len(state.Approvals)),
		Proofs:      make([]string, 0, len(state.Approvals)),
		FinalizedAt: a.now(),
	}
	for _, approval := range state.Approvals {
		desc.Signers = append(desc.Signers, approval.Signer)
		desc.Proofs = append(desc.Proofs, approval.Proof)
	}
	state, err = a.record(ctx, state, Event{Kind: EventFinalized, Descriptor: &desc})
	if err != nil {
		return Descriptor{}, err
	}
	return *state.Descriptor, nil
}

// recordSubmission stores the network reference of a broadcast descriptor.
// The caller must hold the action lock.
func (a *Authorizer) recordSubmission(ctx context.Context, state Pending, txRef string) (Pending, error) {
	return a.record(ctx, state, Event{Kind: EventSubmitted, TxRef: txRef})
}

// Get returns the current state of an action.
func (a *Authorizer) Get(ctx context.Context, actionID string) (Pending, error) {
	return a.load(ctx, actionID)
}

// List returns actions in proposal order, optionally filtered by status.
func (a *Authorizer) List(ctx context.Context, status Status) ([]Pending, error) {
	ids, err := a.store.ActionIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Pending, 0, len(ids))
	for _, id := range ids {
		state, err := a.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if status != "" && state.Status != status {
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

// ExpireStale moves every collecting action past its deadline to expired and
// returns how many were expired.
func (a *Authorizer) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	ids, err := a.store.ActionIDs(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		done, err := a.expireIfStale(ctx, id, now)
		if err != nil {
			return expired, err
		}
		if done {
			expired++
		}
	}
	return expired, nil
}

func (a *Authorizer) expireIfStale(ctx context.Context, actionID string, now time.Time) (bool, error) {
	unlock := a.lockAction(actionID)
	defer unlock()
	state, err := a.load(ctx, actionID)
	if err != nil {
		return false, err
	}
	if state.Status != StatusCollecting || now.Before(state.ExpiresAt) {
		return false, nil
	}
	if _, err := a.record(ctx, state, Event{Kind: EventExpired, At: now}); err != nil {
		return false, err
	}
	return true, nil
}

// RunSweeper expires stale actions every interval until ctx is cancelled.
func (a *Authorizer) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.ExpireStale(ctx, a.now()); err != nil {
				a.logger.Error("expire stale authorizations", slog.Any("error", err))
			} else if n > 0 {
				a.logger.Info("expired stale authorizations", slog.Int("count", n))
			}
		}
	}
}
