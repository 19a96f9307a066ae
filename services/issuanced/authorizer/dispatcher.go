package authorizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"esgcoupon/observability"
	"esgcoupon/services/issuanced/apperr"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
)

// Transactor submits an authorized descriptor to the token network. The
// action id doubles as the idempotency key on the network side.
type Transactor interface {
	Broadcast(ctx context.Context, desc Descriptor) (string, error)
}

// Dispatcher hands finalized actions to a Transactor with bounded retries.
type Dispatcher struct {
	auth        *Authorizer
	tx          Transactor
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
}

// DispatcherOption mutates dispatcher configuration.
type DispatcherOption func(*Dispatcher)

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithDispatcherLogger overrides the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(auth *Authorizer, tx Transactor, opts ...DispatcherOption) (*Dispatcher, error) {
	if auth == nil {
		return nil, errors.New("dispatcher: authorizer required")
	}
	if tx == nil {
		return nil, errors.New("dispatcher: transactor required")
	}
	d := &Dispatcher{
		auth:        auth,
		tx:          tx,
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d, nil
}

// Broadcast submits the finalized descriptor of actionID. Once a submission
// has been recorded, later calls return the stored reference without
// contacting the network again.
func (d *Dispatcher) Broadcast(ctx context.Context, actionID string) (string, error) {
	unlock := d.auth.lockAction(actionID)
	defer unlock()

	state, err := d.auth.load(ctx, actionID)
	if err != nil {
		return "", err
	}
	if state.TxRef != "" {
		return state.TxRef, nil
	}
	if state.Status != StatusBroadcast || state.Descriptor == nil {
		return "", fmt.Errorf("%w: %s is %s", ErrNotReady, actionID, state.Status)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.minBackoff
	policy.MaxInterval = d.maxBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.maxAttempts-1)), ctx)

	var txRef string
	attempt := 0
	op := func() error {
		attempt++
		ref, err := d.tx.Broadcast(ctx, *state.Descriptor)
		observability.Authorization().ObserveBroadcast(err)
		if err != nil {
			if !errors.Is(err, apperr.ErrUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		if strings.TrimSpace(ref) == "" {
			return backoff.Permanent(errors.New("dispatcher: transactor returned empty reference"))
		}
		txRef = ref
		return nil
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("broadcast attempt failed",
			slog.String("action_id", actionID),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
			slog.Any("error", err))
	}
	if err := backoff.RetryNotify(op, retry, notify); err != nil {
		d.logger.Error("broadcast failed",
			slog.String("action_id", actionID),
			slog.Int("attempts", attempt),
			slog.Any("error", err))
		return "", fmt.Errorf("broadcast %s: %w", actionID, err)
	}

	if _, err := d.auth.recordSubmission(ctx, state, txRef); err != nil {
		return "", err
	}
	d.logger.Info("authorized action broadcast",
		slog.String("action_id", actionID),
		slog.String("role", string(state.Role)),
		slog.String("tx_ref", txRef))
	return txRef, nil
}
