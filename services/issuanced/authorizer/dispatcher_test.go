package authorizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"esgcoupon/services/issuanced/apperr"
)

var errNodeDown = apperr.New(apperr.ErrUnavailable, "node unavailable")

type fakeTransactor struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	keys     []string
}

func (f *fakeTransactor) Broadcast(_ context.Context, desc Descriptor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, desc.ActionID)
	if f.err != nil {
		return "", f.err
	}
	if f.failures > 0 {
		f.failures--
		return "", errNodeDown
	}
	return fmt.Sprintf("TX-%s", desc.ActionID[:8]), nil
}

func readyAction(t *testing.T, f *fixture) Pending {
	t.Helper()
	pending := f.proposeFreeze(t)
	pending, err := f.approve(t, pending, f.freeze[0])
	require.NoError(t, err)
	pending, err = f.approve(t, pending, f.freeze[1])
	require.NoError(t, err)
	require.Equal(t, StatusReady, pending.Status)
	return pending
}

func TestDispatcherRetriesAndBroadcastsOnce(t *testing.T) {
	f := newFixture(t, NewMemoryEventStore())
	pending := readyAction(t, f)
	tx := &fakeTransactor{failures: 2}
	d, err := NewDispatcher(f.auth, tx, WithRetryPolicy(4, time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)

	_, err = d.Broadcast(context.Background(), pending.ActionID)
	require.ErrorIs(t, err, ErrNotReady)
	require.Zero(t, tx.calls)

	_, err = f.auth.Finalize(context.Background(), pending.ActionID)
	require.NoError(t, err)

	ref, err := d.Broadcast(context.Background(), pending.ActionID)
	require.NoError(t, err)
	require.Equal(t, 3, tx.calls)
	for _, key := range tx.keys {
		require.Equal(t, pending.ActionID, key)
	}

	again, err := d.Broadcast(context.Background(), pending.ActionID)
	require.NoError(t, err)
	require.Equal(t, ref, again)
	require.Equal(t, 3, tx.calls)

	state, err := f.auth.Get(context.Background(), pending.ActionID)
	require.NoError(t, err)
	require.Equal(t, ref, state.TxRef)
	require.Equal(t, StatusBroadcast, state.Status)
}

func TestDispatcherStopsOnPermanentError(t *testing.T) {
	f := newFixture(t, NewMemoryEventStore())
	pending := readyAction(t, f)
	_, err := f.auth.Finalize(context.Background(), pending.ActionID)
	require.NoError(t, err)

	rejected := errors.New("descriptor rejected")
	tx := &fakeTransactor{err: rejected}
	d, err := NewDispatcher(f.auth, tx, WithRetryPolicy(5, time.Millisecond, time.Millisecond))
	require.NoError(t, err)
	_, err = d.Broadcast(context.Background(), pending.ActionID)
	require.ErrorIs(t, err, rejected)
	require.Equal(t, 1, tx.calls)
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, NewMemoryEventStore())
	pending := readyAction(t, f)
	_, err := f.auth.Finalize(context.Background(), pending.ActionID)
	require.NoError(t, err)

	tx := &fakeTransactor{failures: 10}
	d, err := NewDispatcher(f.auth, tx, WithRetryPolicy(3, time.Millisecond, time.Millisecond))
	require.NoError(t, err)
	_, err = d.Broadcast(context.Background(), pending.ActionID)
	require.ErrorIs(t, err, apperr.ErrUnavailable)
	require.Equal(t, 3, tx.calls)

	state, err := f.auth.Get(context.Background(), pending.ActionID)
	require.NoError(t, err)
	require.Empty(t, state.TxRef)
}

func TestConcurrentBroadcastSubmitsOnce(t *testing.T) {
	f := newFixture(t, NewMemoryEventStore())
	pending := readyAction(t, f)
	_, err := f.auth.Finalize(context.Background(), pending.ActionID)
	require.NoError(t, err)

	tx := &fakeTransactor{}
	d, err := NewDispatcher(f.auth, tx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	refs := make([]string, 8)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], _ = d.Broadcast(context.Background(), pending.ActionID)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, tx.calls)
	for _, ref := range refs {
		require.Equal(t, refs[0], ref)
	}
}
