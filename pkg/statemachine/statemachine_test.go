package statemachine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talosprotocol/talos-governance-agent/pkg/hashchain"
	"github.com/talosprotocol/talos-governance-agent/pkg/statestore"
	"github.com/talosprotocol/talos-governance-agent/pkg/tgaerr"
)

func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tga.db")
	store, err := statestore.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestHappyPath_PendingToCompleted(t *testing.T) {
	sm := New(newTestStore(t))
	ctx := context.Background()
	now := time.Now()

	_, rej, err := sm.Begin(ctx, "T1", now)
	require.NoError(t, err)
	require.Nil(t, rej)

	capHash, _ := hashchain.Digest(map[string]interface{}{"capability_id": "cap-1"})
	inputHash, _ := hashchain.Digest(map[string]interface{}{"path": "/etc/hosts"})
	rec, rej, err := sm.Authorize(ctx, "T1", true, capHash, inputHash, "", now)
	require.NoError(t, err)
	require.Nil(t, rej)
	assert.Equal(t, StateAuthorized, rec.State)

	rec, rej, err = sm.Dispatch(ctx, "T1", now)
	require.NoError(t, err)
	require.Nil(t, rej)
	assert.Equal(t, StateExecuting, rec.State)

	outputHash, _ := hashchain.Digest(map[string]interface{}{"bytes": "contents"})
	rec, rej, err = sm.Complete(ctx, "T1", outputHash, now)
	require.NoError(t, err)
	require.Nil(t, rej)
	assert.Equal(t, StateCompleted, rec.State)
	assert.Equal(t, uint64(4), rec.Sequence)

	all, err := sm.store.LoadAll(ctx)
	require.NoError(t, err)
	broken, err := hashchain.Verify(all)
	require.NoError(t, err)
	assert.Nil(t, broken)
}

func TestAuthorizeFailure_WritesRejectedRecord(t *testing.T) {
	sm := New(newTestStore(t))
	ctx := context.Background()
	now := time.Now()

	_, rej, err := sm.Begin(ctx, "T1", now)
	require.NoError(t, err)
	require.Nil(t, rej)

	rec, rej, err := sm.Authorize(ctx, "T1", false, hashchain.ZeroHash, hashchain.ZeroHash, "EXPIRED", now)
	require.NoError(t, err)
	require.Nil(t, rej)
	assert.Equal(t, StateRejected, rec.State)
	assert.Equal(t, "EXPIRED", rec.Reason)
}

func TestAlreadyTerminal_NoOp(t *testing.T) {
	sm := New(newTestStore(t))
	ctx := context.Background()
	now := time.Now()

	_, _, err := sm.Begin(ctx, "T1", now)
	require.NoError(t, err)
	_, _, err = sm.Authorize(ctx, "T1", false, hashchain.ZeroHash, hashchain.ZeroHash, "EXPIRED", now)
	require.NoError(t, err)

	_, rej, err := sm.Dispatch(ctx, "T1", now)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, tgaerr.AlreadyTerminal, rej.Code)
}

func TestInvalidStatePath_DispatchBeforeAuthorize(t *testing.T) {
	sm := New(newTestStore(t))
	ctx := context.Background()
	now := time.Now()

	_, _, err := sm.Begin(ctx, "T1", now)
	require.NoError(t, err)

	_, rej, err := sm.Dispatch(ctx, "T1", now)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, tgaerr.InvalidStatePath, rej.Code)
}

func TestConcurrentDispatch_OneSucceedsRestBusy(t *testing.T) {
	sm := New(newTestStore(t))
	ctx := context.Background()
	now := time.Now()

	_, _, err := sm.Begin(ctx, "T1", now)
	require.NoError(t, err)
	capHash, _ := hashchain.Digest(map[string]interface{}{"c": 1})
	inputHash, _ := hashchain.Digest(map[string]interface{}{"i": 1})
	_, _, err = sm.Authorize(ctx, "T1", true, capHash, inputHash, "", now)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*tgaerr.Rejection, workers)
	var recErrs [workers]error
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Exactly one goroutine commits EXECUTING. The others observe
			// TRACE_BUSY if they contend for the trace lock, or
			// INVALID_STATE_PATH if they arrive after the winner committed.
			_, rej, err := sm.Dispatch(ctx, "T1", now)
			results[i] = rej
			recErrs[i] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	busy := 0
	for i, rej := range results {
		require.NoError(t, recErrs[i])
		if rej == nil {
			successes++
		} else if rej.Code == tgaerr.TraceBusy || rej.Code == tgaerr.InvalidStatePath {
			busy++
		}
	}
	assert.Equal(t, 1, successes, "exactly one dispatch should succeed")
	assert.Equal(t, workers-1, busy)
}

func TestRecoverExpireAuthorized_FromAuthorized_WritesFailed(t *testing.T) {
	sm := New(newTestStore(t))
	ctx := context.Background()
	now := time.Now()

	_, _, err := sm.Begin(ctx, "T1", now)
	require.NoError(t, err)
	capHash, _ := hashchain.Digest(map[string]interface{}{"c": 1})
	inputHash, _ := hashchain.Digest(map[string]interface{}{"i": 1})
	_, _, err = sm.Authorize(ctx, "T1", true, capHash, inputHash, "", now)
	require.NoError(t, err)

	rec, rej, err := sm.RecoverExpireAuthorized(ctx, "T1", "CAPABILITY_EXPIRED_DURING_RECOVERY", now)
	require.NoError(t, err)
	require.Nil(t, rej)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, "CAPABILITY_EXPIRED_DURING_RECOVERY", rec.Reason)
	assert.Equal(t, capHash, rec.CapabilityHash, "capability_hash must carry forward from the AUTHORIZED record")
}

func TestRecoverExpireAuthorized_RejectsFromAnyOtherState(t *testing.T) {
	sm := New(newTestStore(t))
	ctx := context.Background()
	now := time.Now()

	_, _, err := sm.Begin(ctx, "T1", now)
	require.NoError(t, err)

	_, rej, err := sm.RecoverExpireAuthorized(ctx, "T1", "CAPABILITY_EXPIRED_DURING_RECOVERY", now)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, tgaerr.InvalidStatePath, rej.Code)
}

func TestMonotonicNanos_NeverDecreasesAcrossTransitions(t *testing.T) {
	sm := New(newTestStore(t))
	ctx := context.Background()
	now := time.Now()

	rec, _, err := sm.Begin(ctx, "T1", now)
	require.NoError(t, err)
	first := rec.MonotonicNanos

	capHash, _ := hashchain.Digest(map[string]interface{}{"c": 1})
	inputHash, _ := hashchain.Digest(map[string]interface{}{"i": 1})
	rec, _, err = sm.Authorize(ctx, "T1", true, capHash, inputHash, "", now)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, rec.MonotonicNanos, first,
		"monotonic_nanos must never run backwards within one process's lifetime")
}

func TestDistinctTraces_ProgressIndependently(t *testing.T) {
	sm := New(newTestStore(t))
	ctx := context.Background()
	now := time.Now()

	_, _, err := sm.Begin(ctx, "T1", now)
	require.NoError(t, err)
	_, _, err = sm.Begin(ctx, "T2", now)
	require.NoError(t, err)

	capHash, _ := hashchain.Digest(map[string]interface{}{"c": 1})
	inputHash, _ := hashchain.Digest(map[string]interface{}{"i": 1})

	rec1, rej, err := sm.Authorize(ctx, "T1", true, capHash, inputHash, "", now)
	require.NoError(t, err)
	require.Nil(t, rej)
	rec2, rej, err := sm.Authorize(ctx, "T2", true, capHash, inputHash, "", now)
	require.NoError(t, err)
	require.Nil(t, rej)

	assert.NotEqual(t, rec1.Sequence, rec2.Sequence)
	assert.Equal(t, StateAuthorized, rec1.State)
	assert.Equal(t, StateAuthorized, rec2.State)
}
