// Package recovery runs at startup, before any request is accepted: it
// re-verifies the hash chain end-to-end, rebuilds the per-trace state
// index, and resolves every non-terminal trace left over from a crash.
// Any integrity violation it finds is fatal — the log is the sole source
// of truth for audit, and a corrupted log means the process must refuse
// to serve rather than guess.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/talosprotocol/talos-governance-agent/pkg/hashchain"
	"github.com/talosprotocol/talos-governance-agent/pkg/statemachine"
	"github.com/talosprotocol/talos-governance-agent/pkg/statestore"
	"github.com/talosprotocol/talos-governance-agent/pkg/tgaerr"
)

const (
	ReasonRecoveredOrphan              = "RECOVERED_ORPHAN"
	ReasonCapabilityExpiredDuringRecov = "CAPABILITY_EXPIRED_DURING_RECOVERY"
)

// CapabilityExpiry answers whether the capability identified by hash is
// still temporally valid as of now. Recovery has no access to the
// original capability token (only its hash survives in the log), so a
// caller that cannot answer should return ok=false: an AUTHORIZED trace
// whose capability validity cannot be established is treated as expired,
// the same fail-closed posture as an unrecognized constraint.
type CapabilityExpiry func(capHash hashchain.Hash, now time.Time) (expiresAt time.Time, ok bool)

// AlwaysExpired is the default CapabilityExpiry: every AUTHORIZED trace
// found at recovery is treated as expired, since by default nothing
// outside the log retains capability expiry across a restart.
func AlwaysExpired(hashchain.Hash, time.Time) (time.Time, bool) {
	return time.Time{}, false
}

// Result summarizes what recovery did, for startup logging.
type Result struct {
	RecordCount           int
	TraceCount            int
	RecoveredOrphans      []string
	ExpiredAuthorizations []string
	PreservedAuthorized   []string
}

// validTransitions is the same state-machine path statemachine.go
// enforces at write time, re-checked here over the whole persisted log
// (I4): the zero value "" means "no record yet for this trace".
var validTransitions = map[string]map[string]bool{
	"":                           {statemachine.StatePending: true},
	statemachine.StatePending:    {statemachine.StateAuthorized: true, statemachine.StateRejected: true},
	statemachine.StateAuthorized: {statemachine.StateExecuting: true, statemachine.StateFailed: true},
	statemachine.StateExecuting:  {statemachine.StateCompleted: true, statemachine.StateFailed: true},
}

// Run performs the full recovery sequence. On an integrity violation it
// returns a *tgaerr.Fatal describing exactly what was found; the caller
// (normally cmd/tga's startup path) is responsible for calling
// tgaerr.Exit and never silently continuing.
func Run(ctx context.Context, store *statestore.Store, sm *statemachine.StateMachine, expiry CapabilityExpiry, now time.Time) (*Result, error) {
	if expiry == nil {
		expiry = AlwaysExpired
	}

	records, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: load_all: %w", err)
	}
	if len(records) == 0 {
		return &Result{}, nil
	}

	if broken, err := hashchain.Verify(records); err != nil {
		return nil, fmt.Errorf("recovery: verify: %w", err)
	} else if broken != nil {
		return nil, &tgaerr.Fatal{
			Reason: fmt.Sprintf("HASH_CHAIN_BROKEN(%d, %s)", broken.Sequence, broken.Kind),
		}
	}

	latest := make(map[string]hashchain.Record)
	lastState := make(map[string]string)
	for _, rec := range records {
		from := lastState[rec.TraceID]
		if _, seen := lastState[rec.TraceID]; !seen {
			from = ""
		}
		if !validTransitions[from][rec.State] {
			return nil, &tgaerr.Fatal{
				Reason: fmt.Sprintf("INVALID_STATE_PATH: trace %s: %s -> %s at sequence %d", rec.TraceID, from, rec.State, rec.Sequence),
			}
		}
		lastState[rec.TraceID] = rec.State
		latest[rec.TraceID] = rec
	}

	for _, rec := range latest {
		sm.Seed(rec)
	}

	result := &Result{RecordCount: len(records), TraceCount: len(latest)}

	for traceID, rec := range latest {
		switch rec.State {
		case statemachine.StateExecuting:
			if _, rej, err := sm.Fail(ctx, traceID, ReasonRecoveredOrphan, now); err != nil {
				return nil, fmt.Errorf("recovery: resolve orphan %s: %w", traceID, err)
			} else if rej != nil {
				return nil, fmt.Errorf("recovery: resolve orphan %s: unexpected rejection %s", traceID, rej.Code)
			}
			result.RecoveredOrphans = append(result.RecoveredOrphans, traceID)

		case statemachine.StateAuthorized:
			if _, ok := expiry(rec.CapabilityHash, now); ok {
				result.PreservedAuthorized = append(result.PreservedAuthorized, traceID)
				continue
			}
			if _, rej, err := sm.RecoverExpireAuthorized(ctx, traceID, ReasonCapabilityExpiredDuringRecov, now); err != nil {
				return nil, fmt.Errorf("recovery: expire authorization %s: %w", traceID, err)
			} else if rej != nil {
				return nil, fmt.Errorf("recovery: expire authorization %s: unexpected rejection %s", traceID, rej.Code)
			}
			result.ExpiredAuthorizations = append(result.ExpiredAuthorizations, traceID)
		}
	}

	// SessionCache is intentionally not warmed here: sessions are
	// ephemeral and every agent must re-authorize fresh after a restart.

	return result, nil
}
