// Package statemachine implements the Moore machine governing one trace's
// progression through PENDING -> AUTHORIZED -> EXECUTING ->
// {COMPLETED, REJECTED, FAILED}. Every transition computes the new
// record's fields, links it to the current tail via HashChain, appends it
// to the StateStore, and only then updates the in-memory trace index — the
// record is durable before the caller is told it succeeded.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/talosprotocol/talos-governance-agent/pkg/hashchain"
	"github.com/talosprotocol/talos-governance-agent/pkg/statestore"
	"github.com/talosprotocol/talos-governance-agent/pkg/tgaerr"
)

const (
	StatePending    = "PENDING"
	StateAuthorized = "AUTHORIZED"
	StateExecuting  = "EXECUTING"
	StateCompleted  = "COMPLETED"
	StateRejected   = "REJECTED"
	StateFailed     = "FAILED"
)

var terminalStates = map[string]bool{
	StateCompleted: true,
	StateRejected:  true,
	StateFailed:    true,
}

// IsTerminal reports whether state is one of the three terminal states.
func IsTerminal(state string) bool {
	return terminalStates[state]
}

// StateMachine owns the per-trace lock table and the in-memory trace
// index, and drives every transition through the StateStore.
type StateMachine struct {
	store *statestore.Store

	// started anchors MonotonicNanos: every record's monotonic reading is
	// time.Since(started), so it is immune to wall-clock adjustments for
	// the life of this StateMachine.
	started time.Time

	// storeMu serializes the read-tail-then-append sequence across all
	// traces: the StateStore is a single-writer resource even though
	// distinct traces may progress concurrently.
	storeMu sync.Mutex

	// traceLocks is a striped lock table keyed by trace_id. Contention on
	// a trace's lock returns TRACE_BUSY rather than queuing.
	traceLocks sync.Map // trace_id -> *sync.Mutex

	// index is the in-memory latest-record-per-trace cache, seeded by
	// Recovery at startup and kept current on every successful append.
	index sync.Map // trace_id -> hashchain.Record
}

// New constructs a StateMachine backed by store. The caller must run
// Recovery and call Seed for every trace before accepting transitions.
func New(store *statestore.Store) *StateMachine {
	return &StateMachine{store: store, started: time.Now()}
}

// Seed installs rec as the latest known record for its trace_id without
// going through the StateStore. Recovery uses this to rebuild the index
// from load_all at startup.
func (sm *StateMachine) Seed(rec hashchain.Record) {
	sm.index.Store(rec.TraceID, rec)
}

func (sm *StateMachine) lockFor(traceID string) *sync.Mutex {
	actual, _ := sm.traceLocks.LoadOrStore(traceID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (sm *StateMachine) current(traceID string) *hashchain.Record {
	v, ok := sm.index.Load(traceID)
	if !ok {
		return nil
	}
	rec := v.(hashchain.Record)
	return &rec
}

// Begin starts a new trace, appending its PENDING record. capHash is the
// sentinel ZeroHash: no capability has been evaluated yet.
func (sm *StateMachine) Begin(ctx context.Context, traceID string, now time.Time) (*hashchain.Record, *tgaerr.Rejection, error) {
	return sm.transition(ctx, traceID, func(cur *hashchain.Record) *tgaerr.Rejection {
		if cur != nil {
			return tgaerr.Reject(tgaerr.InvalidStatePath)
		}
		return nil
	}, StateKind{
		State:          StatePending,
		CapabilityHash: hashchain.ZeroHash,
	}, now)
}

// Authorize transitions a PENDING trace to AUTHORIZED (if verifierOK) or
// REJECTED (otherwise). The record is appended regardless of the verdict:
// a rejected authorization is still ground truth.
func (sm *StateMachine) Authorize(ctx context.Context, traceID string, verifierOK bool, capHash, inputHash hashchain.Hash, rejectReason string, now time.Time) (*hashchain.Record, *tgaerr.Rejection, error) {
	next := StateAuthorized
	reason := ""
	if !verifierOK {
		next = StateRejected
		reason = rejectReason
	}
	return sm.transition(ctx, traceID, func(cur *hashchain.Record) *tgaerr.Rejection {
		if cur == nil || cur.State != StatePending {
			return tgaerr.Reject(tgaerr.InvalidStatePath)
		}
		return nil
	}, StateKind{
		State:          next,
		CapabilityHash: capHash,
		InputHash:      &inputHash,
		Reason:         reason,
	}, now)
}

// Dispatch transitions an AUTHORIZED trace to EXECUTING. It is gated by
// acquiring the per-trace lock and by the trace currently being AUTHORIZED.
func (sm *StateMachine) Dispatch(ctx context.Context, traceID string, now time.Time) (*hashchain.Record, *tgaerr.Rejection, error) {
	return sm.transition(ctx, traceID, func(cur *hashchain.Record) *tgaerr.Rejection {
		if cur == nil || cur.State != StateAuthorized {
			return tgaerr.Reject(tgaerr.InvalidStatePath)
		}
		return nil
	}, StateKind{
		State:          StateExecuting,
		carryForward:   true,
	}, now)
}

// Complete transitions an EXECUTING trace to COMPLETED with outputHash.
func (sm *StateMachine) Complete(ctx context.Context, traceID string, outputHash hashchain.Hash, now time.Time) (*hashchain.Record, *tgaerr.Rejection, error) {
	return sm.transition(ctx, traceID, func(cur *hashchain.Record) *tgaerr.Rejection {
		if cur == nil || cur.State != StateExecuting {
			return tgaerr.Reject(tgaerr.InvalidStatePath)
		}
		return nil
	}, StateKind{
		State:        StateCompleted,
		OutputHash:   &outputHash,
		carryForward: true,
	}, now)
}

// Fail transitions an EXECUTING trace to FAILED with reason.
func (sm *StateMachine) Fail(ctx context.Context, traceID string, reason string, now time.Time) (*hashchain.Record, *tgaerr.Rejection, error) {
	return sm.transition(ctx, traceID, func(cur *hashchain.Record) *tgaerr.Rejection {
		if cur == nil || cur.State != StateExecuting {
			return tgaerr.Reject(tgaerr.InvalidStatePath)
		}
		return nil
	}, StateKind{
		State:        StateFailed,
		Reason:       reason,
		carryForward: true,
	}, now)
}

// RecoverExpireAuthorized appends a FAILED record for a trace recovery
// found AUTHORIZED whose capability it has determined is no longer valid.
// It is the one path by which FAILED is reached without passing through
// EXECUTING first, and it exists solely for pkg/recovery's startup
// resolution of traces left non-terminal by a crash: ordinary callers
// reach FAILED only via Fail, from EXECUTING.
func (sm *StateMachine) RecoverExpireAuthorized(ctx context.Context, traceID string, reason string, now time.Time) (*hashchain.Record, *tgaerr.Rejection, error) {
	return sm.transition(ctx, traceID, func(cur *hashchain.Record) *tgaerr.Rejection {
		if cur == nil || cur.State != StateAuthorized {
			return tgaerr.Reject(tgaerr.InvalidStatePath)
		}
		return nil
	}, StateKind{
		State:        StateFailed,
		Reason:       reason,
		carryForward: true,
	}, now)
}

// StateKind carries the per-transition fields that are specific to the
// target state; carryForward reuses the current record's capability_hash
// and input_hash rather than requiring the caller to repeat them.
type StateKind struct {
	State          string
	CapabilityHash hashchain.Hash
	InputHash      *hashchain.Hash
	OutputHash     *hashchain.Hash
	Reason         string
	carryForward   bool
}

func (sm *StateMachine) transition(ctx context.Context, traceID string, guard func(cur *hashchain.Record) *tgaerr.Rejection, kind StateKind, now time.Time) (*hashchain.Record, *tgaerr.Rejection, error) {
	lock := sm.lockFor(traceID)
	if !lock.TryLock() {
		return nil, tgaerr.Reject(tgaerr.TraceBusy), nil
	}
	defer lock.Unlock()

	cur := sm.current(traceID)
	if cur != nil && IsTerminal(cur.State) {
		return nil, tgaerr.Reject(tgaerr.AlreadyTerminal), nil
	}
	if rej := guard(cur); rej != nil {
		return nil, rej, nil
	}

	if kind.carryForward && cur != nil {
		kind.CapabilityHash = cur.CapabilityHash
		kind.InputHash = cur.InputHash
	}

	sm.storeMu.Lock()
	defer sm.storeMu.Unlock()

	tail, err := sm.store.Tail(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("statemachine: read tail: %w", err)
	}

	var prevHash hashchain.Hash
	var seq uint64 = 1
	if tail != nil {
		prevHash = tail.RecordHash
		seq = tail.Sequence + 1
	}

	fields := hashchain.Fields{
		Sequence:       seq,
		TraceID:        traceID,
		State:          kind.State,
		CapabilityHash: kind.CapabilityHash,
		InputHash:      kind.InputHash,
		OutputHash:     kind.OutputHash,
		CreatedAt:      now.UnixNano(),
		MonotonicNanos: time.Since(sm.started).Nanoseconds(),
		Reason:         kind.Reason,
	}
	recordHash, err := hashchain.Link(prevHash, fields)
	if err != nil {
		return nil, nil, fmt.Errorf("statemachine: link record: %w", err)
	}
	rec := hashchain.Record{Fields: fields, PrevHash: prevHash, RecordHash: recordHash}

	if err := sm.store.Append(ctx, rec); err != nil {
		if isInvariantViolation(err) {
			// The in-memory index disagrees with the durable tail: the log
			// can no longer be trusted as ground truth. This is fatal, not
			// a reportable rejection.
			tgaerr.Exit(&tgaerr.Fatal{Reason: "state store append violated chain invariant", Err: err})
		}
		return nil, tgaerr.Reject(tgaerr.StateCommitFailed), nil
	}

	sm.index.Store(traceID, rec)
	return &rec, nil, nil
}

func isInvariantViolation(err error) bool {
	var appendErr *statestore.AppendError
	return errors.As(err, &appendErr)
}
