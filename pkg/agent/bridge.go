// Package agent exposes the governance agent to the outer protocol
// server: one narrow Bridge type wiring capability verification, the
// session cache, and the execution state machine behind four calls that
// mirror a tool invocation's lifecycle (authorize, dispatch, complete,
// fail). The protocol server framing tool calls, and the downstream tool
// executor that actually runs them, are both out of scope here.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/talosprotocol/talos-governance-agent/pkg/capability"
	"github.com/talosprotocol/talos-governance-agent/pkg/hashchain"
	"github.com/talosprotocol/talos-governance-agent/pkg/observability"
	"github.com/talosprotocol/talos-governance-agent/pkg/sessioncache"
	"github.com/talosprotocol/talos-governance-agent/pkg/statemachine"
	"github.com/talosprotocol/talos-governance-agent/pkg/tgaerr"
)

// TransitionRequest describes one tool invocation the outer protocol
// server wants gated: a trace_id identifying the call, the capability
// token presented for it, and the request details the verifier checks
// the token's constraints against.
type TransitionRequest struct {
	TraceID         string
	CapabilityToken []byte
	Tool            string
	Input           interface{}
	InputKeys       []string
	ReadOnly        bool
}

// TransitionResult carries the appended record, a structured rejection, or
// both (a rejected authorization still appends a REJECTED record); callers
// branch on Rejection, never on error text.
type TransitionResult struct {
	Record     *hashchain.Record
	Rejection  *tgaerr.Rejection
	SessionID  sessioncache.SessionID
	HasSession bool
}

// Bridge is the single entry point the outer protocol server calls
// into. It holds no business logic of its own beyond orchestration: every
// decision is made by pkg/capability or pkg/statemachine.
type Bridge struct {
	verifier *capability.Verifier
	sessions *sessioncache.Cache
	sm       *statemachine.StateMachine
	replay   *replayTracker
	obs      *observability.Provider
}

// NewBridge wires the verifier, session cache, and state machine into one
// Bridge. obs may be nil, in which case operations run uninstrumented.
func NewBridge(verifier *capability.Verifier, sessions *sessioncache.Cache, sm *statemachine.StateMachine, obs *observability.Provider) *Bridge {
	return &Bridge{
		verifier: verifier,
		sessions: sessions,
		sm:       sm,
		replay:   newReplayTracker(),
		obs:      obs,
	}
}

// rejectReason folds a Rejection's code and detail into the single string
// persisted as a record's reason, so the discriminator that made a
// rejection fire (e.g. which of the seven capability checks failed) is
// recoverable from the log alone rather than just the closed set of codes.
func rejectReason(rej *tgaerr.Rejection) string {
	if rej.Detail == "" {
		return string(rej.Code)
	}
	return fmt.Sprintf("%s/%s", rej.Code, rej.Detail)
}

// Authorize begins a trace if it has not been seen before, verifies the
// presented capability token against req, and transitions the trace to
// AUTHORIZED or REJECTED accordingly. The record is written either way:
// a rejected authorization is still ground truth.
func (b *Bridge) Authorize(ctx context.Context, req TransitionRequest, now time.Time) (result *TransitionResult, err error) {
	if b.obs != nil {
		var done func(error)
		ctx, done = b.obs.TrackOperation(ctx, "tga.authorize",
			observability.TransitionOperation(req.TraceID, statemachine.StatePending, statemachine.StateAuthorized, "")...)
		defer func() { done(err) }()
	}

	if _, _, beginErr := b.sm.Begin(ctx, req.TraceID, now); beginErr != nil {
		err = fmt.Errorf("agent: begin: %w", beginErr)
		return nil, err
	}

	verified, rej, verifyErr := b.verifier.Verify(ctx, req.CapabilityToken, capability.RequestContext{
		Tool:      req.Tool,
		ReadOnly:  req.ReadOnly,
		Input:     req.Input,
		InputKeys: req.InputKeys,
		Now:       now,
	}, b.replay)
	if verifyErr != nil {
		err = fmt.Errorf("agent: verify capability: %w", verifyErr)
		return nil, err
	}

	if rej != nil {
		if b.obs != nil {
			observability.SetSpanStatus(ctx, rej)
			b.obs.RecordError(ctx, rej, observability.Rejection(string(rej.Code))...)
		}
		reason := rejectReason(rej)
		rec, stateRej, recErr := b.sm.Authorize(ctx, req.TraceID, false, hashchain.ZeroHash, hashchain.ZeroHash, reason, now)
		if recErr != nil {
			err = fmt.Errorf("agent: record rejection: %w", recErr)
			return nil, err
		}
		if stateRej != nil {
			return &TransitionResult{Rejection: stateRej}, nil
		}
		return &TransitionResult{Record: rec, Rejection: rej}, nil
	}

	if b.obs != nil {
		observability.AddSpanEvent(ctx, "capability.verified",
			observability.CapabilityVerification(verified.Payload.CapabilityID, req.Tool, verified.Payload.Audience)...)
	}

	inputHash, hashErr := hashchain.Digest(req.Input)
	if hashErr != nil {
		err = fmt.Errorf("agent: hash input: %w", hashErr)
		return nil, err
	}

	rec, stateRej, authErr := b.sm.Authorize(ctx, req.TraceID, true, verified.CapabilityHash, inputHash, "", now)
	if authErr != nil {
		err = fmt.Errorf("agent: authorize: %w", authErr)
		return nil, err
	}
	if stateRej != nil {
		return &TransitionResult{Rejection: stateRej}, nil
	}

	out := &TransitionResult{Record: rec}
	if b.sessions != nil {
		sessionID, insertErr := b.sessions.Insert(sessioncache.Entry{
			CapabilityHash:   verified.CapabilityHash,
			ExpiresAt:        time.Unix(verified.Payload.ExpiresAt, 0),
			TraceIDAllowList: []string{req.TraceID},
		})
		if insertErr == nil {
			out.SessionID = sessionID
			out.HasSession = true
		}
	}
	return out, nil
}

// Dispatch transitions an AUTHORIZED trace to EXECUTING, immediately
// before the outer protocol server hands the call to the downstream tool
// executor.
func (b *Bridge) Dispatch(ctx context.Context, traceID string, now time.Time) (result *TransitionResult, err error) {
	if b.obs != nil {
		var done func(error)
		ctx, done = b.obs.TrackOperation(ctx, "tga.dispatch",
			observability.TransitionOperation(traceID, statemachine.StateAuthorized, statemachine.StateExecuting, "")...)
		defer func() { done(err) }()
	}

	rec, rej, dispatchErr := b.sm.Dispatch(ctx, traceID, now)
	if dispatchErr != nil {
		err = fmt.Errorf("agent: dispatch: %w", dispatchErr)
		return nil, err
	}
	if rej != nil && b.obs != nil {
		b.obs.RecordError(ctx, rej, observability.Rejection(string(rej.Code))...)
	}
	return &TransitionResult{Record: rec, Rejection: rej}, nil
}

// Complete records a successful tool execution's output and transitions
// the trace to COMPLETED.
func (b *Bridge) Complete(ctx context.Context, traceID string, output interface{}, now time.Time) (result *TransitionResult, err error) {
	if b.obs != nil {
		var done func(error)
		ctx, done = b.obs.TrackOperation(ctx, "tga.complete",
			observability.TransitionOperation(traceID, statemachine.StateExecuting, statemachine.StateCompleted, "")...)
		defer func() { done(err) }()
	}

	outputHash, hashErr := hashchain.Digest(output)
	if hashErr != nil {
		err = fmt.Errorf("agent: hash output: %w", hashErr)
		return nil, err
	}
	rec, rej, completeErr := b.sm.Complete(ctx, traceID, outputHash, now)
	if completeErr != nil {
		err = fmt.Errorf("agent: complete: %w", completeErr)
		return nil, err
	}
	if rej != nil && b.obs != nil {
		b.obs.RecordError(ctx, rej, observability.Rejection(string(rej.Code))...)
	}
	return &TransitionResult{Record: rec, Rejection: rej}, nil
}

// Fail records a tool execution failure and transitions the trace to
// FAILED with reason.
func (b *Bridge) Fail(ctx context.Context, traceID, reason string, now time.Time) (result *TransitionResult, err error) {
	if b.obs != nil {
		var done func(error)
		ctx, done = b.obs.TrackOperation(ctx, "tga.fail",
			observability.TransitionOperation(traceID, statemachine.StateExecuting, statemachine.StateFailed, reason)...)
		defer func() { done(err) }()
	}

	rec, rej, failErr := b.sm.Fail(ctx, traceID, reason, now)
	if failErr != nil {
		err = fmt.Errorf("agent: fail: %w", failErr)
		return nil, err
	}
	if rej != nil && b.obs != nil {
		b.obs.RecordError(ctx, rej, observability.Rejection(string(rej.Code))...)
	}
	return &TransitionResult{Record: rec, Rejection: rej}, nil
}
