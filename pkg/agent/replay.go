package agent

import (
	"context"
	"sync"
	"time"
)

// replayTracker is the process-local implementation of
// capability.ReplaySeen: a capability_id is remembered forever once
// presented as one-shot, a nonce is remembered for the window the caller
// asks about. Neither set survives a restart — Recovery deliberately
// does not attempt to repopulate it, since a fresh process has no
// in-flight one-shot capabilities to protect against replay of.
type replayTracker struct {
	capabilities sync.Map // capability_id -> struct{}
	nonces       sync.Map // nonce -> seenAt time.Time
}

func newReplayTracker() *replayTracker {
	return &replayTracker{}
}

func (r *replayTracker) CapabilitySeen(_ context.Context, capabilityID string) (bool, error) {
	_, loaded := r.capabilities.LoadOrStore(capabilityID, struct{}{})
	return loaded, nil
}

func (r *replayTracker) NonceSeen(_ context.Context, nonce string, within time.Duration) (bool, error) {
	now := time.Now()
	v, loaded := r.nonces.LoadOrStore(nonce, now)
	if !loaded {
		return false, nil
	}
	seenAt := v.(time.Time)
	if now.Sub(seenAt) > within {
		r.nonces.Store(nonce, now)
		return false, nil
	}
	return true, nil
}
