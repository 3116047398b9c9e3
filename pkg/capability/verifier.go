package capability

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"

	"github.com/talosprotocol/talos-governance-agent/pkg/hashchain"
	"github.com/talosprotocol/talos-governance-agent/pkg/tgaerr"
)

// DefaultClockSkew is the default temporal window tolerance.
const DefaultClockSkew = 5 * time.Second

type malformedError struct{ msg string }

func (e *malformedError) Error() string { return e.msg }

func errMalformed(format string, args ...interface{}) error {
	return &malformedError{msg: fmt.Sprintf(format, args...)}
}

// Constraints is the typed, evaluated form of a capability's constraint
// map. Only the recognized keys in spec.md §4.4 survive parsing; anything
// else causes verification to fail closed before Constraints is built.
type Constraints struct {
	ReadOnly       *bool
	MaxInputBytes  *int64
	AllowInputKeys []string
	DenyInputKeys  []string
	OneShot        bool
}

// VerifiedCapability is the result of a successful verify call.
type VerifiedCapability struct {
	Payload        Payload
	CapabilityHash hashchain.Hash
	Constraints    Constraints
}

// RequestContext is the caller-supplied context verify checks the token
// against.
type RequestContext struct {
	Tool      string
	ReadOnly  bool
	Input     interface{} // decoded tool input, closed value grammar
	InputKeys []string    // top-level keys of Input, if Input is an object
	Now       time.Time
}

// ReplaySeen answers whether a capability_id or nonce has already been
// observed in the log, the durable source of truth for replay detection.
type ReplaySeen interface {
	CapabilitySeen(ctx context.Context, capabilityID string) (bool, error)
	NonceSeen(ctx context.Context, nonce string, within time.Duration) (bool, error)
}

// Verifier holds the configuration needed to verify capability tokens:
// the Supervisor's public key, this agent's own identity (the expected
// audience), and the clock skew tolerance for the temporal window check.
type Verifier struct {
	PublicKey ed25519.PublicKey
	Audience  string
	ClockSkew time.Duration
}

// New constructs a Verifier. clockSkew of zero uses DefaultClockSkew.
func New(publicKey ed25519.PublicKey, audience string, clockSkew time.Duration) *Verifier {
	if clockSkew == 0 {
		clockSkew = DefaultClockSkew
	}
	return &Verifier{PublicKey: publicKey, Audience: audience, ClockSkew: clockSkew}
}

// Verify runs the seven ordered checks and returns exactly one of: a
// VerifiedCapability (all checks passed), a Rejection (a recognized,
// reportable failure), or an error (an infrastructure failure from the
// replay store, which is not a verdict about the token).
func (v *Verifier) Verify(ctx context.Context, token []byte, req RequestContext, replay ReplaySeen) (*VerifiedCapability, *tgaerr.Rejection, error) {
	// 1. Structural parse.
	env, err := parseEnvelope(token)
	if err != nil {
		return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "MALFORMED: %v", err), nil
	}

	// 2. Signature.
	if !ed25519.Verify(v.PublicKey, env.SigningInput, env.Signature) {
		return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "BAD_SIGNATURE"), nil
	}

	// 3. Audience.
	if env.Payload.Audience != v.Audience {
		return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "AUDIENCE"), nil
	}

	// 4. Temporal window: now in [issued_at - skew, expires_at).
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	issuedAt := time.Unix(env.Payload.IssuedAt, 0)
	expiresAt := time.Unix(env.Payload.ExpiresAt, 0)
	if now.Before(issuedAt.Add(-v.ClockSkew)) {
		return nil, tgaerr.Reject(tgaerr.NotYetValid), nil
	}
	if !now.Before(expiresAt) {
		return nil, tgaerr.Reject(tgaerr.Expired), nil
	}

	// 5. Tool match (exact or single-segment wildcard).
	if !toolMatches(env.Payload.Tool, req.Tool) {
		return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "TOOL_MISMATCH"), nil
	}

	// 6. Constraint evaluation; unknown keys fail closed.
	constraints, rejection := evaluateConstraints(env.Payload.Constraints, req)
	if rejection != nil {
		return nil, rejection, nil
	}

	// 7. Replay.
	if constraints.OneShot {
		seen, err := replay.CapabilitySeen(ctx, env.Payload.CapabilityID)
		if err != nil {
			return nil, nil, fmt.Errorf("capability: replay check: %w", err)
		}
		if seen {
			return nil, tgaerr.Reject(tgaerr.Replay), nil
		}
	} else {
		seen, err := replay.NonceSeen(ctx, env.Payload.Nonce, v.ClockSkew)
		if err != nil {
			return nil, nil, fmt.Errorf("capability: nonce freshness check: %w", err)
		}
		if seen {
			return nil, tgaerr.Reject(tgaerr.Replay), nil
		}
	}

	capHash, err := hashchain.Digest(env.PayloadGeneric)
	if err != nil {
		// The payload passed structural validation but contains a value
		// outside the closed canonicalization grammar (e.g. a float).
		return nil, tgaerr.Rejectf(tgaerr.CanonicalUnsupported, "%v", err), nil
	}

	return &VerifiedCapability{
		Payload:        env.Payload,
		CapabilityHash: capHash,
		Constraints:    *constraints,
	}, nil, nil
}

// toolMatches implements "exact or single-segment wildcard": tool names
// are dot-segmented (e.g. "fs.read"); a "*" in any segment of the token's
// tool pattern matches exactly one segment of the request's tool name.
func toolMatches(pattern, actual string) bool {
	if pattern == actual {
		return true
	}
	patternSegs := strings.Split(pattern, ".")
	actualSegs := strings.Split(actual, ".")
	if len(patternSegs) != len(actualSegs) {
		return false
	}
	for i, seg := range patternSegs {
		if seg != "*" && seg != actualSegs[i] {
			return false
		}
	}
	return true
}
