// Package tgaerr defines the two classes of error this agent produces:
// Recoverable rejections, reported back to the caller as structured values
// with the log left untouched (or exactly one REJECTED/FAILED record
// appended), and Fatal errors, which cause the process to exit non-zero
// after logging a diagnostic because the log can no longer be trusted as
// ground truth.
package tgaerr

import (
	"fmt"
	"log/slog"
	"os"
)

// Code is one of the closed set of error codes surfaced externally.
type Code string

// The full closed set of externally surfaced error codes. No other string
// may appear in a Rejection's Code field.
const (
	MissingCredentials  Code = "MISSING_CREDENTIALS"
	Unauthorized        Code = "UNAUTHORIZED"
	Expired             Code = "EXPIRED"
	NotYetValid         Code = "NOT_YET_VALID"
	Replay              Code = "REPLAY"
	TraceBusy           Code = "TRACE_BUSY"
	AlreadyTerminal     Code = "ALREADY_TERMINAL"
	StateCommitFailed   Code = "STATE_COMMIT_FAILED"
	HashChainBroken     Code = "HASH_CHAIN_BROKEN"
	InvalidStatePath    Code = "INVALID_STATE_PATH"
	CanonicalUnsupported Code = "CANONICAL_UNSUPPORTED"
)

// Rejection is a Recoverable error: a structured, typed outcome reported to
// the caller. It is never logged as a system failure and never aborts the
// process.
type Rejection struct {
	Code   Code
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// Reject constructs a Rejection with no additional detail.
func Reject(code Code) *Rejection {
	return &Rejection{Code: code}
}

// Rejectf constructs a Rejection with a formatted detail message. The
// message is for diagnostics only; callers should branch on Code, never on
// Detail.
func Rejectf(code Code, format string, args ...interface{}) *Rejection {
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Fatal is raised when the log can no longer be trusted as ground truth: an
// invariant violation detected at startup or during append (I1-I4), a
// storage ownership violation, or a missing Supervisor public key in
// production mode. A Fatal is never silently recovered.
type Fatal struct {
	Reason string
	Err    error
}

func (f *Fatal) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	}
	return f.Reason
}

func (f *Fatal) Unwrap() error { return f.Err }

// Exit logs a Fatal as a diagnostic and terminates the process with a
// non-zero status. It must be the only path by which a Fatal condition ends
// a process run — integrity violations are never swallowed or retried.
func Exit(f *Fatal) {
	slog.Error("fatal: refusing to serve", "reason", f.Reason, "error", f.Err)
	os.Exit(1)
}
