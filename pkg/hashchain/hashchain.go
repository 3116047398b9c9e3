// Package hashchain computes and verifies the tamper-evident hash chain
// that links every execution record to its predecessor (I2/I3). A record's
// hash binds prev_hash, sequence, trace_id, state, capability_hash,
// input_hash, output_hash, created_at, monotonic_nanos and reason under
// one canonical encoding; verification re-walks a sequence of records and
// reports the first point of divergence rather than merely a pass/fail
// verdict.
package hashchain

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/talosprotocol/talos-governance-agent/pkg/canonicalize"
)

// Hash is a raw SHA-256 digest. The zero value is the all-zero sentinel
// used as prev_hash for sequence 1 and as capability_hash on
// pre-authorization records.
type Hash [32]byte

// ZeroHash is the 32 zero byte sentinel.
var ZeroHash = Hash{}

// EncodeHash renders a digest as base64url without padding, the external
// wire form used wherever a hash crosses a process or storage boundary.
func EncodeHash(h Hash) string {
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// DecodeHash parses the base64url (no padding) form back into a Hash.
func DecodeHash(s string) (Hash, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("hashchain: invalid hash encoding: %w", err)
	}
	if len(b) != len(Hash{}) {
		return Hash{}, fmt.Errorf("hashchain: hash has wrong length %d", len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// Digest returns the SHA-256 digest of the canonical encoding of value.
func Digest(value interface{}) (Hash, error) {
	canon, err := canonicalize.JCS(value)
	if err != nil {
		return Hash{}, err
	}
	return canonicalize.HashBytesRaw(canon), nil
}

// Fields carries the fields of an execution record needed to compute its
// record_hash, excluding prev_hash (passed separately to Link) and
// record_hash itself (the value being computed).
type Fields struct {
	Sequence       uint64
	TraceID        string
	State          string
	CapabilityHash Hash
	// InputHash is nil until the record reaches AUTHORIZED.
	InputHash *Hash
	// OutputHash is nil until the record reaches COMPLETED.
	OutputHash *Hash
	// CreatedAt is the wall-clock timestamp in nanoseconds since epoch, as
	// supplied by the caller (and so the one subject to system clock
	// adjustments and, in tests, to synthetic values).
	CreatedAt int64
	// MonotonicNanos is nanoseconds elapsed since the owning StateMachine
	// started, read from the runtime's monotonic clock. Unlike CreatedAt it
	// can never run backwards within one process's lifetime, even across a
	// wall-clock adjustment. It is persisted and bound into record_hash
	// alongside CreatedAt; nothing in this package compares the two.
	MonotonicNanos int64
	Reason         string
}

// Record is a persisted execution record, a Fields plus its chain linkage.
type Record struct {
	Fields
	PrevHash   Hash
	RecordHash Hash
}

// Link computes record_hash per (I2): SHA-256 over the canonicalization of
// prev_hash, sequence, trace_id, state, capability_hash, input_hash,
// output_hash, created_at, monotonic_nanos and reason.
func Link(prevHash Hash, f Fields) (Hash, error) {
	canon, err := canonicalize.JCS(canonicalFields(prevHash, f))
	if err != nil {
		return Hash{}, err
	}
	return sha256.Sum256(canon), nil
}

func canonicalFields(prevHash Hash, f Fields) map[string]interface{} {
	return map[string]interface{}{
		"prev_hash":       EncodeHash(prevHash),
		"sequence":        int64(f.Sequence),
		"trace_id":        f.TraceID,
		"state":           f.State,
		"capability_hash": EncodeHash(f.CapabilityHash),
		"input_hash":      hashOrNull(f.InputHash),
		"output_hash":     hashOrNull(f.OutputHash),
		"created_at":      f.CreatedAt,
		"monotonic_nanos": f.MonotonicNanos,
		"reason":          f.Reason,
	}
}

func hashOrNull(h *Hash) interface{} {
	if h == nil {
		return nil
	}
	return EncodeHash(*h)
}

// Kind enumerates the ways HashChain.verify can detect a broken chain.
type Kind string

const (
	HashMismatch     Kind = "HASH_MISMATCH"
	SequenceGap      Kind = "SEQUENCE_GAP"
	PrevLinkMismatch Kind = "PREV_LINK_MISMATCH"
)

// BrokenAt reports the first point at which a record sequence fails to
// verify. A nil *BrokenAt from Verify means the chain is intact (Ok).
type BrokenAt struct {
	Sequence uint64
	Kind     Kind
}

func (b *BrokenAt) Error() string {
	return fmt.Sprintf("hashchain: broken at sequence %d: %s", b.Sequence, b.Kind)
}

// ErrEmptyChain is returned by Verify when given zero records; callers
// should treat it as a usage error rather than a corruption finding.
var ErrEmptyChain = errors.New("hashchain: empty record sequence")

// Verify re-walks records in ascending sequence order, checking (I1) the
// sequence is gap-free from 1, (I3) each prev_hash matches the predecessor's
// record_hash, and (I2) each record_hash is reproducible from its fields.
// It returns the first divergence found, or nil if the chain is intact.
func Verify(records []Record) (*BrokenAt, error) {
	if len(records) == 0 {
		return nil, ErrEmptyChain
	}

	var prevHash Hash
	for i, r := range records {
		wantSeq := uint64(i + 1)
		if r.Sequence != wantSeq {
			return &BrokenAt{Sequence: r.Sequence, Kind: SequenceGap}, nil
		}

		if i == 0 {
			if r.PrevHash != ZeroHash {
				return &BrokenAt{Sequence: r.Sequence, Kind: PrevLinkMismatch}, nil
			}
		} else if r.PrevHash != prevHash {
			return &BrokenAt{Sequence: r.Sequence, Kind: PrevLinkMismatch}, nil
		}

		computed, err := Link(r.PrevHash, r.Fields)
		if err != nil {
			return nil, fmt.Errorf("hashchain: recompute at sequence %d: %w", r.Sequence, err)
		}
		if computed != r.RecordHash {
			return &BrokenAt{Sequence: r.Sequence, Kind: HashMismatch}, nil
		}

		prevHash = r.RecordHash
	}

	return nil, nil
}
