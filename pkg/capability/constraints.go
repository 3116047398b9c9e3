package capability

import (
	"github.com/talosprotocol/talos-governance-agent/pkg/canonicalize"
	"github.com/talosprotocol/talos-governance-agent/pkg/tgaerr"
)

// recognizedConstraintKeys is the closed set of constraint keys this
// verifier understands. Any other key present on a token is fail-closed:
// UNAUTHORIZED / UNKNOWN_CONSTRAINT.
var recognizedConstraintKeys = map[string]bool{
	"read_only":        true,
	"max_input_bytes":  true,
	"allow_input_keys": true,
	"deny_input_keys":  true,
	"one_shot":         true,
}

// evaluateConstraints decodes and checks every constraint on the token
// against the request context. It fails closed on the first unmet or
// unrecognized constraint.
func evaluateConstraints(raw map[string]interface{}, req RequestContext) (*Constraints, *tgaerr.Rejection) {
	for key := range raw {
		if !recognizedConstraintKeys[key] {
			return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "UNKNOWN_CONSTRAINT: %s", key)
		}
	}

	out := &Constraints{}

	if v, ok := raw["read_only"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "UNKNOWN_CONSTRAINT: read_only must be bool")
		}
		out.ReadOnly = &b
		if b && !req.ReadOnly {
			return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "read_only constraint violated")
		}
	}

	if v, ok := raw["max_input_bytes"]; ok {
		n, ok := asInt64(v)
		if !ok {
			return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "UNKNOWN_CONSTRAINT: max_input_bytes must be an integer")
		}
		out.MaxInputBytes = &n
		size, err := canonicalizedSize(req.Input)
		if err != nil {
			return nil, tgaerr.Rejectf(tgaerr.CanonicalUnsupported, "%v", err)
		}
		if size > n {
			return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "max_input_bytes constraint violated: %d > %d", size, n)
		}
	}

	if v, ok := raw["allow_input_keys"]; ok {
		allowed, ok := asStringSlice(v)
		if !ok {
			return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "UNKNOWN_CONSTRAINT: allow_input_keys must be a string array")
		}
		out.AllowInputKeys = allowed
		allowSet := make(map[string]bool, len(allowed))
		for _, k := range allowed {
			allowSet[k] = true
		}
		for _, k := range req.InputKeys {
			if !allowSet[k] {
				return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "allow_input_keys constraint violated: %s not allowed", k)
			}
		}
	}

	if v, ok := raw["deny_input_keys"]; ok {
		denied, ok := asStringSlice(v)
		if !ok {
			return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "UNKNOWN_CONSTRAINT: deny_input_keys must be a string array")
		}
		out.DenyInputKeys = denied
		denySet := make(map[string]bool, len(denied))
		for _, k := range denied {
			denySet[k] = true
		}
		for _, k := range req.InputKeys {
			if denySet[k] {
				return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "deny_input_keys constraint violated: %s denied", k)
			}
		}
	}

	if v, ok := raw["one_shot"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, tgaerr.Rejectf(tgaerr.Unauthorized, "UNKNOWN_CONSTRAINT: one_shot must be bool")
		}
		out.OneShot = b
	}

	return out, nil
}

func canonicalizedSize(input interface{}) (int64, error) {
	if input == nil {
		return 0, nil
	}
	b, err := canonicalize.JCS(input)
	if err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	default:
		return 0, false
	}
}

func asStringSlice(v interface{}) ([]string, bool) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, elem := range arr {
		s, ok := elem.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
