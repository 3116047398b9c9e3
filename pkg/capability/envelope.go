// Package capability parses and verifies capability tokens: detached
// three-segment Ed25519-signed envelopes that authorize one agent to
// invoke one tool under a bounded set of constraints. Verification runs
// the seven checks spec.md §4.4 requires, in order, first-failure-wins,
// and is fail-closed on anything it does not recognize.
package capability

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema is the structural shape of the outer header/payload JSON
// before any field is trusted — presence and type only. Semantic checks
// (signature, audience, temporal window, constraints) happen afterward.
const envelopeSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"header": {
			"type": "object",
			"properties": {
				"alg": {"type": "string"},
				"typ": {"type": "string"}
			},
			"required": ["alg", "typ"]
		},
		"payload": {
			"type": "object",
			"properties": {
				"capability_id": {"type": "string"},
				"issued_at": {"type": "integer"},
				"expires_at": {"type": "integer"},
				"audience": {"type": "string"},
				"subject": {"type": "string"},
				"tool": {"type": "string"},
				"constraints": {"type": "object"},
				"nonce": {"type": "string"}
			},
			"required": ["capability_id", "issued_at", "expires_at", "audience", "subject", "tool", "nonce"]
		}
	},
	"required": ["header", "payload"]
}`

const envelopeSchemaURL = "https://talosprotocol.local/schemas/capability-envelope.schema.json"

var envelopeSchema = mustCompileEnvelopeSchema()

func mustCompileEnvelopeSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(envelopeSchemaURL, strings.NewReader(envelopeSchemaJSON)); err != nil {
		panic("capability: invalid embedded envelope schema: " + err.Error())
	}
	compiled, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		panic("capability: envelope schema failed to compile: " + err.Error())
	}
	return compiled
}

// Header is the unsigned envelope header. alg must be exactly "Ed25519";
// any other value, including case variations or aliases, is rejected
// before a signature is ever checked.
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Payload is the signed capability body.
type Payload struct {
	CapabilityID string                 `json:"capability_id"`
	IssuedAt     int64                  `json:"issued_at"`
	ExpiresAt    int64                  `json:"expires_at"`
	Audience     string                 `json:"audience"`
	Subject      string                 `json:"subject"`
	Tool         string                 `json:"tool"`
	Constraints  map[string]interface{} `json:"constraints"`
	Nonce        string                 `json:"nonce"`
}

// parsedEnvelope is the result of a successful structural parse: the
// decoded header and payload, plus the raw bytes needed to recompute the
// signing input and the capability hash.
type parsedEnvelope struct {
	Header        Header
	Payload       Payload
	PayloadGeneric interface{}
	SigningInput  []byte // segment0 + "." + segment1, exactly as transmitted
	Signature     []byte
}

// parseEnvelope performs the structural parse: three dot-separated
// segments, each valid base64url, header and payload each valid JSON
// matching the envelope shape, and alg exactly "Ed25519". It never
// inspects a signature.
func parseEnvelope(token []byte) (*parsedEnvelope, error) {
	segments := strings.Split(string(token), ".")
	if len(segments) != 3 {
		return nil, errMalformed("expected 3 dot-separated segments, got %d", len(segments))
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return nil, errMalformed("invalid base64url header: %v", err)
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return nil, errMalformed("invalid base64url payload: %v", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return nil, errMalformed("invalid base64url signature: %v", err)
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, errMalformed("invalid header JSON: %v", err)
	}
	var payload Payload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, errMalformed("invalid payload JSON: %v", err)
	}

	var generic interface{}
	if err := json.Unmarshal([]byte(`{"header":`+string(headerBytes)+`,"payload":`+string(payloadBytes)+`}`), &generic); err != nil {
		return nil, errMalformed("invalid envelope JSON: %v", err)
	}
	if err := envelopeSchema.Validate(generic); err != nil {
		return nil, errMalformed("envelope failed structural validation: %v", err)
	}

	// alg substitution is never tolerated: exact, case-sensitive match only.
	if header.Alg != "Ed25519" {
		return nil, errMalformed("unsupported alg %q", header.Alg)
	}

	var payloadGeneric interface{}
	if err := json.Unmarshal(payloadBytes, &payloadGeneric); err != nil {
		return nil, errMalformed("invalid payload JSON: %v", err)
	}

	return &parsedEnvelope{
		Header:         header,
		Payload:        payload,
		PayloadGeneric: payloadGeneric,
		SigningInput:   []byte(segments[0] + "." + segments[1]),
		Signature:      sig,
	}, nil
}
