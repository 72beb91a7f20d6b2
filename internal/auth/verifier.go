// Package auth defines the broker's pluggable signature verification
// boundary: the one seam between wire bytes and the spec's Non-goal of
// specifying any particular signature scheme.
//
// Grounded on the teacher's handler-as-function-value idiom (callbacks
// wired into internal/shared/handlers_ws.go of the reference tree)
// rather than an interface with a single method, since the broker never
// needs more than one implementation resident at a time.
package auth

import "bytes"

// Verifier checks that signature authenticates signed (the framing
// layer's canonical encoding of (connId, cmd), see transport.SignedBytes)
// against key. The dispatcher never special-cases which command is being
// verified; it always routes through this one func type.
//
// A nil Verifier is never passed to the broker; StubVerifier documents
// the Non-goal stub explicitly instead.
type Verifier func(key []byte, signed []byte, signature []byte) bool

// StubVerifier implements the reference broker's documented stand-in for
// real cryptographic verification (§9 open question): it compares the
// signature bytes directly against the stored public-key bytes rather
// than checking any actual signature over signed. An unkeyed connection
// (key empty) accepts only an empty signature. Production deployments
// must supply a real Verifier (e.g. Ed25519 over signed) at broker
// construction; signature scheme selection is explicitly out of scope
// for this core.
func StubVerifier(key []byte, signed []byte, signature []byte) bool {
	if len(key) == 0 {
		return len(signature) == 0
	}
	return bytes.Equal(signature, key)
}
