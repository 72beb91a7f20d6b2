package auth_test

import (
	"testing"

	"github.com/smpbroker/broker/internal/auth"
)

func TestStubVerifierUnkeyedRequiresEmptySignature(t *testing.T) {
	if !auth.StubVerifier(nil, []byte("anything"), nil) {
		t.Fatalf("unkeyed + empty signature rejected")
	}
	if auth.StubVerifier(nil, []byte("anything"), []byte("sig")) {
		t.Fatalf("unkeyed + non-empty signature accepted")
	}
}

func TestStubVerifierKeyedComparesSignatureToKey(t *testing.T) {
	key := []byte("public-key")
	if !auth.StubVerifier(key, []byte("signed"), key) {
		t.Fatalf("matching signature/key rejected")
	}
	if auth.StubVerifier(key, []byte("signed"), []byte("wrong")) {
		t.Fatalf("mismatched signature/key accepted")
	}
	if auth.StubVerifier(key, []byte("signed"), nil) {
		t.Fatalf("empty signature against a set key accepted")
	}
}
