package crypto

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestEngine(t *testing.T, alg Algorithm) (*Engine, *clock.Mock) {
	t.Helper()

	pair, err := GenerateKeyPair(alg)
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))

	engine, err := NewEngine(alg, pair.PrivateKey, WithClock(mock))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine, mock
}

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmEd25519, AlgorithmRSA} {
		t.Run(string(alg), func(t *testing.T) {
			engine, _ := newTestEngine(t, alg)

			payload := []byte("hello federation")
			sig, err := engine.Sign(payload)
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}

			result := Verify(payload, sig, engine.PublicKey(), alg)
			if !result.Valid() {
				t.Errorf("Expected valid signature, got %v (%s)", result.Status, result.Reason)
			}
		})
	}
}

func TestVerifyWrongKey(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmEd25519, AlgorithmRSA} {
		t.Run(string(alg), func(t *testing.T) {
			signer, _ := newTestEngine(t, alg)
			other, _ := newTestEngine(t, alg)

			payload := []byte("payload")
			sig, err := signer.Sign(payload)
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}

			result := Verify(payload, sig, other.PublicKey(), alg)
			if result.Status != VerifyInvalid {
				t.Errorf("Expected VerifyInvalid with wrong key, got %v", result.Status)
			}
		})
	}
}

func TestVerifyMalformedInputs(t *testing.T) {
	engine, _ := newTestEngine(t, AlgorithmEd25519)
	payload := []byte("payload")
	sig, _ := engine.Sign(payload)

	cases := []struct {
		name      string
		signature string
		publicKey string
	}{
		{"bad signature encoding", "not-base64!!!", engine.PublicKey()},
		{"bad key encoding", sig, "not-base64!!!"},
		{"garbage key", sig, "YWJjZGVm"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := Verify(payload, tc.signature, tc.publicKey, AlgorithmEd25519)
			if result.Status != VerifyInvalid {
				t.Errorf("Expected VerifyInvalid, got %v (%s)", result.Status, result.Reason)
			}
		})
	}
}

func TestVerifyUnsupportedAlgorithm(t *testing.T) {
	result := Verify([]byte("x"), "sig", "key", Algorithm("DSA"))
	if result.Status != VerifyError {
		t.Errorf("Expected VerifyError for unsupported algorithm, got %v", result.Status)
	}
}

func TestGenerateKeyPairUnsupported(t *testing.T) {
	_, err := GenerateKeyPair(Algorithm("DSA"))
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("Expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestSignWithoutKey(t *testing.T) {
	engine, err := NewEngine(AlgorithmEd25519, "")
	if err != nil {
		t.Fatalf("Failed to create verify-only engine: %v", err)
	}
	if _, err := engine.Sign([]byte("x")); !errors.Is(err, ErrNoSigningKey) {
		t.Errorf("Expected ErrNoSigningKey, got %v", err)
	}
}

func TestEngineRejectsMismatchedKey(t *testing.T) {
	pair, err := GenerateKeyPair(AlgorithmEd25519)
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	if _, err := NewEngine(AlgorithmRSA, pair.PrivateKey); err == nil {
		t.Error("Expected error for Ed25519 key with RSA algorithm")
	}
}

func TestFederationMessageRoundTrip(t *testing.T) {
	engine, mock := newTestEngine(t, AlgorithmEd25519)

	nonce := "a2b8f0c1-8a14-4e63-9d7e-1f2a3b4c5d6e"
	now := mock.Now().Unix()

	sig, err := engine.SignFederationMessage("payload", nonce, now)
	if err != nil {
		t.Fatalf("SignFederationMessage failed: %v", err)
	}

	result := engine.VerifyFederationMessage("payload", sig, nonce, now, engine.PublicKey(), 0)
	if !result.Valid() {
		t.Errorf("Expected valid message, got %v (%s)", result.Status, result.Reason)
	}
}

func TestFederationMessageFreshness(t *testing.T) {
	engine, mock := newTestEngine(t, AlgorithmEd25519)
	now := mock.Now().Unix()
	nonce := "a2b8f0c1-8a14-4e63-9d7e-1f2a3b4c5d6e"

	cases := []struct {
		name       string
		timestamp  int64
		wantValid  bool
		wantReason string
	}{
		{"current", now, true, ""},
		{"just inside window", now - DefaultMaxMessageAge, true, ""},
		{"too old", now - DefaultMaxMessageAge - 1, false, "too old"},
		{"slightly future", now + 59, true, ""},
		{"too far future", now + 61, false, "future"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := engine.SignFederationMessage("payload", nonce, tc.timestamp)
			if err != nil {
				t.Fatalf("SignFederationMessage failed: %v", err)
			}

			result := engine.VerifyFederationMessage("payload", sig, nonce, tc.timestamp, engine.PublicKey(), 0)
			if tc.wantValid != result.Valid() {
				t.Fatalf("timestamp %d: expected valid=%v, got %v (%s)",
					tc.timestamp, tc.wantValid, result.Status, result.Reason)
			}
			if !tc.wantValid {
				if result.Status != VerifyInvalid {
					t.Errorf("Freshness rejection must be VerifyInvalid, got %v", result.Status)
				}
				if !strings.Contains(result.Reason, tc.wantReason) {
					t.Errorf("Expected reason containing %q, got %q", tc.wantReason, result.Reason)
				}
			}
		})
	}
}

func TestFederationMessageTamperRejected(t *testing.T) {
	engine, mock := newTestEngine(t, AlgorithmEd25519)
	now := mock.Now().Unix()
	nonce := "a2b8f0c1-8a14-4e63-9d7e-1f2a3b4c5d6e"

	sig, err := engine.SignFederationMessage("payload", nonce, now)
	if err != nil {
		t.Fatalf("SignFederationMessage failed: %v", err)
	}

	result := engine.VerifyFederationMessage("tampered", sig, nonce, now, engine.PublicKey(), 0)
	if result.Status != VerifyInvalid {
		t.Errorf("Expected VerifyInvalid for tampered payload, got %v", result.Status)
	}
}

func TestNonceWithDelimiterRejected(t *testing.T) {
	engine, mock := newTestEngine(t, AlgorithmEd25519)
	now := mock.Now().Unix()

	if _, err := engine.SignFederationMessage("payload", "evil:nonce", now); err == nil {
		t.Error("Expected error signing with ':' in nonce")
	}

	result := engine.VerifyFederationMessage("payload", "c2ln", "evil:nonce", now, engine.PublicKey(), 0)
	if result.Status != VerifyInvalid {
		t.Errorf("Expected VerifyInvalid for ':' in nonce, got %v", result.Status)
	}
}

func TestCanonicalMessage(t *testing.T) {
	got := CanonicalMessage("payload", "nonce", 1700000000)
	if got != "1700000000:nonce:payload" {
		t.Errorf("Unexpected canonical form: %q", got)
	}
}
