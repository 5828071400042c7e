// Package crypto implements authenticated, replay-resistant message
// signing between federated instances. Messages are signed over the
// canonical form "{timestamp}:{nonce}:{payload}"; the embedded nonce and
// timestamp give replay protection bounded by a freshness window, so a
// receiver needs no persistent nonce tracking. Nonces are constrained to
// UUIDs so the unescaped ':' delimiters stay unambiguous.
package crypto

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// Algorithm identifies the signature scheme used on the wire.
type Algorithm string

const (
	AlgorithmEd25519 Algorithm = "Ed25519"
	AlgorithmRSA     Algorithm = "SHA256withRSA"
)

const (
	// DefaultMaxMessageAge is the freshness window for signed messages.
	DefaultMaxMessageAge = 300 // seconds

	// maxClockSkew bounds how far in the future a message timestamp may be.
	maxClockSkew = 60 // seconds

	rsaKeyBits = 2048
)

// ErrUnsupportedAlgorithm is returned for any algorithm other than
// Ed25519 or SHA256withRSA.
var ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")

// ErrNoSigningKey is returned when signing is requested but no private
// key material is loaded.
var ErrNoSigningKey = errors.New("no signing key loaded")

// KeyPair holds base64-encoded DER key material (PKIX public key,
// PKCS#8 private key).
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

// GenerateKeyPair produces a key pair for the given algorithm.
func GenerateKeyPair(alg Algorithm) (*KeyPair, error) {
	var pub crypto.PublicKey
	var priv crypto.PrivateKey
	var err error

	switch alg {
	case AlgorithmEd25519:
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
	case AlgorithmRSA:
		var key *rsa.PrivateKey
		key, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if key != nil {
			pub, priv = &key.PublicKey, key
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key pair: %w", alg, err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	return &KeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(pubDER),
		PrivateKey: base64.StdEncoding.EncodeToString(privDER),
	}, nil
}

// VerifyStatus classifies the outcome of a verification.
type VerifyStatus int

const (
	// VerifyValid means the signature checked out.
	VerifyValid VerifyStatus = iota
	// VerifyInvalid is a security-relevant rejection: malformed encoding,
	// key/signature mismatch, or a stale/future timestamp.
	VerifyInvalid
	// VerifyError is an operational fault (unsupported algorithm or other
	// unexpected runtime failure), never proof of forgery.
	VerifyError
)

// VerifyResult carries the classification and a human-readable reason
// for anything other than VerifyValid.
type VerifyResult struct {
	Status VerifyStatus
	Reason string
}

func valid() VerifyResult                { return VerifyResult{Status: VerifyValid} }
func invalid(reason string) VerifyResult { return VerifyResult{Status: VerifyInvalid, Reason: reason} }
func verifyErr(reason string) VerifyResult {
	return VerifyResult{Status: VerifyError, Reason: reason}
}

// Valid reports whether the result is VerifyValid.
func (r VerifyResult) Valid() bool { return r.Status == VerifyValid }

// Engine signs and verifies federation messages for one local instance.
// Construct it explicitly and inject it; it holds the only copy of the
// private key and the key never leaves the process.
type Engine struct {
	algorithm Algorithm
	signer    crypto.Signer
	publicKey string
	clock     clock.Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock substitutes the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates an engine from a base64 PKCS#8 private key. An empty
// key yields an engine that can verify but not sign.
func NewEngine(alg Algorithm, privateKey string, opts ...Option) (*Engine, error) {
	if alg != AlgorithmEd25519 && alg != AlgorithmRSA {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}

	e := &Engine{
		algorithm: alg,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if privateKey == "" {
		return e, nil
	}

	der, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key type %T cannot sign", parsed)
	}
	switch signer.(type) {
	case ed25519.PrivateKey:
		if alg != AlgorithmEd25519 {
			return nil, fmt.Errorf("key is Ed25519 but algorithm is %s", alg)
		}
	case *rsa.PrivateKey:
		if alg != AlgorithmRSA {
			return nil, fmt.Errorf("key is RSA but algorithm is %s", alg)
		}
	default:
		return nil, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, parsed)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}

	e.signer = signer
	e.publicKey = base64.StdEncoding.EncodeToString(pubDER)
	return e, nil
}

// Algorithm returns the engine's configured signature scheme.
func (e *Engine) Algorithm() Algorithm { return e.algorithm }

// PublicKey returns the base64 PKIX public key, or "" when no key is
// loaded.
func (e *Engine) PublicKey() string { return e.publicKey }

// Sign signs raw bytes with the local private key and returns the base64
// signature. Fails with ErrNoSigningKey when no key material is loaded.
func (e *Engine) Sign(payload []byte) (string, error) {
	if e.signer == nil {
		return "", ErrNoSigningKey
	}

	var sig []byte
	var err error
	switch key := e.signer.(type) {
	case ed25519.PrivateKey:
		sig = ed25519.Sign(key, payload)
	case *rsa.PrivateKey:
		digest := sha256.Sum256(payload)
		sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	}
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over raw bytes against a base64 PKIX
// public key. Malformed encodings and cryptographic mismatches both come
// back VerifyInvalid; only operational faults are VerifyError.
func Verify(payload []byte, signature, publicKey string, alg Algorithm) VerifyResult {
	if alg != AlgorithmEd25519 && alg != AlgorithmRSA {
		return verifyErr(fmt.Sprintf("unsupported algorithm %q", alg))
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return invalid("malformed signature encoding")
	}
	keyDER, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return invalid("malformed public key encoding")
	}
	parsed, err := x509.ParsePKIXPublicKey(keyDER)
	if err != nil {
		return invalid("malformed public key")
	}

	switch key := parsed.(type) {
	case ed25519.PublicKey:
		if alg != AlgorithmEd25519 {
			return invalid("key does not match algorithm")
		}
		if !ed25519.Verify(key, payload, sig) {
			return invalid("signature mismatch")
		}
	case *rsa.PublicKey:
		if alg != AlgorithmRSA {
			return invalid("key does not match algorithm")
		}
		digest := sha256.Sum256(payload)
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
			return invalid("signature mismatch")
		}
	default:
		return invalid(fmt.Sprintf("unsupported key type %T", parsed))
	}

	return valid()
}

// CanonicalMessage builds the deterministic signing input. Nonce must not
// contain ':' or two distinct messages could canonicalize identically.
func CanonicalMessage(payload, nonce string, timestamp int64) string {
	return fmt.Sprintf("%d:%s:%s", timestamp, nonce, payload)
}

// SignFederationMessage signs the canonical form of (payload, nonce,
// timestamp) and returns the base64 signature.
func (e *Engine) SignFederationMessage(payload, nonce string, timestamp int64) (string, error) {
	if strings.Contains(nonce, ":") {
		return "", fmt.Errorf("nonce must not contain ':'")
	}
	return e.Sign([]byte(CanonicalMessage(payload, nonce, timestamp)))
}

// VerifyFederationMessage rebuilds the canonical form and verifies it
// with the engine's algorithm, enforcing freshness first: messages older
// than maxAgeSeconds or more than a minute in the future are rejected as
// invalid. A maxAgeSeconds of zero applies DefaultMaxMessageAge.
func (e *Engine) VerifyFederationMessage(payload, signature, nonce string, timestamp int64, publicKey string, maxAgeSeconds int64) VerifyResult {
	return VerifyFederationMessageAt(e.clock.Now(), payload, signature, nonce, timestamp, publicKey, e.algorithm, maxAgeSeconds)
}

// VerifyFederationMessageAt is VerifyFederationMessage with an explicit
// reference time and algorithm, for callers verifying envelopes signed by
// peers with a different configured scheme.
func VerifyFederationMessageAt(now time.Time, payload, signature, nonce string, timestamp int64, publicKey string, alg Algorithm, maxAgeSeconds int64) VerifyResult {
	if maxAgeSeconds <= 0 {
		maxAgeSeconds = DefaultMaxMessageAge
	}
	if strings.Contains(nonce, ":") {
		return invalid("malformed nonce")
	}

	nowSec := now.Unix()
	if timestamp < nowSec-maxAgeSeconds {
		return invalid("message too old")
	}
	if timestamp > nowSec+maxClockSkew {
		return invalid("message timestamp from future")
	}

	return Verify([]byte(CanonicalMessage(payload, nonce, timestamp)), signature, publicKey, alg)
}
