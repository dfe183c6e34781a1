// Package gate implements the inbound authentication gate. Every
// externally-sourced payload must carry an HMAC-SHA256 signature over
// its raw bytes; unsigned or mismatched input is rejected before it can
// reach the ledger, and the rejected payload itself is never logged.
//
// Idempotency is not enforced here: the ledger's event_id primary key is
// the single source of truth for duplicate suppression.
package gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotAuthenticated is returned for any payload whose signature does
// not verify. The gate fails closed: there is no unauthenticated path.
var ErrNotAuthenticated = errors.New("gate: payload signature rejected")

// RejectionRecorder receives metadata about rejected payloads. The raw
// payload is deliberately absent; only its size and digest are exposed.
type RejectionRecorder interface {
	RecordRejection(payloadSize int, payloadDigest string, reason string)
}

// Gate verifies HMAC-SHA256 signatures with a shared secret.
type Gate struct {
	secret   []byte
	recorder RejectionRecorder
}

// New creates a Gate. The secret must be non-empty; a gate with no
// secret would silently accept forged input.
func New(secret []byte) (*Gate, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("gate: shared secret must not be empty")
	}
	return &Gate{secret: secret}, nil
}

// WithRecorder attaches a rejection recorder (audit log).
func (g *Gate) WithRecorder(r RejectionRecorder) *Gate {
	g.recorder = r
	return g
}

// Admit verifies signatureHex against HMAC-SHA256(secret, rawPayload)
// using a constant-time comparison. On success the raw payload is
// returned for downstream processing; on failure only
// ErrNotAuthenticated escapes.
func (g *Gate) Admit(rawPayload []byte, signatureHex string) ([]byte, error) {
	provided, err := hex.DecodeString(signatureHex)
	if err != nil || len(provided) == 0 {
		g.reject(rawPayload, "signature missing or not hex")
		return nil, ErrNotAuthenticated
	}

	mac := hmac.New(sha256.New, g.secret)
	_, _ = mac.Write(rawPayload)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, provided) {
		g.reject(rawPayload, "signature mismatch")
		return nil, ErrNotAuthenticated
	}

	return rawPayload, nil
}

// Sign computes the hex HMAC-SHA256 signature for a payload. Used by
// trusted internal callers (kill switch, tests, outbound clients).
func (g *Gate) Sign(rawPayload []byte) string {
	mac := hmac.New(sha256.New, g.secret)
	_, _ = mac.Write(rawPayload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *Gate) reject(rawPayload []byte, reason string) {
	if g.recorder == nil {
		return
	}
	digest := sha256.Sum256(rawPayload)
	g.recorder.RecordRejection(len(rawPayload), hex.EncodeToString(digest[:]), reason)
}
