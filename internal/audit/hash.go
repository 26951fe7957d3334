package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// hashInput is the canonical structure an entry hash is computed over.
type hashInput struct {
	Payload      []byte `cbor:"payload"`
	PreviousHash string `cbor:"previous_hash"`
	Timestamp    string `cbor:"timestamp"`
	Nonce        string `cbor:"nonce"`
}

// Core Deterministic Encoding gives one byte representation per input.
var hashEncMode = mustEncMode(cbor.CoreDetEncOptions())

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("invalid CBOR encoding options: %v", err))
	}
	return em
}

// ComputeHash returns the hex SHA-256 digest of the canonical CBOR encoding of
// (payload, previousHash, timestamp, nonce). The timestamp is normalized to
// UTC RFC 3339 with nanoseconds.
func ComputeHash(payload []byte, previousHash string, timestamp time.Time, nonce string) (string, error) {
	data, err := hashEncMode.Marshal(hashInput{
		Payload:      payload,
		PreviousHash: previousHash,
		Timestamp:    timestamp.UTC().Format(time.RFC3339Nano),
		Nonce:        nonce,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode hash input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// newNonce returns 16 random bytes, hex encoded.
func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Verify walks entries in order. Each entry must link to the expected previous
// hash (GenesisHash for the first), carry a hash matching its contents, and
// have a strictly increasing sequence. The index of the first entry breaking
// any rule is reported.
func Verify(entries []*Entry) VerifyResult {
	expected := GenesisHash
	var lastSeq int64
	for i, e := range entries {
		if e.PreviousHash != expected {
			return violation(i, len(entries), "previous hash mismatch")
		}
		if i > 0 && e.Sequence <= lastSeq {
			return violation(i, len(entries), "sequence not increasing")
		}
		sum, err := ComputeHash(e.Payload, e.PreviousHash, e.Timestamp, e.Nonce)
		if err != nil || sum != e.Hash {
			return violation(i, len(entries), "hash mismatch")
		}
		expected = e.Hash
		lastSeq = e.Sequence
	}
	return VerifyResult{OK: true, FirstViolatingIndex: -1, Entries: len(entries)}
}

func violation(i, n int, reason string) VerifyResult {
	return VerifyResult{OK: false, FirstViolatingIndex: i, Reason: reason, Entries: n}
}
