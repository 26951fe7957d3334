// Package audit maintains the tamper-evident audit log: an append-only chain
// of entries where each entry's hash covers the previous entry's hash, so any
// retroactive edit is detectable by Verify.
package audit

import (
	"time"
)

// GenesisHash is the previous hash of the first entry in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one link of the audit chain. Entries are never mutated or deleted.
type Entry struct {
	Sequence     int64     `json:"sequence" cbor:"sequence"`
	Hash         string    `json:"hash" cbor:"hash"`
	PreviousHash string    `json:"previous_hash" cbor:"previous_hash"`
	Payload      []byte    `json:"payload" cbor:"payload"`
	Timestamp    time.Time `json:"timestamp" cbor:"timestamp"`
	Nonce        string    `json:"nonce" cbor:"nonce"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return &c
}

// Record is the structured payload the Recorder appends for a
// security-relevant event.
type Record struct {
	Type      string         `json:"type"`
	Actor     string         `json:"actor,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Outcome   string         `json:"outcome"`
	RequestID string         `json:"request_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Outcomes recorded on a Record.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Record types appended by the engine.
const (
	TypeHighRiskActivity     = "high_risk_activity"
	TypeSessionHijacking     = "potential_session_hijacking"
	TypeSessionTerminated    = "session_terminated"
	TypeClusterRegistered    = "cluster_registered"
	TypeClusterAuthenticated = "cluster_authenticated"
	TypeClusterDisabled      = "cluster_disabled"
	TypeAuditExported        = "audit_exported"
	TypeServiceStarted       = "service_started"
)

// VerifyResult reports the outcome of Verify. FirstViolatingIndex is -1 when OK.
type VerifyResult struct {
	OK                  bool   `json:"ok"`
	FirstViolatingIndex int    `json:"first_violating_index"`
	Reason              string `json:"reason,omitempty"`
	Entries             int    `json:"entries"`
}
