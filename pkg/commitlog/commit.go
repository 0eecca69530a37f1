// Package commitlog implements the append-only replay tape of the zOS
// kernel: hash-chained commit records, a length-prefixed binary codec
// for export, and in-memory / SQLite / Postgres stores. Only the commit
// log persists across restarts; all other kernel state is reconstructed
// by replay.
package commitlog

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CommitType classifies one atomic step on the replay tape.
type CommitType uint8

const (
	CommitSyscallRequest   CommitType = 1
	CommitSyscallResponse  CommitType = 2
	CommitMessageDelivered CommitType = 3
	CommitCapRevoked       CommitType = 4
	CommitTick             CommitType = 5
)

var commitTypeNames = map[CommitType]string{
	CommitSyscallRequest:   "syscall_request",
	CommitSyscallResponse:  "syscall_response",
	CommitMessageDelivered: "message_delivered",
	CommitCapRevoked:       "cap_revoked",
	CommitTick:             "tick",
}

func (t CommitType) String() string {
	if name, ok := commitTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Hash is a 32-byte state digest, hex-encoded in JSON.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h[:]))
}

// UnmarshalJSON decodes a hex string into the hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("commitlog: bad hash encoding: %w", err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("commitlog: hash length %d, want %d", len(raw), len(h))
	}
	copy(h[:], raw)
	return nil
}

// Commit is one record on the replay tape. CommitIDs are globally
// monotonic starting at 1; Payload is canonical JSON (RFC 8785) so that
// re-recording during replay is byte-identical; PreState/PostState are
// kernel state digests bracketing the step.
type Commit struct {
	CommitID  uint64          `json:"commit_id"`
	Type      CommitType      `json:"commit_type"`
	Payload   json.RawMessage `json:"payload"`
	PreState  Hash            `json:"pre_state_hash"`
	PostState Hash            `json:"post_state_hash"`
}

// Clone returns a deep copy of the commit.
func (c *Commit) Clone() *Commit {
	dup := *c
	dup.Payload = make(json.RawMessage, len(c.Payload))
	copy(dup.Payload, c.Payload)
	return &dup
}
