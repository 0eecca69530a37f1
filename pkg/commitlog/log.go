package commitlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zos-labs/zos/core/pkg/canonicalize"
)

var (
	// ErrCommitNotFound is returned for out-of-range commit IDs.
	ErrCommitNotFound = errors.New("commit not found")
	// ErrChainBroken is returned by Verify when the hash chain does
	// not reproduce.
	ErrChainBroken = errors.New("commit hash chain broken")
)

// Log is an append-only, totally ordered commit sequence. Append assigns
// the commit ID; IDs start at 1 and never repeat.
type Log interface {
	// Append adds a commit, assigns its ID, and returns it.
	Append(ctx context.Context, c *Commit) (uint64, error)

	// Get retrieves a commit by ID.
	Get(ctx context.Context, id uint64) (*Commit, error)

	// Range returns commits with IDs in [start, end].
	Range(ctx context.Context, start, end uint64) ([]*Commit, error)

	// Len returns the number of committed records.
	Len() uint64

	// ChainHash returns the cumulative hash over all commits.
	ChainHash() string
}

// MemoryLog is the in-memory Log used by live kernels and by replay.
// Each appended commit extends a SHA-256 chain over its canonical
// encoding, so tampering anywhere is detectable by Verify.
type MemoryLog struct {
	mu      sync.RWMutex
	commits []*Commit
	chain   string
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func chainStep(prev string, c *Commit) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"commit_id":       c.CommitID,
		"commit_type":     uint8(c.Type),
		"payload_hash":    canonicalize.HashBytes(c.Payload),
		"pre_state_hash":  c.PreState.String(),
		"post_state_hash": c.PostState.String(),
		"previous_hash":   prev,
	})
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, c *Commit) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c.CommitID = uint64(len(l.commits)) + 1
	next, err := chainStep(l.chain, c)
	if err != nil {
		return 0, fmt.Errorf("commitlog: chain hash: %w", err)
	}
	l.chain = next
	l.commits = append(l.commits, c)
	return c.CommitID, nil
}

// Get implements Log.
func (l *MemoryLog) Get(ctx context.Context, id uint64) (*Commit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if id == 0 || id > uint64(len(l.commits)) {
		return nil, ErrCommitNotFound
	}
	return l.commits[id-1], nil
}

// Range implements Log.
func (l *MemoryLog) Range(ctx context.Context, start, end uint64) ([]*Commit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if start == 0 || start > end {
		return nil, fmt.Errorf("commitlog: invalid range [%d, %d]", start, end)
	}
	max := uint64(len(l.commits))
	if start > max {
		return nil, nil
	}
	if end > max {
		end = max
	}
	out := make([]*Commit, end-start+1)
	copy(out, l.commits[start-1:end])
	return out, nil
}

// Len implements Log.
func (l *MemoryLog) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.commits))
}

// ChainHash implements Log.
func (l *MemoryLog) ChainHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain
}

// Verify recomputes the hash chain and reports the first commit at which
// it breaks.
func (l *MemoryLog) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain := ""
	for _, c := range l.commits {
		next, err := chainStep(chain, c)
		if err != nil {
			return err
		}
		chain = next
	}
	if chain != l.chain {
		return ErrChainBroken
	}
	return nil
}

// All returns a copy of the full commit sequence.
func (l *MemoryLog) All() []*Commit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Commit, len(l.commits))
	copy(out, l.commits)
	return out
}
