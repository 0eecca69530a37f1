package kernel

import (
	"sort"

	"github.com/zos-labs/zos/core/pkg/axiom"
	"github.com/zos-labs/zos/core/pkg/canonicalize"
	"github.com/zos-labs/zos/core/pkg/commitlog"
)

// The state hash is BLAKE2b-256 over the RFC 8785 canonical JSON of a
// fully sorted snapshot: processes by PID, endpoints by ID, capability
// spaces by slot, queues in delivery order, then the allocator counters.
// Map iteration order must never leak in, so everything goes through the
// sorted accessors.
//
// Deliberately excluded: the supervisor outbox (off-kernel plumbing, the
// issuing syscall is already on the log), the console sink, and the gate
// check counter (derived, not object state).

type processSnapshot struct {
	PID           ProcessID         `json:"pid"`
	Name          string            `json:"name"`
	State         uint8             `json:"state"`
	Generation    uint32            `json:"generation"`
	Inbox         EndpointID        `json:"inbox"`
	NextRequestID uint32            `json:"next_request_id"`
	NextSlot      uint32            `json:"next_slot"`
	ReplySlot     uint32            `json:"reply_slot"`
	ExitCode      int32             `json:"exit_code"`
	Metrics       ProcMetrics       `json:"metrics"`
	Slots         []axiom.SlotEntry `json:"slots"`
	Tombstones    []uint32          `json:"tombstones,omitempty"`
	Pending       *pendingSend      `json:"pending,omitempty"`
}

type endpointSnapshot struct {
	ID         EndpointID      `json:"id"`
	Owner      ProcessID       `json:"owner"`
	Capacity   int             `json:"capacity"`
	Generation uint32          `json:"generation"`
	Metrics    EndpointMetrics `json:"metrics"`
	Queue      []*Message      `json:"queue"`
	SendWait   []ProcessID     `json:"send_wait,omitempty"`
	RecvWait   []ProcessID     `json:"recv_wait,omitempty"`
}

type genSnapshot struct {
	Type axiom.ObjectType `json:"type"`
	ID   uint64           `json:"id"`
	Gen  uint32           `json:"gen"`
}

type stateSnapshot struct {
	Now            int64              `json:"now"`
	NextPID        uint64             `json:"next_pid"`
	NextEndpointID uint64             `json:"next_endpoint_id"`
	NextCapID      uint64             `json:"next_cap_id"`
	Processes      []processSnapshot  `json:"processes"`
	Endpoints      []endpointSnapshot `json:"endpoints"`
	ExtraGens      []genSnapshot      `json:"extra_gens,omitempty"`
}

// stateHash computes the canonical digest of the whole kernel state.
// Caller holds k.mu.
func (k *Kernel) stateHash() (commitlog.Hash, error) {
	snap := stateSnapshot{
		Now:            k.now,
		NextPID:        k.nextPID,
		NextEndpointID: k.nextEndpointID,
		NextCapID:      k.nextCapID,
	}

	for _, pid := range k.sortedPIDs() {
		p := k.procs[pid]
		snap.Processes = append(snap.Processes, processSnapshot{
			PID:           p.PID,
			Name:          p.Name,
			State:         uint8(p.State),
			Generation:    p.Generation,
			Inbox:         p.Inbox,
			NextRequestID: p.NextRequestID,
			NextSlot:      p.Space.NextSlot(),
			ReplySlot:     p.replySlot,
			ExitCode:      p.exitCode,
			Metrics:       p.Metrics,
			Slots:         p.Space.Snapshot(),
			Tombstones:    p.Space.Tombstones(),
			Pending:       p.pending,
		})
	}

	for _, eid := range k.sortedEndpointIDs() {
		ep := k.endpoints[eid]
		snap.Endpoints = append(snap.Endpoints, endpointSnapshot{
			ID:         ep.ID,
			Owner:      ep.Owner,
			Capacity:   ep.Capacity,
			Generation: ep.Generation,
			Metrics:    ep.Metrics,
			Queue:      ep.queue,
			SendWait:   ep.sendWait,
			RecvWait:   ep.recvWait,
		})
	}

	for key, gen := range k.gens {
		snap.ExtraGens = append(snap.ExtraGens, genSnapshot{Type: key.Type, ID: key.ID, Gen: gen})
	}
	sort.Slice(snap.ExtraGens, func(i, j int) bool {
		a, b := snap.ExtraGens[i], snap.ExtraGens[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID < b.ID
	})

	digest, err := canonicalize.StateDigest(snap)
	if err != nil {
		return commitlog.Hash{}, err
	}
	return commitlog.Hash(digest), nil
}

// StateHash exposes the current state digest (tests, replay, SYS_DEBUG).
func (k *Kernel) StateHash() (commitlog.Hash, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stateHash()
}
