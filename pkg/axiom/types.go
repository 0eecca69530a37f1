// Package axiom is the authority layer of the zOS kernel: capability
// tokens, per-process capability spaces, and the single Check gate
// through which every capability is validated. No other code path may
// decide whether a holder is allowed to touch a kernel object.
package axiom

import (
	"sort"
	"strings"
)

// ObjectType tags the kind of kernel object a capability refers to.
type ObjectType uint8

const (
	// ObjectAny is accepted only by inspection paths that need the
	// capability regardless of referent kind. Grants and transfers
	// always carry a concrete type.
	ObjectAny ObjectType = 0

	ObjectEndpoint    ObjectType = 1
	ObjectProcess     ObjectType = 2
	ObjectStorageKey  ObjectType = 3
	ObjectKeystoreKey ObjectType = 4
)

var objectTypeNames = map[ObjectType]string{
	ObjectAny:         "any",
	ObjectEndpoint:    "endpoint",
	ObjectProcess:     "process",
	ObjectStorageKey:  "storage_key",
	ObjectKeystoreKey: "keystore_key",
}

func (t ObjectType) String() string {
	if name, ok := objectTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Permission is a bitset of rights a capability confers on its referent.
type Permission uint32

const (
	PermSend    Permission = 1 << 0
	PermReceive Permission = 1 << 1
	PermGrant   Permission = 1 << 2
	PermRevoke  Permission = 1 << 3
	PermInspect Permission = 1 << 4
	PermManage  Permission = 1 << 5

	// PermAll is the full right set minted for an object's creator.
	PermAll = PermSend | PermReceive | PermGrant | PermRevoke | PermInspect | PermManage
)

// Contains reports whether p is a superset of required.
func (p Permission) Contains(required Permission) bool {
	return p&required == required
}

func (p Permission) String() string {
	if p == 0 {
		return "none"
	}
	names := []struct {
		bit  Permission
		name string
	}{
		{PermSend, "send"},
		{PermReceive, "receive"},
		{PermGrant, "grant"},
		{PermRevoke, "revoke"},
		{PermInspect, "inspect"},
		{PermManage, "manage"},
	}
	var parts []string
	for _, n := range names {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Capability is an unforgeable grant of rights on one kernel object.
// Capabilities are immutable once minted: revocation is expressed as a
// generation bump on the referent, expiry is time-driven.
type Capability struct {
	ID          uint64     `json:"id"`
	ObjectType  ObjectType `json:"object_type"`
	ObjectID    uint64     `json:"object_id"`
	Permissions Permission `json:"permissions"`
	Generation  uint32     `json:"generation"`
	// ExpiresAt is nanoseconds since boot; 0 means never.
	ExpiresAt int64 `json:"expires_at"`
}

// Derive mints a child capability with a permission subset and an expiry
// no later than the parent's. The caller supplies the new globally unique
// ID (IDs are allocated by the kernel so replay sees them).
func Derive(parent Capability, newID uint64, perms Permission, expiresAt int64) (Capability, error) {
	if !parent.Permissions.Contains(perms) {
		return Capability{}, ErrPermissionDenied
	}
	if parent.ExpiresAt != 0 {
		if expiresAt == 0 || expiresAt > parent.ExpiresAt {
			expiresAt = parent.ExpiresAt
		}
	}
	return Capability{
		ID:          newID,
		ObjectType:  parent.ObjectType,
		ObjectID:    parent.ObjectID,
		Permissions: perms,
		Generation:  parent.Generation,
		ExpiresAt:   expiresAt,
	}, nil
}

// SlotEntry pairs a slot number with its capability, used for sorted
// snapshots of a space.
type SlotEntry struct {
	Slot       uint32     `json:"slot"`
	Capability Capability `json:"capability"`
}

// Space is a per-process capability space: an ordered slot → capability
// mapping. Slot numbers are strictly monotonic within a process lifetime
// and never reused; deleting a slot leaves a tombstone. Slot 0 is
// reserved and never allocated.
type Space struct {
	slots      map[uint32]Capability
	tombstones map[uint32]struct{}
	nextSlot   uint32
}

// NewSpace returns an empty capability space.
func NewSpace() *Space {
	return &Space{
		slots:      make(map[uint32]Capability),
		tombstones: make(map[uint32]struct{}),
		nextSlot:   1,
	}
}

// Insert places cap at the next free slot and returns the slot number.
func (s *Space) Insert(cap Capability) uint32 {
	slot := s.nextSlot
	s.nextSlot++
	s.slots[slot] = cap
	return slot
}

// Get returns the capability at slot, if any.
func (s *Space) Get(slot uint32) (Capability, bool) {
	c, ok := s.slots[slot]
	return c, ok
}

// Delete tombstones a slot. The slot number is never reissued.
func (s *Space) Delete(slot uint32) bool {
	if _, ok := s.slots[slot]; !ok {
		return false
	}
	delete(s.slots, slot)
	s.tombstones[slot] = struct{}{}
	return true
}

// Clear tombstones every live slot. Used by exit cleanup.
func (s *Space) Clear() int {
	n := len(s.slots)
	for slot := range s.slots {
		s.tombstones[slot] = struct{}{}
		delete(s.slots, slot)
	}
	return n
}

// Len returns the number of live capabilities.
func (s *Space) Len() int { return len(s.slots) }

// NextSlot returns the next slot number that will be allocated.
func (s *Space) NextSlot() uint32 { return s.nextSlot }

// Snapshot returns the live entries sorted by slot. Iteration order of
// the underlying map must never leak into hashes, so every consumer that
// hashes or lists a space goes through this.
func (s *Space) Snapshot() []SlotEntry {
	entries := make([]SlotEntry, 0, len(s.slots))
	for slot, cap := range s.slots {
		entries = append(entries, SlotEntry{Slot: slot, Capability: cap})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Slot < entries[j].Slot })
	return entries
}

// Tombstones returns the deleted slot numbers in ascending order.
func (s *Space) Tombstones() []uint32 {
	out := make([]uint32, 0, len(s.tombstones))
	for slot := range s.tombstones {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
