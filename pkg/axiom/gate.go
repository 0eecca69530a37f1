package axiom

import "errors"

// Gate errors. ErrInvalidCapability covers missing slots, type
// mismatches, stale generations, and expiry; ErrPermissionDenied is
// reserved for a live capability that lacks a required right.
var (
	ErrInvalidCapability = errors.New("invalid capability")
	ErrPermissionDenied  = errors.New("permission denied")
)

// GenerationSource resolves the live generation of a kernel object.
// The kernel's object tables implement it.
type GenerationSource interface {
	Generation(objectType ObjectType, objectID uint64) (uint32, bool)
}

// Gate is the single authority-check entry point. Every syscall that
// touches a kernel object resolves its capability slots here; the check
// counter exists so tests can prove complete mediation.
type Gate struct {
	gens   GenerationSource
	checks uint64
}

// NewGate returns a gate backed by the given generation source.
func NewGate(gens GenerationSource) *Gate {
	return &Gate{gens: gens}
}

// Checks returns the number of gate invocations since construction.
func (g *Gate) Checks() uint64 { return g.checks }

// Check validates the capability at slot in space against the required
// object type and permission set at time now (nanoseconds since boot).
//
// The steps run in a fixed order: slot lookup, type match, permission
// superset, generation match against the referent's live generation,
// expiry. Validity requires generation equality and
// (ExpiresAt == 0 || now <= ExpiresAt).
func (g *Gate) Check(space *Space, slot uint32, wantType ObjectType, required Permission, now int64) (Capability, error) {
	g.checks++

	cap, ok := space.Get(slot)
	if !ok {
		return Capability{}, ErrInvalidCapability
	}
	if wantType != ObjectAny && cap.ObjectType != wantType {
		return Capability{}, ErrInvalidCapability
	}
	if !cap.Permissions.Contains(required) {
		return Capability{}, ErrPermissionDenied
	}
	live, ok := g.gens.Generation(cap.ObjectType, cap.ObjectID)
	if !ok || live != cap.Generation {
		return Capability{}, ErrInvalidCapability
	}
	if cap.ExpiresAt != 0 && now > cap.ExpiresAt {
		return Capability{}, ErrInvalidCapability
	}
	return cap, nil
}
