//go:build property
// +build property

package axiom_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/zos-labs/zos/core/pkg/axiom"
)

func genPermission() gopter.Gen {
	return gen.UInt32Range(0, uint32(axiom.PermAll)).Map(func(v uint32) axiom.Permission {
		return axiom.Permission(v)
	})
}

// TestDeriveNeverWidens verifies derived capabilities hold a subset of
// the parent's rights.
// Property: Derive(parent, perms) succeeds iff parent.Permissions ⊇ perms,
// and the child never carries a right the parent lacked.
func TestDeriveNeverWidens(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("children hold a subset of parent rights", prop.ForAll(
		func(parentPerms, childPerms axiom.Permission) bool {
			parent := axiom.Capability{
				ID:          1,
				ObjectType:  axiom.ObjectEndpoint,
				ObjectID:    7,
				Permissions: parentPerms,
			}
			child, err := axiom.Derive(parent, 2, childPerms, 0)
			if !parentPerms.Contains(childPerms) {
				return err == axiom.ErrPermissionDenied
			}
			if err != nil {
				return false
			}
			return parentPerms.Contains(child.Permissions) &&
				child.ObjectType == parent.ObjectType &&
				child.ObjectID == parent.ObjectID &&
				child.Generation == parent.Generation
		},
		genPermission(),
		genPermission(),
	))

	properties.TestingRun(t)
}

// TestDeriveClampsExpiry verifies a child never outlives its parent.
// Property: parent.ExpiresAt != 0 implies child.ExpiresAt in (0, parent.ExpiresAt].
func TestDeriveClampsExpiry(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("child expiry never exceeds parent expiry", prop.ForAll(
		func(parentExpiry, childExpiry int64) bool {
			parent := axiom.Capability{
				ID:          1,
				ObjectType:  axiom.ObjectEndpoint,
				Permissions: axiom.PermAll,
				ExpiresAt:   parentExpiry,
			}
			child, err := axiom.Derive(parent, 2, axiom.PermSend, childExpiry)
			if err != nil {
				return false
			}
			if parent.ExpiresAt == 0 {
				// Unbounded parent: the request passes through.
				return child.ExpiresAt == childExpiry
			}
			return child.ExpiresAt != 0 && child.ExpiresAt <= parent.ExpiresAt
		},
		gen.Int64Range(0, 1<<40),
		gen.Int64Range(0, 1<<40),
	))

	properties.TestingRun(t)
}

// TestSpaceSlotsNeverReused verifies slot numbers stay strictly monotonic
// across arbitrary insert/delete interleavings.
func TestSpaceSlotsNeverReused(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("slot numbers are strictly monotonic and unique", prop.ForAll(
		func(ops []bool) bool {
			space := axiom.NewSpace()
			seen := make(map[uint32]struct{})
			var live []uint32
			var last uint32

			for i, insert := range ops {
				if insert || len(live) == 0 {
					slot := space.Insert(axiom.Capability{ID: uint64(i)})
					if slot == 0 || slot <= last {
						return false
					}
					if _, dup := seen[slot]; dup {
						return false
					}
					seen[slot] = struct{}{}
					last = slot
					live = append(live, slot)
					continue
				}
				victim := live[i%len(live)]
				if !space.Delete(victim) {
					return false
				}
				live = append(live[:i%len(live)], live[i%len(live)+1:]...)
				// A tombstoned slot is gone for good.
				if _, ok := space.Get(victim); ok {
					return false
				}
			}
			return space.Len() == len(live)
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

type fixedGens struct {
	gen uint32
}

func (f fixedGens) Generation(axiom.ObjectType, uint64) (uint32, bool) {
	return f.gen, true
}

// TestGateRefusesMissingRights verifies no permission set sneaks past the
// gate without covering the required bits.
// Property: Check succeeds iff held ⊇ required (for a live, unexpired cap).
func TestGateRefusesMissingRights(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("gate admits exactly the superset holders", prop.ForAll(
		func(held, required axiom.Permission) bool {
			space := axiom.NewSpace()
			slot := space.Insert(axiom.Capability{
				ID:          1,
				ObjectType:  axiom.ObjectEndpoint,
				ObjectID:    3,
				Permissions: held,
			})
			gate := axiom.NewGate(fixedGens{gen: 0})
			_, err := gate.Check(space, slot, axiom.ObjectEndpoint, required, 0)
			if held.Contains(required) {
				return err == nil
			}
			return err == axiom.ErrPermissionDenied
		},
		genPermission(),
		genPermission(),
	))

	properties.TestingRun(t)
}
