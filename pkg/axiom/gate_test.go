package axiom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapGens is a test GenerationSource over a static table.
type mapGens map[uint64]uint32

func (m mapGens) Generation(_ ObjectType, objectID uint64) (uint32, bool) {
	g, ok := m[objectID]
	return g, ok
}

func TestGateCheckHappyPath(t *testing.T) {
	space := NewSpace()
	slot := space.Insert(Capability{
		ID:          1,
		ObjectType:  ObjectEndpoint,
		ObjectID:    7,
		Permissions: PermSend | PermGrant,
		Generation:  2,
	})
	gate := NewGate(mapGens{7: 2})

	cap, err := gate.Check(space, slot, ObjectEndpoint, PermSend, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cap.ObjectID)
	assert.Equal(t, uint64(1), gate.Checks())
}

func TestGateCheckMissingSlot(t *testing.T) {
	gate := NewGate(mapGens{})
	_, err := gate.Check(NewSpace(), 5, ObjectAny, PermSend, 0)
	assert.ErrorIs(t, err, ErrInvalidCapability)
}

func TestGateCheckTypeMismatch(t *testing.T) {
	space := NewSpace()
	slot := space.Insert(Capability{
		ObjectType:  ObjectProcess,
		ObjectID:    3,
		Permissions: PermAll,
	})
	gate := NewGate(mapGens{3: 0})

	_, err := gate.Check(space, slot, ObjectEndpoint, PermSend, 0)
	assert.ErrorIs(t, err, ErrInvalidCapability)

	_, err = gate.Check(space, slot, ObjectAny, PermSend, 0)
	assert.NoError(t, err, "ObjectAny skips the type match")
}

func TestGateCheckPermissionDenied(t *testing.T) {
	space := NewSpace()
	slot := space.Insert(Capability{
		ObjectType:  ObjectEndpoint,
		ObjectID:    7,
		Permissions: PermSend,
	})
	gate := NewGate(mapGens{7: 0})

	_, err := gate.Check(space, slot, ObjectEndpoint, PermReceive, 0)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestGateCheckStaleGeneration(t *testing.T) {
	space := NewSpace()
	slot := space.Insert(Capability{
		ObjectType:  ObjectEndpoint,
		ObjectID:    7,
		Permissions: PermSend,
		Generation:  1,
	})
	gate := NewGate(mapGens{7: 2})

	_, err := gate.Check(space, slot, ObjectEndpoint, PermSend, 0)
	assert.ErrorIs(t, err, ErrInvalidCapability, "generation bump invalidates prior capabilities")
}

func TestGateCheckExpiry(t *testing.T) {
	space := NewSpace()
	slot := space.Insert(Capability{
		ObjectType:  ObjectEndpoint,
		ObjectID:    7,
		Permissions: PermSend,
		ExpiresAt:   100,
	})
	gate := NewGate(mapGens{7: 0})

	_, err := gate.Check(space, slot, ObjectEndpoint, PermSend, 100)
	assert.NoError(t, err, "expiry bound is inclusive")

	_, err = gate.Check(space, slot, ObjectEndpoint, PermSend, 101)
	assert.ErrorIs(t, err, ErrInvalidCapability)
}

func TestGateCheckOrderPermissionBeforeGeneration(t *testing.T) {
	// A capability that is both under-privileged and stale reports the
	// permission failure: the check order is fixed.
	space := NewSpace()
	slot := space.Insert(Capability{
		ObjectType:  ObjectEndpoint,
		ObjectID:    7,
		Permissions: PermSend,
		Generation:  1,
	})
	gate := NewGate(mapGens{7: 9})

	_, err := gate.Check(space, slot, ObjectEndpoint, PermReceive, 0)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
