package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/axiom"
	"github.com/zos-labs/zos/core/pkg/commitlog"
	"github.com/zos-labs/zos/core/pkg/kernel"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordSession drives a live kernel through a representative run:
// spawns and capability wiring, a request/reply roundtrip, recorded
// entropy, a heartbeat, a supervisor-injected async completion, a
// revocation, and a failing syscall.
func recordSession(t *testing.T) *commitlog.MemoryLog {
	t.Helper()
	mem := commitlog.NewMemoryLog()
	var now int64
	k := kernel.New(mem,
		kernel.WithClock(func() int64 { now += 10; return now }),
		kernel.WithEntropy(bytes.NewReader([]byte{9, 8, 7, 6, 5, 4, 3, 2})),
		kernel.WithLogger(quietLogger()),
	)

	initRes, err := k.Spawn(0, "init", 0)
	require.NoError(t, err)
	serverRes, err := k.Spawn(initRes.PID, "server", 0)
	require.NoError(t, err)
	clientRes, err := k.Spawn(initRes.PID, "client", 0)
	require.NoError(t, err)

	_, err = k.CapGrant(initRes.PID, abi.SlotSelf, serverRes.Slot, axiom.PermSend, 0)
	require.NoError(t, err)
	_, err = k.CapGrant(initRes.PID, abi.SlotSelf, clientRes.Slot, axiom.PermSend, 0)
	require.NoError(t, err)

	_, err = k.SendCap(serverRes.PID, abi.SlotInit, abi.MsgRegisterService, nil, false,
		[]kernel.TransferSpec{{Slot: abi.SlotSelf, Perms: axiom.PermSend | axiom.PermGrant}})
	require.NoError(t, err)
	reg, err := k.Recv(initRes.PID, abi.SlotSelf, false)
	require.NoError(t, err)
	grant, err := k.CapGrant(initRes.PID, reg.Message.CapSlots[0], clientRes.Slot, axiom.PermSend, 0)
	require.NoError(t, err)

	_, err = k.Send(clientRes.PID, grant.TargetSlot, 0x8000, []byte("ping"), false)
	require.NoError(t, err)
	recv, err := k.Recv(serverRes.PID, abi.SlotSelf, false)
	require.NoError(t, err)
	require.NotZero(t, recv.ReplySlot)
	_, err = k.Reply(serverRes.PID, 0x8001, []byte("pong"))
	require.NoError(t, err)
	_, err = k.Recv(clientRes.PID, abi.SlotSelf, false)
	require.NoError(t, err)

	_, err = k.Random(initRes.PID, 8)
	require.NoError(t, err)
	require.NoError(t, k.Tick())

	// Async completion arrives from the supervisor, not a syscall.
	_, err = k.StorageRead(clientRes.PID, "boot/config")
	require.NoError(t, err)
	require.Len(t, k.DrainIO(), 1)
	err = k.DeliverIOResult(clientRes.PID, kernel.ChannelStorage,
		abi.IOResult{RequestID: 1, Result: abi.ReadOK, Data: []byte("v1")})
	require.NoError(t, err)
	_, err = k.Recv(clientRes.PID, abi.SlotSelf, false)
	require.NoError(t, err)

	_, err = k.CapRevoke(serverRes.PID, abi.SlotSelf)
	require.NoError(t, err)

	// Failures are recorded and must replay identically.
	_, err = k.Send(clientRes.PID, 99, 1, nil, false)
	require.ErrorIs(t, err, kernel.ErrInvalidCapability)

	return mem
}

func TestVerifyRoundtrip(t *testing.T) {
	mem := recordSession(t)

	report, err := Verify(context.Background(), mem, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, mem.Len(), report.Commits)
	assert.Equal(t, mem.ChainHash(), report.ChainHash)

	last, err := mem.Get(context.Background(), mem.Len())
	require.NoError(t, err)
	assert.Equal(t, last.PostState, report.FinalState)
}

func TestVerifyDetectsTamperedResponse(t *testing.T) {
	mem := recordSession(t)

	// Flip the outcome of the first recorded response.
	var tampered *commitlog.Commit
	for _, c := range mem.All() {
		if c.Type == commitlog.CommitSyscallResponse {
			tampered = c
			break
		}
	}
	require.NotNil(t, tampered)
	var resp kernel.ResponsePayload
	require.NoError(t, json.Unmarshal(tampered.Payload, &resp))
	resp.Result.OK = !resp.Result.OK
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	tampered.Payload = raw

	_, err = Verify(context.Background(), mem, WithLogger(quietLogger()))
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, tampered.CommitID, rerr.CommitID)
	assert.Contains(t, rerr.Reason, "payload")
}

func TestVerifyDetectsTamperedStateHash(t *testing.T) {
	mem := recordSession(t)

	c := mem.All()[4]
	c.PostState[0] ^= 0xFF

	_, err := Verify(context.Background(), mem, WithLogger(quietLogger()))
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, c.CommitID, rerr.CommitID)
}

func TestVerifyEmptyLog(t *testing.T) {
	report, err := Verify(context.Background(), commitlog.NewMemoryLog(), WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Zero(t, report.Commits)
}
