package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/commitlog"
	"github.com/zos-labs/zos/core/pkg/kernel"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSupervisor(t *testing.T) (*kernel.Kernel, *Supervisor, kernel.ProcessID) {
	t.Helper()
	k := kernel.New(commitlog.NewMemoryLog(), kernel.WithLogger(quietLogger()))
	sup := New(k, NewMemoryBackend(), NewMemoryBackend(), WithLogger(quietLogger()))
	t.Cleanup(func() { _ = sup.Close() })

	res, err := k.Spawn(0, "init", 0)
	require.NoError(t, err)
	return k, sup, res.PID
}

// recvResult drains one completion message from the process inbox.
func recvResult(t *testing.T, k *kernel.Kernel, pid kernel.ProcessID, wantTag uint32) abi.IOResult {
	t.Helper()
	recv, err := k.Recv(pid, abi.SlotSelf, false)
	require.NoError(t, err)
	require.Equal(t, wantTag, recv.Message.Tag)
	var res abi.IOResult
	require.NoError(t, json.Unmarshal(recv.Message.Data, &res))
	return res
}

func TestStepWriteThenRead(t *testing.T) {
	k, sup, pid := testSupervisor(t)
	ctx := context.Background()

	_, err := k.StorageWrite(pid, "app/state", []byte("v1"))
	require.NoError(t, err)
	n, err := sup.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res := recvResult(t, k, pid, abi.MsgStorageResult)
	assert.Equal(t, abi.WriteOK, res.Result)

	_, err = k.StorageRead(pid, "app/state")
	require.NoError(t, err)
	_, err = sup.Step(ctx)
	require.NoError(t, err)

	res = recvResult(t, k, pid, abi.MsgStorageResult)
	assert.Equal(t, abi.ReadOK, res.Result)
	assert.Equal(t, []byte("v1"), res.Data)
}

func TestStepReadNotFound(t *testing.T) {
	k, sup, pid := testSupervisor(t)

	_, err := k.StorageRead(pid, "missing")
	require.NoError(t, err)
	_, err = sup.Step(context.Background())
	require.NoError(t, err)

	res := recvResult(t, k, pid, abi.MsgStorageResult)
	assert.Equal(t, abi.ReadNotFound, res.Result)
	assert.Empty(t, res.Data)
}

func TestStepExistsAndDelete(t *testing.T) {
	k, sup, pid := testSupervisor(t)
	ctx := context.Background()

	_, err := k.StorageWrite(pid, "tmp/x", []byte("1"))
	require.NoError(t, err)
	_, err = k.StorageExists(pid, "tmp/x")
	require.NoError(t, err)
	_, err = k.StorageDelete(pid, "tmp/x")
	require.NoError(t, err)
	_, err = k.StorageExists(pid, "tmp/x")
	require.NoError(t, err)

	n, err := sup.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.Equal(t, abi.WriteOK, recvResult(t, k, pid, abi.MsgStorageResult).Result)
	assert.Equal(t, abi.ExistsTrue, recvResult(t, k, pid, abi.MsgStorageResult).Result)
	assert.Equal(t, abi.DeleteOK, recvResult(t, k, pid, abi.MsgStorageResult).Result)
	assert.Equal(t, abi.ExistsFalse, recvResult(t, k, pid, abi.MsgStorageResult).Result)
}

func TestStepListByPrefix(t *testing.T) {
	k, sup, pid := testSupervisor(t)
	ctx := context.Background()

	for _, key := range []string{"user/2", "user/1", "sys/0"} {
		_, err := k.StorageWrite(pid, key, []byte("x"))
		require.NoError(t, err)
	}
	_, err := sup.Step(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		recvResult(t, k, pid, abi.MsgStorageResult)
	}

	_, err = k.StorageList(pid, "user/")
	require.NoError(t, err)
	_, err = sup.Step(ctx)
	require.NoError(t, err)

	res := recvResult(t, k, pid, abi.MsgStorageResult)
	assert.Equal(t, abi.ListOK, res.Result)
	assert.Equal(t, []string{"user/1", "user/2"}, res.Keys)
}

func TestChannelsAreIsolated(t *testing.T) {
	k, sup, pid := testSupervisor(t)
	ctx := context.Background()

	_, err := k.StorageWrite(pid, "shared-key", []byte("storage"))
	require.NoError(t, err)
	_, err = k.KeystoreRead(pid, "shared-key")
	require.NoError(t, err)

	_, err = sup.Step(ctx)
	require.NoError(t, err)

	assert.Equal(t, abi.WriteOK, recvResult(t, k, pid, abi.MsgStorageResult).Result)
	// Same key, different backend: the keystore never saw the write.
	assert.Equal(t, abi.ReadNotFound, recvResult(t, k, pid, abi.MsgKeystoreResult).Result)
}

func TestDeadRequesterDropped(t *testing.T) {
	k, sup, pid := testSupervisor(t)

	_, err := k.StorageRead(pid, "k")
	require.NoError(t, err)
	require.NoError(t, k.Exit(pid, 0))

	n, err := sup.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStepRetriesFullInbox(t *testing.T) {
	k := kernel.New(commitlog.NewMemoryLog(), kernel.WithLogger(quietLogger()))
	sup := New(k, NewMemoryBackend(), NewMemoryBackend(), WithLogger(quietLogger()))

	res, err := k.Spawn(0, "init", 1)
	require.NoError(t, err)
	pid := res.PID

	// Fill the single-slot inbox, then queue a request.
	require.NoError(t, k.DeliverIOResult(pid, kernel.ChannelStorage, abi.IOResult{RequestID: 99, Result: abi.ReadOK}))
	_, err = k.StorageWrite(pid, "k", []byte("v"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sup.Step(context.Background())
		done <- err
	}()

	// The pump stalls until the inbox drains.
	_, err = k.Recv(pid, abi.SlotSelf, false)
	require.NoError(t, err)
	require.NoError(t, <-done)

	got := recvResult(t, k, pid, abi.MsgStorageResult)
	assert.Equal(t, abi.WriteOK, got.Result)
}

func TestStepCanceled(t *testing.T) {
	k, sup, pid := testSupervisor(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A canceled context stops the pump at the limiter.
	_, err := k.StorageRead(pid, "k")
	require.NoError(t, err)
	_, err = sup.Step(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
