package kernel

import (
	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/axiom"
)

// Typed syscall surface. Every method funnels through invoke, so each
// call is recorded as a SyscallRequest/SyscallResponse commit pair; no
// state is readable or writable around the gate.

// Spawn creates a process. pid 0 is the kernel bootstrapping init;
// any other pid must hold its own slot conventions already.
func (k *Kernel) Spawn(pid ProcessID, name string, queueCapacity int) (*SpawnResult, error) {
	v, err := k.invoke(pid, abi.SysSpawn, &SpawnArgs{Name: name, QueueCapacity: queueCapacity})
	if err != nil {
		return nil, err
	}
	return v.(*SpawnResult), nil
}

func (k *Kernel) Send(pid ProcessID, slot, tag uint32, data []byte, blocking bool) (*SendResult, error) {
	v, err := k.invoke(pid, abi.SysSend, &SendArgs{Slot: slot, Tag: tag, Data: data, Blocking: blocking})
	if err != nil {
		return nil, err
	}
	return v.(*SendResult), nil
}

func (k *Kernel) SendCap(pid ProcessID, slot, tag uint32, data []byte, blocking bool, transfers []TransferSpec) (*SendResult, error) {
	v, err := k.invoke(pid, abi.SysSendCap, &SendCapArgs{
		Slot: slot, Tag: tag, Data: data, Blocking: blocking, Transfers: transfers,
	})
	if err != nil {
		return nil, err
	}
	return v.(*SendResult), nil
}

func (k *Kernel) Recv(pid ProcessID, slot uint32, blocking bool) (*RecvResult, error) {
	v, err := k.invoke(pid, abi.SysRecv, &RecvArgs{Slot: slot, Blocking: blocking})
	if err != nil {
		return nil, err
	}
	return v.(*RecvResult), nil
}

func (k *Kernel) Reply(pid ProcessID, tag uint32, data []byte) (*ReplyResult, error) {
	v, err := k.invoke(pid, abi.SysReply, &ReplyArgs{Tag: tag, Data: data})
	if err != nil {
		return nil, err
	}
	return v.(*ReplyResult), nil
}

func (k *Kernel) CreateEndpoint(pid ProcessID, capacity int) (*CreateEndpointResult, error) {
	v, err := k.invoke(pid, abi.SysCreateEndpoint, &CreateEndpointArgs{Capacity: capacity})
	if err != nil {
		return nil, err
	}
	return v.(*CreateEndpointResult), nil
}

func (k *Kernel) DeleteEndpoint(pid ProcessID, slot uint32) error {
	_, err := k.invoke(pid, abi.SysDeleteEndpoint, &DeleteEndpointArgs{Slot: slot})
	return err
}

func (k *Kernel) CapGrant(pid ProcessID, slot, targetSlot uint32, perms axiom.Permission, expiresAt int64) (*CapGrantResult, error) {
	v, err := k.invoke(pid, abi.SysCapGrant, &CapGrantArgs{
		Slot: slot, TargetSlot: targetSlot, Perms: perms, ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, err
	}
	return v.(*CapGrantResult), nil
}

func (k *Kernel) CapRevoke(pid ProcessID, slot uint32) (*CapRevokeResult, error) {
	v, err := k.invoke(pid, abi.SysCapRevoke, &CapRevokeArgs{Slot: slot})
	if err != nil {
		return nil, err
	}
	return v.(*CapRevokeResult), nil
}

func (k *Kernel) CapDerive(pid ProcessID, slot uint32, perms axiom.Permission, expiresAt int64) (*CapDeriveResult, error) {
	v, err := k.invoke(pid, abi.SysCapDerive, &CapDeriveArgs{Slot: slot, Perms: perms, ExpiresAt: expiresAt})
	if err != nil {
		return nil, err
	}
	return v.(*CapDeriveResult), nil
}

func (k *Kernel) CapList(pid ProcessID) (*CapListResult, error) {
	v, err := k.invoke(pid, abi.SysCapList, &CapListArgs{})
	if err != nil {
		return nil, err
	}
	return v.(*CapListResult), nil
}

func (k *Kernel) CapInspect(pid ProcessID, slot uint32) (*CapInspectResult, error) {
	v, err := k.invoke(pid, abi.SysCapInspect, &CapInspectArgs{Slot: slot})
	if err != nil {
		return nil, err
	}
	return v.(*CapInspectResult), nil
}

func (k *Kernel) CapDelete(pid ProcessID, slot uint32) error {
	_, err := k.invoke(pid, abi.SysCapDelete, &CapDeleteArgs{Slot: slot})
	return err
}

func (k *Kernel) Exit(pid ProcessID, code int32) error {
	_, err := k.invoke(pid, abi.SysExit, &ExitArgs{Code: code})
	return err
}

func (k *Kernel) Kill(pid ProcessID, slot uint32) error {
	_, err := k.invoke(pid, abi.SysKill, &KillArgs{Slot: slot})
	return err
}

func (k *Kernel) Yield(pid ProcessID) error {
	_, err := k.invoke(pid, abi.SysYield, &YieldArgs{})
	return err
}

func (k *Kernel) Time(pid ProcessID) (*TimeResult, error) {
	v, err := k.invoke(pid, abi.SysTime, &TimeArgs{})
	if err != nil {
		return nil, err
	}
	return v.(*TimeResult), nil
}

func (k *Kernel) PS(pid ProcessID) (*PSResult, error) {
	v, err := k.invoke(pid, abi.SysPS, &PSArgs{})
	if err != nil {
		return nil, err
	}
	return v.(*PSResult), nil
}

func (k *Kernel) Debug(pid ProcessID) (*DebugResult, error) {
	v, err := k.invoke(pid, abi.SysDebug, &DebugArgs{})
	if err != nil {
		return nil, err
	}
	return v.(*DebugResult), nil
}

func (k *Kernel) ConsoleWrite(pid ProcessID, data []byte) (*ConsoleWriteResult, error) {
	v, err := k.invoke(pid, abi.SysConsoleWrite, &ConsoleWriteArgs{Data: data})
	if err != nil {
		return nil, err
	}
	return v.(*ConsoleWriteResult), nil
}

func (k *Kernel) Random(pid ProcessID, n int) (*RandomResult, error) {
	v, err := k.invoke(pid, abi.SysRandom, &RandomArgs{N: n})
	if err != nil {
		return nil, err
	}
	return v.(*RandomResult), nil
}

func (k *Kernel) startIO(pid ProcessID, no abi.Sysno, a *IOArgs) (*IOStartResult, error) {
	v, err := k.invoke(pid, no, a)
	if err != nil {
		return nil, err
	}
	return v.(*IOStartResult), nil
}

func (k *Kernel) StorageRead(pid ProcessID, key string) (*IOStartResult, error) {
	return k.startIO(pid, abi.SysStorageRead, &IOArgs{Key: key})
}

func (k *Kernel) StorageWrite(pid ProcessID, key string, data []byte) (*IOStartResult, error) {
	return k.startIO(pid, abi.SysStorageWrite, &IOArgs{Key: key, Data: data})
}

func (k *Kernel) StorageDelete(pid ProcessID, key string) (*IOStartResult, error) {
	return k.startIO(pid, abi.SysStorageDelete, &IOArgs{Key: key})
}

func (k *Kernel) StorageExists(pid ProcessID, key string) (*IOStartResult, error) {
	return k.startIO(pid, abi.SysStorageExists, &IOArgs{Key: key})
}

func (k *Kernel) StorageList(pid ProcessID, prefix string) (*IOStartResult, error) {
	return k.startIO(pid, abi.SysStorageList, &IOArgs{Prefix: prefix})
}

func (k *Kernel) KeystoreRead(pid ProcessID, key string) (*IOStartResult, error) {
	return k.startIO(pid, abi.SysKeystoreRead, &IOArgs{Key: key})
}

func (k *Kernel) KeystoreWrite(pid ProcessID, key string, data []byte) (*IOStartResult, error) {
	return k.startIO(pid, abi.SysKeystoreWrite, &IOArgs{Key: key, Data: data})
}

func (k *Kernel) KeystoreDelete(pid ProcessID, key string) (*IOStartResult, error) {
	return k.startIO(pid, abi.SysKeystoreDelete, &IOArgs{Key: key})
}

func (k *Kernel) KeystoreExists(pid ProcessID, key string) (*IOStartResult, error) {
	return k.startIO(pid, abi.SysKeystoreExists, &IOArgs{Key: key})
}

func (k *Kernel) KeystoreList(pid ProcessID, prefix string) (*IOStartResult, error) {
	return k.startIO(pid, abi.SysKeystoreList, &IOArgs{Prefix: prefix})
}
