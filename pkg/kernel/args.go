package kernel

import (
	"encoding/json"
	"fmt"

	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/axiom"
)

// Typed syscall arguments. These are recorded verbatim (canonical JSON)
// in SyscallRequest commits, so field sets and tags are ABI.

type SendArgs struct {
	Slot     uint32 `json:"slot"`
	Tag      uint32 `json:"tag"`
	Data     []byte `json:"data,omitempty"`
	Blocking bool   `json:"blocking"`
}

type SendCapArgs struct {
	Slot      uint32         `json:"slot"`
	Tag       uint32         `json:"tag"`
	Data      []byte         `json:"data,omitempty"`
	Blocking  bool           `json:"blocking"`
	Transfers []TransferSpec `json:"transfers"`
}

type RecvArgs struct {
	Slot     uint32 `json:"slot"`
	Blocking bool   `json:"blocking"`
}

type ReplyArgs struct {
	Tag  uint32 `json:"tag"`
	Data []byte `json:"data,omitempty"`
}

type CapGrantArgs struct {
	Slot       uint32           `json:"slot"`
	TargetSlot uint32           `json:"target_slot"`
	Perms      axiom.Permission `json:"perms"`
	ExpiresAt  int64            `json:"expires_at"`
}

type CapRevokeArgs struct {
	Slot uint32 `json:"slot"`
}

type CapDeriveArgs struct {
	Slot      uint32           `json:"slot"`
	Perms     axiom.Permission `json:"perms"`
	ExpiresAt int64            `json:"expires_at"`
}

type CapListArgs struct{}

type CapInspectArgs struct {
	Slot uint32 `json:"slot"`
}

type CapDeleteArgs struct {
	Slot uint32 `json:"slot"`
}

type CreateEndpointArgs struct {
	Capacity int `json:"capacity"`
}

type DeleteEndpointArgs struct {
	Slot uint32 `json:"slot"`
}

type ExitArgs struct {
	Code int32 `json:"code"`
}

type KillArgs struct {
	Slot uint32 `json:"slot"`
}

type YieldArgs struct{}

type TimeArgs struct{}

type PSArgs struct{}

type DebugArgs struct{}

type SpawnArgs struct {
	Name          string `json:"name"`
	QueueCapacity int    `json:"queue_capacity"`
}

type ConsoleWriteArgs struct {
	Data []byte `json:"data"`
}

type RandomArgs struct {
	N int `json:"n"`
}

// IOArgs covers all ten async storage/keystore syscalls; the syscall
// number selects channel and operation.
type IOArgs struct {
	Key    string `json:"key,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

// Typed syscall results, recorded in SyscallResponse commits.

type SendResult struct {
	// Delivered is false when the sender was parked on a full queue;
	// the kernel completes the delivery when the queue drains.
	Delivered bool `json:"delivered"`
}

type RecvResult struct {
	Message *Message `json:"message"`
	// ReplySlot holds a single-use send capability to the sender's
	// inbox, minted at delivery for SYS_REPLY. 0 when the sender has
	// no inbox (kernel-originated messages).
	ReplySlot uint32 `json:"reply_slot"`
}

type ReplyResult struct {
	Delivered bool `json:"delivered"`
}

type CapGrantResult struct {
	TargetSlot uint32 `json:"target_slot"`
	CapID      uint64 `json:"cap_id"`
}

type CapRevokeResult struct {
	// NewSlot carries the revoker's replacement capability at the new
	// generation; revocation invalidates every prior capability on the
	// object, the revoker's own included.
	NewSlot    uint32 `json:"new_slot"`
	Generation uint32 `json:"generation"`
	Notified   int    `json:"notified"`
}

type CapDeriveResult struct {
	Slot  uint32 `json:"slot"`
	CapID uint64 `json:"cap_id"`
}

type CapListResult struct {
	Entries    []axiom.SlotEntry `json:"entries"`
	Tombstones []uint32          `json:"tombstones,omitempty"`
}

type CapInspectResult struct {
	Capability axiom.Capability `json:"capability"`
}

type CreateEndpointResult struct {
	Slot     uint32     `json:"slot"`
	Endpoint EndpointID `json:"endpoint"`
}

type SpawnResult struct {
	PID ProcessID `json:"pid"`
	// Slot is the parent's Process capability on the child; 0 for the
	// bootstrap spawn issued by the kernel itself.
	Slot uint32 `json:"slot"`
}

type TimeResult struct {
	Now int64 `json:"now"`
}

type PSResult struct {
	Processes []ProcessInfo `json:"processes"`
}

type DebugResult struct {
	Processes  int    `json:"processes"`
	Endpoints  int    `json:"endpoints"`
	Commits    uint64 `json:"commits"`
	GateChecks uint64 `json:"gate_checks"`
	Now        int64  `json:"now"`
}

type ConsoleWriteResult struct {
	Written int `json:"written"`
}

type RandomResult struct {
	Data []byte `json:"data"`
}

type IOStartResult struct {
	RequestID uint32 `json:"request_id"`
}

// decodeArgs reconstructs the typed argument struct for a recorded
// syscall during replay.
func decodeArgs(no abi.Sysno, raw json.RawMessage) (any, error) {
	var args any
	switch no {
	case abi.SysSend:
		args = &SendArgs{}
	case abi.SysSendCap:
		args = &SendCapArgs{}
	case abi.SysRecv:
		args = &RecvArgs{}
	case abi.SysReply:
		args = &ReplyArgs{}
	case abi.SysCapGrant:
		args = &CapGrantArgs{}
	case abi.SysCapRevoke:
		args = &CapRevokeArgs{}
	case abi.SysCapDerive:
		args = &CapDeriveArgs{}
	case abi.SysCapList:
		args = &CapListArgs{}
	case abi.SysCapInspect:
		args = &CapInspectArgs{}
	case abi.SysCapDelete:
		args = &CapDeleteArgs{}
	case abi.SysCreateEndpoint:
		args = &CreateEndpointArgs{}
	case abi.SysDeleteEndpoint:
		args = &DeleteEndpointArgs{}
	case abi.SysExit:
		args = &ExitArgs{}
	case abi.SysKill:
		args = &KillArgs{}
	case abi.SysYield:
		args = &YieldArgs{}
	case abi.SysTime:
		args = &TimeArgs{}
	case abi.SysPS:
		args = &PSArgs{}
	case abi.SysDebug:
		args = &DebugArgs{}
	case abi.SysSpawn:
		args = &SpawnArgs{}
	case abi.SysConsoleWrite:
		args = &ConsoleWriteArgs{}
	case abi.SysRandom:
		args = &RandomArgs{}
	default:
		if no.IsAsyncStorage() || no.IsAsyncKeystore() {
			args = &IOArgs{}
			break
		}
		return nil, fmt.Errorf("%w: unknown syscall %d", ErrInvalidRequest, no)
	}
	if err := json.Unmarshal(raw, args); err != nil {
		return nil, fmt.Errorf("%w: malformed args for %s: %v", ErrInvalidRequest, no, err)
	}
	return args, nil
}
