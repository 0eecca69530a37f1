// Package kernel implements the zOS microkernel core as a single state
// value: the process table, endpoint queues, capability spaces, async
// I/O request allocation, and the syscall dispatcher that brackets every
// step between a pre-state and post-state hash on the commit log.
//
// The kernel is cooperative and logically single-threaded: one syscall
// dispatch is one atomic step. A mutex serializes steps because the
// supervisor injects async completions from its own goroutine; it does
// not introduce kernel-level concurrency.
package kernel

import (
	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/axiom"
)

// ProcessID identifies a process. Monotonic, never reused within a run.
type ProcessID uint64

// EndpointID identifies an IPC endpoint. Same discipline as ProcessID.
type EndpointID uint64

// ProcState is the lifecycle state of a process.
type ProcState uint8

const (
	StateRunning ProcState = 1
	StateBlocked ProcState = 2
	StateZombie  ProcState = 3
)

var procStateNames = map[ProcState]string{
	StateRunning: "running",
	StateBlocked: "blocked",
	StateZombie:  "zombie",
}

func (s ProcState) String() string {
	if name, ok := procStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Message is one IPC datagram: copy-by-value payload plus inline
// capability transfer. Caps holds the capabilities derived at send time;
// CapSlots is filled at delivery with the slots they were materialized
// at in the receiver's space (0 for a dropped transfer).
type Message struct {
	Tag      uint32             `json:"tag"`
	FromPID  ProcessID          `json:"from_pid"`
	Data     []byte             `json:"data,omitempty"`
	Caps     []axiom.Capability `json:"caps,omitempty"`
	CapSlots []uint32           `json:"cap_slots,omitempty"`
}

// TransferSpec names a capability in the sender's space to transfer
// inside a message, with the permission subset and expiry the receiver
// should get. The gate verifies the sender could have granted it.
type TransferSpec struct {
	Slot      uint32           `json:"slot"`
	Perms     axiom.Permission `json:"perms"`
	ExpiresAt int64            `json:"expires_at"`
}

// EndpointMetrics are per-endpoint counters. All values are
// deterministic functions of the commit stream and participate in the
// state hash.
type EndpointMetrics struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueHighWater int    `json:"queue_high_water"`
	TotalMessages  uint64 `json:"total_messages"`
	TotalBytes     uint64 `json:"total_bytes"`
}

// Endpoint is an IPC destination: a bounded FIFO with a single
// receive-permission holder and FIFO wait lists for blocked peers.
type Endpoint struct {
	ID         EndpointID      `json:"id"`
	Owner      ProcessID       `json:"owner"`
	Capacity   int             `json:"capacity"`
	Generation uint32          `json:"generation"`
	Metrics    EndpointMetrics `json:"metrics"`

	queue    []*Message
	sendWait []ProcessID
	recvWait []ProcessID
}

// Depth returns the current queue depth.
func (e *Endpoint) Depth() int { return len(e.queue) }

// ProcMetrics are per-process counters, part of the state hash.
type ProcMetrics struct {
	Syscalls         uint64 `json:"syscalls"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
}

// pendingSend holds the stashed message of a sender blocked on a full
// queue; the kernel completes the delivery when the queue drains.
type pendingSend struct {
	Endpoint EndpointID `json:"endpoint"`
	Msg      *Message   `json:"msg"`
}

// Process is a process descriptor. Zombies are retained; their PIDs are
// never reused.
type Process struct {
	PID        ProcessID   `json:"pid"`
	Name       string      `json:"name"`
	State      ProcState   `json:"state"`
	Generation uint32      `json:"generation"`
	Inbox      EndpointID  `json:"inbox"`
	Metrics    ProcMetrics `json:"metrics"`

	// NextRequestID is the per-process async request-ID counter;
	// request IDs are tenant-scoped, not global.
	NextRequestID uint32 `json:"next_request_id"`

	Space *axiom.Space `json:"-"`

	pending   *pendingSend
	replySlot uint32
	exitCode  int32
}

// ProcessInfo is the externally visible process record returned by
// SYS_PS.
type ProcessInfo struct {
	PID     ProcessID   `json:"pid"`
	Name    string      `json:"name"`
	State   string      `json:"state"`
	Inbox   EndpointID  `json:"inbox"`
	Caps    int         `json:"caps"`
	Metrics ProcMetrics `json:"metrics"`
}

// IOChannel distinguishes the two async I/O channels.
type IOChannel uint8

const (
	ChannelStorage  IOChannel = 1
	ChannelKeystore IOChannel = 2
)

func (c IOChannel) String() string {
	switch c {
	case ChannelStorage:
		return "storage"
	case ChannelKeystore:
		return "keystore"
	default:
		return "unknown"
	}
}

// ResultTag returns the completion message tag for the channel.
func (c IOChannel) ResultTag() uint32 {
	if c == ChannelKeystore {
		return abi.MsgKeystoreResult
	}
	return abi.MsgStorageResult
}

// IOOp is the operation requested on an async channel.
type IOOp uint8

const (
	IORead   IOOp = 1
	IOWrite  IOOp = 2
	IODelete IOOp = 3
	IOExists IOOp = 4
	IOList   IOOp = 5
)

func (o IOOp) String() string {
	switch o {
	case IORead:
		return "read"
	case IOWrite:
		return "write"
	case IODelete:
		return "delete"
	case IOExists:
		return "exists"
	case IOList:
		return "list"
	default:
		return "unknown"
	}
}

// IORequest is one outstanding async operation handed to the supervisor.
// The outbox holding these is supervisor-owned plumbing and is excluded
// from the state hash; the request itself is already on the commit log
// as part of the issuing syscall.
type IORequest struct {
	PID       ProcessID `json:"pid"`
	RequestID uint32    `json:"request_id"`
	Channel   IOChannel `json:"channel"`
	Op        IOOp      `json:"op"`
	Key       string    `json:"key,omitempty"`
	Prefix    string    `json:"prefix,omitempty"`
	Data      []byte    `json:"data,omitempty"`
}

// Metrics receives kernel observability signals. Implementations must
// not touch kernel state; the observability package provides an
// OpenTelemetry-backed implementation.
type Metrics interface {
	SyscallDispatched(name string, ok bool)
	MessageDelivered(bytes int)
	MessageDropped(reason string)
	CapTransferDropped()
	DeadResultDropped()
}

// NopMetrics discards all signals.
type NopMetrics struct{}

func (NopMetrics) SyscallDispatched(string, bool) {}
func (NopMetrics) MessageDelivered(int)           {}
func (NopMetrics) MessageDropped(string)          {}
func (NopMetrics) CapTransferDropped()            {}
func (NopMetrics) DeadResultDropped()             {}
