// Package abi defines the stable numeric surface of the zOS kernel:
// syscall numbers, message tags, async I/O result codes, size bounds,
// and the capability-slot convention for newly spawned processes.
//
// Every value here is wire-visible and recorded in the commit log;
// renumbering any of them breaks replay of existing logs.
package abi

// Sysno identifies a syscall.
type Sysno uint32

// Syscall numbers. Grouped by concern; gaps are reserved.
const (
	// IPC
	SysSend    Sysno = 0x01
	SysRecv    Sysno = 0x02
	SysReply   Sysno = 0x03
	SysSendCap Sysno = 0x04

	// Capability management
	SysCapGrant   Sysno = 0x10
	SysCapRevoke  Sysno = 0x11
	SysCapDerive  Sysno = 0x12
	SysCapList    Sysno = 0x13
	SysCapInspect Sysno = 0x14
	SysCapDelete  Sysno = 0x15

	// Endpoint lifecycle
	SysCreateEndpoint Sysno = 0x20
	SysDeleteEndpoint Sysno = 0x21

	// Process control
	SysExit  Sysno = 0x30
	SysKill  Sysno = 0x31
	SysYield Sysno = 0x32
	SysTime  Sysno = 0x33
	SysPS    Sysno = 0x34
	SysDebug Sysno = 0x35
	SysSpawn Sysno = 0x36

	// Debug output and entropy
	SysConsoleWrite Sysno = 0x40
	SysRandom       Sysno = 0x41

	// Async storage channel
	SysStorageRead   Sysno = 0x50
	SysStorageWrite  Sysno = 0x51
	SysStorageDelete Sysno = 0x52
	SysStorageExists Sysno = 0x53
	SysStorageList   Sysno = 0x54

	// Async keystore channel
	SysKeystoreRead   Sysno = 0x60
	SysKeystoreWrite  Sysno = 0x61
	SysKeystoreDelete Sysno = 0x62
	SysKeystoreExists Sysno = 0x63
	SysKeystoreList   Sysno = 0x64
)

// sysnoNames maps syscall numbers to their canonical names for logging
// and commit payloads.
var sysnoNames = map[Sysno]string{
	SysSend:           "SYS_SEND",
	SysRecv:           "SYS_RECV",
	SysReply:          "SYS_REPLY",
	SysSendCap:        "SYS_SEND_CAP",
	SysCapGrant:       "SYS_CAP_GRANT",
	SysCapRevoke:      "SYS_CAP_REVOKE",
	SysCapDerive:      "SYS_CAP_DERIVE",
	SysCapList:        "SYS_CAP_LIST",
	SysCapInspect:     "SYS_CAP_INSPECT",
	SysCapDelete:      "SYS_CAP_DELETE",
	SysCreateEndpoint: "SYS_CREATE_ENDPOINT",
	SysDeleteEndpoint: "SYS_DELETE_ENDPOINT",
	SysExit:           "SYS_EXIT",
	SysKill:           "SYS_KILL",
	SysYield:          "SYS_YIELD",
	SysTime:           "SYS_TIME",
	SysPS:             "SYS_PS",
	SysDebug:          "SYS_DEBUG",
	SysSpawn:          "SYS_SPAWN",
	SysConsoleWrite:   "SYS_CONSOLE_WRITE",
	SysRandom:         "SYS_RANDOM",
	SysStorageRead:    "SYS_STORAGE_READ",
	SysStorageWrite:   "SYS_STORAGE_WRITE",
	SysStorageDelete:  "SYS_STORAGE_DELETE",
	SysStorageExists:  "SYS_STORAGE_EXISTS",
	SysStorageList:    "SYS_STORAGE_LIST",
	SysKeystoreRead:   "SYS_KEYSTORE_READ",
	SysKeystoreWrite:  "SYS_KEYSTORE_WRITE",
	SysKeystoreDelete: "SYS_KEYSTORE_DELETE",
	SysKeystoreExists: "SYS_KEYSTORE_EXISTS",
	SysKeystoreList:   "SYS_KEYSTORE_LIST",
}

// String returns the canonical SYS_* name, or a hex fallback for
// unknown numbers.
func (s Sysno) String() string {
	if name, ok := sysnoNames[s]; ok {
		return name
	}
	return "SYS_UNKNOWN"
}

// IsAsyncStorage reports whether the syscall belongs to the async
// storage channel.
func (s Sysno) IsAsyncStorage() bool {
	return s >= SysStorageRead && s <= SysStorageList
}

// IsAsyncKeystore reports whether the syscall belongs to the async
// keystore channel.
func (s Sysno) IsAsyncKeystore() bool {
	return s >= SysKeystoreRead && s <= SysKeystoreList
}

// Static bounds. These are ABI constants, not tunables: they cap what a
// single message may carry and are enforced at SEND time.
const (
	// MaxMessageSize bounds the opaque payload of one message.
	MaxMessageSize = 64 * 1024

	// MaxCapsPerMessage bounds inline capability transfer.
	MaxCapsPerMessage = 4

	// MaxRandomBytes bounds one SYS_RANDOM call.
	MaxRandomBytes = 256

	// DefaultQueueCapacity is the endpoint queue bound used when a
	// manifest or caller does not specify one.
	DefaultQueueCapacity = 64
)

// Message tags. Request/response pairing: a request tag T is answered
// with T|1, so requests occupy even offsets.
const (
	// Service registry protocol (owned by init).
	MsgRegisterService      uint32 = 0x1000
	MsgRegisterServiceReply uint32 = 0x1001
	MsgLookupService        uint32 = 0x1002
	MsgLookupServiceReply   uint32 = 0x1003
	MsgSpawnService         uint32 = 0x1004
	MsgSpawnServiceReply    uint32 = 0x1005

	// Kernel-originated notifications and async completions.
	MsgStorageResult  uint32 = 0x2000
	MsgKeystoreResult uint32 = 0x2001
	MsgCapRevoked     uint32 = 0x2002
	MsgConsoleInput   uint32 = 0x2003

	// VFS protocol range. Requests at even offsets, responses at odd.
	MsgVFSBase               uint32 = 0x8000
	MsgVFSRead               uint32 = 0x8000
	MsgVFSReadReply          uint32 = 0x8001
	MsgVFSWrite              uint32 = 0x8002
	MsgVFSWriteReply         uint32 = 0x8003
	MsgVFSDelete             uint32 = 0x8004
	MsgVFSDeleteReply        uint32 = 0x8005
	MsgVFSList               uint32 = 0x8006
	MsgVFSListReply          uint32 = 0x8007
	MsgVFSSetDefaultScheme   uint32 = 0x8010
	MsgVFSSetDefaultSchemeOK uint32 = 0x8011
	MsgVFSLimit              uint32 = 0x803F
)

// ReplyTag returns the response tag paired with a request tag.
func ReplyTag(request uint32) uint32 { return request | 1 }

// ResultCode classifies the outcome of one async storage or keystore
// operation, carried inside MSG_STORAGE_RESULT / MSG_KEYSTORE_RESULT.
type ResultCode uint8

const (
	ReadOK ResultCode = iota + 1
	ReadNotFound
	ReadErr
	WriteOK
	WriteErr
	DeleteOK
	DeleteErr
	ExistsTrue
	ExistsFalse
	ListOK
	ListErr
)

var resultCodeNames = map[ResultCode]string{
	ReadOK:       "READ_OK",
	ReadNotFound: "READ_NOT_FOUND",
	ReadErr:      "READ_ERR",
	WriteOK:      "WRITE_OK",
	WriteErr:     "WRITE_ERR",
	DeleteOK:     "DELETE_OK",
	DeleteErr:    "DELETE_ERR",
	ExistsTrue:   "EXISTS_TRUE",
	ExistsFalse:  "EXISTS_FALSE",
	ListOK:       "LIST_OK",
	ListErr:      "LIST_ERR",
}

func (c ResultCode) String() string {
	if name, ok := resultCodeNames[c]; ok {
		return name
	}
	return "RESULT_UNKNOWN"
}

// IOResult is the payload of an async completion message, correlated by
// RequestID against the issuing process's pending-op map.
type IOResult struct {
	RequestID uint32     `json:"request_id"`
	Result    ResultCode `json:"result"`
	Data      []byte     `json:"data,omitempty"`
	Keys      []string   `json:"keys,omitempty"`
}

// Capability-slot convention for newly spawned processes. Init populates
// slots 2..5 before the process runs; slot 0 is never allocated.
const (
	SlotNull        uint32 = 0
	SlotSelf        uint32 = 1
	SlotInit        uint32 = 2
	SlotVFS         uint32 = 3
	SlotVFSResponse uint32 = 4
	SlotKeystore    uint32 = 5
)
