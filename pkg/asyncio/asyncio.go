// Package asyncio correlates asynchronous storage and keystore
// completions with the requests that started them. A syscall returns a
// request ID immediately; the completion arrives later as an inbox
// message, and the Client routes it to the continuation registered at
// start time. Continuations return an Outcome, so multi-step workflows
// (read, merge, write, reply) chain without nested callbacks. Request
// IDs are allocated per process, so one Client covers both channels
// without collisions.
package asyncio

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zos-labs/zos/core/pkg/abi"
)

// Channel selects which backend an operation runs against.
type Channel uint8

const (
	ChannelStorage  Channel = 1
	ChannelKeystore Channel = 2
)

func (c Channel) String() string {
	switch c {
	case ChannelStorage:
		return "storage"
	case ChannelKeystore:
		return "keystore"
	default:
		return "unknown"
	}
}

// Op is the operation kind of an async request.
type Op uint8

const (
	OpRead Op = iota + 1
	OpWrite
	OpDelete
	OpExists
	OpList
)

// OpDescriptor names one async operation to start.
type OpDescriptor struct {
	Channel Channel
	Op      Op
	Key     string
	Prefix  string
	Data    []byte
}

// Step is the continuation of one pending operation. It receives the
// completion and the context stashed at start time (typically the
// client's identity and echoed capability slots) and returns what to do
// next. Steps run on the service loop goroutine.
type Step func(res *abi.IOResult, ctx any) Outcome

type outcomeKind uint8

const (
	outcomeDone outcomeKind = iota + 1
	outcomeRead
	outcomeWrite
	outcomeDelete
)

// Outcome is a Step's verdict: finish, or chain another operation on
// the same channel with the same context.
type Outcome struct {
	kind outcomeKind
	key  string
	data []byte
	next Step
}

// Done ends the workflow. Any response to the original client has
// already been sent from inside the step.
func Done() Outcome { return Outcome{kind: outcomeDone} }

// ContinueRead chains a read of key, resuming at next.
func ContinueRead(key string, next Step) Outcome {
	return Outcome{kind: outcomeRead, key: key, next: next}
}

// ContinueWrite chains a write of key, resuming at next.
func ContinueWrite(key string, data []byte, next Step) Outcome {
	return Outcome{kind: outcomeWrite, key: key, data: data, next: next}
}

// ContinueDelete chains a delete of key, resuming at next.
func ContinueDelete(key string, next Step) Outcome {
	return Outcome{kind: outcomeDelete, key: key, next: next}
}

// Port starts asynchronous operations and returns their request IDs.
// service.Conn implements it over the syscall surface.
type Port interface {
	StorageRead(key string) (uint32, error)
	StorageWrite(key string, data []byte) (uint32, error)
	StorageDelete(key string) (uint32, error)
	StorageExists(key string) (uint32, error)
	StorageList(prefix string) (uint32, error)
	KeystoreRead(key string) (uint32, error)
	KeystoreWrite(key string, data []byte) (uint32, error)
	KeystoreDelete(key string) (uint32, error)
	KeystoreExists(key string) (uint32, error)
	KeystoreList(prefix string) (uint32, error)
}

// ErrUnknownRequest reports a completion whose request ID has no pending
// entry: a duplicate delivery, or a request already expired by Scan.
var ErrUnknownRequest = fmt.Errorf("asyncio: unknown request id")

// PendingOp ties an outstanding request ID to its continuation. Its
// lifetime spans exactly one outstanding async operation.
type PendingOp struct {
	RequestID uint32
	Channel   Channel
	Op        Op
	Key       string
	Context   any
	Next      Step
	StartedAt int64
}

// Client is the per-process correlator.
type Client struct {
	mu      sync.Mutex
	port    Port
	pending map[uint32]*PendingOp
	clock   func() int64
	logger  *slog.Logger

	duplicates uint64
	expired    uint64
}

type Option func(*Client)

// WithClock sets the time source used to stamp pending entries;
// services pass their kernel-time view so Scan cutoffs line up with
// SYS_TIME readings.
func WithClock(clock func() int64) Option {
	return func(c *Client) { c.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(port Port, opts ...Option) *Client {
	c := &Client{
		port:    port,
		pending: make(map[uint32]*PendingOp),
		clock:   func() int64 { return 0 },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start issues the described operation and registers its continuation.
func (c *Client) Start(desc OpDescriptor, ctx any, next Step) (uint32, error) {
	rid, err := c.issue(desc)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.pending[rid] = &PendingOp{
		RequestID: rid,
		Channel:   desc.Channel,
		Op:        desc.Op,
		Key:       desc.Key,
		Context:   ctx,
		Next:      next,
		StartedAt: c.clock(),
	}
	c.mu.Unlock()
	return rid, nil
}

func (c *Client) issue(desc OpDescriptor) (uint32, error) {
	switch desc.Channel {
	case ChannelStorage:
		switch desc.Op {
		case OpRead:
			return c.port.StorageRead(desc.Key)
		case OpWrite:
			return c.port.StorageWrite(desc.Key, desc.Data)
		case OpDelete:
			return c.port.StorageDelete(desc.Key)
		case OpExists:
			return c.port.StorageExists(desc.Key)
		case OpList:
			return c.port.StorageList(desc.Prefix)
		}
	case ChannelKeystore:
		switch desc.Op {
		case OpRead:
			return c.port.KeystoreRead(desc.Key)
		case OpWrite:
			return c.port.KeystoreWrite(desc.Key, desc.Data)
		case OpDelete:
			return c.port.KeystoreDelete(desc.Key)
		case OpExists:
			return c.port.KeystoreExists(desc.Key)
		case OpList:
			return c.port.KeystoreList(desc.Prefix)
		}
	}
	return 0, fmt.Errorf("asyncio: invalid op descriptor %s/%d", desc.Channel, desc.Op)
}

// StorageRead starts a storage read with its continuation.
func (c *Client) StorageRead(key string, ctx any, next Step) (uint32, error) {
	return c.Start(OpDescriptor{Channel: ChannelStorage, Op: OpRead, Key: key}, ctx, next)
}

// StorageWrite starts a storage write with its continuation.
func (c *Client) StorageWrite(key string, data []byte, ctx any, next Step) (uint32, error) {
	return c.Start(OpDescriptor{Channel: ChannelStorage, Op: OpWrite, Key: key, Data: data}, ctx, next)
}

// KeystoreRead starts a keystore read with its continuation.
func (c *Client) KeystoreRead(key string, ctx any, next Step) (uint32, error) {
	return c.Start(OpDescriptor{Channel: ChannelKeystore, Op: OpRead, Key: key}, ctx, next)
}

// KeystoreWrite starts a keystore write with its continuation.
func (c *Client) KeystoreWrite(key string, data []byte, ctx any, next Step) (uint32, error) {
	return c.Start(OpDescriptor{Channel: ChannelKeystore, Op: OpWrite, Key: key, Data: data}, ctx, next)
}

// OnResult routes one completion to its continuation and interprets the
// outcome, chaining follow-up operations on the same channel with the
// same context. The pending entry is removed before the step runs, so a
// duplicate delivery for one request ID is rejected, not double-applied.
func (c *Client) OnResult(res *abi.IOResult) error {
	c.mu.Lock()
	op, ok := c.pending[res.RequestID]
	if !ok {
		c.duplicates++
		c.mu.Unlock()
		c.logger.Warn("dropping completion with no pending entry", "request_id", res.RequestID)
		return fmt.Errorf("%w: %d", ErrUnknownRequest, res.RequestID)
	}
	delete(c.pending, res.RequestID)
	c.mu.Unlock()

	outcome := op.Next(res, op.Context)
	switch outcome.kind {
	case outcomeDone:
		return nil
	case outcomeRead:
		_, err := c.Start(OpDescriptor{Channel: op.Channel, Op: OpRead, Key: outcome.key}, op.Context, outcome.next)
		return err
	case outcomeWrite:
		_, err := c.Start(OpDescriptor{Channel: op.Channel, Op: OpWrite, Key: outcome.key, Data: outcome.data}, op.Context, outcome.next)
		return err
	case outcomeDelete:
		_, err := c.Start(OpDescriptor{Channel: op.Channel, Op: OpDelete, Key: outcome.key}, op.Context, outcome.next)
		return err
	default:
		return fmt.Errorf("asyncio: step for request %d returned invalid outcome", res.RequestID)
	}
}

// Pending reports the number of in-flight requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Duplicates reports completions dropped for lack of a pending entry.
func (c *Client) Duplicates() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duplicates
}

// Scan drops pending entries started at or before the cutoff and
// returns them so the service can synthesize failure responses. The
// kernel makes no delivery-time promise; staleness policy belongs to
// the service calling this.
func (c *Client) Scan(olderThan int64) []*PendingOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	var stale []*PendingOp
	for _, op := range c.pending {
		if op.StartedAt <= olderThan {
			stale = append(stale, op)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].RequestID < stale[j].RequestID })
	for _, op := range stale {
		delete(c.pending, op.RequestID)
		c.expired++
		c.logger.Warn("expiring pending request",
			"request_id", op.RequestID, "channel", op.Channel.String(), "started_at", op.StartedAt)
	}
	return stale
}

// Expired reports entries dropped by Scan since the Client was created.
func (c *Client) Expired() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}
