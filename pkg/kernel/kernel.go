package kernel

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/axiom"
	"github.com/zos-labs/zos/core/pkg/canonicalize"
	"github.com/zos-labs/zos/core/pkg/commitlog"
)

// MaxCapsPerSpace bounds a single capability space. Transfers that would
// exceed it are dropped at delivery with a metric.
const MaxCapsPerSpace = 4096

// MaxQueueCapacity bounds what SYS_CREATE_ENDPOINT may request.
const MaxQueueCapacity = 4096

// genKey addresses the generation side table for object kinds that have
// no dedicated kernel table (storage and keystore keys).
type genKey struct {
	Type axiom.ObjectType
	ID   uint64
}

// Kernel is the whole kernel state: one value, no ambient singleton.
// Tests instantiate fresh kernels; replay constructs one from the empty
// state plus a log.
type Kernel struct {
	mu     sync.Mutex
	wakeCh chan struct{}

	log  commitlog.Log
	gate *axiom.Gate

	procs     map[ProcessID]*Process
	endpoints map[EndpointID]*Endpoint
	gens      map[genKey]uint32

	nextPID        uint64
	nextEndpointID uint64
	nextCapID      uint64

	// now is nanoseconds since boot; it only advances through
	// commit-recorded observations so expiry checks replay exactly.
	now     int64
	clock   func() int64
	entropy io.Reader

	replaying bool

	outbox  []IORequest
	console io.Writer
	metrics Metrics
	logger  *slog.Logger
}

// Option configures a kernel at construction.
type Option func(*Kernel)

// WithConsole sets the SYS_CONSOLE_WRITE sink.
func WithConsole(w io.Writer) Option {
	return func(k *Kernel) { k.console = w }
}

// WithMetrics sets the observability sink.
func WithMetrics(m Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// WithClock overrides the boot-relative clock (tests).
func WithClock(clock func() int64) Option {
	return func(k *Kernel) { k.clock = clock }
}

// WithEntropy overrides the SYS_RANDOM source (tests).
func WithEntropy(r io.Reader) Option {
	return func(k *Kernel) { k.entropy = r }
}

// New creates an empty live kernel writing commits to log.
func New(log commitlog.Log, opts ...Option) *Kernel {
	boot := time.Now()
	k := &Kernel{
		wakeCh:         make(chan struct{}),
		log:            log,
		procs:          make(map[ProcessID]*Process),
		endpoints:      make(map[EndpointID]*Endpoint),
		gens:           make(map[genKey]uint32),
		nextPID:        1,
		nextEndpointID: 1,
		nextCapID:      1,
		clock:          func() int64 { return time.Since(boot).Nanoseconds() },
		entropy:        rand.Reader,
		console:        io.Discard,
		metrics:        NopMetrics{},
		logger:         slog.Default().With("component", "kernel"),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.gate = axiom.NewGate(generationSource{k})
	return k
}

// NewForReplay creates a kernel whose only inputs are recorded commits:
// no clock, no entropy, no live supervisor.
func NewForReplay(log commitlog.Log, opts ...Option) *Kernel {
	k := New(log, opts...)
	k.replaying = true
	k.clock = nil
	k.entropy = nil
	return k
}

// generationSource adapts the kernel's object tables to the gate.
// It must only be called with k.mu held (always true: the gate is only
// invoked from exec paths).
type generationSource struct{ k *Kernel }

func (g generationSource) Generation(t axiom.ObjectType, id uint64) (uint32, bool) {
	switch t {
	case axiom.ObjectEndpoint:
		ep, ok := g.k.endpoints[EndpointID(id)]
		if !ok {
			return 0, false
		}
		return ep.Generation, true
	case axiom.ObjectProcess:
		p, ok := g.k.procs[ProcessID(id)]
		if !ok {
			return 0, false
		}
		return p.Generation, true
	default:
		gen, ok := g.k.gens[genKey{Type: t, ID: id}]
		if !ok {
			return 0, false
		}
		return gen, true
	}
}

// GateChecks returns the number of authority checks performed since
// boot. Tests use it to prove complete mediation.
func (k *Kernel) GateChecks() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.gate.Checks()
}

// Now returns the kernel's boot-relative virtual time.
func (k *Kernel) Now() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.now
}

// Log returns the underlying commit log.
func (k *Kernel) Log() commitlog.Log { return k.log }

// Process returns a snapshot record for pid.
func (k *Kernel) Process(pid ProcessID) (*ProcessInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	if !ok {
		return nil, ErrProcessNotFound
	}
	return &ProcessInfo{
		PID:     p.PID,
		Name:    p.Name,
		State:   p.State.String(),
		Inbox:   p.Inbox,
		Caps:    p.Space.Len(),
		Metrics: p.Metrics,
	}, nil
}

// Endpoint returns the endpoint record (shared; read-only use).
func (k *Kernel) Endpoint(id EndpointID) (*Endpoint, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ep, ok := k.endpoints[id]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	return ep, nil
}

// Space returns the capability space of pid (tests and init wiring).
func (k *Kernel) Space(pid ProcessID) (*axiom.Space, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	if !ok {
		return nil, ErrProcessNotFound
	}
	return p.Space, nil
}

func (k *Kernel) allocCapID() uint64 {
	id := k.nextCapID
	k.nextCapID++
	return id
}

// broadcast wakes every goroutine parked in WaitRunnable. Closed-channel
// broadcast so waiters can also select on their context.
func (k *Kernel) broadcast() {
	close(k.wakeCh)
	k.wakeCh = make(chan struct{})
}

// WaitRunnable blocks the calling goroutine until pid is Running. This
// is runner-level plumbing for service drivers, not a suspension point
// of the kernel itself: it records no commits and mutates no state.
func (k *Kernel) WaitRunnable(ctx context.Context, pid ProcessID) error {
	k.mu.Lock()
	for {
		p, ok := k.procs[pid]
		if !ok || p.State == StateZombie {
			k.mu.Unlock()
			return ErrProcessNotFound
		}
		if p.State == StateRunning {
			k.mu.Unlock()
			return nil
		}
		ch := k.wakeCh
		k.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		k.mu.Lock()
	}
}

// DrainIO removes and returns all queued async I/O requests. Called by
// the supervisor pump.
func (k *Kernel) DrainIO() []IORequest {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := k.outbox
	k.outbox = nil
	return out
}

// DeliverIOResult injects a completed async operation as a message on
// the target process's inbox. Results addressed to dead processes are
// dropped silently with a metric. A full inbox returns ErrWouldBlock so
// the supervisor can retry; the system prefers slowness over loss.
func (k *Kernel) DeliverIOResult(pid ProcessID, channel IOChannel, res abi.IOResult) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	p, ok := k.procs[pid]
	if !ok || p.State == StateZombie || p.Inbox == 0 {
		k.metrics.DeadResultDropped()
		k.logger.Debug("dropping async result for dead process",
			"pid", uint64(pid), "request_id", res.RequestID, "channel", channel.String())
		return nil
	}
	ep, ok := k.endpoints[p.Inbox]
	if !ok {
		k.metrics.DeadResultDropped()
		return nil
	}
	if len(ep.queue) >= ep.Capacity {
		return ErrWouldBlock
	}

	data, err := canonicalize.JCS(res)
	if err != nil {
		return fmt.Errorf("kernel: encode io result: %w", err)
	}
	msg := &Message{Tag: channel.ResultTag(), FromPID: 0, Data: data}
	return k.deliver(ep, msg, deliverySourceSupervisor)
}

// Tick advances the kernel's virtual clock and records it, letting
// capability expiry progress between syscalls. Called by the node
// heartbeat.
func (k *Kernel) Tick() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.clock == nil {
		return fmt.Errorf("kernel: tick on replay kernel")
	}
	return k.applyTick(k.clock())
}

func (k *Kernel) applyTick(now int64) error {
	if now > k.now {
		k.now = now
	}
	pre, err := k.stateHash()
	if err != nil {
		return err
	}
	payload, err := canonicalize.JCS(TickPayload{Now: k.now})
	if err != nil {
		return err
	}
	return k.appendCommit(&commitlog.Commit{
		Type:      commitlog.CommitTick,
		Payload:   payload,
		PreState:  pre,
		PostState: pre,
	})
}

func (k *Kernel) appendCommit(c *commitlog.Commit) error {
	if _, err := k.log.Append(context.Background(), c); err != nil {
		return fmt.Errorf("kernel: append commit: %w", err)
	}
	return nil
}

// sortedPIDs returns all process IDs ascending; map iteration order must
// never reach the commit log.
func (k *Kernel) sortedPIDs() []ProcessID {
	pids := make([]ProcessID, 0, len(k.procs))
	for pid := range k.procs {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

func (k *Kernel) sortedEndpointIDs() []EndpointID {
	ids := make([]EndpointID, 0, len(k.endpoints))
	for id := range k.endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
