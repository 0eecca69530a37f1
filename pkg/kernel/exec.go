package kernel

import (
	"fmt"

	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/axiom"
	"github.com/zos-labs/zos/core/pkg/canonicalize"
	"github.com/zos-labs/zos/core/pkg/commitlog"
)

// RevokeNotice is the payload of a MSG_CAP_REVOKED notification.
type RevokeNotice struct {
	ObjectType axiom.ObjectType `json:"object_type"`
	ObjectID   uint64           `json:"object_id"`
	Generation uint32           `json:"generation"`
}

// exec executes one decoded syscall against kernel state. Caller holds
// k.mu; the request commit has already been recorded. Everything here is
// a pure function of (state, args, nd).
func (k *Kernel) exec(pid ProcessID, no abi.Sysno, args any, nd *nondet) (any, error) {
	var p *Process
	if pid == 0 {
		// PID 0 is the kernel itself; it may only bootstrap init.
		if no != abi.SysSpawn {
			return nil, ErrProcessNotFound
		}
	} else {
		var ok bool
		p, ok = k.procs[pid]
		if !ok || p.State == StateZombie {
			return nil, ErrProcessNotFound
		}
		if p.State == StateBlocked {
			return nil, ErrInvalidRequest
		}
		p.Metrics.Syscalls++
	}

	switch no {
	case abi.SysSend:
		a, ok := args.(*SendArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		return k.execSend(p, a.Slot, a.Tag, a.Data, a.Blocking, nil)
	case abi.SysSendCap:
		a, ok := args.(*SendCapArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		return k.execSend(p, a.Slot, a.Tag, a.Data, a.Blocking, a.Transfers)
	case abi.SysRecv:
		a, ok := args.(*RecvArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		return k.execRecv(p, a.Slot, a.Blocking)
	case abi.SysReply:
		a, ok := args.(*ReplyArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		return k.execReply(p, a.Tag, a.Data)
	case abi.SysCapGrant:
		a, ok := args.(*CapGrantArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		return k.execCapGrant(p, a)
	case abi.SysCapRevoke:
		a, ok := args.(*CapRevokeArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		return k.execCapRevoke(p, a.Slot)
	case abi.SysCapDerive:
		a, ok := args.(*CapDeriveArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		return k.execCapDerive(p, a)
	case abi.SysCapList:
		return &CapListResult{Entries: p.Space.Snapshot(), Tombstones: p.Space.Tombstones()}, nil
	case abi.SysCapInspect:
		a, ok := args.(*CapInspectArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		cap, err := k.gate.Check(p.Space, a.Slot, axiom.ObjectAny, axiom.PermInspect, k.now)
		if err != nil {
			return nil, err
		}
		return &CapInspectResult{Capability: cap}, nil
	case abi.SysCapDelete:
		a, ok := args.(*CapDeleteArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		if !p.Space.Delete(a.Slot) {
			return nil, ErrInvalidCapability
		}
		if p.replySlot == a.Slot {
			p.replySlot = 0
		}
		return &struct{}{}, nil
	case abi.SysCreateEndpoint:
		a, ok := args.(*CreateEndpointArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		return k.execCreateEndpoint(p, a.Capacity)
	case abi.SysDeleteEndpoint:
		a, ok := args.(*DeleteEndpointArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		cap, err := k.gate.Check(p.Space, a.Slot, axiom.ObjectEndpoint, axiom.PermManage, k.now)
		if err != nil {
			return nil, err
		}
		ep, ok := k.endpoints[EndpointID(cap.ObjectID)]
		if !ok {
			return nil, ErrEndpointNotFound
		}
		k.destroyEndpoint(ep)
		return &struct{}{}, nil
	case abi.SysExit:
		a, ok := args.(*ExitArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		if err := k.terminate(p, a.Code); err != nil {
			return nil, err
		}
		return &struct{}{}, nil
	case abi.SysKill:
		a, ok := args.(*KillArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		cap, err := k.gate.Check(p.Space, a.Slot, axiom.ObjectProcess, axiom.PermManage, k.now)
		if err != nil {
			return nil, err
		}
		target, ok := k.procs[ProcessID(cap.ObjectID)]
		if !ok {
			return nil, ErrProcessNotFound
		}
		if err := k.terminate(target, -1); err != nil {
			return nil, err
		}
		return &struct{}{}, nil
	case abi.SysYield:
		return &struct{}{}, nil
	case abi.SysTime:
		return &TimeResult{Now: k.now}, nil
	case abi.SysPS:
		return k.execPS(), nil
	case abi.SysDebug:
		return &DebugResult{
			Processes:  len(k.procs),
			Endpoints:  len(k.endpoints),
			Commits:    k.log.Len(),
			GateChecks: k.gate.Checks(),
			Now:        k.now,
		}, nil
	case abi.SysSpawn:
		a, ok := args.(*SpawnArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		return k.execSpawn(p, a)
	case abi.SysConsoleWrite:
		a, ok := args.(*ConsoleWriteArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		if len(a.Data) > abi.MaxMessageSize {
			return nil, ErrMessageTooLarge
		}
		n, _ := k.console.Write(a.Data)
		return &ConsoleWriteResult{Written: n}, nil
	case abi.SysRandom:
		a, ok := args.(*RandomArgs)
		if !ok {
			return nil, ErrInvalidRequest
		}
		if a.N <= 0 {
			return nil, ErrInvalidRequest
		}
		if a.N > abi.MaxRandomBytes {
			return nil, ErrQuotaExceeded
		}
		if len(nd.Random) != a.N {
			return nil, ErrInvalidRequest
		}
		return &RandomResult{Data: nd.Random}, nil
	default:
		if no.IsAsyncStorage() || no.IsAsyncKeystore() {
			a, ok := args.(*IOArgs)
			if !ok {
				return nil, ErrInvalidRequest
			}
			return k.execAsyncIO(p, no, a)
		}
		return nil, fmt.Errorf("%w: unknown syscall %d", ErrInvalidRequest, no)
	}
}

// execSpawn creates a process with its inbox endpoint and, for non-root
// parents, mints the parent a Process capability on the child.
func (k *Kernel) execSpawn(parent *Process, a *SpawnArgs) (*SpawnResult, error) {
	if a.Name == "" || len(a.Name) > 64 {
		return nil, ErrInvalidRequest
	}
	capacity := a.QueueCapacity
	if capacity <= 0 {
		capacity = abi.DefaultQueueCapacity
	}
	if capacity > MaxQueueCapacity {
		return nil, ErrQuotaExceeded
	}

	pid := ProcessID(k.nextPID)
	k.nextPID++
	eid := EndpointID(k.nextEndpointID)
	k.nextEndpointID++

	ep := &Endpoint{ID: eid, Owner: pid, Capacity: capacity}
	k.endpoints[eid] = ep

	proc := &Process{
		PID:   pid,
		Name:  a.Name,
		State: StateRunning,
		Inbox: eid,
		Space: axiom.NewSpace(),
	}
	// Slot 1 by convention: the process's own endpoint.
	proc.Space.Insert(axiom.Capability{
		ID:          k.allocCapID(),
		ObjectType:  axiom.ObjectEndpoint,
		ObjectID:    uint64(eid),
		Permissions: axiom.PermAll,
	})
	k.procs[pid] = proc

	res := &SpawnResult{PID: pid}
	if parent != nil {
		res.Slot = parent.Space.Insert(axiom.Capability{
			ID:          k.allocCapID(),
			ObjectType:  axiom.ObjectProcess,
			ObjectID:    uint64(pid),
			Permissions: axiom.PermGrant | axiom.PermRevoke | axiom.PermInspect | axiom.PermManage,
		})
	}
	k.logger.Info("process spawned", "pid", uint64(pid), "name", a.Name)
	return res, nil
}

// execSend implements SYS_SEND and SYS_SEND_CAP. Transferred
// capabilities are derived at send time (each gate-checked against the
// sender's holdings) and materialized at delivery.
func (k *Kernel) execSend(p *Process, slot, tag uint32, data []byte, blocking bool, transfers []TransferSpec) (*SendResult, error) {
	cap, err := k.gate.Check(p.Space, slot, axiom.ObjectEndpoint, axiom.PermSend, k.now)
	if err != nil {
		return nil, err
	}
	ep, ok := k.endpoints[EndpointID(cap.ObjectID)]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	if len(data) > abi.MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	if len(transfers) > abi.MaxCapsPerMessage {
		return nil, ErrQuotaExceeded
	}

	var caps []axiom.Capability
	for _, t := range transfers {
		parent, err := k.gate.Check(p.Space, t.Slot, axiom.ObjectAny, axiom.PermGrant, k.now)
		if err != nil {
			return nil, err
		}
		// Receive is never delegable: an endpoint has exactly one
		// receive-permission holder.
		if parent.ObjectType == axiom.ObjectEndpoint && t.Perms&axiom.PermReceive != 0 {
			return nil, ErrPermissionDenied
		}
		child, err := axiom.Derive(parent, k.allocCapID(), t.Perms, t.ExpiresAt)
		if err != nil {
			return nil, err
		}
		caps = append(caps, child)
	}

	msg := &Message{Tag: tag, FromPID: p.PID, Data: data, Caps: caps}
	p.Metrics.MessagesSent++
	p.Metrics.BytesSent += uint64(len(data))

	if len(ep.queue) >= ep.Capacity {
		if !blocking {
			return nil, ErrWouldBlock
		}
		p.State = StateBlocked
		p.pending = &pendingSend{Endpoint: ep.ID, Msg: msg}
		ep.sendWait = append(ep.sendWait, p.PID)
		return &SendResult{Delivered: false}, nil
	}

	if err := k.deliver(ep, msg, deliverySourceSyscall); err != nil {
		return nil, err
	}
	return &SendResult{Delivered: true}, nil
}

// execRecv implements SYS_RECV. Dequeuing frees capacity, so stashed
// sends of blocked peers complete here, preserving FIFO order.
func (k *Kernel) execRecv(p *Process, slot uint32, blocking bool) (*RecvResult, error) {
	cap, err := k.gate.Check(p.Space, slot, axiom.ObjectEndpoint, axiom.PermReceive, k.now)
	if err != nil {
		return nil, err
	}
	ep, ok := k.endpoints[EndpointID(cap.ObjectID)]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	if ep.Owner != p.PID {
		return nil, ErrPermissionDenied
	}

	if len(ep.queue) == 0 {
		if blocking {
			p.State = StateBlocked
			ep.recvWait = append(ep.recvWait, p.PID)
		}
		return nil, ErrWouldBlock
	}

	msg := ep.queue[0]
	ep.queue = ep.queue[1:]
	ep.Metrics.QueueDepth = len(ep.queue)
	p.Metrics.MessagesReceived++
	p.Metrics.BytesReceived += uint64(len(msg.Data))

	if err := k.drainSendWait(ep); err != nil {
		return nil, err
	}

	// Mint the single-use reply capability for SYS_REPLY. Every receive
	// replaces it: a message with no replyable sender (kernel-originated,
	// or the sender died) leaves no reply target, so the previous
	// capability is tombstoned rather than left pointing at an older
	// sender.
	replySlot := uint32(0)
	if sender, ok := k.procs[msg.FromPID]; ok && sender.State != StateZombie && sender.Inbox != 0 {
		if inbox, ok := k.endpoints[sender.Inbox]; ok {
			replySlot = p.Space.Insert(axiom.Capability{
				ID:          k.allocCapID(),
				ObjectType:  axiom.ObjectEndpoint,
				ObjectID:    uint64(inbox.ID),
				Permissions: axiom.PermSend,
				Generation:  inbox.Generation,
			})
		}
	}
	if p.replySlot != 0 {
		p.Space.Delete(p.replySlot)
	}
	p.replySlot = replySlot

	return &RecvResult{Message: msg, ReplySlot: replySlot}, nil
}

// execReply sends through the reply capability minted at the last RECV.
// The capability is single-use: consumed on success, kept for retry only
// on a full queue.
func (k *Kernel) execReply(p *Process, tag uint32, data []byte) (*ReplyResult, error) {
	if p.replySlot == 0 {
		return nil, ErrInvalidRequest
	}
	slot := p.replySlot
	res, err := k.execSend(p, slot, tag, data, false, nil)
	if err != nil {
		if err == ErrWouldBlock {
			return nil, err
		}
		p.Space.Delete(slot)
		p.replySlot = 0
		return nil, err
	}
	p.Space.Delete(slot)
	p.replySlot = 0
	return &ReplyResult{Delivered: res.Delivered}, nil
}

// execCapGrant inserts a derived capability into another process's
// space. Authority required: Grant on the capability being delegated and
// Grant on a Process capability naming the grantee.
func (k *Kernel) execCapGrant(p *Process, a *CapGrantArgs) (*CapGrantResult, error) {
	targetCap, err := k.gate.Check(p.Space, a.TargetSlot, axiom.ObjectProcess, axiom.PermGrant, k.now)
	if err != nil {
		return nil, err
	}
	target, ok := k.procs[ProcessID(targetCap.ObjectID)]
	if !ok || target.State == StateZombie {
		return nil, ErrProcessNotFound
	}
	parent, err := k.gate.Check(p.Space, a.Slot, axiom.ObjectAny, axiom.PermGrant, k.now)
	if err != nil {
		return nil, err
	}
	if parent.ObjectType == axiom.ObjectEndpoint && a.Perms&axiom.PermReceive != 0 {
		return nil, ErrPermissionDenied
	}
	if target.Space.Len() >= MaxCapsPerSpace {
		return nil, ErrQuotaExceeded
	}
	child, err := axiom.Derive(parent, k.allocCapID(), a.Perms, a.ExpiresAt)
	if err != nil {
		return nil, err
	}
	slot := target.Space.Insert(child)
	return &CapGrantResult{TargetSlot: slot, CapID: child.ID}, nil
}

// execCapRevoke bumps the referent's generation, invalidating every
// prior capability on it wholesale, notifies the other holders, records
// the CapRevoked commit, and mints the revoker a replacement at the new
// generation.
func (k *Kernel) execCapRevoke(p *Process, slot uint32) (*CapRevokeResult, error) {
	cap, err := k.gate.Check(p.Space, slot, axiom.ObjectAny, axiom.PermRevoke, k.now)
	if err != nil {
		return nil, err
	}

	pre, err := k.stateHash()
	if err != nil {
		return nil, err
	}

	var newGen uint32
	switch cap.ObjectType {
	case axiom.ObjectEndpoint:
		ep := k.endpoints[EndpointID(cap.ObjectID)]
		ep.Generation++
		newGen = ep.Generation
	case axiom.ObjectProcess:
		target := k.procs[ProcessID(cap.ObjectID)]
		target.Generation++
		newGen = target.Generation
	default:
		key := genKey{Type: cap.ObjectType, ID: cap.ObjectID}
		k.gens[key]++
		newGen = k.gens[key]
	}

	// Holders discover revocation lazily at next use; the notification
	// is a best-effort courtesy delivered to their inboxes.
	notice, err := canonicalize.JCS(RevokeNotice{
		ObjectType: cap.ObjectType,
		ObjectID:   cap.ObjectID,
		Generation: newGen,
	})
	if err != nil {
		return nil, err
	}
	notified := 0
	for _, pid := range k.sortedPIDs() {
		holder := k.procs[pid]
		if holder.PID == p.PID || holder.State == StateZombie || holder.Inbox == 0 {
			continue
		}
		holds := false
		for _, entry := range holder.Space.Snapshot() {
			if entry.Capability.ObjectType == cap.ObjectType && entry.Capability.ObjectID == cap.ObjectID {
				holds = true
				break
			}
		}
		if !holds {
			continue
		}
		inbox, ok := k.endpoints[holder.Inbox]
		if !ok || len(inbox.queue) >= inbox.Capacity {
			k.metrics.MessageDropped("revoke_notice_queue_full")
			continue
		}
		msg := &Message{Tag: abi.MsgCapRevoked, FromPID: 0, Data: notice}
		if err := k.deliver(inbox, msg, deliverySourceSyscall); err != nil {
			return nil, err
		}
		notified++
	}

	post, err := k.stateHash()
	if err != nil {
		return nil, err
	}
	payload, err := canonicalize.JCS(RevokePayload{
		ObjectType: cap.ObjectType,
		ObjectID:   cap.ObjectID,
		Generation: newGen,
		RevokedBy:  p.PID,
		Notified:   notified,
	})
	if err != nil {
		return nil, err
	}
	if err := k.appendCommit(&commitlog.Commit{
		Type:      commitlog.CommitCapRevoked,
		Payload:   payload,
		PreState:  pre,
		PostState: post,
	}); err != nil {
		return nil, err
	}

	newSlot := p.Space.Insert(axiom.Capability{
		ID:          k.allocCapID(),
		ObjectType:  cap.ObjectType,
		ObjectID:    cap.ObjectID,
		Permissions: cap.Permissions,
		Generation:  newGen,
		ExpiresAt:   cap.ExpiresAt,
	})
	return &CapRevokeResult{NewSlot: newSlot, Generation: newGen, Notified: notified}, nil
}

// execCapDerive mints a weakened sibling in the caller's own space.
func (k *Kernel) execCapDerive(p *Process, a *CapDeriveArgs) (*CapDeriveResult, error) {
	parent, err := k.gate.Check(p.Space, a.Slot, axiom.ObjectAny, axiom.PermGrant, k.now)
	if err != nil {
		return nil, err
	}
	if p.Space.Len() >= MaxCapsPerSpace {
		return nil, ErrQuotaExceeded
	}
	child, err := axiom.Derive(parent, k.allocCapID(), a.Perms, a.ExpiresAt)
	if err != nil {
		return nil, err
	}
	slot := p.Space.Insert(child)
	return &CapDeriveResult{Slot: slot, CapID: child.ID}, nil
}

func (k *Kernel) execCreateEndpoint(p *Process, capacity int) (*CreateEndpointResult, error) {
	if capacity <= 0 {
		capacity = abi.DefaultQueueCapacity
	}
	if capacity > MaxQueueCapacity {
		return nil, ErrQuotaExceeded
	}
	if p.Space.Len() >= MaxCapsPerSpace {
		return nil, ErrQuotaExceeded
	}

	eid := EndpointID(k.nextEndpointID)
	k.nextEndpointID++
	ep := &Endpoint{ID: eid, Owner: p.PID, Capacity: capacity}
	k.endpoints[eid] = ep

	slot := p.Space.Insert(axiom.Capability{
		ID:          k.allocCapID(),
		ObjectType:  axiom.ObjectEndpoint,
		ObjectID:    uint64(eid),
		Permissions: axiom.PermAll,
	})
	return &CreateEndpointResult{Slot: slot, Endpoint: eid}, nil
}

func (k *Kernel) execPS() *PSResult {
	res := &PSResult{}
	for _, pid := range k.sortedPIDs() {
		p := k.procs[pid]
		res.Processes = append(res.Processes, ProcessInfo{
			PID:     p.PID,
			Name:    p.Name,
			State:   p.State.String(),
			Inbox:   p.Inbox,
			Caps:    p.Space.Len(),
			Metrics: p.Metrics,
		})
	}
	return res
}

// execAsyncIO allocates a per-process request ID and queues the
// operation for the supervisor. It never suspends: the completion
// arrives later as a message on the caller's inbox.
func (k *Kernel) execAsyncIO(p *Process, no abi.Sysno, a *IOArgs) (*IOStartResult, error) {
	channel := ChannelStorage
	base := abi.SysStorageRead
	if no.IsAsyncKeystore() {
		channel = ChannelKeystore
		base = abi.SysKeystoreRead
	}
	op := IOOp(uint32(no) - uint32(base) + 1)

	switch op {
	case IORead, IODelete, IOExists:
		if a.Key == "" {
			return nil, ErrInvalidRequest
		}
	case IOWrite:
		if a.Key == "" {
			return nil, ErrInvalidRequest
		}
		if len(a.Data) > abi.MaxMessageSize {
			return nil, ErrMessageTooLarge
		}
	case IOList:
		// Empty prefix lists everything.
	default:
		return nil, ErrInvalidRequest
	}

	p.NextRequestID++
	rid := p.NextRequestID
	k.outbox = append(k.outbox, IORequest{
		PID:       p.PID,
		RequestID: rid,
		Channel:   channel,
		Op:        op,
		Key:       a.Key,
		Prefix:    a.Prefix,
		Data:      a.Data,
	})
	return &IOStartResult{RequestID: rid}, nil
}
