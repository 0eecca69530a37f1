package kernel

import (
	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/axiom"
	"github.com/zos-labs/zos/core/pkg/canonicalize"
	"github.com/zos-labs/zos/core/pkg/commitlog"
)

// Delivery sources recorded on MessageDelivered commits. Syscall-sourced
// deliveries are reproduced by re-executing the recorded syscall during
// replay; supervisor-sourced ones are injected from the recorded
// payload.
const (
	deliverySourceSyscall    = "syscall"
	deliverySourceSupervisor = "supervisor"
)

// DeliveryPayload is the commit payload of one message delivery.
type DeliveryPayload struct {
	Endpoint EndpointID         `json:"endpoint"`
	To       ProcessID          `json:"to"`
	From     ProcessID          `json:"from"`
	Tag      uint32             `json:"tag"`
	Data     []byte             `json:"data,omitempty"`
	Caps     []axiom.Capability `json:"caps,omitempty"`
	CapSlots []uint32           `json:"cap_slots,omitempty"`
	Source   string             `json:"source"`
}

// TickPayload is the commit payload of a clock advance.
type TickPayload struct {
	Now int64 `json:"now"`
}

// RevokePayload is the commit payload of a capability revocation.
type RevokePayload struct {
	ObjectType axiom.ObjectType `json:"object_type"`
	ObjectID   uint64           `json:"object_id"`
	Generation uint32           `json:"generation"`
	RevokedBy  ProcessID        `json:"revoked_by"`
	Notified   int              `json:"notified"`
}

// deliver enqueues msg on ep, materializes transferred capabilities in
// the receiver's space, records the MessageDelivered commit, and wakes
// one parked receiver. Caller holds k.mu and has verified capacity.
func (k *Kernel) deliver(ep *Endpoint, msg *Message, source string) error {
	receiver, ok := k.procs[ep.Owner]
	if !ok {
		return ErrEndpointNotFound
	}

	pre, err := k.stateHash()
	if err != nil {
		return err
	}

	// Materialize transferred capabilities. A full space drops the
	// transfer (slot 0), never the message.
	if len(msg.Caps) > 0 {
		msg.CapSlots = make([]uint32, len(msg.Caps))
		for i, cap := range msg.Caps {
			if receiver.Space.Len() >= MaxCapsPerSpace {
				msg.CapSlots[i] = abi.SlotNull
				k.metrics.CapTransferDropped()
				k.logger.Warn("capability transfer dropped: space full",
					"to", uint64(ep.Owner), "cap_id", cap.ID)
				continue
			}
			msg.CapSlots[i] = receiver.Space.Insert(cap)
		}
	}

	ep.queue = append(ep.queue, msg)
	ep.Metrics.QueueDepth = len(ep.queue)
	if ep.Metrics.QueueDepth > ep.Metrics.QueueHighWater {
		ep.Metrics.QueueHighWater = ep.Metrics.QueueDepth
	}
	ep.Metrics.TotalMessages++
	ep.Metrics.TotalBytes += uint64(len(msg.Data))
	k.metrics.MessageDelivered(len(msg.Data))

	post, err := k.stateHash()
	if err != nil {
		return err
	}
	payload, err := canonicalize.JCS(DeliveryPayload{
		Endpoint: ep.ID,
		To:       ep.Owner,
		From:     msg.FromPID,
		Tag:      msg.Tag,
		Data:     msg.Data,
		Caps:     msg.Caps,
		CapSlots: msg.CapSlots,
		Source:   source,
	})
	if err != nil {
		return err
	}
	if err := k.appendCommit(&commitlog.Commit{
		Type:      commitlog.CommitMessageDelivered,
		Payload:   payload,
		PreState:  pre,
		PostState: post,
	}); err != nil {
		return err
	}

	// Wake one parked receiver; it re-issues RECV and dequeues.
	if len(ep.recvWait) > 0 {
		waiter := ep.recvWait[0]
		ep.recvWait = ep.recvWait[1:]
		if wp, ok := k.procs[waiter]; ok && wp.State == StateBlocked {
			wp.State = StateRunning
			k.broadcast()
		}
	}
	return nil
}

// drainSendWait completes stashed sends while the queue has room,
// preserving sender FIFO order. Caller holds k.mu.
func (k *Kernel) drainSendWait(ep *Endpoint) error {
	for len(ep.queue) < ep.Capacity && len(ep.sendWait) > 0 {
		pid := ep.sendWait[0]
		ep.sendWait = ep.sendWait[1:]
		p, ok := k.procs[pid]
		if !ok || p.pending == nil {
			continue
		}
		msg := p.pending.Msg
		p.pending = nil
		p.State = StateRunning
		k.broadcast()
		if err := k.deliver(ep, msg, deliverySourceSyscall); err != nil {
			return err
		}
	}
	return nil
}

// destroyEndpoint bumps the endpoint generation, drops its queue, wakes
// every parked peer, and removes it from the table. Caller holds k.mu.
func (k *Kernel) destroyEndpoint(ep *Endpoint) {
	ep.Generation++

	for range ep.queue {
		k.metrics.MessageDropped("endpoint_destroyed")
	}
	ep.queue = nil
	ep.Metrics.QueueDepth = 0

	for _, pid := range ep.sendWait {
		if p, ok := k.procs[pid]; ok && p.State == StateBlocked {
			p.pending = nil
			p.State = StateRunning
		}
	}
	ep.sendWait = nil
	for _, pid := range ep.recvWait {
		if p, ok := k.procs[pid]; ok && p.State == StateBlocked {
			p.State = StateRunning
		}
	}
	ep.recvWait = nil

	if owner, ok := k.procs[ep.Owner]; ok && owner.Inbox == ep.ID {
		owner.Inbox = 0
	}
	delete(k.endpoints, ep.ID)
	k.broadcast()
}

// terminate performs exit cleanup for p: revoke everything it owns
// (generation bumps), close its endpoints, drop messages it sent, and
// mark it Zombie. Zombies are retained; PIDs are never reused. Caller
// holds k.mu.
func (k *Kernel) terminate(p *Process, code int32) error {
	if p.State == StateZombie {
		return nil
	}

	// Remove p from every wait list and drop its stashed send.
	for _, eid := range k.sortedEndpointIDs() {
		ep := k.endpoints[eid]
		ep.sendWait = removePID(ep.sendWait, p.PID)
		ep.recvWait = removePID(ep.recvWait, p.PID)
	}
	p.pending = nil

	// Close endpoints p owns.
	for _, eid := range k.sortedEndpointIDs() {
		ep := k.endpoints[eid]
		if ep.Owner == p.PID {
			k.destroyEndpoint(ep)
		}
	}

	// Drop messages p sent that are still queued elsewhere, then admit
	// any senders blocked on the freed capacity.
	for _, eid := range k.sortedEndpointIDs() {
		ep := k.endpoints[eid]
		kept := ep.queue[:0]
		dropped := 0
		for _, msg := range ep.queue {
			if msg.FromPID == p.PID {
				dropped++
				k.metrics.MessageDropped("sender_exited")
				continue
			}
			kept = append(kept, msg)
		}
		ep.queue = kept
		ep.Metrics.QueueDepth = len(ep.queue)
		if dropped > 0 {
			if err := k.drainSendWait(ep); err != nil {
				return err
			}
		}
	}

	p.Generation++
	p.Space.Clear()
	p.State = StateZombie
	p.exitCode = code
	k.broadcast()
	k.logger.Info("process terminated", "pid", uint64(p.PID), "name", p.Name, "code", code)
	return nil
}

func removePID(list []ProcessID, pid ProcessID) []ProcessID {
	out := list[:0]
	for _, id := range list {
		if id != pid {
			out = append(out, id)
		}
	}
	return out
}
