// Package registry is the init-owned service directory: names map to
// send capabilities on service endpoints. Registration, lookup, and
// spawn run over ordinary IPC on the registry tag range, so the registry
// is just another service loop handler.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/axiom"
	"github.com/zos-labs/zos/core/pkg/kernel"
	"github.com/zos-labs/zos/core/pkg/service"
)

// RegisterRequest is the body of MSG_REGISTER_SERVICE. The capability
// for the service endpoint rides in the message transfer and must carry
// send, grant, and inspect rights: the registry re-delegates it to
// lookup callers and inspects it to detect dead owners.
type RegisterRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type RegisterReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// LookupRequest is the body of MSG_LOOKUP_SERVICE.
type LookupRequest struct {
	Name string `json:"name"`
}

// LookupReply carries the owner's identity; the send capability for the
// service endpoint rides in the reply transfer when OK.
type LookupReply struct {
	OK      bool             `json:"ok"`
	Error   string           `json:"error,omitempty"`
	PID     kernel.ProcessID `json:"pid,omitempty"`
	Version string           `json:"version,omitempty"`
}

// SpawnReply answers MSG_SPAWN_SERVICE; the body of the request is the
// service manifest itself.
type SpawnReply struct {
	OK    bool             `json:"ok"`
	Error string           `json:"error,omitempty"`
	PID   kernel.ProcessID `json:"pid,omitempty"`
}

type entry struct {
	Name    string
	Owner   kernel.ProcessID
	Slot    uint32
	Version string
}

// SlotConfig names the slots in the registry process's own space whose
// capabilities are granted to every spawned child. Granted in order
// after the child's own endpoint (slot 1), they land on the standard
// layout: 2 init, 3 VFS, 4 VFS response, 5 keystore. Zero skips a grant
// and shifts the layout, so a full configuration is the norm.
type SlotConfig struct {
	Init        uint32
	VFS         uint32
	VFSResponse uint32
	Keystore    uint32
}

// Registry implements the directory as a service.Handler.
type Registry struct {
	conn   *service.Conn
	slots  SlotConfig
	logger *slog.Logger

	entries map[string]*entry
}

func New(conn *service.Conn, slots SlotConfig) *Registry {
	return &Registry{
		conn:    conn,
		slots:   slots,
		logger:  slog.Default().With("component", "registry"),
		entries: make(map[string]*entry),
	}
}

// Handle dispatches one registry request.
func (r *Registry) Handle(c *service.Conn, msg *kernel.Message, replySlot uint32) error {
	switch msg.Tag {
	case abi.MsgRegisterService:
		return r.handleRegister(msg, replySlot)
	case abi.MsgLookupService:
		return r.handleLookup(msg, replySlot)
	case abi.MsgSpawnService:
		return r.handleSpawn(msg, replySlot)
	default:
		return service.ErrUnknownTag
	}
}

func (r *Registry) handleRegister(msg *kernel.Message, replySlot uint32) error {
	var req RegisterRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return r.reply(replySlot, abi.ReplyTag(msg.Tag), RegisterReply{Error: "INVALID_REQUEST"})
	}
	if req.Name == "" || len(msg.CapSlots) == 0 || msg.CapSlots[0] == abi.SlotNull {
		return r.reply(replySlot, abi.ReplyTag(msg.Tag), RegisterReply{Error: "INVALID_REQUEST"})
	}
	capSlot := msg.CapSlots[0]

	// Without inspect and grant rights the registry can neither detect a
	// dead owner nor hand the endpoint to lookup callers, so a weaker
	// capability is rejected here instead of stranding lookups later.
	const requiredPerms = axiom.PermSend | axiom.PermGrant | axiom.PermInspect
	info, err := r.conn.CapInspect(capSlot)
	if err != nil || !info.Capability.Permissions.Contains(requiredPerms) {
		_ = r.conn.CapDelete(capSlot)
		return r.reply(replySlot, abi.ReplyTag(msg.Tag), RegisterReply{Error: "INVALID_REQUEST"})
	}

	if prev, ok := r.entries[req.Name]; ok {
		// A name stays taken while its capability is still live; a dead
		// owner's endpoints were generation-bumped at exit, so the
		// stale slot fails inspection and frees the name.
		if _, err := r.conn.CapInspect(prev.Slot); err == nil {
			_ = r.conn.CapDelete(capSlot)
			return r.reply(replySlot, abi.ReplyTag(msg.Tag), RegisterReply{Error: "NAME_TAKEN"})
		}
		_ = r.conn.CapDelete(prev.Slot)
	}

	r.entries[req.Name] = &entry{
		Name:    req.Name,
		Owner:   msg.FromPID,
		Slot:    capSlot,
		Version: req.Version,
	}
	r.logger.Info("service registered", "name", req.Name, "pid", uint64(msg.FromPID), "version", req.Version)
	return r.reply(replySlot, abi.ReplyTag(msg.Tag), RegisterReply{OK: true})
}

func (r *Registry) handleLookup(msg *kernel.Message, replySlot uint32) error {
	var req LookupRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return r.reply(replySlot, abi.ReplyTag(msg.Tag), LookupReply{Error: "INVALID_REQUEST"})
	}
	ent, ok := r.entries[req.Name]
	if ok {
		if _, err := r.conn.CapInspect(ent.Slot); err != nil {
			_ = r.conn.CapDelete(ent.Slot)
			delete(r.entries, req.Name)
			ok = false
		}
	}
	if !ok {
		return r.reply(replySlot, abi.ReplyTag(msg.Tag), LookupReply{Error: "NOT_FOUND"})
	}

	body, err := json.Marshal(LookupReply{OK: true, PID: ent.Owner, Version: ent.Version})
	if err != nil {
		return err
	}
	if replySlot == 0 {
		return nil
	}
	// The reply carries a derived send capability for the service
	// endpoint, so the caller can talk to the service directly.
	_, err = r.conn.SendCap(replySlot, abi.ReplyTag(msg.Tag), body, false,
		[]kernel.TransferSpec{{Slot: ent.Slot, Perms: axiom.PermSend}})
	r.dropReplySlot(replySlot, err)
	return ignoreDeadClient(err)
}

func (r *Registry) handleSpawn(msg *kernel.Message, replySlot uint32) error {
	m, _, err := ParseManifest(msg.Data)
	if err != nil {
		r.logger.Warn("spawn rejected", "error", err)
		return r.reply(replySlot, abi.ReplyTag(msg.Tag), SpawnReply{Error: "INVALID_REQUEST"})
	}

	res, err := r.conn.Spawn(m.Name, m.QueueCapacity)
	if err != nil {
		return r.reply(replySlot, abi.ReplyTag(msg.Tag), SpawnReply{Error: "QUOTA_EXCEEDED"})
	}
	if err := r.grantStandardSlots(res.Slot); err != nil {
		r.logger.Error("standard slot grant failed", "pid", uint64(res.PID), "error", err)
		return r.reply(replySlot, abi.ReplyTag(msg.Tag), SpawnReply{Error: "INTERNAL"})
	}
	r.logger.Info("service spawned", "name", m.Name, "version", m.Version, "pid", uint64(res.PID))
	return r.reply(replySlot, abi.ReplyTag(msg.Tag), SpawnReply{OK: true, PID: res.PID})
}

// grantStandardSlots installs the standard capability layout in a fresh
// child via its Process capability.
func (r *Registry) grantStandardSlots(procSlot uint32) error {
	for _, src := range []uint32{r.slots.Init, r.slots.VFS, r.slots.VFSResponse, r.slots.Keystore} {
		if src == 0 {
			continue
		}
		if _, err := r.conn.CapGrant(src, procSlot, axiom.PermSend, 0); err != nil {
			return fmt.Errorf("grant slot %d: %w", src, err)
		}
	}
	return nil
}

// Names lists the registered service names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) reply(replySlot, tag uint32, body any) error {
	if replySlot == 0 {
		return nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = r.conn.Reply(tag, data)
	return ignoreDeadClient(err)
}

// dropReplySlot releases a reply capability consumed outside Conn.Reply.
func (r *Registry) dropReplySlot(slot uint32, sendErr error) {
	if errors.Is(sendErr, kernel.ErrWouldBlock) {
		return
	}
	_ = r.conn.CapDelete(slot)
}

// ignoreDeadClient swallows failures caused by the requester vanishing
// between request and reply.
func ignoreDeadClient(err error) error {
	if errors.Is(err, kernel.ErrWouldBlock) ||
		errors.Is(err, kernel.ErrInvalidCapability) ||
		errors.Is(err, kernel.ErrEndpointNotFound) {
		return nil
	}
	return err
}
