// Package service is the skeleton every user-space service is built on:
// a per-process syscall binding (Conn) and a blocking receive loop that
// classifies inbound messages between async completions, revocation
// notices, and request handlers.
package service

import (
	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/axiom"
	"github.com/zos-labs/zos/core/pkg/kernel"
)

// Conn binds one process to the syscall surface. It also implements
// asyncio.Port, so a correlator can issue follow-up operations through
// the same binding.
type Conn struct {
	k   *kernel.Kernel
	pid kernel.ProcessID
}

func NewConn(k *kernel.Kernel, pid kernel.ProcessID) *Conn {
	return &Conn{k: k, pid: pid}
}

func (c *Conn) PID() kernel.ProcessID { return c.pid }

func (c *Conn) Send(slot, tag uint32, data []byte, blocking bool) (*kernel.SendResult, error) {
	return c.k.Send(c.pid, slot, tag, data, blocking)
}

func (c *Conn) SendCap(slot, tag uint32, data []byte, blocking bool, transfers []kernel.TransferSpec) (*kernel.SendResult, error) {
	return c.k.SendCap(c.pid, slot, tag, data, blocking, transfers)
}

func (c *Conn) Recv(blocking bool) (*kernel.RecvResult, error) {
	return c.k.Recv(c.pid, abi.SlotSelf, blocking)
}

func (c *Conn) Reply(tag uint32, data []byte) (*kernel.ReplyResult, error) {
	return c.k.Reply(c.pid, tag, data)
}

func (c *Conn) CreateEndpoint(capacity int) (*kernel.CreateEndpointResult, error) {
	return c.k.CreateEndpoint(c.pid, capacity)
}

func (c *Conn) CapGrant(slot, targetSlot uint32, perms axiom.Permission, expiresAt int64) (*kernel.CapGrantResult, error) {
	return c.k.CapGrant(c.pid, slot, targetSlot, perms, expiresAt)
}

func (c *Conn) CapRevoke(slot uint32) (*kernel.CapRevokeResult, error) {
	return c.k.CapRevoke(c.pid, slot)
}

func (c *Conn) CapDerive(slot uint32, perms axiom.Permission, expiresAt int64) (*kernel.CapDeriveResult, error) {
	return c.k.CapDerive(c.pid, slot, perms, expiresAt)
}

func (c *Conn) CapList() (*kernel.CapListResult, error) { return c.k.CapList(c.pid) }

func (c *Conn) CapInspect(slot uint32) (*kernel.CapInspectResult, error) {
	return c.k.CapInspect(c.pid, slot)
}

func (c *Conn) CapDelete(slot uint32) error { return c.k.CapDelete(c.pid, slot) }

func (c *Conn) Spawn(name string, queueCapacity int) (*kernel.SpawnResult, error) {
	return c.k.Spawn(c.pid, name, queueCapacity)
}

func (c *Conn) Exit(code int32) error { return c.k.Exit(c.pid, code) }

func (c *Conn) Yield() error { return c.k.Yield(c.pid) }

// Time reads kernel time through the recorded syscall path.
func (c *Conn) Time() (int64, error) {
	res, err := c.k.Time(c.pid)
	if err != nil {
		return 0, err
	}
	return res.Now, nil
}

func (c *Conn) ConsoleWrite(data []byte) (int, error) {
	res, err := c.k.ConsoleWrite(c.pid, data)
	if err != nil {
		return 0, err
	}
	return res.Written, nil
}

func (c *Conn) Random(n int) ([]byte, error) {
	res, err := c.k.Random(c.pid, n)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func startIO(res *kernel.IOStartResult, err error) (uint32, error) {
	if err != nil {
		return 0, err
	}
	return res.RequestID, nil
}

func (c *Conn) StorageRead(key string) (uint32, error) {
	return startIO(c.k.StorageRead(c.pid, key))
}

func (c *Conn) StorageWrite(key string, data []byte) (uint32, error) {
	return startIO(c.k.StorageWrite(c.pid, key, data))
}

func (c *Conn) StorageDelete(key string) (uint32, error) {
	return startIO(c.k.StorageDelete(c.pid, key))
}

func (c *Conn) StorageExists(key string) (uint32, error) {
	return startIO(c.k.StorageExists(c.pid, key))
}

func (c *Conn) StorageList(prefix string) (uint32, error) {
	return startIO(c.k.StorageList(c.pid, prefix))
}

func (c *Conn) KeystoreRead(key string) (uint32, error) {
	return startIO(c.k.KeystoreRead(c.pid, key))
}

func (c *Conn) KeystoreWrite(key string, data []byte) (uint32, error) {
	return startIO(c.k.KeystoreWrite(c.pid, key, data))
}

func (c *Conn) KeystoreDelete(key string) (uint32, error) {
	return startIO(c.k.KeystoreDelete(c.pid, key))
}

func (c *Conn) KeystoreExists(key string) (uint32, error) {
	return startIO(c.k.KeystoreExists(c.pid, key))
}

func (c *Conn) KeystoreList(prefix string) (uint32, error) {
	return startIO(c.k.KeystoreList(c.pid, prefix))
}
