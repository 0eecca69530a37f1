package kernel

import (
	"encoding/json"
	"fmt"

	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/canonicalize"
	"github.com/zos-labs/zos/core/pkg/commitlog"
)

// nondet carries everything a syscall observes that is not a function of
// kernel state: the clock reading and any entropy. It is sampled before
// the request commit is written, so execution is a pure function of
// (state, recorded request).
type nondet struct {
	Now    int64
	Random []byte
}

// RequestPayload is the commit payload of a SyscallRequest: the full
// recorded input of one kernel step.
type RequestPayload struct {
	PID    ProcessID       `json:"pid"`
	Sysno  uint32          `json:"sysno"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
	Now    int64           `json:"now"`
	Random []byte          `json:"random,omitempty"`
}

// Result is the outcome of one syscall: either a typed value or a stable
// error code.
type Result struct {
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ResponsePayload is the commit payload of a SyscallResponse.
type ResponsePayload struct {
	PID    ProcessID `json:"pid"`
	Sysno  uint32    `json:"sysno"`
	Name   string    `json:"name"`
	Result Result    `json:"result"`
}

// invoke is the live entry point: sample nondeterminism, then run the
// recorded dispatch sequence.
func (k *Kernel) invoke(pid ProcessID, no abi.Sysno, args any) (any, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	nd, err := k.sampleNondet(no, args)
	if err != nil {
		return nil, err
	}
	value, sysErr, err := k.dispatch(pid, no, args, nd)
	if err != nil {
		return nil, err
	}
	return value, sysErr
}

// sampleNondet observes the clock (monotone against kernel time) and,
// for SYS_RANDOM, draws the output bytes that will be recorded.
func (k *Kernel) sampleNondet(no abi.Sysno, args any) (*nondet, error) {
	if k.clock == nil {
		return nil, fmt.Errorf("kernel: live syscall on replay kernel")
	}
	nd := &nondet{Now: k.clock()}
	if nd.Now < k.now {
		nd.Now = k.now
	}
	if no == abi.SysRandom {
		ra, ok := args.(*RandomArgs)
		if ok && ra.N > 0 && ra.N <= abi.MaxRandomBytes {
			nd.Random = make([]byte, ra.N)
			if _, err := k.entropy.Read(nd.Random); err != nil {
				return nil, fmt.Errorf("kernel: entropy: %w", err)
			}
		}
	}
	return nd, nil
}

// dispatch runs one kernel step in the invariant order: pre-state hash,
// SyscallRequest commit, capability checks and execution, post-state
// hash, SyscallResponse commit. sysErr is the typed syscall outcome;
// err reports internal failures (log or hash breakage) only.
func (k *Kernel) dispatch(pid ProcessID, no abi.Sysno, args any, nd *nondet) (value any, sysErr error, err error) {
	if nd.Now > k.now {
		k.now = nd.Now
	}

	pre, err := k.stateHash()
	if err != nil {
		return nil, nil, err
	}

	argsJSON, err := canonicalize.JCS(args)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: encode args: %w", err)
	}
	reqJSON, err := canonicalize.JCS(RequestPayload{
		PID:    pid,
		Sysno:  uint32(no),
		Name:   no.String(),
		Args:   argsJSON,
		Now:    nd.Now,
		Random: nd.Random,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: encode request: %w", err)
	}
	if err := k.appendCommit(&commitlog.Commit{
		Type:      commitlog.CommitSyscallRequest,
		Payload:   reqJSON,
		PreState:  pre,
		PostState: pre,
	}); err != nil {
		return nil, nil, err
	}

	value, sysErr = k.exec(pid, no, args, nd)

	res := Result{OK: sysErr == nil}
	if sysErr != nil {
		res.Code = errorCode(sysErr)
	} else if value != nil {
		res.Value, err = canonicalize.JCS(value)
		if err != nil {
			return nil, nil, fmt.Errorf("kernel: encode result: %w", err)
		}
	}

	post, err := k.stateHash()
	if err != nil {
		return nil, nil, err
	}
	respJSON, err := canonicalize.JCS(ResponsePayload{
		PID:    pid,
		Sysno:  uint32(no),
		Name:   no.String(),
		Result: res,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: encode response: %w", err)
	}
	if err := k.appendCommit(&commitlog.Commit{
		Type:      commitlog.CommitSyscallResponse,
		Payload:   respJSON,
		PreState:  pre,
		PostState: post,
	}); err != nil {
		return nil, nil, err
	}

	k.metrics.SyscallDispatched(no.String(), sysErr == nil)
	if sysErr != nil {
		k.logger.Debug("syscall failed",
			"pid", uint64(pid), "sysno", no.String(), "code", res.Code)
	}
	return value, sysErr, nil
}

// ApplyRequest re-executes a recorded SyscallRequest during replay. The
// recorded syscall outcome (including failures) is reproduced by
// execution; only internal breakage is an error here.
func (k *Kernel) ApplyRequest(rp *RequestPayload) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	args, err := decodeArgs(abi.Sysno(rp.Sysno), rp.Args)
	if err != nil {
		return err
	}
	nd := &nondet{Now: rp.Now, Random: rp.Random}
	_, _, err = k.dispatch(rp.PID, abi.Sysno(rp.Sysno), args, nd)
	return err
}

// ApplyDelivery injects a recorded supervisor-sourced message delivery
// during replay.
func (k *Kernel) ApplyDelivery(dp *DeliveryPayload) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if dp.Source != deliverySourceSupervisor {
		return fmt.Errorf("kernel: cannot inject %s-sourced delivery", dp.Source)
	}
	ep, ok := k.endpoints[dp.Endpoint]
	if !ok {
		return ErrEndpointNotFound
	}
	msg := &Message{Tag: dp.Tag, FromPID: dp.From, Data: dp.Data, Caps: dp.Caps}
	return k.deliver(ep, msg, deliverySourceSupervisor)
}

// ApplyTick replays a recorded clock advance.
func (k *Kernel) ApplyTick(tp *TickPayload) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.applyTick(tp.Now)
}
