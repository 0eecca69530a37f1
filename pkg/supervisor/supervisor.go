package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/kernel"
)

// Supervisor pumps the kernel's outbound I/O queue: every drained
// request runs against its channel's backend under a rate limiter, and
// the completion is injected back as a supervisor-sourced delivery.
type Supervisor struct {
	k        *kernel.Kernel
	storage  Backend
	keystore Backend
	limiter  *rate.Limiter
	logger   *slog.Logger

	pollInterval  time.Duration
	retryInterval time.Duration
}

type Option func(*Supervisor)

// WithRateLimit bounds backend calls per second, protecting a shared
// backend from a syscall flood.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Supervisor) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithPollInterval sets how long the pump sleeps when the outbound
// queue is empty.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.pollInterval = d }
}

func New(k *kernel.Kernel, storage, keystore Backend, opts ...Option) *Supervisor {
	s := &Supervisor{
		k:             k,
		storage:       storage,
		keystore:      keystore,
		limiter:       rate.NewLimiter(rate.Inf, 1),
		logger:        slog.Default().With("component", "supervisor"),
		pollInterval:  time.Millisecond,
		retryInterval: time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run pumps until the context is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		n, err := s.Step(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.pollInterval):
			}
		}
	}
}

// Step drains and completes the currently queued requests once,
// returning how many it processed. Tests drive the pump with Step to
// keep scheduling deterministic.
func (s *Supervisor) Step(ctx context.Context) (int, error) {
	reqs := s.k.DrainIO()
	for _, req := range reqs {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		res := s.execute(ctx, req)
		if err := s.deliver(ctx, req, res); err != nil {
			return 0, err
		}
	}
	return len(reqs), nil
}

func (s *Supervisor) backend(ch kernel.IOChannel) Backend {
	if ch == kernel.ChannelKeystore {
		return s.keystore
	}
	return s.storage
}

// execute maps one request onto its backend call and folds the outcome
// into the wire result codes.
func (s *Supervisor) execute(ctx context.Context, req kernel.IORequest) abi.IOResult {
	b := s.backend(req.Channel)
	res := abi.IOResult{RequestID: req.RequestID}

	switch req.Op {
	case kernel.IORead:
		data, err := b.Read(ctx, req.Key)
		switch {
		case errors.Is(err, ErrKeyNotFound):
			res.Result = abi.ReadNotFound
		case err != nil:
			res.Result = abi.ReadErr
			s.logger.Error("read failed", "key", req.Key, "error", err)
		default:
			res.Result = abi.ReadOK
			res.Data = data
		}
	case kernel.IOWrite:
		if err := b.Write(ctx, req.Key, req.Data); err != nil {
			res.Result = abi.WriteErr
			s.logger.Error("write failed", "key", req.Key, "error", err)
		} else {
			res.Result = abi.WriteOK
		}
	case kernel.IODelete:
		if err := b.Delete(ctx, req.Key); err != nil {
			res.Result = abi.DeleteErr
			s.logger.Error("delete failed", "key", req.Key, "error", err)
		} else {
			res.Result = abi.DeleteOK
		}
	case kernel.IOExists:
		ok, err := b.Exists(ctx, req.Key)
		switch {
		case err != nil:
			res.Result = abi.ReadErr
			s.logger.Error("exists failed", "key", req.Key, "error", err)
		case ok:
			res.Result = abi.ExistsTrue
		default:
			res.Result = abi.ExistsFalse
		}
	case kernel.IOList:
		keys, err := b.List(ctx, req.Prefix)
		if err != nil {
			res.Result = abi.ListErr
			s.logger.Error("list failed", "prefix", req.Prefix, "error", err)
		} else {
			res.Result = abi.ListOK
			res.Keys = keys
		}
	default:
		res.Result = abi.ReadErr
		s.logger.Error("unknown io op", "op", uint8(req.Op))
	}
	return res
}

// deliver injects the completion, retrying while the target inbox is
// full. Slow consumers stall the pump rather than lose completions.
func (s *Supervisor) deliver(ctx context.Context, req kernel.IORequest, res abi.IOResult) error {
	for {
		err := s.k.DeliverIOResult(req.PID, req.Channel, res)
		if !errors.Is(err, kernel.ErrWouldBlock) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryInterval):
		}
	}
}

// Close releases both backends.
func (s *Supervisor) Close() error {
	err := s.storage.Close()
	if kerr := s.keystore.Close(); err == nil {
		err = kerr
	}
	return err
}
