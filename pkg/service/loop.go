package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zos-labs/zos/core/pkg/abi"
	"github.com/zos-labs/zos/core/pkg/asyncio"
	"github.com/zos-labs/zos/core/pkg/kernel"
)

// Handler processes one request message. replySlot is the single-use
// capability back to the sender's inbox, already consumed if the handler
// calls Conn.Reply. Returning ErrUnknownTag makes the loop send the
// standard invalid-request reply instead.
type Handler interface {
	Handle(c *Conn, msg *kernel.Message, replySlot uint32) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Conn, msg *kernel.Message, replySlot uint32) error

func (f HandlerFunc) Handle(c *Conn, msg *kernel.Message, replySlot uint32) error {
	return f(c, msg, replySlot)
}

// ErrUnknownTag is returned by handlers for tags they do not serve.
var ErrUnknownTag = errors.New("service: unknown message tag")

// errorReply is the body of a negative response.
type errorReply struct {
	Error string `json:"error"`
}

// Loop is the standard service event loop: block on RECV, classify,
// dispatch. Async completions go to the correlator, revocation notices
// to the revocation hook, everything else to the handler.
type Loop struct {
	conn    *Conn
	client  *asyncio.Client
	handler Handler
	logger  *slog.Logger

	onRevoked func(notice *kernel.RevokeNotice)
}

type LoopOption func(*Loop)

// WithCorrelator routes MSG_STORAGE_RESULT / MSG_KEYSTORE_RESULT
// completions into client instead of the handler.
func WithCorrelator(client *asyncio.Client) LoopOption {
	return func(l *Loop) { l.client = client }
}

// WithRevocationHook installs a callback for MSG_CAP_REVOKED notices.
func WithRevocationHook(fn func(notice *kernel.RevokeNotice)) LoopOption {
	return func(l *Loop) { l.onRevoked = fn }
}

func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

func NewLoop(conn *Conn, handler Handler, opts ...LoopOption) *Loop {
	l := &Loop{
		conn:    conn,
		handler: handler,
		logger:  slog.Default().With("component", "service", "pid", uint64(conn.PID())),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run receives until the context is canceled or the process exits.
// ErrWouldBlock parks the goroutine until the kernel wakes the process.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := l.conn.Recv(true)
		if errors.Is(err, kernel.ErrWouldBlock) {
			werr := l.conn.k.WaitRunnable(ctx, l.conn.pid)
			if errors.Is(werr, kernel.ErrProcessNotFound) {
				return nil
			}
			if werr != nil {
				return werr
			}
			continue
		}
		if errors.Is(err, kernel.ErrProcessNotFound) || errors.Is(err, kernel.ErrEndpointNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("service: recv: %w", err)
		}
		if err := l.dispatch(res.Message, res.ReplySlot); err != nil {
			l.logger.Error("message dispatch failed", "tag", res.Message.Tag, "error", err)
		}
	}
}

func (l *Loop) dispatch(msg *kernel.Message, replySlot uint32) error {
	switch msg.Tag {
	case abi.MsgStorageResult, abi.MsgKeystoreResult:
		if l.client == nil {
			return fmt.Errorf("service: completion with no correlator installed")
		}
		var res abi.IOResult
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			return fmt.Errorf("service: malformed completion: %w", err)
		}
		if err := l.client.OnResult(&res); err != nil {
			// Duplicates are counted by the correlator; not fatal.
			l.logger.Warn("completion not routed", "request_id", res.RequestID, "error", err)
		}
		return nil
	case abi.MsgCapRevoked:
		var notice kernel.RevokeNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			return fmt.Errorf("service: malformed revocation notice: %w", err)
		}
		if l.onRevoked != nil {
			l.onRevoked(&notice)
		}
		return nil
	default:
		err := l.handler.Handle(l.conn, msg, replySlot)
		if errors.Is(err, ErrUnknownTag) {
			return l.rejectUnknown(msg, replySlot)
		}
		return err
	}
}

// rejectUnknown answers an unrecognized request with the paired
// response tag and an INVALID_REQUEST body, when a reply path exists.
func (l *Loop) rejectUnknown(msg *kernel.Message, replySlot uint32) error {
	l.logger.Warn("rejecting unknown tag", "tag", msg.Tag, "from", uint64(msg.FromPID))
	if replySlot == 0 {
		return nil
	}
	body, err := json.Marshal(errorReply{Error: "INVALID_REQUEST"})
	if err != nil {
		return err
	}
	_, err = l.conn.Reply(abi.ReplyTag(msg.Tag), body)
	if errors.Is(err, kernel.ErrWouldBlock) || errors.Is(err, kernel.ErrInvalidCapability) {
		return nil
	}
	return err
}
