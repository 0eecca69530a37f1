package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// KernelMetrics adapts the Provider to the kernel's metrics hooks. The
// kernel calls these synchronously under its lock, so every method is a
// counter add and nothing more.
type KernelMetrics struct {
	p *Provider
}

func (p *Provider) KernelMetrics() *KernelMetrics {
	return &KernelMetrics{p: p}
}

func (m *KernelMetrics) SyscallDispatched(name string, ok bool) {
	ctx := context.Background()
	if m.p.syscallCounter != nil {
		m.p.syscallCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("syscall", name),
			attribute.Bool("ok", ok),
		))
	}
	if !ok && m.p.syscallErrors != nil {
		m.p.syscallErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("syscall", name),
		))
	}
}

func (m *KernelMetrics) MessageDelivered(bytes int) {
	ctx := context.Background()
	if m.p.messagesDelivered != nil {
		m.p.messagesDelivered.Add(ctx, 1)
	}
	if m.p.messageBytes != nil {
		m.p.messageBytes.Add(ctx, int64(bytes))
	}
}

func (m *KernelMetrics) MessageDropped(reason string) {
	if m.p.messagesDropped != nil {
		m.p.messagesDropped.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("reason", reason),
		))
	}
}

func (m *KernelMetrics) CapTransferDropped() {
	if m.p.capTransfersLost != nil {
		m.p.capTransfersLost.Add(context.Background(), 1)
	}
}

func (m *KernelMetrics) DeadResultDropped() {
	if m.p.deadResultsDropped != nil {
		m.p.deadResultsDropped.Add(context.Background(), 1)
	}
}
