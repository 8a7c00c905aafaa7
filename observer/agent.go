package observer

import (
	"context"
	"time"

	"github.com/chatsg/chatsg"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedAgent wraps a chatsg.Agent with OTEL instrumentation. Each
// ProcessMessage becomes one span carrying the agent and session ids.
type ObservedAgent struct {
	inner chatsg.Agent
	inst  *Instruments
}

// WrapAgent returns an instrumented agent.
func WrapAgent(inner chatsg.Agent, inst *Instruments) *ObservedAgent {
	return &ObservedAgent{inner: inner, inst: inst}
}

func (o *ObservedAgent) Info() chatsg.AgentInfo            { return o.inner.Info() }
func (o *ObservedAgent) Capabilities() chatsg.Capabilities { return o.inner.Capabilities() }

// Keywords forwards the optional keyword hints when the inner agent
// provides them, so routing still sees them through the wrapper.
func (o *ObservedAgent) Keywords() []string {
	if km, ok := o.inner.(chatsg.KeywordMatcher); ok {
		return km.Keywords()
	}
	return nil
}

// Cleanup forwards to the inner agent when it supports disposal.
func (o *ObservedAgent) Cleanup() error {
	if ca, ok := o.inner.(chatsg.CleanupAgent); ok {
		return ca.Cleanup()
	}
	return nil
}

func (o *ObservedAgent) ProcessMessage(ctx context.Context, task chatsg.Task, stream *chatsg.Stream) (chatsg.Message, error) {
	info := o.inner.Info()
	ctx, span := o.inst.Tracer.Start(ctx, "agent.process", trace.WithAttributes(
		AttrAgentName.String(info.Name),
		AttrAgentType.String(string(info.Type)),
		AttrSessionID.String(task.SessionID),
	))
	defer span.End()
	start := time.Now()

	msg, err := o.inner.ProcessMessage(ctx, task, stream)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.inst.AgentExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrAgentName.String(info.Name),
		attribute.String("status", status),
	))
	o.inst.AgentDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrAgentName.String(info.Name),
	))
	return msg, err
}
