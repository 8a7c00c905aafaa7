package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chatsg/chatsg"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a chatsg.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner chatsg.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner chatsg.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Name() string        { return o.inner.Name() }
func (o *ObservedTool) Description() string { return o.inner.Description() }

func (o *ObservedTool) Execute(ctx context.Context, params json.RawMessage, inv *chatsg.ToolInvocation) (chatsg.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	res, err := o.inner.Execute(ctx, params, inv)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil || !res.Success {
		status = "error"
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Error, res.Error)
		}
	}
	span.SetAttributes(AttrToolStatus.String(status))
	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(o.inner.Name()),
		AttrToolStatus.String(status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(o.inner.Name()),
	))
	return res, err
}
