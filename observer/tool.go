package observer

import (
	"context"
	"encoding/json"
	"time"

	agentworld "github.com/agentworld/agentworld"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps an agentworld.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner agentworld.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool. Register the wrapper instead of the
// inner tool; Definitions and Category pass through.
func WrapTool(inner agentworld.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Definitions() []agentworld.ToolDefinition {
	return o.inner.Definitions()
}

// Category passes through the inner tool's category so approval gating
// still applies to wrapped tools.
func (o *ObservedTool) Category() string {
	if ct, ok := o.inner.(agentworld.CategorizedTool); ok {
		return ct.Category()
	}
	return ""
}

func (o *ObservedTool) Execute(ctx context.Context, name string, args json.RawMessage) (agentworld.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	resultLen := len(result.Text())
	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(resultLen),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", resultLen),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

var _ agentworld.CategorizedTool = (*ObservedTool)(nil)
