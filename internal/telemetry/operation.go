// Package telemetry records multi-step operations as trace spans: a root span
// carrying the planned steps, and one child span per executed step.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mirrord"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	PlanEventName      = "mirrord.plan"
	PlanVersion        = "1"
	PlanVersionKey     = "mirrord.plan.version"
	PlanJSONKey        = "mirrord.plan.json"
	defaultOperationID = "operation"

	PeerUUIDKey       = "mirrord.peer.uuid"
	PeerClusterKey    = "mirrord.peer.cluster"
	PeerConnectionKey = "mirrord.peer.client"
)

type PlannedStep struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Plan struct {
	Steps []PlannedStep `json:"steps"`
}

// Operation is a traced run of a Plan.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
	steps  map[string]struct{}
}

// PeerAttributes returns span attributes identifying a peer.
func PeerAttributes(peer mirrord.Peer) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(PeerUUIDKey, peer.ClusterUUID),
		attribute.String(PeerClusterKey, peer.ClusterName),
		attribute.String(PeerConnectionKey, peer.ConnectionName),
	}
}

// EmitPlan starts the root span for operation and records plan on it.
func EmitPlan(ctx context.Context, tracer trace.Tracer, operation string, plan Plan, attrs ...attribute.KeyValue) (*Operation, error) {
	if tracer == nil {
		return nil, fmt.Errorf("emit telemetry plan: tracer is required")
	}
	if err := validatePlan(plan); err != nil {
		return nil, fmt.Errorf("emit telemetry plan: %w", err)
	}

	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = defaultOperationID
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("emit telemetry plan: marshal plan: %w", err)
	}

	planAttrs := []attribute.KeyValue{
		attribute.String(PlanVersionKey, PlanVersion),
		attribute.String(PlanJSONKey, string(planJSON)),
	}
	spanCtx, span := tracer.Start(ctx, operation, trace.WithAttributes(append(planAttrs, attrs...)...))
	span.AddEvent(PlanEventName, trace.WithAttributes(planAttrs...))

	steps := make(map[string]struct{}, len(plan.Steps))
	for _, step := range plan.Steps {
		steps[strings.TrimSpace(step.ID)] = struct{}{}
	}
	return &Operation{ctx: spanCtx, tracer: tracer, span: span, steps: steps}, nil
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// RunStep runs fn inside a child span named id. id must be one of the
// planned steps.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}

	stepID := strings.TrimSpace(id)
	if stepID == "" {
		return fmt.Errorf("run telemetry step: step id is required")
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}
	if _, ok := o.steps[stepID]; !ok {
		return fmt.Errorf("run telemetry step: step %q is not in the plan", stepID)
	}

	if ctx == nil {
		ctx = o.ctx
	}

	stepCtx, span := o.tracer.Start(ctx, stepID)
	defer span.End()

	err := fn(stepCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

// End closes the root span, marking it failed when err is non-nil.
func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}

func validatePlan(plan Plan) error {
	seen := make(map[string]struct{}, len(plan.Steps))
	for i, step := range plan.Steps {
		stepID := strings.TrimSpace(step.ID)
		if stepID == "" {
			return fmt.Errorf("step %d has empty id", i)
		}
		if _, exists := seen[stepID]; exists {
			return fmt.Errorf("duplicate step id %q", stepID)
		}
		seen[stepID] = struct{}{}
	}
	return nil
}
