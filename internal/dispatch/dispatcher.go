// Package dispatch maps remote-agent tool calls to locally registered
// handlers and produces exactly one correlated result per call.
//
// The remote agent blocks a conversation turn while it waits for tool
// results, so the dispatcher never leaves a call unanswered: unknown names
// resolve to a fallback handler that returns a success-shaped
// acknowledgement, argument-validation failures and handler faults are
// converted into error-flavored results, and the whole batch is handed back
// to the transport as one outbound operation.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/cavernlabs/cavern/internal/observe"
	"github.com/cavernlabs/cavern/internal/transcript"
	"github.com/cavernlabs/cavern/pkg/incident"
	"github.com/cavernlabs/cavern/pkg/transport"
)

// fallbackResult is the success-shaped response returned for tool names with
// no registered handler, so the remote agent is never left waiting.
const fallbackResult = "Request acknowledged."

// Handler executes one tool call against local state.
//
// Handlers run on the session's event loop goroutine; they should complete
// quickly and honour ctx cancellation for anything slower.
type Handler func(ctx context.Context, args map[string]any) (Outcome, error)

// Outcome is a successful handler execution.
type Outcome struct {
	// Summary is a short human-readable line for the system transcript.
	Summary string

	// Response is the structured result payload returned to the agent. It
	// must contain at least a textual "result" field.
	Response map[string]any

	// Incident, when non-nil, is a record the handler appended to the
	// incident store; the session forwards it to the UI collaborator.
	Incident *incident.Record
}

// Batch is everything produced by dispatching one tool call batch.
type Batch struct {
	// Results holds exactly one result per call, IDs matching.
	Results []transport.ToolResult

	// Turns are the system transcript lines, one per dispatched call.
	Turns []transcript.Turn

	// Incidents are the records created as side effects, in dispatch order.
	Incidents []incident.Record
}

type tool struct {
	def      transport.ToolDefinition
	handler  Handler
	required []string
}

// Dispatcher owns the tool registry for one session.
//
// Registration happens before the session starts; Dispatch is called only
// from the session's event loop, so the registry is read-only at dispatch
// time.
type Dispatcher struct {
	tools   map[string]tool
	order   []string
	metrics *observe.Metrics
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the dispatcher's time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates an empty Dispatcher recording to metrics.
func New(metrics *observe.Metrics, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tools:   make(map[string]tool),
		metrics: metrics,
		now:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Register adds a named tool. The definition's "required" schema property is
// extracted once for argument validation. Registering a duplicate name is an
// error.
func (d *Dispatcher) Register(def transport.ToolDefinition, h Handler) error {
	if def.Name == "" {
		return fmt.Errorf("dispatch: tool definition has no name")
	}
	if _, exists := d.tools[def.Name]; exists {
		return fmt.Errorf("dispatch: tool %q already registered", def.Name)
	}
	d.tools[def.Name] = tool{
		def:      def,
		handler:  h,
		required: requiredFields(def.Parameters),
	}
	d.order = append(d.order, def.Name)
	return nil
}

// Definitions returns the declared tool schemas in registration order, for
// the session's configuration snapshot.
func (d *Dispatcher) Definitions() []transport.ToolDefinition {
	defs := make([]transport.ToolDefinition, 0, len(d.order))
	for _, name := range d.order {
		defs = append(defs, d.tools[name].def)
	}
	return defs
}

// Dispatch executes every call in the batch and returns exactly one result
// per call, in call order, plus the system transcript lines and incident
// records produced along the way. Handler faults never propagate: they are
// folded into error-flavored results so the session continues.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []transport.ToolCall) Batch {
	var batch Batch
	for _, call := range calls {
		result, turn, rec := d.dispatchOne(ctx, call)
		batch.Results = append(batch.Results, result)
		batch.Turns = append(batch.Turns, turn)
		if rec != nil {
			batch.Incidents = append(batch.Incidents, *rec)
		}
	}
	return batch
}

func (d *Dispatcher) dispatchOne(ctx context.Context, call transport.ToolCall) (transport.ToolResult, transcript.Turn, *incident.Record) {
	at := d.now()

	tl, ok := d.tools[call.Name]
	if !ok {
		closest := d.nearestTool(call.Name)
		result := fallbackResult
		summary := fmt.Sprintf("Tool %q is not available; acknowledged without action.", call.Name)
		if closest != "" {
			// Name the nearest declared tool so the agent can correct itself
			// on the next call.
			result = fmt.Sprintf("Tool %q is not available; the closest declared tool is %q. No action was taken.",
				call.Name, closest)
			summary = fmt.Sprintf("Tool %q is not available (closest: %q); acknowledged without action.",
				call.Name, closest)
		}
		slog.Warn("tool call for unregistered tool, returning fallback result",
			"tool", call.Name, "id", call.ID, "closest", closest)
		d.metrics.RecordToolCall(ctx, call.Name, "fallback")
		return transport.ToolResult{
				ID:       call.ID,
				Name:     call.Name,
				Response: map[string]any{"result": result},
			},
			transcript.SystemTurn(summary, at),
			nil
	}

	if missing := missingArgs(tl.required, call.Args); len(missing) > 0 {
		slog.Warn("tool call rejected, required arguments missing",
			"tool", call.Name, "id", call.ID, "missing", missing)
		d.metrics.RecordToolCall(ctx, call.Name, "rejected")
		msg := fmt.Sprintf("error: missing required argument(s): %s", strings.Join(missing, ", "))
		return transport.ToolResult{
				ID:       call.ID,
				Name:     call.Name,
				Response: map[string]any{"result": msg},
			},
			transcript.SystemTurn(fmt.Sprintf("Rejected tool call %q: missing %s.", call.Name, strings.Join(missing, ", ")), at),
			nil
	}

	outcome, err := tl.handler(ctx, call.Args)
	if err != nil {
		slog.Error("tool handler failed", "tool", call.Name, "id", call.ID, "error", err)
		d.metrics.RecordToolCall(ctx, call.Name, "error")
		return transport.ToolResult{
				ID:       call.ID,
				Name:     call.Name,
				Response: map[string]any{"result": fmt.Sprintf("error: %v", err)},
			},
			transcript.SystemTurn(fmt.Sprintf("Tool %q failed: %v.", call.Name, err), at),
			nil
	}

	slog.Info("tool call handled", "tool", call.Name, "id", call.ID)
	d.metrics.RecordToolCall(ctx, call.Name, "ok")
	summary := outcome.Summary
	if summary == "" {
		summary = fmt.Sprintf("Tool %q completed.", call.Name)
	}
	return transport.ToolResult{
			ID:       call.ID,
			Name:     call.Name,
			Response: outcome.Response,
		},
		transcript.SystemTurn(summary, at),
		outcome.Incident
}

// nearestTool returns the registered tool name closest to the requested one
// by edit distance, for the fallback log line. Empty when nothing is
// registered.
func (d *Dispatcher) nearestTool(name string) string {
	best, bestDist := "", -1
	names := make([]string, len(d.order))
	copy(names, d.order)
	sort.Strings(names)
	for _, candidate := range names {
		dist := matchr.Levenshtein(name, candidate)
		if bestDist < 0 || dist < bestDist {
			best, bestDist = candidate, dist
		}
	}
	return best
}

// requiredFields extracts the "required" property of a JSON-schema-shaped
// parameter map. Both []string and []any (as produced by JSON decoding) are
// accepted.
func requiredFields(params map[string]any) []string {
	switch req := params["required"].(type) {
	case []string:
		return req
	case []any:
		var fields []string
		for _, f := range req {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
		return fields
	default:
		return nil
	}
}

// missingArgs returns the required fields absent from args. Presence is
// enough: type mismatches are left for the handler to report, since the
// remote agent recovers better from a specific error result than from a
// rejected call.
func missingArgs(required []string, args map[string]any) []string {
	var missing []string
	for _, field := range required {
		if _, ok := args[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}
