package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cavernlabs/cavern/internal/dispatch"
	"github.com/cavernlabs/cavern/internal/observe"
	"github.com/cavernlabs/cavern/internal/transcript"
	"github.com/cavernlabs/cavern/pkg/incident"
	"github.com/cavernlabs/cavern/pkg/transport"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func newDispatcher(t *testing.T, opts ...dispatch.Option) *dispatch.Dispatcher {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return dispatch.New(m, opts...)
}

func echoTool(name string) (transport.ToolDefinition, dispatch.Handler) {
	def := transport.ToolDefinition{Name: name, Description: "echoes its arguments"}
	handler := func(_ context.Context, args map[string]any) (dispatch.Outcome, error) {
		return dispatch.Outcome{
			Summary:  "Echoed.",
			Response: map[string]any{"result": "ok", "echo": args},
		}, nil
	}
	return def, handler
}

func TestDispatch_OneResultPerCallInOrder(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t)
	if err := d.Register(echoTool("alpha")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Register(echoTool("beta")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	batch := d.Dispatch(context.Background(), []transport.ToolCall{
		{ID: "call-1", Name: "beta"},
		{ID: "call-2", Name: "alpha"},
	})
	if len(batch.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2", len(batch.Results))
	}
	if batch.Results[0].ID != "call-1" || batch.Results[1].ID != "call-2" {
		t.Fatalf("result IDs = %q, %q; want call order preserved", batch.Results[0].ID, batch.Results[1].ID)
	}
	if len(batch.Turns) != 2 {
		t.Fatalf("len(Turns) = %d, want 2", len(batch.Turns))
	}
	for _, turn := range batch.Turns {
		if turn.Speaker != transcript.SpeakerSystem {
			t.Fatalf("turn speaker = %v, want system", turn.Speaker)
		}
	}
}

func TestDispatch_UnknownToolReturnsFallback(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t)
	if err := d.Register(echoTool("record_safety_incident")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	batch := d.Dispatch(context.Background(), []transport.ToolCall{
		{ID: "call-1", Name: "record_safety_incidnet"},
	})
	if len(batch.Results) != 1 {
		t.Fatalf("len(Results) = %d, want 1", len(batch.Results))
	}
	got := batch.Results[0]
	if got.ID != "call-1" {
		t.Fatalf("result ID = %q", got.ID)
	}
	result, _ := got.Response["result"].(string)
	if strings.HasPrefix(result, "error") {
		t.Fatalf("fallback result is error-flavored: %q", result)
	}
	// The result names the nearest declared tool so the agent can retry.
	if !strings.Contains(result, `"record_safety_incident"`) {
		t.Fatalf("fallback result = %q, want nearest-tool suggestion", result)
	}
	if !strings.Contains(batch.Turns[0].Text, "record_safety_incident") {
		t.Fatalf("system turn = %q, want nearest-tool mention", batch.Turns[0].Text)
	}
}

func TestDispatch_FallbackWithEmptyRegistry(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t)
	batch := d.Dispatch(context.Background(), []transport.ToolCall{
		{ID: "call-1", Name: "anything"},
	})
	result, _ := batch.Results[0].Response["result"].(string)
	if result == "" || strings.HasPrefix(result, "error") {
		t.Fatalf("fallback result = %q, want plain acknowledgement", result)
	}
}

func TestDispatch_MissingRequiredArgsRejected(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t)
	def := transport.ToolDefinition{
		Name: "strict",
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"description", "location"},
		},
	}
	called := false
	err := d.Register(def, func(context.Context, map[string]any) (dispatch.Outcome, error) {
		called = true
		return dispatch.Outcome{Response: map[string]any{"result": "ok"}}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	batch := d.Dispatch(context.Background(), []transport.ToolCall{
		{ID: "call-1", Name: "strict", Args: map[string]any{"description": "rockfall"}},
	})
	if called {
		t.Fatal("handler ran despite missing required argument")
	}
	result, _ := batch.Results[0].Response["result"].(string)
	if !strings.Contains(result, "location") {
		t.Fatalf("result = %q, want mention of missing field", result)
	}
}

func TestDispatch_HandlerErrorBecomesErrorResult(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t)
	def := transport.ToolDefinition{Name: "flaky"}
	err := d.Register(def, func(context.Context, map[string]any) (dispatch.Outcome, error) {
		return dispatch.Outcome{}, errors.New("store unavailable")
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	batch := d.Dispatch(context.Background(), []transport.ToolCall{
		{ID: "call-1", Name: "flaky"},
	})
	result, _ := batch.Results[0].Response["result"].(string)
	if !strings.Contains(result, "store unavailable") {
		t.Fatalf("result = %q, want handler error text", result)
	}
	if len(batch.Incidents) != 0 {
		t.Fatalf("failed call produced incidents: %v", batch.Incidents)
	}
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t)
	if err := d.Register(echoTool("alpha")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Register(echoTool("alpha")); err == nil {
		t.Fatal("duplicate registration did not fail")
	}
}

func TestDefinitions_RegistrationOrder(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := d.Register(echoTool(name)); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	defs := d.Definitions()
	if len(defs) != 3 {
		t.Fatalf("len(defs) = %d, want 3", len(defs))
	}
	if defs[0].Name != "zeta" || defs[1].Name != "alpha" || defs[2].Name != "mid" {
		t.Fatalf("definitions order = %v", defs)
	}
}

func TestIncidentTool_RecordsAndResponds(t *testing.T) {
	t.Parallel()

	store := incident.NewMemoryStore()
	at := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	now := func() time.Time { return at }

	d := newDispatcher(t, dispatch.WithClock(now))
	if err := d.Register(dispatch.IncidentTool(store, now)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	batch := d.Dispatch(context.Background(), []transport.ToolCall{
		{
			ID:   "call-1",
			Name: dispatch.IncidentToolName,
			Args: map[string]any{"description": "rockfall near the shaft", "location": "tunnel B"},
		},
	})

	result, _ := batch.Results[0].Response["result"].(string)
	if result != "Incident recorded successfully." {
		t.Fatalf("result = %q", result)
	}
	if len(batch.Incidents) != 1 {
		t.Fatalf("len(Incidents) = %d, want 1", len(batch.Incidents))
	}
	rec := batch.Incidents[0]
	if rec.Description != "rockfall near the shaft" || rec.Location != "tunnel B" {
		t.Fatalf("incident = %+v", rec)
	}
	if !rec.ReportedAt.Equal(at) {
		t.Fatalf("ReportedAt = %v, want %v", rec.ReportedAt, at)
	}

	stored, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != rec.ID {
		t.Fatalf("store contents = %+v", stored)
	}
}
