package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cavernlabs/cavern/pkg/incident"
	"github.com/cavernlabs/cavern/pkg/transport"
)

// IncidentToolName is the tool name declared to the remote agent for
// recording safety incidents.
const IncidentToolName = "record_safety_incident"

// IncidentTool builds the definition and handler for the safety incident
// tool, persisting records to store. A nil now defaults to time.Now.
func IncidentTool(store incident.Store, now func() time.Time) (transport.ToolDefinition, Handler) {
	if now == nil {
		now = time.Now
	}

	def := transport.ToolDefinition{
		Name:        IncidentToolName,
		Description: "Records a safety incident report with a description and location.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description": map[string]any{
					"type":        "string",
					"description": "What happened.",
				},
				"location": map[string]any{
					"type":        "string",
					"description": "Where it happened.",
				},
			},
			"required": []string{"description", "location"},
		},
	}

	handler := func(ctx context.Context, args map[string]any) (Outcome, error) {
		desc := stringArg(args, "description")
		loc := stringArg(args, "location")

		rec := incident.NewRecord(desc, loc, now())
		if err := store.Append(ctx, rec); err != nil {
			return Outcome{}, fmt.Errorf("appending incident record: %w", err)
		}

		return Outcome{
			Summary:  fmt.Sprintf("Recorded incident at %s: %s", loc, desc),
			Response: map[string]any{"result": "Incident recorded successfully."},
			Incident: &rec,
		}, nil
	}

	return def, handler
}

// stringArg coerces a tool argument to a string. The remote agent is
// supposed to send strings here, but a number or bool still makes a usable
// report text.
func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
