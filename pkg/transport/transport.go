// Package transport defines the duplex streaming connection between the
// Cavern engine and the remote realtime agent.
//
// A [Client] opens exactly one [Conn] per session, parameterized by the
// session's configuration snapshot. Outbound operations (SendAudio,
// SendToolResults) are fire-and-forget and preserve send order. Inbound
// traffic is a single ordered stream of sealed [Event] values delivered in
// arrival order with no reordering or deduplication; the session's event
// loop is the only consumer.
//
// The concrete Gemini Live implementation lives in the gemini subpackage;
// tests use the mock subpackage.
package transport

import "context"

// SessionConfig is the configuration snapshot a session hands to
// [Client.Connect]. It is supplied by the UI collaborator and immutable for
// the lifetime of the connection.
type SessionConfig struct {
	// Voice selects the prebuilt voice identity for synthesized speech.
	Voice string

	// Instructions is the system instruction text defining the agent's
	// behaviour.
	Instructions string

	// Tools declares the side-effecting actions the remote agent may invoke.
	Tools []ToolDefinition

	// ResponseModalities requests output forms from the agent. Defaults to
	// audio with input and output transcription.
	ResponseModalities []string
}

// ToolDefinition declares one callable tool to the remote agent.
type ToolDefinition struct {
	// Name is the unique tool identifier used in ToolCall.Name.
	Name string

	// Description tells the agent when to invoke the tool.
	Description string

	// Parameters is a JSON-schema-shaped description of the arguments
	// ("type", "properties", "required", ...).
	Parameters map[string]any
}

// ToolCall is one remote-agent-issued request to execute a named tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult answers exactly one ToolCall with the same ID. Name repeats the
// call's tool name because the wire protocol requires it on the response.
type ToolResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// Citation is one grounding reference attached to an assistant turn.
type Citation struct {
	URI   string
	Title string
}

// Direction distinguishes transcript fragments of user speech (as recognised
// by the remote service) from fragments of the agent's own speech.
type Direction int

const (
	// DirectionInput is a transcription fragment of the user's speech.
	DirectionInput Direction = iota

	// DirectionOutput is a transcription fragment of the agent's speech.
	DirectionOutput
)

// String returns "input" or "output".
func (d Direction) String() string {
	if d == DirectionInput {
		return "input"
	}
	return "output"
}

// Client opens duplex streaming connections to the remote agent.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Connect establishes one duplex connection configured by cfg. The dial
	// and handshake honour ctx's deadline; once established, the Conn lives
	// until [Conn.Close] or a transport failure.
	Connect(ctx context.Context, cfg SessionConfig) (Conn, error)
}

// Conn is one open duplex connection. Events are delivered on a single
// ordered channel; the channel is closed after the terminal [Close] event.
//
// Implementations must be safe for concurrent use.
type Conn interface {
	// SendAudio transmits one frame of PCM16LE mono capture audio.
	// Fire-and-forget: an error means the frame was not handed to the
	// transport, never that the agent rejected it.
	SendAudio(pcm []byte) error

	// SendToolResults transmits a whole batch of tool results as a single
	// outbound operation, preserving order relative to other sends.
	SendToolResults(results []ToolResult) error

	// Events returns the ordered inbound event stream. The same channel is
	// returned on every call.
	Events() <-chan Event

	// Close requests an orderly shutdown. The event stream terminates with
	// Close{Clean: true}. Idempotent.
	Close() error
}
