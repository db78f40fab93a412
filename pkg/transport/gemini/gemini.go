// Package gemini implements the transport.Client interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Outbound audio is transmitted as base64-encoded PCM16LE mono at
// 16 kHz; inbound audio arrives as base64-encoded PCM at 24 kHz. Tool calls,
// transcription fragments, turn boundaries, and interruption signals are
// translated into the typed transport event stream in arrival order.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cavernlabs/cavern/pkg/transport"
	"github.com/coder/websocket"
)

// Compile-time assertions that Client and conn satisfy the transport interfaces.
var (
	_ transport.Client = (*Client)(nil)
	_ transport.Conn   = (*conn)(nil)
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	outputSampleRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// eventBuffer is the depth of the inbound event channel. The receive
	// loop blocks (never drops or reorders) when the consumer falls behind.
	eventBuffer = 64
)

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// ── Client ────────────────────────────────────────────────────────────────────

// Client implements transport.Client for Google's Gemini Live API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Gemini Live Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect establishes one Gemini Live session configured by cfg. The dial
// and setup message honour ctx's deadline; the returned Conn accepts audio
// immediately. The Open event arrives once the server acknowledges setup.
func (c *Client) Connect(ctx context.Context, cfg transport.SessionConfig) (transport.Conn, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		c.baseURL, c.apiKey,
	)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	cn := &conn{
		ws:     ws,
		events: make(chan transport.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
	}

	if err := cn.sendSetup(c.model, cfg); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go cn.receiveLoop()
	go cn.keepaliveLoop()

	return cn, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool       `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        *serverContent   `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg     `json:"toolCall,omitempty"`
	ToolCallCancellation *json.RawMessage `json:"toolCallCancellation,omitempty"`
	Error                *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn         `json:"modelTurn,omitempty"`
	TurnComplete        bool               `json:"turnComplete,omitempty"`
	Interrupted         bool               `json:"interrupted,omitempty"`
	InputTranscription  *transcription     `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription     `json:"outputTranscription,omitempty"`
	GroundingMetadata   *groundingMetadata `json:"groundingMetadata,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type groundingMetadata struct {
	GroundingChunks []groundingChunk `json:"groundingChunks,omitempty"`
}

type groundingChunk struct {
	Web *webSource `json:"web,omitempty"`
}

type webSource struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── conn ──────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan transport.Event

	// closeRequested flips before the WebSocket close handshake so the
	// receive loop can distinguish a requested shutdown (Close{Clean: true})
	// from an unexpected connection loss.
	closeRequested atomic.Bool

	mu     sync.Mutex
	closed bool

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message, requesting
// the configured voice, tools, response modalities, and transcription of
// both directions.
func (c *conn) sendSetup(model string, cfg transport.SessionConfig) error {
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return c.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// receiveLoop reads WebSocket messages and translates them into transport
// events, in arrival order. It owns the events channel: it emits the
// terminal Close event and closes the channel when it exits.
func (c *conn) receiveLoop() {
	defer func() {
		// Non-blocking: if the consumer is gone the terminal event is moot.
		select {
		case c.events <- transport.Close{Clean: c.closeRequested.Load()}:
		default:
		}
		close(c.events)
	}()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// A frame that does not parse means the stream can no longer be
			// trusted; surface it and let the session decide.
			c.emit(transport.Error{Err: fmt.Errorf("gemini: malformed server frame: %w", err)})
			continue
		}

		for _, ev := range translate(&msg) {
			if !c.emit(ev) {
				return
			}
		}
	}
}

// translate converts one server message into zero or more transport events,
// preserving the protocol's intra-message order: interruption first, then
// audio/transcript content, then turn completion, then tool calls.
func translate(msg *serverMessage) []transport.Event {
	var evs []transport.Event

	if msg.SetupComplete != nil {
		evs = append(evs, transport.Open{})
	}

	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown server error"
		}
		evs = append(evs, transport.Error{Err: fmt.Errorf("gemini: %s", text)})
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			evs = append(evs, transport.Interrupted{})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					evs = append(evs, transport.Error{Err: fmt.Errorf("gemini: malformed audio chunk: %w", err)})
					continue
				}
				if len(pcm) == 0 {
					continue
				}
				evs = append(evs, transport.AudioChunk{PCM: pcm, SampleRate: outputSampleRate})
			}
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			evs = append(evs, transport.TranscriptFragment{
				Direction: transport.DirectionInput,
				Text:      sc.InputTranscription.Text,
			})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			evs = append(evs, transport.TranscriptFragment{
				Direction: transport.DirectionOutput,
				Text:      sc.OutputTranscription.Text,
			})
		}
		if gm := sc.GroundingMetadata; gm != nil {
			var refs []transport.Citation
			for _, gc := range gm.GroundingChunks {
				if gc.Web != nil && gc.Web.URI != "" {
					refs = append(refs, transport.Citation{URI: gc.Web.URI, Title: gc.Web.Title})
				}
			}
			if len(refs) > 0 {
				evs = append(evs, transport.Grounding{Refs: refs})
			}
		}
		if sc.TurnComplete {
			evs = append(evs, transport.TurnComplete{})
		}
	}

	if msg.ToolCall != nil && len(msg.ToolCall.FunctionCalls) > 0 {
		calls := make([]transport.ToolCall, len(msg.ToolCall.FunctionCalls))
		for i, fc := range msg.ToolCall.FunctionCalls {
			calls[i] = transport.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}
		}
		evs = append(evs, transport.ToolCallBatch{Calls: calls})
	}

	return evs
}

// emit delivers ev on the event channel, blocking to preserve order.
// Returns false if the connection context was cancelled first.
func (c *conn) emit(ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Conn methods ──────────────────────────────────────────────────────────────

// SendAudio transmits one PCM16LE mono 16 kHz frame as a realtimeInput media
// chunk.
func (c *conn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("gemini: connection closed")
	}
	c.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{
					MIMEType: "audio/pcm;rate=16000",
					Data:     base64.StdEncoding.EncodeToString(pcm),
				},
			},
		},
	}
	return c.writeJSON(msg)
}

// SendToolResults transmits the whole batch as one toolResponse message.
func (c *conn) SendToolResults(results []transport.ToolResult) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("gemini: connection closed")
	}
	c.mu.Unlock()

	if len(results) == 0 {
		return nil
	}

	resps := make([]functionResponse, len(results))
	for i, r := range results {
		resps[i] = functionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: r.Response,
		}
	}
	return c.writeJSON(toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: resps},
	})
}

// Events returns the ordered inbound event stream.
func (c *conn) Events() <-chan transport.Event { return c.events }

// Close requests an orderly shutdown. The event stream terminates with
// Close{Clean: true}. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.closeRequested.Store(true)
	c.closeOnce.Do(func() { close(c.done) })
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	c.cancel() // unblocks receiveLoop and keepaliveLoop
	return nil
}
