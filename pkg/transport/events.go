package transport

// Event is one inbound message from the remote agent, already translated to
// a typed value. The interface is sealed: only the event types in this file
// implement it, so a type switch over events is exhaustive.
type Event interface {
	isEvent()
}

// Open is the first server acknowledgment after a successful setup. The
// session transitions Connecting → Listening on receipt.
type Open struct{}

// AudioChunk carries one decoded buffer of synthesized speech.
type AudioChunk struct {
	// PCM is little-endian int16 mono audio.
	PCM []byte

	// SampleRate in Hz (24000 for Gemini Live).
	SampleRate int
}

// TranscriptFragment is a partial transcription of user or agent speech.
// Fragments accumulate until the next TurnComplete.
type TranscriptFragment struct {
	Direction Direction
	Text      string
}

// Grounding carries citation references for the current agent turn.
type Grounding struct {
	Refs []Citation
}

// TurnComplete marks the end of one exchange unit. Accumulated fragments
// finalize into turns on receipt.
type TurnComplete struct{}

// Interrupted signals that the user began speaking while agent audio was
// still playing; all scheduled playback must be flushed immediately.
type Interrupted struct{}

// ToolCallBatch carries one or more tool invocations. Every call must be
// answered by exactly one result in a single outbound batch.
type ToolCallBatch struct {
	Calls []ToolCall
}

// Error reports a malformed or server-flagged inbound event. The session
// treats it as fatal: transcript and audio state are no longer trustworthy
// after a corrupt event, so partial continuation is disallowed.
type Error struct {
	Err error
}

// Close terminates the event stream. Clean is true only when the shutdown
// was requested via [Conn.Close]; an unrequested close while the session is
// active is an unexpected-loss failure.
type Close struct {
	Clean bool
}

func (Open) isEvent()               {}
func (AudioChunk) isEvent()         {}
func (TranscriptFragment) isEvent() {}
func (Grounding) isEvent()          {}
func (TurnComplete) isEvent()       {}
func (Interrupted) isEvent()        {}
func (ToolCallBatch) isEvent()      {}
func (Error) isEvent()              {}
func (Close) isEvent()              {}
