// Package transcript aggregates streamed transcription fragments into
// finalized per-speaker turns.
//
// The remote service streams partial text for both directions while a turn
// is in flight. The [Aggregator] holds one accumulator per direction plus
// the citation references collected for the current turn; on turn
// completion it emits at most one user turn and at most one assistant turn
// and resets for the next exchange. Turns are immutable after emission.
//
// The Aggregator is not safe for concurrent use: it is owned by the
// session's single-consumer event loop.
package transcript

import (
	"strings"
	"time"

	"github.com/cavernlabs/cavern/pkg/transport"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

// Turn is one finalized exchange unit. Created only at turn completion (or
// immediately for tool-originated system turns) and immutable thereafter.
type Turn struct {
	Speaker Speaker
	Text    string

	// Citations holds grounding references, attached only to assistant turns.
	Citations []transport.Citation

	// At is when the turn was finalized.
	At time.Time
}

// Aggregator accumulates fragments and citations for the current turn.
type Aggregator struct {
	user      strings.Builder
	assistant strings.Builder
	citations []transport.Citation
	seenURIs  map[string]bool
	now       func() time.Time
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		seenURIs: make(map[string]bool),
		now:      time.Now,
	}
}

// AddFragment appends a transcription fragment to the accumulator matching
// its direction.
func (a *Aggregator) AddFragment(dir transport.Direction, text string) {
	if dir == transport.DirectionInput {
		a.user.WriteString(text)
		return
	}
	a.assistant.WriteString(text)
}

// AddCitations collects grounding references for the current turn,
// de-duplicated by URI.
func (a *Aggregator) AddCitations(refs []transport.Citation) {
	for _, ref := range refs {
		if ref.URI == "" || a.seenURIs[ref.URI] {
			continue
		}
		a.seenURIs[ref.URI] = true
		a.citations = append(a.citations, ref)
	}
}

// CompleteTurn finalizes the current exchange: a user turn first if its
// accumulator is non-empty, then an assistant turn if non-empty (carrying
// the collected citations). Both accumulators and the citation list are
// cleared afterwards, so each buffer is emitted at most once per turn.
func (a *Aggregator) CompleteTurn() []Turn {
	var turns []Turn
	at := a.now()

	if text := a.user.String(); text != "" {
		turns = append(turns, Turn{Speaker: SpeakerUser, Text: text, At: at})
	}
	if text := a.assistant.String(); text != "" {
		turns = append(turns, Turn{
			Speaker:   SpeakerAssistant,
			Text:      text,
			Citations: a.citations,
			At:        at,
		})
	}

	a.user.Reset()
	a.assistant.Reset()
	a.citations = nil
	a.seenURIs = make(map[string]bool)
	return turns
}

// SystemTurn creates a tool-originated system turn, emitted immediately at
// dispatch time and independent of fragment accumulation.
func SystemTurn(text string, at time.Time) Turn {
	return Turn{Speaker: SpeakerSystem, Text: text, At: at}
}
