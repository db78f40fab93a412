// Package mock provides scriptable in-memory implementations of the
// [transport.Client] and [transport.Conn] interfaces for use in unit tests.
//
// A test creates a [Conn], hands it to the code under test via a [Client],
// and drives the session by emitting events:
//
//	conn := mock.NewConn()
//	client := &mock.Client{ConnectResult: conn}
//	// ... start the session ...
//	conn.Emit(transport.Open{})
//	conn.Emit(transport.AudioChunk{PCM: pcm, SampleRate: 24000})
//
// All mocks are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/cavernlabs/cavern/pkg/transport"
)

// Compile-time interface checks.
var (
	_ transport.Client = (*Client)(nil)
	_ transport.Conn   = (*Conn)(nil)
)

// Client is a mock [transport.Client].
type Client struct {
	mu sync.Mutex

	// ConnectResult is returned by Connect. Defaults to a new [Conn].
	ConnectResult *Conn

	// ConnectError, when non-nil, is returned by Connect instead.
	ConnectError error

	// ConnectDelay, when set, makes Connect block until the context expires
	// or the delay channel is closed. Used to test connect timeouts.
	ConnectDelay chan struct{}

	CallCountConnect int

	// LastConfig records the configuration snapshot of the latest Connect.
	LastConfig transport.SessionConfig
}

// Connect implements [transport.Client].
func (c *Client) Connect(ctx context.Context, cfg transport.SessionConfig) (transport.Conn, error) {
	c.mu.Lock()
	c.CallCountConnect++
	c.LastConfig = cfg
	delay := c.ConnectDelay
	err := c.ConnectError
	if c.ConnectResult == nil {
		c.ConnectResult = NewConn()
	}
	conn := c.ConnectResult
	c.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Conn is a scriptable mock [transport.Conn]. Tests push inbound events with
// [Conn.Emit] and inspect recorded outbound traffic afterwards.
type Conn struct {
	mu sync.Mutex

	// SendAudioError, when non-nil, is returned by SendAudio.
	SendAudioError error

	// SendToolResultsError, when non-nil, is returned by SendToolResults.
	SendToolResultsError error

	events chan transport.Event
	closed bool

	sentAudio   [][]byte
	sentBatches [][]transport.ToolResult

	CallCountClose int
}

// NewConn creates a Conn with a buffered event channel.
func NewConn() *Conn {
	return &Conn{events: make(chan transport.Event, 64)}
}

// Emit delivers one inbound event to the code under test.
func (c *Conn) Emit(ev transport.Event) {
	c.events <- ev
}

// EmitClose delivers the terminal Close event and closes the stream, the way
// a real transport ends.
func (c *Conn) EmitClose(clean bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.events <- transport.Close{Clean: clean}
	close(c.events)
}

// SendAudio implements [transport.Conn], recording the frame.
func (c *Conn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendAudioError != nil {
		return c.SendAudioError
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	c.sentAudio = append(c.sentAudio, cp)
	return nil
}

// SendToolResults implements [transport.Conn], recording the batch.
func (c *Conn) SendToolResults(results []transport.ToolResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendToolResultsError != nil {
		return c.SendToolResultsError
	}
	batch := make([]transport.ToolResult, len(results))
	copy(batch, results)
	c.sentBatches = append(c.sentBatches, batch)
	return nil
}

// Events implements [transport.Conn].
func (c *Conn) Events() <-chan transport.Event { return c.events }

// Close implements [transport.Conn]. The first call terminates the event
// stream with Close{Clean: true}.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	alreadyClosed := c.closed
	if !alreadyClosed {
		c.closed = true
	}
	c.mu.Unlock()

	if !alreadyClosed {
		c.events <- transport.Close{Clean: true}
		close(c.events)
	}
	return nil
}

// CloseCalls returns how many times Close has been called. Safe to poll
// while the code under test is still running.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}

// SentAudio returns a copy of all frames sent so far.
func (c *Conn) SentAudio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sentAudio))
	copy(out, c.sentAudio)
	return out
}

// SentBatches returns a copy of all tool result batches sent so far.
func (c *Conn) SentBatches() [][]transport.ToolResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]transport.ToolResult, len(c.sentBatches))
	copy(out, c.sentBatches)
	return out
}
