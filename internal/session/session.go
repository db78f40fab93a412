// Package session orchestrates one live voice conversation: it owns the
// transport connection, the capture pipeline, the playback scheduler, the
// turn aggregator, and the tool dispatcher for the duration of a session.
//
// All state mutation happens on a single event loop goroutine fed by the
// transport's ordered event channel and the scheduler's drained signal.
// Start and Stop serialize on a lifecycle lock; everything in between is
// single-consumer, so handlers never race each other.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cavernlabs/cavern/internal/capture"
	"github.com/cavernlabs/cavern/internal/dispatch"
	"github.com/cavernlabs/cavern/internal/observe"
	"github.com/cavernlabs/cavern/internal/playback"
	"github.com/cavernlabs/cavern/internal/transcript"
	"github.com/cavernlabs/cavern/pkg/audio"
	"github.com/cavernlabs/cavern/pkg/audio/device"
	"github.com/cavernlabs/cavern/pkg/transport"
)

const (
	// DefaultConnectTimeout bounds the transport dial and handshake.
	DefaultConnectTimeout = 15 * time.Second

	// DefaultCloseTimeout bounds each device release during teardown.
	DefaultCloseTimeout = 5 * time.Second

	defaultNoticeBuffer = 128
)

// Config assembles a Session's collaborators.
type Config struct {
	// Client opens the duplex transport connection.
	Client transport.Client

	// Devices opens the microphone and speaker.
	Devices device.Opener

	// Dispatcher handles tool calls. Its registered definitions are declared
	// to the remote agent at connect time.
	Dispatcher *dispatch.Dispatcher

	// Session is the configuration snapshot (voice, instructions). Tools is
	// overwritten with the dispatcher's definitions.
	Session transport.SessionConfig

	// ConnectTimeout bounds Connect. Zero means [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// CloseTimeout bounds device releases during teardown. Zero means
	// [DefaultCloseTimeout].
	CloseTimeout time.Duration

	// CaptureQueueDepth bounds the capture frame queue. Zero means the
	// capture default.
	CaptureQueueDepth int

	// Level, when non-nil, receives microphone RMS levels for visualization.
	Level func(float32)

	// Clock overrides the playback scheduler's time source. Nil means the
	// system clock.
	Clock playback.Clock

	// Metrics receives session instrumentation. Nil means [observe.Default].
	Metrics *observe.Metrics
}

// Session is one voice conversation lifecycle. At most one underlying
// connection is active at a time: Start while active returns an error, Stop
// from any state returns to Idle.
type Session struct {
	cfg     Config
	metrics *observe.Metrics
	notices chan Notice

	lifecycle sync.Mutex // serializes Start and Stop

	mu    sync.Mutex // guards state and res; never held across blocking calls
	state State
	res   *resources
}

// resources is everything owned by one session run. A fresh value is built
// per Start so a restart never sees stale channels.
type resources struct {
	conn      transport.Conn
	mic       device.Capture
	speaker   device.Playback
	pipeline  *capture.Pipeline
	scheduler *playback.Scheduler

	stopRequested atomic.Bool
	teardownOnce  sync.Once
	loopDone      chan struct{}
}

// New creates an idle Session.
func New(cfg Config) *Session {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	return &Session{
		cfg:     cfg,
		metrics: metrics,
		notices: make(chan Notice, defaultNoticeBuffer),
		state:   StateIdle,
	}
}

// Notices returns the channel of structured messages for the UI
// collaborator: status transitions, finalized turns, incidents, failures.
// The channel is never closed; when the consumer falls behind, notices are
// dropped with a log line rather than blocking the event loop.
func (s *Session) Notices() <-chan Notice { return s.notices }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start opens the devices and the transport connection and launches the
// event loop. Valid from Idle or Error; starting an active session is an
// error. On failure everything opened so far is released, the session lands
// in Error, and the returned error is a classified [*Failure].
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.res != nil {
		s.mu.Unlock()
		return fmt.Errorf("session: already active")
	}
	s.mu.Unlock()

	s.setState(StateConnecting)

	res, err := s.open(ctx)
	if err != nil {
		failure, ok := err.(*Failure)
		if !ok {
			failure = newFailure(KindConnection, err)
		}
		s.setState(StateError)
		s.notify(FailureNotice{Kind: failure.Kind, Message: failure.Error()})
		s.metrics.RecordSessionFailure(ctx, string(failure.Kind))
		return failure
	}

	s.mu.Lock()
	s.res = res
	s.mu.Unlock()

	go s.run(res)
	return nil
}

// open acquires devices and the connection in dependency order, releasing
// everything acquired so far on the first failure.
func (s *Session) open(ctx context.Context) (*resources, error) {
	mic, err := s.cfg.Devices.OpenCapture(audio.CaptureRate)
	if err != nil {
		return nil, newFailure(KindPermissionDenied, fmt.Errorf("opening microphone: %w", err))
	}

	speaker, err := s.cfg.Devices.OpenPlayback(audio.PlaybackRate)
	if err != nil {
		s.release(mic.Stop, "microphone")
		return nil, newFailure(KindPermissionDenied, fmt.Errorf("opening speaker: %w", err))
	}

	snapshot := s.cfg.Session
	snapshot.Tools = s.cfg.Dispatcher.Definitions()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, err := s.cfg.Client.Connect(cctx, snapshot)
	cancel()
	if err != nil {
		s.release(speaker.Close, "speaker")
		s.release(mic.Stop, "microphone")
		return nil, newFailure(KindConnection, fmt.Errorf("connecting transport: %w", err))
	}

	scheduler := playback.New(speaker, playback.Config{
		Clock:   s.cfg.Clock,
		Metrics: s.metrics,
	})
	pipeline := capture.New(mic, conn.SendAudio, capture.Config{
		QueueDepth: s.cfg.CaptureQueueDepth,
		Level:      s.cfg.Level,
		Metrics:    s.metrics,
	})

	if err := pipeline.Start(); err != nil {
		scheduler.Close()
		if cerr := conn.Close(); cerr != nil {
			slog.Warn("closing transport after failed start", "error", cerr)
		}
		s.release(speaker.Close, "speaker")
		s.release(mic.Stop, "microphone")
		return nil, newFailure(KindPermissionDenied, fmt.Errorf("starting capture: %w", err))
	}

	return &resources{
		conn:      conn,
		mic:       mic,
		speaker:   speaker,
		pipeline:  pipeline,
		scheduler: scheduler,
		loopDone:  make(chan struct{}),
	}, nil
}

// Stop returns the session to Idle from any state, releasing everything.
// Idempotent; stopping an idle session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	res := s.res
	s.res = nil
	s.mu.Unlock()

	if res == nil {
		// Error → Idle still needs the state reset.
		if s.State() != StateIdle {
			s.setState(StateIdle)
		}
		return nil
	}

	res.stopRequested.Store(true)
	s.teardown(ctx, res)

	select {
	case <-res.loopDone:
	case <-ctx.Done():
		slog.Warn("event loop did not finish before stop deadline")
	}

	s.setState(StateIdle)
	return nil
}

// teardown releases a run's resources in order: playback first so nothing
// audible outlives the session, then the transport, then the microphone,
// then the per-session devices. Best-effort: failures are logged, never
// escalated. The platform audio contexts behind [Config.Devices] stay open
// so an immediate restart can reopen devices; closing them belongs to
// process shutdown.
func (s *Session) teardown(ctx context.Context, res *resources) {
	res.teardownOnce.Do(func() {
		if err := res.scheduler.Interrupt(); err != nil {
			slog.Warn("flushing playback during teardown", "error", err)
		}
		res.scheduler.Close()

		if err := res.conn.Close(); err != nil {
			slog.Warn("closing transport during teardown", "error", err)
		}

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CloseTimeout)
		defer cancel()
		if err := res.pipeline.Stop(dctx); err != nil {
			slog.Warn("stopping capture during teardown", "error", err)
		}
		if err := res.speaker.Close(dctx); err != nil {
			slog.Warn("closing speaker during teardown", "error", err)
		}
	})
}

// release is the partial-open cleanup helper: a bounded, logged close.
func (s *Session) release(close func(context.Context) error, what string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
	defer cancel()
	if err := close(ctx); err != nil {
		slog.Warn("releasing device", "device", what, "error", err)
	}
}

// run is the single-consumer event loop. It owns all state transitions
// between Connecting and the terminal close.
func (s *Session) run(res *resources) {
	defer close(res.loopDone)

	started := time.Now()
	defer func() {
		s.metrics.SessionDuration.Record(context.Background(), time.Since(started).Seconds())
	}()

	agg := transcript.New()
	for {
		select {
		case <-res.scheduler.Drained():
			if s.State() == StateSpeaking {
				s.setState(StateListening)
			}

		case ev, ok := <-res.conn.Events():
			if !ok {
				if !res.stopRequested.Load() {
					s.fail(res, KindUnexpectedClose, fmt.Errorf("event stream ended without close"))
				}
				return
			}
			if done := s.handleEvent(res, agg, ev); done {
				return
			}
		}
	}
}

// handleEvent processes one inbound event. Returns true when the loop must
// exit (terminal close or fatal failure).
func (s *Session) handleEvent(res *resources, agg *transcript.Aggregator, ev transport.Event) bool {
	ctx := context.Background()

	switch ev := ev.(type) {
	case transport.Open:
		if s.State() == StateConnecting {
			s.setState(StateListening)
		}

	case transport.AudioChunk:
		chunk := audio.Chunk{Data: ev.PCM, SampleRate: ev.SampleRate, Channels: 1}
		if _, err := res.scheduler.Schedule(chunk); err != nil {
			s.fail(res, KindProcessing, fmt.Errorf("scheduling audio chunk: %w", err))
			return true
		}
		if s.State() == StateListening {
			s.setState(StateSpeaking)
		}

	case transport.TranscriptFragment:
		agg.AddFragment(ev.Direction, ev.Text)

	case transport.Grounding:
		agg.AddCitations(ev.Refs)

	case transport.TurnComplete:
		for _, turn := range agg.CompleteTurn() {
			s.notify(TurnFinal{Turn: turn})
		}

	case transport.Interrupted:
		if err := res.scheduler.Interrupt(); err != nil {
			slog.Warn("flushing playback on interruption", "error", err)
		}
		if s.State() == StateSpeaking {
			s.setState(StateListening)
		}

	case transport.ToolCallBatch:
		batch := s.cfg.Dispatcher.Dispatch(ctx, ev.Calls)
		if err := res.conn.SendToolResults(batch.Results); err != nil {
			// The transport will surface its own failure as a Close event.
			slog.Warn("sending tool results", "error", err)
		}
		for _, turn := range batch.Turns {
			s.notify(TurnFinal{Turn: turn})
		}
		for _, rec := range batch.Incidents {
			s.notify(IncidentRecorded{Record: rec})
		}

	case transport.Error:
		s.fail(res, KindProcessing, ev.Err)
		return true

	case transport.Close:
		if ev.Clean && res.stopRequested.Load() {
			return true
		}
		s.fail(res, KindUnexpectedClose, fmt.Errorf("connection closed unexpectedly (clean=%v)", ev.Clean))
		return true
	}
	return false
}

// fail tears the session down from inside the event loop and lands it in
// Error with a user-facing notice.
//
// During a requested Stop the loop races the teardown: events still buffered
// on the connection can fail against already-released resources. Those are
// not session failures; the loop exits quietly and Stop lands in Idle.
func (s *Session) fail(res *resources, kind Kind, err error) {
	if res.stopRequested.Load() {
		slog.Debug("ignoring event error during requested stop", "kind", kind, "error", err)
		s.teardown(context.Background(), res)
		return
	}

	failure := newFailure(kind, err)
	slog.Error("session failed", "kind", kind, "error", err)

	s.mu.Lock()
	if s.res == res {
		s.res = nil
	}
	s.mu.Unlock()

	s.teardown(context.Background(), res)
	s.setState(StateError)
	s.notify(FailureNotice{Kind: kind, Message: failure.Error()})
	s.metrics.RecordSessionFailure(context.Background(), string(kind))
}

// setState records a transition and emits a status notice.
func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	slog.Debug("session state", "from", from, "to", to)
	s.notify(StatusChanged{From: from, To: to})
}

// notify delivers a notice without ever blocking the event loop.
func (s *Session) notify(n Notice) {
	select {
	case s.notices <- n:
	default:
		slog.Warn("notice dropped, consumer not keeping up", "notice", fmt.Sprintf("%T", n))
	}
}
