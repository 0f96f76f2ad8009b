package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

const (
	defaultQueueSize     = 16
	defaultMinRecording  = 200 * time.Millisecond
	defaultLevelInterval = 50 * time.Millisecond
)

var ErrAlreadyRunning = errors.New("orchestrator already running")

// Recorder is the capture side the orchestrator drives. audio.Pipeline implements it.
type Recorder interface {
	Start() error
	Stop() ([]float32, error)
	AutoStop() <-chan struct{}
	Level() audio.Level
	SampleRate() int
}

// Deliverer hands finished text to the focused application. output.Dispatcher
// implements it.
type Deliverer interface {
	Capture() output.Target
	Deliver(text string, target output.Target) (output.Method, error)
}

type Options struct {
	MinRecording  time.Duration
	LevelInterval time.Duration
	QueueSize     int
}

type session struct {
	id       string
	target   output.Target
	started  time.Time
	recorded time.Duration
}

// message is either a command or a worker outcome.
type message struct {
	cmd     *Command
	outcome *Outcome
}

// Orchestrator sequences hotkey commands, capture, transcription and delivery. One
// loop goroutine consumes a bounded queue; each session gets one worker.
type Orchestrator struct {
	rec  Recorder
	eng  stt.Transcriber
	out  Deliverer
	opts Options
	log  *slog.Logger
	now  func() time.Time

	queue chan message
	wg    sync.WaitGroup

	mu          sync.Mutex
	running     bool
	state       State
	since       time.Time
	busy        bool
	current     *session
	listeners   []Listener
	lastOutcome OutcomeKind
	lastErr     string
	sessions    int
	dropped     int

	tracer         trace.Tracer
	outcomes       metric.Int64Counter
	recordHist     metric.Float64Histogram
	transcribeHist metric.Float64Histogram
}

func New(rec Recorder, eng stt.Transcriber, out Deliverer, opts Options, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MinRecording < 0 {
		opts.MinRecording = 0
	}
	if opts.LevelInterval <= 0 {
		opts.LevelInterval = defaultLevelInterval
	}
	o := &Orchestrator{
		rec:    rec,
		eng:    eng,
		out:    out,
		opts:   opts,
		log:    log.With(slog.String("component", "daemon")),
		now:    time.Now,
		queue:  make(chan message, opts.QueueSize),
		state:  StateIdle,
		tracer: otel.Tracer("github.com/loqalabs/loqa-dictate/daemon"),
	}
	o.since = o.now()
	o.initMetrics()
	return o
}

// DefaultOptions returns the stock session limits.
func DefaultOptions() Options {
	return Options{
		MinRecording:  defaultMinRecording,
		LevelInterval: defaultLevelInterval,
		QueueSize:     defaultQueueSize,
	}
}

func (o *Orchestrator) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-dictate/daemon")
	var err error
	if o.outcomes, err = meter.Int64Counter("dictate.sessions", metric.WithDescription("Dictation sessions by outcome")); err != nil {
		o.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if o.recordHist, err = meter.Float64Histogram("dictate.recording.duration", metric.WithUnit("s")); err != nil {
		o.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if o.transcribeHist, err = meter.Float64Histogram("dictate.transcription.duration", metric.WithUnit("s")); err != nil {
		o.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
}

// AddListener registers an observer. Call before Run.
func (o *Orchestrator) AddListener(l Listener) {
	o.mu.Lock()
	o.listeners = append(o.listeners, l)
	o.mu.Unlock()
}

// Submit enqueues a command without blocking. It reports false when the queue is full
// and the command was dropped.
func (o *Orchestrator) Submit(cmd Command) bool {
	select {
	case o.queue <- message{cmd: &cmd}:
		return true
	default:
		o.mu.Lock()
		o.dropped++
		o.mu.Unlock()
		o.log.Warn("command queue full, dropping command",
			slog.String("command", cmd.Kind.String()),
			slog.String("source", cmd.Source))
		return false
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	snap := Snapshot{
		State:       o.state.String(),
		Busy:        o.busy,
		Since:       o.since,
		LastOutcome: o.lastOutcome,
		LastError:   o.lastErr,
		Sessions:    o.sessions,
		Dropped:     o.dropped,
	}
	if o.current != nil {
		snap.SessionID = o.current.id
	}
	o.mu.Unlock()
	snap.Engine = o.eng.Describe()
	return snap
}

// Run consumes commands until ctx is cancelled. An active recording is discarded and
// running workers are waited for before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.mu.Unlock()

	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case msg := <-o.queue:
			if msg.outcome != nil {
				o.finish(*msg.outcome)
			} else {
				o.handle(ctx, *msg.cmd)
			}
		case <-o.rec.AutoStop():
			if o.State() == StateRecording {
				o.log.Info("recording reached duration cap, stopping")
				o.stop(ctx, "auto_stop")
			}
		case <-tick:
			o.emitLevel(o.rec.Level())
		}

		recording := o.State() == StateRecording
		switch {
		case recording && ticker == nil:
			ticker = time.NewTicker(o.opts.LevelInterval)
			tick = ticker.C
		case !recording && ticker != nil:
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CommandStart:
		o.start(cmd.Source)
	case CommandStop:
		o.stop(ctx, cmd.Source)
	case CommandToggle:
		switch o.State() {
		case StateIdle:
			o.start(cmd.Source)
		case StateRecording:
			o.stop(ctx, cmd.Source)
		default:
			o.log.Debug("toggle ignored while busy", slog.String("source", cmd.Source))
		}
	}
}

func (o *Orchestrator) start(source string) {
	o.mu.Lock()
	if o.busy {
		state := o.state
		o.mu.Unlock()
		o.log.Debug("start ignored while busy",
			slog.String("state", state.String()),
			slog.String("source", source))
		return
	}
	o.busy = true
	s := &session{id: uuid.NewString(), started: o.now()}
	o.current = s
	o.mu.Unlock()

	// Focus has to be read before anything else can take it.
	s.target = o.out.Capture()

	if err := o.eng.LoadErr(); err != nil {
		o.fail(s, &SessionError{Kind: ErrorEngineLoad, Err: err})
		return
	}
	if err := o.rec.Start(); err != nil {
		o.fail(s, &SessionError{Kind: ErrorCapture, Err: err})
		return
	}
	o.log.Info("recording started",
		slog.String("session_id", s.id),
		slog.String("source", source),
		slog.Bool("target_present", !s.target.Absent()))
	o.transition(StateRecording, source)
}

func (o *Orchestrator) stop(ctx context.Context, source string) {
	o.mu.Lock()
	s := o.current
	state := o.state
	o.mu.Unlock()
	if state != StateRecording || s == nil {
		o.log.Debug("stop ignored", slog.String("state", state.String()), slog.String("source", source))
		return
	}

	samples, err := o.rec.Stop()
	if err != nil {
		o.fail(s, &SessionError{Kind: ErrorCapture, Err: err})
		return
	}
	s.recorded = samplesDuration(len(samples), o.rec.SampleRate())
	if o.recordHist != nil {
		o.recordHist.Record(context.Background(), s.recorded.Seconds())
	}
	if s.recorded < o.opts.MinRecording {
		o.log.Info("recording too short, discarding",
			slog.String("session_id", s.id),
			slog.Duration("recorded", s.recorded))
		o.finish(o.outcome(s, OutcomeTooShort))
		return
	}

	o.transition(StateTranscribing, source)
	o.wg.Add(1)
	go o.work(ctx, *s, samples)
}

func (o *Orchestrator) work(ctx context.Context, s session, samples []float32) {
	defer o.wg.Done()
	out := o.outcome(&s, OutcomeError)
	func() {
		defer func() {
			if r := recover(); r != nil {
				out.Kind = OutcomeError
				out.Err = &SessionError{Kind: ErrorInternal, Err: fmt.Errorf("%w: %v", errWorkerPanic, r)}
			}
		}()
		o.transcribe(ctx, &out, samples)
	}()
	out.EndedAt = o.now()

	select {
	case o.queue <- message{outcome: &out}:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) transcribe(ctx context.Context, out *Outcome, samples []float32) {
	ctx, span := o.tracer.Start(ctx, "dictate.transcribe", trace.WithAttributes(
		attribute.String("session.id", out.SessionID),
		attribute.Int("audio.samples", len(samples)),
	))
	defer span.End()

	started := o.now()
	res, err := o.eng.Transcribe(ctx, stt.Request{
		SessionID:  out.SessionID,
		Samples:    samples,
		SampleRate: o.rec.SampleRate(),
	})
	out.Transcription = o.now().Sub(started)
	out.Chunks = res.Chunks
	if o.transcribeHist != nil {
		o.transcribeHist.Record(ctx, out.Transcription.Seconds())
	}

	switch {
	case errors.Is(err, stt.ErrEmptyAudio):
		out.Kind = OutcomeNoSpeech
		return
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out.Kind = OutcomeError
		out.Err = classify(err)
		return
	case stt.IsNonSpeech(res.Text):
		out.Kind = OutcomeNoSpeech
		return
	}

	method, err := o.out.Deliver(res.Text, out.Target)
	out.Text = res.Text
	out.Method = method
	span.SetAttributes(attribute.String("output.method", string(method)), attribute.Int("stt.chunks", res.Chunks))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out.Kind = OutcomeError
		out.Err = &SessionError{Kind: ErrorDelivery, Err: err}
		return
	}
	out.Kind = OutcomeDelivered
}

func (o *Orchestrator) outcome(s *session, kind OutcomeKind) Outcome {
	return Outcome{
		SessionID: s.id,
		Kind:      kind,
		Target:    s.target,
		Recorded:  s.recorded,
		StartedAt: s.started,
		EndedAt:   o.now(),
	}
}

func (o *Orchestrator) fail(s *session, err *SessionError) {
	out := o.outcome(s, OutcomeError)
	out.Err = err
	o.finish(out)
}

// finish applies the terminal transitions of a session and clears the busy flag.
func (o *Orchestrator) finish(out Outcome) {
	if out.Err != nil {
		o.log.Error("dictation session failed",
			slog.String("session_id", out.SessionID),
			slog.String("kind", string(out.Err.Kind)),
			slog.String("error", out.Err.Err.Error()))
		o.transition(StateError, string(out.Err.Kind))
	}
	o.transition(StateIdle, string(out.Kind))

	o.mu.Lock()
	o.busy = false
	o.current = nil
	o.sessions++
	o.lastOutcome = out.Kind
	o.lastErr = ""
	if out.Err != nil {
		o.lastErr = out.Err.Error()
	}
	listeners := append([]Listener(nil), o.listeners...)
	o.mu.Unlock()

	if o.outcomes != nil {
		o.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(out.Kind))))
	}
	if out.Kind == OutcomeDelivered {
		o.log.Info("dictation delivered",
			slog.String("session_id", out.SessionID),
			slog.String("method", string(out.Method)),
			slog.Int("chars", len(out.Text)),
			slog.Duration("transcription", out.Transcription))
	}
	for _, l := range listeners {
		l.OnResult(out)
	}
}

func (o *Orchestrator) transition(to State, reason string) {
	o.mu.Lock()
	from := o.state
	if from == to {
		o.mu.Unlock()
		return
	}
	if !ValidTransition(from, to) {
		o.mu.Unlock()
		o.log.Error("invalid state transition", slog.String("from", from.String()), slog.String("to", to.String()))
		return
	}
	o.state = to
	o.since = o.now()
	change := StateChange{From: from, To: to, At: o.since, Reason: reason}
	if o.current != nil {
		change.SessionID = o.current.id
	}
	listeners := append([]Listener(nil), o.listeners...)
	o.mu.Unlock()

	o.log.Debug("state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
	for _, l := range listeners {
		l.OnStateChanged(change)
	}
}

func (o *Orchestrator) emitLevel(level audio.Level) {
	o.mu.Lock()
	listeners := append([]Listener(nil), o.listeners...)
	o.mu.Unlock()
	for _, l := range listeners {
		l.OnLevelUpdated(level)
	}
}

func (o *Orchestrator) shutdown() {
	if o.State() == StateRecording {
		if _, err := o.rec.Stop(); err != nil {
			o.log.Warn("failed to stop recording on shutdown", slog.String("error", err.Error()))
		}
		o.transition(StateIdle, "shutdown")
		o.mu.Lock()
		o.busy = false
		o.current = nil
		o.mu.Unlock()
	}
	o.wg.Wait()
}

func samplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
