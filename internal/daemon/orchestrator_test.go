package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

const testRate = 16000

type fakeRecorder struct {
	mu       sync.Mutex
	samples  []float32
	startErr error
	starts   int
	stops    int
	auto     chan struct{}
}

func newFakeRecorder(seconds float64) *fakeRecorder {
	return &fakeRecorder{
		samples: make([]float32, int(seconds*testRate)),
		auto:    make(chan struct{}, 1),
	}
}

func (r *fakeRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return r.startErr
}

func (r *fakeRecorder) Stop() ([]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return r.samples, nil
}

func (r *fakeRecorder) AutoStop() <-chan struct{} { return r.auto }
func (r *fakeRecorder) Level() audio.Level { return audio.Level{RMS: 0.5} }
func (r *fakeRecorder) SampleRate() int { return testRate }

func (r *fakeRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

type fakeEngine struct {
	loadErr error
	run     func(ctx context.Context, req stt.Request) (stt.Result, error)
}

func (e *fakeEngine) Load(context.Context) error { return e.loadErr }
func (e *fakeEngine) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	return e.run(ctx, req)
}
func (e *fakeEngine) Reload(context.Context, string) error { return nil }
func (e *fakeEngine) Describe() stt.Description { return stt.Description{Backend: "fake"} }
func (e *fakeEngine) LoadErr() error { return e.loadErr }

func textEngine(text string) *fakeEngine {
	return &fakeEngine{run: func(context.Context, stt.Request) (stt.Result, error) {
		return stt.Result{Text: text, Chunks: 1}, nil
	}}
}

type fakeDeliverer struct {
	mu        sync.Mutex
	target    output.Target
	delivered []string
	err       error
}

func (d *fakeDeliverer) Capture() output.Target { return d.target }

func (d *fakeDeliverer) Deliver(text string, target output.Target) (output.Method, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, text)
	if d.err != nil {
		return output.MethodNone, d.err
	}
	if target.Absent() {
		return output.MethodClipboard, nil
	}
	return output.MethodInjection, nil
}

type recorder struct {
	mu      sync.Mutex
	changes []StateChange
	levels  int
	results chan Outcome
}

func newRecorder() *recorder { return &recorder{results: make(chan Outcome, 16)} }

func (r *recorder) OnStateChanged(c StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) OnLevelUpdated(audio.Level) {
	r.mu.Lock()
	r.levels++
	r.mu.Unlock()
}

func (r *recorder) OnResult(o Outcome) { r.results <- o }

func (r *recorder) trace() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := []State{StateIdle}
	for _, c := range r.changes {
		states = append(states, c.To)
	}
	return states
}

func (r *recorder) wait(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-r.results:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session outcome")
		return Outcome{}
	}
}

type harness struct {
	orch *Orchestrator
	rec  *fakeRecorder
	out  *fakeDeliverer
	obs  *recorder
}

func newHarness(t *testing.T, rec *fakeRecorder, eng stt.Transcriber, out *fakeDeliverer) *harness {
	t.Helper()
	orch := New(rec, eng, out, DefaultOptions(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	obs := newRecorder()
	orch.AddListener(obs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{orch: orch, rec: rec, out: out, obs: obs}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.orch.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", h.orch.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func assertValidTrace(t *testing.T, states []State) {
	t.Helper()
	for i := 1; i < len(states); i++ {
		if !ValidTransition(states[i-1], states[i]) {
			t.Fatalf("invalid transition %s -> %s in %v", states[i-1], states[i], states)
		}
	}
}

func TestToggleSessionDelivers(t *testing.T) {
	out := &fakeDeliverer{target: output.Target{ID: "7", App: "editor"}}
	h := newHarness(t, newFakeRecorder(1), textEngine("hello world"), out)

	h.orch.Submit(Command{Kind: CommandToggle, Source: "hotkey"})
	h.waitState(t, StateRecording)
	h.orch.Submit(Command{Kind: CommandToggle, Source: "hotkey"})

	o := h.obs.wait(t)
	if o.Kind != OutcomeDelivered || o.Text != "hello world" || o.Method != output.MethodInjection {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if o.Recorded != time.Second {
		t.Fatalf("recorded = %s, want 1s", o.Recorded)
	}
	h.waitState(t, StateIdle)
	if h.orch.Busy() {
		t.Fatal("busy flag not cleared")
	}
	want := []State{StateIdle, StateRecording, StateTranscribing, StateIdle}
	got := h.obs.trace()
	if len(got) != len(want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace = %v, want %v", got, want)
		}
	}
}

func TestStartIgnoredWhileBusy(t *testing.T) {
	release := make(chan struct{})
	eng := &fakeEngine{run: func(ctx context.Context, _ stt.Request) (stt.Result, error) {
		<-release
		return stt.Result{Text: "done"}, nil
	}}
	h := newHarness(t, newFakeRecorder(1), eng, &fakeDeliverer{})

	h.orch.Submit(Command{Kind: CommandStart, Source: "test"})
	h.waitState(t, StateRecording)
	h.orch.Submit(Command{Kind: CommandStart, Source: "test"})
	h.orch.Submit(Command{Kind: CommandStop, Source: "test"})
	h.waitState(t, StateTranscribing)
	h.orch.Submit(Command{Kind: CommandStart, Source: "test"})
	h.orch.Submit(Command{Kind: CommandToggle, Source: "test"})
	time.Sleep(20 * time.Millisecond)

	if starts, _ := h.rec.counts(); starts != 1 {
		t.Fatalf("recorder started %d times while busy", starts)
	}
	close(release)
	if o := h.obs.wait(t); o.Kind != OutcomeDelivered {
		t.Fatalf("unexpected outcome %+v", o)
	}
	assertValidTrace(t, h.obs.trace())
}

func TestTimeoutClearsBusy(t *testing.T) {
	backend := &stt.MockBackend{Delay: time.Second}
	eng := stt.NewAdapter(backend, stt.Options{Model: "mock", ChunkWindow: 30 * time.Second, Timeout: 30 * time.Millisecond}, nil)
	out := &fakeDeliverer{}
	h := newHarness(t, newFakeRecorder(1), eng, out)

	h.orch.Submit(Command{Kind: CommandToggle})
	h.waitState(t, StateRecording)
	h.orch.Submit(Command{Kind: CommandToggle})

	o := h.obs.wait(t)
	if o.Kind != OutcomeError || o.Err == nil || o.Err.Kind != ErrorTimeout {
		t.Fatalf("expected timeout outcome, got %+v", o)
	}
	if !errors.Is(o.Err, stt.ErrTranscriptionTimeout) {
		t.Fatalf("expected ErrTranscriptionTimeout, got %v", o.Err)
	}
	if o.Text != "" || len(out.delivered) != 0 {
		t.Fatal("timed out session must not deliver text")
	}
	h.waitState(t, StateIdle)

	// A new session is accepted right away.
	h.orch.Submit(Command{Kind: CommandStart})
	h.waitState(t, StateRecording)
	trace := h.obs.trace()
	assertValidTrace(t, trace)
	if trace[3] != StateError {
		t.Fatalf("expected Error after Transcribing, got %v", trace)
	}
}

func TestAbsentTargetDeliversToClipboard(t *testing.T) {
	out := &fakeDeliverer{}
	h := newHarness(t, newFakeRecorder(1), textEngine("note"), out)

	h.orch.Submit(Command{Kind: CommandStart})
	h.waitState(t, StateRecording)
	h.orch.Submit(Command{Kind: CommandStop})

	o := h.obs.wait(t)
	if o.Method != output.MethodClipboard || !o.Target.Absent() {
		t.Fatalf("expected clipboard delivery to absent target, got %+v", o)
	}
}

func TestQuietOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		seconds float64
		engine  *fakeEngine
		want    OutcomeKind
	}{
		{"too short", 0.1, textEngine("never"), OutcomeTooShort},
		{"blank audio", 1, textEngine("[BLANK_AUDIO]"), OutcomeNoSpeech},
		{"empty text", 1, textEngine(""), OutcomeNoSpeech},
		{"empty audio", 1, &fakeEngine{run: func(context.Context, stt.Request) (stt.Result, error) {
			return stt.Result{}, stt.ErrEmptyAudio
		}}, OutcomeNoSpeech},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := &fakeDeliverer{}
			h := newHarness(t, newFakeRecorder(tc.seconds), tc.engine, out)
			h.orch.Submit(Command{Kind: CommandStart})
			h.waitState(t, StateRecording)
			h.orch.Submit(Command{Kind: CommandStop})

			o := h.obs.wait(t)
			if o.Kind != tc.want || o.Err != nil {
				t.Fatalf("outcome = %+v, want %s", o, tc.want)
			}
			if len(out.delivered) != 0 {
				t.Fatal("quiet outcome must not deliver")
			}
			h.waitState(t, StateIdle)
			for _, s := range h.obs.trace() {
				if s == StateError {
					t.Fatal("quiet outcome passed through Error")
				}
			}
		})
	}
}

func TestStickyLoadErrorRejectsStart(t *testing.T) {
	eng := &fakeEngine{loadErr: errors.New("model missing")}
	rec := newFakeRecorder(1)
	h := newHarness(t, rec, eng, &fakeDeliverer{})

	for i := 0; i < 2; i++ {
		h.orch.Submit(Command{Kind: CommandStart})
		o := h.obs.wait(t)
		if o.Err == nil || o.Err.Kind != ErrorEngineLoad {
			t.Fatalf("expected engine_load error, got %+v", o)
		}
	}
	if starts, _ := rec.counts(); starts != 0 {
		t.Fatal("recorder must not start with a failed engine")
	}
	h.waitState(t, StateIdle)
	assertValidTrace(t, h.obs.trace())
}

func TestCaptureErrorReturnsToIdle(t *testing.T) {
	rec := newFakeRecorder(1)
	rec.startErr = errors.New("device unplugged")
	h := newHarness(t, rec, textEngine("x"), &fakeDeliverer{})

	h.orch.Submit(Command{Kind: CommandStart})
	o := h.obs.wait(t)
	if o.Err == nil || o.Err.Kind != ErrorCapture {
		t.Fatalf("expected capture error, got %+v", o)
	}
	h.waitState(t, StateIdle)
	if h.orch.Busy() {
		t.Fatal("busy flag not cleared after capture failure")
	}
}

func TestDeliveryErrorSurfaces(t *testing.T) {
	out := &fakeDeliverer{err: output.ErrDelivery}
	h := newHarness(t, newFakeRecorder(1), textEngine("lost"), out)
	h.orch.Submit(Command{Kind: CommandStart})
	h.waitState(t, StateRecording)
	h.orch.Submit(Command{Kind: CommandStop})

	o := h.obs.wait(t)
	if o.Err == nil || o.Err.Kind != ErrorDelivery || !errors.Is(o.Err, output.ErrDelivery) {
		t.Fatalf("expected delivery error, got %+v", o)
	}
}

func TestAutoStopEndsRecording(t *testing.T) {
	rec := newFakeRecorder(2)
	h := newHarness(t, rec, textEngine("capped"), &fakeDeliverer{})
	h.orch.Submit(Command{Kind: CommandStart})
	h.waitState(t, StateRecording)
	rec.auto <- struct{}{}

	if o := h.obs.wait(t); o.Kind != OutcomeDelivered {
		t.Fatalf("unexpected outcome %+v", o)
	}
	// A stale stop from the hotkey after auto-stop is ignored.
	h.orch.Submit(Command{Kind: CommandStop})
	time.Sleep(10 * time.Millisecond)
	if _, stops := rec.counts(); stops != 1 {
		t.Fatalf("recorder stopped %d times", stops)
	}
}

func TestWorkerPanicIsInternalError(t *testing.T) {
	eng := &fakeEngine{run: func(context.Context, stt.Request) (stt.Result, error) {
		panic("boom")
	}}
	h := newHarness(t, newFakeRecorder(1), eng, &fakeDeliverer{})
	h.orch.Submit(Command{Kind: CommandStart})
	h.waitState(t, StateRecording)
	h.orch.Submit(Command{Kind: CommandStop})

	o := h.obs.wait(t)
	if o.Err == nil || o.Err.Kind != ErrorInternal {
		t.Fatalf("expected internal error, got %+v", o)
	}
	h.waitState(t, StateIdle)
}

func TestLevelUpdatesWhileRecording(t *testing.T) {
	h := newHarness(t, newFakeRecorder(1), textEngine("x"), &fakeDeliverer{})
	h.orch.Submit(Command{Kind: CommandStart})
	h.waitState(t, StateRecording)
	time.Sleep(150 * time.Millisecond)

	h.obs.mu.Lock()
	levels := h.obs.levels
	h.obs.mu.Unlock()
	if levels == 0 {
		t.Fatal("expected level updates while recording")
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	orch := New(newFakeRecorder(1), textEngine("x"), &fakeDeliverer{}, Options{QueueSize: 2}, nil)
	for i := 0; i < 2; i++ {
		if !orch.Submit(Command{Kind: CommandToggle}) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	if orch.Submit(Command{Kind: CommandToggle}) {
		t.Fatal("expected full queue to drop the command")
	}
	if snap := orch.Snapshot(); snap.Dropped != 1 || snap.State != "idle" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRunTwiceFails(t *testing.T) {
	h := newHarness(t, newFakeRecorder(1), textEngine("x"), &fakeDeliverer{})
	h.orch.Submit(Command{Kind: CommandStart})
	h.waitState(t, StateRecording)
	if err := h.orch.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestValidTransition(t *testing.T) {
	if ValidTransition(StateIdle, StateTranscribing) {
		t.Fatal("idle cannot jump to transcribing")
	}
	if ValidTransition(StateError, StateRecording) {
		t.Fatal("error must pass through idle")
	}
	if !ValidTransition(StateTranscribing, StateError) || !ValidTransition(StateError, StateIdle) {
		t.Fatal("missing error edges")
	}
}
