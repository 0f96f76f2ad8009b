package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/daemon"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "bridge-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

type fakeCommander struct {
	mu   sync.Mutex
	cmds []daemon.Command
	full bool
}

func (f *fakeCommander) Submit(c daemon.Command) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.cmds = append(f.cmds, c)
	return true
}

type fakeSwitch struct {
	mu      sync.Mutex
	enabled bool
}

func (s *fakeSwitch) SetEnabled(v bool) {
	s.mu.Lock()
	s.enabled = v
	s.mu.Unlock()
}

func (s *fakeSwitch) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

type fakeReloader struct {
	err    error
	models chan string
}

func (r *fakeReloader) Reload(_ context.Context, model string) error {
	r.models <- model
	return r.err
}

func request(t *testing.T, client *bus.Client, subject string, body any) protocol.Ack {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ack protocol.Ack
	if err := client.RequestJSON(ctx, subject, body, &ack); err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	return ack
}

func TestControlRoutesCommands(t *testing.T) {
	client := startBus(t)
	cmds := &fakeCommander{}
	hk := &fakeSwitch{enabled: true}
	reload := &fakeReloader{models: make(chan string, 1)}
	shutdown := make(chan struct{}, 1)

	ctl, err := StartControl(context.Background(), client, cmds, hk, reload, nil, func() { shutdown <- struct{}{} }, newLogger())
	if err != nil {
		t.Fatalf("start control: %v", err)
	}
	t.Cleanup(ctl.Close)

	if ack := request(t, client, protocol.SubjectCommandToggle, protocol.Command{Source: "tray"}); !ack.OK {
		t.Fatalf("toggle rejected: %+v", ack)
	}
	if ack := request(t, client, protocol.SubjectCommandStop, struct{}{}); !ack.OK {
		t.Fatalf("stop rejected: %+v", ack)
	}
	cmds.mu.Lock()
	got := append([]daemon.Command(nil), cmds.cmds...)
	cmds.mu.Unlock()
	if len(got) != 2 || got[0] != (daemon.Command{Kind: daemon.CommandToggle, Source: "tray"}) || got[1].Kind != daemon.CommandStop || got[1].Source != "bus" {
		t.Fatalf("unexpected commands %+v", got)
	}

	disabled := false
	request(t, client, protocol.SubjectCommandHotkey, protocol.Command{Enabled: &disabled})
	if hk.Enabled() {
		t.Fatal("hotkey should be disabled")
	}
	request(t, client, protocol.SubjectCommandHotkey, struct{}{})
	if !hk.Enabled() {
		t.Fatal("empty hotkey command should flip the switch")
	}

	if ack := request(t, client, protocol.SubjectCommandReload, protocol.Command{Model: "small"}); !ack.OK {
		t.Fatalf("reload failed: %+v", ack)
	}
	if model := <-reload.models; model != "small" {
		t.Fatalf("reloaded %q", model)
	}

	request(t, client, protocol.SubjectShutdown, struct{}{})
	select {
	case <-shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestControlReportsFailures(t *testing.T) {
	client := startBus(t)
	reload := &fakeReloader{err: errors.New("model missing"), models: make(chan string, 1)}
	ctl, err := StartControl(context.Background(), client, &fakeCommander{full: true}, &fakeSwitch{}, reload, nil, nil, newLogger())
	if err != nil {
		t.Fatalf("start control: %v", err)
	}
	t.Cleanup(ctl.Close)

	if ack := request(t, client, protocol.SubjectCommandStart, struct{}{}); ack.OK {
		t.Fatal("expected full queue to be reported")
	}
	if ack := request(t, client, protocol.SubjectCommandReload, struct{}{}); ack.OK || ack.Error == "" {
		t.Fatalf("expected reload error, got %+v", ack)
	}
}

func TestPublisherMirrorsSession(t *testing.T) {
	client := startBus(t)
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	results := make(chan *nats.Msg, 4)
	states := make(chan *nats.Msg, 8)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectResult, results); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectState, states); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub := NewPublisher(client, store, "toggle", newLogger())
	now := time.Now()
	pub.OnStateChanged(daemon.StateChange{SessionID: "s1", From: daemon.StateIdle, To: daemon.StateRecording, At: now})
	pub.OnLevelUpdated(audio.Level{RMS: 0.3})
	pub.OnStateChanged(daemon.StateChange{SessionID: "s1", From: daemon.StateRecording, To: daemon.StateTranscribing, At: now})
	pub.OnResult(daemon.Outcome{
		SessionID: "s1",
		Kind:      daemon.OutcomeDelivered,
		Text:      "hello",
		Method:    output.MethodClipboard,
		Recorded:  1500 * time.Millisecond,
		StartedAt: now,
		EndedAt:   now.Add(2 * time.Second),
	})
	pub.Close()

	select {
	case msg := <-results:
		var ev protocol.ResultEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if ev.Text != "hello" || ev.Outcome != "delivered" || ev.Method != "clipboard" || ev.RecordedMS != 1500 {
			t.Fatalf("unexpected result event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result published")
	}
	select {
	case msg := <-states:
		var ev protocol.StateEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.To != "recording" {
			t.Fatalf("unexpected state event %s %v", msg.Data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state published")
	}

	events, err := store.ListSessionEvents(context.Background(), "s1", 10)
	if err != nil || len(events) != 2 {
		t.Fatalf("expected 2 journaled events, got %d %v", len(events), err)
	}
	sessions, err := store.RecentSessions(context.Background(), 5)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("expected one session, got %+v %v", sessions, err)
	}
	if s := sessions[0]; s.Outcome != "delivered" || s.Mode != "toggle" || s.Chars != 5 {
		t.Fatalf("unexpected session row %+v", s)
	}

	ctl, err := StartControl(context.Background(), client, &fakeCommander{}, &fakeSwitch{}, nil, store, func() {}, newLogger())
	if err != nil {
		t.Fatalf("start control: %v", err)
	}
	defer ctl.Close()

	var hist protocol.History
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.RequestJSON(ctx, protocol.SubjectHistoryGet, protocol.HistoryRequest{}, &hist); err != nil {
		t.Fatalf("history: %v", err)
	}
	if hist.Error != "" || len(hist.Sessions) != 1 || hist.Sessions[0].SessionID != "s1" || hist.Sessions[0].Method != "clipboard" {
		t.Fatalf("unexpected history %+v", hist)
	}
	hist = protocol.History{}
	if err := client.RequestJSON(ctx, protocol.SubjectHistoryGet, protocol.HistoryRequest{SessionID: "s1"}, &hist); err != nil {
		t.Fatalf("session history: %v", err)
	}
	if len(hist.Events) != 2 || hist.Sessions != nil {
		t.Fatalf("unexpected session events %+v", hist)
	}
	for _, ev := range hist.Events {
		if ev.Type == "" || ev.Timestamp.IsZero() {
			t.Fatalf("incomplete event record %+v", ev)
		}
	}
}

func TestHistoryWithoutJournal(t *testing.T) {
	client := startBus(t)
	ctl, err := StartControl(context.Background(), client, &fakeCommander{}, &fakeSwitch{}, nil, nil, func() {}, newLogger())
	if err != nil {
		t.Fatalf("start control: %v", err)
	}
	defer ctl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var hist protocol.History
	if err := client.RequestJSON(ctx, protocol.SubjectHistoryGet, protocol.HistoryRequest{Limit: 5}, &hist); err != nil {
		t.Fatalf("history: %v", err)
	}
	if hist.Error == "" || hist.Sessions != nil {
		t.Fatalf("expected journal error, got %+v", hist)
	}
}

func TestResultEventCarriesError(t *testing.T) {
	ev := ResultEvent(daemon.Outcome{
		SessionID: "s",
		Kind:      daemon.OutcomeError,
		Err:       &daemon.SessionError{Kind: daemon.ErrorTimeout, Err: errors.New("deadline")},
	})
	if ev.ErrorKind != "timeout" || ev.Error != "deadline" || ev.Text != "" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
