package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/daemon"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

const (
	journalQueue = 64
	pruneEvery   = 25
)

// Publisher mirrors daemon notifications onto the bus and into the session journal.
// Only state and text leave the daemon.
type Publisher struct {
	bus   *bus.Client
	store *eventstore.Store
	mode  string
	log   *slog.Logger

	journal chan func(context.Context)
	done    chan struct{}
	once    sync.Once
	pending int
}

// NewPublisher starts the journal writer. Either bus or store may be nil.
func NewPublisher(busClient *bus.Client, store *eventstore.Store, hotkeyMode string, log *slog.Logger) *Publisher {
	p := &Publisher{
		bus:     busClient,
		store:   store,
		mode:    hotkeyMode,
		log:     log.With(slog.String("component", "publisher")),
		journal: make(chan func(context.Context), journalQueue),
		done:    make(chan struct{}),
	}
	go p.writeJournal()
	return p
}

func (p *Publisher) writeJournal() {
	defer close(p.done)
	for job := range p.journal {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		job(ctx)
		cancel()
	}
}

// Close flushes pending journal writes.
func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.journal)
		<-p.done
	})
}

func (p *Publisher) enqueue(job func(context.Context)) {
	if p.store == nil {
		return
	}
	select {
	case p.journal <- job:
	default:
		p.log.Warn("journal queue full, dropping entry")
	}
}

func (p *Publisher) publish(subject string, v any) {
	if p.bus == nil {
		return
	}
	if err := p.bus.PublishJSON(subject, v); err != nil {
		p.log.Warn("failed to publish", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (p *Publisher) OnStateChanged(c daemon.StateChange) {
	ev := protocol.StateEvent{
		SessionID: c.SessionID,
		From:      c.From.String(),
		To:        c.To.String(),
		Reason:    c.Reason,
		Timestamp: c.At.UTC(),
	}
	p.publish(protocol.SubjectState, ev)

	if c.SessionID == "" {
		return
	}
	payload, _ := json.Marshal(ev)
	begin := c.From == daemon.StateIdle
	p.enqueue(func(ctx context.Context) {
		if begin {
			if err := p.store.BeginSession(ctx, c.SessionID, p.mode); err != nil {
				p.log.Warn("failed to journal session", slog.String("error", err.Error()))
				return
			}
		}
		if err := p.store.AppendEvent(ctx, eventstore.Event{
			SessionID: c.SessionID,
			Type:      "state." + c.To.String(),
			Payload:   payload,
			CreatedAt: c.At.UTC(),
		}); err != nil {
			p.log.Warn("failed to journal state", slog.String("error", err.Error()))
		}
	})
}

func (p *Publisher) OnLevelUpdated(level audio.Level) {
	p.publish(protocol.SubjectLevel, protocol.LevelEvent{RMS: level.RMS, Bands: level.Bands[:]})
}

func (p *Publisher) OnResult(o daemon.Outcome) {
	ev := ResultEvent(o)
	p.publish(protocol.SubjectResult, ev)

	sess := eventstore.Session{
		ID:        o.SessionID,
		Mode:      p.mode,
		Outcome:   string(o.Kind),
		Method:    string(o.Method),
		TargetApp: o.Target.App,
		Chars:     len([]rune(o.Text)),
		StartedAt: o.StartedAt,
		EndedAt:   o.EndedAt,
	}
	if o.Err != nil {
		sess.ErrorKind = string(o.Err.Kind)
	}
	p.pending++
	prune := p.pending%pruneEvery == 0
	p.enqueue(func(ctx context.Context) {
		if err := p.store.FinishSession(ctx, sess); err != nil {
			p.log.Warn("failed to journal result", slog.String("error", err.Error()))
		}
		if prune {
			if err := p.store.Prune(ctx); err != nil {
				p.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	})
}

// ResultEvent converts a session outcome into its bus message.
func ResultEvent(o daemon.Outcome) protocol.ResultEvent {
	ev := protocol.ResultEvent{
		SessionID:       o.SessionID,
		Outcome:         string(o.Kind),
		Text:            o.Text,
		Method:          string(o.Method),
		TargetApp:       o.Target.App,
		RecordedMS:      o.Recorded.Milliseconds(),
		TranscriptionMS: o.Transcription.Milliseconds(),
		Chunks:          o.Chunks,
		Timestamp:       o.EndedAt.UTC(),
	}
	if o.Err != nil {
		ev.ErrorKind = string(o.Err.Kind)
		ev.Error = o.Err.Err.Error()
	}
	return ev
}
