package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/daemon"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	reloadTimeout  = 5 * time.Minute
	historyTimeout = 2 * time.Second
	historyLimit   = 20
	historyMax     = 500
)

// Commander accepts session commands. daemon.Orchestrator implements it.
type Commander interface {
	Submit(daemon.Command) bool
}

// HotkeySwitch enables or disables the global hotkey. hotkey.Machine implements it.
type HotkeySwitch interface {
	SetEnabled(bool)
	Enabled() bool
}

// Reloader rebuilds the speech engine. stt.Adapter implements it.
type Reloader interface {
	Reload(ctx context.Context, model string) error
}

// Journal reads the session journal. eventstore.Store implements it.
type Journal interface {
	RecentSessions(ctx context.Context, limit int) ([]eventstore.Session, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

// Control maps dictate.cmd.* and dictate.ctl.* subjects onto the daemon.
type Control struct {
	bus      *bus.Client
	cmds     Commander
	hotkey   HotkeySwitch
	engine   Reloader
	journal  Journal
	shutdown func()
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

func StartControl(ctx context.Context, busClient *bus.Client, cmds Commander, hk HotkeySwitch, engine Reloader, journal Journal, shutdown func(), log *slog.Logger) (*Control, error) {
	ctx, cancel := context.WithCancel(ctx)
	c := &Control{
		bus:      busClient,
		cmds:     cmds,
		hotkey:   hk,
		engine:   engine,
		journal:  journal,
		shutdown: shutdown,
		log:      log.With(slog.String("component", "control")),
		ctx:      ctx,
		cancel:   cancel,
	}

	handlers := map[string]nats.MsgHandler{
		protocol.SubjectCommandStart:  c.command(daemon.CommandStart),
		protocol.SubjectCommandStop:   c.command(daemon.CommandStop),
		protocol.SubjectCommandToggle: c.command(daemon.CommandToggle),
		protocol.SubjectCommandHotkey: c.handleHotkey,
		protocol.SubjectCommandReload: c.handleReload,
		protocol.SubjectHistoryGet:    c.handleHistory,
		protocol.SubjectShutdown:      c.handleShutdown,
	}
	for subject, handler := range handlers {
		sub, err := busClient.Conn().Subscribe(subject, handler)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	return c, nil
}

func (c *Control) Close() {
	c.cancel()
	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	c.wg.Wait()
}

func decodeCommand(msg *nats.Msg) (protocol.Command, error) {
	var cmd protocol.Command
	if len(msg.Data) == 0 {
		return cmd, nil
	}
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return cmd, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}

func (c *Control) ack(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	ack := protocol.Ack{OK: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	payload, _ := json.Marshal(ack)
	if err := msg.Respond(payload); err != nil {
		c.log.Warn("failed to acknowledge command", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
	}
}

func (c *Control) command(kind daemon.CommandKind) nats.MsgHandler {
	return func(msg *nats.Msg) {
		req, err := decodeCommand(msg)
		if err != nil {
			c.ack(msg, err)
			return
		}
		source := req.Source
		if source == "" {
			source = "bus"
		}
		if !c.cmds.Submit(daemon.Command{Kind: kind, Source: source}) {
			c.ack(msg, fmt.Errorf("command queue full"))
			return
		}
		c.ack(msg, nil)
	}
}

func (c *Control) handleHotkey(msg *nats.Msg) {
	req, err := decodeCommand(msg)
	if err != nil {
		c.ack(msg, err)
		return
	}
	enabled := !c.hotkey.Enabled()
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	c.hotkey.SetEnabled(enabled)
	c.log.Info("hotkey switched", slog.Bool("enabled", enabled))
	c.ack(msg, nil)
}

func (c *Control) handleReload(msg *nats.Msg) {
	req, err := decodeCommand(msg)
	if err != nil {
		c.ack(msg, err)
		return
	}
	// Loading a model takes seconds; keep the subscription free.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, reloadTimeout)
		defer cancel()
		err := c.engine.Reload(ctx, req.Model)
		if err != nil {
			c.log.Error("engine reload failed", slog.String("model", req.Model), slog.String("error", err.Error()))
		} else {
			c.log.Info("engine reloaded", slog.String("model", req.Model))
		}
		c.ack(msg, err)
	}()
}

func (c *Control) handleShutdown(msg *nats.Msg) {
	c.log.Info("shutdown requested over bus")
	c.ack(msg, nil)
	if c.shutdown != nil {
		c.shutdown()
	}
}

func (c *Control) handleHistory(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	var req protocol.HistoryRequest
	var resp protocol.History
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			resp.Error = fmt.Sprintf("decode history request: %v", err)
		}
	}
	if resp.Error == "" {
		var err error
		if resp, err = c.history(req); err != nil {
			c.log.Warn("history query failed", slog.String("error", err.Error()))
			resp.Error = err.Error()
		}
	}
	payload, _ := json.Marshal(resp)
	if err := msg.Respond(payload); err != nil {
		c.log.Warn("failed to answer history request", slog.String("error", err.Error()))
	}
}

func (c *Control) history(req protocol.HistoryRequest) (protocol.History, error) {
	if c.journal == nil {
		return protocol.History{}, fmt.Errorf("session journal unavailable")
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = historyLimit
	case limit > historyMax:
		limit = historyMax
	}
	ctx, cancel := context.WithTimeout(c.ctx, historyTimeout)
	defer cancel()

	var out protocol.History
	if req.SessionID != "" {
		events, err := c.journal.ListSessionEvents(ctx, req.SessionID, limit)
		if err != nil {
			return out, fmt.Errorf("list session events: %w", err)
		}
		for _, e := range events {
			rec := protocol.EventRecord{Type: e.Type, Timestamp: e.CreatedAt}
			if json.Valid(e.Payload) {
				rec.Payload = e.Payload
			}
			out.Events = append(out.Events, rec)
		}
		return out, nil
	}
	sessions, err := c.journal.RecentSessions(ctx, limit)
	if err != nil {
		return out, fmt.Errorf("recent sessions: %w", err)
	}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, protocol.SessionRecord{
			SessionID: s.ID,
			Mode:      s.Mode,
			Outcome:   s.Outcome,
			Method:    s.Method,
			ErrorKind: s.ErrorKind,
			TargetApp: s.TargetApp,
			Chars:     s.Chars,
			StartedAt: s.StartedAt,
			EndedAt:   s.EndedAt,
		})
	}
	return out, nil
}
