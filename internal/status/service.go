package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrNotRunning is returned by Probe when no daemon answers.
var ErrNotRunning = errors.New("dictation daemon not running")

// Provider returns the current daemon status.
type Provider func() protocol.Status

// Peer is another daemon seen on the bus.
type Peer struct {
	NodeID   string
	PID      int
	LastSeen time.Time
	Healthy  bool
}

type Options struct {
	NodeID            string
	Version           string
	HeartbeatInterval time.Duration
}

// Service announces this daemon on the bus, answers status requests and tracks other
// daemons by their heartbeats.
type Service struct {
	opts    Options
	bus     *bus.Client
	status  Provider
	log     *slog.Logger
	started time.Time
	pid     int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu    sync.RWMutex
	peers map[string]*Peer
	now   func() time.Time

	meter metric.Meter
}

func Start(ctx context.Context, opts Options, busClient *bus.Client, status Provider, log *slog.Logger) (*Service, error) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		opts:    opts,
		bus:     busClient,
		status:  status,
		log:     log.With(slog.String("component", "status")),
		started: time.Now().UTC(),
		pid:     os.Getpid(),
		cancel:  cancel,
		peers:   make(map[string]*Peer),
		now:     time.Now,
		meter:   otel.Meter("github.com/loqalabs/loqa-dictate/status"),
	}

	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if busClient != nil {
		if err := s.subscribe(); err != nil {
			cancel()
			return nil, err
		}
		if err := s.publishHeartbeat(); err != nil {
			s.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
		}
		s.wg.Add(2)
		go s.runHeartbeat(ctx)
		go s.monitorPeers(ctx)
	}

	return s, nil
}

func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) subscribe() error {
	conn := s.bus.Conn()
	getSub, err := conn.Subscribe(protocol.SubjectStatusGet, s.handleGet)
	if err != nil {
		return fmt.Errorf("subscribe status: %w", err)
	}
	s.subs = append(s.subs, getSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectHeartbeatPrefix+".*", s.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	s.subs = append(s.subs, heartbeatSub)
	return nil
}

func (s *Service) runHeartbeat(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.publishHeartbeat(); err != nil {
				s.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Service) monitorPeers(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evaluatePeers()
		}
	}
}

func (s *Service) heartbeat() protocol.Heartbeat {
	return protocol.Heartbeat{
		NodeID:    s.opts.NodeID,
		Version:   s.opts.Version,
		PID:       s.pid,
		StartedAt: s.started,
		Status:    s.status(),
		Timestamp: s.now().UTC(),
	}
}

func (s *Service) publishHeartbeat() error {
	return s.bus.PublishJSON(protocol.HeartbeatSubject(s.opts.NodeID), s.heartbeat())
}

func (s *Service) handleGet(msg *nats.Msg) {
	payload, err := json.Marshal(s.status())
	if err != nil {
		s.log.Warn("failed to encode status", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.log.Warn("failed to answer status request", slog.String("error", err.Error()))
	}
}

func (s *Service) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		s.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	s.observe(hb)
}

func (s *Service) observe(hb protocol.Heartbeat) {
	if hb.NodeID == s.opts.NodeID && hb.PID == s.pid {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	peer, ok := s.peers[hb.NodeID]
	if !ok {
		peer = &Peer{NodeID: hb.NodeID}
		s.peers[hb.NodeID] = peer
	}
	peer.PID = hb.PID
	peer.LastSeen = hb.Timestamp
	peer.Healthy = true
	s.mu.Unlock()

	if !ok {
		s.log.Warn("another dictation daemon is running on the bus",
			slog.String("node_id", hb.NodeID),
			slog.Int("pid", hb.PID))
	}
}

func (s *Service) evaluatePeers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := 3 * s.opts.HeartbeatInterval
	now := s.now()
	for id, peer := range s.peers {
		if now.Sub(peer.LastSeen) > timeout {
			peer.Healthy = false
		}
		if now.Sub(peer.LastSeen) > 10*timeout {
			delete(s.peers, id)
		}
	}
}

// Peers returns the other daemons currently known.
func (s *Service) Peers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, *p)
	}
	return peers
}

func (s *Service) initMetrics() error {
	stateGauge, err := s.meter.Int64ObservableGauge("dictate.state", metric.WithDescription("Session state (0 idle, 1 recording, 2 transcribing, 3 error)"))
	if err != nil {
		return err
	}
	busyGauge, err := s.meter.Int64ObservableGauge("dictate.busy", metric.WithDescription("1 while a session is in progress"))
	if err != nil {
		return err
	}
	peerGauge, err := s.meter.Int64ObservableGauge("dictate.peers", metric.WithDescription("Other dictation daemons seen on the bus"))
	if err != nil {
		return err
	}
	_, err = s.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		st := s.status()
		obs.ObserveInt64(stateGauge, StateValue(st.State))
		var busy int64
		if st.Busy {
			busy = 1
		}
		obs.ObserveInt64(busyGauge, busy)
		s.mu.RLock()
		obs.ObserveInt64(peerGauge, int64(len(s.peers)))
		s.mu.RUnlock()
		return nil
	}, stateGauge, busyGauge, peerGauge)
	return err
}

// StateValue maps a state name onto the dictate.state gauge value.
func StateValue(state string) int64 {
	switch state {
	case "recording":
		return 1
	case "transcribing":
		return 2
	case "error":
		return 3
	default:
		return 0
	}
}

// Probe asks a running daemon for its status. It returns ErrNotRunning when nobody
// answers within timeout.
func Probe(ctx context.Context, busClient *bus.Client, timeout time.Duration) (protocol.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var st protocol.Status
	err := busClient.RequestJSON(ctx, protocol.SubjectStatusGet, struct{}{}, &st)
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return protocol.Status{}, ErrNotRunning
	default:
		return protocol.Status{}, err
	}
}
