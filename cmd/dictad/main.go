package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/runtime"
	"github.com/loqalabs/loqa-dictate/internal/status"
)

var version = "0.1.0-dev"

const requestTimeout = 2 * time.Second

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", config.DefaultPath, "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: dictad [flags] [run|status|stop|toggle|devices|history [session-id]]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cmd := "run"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}
	if cmd == "devices" {
		if err := runDevices(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	switch cmd {
	case "run":
		os.Exit(run(cfg, logger))
	case "status":
		err = runStatus(cfg)
	case "stop":
		err = runRequest(cfg, protocol.SubjectShutdown, "stopping")
	case "toggle":
		err = runRequest(cfg, protocol.SubjectCommandToggle, "toggled")
	case "history":
		err = runHistory(cfg, flag.Arg(1))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, status.ErrNotRunning) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) int {
	rt := runtime.New(cfg, version, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

func runStatus(cfg config.Config) error {
	client, err := connect(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	st, err := status.Probe(ctx, client, requestTimeout)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func runRequest(cfg config.Config, subject, done string) error {
	client, err := connect(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	var ack protocol.Ack
	if err := client.RequestJSON(ctx, subject, protocol.Command{Source: "cli"}, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return errors.New(ack.Error)
	}
	fmt.Println(done)
	return nil
}

func runHistory(cfg config.Config, sessionID string) error {
	client, err := connect(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	var hist protocol.History
	if err := client.RequestJSON(ctx, protocol.SubjectHistoryGet, protocol.HistoryRequest{SessionID: sessionID}, &hist); err != nil {
		return err
	}
	if hist.Error != "" {
		return errors.New(hist.Error)
	}
	if sessionID != "" {
		for _, ev := range hist.Events {
			fmt.Printf("%s  %-22s %s\n", ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, ev.Payload)
		}
		return nil
	}
	for _, s := range hist.Sessions {
		outcome := s.Outcome
		if s.ErrorKind != "" {
			outcome += "/" + s.ErrorKind
		}
		fmt.Printf("%s  %s  %-7s %-18s %-10s %4d chars\n", s.StartedAt.Local().Format(time.DateTime), s.SessionID, s.Mode, outcome, s.Method, s.Chars)
	}
	return nil
}

// connect reaches a running daemon. With an embedded broker the daemon listens on the
// configured port, so that is tried when no servers are listed.
func connect(cfg config.Config) (*bus.Client, error) {
	busCfg := cfg.Bus
	if len(busCfg.Servers) == 0 {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	client, err := bus.Connect(ctx, "dictad-cli", busCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrNotRunning, err)
	}
	return client, nil
}

func runDevices() error {
	devices, err := audio.ListInputDevices()
	if err != nil {
		return err
	}
	for _, dev := range devices {
		mark := " "
		if dev.Default {
			mark = "*"
		}
		fmt.Printf("%s %2d  %s (%d ch, %.0f Hz)\n", mark, dev.Index, dev.Name, dev.Channels, dev.SampleRate)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
