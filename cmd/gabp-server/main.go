// Command gabp-server runs a standalone GABP server hosting the blockworld
// sample. It is mainly a development harness for bridge implementers: it
// binds a loopback port, writes the bridge config artifact, and serves the
// sample tools and event channels until interrupted.
//
// Configuration merges three sources, highest priority first: command-line
// flags, the GABS_GAME_ID / GABP_SERVER_PORT / GABP_TOKEN environment
// variables, and an optional YAML config file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	gabp "github.com/MegaGrindStone/go-gabp"
	"github.com/MegaGrindStone/go-gabp/servers/blockworld"
)

type config struct {
	AgentID      string `yaml:"agentId"`
	Port         int    `yaml:"port"`
	Token        string `yaml:"token"`
	BridgeConfig bool   `yaml:"bridgeConfig"`
	MirrorAddr   string `yaml:"mirrorAddr"`
	LogLevel     string `yaml:"logLevel"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = pflag.String("config", "", "path to a YAML config file")
		agentID      = pflag.String("agent-id", "", "agent id reported in the welcome result")
		port         = pflag.Int("port", 0, "loopback port to listen on (0 for ephemeral)")
		token        = pflag.String("token", "", "session token (generated when empty)")
		bridgeConfig = pflag.Bool("bridge-config", false, "write the bridge config artifact at start")
		mirrorAddr   = pflag.String("mirror-addr", "", "loopback address for the SSE event mirror (disabled when empty)")
		logLevel     = pflag.String("log-level", "info", "log level: debug, info, warn, or error")
	)
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	// Environment collaborators, overridden by flags below.
	if gameID := os.Getenv("GABS_GAME_ID"); gameID != "" {
		cfg.AgentID = gameID
	}
	if portEnv := os.Getenv("GABP_SERVER_PORT"); portEnv != "" {
		p, err := strconv.Atoi(portEnv)
		if err != nil {
			return fmt.Errorf("invalid GABP_SERVER_PORT: %w", err)
		}
		cfg.Port = p
	}
	if tokenEnv := os.Getenv("GABP_TOKEN"); tokenEnv != "" {
		cfg.Token = tokenEnv
	}

	if pflag.CommandLine.Changed("agent-id") {
		cfg.AgentID = *agentID
	}
	if pflag.CommandLine.Changed("port") {
		cfg.Port = *port
	}
	if pflag.CommandLine.Changed("token") {
		cfg.Token = *token
	}
	if pflag.CommandLine.Changed("bridge-config") {
		cfg.BridgeConfig = *bridgeConfig
	}
	if pflag.CommandLine.Changed("mirror-addr") {
		cfg.MirrorAddr = *mirrorAddr
	}
	if pflag.CommandLine.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	if cfg.AgentID == "" {
		cfg.AgentID = "blockworld"
	}

	logger := newLogger(cfg.LogLevel)

	options := []gabp.ServerOption{
		gabp.WithPort(cfg.Port),
		gabp.WithAppInfo("gabp-server", "0.1.0"),
		gabp.WithLogger(logger),
	}
	if cfg.Token != "" {
		options = append(options, gabp.WithToken(cfg.Token))
	}
	if cfg.BridgeConfig {
		options = append(options, gabp.WithBridgeConfig(""))
	}

	srv := gabp.NewServer(cfg.AgentID, options...)

	world := blockworld.New(logger)
	if err := world.Attach(srv); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	logger.Info("gabp-server ready",
		slog.String("agentID", cfg.AgentID),
		slog.String("addr", srv.Addr()),
		slog.String("token", srv.Token()))

	var mirrorServer *http.Server
	if cfg.MirrorAddr != "" {
		mirror := gabp.NewEventMirror(srv, gabp.WithMirrorLogger(logger))
		defer mirror.Close()

		mirrorServer = &http.Server{
			Addr:    cfg.MirrorAddr,
			Handler: mirror,
		}
		go func() {
			if err := mirrorServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("event mirror failed", slog.String("err", err.Error()))
			}
		}()
		logger.Info("event mirror listening", slog.String("addr", cfg.MirrorAddr))
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if mirrorServer != nil {
		if err := mirrorServer.Shutdown(stopCtx); err != nil {
			logger.Warn("failed to shut down event mirror", slog.String("err", err.Error()))
		}
	}

	return srv.Stop(stopCtx)
}

func loadConfig(path string) (config, error) {
	var cfg config
	if path == "" {
		return cfg, nil
	}

	cfgBs, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(cfgBs, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
