package gabp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BridgeConfig is the artifact a bridge process reads to discover a running
// server: the session token, the transport endpoint, and launch metadata.
// When enabled with WithBridgeConfig it is written exactly once at Start.
type BridgeConfig struct {
	Token     string          `json:"token"`
	Transport BridgeTransport `json:"transport"`
	Metadata  BridgeMetadata  `json:"metadata"`
}

// BridgeTransport describes how to reach the server. Type is always "tcp";
// Address carries the loopback port.
type BridgeTransport struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

// BridgeMetadata correlates the artifact with the process that wrote it.
type BridgeMetadata struct {
	PID       int       `json:"pid"`
	StartTime time.Time `json:"startTime"`
	LaunchID  string    `json:"launchId"`
}

// DefaultBridgeConfigPath returns the platform-specific location of the
// bridge config artifact: %APPDATA%/gabp/bridge.json on Windows,
// ~/Library/Application Support/gabp/bridge.json on macOS, and
// ~/.config/gabp/bridge.json on Linux.
func DefaultBridgeConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config directory: %w", err)
	}
	return filepath.Join(dir, "gabp", "bridge.json"), nil
}

// writeBridgeConfigFile writes cfg to path, creating parent directories as
// needed. The file carries the session token, so it is readable by the
// owner only.
func writeBridgeConfigFile(path string, cfg BridgeConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create bridge config directory: %w", err)
	}

	cfgBs, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bridge config: %w", err)
	}

	if err := os.WriteFile(path, cfgBs, 0o600); err != nil {
		return fmt.Errorf("failed to write bridge config: %w", err)
	}
	return nil
}

// ReadBridgeConfig loads a bridge config artifact from path. Bridge-side
// code and tests use this to discover a server.
func ReadBridgeConfig(path string) (BridgeConfig, error) {
	cfgBs, err := os.ReadFile(path)
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("failed to read bridge config: %w", err)
	}

	var cfg BridgeConfig
	if err := json.Unmarshal(cfgBs, &cfg); err != nil {
		return BridgeConfig{}, fmt.Errorf("failed to unmarshal bridge config: %w", err)
	}
	return cfg, nil
}
