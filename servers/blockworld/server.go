// Package blockworld is a batteries-included sample game server for the
// GABP protocol. It keeps a small voxel world and player inventories in
// memory and exposes them through tools and event channels, showing how a
// real game embeds the gabp.Server facade.
package blockworld

import (
	"fmt"
	"log/slog"
	"sync"

	gabp "github.com/MegaGrindStone/go-gabp"
)

// Server holds the in-memory game state behind the blockworld tools. All
// methods are safe for concurrent use; GABP dispatches tool calls from
// multiple connections at once.
type Server struct {
	logger *slog.Logger
	gabp   *gabp.Server

	mu          sync.Mutex
	blocks      map[Position]string
	signs       map[Position]string
	players     map[string]Position
	inventories map[string][]Item
}

// New creates an empty world with a default player. A nil logger falls back
// to slog.Default.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger: logger.With(slog.String("component", "blockworld")),
		blocks: make(map[Position]string),
		signs:  make(map[Position]string),
		players: map[string]Position{
			"steve": {},
		},
		inventories: map[string][]Item{
			"steve": {
				{Type: "stone", Count: 64},
				{Type: "torch", Count: 16},
			},
		},
	}
}

// Attach registers the blockworld channels and tools on a GABP server. The
// tools are bound reflectively from this server's methods; see the gabp
// package's RegisterToolsFrom for the naming and descriptor rules.
func (s *Server) Attach(srv *gabp.Server) error {
	s.gabp = srv

	srv.RegisterChannel("world/block_changed", "A block was placed or broken")
	srv.RegisterChannel("player/moved", "A player changed position")

	names, err := srv.RegisterToolsFrom(s)
	if err != nil {
		return fmt.Errorf("failed to register blockworld tools: %w", err)
	}
	s.logger.Info("blockworld attached", slog.Any("tools", names))
	return nil
}

// ToolInfo supplies the advertised descriptions for the reflected tools.
func (s *Server) ToolInfo() map[string]gabp.ToolInfo {
	return map[string]gabp.ToolInfo{
		"InventoryGet": {
			Description: "Read a player's inventory",
		},
		"WorldPlaceBlock": {
			Description: "Place a block at a position",
		},
		"WorldBreakBlock": {
			Description: "Break the block at a position",
		},
		"WorldEditSign": {
			Description: "Replace the text of a sign and return a patch preview of the edit",
		},
		"PlayerTeleport": {
			Description: "Teleport a player to a position",
		},
	}
}
