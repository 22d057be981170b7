package blockworld

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// InventoryGet returns the inventory of a player. Unknown players get an
// empty inventory rather than an error, since agents routinely probe before
// acting.
func (s *Server) InventoryGet(_ context.Context, params InventoryGetParams) (InventoryGetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Item, len(s.inventories[params.Player]))
	copy(items, s.inventories[params.Player])

	return InventoryGetResult{
		Player: params.Player,
		Items:  items,
	}, nil
}

// WorldPlaceBlock places a block and emits world/block_changed. Placing
// over an occupied position is an error; break the block first.
func (s *Server) WorldPlaceBlock(ctx context.Context, params PlaceBlockParams) (BlockResult, error) {
	pos := Position{X: params.X, Y: params.Y, Z: params.Z}

	s.mu.Lock()
	if existing, occupied := s.blocks[pos]; occupied {
		s.mu.Unlock()
		return BlockResult{}, fmt.Errorf("position %v already holds %s", pos, existing)
	}
	s.blocks[pos] = params.Type
	s.mu.Unlock()

	s.emitBlockChanged(ctx, pos, params.Type, "placed")

	return BlockResult{
		Position: pos,
		Type:     params.Type,
		Changed:  true,
	}, nil
}

// WorldBreakBlock removes the block at a position and emits
// world/block_changed. Breaking air reports Changed false.
func (s *Server) WorldBreakBlock(ctx context.Context, params BreakBlockParams) (BlockResult, error) {
	pos := Position{X: params.X, Y: params.Y, Z: params.Z}

	s.mu.Lock()
	_, occupied := s.blocks[pos]
	delete(s.blocks, pos)
	s.mu.Unlock()

	if occupied {
		s.emitBlockChanged(ctx, pos, "", "broken")
	}

	return BlockResult{
		Position: pos,
		Changed:  occupied,
	}, nil
}

// WorldEditSign replaces the text of the sign at a position, creating the
// sign if none exists, and returns a patch-style preview of the edit.
func (s *Server) WorldEditSign(_ context.Context, params EditSignParams) (EditSignResult, error) {
	pos := Position{X: params.X, Y: params.Y, Z: params.Z}

	s.mu.Lock()
	original := s.signs[pos]
	s.signs[pos] = params.Text
	s.mu.Unlock()

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(original, params.Text)

	return EditSignResult{
		Position: pos,
		Preview:  dmp.PatchToText(patches),
	}, nil
}

// PlayerTeleport moves a player and emits player/moved. Teleporting an
// unknown player creates it, mirroring how game servers spawn on demand.
func (s *Server) PlayerTeleport(ctx context.Context, params TeleportParams) (TeleportResult, error) {
	if params.Player == "" {
		return TeleportResult{}, fmt.Errorf("player name must not be empty")
	}
	pos := Position{X: params.X, Y: params.Y, Z: params.Z}

	s.mu.Lock()
	s.players[params.Player] = pos
	s.mu.Unlock()

	if s.gabp != nil {
		err := s.gabp.Emit(ctx, "player/moved", playerMovedEvent{
			Player:   params.Player,
			Position: pos,
		})
		if err != nil {
			s.logger.Warn("failed to emit player/moved", slog.String("err", err.Error()))
		}
	}

	return TeleportResult{
		Player:   params.Player,
		Position: pos,
	}, nil
}

func (s *Server) emitBlockChanged(ctx context.Context, pos Position, blockType, action string) {
	if s.gabp == nil {
		return
	}
	err := s.gabp.Emit(ctx, "world/block_changed", blockChangedEvent{
		Position: pos,
		Type:     blockType,
		Action:   action,
	})
	if err != nil {
		s.logger.Warn("failed to emit world/block_changed", slog.String("err", err.Error()))
	}
}
