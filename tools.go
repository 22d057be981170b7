package gabp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// ErrToolNotFound is returned by ToolRegistry.Call for a name that is not
// registered. The session layer translates it to error code -31002.
var ErrToolNotFound = errors.New("tool not found")

// ToolRegistry holds the callable operations a server exposes through
// tools/list and tools/call. Registration may happen before or after the
// server starts; all methods are safe for concurrent use. Handlers are
// invoked without holding the registry lock, so a long-running tool never
// blocks registration or discovery.
type ToolRegistry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]registeredTool
	order []string
}

type registeredTool struct {
	descriptor ToolDescriptor
	handler    ToolHandler
}

// NewToolRegistry creates an empty tool registry. A nil logger falls back to
// slog.Default.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		logger: logger.With(slog.String("component", "tools")),
		tools:  make(map[string]registeredTool),
	}
}

// Register adds a tool under name. The name must be non-empty after
// whitespace trimming. When descriptor is nil one is synthesized with only
// the name populated and RequiresAuth true. Re-registering a name overwrites
// the prior registration atomically, keeping its position in tools/list.
func (r *ToolRegistry) Register(name string, handler ToolHandler, descriptor *ToolDescriptor) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("tool name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %q has no handler", name)
	}

	desc := ToolDescriptor{
		Name:         name,
		RequiresAuth: true,
	}
	if descriptor != nil {
		desc = *descriptor
		desc.Name = name
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = registeredTool{
		descriptor: desc,
		handler:    handler,
	}

	return nil
}

// Unregister removes a tool. Removing an unknown name is a no-op.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return
	}
	delete(r.tools, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
}

// Has reports whether a tool is registered under name.
func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.tools[name]
	return exists
}

// List returns the descriptors of every registered tool in registration
// order.
func (r *ToolRegistry) List() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		descriptors = append(descriptors, r.tools[name].descriptor)
	}
	return descriptors
}

// Names returns the registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.order))
	return append(names, r.order...)
}

// Call invokes the tool registered under name with the raw arguments value.
// It returns ErrToolNotFound when the name is unknown. The handler runs on
// the caller's goroutine, outside the registry lock, and its result is
// marshaled to JSON.
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	tool, exists := r.tools[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	result, err := tool.handler(ctx, args)
	if err != nil {
		return nil, err
	}

	resultBs, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return resultBs, nil
}
