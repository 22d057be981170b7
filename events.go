package gabp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// EventManager owns the event channels of a server: the channel registry,
// per-connection subscription sets, per-channel sequence counters, and the
// concurrent fan-out of emitted events. All methods are safe for concurrent
// use; structural mutation and snapshotting happen under a single mutex that
// is never held across I/O.
type EventManager struct {
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*eventChannel
}

type eventChannel struct {
	name        string
	description string
	seq         atomic.Uint64
	subscribers map[string]Subscriber
}

// NewEventManager creates an event manager with no channels. A nil logger
// falls back to slog.Default.
func NewEventManager(logger *slog.Logger) *EventManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventManager{
		logger:   logger.With(slog.String("component", "events")),
		channels: make(map[string]*eventChannel),
	}
}

// RegisterChannel adds a named event channel. Registering an existing
// channel updates its description only; the sequence counter and subscriber
// set survive re-registration.
func (em *EventManager) RegisterChannel(name, description string) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if ch, exists := em.channels[name]; exists {
		ch.description = description
		return
	}
	em.channels[name] = &eventChannel{
		name:        name,
		description: description,
		subscribers: make(map[string]Subscriber),
	}
}

// UnregisterChannel removes a channel and its subscriptions. Removing an
// unknown name is a no-op.
func (em *EventManager) UnregisterChannel(name string) {
	em.mu.Lock()
	defer em.mu.Unlock()

	delete(em.channels, name)
}

// Channels returns the registered channel names, sorted.
func (em *EventManager) Channels() []string {
	em.mu.Lock()
	defer em.mu.Unlock()

	names := make([]string, 0, len(em.channels))
	for name := range em.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SubscriberCount returns the number of subscribers on a channel, or zero
// for an unknown channel.
func (em *EventManager) SubscriberCount(name string) int {
	em.mu.Lock()
	defer em.mu.Unlock()

	ch, exists := em.channels[name]
	if !exists {
		return 0
	}
	return len(ch.subscribers)
}

// Subscribe adds sub to every channel matched by names and returns the
// channel names it was added to. An entry is first matched as an exact
// channel name; otherwise it is compiled as a glob pattern, with "/" as the
// separator, and matched against every registered channel, so "player/*"
// subscribes to all player channels. Entries matching nothing are silently
// dropped from the result.
func (em *EventManager) Subscribe(sub Subscriber, names []string) []string {
	em.mu.Lock()
	defer em.mu.Unlock()

	subscribed := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))

	add := func(ch *eventChannel) {
		if _, dup := seen[ch.name]; dup {
			return
		}
		seen[ch.name] = struct{}{}
		ch.subscribers[sub.ID()] = sub
		subscribed = append(subscribed, ch.name)
	}

	for _, name := range names {
		if ch, exists := em.channels[name]; exists {
			add(ch)
			continue
		}

		pattern, err := glob.Compile(name, '/')
		if err != nil {
			em.logger.Warn("dropping unparsable channel pattern",
				slog.String("pattern", name),
				slog.String("err", err.Error()))
			continue
		}
		var matched []string
		for chName := range em.channels {
			if pattern.Match(chName) {
				matched = append(matched, chName)
			}
		}
		sort.Strings(matched)
		for _, chName := range matched {
			add(em.channels[chName])
		}
	}

	return subscribed
}

// Unsubscribe removes sub from every channel matched by names, with the
// same exact-then-glob matching as Subscribe, and returns the channel names
// it was actually removed from.
func (em *EventManager) Unsubscribe(sub Subscriber, names []string) []string {
	em.mu.Lock()
	defer em.mu.Unlock()

	unsubscribed := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))

	remove := func(ch *eventChannel) {
		if _, dup := seen[ch.name]; dup {
			return
		}
		if _, subscribed := ch.subscribers[sub.ID()]; !subscribed {
			return
		}
		seen[ch.name] = struct{}{}
		delete(ch.subscribers, sub.ID())
		unsubscribed = append(unsubscribed, ch.name)
	}

	for _, name := range names {
		if ch, exists := em.channels[name]; exists {
			remove(ch)
			continue
		}

		pattern, err := glob.Compile(name, '/')
		if err != nil {
			continue
		}
		var matched []string
		for chName := range em.channels {
			if pattern.Match(chName) {
				matched = append(matched, chName)
			}
		}
		sort.Strings(matched)
		for _, chName := range matched {
			remove(em.channels[chName])
		}
	}

	return unsubscribed
}

// RemoveSubscriber removes a subscriber from every channel. The transport
// calls this when a connection disconnects.
func (em *EventManager) RemoveSubscriber(id string) {
	em.mu.Lock()
	defer em.mu.Unlock()

	for _, ch := range em.channels {
		delete(ch.subscribers, id)
	}
}

// Emit publishes payload on channel with the current UTC time as the event
// timestamp. See EmitAt.
func (em *EventManager) Emit(ctx context.Context, channel string, payload any) error {
	return em.EmitAt(ctx, channel, payload, time.Now().UTC())
}

// EmitAt publishes payload on channel. Emitting on an unregistered channel
// is a no-op. The channel's sequence counter is incremented first, so the
// first event ever emitted carries seq 1, then the subscriber set is
// snapshotted and the event is sent to every subscriber concurrently. A
// subscriber that is no longer connected, or whose send fails, is removed
// from every channel. EmitAt returns once every send has completed.
//
// Concurrent EmitAt calls on the same channel may deliver out of order; a
// caller that needs strict per-subscriber ordering must serialize its own
// emit calls.
func (em *EventManager) EmitAt(ctx context.Context, channel string, payload any, timestamp time.Time) error {
	payloadBs, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	em.mu.Lock()
	ch, exists := em.channels[channel]
	if !exists {
		em.mu.Unlock()
		return nil
	}
	seq := ch.seq.Add(1)
	subscribers := make([]Subscriber, 0, len(ch.subscribers))
	for _, sub := range ch.subscribers {
		subscribers = append(subscribers, sub)
	}
	em.mu.Unlock()

	timestamp = timestamp.UTC()
	msg := Message{
		V:         ProtocolVersion,
		ID:        uuid.New().String(),
		Type:      MessageTypeEvent,
		Channel:   channel,
		Seq:       seq,
		Payload:   payloadBs,
		Timestamp: &timestamp,
	}

	var wg sync.WaitGroup
	for _, sub := range subscribers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if !sub.Connected() {
				em.RemoveSubscriber(sub.ID())
				return
			}
			if err := sub.Send(ctx, msg); err != nil {
				em.logger.Warn("failed to deliver event",
					slog.String("channel", channel),
					slog.String("subscriberID", sub.ID()),
					slog.String("err", err.Error()))
				em.RemoveSubscriber(sub.ID())
			}
		}()
	}
	wg.Wait()

	return nil
}
