package gabp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// EventMirror exposes a server's event channels to local tooling over
// Server-Sent Events. Each GET request becomes a read-only subscriber of
// the requested channels, with the same fan-out and cleanup semantics as a
// TCP bridge connection. The mirror never accepts requests; it is an
// observation surface only.
//
// Requests authenticate with the session token, either as a bearer token in
// the Authorization header or a "token" query parameter, and select
// channels with a comma-separated "channels" query parameter. Channel
// entries may be glob patterns, as in events/subscribe.
//
// Instances must be created with NewEventMirror and released with Close.
type EventMirror struct {
	token  string
	events *EventManager
	logger *slog.Logger

	done chan struct{}
}

// EventMirrorOption represents the options for the event mirror.
type EventMirrorOption func(*EventMirror)

// WithMirrorLogger sets the logger for the event mirror.
func WithMirrorLogger(logger *slog.Logger) EventMirrorOption {
	return func(m *EventMirror) {
		m.logger = logger.With(
			slog.String("package", "go-gabp"),
			slog.String("component", "eventmirror"),
		)
	}
}

// NewEventMirror creates an event mirror for a server's event manager,
// gated by the server's session token.
func NewEventMirror(srv *Server, options ...EventMirrorOption) *EventMirror {
	m := &EventMirror{
		token:  srv.Token(),
		events: srv.Events(),
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// ServeHTTP implements http.Handler. The response is an SSE stream of
// "event" messages, each carrying one GABP event envelope as JSON data. The
// stream stays open until the client disconnects or the mirror is closed.
func (m *EventMirror) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	channels := splitChannels(r.URL.Query().Get("channels"))
	if len(channels) == 0 {
		http.Error(w, "missing channels query parameter", http.StatusBadRequest)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		m.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	sink := &sseSink{
		id:   uuid.New().String(),
		sess: sess,
		done: make(chan struct{}),
	}

	subscribed := m.events.Subscribe(sink, channels)
	m.logger.Info("mirror stream opened",
		slog.String("sinkID", sink.id),
		slog.Any("channels", subscribed))

	// Tell the client which channels the stream actually carries.
	if err := sink.sendRaw("subscribed", subscribed); err != nil {
		m.events.RemoveSubscriber(sink.id)
		return
	}

	select {
	case <-r.Context().Done():
	case <-m.done:
	case <-sink.done:
	}

	sink.close()
	m.events.RemoveSubscriber(sink.id)
	m.logger.Info("mirror stream closed", slog.String("sinkID", sink.id))
}

// Close stops every open mirror stream.
func (m *EventMirror) Close() {
	close(m.done)
}

func (m *EventMirror) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		if bearer, found := strings.CutPrefix(auth, "Bearer "); found {
			token = bearer
		}
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) == 1
}

func splitChannels(raw string) []string {
	var channels []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			channels = append(channels, part)
		}
	}
	return channels
}

// sseSink adapts one SSE stream to the Subscriber contract.
type sseSink struct {
	id   string
	sess *sse.Session

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (s *sseSink) ID() string {
	return s.id
}

func (s *sseSink) Connected() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *sseSink) Send(_ context.Context, msg Message) error {
	if err := s.sendRaw("event", msg); err != nil {
		s.close()
		return err
	}
	return nil
}

func (s *sseSink) sendRaw(eventType string, data any) error {
	dataBs, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE data: %w", err)
	}

	sseMsg := sse.Message{
		Type: sse.Type(eventType),
	}
	sseMsg.AppendData(string(dataBs))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sess.Send(&sseMsg); err != nil {
		return fmt.Errorf("failed to send SSE message: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush SSE message: %w", err)
	}
	return nil
}

func (s *sseSink) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
