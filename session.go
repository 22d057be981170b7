package gabp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type sessionState int

const (
	sessionStateNew sessionState = iota
	sessionStateAuthenticated
	sessionStateClosed
)

// session is the per-connection protocol state machine. It owns the auth
// state and routes incoming requests either to the handshake handler or,
// once authenticated, to the tool and event subsystems. Messages arrive on
// the connection's read loop goroutine, so requests on one connection are
// handled strictly in receive order.
type session struct {
	conn   *conn
	logger *slog.Logger

	token       string
	agentID     string
	app         AppInfo
	tools       *ToolRegistry
	events      *EventManager
	sendTimeout time.Duration

	mu            sync.Mutex
	state         sessionState
	bridgeVersion string
	platform      string
	launchID      string
}

func newSession(c *conn, srv *Server) *session {
	return &session{
		conn:        c,
		logger:      srv.logger.With(slog.String("connectionID", c.ID())),
		token:       srv.token,
		agentID:     srv.agentID,
		app:         srv.app,
		tools:       srv.tools,
		events:      srv.events,
		sendTimeout: srv.sendTimeout,
	}
}

// handle dispatches one incoming message. Client-originated responses and
// events are not part of the protocol and are ignored.
func (s *session) handle(msg Message) {
	switch msg.Type {
	case MessageTypeRequest:
		s.handleRequest(msg)
	case MessageTypeResponse, MessageTypeEvent:
		s.logger.Debug("ignoring client-originated message",
			slog.String("type", string(msg.Type)))
	}
}

func (s *session) handleRequest(req Message) {
	if req.Method == "" {
		s.respondError(req, CodeInvalidRequest, "request has no method")
		return
	}

	if !s.authenticated() {
		if req.Method != MethodSessionHello {
			s.respondError(req, CodeSessionNotEstablished, "session not established")
			return
		}
		s.handleHello(req)
		return
	}

	switch req.Method {
	case MethodSessionHello:
		s.respondError(req, CodeMethodNotAllowed, "session already established")
	case MethodToolsList:
		s.handleToolsList(req)
	case MethodToolsCall:
		s.handleToolsCall(req)
	case MethodEventsSubscribe:
		s.handleSubscribe(req)
	case MethodEventsUnsubscribe:
		s.handleUnsubscribe(req)
	default:
		s.respondError(req, CodeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (s *session) handleHello(req Message) {
	var params HelloParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.logger.Warn("failed to unmarshal hello params", slog.String("err", err.Error()))
		}
	}

	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(s.token)) != 1 {
		s.respondError(req, CodeAuthenticationFailed, "authentication failed")
		return
	}

	switch params.Platform {
	case PlatformWindows, PlatformMacOS, PlatformLinux:
	default:
		s.respondError(req, CodeInvalidParams, "unknown platform: "+params.Platform)
		return
	}

	s.mu.Lock()
	s.state = sessionStateAuthenticated
	s.bridgeVersion = params.BridgeVersion
	s.platform = params.Platform
	s.launchID = params.LaunchID
	s.mu.Unlock()

	s.logger.Info("session established",
		slog.String("bridgeVersion", params.BridgeVersion),
		slog.String("platform", params.Platform),
		slog.String("launchID", params.LaunchID))

	s.respondResult(req, WelcomeResult{
		AgentID: s.agentID,
		App:     s.app,
		Capabilities: Capabilities{
			Tools:     s.tools.Names(),
			Events:    s.events.Channels(),
			Resources: []string{},
		},
		SchemaVersion: SchemaVersion,
	})
}

func (s *session) handleToolsList(req Message) {
	s.respondResult(req, ListToolsResult{
		Tools: s.tools.List(),
	})
}

func (s *session) handleToolsCall(req Message) {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.respondError(req, CodeInvalidParams, "unusable tools/call params")
			return
		}
	}
	if params.Name == "" {
		s.respondError(req, CodeInvalidParams, "tools/call requires a tool name")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := s.tools.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, ErrToolNotFound) {
			s.respondError(req, CodeToolNotFound, err.Error())
			return
		}
		s.respondError(req, CodeInternalError, err.Error())
		return
	}

	s.respondRawResult(req, result)
}

func (s *session) handleSubscribe(req Message) {
	var params SubscribeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.respondError(req, CodeInvalidParams, "unusable events/subscribe params")
			return
		}
	}
	if params.Channels == nil {
		s.respondError(req, CodeInvalidParams, "events/subscribe requires channels")
		return
	}

	s.respondResult(req, SubscribeResult{
		Subscribed: s.events.Subscribe(s.conn, params.Channels),
	})
}

func (s *session) handleUnsubscribe(req Message) {
	var params UnsubscribeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.respondError(req, CodeInvalidParams, "unusable events/unsubscribe params")
			return
		}
	}
	if params.Channels == nil {
		s.respondError(req, CodeInvalidParams, "events/unsubscribe requires channels")
		return
	}

	s.respondResult(req, UnsubscribeResult{
		Unsubscribed: s.events.Unsubscribe(s.conn, params.Channels),
	})
}

// close marks the session CLOSED when the connection disconnects.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = sessionStateClosed
}

func (s *session) authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == sessionStateAuthenticated
}

func (s *session) respondResult(req Message, result any) {
	resultBs, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		s.respondError(req, CodeInternalError, "failed to marshal result")
		return
	}
	s.respondRawResult(req, resultBs)
}

func (s *session) respondRawResult(req Message, result json.RawMessage) {
	s.send(Message{
		V:      ProtocolVersion,
		ID:     req.ID,
		Type:   MessageTypeResponse,
		Result: result,
	})
}

func (s *session) respondError(req Message, code int, message string) {
	s.send(Message{
		V:     ProtocolVersion,
		ID:    req.ID,
		Type:  MessageTypeResponse,
		Error: NewError(code, message),
	})
}

func (s *session) send(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.conn.Send(ctx, msg); err != nil {
		s.logger.Warn("failed to send response", slog.String("err", err.Error()))
	}
}
