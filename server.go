package gabp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

type serverState int

const (
	serverStateCreated serverState = iota
	serverStateRunning
	serverStateStopped
)

const acceptRetryDelay = time.Second

// Server is an embeddable GABP v1.0 server. It listens on a loopback TCP
// socket, authenticates bridge connections through the session/hello
// handshake, dispatches tools/* calls to its tool registry, and fans
// events/* subscriptions out through its event manager.
//
// The built-in channels "system/status" and "system/log" are registered at
// construction; the facade emits a system/status event when it starts and
// stops. Tools and additional channels may be registered before or after
// Start.
//
// Instances must be created with NewServer.
type Server struct {
	agentID     string
	app         AppInfo
	token       string
	port        int
	launchID    string
	sendTimeout time.Duration

	bridgeConfigEnabled bool
	bridgeConfigPath    string

	onClientConnected    func(connectionID string)
	onClientDisconnected func(connectionID string)

	logger *slog.Logger

	tools  *ToolRegistry
	events *EventManager

	mu        sync.Mutex
	state     serverState
	listener  net.Listener
	boundPort int
	conns     map[string]*conn
	done      chan struct{}
	loopsWG   sync.WaitGroup
}

var defaultSendTimeout = 30 * time.Second

// NewServer creates a GABP server for the given agent id. Without options
// the server binds an ephemeral loopback port and generates a fresh session
// token.
func NewServer(agentID string, options ...ServerOption) *Server {
	s := &Server{
		agentID: agentID,
		logger:  slog.Default(),
		conns:   make(map[string]*conn),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.token == "" {
		s.token = uuid.New().String()
	}
	if s.launchID == "" {
		s.launchID = uuid.New().String()
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultSendTimeout
	}

	s.tools = NewToolRegistry(s.logger)
	s.events = NewEventManager(s.logger)

	s.events.RegisterChannel("system/status", "System status events")
	s.events.RegisterChannel("system/log", "System log events")

	return s
}

// WithToken sets the session token bridges must present in session/hello.
// Without this option a fresh UUID token is generated.
func WithToken(token string) ServerOption {
	return func(s *Server) {
		s.token = token
	}
}

// WithPort sets the loopback port to listen on. Port 0, the default, asks
// the kernel for an ephemeral port; read it back with Port after Start.
func WithPort(port int) ServerOption {
	return func(s *Server) {
		s.port = port
	}
}

// WithAppInfo sets the host application metadata reported in the welcome
// result.
func WithAppInfo(name, version string) ServerOption {
	return func(s *Server) {
		s.app = AppInfo{Name: name, Version: version}
	}
}

// WithLaunchID sets the launch id written to the bridge config artifact.
// Without this option a fresh UUID is generated.
func WithLaunchID(launchID string) ServerOption {
	return func(s *Server) {
		s.launchID = launchID
	}
}

// WithSendTimeout bounds how long a single outgoing message send may block
// on a slow connection.
func WithSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithBridgeConfig enables writing the bridge config artifact at Start. An
// empty path selects the platform default location; see
// DefaultBridgeConfigPath.
func WithBridgeConfig(path string) ServerOption {
	return func(s *Server) {
		s.bridgeConfigEnabled = true
		s.bridgeConfigPath = path
	}
}

// WithOnClientConnected sets the callback for when a bridge connects. The
// callback's parameter is the connection id.
func WithOnClientConnected(callback func(connectionID string)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = callback
	}
}

// WithOnClientDisconnected sets the callback for when a bridge disconnects.
// The callback's parameter is the connection id.
func WithOnClientDisconnected(callback func(connectionID string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = callback
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-gabp"),
			slog.String("component", "server"),
		)
	}
}

// Tools returns the server's tool registry.
func (s *Server) Tools() *ToolRegistry {
	return s.tools
}

// Events returns the server's event manager.
func (s *Server) Events() *EventManager {
	return s.events
}

// Token returns the session token bridges must present.
func (s *Server) Token() string {
	return s.token
}

// Port returns the bound listener port. Before Start it returns the
// configured port, which is 0 when an ephemeral port was requested.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.boundPort != 0 {
		return s.boundPort
	}
	return s.port
}

// Addr returns the loopback address of the bound listener.
func (s *Server) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port()))
}

// RegisterTool adds a tool to the registry. See ToolRegistry.Register.
func (s *Server) RegisterTool(name string, handler ToolHandler, descriptor *ToolDescriptor) error {
	return s.tools.Register(name, handler, descriptor)
}

// RegisterToolsFrom binds the exported methods of host as tools. See
// ToolRegistry.RegisterToolsFrom.
func (s *Server) RegisterToolsFrom(host any) ([]string, error) {
	return s.tools.RegisterToolsFrom(host)
}

// RegisterChannel adds an event channel. See EventManager.RegisterChannel.
func (s *Server) RegisterChannel(name, description string) {
	s.events.RegisterChannel(name, description)
}

// UnregisterChannel removes an event channel.
func (s *Server) UnregisterChannel(name string) {
	s.events.UnregisterChannel(name)
}

// Emit publishes an event on a channel. See EventManager.Emit.
func (s *Server) Emit(ctx context.Context, channel string, payload any) error {
	return s.events.Emit(ctx, channel, payload)
}

// Start binds the loopback listener and begins accepting bridge
// connections. It returns once the listener is bound; accepting and reading
// happen on background goroutines that stop when ctx is cancelled or Stop
// is called. Starting an already running or stopped server is an error.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case serverStateRunning:
		return errors.New("server already started")
	case serverStateStopped:
		return errors.New("server already stopped")
	case serverStateCreated:
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = listener
	s.boundPort = listener.Addr().(*net.TCPAddr).Port
	s.state = serverStateRunning
	s.done = make(chan struct{})

	if s.bridgeConfigEnabled {
		if err := s.writeBridgeConfig(); err != nil {
			listener.Close()
			s.state = serverStateCreated
			s.listener = nil
			s.boundPort = 0
			return err
		}
	}

	s.logger.Info("server started",
		slog.String("agentID", s.agentID),
		slog.Int("port", s.boundPort))

	// Stop the accept loop promptly when the caller's context is cancelled.
	stopCtx, stopCancel := context.WithCancel(ctx)
	s.loopsWG.Add(2)
	go func() {
		defer s.loopsWG.Done()
		defer stopCancel()

		select {
		case <-stopCtx.Done():
		case <-s.done:
		}
		listener.Close()

		// Closing the connections unblocks their read loops too.
		s.mu.Lock()
		conns := make([]*conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.close()
		}
	}()
	go func() {
		defer s.loopsWG.Done()
		s.acceptLoop(listener)
	}()

	s.emitStatus("running")

	return nil
}

// Stop shuts the server down: it closes the listener, closes every
// connection, and waits for the accept and read loops to finish or ctx to
// be cancelled. Stop is idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != serverStateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = serverStateStopped
	done := s.done
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.emitStatus("stopped")

	close(done)
	for _, c := range conns {
		c.close()
	}

	finished := make(chan struct{})
	go func() {
		s.loopsWG.Wait()
		close(finished)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to stop server: %w", ctx.Err())
	case <-finished:
	}

	s.logger.Info("server stopped", slog.String("agentID", s.agentID))
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.running() {
				return
			}
			s.logger.Warn("accept failed, retrying", slog.String("err", err.Error()))
			select {
			case <-s.done:
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		c := newConn(netConn, s.logger)

		s.mu.Lock()
		if s.state != serverStateRunning {
			s.mu.Unlock()
			c.close()
			return
		}
		s.conns[c.ID()] = c
		s.mu.Unlock()

		s.logger.Info("connection established", slog.String("connectionID", c.ID()))
		if s.onClientConnected != nil {
			s.onClientConnected(c.ID())
		}

		sess := newSession(c, s)

		s.loopsWG.Add(1)
		go func() {
			defer s.loopsWG.Done()

			c.readLoop(sess.handle)
			s.disconnect(c, sess)
		}()
	}
}

// disconnect runs the cleanup chain for one connection, in a fixed order:
// transport, session, event manager, then the host callback.
func (s *Server) disconnect(c *conn, sess *session) {
	c.close()

	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()

	sess.close()
	s.events.RemoveSubscriber(c.ID())

	s.logger.Info("connection closed", slog.String("connectionID", c.ID()))
	if s.onClientDisconnected != nil {
		s.onClientDisconnected(c.ID())
	}
}

func (s *Server) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == serverStateRunning
}

func (s *Server) emitStatus(state string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	payload := map[string]string{"state": state}
	if err := s.events.Emit(ctx, "system/status", payload); err != nil {
		s.logger.Warn("failed to emit status event", slog.String("err", err.Error()))
	}
}

func (s *Server) writeBridgeConfig() error {
	path := s.bridgeConfigPath
	if path == "" {
		var err error
		path, err = DefaultBridgeConfigPath()
		if err != nil {
			return err
		}
	}

	cfg := BridgeConfig{
		Token: s.token,
		Transport: BridgeTransport{
			Type:    "tcp",
			Address: strconv.Itoa(s.boundPort),
		},
		Metadata: BridgeMetadata{
			PID:       os.Getpid(),
			StartTime: time.Now().UTC(),
			LaunchID:  s.launchID,
		},
	}

	if err := writeBridgeConfigFile(path, cfg); err != nil {
		return err
	}
	s.logger.Info("bridge config written", slog.String("path", path))
	return nil
}

// logEventPayload is the payload shape emitted on the system/log channel.
type logEventPayload struct {
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// EmitLog publishes a structured log entry on the built-in system/log
// channel.
func (s *Server) EmitLog(ctx context.Context, level, message string, data any) error {
	payload := logEventPayload{
		Level:   level,
		Message: message,
	}
	if data != nil {
		dataBs, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal log data: %w", err)
		}
		payload.Data = dataBs
	}
	return s.events.Emit(ctx, "system/log", payload)
}
