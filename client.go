package gabp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

// ClientOption represents the options for the client.
type ClientOption func(*Client)

// Client is a bridge-side GABP client. It dials a server's loopback socket,
// performs the session/hello handshake, issues tools/* and events/*
// requests, and surfaces pushed events through the Events iterator.
//
// Per the protocol, the client never exposes methods of its own; it only
// originates requests and consumes responses and events. Instances must be
// created with Dial and released with Close.
type Client struct {
	logger  *slog.Logger
	netConn net.Conn
	decoder *FrameDecoder

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Message

	events chan Message

	closeOnce  sync.Once
	done       chan struct{}
	readClosed chan struct{}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "go-gabp"),
			slog.String("component", "client"),
		)
	}
}

// Dial connects to a GABP server at addr and starts the read loop. The
// returned client has not performed the handshake yet; call Hello before
// any other request.
func Dial(ctx context.Context, addr string, options ...ClientOption) (*Client, error) {
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial server: %w", err)
	}

	c := &Client{
		logger:     slog.Default(),
		netConn:    netConn,
		pending:    make(map[string]chan Message),
		events:     make(chan Message, 32),
		done:       make(chan struct{}),
		readClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	c.decoder = NewFrameDecoder(c.logger)

	go c.readLoop()

	return c, nil
}

// Hello performs the session/hello handshake. On success the session is
// authenticated and the welcome result describes the server's capabilities.
func (c *Client) Hello(ctx context.Context, params HelloParams) (WelcomeResult, error) {
	if params.Platform == "" {
		params.Platform = hostPlatform()
	}

	resp, err := c.call(ctx, MethodSessionHello, params)
	if err != nil {
		return WelcomeResult{}, err
	}

	var welcome WelcomeResult
	if err := json.Unmarshal(resp.Result, &welcome); err != nil {
		return WelcomeResult{}, fmt.Errorf("failed to unmarshal welcome result: %w", err)
	}
	return welcome, nil
}

// ListTools returns the server's registered tool descriptors.
func (c *Client) ListTools(ctx context.Context) (ListToolsResult, error) {
	resp, err := c.call(ctx, MethodToolsList, nil)
	if err != nil {
		return ListToolsResult{}, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to unmarshal tools list: %w", err)
	}
	return result, nil
}

// CallTool invokes a tool by name. The arguments value is marshaled to
// JSON; the raw result value is returned for the caller to project into a
// concrete type.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (json.RawMessage, error) {
	var argsBs json.RawMessage
	if arguments != nil {
		var err error
		argsBs, err = json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
		}
	}

	resp, err := c.call(ctx, MethodToolsCall, CallToolParams{
		Name:      name,
		Arguments: argsBs,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Subscribe adds this connection to the given event channels and returns
// the channel names actually subscribed.
func (c *Client) Subscribe(ctx context.Context, channels ...string) ([]string, error) {
	if channels == nil {
		channels = []string{}
	}
	resp, err := c.call(ctx, MethodEventsSubscribe, SubscribeParams{Channels: channels})
	if err != nil {
		return nil, err
	}

	var result SubscribeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscribe result: %w", err)
	}
	return result.Subscribed, nil
}

// Unsubscribe removes this connection from the given event channels and
// returns the channel names actually removed.
func (c *Client) Unsubscribe(ctx context.Context, channels ...string) ([]string, error) {
	if channels == nil {
		channels = []string{}
	}
	resp, err := c.call(ctx, MethodEventsUnsubscribe, UnsubscribeParams{Channels: channels})
	if err != nil {
		return nil, err
	}

	var result UnsubscribeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unsubscribe result: %w", err)
	}
	return result.Unsubscribed, nil
}

// Events returns an iterator over events pushed by the server. The
// iteration ends when the client is closed or the connection drops.
func (c *Client) Events() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			select {
			case <-c.readClosed:
				return
			case msg := <-c.events:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Close shuts the connection down and releases the read loop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.netConn.Close()
		<-c.readClosed
	})
	return err
}

// call sends one request and blocks until its response, ctx cancellation,
// or connection loss. A response carrying an error object is returned as a
// *Error.
func (c *Client) call(ctx context.Context, method string, params any) (Message, error) {
	var paramsBs json.RawMessage
	if params != nil {
		var err error
		paramsBs, err = json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := Message{
		V:      ProtocolVersion,
		ID:     uuid.New().String(),
		Type:   MessageTypeRequest,
		Method: method,
		Params: paramsBs,
	}

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return Message{}, err
	}

	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.readClosed:
		return Message{}, errors.New("connection closed")
	case resp := <-respChan:
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	}
}

func (c *Client) send(msg Message) error {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.netConn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.readClosed)

	scratch := make([]byte, readBufferSize)
	for {
		n, err := c.netConn.Read(scratch)
		if n > 0 {
			c.decoder.Push(scratch[:n])
			for {
				msg, ok, decodeErr := c.decoder.Next()
				if decodeErr != nil {
					c.logger.Warn("closing connection on undecodable frame",
						slog.String("err", decodeErr.Error()))
					return
				}
				if !ok {
					break
				}
				c.dispatch(msg)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("read loop terminated", slog.String("err", err.Error()))
			}
			return
		}
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case MessageTypeResponse:
		c.pendingMu.Lock()
		respChan, ok := c.pending[msg.ID]
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debug("dropping response with unknown id", slog.String("id", msg.ID))
			return
		}
		select {
		case respChan <- msg:
		default:
			// At most one response per request id; drop duplicates.
		}
	case MessageTypeEvent:
		select {
		case c.events <- msg:
		case <-c.done:
		}
	case MessageTypeRequest:
		// Servers do not call client methods in this protocol.
		c.logger.Debug("ignoring server-originated request", slog.String("method", msg.Method))
	}
}

func hostPlatform() string {
	switch runtime.GOOS {
	case "windows":
		return PlatformWindows
	case "darwin":
		return PlatformMacOS
	default:
		return PlatformLinux
	}
}
