package gabp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	gabp "github.com/MegaGrindStone/go-gabp"
)

func startTestServer(t *testing.T, options ...gabp.ServerOption) *gabp.Server {
	t.Helper()

	options = append([]gabp.ServerOption{
		gabp.WithToken("test-token"),
		gabp.WithAppInfo("testgame", "1.2.3"),
	}, options...)

	srv := gabp.NewServer("test-agent", options...)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			t.Errorf("failed to stop server: %v", err)
		}
	})

	return srv
}

func dialTestClient(t *testing.T, srv *gabp.Server) *gabp.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli, err := gabp.Dial(ctx, srv.Addr())
	if err != nil {
		t.Fatalf("failed to dial server: %v", err)
	}
	t.Cleanup(func() {
		cli.Close()
	})

	return cli
}

func helloTestClient(t *testing.T, srv *gabp.Server, cli *gabp.Client) gabp.WelcomeResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	welcome, err := cli.Hello(ctx, gabp.HelloParams{
		Token:         srv.Token(),
		BridgeVersion: "0.1",
		Platform:      gabp.PlatformLinux,
		LaunchID:      "L1",
	})
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	return welcome
}

func TestServerHandshake(t *testing.T) {
	srv := startTestServer(t)
	cli := dialTestClient(t, srv)

	welcome := helloTestClient(t, srv, cli)

	if welcome.AgentID != "test-agent" {
		t.Errorf("expected agentId test-agent, got %s", welcome.AgentID)
	}
	if welcome.SchemaVersion != gabp.SchemaVersion {
		t.Errorf("expected schemaVersion %s, got %s", gabp.SchemaVersion, welcome.SchemaVersion)
	}
	if welcome.App.Name != "testgame" || welcome.App.Version != "1.2.3" {
		t.Errorf("unexpected app info: %+v", welcome.App)
	}

	events := welcome.Capabilities.Events
	for _, builtin := range []string{"system/status", "system/log"} {
		found := false
		for _, name := range events {
			if name == builtin {
				found = true
			}
		}
		if !found {
			t.Errorf("expected built-in channel %s in capabilities, got %v", builtin, events)
		}
	}
	if welcome.Capabilities.Resources == nil || len(welcome.Capabilities.Resources) != 0 {
		t.Errorf("expected empty resources list, got %v", welcome.Capabilities.Resources)
	}
}

// TestServerPreAuthRejection drives the wire directly so the raw bytes and
// the echoed request id are visible.
func TestServerPreAuthRejection(t *testing.T) {
	srv := startTestServer(t)

	netConn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("failed to dial server: %v", err)
	}
	defer netConn.Close()

	payload := `{"v":"gabp/1","id":"r2","type":"request","method":"tools/list"}`
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(payload), payload)
	if _, err := netConn.Write([]byte(frame)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	resp := readRawResponse(t, netConn)
	if resp.ID != "r2" {
		t.Errorf("expected echoed id r2, got %s", resp.ID)
	}
	if resp.Type != gabp.MessageTypeResponse {
		t.Errorf("expected response, got %s", resp.Type)
	}
	if resp.Error == nil || resp.Error.Code != gabp.CodeSessionNotEstablished {
		t.Errorf("expected error %d, got %+v", gabp.CodeSessionNotEstablished, resp.Error)
	}
	if resp.Result != nil {
		t.Errorf("expected no result alongside error, got %s", resp.Result)
	}
}

func readRawResponse(t *testing.T, netConn net.Conn) gabp.Message {
	t.Helper()

	if err := netConn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}

	decoder := gabp.NewFrameDecoder(nil)
	scratch := make([]byte, 4096)
	for {
		n, err := netConn.Read(scratch)
		if n > 0 {
			decoder.Push(scratch[:n])
			if msg, ok, decodeErr := decoder.Next(); decodeErr != nil {
				t.Fatalf("failed to decode response: %v", decodeErr)
			} else if ok {
				return msg
			}
		}
		if err != nil {
			t.Fatalf("failed to read response: %v", err)
		}
	}
}

func TestServerBadTokenThenRetry(t *testing.T) {
	srv := startTestServer(t)
	cli := dialTestClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := cli.Hello(ctx, gabp.HelloParams{
		Token:    "wrong",
		Platform: gabp.PlatformLinux,
	})
	var gabpErr *gabp.Error
	if !errors.As(err, &gabpErr) || gabpErr.Code != gabp.CodeAuthenticationFailed {
		t.Fatalf("expected error %d, got %v", gabp.CodeAuthenticationFailed, err)
	}

	// A failed handshake leaves the session unauthenticated.
	_, err = cli.ListTools(ctx)
	if !errors.As(err, &gabpErr) || gabpErr.Code != gabp.CodeSessionNotEstablished {
		t.Fatalf("expected error %d, got %v", gabp.CodeSessionNotEstablished, err)
	}

	// A subsequent correct handshake succeeds on the same connection.
	helloTestClient(t, srv, cli)
}

func TestServerRepeatedHandshakeRejected(t *testing.T) {
	srv := startTestServer(t)
	cli := dialTestClient(t, srv)
	helloTestClient(t, srv, cli)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := cli.Hello(ctx, gabp.HelloParams{
		Token:    srv.Token(),
		Platform: gabp.PlatformLinux,
	})
	var gabpErr *gabp.Error
	if !errors.As(err, &gabpErr) || gabpErr.Code != gabp.CodeMethodNotAllowed {
		t.Fatalf("expected error %d, got %v", gabp.CodeMethodNotAllowed, err)
	}
}

func TestServerUnknownMethod(t *testing.T) {
	srv := startTestServer(t)

	netConn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("failed to dial server: %v", err)
	}
	defer netConn.Close()

	hello := fmt.Sprintf(
		`{"v":"gabp/1","id":"h1","type":"request","method":"session/hello",`+
			`"params":{"token":"%s","bridgeVersion":"0.1","platform":"linux","launchId":"L1"}}`,
		srv.Token())
	writeRawFrame(t, netConn, hello)
	if resp := readRawResponse(t, netConn); resp.Error != nil {
		t.Fatalf("handshake failed: %+v", resp.Error)
	}

	writeRawFrame(t, netConn, `{"v":"gabp/1","id":"r9","type":"request","method":"resources/list"}`)
	resp := readRawResponse(t, netConn)
	if resp.Error == nil || resp.Error.Code != gabp.CodeMethodNotFound {
		t.Errorf("expected error %d, got %+v", gabp.CodeMethodNotFound, resp.Error)
	}
}

func writeRawFrame(t *testing.T, netConn net.Conn, payload string) {
	t.Helper()

	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(payload), payload)
	if _, err := netConn.Write([]byte(frame)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

func TestServerToolDispatch(t *testing.T) {
	srv := startTestServer(t)

	err := srv.RegisterTool("math/add", func(_ context.Context, args json.RawMessage) (any, error) {
		var params struct {
			A int `json:"a"`
			B int `json:"b"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, err
		}
		return params.A + params.B, nil
	}, nil)
	if err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}

	cli := dialTestClient(t, srv)
	welcome := helloTestClient(t, srv, cli)

	found := false
	for _, name := range welcome.Capabilities.Tools {
		if name == "math/add" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected math/add in capabilities, got %v", welcome.Capabilities.Tools)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := cli.ListTools(ctx)
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "math/add" {
		t.Fatalf("unexpected tools list: %+v", tools.Tools)
	}

	result, err := cli.CallTool(ctx, "math/add", map[string]int{"a": 5, "b": 3})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if string(result) != "8" {
		t.Errorf("expected result 8, got %s", result)
	}
}

func TestServerToolErrors(t *testing.T) {
	srv := startTestServer(t)

	err := srv.RegisterTool("world/explode", func(_ context.Context, _ json.RawMessage) (any, error) {
		return nil, errors.New("tnt is disabled")
	}, nil)
	if err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}

	cli := dialTestClient(t, srv)
	helloTestClient(t, srv, cli)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var gabpErr *gabp.Error

	_, err = cli.CallTool(ctx, "no/such", nil)
	if !errors.As(err, &gabpErr) || gabpErr.Code != gabp.CodeToolNotFound {
		t.Errorf("expected error %d, got %v", gabp.CodeToolNotFound, err)
	}

	_, err = cli.CallTool(ctx, "", nil)
	if !errors.As(err, &gabpErr) || gabpErr.Code != gabp.CodeInvalidParams {
		t.Errorf("expected error %d, got %v", gabp.CodeInvalidParams, err)
	}

	_, err = cli.CallTool(ctx, "world/explode", nil)
	if !errors.As(err, &gabpErr) || gabpErr.Code != gabp.CodeInternalError {
		t.Errorf("expected error %d, got %v", gabp.CodeInternalError, err)
	}
	if gabpErr != nil && gabpErr.Message != "tnt is disabled" {
		t.Errorf("expected handler message in error, got %q", gabpErr.Message)
	}
}

func TestServerSubscribeAndReceiveEvents(t *testing.T) {
	srv := startTestServer(t)
	cli := dialTestClient(t, srv)
	helloTestClient(t, srv, cli)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subscribed, err := cli.Subscribe(ctx, "system/status", "ghost")
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	if len(subscribed) != 1 || subscribed[0] != "system/status" {
		t.Fatalf("expected subscribed [system/status], got %v", subscribed)
	}

	events := make(chan gabp.Message, 8)
	go func() {
		for msg := range cli.Events() {
			events <- msg
		}
	}()

	if err := srv.Emit(ctx, "system/status", map[string]int{"k": 1}); err != nil {
		t.Fatalf("failed to emit: %v", err)
	}
	if err := srv.Emit(ctx, "system/status", map[string]int{"k": 2}); err != nil {
		t.Fatalf("failed to emit: %v", err)
	}

	for i := 1; i <= 2; i++ {
		select {
		case msg := <-events:
			if msg.Channel != "system/status" {
				t.Errorf("expected channel system/status, got %s", msg.Channel)
			}
			if msg.Seq != uint64(i) {
				t.Errorf("expected seq %d, got %d", i, msg.Seq)
			}
			wantPayload := fmt.Sprintf(`{"k":%d}`, i)
			if string(msg.Payload) != wantPayload {
				t.Errorf("expected payload %s, got %s", wantPayload, msg.Payload)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestServerSubscribeMissingChannels(t *testing.T) {
	srv := startTestServer(t)

	netConn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("failed to dial server: %v", err)
	}
	defer netConn.Close()

	hello := fmt.Sprintf(
		`{"v":"gabp/1","id":"h1","type":"request","method":"session/hello",`+
			`"params":{"token":"%s","bridgeVersion":"0.1","platform":"linux","launchId":"L1"}}`,
		srv.Token())
	writeRawFrame(t, netConn, hello)
	if resp := readRawResponse(t, netConn); resp.Error != nil {
		t.Fatalf("handshake failed: %+v", resp.Error)
	}

	writeRawFrame(t, netConn, `{"v":"gabp/1","id":"r1","type":"request","method":"events/subscribe","params":{}}`)
	resp := readRawResponse(t, netConn)
	if resp.Error == nil || resp.Error.Code != gabp.CodeInvalidParams {
		t.Errorf("expected error %d, got %+v", gabp.CodeInvalidParams, resp.Error)
	}
}

func TestServerDisconnectCleansSubscriptions(t *testing.T) {
	srv := startTestServer(t)
	cli := dialTestClient(t, srv)
	helloTestClient(t, srv, cli)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Subscribe(ctx, "system/status", "system/log"); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	if got := srv.Events().SubscriberCount("system/status"); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}

	cli.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if srv.Events().SubscriberCount("system/status") == 0 &&
			srv.Events().SubscriberCount("system/log") == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for disconnect cleanup")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerConnectionCallbacks(t *testing.T) {
	connected := make(chan string, 1)
	disconnected := make(chan string, 1)

	srv := startTestServer(t,
		gabp.WithOnClientConnected(func(id string) { connected <- id }),
		gabp.WithOnClientDisconnected(func(id string) { disconnected <- id }),
	)

	cli := dialTestClient(t, srv)

	var connID string
	select {
	case connID = <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect callback")
	}

	cli.Close()

	select {
	case gotID := <-disconnected:
		if gotID != connID {
			t.Errorf("expected disconnect for %s, got %s", connID, gotID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
}

func TestServerLifecycle(t *testing.T) {
	srv := gabp.NewServer("lifecycle-agent", gabp.WithToken("t"))

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	if srv.Port() == 0 {
		t.Error("expected an assigned port after start")
	}

	if err := srv.Start(context.Background()); err == nil {
		t.Error("expected starting a running server to fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}
	// Stop is idempotent.
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("expected idempotent stop, got %v", err)
	}

	if err := srv.Start(context.Background()); err == nil {
		t.Error("expected starting a stopped server to fail")
	}
}

func TestServerBridgeConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gabp", "bridge.json")

	srv := startTestServer(t,
		gabp.WithBridgeConfig(path),
		gabp.WithLaunchID("L-test"),
	)

	cfg, err := gabp.ReadBridgeConfig(path)
	if err != nil {
		t.Fatalf("failed to read bridge config: %v", err)
	}

	if cfg.Token != srv.Token() {
		t.Errorf("expected token %s, got %s", srv.Token(), cfg.Token)
	}
	if cfg.Transport.Type != "tcp" {
		t.Errorf("expected transport type tcp, got %s", cfg.Transport.Type)
	}
	if cfg.Transport.Address != fmt.Sprintf("%d", srv.Port()) {
		t.Errorf("expected address %d, got %s", srv.Port(), cfg.Transport.Address)
	}
	if cfg.Metadata.LaunchID != "L-test" {
		t.Errorf("expected launch id L-test, got %s", cfg.Metadata.LaunchID)
	}
	if cfg.Metadata.PID == 0 {
		t.Error("expected a pid in the bridge config")
	}
	if cfg.Metadata.StartTime.IsZero() {
		t.Error("expected a start time in the bridge config")
	}
}

func TestServerMalformedFrameKeepsConnection(t *testing.T) {
	srv := startTestServer(t)

	netConn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("failed to dial server: %v", err)
	}
	defer netConn.Close()

	// A frame whose payload is not JSON is dropped; the connection stays up
	// and the following valid frame is answered.
	bad := "{broken"
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(bad), bad)
	if _, err := netConn.Write([]byte(frame)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	writeRawFrame(t, netConn, `{"v":"gabp/1","id":"r1","type":"request","method":"tools/list"}`)
	resp := readRawResponse(t, netConn)
	if resp.ID != "r1" {
		t.Errorf("expected response for r1, got %s", resp.ID)
	}
}

func TestServerUndecodableHeaderClosesConnection(t *testing.T) {
	srv := startTestServer(t)

	netConn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("failed to dial server: %v", err)
	}
	defer netConn.Close()

	if _, err := netConn.Write([]byte("Content-Length: nope\r\n\r\n")); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	if err := netConn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := netConn.Read(buf); err == nil {
		t.Error("expected the server to close the connection")
	}
}
