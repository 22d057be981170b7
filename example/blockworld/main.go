// This example embeds a GABP server hosting the blockworld sample, then
// drives it with the package's own client: handshake, tool discovery, a few
// tool calls, and an event subscription.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	gabp "github.com/MegaGrindStone/go-gabp"
	"github.com/MegaGrindStone/go-gabp/servers/blockworld"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	srv := gabp.NewServer("blockworld-example",
		gabp.WithAppInfo("blockworld-example", "0.1.0"),
		gabp.WithLogger(logger),
	)

	world := blockworld.New(logger)
	if err := world.Attach(srv); err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		panic(err)
	}
	defer srv.Stop(context.Background())

	cli, err := gabp.Dial(ctx, srv.Addr(), gabp.WithClientLogger(logger))
	if err != nil {
		panic(err)
	}
	defer cli.Close()

	welcome, err := cli.Hello(ctx, gabp.HelloParams{
		Token:         srv.Token(),
		BridgeVersion: "0.1.0",
		LaunchID:      "example",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("connected to %s (schema %s)\n", welcome.AgentID, welcome.SchemaVersion)
	fmt.Printf("tools: %v\n", welcome.Capabilities.Tools)

	subscribed, err := cli.Subscribe(ctx, "world/*")
	if err != nil {
		panic(err)
	}
	fmt.Printf("subscribed: %v\n", subscribed)

	events := make(chan gabp.Message, 8)
	go func() {
		for msg := range cli.Events() {
			events <- msg
		}
	}()

	result, err := cli.CallTool(ctx, "world/place_block", map[string]any{
		"x": 1, "y": 2, "z": 3, "type": "torch",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("place_block result: %s\n", result)

	select {
	case msg := <-events:
		fmt.Printf("event %s seq=%d payload=%s\n", msg.Channel, msg.Seq, msg.Payload)
	case <-ctx.Done():
		panic("no event received")
	}

	inventory, err := cli.CallTool(ctx, "inventory/get", map[string]any{"player": "steve"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("inventory: %s\n", inventory)
}
