package gabp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tmaxmax/go-sse"

	gabp "github.com/MegaGrindStone/go-gabp"
)

type mirrorEvent struct {
	eventType string
	data      string
}

func TestEventMirrorStream(t *testing.T) {
	srv := startTestServer(t)

	mirror := gabp.NewEventMirror(srv)
	defer mirror.Close()

	httpSrv := httptest.NewServer(mirror)
	defer httpSrv.Close()

	url := fmt.Sprintf("%s?token=%s&channels=system/status,ghost", httpSrv.URL, srv.Token())
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("failed to connect to mirror: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	events := make(chan mirrorEvent, 8)
	go func() {
		defer close(events)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			events <- mirrorEvent{eventType: ev.Type, data: ev.Data}
		}
	}()

	// The stream opens with the list of channels it actually carries;
	// unknown names are dropped just like events/subscribe.
	select {
	case ev := <-events:
		if ev.eventType != "subscribed" {
			t.Fatalf("expected subscribed event, got %s", ev.eventType)
		}
		var subscribed []string
		if err := json.Unmarshal([]byte(ev.data), &subscribed); err != nil {
			t.Fatalf("failed to unmarshal subscribed data: %v", err)
		}
		if len(subscribed) != 1 || subscribed[0] != "system/status" {
			t.Fatalf("expected subscribed [system/status], got %v", subscribed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Emit(ctx, "system/status", map[string]int{"k": 1}); err != nil {
		t.Fatalf("failed to emit: %v", err)
	}

	select {
	case ev := <-events:
		if ev.eventType != "event" {
			t.Fatalf("expected event, got %s", ev.eventType)
		}
		var msg gabp.Message
		if err := json.Unmarshal([]byte(ev.data), &msg); err != nil {
			t.Fatalf("failed to unmarshal event data: %v", err)
		}
		if msg.Channel != "system/status" || msg.Seq != 1 {
			t.Errorf("unexpected event envelope: %+v", msg)
		}
		if string(msg.Payload) != `{"k":1}` {
			t.Errorf("unexpected event payload: %s", msg.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for mirrored event")
	}
}

func TestEventMirrorRejectsBadToken(t *testing.T) {
	srv := startTestServer(t)

	mirror := gabp.NewEventMirror(srv)
	defer mirror.Close()

	httpSrv := httptest.NewServer(mirror)
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "?token=wrong&channels=system/status")
	if err != nil {
		t.Fatalf("failed to connect to mirror: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", resp.StatusCode)
	}
}

func TestEventMirrorRequiresChannels(t *testing.T) {
	srv := startTestServer(t)

	mirror := gabp.NewEventMirror(srv)
	defer mirror.Close()

	httpSrv := httptest.NewServer(mirror)
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "?token=" + srv.Token())
	if err != nil {
		t.Fatalf("failed to connect to mirror: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestEventMirrorCleansUpOnDisconnect(t *testing.T) {
	srv := startTestServer(t)

	mirror := gabp.NewEventMirror(srv)
	defer mirror.Close()

	httpSrv := httptest.NewServer(mirror)
	defer httpSrv.Close()

	url := fmt.Sprintf("%s?token=%s&channels=system/status", httpSrv.URL, srv.Token())
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("failed to connect to mirror: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for srv.Events().SubscriberCount("system/status") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for mirror subscription")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp.Body.Close()

	deadline = time.Now().Add(5 * time.Second)
	for srv.Events().SubscriberCount("system/status") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for mirror cleanup")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
