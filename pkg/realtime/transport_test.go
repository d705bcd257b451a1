package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/docsync-client/internal/testutil"
	"github.com/Sternrassler/docsync-client/pkg/events"
)

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	server := testutil.NewMockRealtime()
	defer server.Close()

	registry := events.NewRegistry(zerolog.Nop())
	cfg := DefaultConfig(server.URL())
	m, err := NewManager(cfg, &WebSocketDialer{}, registry, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()

	subscribed := make(chan Message, 1)
	m.On(events.Subscribed, func(payload any) { subscribed <- payload.(Message) })
	welcomed := make(chan Message, 1)
	m.On(events.ServerWelcome, func(payload any) { welcomed <- payload.(Message) })
	uploaded := make(chan Message, 1)
	m.On(events.DocumentUploaded, func(payload any) { uploaded <- payload.(Message) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case msg := <-welcomed:
		var welcome Welcome
		if err := msg.Decode(&welcome); err != nil || welcome.ConnectionID == "" {
			t.Errorf("welcome = %+v, %v", welcome, err)
		}
	case <-ctx.Done():
		t.Fatal("no server welcome")
	}

	if res, err := m.Subscribe("documents"); err != nil || res != Sent {
		t.Fatalf("Subscribe = %v, %v", res, err)
	}

	select {
	case msg := <-subscribed:
		var data channelsData
		if err := msg.Decode(&data); err != nil || len(data.Channels) != 1 || data.Channels[0] != "documents" {
			t.Errorf("subscribed data = %+v, %v", data, err)
		}
	case <-ctx.Done():
		t.Fatal("no subscribed ack")
	}

	if err := server.Push(events.DocumentUploaded, map[string]int{"id": 3}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	select {
	case msg := <-uploaded:
		if msg.Type != events.DocumentUploaded {
			t.Errorf("type = %q", msg.Type)
		}
	case <-ctx.Done():
		t.Fatal("pushed message not dispatched")
	}
}

func TestWebSocketDialer_ReconnectAfterServerDrop(t *testing.T) {
	server := testutil.NewMockRealtime()
	defer server.Close()

	registry := events.NewRegistry(zerolog.Nop())
	cfg := DefaultConfig(server.URL())
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectCap = 50 * time.Millisecond
	m, err := NewManager(cfg, &WebSocketDialer{}, registry, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()

	connected := make(chan struct{}, 4)
	m.On(events.Connected, func(any) { connected <- struct{}{} })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-connected

	server.DropAll()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not reconnect")
	}
	if n := server.Accepted(); n != 2 {
		t.Errorf("accepted = %d, want 2", n)
	}
}
