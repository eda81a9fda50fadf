package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"delivery-route-ledger/internal/domain"
)

func TestHubBroadcastsToSubscribers(t *testing.T) {
	hub := NewHub()
	ts := httptest.NewServer(hub)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	want := domain.AnchorEvent{
		Kind:    domain.AnchorUpdated,
		RouteID: "r1",
		Version: 4,
		TxRef:   "mem:9",
	}
	hub.Publish(want)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got domain.AnchorEvent
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Kind != want.Kind || got.RouteID != want.RouteID || got.Version != want.Version || got.TxRef != want.TxRef {
		t.Fatalf("event = %+v, want %+v", got, want)
	}

	hub.Close()
	if hub.Subscribers() != 0 {
		t.Fatalf("subscribers after close = %d", hub.Subscribers())
	}
}

func TestHubPublishWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Publish(domain.AnchorEvent{Kind: domain.AnchorCreated, RouteID: "r1"})
}
