package rpc

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/kellymusk/Aframp-backend/core/events"
	"github.com/kellymusk/Aframp-backend/native/escrow"
)

func TestEventsWebsocketStream(t *testing.T) {
	env := newTestEnv(t)
	env.createOrderVia(t, 1)

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?after=0"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readEvent := func() events.StoredEvent {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		var evt events.StoredEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return evt
	}

	backlog := readEvent()
	if backlog.Sequence != 1 || backlog.Type != escrow.EventTypeOrderCreated {
		t.Fatalf("unexpected backlog event %+v", backlog)
	}

	env.createOrderVia(t, 2)
	live := readEvent()
	if live.Sequence != 2 || live.Type != escrow.EventTypeOrderCreated {
		t.Fatalf("unexpected live event %+v", live)
	}
	if live.Attributes["orderId"] != "2" {
		t.Fatalf("unexpected live orderId %q", live.Attributes["orderId"])
	}
}

func TestEventsWebsocketRejectsBadCursor(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/ws/events?after=abc")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
