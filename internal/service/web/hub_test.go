package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyhub/internal/shared/types"
	manager "proxyhub/proxypool"
)

func TestHub_BroadcastsRefreshEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(NewMux(ctx, types.WebConf{}, newFakeController(), hub))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastRefresh(manager.RefreshEvent{CycleID: "cycle-1", Candidates: 5, Validated: 2})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string               `json:"type"`
		Data manager.RefreshEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "refresh", msg.Type)
	assert.Equal(t, "cycle-1", msg.Data.CycleID)
	assert.Equal(t, 5, msg.Data.Candidates)
	assert.Equal(t, 2, msg.Data.Validated)

	// Client disconnect is noticed by the read pump.
	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()

	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	// Broadcasting after shutdown never blocks.
	for i := 0; i < 32; i++ {
		hub.BroadcastRefresh(manager.RefreshEvent{CycleID: "late"})
	}
}
