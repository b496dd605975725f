package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/rollupd/pkg/config"
	"github.com/nicktill/rollupd/pkg/emitter"
	"github.com/nicktill/rollupd/pkg/rollup"
)

func dialHub(t *testing.T, srv *httptest.Server, tenant string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v2.0/" + tenant + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventHub_DeliversTenantEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewEventHub(nil)
	go hub.Run(ctx)

	r := mux.NewRouter()
	r.HandleFunc("/v2.0/{tenantId}/events", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	acme := dialHub(t, srv, "acme")
	globex := dialHub(t, srv, "globex")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	em := emitter.New[rollup.RollupEvent]()
	em.On(rollup.EventName, hub.Listener())

	acmeEvent := rollup.NewRollupEvent(&rollup.WriteContext{
		Tenant: "acme", Name: "cpu", Granularity: rollup.Granularity5m,
		Range: rollup.Granularity5m.RangeFor(testNow),
	})
	otherEvent := rollup.NewRollupEvent(&rollup.WriteContext{
		Tenant: "initech", Name: "cpu", Granularity: rollup.Granularity5m,
		Range: rollup.Granularity5m.RangeFor(testNow),
	})
	require.NoError(t, em.Emit(rollup.EventName, acmeEvent, otherEvent))

	require.NoError(t, acme.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := acme.ReadMessage()
	require.NoError(t, err)

	var got []rollup.RollupEvent
	require.NoError(t, json.Unmarshal(msg, &got))
	require.Len(t, got, 1)
	assert.Equal(t, acmeEvent.Locator, got[0].Locator)
	assert.Equal(t, acmeEvent.Shard, got[0].Shard)

	// globex has no events in the batch
	require.NoError(t, globex.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = globex.ReadMessage()
	assert.Error(t, err)
}

func TestEventHub_ClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewEventHub(nil)
	go hub.Run(ctx)

	r := mux.NewRouter()
	r.HandleFunc("/v2.0/{tenantId}/events", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialHub(t, srv, "acme")
	require.Eventually(t, hub.HasClients, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return !hub.HasClients() }, time.Second, 5*time.Millisecond)
}

func TestEventHub_BroadcastNeverBlocks(t *testing.T) {
	hub := NewEventHub(nil)
	ev := rollup.RollupEvent{Granularity: rollup.Granularity5m}

	// No Run loop draining the queue
	for i := 0; i < cap(hub.broadcast)+10; i++ {
		hub.Broadcast(ev)
	}
	assert.Len(t, hub.broadcast, cap(hub.broadcast))
}

func TestEncodeForTenant(t *testing.T) {
	events := []rollup.RollupEvent{
		{Locator: "acme.cpu"},
		{Locator: "globex.cpu"},
	}
	assert.Nil(t, encodeForTenant(events, "initech"))

	var got []rollup.RollupEvent
	require.NoError(t, json.Unmarshal(encodeForTenant(events, "acme"), &got))
	require.Len(t, got, 1)
	assert.Equal(t, events[0].Locator, got[0].Locator)
}

func TestEventHub_HandlersReturnAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewEventHub(nil)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	var finished atomic.Int64
	r := mux.NewRouter()
	r.HandleFunc("/v2.0/{tenantId}/events", func(w http.ResponseWriter, req *http.Request) {
		defer finished.Add(1)
		hub.HandleWebSocket(w, req)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	// More clients than the registration buffer holds.
	const clients = 3 * config.WSChannelBuffer
	for i := 0; i < clients; i++ {
		dialHub(t, srv, "acme")
	}

	require.Eventually(t, func() bool { return finished.Load() == clients }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, hub.ClientCount())
}
