package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/healthsync/internal/logging"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, ctx context.Context, c *websocket.Conn) frame {
	t.Helper()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHub_FansOutEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	broker := NewBroker[Event](0)
	hub := NewHub(broker, logging.Nop{})
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		hub.Run(runCtx)
		close(done)
	}()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conns := make([]*websocket.Conn, 2)
	for i := range conns {
		c, _, err := websocket.Dial(ctx, url, nil)
		require.NoError(t, err)
		defer c.Close(websocket.StatusNormalClosure, "")
		assert.Equal(t, TypeHello, readFrame(t, ctx, c).Type)
		conns[i] = c
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	broker.Publish(DataChanged{Adapter: "couchdb", Count: 3})
	broker.Publish(StatusChanged{Adapter: "couchdb", State: "synced"})

	for _, c := range conns {
		f := readFrame(t, ctx, c)
		require.Equal(t, TypeDataChanged, f.Type)
		var dc DataChanged
		require.NoError(t, json.Unmarshal(f.Data, &dc))
		assert.Equal(t, DataChanged{Adapter: "couchdb", Count: 3}, dc)

		f = readFrame(t, ctx, c)
		require.Equal(t, TypeStatusChanged, f.Type)
		var sc StatusChanged
		require.NoError(t, json.Unmarshal(f.Data, &sc))
		assert.Equal(t, "synced", sc.State)
	}

	// clients must keep reading to complete the close handshake
	errs := make(chan error, len(conns))
	for _, c := range conns {
		go func() {
			_, _, err := c.Read(ctx)
			errs <- err
		}()
	}
	stop()
	<-done
	assert.Equal(t, 0, hub.ClientCount())
	for range conns {
		assert.Error(t, <-errs)
	}
}

func TestHub_DropsDisconnectedClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(NewBroker[Event](0), logging.Nop{})
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	readFrame(t, ctx, c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}
