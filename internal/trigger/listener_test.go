package trigger

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestEventListenerDebouncesIntoEnqueue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"libraryItemId":"book-1"}`))
		time.Sleep(10 * time.Millisecond)
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"libraryItemId":"book-1"}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	queue := NewQueue(10, nil)
	listener := NewEventListener(wsURL, "tok", 30*time.Millisecond, queue, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go func() { _ = listener.Run(ctx) }()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer drainCancel()
	id, ok := queue.Next(drainCtx)
	require.True(t, ok)
	assert.Equal(t, "book-1", id)
}

func TestEventListenerSkipsWithoutCredentials(t *testing.T) {
	queue := NewQueue(10, nil)
	listener := NewEventListener("", "", time.Second, queue, nil)
	err := listener.Run(context.Background())
	require.NoError(t, err)
}

func TestEventListenerReconnectsAfterTransientDialFailure(t *testing.T) {
	queue := NewQueue(10, nil)
	listener := NewEventListener("ws://unused", "tok", 10*time.Millisecond, queue, nil)
	listener.reconnect = rate.NewLimiter(rate.Every(time.Millisecond), 1)

	var attempts int32
	listener.dialer = func(ctx context.Context, url string) (*websocket.Conn, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, fmt.Errorf("connection refused")
		}
		return nil, fmt.Errorf("connection refused again")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = listener.Run(ctx)

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 3)
}
