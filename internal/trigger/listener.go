package trigger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/briarwood/readbridge/internal/apperrors"
	"github.com/briarwood/readbridge/internal/logger"
)

// reconnectInterval caps how often Run will redial after a lost connection,
// independent of each adapter's own HTTP rate limiter.
const reconnectInterval = 5 * time.Second

// PlaybackEvent is the subset of an ABS playback-progress event this layer
// cares about.
type PlaybackEvent struct {
	BookID string `json:"libraryItemId"`
}

// EventListener maintains a streaming connection to the audiobook server
// and debounces playback events into sync requests (C7 source 1). Its own
// worker runs on a bounded channel decoupled from any HTTP server, per the
// design note that the event loop must not share a thread with transport.
type EventListener struct {
	url       string
	token     string
	debounce  *Debouncer
	queue     *Queue
	logger    *logger.Logger
	reconnect *rate.Limiter
	dialer    func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewEventListener builds a listener against an ABS-compatible event stream
// URL. debounceWindow defaults to DefaultDebounce when zero.
func NewEventListener(url, token string, debounceWindow time.Duration, queue *Queue, log *logger.Logger) *EventListener {
	if debounceWindow <= 0 {
		debounceWindow = DefaultDebounce
	}
	l := &EventListener{
		url:       url,
		token:     token,
		queue:     queue,
		logger:    log,
		reconnect: rate.NewLimiter(rate.Every(reconnectInterval), 1),
	}
	l.debounce = NewDebouncer(debounceWindow, func(bookID string) {
		queue.Enqueue(bookID)
	})
	l.dialer = l.dial
	return l
}

func (l *EventListener) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Bearer " + l.token}},
	})
	return conn, err
}

// Run connects and reads events until ctx is cancelled, redialing after any
// transient disconnect at most once per reconnectInterval. On an
// authorization failure it returns immediately so the caller falls back to
// polling/global-tick only, per spec's trigger-layer policy.
func (l *EventListener) Run(ctx context.Context) error {
	if l.url == "" || l.token == "" {
		return nil
	}

	for {
		err := l.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil || apperrors.Is(err, apperrors.Unauthorized) {
			return err
		}

		l.logger.Warn("event listener disconnected, reconnecting", map[string]interface{}{"error": err.Error()})
		if waitErr := l.reconnect.Wait(ctx); waitErr != nil {
			return nil
		}
	}
}

func (l *EventListener) runOnce(ctx context.Context) error {
	conn, err := l.dialer(ctx, l.url)
	if err != nil {
		return apperrors.New(apperrors.Transient, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	defer l.debounce.Stop()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return apperrors.New(apperrors.Unauthorized, err)
			}
			return apperrors.New(apperrors.Transient, err)
		}

		var event PlaybackEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		if event.BookID == "" {
			continue
		}
		l.debounce.Trigger(event.BookID)
	}
}
