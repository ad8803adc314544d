package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type stubSeeder struct {
	mu    sync.Mutex
	calls int
	snaps map[string]TickerSnapshot
}

func (s *stubSeeder) ReturnTicker(ctx context.Context) (map[string]TickerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.snaps, nil
}

func (s *stubSeeder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingListener struct {
	mu   sync.Mutex
	seen []TickerSnapshot
}

func (l *recordingListener) OnTicker(t TickerSnapshot) {
	l.mu.Lock()
	l.seen = append(l.seen, t)
	l.mu.Unlock()
}

func (l *recordingListener) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// newPushServer 模拟推送服务：收到订阅后确认并推送一条 ticker
func newPushServer(t *testing.T, subs chan<- map[string]any) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("bad control message %s", data)
				return
			}
			select {
			case subs <- msg:
			default:
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`[1002,1]`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`[1010]`))
			_ = conn.WriteMessage(websocket.TextMessage,
				[]byte(`[1002,null,[148,"0.031","0.0311","0.0309","0.02","10","300",0,"0.032","0.03"]]`))
		}
	}))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamClientLifecycle(t *testing.T) {
	subs := make(chan map[string]any, 4)
	srv := newPushServer(t, subs)
	defer srv.Close()

	seeder := &stubSeeder{snaps: map[string]TickerSnapshot{
		"BTC_ETH": {Market: "BTC_ETH", ID: 148, Last: decimal.RequireFromString("0.02"), HighestBid: decimal.RequireFromString("0.0199")},
	}}
	cfg := DefaultStreamConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewStreamClient(cfg, seeder)
	listener := &recordingListener{}
	c.AddListener(listener)

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: expected ErrAlreadyRunning, got %v", err)
	}

	select {
	case msg := <-subs:
		if msg["command"] != "subscribe" || msg["channel"] != float64(1002) {
			t.Fatalf("unexpected subscribe message %v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no subscribe message received")
	}

	waitFor(t, "live ticker", func() bool { return c.Live() && listener.len() > 0 })
	tick, err := c.Tick(ctx, "btc_eth")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !tick.Last.Equal(decimal.RequireFromString("0.031")) {
		t.Fatalf("expected pushed last price, got %s", tick.Last)
	}
	seeded := seeder.count()

	c.Stop()
	if c.Running() || c.Connected() {
		t.Fatalf("client still running after Stop")
	}

	// 停止后降级为 REST
	tick, err = c.Tick(ctx, "BTC_ETH")
	if err != nil {
		t.Fatalf("fallback tick: %v", err)
	}
	if !tick.Last.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("expected REST last price, got %s", tick.Last)
	}
	if seeder.count() != seeded+1 {
		t.Fatalf("expected one REST fallback call")
	}
	if _, err := c.Tick(ctx, "BTC_NOPE"); !errors.Is(err, ErrUnknownMarket) {
		t.Fatalf("expected ErrUnknownMarket, got %v", err)
	}

	// 可再次启动
	if err := c.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	c.Stop()
}

func TestStreamClientReconnectsAfterDrop(t *testing.T) {
	subs := make(chan map[string]any, 8)
	srv := newPushServer(t, subs)
	defer srv.Close()

	cfg := DefaultStreamConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.InitialReconnect = 10 * time.Millisecond
	c := NewStreamClient(cfg, &stubSeeder{snaps: map[string]TickerSnapshot{}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	waitFor(t, "first connection", func() bool { return c.Reconnects() == 1 && c.Subscribed("1002") })
	c.Reconnect()
	waitFor(t, "second connection", func() bool { return c.Reconnects() == 2 && c.Subscribed("1002") })
}

// blockingSeeder 阻塞到 ctx 结束
type blockingSeeder struct{ entered chan struct{} }

func (s *blockingSeeder) ReturnTicker(ctx context.Context) (map[string]TickerSnapshot, error) {
	close(s.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStreamClientStopDuringSeed(t *testing.T) {
	seeder := &blockingSeeder{entered: make(chan struct{})}
	c := NewStreamClient(StreamConfig{URL: "ws://127.0.0.1:1/"}, seeder)

	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(context.Background()) }()
	select {
	case <-seeder.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("seed never started")
	}

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not return while start was seeding")
	}
	select {
	case err := <-startErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected canceled start, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("start did not return after stop")
	}
	if c.Running() {
		t.Fatalf("client running after aborted start")
	}
}

func TestStreamClientSubscribeUnsubscribe(t *testing.T) {
	subs := make(chan map[string]any, 8)
	srv := newPushServer(t, subs)
	defer srv.Close()

	cfg := DefaultStreamConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewStreamClient(cfg, &stubSeeder{snaps: map[string]TickerSnapshot{}})

	// 未连接时只记录频道
	if err := c.Subscribe("1002"); err != nil {
		t.Fatalf("subscribe existing: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	next := func() map[string]any {
		t.Helper()
		select {
		case msg := <-subs:
			return msg
		case <-time.After(3 * time.Second):
			t.Fatalf("no control message received")
		}
		return nil
	}
	if msg := next(); msg["command"] != "subscribe" || msg["channel"] != float64(1002) {
		t.Fatalf("unexpected initial message %v", msg)
	}
	waitFor(t, "connection", func() bool { return c.Subscribed("1002") })

	if err := c.Subscribe("1003"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if msg := next(); msg["command"] != "subscribe" || msg["channel"] != float64(1003) {
		t.Fatalf("unexpected subscribe message %v", msg)
	}
	if err := c.Unsubscribe("1003"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if msg := next(); msg["command"] != "unsubscribe" || msg["channel"] != float64(1003) {
		t.Fatalf("unexpected unsubscribe message %v", msg)
	}
}
