package runner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/newplayman/poloniex-phoenix/internal/config"
	gateway "github.com/newplayman/poloniex-phoenix/internal/exchange"
	"github.com/newplayman/poloniex-phoenix/internal/order"
	"github.com/shopspring/decimal"
)

const tickerBody = `{"BTC_ETH":{"id":148,"last":"0.0305","lowestAsk":"0.0306","highestBid":"0.0304","percentChange":"0.01","baseVolume":"10","quoteVolume":"300","isFrozen":"0","high24hr":"0.032","low24hr":"0.03"}}`

// newRESTServer 模拟公共接口
func newRESTServer(t *testing.T, calls *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		switch r.URL.Query().Get("command") {
		case "returnTicker":
			w.Write([]byte(tickerBody))
		case "return24hVolume":
			w.Write([]byte(`{"BTC_ETH":{"BTC":"10","ETH":"300"},"totalBTC":"10"}`))
		default:
			t.Errorf("unexpected command %q", r.URL.Query().Get("command"))
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
}

func testConfig(publicURL string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			PublicURL:   publicURL,
			TimeoutMs:   2000,
			JSONNumbers: "string",
		},
		RateLimit: config.RateLimitConfig{WindowMs: 10, Permits: 6},
		Stream:    config.StreamConfig{StopPollInterval: 1},
		Ladder:    config.LadderConfig{Rungs: 3, CancelConcurrency: 2},
		Watchdog:  config.WatchdogConfig{CheckIntervalSec: 60, FailureThreshold: 3, RecoveryThreshold: 2},
		Stops: []config.StopConfig{
			{Market: "btc_eth", Amount: "-1", Stop: "0.03", Limit: "0.0299", Test: true},
			{Market: "BTC_ETH", Amount: "-1", Stop: "0.05", Limit: "0.049", Test: true},
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunnerPollingFallback(t *testing.T) {
	var calls int32
	srv := newRESTServer(t, &calls)
	defer srv.Close()

	r, err := NewRunner(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if r.Stream() != nil {
		t.Fatal("stream must be nil when disabled")
	}

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx); !errors.Is(err, ErrRunnerRunning) {
		t.Fatalf("second start: expected ErrRunnerRunning, got %v", err)
	}

	low := order.StopKey("BTC_ETH", decimal.RequireFromString("0.03"))
	high := order.StopKey("BTC_ETH", decimal.RequireFromString("0.05"))
	waitFor(t, "polled trigger", func() bool {
		o, ok := r.Stops().Get(low)
		return ok && o.State == order.StopTriggered
	})
	if o, _ := r.Stops().Get(high); o.State != order.StopPending {
		t.Fatalf("stop above the bid must stay pending, got %s", o.State)
	}

	// 相同配置再次应用不会重新注册已触发的订单
	if n := r.ApplyStops(testConfig(srv.URL).Stops); n != 0 {
		t.Fatalf("expected no re-registration, got %d", n)
	}

	r.Stop()
	r.Stop()
	if err := r.Start(ctx); !errors.Is(err, ErrRunnerStopped) {
		t.Fatalf("expected ErrRunnerStopped, got %v", err)
	}
}

func TestRunnerGeoOrderUsesRESTTicks(t *testing.T) {
	var calls int32
	srv := newRESTServer(t, &calls)
	defer srv.Close()

	r, err := NewRunner(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if r.GeoOrder().CancelConcurrency != 2 {
		t.Fatalf("expected configured cancel concurrency, got %d", r.GeoOrder().CancelConcurrency)
	}
	l, err := r.GeoOrder().Build(context.Background(), "btc_eth", decimal.RequireFromString("-0.003"), 3, 5)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rungs := l.Rungs()
	if len(rungs) != 3 || rungs[0].Price.String() != "0.0306" {
		t.Fatalf("unexpected ladder %+v", rungs)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one ticker call, got %d", calls)
	}
}

func TestRunnerStreamTriggersStops(t *testing.T) {
	var calls int32
	rest := newRESTServer(t, &calls)
	defer rest.Close()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	push := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`[1002,1]`))
			_ = conn.WriteMessage(websocket.TextMessage,
				[]byte(`[1002,null,[148,"0.051","0.0511","0.0505","0.02","10","300",0,"0.052","0.03"]]`))
		}
	}))
	defer push.Close()

	cfg := testConfig(rest.URL)
	cfg.Stream.Enabled = true
	cfg.Stream.URL = "ws" + strings.TrimPrefix(push.URL, "http")
	cfg.Stream.Channels = []string{"1002"}

	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	// 推送的买价 0.0505 越过两个触发价
	for _, stop := range []string{"0.03", "0.05"} {
		key := order.StopKey("BTC_ETH", decimal.RequireFromString(stop))
		waitFor(t, "stream trigger "+key, func() bool {
			o, ok := r.Stops().Get(key)
			return ok && o.State == order.StopTriggered
		})
	}
	if added, removed := r.ApplyChannels([]string{"1002", "1003"}); added != 1 || removed != 0 {
		t.Fatalf("expected one channel added, got +%d -%d", added, removed)
	}
	if added, removed := r.ApplyChannels([]string{"1003"}); added != 0 || removed != 1 {
		t.Fatalf("expected one channel removed, got +%d -%d", added, removed)
	}
	if got := r.Stream().Channels(); len(got) != 1 || got[0] != "1003" {
		t.Fatalf("unexpected channels %v", got)
	}
}

func TestRunnerSafeModePausesStops(t *testing.T) {
	var calls int32
	srv := newRESTServer(t, &calls)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Stops = nil
	cfg.Stream.StopPollInterval = 3600
	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	r.EnterSafeMode("test")
	key, _, err := r.Stops().Register(order.StopLimitOrder{
		Market: "BTC_ETH",
		Amount: decimal.RequireFromString("-1"),
		Stop:   decimal.RequireFromString("0.03"),
		Limit:  decimal.RequireFromString("0.0299"),
		Test:   true,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Stops().Evaluate(context.Background(), gateway.TickerSnapshot{Market: "BTC_ETH", HighestBid: decimal.RequireFromString("0.04")})
	if o, _ := r.Stops().Get(key); o.State != order.StopPending {
		t.Fatalf("paused monitor must not trigger, got %s", o.State)
	}

	r.ExitSafeMode("test")
	r.Stops().Evaluate(context.Background(), gateway.TickerSnapshot{Market: "BTC_ETH", HighestBid: decimal.RequireFromString("0.04")})
	if o, _ := r.Stops().Get(key); o.State != order.StopTriggered {
		t.Fatalf("expected trigger after resume, got %s", o.State)
	}
	r.ForceStreamReconnect("test")
}
