package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	if APILatency == nil || APIRetries == nil || NonceResyncs == nil {
		t.Fatal("REST metrics not initialized")
	}
	if WSMessageCount == nil || WSReconnects == nil || WSConnected == nil {
		t.Fatal("stream metrics not initialized")
	}
	if StopTriggers == nil || LadderRungs == nil || HistoryRows == nil {
		t.Fatal("order metrics not initialized")
	}
}

func TestRecordRetry(t *testing.T) {
	before := testutil.ToFloat64(APIRetries.WithLabelValues("returnTicker"))
	RecordRetry("returnTicker")
	RecordRetry("returnTicker")
	after := testutil.ToFloat64(APIRetries.WithLabelValues("returnTicker"))
	if after-before != 2 {
		t.Fatalf("expected 2 retries recorded, got %.0f", after-before)
	}
}

func TestSetWSConnected(t *testing.T) {
	SetWSConnected(true)
	if v := testutil.ToFloat64(WSConnected); v != 1 {
		t.Fatalf("expected 1, got %v", v)
	}
	SetWSConnected(false)
	if v := testutil.ToFloat64(WSConnected); v != 0 {
		t.Fatalf("expected 0, got %v", v)
	}
}

func TestRecordHistoryPage(t *testing.T) {
	before := testutil.ToFloat64(HistoryRows.WithLabelValues("BTC_ETH-chart"))
	RecordHistoryPage("BTC_ETH-chart", 12)
	after := testutil.ToFloat64(HistoryRows.WithLabelValues("BTC_ETH-chart"))
	if after-before != 12 {
		t.Fatalf("expected 12 rows, got %.0f", after-before)
	}
}

func TestRecordHelpersDoNotPanic(t *testing.T) {
	RecordAPICall("buy", "ok", 15*time.Millisecond)
	RecordNonceResync()
	RecordLimiterWait(time.Millisecond)
	RecordError("transient", "dispatcher")
	RecordWSMessage("ticker", 128)
	RecordWSReconnect("success")
	RecordStopTrigger("BTC_ETH", "test")
	SetPendingStops(3)
	RecordLadderRung("BTC_ETH", "sell", "ok")
}

func TestStartMetricsServer(t *testing.T) {
	port, err := StartMetricsServer(0)
	if err != nil {
		t.Fatalf("start metrics server: %v", err)
	}
	RecordRetry("returnBalances")

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "phoenix_api_retries_total") {
		t.Fatalf("metrics output missing phoenix_api_retries_total")
	}
}

func TestSetComponentHealthy(t *testing.T) {
	SetComponentHealthy("rest", false)
	if v := testutil.ToFloat64(ComponentHealthy.WithLabelValues("rest")); v != 0 {
		t.Fatalf("expected 0, got %v", v)
	}
	SetComponentHealthy("rest", true)
	if v := testutil.ToFloat64(ComponentHealthy.WithLabelValues("rest")); v != 1 {
		t.Fatalf("expected 1, got %v", v)
	}
}
