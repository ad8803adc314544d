package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type noWait struct{}

func (noWait) Wait(ctx context.Context) error { return ctx.Err() }

func newTestDispatcher(t *testing.T, srv *httptest.Server, key, secret string, mode NumberMode) *Dispatcher {
	t.Helper()
	retry := DefaultRetryPolicy()
	retry.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	d, err := NewDispatcher(DispatcherConfig{
		PublicURL:  srv.URL + "/public",
		PrivateURL: srv.URL + "/tradingApi",
		APIKey:     key,
		Secret:     secret,
		Numbers:    mode,
		Limiter:    noWait{},
		Retry:      &retry,
		HTTPClient: srv.Client(),
		Nonce:      NewNonce(time.Unix(1000, 0)),
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func TestSignParams(t *testing.T) {
	params := url.Values{}
	params.Set("command", "returnBalances")
	params.Set("nonce", "123")
	body, sign := SignParams(params, "secret")
	if body != "command=returnBalances&nonce=123" {
		t.Fatalf("unexpected body %q", body)
	}
	mac := hmac.New(sha512.New, []byte("secret"))
	mac.Write([]byte(body))
	if want := hex.EncodeToString(mac.Sum(nil)); sign != want {
		t.Fatalf("signature mismatch: %s != %s", sign, want)
	}
	h := AuthHeaders("key", sign)
	if h.Get("Key") != "key" || h.Get("Sign") != sign {
		t.Fatalf("unexpected headers %v", h)
	}
}

func TestDispatcherPrivateCallIsSigned(t *testing.T) {
	var gotNonce int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tradingApi" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		mac := hmac.New(sha512.New, []byte("s3cret"))
		mac.Write(raw)
		if r.Header.Get("Sign") != hex.EncodeToString(mac.Sum(nil)) {
			t.Errorf("bad signature")
		}
		if r.Header.Get("Key") != "k" {
			t.Errorf("missing key header")
		}
		form, _ := url.ParseQuery(string(raw))
		if form.Get("command") != "returnBalances" {
			t.Errorf("unexpected command %q", form.Get("command"))
		}
		gotNonce, _ = strconv.ParseInt(form.Get("nonce"), 10, 64)
		fmt.Fprint(w, `{"BTC":"0.50000000","ETH":"12.1"}`)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv, "k", "s3cret", NumbersString)
	bals, err := d.ReturnBalances(context.Background())
	if err != nil {
		t.Fatalf("returnBalances: %v", err)
	}
	if !bals["BTC"].Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("unexpected BTC balance %s", bals["BTC"])
	}
	if gotNonce != d.Nonce().Current() {
		t.Fatalf("request nonce %d does not match issued %d", gotNonce, d.Nonce().Current())
	}
}

func TestDispatcherPublicCallIsGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/public" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("command") != "returnOrderBook" || r.URL.Query().Get("currencyPair") != "BTC_ETH" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"asks":[["0.1",1]],"bids":[],"isFrozen":"0","seq":7}`)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv, "", "", NumbersString)
	book, err := d.ReturnOrderBook(context.Background(), "btc_eth", 0)
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if _, ok := book["asks"]; !ok {
		t.Fatalf("missing asks: %v", book)
	}
}

func TestDispatcherMissingCredentials(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv, "", "", NumbersString)
	_, err := d.ReturnBalances(context.Background())
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := d.Invoke(context.Background(), "doSomethingElse", nil); !errors.As(err, &cfgErr) || cfgErr.Reason != "invalid command" {
		t.Fatalf("expected invalid command, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("configuration errors must fail before any network call")
	}
}

func TestDispatcherNonceResync(t *testing.T) {
	var (
		mu     sync.Mutex
		nonces []int64
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		n, _ := strconv.ParseInt(r.PostForm.Get("nonce"), 10, 64)
		mu.Lock()
		nonces = append(nonces, n)
		first := len(nonces) == 1
		mu.Unlock()
		if first {
			fmt.Fprintf(w, `{"error":"Nonce must be greater than 5000000000000. You provided %d."}`, n)
			return
		}
		fmt.Fprint(w, `{"BTC":"1"}`)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv, "k", "s", NumbersString)
	if _, err := d.ReturnBalances(context.Background()); err != nil {
		t.Fatalf("expected success after resync, got %v", err)
	}
	if len(nonces) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(nonces))
	}
	if nonces[1] <= 5000000000000 {
		t.Fatalf("retried nonce %d not above exchange minimum", nonces[1])
	}
}

func TestDispatcherTryAgainIsTransient(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			fmt.Fprint(w, `{"error":"Internal error. Please try again."}`)
			return
		}
		fmt.Fprint(w, `{"BTC":{"BTCVol":"1"}}`)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv, "", "", NumbersString)
	if _, err := d.Return24hVolume(context.Background()); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}
}

func TestDispatcherServerErrorIsTransient(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "<html>bad gateway</html>", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv, "", "", NumbersString)
	_, err := d.Return24hVolume(context.Background())
	var exh *RetriesExhaustedError
	if !errors.As(err, &exh) {
		t.Fatalf("expected retries exhausted, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 5 {
		t.Fatalf("expected 5 attempts, got %d", hits)
	}
}

func TestDispatcherExchangeError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `{"error":"Invalid order number, or you are not the person who placed the order."}`)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv, "k", "s", NumbersString)
	_, err := d.CancelOrder(context.Background(), 42)
	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected exchange error, got %v", err)
	}
	if exErr.Message != "Invalid order number, or you are not the person who placed the order." {
		t.Fatalf("exchange message not preserved: %q", exErr.Message)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("exchange errors must not be retried, got %d attempts", hits)
	}
}

func TestDispatcherDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>maintenance</html>`)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv, "", "", NumbersString)
	_, err := d.ReturnCurrencies(context.Background())
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if string(decErr.Body) != "<html>maintenance</html>" {
		t.Fatalf("raw body not kept: %q", decErr.Body)
	}
}

func TestDispatcherOrderPlacement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("command") != "sell" || r.PostForm.Get("rate") != "0.025" || r.PostForm.Get("amount") != "5" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.PostForm.Get("postOnly") != "1" {
			t.Errorf("postOnly flag missing: %v", r.PostForm)
		}
		fmt.Fprint(w, `{"orderNumber":"31226040","resultingTrades":[]}`)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv, "k", "s", NumbersString)
	res, err := d.Sell(context.Background(), "BTC_ETH", decimal.RequireFromString("0.025"), decimal.NewFromInt(5), OrderTypePostOnly)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if res.OrderNumber != 31226040 {
		t.Fatalf("unexpected order number %d", res.OrderNumber)
	}
}
