package gateway

import (
	"bytes"
	"math/big"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

const restTickerJSON = `{"BTC_ETH":{"id":148,"last":"0.02540000","lowestAsk":"0.02541000","highestBid":"0.02539000",
"percentChange":"-0.01","baseVolume":"120.5","quoteVolume":"4700.1","isFrozen":"0","high24hr":"0.026","low24hr":"0.025"}}`

const streamTickerJSON = `[1002,null,[148,"0.02540000","0.02541000","0.02539000","-0.01","120.5","4700.1",0,"0.026","0.025"]]`

func decodeUseNumber(t *testing.T, s string) any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestTickerRESTAndStreamParity(t *testing.T) {
	obj := decodeUseNumber(t, restTickerJSON).(map[string]any)
	rest, err := ParseRESTTicker("BTC_ETH", obj["BTC_ETH"].(map[string]any))
	if err != nil {
		t.Fatalf("rest ticker: %v", err)
	}

	msg, err := ParseStreamMessage([]byte(streamTickerJSON))
	if err != nil {
		t.Fatalf("stream message: %v", err)
	}
	if msg.Kind != KindTicker {
		t.Fatalf("expected ticker message, got %v", msg.Kind)
	}
	stream, err := ParseStreamTicker("btc_eth", msg.Ticker)
	if err != nil {
		t.Fatalf("stream ticker: %v", err)
	}

	if rest.Market != stream.Market || rest.ID != stream.ID || rest.IsFrozen != stream.IsFrozen {
		t.Fatalf("identity mismatch: %+v vs %+v", rest, stream)
	}
	pairs := [][2]decimal.Decimal{
		{rest.Last, stream.Last}, {rest.LowestAsk, stream.LowestAsk}, {rest.HighestBid, stream.HighestBid},
		{rest.PercentChange, stream.PercentChange}, {rest.BaseVolume, stream.BaseVolume},
		{rest.QuoteVolume, stream.QuoteVolume}, {rest.High24hr, stream.High24hr}, {rest.Low24hr, stream.Low24hr},
	}
	for i, p := range pairs {
		if !p[0].Equal(p[1]) {
			t.Fatalf("field %d differs: %s vs %s", i, p[0], p[1])
		}
	}
}

func TestTickerCache(t *testing.T) {
	c := NewTickerCache()
	c.Seed(map[string]TickerSnapshot{"BTC_ETH": {Market: "BTC_ETH", ID: 148, Last: decimal.NewFromInt(1)}})

	if m, ok := c.MarketByID(148); !ok || m != "BTC_ETH" {
		t.Fatalf("id lookup failed: %q %v", m, ok)
	}
	c.Put(TickerSnapshot{Market: "BTC_ETH", ID: 148, Last: decimal.NewFromInt(2)})
	s, ok := c.Get("btc_eth")
	if !ok || !s.Last.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected replaced snapshot, got %+v", s)
	}

	all := c.All()
	delete(all, "BTC_ETH")
	if c.Len() != 1 {
		t.Fatalf("All must return a copy")
	}
}

func TestParseStreamMessageKinds(t *testing.T) {
	cases := []struct {
		raw        string
		kind       MessageKind
		channel    string
		subscribed bool
	}{
		{`[1010]`, KindHeartbeat, "1010", false},
		{`[1002,1]`, KindSubscription, "1002", true},
		{`[1002,0]`, KindSubscription, "1002", false},
		{`[1003,null,["2019-06-01 00:00",1,{}]]`, KindStats, "1003", false},
		{`["BTC_ETH",123,[["o",1]]]`, KindBook, "BTC_ETH", false},
		{`{"error":"Invalid channel."}`, KindError, "", false},
		{`[9999,null,[]]`, KindUnknown, "9999", false},
	}
	for _, tc := range cases {
		msg, err := ParseStreamMessage([]byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if msg.Kind != tc.kind || msg.Channel != tc.channel || msg.Subscribed != tc.subscribed {
			t.Fatalf("%s: got kind=%v channel=%q subscribed=%v", tc.raw, msg.Kind, msg.Channel, msg.Subscribed)
		}
	}
	if _, err := ParseStreamMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed message")
	}
	if _, err := ParseStreamMessage([]byte(`[]`)); err == nil {
		t.Fatalf("expected error for empty array")
	}
}

func TestDecodeNumberModes(t *testing.T) {
	body := []byte(`{"rate":"0.1","amount":0.30000000000000004,"n":12}`)

	v, err := decodeJSON(body, NumbersString)
	if err != nil {
		t.Fatalf("string mode: %v", err)
	}
	if n, ok := v.(map[string]any)["amount"].(json.Number); !ok || n.String() != "0.30000000000000004" {
		t.Fatalf("string mode must keep literal text, got %#v", v.(map[string]any)["amount"])
	}

	v, _ = decodeJSON(body, NumbersFloat)
	if _, ok := v.(map[string]any)["n"].(float64); !ok {
		t.Fatalf("float mode: got %T", v.(map[string]any)["n"])
	}

	v, _ = decodeJSON(body, NumbersDecimal)
	d, ok := v.(map[string]any)["amount"].(decimal.Decimal)
	if !ok || d.String() != "0.30000000000000004" {
		t.Fatalf("decimal mode: got %#v", v.(map[string]any)["amount"])
	}

	v, _ = decodeJSON(body, NumbersBig)
	r, ok := v.(map[string]any)["n"].(*big.Rat)
	if !ok || r.Cmp(big.NewRat(12, 1)) != 0 {
		t.Fatalf("big mode: got %#v", v.(map[string]any)["n"])
	}

	// 字符串数字不受模式影响
	if s, _ := v.(map[string]any)["rate"].(string); s != "0.1" {
		t.Fatalf("string values must stay strings")
	}

	if _, err := ParseNumberMode("float"); err != nil {
		t.Fatalf("parse mode: %v", err)
	}
	if _, err := ParseNumberMode("octal"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
