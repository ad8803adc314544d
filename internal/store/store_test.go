package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candle(date int64, close string) Record {
	return Record{
		"market": "BTC_ETH",
		"date":   json.Number(itoa(date)),
		"close":  decimal.RequireFromString(close),
	}
}

func itoa(v int64) string {
	return decimal.NewFromInt(v).String()
}

// 各实现共用的行为测试
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, found, err := s.FindLatest(ctx, "chart", "date")
	require.NoError(t, err)
	assert.False(t, found, "empty collection has no latest record")

	for _, d := range []int64{300, 100, 200} {
		require.NoError(t, s.Upsert(ctx, "chart", "BTC_ETH:"+itoa(d), candle(d, "0.05")))
	}
	// 覆盖同一主键
	require.NoError(t, s.Upsert(ctx, "chart", "BTC_ETH:200", candle(200, "0.07")))

	latest, found, err := s.FindLatest(ctx, "chart", "date")
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 300, latest["date"])

	recs, err := s.QueryRange(ctx, "chart", Filter{Field: "date", From: 150}, "date")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.EqualValues(t, 200, recs[0]["date"])
	assert.Equal(t, "0.07", recs[0]["close"])
	assert.EqualValues(t, 300, recs[1]["date"])

	recs, err = s.QueryRange(ctx, "chart", Filter{Field: "date", From: 0, To: 200}, "date")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.EqualValues(t, 100, recs[0]["date"])

	require.NoError(t, s.Upsert(ctx, "chart", "BTC_XMR:100", Record{"market": "BTC_XMR", "date": int64(100)}))
	recs, err = s.QueryRange(ctx, "chart", Filter{Match: map[string]any{"market": "BTC_XMR"}}, "date")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "BTC_XMR", recs[0]["market"])

	// 集合互不影响
	recs, err = s.QueryRange(ctx, "trades", Filter{}, "date")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore("", 0)
	defer s.Close()
	exerciseStore(t, s)
	assert.Equal(t, 4, s.Len("chart"))
}

func TestMemoryStore_Snapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	s := NewMemoryStore(path, time.Hour)
	require.NoError(t, s.Upsert(context.Background(), "lending", "7", Record{"id": int64(7), "close": "1.5"}))
	require.NoError(t, s.Close())

	_, err := os.Stat(path)
	require.NoError(t, err)

	restored := NewMemoryStore(path, time.Hour)
	defer restored.Close()
	rec, found, err := restored.FindLatest(context.Background(), "lending", "id")
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 7, rec["id"])
	assert.Equal(t, "1.5", rec["close"])
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "phoenix.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStore_RejectsBadField(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "phoenix.db"))
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.FindLatest(context.Background(), "chart", "date') OR 1=1 --")
	assert.Error(t, err)
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("PHOENIX_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("PHOENIX_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := NewMongoStore(ctx, uri, "phoenix_test_"+itoa(time.Now().UnixNano()))
	require.NoError(t, err)
	defer func() {
		_ = s.db.Drop(ctx)
		s.Close()
	}()
	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	s.Close()

	s, err = Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.Close()

	_, err = Open(context.Background(), Config{Driver: "redis"})
	assert.Error(t, err)
}

func TestSanitize(t *testing.T) {
	rec := sanitize(Record{
		"a": json.Number("12"),
		"b": json.Number("0.5"),
		"c": decimal.RequireFromString("3"),
		"d": 4,
		"e": []any{json.Number("1")},
	})
	assert.Equal(t, int64(12), rec["a"])
	assert.Equal(t, "0.5", rec["b"])
	assert.Equal(t, int64(3), rec["c"])
	assert.Equal(t, int64(4), rec["d"])
	assert.Equal(t, []any{int64(1)}, rec["e"])
}
