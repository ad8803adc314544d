// Package history 增量回填 K 线、个人成交与借贷历史到外部存储。
//
// 每次同步先读取存储中的最新水位，然后从当前时间开始按固定窗口向过去翻页，
// 直到某页数据不足或最早时间戳到达水位。所有写入都是按自然键的 upsert，
// 重复抓取的窗口不会产生重复记录。
package history

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	gateway "github.com/newplayman/poloniex-phoenix/internal/exchange"
	"github.com/newplayman/poloniex-phoenix/internal/metrics"
	"github.com/newplayman/poloniex-phoenix/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultWindow 每页时间窗口
	DefaultWindow = 3 * gateway.Month
	// DefaultMinPageSize 行数不超过该值视为没有更多数据（空 K 线会返回一行 date=0 的占位）
	DefaultMinPageSize = 1
	// DefaultPageLimit 成交/借贷单页上限
	DefaultPageLimit = 10000
	// DefaultChartPeriod 5 分钟 K 线
	DefaultChartPeriod = 300

	// LendingCollection 借贷历史集合
	LendingCollection = "lendingHistory"

	utcLayout = "2006-01-02 15:04:05"
)

// Genesis 存储为空时的起始水位
var Genesis = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

// Source 回填需要的交易所接口（gateway.Dispatcher 实现）
type Source interface {
	ReturnChartData(ctx context.Context, pair string, period int, start, end time.Time) ([]map[string]any, error)
	ReturnTradeHistory(ctx context.Context, pair string, start, end time.Time, limit int) (map[string][]map[string]any, error)
	ReturnLendingHistory(ctx context.Context, start, end time.Time, limit int) ([]map[string]any, error)
}

// Result 一次同步的统计
type Result struct {
	Collection string
	Pages      int
	Rows       int
	Watermark  time.Time
}

// Syncer 回填驱动
type Syncer struct {
	src   Source
	store store.Store

	Window      time.Duration
	MinPageSize int
	PageLimit   int
	ChartPeriod int

	now func() time.Time
}

// NewSyncer 创建回填驱动
func NewSyncer(src Source, st store.Store) *Syncer {
	return &Syncer{
		src:         src,
		store:       st,
		Window:      DefaultWindow,
		MinPageSize: DefaultMinPageSize,
		PageLimit:   DefaultPageLimit,
		ChartPeriod: DefaultChartPeriod,
		now:         time.Now,
	}
}

// ChartCollection "<PAIR>-chart"
func ChartCollection(pair string) string { return strings.ToUpper(pair) + "-chart" }

// TradeCollection "<PAIR>-tradeHistory"
func TradeCollection(pair string) string { return strings.ToUpper(pair) + "-tradeHistory" }

// job 描述一个集合的抓取与归一化方式
type job struct {
	collection string
	sortKey    string
	match      map[string]any
	limit      int
	fetch      func(ctx context.Context, start, end time.Time) ([]map[string]any, error)
	// normalize 返回自然键与待写入记录；keep=false 表示跳过（占位行或其他币种）
	normalize func(row map[string]any) (id string, rec store.Record, keep bool, err error)
}

// SyncChart 回填 K 线
func (s *Syncer) SyncChart(ctx context.Context, pair string) (Result, error) {
	pair = strings.ToUpper(pair)
	return s.run(ctx, job{
		collection: ChartCollection(pair),
		sortKey:    "date",
		fetch: func(ctx context.Context, start, end time.Time) ([]map[string]any, error) {
			return s.src.ReturnChartData(ctx, pair, s.ChartPeriod, start, end)
		},
		normalize: func(row map[string]any) (string, store.Record, bool, error) {
			date, err := gateway.ToInt64(row["date"])
			if err != nil {
				return "", nil, false, fmt.Errorf("candle date: %w", err)
			}
			if date == 0 {
				return "", nil, false, nil
			}
			rec := copyRow(row)
			rec["date"] = date
			return strconv.FormatInt(date, 10), rec, true, nil
		},
	})
}

// SyncTrades 回填个人成交，自然键 globalTradeID
func (s *Syncer) SyncTrades(ctx context.Context, pair string) (Result, error) {
	pair = strings.ToUpper(pair)
	return s.run(ctx, job{
		collection: TradeCollection(pair),
		sortKey:    "date",
		limit:      s.PageLimit,
		fetch: func(ctx context.Context, start, end time.Time) ([]map[string]any, error) {
			grouped, err := s.src.ReturnTradeHistory(ctx, pair, start, end, s.PageLimit)
			if err != nil {
				return nil, err
			}
			return grouped[pair], nil
		},
		normalize: func(row map[string]any) (string, store.Record, bool, error) {
			id, err := gateway.ToInt64(row["globalTradeID"])
			if err != nil {
				return "", nil, false, fmt.Errorf("globalTradeID: %w", err)
			}
			rec := copyRow(row)
			if err := epochField(rec, "date"); err != nil {
				return "", nil, false, err
			}
			rec["globalTradeID"] = id
			for _, k := range []string{"tradeID", "orderNumber"} {
				if v, err := gateway.ToInt64(rec[k]); err == nil {
					rec[k] = v
				}
			}
			return strconv.FormatInt(id, 10), rec, true, nil
		},
	})
}

// SyncLending 回填某币种的借贷历史，自然键 id
func (s *Syncer) SyncLending(ctx context.Context, currency string) (Result, error) {
	currency = strings.ToUpper(currency)
	return s.run(ctx, job{
		collection: LendingCollection,
		sortKey:    "open",
		match:      map[string]any{"currency": currency},
		limit:      s.PageLimit,
		fetch: func(ctx context.Context, start, end time.Time) ([]map[string]any, error) {
			return s.src.ReturnLendingHistory(ctx, start, end, s.PageLimit)
		},
		normalize: func(row map[string]any) (string, store.Record, bool, error) {
			rec := copyRow(row)
			if err := epochField(rec, "open"); err != nil {
				return "", nil, false, err
			}
			if c, _ := row["currency"].(string); !strings.EqualFold(c, currency) {
				return "", rec, false, nil
			}
			id, err := gateway.ToInt64(row["id"])
			if err != nil {
				return "", nil, false, fmt.Errorf("loan id: %w", err)
			}
			rec["id"] = id
			if err := epochField(rec, "close"); err != nil {
				return "", nil, false, err
			}
			return strconv.FormatInt(id, 10), rec, true, nil
		},
	})
}

// Query 读回 [from, to] 区间的记录，按时间升序；to 为零值表示不设上限
func (s *Syncer) Query(ctx context.Context, collection string, from, to time.Time, match map[string]any) ([]store.Record, error) {
	sortKey := "date"
	if collection == LendingCollection {
		sortKey = "open"
	}
	f := store.Filter{Field: sortKey, From: from.Unix(), Match: match}
	if !to.IsZero() {
		f.To = to.Unix()
	}
	return s.store.QueryRange(ctx, collection, f, sortKey)
}

func (s *Syncer) run(ctx context.Context, j job) (Result, error) {
	res := Result{Collection: j.collection}

	watermark, err := s.watermark(ctx, j)
	if err != nil {
		return res, err
	}
	now := s.now().Truncate(time.Second)
	if watermark.After(now) {
		watermark = now
	}
	res.Watermark = watermark

	window := s.Window
	if window <= 0 {
		window = DefaultWindow
	}

	end := now
	for end.After(watermark) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		start := end.Add(-window)
		if start.Before(watermark) {
			start = watermark
		}

		rows, err := j.fetch(ctx, start, end)
		if err != nil {
			return res, fmt.Errorf("%s page %s..%s: %w", j.collection, start.Format(time.RFC3339), end.Format(time.RFC3339), err)
		}
		res.Pages++

		written := 0
		earliest := int64(-1)
		for _, row := range rows {
			id, rec, keep, err := j.normalize(row)
			if err != nil {
				return res, fmt.Errorf("%s: %w", j.collection, err)
			}
			if ts, ok := rec[j.sortKey].(int64); ok && ts > 0 && (earliest < 0 || ts < earliest) {
				earliest = ts
			}
			if !keep {
				continue
			}
			if err := s.store.Upsert(ctx, j.collection, id, rec); err != nil {
				return res, err
			}
			written++
		}
		res.Rows += written
		metrics.RecordHistoryPage(j.collection, written)
		log.Debug().Str("collection", j.collection).Int("rows", len(rows)).Int("written", written).
			Time("start", start).Time("end", end).Msg("history page synced")

		if len(rows) <= s.MinPageSize {
			break
		}
		if earliest >= 0 && earliest <= watermark.Unix() {
			break
		}
		// 整页返回时窗口内可能还有更早的数据，从本页最早时间继续
		if j.limit > 0 && len(rows) >= j.limit && earliest > start.Unix() && earliest < end.Unix() {
			end = time.Unix(earliest, 0).UTC()
			continue
		}
		end = start
	}

	log.Info().Str("collection", j.collection).Int("pages", res.Pages).Int("rows", res.Rows).
		Time("watermark", watermark).Msg("history sync complete")
	return res, nil
}

func (s *Syncer) watermark(ctx context.Context, j job) (time.Time, error) {
	var (
		latest store.Record
		found  bool
	)
	if len(j.match) == 0 {
		rec, ok, err := s.store.FindLatest(ctx, j.collection, j.sortKey)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s watermark: %w", j.collection, err)
		}
		latest, found = rec, ok
	} else {
		recs, err := s.store.QueryRange(ctx, j.collection, store.Filter{Match: j.match}, j.sortKey)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s watermark: %w", j.collection, err)
		}
		if len(recs) > 0 {
			latest, found = recs[len(recs)-1], true
		}
	}
	if !found {
		return Genesis, nil
	}
	ts, err := gateway.ToInt64(latest[j.sortKey])
	if err != nil {
		return time.Time{}, fmt.Errorf("%s watermark %s: %w", j.collection, j.sortKey, err)
	}
	return time.Unix(ts, 0).UTC(), nil
}

func copyRow(row map[string]any) store.Record {
	rec := make(store.Record, len(row))
	for k, v := range row {
		rec[k] = v
	}
	return rec
}

// epochField 把 "2006-01-02 15:04:05" 形式的 UTC 时间转换为秒
func epochField(rec store.Record, key string) error {
	switch v := rec[key].(type) {
	case string:
		t, err := time.ParseInLocation(utcLayout, v, time.UTC)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		rec[key] = t.Unix()
	case nil:
		return fmt.Errorf("%s: missing", key)
	default:
		ts, err := gateway.ToInt64(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		rec[key] = ts
	}
	return nil
}
