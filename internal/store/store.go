package store

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Record 一条历史记录（K 线、成交、借贷）
type Record map[string]any

// Filter 范围查询条件。Field 为空时不做范围过滤；To 为 0 表示无上限。
type Filter struct {
	Field string
	From  int64
	To    int64
	Match map[string]any // 等值条件
}

// Store 增量存储：按键 upsert，按范围查询
type Store interface {
	// FindLatest 返回 sortKey 最大的一条记录
	FindLatest(ctx context.Context, collection, sortKey string) (Record, bool, error)
	// Upsert 按 id 插入或覆盖
	Upsert(ctx context.Context, collection, id string, rec Record) error
	// QueryRange 按 sortKey 升序返回满足条件的记录
	QueryRange(ctx context.Context, collection string, f Filter, sortKey string) ([]Record, error)
	Close() error
}

// Open 按驱动名创建存储：memory / sqlite / mongo
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemoryStore(cfg.Path, cfg.SnapshotInterval), nil
	case "sqlite", "sqlite3":
		return NewSQLiteStore(cfg.Path)
	case "mongo", "mongodb":
		return NewMongoStore(ctx, cfg.URI, cfg.Database)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// sanitize 把各种数字表示统一为可序列化的基础类型：
// 整数保持 int64，其余十进制数保存为字符串，避免精度损失。
func sanitize(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return i
		}
		return t.String()
	case decimal.Decimal:
		if t.IsInteger() {
			return t.IntPart()
		}
		return t.String()
	case *big.Rat:
		if t == nil {
			return nil
		}
		if t.IsInt() && t.Num().IsInt64() {
			return t.Num().Int64()
		}
		return t.FloatString(18)
	case int:
		return int64(t)
	case map[string]any:
		return sanitize(Record(t))
	case Record:
		return sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	}
	return v
}

// numeric 取排序/比较用的数值
func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case int:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case decimal.Decimal:
		f, _ := t.Float64()
		return f, true
	case *big.Rat:
		if t == nil {
			return 0, false
		}
		f, _ := t.Float64()
		return f, true
	}
	return 0, false
}

func matches(rec Record, f Filter) bool {
	if f.Field != "" {
		v, ok := numeric(rec[f.Field])
		if !ok || v < float64(f.From) {
			return false
		}
		if f.To != 0 && v > float64(f.To) {
			return false
		}
	}
	for k, want := range f.Match {
		if fmt.Sprint(sanitizeValue(rec[k])) != fmt.Sprint(sanitizeValue(want)) {
			return false
		}
	}
	return true
}
