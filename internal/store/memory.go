package store

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// MemoryStore 内存存储，可选定期快照到 JSON 文件
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record

	snapshotPath    string
	snapshotTicker  *time.Ticker
	stopSnapshot    chan struct{}
	closeOnce       sync.Once
	lastSnapshotErr error
}

// NewMemoryStore 创建内存存储。snapshotPath 为空时不落盘。
func NewMemoryStore(snapshotPath string, snapshotInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		collections:  make(map[string]map[string]Record),
		snapshotPath: snapshotPath,
		stopSnapshot: make(chan struct{}),
	}
	if snapshotPath == "" {
		return s
	}

	if err := s.LoadSnapshot(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("无法从快照恢复，使用空状态")
	}
	if snapshotInterval <= 0 {
		snapshotInterval = time.Minute
	}
	s.snapshotTicker = time.NewTicker(snapshotInterval)
	go s.runSnapshotLoop()
	return s
}

// FindLatest 返回 sortKey 最大的记录
func (s *MemoryStore) FindLatest(_ context.Context, collection, sortKey string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best    Record
		bestVal float64
		found   bool
	)
	for _, rec := range s.collections[collection] {
		v, ok := numeric(rec[sortKey])
		if !ok {
			continue
		}
		if !found || v > bestVal {
			best, bestVal, found = rec, v, true
		}
	}
	if !found {
		return nil, false, nil
	}
	return copyRecord(best), true, nil
}

// Upsert 按 id 覆盖
func (s *MemoryStore) Upsert(_ context.Context, collection, id string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		c = make(map[string]Record)
		s.collections[collection] = c
	}
	c[id] = sanitize(rec)
	return nil
}

// QueryRange 范围查询，按 sortKey 升序
func (s *MemoryStore) QueryRange(_ context.Context, collection string, f Filter, sortKey string) ([]Record, error) {
	s.mu.RLock()
	var out []Record
	for _, rec := range s.collections[collection] {
		if matches(rec, f) {
			out = append(out, copyRecord(rec))
		}
	}
	s.mu.RUnlock()

	sortRecords(out, sortKey)
	return out, nil
}

// Len 集合中的记录数
func (s *MemoryStore) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

// SaveSnapshot 保存快照
func (s *MemoryStore) SaveSnapshot() error {
	if s.snapshotPath == "" {
		return nil
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(s.collections, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.WriteFile(s.snapshotPath, data, 0644); err != nil {
		return err
	}
	log.Debug().Str("path", s.snapshotPath).Msg("快照保存成功")
	return nil
}

// LoadSnapshot 加载快照
func (s *MemoryStore) LoadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()

	snapshot := make(map[string]map[string]Record)
	dec := json.NewDecoder(f)
	dec.UseNumber()
	if err := dec.Decode(&snapshot); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, c := range snapshot {
		for id, rec := range c {
			c[id] = sanitize(rec)
		}
		s.collections[name] = c
	}
	log.Info().Str("path", s.snapshotPath).Int("collections", len(snapshot)).Msg("快照加载成功")
	return nil
}

func (s *MemoryStore) runSnapshotLoop() {
	for {
		select {
		case <-s.snapshotTicker.C:
			if err := s.SaveSnapshot(); err != nil {
				s.lastSnapshotErr = err
				log.Error().Err(err).Msg("保存快照失败")
			}
		case <-s.stopSnapshot:
			return
		}
	}
}

// Close 停止快照循环并最后保存一次
func (s *MemoryStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopSnapshot)
		if s.snapshotTicker == nil {
			return
		}
		s.snapshotTicker.Stop()
		if err = s.SaveSnapshot(); err != nil {
			log.Error().Err(err).Msg("关闭时保存快照失败")
		}
	})
	return err
}

func copyRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func sortRecords(recs []Record, sortKey string) {
	if sortKey == "" {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		a, _ := numeric(recs[i][sortKey])
		b, _ := numeric(recs[j][sortKey])
		return a < b
	})
}
