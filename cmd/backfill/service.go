package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/newplayman/poloniex-phoenix/internal/config"
	"github.com/newplayman/poloniex-phoenix/internal/history"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// JobStatus 单个集合最近一次同步结果
type JobStatus struct {
	Collection string    `json:"collection"`
	Pages      int       `json:"pages"`
	Rows       int       `json:"rows"`
	Watermark  time.Time `json:"watermark"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// BackfillService 按配置回填所有市场
type BackfillService struct {
	syncer      *history.Syncer
	cfg         config.HistoryConfig
	concurrency int

	mu      sync.RWMutex
	status  map[string]JobStatus
	running bool
	lastRun time.Time
}

func NewBackfillService(syncer *history.Syncer, cfg config.HistoryConfig) *BackfillService {
	return &BackfillService{
		syncer:      syncer,
		cfg:         cfg,
		concurrency: 2,
		status:      make(map[string]JobStatus),
	}
}

type syncTask struct {
	collection string
	run        func(ctx context.Context) (history.Result, error)
}

func (s *BackfillService) tasks() []syncTask {
	var out []syncTask
	for _, pair := range s.cfg.ChartMarkets {
		pair := pair
		out = append(out, syncTask{history.ChartCollection(pair), func(ctx context.Context) (history.Result, error) {
			return s.syncer.SyncChart(ctx, pair)
		}})
	}
	for _, pair := range s.cfg.TradeMarkets {
		pair := pair
		out = append(out, syncTask{history.TradeCollection(pair), func(ctx context.Context) (history.Result, error) {
			return s.syncer.SyncTrades(ctx, pair)
		}})
	}
	for _, coin := range s.cfg.LendingCoins {
		coin := coin
		out = append(out, syncTask{history.LendingCollection + ":" + coin, func(ctx context.Context) (history.Result, error) {
			return s.syncer.SyncLending(ctx, coin)
		}})
	}
	return out
}

// RunOnce 执行一轮回填；单个集合失败不影响其他集合，返回合并后的错误
func (s *BackfillService) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.lastRun = time.Now()
		s.mu.Unlock()
	}()

	p := pool.New().WithErrors().WithMaxGoroutines(s.concurrency)
	for _, task := range s.tasks() {
		task := task
		p.Go(func() error {
			start := time.Now()
			res, err := task.run(ctx)
			st := JobStatus{
				Collection: task.collection,
				Pages:      res.Pages,
				Rows:       res.Rows,
				Watermark:  res.Watermark,
				FinishedAt: time.Now(),
			}
			if err != nil {
				st.Error = err.Error()
				log.Error().Err(err).Str("collection", task.collection).Msg("回填失败")
			} else {
				log.Info().
					Str("collection", task.collection).
					Int("pages", res.Pages).
					Int("rows", res.Rows).
					Time("watermark", res.Watermark).
					Dur("elapsed", time.Since(start)).
					Msg("回填完成")
			}
			s.mu.Lock()
			s.status[task.collection] = st
			s.mu.Unlock()
			return err
		})
	}
	return p.Wait()
}

// Run 按 interval 循环回填，直到 ctx 结束
func (s *BackfillService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("本轮回填存在失败")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Status 返回状态快照
func (s *BackfillService) Status() (running bool, lastRun time.Time, jobs []JobStatus) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs = make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		jobs = append(jobs, st)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Collection < jobs[j].Collection })
	return s.running, s.lastRun, jobs
}
