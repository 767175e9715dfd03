// Package app 负责应用级编排：加载配置→初始化依赖→执行拉取/绘图/服务。
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"candlepipe/internal/analysis"
	"candlepipe/internal/analysis/visual"
	"candlepipe/internal/config"
	"candlepipe/internal/logger"
	"candlepipe/internal/pipeline"
	"candlepipe/internal/runlog"
	"candlepipe/internal/server"
)

type App struct {
	cfg   *config.Config
	gran  pipeline.Granularity
	store *pipeline.Store
	svc   *pipeline.Service
	runs  *runlog.Store // 可为 nil
}

// New 根据配置构建应用对象（不启动）。
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	gran, err := pipeline.ParseGranularity(cfg.Coinbase.Granularity)
	if err != nil {
		return nil, err
	}
	store, err := pipeline.NewStore(cfg.Pipeline.DBPath)
	if err != nil {
		return nil, fmt.Errorf("初始化 K 线库失败: %w", err)
	}
	source := pipeline.NewCoinbaseSource(cfg.Coinbase.BaseURL)
	svc, err := pipeline.NewService(pipeline.ServiceConfig{
		Store:          store,
		Source:         source,
		Granularity:    gran,
		MaxPoints:      cfg.Coinbase.MaxPoints,
		RequestsPerSec: cfg.Coinbase.RequestsPerSec,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var runs *runlog.Store
	if cfg.RunLog.Path != "" {
		runs, err = runlog.NewStore(cfg.RunLog.Path)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("初始化 runlog 失败: %w", err)
		}
	}
	return &App{cfg: cfg, gran: gran, store: store, svc: svc, runs: runs}, nil
}

func (a *App) Close() {
	if a.runs != nil {
		_ = a.runs.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Store 暴露底层 K 线库（chart 子命令直接读库）。
func (a *App) Store() *pipeline.Store { return a.store }

// Fetch 对配置的全部 product 顺序执行拉取，返回总新增行数。
func (a *App) Fetch(ctx context.Context) (int64, error) {
	start, end, err := a.cfg.Pipeline.Range()
	if err != nil {
		return 0, err
	}
	if a.cfg.Pipeline.Reset {
		logger.Warnf("[app] pipeline.reset=true，清空已有数据")
		if err := a.store.Reset(ctx); err != nil {
			return 0, err
		}
	}
	a.svc.SetContext(ctx)

	runRec := &runlog.RunRecord{
		StartedAt:  time.Now().Unix(),
		Products:   runlog.ProductsJSON(a.cfg.Pipeline.Products),
		RangeStart: start.Unix(),
		RangeEnd:   end.Unix(),
		Status:     pipeline.JobStatusDone,
	}
	var totalInserted int64
	for _, product := range a.cfg.Pipeline.Products {
		job, err := a.svc.RunSync(ctx, pipeline.FetchParams{
			Product: product,
			Start:   start.Unix(),
			End:     end.Unix(),
		})
		runRec.Inserted += job.Inserted
		runRec.Requests += int64(job.Requests)
		if err != nil {
			runRec.Status = pipeline.JobStatusFailed
			runRec.Message = err.Error()
			a.recordRun(ctx, runRec)
			return totalInserted, err
		}
		if job.Status != pipeline.JobStatusDone {
			runRec.Status = job.Status
			runRec.Message = job.Message
		}
		totalInserted += job.Inserted
		logger.Infof("[app] %s 完成：新增=%d 请求=%d 状态=%s", product, job.Inserted, job.Requests, job.Status)
	}
	a.recordRun(ctx, runRec)
	return totalInserted, nil
}

func (a *App) recordRun(ctx context.Context, rec *runlog.RunRecord) {
	if a.runs == nil {
		return
	}
	rec.FinishedAt = time.Now().Unix()
	if err := a.runs.Record(ctx, rec); err != nil {
		logger.Warnf("[app] 写入 runlog 失败: %v", err)
	}
}

// RenderChart 聚合并落盘图表，返回写入的文件路径。
func (a *App) RenderChart(ctx context.Context) (string, error) {
	series, err := analysis.HourlySeries(ctx, a.store, a.cfg.Pipeline.Products, 0, 0)
	if err != nil {
		return "", err
	}
	path, err := visual.SaveChart(ctx, series, a.cfg.Chart.Output, a.cfg.Chart.Width, a.cfg.Chart.Height)
	if err != nil {
		return "", err
	}
	logger.Infof("[app] 图表已写入 %s", path)
	return path, nil
}

// RunPipeline 为一次完整流水线：拉取 → 聚合 → 绘图。
func (a *App) RunPipeline(ctx context.Context) error {
	inserted, err := a.Fetch(ctx)
	if err != nil {
		return err
	}
	logger.Infof("[app] 拉取阶段结束，共新增 %d 行", inserted)
	if _, err := a.RenderChart(ctx); err != nil {
		return err
	}
	logger.Infof("[app] pipeline 结束")
	return nil
}

// Serve 启动 HTTP 服务；配置了 sync_interval 时附带周期性尾部补拉。
func (a *App) Serve(ctx context.Context) error {
	a.svc.SetContext(ctx)
	srv, err := server.New(server.Config{
		Addr:        a.cfg.Server.Addr,
		Svc:         a.svc,
		Store:       a.store,
		Runs:        a.runs,
		Products:    a.cfg.Pipeline.Products,
		ChartWidth:  a.cfg.Chart.Width,
		ChartHeight: a.cfg.Chart.Height,
	})
	if err != nil {
		return err
	}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Start(ctx)
	})
	if interval, ok := ParseIntervalDuration(a.cfg.Server.SyncInterval); ok {
		window, wok := ParseIntervalDuration(a.cfg.Server.SyncWindow)
		if !wok {
			window = 4 * time.Hour
		}
		group.Go(func() error {
			a.syncLoop(ctx, interval, window)
			return nil
		})
		logger.Infof("[app] 尾部补拉已开启：每 %s 回看 %s", interval, window)
	}
	return group.Wait()
}

// syncLoop 周期性补拉最近 window 的数据；缺口检测保证重复区间零成本。
func (a *App) syncLoop(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now().UTC()
		start := now.Add(-window)
		for _, product := range a.cfg.Pipeline.Products {
			job, err := a.svc.RunSync(ctx, pipeline.FetchParams{
				Product: product,
				Start:   start.Unix(),
				End:     now.Unix(),
			})
			if err != nil {
				logger.Warnf("[app] 补拉 %s 失败: %v", product, err)
				continue
			}
			if job.Inserted > 0 {
				logger.Infof("[app] 补拉 %s 新增 %d 行", product, job.Inserted)
			}
		}
	}
}
