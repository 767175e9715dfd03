package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"candlepipe/internal/logger"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusPartial = "partial"
	JobStatusFailed  = "failed"
)

// FetchParams 描述一次拉取任务的目标区间（Unix 秒，未对齐也可以）。
type FetchParams struct {
	Product string `json:"product"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
}

// FetchJob 为任务快照。Total/Present 以区间内应有/已有 bar 数计。
type FetchJob struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	Params    FetchParams `json:"params"`
	Total     int64       `json:"total"`
	Present   int64       `json:"present"`
	Inserted  int64       `json:"inserted"`
	Requests  int         `json:"requests"`
	Missing   []Gap       `json:"missing,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
	Message   string      `json:"message,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (j *FetchJob) copy() FetchJob {
	out := *j
	out.Missing = append([]Gap{}, j.Missing...)
	out.Warnings = append([]string{}, j.Warnings...)
	return out
}

// ServiceConfig 配置 Service。
type ServiceConfig struct {
	Store          *Store
	Source         CandleSource
	Granularity    Granularity
	MaxPoints      int     // 单请求 bar 数上限（Coinbase 为 300）
	RequestsPerSec float64 // 请求节奏；2/s 约等于原先每请求 sleep 0.5s
}

// Service 负责把一个大区间切成不超过 MaxPoints 的窗口，
// 顺序拉取、限速、幂等写库，并维护任务状态。拉取始终是串行的。
type Service struct {
	store     *Store
	source    CandleSource
	gran      Granularity
	maxPoints int
	limiter   *rate.Limiter

	mu   sync.RWMutex
	jobs map[string]*FetchJob

	baseCtx context.Context
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store 不能为空")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("source 不能为空")
	}
	if cfg.Granularity.Seconds <= 0 {
		return nil, fmt.Errorf("granularity 未初始化")
	}
	maxPoints := cfg.MaxPoints
	if maxPoints <= 0 || maxPoints > 300 {
		maxPoints = 300
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 2
	}
	return &Service{
		store:     cfg.Store,
		source:    cfg.Source,
		gran:      cfg.Granularity,
		maxPoints: maxPoints,
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		jobs:      make(map[string]*FetchJob),
		baseCtx:   context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于异步任务取消。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

func (s *Service) Granularity() Granularity { return s.gran }

// SubmitFetch 注册任务并异步执行；区间已完整时直接标记完成。
func (s *Service) SubmitFetch(params FetchParams) (FetchJob, error) {
	job, report, err := s.register(params)
	if err != nil {
		return FetchJob{}, err
	}
	if report.Complete() {
		s.setJobStatus(job.ID, JobStatusDone, "数据已完整，无需拉取", nil)
		snap, _ := s.JobSnapshot(job.ID)
		return snap, nil
	}
	go func() {
		if err := s.runJob(s.ctx(), job.ID, report); err != nil {
			logger.Warnf("[pipeline] 任务 %s 失败: %v", job.ID, err)
		}
	}()
	return job, nil
}

// RunSync 注册任务并同步执行到结束，CLI 用。
func (s *Service) RunSync(ctx context.Context, params FetchParams) (FetchJob, error) {
	job, report, err := s.register(params)
	if err != nil {
		return FetchJob{}, err
	}
	if report.Complete() {
		s.setJobStatus(job.ID, JobStatusDone, "数据已完整，无需拉取", nil)
	} else if err := s.runJob(ctx, job.ID, report); err != nil {
		snap, _ := s.JobSnapshot(job.ID)
		return snap, err
	}
	snap, _ := s.JobSnapshot(job.ID)
	return snap, nil
}

func (s *Service) register(params FetchParams) (FetchJob, IntegrityReport, error) {
	if params.Product == "" {
		return FetchJob{}, IntegrityReport{}, fmt.Errorf("product 不能为空")
	}
	start, end := s.gran.AlignRange(params.Start, params.End)
	if start == end {
		return FetchJob{}, IntegrityReport{}, fmt.Errorf("start 与 end 需要构成区间")
	}
	params.Start = start
	params.End = end

	report, err := s.store.CheckIntegrity(s.ctx(), params.Product, s.gran, start, end)
	if err != nil {
		return FetchJob{}, IntegrityReport{}, err
	}
	job := &FetchJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		Params:    params,
		Total:     report.Expected,
		Present:   report.Present,
		Missing:   append([]Gap{}, report.Gaps...),
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	logger.Infof("[pipeline] 任务 %s 提交：%s [%d,%d] 预计=%d 已有=%d 缺口=%d",
		job.ID, params.Product, start, end, report.Expected, report.Present, len(report.Gaps))
	return job.copy(), report, nil
}

// runJob 逐缺口、逐窗口拉取。单个窗口跨度不超过 maxPoints 根 bar，
// 游标按窗口推进，和数据源返回多少无关，保证一定收敛。
func (s *Service) runJob(ctx context.Context, jobID string, report IntegrityReport) error {
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = JobStatusRunning
		j.Message = ""
	})
	job, _ := s.JobSnapshot(jobID)
	params := job.Params
	step := s.gran.Step()
	span := step * int64(s.maxPoints-1)
	var warnings []string

	for _, gap := range report.Gaps {
		cursor := gap.From
		for cursor <= gap.To {
			if err := ctx.Err(); err != nil {
				s.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
				return err
			}
			if err := s.limiter.Wait(ctx); err != nil {
				s.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
				return err
			}
			winEnd := cursor + span
			if winEnd > gap.To {
				winEnd = gap.To
			}
			req := FetchRequest{
				Product:     params.Product,
				Start:       cursor,
				End:         winEnd,
				Granularity: s.gran.Seconds,
			}
			data, err := s.source.Fetch(ctx, req)
			if err != nil {
				msg := fmt.Sprintf("%s 拉取失败: %v", s.source.Name(), err)
				s.setJobStatus(jobID, JobStatusFailed, msg, nil)
				return fmt.Errorf("%s", msg)
			}
			s.updateJob(jobID, func(j *FetchJob) { j.Requests++ })
			if len(data) == 0 {
				warnings = append(warnings, fmt.Sprintf("区间 [%d,%d] 无数据", cursor, winEnd))
			} else {
				inserted, err := s.store.InsertCandles(ctx, data.Clip(cursor, winEnd))
				if err != nil {
					msg := fmt.Sprintf("写入失败: %v", err)
					s.setJobStatus(jobID, JobStatusFailed, msg, nil)
					return fmt.Errorf("%s", msg)
				}
				s.updateJob(jobID, func(j *FetchJob) {
					j.Inserted += int64(inserted)
					j.UpdatedAt = time.Now()
				})
				logger.Debugf("[pipeline] %s [%d,%d] 返回 %d 根，新增 %d",
					params.Product, cursor, winEnd, len(data), inserted)
			}
			cursor = winEnd + step
		}
	}

	final, err := s.store.CheckIntegrity(ctx, params.Product, s.gran, params.Start, params.End)
	if err != nil {
		warnings = append(warnings, "完整性检查失败: "+err.Error())
		s.updateJob(jobID, func(j *FetchJob) {
			j.Status = JobStatusFailed
			j.Warnings = warnings
			j.UpdatedAt = time.Now()
		})
		return err
	}
	status := JobStatusDone
	message := "拉取完成"
	if !final.Complete() {
		status = JobStatusPartial
		message = "已完成，但仍存在缺口"
	}
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Present = final.Present
		j.Missing = append([]Gap{}, final.Gaps...)
		j.Warnings = append([]string{}, warnings...)
		j.UpdatedAt = time.Now()
	})
	logger.Infof("[pipeline] 任务 %s 完成，状态=%s，已有=%d/%d，缺口=%d",
		jobID, status, final.Present, final.Expected, len(final.Gaps))
	return nil
}

func (s *Service) setJobStatus(jobID, status, message string, gaps []Gap) {
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, gaps...)
		j.UpdatedAt = time.Now()
	})
}

func (s *Service) updateJob(id string, fn func(*FetchJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && fn != nil {
		fn(job)
	}
}

// JobSnapshot 返回任务副本。
func (s *Service) JobSnapshot(id string) (FetchJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return FetchJob{}, false
	}
	return job.copy(), true
}

// Jobs 返回全部任务快照（按提交时间升序）。
func (s *Service) Jobs() []FetchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FetchJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
