package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hitushen/mcseeker/internal/addrspace"
	"github.com/hitushen/mcseeker/internal/mcproto"
	"github.com/hitushen/mcseeker/internal/prober"
	"github.com/hitushen/mcseeker/internal/realtime"
	"github.com/hitushen/mcseeker/internal/store"
	"github.com/hitushen/mcseeker/internal/targets"
)

// 校正系数在 tuning 表中的键。
const tuningKey = "prober_correction"

// 任务状态。
const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Job 是一个 /24 分片的扫描任务。
type Job struct {
	ID     string
	CIDR   string
	PortLo int
	PortHi int
}

// Manager 负责协调后台地址段扫描任务。
type Manager struct {
	store        *store.Store
	broker       *realtime.Broker
	logger       zerolog.Logger
	validator    *mcproto.Validator
	targetPPS    int
	correction   float64
	timeout      time.Duration
	jobs         chan Job
	wg           sync.WaitGroup
	stopCh       chan struct{}
	shutdownOnce sync.Once
	ctx          context.Context
	cancel       context.CancelFunc

	mu     sync.Mutex
	status map[string]string
}

// NewManager 按照指定参数启动工作协程执行扫描。
func NewManager(st *store.Store, broker *realtime.Broker, logger zerolog.Logger,
	validator *mcproto.Validator, targetPPS int, correction float64, timeout time.Duration, concurrency int) *Manager {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:      st,
		broker:     broker,
		logger:     logger.With().Str("component", "scanner").Logger(),
		validator:  validator,
		targetPPS:  targetPPS,
		correction: correction,
		timeout:    timeout,
		jobs:       make(chan Job, concurrency*4),
		stopCh:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		status:     make(map[string]string),
	}
	for i := 0; i < concurrency; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Enqueue 把目标网段拆成 /24 分片排入扫描队列，返回任务 ID 列表。
func (m *Manager) Enqueue(cidr string, portLo, portHi int) ([]string, error) {
	norm := targets.Normalize(cidr)
	if norm == "" {
		return nil, fmt.Errorf("invalid cidr %q", cidr)
	}
	if portLo < 1 || portHi > 65535 || portHi < portLo {
		return nil, fmt.Errorf("invalid port range %d-%d", portLo, portHi)
	}
	shards, err := targets.SplitSubnet(norm)
	if err != nil {
		return nil, err
	}

	m.broker.Publish(realtime.Event{
		Type: realtime.EventScanStarted,
		Payload: map[string]interface{}{
			"cidr":   norm,
			"shards": len(shards),
		},
	})

	ids := make([]string, 0, len(shards))
	for _, shard := range shards {
		job := Job{ID: uuid.NewString(), CIDR: shard, PortLo: portLo, PortHi: portHi}
		select {
		case m.jobs <- job:
			m.setStatus(job.ID, JobQueued)
			ids = append(ids, job.ID)
		case <-m.stopCh:
			return ids, nil
		}
	}
	m.logger.Info().Str("cidr", norm).Int("shards", len(shards)).Msg("scan enqueued")
	return ids, nil
}

// JobStatus 返回任务的当前状态。
func (m *Manager) JobStatus(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[id]
	return s, ok
}

// StartTicker 启动周期任务，定期执行给定回调（如重扫一轮）。
func (m *Manager) StartTicker(interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 || fn == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(m.ctx)
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Close 优雅停止所有扫描协程。
func (m *Manager) Close() {
	m.shutdownOnce.Do(func() {
		close(m.stopCh)
		m.cancel()
	})
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	// jobs 通道从不关闭，否则 Enqueue 可能向已关闭的通道发送。
	// 工作协程通过 stopCh 退出，停机后队列中剩余的任务被放弃。
	for {
		select {
		case job := <-m.jobs:
			m.handleJob(job)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) handleJob(job Job) {
	m.setStatus(job.ID, JobRunning)
	start := time.Now()
	m.logger.Info().Str("job", job.ID).Str("cidr", job.CIDR).Msg("shard scan started")

	found, err := m.scanShard(job)
	if err != nil {
		m.logger.Error().Str("job", job.ID).Err(err).Msg("shard scan failed")
		m.setStatus(job.ID, JobFailed)
	} else {
		m.setStatus(job.ID, JobDone)
	}

	m.broker.Publish(realtime.Event{
		Type: realtime.EventScanFinished,
		Payload: map[string]interface{}{
			"job":      job.ID,
			"cidr":     job.CIDR,
			"found":    found,
			"success":  err == nil,
			"duration": time.Since(start).Truncate(time.Millisecond).String(),
		},
	})
}

// scanShard 对单个 /24 分片执行探测与指纹流水线，返回确认的
// 服务器数量。
func (m *Manager) scanShard(job Job) (int, error) {
	gen, err := addrspace.New(job.CIDR, job.PortLo, job.PortHi)
	if err != nil {
		return 0, err
	}

	correction := m.store.LoadTuning(m.ctx, tuningKey, m.correction)
	p := prober.New(m.logger, correction, prober.WithProgress(func(prog prober.Progress) {
		m.broker.Publish(realtime.Event{
			Type: realtime.EventScanProgress,
			Payload: map[string]interface{}{
				"job":     job.ID,
				"pps":     prog.AchievedPPS,
				"percent": prog.Percent,
				"eta":     prog.ETA.Truncate(time.Second).String(),
			},
		})
	}))

	state, runErr := p.Run(m.ctx, gen, m.timeout, m.targetPPS)
	// 调优状态由调用方落库，探测器自己从不回写。
	if err := m.store.SaveTuning(context.Background(), tuningKey, state.CorrectionFactor); err != nil {
		m.logger.Warn().Err(err).Msg("save tuning state failed")
	}
	if runErr != nil {
		return 0, runErr
	}

	found := 0
	for {
		a, ok := gen.GetValid()
		if !ok {
			break
		}
		if m.fingerprint(a.Host(), a.Port) {
			found++
		}
	}
	return found, nil
}

// fingerprint 对端口开放的地址做协议级确认并入库。
func (m *Manager) fingerprint(host string, port uint16) bool {
	rec, _, err := m.validator.Status(m.ctx, host, port)
	if err != nil {
		// 端口开放但不是可信的 Minecraft 服务端，丢弃。
		m.logger.Debug().Str("host", host).Uint16("port", port).Err(err).Msg("fingerprint rejected")
		return false
	}
	if err := m.store.Upsert(m.ctx, rec); err != nil {
		m.logger.Error().Str("host", host).Err(err).Msg("upsert failed")
		return false
	}
	m.broker.Publish(realtime.Event{
		Type:    realtime.EventServerFound,
		IP:      host,
		Port:    int(port),
		Payload: rec,
	})
	return true
}

func (m *Manager) setStatus(id, s string) {
	m.mu.Lock()
	m.status[id] = s
	m.mu.Unlock()
}
