package rescanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hitushen/mcseeker/internal/mcproto"
	"github.com/hitushen/mcseeker/internal/models"
	"github.com/hitushen/mcseeker/internal/prober"
	"github.com/hitushen/mcseeker/internal/realtime"
	"github.com/hitushen/mcseeker/internal/store"
)

// Checker 是重扫流水线依赖的协议验证能力，测试时替换为假实现。
type Checker interface {
	Check(ctx context.Context, host string, port uint16) (*models.ServerRecord, mcproto.Result, error)
}

// LivenessFunc 执行一次廉价存活探测。
type LivenessFunc func(ctx context.Context, addr string, timeout time.Duration) bool

// Rescanner 遍历白名单未判定的记录，在加入预算内逐台登录分类。
type Rescanner struct {
	store    *store.Store
	checker  Checker
	broker   *realtime.Broker
	logger   zerolog.Logger
	limiter  *rate.Limiter
	liveness LivenessFunc
	timeout  time.Duration
}

// Option 配置 Rescanner。
type Option func(*Rescanner)

// WithLiveness 替换默认的 TCP 存活探测。
func WithLiveness(fn LivenessFunc) Option {
	return func(r *Rescanner) { r.liveness = fn }
}

// New 创建 Rescanner。budget 为滚动窗口 window 内允许的加入次数。
func New(st *store.Store, checker Checker, broker *realtime.Broker, logger zerolog.Logger,
	budget int, window time.Duration, timeout time.Duration, opts ...Option) *Rescanner {
	r := &Rescanner{
		store:    st,
		checker:  checker,
		broker:   broker,
		logger:   logger.With().Str("component", "rescanner").Logger(),
		limiter:  rate.NewLimiter(rate.Limit(float64(budget)/window.Seconds()), budget),
		liveness: prober.Probe,
		timeout:  timeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run 执行一轮重扫。生产者做存活探测并填充有界队列，消费者在
// 预算内完成登录分类并落库。取消只停止新的摄入，在途条目排空，
// 已持久化的行保持不变。
func (r *Rescanner) Run(ctx context.Context, batchLimit int) error {
	records, err := r.store.ListUndetermined(ctx, batchLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		r.logger.Info().Msg("no undetermined servers to rescan")
		return nil
	}
	r.logger.Info().Int("count", len(records)).Msg("rescan pass started")

	alive := make(chan models.ServerRecord, 16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(alive)
		for _, rec := range records {
			if ctx.Err() != nil {
				return
			}
			addr := rec.Addr()
			if !r.liveness(ctx, addr, r.timeout) {
				r.logger.Debug().Str("addr", addr).Msg("not reachable, skipping")
				continue
			}
			select {
			case alive <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	for rec := range alive {
		// 预算耗尽时阻塞等待下一个窗口，从不作为错误上抛。
		if err := r.limiter.Wait(ctx); err != nil {
			break
		}
		r.classifyOne(ctx, rec)
	}
	wg.Wait()

	r.logger.Info().Msg("rescan pass finished")
	return ctx.Err()
}

// classifyOne 对单台服务器执行分类并持久化。单台失败只记日志，
// 不中断整轮。
func (r *Rescanner) classifyOne(ctx context.Context, rec models.ServerRecord) {
	updated, res, err := r.checker.Check(ctx, rec.IP, uint16(rec.Port))
	if err != nil {
		if errors.Is(err, mcproto.ErrImplausibleStatus) {
			// 蜜罐嫌疑：不写入任何数据。
			return
		}
		r.logger.Warn().Str("addr", rec.Addr()).Err(err).Msg("classification failed")
		if err := r.store.SetWhitelist(ctx, rec.IP, rec.Port, nil); err != nil {
			r.logger.Error().Str("addr", rec.Addr()).Err(err).Msg("persist failed")
		}
		return
	}

	if err := r.store.Upsert(ctx, updated); err != nil {
		r.logger.Error().Str("addr", rec.Addr()).Err(err).Msg("persist failed")
		return
	}
	r.broker.Publish(realtime.Event{
		Type: realtime.EventJoinClassified,
		IP:   rec.IP,
		Port: rec.Port,
		Payload: map[string]string{
			"outcome": res.Outcome.String(),
		},
	})
}
