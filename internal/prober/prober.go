package prober

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hitushen/mcseeker/internal/addrspace"
)

// 校正系数的钳制范围。比例控制器本身无界，吞吐崩塌时会发散，
// 钳制后才能收敛回目标速率。
const (
	MinCorrection = 0.05
	MaxCorrection = 5.0
)

// DialFunc 执行一次连接探测，nil 错误视为端口开放。
type DialFunc func(ctx context.Context, addr string) error

// TuningState 是任务结束时交还给调用方持久化的调优状态。
// 探测器自身从不回写配置。
type TuningState struct {
	CorrectionFactor float64
}

// Progress 在每个批次结束后上报一次。
type Progress struct {
	AchievedPPS float64
	Percent     float64
	ETA         time.Duration
}

// Prober 以自适应速率驱动并发 TCP 连接探测。
type Prober struct {
	dial       DialFunc
	logger     zerolog.Logger
	correction float64
	onProgress func(Progress)
}

// Option 配置 Prober。
type Option func(*Prober)

// WithDialFunc 替换默认的 TCP 拨号，测试时注入假拨号器。
func WithDialFunc(d DialFunc) Option {
	return func(p *Prober) { p.dial = d }
}

// WithProgress 注册批次进度回调。
func WithProgress(fn func(Progress)) Option {
	return func(p *Prober) { p.onProgress = fn }
}

// New 创建 Prober，correction 为初始校正系数。
func New(logger zerolog.Logger, correction float64, opts ...Option) *Prober {
	p := &Prober{
		logger:     logger.With().Str("component", "prober").Logger(),
		correction: clamp(correction),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dial == nil {
		p.dial = tcpDial
	}
	return p
}

// Run 循环发出并发探测批次直至生成器耗尽或上下文取消。
// 批次大小 = targetPPS × timeout × correction；每批结束后按
// 实测速率修正系数。任何一次连接成功都将地址标记为已验证，
// 协议确认交由后续阶段完成。
func (p *Prober) Run(ctx context.Context, gen *addrspace.Generator, timeout time.Duration, targetPPS int) (TuningState, error) {
	if targetPPS <= 0 {
		return TuningState{CorrectionFactor: p.correction}, fmt.Errorf("target pps must be positive, got %d", targetPPS)
	}
	total := gen.Total()

	for {
		if err := ctx.Err(); err != nil {
			// 取消：不再发起新批次，已完成的验证结果保留。
			return TuningState{CorrectionFactor: p.correction}, err
		}

		size := int(float64(targetPPS) * timeout.Seconds() * p.correction)
		if size < 1 {
			size = 1
		}

		batch := make([]addrspace.Address, 0, size)
		for len(batch) < size {
			a, ok := gen.Next()
			if !ok {
				break
			}
			batch = append(batch, a)
		}
		if len(batch) == 0 {
			return TuningState{CorrectionFactor: p.correction}, nil
		}

		start := time.Now()
		if err := p.probeBatch(ctx, gen, batch, timeout); err != nil {
			// 批内未处理的异常使整个任务快速失败，而不是悄悄跳过。
			gen.Cancel()
			return TuningState{CorrectionFactor: p.correction}, err
		}
		elapsed := time.Since(start)
		if elapsed <= 0 {
			elapsed = time.Millisecond
		}

		achieved := float64(len(batch)) / elapsed.Seconds()
		p.correction = clamp(p.correction * (2 - achieved/float64(targetPPS)))

		remaining := gen.Remaining()
		prog := Progress{
			AchievedPPS: achieved,
			Percent:     float64(total-remaining) / float64(total) * 100,
			ETA:         time.Duration(float64(remaining) / achieved * float64(time.Second)),
		}
		p.logger.Info().
			Float64("pps", prog.AchievedPPS).
			Float64("percent", prog.Percent).
			Dur("eta", prog.ETA).
			Float64("correction", p.correction).
			Msg("batch complete")
		if p.onProgress != nil {
			p.onProgress(prog)
		}
	}
}

func (p *Prober) probeBatch(ctx context.Context, gen *addrspace.Generator, batch []addrspace.Address, timeout time.Duration) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var batchErr error

	for _, a := range batch {
		wg.Add(1)
		go func(a addrspace.Address) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					if batchErr == nil {
						batchErr = fmt.Errorf("probe %s panicked: %v", a, r)
					}
					mu.Unlock()
				}
			}()

			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := p.dial(probeCtx, a.String()); err != nil {
				// 超时、拒绝或系统错误：本任务内直接丢弃，不重试。
				return
			}
			gen.Validate(a)
		}(a)
	}
	wg.Wait()
	return batchErr
}

// Probe 执行一次独立的廉价存活探测，供重新验证流水线复用。
func Probe(ctx context.Context, addr string, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return tcpDial(probeCtx, addr) == nil
}

func tcpDial(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func clamp(v float64) float64 {
	if v < MinCorrection {
		return MinCorrection
	}
	if v > MaxCorrection {
		return MaxCorrection
	}
	return v
}
