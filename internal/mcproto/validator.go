package mcproto

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/hitushen/mcseeker/internal/models"
)

// ErrImplausibleStatus 表示状态载荷结构可疑，该地址不应入库。
var ErrImplausibleStatus = errors.New("mcproto: status payload is implausible")

// 首次登录尝试使用的协议号，对应 1.20.1。
const defaultLoginProtocol = 763

// Validator 对已确认存活的地址执行状态查询与登录分类，
// 产出完整的入库载荷。
type Validator struct {
	logger  zerolog.Logger
	acct    Account
	joiner  SessionJoiner
	timeout time.Duration
}

// NewValidator 创建协议验证器。acct 可为零值，此时只做状态查询。
func NewValidator(logger zerolog.Logger, acct Account, joiner SessionJoiner, timeout time.Duration) *Validator {
	return &Validator{
		logger:  logger.With().Str("component", "validator").Logger(),
		acct:    acct,
		joiner:  joiner,
		timeout: timeout,
	}
}

// CanClassify 报告验证器是否持有可用于登录分类的账户凭据。
func (v *Validator) CanClassify() bool {
	return v.acct.Token != "" && v.joiner != nil
}

// Status 查询目标状态并构建记录。网络故障重试一次；
// 结构可疑的载荷返回 ErrImplausibleStatus，调用方跳过入库。
func (v *Validator) Status(ctx context.Context, host string, port uint16) (*models.ServerRecord, *StatusResponse, error) {
	status, err := Status(ctx, host, port, v.timeout)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return nil, nil, err
		}
		// 每轮每地址最多重试一次网络故障。
		status, err = Status(ctx, host, port, v.timeout)
		if err != nil {
			return nil, nil, err
		}
	}
	if !status.Plausible() {
		return nil, status, ErrImplausibleStatus
	}
	rec := status.Record(host, int(port))
	return &rec, status, nil
}

// Classify 对目标执行登录分类。先用默认协议号尝试；若服务端以
// 版本不兼容踢出且状态应答报告了不同的协议号，则用它重试一次。
func (v *Validator) Classify(ctx context.Context, host string, port uint16, statusProtocol int) Result {
	res := v.loginOnce(ctx, host, port, defaultLoginProtocol)

	if res.Outcome == models.OutcomeIncompatible &&
		statusProtocol > 0 && statusProtocol != defaultLoginProtocol {
		retry := v.loginOnce(ctx, host, port, int32(statusProtocol))
		if retry.Outcome != models.OutcomeUnknown {
			res = retry
		}
	}
	return res
}

func (v *Validator) loginOnce(ctx context.Context, host string, port uint16, protocol int32) Result {
	res := Login(ctx, host, port, protocol, v.acct, v.joiner, v.timeout)
	if retryableLogin(res) {
		res = Login(ctx, host, port, protocol, v.acct, v.joiner, v.timeout)
	}
	return res
}

// retryableLogin 只放行网络类故障的单次重试。协议违例是确定性的，
// 重跑不会得到不同结果。
func retryableLogin(res Result) bool {
	if res.Outcome != models.OutcomeUnknown || res.Err == nil {
		return false
	}
	var perr *ProtocolError
	return !errors.As(res.Err, &perr)
}

// Check 执行完整流水线：状态、登录、结果合并。返回的记录可直接
// 入库；err 非空时该地址不应写入任何数据。
func (v *Validator) Check(ctx context.Context, host string, port uint16) (*models.ServerRecord, Result, error) {
	rec, status, err := v.Status(ctx, host, port)
	if err != nil {
		if errors.Is(err, ErrImplausibleStatus) {
			v.logger.Warn().Str("host", host).Uint16("port", port).
				Msg("implausible status payload, skipping")
			return nil, Result{Outcome: models.OutcomeHoneypot}, err
		}
		return nil, Result{}, err
	}

	if !v.CanClassify() {
		return rec, Result{}, nil
	}

	res := v.Classify(ctx, host, port, status.Version.Protocol)
	MergeOutcome(rec, res)
	v.logger.Info().Str("host", host).Uint16("port", port).
		Str("outcome", res.Outcome.String()).Msg("login classified")
	return rec, res, nil
}

// MergeOutcome 把登录分类结果并入服务器记录。
func MergeOutcome(rec *models.ServerRecord, res Result) {
	rec.Whitelist = res.Outcome.WhitelistState()
	switch res.Outcome {
	case models.OutcomeCracked:
		t := true
		rec.Cracked = &t
	case models.OutcomeWhitelisted, models.OutcomePremiumNotWhitelisted:
		f := false
		rec.Cracked = &f
	case models.OutcomeModded:
		rec.HasForgeData = true
	}
}
