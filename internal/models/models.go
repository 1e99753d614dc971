package models

import (
	"net"
	"strconv"
	"time"
)

// User 表示可登录操作面板的账户。
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Version 记录服务器上报的版本信息。
type Version struct {
	Name     string `json:"name"`
	Protocol int    `json:"protocol"`
}

// PlayerSample 是状态响应中采样到的单个玩家。
type PlayerSample struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// Players 记录玩家数量与采样列表。
type Players struct {
	Max    int            `json:"max"`
	Online int            `json:"online"`
	Sample []PlayerSample `json:"sample,omitempty"`
}

// ServerRecord 是以 (ip,port) 为键持久化的服务器档案。
// Cracked 与 Whitelist 为三态：nil 表示尚未判定。
type ServerRecord struct {
	IP           string   `json:"ip"`
	Port         int      `json:"port"`
	Version      Version  `json:"version"`
	Players      Players  `json:"players"`
	Description  string   `json:"description"`
	Favicon      string   `json:"favicon,omitempty"`
	Cracked      *bool    `json:"cracked"`
	HasForgeData bool     `json:"hasForgeData"`
	Whitelist    *bool    `json:"whitelist"`
	LastSeen     int64    `json:"lastSeen"`
}

// Addr 返回 host:port 形式的连接地址。
func (r *ServerRecord) Addr() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// AuthSession 保存一次完整认证链的全部令牌，只存在于内存，绝不落盘。
type AuthSession struct {
	AccessToken    string
	XBLToken       string
	XSTSToken      string
	MinecraftToken string
	UUID           string
	Name           string
}

// JoinOutcome 是登录验证的封闭结果枚举。
type JoinOutcome int

const (
	OutcomeUnknown JoinOutcome = iota
	OutcomeWhitelisted
	OutcomePremiumNotWhitelisted
	OutcomeCracked
	OutcomeHoneypot
	OutcomeIncompatible
	OutcomeModded
)

// String 返回结果的稳定名称。
func (o JoinOutcome) String() string {
	switch o {
	case OutcomeWhitelisted:
		return "WHITELISTED"
	case OutcomePremiumNotWhitelisted:
		return "PREMIUM_NOT_WHITELISTED"
	case OutcomeCracked:
		return "CRACKED"
	case OutcomeHoneypot:
		return "HONEYPOT"
	case OutcomeIncompatible:
		return "INCOMPATIBLE"
	case OutcomeModded:
		return "MODDED"
	default:
		return "UNKNOWN"
	}
}

// WhitelistState 把结果映射到白名单三态。
// 只有 WHITELISTED/PREMIUM_NOT_WHITELISTED 给出确定值，其余一律未判定。
func (o JoinOutcome) WhitelistState() *bool {
	switch o {
	case OutcomeWhitelisted:
		v := true
		return &v
	case OutcomePremiumNotWhitelisted:
		v := false
		return &v
	default:
		return nil
	}
}
