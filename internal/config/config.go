package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 汇总服务运行时所需的全部配置。
type Config struct {
	Addr          string
	AdminUser     string
	AdminPassword string
	SessionKey    []byte
	CSRFKey       []byte
	DBPath        string

	// 扫描相关配置。
	ScanRanges       []string
	PortStart        int
	PortEnd          int
	TargetPPS        int
	CorrectionFactor float64
	ProbeTimeout     time.Duration
	ScanConcurrency  int

	// 重新验证（session join）相关配置。
	JoinBudget int
	JoinWindow time.Duration

	// Microsoft OAuth 应用配置。
	AzureClientID    string
	AzureRedirectURI string
}

// Load 从环境变量构建配置，并提供合理的默认值。
// 配置错误只在启动时致命，运行中不会再读取环境。
func Load() (*Config, error) {
	cfg := &Config{
		Addr:             getenv("MCSEEKER_HTTP_ADDR", ":8080"),
		AdminUser:        getenv("MCSEEKER_ADMIN_USER", "admin"),
		AdminPassword:    getenv("MCSEEKER_ADMIN_PASS", "admin123"),
		SessionKey:       []byte(getenv("MCSEEKER_SESSION_KEY", "0123456789abcdef0123456789abcdef")),
		CSRFKey:          []byte(getenv("MCSEEKER_CSRF_KEY", "abcdef0123456789abcdef0123456789")),
		DBPath:           getenv("MCSEEKER_DB_PATH", "data/mcseeker.db"),
		ScanRanges:       splitEnv("MCSEEKER_SCAN_RANGES"),
		PortStart:        intEnv("MCSEEKER_PORT_START", 25560),
		PortEnd:          intEnv("MCSEEKER_PORT_END", 25575),
		TargetPPS:        intEnv("MCSEEKER_TARGET_PPS", 1000),
		CorrectionFactor: floatEnv("MCSEEKER_CORRECTION_FACTOR", 1.0),
		ProbeTimeout:     durationEnv("MCSEEKER_PROBE_TIMEOUT", 2*time.Second),
		ScanConcurrency:  intEnv("MCSEEKER_SCAN_CONCURRENCY", 4),
		JoinBudget:       intEnv("MCSEEKER_JOIN_BUDGET", 300),
		JoinWindow:       durationEnv("MCSEEKER_JOIN_WINDOW", 10*time.Minute),
		AzureClientID:    getenv("MCSEEKER_AZURE_CLIENT_ID", ""),
		AzureRedirectURI: getenv("MCSEEKER_AZURE_REDIRECT_URI", "http://localhost:8080/auth/callback"),
	}

	if len(cfg.SessionKey) < 32 {
		return nil, fmt.Errorf("session key must be at least 32 bytes, got %d", len(cfg.SessionKey))
	}
	if len(cfg.CSRFKey) < 32 {
		return nil, fmt.Errorf("csrf key must be at least 32 bytes, got %d", len(cfg.CSRFKey))
	}
	if cfg.AdminUser == "" || cfg.AdminPassword == "" {
		return nil, fmt.Errorf("admin credentials must not be empty")
	}
	if cfg.PortStart < 1 || cfg.PortEnd > 65535 || cfg.PortEnd < cfg.PortStart {
		return nil, fmt.Errorf("invalid port range %d-%d", cfg.PortStart, cfg.PortEnd)
	}
	if cfg.TargetPPS <= 0 {
		return nil, fmt.Errorf("target pps must be positive")
	}
	if cfg.CorrectionFactor <= 0 {
		return nil, fmt.Errorf("correction factor must be positive")
	}
	if cfg.ScanConcurrency <= 0 {
		return nil, fmt.Errorf("scan concurrency must be positive")
	}
	if cfg.JoinBudget <= 0 || cfg.JoinWindow <= 0 {
		return nil, fmt.Errorf("join budget and window must be positive")
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func splitEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func intEnv(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func floatEnv(key string, fallback float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return f
}
