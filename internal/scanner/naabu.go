package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/projectdiscovery/goflags"
	"github.com/projectdiscovery/naabu/v2/pkg/result"
	"github.com/projectdiscovery/naabu/v2/pkg/runner"

	"github.com/hitushen/mcseeker/internal/realtime"
	"github.com/hitushen/mcseeker/internal/targets"
)

// Discover 用 naabu 对宽网段做快速端口发现，开放端口直接送入
// 协议指纹阶段。自调速探测器按 /24 分片精扫，这里走 SYN 批量
// 路线，适合 /16 以上的粗筛。返回确认的服务器数量。
func (m *Manager) Discover(ctx context.Context, cidr string, portLo, portHi int) (int, error) {
	norm := targets.Normalize(cidr)
	if norm == "" {
		return 0, fmt.Errorf("invalid cidr %q", cidr)
	}

	m.broker.Publish(realtime.Event{
		Type: realtime.EventScanStarted,
		Payload: map[string]interface{}{
			"cidr": norm,
			"mode": "discovery",
		},
	})

	found := 0
	err := runNaabu(ctx, norm, fmt.Sprintf("%d-%d", portLo, portHi), m.targetPPS, m.timeout,
		func(ip string, port int) {
			if m.fingerprint(ip, uint16(port)) {
				found++
			}
		})

	m.broker.Publish(realtime.Event{
		Type: realtime.EventScanFinished,
		Payload: map[string]interface{}{
			"cidr":    norm,
			"mode":    "discovery",
			"found":   found,
			"success": err == nil,
		},
	})
	return found, err
}

func runNaabu(ctx context.Context, cidr, ports string, rate int, timeout time.Duration, onOpen func(ip string, port int)) error {
	onResult := func(hr *result.HostResult) {
		if hr == nil {
			return
		}
		for _, p := range hr.Ports {
			if p == nil {
				continue
			}
			onOpen(hr.IP, p.Port)
		}
	}

	opts := runner.Options{
		Host:     goflags.StringSlice{cidr},
		ScanType: "c",
		OnResult: onResult,
		JSON:     false,
		NoColor:  true,
		Verbose:  false,
		Stdin:    false,
		Stream:   true,
		Ports:    ports,
		Retries:  1,
		Rate:     rate,
		Timeout:  timeout,
	}

	r, err := runner.NewRunner(&opts)
	if err != nil {
		return fmt.Errorf("naabu runner init: %w", err)
	}
	defer r.Close()

	if err := r.RunEnumeration(ctx); err != nil {
		return fmt.Errorf("naabu enumeration: %w", err)
	}
	return nil
}
