package targets

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Normalize 裁剪操作者输入并补全缺失的前缀长度。
// 裸 IP 视为 /24，与原始扫描范围的粒度保持一致。
func Normalize(mask string) string {
	mask = strings.TrimSpace(mask)
	if mask == "" {
		return ""
	}
	if !strings.Contains(mask, "/") {
		mask += "/24"
	}
	if _, _, err := net.ParseCIDR(mask); err != nil {
		return ""
	}
	return mask
}

// SplitSubnet 把宽于 /24 的网段切分成 /24 子任务。
// 单个生成器的内存是 O(N)，调用方必须按子网分片而不是一次性构造整个范围。
func SplitSubnet(mask string) ([]string, error) {
	mask = Normalize(mask)
	if mask == "" {
		return nil, fmt.Errorf("invalid cidr mask")
	}

	ip, ipnet, err := net.ParseCIDR(mask)
	if err != nil {
		return nil, fmt.Errorf("parse cidr: %w", err)
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("only ipv4 masks are supported, got %s", mask)
	}
	if ones >= 24 {
		return []string{ipnet.String()}, nil
	}

	base := binaryIP(ip.Mask(ipnet.Mask))
	count := 1 << (24 - ones)
	subs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		addr := base + uint32(i)<<8
		subs = append(subs, fmt.Sprintf("%d.%d.%d.0/24",
			addr>>24&0xFF, addr>>16&0xFF, addr>>8&0xFF))
	}
	return subs, nil
}

// ParsePortRange 解析 "25565" 或 "25560-25575" 形式的端口范围。
func ParsePortRange(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("empty port range")
	}
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port %q", lo)
		}
		end, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port %q", hi)
		}
		if start < 1 || end > 65535 || end < start {
			return 0, 0, fmt.Errorf("port range %d-%d out of bounds", start, end)
		}
		return start, end, nil
	}
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, 0, fmt.Errorf("invalid port %q", s)
	}
	return p, p, nil
}

func binaryIP(ip net.IP) uint32 {
	v4 := ip.To4()
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}
