package addrspace

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
)

// EncodeModulus 是 (ip,port) 打包编码的模数，端口必须小于它。
const EncodeModulus = 100000

// Address 是一个待探测的 (ip,port) 组合。
type Address struct {
	IP   uint32
	Port uint16
}

// String 返回 host:port 形式。
func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d",
		a.IP>>24&0xFF, a.IP>>16&0xFF, a.IP>>8&0xFF, a.IP&0xFF, a.Port)
}

// Host 返回点分十进制 IP。
func (a Address) Host() string {
	return fmt.Sprintf("%d.%d.%d.%d", a.IP>>24&0xFF, a.IP>>16&0xFF, a.IP>>8&0xFF, a.IP&0xFF)
}

// Encode 把地址打包成单个整数。
func Encode(a Address) uint64 {
	return uint64(a.IP)*EncodeModulus + uint64(a.Port)
}

// Decode 是 Encode 的逆运算。
func Decode(v uint64) Address {
	return Address{IP: uint32(v / EncodeModulus), Port: uint16(v % EncodeModulus)}
}

// Generator 把一个 CIDR 网段与端口范围展开成随机顺序的待探测池，
// 并维护一个已验证地址的 FIFO 队列。两个池共用一把锁。
type Generator struct {
	mu        sync.Mutex
	pending   []uint64
	validated []uint64
	total     int
	cancelled bool
}

// New 一次性物化 |网段|×|端口| 的全部组合并均匀打乱，
// 保证同一个 /24 不会被连续爆发式探测。末八位为 0 或 255 的
// IP 按尽力而为的规则跳过（对 /24 以外的掩码只是近似）。
func New(cidr string, portLo, portHi int) (*Generator, error) {
	if portLo < 1 || portHi >= EncodeModulus || portHi > 65535 || portHi < portLo {
		return nil, fmt.Errorf("invalid port range %d-%d", portLo, portHi)
	}
	if !strings.Contains(cidr, "/") {
		cidr += "/32"
	}
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse cidr %q: %w", cidr, err)
	}
	v4 := ip.Mask(ipnet.Mask).To4()
	if v4 == nil {
		return nil, fmt.Errorf("only ipv4 masks are supported, got %q", cidr)
	}

	ones, _ := ipnet.Mask.Size()
	base := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
	size := uint32(1) << (32 - ones)
	ports := portHi - portLo + 1

	pending := make([]uint64, 0, int(size)*ports)
	for i := uint32(0); i < size; i++ {
		addr := base + i
		last := addr & 0xFF
		if last == 0 || last == 255 {
			continue
		}
		for p := portLo; p <= portHi; p++ {
			pending = append(pending, Encode(Address{IP: addr, Port: uint16(p)}))
		}
	}

	rand.Shuffle(len(pending), func(i, j int) {
		pending[i], pending[j] = pending[j], pending[i]
	})

	return &Generator{pending: pending, total: len(pending)}, nil
}

// Next 弹出一个待探测地址；池耗尽或任务取消时返回 false。
func (g *Generator) Next() (Address, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled || len(g.pending) == 0 {
		return Address{}, false
	}
	v := g.pending[len(g.pending)-1]
	g.pending = g.pending[:len(g.pending)-1]
	return Decode(v), true
}

// Validate 把探测成功的地址移入已验证队列。
func (g *Generator) Validate(a Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled {
		return
	}
	g.validated = append(g.validated, Encode(a))
}

// GetValid 按 FIFO 顺序弹出一个已验证地址。
func (g *Generator) GetValid() (Address, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.validated) == 0 {
		return Address{}, false
	}
	v := g.validated[0]
	g.validated = g.validated[1:]
	return Decode(v), true
}

// Cancel 立即清空两个池，用于中断或致命错误。
func (g *Generator) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = true
	g.pending = nil
	g.validated = nil
}

// Remaining 返回尚未探测的地址数。
func (g *Generator) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Total 返回池初始大小。
func (g *Generator) Total() int {
	return g.total
}
