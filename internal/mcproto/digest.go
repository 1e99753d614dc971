package mcproto

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// authDigest 计算会话服务器要求的登录摘要：SHA-1 按有符号
// 大整数解释，负值表示为取补后十六进制加负号，且去掉前导零。
func authDigest(serverID string, secret, publicKey []byte) string {
	h := sha1.New()
	h.Write([]byte(serverID))
	h.Write(secret)
	h.Write(publicKey)
	sum := h.Sum(nil)

	negative := sum[0]&0x80 != 0
	if negative {
		// 取二进制补码。
		carry := true
		for i := len(sum) - 1; i >= 0; i-- {
			sum[i] = ^sum[i]
			if carry {
				sum[i]++
				carry = sum[i] == 0
			}
		}
	}

	digest := strings.TrimLeft(hex.EncodeToString(sum), "0")
	if digest == "" {
		digest = "0"
	}
	if negative {
		digest = "-" + digest
	}
	return digest
}
