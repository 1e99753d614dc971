package mcproto

import "crypto/cipher"

// cfb8 实现 Minecraft 使用的 AES/CFB8 流密码。标准库只提供
// CFB128，协议要求的 8 位反馈模式需要自行实现。加解密共用同一
// 结构，方向由 decrypt 标志区分。
type cfb8 struct {
	block   cipher.Block
	shift   []byte
	tmp     []byte
	decrypt bool
}

func newCFB8(block cipher.Block, iv []byte, decrypt bool) cipher.Stream {
	shift := make([]byte, block.BlockSize())
	copy(shift, iv)
	return &cfb8{
		block:   block,
		shift:   shift,
		tmp:     make([]byte, block.BlockSize()),
		decrypt: decrypt,
	}
}

func (c *cfb8) XORKeyStream(dst, src []byte) {
	for i, b := range src {
		c.block.Encrypt(c.tmp, c.shift)
		out := b ^ c.tmp[0]

		fb := out
		if c.decrypt {
			fb = b
		}
		copy(c.shift, c.shift[1:])
		c.shift[len(c.shift)-1] = fb

		dst[i] = out
	}
}
