package mcproto

import (
	"bufio"
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// Conn 包装一条到 Minecraft 服务端的 TCP 连接，负责编帧、
// 压缩与加密。线程不安全，单个探测流程内串行使用。
type Conn struct {
	conn      net.Conn
	r         *bufio.Reader
	w         io.Writer
	host      string
	port      uint16
	timeout   time.Duration
	threshold int
}

// Dial 建立到目标服务端的连接。
func Dial(ctx context.Context, host string, port uint16, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	return &Conn{
		conn:      conn,
		r:         bufio.NewReader(conn),
		w:         conn,
		host:      host,
		port:      port,
		timeout:   timeout,
		threshold: -1,
	}, nil
}

// Wrap 在已有连接上构建 Conn，测试与回环场景使用。
func Wrap(conn net.Conn, host string, port uint16, timeout time.Duration) *Conn {
	return &Conn{
		conn:      conn,
		r:         bufio.NewReader(conn),
		w:         conn,
		host:      host,
		port:      port,
		timeout:   timeout,
		threshold: -1,
	}
}

// Close 关闭底层连接。
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Handshake 发送握手包并切换到指定状态。
func (c *Conn) Handshake(protocol int32, nextState int32) error {
	var buf bytes.Buffer
	writeVarInt(&buf, protocol)
	writeString(&buf, c.host)
	writeUShort(&buf, c.port)
	writeVarInt(&buf, nextState)
	return c.WritePacket(0x00, buf.Bytes())
}

// WritePacket 将包 ID 与包体编帧后发送。
func (c *Conn) WritePacket(id int32, body []byte) error {
	var pkt bytes.Buffer
	writeVarInt(&pkt, id)
	pkt.Write(body)

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return writeFrame(c.w, pkt.Bytes(), c.threshold)
}

// ReadPacket 读取下一帧并返回包 ID 与包体。
func (c *Conn) ReadPacket() (int32, *bytes.Reader, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, nil, err
	}
	payload, err := readFrame(c.r, c.threshold)
	if err != nil {
		return 0, nil, err
	}
	id, err := readVarInt(payload)
	if err != nil {
		return 0, nil, protocolErrf("bad packet id: %v", err)
	}
	return id, payload, nil
}

// SetThreshold 启用压缩并记录阈值。
func (c *Conn) SetThreshold(threshold int) {
	c.threshold = threshold
}

// EnableEncryption 用共享密钥开启双向 AES/CFB8，密钥同时作为 IV。
func (c *Conn) EnableEncryption(secret []byte) error {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return fmt.Errorf("enable encryption: %w", err)
	}

	// 换流前把已缓冲的密文归还给新的读取链。
	buffered, _ := c.r.Peek(c.r.Buffered())
	pending := append([]byte(nil), buffered...)
	src := io.MultiReader(bytes.NewReader(pending), c.conn)

	c.r = bufio.NewReader(cipher.StreamReader{S: newCFB8(block, secret, true), R: src})
	c.w = cipher.StreamWriter{S: newCFB8(block, secret, false), W: c.conn}
	return nil
}
