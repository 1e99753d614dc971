package mcproto

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// 协议状态，握手包的 next state 字段。
const (
	StateStatus = 1
	StateLogin  = 2
)

// 登录阶段的 clientbound 包 ID。
const (
	PacketLoginDisconnect    = 0x00
	PacketEncryptionRequest  = 0x01
	PacketLoginSuccess       = 0x02
	PacketSetCompression     = 0x03
	PacketLoginPluginRequest = 0x04
)

// 登录阶段的 serverbound 包 ID。
const (
	PacketLoginStart          = 0x00
	PacketEncryptionResponse  = 0x01
	PacketLoginPluginResponse = 0x02
)

// 状态阶段的包 ID，两个方向编号相同。
const (
	PacketStatusRequest = 0x00
	PacketStatusPing    = 0x01
)

// 单个包解压后的最大体积。超过即视为协议违例，防止恶意
// 服务端用巨包耗尽内存。
const maxPacketSize = 2 << 20

// ProtocolError 表示对端发来的数据违反协议约定。
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "mcproto: protocol violation: " + e.Reason
}

func protocolErrf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// writeFrame 将包体（ID + 数据）按当前压缩阈值编帧后写入 w。
// threshold < 0 表示未启用压缩。
func writeFrame(w io.Writer, body []byte, threshold int) error {
	var frame bytes.Buffer
	if threshold < 0 {
		writeVarInt(&frame, int32(len(body)))
		frame.Write(body)
	} else if len(body) < threshold {
		// 压缩模式下的未压缩包：数据长度字段写 0。
		writeVarInt(&frame, int32(len(body))+1)
		frame.WriteByte(0)
		frame.Write(body)
	} else {
		var compressed bytes.Buffer
		zw := zlib.NewWriter(&compressed)
		if _, err := zw.Write(body); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		dataLen := int32(len(body))
		writeVarInt(&frame, int32(varIntLen(dataLen)+compressed.Len()))
		writeVarInt(&frame, dataLen)
		frame.Write(compressed.Bytes())
	}
	_, err := w.Write(frame.Bytes())
	return err
}

// readFrame 从 r 读取一帧并返回解压后的包体读取器。
func readFrame(r *bufio.Reader, threshold int) (*bytes.Reader, error) {
	length, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if length <= 0 || length > maxPacketSize {
		return nil, protocolErrf("frame length %d out of bounds", length)
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}

	if threshold < 0 {
		return bytes.NewReader(raw), nil
	}

	inner := bytes.NewReader(raw)
	dataLen, err := readVarInt(inner)
	if err != nil {
		return nil, protocolErrf("bad data length: %v", err)
	}
	if dataLen == 0 {
		// 未压缩。
		rest := make([]byte, inner.Len())
		_, _ = io.ReadFull(inner, rest)
		return bytes.NewReader(rest), nil
	}
	if dataLen < 0 || dataLen > maxPacketSize {
		return nil, protocolErrf("decompressed length %d out of bounds", dataLen)
	}

	zr, err := zlib.NewReader(inner)
	if err != nil {
		return nil, protocolErrf("bad zlib stream: %v", err)
	}
	defer zr.Close()
	body := make([]byte, dataLen)
	if _, err := io.ReadFull(zr, body); err != nil {
		return nil, protocolErrf("short zlib payload: %v", err)
	}
	return bytes.NewReader(body), nil
}
