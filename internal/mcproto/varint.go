package mcproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrVarIntTooBig 表示 VarInt 超过 5 字节仍未终止。
var ErrVarIntTooBig = errors.New("mcproto: varint is too big")

// writeVarInt 按 7 位一组、最高位为续读标记的方式写入 32 位整数。
func writeVarInt(w io.ByteWriter, value int32) {
	v := uint32(value)
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		_ = w.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

// readVarInt 读取最多 5 字节的 VarInt。
func readVarInt(r io.ByteReader) (int32, error) {
	var result uint32
	for i := 0; i < 5; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return int32(result), nil
		}
	}
	return 0, ErrVarIntTooBig
}

// varIntLen 返回编码 value 所需的字节数。
func varIntLen(value int32) int {
	v := uint32(value)
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func writeString(w interface {
	io.ByteWriter
	io.Writer
}, s string) {
	writeVarInt(w, int32(len(s)))
	_, _ = w.Write([]byte(s))
}

func readString(r interface {
	io.ByteReader
	io.Reader
}, maxLen int32) (string, error) {
	length, err := readVarInt(r)
	if err != nil {
		return "", err
	}
	if length < 0 || length > maxLen {
		return "", fmt.Errorf("mcproto: string length %d out of bounds", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBool(w io.ByteWriter, v bool) {
	if v {
		_ = w.WriteByte(1)
	} else {
		_ = w.WriteByte(0)
	}
}

func writeUUID(w io.Writer, id [16]byte) {
	_, _ = w.Write(id[:])
}

func writeUShort(w io.Writer, v uint16) {
	_ = binary.Write(w, binary.BigEndian, v)
}

func writeULong(w io.Writer, v uint64) {
	_ = binary.Write(w, binary.BigEndian, v)
}

func writeByteArray(w interface {
	io.ByteWriter
	io.Writer
}, data []byte) {
	writeVarInt(w, int32(len(data)))
	_, _ = w.Write(data)
}

func readByteArray(r interface {
	io.ByteReader
	io.Reader
}, maxLen int32) ([]byte, error) {
	length, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if length < 0 || length > maxLen {
		return nil, fmt.Errorf("mcproto: byte array length %d out of bounds", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
