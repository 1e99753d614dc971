package mcproto

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
)

func TestVarIntRoundTrip(t *testing.T) {
	cases := []struct {
		value int32
		bytes []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{255, []byte{0xFF, 0x01}},
		{25565, []byte{0xDD, 0xC7, 0x01}},
		{2097151, []byte{0xFF, 0xFF, 0x7F}},
		{2147483647, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x07}},
		{-1, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F}},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		writeVarInt(&buf, c.value)
		if !bytes.Equal(buf.Bytes(), c.bytes) {
			t.Errorf("writeVarInt(%d) = % x, want % x", c.value, buf.Bytes(), c.bytes)
		}
		got, err := readVarInt(bytes.NewReader(c.bytes))
		if err != nil {
			t.Errorf("readVarInt(% x): %v", c.bytes, err)
			continue
		}
		if got != c.value {
			t.Errorf("readVarInt(% x) = %d, want %d", c.bytes, got, c.value)
		}
		if n := varIntLen(c.value); n != len(c.bytes) {
			t.Errorf("varIntLen(%d) = %d, want %d", c.value, n, len(c.bytes))
		}
	}
}

func TestReadVarIntTooBig(t *testing.T) {
	r := bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})
	if _, err := readVarInt(r); !errors.Is(err, ErrVarIntTooBig) {
		t.Errorf("err = %v, want ErrVarIntTooBig", err)
	}
}

func TestStringRoundTrip(t *testing.T) {
	cases := []string{
		"minecraft:brand",
		"",
		"§6欢迎来到我的世界服务器§r",
		"Willkommen, Grüße aus Köln",
		"サーバーへようこそ",
	}
	for _, s := range cases {
		var buf bytes.Buffer
		writeString(&buf, s)
		got, err := readString(bytes.NewReader(buf.Bytes()), 256)
		if err != nil {
			t.Errorf("readString(%q): %v", s, err)
			continue
		}
		if got != s {
			t.Errorf("readString = %q, want %q", got, s)
		}
	}
}

func TestReadStringRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	writeString(&buf, "0123456789")
	if _, err := readString(bytes.NewReader(buf.Bytes()), 4); err == nil {
		t.Error("oversize string should be rejected")
	}
}

func TestFrameRoundTripUncompressed(t *testing.T) {
	body := []byte{0x00, 0xDE, 0xAD, 0xBE, 0xEF}
	var wire bytes.Buffer
	if err := writeFrame(&wire, body, -1); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	payload, err := readFrame(bufio.NewReader(&wire), -1)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	got := make([]byte, payload.Len())
	_, _ = payload.Read(got)
	if !bytes.Equal(got, body) {
		t.Errorf("payload = % x, want % x", got, body)
	}
}

func TestFrameRoundTripCompressed(t *testing.T) {
	big := bytes.Repeat([]byte("mcseeker"), 128)
	small := []byte{0x02, 0x01}

	for _, body := range [][]byte{big, small} {
		var wire bytes.Buffer
		if err := writeFrame(&wire, body, 64); err != nil {
			t.Fatalf("writeFrame: %v", err)
		}
		payload, err := readFrame(bufio.NewReader(&wire), 64)
		if err != nil {
			t.Fatalf("readFrame: %v", err)
		}
		got := make([]byte, payload.Len())
		_, _ = payload.Read(got)
		if !bytes.Equal(got, body) {
			t.Errorf("payload length %d did not survive compression round trip", len(body))
		}
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var wire bytes.Buffer
	writeVarInt(&wire, maxPacketSize+1)
	_, err := readFrame(bufio.NewReader(&wire), -1)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Errorf("err = %v, want ProtocolError", err)
	}
}
