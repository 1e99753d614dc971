package mcproto

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/hitushen/mcseeker/internal/models"
)

type joinerFunc func(ctx context.Context, token, profileID, hash string) (bool, error)

func (f joinerFunc) Join(ctx context.Context, token, profileID, hash string) (bool, error) {
	return f(ctx, token, profileID, hash)
}

func allowJoin(context.Context, string, string, string) (bool, error) { return true, nil }

var testAccount = Account{
	Username: "Player",
	UUID:     "069a79f4-44e9-4726-a5be-fca90e38aaf5",
	Token:    "token",
}

// runLogin 用内存管道对接客户端与脚本化的假服务端。
func runLogin(t *testing.T, protocol int32, joiner SessionJoiner, serve func(s *Conn)) Result {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()

	s := Wrap(serverEnd, "", 0, 2*time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer s.Close()
		serve(s)
	}()

	c := Wrap(clientEnd, "127.0.0.1", 25565, 2*time.Second)
	res := LoginOn(context.Background(), c, protocol, testAccount, joiner)
	c.Close()
	<-done
	return res
}

// consumeLoginStart 读掉握手与 Login Start 两个包。
func consumeLoginStart(t *testing.T, s *Conn) {
	t.Helper()
	for i := 0; i < 2; i++ {
		if _, _, err := s.ReadPacket(); err != nil {
			t.Errorf("server read %d: %v", i, err)
			return
		}
	}
}

func TestLoginCrackedServer(t *testing.T) {
	res := runLogin(t, 754, joinerFunc(allowJoin), func(s *Conn) {
		consumeLoginStart(t, s)
		_ = s.WritePacket(PacketLoginSuccess, nil)
	})
	if res.Outcome != models.OutcomeCracked {
		t.Errorf("outcome = %s, want CRACKED", res.Outcome)
	}
}

func TestLoginCrackedWithCompression(t *testing.T) {
	res := runLogin(t, 763, joinerFunc(allowJoin), func(s *Conn) {
		consumeLoginStart(t, s)
		var buf bytes.Buffer
		writeVarInt(&buf, 256)
		_ = s.WritePacket(PacketSetCompression, buf.Bytes())
		s.SetThreshold(256)
		_ = s.WritePacket(PacketLoginSuccess, nil)
	})
	if res.Outcome != models.OutcomeCracked {
		t.Errorf("outcome = %s, want CRACKED", res.Outcome)
	}
}

// 未加密时的白名单踢出证明不了在线模式，保持未判定。
func TestLoginPreEncryptionWhitelistKick(t *testing.T) {
	res := runLogin(t, 754, joinerFunc(allowJoin), func(s *Conn) {
		consumeLoginStart(t, s)
		var buf bytes.Buffer
		writeString(&buf, `{"text":"You are not white-listed on this server!"}`)
		_ = s.WritePacket(PacketLoginDisconnect, buf.Bytes())
	})
	if res.Outcome != models.OutcomeUnknown {
		t.Errorf("outcome = %s, want UNKNOWN", res.Outcome)
	}
	if res.Reason == "" {
		t.Error("disconnect reason should be preserved")
	}
}

func TestLoginModdedDisconnect(t *testing.T) {
	res := runLogin(t, 754, joinerFunc(allowJoin), func(s *Conn) {
		consumeLoginStart(t, s)
		var buf bytes.Buffer
		writeString(&buf, `{"text":"This server requires Forge 36.2.0"}`)
		_ = s.WritePacket(PacketLoginDisconnect, buf.Bytes())
	})
	if res.Outcome != models.OutcomeModded {
		t.Errorf("outcome = %s, want MODDED", res.Outcome)
	}
}

func TestLoginIncompatibleDisconnect(t *testing.T) {
	res := runLogin(t, 754, joinerFunc(allowJoin), func(s *Conn) {
		consumeLoginStart(t, s)
		var buf bytes.Buffer
		writeString(&buf, `{"translate":"multiplayer.disconnect.incompatible","with":["1.20.1"]}`)
		_ = s.WritePacket(PacketLoginDisconnect, buf.Bytes())
	})
	if res.Outcome != models.OutcomeIncompatible {
		t.Errorf("outcome = %s, want INCOMPATIBLE", res.Outcome)
	}
}

func TestLoginPluginRequestAcknowledged(t *testing.T) {
	res := runLogin(t, 763, joinerFunc(allowJoin), func(s *Conn) {
		consumeLoginStart(t, s)

		var req bytes.Buffer
		writeVarInt(&req, 7)
		writeString(&req, "custom:handshake")
		_ = s.WritePacket(PacketLoginPluginRequest, req.Bytes())

		id, payload, err := s.ReadPacket()
		if err != nil {
			t.Errorf("read plugin response: %v", err)
			return
		}
		if id != PacketLoginPluginResponse {
			t.Errorf("response id = 0x%02x, want 0x%02x", id, PacketLoginPluginResponse)
		}
		msgID, _ := readVarInt(payload)
		if msgID != 7 {
			t.Errorf("echoed message id = %d, want 7", msgID)
		}
		_ = s.WritePacket(PacketLoginSuccess, nil)
	})
	if res.Outcome != models.OutcomeCracked {
		t.Errorf("outcome = %s, want CRACKED", res.Outcome)
	}
}

// serveEncryption 在假服务端完成加密握手，返回协商出的共享密钥。
func serveEncryption(t *testing.T, s *Conn, key *rsa.PrivateKey, der, verifyToken []byte) ([]byte, bool) {
	t.Helper()
	var req bytes.Buffer
	writeString(&req, "")
	writeByteArray(&req, der)
	writeByteArray(&req, verifyToken)
	_ = s.WritePacket(PacketEncryptionRequest, req.Bytes())

	_, payload, err := s.ReadPacket()
	if err != nil {
		t.Errorf("read encryption response: %v", err)
		return nil, false
	}
	encSecret, _ := readByteArray(payload, maxPacketSize)
	encToken, _ := readByteArray(payload, maxPacketSize)

	secret, err := rsa.DecryptPKCS1v15(nil, key, encSecret)
	if err != nil {
		t.Errorf("decrypt secret: %v", err)
		return nil, false
	}
	gotToken, err := rsa.DecryptPKCS1v15(nil, key, encToken)
	if err != nil || !bytes.Equal(gotToken, verifyToken) {
		t.Errorf("verify token mismatch: % x (err %v)", gotToken, err)
		return nil, false
	}
	if err := s.EnableEncryption(secret); err != nil {
		t.Errorf("server EnableEncryption: %v", err)
		return nil, false
	}
	return secret, true
}

// 完整加密握手：请求、会话声明、应答、密文放行。
func TestLoginEncryptedWhitelisted(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	verifyToken := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	var joinedHash string
	joiner := joinerFunc(func(_ context.Context, token, profileID, hash string) (bool, error) {
		if token != testAccount.Token {
			t.Errorf("join token = %q, want %q", token, testAccount.Token)
		}
		if profileID != "069a79f444e94726a5befca90e38aaf5" {
			t.Errorf("profile id = %q, want dashless uuid", profileID)
		}
		joinedHash = hash
		return true, nil
	})

	var secret []byte
	res := runLogin(t, 754, joiner, func(s *Conn) {
		consumeLoginStart(t, s)
		sec, ok := serveEncryption(t, s, key, der, verifyToken)
		if !ok {
			return
		}
		secret = sec
		_ = s.WritePacket(PacketLoginSuccess, nil)
	})

	if res.Outcome != models.OutcomeWhitelisted {
		t.Fatalf("outcome = %s, want WHITELISTED", res.Outcome)
	}
	if want := authDigest("", secret, der); joinedHash != want {
		t.Errorf("joined hash = %q, want %q", joinedHash, want)
	}
}

// 加密握手通过后才收到白名单踢出：正版已证明，账户不在名单内。
func TestLoginEncryptedWhitelistKick(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)

	res := runLogin(t, 754, joinerFunc(allowJoin), func(s *Conn) {
		consumeLoginStart(t, s)
		if _, ok := serveEncryption(t, s, key, der, []byte{9, 8, 7, 6}); !ok {
			return
		}
		var buf bytes.Buffer
		writeString(&buf, `{"translate":"multiplayer.disconnect.not_whitelisted"}`)
		_ = s.WritePacket(PacketLoginDisconnect, buf.Bytes())
	})
	if res.Outcome != models.OutcomePremiumNotWhitelisted {
		t.Errorf("outcome = %s, want PREMIUM_NOT_WHITELISTED", res.Outcome)
	}
}

func TestLoginSessionRejected(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)

	joiner := joinerFunc(func(context.Context, string, string, string) (bool, error) {
		return false, nil
	})
	res := runLogin(t, 754, joiner, func(s *Conn) {
		consumeLoginStart(t, s)
		var req bytes.Buffer
		writeString(&req, "")
		writeByteArray(&req, der)
		writeByteArray(&req, []byte{1, 2, 3, 4})
		_ = s.WritePacket(PacketEncryptionRequest, req.Bytes())
		// 客户端在会话被拒后直接断开，不会发加密应答。
		_, _, _ = s.ReadPacket()
	})
	if res.Outcome != models.OutcomePremiumNotWhitelisted {
		t.Errorf("outcome = %s, want PREMIUM_NOT_WHITELISTED", res.Outcome)
	}
}

func TestLoginGarbageIsUnknown(t *testing.T) {
	res := runLogin(t, 754, joinerFunc(allowJoin), func(s *Conn) {
		consumeLoginStart(t, s)
		var buf bytes.Buffer
		writeVarInt(&buf, maxPacketSize+5)
		if err := s.conn.SetWriteDeadline(time.Now().Add(time.Second)); err == nil {
			_, _ = s.conn.Write(buf.Bytes())
		}
	})
	if res.Outcome != models.OutcomeUnknown {
		t.Errorf("outcome = %s, want UNKNOWN", res.Outcome)
	}
}

func TestLoginStartBodyByProtocol(t *testing.T) {
	cases := []struct {
		protocol int32
		wantLen  int
	}{
		{754, 1 + 6},           // 仅用户名
		{759, 1 + 6 + 1 + 17},  // 签名标志 + uuid 标志 + uuid
		{761, 1 + 6 + 1 + 16},  // uuid 标志 + uuid
		{764, 1 + 6 + 16},      // 裸 uuid
	}
	for _, c := range cases {
		body := loginStartBody(c.protocol, testAccount)
		if len(body) != c.wantLen {
			t.Errorf("protocol %d: body length %d, want %d", c.protocol, len(body), c.wantLen)
		}
	}
}

func TestClassifyDisconnect(t *testing.T) {
	cases := []struct {
		reason    string
		encrypted bool
		want      models.JoinOutcome
	}{
		{`{"translate":"multiplayer.disconnect.not_whitelisted"}`, true, models.OutcomePremiumNotWhitelisted},
		{`{"translate":"multiplayer.disconnect.not_whitelisted"}`, false, models.OutcomeUnknown},
		{`{"text":"FML mod list mismatch"}`, false, models.OutcomeModded},
		{`{"text":"Outdated client! Please use 1.8.9"}`, false, models.OutcomeIncompatible},
		{`{"text":"Server is restarting"}`, false, models.OutcomeUnknown},
	}
	for _, c := range cases {
		got := classifyDisconnect(c.reason, c.encrypted)
		if got.Outcome != c.want {
			t.Errorf("classifyDisconnect(%q, %v) = %s, want %s", c.reason, c.encrypted, got.Outcome, c.want)
		}
	}
}
