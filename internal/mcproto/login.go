package mcproto

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitushen/mcseeker/internal/models"
)

// Account 携带登录验证所需的正版账户凭据。
type Account struct {
	Username string
	UUID     string // 带或不带连字符均可
	Token    string // Minecraft 访问令牌
}

// Result 是一次登录验证的分类结果。
type Result struct {
	Outcome models.JoinOutcome
	Reason  string // 服务端断开原因，仅断开时有值
	Err     error  // 归入 UNKNOWN 的底层故障，区分网络与协议违例
}

// SessionJoiner 向会话服务器声明即将加入某台服务器。
// joined 为 false 且无错误表示会话服务器明确拒绝（账户不在白名单）。
type SessionJoiner interface {
	Join(ctx context.Context, token, profileID, serverHash string) (joined bool, err error)
}

const sessionJoinURL = "https://sessionserver.mojang.com/session/minecraft/join"

// MojangSession 是对官方会话服务器的 SessionJoiner 实现，
// 对 503/429 做有限次退避重试。
type MojangSession struct {
	Client *http.Client
	URL    string
}

// NewMojangSession 返回带默认超时的会话客户端。
func NewMojangSession() *MojangSession {
	return &MojangSession{
		Client: &http.Client{Timeout: 10 * time.Second},
		URL:    sessionJoinURL,
	}
}

// Join 实现 SessionJoiner。
func (m *MojangSession) Join(ctx context.Context, token, profileID, serverHash string) (bool, error) {
	body, err := json.Marshal(map[string]string{
		"accessToken":     token,
		"selectedProfile": profileID,
		"serverId":        serverHash,
	})
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := m.Client.Do(req)
		if err != nil {
			return false, err
		}
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusNoContent:
			return true, nil
		case http.StatusForbidden:
			return false, nil
		case http.StatusServiceUnavailable, http.StatusTooManyRequests:
			continue
		default:
			return false, fmt.Errorf("session join: unexpected status %d", resp.StatusCode)
		}
	}
	return false, fmt.Errorf("session join: service unavailable after retries")
}

// Login 对目标服务器执行完整登录并分类白名单状态。
// 分类本身从不返回错误，网络或协议故障归入 UNKNOWN。
func Login(ctx context.Context, host string, port uint16, protocol int32, acct Account, joiner SessionJoiner, timeout time.Duration) Result {
	conn, err := Dial(ctx, host, port, timeout)
	if err != nil {
		return Result{Outcome: models.OutcomeUnknown, Err: err}
	}
	defer conn.Close()
	return LoginOn(ctx, conn, protocol, acct, joiner)
}

// LoginOn 在已建立的连接上执行登录流程。
func LoginOn(ctx context.Context, conn *Conn, protocol int32, acct Account, joiner SessionJoiner) Result {
	if err := conn.Handshake(protocol, StateLogin); err != nil {
		return Result{Outcome: models.OutcomeUnknown, Err: err}
	}
	if err := conn.WritePacket(PacketLoginStart, loginStartBody(protocol, acct)); err != nil {
		return Result{Outcome: models.OutcomeUnknown, Err: err}
	}

	encrypted := false
	for {
		if ctx.Err() != nil {
			return Result{Outcome: models.OutcomeUnknown, Err: ctx.Err()}
		}

		id, payload, err := conn.ReadPacket()
		if err != nil {
			return Result{Outcome: models.OutcomeUnknown, Err: err}
		}

		switch id {
		case PacketSetCompression:
			threshold, err := readVarInt(payload)
			if err != nil {
				return Result{Outcome: models.OutcomeUnknown, Err: protocolErrf("bad set compression: %v", err)}
			}
			conn.SetThreshold(int(threshold))

		case PacketLoginSuccess:
			if encrypted {
				// 会话校验通过后服务端放行，账户在白名单内。
				return Result{Outcome: models.OutcomeWhitelisted}
			}
			// 未要求加密即放行：盗版服务器。
			return Result{Outcome: models.OutcomeCracked}

		case PacketLoginDisconnect:
			reason, err := readString(payload, maxPacketSize)
			if err != nil {
				return Result{Outcome: models.OutcomeUnknown, Err: protocolErrf("bad disconnect payload: %v", err)}
			}
			return classifyDisconnect(reason, encrypted)

		case PacketEncryptionRequest:
			outcome, ok := performEncryption(ctx, conn, protocol, payload, acct, joiner)
			if !ok {
				return outcome
			}
			encrypted = true

		case PacketLoginPluginRequest:
			// 频道一律视为未知：回传事务 ID 并声明未处理，保持流程前进。
			msgID, err := readVarInt(payload)
			if err != nil {
				return Result{Outcome: models.OutcomeUnknown, Err: protocolErrf("bad plugin request: %v", err)}
			}
			var resp bytes.Buffer
			writeVarInt(&resp, msgID)
			writeBool(&resp, false)
			if err := conn.WritePacket(PacketLoginPluginResponse, resp.Bytes()); err != nil {
				return Result{Outcome: models.OutcomeUnknown, Err: err}
			}

		default:
			// 未识别的登录阶段消息：忽略并继续。
		}
	}
}

// performEncryption 完成加密握手与会话声明。ok 为 false 时流程
// 终止，第一个返回值即最终分类。
func performEncryption(ctx context.Context, conn *Conn, protocol int32, payload *bytes.Reader, acct Account, joiner SessionJoiner) (Result, bool) {
	serverID, err := readString(payload, 64)
	if err != nil {
		return Result{Outcome: models.OutcomeUnknown, Err: protocolErrf("bad encryption request: %v", err)}, false
	}
	publicKeyDER, err := readByteArray(payload, maxPacketSize)
	if err != nil {
		return Result{Outcome: models.OutcomeUnknown, Err: protocolErrf("bad encryption request: %v", err)}, false
	}
	verifyToken, err := readByteArray(payload, maxPacketSize)
	if err != nil {
		return Result{Outcome: models.OutcomeUnknown, Err: protocolErrf("bad encryption request: %v", err)}, false
	}

	pub, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return Result{Outcome: models.OutcomeUnknown, Err: protocolErrf("bad server public key: %v", err)}, false
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return Result{Outcome: models.OutcomeUnknown, Err: protocolErrf("server public key is not rsa")}, false
	}

	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return Result{Outcome: models.OutcomeUnknown, Err: err}, false
	}

	// 先向会话服务器声明，再回传加密应答。顺序颠倒会被服务端
	// 以校验失败踢出。
	hash := authDigest(serverID, secret, publicKeyDER)
	joined, err := joiner.Join(ctx, acct.Token, dashless(acct.UUID), hash)
	if err != nil {
		return Result{Outcome: models.OutcomeUnknown, Err: err}, false
	}
	if !joined {
		// 会话服务器拒绝：正版在线模式确认，账户不在白名单。
		return Result{Outcome: models.OutcomePremiumNotWhitelisted}, false
	}

	encSecret, err := rsa.EncryptPKCS1v15(rand.Reader, rsaPub, secret)
	if err != nil {
		return Result{Outcome: models.OutcomeUnknown, Err: err}, false
	}
	encToken, err := rsa.EncryptPKCS1v15(rand.Reader, rsaPub, verifyToken)
	if err != nil {
		return Result{Outcome: models.OutcomeUnknown, Err: err}, false
	}

	var resp bytes.Buffer
	writeByteArray(&resp, encSecret)
	if protocol >= 759 && protocol <= 760 {
		writeBool(&resp, true)
	}
	writeByteArray(&resp, encToken)
	if err := conn.WritePacket(PacketEncryptionResponse, resp.Bytes()); err != nil {
		return Result{Outcome: models.OutcomeUnknown, Err: err}, false
	}

	if err := conn.EnableEncryption(secret); err != nil {
		return Result{Outcome: models.OutcomeUnknown, Err: err}, false
	}
	return Result{}, true
}

// loginStartBody 按协议版本组装 Login Start 包体。
func loginStartBody(protocol int32, acct Account) []byte {
	var buf bytes.Buffer
	writeString(&buf, acct.Username)

	var id [16]byte
	if parsed, err := uuid.Parse(acct.UUID); err == nil {
		id = parsed
	}

	switch {
	case protocol < 759:
		// 仅用户名。
	case protocol <= 760:
		writeBool(&buf, false) // 无聊天签名数据
		writeBool(&buf, true)
		writeUUID(&buf, id)
	case protocol <= 763:
		writeBool(&buf, true)
		writeUUID(&buf, id)
	default:
		writeUUID(&buf, id)
	}
	return buf.Bytes()
}

// 断开原因中的特征标记。
var (
	moddedMarkers    = []string{"fml", "forge", "modded", " mods", "mod "}
	whitelistMarkers = []string{
		"whitelist", "white-listed", "multiplayer.disconnect.not_whitelisted",
	}
)

// classifyDisconnect 根据断开原因文本分类。白名单标记只有在加密
// 握手之后才算正版拒绝；未加密的白名单踢出无法证明在线模式。
func classifyDisconnect(reason string, encrypted bool) Result {
	lower := strings.ToLower(reason)

	for _, m := range whitelistMarkers {
		if strings.Contains(lower, m) {
			if encrypted {
				return Result{Outcome: models.OutcomePremiumNotWhitelisted, Reason: reason}
			}
			return Result{Outcome: models.OutcomeUnknown, Reason: reason}
		}
	}
	if strings.Contains(lower, "multiplayer.disconnect.incompatible") ||
		strings.Contains(lower, "outdated client") ||
		strings.Contains(lower, "outdated server") {
		return Result{Outcome: models.OutcomeIncompatible, Reason: reason}
	}
	for _, m := range moddedMarkers {
		if strings.Contains(lower, m) {
			return Result{Outcome: models.OutcomeModded, Reason: reason}
		}
	}
	return Result{Outcome: models.OutcomeUnknown, Reason: reason}
}

// dashless 去掉 UUID 中的连字符，会话服务器要求纯十六进制形式。
func dashless(id string) string {
	return strings.ReplaceAll(id, "-", "")
}
