package mcproto

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/hitushen/mcseeker/internal/models"
)

// StatusResponse 是服务端状态应答的 JSON 载荷。description 字段
// 既可能是纯字符串也可能是聊天组件树，保留原始字节延后解析。
type StatusResponse struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    int `json:"max"`
		Online int `json:"online"`
		Sample []struct {
			Name string `json:"name"`
			ID   string `json:"id"`
		} `json:"sample"`
	} `json:"players"`
	Description json.RawMessage `json:"description"`
	Favicon     string          `json:"favicon"`
	ForgeData   json.RawMessage `json:"forgeData"`
	ModInfo     json.RawMessage `json:"modinfo"`
}

// Status 在已握手前的连接上执行完整的状态查询。
func Status(ctx context.Context, host string, port uint16, timeout time.Duration) (*StatusResponse, error) {
	conn, err := Dial(ctx, host, port, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return StatusOn(conn)
}

// StatusOn 在给定连接上执行握手、状态请求与应答解析。
func StatusOn(conn *Conn) (*StatusResponse, error) {
	if err := conn.Handshake(-1, StateStatus); err != nil {
		return nil, err
	}
	if err := conn.WritePacket(PacketStatusRequest, nil); err != nil {
		return nil, err
	}

	id, payload, err := conn.ReadPacket()
	if err != nil {
		return nil, err
	}
	if id != PacketStatusRequest {
		return nil, protocolErrf("unexpected status packet id 0x%02x", id)
	}
	raw, err := readString(payload, maxPacketSize)
	if err != nil {
		return nil, err
	}

	var status StatusResponse
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, protocolErrf("bad status json: %v", err)
	}
	return &status, nil
}

// DescriptionText 将聊天组件树展平为纯文本。
func (s *StatusResponse) DescriptionText() string {
	var node interface{}
	if err := json.Unmarshal(s.Description, &node); err != nil {
		return string(s.Description)
	}
	var sb bytes.Buffer
	flattenChat(&sb, node)
	return sb.String()
}

func flattenChat(sb *bytes.Buffer, node interface{}) {
	switch v := node.(type) {
	case string:
		sb.WriteString(v)
	case []interface{}:
		for _, child := range v {
			flattenChat(sb, child)
		}
	case map[string]interface{}:
		if text, ok := v["text"].(string); ok {
			sb.WriteString(text)
		}
		if extra, ok := v["extra"]; ok {
			flattenChat(sb, extra)
		}
	}
}

// HasForgeData 报告状态应答是否携带模组元数据。
func (s *StatusResponse) HasForgeData() bool {
	return len(s.ForgeData) > 0 || len(s.ModInfo) > 0
}

// Plausible 检查状态载荷在结构上是否可信。蜜罐常回放畸形
// 或夸张的数据，超出这些界限的应答不值得继续登录验证。
func (s *StatusResponse) Plausible() bool {
	if s.Version.Protocol < -1 || s.Version.Protocol > 4096 {
		return false
	}
	if len(s.Version.Name) > 128 {
		return false
	}
	if s.Players.Max < 0 || s.Players.Max > 1_000_000 {
		return false
	}
	if s.Players.Online < 0 || s.Players.Online > 1_000_000 {
		return false
	}
	if len(s.Players.Sample) > 1024 {
		return false
	}
	if len(s.Description) > 32768 {
		return false
	}
	return true
}

// Record 将状态应答转换为待持久化的服务器记录。
func (s *StatusResponse) Record(ip string, port int) models.ServerRecord {
	rec := models.ServerRecord{
		IP:   ip,
		Port: port,
		Version: models.Version{
			Name:     s.Version.Name,
			Protocol: s.Version.Protocol,
		},
		Description:  s.DescriptionText(),
		Favicon:      s.Favicon,
		HasForgeData: s.HasForgeData(),
		LastSeen:     time.Now().Unix(),
	}
	rec.Players.Max = s.Players.Max
	rec.Players.Online = s.Players.Online
	for _, p := range s.Players.Sample {
		rec.Players.Sample = append(rec.Players.Sample, models.PlayerSample{
			Name:     p.Name,
			ID:       p.ID,
			LastSeen: rec.LastSeen,
		})
	}
	return rec
}
