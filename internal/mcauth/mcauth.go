package mcauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitushen/mcseeker/internal/models"
)

// 认证链各跳的默认端点。
const (
	defaultTokenURL        = "https://login.microsoftonline.com/consumers/oauth2/v2.0/token"
	defaultAuthorizeURL    = "https://login.microsoftonline.com/consumers/oauth2/v2.0/authorize"
	defaultXBLURL          = "https://user.auth.xboxlive.com/user/authenticate"
	defaultXSTSURL         = "https://xsts.auth.xboxlive.com/xsts/authorize"
	defaultMinecraftURL    = "https://api.minecraftservices.com/authentication/login_with_xbox"
	defaultProfileURL      = "https://api.minecraftservices.com/minecraft/profile"
	defaultEntitlementsURL = "https://api.minecraftservices.com/entitlements/mcstore"
)

const oauthScope = "XboxLive.signin offline_access"

// StepError 标记认证链中失败的那一跳，方便排障时直接定位。
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("mcauth: %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Client 执行 Microsoft 账户到 Minecraft 会话令牌的完整交换。
// 端点可覆盖，测试时指向本地假服务。
type Client struct {
	HTTP        *http.Client
	ClientID    string
	RedirectURI string

	TokenURL        string
	AuthorizeURL    string
	XBLURL          string
	XSTSURL         string
	MinecraftURL    string
	ProfileURL      string
	EntitlementsURL string
}

// New 创建带默认端点的认证客户端。
func New(clientID, redirectURI string) *Client {
	return &Client{
		HTTP:            &http.Client{Timeout: 15 * time.Second},
		ClientID:        clientID,
		RedirectURI:     redirectURI,
		TokenURL:        defaultTokenURL,
		AuthorizeURL:    defaultAuthorizeURL,
		XBLURL:          defaultXBLURL,
		XSTSURL:         defaultXSTSURL,
		MinecraftURL:    defaultMinecraftURL,
		ProfileURL:      defaultProfileURL,
		EntitlementsURL: defaultEntitlementsURL,
	}
}

// NewVerifier 生成 128 字符的 PKCE code verifier。
func NewVerifier() (string, error) {
	buf := make([]byte, 96)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// challengeS256 计算 verifier 的 S256 挑战值。
func challengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ActivationCodeURL 生成新的 verifier 并返回用户跳转的授权地址。
func (c *Client) ActivationCodeURL(state string) (authURL, verifier string, err error) {
	verifier, err = NewVerifier()
	if err != nil {
		return "", "", err
	}
	return c.AuthCodeURL(state, verifier), verifier, nil
}

// AuthCodeURL 构造用户跳转的授权地址。纯函数，不发任何请求。
func (c *Client) AuthCodeURL(state, verifier string) string {
	q := url.Values{}
	q.Set("client_id", c.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", c.RedirectURI)
	q.Set("scope", oauthScope)
	q.Set("state", state)
	q.Set("code_challenge", challengeS256(verifier))
	q.Set("code_challenge_method", "S256")
	return c.AuthorizeURL + "?" + q.Encode()
}

// Exchange 用授权码换取完整的认证会话：OAuth 令牌、XBL、XSTS、
// Minecraft 令牌与账户档案。任何一跳失败都以 StepError 返回。
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*models.AuthSession, error) {
	sess := &models.AuthSession{}

	accessToken, err := c.oauthToken(ctx, code, verifier)
	if err != nil {
		return nil, &StepError{Step: "oauth token", Err: err}
	}
	sess.AccessToken = accessToken

	xblToken, uhs, err := c.xblAuthenticate(ctx, accessToken)
	if err != nil {
		return nil, &StepError{Step: "xbl authenticate", Err: err}
	}
	sess.XBLToken = xblToken

	xstsToken, err := c.xstsAuthorize(ctx, xblToken)
	if err != nil {
		return nil, &StepError{Step: "xsts authorize", Err: err}
	}
	sess.XSTSToken = xstsToken

	mcToken, err := c.minecraftLogin(ctx, uhs, xstsToken)
	if err != nil {
		return nil, &StepError{Step: "minecraft login", Err: err}
	}
	sess.MinecraftToken = mcToken

	id, name, err := c.profile(ctx, mcToken)
	if err != nil {
		return nil, &StepError{Step: "minecraft profile", Err: err}
	}
	sess.UUID = id
	sess.Name = name
	return sess, nil
}

// OwnsGame 查询账户是否持有 Minecraft 游戏本体。档案存在但无
// 购买记录的账户（如 Game Pass 过期）无法通过会话校验。
func (c *Client) OwnsGame(ctx context.Context, mcToken string) (bool, error) {
	var out struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := c.getJSON(ctx, c.EntitlementsURL, mcToken, &out); err != nil {
		return false, &StepError{Step: "entitlements", Err: err}
	}
	return len(out.Items) > 0, nil
}

func (c *Client) oauthToken(ctx context.Context, code, verifier string) (string, error) {
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.RedirectURI)
	form.Set("code_verifier", verifier)
	form.Set("scope", oauthScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("empty access token")
	}
	return out.AccessToken, nil
}

func (c *Client) xblAuthenticate(ctx context.Context, accessToken string) (token, uhs string, err error) {
	payload := map[string]interface{}{
		"Properties": map[string]string{
			"AuthMethod": "RPS",
			"SiteName":   "user.auth.xboxlive.com",
			"RpsTicket":  "d=" + accessToken,
		},
		"RelyingParty": "http://auth.xboxlive.com",
		"TokenType":    "JWT",
	}
	var out xboxResponse
	if err := c.postJSON(ctx, c.XBLURL, payload, &out); err != nil {
		return "", "", err
	}
	uhs, err = out.userHash()
	if err != nil {
		return "", "", err
	}
	return out.Token, uhs, nil
}

func (c *Client) xstsAuthorize(ctx context.Context, xblToken string) (string, error) {
	payload := map[string]interface{}{
		"Properties": map[string]interface{}{
			"SandboxId":  "RETAIL",
			"UserTokens": []string{xblToken},
		},
		"RelyingParty": "rp://api.minecraftservices.com/",
		"TokenType":    "JWT",
	}
	var out xboxResponse
	if err := c.postJSON(ctx, c.XSTSURL, payload, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("empty xsts token")
	}
	return out.Token, nil
}

func (c *Client) minecraftLogin(ctx context.Context, uhs, xstsToken string) (string, error) {
	payload := map[string]string{
		"identityToken": fmt.Sprintf("XBL3.0 x=%s;%s", uhs, xstsToken),
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.postJSON(ctx, c.MinecraftURL, payload, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("empty minecraft token")
	}
	return out.AccessToken, nil
}

func (c *Client) profile(ctx context.Context, mcToken string) (id, name string, err error) {
	var out struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, c.ProfileURL, mcToken, &out); err != nil {
		return "", "", err
	}
	if out.ID == "" {
		return "", "", fmt.Errorf("account has no minecraft profile")
	}
	return out.ID, out.Name, nil
}

// xboxResponse 是 XBL 与 XSTS 两跳共用的应答结构。
type xboxResponse struct {
	Token         string `json:"Token"`
	DisplayClaims struct {
		XUI []struct {
			UHS string `json:"uhs"`
		} `json:"xui"`
	} `json:"DisplayClaims"`
}

func (r *xboxResponse) userHash() (string, error) {
	if len(r.DisplayClaims.XUI) == 0 || r.DisplayClaims.XUI[0].UHS == "" {
		return "", fmt.Errorf("missing user hash in display claims")
	}
	return r.DisplayClaims.XUI[0].UHS, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, endpoint, bearer string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
