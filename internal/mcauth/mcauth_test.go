package mcauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestAuthCodeURL(t *testing.T) {
	c := New("client-123", "http://localhost:8080/callback")
	raw := c.AuthCodeURL("state-abc", "verifier-xyz")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "client-123" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	if q.Get("code_challenge") != challengeS256("verifier-xyz") {
		t.Error("challenge does not match verifier")
	}
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
}

func TestNewVerifierIsURLSafe(t *testing.T) {
	v, err := NewVerifier()
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if len(v) != 128 {
		t.Errorf("verifier length = %d, want 128", len(v))
	}
	if strings.ContainsAny(v, "+/=") {
		t.Errorf("verifier %q contains non url-safe characters", v)
	}
}

// 把整条认证链指向一个脚本化的假服务，逐跳校验请求载荷。
func TestExchangeFullChain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("code_verifier") != "ver" {
			t.Errorf("code_verifier = %q", r.PostForm.Get("code_verifier"))
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "ms-token"})
	})
	mux.HandleFunc("/xbl", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Properties struct {
				RpsTicket string `json:"RpsTicket"`
			} `json:"Properties"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		if in.Properties.RpsTicket != "d=ms-token" {
			t.Errorf("RpsTicket = %q", in.Properties.RpsTicket)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"Token": "xbl-token",
			"DisplayClaims": map[string]interface{}{
				"xui": []map[string]string{{"uhs": "hash-1"}},
			},
		})
	})
	mux.HandleFunc("/xsts", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Properties struct {
				SandboxId  string   `json:"SandboxId"`
				UserTokens []string `json:"UserTokens"`
			} `json:"Properties"`
			RelyingParty string `json:"RelyingParty"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		if in.Properties.SandboxId != "RETAIL" {
			t.Errorf("SandboxId = %q", in.Properties.SandboxId)
		}
		if len(in.Properties.UserTokens) != 1 || in.Properties.UserTokens[0] != "xbl-token" {
			t.Errorf("UserTokens = %v", in.Properties.UserTokens)
		}
		if in.RelyingParty != "rp://api.minecraftservices.com/" {
			t.Errorf("RelyingParty = %q", in.RelyingParty)
		}
		json.NewEncoder(w).Encode(map[string]string{"Token": "xsts-token"})
	})
	mux.HandleFunc("/mc", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			IdentityToken string `json:"identityToken"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		if in.IdentityToken != "XBL3.0 x=hash-1;xsts-token" {
			t.Errorf("identityToken = %q", in.IdentityToken)
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "mc-token"})
	})
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer mc-token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]string{
			"id":   "069a79f444e94726a5befca90e38aaf5",
			"name": "Notch",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New("cid", "http://localhost/cb")
	c.TokenURL = srv.URL + "/token"
	c.XBLURL = srv.URL + "/xbl"
	c.XSTSURL = srv.URL + "/xsts"
	c.MinecraftURL = srv.URL + "/mc"
	c.ProfileURL = srv.URL + "/profile"

	sess, err := c.Exchange(context.Background(), "auth-code", "ver")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if sess.MinecraftToken != "mc-token" {
		t.Errorf("MinecraftToken = %q", sess.MinecraftToken)
	}
	if sess.UUID != "069a79f444e94726a5befca90e38aaf5" || sess.Name != "Notch" {
		t.Errorf("profile = %q / %q", sess.UUID, sess.Name)
	}
}

func TestExchangeReportsFailingStep(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "ms-token"})
	})
	mux.HandleFunc("/xbl", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New("cid", "http://localhost/cb")
	c.TokenURL = srv.URL + "/token"
	c.XBLURL = srv.URL + "/xbl"

	_, err := c.Exchange(context.Background(), "code", "ver")
	var step *StepError
	if !errors.As(err, &step) {
		t.Fatalf("err = %v, want StepError", err)
	}
	if step.Step != "xbl authenticate" {
		t.Errorf("failing step = %q, want %q", step.Step, "xbl authenticate")
	}
}

func TestOwnsGame(t *testing.T) {
	items := `{"items":[{"name":"product_minecraft"},{"name":"game_minecraft"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(items))
	}))
	defer srv.Close()

	c := New("cid", "cb")
	c.EntitlementsURL = srv.URL
	owns, err := c.OwnsGame(context.Background(), "mc-token")
	if err != nil {
		t.Fatalf("OwnsGame: %v", err)
	}
	if !owns {
		t.Error("account with entitlement items should own the game")
	}

	items = `{"items":[]}`
	owns, err = c.OwnsGame(context.Background(), "mc-token")
	if err != nil {
		t.Fatalf("OwnsGame: %v", err)
	}
	if owns {
		t.Error("empty entitlements means the game is not owned")
	}
}
