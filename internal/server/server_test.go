package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"keywarden/internal/auth"
	"keywarden/internal/crypto"
	"keywarden/internal/store"
)

const (
	testEmail    = "nobody@example.com"
	testPassword = "this is a password"
	testIters    = 5000
)

var testSigningKey, _ = rsa.GenerateKey(rand.Reader, 2048)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := Config{TokenTTL: time.Hour}
	cfg.setDefaults()

	srv := New(cfg, store.NewMemory(),
		auth.NewSigningContext(testSigningKey, cfg.Issuer), zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func mustHash(t *testing.T, password, email string) string {
	t.Helper()
	h, err := crypto.HashPassword(password, email,
		crypto.KdfParams{Type: crypto.KdfPbkdf2Sha256, Iterations: testIters})
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return h
}

func mustEnvelope(t *testing.T, password, email string) string {
	t.Helper()
	master, err := crypto.MakeKey(password, email,
		crypto.KdfParams{Type: crypto.KdfPbkdf2Sha256, Iterations: testIters})
	if err != nil {
		t.Fatalf("make key: %v", err)
	}
	env, err := crypto.MakeEncKey(master, crypto.TypeAesCbc256HmacSha256B64)
	if err != nil {
		t.Fatalf("make enc key: %v", err)
	}
	return env
}

func postJSON(t *testing.T, url string, body any, bearer string) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return doReq(t, req)
}

func doReq(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func register(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	hash := mustHash(t, testPassword, testEmail)
	resp, body := postJSON(t, ts.URL+"/api/accounts/register", map[string]any{
		"email":              testEmail,
		"masterPasswordHash": hash,
		"key":                mustEnvelope(t, testPassword, testEmail),
		"kdf":                0,
		"kdfIterations":      testIters,
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: %d %s", resp.StatusCode, body)
	}
	return hash
}

func login(t *testing.T, ts *httptest.Server, hash string) map[string]any {
	t.Helper()
	form := url.Values{
		"grant_type":       {"password"},
		"username":         {testEmail},
		"password":         {hash},
		"scope":            {"api offline_access"},
		"client_id":        {"browser"},
		"deviceType":       {"3"},
		"deviceIdentifier": {"test-device-uuid"},
		"deviceName":       {"firefox"},
	}
	resp, body := doForm(t, ts.URL+"/identity/connect/token", form)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %s", resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	return out
}

func doForm(t *testing.T, url string, form url.Values) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doReq(t, req)
}

func TestRegisterAndLogin(t *testing.T) {
	_, ts := newTestServer(t)
	hash := register(t, ts)
	grant := login(t, ts, hash)

	if grant["token_type"] != "Bearer" {
		t.Fatalf("token_type: %v", grant["token_type"])
	}
	if grant["access_token"] == "" || grant["refresh_token"] == "" {
		t.Fatalf("missing tokens: %v", grant)
	}
	if grant["Kdf"] != float64(0) || grant["KdfIterations"] != float64(testIters) {
		t.Fatalf("kdf advertisement: %v", grant)
	}
	if !strings.HasPrefix(grant["Key"].(string), "2.") {
		t.Fatalf("vault key envelope: %v", grant["Key"])
	}
}

func TestRegisterRequiresKey(t *testing.T) {
	_, ts := newTestServer(t)

	hash := mustHash(t, testPassword, testEmail)
	req := map[string]any{
		"email":              testEmail,
		"masterPasswordHash": hash,
		"kdf":                0,
		"kdfIterations":      testIters,
	}
	resp, body := postJSON(t, ts.URL+"/api/accounts/register", req, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("keyless register: %d %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "key cannot be blank") {
		t.Fatalf("keyless register body: %s", body)
	}

	req["key"] = "0.garbage"
	resp, body = postJSON(t, ts.URL+"/api/accounts/register", req, "")
	if resp.StatusCode != http.StatusBadRequest ||
		!strings.Contains(string(body), "Invalid key") {
		t.Fatalf("malformed key register: %d %s", resp.StatusCode, body)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	_, ts := newTestServer(t)
	register(t, ts)

	form := url.Values{
		"grant_type":       {"password"},
		"username":         {testEmail},
		"password":         {mustHash(t, "wrong password", testEmail)},
		"scope":            {"api offline_access"},
		"client_id":        {"browser"},
		"deviceType":       {"3"},
		"deviceIdentifier": {"test-device-uuid"},
		"deviceName":       {"firefox"},
	}
	resp, body := doForm(t, ts.URL+"/identity/connect/token", form)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
	var out struct {
		ValidationErrors map[string][]string
		Object           string
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "error" || len(out.ValidationErrors[""]) == 0 {
		t.Fatalf("validation envelope: %s", body)
	}
}

func TestLoginRejectsUnsupportedScope(t *testing.T) {
	_, ts := newTestServer(t)
	hash := register(t, ts)

	form := url.Values{
		"grant_type":       {"password"},
		"username":         {testEmail},
		"password":         {hash},
		"scope":            {"api"},
		"client_id":        {"browser"},
		"deviceType":       {"3"},
		"deviceIdentifier": {"test-device-uuid"},
		"deviceName":       {"firefox"},
	}
	resp, _ := doForm(t, ts.URL+"/identity/connect/token", form)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
}

func TestTwoFactorChallengeBody(t *testing.T) {
	srv, ts := newTestServer(t)
	hash := register(t, ts)

	acct, err := srv.store.AccountByEmail(context.Background(), testEmail)
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	acct.TOTPSecret = "JBSWY3DPEHPK3PXP"
	if err := srv.store.SaveAccount(context.Background(), acct); err != nil {
		t.Fatalf("enable totp: %v", err)
	}

	form := url.Values{
		"grant_type":       {"password"},
		"username":         {testEmail},
		"password":         {hash},
		"scope":            {"api offline_access"},
		"client_id":        {"browser"},
		"deviceType":       {"3"},
		"deviceIdentifier": {"test-device-uuid"},
		"deviceName":       {"firefox"},
	}
	resp, body := doForm(t, ts.URL+"/identity/connect/token", form)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["error"] != "invalid_grant" || out["error_description"] != "Two factor required." {
		t.Fatalf("challenge body: %s", body)
	}
	if _, ok := out["TwoFactorProviders"]; !ok {
		t.Fatalf("missing TwoFactorProviders: %s", body)
	}
}

func TestRefreshTokenGrant(t *testing.T) {
	_, ts := newTestServer(t)
	hash := register(t, ts)
	grant := login(t, ts, hash)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {grant["refresh_token"].(string)},
	}
	resp, body := doForm(t, ts.URL+"/identity/connect/token", form)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: %d %s", resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["refresh_token"] != grant["refresh_token"] {
		t.Fatal("refresh token rotated")
	}
	if out["access_token"] == grant["access_token"] {
		t.Fatal("access token not reissued")
	}

	form.Set("refresh_token", "bogus")
	resp, _ = doForm(t, ts.URL+"/identity/connect/token", form)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus refresh: %d", resp.StatusCode)
	}
}

func TestPrelogin(t *testing.T) {
	_, ts := newTestServer(t)
	register(t, ts)

	resp, body := postJSON(t, ts.URL+"/api/accounts/prelogin",
		map[string]any{"email": testEmail}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prelogin: %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["Kdf"] != float64(0) || out["KdfIterations"] != float64(testIters) {
		t.Fatalf("known account kdf: %s", body)
	}

	// unknown accounts get defaults so the endpoint cannot be used to
	// probe which emails are registered
	_, body = postJSON(t, ts.URL+"/api/accounts/prelogin",
		map[string]any{"email": "ghost@example.com"}, "")
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["KdfIterations"] != float64(100000) {
		t.Fatalf("unknown account kdf: %s", body)
	}
}

func TestProfileRequiresBearer(t *testing.T) {
	_, ts := newTestServer(t)
	register(t, ts)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/accounts/profile", nil)
	resp, _ := doReq(t, req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("no bearer: %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/accounts/profile", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, _ = doReq(t, req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("garbage bearer: %d", resp.StatusCode)
	}
}

func TestProfileUpdate(t *testing.T) {
	_, ts := newTestServer(t)
	hash := register(t, ts)
	grant := login(t, ts, hash)
	access := grant["access_token"].(string)

	// partial bodies must not blank out the stored profile
	resp, body := postJSON(t, ts.URL+"/api/accounts/profile",
		map[string]any{"name": "Renamed"}, access)
	if resp.StatusCode != http.StatusBadRequest ||
		!strings.Contains(string(body), "cannot be blank") {
		t.Fatalf("partial profile update: %d %s", resp.StatusCode, body)
	}

	resp, body = postJSON(t, ts.URL+"/api/accounts/profile", map[string]any{
		"name":               "Renamed",
		"masterPasswordHint": "the usual",
		"culture":            "de-DE",
	}, access)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile update: %d %s", resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["Name"] != "Renamed" || out["MasterPasswordHint"] != "the usual" ||
		out["Culture"] != "de-DE" {
		t.Fatalf("profile after update: %s", body)
	}
}

func TestPasswordChangeFlow(t *testing.T) {
	_, ts := newTestServer(t)
	hash := register(t, ts)
	grant := login(t, ts, hash)
	access := grant["access_token"].(string)

	newHash := mustHash(t, "a better password", testEmail)
	resp, body := postJSON(t, ts.URL+"/api/accounts/password", map[string]any{
		"masterPasswordHash":    hash,
		"newMasterPasswordHash": newHash,
		"key":                   mustEnvelope(t, "a better password", testEmail),
	}, access)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("password change: %d %s", resp.StatusCode, body)
	}

	// stamp rotation revokes the old bearer
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/accounts/profile", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	resp, _ = doReq(t, req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("revoked bearer accepted: %d", resp.StatusCode)
	}

	login(t, ts, newHash)
}

func TestLoginRateLimited(t *testing.T) {
	_, ts := newTestServer(t)
	register(t, ts)

	bad := mustHash(t, "wrong password", testEmail)
	var last int
	for i := 0; i < 12; i++ {
		form := url.Values{
			"grant_type":       {"password"},
			"username":         {fmt.Sprintf("probe%d@example.com", i)},
			"password":         {bad},
			"scope":            {"api offline_access"},
			"client_id":        {"browser"},
			"deviceType":       {"3"},
			"deviceIdentifier": {"test-device-uuid"},
			"deviceName":       {"firefox"},
		}
		resp, _ := doForm(t, ts.URL+"/identity/connect/token", form)
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("want 429 after burst, got %d", last)
	}
}

func TestIconRedirect(t *testing.T) {
	_, ts := newTestServer(t)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(ts.URL + "/icons/example.com/icon.png")
	if err != nil {
		t.Fatalf("get icon: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("want 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "http://example.com/favicon.ico" {
		t.Fatalf("location: %s", loc)
	}

	resp, err = client.Get(ts.URL + "/icons/..%2Fevil/icon.png")
	if err != nil {
		t.Fatalf("get bad icon: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusFound {
		t.Fatal("redirected a malformed domain")
	}
}
