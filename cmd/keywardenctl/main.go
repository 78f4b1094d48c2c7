// keywardenctl is the operator tool: it registers accounts against a running
// server, changes master passwords, and enables TOTP directly in the
// database.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"keywarden/internal/crypto"
	"keywarden/internal/store"
	"keywarden/internal/totp"
)

func main() {
	registerCmd := flag.NewFlagSet("register", flag.ExitOnError)
	regURL := registerCmd.String("url", "http://127.0.0.1:4567", "server base URL")
	regEmail := registerCmd.String("email", "", "account email")
	regName := registerCmd.String("name", "", "display name")
	regHint := registerCmd.String("hint", "", "master password hint")
	regIters := registerCmd.Int("iterations", crypto.DefaultKdfIterations, "PBKDF2 iterations")

	passwdCmd := flag.NewFlagSet("passwd", flag.ExitOnError)
	pwURL := passwdCmd.String("url", "http://127.0.0.1:4567", "server base URL")
	pwEmail := passwdCmd.String("email", "", "account email")

	totpCmd := flag.NewFlagSet("activate-totp", flag.ExitOnError)
	totpDB := totpCmd.String("db", "./keywarden.db", "path to database")
	totpEmail := totpCmd.String("email", "", "account email")
	totpIssuer := totpCmd.String("issuer", "keywarden", "issuer label for the authenticator app")

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "register":
		_ = registerCmd.Parse(os.Args[2:])
		requireFlag(*regEmail, "-email")
		dieIf(register(*regURL, *regEmail, *regName, *regHint, *regIters))

	case "passwd":
		_ = passwdCmd.Parse(os.Args[2:])
		requireFlag(*pwEmail, "-email")
		dieIf(changePassword(*pwURL, *pwEmail))

	case "activate-totp":
		_ = totpCmd.Parse(os.Args[2:])
		requireFlag(*totpEmail, "-email")
		dieIf(activateTOTP(*totpDB, *totpEmail, *totpIssuer))

	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: keywardenctl <command> [flags]

commands:
  register        create an account on a running server
  passwd          change an account's master password
  activate-totp   enable two-factor login for an account (direct db access)`)
}

func requireFlag(v, name string) {
	if v == "" {
		fmt.Fprintf(os.Stderr, "%s is required\n", name)
		os.Exit(1)
	}
}

func dieIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var deriver = crypto.NewDeriver(1)

func register(baseURL, email, name, hint string, iterations int) error {
	email = strings.ToLower(strings.TrimSpace(email))
	password, err := promptPassword(true)
	if err != nil {
		return err
	}
	params := crypto.KdfParams{Type: crypto.KdfPbkdf2Sha256, Iterations: iterations}
	if err := params.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	hash, err := deriver.HashPassword(ctx, password, email, params)
	if err != nil {
		return err
	}
	master, err := deriver.MakeKey(ctx, password, email, params)
	if err != nil {
		return err
	}
	defer crypto.Zero(master)
	envelope, err := crypto.MakeEncKey(master, crypto.TypeAesCbc256HmacSha256B64)
	if err != nil {
		return err
	}

	_, err = postJSON(baseURL+"/api/accounts/register", map[string]any{
		"email":              email,
		"name":               name,
		"masterPasswordHash": hash,
		"masterPasswordHint": hint,
		"key":                envelope,
		"kdf":                int(params.Type),
		"kdfIterations":      params.Iterations,
	}, "")
	if err != nil {
		return err
	}
	fmt.Println("account created:", email)
	return nil
}

func changePassword(baseURL, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	fmt.Print("current password: ")
	current, err := readLine()
	if err != nil {
		return err
	}

	// kdf settings come from the server, same as a real client
	raw, err := postJSON(baseURL+"/api/accounts/prelogin", map[string]any{"email": email}, "")
	if err != nil {
		return err
	}
	var pre struct {
		Kdf           int
		KdfIterations int
	}
	if err := json.Unmarshal(raw, &pre); err != nil {
		return err
	}
	params := crypto.KdfParams{Type: crypto.KdfType(pre.Kdf), Iterations: pre.KdfIterations}

	ctx := context.Background()
	oldHash, err := deriver.HashPassword(ctx, current, email, params)
	if err != nil {
		return err
	}
	oldMaster, err := deriver.MakeKey(ctx, current, email, params)
	if err != nil {
		return err
	}
	defer crypto.Zero(oldMaster)

	grant, err := login(baseURL, email, oldHash)
	if err != nil {
		return err
	}

	// unwrap the vault key under the old master key and re-wrap it under
	// the new one; the vault contents never need re-encryption
	vaultKey, err := crypto.DecryptString(grant.Key, oldMaster)
	if err != nil {
		return fmt.Errorf("unwrap vault key: %w", err)
	}
	defer crypto.Zero(vaultKey)

	newPassword, err := promptPassword(true)
	if err != nil {
		return err
	}
	newHash, err := deriver.HashPassword(ctx, newPassword, email, params)
	if err != nil {
		return err
	}
	newMaster, err := deriver.MakeKey(ctx, newPassword, email, params)
	if err != nil {
		return err
	}
	defer crypto.Zero(newMaster)
	rewrapped, err := crypto.Encrypt(vaultKey, newMaster, crypto.TypeAesCbc256HmacSha256B64)
	if err != nil {
		return err
	}

	_, err = postJSON(baseURL+"/api/accounts/password", map[string]any{
		"masterPasswordHash":    oldHash,
		"newMasterPasswordHash": newHash,
		"key":                   rewrapped.String(),
	}, grant.AccessToken)
	if err != nil {
		return err
	}
	fmt.Println("password changed; all sessions are now signed out")
	return nil
}

func activateTOTP(dbPath, email, issuer string) error {
	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	acct, err := st.AccountByEmail(ctx, email)
	if err != nil {
		return err
	}

	secret, err := totp.GenerateSecret()
	if err != nil {
		return err
	}
	fmt.Println("secret:", secret)
	fmt.Println("uri:   ", totp.ProvisionURI(acct.Email, issuer, secret))
	fmt.Print("enter the code shown by your authenticator app: ")
	code, err := readLine()
	if err != nil {
		return err
	}
	if !totp.Verify(strings.TrimSpace(code), secret, time.Now()) {
		return fmt.Errorf("code did not verify; totp not enabled")
	}

	acct.TOTPSecret = secret
	acct.SecurityStamp = uuid.NewString()
	if err := st.SaveAccount(ctx, acct); err != nil {
		return err
	}
	fmt.Println("two-factor enabled for", acct.Email)
	return nil
}

type grantResponse struct {
	AccessToken string `json:"access_token"`
	Key         string `json:"Key"`
}

func login(baseURL, email, hash string) (*grantResponse, error) {
	form := url.Values{
		"grant_type":       {"password"},
		"username":         {email},
		"password":         {hash},
		"scope":            {"api offline_access"},
		"client_id":        {"cli"},
		"deviceType":       {"8"},
		"deviceIdentifier": {uuid.NewString()},
		"deviceName":       {"keywardenctl"},
	}
	resp, err := http.PostForm(baseURL+"/identity/connect/token", form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login failed: %s", strings.TrimSpace(string(raw)))
	}
	var grant grantResponse
	if err := json.Unmarshal(raw, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

func postJSON(url string, body map[string]any, bearer string) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func promptPassword(confirm bool) (string, error) {
	fmt.Print("new master password: ")
	pw, err := readLine()
	if err != nil {
		return "", err
	}
	if len(pw) < 8 {
		return "", fmt.Errorf("password too short")
	}
	if confirm {
		fmt.Print("again: ")
		pw2, err := readLine()
		if err != nil {
			return "", err
		}
		if pw != pw2 {
			return "", fmt.Errorf("passwords do not match")
		}
	}
	return pw, nil
}

func readLine() (string, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
