// Package registration provisions users on a running homeserver using
// the shared-secret admin registration API.
package registration

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/bnema/mxtester/internal/config"
	"github.com/bnema/mxtester/internal/retry"
)

// AdminLocalname is the implicit admin account provisioned on every Up
// so tests always have an admin to drive the admin API with.
const AdminLocalname = "mx-tester-admin"

var httpClient = &http.Client{}

// ProvisionUsers ensures the implicit admin and every declared user
// exist on the homeserver.
func ProvisionUsers(ctx context.Context, cfg *config.Config) error {
	users := append([]config.User{{
		Admin:     true,
		Localname: AdminLocalname,
		Password:  "password",
	}}, cfg.Users...)
	for _, user := range users {
		if err := EnsureUserExists(ctx, cfg.Homeserver.PublicBaseURL, cfg.Homeserver.RegistrationSharedSecret, user); err != nil {
			return fmt.Errorf("could not provision user %s: %w", user.Localname, err)
		}
	}
	return nil
}

// EnsureUserExists logs in with the given identity and, if that fails,
// registers it through the nonce/HMAC challenge-response flow. An
// already-existing user is a silent success.
func EnsureUserExists(ctx context.Context, baseURL, secret string, user config.User) error {
	if err := Login(ctx, baseURL, user); err == nil {
		log.Debug("user already exists", "localname", user.Localname)
		return nil
	} else {
		log.Debug("login failed, registering user", "localname", user.Localname, "error", err)
	}
	return RegisterUser(ctx, baseURL, secret, user)
}

// Login performs an m.login.password login, discarding the session.
func Login(ctx context.Context, baseURL string, user config.User) error {
	payload := map[string]any{
		"type":     "m.login.password",
		"password": user.Password,
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": user.Localname,
		},
	}
	resp, err := postJSON(ctx, baseURL+"/_matrix/client/r0/login", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("login failed with status %d: %s", resp.StatusCode, body)
}

// RegisterUser registers a user via /_synapse/admin/v1/register: fetch
// a nonce, then post it back signed with the registration shared
// secret.
func RegisterUser(ctx context.Context, baseURL, secret string, user config.User) error {
	registrationURL := baseURL + "/_synapse/admin/v1/register"
	log.Debug("registering user", "url", registrationURL, "localname", user.Localname, "admin", user.Admin)

	resp, err := retry.Do(ctx, retry.DefaultAttempts, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, registrationURL, nil)
		if err != nil {
			return nil, err
		}
		return httpClient.Do(req)
	})
	if err != nil {
		return fmt.Errorf("could not fetch registration nonce: %w", err)
	}
	var nonceBody struct {
		Nonce string `json:"nonce"`
	}
	if err := decodeJSON(resp, &nonceBody); err != nil {
		return fmt.Errorf("invalid registration nonce response: %w", err)
	}

	payload := map[string]any{
		"nonce":       nonceBody.Nonce,
		"username":    user.Localname,
		"displayname": user.Localname,
		"password":    user.Password,
		"admin":       user.Admin,
		"mac":         registrationMAC(secret, nonceBody.Nonce, user),
	}
	resp, err = postJSON(ctx, registrationURL, payload)
	if err != nil {
		return fmt.Errorf("registration request failed: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		resp.Body.Close()
		return nil
	}
	var errBody struct {
		Errcode string `json:"errcode"`
		Error   string `json:"error"`
	}
	if err := decodeJSON(resp, &errBody); err != nil {
		return fmt.Errorf("registration failed with status %d", resp.StatusCode)
	}
	return fmt.Errorf("homeserver refused registration: errcode %s, error %s", errBody.Errcode, errBody.Error)
}

// registrationMAC signs nonce, localname, password and the admin flag
// with HMAC-SHA1 keyed on the registration shared secret, as the admin
// registration endpoint expects.
func registrationMAC(secret, nonce string, user config.User) string {
	admin := "notadmin"
	if user.Admin {
		admin = "admin"
	}
	mac := hmac.New(sha1.New, []byte(secret))
	fmt.Fprintf(mac, "%s\x00%s\x00%s\x00%s", nonce, user.Localname, user.Password, admin)
	return hex.EncodeToString(mac.Sum(nil))
}

func postJSON(ctx context.Context, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return retry.Do(ctx, retry.DefaultAttempts, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return httpClient.Do(req)
	})
}

func decodeJSON(resp *http.Response, into any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(into)
}
