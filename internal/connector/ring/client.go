package ring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Production vendor endpoints; tests point both at a stub.
const (
	defaultOAuthURL = "https://oauth.ring.com"
	defaultAPIURL   = "https://api.ring.com"
)

const oauthClientID = "ring_official_android"

// tokenSet is the vendor OAuth grant. The refresh token rotates on every
// grant; the rotated value is what gets persisted.
type tokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Classified OAuth failures. The connector folds these into AuthResult
// codes; nothing else inspects them.
var (
	errTwoFactorRequired = errors.New("ring: two-factor code required")
	errInvalidCode       = errors.New("ring: verification code rejected")
	errBadCredentials    = errors.New("ring: email or password rejected")
)

type client struct {
	http     *http.Client
	oauthURL string
	apiURL   string
}

func newClient(timeout time.Duration) *client {
	return &client{
		http:     &http.Client{Timeout: timeout},
		oauthURL: defaultOAuthURL,
		apiURL:   defaultAPIURL,
	}
}

// passwordGrant runs the password login. A non-empty twoFactorCode is
// sent as the challenge answer. hardwareID pins the grant to this
// install, which is what makes the vendor rotate rather than revoke.
func (c *client) passwordGrant(ctx context.Context, email, password, twoFactorCode, hardwareID string) (*tokenSet, error) {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {oauthClientID},
		"username":   {email},
		"password":   {password},
	}
	headers := map[string]string{"hardware_id": hardwareID, "2fa-support": "true"}
	if twoFactorCode != "" {
		headers["2fa-code"] = twoFactorCode
	}
	return c.tokenRequest(ctx, form, headers)
}

// refreshGrant exchanges a stored refresh token for a fresh session.
func (c *client) refreshGrant(ctx context.Context, refreshToken, hardwareID string) (*tokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {oauthClientID},
		"refresh_token": {refreshToken},
	}
	return c.tokenRequest(ctx, form, map[string]string{"hardware_id": hardwareID})
}

func (c *client) tokenRequest(ctx context.Context, form url.Values, headers map[string]string) (*tokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusOK:
		var tokens tokenSet
		if err := json.Unmarshal(body, &tokens); err != nil || tokens.AccessToken == "" {
			return nil, fmt.Errorf("ring: malformed token response")
		}
		return &tokens, nil
	case http.StatusPreconditionFailed:
		// The vendor raises the challenge only for accounts with 2FA
		// enabled; the code arrives by SMS/email out of band.
		return nil, errTwoFactorRequired
	case http.StatusBadRequest, http.StatusUnauthorized:
		var fail struct {
			Error string `json:"error"`
		}
		json.Unmarshal(body, &fail)
		if strings.Contains(strings.ToLower(fail.Error), "code") {
			return nil, errInvalidCode
		}
		return nil, errBadCredentials
	default:
		return nil, fmt.Errorf("ring: oauth http %d", resp.StatusCode)
	}
}

// --- Authenticated API calls ---

func (c *client) getJSON(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ring: api %s http %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out)
}

// getBytes fetches a binary payload (snapshot JPEGs).
func (c *client) getBytes(ctx context.Context, accessToken, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ring: api %s http %d", path, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// put issues a command-style call; the vendor answers these with 200/204
// and an empty body.
func (c *client) put(ctx context.Context, accessToken, path string, body any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(payload))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.apiURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("ring: api %s http %d", path, resp.StatusCode)
	}
	return nil
}

func (c *client) post(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("ring: api %s http %d", path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
