package roborock

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Default regional API endpoints probed during login. The vendor routes
// accounts by region; getUrlByEmail on any endpoint answers with the
// authoritative one for the account.
var defaultEndpoints = []string{
	"https://usiot.roborock.com",
	"https://euiot.roborock.com",
	"https://cniot.roborock.com",
	"https://ruiot.roborock.com",
}

// appSecret keys the one-time signing material for the pre-login
// send-code and verify-code calls. Fixed per app build, not per user.
const appSecret = "h6Yt1zVbkLqGmA3s"

const appVersion = "4.2.11"

// Vendor result codes observed on the auth endpoints.
const (
	vcOK              = 200
	vcAccountNotFound = 2008
	vcInvalidCode     = 2010
	vcTermsOutdated   = 2012
	vcRateLimited     = 2018
)

// apiResponse is the uniform vendor envelope.
type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// rriot is the session token bundle returned by a successful login. It is
// what gets vault-encrypted and persisted: U identifies the session, S and
// H are the request-signing secrets, K keys the device transport, and R
// carries the regional service endpoints.
type rriot struct {
	U string    `json:"u"`
	S string    `json:"s"`
	H string    `json:"h"`
	K string    `json:"k"`
	R regionRef `json:"r"`
}

type regionRef struct {
	API    string `json:"a"`
	MQTT   string `json:"m,omitempty"`
	Locale string `json:"l,omitempty"`
}

// credentialBundle is the persisted credential blob: the plain API token
// for unsigned calls plus the rriot signing bundle.
type credentialBundle struct {
	Token string `json:"token"`
	Rriot rriot  `json:"rriot"`
}

// client wraps the vendor HTTP API. One client per connector; the base
// URL varies per call (probe endpoints pre-login, rriot region after).
type client struct {
	http *http.Client
}

func newClient(timeout time.Duration) *client {
	return &client{http: &http.Client{Timeout: timeout}}
}

// getJSON issues an unsigned GET with the given headers.
func (c *client) getJSON(ctx context.Context, rawURL string, headers map[string]string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req)
}

// postForm issues an unsigned form POST with the given headers.
func (c *client) postForm(ctx context.Context, rawURL string, form url.Values, headers map[string]string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req)
}

// signedGet issues a GET carrying the Hawk-style signature header.
func (c *client) signedGet(ctx context.Context, r rriot, rawURL string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if err := signRequest(req, r); err != nil {
		return nil, err
	}
	return c.do(req)
}

// signedPost issues a JSON POST carrying the Hawk-style signature header.
func (c *client) signedPost(ctx context.Context, r rriot, rawURL string, body any) (*apiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := signRequest(req, r); err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *client) do(req *http.Request) (*apiResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vendor http %d: %s", resp.StatusCode, truncateBody(body))
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("vendor response not json: %w", err)
	}
	return &out, nil
}

// signRequest attaches the request signature: HMAC-SHA256 with the
// session's signing key over "u:s:nonce:ts:path", proving possession of
// the signing secret without resending the raw token.
func signRequest(req *http.Request, r rriot) error {
	nonce, err := randomNonce()
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	sig := requestSignature(r, nonce, ts, req.URL.Path)
	req.Header.Set("Authorization",
		fmt.Sprintf(`Hawk id="%s", s="%s", ts="%s", nonce="%s"`, r.U, sig, ts, nonce))
	return nil
}

func requestSignature(r rriot, nonce, ts, path string) string {
	canonical := strings.Join([]string{r.U, r.S, nonce, ts, path}, ":")
	mac := hmac.New(sha256.New, []byte(r.H))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// oneTimeSignKey derives the signing key for pre-login calls from a
// server-issued nonce. Keyed with the fixed app secret so the server can
// reproduce it.
func oneTimeSignKey(email, nonce string) string {
	mac := hmac.New(sha256.New, []byte(nonce))
	mac.Write([]byte(email + ":" + appSecret))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomNonce() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func truncateBody(b []byte) string {
	const max = 200
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
