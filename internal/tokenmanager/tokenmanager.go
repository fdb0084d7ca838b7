// Package tokenmanager fetches a scoped access token for the remote
// storage connection — either minted locally from a direct API key, or
// issued by a user-supplied HTTP endpoint — and schedules its refresh a
// fixed buffer before expiry.
package tokenmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/hpkv-io/zustand-multiplayer-sub001/pkg/jsonx"
)

// ErrConfig is raised unless exactly one of an API key or a
// token-generation URL is provided.
var ErrConfig = errors.New("tokenmanager: exactly one of APIKey or TokenGenerationURL is required")

// ErrAuth wraps a failed token issuance, direct or indirect.
var ErrAuth = errors.New("tokenmanager: token issuance failed")

// DefaultRefreshBuffer is how long before expiry the refresh timer fires.
const DefaultRefreshBuffer = 30 * time.Second

// Token is an issued access token scoped to a set of key patterns.
type Token struct {
	Raw       string
	ExpiresAt time.Time
}

// Options configures a Manager. Exactly one of APIKey / TokenGenerationURL
// must be set.
type Options struct {
	APIKey             string
	TokenGenerationURL string
	Namespace          string
	// Patterns are the pre-declared subscribed key patterns ({field},
	// {field}:*} per synced root field) embedded in the issued token so
	// its access scope matches what the subscription will observe.
	Patterns      []string
	TTL           time.Duration // direct-mode token lifetime, default 1h
	RefreshBuffer time.Duration // default DefaultRefreshBuffer
	HTTPClient    *http.Client
	Log           *zap.Logger
}

// Manager issues tokens and schedules their refresh.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	timer     *time.Timer
	onRefresh func()
	stopped   bool
}

// New validates opts and returns a Manager. It fails with ErrConfig when
// neither or both of an API key and a token-generation URL are provided.
func New(opts Options) (*Manager, error) {
	if (opts.APIKey == "") == (opts.TokenGenerationURL == "") {
		return nil, ErrConfig
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = DefaultRefreshBuffer
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{opts: opts, log: log.Named("tokenmanager")}, nil
}

// FetchToken issues a fresh token via whichever mode is configured.
func (m *Manager) FetchToken(ctx context.Context) (Token, error) {
	if m.opts.APIKey != "" {
		return m.fetchDirect()
	}
	return m.fetchIndirect(ctx)
}

// fetchDirect mints a signed JWT locally, scoped to the pre-declared
// patterns, using the API key as the HMAC secret.
func (m *Manager) fetchDirect() (Token, error) {
	now := time.Now()
	expiresAt := now.Add(m.opts.TTL)

	claims := jwt.MapClaims{
		"sub":      m.opts.Namespace,
		"patterns": m.opts.Patterns,
		"iat":      now.Unix(),
		"exp":      expiresAt.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(m.opts.APIKey))
	if err != nil {
		return Token{}, fmt.Errorf("%w: sign: %v", ErrAuth, err)
	}
	return Token{Raw: signed, ExpiresAt: expiresAt}, nil
}

// tokenRequest is the JSON body POSTed to TokenGenerationURL.
type tokenRequest struct {
	Namespace string   `json:"namespace"`
	Patterns  []string `json:"patterns"`
}

// tokenResponse is the expected JSON shape returned by the user's
// token-generation endpoint.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // unix millis
}

// fetchIndirect POSTs the pre-declared patterns to the user-supplied URL
// and parses the returned token + expiry.
func (m *Manager) fetchIndirect(ctx context.Context) (Token, error) {
	body, err := json.Marshal(tokenRequest{Namespace: m.opts.Namespace, Patterns: m.opts.Patterns})
	if err != nil {
		return Token{}, fmt.Errorf("%w: encode request: %v", ErrAuth, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.TokenGenerationURL, bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("%w: build request: %v", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: request: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("%w: token endpoint returned %d", ErrAuth, resp.StatusCode)
	}

	var out tokenResponse
	if err := jsonx.ParseJSONObject(resp.Body, &out); err != nil {
		return Token{}, fmt.Errorf("%w: decode response: %v", ErrAuth, err)
	}
	if strings.TrimSpace(out.Token) == "" {
		return Token{}, fmt.Errorf("%w: empty token in response", ErrAuth)
	}

	return Token{Raw: out.Token, ExpiresAt: time.UnixMilli(out.ExpiresAt)}, nil
}

// ScheduleRefresh arms a timer that fires onRefresh at
// tok.ExpiresAt - RefreshBuffer. A token already inside the buffer window
// fires onRefresh immediately. Calling ScheduleRefresh again replaces any
// previously scheduled timer.
func (m *Manager) ScheduleRefresh(tok Token, onRefresh func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}

	delay := time.Until(tok.ExpiresAt.Add(-m.opts.RefreshBuffer))
	if delay < 0 {
		delay = 0
	}
	m.onRefresh = onRefresh
	m.log.Debug("refresh scheduled", zap.Duration("in", delay))
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		cb := m.onRefresh
		stopped := m.stopped
		m.mu.Unlock()
		if !stopped && cb != nil {
			cb()
		}
	})
}

// Stop cancels any pending refresh timer. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.stopped = true
}

// Patterns derives the pre-declared subscription key patterns from a list
// of synced root field names: "{field}" (the field's own direct key, used
// when the field's value is not a map) and "{field}:*" (every nested
// leaf), one pair per field.
func Patterns(syncFields []string) []string {
	out := make([]string, 0, len(syncFields)*2)
	for _, f := range syncFields {
		out = append(out, f, f+":*")
	}
	return out
}
