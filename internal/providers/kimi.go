package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const defaultKimiBaseURL = "https://kimi.moonshot.cn"

// KimiConfig holds connection settings for the Kimi web API.
type KimiConfig struct {
	RefreshToken    string `json:"refreshToken"`
	BaseURL         string `json:"baseUrl"`
	StandardPersona string `json:"standardPersona"` // kimiplus id for plain chat
	VisualPersona   string `json:"visualPersona"`   // kimiplus id for video analysis
}

// KimiClient talks to the Kimi web API: session creation, streamed
// completions, and file uploads. It implements ChatBackend and FileUploader.
type KimiClient struct {
	http     *http.Client
	baseURL  string
	personas map[Variant]string

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// NewKimiClient creates a client from config, applying defaults.
func NewKimiClient(cfg KimiConfig) *KimiClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultKimiBaseURL
	}
	standard := cfg.StandardPersona
	if standard == "" {
		standard = "kimi"
	}
	visual := cfg.VisualPersona
	if visual == "" {
		visual = standard
	}
	return &KimiClient{
		http:         &http.Client{Timeout: 5 * time.Minute},
		baseURL:      baseURL,
		personas:     map[Variant]string{VariantStandard: standard, VariantVisual: visual},
		refreshToken: cfg.RefreshToken,
	}
}

// token returns a valid access token, refreshing it on first use.
func (c *KimiClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" {
		return c.accessToken, nil
	}
	return c.refreshLocked(ctx)
}

// invalidate drops the cached access token so the next call refreshes.
func (c *KimiClient) invalidate() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

func (c *KimiClient) refreshLocked(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/auth/token/refresh", nil)
	if err != nil {
		return "", fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.refreshToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token refresh: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token refresh status %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("parse refresh response: %w", err)
	}
	c.accessToken = body.AccessToken
	if body.RefreshToken != "" {
		c.refreshToken = body.RefreshToken
	}
	return c.accessToken, nil
}

// doJSON posts payload to path with auth, retrying once after a token
// refresh if the access token has expired.
func (c *KimiClient) doJSON(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, err
		}
		var body *bytes.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("encode payload: %w", err)
			}
			body = bytes.NewReader(data)
		} else {
			body = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Origin", c.baseURL)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrRemoteUnavailable, method, path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.invalidate()
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: auth retry exhausted", ErrRemoteUnavailable)
}

// CreateSession creates a new remote chat session and returns its id.
func (c *KimiClient) CreateSession(ctx context.Context, variant Variant) (string, error) {
	payload := map[string]any{
		"name":        "未命名会话",
		"is_example":  false,
		"kimiplus_id": c.personas[variant],
	}
	resp, err := c.doJSON(ctx, http.MethodPost, "/api/chat", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: create session status %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("parse create session response: %w", err)
	}
	if body.ID == "" {
		return "", fmt.Errorf("%w: create session returned no id", ErrRemoteUnavailable)
	}
	return body.ID, nil
}

// SendMessage sends one user message into a session, optionally referencing
// previously uploaded files, and returns the full streamed reply text.
func (c *KimiClient) SendMessage(ctx context.Context, sessionID, content string, refs []string, opts ChatOptions) (string, error) {
	payload := map[string]any{
		"messages":     []map[string]string{{"role": "user", "content": content}},
		"use_search":   opts.UseSearch,
		"extend":       map[string]bool{"sidebar": true},
		"use_research": false,
		"use_math":     false,
	}
	if len(refs) > 0 {
		payload["refs"] = refs
	}

	// Preprocessing call; failures are non-fatal for the completion itself.
	if resp, err := c.doJSON(ctx, http.MethodPost, "/api/chat/"+sessionID+"/pre-n2s", payload); err == nil {
		resp.Body.Close()
	} else {
		slog.Debug("kimi: pre-n2s failed", "session", sessionID, "err", err)
	}

	resp, err := c.doJSON(ctx, http.MethodPost, "/api/chat/"+sessionID+"/completion/stream", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: completion status %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	text, err := collectStream(resp.Body)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

// collectStream reads an SSE body line by line and concatenates the text of
// "cmpl" events. Unparseable lines are skipped.
func collectStream(r io.Reader) (string, error) {
	var sb strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		event := gjson.Parse(line[len("data: "):])
		if event.Get("event").String() == "cmpl" {
			sb.WriteString(event.Get("text").String())
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read completion stream: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
