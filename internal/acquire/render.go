package acquire

import (
	"bytes"
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

// ErrRenderUnavailable is returned when escalation reaches the render path without a renderer.
var ErrRenderUnavailable = errors.New("render path not configured")

// Renderer loads a page through a real browser engine.
type Renderer interface {
	Render(ctx context.Context, target string, headers http.Header) (*Response, error)
}

// RemoteRenderer calls a headless-browser render service (browserless-style /content API).
type RemoteRenderer struct {
	endpoint string
	token    string
	client   *http.Client
	maxBody  int64
}

// NewRemoteRenderer builds a renderer; an empty endpoint returns nil.
func NewRemoteRenderer(endpoint, token string, timeout time.Duration, maxBody int64) *RemoteRenderer {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &RemoteRenderer{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
		maxBody:  maxBody,
	}
}

type renderRequest struct {
	URL              string            `json:"url"`
	SetExtraHeaders  map[string]string `json:"setExtraHTTPHeaders,omitempty"`
	UserAgent        string            `json:"userAgent,omitempty"`
	GotoOptions      renderGoto        `json:"gotoOptions"`
	RejectResources  []string          `json:"rejectResourceTypes,omitempty"`
	BestAttemptWaits bool              `json:"bestAttempt"`
}

type renderGoto struct {
	WaitUntil string `json:"waitUntil"`
	Timeout   int64  `json:"timeout"`
}

// Render asks the service for the fully rendered HTML of target.
func (r *RemoteRenderer) Render(ctx context.Context, target string, headers http.Header) (*Response, error) {
	payload := renderRequest{
		URL:              target,
		UserAgent:        headers.Get("User-Agent"),
		GotoOptions:      renderGoto{WaitUntil: "networkidle2", Timeout: r.client.Timeout.Milliseconds()},
		RejectResources:  []string{"image", "media", "font"},
		BestAttemptWaits: true,
	}
	extra := make(map[string]string)
	for k := range headers {
		if strings.EqualFold(k, "User-Agent") {
			continue
		}
		extra[k] = headers.Get(k)
	}
	if len(extra) > 0 {
		payload.SetExtraHeaders = extra
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal render payload: %w", err)
	}

	endpoint := r.endpoint + "/content"
	if r.token != "" {
		endpoint += "?token=" + url.QueryEscape(r.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render request: %w", err)
	}
	defer resp.Body.Close()

	html, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read render body: %w", err)
	}

	status := resp.StatusCode
	if code := resp.Header.Get("X-Response-Code"); code != "" {
		// browserless reports the target's own status separately from the service status
		var parsed int
		if _, scanErr := fmt.Sscanf(code, "%d", &parsed); scanErr == nil && parsed > 0 {
			status = parsed
		}
	}

	return &Response{
		Status:   status,
		Body:     html,
		Header:   resp.Header.Clone(),
		Path:     PathRendered,
		FinalURL: target,
	}, nil
}

var _ Renderer = (*RemoteRenderer)(nil)
