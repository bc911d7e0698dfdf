package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dropwatch/internal/health"
)

// Notification 封装适配器熔断状态变化。
type Notification struct {
	Adapter     string
	Class       string
	From        health.Circuit
	To          health.Circuit
	SuccessRate float64
	AvgLatency  time.Duration
	WindowSize  int
	LastError   string
	At          time.Time
	Channels    []string
}

// FromTransition builds a notification from a monitor transition.
func FromTransition(tr health.Transition, channels []string) Notification {
	return Notification{
		Adapter:     tr.Adapter,
		Class:       string(tr.State.Class),
		From:        tr.From,
		To:          tr.To,
		SuccessRate: tr.State.SuccessRate,
		AvgLatency:  tr.State.AvgLatency,
		WindowSize:  tr.State.WindowSize,
		LastError:   tr.State.LastError,
		At:          tr.At,
		Channels:    channels,
	}
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	n.logger.Info().
		Str("adapter", note.Adapter).
		Str("circuit", string(note.To)).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	var b strings.Builder
	title := "recovered"
	if note.To == health.CircuitOpen {
		title = "degraded"
	}
	fmt.Fprintf(&b, "[dropwatch] adapter %s %s\n", note.Adapter, title)
	fmt.Fprintf(&b, "Circuit: %s -> %s\n", note.From, note.To)
	if note.Class != "" {
		fmt.Fprintf(&b, "Class: %s\n", note.Class)
	}
	fmt.Fprintf(&b, "Success: %.1f%% over %d requests\n", note.SuccessRate*100, note.WindowSize)
	fmt.Fprintf(&b, "Avg latency: %s\n", note.AvgLatency.Round(time.Millisecond))
	if note.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", note.LastError)
	}
	fmt.Fprintf(&b, "At: %s UTC\n", note.At.UTC().Format(time.RFC3339))
	if len(note.Channels) > 0 {
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(note.Channels, ","))
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
