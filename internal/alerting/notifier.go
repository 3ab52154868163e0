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
)

// Notice 封装发给运维的告警上下文。
type Notice struct {
	Kind       string
	CycleID    string
	ObservedAt time.Time
	Pair       string
	Failures   []string
	Detail     string
}

// Notifier 定义运维告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notice Notice) error
}

// NopNotifier drops notices.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notice) error { return nil }

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
func (n *TelegramNotifier) Notify(ctx context.Context, notice Notice) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderNotice(notice),
	}

	body, err := json.Marshal(payload)
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
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("kind", notice.Kind).
		Str("cycle_id", notice.CycleID).
		Msg("运维告警已发送 (Telegram)")
	return nil
}

func renderNotice(notice Notice) string {
	builder := strings.Builder{}
	pair := notice.Pair
	if pair == "" {
		pair = "rate"
	}
	builder.WriteString(fmt.Sprintf("[%s watcher] %s\n", pair, notice.Kind))
	if !notice.ObservedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Cycle: %s UTC\n", notice.ObservedAt.UTC().Format(time.RFC3339)))
	}
	if notice.CycleID != "" {
		builder.WriteString(fmt.Sprintf("Cycle ID: %s\n", notice.CycleID))
	}
	for _, f := range notice.Failures {
		builder.WriteString("- ")
		builder.WriteString(f)
		builder.WriteString("\n")
	}
	if notice.Detail != "" {
		builder.WriteString(notice.Detail)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = NopNotifier{}
)
