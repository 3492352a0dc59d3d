package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts alerts to one chat through the Bot API's
// sendMessage, formatted as MarkdownV2.
type TelegramNotifier struct {
	baseURL string
	token   string
	chat    string
	client  *http.Client
	log     *slog.Logger
}

func NewTelegramNotifier(token, chat string, log *slog.Logger) *TelegramNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &TelegramNotifier{
		baseURL: telegramAPI,
		token:   token,
		chat:    chat,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With("component", "telegram"),
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	msg := telegramMessage{ChatID: t.chat, Text: renderTelegram(alert), ParseMode: "MarkdownV2"}
	if err := postJSON(ctx, t.client, t.baseURL+"/bot"+t.token+"/sendMessage", msg); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	t.log.Debug("alert sent", "level", string(alert.Level), "feed", alert.Feed)
	return nil
}

func levelMarker(l AlertLevel) string {
	switch l {
	case AlertCritical:
		return "🚨"
	case AlertWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// renderTelegram lays a feed alert out as one fact per line; other alerts
// are title plus message.
func renderTelegram(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n", levelMarker(a.Level), escapeMarkdown(a.Title))
	if a.IsFeedAlert() {
		fmt.Fprintf(&b, "feed: `%s`\n", escapeCode(a.Feed))
		fmt.Fprintf(&b, "consecutive failures: *%d*\n", a.Failures)
		fmt.Fprintf(&b, "last error: `%s`", escapeCode(a.LastError))
	} else {
		b.WriteString(escapeMarkdown(a.Message))
		if a.Source != "" {
			b.WriteString("\n_" + escapeMarkdown(a.Source) + "_")
		}
	}
	if !a.At.IsZero() {
		b.WriteString("\n" + escapeMarkdown(a.At.Format(time.RFC3339)))
	}
	return b.String()
}

const markdownSpecials = "_*[]()~`>#+-=|{}.!\\"

// escapeMarkdown escapes MarkdownV2 control characters.
func escapeMarkdown(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(markdownSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeCode escapes text inside a MarkdownV2 code span, where only the
// backtick and backslash are special.
func escapeCode(s string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(s)
}
