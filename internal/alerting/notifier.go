package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"commodity-ratewatch/internal/logging"
)

// Notification summarises one commodity within an ingestion run.
type Notification struct {
	RunID     string
	Commodity string
	Success   bool
	Timestamp time.Time

	Stored   int
	Skipped  int
	NoData   int
	Degraded int
	Failed   int

	FailedCities  []string
	Channels      []string
	AdditionalMsg string
}

// Subject is the headline shared by every channel.
func (n Notification) Subject() string {
	name := strings.ToUpper(strings.TrimSpace(n.Commodity))
	if name == "" {
		name = "COMMODITY"
	}
	if n.Success {
		return fmt.Sprintf("SUCCESSFULLY SCRAPED PRICES FOR %s SCRAPER", name)
	}
	return fmt.Sprintf("ERROR SCRAPING PRICES FOR %s SCRAPER", name)
}

// Notifier delivers run notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier posts the summary through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
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
		logger:   logging.Component(logger, "alert_telegram"),
	}
}

// Notify calls sendMessage with the rendered summary.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
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
		return fmt.Errorf("telegram responded with status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("run_id", note.RunID).
		Str("commodity", note.Commodity).
		Bool("success", note.Success).
		Msg("notification sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(note.Subject())
	builder.WriteString("\n")
	if !note.Timestamp.IsZero() {
		builder.WriteString(fmt.Sprintf("Run: %s at %s UTC\n", note.RunID, note.Timestamp.UTC().Format(time.RFC3339)))
	}
	builder.WriteString(fmt.Sprintf("Stored: %d  Skipped: %d  No data: %d\n", note.Stored, note.Skipped, note.NoData))
	if note.Degraded > 0 {
		builder.WriteString(fmt.Sprintf("Fallback used: %d\n", note.Degraded))
	}
	if note.Failed > 0 {
		builder.WriteString(fmt.Sprintf("Failed: %d (%s)\n", note.Failed, strings.Join(note.FailedCities, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// LogNotifier writes notifications to the log. It stands in when no channel
// is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.Component(logger, "alert_log")}
}

// Notify logs the subject line.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	event := n.logger.Info()
	if !note.Success {
		event = n.logger.Warn()
	}
	event.Str("run_id", note.RunID).
		Str("commodity", note.Commodity).
		Int("stored", note.Stored).
		Int("failed", note.Failed).
		Msg(note.Subject())
	return nil
}

// Multi fans a notification out to every notifier. All notifiers are tried;
// the errors are joined.
type Multi []Notifier

// Notify delivers to each notifier in order.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
